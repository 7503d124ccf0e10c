package canframe

import "fmt"

// Type is the CAN-TS transfer type carried in bits 18-20 of the identifier.
type Type uint8

const (
	TypeTimeSync    Type = 0
	TypeUnsolicited Type = 1
	TypeTelecommand Type = 2
	TypeTelemetry   Type = 3
	TypeSetBlock    Type = 4
	TypeGetBlock    Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeTimeSync:
		return "time_sync"
	case TypeUnsolicited:
		return "unsolicited_tm"
	case TypeTelecommand:
		return "telecommand"
	case TypeTelemetry:
		return "telemetry"
	case TypeSetBlock:
		return "set_block"
	case TypeGetBlock:
		return "get_block"
	default:
		return fmt.Sprintf("type_%d", uint8(t))
	}
}

// MaxDataLength is the payload capacity of one classical CAN frame.
const MaxDataLength = 8

// Message is one CAN-TS message. It maps 1:1 onto an extended CAN frame:
// the header fields live in the 29-bit identifier, the payload in the data bytes.
type Message struct {
	Destination uint8  // bits 21-28
	Source      uint8  // bits 10-17
	Type        Type   // bits 18-20
	Command     uint16 // bits 0-9
	Length      uint8  // number of valid bytes in Data
	Data        [MaxDataLength]byte
}

// Payload returns the valid part of Data. Length is clamped so a corrupt
// message never slices out of range.
func (m *Message) Payload() []byte {
	n := m.Length
	if n > MaxDataLength {
		n = MaxDataLength
	}
	return m.Data[:n]
}

// SetPayload copies p into Data and sets Length. Anything past 8 bytes is dropped.
func (m *Message) SetPayload(p []byte) {
	m.Length = uint8(copy(m.Data[:], p))
}

// Validate reports whether every field fits its wire width.
func (m Message) Validate() error {
	if m.Length > MaxDataLength {
		return ErrInvalidLength
	}
	if m.Command > commandMask {
		return ErrInvalidCommand
	}
	if uint32(m.Type) > typeMask {
		return ErrInvalidType
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s %02X->%02X cmd=%03X len=%d data=% X",
		m.Type, m.Source, m.Destination, m.Command, m.Length, m.Payload())
}
