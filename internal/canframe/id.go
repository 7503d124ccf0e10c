package canframe

// Identifier layout (29 bits, least significant first):
//
//	bits  0-9   command
//	bits 10-17  source
//	bits 18-20  type
//	bits 21-28  destination
const (
	posCommand     = 0
	posSource      = 10
	posType        = 18
	posDestination = 21

	commandMask     = 0x3FF
	sourceMask      = 0xFF
	typeMask        = 0x07
	destinationMask = 0xFF

	// IDMask selects the 29 identifier bits of a raw SocketCAN can_id.
	IDMask uint32 = 0x1FFFFFFF
)

// Encode packs the header fields of msg into a 29-bit CAN identifier.
// Fields wider than their slot are truncated to the slot width.
func Encode(msg Message) uint32 {
	id := uint32(0)

	id |= (uint32(msg.Command) & commandMask) << posCommand
	id |= (uint32(msg.Source) & sourceMask) << posSource
	id |= (uint32(msg.Type) & typeMask) << posType
	id |= (uint32(msg.Destination) & destinationMask) << posDestination

	return id
}

// Decode unpacks a CAN identifier into the header fields of a Message.
// Bits above bit 28 (SocketCAN flags) are ignored.
func Decode(id uint32) Message {
	id &= IDMask
	return Message{
		Command:     uint16((id >> posCommand) & commandMask),
		Source:      uint8((id >> posSource) & sourceMask),
		Type:        Type((id >> posType) & typeMask),
		Destination: uint8((id >> posDestination) & destinationMask),
	}
}
