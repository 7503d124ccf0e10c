package canframe

// TC/TM Request/Acknowledge field: command bits 8-9. The low 8 bits carry the channel.
const (
	TCTMRAMask    uint16 = 0x300
	TCTMRARequest uint16 = 0x000
	TCTMRAAck     uint16 = 0x100
	TCTMRANack    uint16 = 0x200

	ChannelMask uint16 = 0xFF
)

// BlockRA is the Set/Get Block Request/Acknowledge sub-code held in command bits 7-9.
type BlockRA uint8

const (
	BlockRARequest BlockRA = 0
	BlockRAAck     BlockRA = 2
	BlockRAAbort   BlockRA = 3
	BlockRANack    BlockRA = 4

	// Set Block only.
	BlockRASBTransfer BlockRA = 1
	BlockRASBStatus   BlockRA = 6
	BlockRASBReport   BlockRA = 7

	// Get Block only.
	BlockRAGBStart    BlockRA = 6
	BlockRAGBTransfer BlockRA = 7
)

const (
	BlockRAShift = 7
	blockRAMask  = 0x7

	// BlockSeqMask selects the block sequence number (0-63) from a block command.
	BlockSeqMask uint16 = 0x3F

	// BlockReportDone is set in a Set Block Report when the write has completed.
	BlockReportDone uint16 = 1 << 6
)

// TCTMRA returns the Request/Acknowledge bits of a telecommand or telemetry command.
func TCTMRA(cmd uint16) uint16 { return cmd & TCTMRAMask }

// Channel returns the channel number of a TC/TM/UTM command.
func Channel(cmd uint16) uint8 { return uint8(cmd & ChannelMask) }

// RA returns the block transfer sub-code of cmd.
func RA(cmd uint16) BlockRA { return BlockRA((cmd >> BlockRAShift) & blockRAMask) }

// Seq returns the block sequence number of cmd.
func Seq(cmd uint16) uint8 { return uint8(cmd & BlockSeqMask) }

// BlockCommand builds a block transfer command from a sub-code and the low 7 bits.
func BlockCommand(ra BlockRA, low uint16) uint16 {
	return uint16(ra)<<BlockRAShift | low&(1<<BlockRAShift-1)
}
