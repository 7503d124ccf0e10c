package cants

import (
	"errors"
	"sync/atomic"

	"github.com/farouk15160/cants/internal/canframe"
)

// ErrTxQueueFull is returned by a Sender when the outbound path cannot take
// another frame.
var ErrTxQueueFull = errors.New("cants: transmit queue full")

// Sender transmits one message on the active bus. When wait is false the
// send is best-effort and must return ErrTxQueueFull instead of blocking.
type Sender interface {
	Send(msg canframe.Message, wait bool) error
}

// Application supplies the node's channel handlers. TimeSync and Unsolicited
// run on the dispatcher goroutine and must not block.
type Application interface {
	TimeSync(data []byte)
	Unsolicited(source, channel uint8, data []byte)
	Telecommand(channel uint8, data []byte) error
	// Telemetry returns at most 8 bytes for the channel.
	Telemetry(channel uint8) ([]byte, error)
}

// BlockStore is the memory behind Set Block and Get Block transfers.
type BlockStore interface {
	ValidateWrite(address uint32, size int) bool
	// StartWrite takes ownership of data and sets done once the write has
	// finished. It may return before that happens.
	StartWrite(address uint32, data []byte, done *atomic.Bool) error
	// Read fills buf completely or returns an error.
	Read(address uint32, buf []byte) error
}
