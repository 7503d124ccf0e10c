package cants

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultNodeID      = 0x80
	DefaultTimeID      = 0x00
	DefaultKeepAliveID = 0x01

	DefaultDispatcherQueueLen = 64
	DefaultTCQueueLen         = 5
	DefaultTMQueueLen         = 5
	DefaultSetBlockQueueLen   = 64
	DefaultGetBlockQueueLen   = 5
	DefaultForwardTimeout     = 10 * time.Millisecond

	DefaultSessions = 2

	DefaultSetBlockTimeout         = 5 * time.Second
	DefaultSetBlockWritingInterval = 100 * time.Millisecond
	DefaultGetBlockTimeout         = time.Second
	DefaultGetBlockBurstSize       = 8
	DefaultGetBlockBurstInterval   = 100 * time.Millisecond

	DefaultKeepAlivePeriod = 2 * time.Second

	// MaxSequence is the highest block index; a transfer carries up to 64 blocks of 8 bytes.
	MaxSequence = 63
	BlockSize   = 8
	BufferSize  = (MaxSequence + 1) * BlockSize
)

// KeepAlive configures the unsolicited telemetry broadcast cycle.
type KeepAlive struct {
	Enabled       bool
	UTMChannelMin uint8
	UTMChannelMax uint8
	Period        time.Duration
}

type Config struct {
	Clock       clockwork.Clock
	Sender      Sender
	Application Application
	Store       BlockStore

	// NodeID is this node's address; replies carry it as source.
	NodeID      uint8
	TimeID      uint8
	KeepAliveID uint8

	// SoftwareFilter drops inbound messages not addressed to this node when
	// the controller does not filter in hardware.
	SoftwareFilter bool

	DispatcherQueueLen int
	TCQueueLen         int
	TMQueueLen         int
	SetBlockQueueLen   int
	GetBlockQueueLen   int

	// ForwardTimeout bounds how long the dispatcher waits on a full handler
	// queue before answering with a Nack. Zero means do not wait.
	ForwardTimeout time.Duration

	SetBlockSessions int
	GetBlockSessions int

	SetBlockTimeout         time.Duration
	SetBlockWritingInterval time.Duration
	GetBlockTimeout         time.Duration
	GetBlockBurstSize       int
	GetBlockBurstInterval   time.Duration

	KeepAlive KeepAlive

	// SetBlockDone is called from the Set Block goroutine when a write
	// completes. Optional.
	SetBlockDone func(source uint8, address uint32, size int)
}

// DefaultConfig returns the node defaults. Collaborators are left unset.
func DefaultConfig() Config {
	return Config{
		Clock:                   clockwork.NewRealClock(),
		NodeID:                  DefaultNodeID,
		TimeID:                  DefaultTimeID,
		KeepAliveID:             DefaultKeepAliveID,
		SoftwareFilter:          true,
		DispatcherQueueLen:      DefaultDispatcherQueueLen,
		TCQueueLen:              DefaultTCQueueLen,
		TMQueueLen:              DefaultTMQueueLen,
		SetBlockQueueLen:        DefaultSetBlockQueueLen,
		GetBlockQueueLen:        DefaultGetBlockQueueLen,
		ForwardTimeout:          DefaultForwardTimeout,
		SetBlockSessions:        DefaultSessions,
		GetBlockSessions:        DefaultSessions,
		SetBlockTimeout:         DefaultSetBlockTimeout,
		SetBlockWritingInterval: DefaultSetBlockWritingInterval,
		GetBlockTimeout:         DefaultGetBlockTimeout,
		GetBlockBurstSize:       DefaultGetBlockBurstSize,
		GetBlockBurstInterval:   DefaultGetBlockBurstInterval,
		KeepAlive: KeepAlive{
			Enabled: true,
			Period:  DefaultKeepAlivePeriod,
		},
	}
}

func (c *Config) Validate() error {
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if c.Sender == nil {
		return errors.New("sender is required")
	}
	if c.Application == nil {
		return errors.New("application is required")
	}
	if c.Store == nil {
		return errors.New("block store is required")
	}
	if c.DispatcherQueueLen <= 0 || c.TCQueueLen <= 0 || c.TMQueueLen <= 0 ||
		c.SetBlockQueueLen <= 0 || c.GetBlockQueueLen <= 0 {
		return errors.New("queue lengths must be greater than 0")
	}
	if c.ForwardTimeout < 0 {
		return errors.New("forward timeout must not be negative")
	}
	if c.SetBlockSessions <= 0 || c.GetBlockSessions <= 0 {
		return errors.New("session pools must hold at least one session")
	}
	if c.SetBlockTimeout <= 0 || c.SetBlockWritingInterval <= 0 {
		return errors.New("set block timeouts must be greater than 0")
	}
	if c.GetBlockTimeout <= 0 || c.GetBlockBurstInterval <= 0 {
		return errors.New("get block timeouts must be greater than 0")
	}
	if c.GetBlockBurstSize <= 0 {
		return errors.New("get block burst size must be greater than 0")
	}
	if c.KeepAlive.Enabled {
		if c.KeepAlive.Period <= 0 {
			return errors.New("keep-alive period must be greater than 0")
		}
		if c.KeepAlive.UTMChannelMin > c.KeepAlive.UTMChannelMax {
			return errors.New("keep-alive channel min must not exceed max")
		}
	}
	return nil
}
