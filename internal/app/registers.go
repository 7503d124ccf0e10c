// Package app is the node's channel application: a bank of 8-byte registers
// written by telecommands and read back as telemetry, plus the hooks that
// feed time sync and unsolicited telemetry to the rest of the node.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/farouk15160/cants/internal/canframe"
)

const (
	DefaultRegisters = 4
	MaxRegisters     = 256
)

var ErrUnknownChannel = errors.New("app: unknown channel")

// Heartbeat receives the source of every unsolicited telemetry message.
type Heartbeat interface {
	Heartbeat(source uint8)
}

// Mirror receives node events for the ground. It must not block.
type Mirror interface {
	Unsolicited(source, channel uint8, data []byte)
	TimeSync(data []byte)
}

type Config struct {
	// Registers is the number of channels. Channel n reads and writes
	// register n.
	Registers int

	Heartbeat Heartbeat // optional
	Mirror    Mirror    // optional
}

func (c *Config) Validate() error {
	if c.Registers <= 0 {
		return errors.New("registers must be greater than 0")
	}
	if c.Registers > MaxRegisters {
		return fmt.Errorf("registers must not exceed %d", MaxRegisters)
	}
	return nil
}

type Registers struct {
	log *slog.Logger
	cfg Config

	mu   sync.Mutex
	regs [][canframe.MaxDataLength]byte
	lens []int
}

func New(log *slog.Logger, cfg Config) (*Registers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	lens := make([]int, cfg.Registers)
	for i := range lens {
		lens[i] = canframe.MaxDataLength
	}
	return &Registers{
		log:  log,
		cfg:  cfg,
		regs: make([][canframe.MaxDataLength]byte, cfg.Registers),
		lens: lens,
	}, nil
}

// Telecommand stores data in the channel's register.
func (r *Registers) Telecommand(channel uint8, data []byte) error {
	if int(channel) >= len(r.regs) {
		return fmt.Errorf("telecommand channel %d: %w", channel, ErrUnknownChannel)
	}
	if len(data) > canframe.MaxDataLength {
		return fmt.Errorf("telecommand channel %d: %w", channel, canframe.ErrInvalidLength)
	}

	r.mu.Lock()
	r.regs[channel] = [canframe.MaxDataLength]byte{}
	copy(r.regs[channel][:], data)
	r.lens[channel] = len(data)
	r.mu.Unlock()

	r.log.Debug("app: register written", "channel", channel, "data", fmt.Sprintf("% X", data))
	return nil
}

// Telemetry returns the channel's register as last written.
func (r *Registers) Telemetry(channel uint8) ([]byte, error) {
	if int(channel) >= len(r.regs) {
		return nil, fmt.Errorf("telemetry channel %d: %w", channel, ErrUnknownChannel)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.lens[channel])
	copy(out, r.regs[channel][:])
	return out, nil
}

func (r *Registers) TimeSync(data []byte) {
	r.log.Debug("app: time sync", "data", fmt.Sprintf("% X", data))
	if r.cfg.Mirror != nil {
		r.cfg.Mirror.TimeSync(data)
	}
}

func (r *Registers) Unsolicited(source, channel uint8, data []byte) {
	if r.cfg.Heartbeat != nil {
		r.cfg.Heartbeat.Heartbeat(source)
	}
	if r.cfg.Mirror != nil {
		r.cfg.Mirror.Unsolicited(source, channel, data)
	}
}
