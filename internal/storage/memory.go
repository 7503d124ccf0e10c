// Package storage provides the memory region behind Set Block and Get Block
// transfers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultSize = 0x100
	// DefaultQueueLen matches the default number of Set Block sessions, each
	// of which has at most one write outstanding.
	DefaultQueueLen = 2
)

var ErrOutOfRange = errors.New("storage: address out of range")

type Config struct {
	Clock clockwork.Clock
	Size  int
	// QueueLen bounds the writes waiting for the worker. It must be at least
	// the number of Set Block sessions.
	QueueLen int
	// WriteDelay simulates slow media. Zero completes writes immediately.
	WriteDelay time.Duration
}

func (c *Config) Validate() error {
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if c.Size <= 0 {
		return errors.New("size must be greater than 0")
	}
	if c.QueueLen <= 0 {
		return errors.New("queue length must be greater than 0")
	}
	if c.WriteDelay < 0 {
		return errors.New("write delay must not be negative")
	}
	return nil
}

type write struct {
	address uint32
	data    []byte
	done    *atomic.Bool
}

// Memory is a byte region written asynchronously by a single worker.
type Memory struct {
	log *slog.Logger
	cfg Config

	mu  sync.RWMutex
	mem []byte

	writes chan write
}

func NewMemory(log *slog.Logger, cfg Config) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Memory{
		log:    log,
		cfg:    cfg,
		mem:    make([]byte, cfg.Size),
		writes: make(chan write, cfg.QueueLen),
	}, nil
}

func (m *Memory) inRange(address uint32, size int) bool {
	return size >= 0 && uint64(address)+uint64(size) <= uint64(len(m.mem))
}

func (m *Memory) ValidateWrite(address uint32, size int) bool {
	return m.inRange(address, size)
}

// StartWrite queues data for the worker. It fails only when QueueLen writes
// are already waiting.
func (m *Memory) StartWrite(address uint32, data []byte, done *atomic.Bool) error {
	if !m.inRange(address, len(data)) {
		return ErrOutOfRange
	}
	select {
	case m.writes <- write{address: address, data: data, done: done}:
		return nil
	default:
		return fmt.Errorf("storage: %d writes pending", cap(m.writes))
	}
}

func (m *Memory) Read(address uint32, buf []byte) error {
	if !m.inRange(address, len(buf)) {
		return ErrOutOfRange
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	copy(buf, m.mem[address:])
	return nil
}

// Run completes queued writes until ctx is done.
func (m *Memory) Run(ctx context.Context) error {
	m.log.Info("Starting block storage", "size", len(m.mem), "writeDelay", m.cfg.WriteDelay)

	for {
		select {
		case <-ctx.Done():
			return nil
		case w := <-m.writes:
			if m.cfg.WriteDelay > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-m.cfg.Clock.After(m.cfg.WriteDelay):
				}
			}
			m.apply(w)
		}
	}
}

func (m *Memory) apply(w write) {
	m.mu.Lock()
	copy(m.mem[w.address:], w.data)
	m.mu.Unlock()

	w.done.Store(true)
	m.log.Debug("storage: write complete", "address", w.address, "size", len(w.data))
}
