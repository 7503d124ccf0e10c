// Package candrv connects the CAN-TS stack to two redundant CAN buses.
//
// Outbound messages go through a bounded queue that one goroutine drains onto
// the active bus. Inbound frames are accepted only from the active bus and
// are handed to the dispatcher without blocking.
package candrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brutella/can"
	"github.com/jonboulle/clockwork"

	"github.com/farouk15160/cants/internal/canframe"
	"github.com/farouk15160/cants/internal/cants"
	"github.com/farouk15160/cants/internal/metrics"
)

// SocketCAN can_id flags.
const (
	EffFlag uint32 = 1 << 31
	RtrFlag uint32 = 1 << 30
	ErrFlag uint32 = 1 << 29
)

const (
	DefaultTxQueueLen  = 16
	DefaultSendTimeout = 10 * time.Millisecond
)

// Port publishes frames on one bus. *can.Bus implements it.
type Port interface {
	Publish(can.Frame) error
}

// Receiver takes decoded inbound messages. It must not block.
type Receiver interface {
	SubmitFromInterrupt(msg canframe.Message) bool
}

type Config struct {
	Clock clockwork.Clock

	// Ports holds bus 0 and bus 1. Bus 0 is active at start.
	Ports []Port

	TxQueueLen int
	// SendTimeout bounds how long a waiting Send blocks on a full queue.
	SendTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if len(c.Ports) == 0 || len(c.Ports) > 2 {
		return errors.New("one or two ports are required")
	}
	for i, p := range c.Ports {
		if p == nil {
			return fmt.Errorf("port %d is nil", i)
		}
	}
	if c.TxQueueLen <= 0 {
		return errors.New("tx queue length must be greater than 0")
	}
	if c.SendTimeout < 0 {
		return errors.New("send timeout must not be negative")
	}
	return nil
}

type Driver struct {
	log *slog.Logger
	cfg Config

	tx chan canframe.Message

	mu       sync.Mutex
	active   int
	receiver Receiver
}

func New(log *slog.Logger, cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Driver{
		log: log,
		cfg: cfg,
		tx:  make(chan canframe.Message, cfg.TxQueueLen),
	}, nil
}

// SetReceiver installs the inbound message sink. Frames received before a
// receiver is set are dropped.
func (d *Driver) SetReceiver(r Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiver = r
}

// SetBus selects the bus used for both directions.
func (d *Driver) SetBus(bus int) error {
	if bus < 0 || bus >= len(d.cfg.Ports) {
		return fmt.Errorf("bus %d not configured", bus)
	}
	d.mu.Lock()
	d.active = bus
	d.mu.Unlock()
	d.log.Info("Active CAN bus changed", "bus", bus)
	return nil
}

func (d *Driver) ActiveBus() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Send queues msg for transmission. With wait set it blocks up to
// SendTimeout for room; otherwise it fails at once on a full queue.
func (d *Driver) Send(msg canframe.Message, wait bool) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	select {
	case d.tx <- msg:
		return nil
	default:
	}

	if wait && d.cfg.SendTimeout > 0 {
		timer := d.cfg.Clock.NewTimer(d.cfg.SendTimeout)
		defer timer.Stop()
		select {
		case d.tx <- msg:
			return nil
		case <-timer.Chan():
		}
	}

	metrics.TxQueueFull.Inc()
	return cants.ErrTxQueueFull
}

// Run drains the transmit queue onto the active bus until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info("Starting CAN driver", "buses", len(d.cfg.Ports), "txQueueLen", d.cfg.TxQueueLen)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Shutting down CAN driver")
			return nil
		case msg := <-d.tx:
			d.publish(msg)
		}
	}
}

func (d *Driver) publish(msg canframe.Message) {
	d.mu.Lock()
	bus := d.active
	port := d.cfg.Ports[bus]
	d.mu.Unlock()

	frame := toFrame(msg)
	if err := port.Publish(frame); err != nil {
		d.log.Error("Failed to publish CAN frame", "bus", bus, "id", fmt.Sprintf("%08X", frame.ID&canframe.IDMask), "error", err)
		return
	}
	d.log.Debug("candrv: sent", "bus", bus, "frame", msg)
}

// Handler returns the receive callback for one bus.
func (d *Driver) Handler(bus int) can.HandlerFunc {
	return func(f can.Frame) {
		d.Receive(bus, f)
	}
}

// Receive accepts an extended data frame from the active bus and passes it on.
func (d *Driver) Receive(bus int, f can.Frame) {
	switch {
	case f.ID&EffFlag == 0:
		metrics.FramesDropped.WithLabelValues(metrics.ReasonNotExtended).Inc()
		return
	case f.ID&RtrFlag != 0:
		metrics.FramesDropped.WithLabelValues(metrics.ReasonRemoteFrame).Inc()
		return
	case f.ID&ErrFlag != 0:
		metrics.FramesDropped.WithLabelValues(metrics.ReasonErrorFrame).Inc()
		return
	}

	d.mu.Lock()
	active := d.active
	rx := d.receiver
	d.mu.Unlock()

	if bus != active {
		metrics.FramesDropped.WithLabelValues(metrics.ReasonInactiveBus).Inc()
		return
	}
	if rx == nil {
		return
	}

	msg := fromFrame(f)
	if !rx.SubmitFromInterrupt(msg) {
		d.log.Debug("candrv: frame not accepted", "bus", bus, "frame", msg)
	}
}

func toFrame(msg canframe.Message) can.Frame {
	f := can.Frame{
		ID:     canframe.Encode(msg) | EffFlag,
		Length: msg.Length,
	}
	copy(f.Data[:], msg.Payload())
	return f
}

func fromFrame(f can.Frame) canframe.Message {
	msg := canframe.Decode(f.ID)
	n := min(int(f.Length), canframe.MaxDataLength)
	msg.SetPayload(f.Data[:n])
	return msg
}
