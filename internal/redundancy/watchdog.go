// Package redundancy switches the active CAN bus when the redundancy
// master's heartbeat goes missing.
package redundancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/farouk15160/cants/internal/metrics"
)

const (
	DefaultMasterID    = 0xAA
	DefaultPeriod      = 2 * time.Second
	DefaultMaxMisses   = 2
	DefaultMaxSwitches = 7
)

// BusSwitcher selects the bus used for transmit and receive.
type BusSwitcher interface {
	SetBus(bus int) error
}

type Config struct {
	Clock    clockwork.Clock
	Switcher BusSwitcher

	// MasterID is the source of the heartbeat telemetry.
	MasterID    uint8
	Period      time.Duration
	MaxMisses   int
	MaxSwitches int

	// OnSwitch is called after every bus switch. Optional.
	OnSwitch func(State)
}

func DefaultConfig() Config {
	return Config{
		Clock:       clockwork.NewRealClock(),
		MasterID:    DefaultMasterID,
		Period:      DefaultPeriod,
		MaxMisses:   DefaultMaxMisses,
		MaxSwitches: DefaultMaxSwitches,
	}
}

func (c *Config) Validate() error {
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if c.Switcher == nil {
		return errors.New("bus switcher is required")
	}
	if c.Period <= 0 {
		return errors.New("period must be greater than 0")
	}
	if c.MaxMisses <= 0 {
		return errors.New("max misses must be greater than 0")
	}
	if c.MaxSwitches < 0 {
		return errors.New("max switches must not be negative")
	}
	return nil
}

// State is the watchdog's view of the buses.
type State struct {
	Misses   int `json:"misses"`
	Switches int `json:"switches"`
	Bus      int `json:"bus"`
}

// Watchdog counts heartbeat periods without a heartbeat and flips between
// bus 0 and bus 1 after MaxMisses of them in a row. At most MaxSwitches
// flips happen until a heartbeat is seen again.
type Watchdog struct {
	log *slog.Logger
	cfg Config

	notify chan struct{}

	mu    sync.Mutex
	state State
}

func New(log *slog.Logger, cfg Config) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Watchdog{
		log:    log,
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}, nil
}

// Heartbeat reports unsolicited telemetry from source. Only the master
// counts. It never blocks and may be called from the dispatcher.
func (w *Watchdog) Heartbeat(source uint8) {
	if source != w.cfg.MasterID {
		return
	}
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Watchdog) Snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watchdog) Run(ctx context.Context) error {
	w.log.Info("Starting redundancy watchdog",
		"master", w.cfg.MasterID,
		"period", w.cfg.Period,
		"maxMisses", w.cfg.MaxMisses,
		"maxSwitches", w.cfg.MaxSwitches,
	)
	metrics.ActiveBus.Set(float64(w.Snapshot().Bus))

	for {
		timer := w.cfg.Clock.NewTimer(w.cfg.Period)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.log.Info("Shutting down redundancy watchdog")
			return nil
		case <-w.notify:
			timer.Stop()
			w.step(true)
		case <-timer.Chan():
			if st, switched := w.step(false); switched && w.cfg.OnSwitch != nil {
				w.cfg.OnSwitch(st)
			}
		}
	}
}

// step advances the state machine by one heartbeat wait and reports whether
// the bus was switched.
func (w *Watchdog) step(notified bool) (State, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if notified {
		w.state.Misses = 0
		w.state.Switches = 0
		return w.state, false
	}

	w.state.Misses++
	if w.state.Misses < w.cfg.MaxMisses {
		w.log.Debug("redundancy: heartbeat missed", "misses", w.state.Misses)
		return w.state, false
	}
	w.state.Misses = 0

	if w.state.Switches >= w.cfg.MaxSwitches {
		w.log.Warn("Heartbeat lost, bus switch limit reached", "bus", w.state.Bus, "switches", w.state.Switches)
		return w.state, false
	}

	next := 1 - w.state.Bus
	if err := w.cfg.Switcher.SetBus(next); err != nil {
		w.log.Error("Failed to switch bus", "bus", next, "error", err)
		return w.state, false
	}
	w.state.Bus = next
	w.state.Switches++
	metrics.BusSwitches.Inc()
	metrics.ActiveBus.Set(float64(next))
	w.log.Warn("Heartbeat lost, switched bus", "bus", next, "switches", w.state.Switches)

	return w.state, true
}
