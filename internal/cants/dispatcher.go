package cants

import (
	"context"
	"log/slog"

	"github.com/farouk15160/cants/internal/canframe"
	"github.com/farouk15160/cants/internal/metrics"
)

// Dispatcher classifies inbound messages and hands them to the handler
// goroutines. Time sync and unsolicited telemetry are handled inline.
type Dispatcher struct {
	log *slog.Logger
	cfg *Config

	queue chan canframe.Message

	tc chan<- canframe.Message
	tm chan<- canframe.Message
	sb chan<- canframe.Message
	gb chan<- canframe.Message
}

func newDispatcher(log *slog.Logger, cfg *Config, tc, tm, sb, gb chan<- canframe.Message) *Dispatcher {
	return &Dispatcher{
		log:   log,
		cfg:   cfg,
		queue: make(chan canframe.Message, cfg.DispatcherQueueLen),
		tc:    tc,
		tm:    tm,
		sb:    sb,
		gb:    gb,
	}
}

// SubmitFromInterrupt enqueues a received message without blocking. It
// reports false when the message was filtered out or the queue was full.
func (d *Dispatcher) SubmitFromInterrupt(msg canframe.Message) bool {
	if d.cfg.SoftwareFilter && !d.accepts(&msg) {
		metrics.FramesDropped.WithLabelValues(metrics.ReasonFiltered).Inc()
		return false
	}
	select {
	case d.queue <- msg:
		return true
	default:
		metrics.FramesDropped.WithLabelValues(metrics.ReasonDispatchFull).Inc()
		return false
	}
}

func (d *Dispatcher) accepts(msg *canframe.Message) bool {
	switch {
	case msg.Destination == d.cfg.NodeID:
		return true
	case msg.Destination == d.cfg.TimeID && msg.Type == canframe.TypeTimeSync:
		return true
	case msg.Destination == d.cfg.KeepAliveID && msg.Type == canframe.TypeUnsolicited:
		return true
	}
	return false
}

func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Starting dispatcher", "node", d.cfg.NodeID, "softwareFilter", d.cfg.SoftwareFilter)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Shutting down dispatcher")
			return nil
		case msg := <-d.queue:
			d.dispatch(ctx, msg)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg canframe.Message) {
	metrics.Dispatched.WithLabelValues(msg.Type.String()).Inc()

	switch msg.Type {
	case canframe.TypeTimeSync:
		d.cfg.Application.TimeSync(msg.Payload())

	case canframe.TypeUnsolicited:
		d.cfg.Application.Unsolicited(msg.Source, canframe.Channel(msg.Command), msg.Payload())

	case canframe.TypeTelecommand, canframe.TypeTelemetry:
		if canframe.TCTMRA(msg.Command) != canframe.TCTMRARequest {
			d.nackTCTM(msg, metrics.ReasonNotRequest)
			return
		}
		q := d.tm
		if msg.Type == canframe.TypeTelecommand {
			q = d.tc
		}
		if !d.forward(ctx, q, msg) {
			d.nackTCTM(msg, metrics.ReasonQueueFull)
		}

	case canframe.TypeSetBlock, canframe.TypeGetBlock:
		q := d.sb
		if msg.Type == canframe.TypeGetBlock {
			q = d.gb
		}
		if !d.forward(ctx, q, msg) {
			d.log.Debug("dispatcher: block queue full", "frame", msg)
			metrics.Nacks.WithLabelValues(metrics.ComponentDispatcher, metrics.ReasonQueueFull).Inc()
			send(d.log, d.cfg.Sender, blockNack(msg, d.cfg.NodeID))
		}

	default:
		d.log.Debug("dispatcher: unknown message type", "frame", msg)
	}
}

// forward tries the handler queue, then waits up to ForwardTimeout for room.
func (d *Dispatcher) forward(ctx context.Context, q chan<- canframe.Message, msg canframe.Message) bool {
	select {
	case q <- msg:
		return true
	default:
	}
	if d.cfg.ForwardTimeout <= 0 {
		return false
	}

	timer := d.cfg.Clock.NewTimer(d.cfg.ForwardTimeout)
	defer timer.Stop()

	select {
	case q <- msg:
		return true
	case <-timer.Chan():
		return false
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) nackTCTM(msg canframe.Message, reason string) {
	d.log.Debug("dispatcher: rejecting TC/TM", "frame", msg, "reason", reason)
	metrics.Nacks.WithLabelValues(metrics.ComponentDispatcher, reason).Inc()
	send(d.log, d.cfg.Sender, tctmReply(msg, d.cfg.NodeID, false))
}

// send transmits a reply, waiting for room in the outbound queue.
func send(log *slog.Logger, s Sender, msg canframe.Message) {
	if err := s.Send(msg, true); err != nil {
		log.Warn("Failed to send reply", "frame", msg, "error", err)
	}
}
