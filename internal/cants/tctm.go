package cants

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/farouk15160/cants/internal/canframe"
	"github.com/farouk15160/cants/internal/metrics"
)

// TCTM answers telecommand and telemetry requests and broadcasts the
// keep-alive telemetry. Telecommands and telemetry run on separate goroutines.
type TCTM struct {
	log *slog.Logger
	cfg *Config

	tc chan canframe.Message
	tm chan canframe.Message

	// utmCh is the next keep-alive channel. Owned by the telemetry goroutine.
	utmCh uint8
}

func newTCTM(log *slog.Logger, cfg *Config) *TCTM {
	return &TCTM{
		log:   log,
		cfg:   cfg,
		tc:    make(chan canframe.Message, cfg.TCQueueLen),
		tm:    make(chan canframe.Message, cfg.TMQueueLen),
		utmCh: cfg.KeepAlive.UTMChannelMin,
	}
}

func (h *TCTM) RunTelecommands(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-h.tc:
			h.handleTelecommand(msg)
		}
	}
}

func (h *TCTM) handleTelecommand(msg canframe.Message) {
	if msg.Type != canframe.TypeTelecommand {
		return
	}

	ch := canframe.Channel(msg.Command)
	err := h.cfg.Application.Telecommand(ch, msg.Payload())
	if err != nil {
		h.log.Debug("telecommand: rejected", "channel", ch, "source", msg.Source, "error", err)
		metrics.Nacks.WithLabelValues(metrics.ComponentTelecommand, metrics.ReasonRejected).Inc()
	}
	send(h.log, h.cfg.Sender, tctmReply(msg, h.cfg.NodeID, err == nil))
}

// RunTelemetry serves telemetry requests and, when enabled, sends one
// keep-alive each time the period deadline passes.
func (h *TCTM) RunTelemetry(ctx context.Context) error {
	ka := h.cfg.KeepAlive
	clock := h.cfg.Clock
	if ka.Enabled {
		h.log.Info("Starting keep-alive", "period", ka.Period,
			"utmChannelMin", ka.UTMChannelMin, "utmChannelMax", ka.UTMChannelMax)
	}

	deadline := clock.Now().Add(ka.Period)
	for {
		var (
			timer   clockwork.Timer
			expired <-chan time.Time
		)
		if ka.Enabled {
			timer = clock.NewTimer(deadline.Sub(clock.Now()))
			expired = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case msg := <-h.tm:
			h.handleTelemetry(msg)
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}

		if ka.Enabled && !clock.Now().Before(deadline) {
			h.sendKeepAlive()
			deadline = clock.Now().Add(ka.Period)
		}
	}
}

// handleTelemetry ignores requests that carry data.
func (h *TCTM) handleTelemetry(msg canframe.Message) {
	if msg.Type != canframe.TypeTelemetry || msg.Length != 0 {
		h.log.Debug("telemetry: ignoring request with data", "frame", msg)
		return
	}

	ch := canframe.Channel(msg.Command)
	data, err := h.cfg.Application.Telemetry(ch)
	if err != nil {
		h.log.Debug("telemetry: channel unavailable", "channel", ch, "source", msg.Source, "error", err)
		metrics.Nacks.WithLabelValues(metrics.ComponentTelemetry, metrics.ReasonRejected).Inc()
	} else {
		msg.SetPayload(data)
	}
	send(h.log, h.cfg.Sender, tctmReply(msg, h.cfg.NodeID, err == nil))
}

// sendKeepAlive broadcasts the next available channel in the keep-alive
// range. Each channel is tried at most once per period; if none answers the
// period is skipped.
func (h *TCTM) sendKeepAlive() bool {
	ka := h.cfg.KeepAlive
	span := int(ka.UTMChannelMax) - int(ka.UTMChannelMin) + 1

	for range span {
		ch := h.utmCh
		if next := int(ch) + 1; next > int(ka.UTMChannelMax) {
			h.utmCh = ka.UTMChannelMin
		} else {
			h.utmCh = uint8(next)
		}

		data, err := h.cfg.Application.Telemetry(ch)
		if err != nil {
			continue
		}

		msg := canframe.Message{
			Destination: h.cfg.KeepAliveID,
			Source:      h.cfg.NodeID,
			Type:        canframe.TypeUnsolicited,
			Command:     uint16(ch),
		}
		msg.SetPayload(data)
		send(h.log, h.cfg.Sender, msg)
		metrics.KeepAlive.WithLabelValues(metrics.ResultSent).Inc()
		return true
	}

	h.log.Warn("No keep-alive channel available, skipping period",
		"utmChannelMin", ka.UTMChannelMin, "utmChannelMax", ka.UTMChannelMax)
	metrics.KeepAlive.WithLabelValues(metrics.ResultSkipped).Inc()
	return false
}
