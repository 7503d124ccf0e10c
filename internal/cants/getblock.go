package cants

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/farouk15160/cants/internal/canframe"
	"github.com/farouk15160/cants/internal/metrics"
)

type gbState uint8

const (
	gbIdle gbState = iota
	gbWaitOnStart
	gbTransmitting
)

func (s gbState) String() string {
	switch s {
	case gbIdle:
		return "idle"
	case gbWaitOnStart:
		return "wait_on_start"
	case gbTransmitting:
		return "transmitting"
	}
	return "unknown"
}

type getBlockSession struct {
	buffer   [BufferSize]byte
	mask     uint64
	source   uint8
	state    gbState
	maxSeq   uint8
	curSeq   uint8
	deadline time.Time
}

func (s *getBlockSession) idle() bool     { return s.state == gbIdle }
func (s *getBlockSession) due() time.Time { return s.deadline }

// GetBlockManager runs the Get Block (read) sessions.
type GetBlockManager struct {
	log *slog.Logger
	cfg *Config

	queue    chan canframe.Message
	sessions []*getBlockSession
}

func newGetBlockManager(log *slog.Logger, cfg *Config) *GetBlockManager {
	m := &GetBlockManager{
		log:      log,
		cfg:      cfg,
		queue:    make(chan canframe.Message, cfg.GetBlockQueueLen),
		sessions: make([]*getBlockSession, cfg.GetBlockSessions),
	}
	for i := range m.sessions {
		m.sessions[i] = &getBlockSession{}
	}
	return m
}

func (m *GetBlockManager) Run(ctx context.Context) error {
	for {
		idx, wait := m.schedule()
		timer, fired := nextTimer(m.cfg.Clock, idx, wait)

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case msg := <-m.queue:
			m.handle(msg)
		case <-fired:
			m.expire(m.sessions[idx])
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (m *GetBlockManager) schedule() (int, time.Duration) {
	idx, wait := soonest(m.cfg.Clock.Now(), m.sessions, m.expire)
	metrics.SessionsActive.WithLabelValues(metrics.ComponentGetBlock).Set(float64(countActive(m.sessions)))
	return idx, wait
}

func (m *GetBlockManager) lookup(source uint8) *getBlockSession {
	for _, s := range m.sessions {
		if !s.idle() && s.source == source {
			return s
		}
	}
	return nil
}

func (m *GetBlockManager) free() *getBlockSession {
	for _, s := range m.sessions {
		if s.idle() {
			return s
		}
	}
	return nil
}

func (m *GetBlockManager) handle(msg canframe.Message) {
	ra := canframe.RA(msg.Command)
	s := m.lookup(msg.Source)

	if (s != nil) == (ra == canframe.BlockRARequest) {
		m.nack(msg, metrics.ReasonSessionMismatch)
		return
	}

	reason := metrics.ReasonInvalid
	switch ra {
	case canframe.BlockRARequest:
		s, reason = m.open(msg)

	case canframe.BlockRAAbort:
		if msg.Length == 0 {
			m.log.Debug("getblock: aborted", "source", msg.Source, "state", s.state)
			s.state = gbIdle
			m.ack(msg)
			reason = ""
		}

	case canframe.BlockRAGBStart:
		if mask, ok := parseStartMask(msg.Payload(), s.maxSeq); ok {
			s.mask = mask
			s.curSeq = 0
			s.state = gbTransmitting
			m.ack(msg)
			m.burst(s)
			reason = ""
		}
	}

	if reason != "" {
		m.nack(msg, reason)
		return
	}
	m.rearm(s)
}

func (m *GetBlockManager) open(msg canframe.Message) (*getBlockSession, string) {
	s := m.free()
	if s == nil {
		return nil, metrics.ReasonNoSlot
	}
	address, ok := blockAddress(&msg)
	if !ok {
		return nil, metrics.ReasonBadAddress
	}
	seq := canframe.Seq(msg.Command)
	if err := m.cfg.Store.Read(address, s.buffer[:(int(seq)+1)*BlockSize]); err != nil {
		m.log.Debug("getblock: read failed", "source", msg.Source, "address", address, "error", err)
		return nil, metrics.ReasonRejected
	}

	s.source = msg.Source
	s.maxSeq = seq
	s.mask = 0
	s.curSeq = 0
	s.state = gbWaitOnStart
	m.log.Debug("getblock: session opened", "source", s.source, "address", address, "maxSeq", seq)
	m.ack(msg)
	return s, ""
}

// burst sends up to GetBlockBurstSize requested blocks from curSeq on. It
// stops without losing its place when the outbound queue is full. Once every
// block has been visited the session waits for the next Start.
func (m *GetBlockManager) burst(s *getBlockSession) {
	sent := 0
	for s.curSeq <= s.maxSeq && sent < m.cfg.GetBlockBurstSize {
		if s.mask&(1<<s.curSeq) != 0 {
			off := int(s.curSeq) * BlockSize
			frame := dataFrame(s.source, m.cfg.NodeID, s.curSeq, s.buffer[off:off+BlockSize])
			if err := m.cfg.Sender.Send(frame, false); err != nil {
				if !errors.Is(err, ErrTxQueueFull) {
					m.log.Warn("getblock: send failed", "source", s.source, "seq", s.curSeq, "error", err)
				}
				return
			}
			metrics.BlockFramesSent.Inc()
			sent++
		}
		s.curSeq++
	}

	if s.curSeq > s.maxSeq {
		s.state = gbWaitOnStart
	}
}

// rearm sets the next deadline. A transmitting session uses the burst
// interval to pace itself rather than to expire.
func (m *GetBlockManager) rearm(s *getBlockSession) {
	d := m.cfg.GetBlockTimeout
	if s.state == gbTransmitting {
		d = m.cfg.GetBlockBurstInterval
	}
	s.deadline = m.cfg.Clock.Now().Add(d)
}

func (m *GetBlockManager) expire(s *getBlockSession) {
	if s.state != gbTransmitting {
		m.log.Debug("getblock: session expired", "source", s.source, "state", s.state)
		s.state = gbIdle
		return
	}
	m.burst(s)
	m.rearm(s)
}

func (m *GetBlockManager) ack(msg canframe.Message) {
	send(m.log, m.cfg.Sender, blockAck(msg, m.cfg.NodeID))
}

func (m *GetBlockManager) nack(msg canframe.Message, reason string) {
	m.log.Debug("getblock: nack", "frame", msg, "reason", reason)
	metrics.Nacks.WithLabelValues(metrics.ComponentGetBlock, reason).Inc()
	send(m.log, m.cfg.Sender, blockNack(msg, m.cfg.NodeID))
}
