package cants

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/farouk15160/cants/internal/canframe"
	"github.com/farouk15160/cants/internal/metrics"
)

type sbState uint8

const (
	sbIdle sbState = iota
	sbReceiving
	sbWriting
	sbDone
)

func (s sbState) String() string {
	switch s {
	case sbIdle:
		return "idle"
	case sbReceiving:
		return "receiving"
	case sbWriting:
		return "writing"
	case sbDone:
		return "done"
	}
	return "unknown"
}

type setBlockSession struct {
	buffer      [BufferSize]byte
	mask        uint64
	address     uint32
	size        int
	source      uint8
	state       sbState
	maxSeq      uint8
	lastBlkSize uint8
	// done is replaced for every write so a late completion from an
	// aborted session cannot mark a newer one.
	done     *atomic.Bool
	deadline time.Time
}

func (s *setBlockSession) idle() bool     { return s.state == sbIdle }
func (s *setBlockSession) due() time.Time { return s.deadline }

func (s *setBlockSession) writeDone() bool {
	return s.done != nil && s.done.Load()
}

// SetBlockManager runs the Set Block (write) sessions.
type SetBlockManager struct {
	log *slog.Logger
	cfg *Config

	queue    chan canframe.Message
	sessions []*setBlockSession
}

func newSetBlockManager(log *slog.Logger, cfg *Config) *SetBlockManager {
	m := &SetBlockManager{
		log:      log,
		cfg:      cfg,
		queue:    make(chan canframe.Message, cfg.SetBlockQueueLen),
		sessions: make([]*setBlockSession, cfg.SetBlockSessions),
	}
	for i := range m.sessions {
		m.sessions[i] = &setBlockSession{}
	}
	return m
}

func (m *SetBlockManager) Run(ctx context.Context) error {
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

// schedule expires overdue sessions and picks the next one due.
func (m *SetBlockManager) schedule() (int, time.Duration) {
	idx, wait := soonest(m.cfg.Clock.Now(), m.sessions, m.expire)
	metrics.SessionsActive.WithLabelValues(metrics.ComponentSetBlock).Set(float64(countActive(m.sessions)))
	return idx, wait
}

func (m *SetBlockManager) lookup(source uint8) *setBlockSession {
	for _, s := range m.sessions {
		if !s.idle() && s.source == source {
			return s
		}
	}
	return nil
}

func (m *SetBlockManager) free() *setBlockSession {
	for _, s := range m.sessions {
		if s.idle() {
			return s
		}
	}
	return nil
}

func (m *SetBlockManager) handle(msg canframe.Message) {
	ra := canframe.RA(msg.Command)
	s := m.lookup(msg.Source)

	// A Request must not match an open session; anything else must.
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
			m.log.Debug("setblock: aborted", "source", msg.Source, "state", s.state)
			s.state = sbIdle
			m.ack(msg)
			reason = ""
		}

	case canframe.BlockRASBStatus:
		if msg.Length == 0 {
			complete := s.state == sbDone || (s.state == sbWriting && s.writeDone())
			send(m.log, m.cfg.Sender, statusReport(msg.Source, m.cfg.NodeID, s.maxSeq, s.mask, complete))
			reason = ""
		}

	case canframe.BlockRASBTransfer:
		reason = m.transfer(s, msg)
	}

	if reason != "" {
		m.nack(msg, reason)
		return
	}
	// Every valid frame refreshes the session timeout.
	m.rearm(s)
}

func (m *SetBlockManager) open(msg canframe.Message) (*setBlockSession, string) {
	s := m.free()
	if s == nil {
		return nil, metrics.ReasonNoSlot
	}
	address, ok := blockAddress(&msg)
	if !ok {
		return nil, metrics.ReasonBadAddress
	}
	seq := canframe.Seq(msg.Command)
	if !m.cfg.Store.ValidateWrite(address, (int(seq)+1)*BlockSize) {
		return nil, metrics.ReasonRejected
	}

	s.source = msg.Source
	s.address = address
	s.maxSeq = seq
	s.mask = 0
	s.lastBlkSize = 0
	s.done = nil
	s.state = sbReceiving
	m.log.Debug("setblock: session opened", "source", s.source, "address", address, "maxSeq", seq)
	m.ack(msg)
	return s, ""
}

// transfer stores one block. When the last missing block arrives the write is
// started; a rejected write fails the final Transfer and closes the session.
func (m *SetBlockManager) transfer(s *setBlockSession, msg canframe.Message) string {
	if s.state != sbReceiving {
		return metrics.ReasonInvalid
	}
	seq := canframe.Seq(msg.Command)
	valid := (seq < s.maxSeq && msg.Length == BlockSize) ||
		(seq == s.maxSeq && msg.Length > 0 && msg.Length <= BlockSize)
	if !valid {
		return metrics.ReasonInvalid
	}

	if seq == s.maxSeq {
		s.lastBlkSize = msg.Length
	}
	s.mask |= 1 << seq
	off := int(seq) * BlockSize
	copy(s.buffer[off:off+int(msg.Length)], msg.Payload())

	if s.mask != fullMask(s.maxSeq) {
		m.ack(msg)
		return ""
	}

	s.size = int(s.maxSeq)*BlockSize + int(s.lastBlkSize)
	s.done = new(atomic.Bool)
	data := make([]byte, s.size)
	copy(data, s.buffer[:s.size])
	if err := m.cfg.Store.StartWrite(s.address, data, s.done); err != nil {
		m.log.Warn("setblock: write rejected", "source", s.source, "address", s.address, "size", s.size, "error", err)
		s.state = sbIdle
		return metrics.ReasonRejected
	}
	s.state = sbWriting
	m.log.Debug("setblock: writing", "source", s.source, "address", s.address, "size", s.size)
	m.ack(msg)
	return ""
}

// rearm sets the next deadline. A writing session is polled for completion
// on the shorter interval.
func (m *SetBlockManager) rearm(s *setBlockSession) {
	d := m.cfg.SetBlockTimeout
	if s.state == sbWriting {
		d = m.cfg.SetBlockWritingInterval
	}
	s.deadline = m.cfg.Clock.Now().Add(d)
}

func (m *SetBlockManager) expire(s *setBlockSession) {
	if s.state != sbWriting {
		m.log.Debug("setblock: session expired", "source", s.source, "state", s.state)
		s.state = sbIdle
		return
	}
	if s.writeDone() {
		s.state = sbDone
		m.log.Info("Set block write complete", "source", s.source, "address", s.address, "size", s.size)
		if m.cfg.SetBlockDone != nil {
			m.cfg.SetBlockDone(s.source, s.address, s.size)
		}
	}
	m.rearm(s)
}

func (m *SetBlockManager) ack(msg canframe.Message) {
	send(m.log, m.cfg.Sender, blockAck(msg, m.cfg.NodeID))
}

func (m *SetBlockManager) nack(msg canframe.Message, reason string) {
	m.log.Debug("setblock: nack", "frame", msg, "reason", reason)
	metrics.Nacks.WithLabelValues(metrics.ComponentSetBlock, reason).Inc()
	send(m.log, m.cfg.Sender, blockNack(msg, m.cfg.NodeID))
}
