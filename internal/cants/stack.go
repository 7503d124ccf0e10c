// Package cants implements the CAN-TS session and dispatch layer: message
// dispatch, telecommand/telemetry request handling with keep-alive, and the
// Set Block and Get Block transfer sessions.
//
// Each handler owns its state and runs on its own goroutine. Handlers talk to
// each other only through bounded channels.
package cants

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/farouk15160/cants/internal/canframe"
)

type Stack struct {
	log *slog.Logger
	cfg Config

	dispatcher *Dispatcher
	tctm       *TCTM
	setBlock   *SetBlockManager
	getBlock   *GetBlockManager
}

func New(log *slog.Logger, cfg Config) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Stack{
		log: log,
		cfg: cfg,
	}
	s.tctm = newTCTM(log, &s.cfg)
	s.setBlock = newSetBlockManager(log, &s.cfg)
	s.getBlock = newGetBlockManager(log, &s.cfg)
	s.dispatcher = newDispatcher(log, &s.cfg, s.tctm.tc, s.tctm.tm, s.setBlock.queue, s.getBlock.queue)

	return s, nil
}

// SubmitFromInterrupt hands a received message to the dispatcher without
// blocking.
func (s *Stack) SubmitFromInterrupt(msg canframe.Message) bool {
	return s.dispatcher.SubmitFromInterrupt(msg)
}

// Run starts every handler goroutine and blocks until ctx is done or one of
// them fails.
func (s *Stack) Run(ctx context.Context) error {
	s.log.Info("Starting CAN-TS stack",
		"node", s.cfg.NodeID,
		"setBlockSessions", s.cfg.SetBlockSessions,
		"getBlockSessions", s.cfg.GetBlockSessions,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatcher.Run(ctx) })
	g.Go(func() error { return s.tctm.RunTelecommands(ctx) })
	g.Go(func() error { return s.tctm.RunTelemetry(ctx) })
	g.Go(func() error { return s.setBlock.Run(ctx) })
	g.Go(func() error { return s.getBlock.Run(ctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("cants stack: %w", err)
	}
	s.log.Info("CAN-TS stack stopped")
	return nil
}
