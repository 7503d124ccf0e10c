package candrv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brutella/can"
	"github.com/cenkalti/backoff/v5"
)

// DefaultOpenTimeout bounds how long Open keeps retrying an interface that
// is not up yet.
const DefaultOpenTimeout = time.Minute

// Open binds a SocketCAN interface, retrying with exponential backoff while
// the interface is missing or down.
func Open(ctx context.Context, log *slog.Logger, name string, timeout time.Duration) (*can.Bus, error) {
	attempt := 0
	bus, err := backoff.Retry(ctx, func() (*can.Bus, error) {
		attempt++
		bus, err := can.NewBusForInterfaceWithName(name)
		if err != nil {
			log.Warn("Failed to open CAN interface, retrying", "interface", name, "attempt", attempt, "error", err)
			return nil, err
		}
		return bus, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open CAN interface %s: %w", name, err)
	}
	log.Info("Opened CAN interface", "interface", name)
	return bus, nil
}

// Serve subscribes the driver to bus and pumps it until ctx is done.
func (d *Driver) Serve(ctx context.Context, index int, name string, bus *can.Bus) error {
	bus.SubscribeFunc(d.Handler(index))

	errCh := make(chan error, 1)
	go func() {
		errCh <- bus.ConnectAndPublish()
	}()

	select {
	case <-ctx.Done():
		if err := bus.Disconnect(); err != nil {
			d.log.Warn("Failed to disconnect CAN interface", "interface", name, "error", err)
		}
		<-errCh
		d.log.Info("Disconnected CAN interface", "interface", name)
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("CAN interface %s: %w", name, err)
		}
		return fmt.Errorf("CAN interface %s closed", name)
	}
}
