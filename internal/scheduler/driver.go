package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Driver starts and stops a set of loops together.
type Driver struct {
	loops  []*Loop
	logger *slog.Logger
}

// NewDriver creates a driver over loops.
func NewDriver(logger *slog.Logger, loops ...*Loop) *Driver {
	return &Driver{loops: loops, logger: logger.With("component", "driver")}
}

// Start runs every loop. Blocks until ctx is cancelled or Stop is called.
func (d *Driver) Start(ctx context.Context) error {
	var g errgroup.Group
	for _, l := range d.loops {
		g.Go(func() error { return l.Start(ctx) })
	}
	d.logger.Info("driver started", "loops", len(d.loops))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop stops every loop, waiting for in-flight ticks.
func (d *Driver) Stop() error {
	for _, l := range d.loops {
		l.Stop()
	}
	d.logger.Info("driver stopped")
	return nil
}

// Tick runs one tick of every loop in order.
func (d *Driver) Tick(ctx context.Context) error {
	var errs []error
	for _, l := range d.loops {
		if err := l.Tick(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
