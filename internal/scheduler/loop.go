package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/me/dispatch/internal/config"
	"github.com/me/dispatch/internal/observability"
)

// Config holds loop configuration.
type Config struct {
	Interval time.Duration
	// PoolSize bounds how many accounts are processed concurrently.
	PoolSize int
	// AcceptableExecutionTime is the tick duration above which a warning is logged.
	AcceptableExecutionTime time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, PoolSize: 4, AcceptableExecutionTime: 10 * time.Second}
}

// ConfigFrom converts a pump section of the file configuration.
func ConfigFrom(p config.PumpConfig) Config {
	return Config{
		Interval:                p.Interval(),
		PoolSize:                p.PoolSize,
		AcceptableExecutionTime: p.AcceptableExecutionTime(),
	}
}

// Loop implements the Scheduler interface by running a Processor over every
// owned account on each tick.
type Loop struct {
	proc      Processor
	accounts  AccountLister
	partition Partitioner
	config    Config
	logger    *slog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLoop creates a new scheduler loop. A nil partitioner owns every account.
func NewLoop(proc Processor, accounts AccountLister, part Partitioner, cfg Config, logger *slog.Logger) *Loop {
	if part == nil {
		part = HashPartitioner{}
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	return &Loop{
		proc:      proc,
		accounts:  accounts,
		partition: part,
		config:    cfg,
		logger:    logger.With("component", "scheduler", "loop", proc.Name()),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Name returns the processor name.
func (l *Loop) Name() string { return l.proc.Name() }

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.started.Store(true)
	defer close(l.doneCh)

	select {
	case <-l.stopCh:
		l.logger.Info("scheduler stopped before start")
		return nil
	default:
	}

	l.logger.Info("scheduler started", "interval", l.config.Interval, "pool_size", l.config.PoolSize)
	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	// Ticks never observe cancellation so a shutdown cannot cut a write short.
	tickCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			return nil
		case <-ticker.C:
			if err := l.Tick(tickCtx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	if l.started.Load() {
		<-l.doneCh
	}
	return nil
}

// Tick processes every owned account once on a bounded pool. Account
// failures are collected and returned; they never stop other accounts.
func (l *Loop) Tick(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "scheduler.tick", attribute.String("loop", l.proc.Name()))
	defer func() { observability.EndSpan(span, err) }()

	accounts, err := l.accounts.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	var (
		mu    sync.Mutex
		errs  []error
		owned int
	)
	var g errgroup.Group
	g.SetLimit(l.config.PoolSize)
	for _, acct := range accounts {
		if !l.partition.Owns(acct) {
			continue
		}
		owned++
		g.Go(func() error {
			actx, aspan := observability.StartSpan(ctx, "scheduler.process_account",
				attribute.String("loop", l.proc.Name()),
				attribute.String("account_id", acct),
			)
			err := l.proc.ProcessAccount(actx, acct)
			observability.EndSpan(aspan, err)
			if err != nil {
				l.logger.Error("process account", "account_id", acct, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("account %s: %w", acct, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	span.SetAttributes(attribute.Int("accounts.owned", owned))

	elapsed := time.Since(start)
	if l.config.AcceptableExecutionTime > 0 && elapsed > l.config.AcceptableExecutionTime {
		l.logger.Warn("tick exceeded acceptable execution time",
			"elapsed", elapsed, "acceptable", l.config.AcceptableExecutionTime, "accounts", owned)
	} else {
		l.logger.Debug("tick done", "elapsed", elapsed, "accounts", owned)
	}
	return errors.Join(errs...)
}
