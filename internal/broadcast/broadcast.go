// Package broadcast offers queued tasks to their eligible agents in rotating
// batches, advancing rounds with growing back-off.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/internal/config"
	"github.com/me/dispatch/internal/logging"
	"github.com/me/dispatch/internal/metrics"
	"github.com/me/dispatch/internal/notify"
	"github.com/me/dispatch/internal/retry"
	"github.com/me/dispatch/internal/store"
	"github.com/me/dispatch/pkg/model"
)

// Store is the subset of the task store the broadcaster uses.
type Store interface {
	FindDueForBroadcast(ctx context.Context, accountID string, now time.Time, maxRounds, limit int) ([]*model.Task, error)
	UpdateBroadcast(ctx context.Context, id string, expectedCount int64, ch store.BroadcastChanges) (bool, error)
}

// ConfigSource supplies the current configuration.
type ConfigSource interface {
	Get() config.Config
}

// SettingsFrom extracts broadcast settings from a configuration.
func SettingsFrom(cfg config.Config) Settings {
	return Settings{
		MaxRounds:        cfg.Broadcast.MaxRounds,
		BatchLimit:       cfg.Broadcast.BatchLimit,
		Interval:         cfg.BroadcastInterval(),
		RebroadcastDelay: cfg.RebroadcastDelay(),
	}
}

// Scheduler runs broadcast ticks for one account at a time.
type Scheduler struct {
	store       Store
	broadcaster notify.Broadcaster
	sink        metrics.Sink
	clock       clock.Clock
	config      ConfigSource
	retry       retry.Policy
	logger      *slog.Logger

	// QueryLimit caps the tasks handled per account per tick.
	QueryLimit int
}

// NewScheduler creates a broadcast scheduler.
func NewScheduler(st Store, b notify.Broadcaster, sink metrics.Sink, clk clock.Clock, cfg ConfigSource, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:       st,
		broadcaster: b,
		sink:        sink,
		clock:       clk,
		config:      cfg,
		retry:       retry.DefaultPolicy(store.IsBusy),
		logger:      logger.With("component", "broadcast"),
		QueryLimit:  1000,
	}
}

// Name identifies the scheduler in loop logs.
func (s *Scheduler) Name() string { return "broadcast" }

// ProcessAccount broadcasts every due task of an account. Only a failed
// query is returned; per-task failures are logged and skipped.
func (s *Scheduler) ProcessAccount(ctx context.Context, accountID string) error {
	settings := SettingsFrom(s.config.Get())
	now := s.clock.Now()

	tasks, err := s.store.FindDueForBroadcast(ctx, accountID, now, settings.MaxRounds, s.QueryLimit)
	if err != nil {
		return fmt.Errorf("find due tasks for %s: %w", accountID, err)
	}

	for _, task := range tasks {
		if _, err := s.BroadcastTask(ctx, task, settings); err != nil {
			s.logger.Error("broadcast failed", append(logging.TaskAttrs(task), "error", err)...)
		}
	}
	return nil
}

// BroadcastTask persists the next broadcast of task and offers it. It returns
// false without error when another scanner updated the task first.
func (s *Scheduler) BroadcastTask(ctx context.Context, task *model.Task, settings Settings) (bool, error) {
	now := s.clock.Now()
	plan, ok := Next(task, settings, now)
	if !ok {
		// Left for the expiry handler.
		return false, nil
	}

	changes := store.BroadcastChanges{
		EligibleAgents:  plan.EligibleAgents,
		AlreadyTried:    plan.AlreadyTried,
		BroadcastTo:     plan.Chosen,
		BroadcastRound:  plan.Round,
		LastBroadcastAt: now,
		NextBroadcastAt: plan.NextBroadcast,
	}
	var won bool
	err := retry.Do(ctx, s.retry, func() error {
		var err error
		won, err = s.store.UpdateBroadcast(ctx, task.ID, task.BroadcastCount, changes)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("persist broadcast: %w", err)
	}
	if !won {
		s.logger.Debug("broadcast lost race", "task_id", task.ID, "broadcast_count", task.BroadcastCount)
		return false, nil
	}

	task.EligibleAgents = plan.EligibleAgents
	task.AlreadyTried = plan.AlreadyTried
	task.BroadcastTo = plan.Chosen
	task.BroadcastRound = plan.Round
	task.BroadcastCount++
	task.Version++
	task.LastBroadcastAt = &now
	task.NextBroadcastAt = plan.NextBroadcast

	s.sink.Broadcast(task.ID, plan.Chosen, plan.Round)
	s.logger.Debug("task broadcast", append(logging.TaskAttrs(task),
		"agents", plan.Chosen, "round_advanced", plan.RoundAdvanced, "next", plan.NextBroadcast)...)

	if err := s.broadcaster.Broadcast(ctx, task, plan.Chosen); err != nil {
		// Persisted already; the next due tick offers again.
		s.logger.Warn("offer delivery failed", "task_id", task.ID, "error", err)
	}
	return true, nil
}
