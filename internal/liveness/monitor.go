// Package liveness detects agents whose heartbeat lapsed and reacts to them.
package liveness

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

// Store is the subset of the agent store the monitor uses.
type Store interface {
	FindLapsedAgents(ctx context.Context, accountID string, cutoff time.Time) ([]*model.Agent, error)
	MarkDisconnectHandled(ctx context.Context, id string, observedHeartbeat time.Time) (bool, error)
	DisconnectConnections(ctx context.Context, agentID string) (int64, error)
	FindGroupExpiring(ctx context.Context, accountID string, before time.Time) ([]*model.Agent, error)
}

// Invalidator drops cached eligibility for an account.
type Invalidator interface {
	Invalidate(accountID string)
}

// ConfigSource supplies the current configuration.
type ConfigSource interface {
	Get() config.Config
}

// Monitor handles each heartbeat lapse exactly once.
type Monitor struct {
	store  Store
	hook   notify.DisconnectHook
	cache  Invalidator
	sink   metrics.Sink
	clock  clock.Clock
	config ConfigSource
	retry  retry.Policy
	logger *slog.Logger
}

// NewMonitor creates a liveness monitor.
func NewMonitor(st Store, hook notify.DisconnectHook, cache Invalidator, sink metrics.Sink, clk clock.Clock, cfg ConfigSource, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:  st,
		hook:   hook,
		cache:  cache,
		sink:   sink,
		clock:  clk,
		config: cfg,
		retry:  retry.DefaultPolicy(store.IsBusy),
		logger: logger.With("component", "liveness"),
	}
}

// Name identifies the monitor in loop logs.
func (m *Monitor) Name() string { return "liveness" }

// ProcessAccount handles lapsed agents and group expiry alerts of an account.
func (m *Monitor) ProcessAccount(ctx context.Context, accountID string) error {
	cfg := m.config.Get()
	now := m.clock.Now()

	agents, err := m.store.FindLapsedAgents(ctx, accountID, now.Add(-cfg.DisconnectTimeout()))
	if err != nil {
		return fmt.Errorf("find lapsed agents for %s: %w", accountID, err)
	}
	disconnected := 0
	for _, a := range agents {
		ok, err := m.handleLapse(ctx, a)
		if err != nil {
			m.logger.Error("handle lapse failed", append(logging.AgentAttrs(a), "error", err)...)
			continue
		}
		if ok {
			disconnected++
		}
	}
	if disconnected > 0 {
		m.cache.Invalidate(accountID)
	}

	if warn := cfg.GroupExpiryWarning(); warn > 0 {
		expiring, err := m.store.FindGroupExpiring(ctx, accountID, now.Add(warn))
		if err != nil {
			return fmt.Errorf("find expiring groups for %s: %w", accountID, err)
		}
		for _, a := range expiring {
			m.logger.Warn("agent group expiring", append(logging.AgentAttrs(a),
				"group", a.GroupName, "expires_at", *a.GroupExpiryAt)...)
			m.sink.GroupExpiring(a.ID, *a.GroupExpiryAt)
		}
	}
	return nil
}

// handleLapse disconnects the agent's connections and then claims the lapse
// with a guard on the observed heartbeat. Disconnecting is idempotent, so a
// failure leaves the lapse unclaimed and the next tick retries it. Only the
// monitor that wins the guard fires the hook, so concurrent monitors and a
// racing heartbeat both leave it unreported.
func (m *Monitor) handleLapse(ctx context.Context, a *model.Agent) (bool, error) {
	var n int64
	err := retry.Do(ctx, m.retry, func() error {
		var err error
		n, err = m.store.DisconnectConnections(ctx, a.ID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("disconnect connections: %w", err)
	}

	var won bool
	err = retry.Do(ctx, m.retry, func() error {
		var err error
		won, err = m.store.MarkDisconnectHandled(ctx, a.ID, a.LastHeartbeat)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark disconnect handled: %w", err)
	}
	if !won {
		m.logger.Debug("lapse already handled or agent heartbeated", "agent_id", a.ID)
		return false, nil
	}
	a.Connected = false
	a.LastExpiredEventHeartbeat = a.LastHeartbeat

	m.logger.Info("agent disconnected", append(logging.AgentAttrs(a),
		"connections", n, "last_heartbeat", a.LastHeartbeat)...)
	m.hook.AgentDisconnected(ctx, a)
	m.sink.Disconnected(a.ID)
	return true, nil
}
