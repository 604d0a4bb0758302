package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/internal/expiry"
	"github.com/me/dispatch/pkg/model"
)

// TaskStore is the subset of the store the fail-fast scanner uses.
type TaskStore interface {
	FindExpiredAgents(ctx context.Context, accountID string, cutoff time.Time) ([]*model.Agent, error)
	FindStartedOnAgents(ctx context.Context, accountID string, agentIDs []string) ([]model.TaskHeader, error)
}

// Ender ends tasks and delivers their outcomes.
type Ender interface {
	EndTasks(ctx context.Context, reqs []expiry.EndRequest) int
}

// FailFast fails started tasks whose agent is gone instead of waiting for
// their expiry. It does nothing unless features.fail_fast_on_disconnect is set.
type FailFast struct {
	store  TaskStore
	ender  Ender
	clock  clock.Clock
	config ConfigSource
	logger *slog.Logger
}

// NewFailFast creates the fail-fast scanner.
func NewFailFast(st TaskStore, ender Ender, clk clock.Clock, cfg ConfigSource, logger *slog.Logger) *FailFast {
	return &FailFast{
		store:  st,
		ender:  ender,
		clock:  clk,
		config: cfg,
		logger: logger.With("component", "failfast"),
	}
}

// Name identifies the scanner in loop logs.
func (f *FailFast) Name() string { return "failfast" }

// DisconnectMessage is the outcome message of a task lost with its agent.
func DisconnectMessage(a *model.Agent) string {
	return fmt.Sprintf("Agent [%s] disconnected while executing the task", a.DisplayName())
}

// ProcessAccount fails the started tasks of every expired agent of the account.
func (f *FailFast) ProcessAccount(ctx context.Context, accountID string) error {
	cfg := f.config.Get()
	if !cfg.Features.FailFastOnDisconnect {
		return nil
	}
	now := f.clock.Now()

	agents, err := f.store.FindExpiredAgents(ctx, accountID, now.Add(-cfg.DisconnectTimeout()))
	if err != nil {
		return fmt.Errorf("find expired agents for %s: %w", accountID, err)
	}
	if len(agents) == 0 {
		return nil
	}
	byID := make(map[string]*model.Agent, len(agents))
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	headers, err := f.store.FindStartedOnAgents(ctx, accountID, ids)
	if err != nil {
		return fmt.Errorf("find tasks on expired agents for %s: %w", accountID, err)
	}
	if len(headers) == 0 {
		return nil
	}

	reqs := make([]expiry.EndRequest, 0, len(headers))
	for _, h := range headers {
		reqs = append(reqs, expiry.EndRequest{
			TaskID:  h.ID,
			Version: h.Version,
			Rule:    expiry.RuleAgentLost,
			Status:  model.TaskStatusFailed,
			Code:    model.ErrAgentLost,
			Detail:  DisconnectMessage(byID[h.AgentID]),
		})
	}
	n := f.ender.EndTasks(ctx, reqs)
	f.logger.Info("failed tasks of disconnected agents", "account_id", accountID, "agents", len(agents), "tasks", n)
	return nil
}
