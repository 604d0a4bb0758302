// Package notify holds the dispatcher's outward edges: offering tasks to
// agents, delivering outcomes to waiters, and reacting to lost agents.
package notify

import (
	"context"
	"log/slog"

	"github.com/me/dispatch/pkg/model"
)

// Broadcaster offers a task to a set of agents.
type Broadcaster interface {
	Broadcast(ctx context.Context, task *model.Task, agentIDs []string) error
}

// Responder delivers the single outcome of a task to its waiter. It reports
// false when an outcome for waitID was already delivered.
type Responder interface {
	Deliver(ctx context.Context, waitID, taskID, accountID string, outcome model.Outcome) (bool, error)
}

// DisconnectHook is told about agents whose heartbeat lapsed.
type DisconnectHook interface {
	AgentDisconnected(ctx context.Context, agent *model.Agent)
}

// HookFunc adapts a function to DisconnectHook.
type HookFunc func(ctx context.Context, agent *model.Agent)

func (f HookFunc) AgentDisconnected(ctx context.Context, agent *model.Agent) { f(ctx, agent) }

// Hooks calls every hook in order.
type Hooks []DisconnectHook

func (hs Hooks) AgentDisconnected(ctx context.Context, agent *model.Agent) {
	for _, h := range hs {
		h.AgentDisconnected(ctx, agent)
	}
}

// LogHook logs each disconnect.
type LogHook struct {
	Logger *slog.Logger
}

func (h LogHook) AgentDisconnected(_ context.Context, agent *model.Agent) {
	h.Logger.Warn("agent heartbeat lapsed",
		"agent_id", agent.ID, "account_id", agent.AccountID,
		"host", agent.DisplayName(), "last_heartbeat", agent.LastHeartbeat)
}
