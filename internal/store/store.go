package store

import (
	"context"
	"errors"
	"time"

	"github.com/me/dispatch/pkg/model"
)

// ErrNotFound is returned by single-row getters when the row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence layer for dispatch entities.
//
// Every method whose name starts with a verb describing a guarded write
// (UpdateBroadcast, ClaimTask, UpdateTask, DeleteTask, MarkDisconnectHandled)
// is a compare-and-swap: it returns false with a nil error when the guard no
// longer matches, so a lost race is never reported as a failure.
type Store interface {
	TaskStore
	AgentStore
	CapabilityStore
	ResponseStore

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// TaskStore holds queued and in-flight tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// GetTasks loads many tasks at once. It fails as a whole if any row
	// cannot be decoded; callers fall back to GetTask per id.
	GetTasks(ctx context.Context, ids []string) ([]*model.Task, error)
	// GetTaskHeader reads only plain columns and never fails on corrupt JSON.
	GetTaskHeader(ctx context.Context, id string) (*model.TaskHeader, error)
	ListTasks(ctx context.Context, opts model.ListOptions) ([]*model.Task, int, error)

	// ListAccounts returns every account that owns a task or an agent.
	ListAccounts(ctx context.Context) ([]string, error)

	// FindDueForBroadcast returns unassigned QUEUED tasks of the account whose
	// next broadcast is due, whose expiry is in the future, and whose round is
	// below maxRounds, oldest first.
	FindDueForBroadcast(ctx context.Context, accountID string, now time.Time, maxRounds, limit int) ([]*model.Task, error)
	UpdateBroadcast(ctx context.Context, id string, expectedCount int64, ch BroadcastChanges) (bool, error)

	// FindExpiryCandidates returns headers of all non-terminal tasks of the account.
	FindExpiryCandidates(ctx context.Context, accountID string) ([]model.TaskHeader, error)
	// FindStartedOnAgents returns headers of STARTED tasks assigned to any of agentIDs.
	FindStartedOnAgents(ctx context.Context, accountID string, agentIDs []string) ([]model.TaskHeader, error)

	// ClaimTask assigns an unassigned QUEUED task to agentID and starts it.
	ClaimTask(ctx context.Context, id, agentID string, expiryAt time.Time) (bool, error)
	// UpdateTask writes the mutable fields of task guarded on task.Version.
	// On success task.Version is incremented.
	UpdateTask(ctx context.Context, task *model.Task) (bool, error)
	DeleteTask(ctx context.Context, id string, expectedVersion int64) (bool, error)
}

// BroadcastChanges are the fields written by one broadcast.
type BroadcastChanges struct {
	EligibleAgents  []string
	AlreadyTried    []string
	BroadcastTo     []string
	BroadcastRound  int
	LastBroadcastAt time.Time
	NextBroadcastAt time.Time
}

// AgentStore holds agents and their connections.
type AgentStore interface {
	// RegisterAgent inserts the agent, or refreshes host details when it exists.
	RegisterAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	// ListAgents returns the account's agents in registration order with
	// Connected derived from their connections.
	ListAgents(ctx context.Context, accountID string) ([]*model.Agent, error)
	SetAgentStatus(ctx context.Context, id string, status model.AgentStatus) error
	SetGroupExpiry(ctx context.Context, id string, at *time.Time) error

	// RecordHeartbeat refreshes the agent and upserts the connection as live.
	RecordHeartbeat(ctx context.Context, conn *model.AgentConnection) error
	ListConnections(ctx context.Context, agentID string) ([]*model.AgentConnection, error)
	DisconnectConnections(ctx context.Context, agentID string) (int64, error)

	// FindLapsedAgents returns agents whose heartbeat is older than cutoff and
	// whose lapse has not yet been handled.
	FindLapsedAgents(ctx context.Context, accountID string, cutoff time.Time) ([]*model.Agent, error)
	// FindExpiredAgents returns all agents whose heartbeat is older than cutoff.
	FindExpiredAgents(ctx context.Context, accountID string, cutoff time.Time) ([]*model.Agent, error)
	// MarkDisconnectHandled records that the lapse at observedHeartbeat was
	// processed. It fails the guard if the agent heartbeated since.
	MarkDisconnectHandled(ctx context.Context, id string, observedHeartbeat time.Time) (bool, error)
	// FindGroupExpiring returns agents whose group expires before the deadline.
	FindGroupExpiring(ctx context.Context, accountID string, before time.Time) ([]*model.Agent, error)
}

// CapabilityStore holds agent capability check results.
type CapabilityStore interface {
	UpsertCapabilityResult(ctx context.Context, r *model.CapabilityCheckResult) error
	ListCapabilityResults(ctx context.Context, accountID string) ([]*model.CapabilityCheckResult, error)
}

// ResponseStore holds delivered outcomes keyed by wait id.
type ResponseStore interface {
	// InsertResponse stores r unless a response for r.WaitID exists.
	// It reports whether the row was inserted.
	InsertResponse(ctx context.Context, r *model.Response) (bool, error)
	GetResponse(ctx context.Context, waitID string) (*model.Response, error)
}
