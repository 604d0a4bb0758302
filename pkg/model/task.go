package model

import (
	"encoding/json"
	"slices"
	"time"
)

// Task is a unit of work waiting to be offered to, and claimed by, an agent.
// The payload is opaque to the dispatcher.
type Task struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Status    TaskStatus `json:"status"`
	TaskType  string     `json:"task_type,omitempty"`
	Async     bool       `json:"async"`

	// AgentID is the assigned agent. Empty while the task is unassigned.
	AgentID string `json:"agent_id,omitempty"`

	// EligibleAgents is a ring of capability-matched agents; broadcasts take
	// from the front and rotate the chosen agents to the back.
	EligibleAgents []string `json:"eligible_agents"`
	// AlreadyTried holds agents offered the task in the current round.
	AlreadyTried []string `json:"already_tried"`
	// BroadcastTo holds the agents chosen by the most recent broadcast.
	BroadcastTo []string `json:"broadcast_to,omitempty"`

	BroadcastCount  int64      `json:"broadcast_count"`
	BroadcastRound  int        `json:"broadcast_round"`
	LastBroadcastAt *time.Time `json:"last_broadcast_at,omitempty"`
	NextBroadcastAt time.Time  `json:"next_broadcast_at"`

	Capabilities []Capability `json:"capabilities"`

	ValidationStartedAt      *time.Time `json:"validation_started_at,omitempty"`
	ValidatingAgents         []string   `json:"validating_agents,omitempty"`
	ValidationCompleteAgents []string   `json:"validation_complete_agents,omitempty"`

	ForceExecute     bool            `json:"force_execute"`
	WaitID           string          `json:"wait_id,omitempty"`
	ExecutionTimeout time.Duration   `json:"execution_timeout"`
	Payload          json.RawMessage `json:"payload,omitempty"`

	// Version is bumped by every write and guards terminal transitions.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	ExpiryAt  time.Time `json:"expiry_at"`
}

// IsAssigned reports whether an agent has claimed the task.
func (t *Task) IsAssigned() bool {
	return t.AgentID != ""
}

// CapabilityKeys returns the criterion keys of the task's capabilities.
func (t *Task) CapabilityKeys() []string {
	keys := make([]string, 0, len(t.Capabilities))
	for _, c := range t.Capabilities {
		keys = append(keys, c.Key())
	}
	return keys
}

// AllEligibleValidated reports whether every eligible agent has completed
// capability validation for this task.
func (t *Task) AllEligibleValidated() bool {
	if len(t.EligibleAgents) == 0 {
		return false
	}
	for _, id := range t.EligibleAgents {
		if !slices.Contains(t.ValidationCompleteAgents, id) {
			return false
		}
	}
	return true
}

// TaskHeader is the minimal projection of a Task. It never includes the
// JSON-encoded columns, so it can be loaded even when those are corrupt.
type TaskHeader struct {
	ID                  string     `json:"id"`
	AccountID           string     `json:"account_id"`
	Status              TaskStatus `json:"status"`
	AgentID             string     `json:"agent_id,omitempty"`
	WaitID              string     `json:"wait_id,omitempty"`
	ForceExecute        bool       `json:"force_execute"`
	BroadcastRound      int        `json:"broadcast_round"`
	NextBroadcastAt     time.Time  `json:"next_broadcast_at"`
	ExpiryAt            time.Time  `json:"expiry_at"`
	ValidationStartedAt *time.Time `json:"validation_started_at,omitempty"`
	// EligibleCount is -1 when the eligible list could not be decoded.
	EligibleCount int `json:"eligible_count"`
	// AllValidated mirrors Task.AllEligibleValidated.
	AllValidated bool  `json:"all_validated"`
	Version      int64 `json:"version"`
}

// Header projects a full task onto its minimal fields.
func (t *Task) Header() TaskHeader {
	return TaskHeader{
		ID:                  t.ID,
		AccountID:           t.AccountID,
		Status:              t.Status,
		AgentID:             t.AgentID,
		WaitID:              t.WaitID,
		ForceExecute:        t.ForceExecute,
		BroadcastRound:      t.BroadcastRound,
		NextBroadcastAt:     t.NextBroadcastAt,
		ExpiryAt:            t.ExpiryAt,
		ValidationStartedAt: t.ValidationStartedAt,
		EligibleCount:       len(t.EligibleAgents),
		AllValidated:        t.AllEligibleValidated(),
		Version:             t.Version,
	}
}
