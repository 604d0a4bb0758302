package model

import "time"

// Capability is a named criterion an agent must have validated before it is
// eligible for a task, e.g. {Type: "http", Criteria: "https://git.example.com"}.
type Capability struct {
	Type     string `json:"type"`
	Criteria string `json:"criteria"`
}

// Key returns the cache key of the criterion.
func (c Capability) Key() string {
	if c.Type == "" {
		return c.Criteria
	}
	return c.Type + ":" + c.Criteria
}

// CapabilityCheckResult records whether an agent validated a criterion.
// Results are keyed by (AccountID, AgentID, Criteria) and written by agents.
type CapabilityCheckResult struct {
	AccountID string    `json:"account_id"`
	AgentID   string    `json:"agent_id"`
	Criteria  string    `json:"criteria"`
	Validated bool      `json:"validated"`
	CheckedAt time.Time `json:"checked_at"`
}
