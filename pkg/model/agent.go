package model

import "time"

// Agent represents a remote worker process that receives task offers.
type Agent struct {
	ID        string      `json:"id"`
	AccountID string      `json:"account_id"`
	HostName  string      `json:"host_name"`
	IP        string      `json:"ip,omitempty"`
	Status    AgentStatus `json:"status"`
	GroupName string      `json:"group_name,omitempty"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
	// LastExpiredEventHeartbeat is the heartbeat for which a disconnect was
	// already handled. Equal to LastHeartbeat once processed.
	LastExpiredEventHeartbeat time.Time `json:"last_expired_event_heartbeat"`

	// GroupExpiryAt marks fleet-wide deprecation of the agent's group.
	GroupExpiryAt *time.Time `json:"group_expiry_at,omitempty"`

	// Connected is derived from the agent's open connections.
	Connected    bool      `json:"connected"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DisplayName returns the host name, falling back to the agent id.
func (a *Agent) DisplayName() string {
	if a.HostName != "" {
		return a.HostName
	}
	return a.ID
}

// AgentStatus is the administrative state of an agent.
type AgentStatus string

const (
	AgentStatusEnabled  AgentStatus = "ENABLED"
	AgentStatusDisabled AgentStatus = "DISABLED"
)

// AgentConnection is one live session of an agent process.
type AgentConnection struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	AccountID     string    `json:"account_id"`
	Version       string    `json:"version,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Disconnected  bool      `json:"disconnected"`
}
