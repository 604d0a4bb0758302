// Package metrics receives write-only dispatch events: broadcasts, expiries,
// disconnects and group-expiry alerts.
package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// Sink receives dispatch events. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Sink interface {
	Broadcast(taskID string, agents []string, round int)
	Expired(taskID, reason string)
	Disconnected(agentID string)
	GroupExpiring(agentID string, at time.Time)
}

// LogSink writes each event as a structured log line. It doubles as the
// selection log for broadcasts.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that logs to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "metrics")}
}

func (s *LogSink) Broadcast(taskID string, agents []string, round int) {
	s.logger.Info("task broadcast", "task_id", taskID, "agents", agents, "round", round)
}

func (s *LogSink) Expired(taskID, reason string) {
	s.logger.Info("task expired", "task_id", taskID, "reason", reason)
}

func (s *LogSink) Disconnected(agentID string) {
	s.logger.Warn("agent disconnected", "agent_id", agentID)
}

func (s *LogSink) GroupExpiring(agentID string, at time.Time) {
	s.logger.Warn("agent group expiring", "agent_id", agentID, "expires_at", at)
}

// Event is one recorded call on a MemorySink.
type Event struct {
	Kind    string    `json:"kind"`
	TaskID  string    `json:"task_id,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	Agents  []string  `json:"agents,omitempty"`
	Round   int       `json:"round,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

// Event kinds.
const (
	KindBroadcast     = "broadcast"
	KindExpired       = "expired"
	KindDisconnected  = "disconnected"
	KindGroupExpiring = "group_expiring"
)

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Broadcasts      int64 `json:"broadcasts"`
	AgentsOffered   int64 `json:"agents_offered"`
	Expired         int64 `json:"expired"`
	Disconnected    int64 `json:"disconnected"`
	GroupExpiring   int64 `json:"group_expiring"`
	RecentEvents    int   `json:"recent_events"`
	MaxRecentEvents int   `json:"max_recent_events"`
}

// MemorySink counts events and keeps the most recent ones. It backs the
// /metrics endpoint and test assertions.
type MemorySink struct {
	mu       sync.Mutex
	counts   Snapshot
	events   []Event
	capacity int
}

// NewMemorySink keeps at most capacity recent events; zero means 1000.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemorySink{capacity: capacity}
}

func (m *MemorySink) record(e Event) {
	m.events = append(m.events, e)
	if len(m.events) > m.capacity {
		m.events = m.events[len(m.events)-m.capacity:]
	}
}

func (m *MemorySink) Broadcast(taskID string, agents []string, round int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.Broadcasts++
	m.counts.AgentsOffered += int64(len(agents))
	m.record(Event{Kind: KindBroadcast, TaskID: taskID, Agents: append([]string(nil), agents...), Round: round})
}

func (m *MemorySink) Expired(taskID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.Expired++
	m.record(Event{Kind: KindExpired, TaskID: taskID, Reason: reason})
}

func (m *MemorySink) Disconnected(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.Disconnected++
	m.record(Event{Kind: KindDisconnected, AgentID: agentID})
}

func (m *MemorySink) GroupExpiring(agentID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.GroupExpiring++
	m.record(Event{Kind: KindGroupExpiring, AgentID: agentID, At: at})
}

// Snapshot returns the current counters.
func (m *MemorySink) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.counts
	s.RecentEvents = len(m.events)
	s.MaxRecentEvents = m.capacity
	return s
}

// Events returns the recorded events of the given kind, or all events when
// kind is empty.
func (m *MemorySink) Events(kind string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans each event out to every sink in order.
type Multi []Sink

func (ms Multi) Broadcast(taskID string, agents []string, round int) {
	for _, s := range ms {
		s.Broadcast(taskID, agents, round)
	}
}

func (ms Multi) Expired(taskID, reason string) {
	for _, s := range ms {
		s.Expired(taskID, reason)
	}
}

func (ms Multi) Disconnected(agentID string) {
	for _, s := range ms {
		s.Disconnected(agentID)
	}
}

func (ms Multi) GroupExpiring(agentID string, at time.Time) {
	for _, s := range ms {
		s.GroupExpiring(agentID, at)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Broadcast(string, []string, int) {}
func (Nop) Expired(string, string)          {}
func (Nop) Disconnected(string)             {}
func (Nop) GroupExpiring(string, time.Time) {}
