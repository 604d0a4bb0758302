// Package eligibility decides which agents may receive a task, based on the
// capability checks agents have reported.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/pkg/model"
)

// ErrNoCapabilities is returned when a task names no capability criteria.
var ErrNoCapabilities = errors.New("task has no capability criteria")

// NoEligibleAgentsError reports that no agent satisfies every criterion.
type NoEligibleAgentsError struct {
	AccountID string
	// Unmet lists criteria that no connected agent has validated.
	Unmet []string
}

func (e *NoEligibleAgentsError) Error() string {
	return reason(e.Unmet)
}

func reason(unmet []string) string {
	if len(unmet) == 0 {
		return "No eligible agents in account to execute task"
	}
	return "No eligible agents could perform the required capabilities for this task: [ " +
		strings.Join(unmet, ", ") + " ]"
}

// Source is the read/write view of the store the tracker needs.
type Source interface {
	ListAgents(ctx context.Context, accountID string) ([]*model.Agent, error)
	ListCapabilityResults(ctx context.Context, accountID string) ([]*model.CapabilityCheckResult, error)
	UpsertCapabilityResult(ctx context.Context, r *model.CapabilityCheckResult) error
}

// snapshot is an account's agents and their validated criteria.
type snapshot struct {
	agents    []*model.Agent
	validated map[string]map[string]bool // agent id -> criteria key -> validated
	loadedAt  time.Time
}

func (s *snapshot) has(agentID, key string) bool {
	return s.validated[agentID][key]
}

// Tracker answers eligibility questions from a per-account snapshot cached
// for ttl. Concurrent misses for one account share a single load.
type Tracker struct {
	src    Source
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]*snapshot
	// gen is bumped by Invalidate. A load only caches its snapshot if the
	// generation it started under is still current.
	gen map[string]uint64
}

// NewTracker creates a tracker. A ttl of zero disables caching.
func NewTracker(src Source, clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		src:    src,
		clock:  clk,
		ttl:    ttl,
		logger: logger.With("component", "eligibility"),
		cache:  make(map[string]*snapshot),
		gen:    make(map[string]uint64),
	}
}

func (t *Tracker) snapshot(ctx context.Context, accountID string) (*snapshot, error) {
	now := t.clock.Now()
	t.mu.Lock()
	s, ok := t.cache[accountID]
	t.mu.Unlock()
	if ok && now.Sub(s.loadedAt) < t.ttl {
		return s, nil
	}

	v, err, _ := t.group.Do(accountID, func() (any, error) {
		return t.load(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

func (t *Tracker) load(ctx context.Context, accountID string) (*snapshot, error) {
	t.mu.Lock()
	gen := t.gen[accountID]
	t.mu.Unlock()

	agents, err := t.src.ListAgents(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list agents for %s: %w", accountID, err)
	}
	results, err := t.src.ListCapabilityResults(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list capability results for %s: %w", accountID, err)
	}

	s := &snapshot{
		agents:    agents,
		validated: make(map[string]map[string]bool, len(agents)),
		loadedAt:  t.clock.Now(),
	}
	for _, r := range results {
		m, ok := s.validated[r.AgentID]
		if !ok {
			m = make(map[string]bool)
			s.validated[r.AgentID] = m
		}
		m[r.Criteria] = r.Validated
	}
	t.logger.Debug("snapshot loaded", "account_id", accountID, "agents", len(agents), "results", len(results))

	t.mu.Lock()
	if t.gen[accountID] == gen {
		t.cache[accountID] = s
	}
	t.mu.Unlock()
	return s, nil
}

// Invalidate drops the cached snapshot of an account. A load already in
// flight still answers its callers but is not cached.
func (t *Tracker) Invalidate(accountID string) {
	t.mu.Lock()
	delete(t.cache, accountID)
	t.gen[accountID]++
	t.mu.Unlock()
	t.group.Forget(accountID)
}

// Record stores a capability check result reported by an agent and
// invalidates the account's snapshot.
func (t *Tracker) Record(ctx context.Context, r *model.CapabilityCheckResult) error {
	if r.CheckedAt.IsZero() {
		r.CheckedAt = t.clock.Now()
	}
	if err := t.src.UpsertCapabilityResult(ctx, r); err != nil {
		return fmt.Errorf("record capability result: %w", err)
	}
	t.Invalidate(r.AccountID)
	return nil
}

func usable(a *model.Agent) bool {
	return a.Status == model.AgentStatusEnabled && a.Connected
}

// Eligible returns the enabled, connected agents that validated every
// criterion in caps, in registration order.
func (t *Tracker) Eligible(ctx context.Context, accountID string, caps []model.Capability) ([]string, error) {
	if len(caps) == 0 {
		return nil, ErrNoCapabilities
	}
	s, err := t.snapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, a := range s.agents {
		if usable(a) && validatedAll(s, a.ID, caps) {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) == 0 {
		return nil, &NoEligibleAgentsError{AccountID: accountID, Unmet: explain(s, caps).Unmet}
	}
	return ids, nil
}

func validatedAll(s *snapshot, agentID string, caps []model.Capability) bool {
	for _, c := range caps {
		if !s.has(agentID, c.Key()) {
			return false
		}
	}
	return true
}

// Whitelisted reports whether agentID is usable and validated every criterion.
func (t *Tracker) Whitelisted(ctx context.Context, accountID, agentID string, caps []model.Capability) (bool, error) {
	s, err := t.snapshot(ctx, accountID)
	if err != nil {
		return false, err
	}
	for _, a := range s.agents {
		if a.ID == agentID {
			return usable(a) && validatedAll(s, a.ID, caps), nil
		}
	}
	return false, nil
}

// Connected returns the subset of agentIDs that are enabled and connected,
// preserving order.
func (t *Tracker) Connected(ctx context.Context, accountID string, agentIDs []string) ([]string, error) {
	s, err := t.snapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(s.agents))
	for _, a := range s.agents {
		live[a.ID] = usable(a)
	}
	var out []string
	for _, id := range agentIDs {
		if live[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// CriterionMatch lists the connected agents that validated one criterion.
type CriterionMatch struct {
	Criteria string   `json:"criteria"`
	Agents   []string `json:"agents"`
}

// Explanation breaks eligibility down per criterion.
type Explanation struct {
	Criteria []CriterionMatch `json:"criteria"`
	// Unmet lists criteria with no matching connected agent.
	Unmet []string `json:"unmet"`
}

// Reason renders the explanation as a failure message.
func (e Explanation) Reason() string {
	return reason(e.Unmet)
}

// Explain reports, per criterion, which connected agents satisfy it.
func (t *Tracker) Explain(ctx context.Context, accountID string, caps []model.Capability) (Explanation, error) {
	s, err := t.snapshot(ctx, accountID)
	if err != nil {
		return Explanation{}, err
	}
	return explain(s, caps), nil
}

func explain(s *snapshot, caps []model.Capability) Explanation {
	var e Explanation
	for _, c := range caps {
		m := CriterionMatch{Criteria: c.Key()}
		for _, a := range s.agents {
			if usable(a) && s.has(a.ID, c.Key()) {
				m.Agents = append(m.Agents, a.ID)
			}
		}
		if len(m.Agents) == 0 {
			e.Unmet = append(e.Unmet, c.Key())
		}
		e.Criteria = append(e.Criteria, m)
	}
	return e
}
