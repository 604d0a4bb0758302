package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/pkg/model"
)

// Offer is a task made available to one agent.
type Offer struct {
	TaskID    string    `json:"task_id"`
	AccountID string    `json:"account_id"`
	TaskType  string    `json:"task_type,omitempty"`
	Round     int       `json:"round"`
	OfferedAt time.Time `json:"offered_at"`
}

// OfferBoard is an in-memory Broadcaster. Agents poll it for the tasks they
// were offered and then race to claim them; the store decides the winner.
type OfferBoard struct {
	mu     sync.Mutex
	clock  clock.Clock
	offers map[string]map[string]Offer // agent id -> task id -> offer
}

// NewOfferBoard creates an empty board.
func NewOfferBoard(clk clock.Clock) *OfferBoard {
	return &OfferBoard{clock: clk, offers: make(map[string]map[string]Offer)}
}

// Broadcast records an offer of task for every agent in agentIDs.
func (b *OfferBoard) Broadcast(_ context.Context, task *model.Task, agentIDs []string) error {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range agentIDs {
		m, ok := b.offers[id]
		if !ok {
			m = make(map[string]Offer)
			b.offers[id] = m
		}
		m[task.ID] = Offer{
			TaskID:    task.ID,
			AccountID: task.AccountID,
			TaskType:  task.TaskType,
			Round:     task.BroadcastRound,
			OfferedAt: now,
		}
	}
	return nil
}

// Offers returns the pending offers of an agent, oldest first.
func (b *OfferBoard) Offers(agentID string) []Offer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Offer, 0, len(b.offers[agentID]))
	for _, o := range b.offers[agentID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OfferedAt.Equal(out[j].OfferedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].OfferedAt.Before(out[j].OfferedAt)
	})
	return out
}

// Withdraw removes every offer of a task, e.g. once it is claimed or ended.
func (b *OfferBoard) Withdraw(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for agentID, m := range b.offers {
		delete(m, taskID)
		if len(m) == 0 {
			delete(b.offers, agentID)
		}
	}
}

// AgentDisconnected drops the offers of a lost agent.
func (b *OfferBoard) AgentDisconnected(_ context.Context, agent *model.Agent) {
	b.mu.Lock()
	delete(b.offers, agent.ID)
	b.mu.Unlock()
}
