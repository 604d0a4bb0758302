package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/internal/store"
	"github.com/me/dispatch/pkg/model"
)

// ResponseRegistry is a store-backed Responder. Each wait id receives at most
// one response; later deliveries are dropped.
type ResponseRegistry struct {
	store  store.ResponseStore
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewResponseRegistry creates a registry backed by st.
func NewResponseRegistry(st store.ResponseStore, clk clock.Clock, logger *slog.Logger) *ResponseRegistry {
	return &ResponseRegistry{
		store:   st,
		clock:   clk,
		logger:  logger.With("component", "responses"),
		waiters: make(map[string][]chan struct{}),
	}
}

// Deliver stores the outcome and wakes any waiters.
func (r *ResponseRegistry) Deliver(ctx context.Context, waitID, taskID, accountID string, outcome model.Outcome) (bool, error) {
	if waitID == "" {
		return false, errors.New("deliver: empty wait id")
	}
	inserted, err := r.store.InsertResponse(ctx, &model.Response{
		WaitID:      waitID,
		TaskID:      taskID,
		AccountID:   accountID,
		Outcome:     outcome,
		DeliveredAt: r.clock.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("deliver %s: %w", waitID, err)
	}
	if !inserted {
		r.logger.Warn("duplicate response dropped", "wait_id", waitID, "task_id", taskID)
		return false, nil
	}
	r.logger.Debug("response delivered", "wait_id", waitID, "task_id", taskID,
		"status", outcome.Status, "expired", outcome.Error != nil && outcome.Error.Expired)

	r.mu.Lock()
	for _, ch := range r.waiters[waitID] {
		close(ch)
	}
	delete(r.waiters, waitID)
	r.mu.Unlock()
	return true, nil
}

// Get returns the response for waitID, or an error wrapping store.ErrNotFound.
func (r *ResponseRegistry) Get(ctx context.Context, waitID string) (*model.Response, error) {
	return r.store.GetResponse(ctx, waitID)
}

// Wait blocks until a response for waitID exists or ctx is done.
func (r *ResponseRegistry) Wait(ctx context.Context, waitID string) (*model.Response, error) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.waiters[waitID] = append(r.waiters[waitID], ch)
	r.mu.Unlock()
	defer r.unsubscribe(waitID, ch)

	// Registered before checking so a delivery in between is not missed.
	resp, err := r.store.GetResponse(ctx, waitID)
	if err == nil {
		return resp, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
		return r.store.GetResponse(ctx, waitID)
	}
}

func (r *ResponseRegistry) unsubscribe(waitID string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiters[waitID]
	for i, c := range list {
		if c == ch {
			r.waiters[waitID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.waiters[waitID]) == 0 {
		delete(r.waiters, waitID)
	}
}
