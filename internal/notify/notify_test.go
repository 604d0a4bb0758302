package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/internal/logging"
	"github.com/me/dispatch/internal/store"
	"github.com/me/dispatch/pkg/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOfferBoard(t *testing.T) {
	clk := clock.NewFake(t0)
	b := NewOfferBoard(clk)
	ctx := context.Background()

	task1 := &model.Task{ID: "task_1", AccountID: "acct", BroadcastRound: 0}
	task2 := &model.Task{ID: "task_2", AccountID: "acct", BroadcastRound: 1}

	require.NoError(t, b.Broadcast(ctx, task1, []string{"agt_a", "agt_b"}))
	clk.Advance(time.Second)
	require.NoError(t, b.Broadcast(ctx, task2, []string{"agt_a"}))

	offers := b.Offers("agt_a")
	require.Len(t, offers, 2)
	assert.Equal(t, "task_1", offers[0].TaskID)
	assert.Equal(t, 1, offers[1].Round)

	// Re-offering refreshes rather than duplicates.
	require.NoError(t, b.Broadcast(ctx, task1, []string{"agt_a"}))
	assert.Len(t, b.Offers("agt_a"), 2)

	b.Withdraw("task_1")
	assert.Len(t, b.Offers("agt_a"), 1)
	assert.Empty(t, b.Offers("agt_b"))

	b.AgentDisconnected(ctx, &model.Agent{ID: "agt_a"})
	assert.Empty(t, b.Offers("agt_a"))
}

func TestResponseRegistryDeliversOnce(t *testing.T) {
	st := testStore(t)
	reg := NewResponseRegistry(st, clock.NewFake(t0), logging.Discard())
	ctx := context.Background()

	expired := model.ErrorOutcome(model.TaskStatusFailed, model.ErrExpired, "Task expired.", true)
	ok, err := reg.Deliver(ctx, "wait_1", "task_1", "acct", expired)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Deliver(ctx, "wait_1", "task_1", "acct", model.SuccessOutcome(json.RawMessage(`{}`)))
	require.NoError(t, err)
	assert.False(t, ok)

	resp, err := reg.Get(ctx, "wait_1")
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Error)
	assert.True(t, resp.Outcome.Error.Expired)
	assert.Equal(t, t0, resp.DeliveredAt)

	_, err = reg.Deliver(ctx, "", "task_2", "acct", expired)
	assert.Error(t, err)
}

func TestResponseRegistryWait(t *testing.T) {
	st := testStore(t)
	reg := NewResponseRegistry(st, clock.NewFake(t0), logging.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var got *model.Response
	var waitErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, waitErr = reg.Wait(ctx, "wait_2")
	}()

	// Give the waiter a moment to subscribe; Wait also re-checks the store.
	time.Sleep(20 * time.Millisecond)
	_, err := reg.Deliver(ctx, "wait_2", "task_2", "acct", model.SuccessOutcome(json.RawMessage(`{"ok":true}`)))
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, waitErr)
	assert.True(t, got.Outcome.Succeeded())

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	_, err = reg.Wait(short, "wait_never")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHooks(t *testing.T) {
	var calls []string
	hooks := Hooks{
		LogHook{Logger: logging.Discard()},
		HookFunc(func(_ context.Context, a *model.Agent) { calls = append(calls, "first:"+a.ID) }),
		HookFunc(func(_ context.Context, a *model.Agent) { calls = append(calls, "second:"+a.ID) }),
	}
	hooks.AgentDisconnected(context.Background(), &model.Agent{ID: "agt_a"})
	assert.Equal(t, []string{"first:agt_a", "second:agt_a"}, calls)
}
