package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/dispatch/internal/broadcast"
	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/internal/config"
	"github.com/me/dispatch/internal/dispatch"
	"github.com/me/dispatch/internal/eligibility"
	"github.com/me/dispatch/internal/logging"
	"github.com/me/dispatch/internal/metrics"
	"github.com/me/dispatch/internal/notify"
	"github.com/me/dispatch/internal/server"
	"github.com/me/dispatch/internal/store"
	"github.com/me/dispatch/pkg/model"
)

var gitCap = model.Capability{Type: "http", Criteria: "https://git.example.com"}

type stack struct {
	url       string
	svc       *dispatch.Service
	tracker   *eligibility.Tracker
	responses *notify.ResponseRegistry
	sched     *broadcast.Scheduler
}

func newStack(t *testing.T, keys map[string][]string) *stack {
	t.Helper()
	logger := logging.Discard()
	st, err := store.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	live := config.NewLive(config.Default())
	tracker := eligibility.NewTracker(st, clk, 0, logger)
	board := notify.NewOfferBoard(clk)
	responses := notify.NewResponseRegistry(st, clk, logger)
	svc := dispatch.NewService(st, tracker, responses, board, clk, live, logger)

	cfg := config.Default().Server
	cfg.AgentKeys = keys
	ts := httptest.NewServer(server.New(cfg, svc, responses, board, logger))
	t.Cleanup(ts.Close)

	return &stack{
		url:       ts.URL,
		svc:       svc,
		tracker:   tracker,
		responses: responses,
		sched:     broadcast.NewScheduler(st, board, metrics.Nop{}, clk, live, logger),
	}
}

func (s *stack) startAgent(t *testing.T, id string, h Handler) {
	t.Helper()
	a, err := New(Config{
		ServerURL: s.url,
		AccountID: "acct",
		AgentID:   id,
		Criteria:  []string{gitCap.Key()},
		Poll:      10 * time.Millisecond,
		Heartbeat: 20 * time.Millisecond,
		Version:   "test",
		Handler:   h,
	}, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (s *stack) waitEligible(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		ids, err := s.tracker.Eligible(context.Background(), "acct", []model.Capability{gitCap})
		return err == nil && len(ids) == n
	}, 5*time.Second, 10*time.Millisecond)
}

func (s *stack) submitAndWait(t *testing.T) (*model.Task, *model.Response) {
	t.Helper()
	ctx := context.Background()
	task, err := s.svc.Submit(ctx, dispatch.SubmitRequest{
		AccountID:    "acct",
		TaskType:     "git.clone",
		Capabilities: []model.Capability{gitCap},
		Payload:      json.RawMessage(`{"repo":"dispatch"}`),
	})
	require.NoError(t, err)
	require.NoError(t, s.sched.ProcessAccount(ctx, "acct"))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := s.responses.Wait(waitCtx, task.WaitID)
	require.NoError(t, err)
	return task, resp
}

func TestAgentServesOffer(t *testing.T) {
	s := newStack(t, nil)
	s.startAgent(t, "agt_1", HandlerFunc(func(_ context.Context, task *model.Task) model.Outcome {
		return model.SuccessOutcome(task.Payload)
	}))
	s.waitEligible(t, 1)

	task, resp := s.submitAndWait(t)
	assert.True(t, resp.Outcome.Succeeded())
	assert.JSONEq(t, `{"repo":"dispatch"}`, string(resp.Outcome.Payload))

	_, err := s.svc.Get(context.Background(), task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompetingAgentsRunTaskOnce(t *testing.T) {
	s := newStack(t, nil)
	var runs atomic.Int32
	h := HandlerFunc(func(_ context.Context, _ *model.Task) model.Outcome {
		runs.Add(1)
		return model.SuccessOutcome(json.RawMessage(`{}`))
	})
	s.startAgent(t, "agt_1", h)
	s.startAgent(t, "agt_2", h)
	s.startAgent(t, "agt_3", h)
	s.waitEligible(t, 3)

	_, resp := s.submitAndWait(t)
	assert.True(t, resp.Outcome.Succeeded())

	// Give losing agents time to poll any stale offers.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestAgentReportsFailure(t *testing.T) {
	s := newStack(t, nil)
	s.startAgent(t, "agt_1", HandlerFunc(func(_ context.Context, _ *model.Task) model.Outcome {
		return model.ErrorOutcome(model.TaskStatusFailed, model.ErrExecution, "exit code 1", false)
	}))
	s.waitEligible(t, 1)

	_, resp := s.submitAndWait(t)
	require.NotNil(t, resp.Outcome.Error)
	assert.Equal(t, model.TaskStatusFailed, resp.Outcome.Status)
	assert.Equal(t, model.ErrExecution, resp.Outcome.Error.Code)
}

func TestAgentRejectedWithoutKey(t *testing.T) {
	s := newStack(t, map[string][]string{"secret": nil})
	a, err := New(Config{ServerURL: s.url, AccountID: "acct", Handler: HandlerFunc(nil)}, logging.Discard())
	require.NoError(t, err)

	err = a.Run(context.Background())
	var apiErr *model.APIError
	require.True(t, errors.As(err, &apiErr), "err = %v", err)
	assert.Equal(t, model.ErrUnauthorized, apiErr.Code)
}

func TestNewRequiresAccount(t *testing.T) {
	_, err := New(Config{ServerURL: "http://localhost"}, logging.Discard())
	assert.Error(t, err)
}
