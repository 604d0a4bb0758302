package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/dispatch/internal/broadcast"
	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/internal/config"
	"github.com/me/dispatch/internal/dispatch"
	"github.com/me/dispatch/internal/eligibility"
	"github.com/me/dispatch/internal/logging"
	"github.com/me/dispatch/internal/metrics"
	"github.com/me/dispatch/internal/notify"
	"github.com/me/dispatch/internal/store"
	"github.com/me/dispatch/pkg/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	srv     *Server
	store   *store.SQLiteStore
	clock   *clock.Fake
	board   *notify.OfferBoard
	sink    *metrics.MemorySink
	sched   *broadcast.Scheduler
	cfg     config.ServerConfig
	headers map[string]string
}

func newTestEnv(t *testing.T, keys map[string][]string) *testEnv {
	t.Helper()
	logger := logging.Discard()
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(t0)
	live := config.NewLive(config.Default())
	tracker := eligibility.NewTracker(st, clk, 0, logger)
	board := notify.NewOfferBoard(clk)
	responses := notify.NewResponseRegistry(st, clk, logger)
	sink := metrics.NewMemorySink(16)
	svc := dispatch.NewService(st, tracker, responses, board, clk, live, logger)

	cfg := config.Default().Server
	cfg.AgentKeys = keys
	return &testEnv{
		srv:     New(cfg, svc, responses, board, logger, WithMetrics(sink)),
		store:   st,
		clock:   clk,
		board:   board,
		sink:    sink,
		sched:   broadcast.NewScheduler(st, board, sink, clk, live, logger),
		cfg:     cfg,
		headers: map[string]string{},
	}
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any, wantStatus int) envelope {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
		}
	}
	return env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode data: %v (%s)", err, env.Data)
	}
	return v
}

// connectAgent registers a connected agent that validated criteria.
func (e *testEnv) connectAgent(t *testing.T, id string, criteria ...string) {
	t.Helper()
	e.do(t, "POST", "/api/v1/agents", map[string]any{"id": id, "account_id": "acct", "host_name": id + ".local"}, http.StatusCreated)
	e.do(t, "PUT", "/api/v1/agents/"+id+"/heartbeat", map[string]any{"version": "1.0"}, http.StatusOK)
	if len(criteria) > 0 {
		var results []map[string]any
		for _, c := range criteria {
			results = append(results, map[string]any{"criteria": c, "validated": true})
		}
		e.do(t, "POST", "/api/v1/agents/"+id+"/capabilities", map[string]any{"results": results}, http.StatusOK)
	}
}

var gitCap = []map[string]string{{"type": "http", "criteria": "https://git.example.com"}}

const gitKey = "http:https://git.example.com"

func TestDiscovery(t *testing.T) {
	e := newTestEnv(t, nil)
	env := e.do(t, "GET", "/api/v1/", nil, http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}
	data := decode[discoveryResponse](t, env)
	if data.Name != "Dispatch API" {
		t.Errorf("name = %q, want Dispatch API", data.Name)
	}
	if len(data.Endpoints) < 10 {
		t.Errorf("endpoints count = %d, want >= 10", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil)
	data := decode[healthResponse](t, e.do(t, "GET", "/api/v1/health", nil, http.StatusOK))
	if data.Status != "healthy" {
		t.Errorf("status = %q, want healthy", data.Status)
	}
	if data.Scheduler != "disabled" {
		t.Errorf("scheduler = %q, want disabled", data.Scheduler)
	}
	if data.GoVersion == "" {
		t.Error("go_version is empty")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	e := newTestEnv(t, nil)
	e.headers["X-Request-ID"] = "req_caller"
	env := e.do(t, "GET", "/api/v1/health", nil, http.StatusOK)
	if env.RequestID != "req_caller" {
		t.Errorf("request_id = %q, want req_caller", env.RequestID)
	}
}

func TestSubmitValidationError(t *testing.T) {
	e := newTestEnv(t, nil)
	env := e.do(t, "POST", "/api/v1/tasks", map[string]any{}, http.StatusBadRequest)
	if env.Status != "error" || env.Error == nil {
		t.Fatalf("expected error envelope, got %+v", env)
	}
	if env.Error.Code != model.ErrValidation {
		t.Errorf("code = %q, want %q", env.Error.Code, model.ErrValidation)
	}
}

func TestSubmitInvalidJSON(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest("POST", "/api/v1/tasks", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSubmitNoEligibleAgents(t *testing.T) {
	e := newTestEnv(t, nil)
	e.connectAgent(t, "a1")
	env := e.do(t, "POST", "/api/v1/tasks",
		map[string]any{"account_id": "acct", "capabilities": gitCap}, http.StatusUnprocessableEntity)
	if env.Error.Code != model.ErrNoEligibleAgents {
		t.Errorf("code = %q, want %q", env.Error.Code, model.ErrNoEligibleAgents)
	}
	want := "No eligible agents could perform the required capabilities for this task: [ " + gitKey + " ]"
	if env.Error.Message != want {
		t.Errorf("message = %q, want %q", env.Error.Message, want)
	}
}

func TestTaskNotFound(t *testing.T) {
	e := newTestEnv(t, nil)
	env := e.do(t, "GET", "/api/v1/tasks/task_missing", nil, http.StatusNotFound)
	if env.Error.Code != model.ErrNotFound {
		t.Errorf("code = %q, want NOT_FOUND", env.Error.Code)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t, nil)
	e.connectAgent(t, "a1", gitKey)
	e.connectAgent(t, "a2", gitKey)

	task := decode[model.Task](t, e.do(t, "POST", "/api/v1/tasks",
		map[string]any{"account_id": "acct", "capabilities": gitCap, "payload": map[string]string{"cmd": "build"}},
		http.StatusCreated))
	if len(task.EligibleAgents) != 2 {
		t.Fatalf("eligible = %v, want 2 agents", task.EligibleAgents)
	}

	list := e.do(t, "GET", "/api/v1/tasks?account_id=acct", nil, http.StatusOK)
	if list.Pagination == nil || list.Pagination.Total != 1 {
		t.Fatalf("pagination = %+v, want total 1", list.Pagination)
	}

	e.clock.Advance(time.Second)
	if err := e.sched.ProcessAccount(context.Background(), "acct"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	offers := decode[[]notify.Offer](t, e.do(t, "GET", "/api/v1/agents/a1/offers", nil, http.StatusOK))
	if len(offers) != 1 || offers[0].TaskID != task.ID {
		t.Fatalf("offers = %+v, want one offer of %s", offers, task.ID)
	}

	e.do(t, "POST", "/api/v1/agents/a1/tasks/"+task.ID+"/claim", nil, http.StatusOK)
	conflict := e.do(t, "POST", "/api/v1/agents/a2/tasks/"+task.ID+"/claim", nil, http.StatusConflict)
	if conflict.Error.Code != model.ErrConflict {
		t.Errorf("code = %q, want CONFLICT", conflict.Error.Code)
	}

	// Nothing delivered yet: a short long-poll times out.
	req := httptest.NewRequest("GET", "/api/v1/responses/"+task.WaitID+"?wait=10ms", nil)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("long-poll status = %d, want 204", w.Code)
	}

	e.do(t, "PUT", "/api/v1/agents/a1/tasks/"+task.ID+"/complete",
		map[string]any{"payload": map[string]int{"exit": 0}}, http.StatusOK)

	resp := decode[model.Response](t, e.do(t, "GET", "/api/v1/responses/"+task.WaitID, nil, http.StatusOK))
	if resp.Outcome.Status != model.TaskStatusSucceeded {
		t.Errorf("outcome status = %q, want SUCCEEDED", resp.Outcome.Status)
	}
	e.do(t, "GET", "/api/v1/tasks/"+task.ID, nil, http.StatusNotFound)

	snap := decode[metrics.Snapshot](t, e.do(t, "GET", "/api/v1/metrics", nil, http.StatusOK))
	if snap.Broadcasts != 1 {
		t.Errorf("broadcasts = %d, want 1", snap.Broadcasts)
	}
}

func TestValidationEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)
	e.connectAgent(t, "a1", gitKey)
	task := decode[model.Task](t, e.do(t, "POST", "/api/v1/tasks",
		map[string]any{"account_id": "acct", "capabilities": gitCap}, http.StatusCreated))

	started := decode[model.Task](t, e.do(t, "POST", "/api/v1/agents/a1/tasks/"+task.ID+"/validation", nil, http.StatusOK))
	if started.ValidationStartedAt == nil {
		t.Fatal("validation_started_at not set")
	}
	done := decode[model.Task](t, e.do(t, "PUT", "/api/v1/agents/a1/tasks/"+task.ID+"/validation", nil, http.StatusOK))
	if len(done.ValidationCompleteAgents) != 1 || done.ValidationCompleteAgents[0] != "a1" {
		t.Errorf("validation_complete_agents = %v, want [a1]", done.ValidationCompleteAgents)
	}

	exp := decode[struct {
		Unmet  []string `json:"unmet"`
		Reason string   `json:"reason"`
	}](t, e.do(t, "GET", "/api/v1/tasks/"+task.ID+"/eligibility", nil, http.StatusOK))
	if len(exp.Unmet) != 0 {
		t.Errorf("unmet = %v, want none", exp.Unmet)
	}
}

func TestAbortEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	e.connectAgent(t, "a1", gitKey)
	task := decode[model.Task](t, e.do(t, "POST", "/api/v1/tasks",
		map[string]any{"account_id": "acct", "capabilities": gitCap}, http.StatusCreated))

	e.do(t, "PUT", "/api/v1/tasks/"+task.ID+"/abort", nil, http.StatusOK)
	got := decode[model.Task](t, e.do(t, "GET", "/api/v1/tasks/"+task.ID, nil, http.StatusOK))
	if got.Status != model.TaskStatusAborted {
		t.Errorf("status = %q, want ABORTED", got.Status)
	}
	e.do(t, "PUT", "/api/v1/tasks/"+task.ID+"/abort", nil, http.StatusConflict)
}

func TestListAgentsRequiresAccount(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(t, "GET", "/api/v1/agents", nil, http.StatusBadRequest)

	e.connectAgent(t, "a1")
	e.connectAgent(t, "a2")
	agents := decode[[]model.Agent](t, e.do(t, "GET", "/api/v1/agents?account_id=acct", nil, http.StatusOK))
	if len(agents) != 2 || agents[0].ID != "a1" || !agents[0].Connected {
		t.Errorf("agents = %+v, want a1, a2 connected", agents)
	}
}

func TestAgentStatusEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	e.connectAgent(t, "a1")
	agent := decode[model.Agent](t, e.do(t, "PUT", "/api/v1/agents/a1/status",
		map[string]string{"status": "DISABLED"}, http.StatusOK))
	if agent.Status != model.AgentStatusDisabled {
		t.Errorf("status = %q, want DISABLED", agent.Status)
	}
	e.do(t, "PUT", "/api/v1/agents/a1/status", map[string]string{"status": "PAUSED"}, http.StatusBadRequest)
	e.do(t, "PUT", "/api/v1/agents/ghost/status", map[string]string{"status": "DISABLED"}, http.StatusNotFound)
}

func TestAgentKeyAuth(t *testing.T) {
	e := newTestEnv(t, map[string][]string{"secret": {"acct"}})
	body := map[string]any{"id": "a1", "account_id": "acct"}

	env := e.do(t, "POST", "/api/v1/agents", body, http.StatusUnauthorized)
	if env.Error.Code != model.ErrUnauthorized {
		t.Errorf("code = %q, want UNAUTHORIZED", env.Error.Code)
	}

	e.headers["X-Agent-Key"] = "wrong"
	e.do(t, "POST", "/api/v1/agents", body, http.StatusUnauthorized)

	e.headers["X-Agent-Key"] = "secret"
	e.do(t, "POST", "/api/v1/agents", body, http.StatusCreated)
	env = e.do(t, "POST", "/api/v1/agents", map[string]any{"id": "a2", "account_id": "other"}, http.StatusForbidden)
	if env.Error.Code != model.ErrForbidden {
		t.Errorf("code = %q, want FORBIDDEN", env.Error.Code)
	}

	// Task routes are not agent routes.
	delete(e.headers, "X-Agent-Key")
	e.do(t, "GET", "/api/v1/tasks", nil, http.StatusOK)
}

func TestAgentAuthContextCanAccess(t *testing.T) {
	var nilCtx *AgentAuthContext
	if nilCtx.CanAccess("acct") {
		t.Error("nil context should deny")
	}
	open := &AgentAuthContext{KeyID: "none"}
	if !open.CanAccess("anything") {
		t.Error("empty account list should allow all")
	}
	scoped := &AgentAuthContext{Accounts: []string{"acct"}}
	if !scoped.CanAccess("acct") || scoped.CanAccess("other") {
		t.Error("scoped context should allow only its accounts")
	}
}

func TestMetricsDisabled(t *testing.T) {
	e := newTestEnv(t, nil)
	e.srv.metrics = nil
	e.do(t, "GET", "/api/v1/metrics", nil, http.StatusNotFound)
}

// slowScheduler takes a while to get going and to wind down.
type slowScheduler struct {
	stop   chan struct{}
	exited atomic.Bool
}

func (s *slowScheduler) Start(ctx context.Context) error {
	time.Sleep(20 * time.Millisecond)
	<-s.stop
	time.Sleep(20 * time.Millisecond)
	s.exited.Store(true)
	return nil
}

func (s *slowScheduler) Stop() error {
	close(s.stop)
	return nil
}

func (s *slowScheduler) Tick(context.Context) error { return nil }

func TestStopSchedulerWaitsForStart(t *testing.T) {
	e := newTestEnv(t, nil)
	sched := &slowScheduler{stop: make(chan struct{})}
	WithScheduler(sched)(e.srv)

	e.srv.StartScheduler(context.Background())
	if err := e.srv.StopScheduler(); err != nil {
		t.Fatalf("StopScheduler: %v", err)
	}
	if !sched.exited.Load() {
		t.Error("StopScheduler returned before the scheduler exited")
	}
}

func TestStopSchedulerWithoutStart(t *testing.T) {
	e := newTestEnv(t, nil)
	if err := e.srv.StopScheduler(); err != nil {
		t.Errorf("StopScheduler: %v", err)
	}
}
