// Package dispatch implements the paths that feed and drain the scheduling
// core: task submission, agent registration and heartbeats, claims,
// capability validation, completion and abort.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/internal/config"
	"github.com/me/dispatch/internal/eligibility"
	"github.com/me/dispatch/internal/logging"
	"github.com/me/dispatch/internal/notify"
	"github.com/me/dispatch/internal/retry"
	"github.com/me/dispatch/internal/store"
	"github.com/me/dispatch/pkg/model"
)

var (
	// ErrInvalidTransition is returned when a task is not in a state that
	// allows the requested operation.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAlreadyClaimed is returned when another agent won the claim.
	ErrAlreadyClaimed = errors.New("task already claimed")
	// ErrNotEligible is returned when an agent claims a task it was never offered.
	ErrNotEligible = errors.New("agent not eligible for task")
	// ErrNoConnectedAgents is returned when a synchronous task has no
	// connected eligible agent at submission.
	ErrNoConnectedAgents = errors.New("no connected eligible agents")
	// ErrConflict is returned when a task kept changing under a write.
	ErrConflict = errors.New("task modified concurrently")
)

// maxUpdateAttempts bounds the read-modify-write loop of version-guarded updates.
const maxUpdateAttempts = 5

// Store is the persistence the service writes through.
type Store interface {
	store.TaskStore
	store.AgentStore
}

// Tracker answers eligibility questions at submission and keeps its cache
// in step with agent changes.
type Tracker interface {
	Eligible(ctx context.Context, accountID string, caps []model.Capability) ([]string, error)
	Whitelisted(ctx context.Context, accountID, agentID string, caps []model.Capability) (bool, error)
	Connected(ctx context.Context, accountID string, agentIDs []string) ([]string, error)
	Explain(ctx context.Context, accountID string, caps []model.Capability) (eligibility.Explanation, error)
	Record(ctx context.Context, r *model.CapabilityCheckResult) error
	Invalidate(accountID string)
}

// Withdrawer removes outstanding offers of a task.
type Withdrawer interface {
	Withdraw(taskID string)
}

// ConfigSource supplies the current configuration.
type ConfigSource interface {
	Get() config.Config
}

// Service is the write API of the dispatcher.
type Service struct {
	store     Store
	tracker   Tracker
	responder notify.Responder
	offers    Withdrawer
	clock     clock.Clock
	config    ConfigSource
	retry     retry.Policy
	logger    *slog.Logger
}

// NewService creates a dispatch service.
func NewService(st Store, tr Tracker, resp notify.Responder, offers Withdrawer, clk clock.Clock, cfg ConfigSource, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		tracker:   tr,
		responder: resp,
		offers:    offers,
		clock:     clk,
		config:    cfg,
		retry:     retry.DefaultPolicy(store.IsBusy),
		logger:    logger.With("component", "dispatch"),
	}
}

// SubmitRequest describes a new task.
type SubmitRequest struct {
	AccountID    string             `json:"account_id"`
	TaskType     string             `json:"task_type,omitempty"`
	Async        bool               `json:"async"`
	Capabilities []model.Capability `json:"capabilities"`
	// EligibleAgents skips capability matching when set.
	EligibleAgents          []string        `json:"eligible_agents,omitempty"`
	ForceExecute            bool            `json:"force_execute"`
	WaitID                  string          `json:"wait_id,omitempty"`
	ExecutionTimeoutSeconds int             `json:"execution_timeout_seconds,omitempty"`
	ExpiryAt                *time.Time      `json:"expiry_at,omitempty"`
	Payload                 json.RawMessage `json:"payload,omitempty"`
}

func (r *SubmitRequest) validate() []model.FieldError {
	var errs []model.FieldError
	if r.AccountID == "" {
		errs = append(errs, model.FieldError{Field: "account_id", Message: "account_id is required"})
	}
	if len(r.Capabilities) == 0 {
		errs = append(errs, model.FieldError{Field: "capabilities", Message: "at least one capability is required"})
	}
	for i, c := range r.Capabilities {
		if c.Criteria == "" {
			errs = append(errs, model.FieldError{
				Field:   fmt.Sprintf("capabilities[%d].criteria", i),
				Message: "criteria is required",
			})
		}
	}
	if r.ExecutionTimeoutSeconds < 0 {
		errs = append(errs, model.FieldError{Field: "execution_timeout_seconds", Message: "must not be negative"})
	}
	return errs
}

// Submit validates and queues a task. Eligibility is computed once here;
// the broadcast scheduler only rotates the resulting ring.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.Task, error) {
	if errs := req.validate(); len(errs) > 0 {
		return nil, model.NewValidationError("invalid task", errs...)
	}
	cfg := s.config.Get()
	now := s.clock.Now()

	eligible := slices.Clone(req.EligibleAgents)
	if len(eligible) == 0 {
		ids, err := s.tracker.Eligible(ctx, req.AccountID, req.Capabilities)
		if err != nil {
			return nil, err
		}
		eligible = ids
	}

	if !req.Async {
		connected, err := s.tracker.Connected(ctx, req.AccountID, eligible)
		if err != nil {
			return nil, fmt.Errorf("check connected agents: %w", err)
		}
		if len(connected) == 0 {
			return nil, ErrNoConnectedAgents
		}
	}
	eligible = s.preferWhitelisted(ctx, req.AccountID, eligible, req.Capabilities)

	timeout := time.Duration(req.ExecutionTimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = cfg.DefaultExecutionTimeout()
	}
	expiry := now.Add(timeout)
	if req.ExpiryAt != nil {
		expiry = req.ExpiryAt.UTC()
	}

	task := &model.Task{
		ID:               "task_" + uuid.New().String(),
		AccountID:        req.AccountID,
		Status:           model.TaskStatusQueued,
		TaskType:         req.TaskType,
		Async:            req.Async,
		EligibleAgents:   eligible,
		AlreadyTried:     []string{},
		NextBroadcastAt:  now,
		Capabilities:     req.Capabilities,
		ForceExecute:     req.ForceExecute,
		WaitID:           req.WaitID,
		ExecutionTimeout: timeout,
		Payload:          req.Payload,
		Version:          1,
		CreatedAt:        now,
		ExpiryAt:         expiry,
	}
	if task.WaitID == "" {
		task.WaitID = task.ID
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.logger.Info("task submitted", append(logging.TaskAttrs(task),
		"eligible", len(eligible), "expiry_at", task.ExpiryAt)...)
	return task, nil
}

// preferWhitelisted rotates the ring so the first whitelisted agent is
// offered first. The ring is returned unchanged when none is whitelisted.
func (s *Service) preferWhitelisted(ctx context.Context, accountID string, ring []string, caps []model.Capability) []string {
	for i, id := range ring {
		ok, err := s.tracker.Whitelisted(ctx, accountID, id, caps)
		if err != nil {
			s.logger.Warn("whitelist check failed", "account_id", accountID, "agent_id", id, "error", err)
			return ring
		}
		if ok {
			if i == 0 {
				return ring
			}
			return append(slices.Clone(ring[i:]), ring[:i]...)
		}
	}
	return ring
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns a page of tasks and the total match count.
func (s *Service) List(ctx context.Context, opts model.ListOptions) ([]*model.Task, int, error) {
	opts.Clamp()
	return s.store.ListTasks(ctx, opts)
}

// Explain reports which connected agents currently satisfy each of the
// task's criteria.
func (s *Service) Explain(ctx context.Context, taskID string) (eligibility.Explanation, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return eligibility.Explanation{}, err
	}
	return s.tracker.Explain(ctx, task.AccountID, task.Capabilities)
}

func transitionError(t *model.Task, to model.TaskStatus) error {
	return fmt.Errorf("%w: %w", ErrInvalidTransition, &model.InvalidTransitionError{
		Entity: "task", ID: t.ID, From: string(t.Status), To: string(to),
	})
}

// Claim assigns a queued task to agentID. Exactly one concurrent claim wins;
// the others get ErrAlreadyClaimed. The expiry restarts from the claim.
func (s *Service) Claim(ctx context.Context, taskID, agentID string) (*model.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.IsAssigned() {
		return nil, ErrAlreadyClaimed
	}
	if task.Status != model.TaskStatusQueued {
		return nil, transitionError(task, model.TaskStatusStarted)
	}
	if !slices.Contains(task.EligibleAgents, agentID) {
		return nil, ErrNotEligible
	}

	timeout := task.ExecutionTimeout
	if timeout <= 0 {
		timeout = s.config.Get().DefaultExecutionTimeout()
	}

	var claimed bool
	err = retry.Do(ctx, s.retry, func() error {
		var err error
		claimed, err = s.store.ClaimTask(ctx, taskID, agentID, s.clock.Now().Add(timeout))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	if !claimed {
		return nil, ErrAlreadyClaimed
	}
	s.offers.Withdraw(taskID)

	task, err = s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task claimed", append(logging.TaskAttrs(task), "agent_id", agentID)...)
	return task, nil
}

// update applies fn to the latest version of the task and writes it back,
// retrying when another writer got there first.
func (s *Service) update(ctx context.Context, taskID string, fn func(t *model.Task) error) (*model.Task, error) {
	for range maxUpdateAttempts {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if err := fn(task); err != nil {
			return nil, err
		}
		var ok bool
		err = retry.Do(ctx, s.retry, func() error {
			var err error
			ok, err = s.store.UpdateTask(ctx, task)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("update task %s: %w", taskID, err)
		}
		if ok {
			return task, nil
		}
		s.logger.Debug("task version moved, retrying update", "task_id", taskID)
	}
	return nil, fmt.Errorf("task %s: %w", taskID, ErrConflict)
}

// StartValidation records that agentID began validating the task's criteria.
func (s *Service) StartValidation(ctx context.Context, taskID, agentID string) (*model.Task, error) {
	return s.update(ctx, taskID, func(t *model.Task) error {
		if t.Status != model.TaskStatusQueued || t.IsAssigned() {
			return transitionError(t, t.Status)
		}
		if t.ValidationStartedAt == nil {
			now := s.clock.Now()
			t.ValidationStartedAt = &now
		}
		if !slices.Contains(t.ValidatingAgents, agentID) {
			t.ValidatingAgents = append(t.ValidatingAgents, agentID)
		}
		return nil
	})
}

// CompleteValidation records that agentID finished validating. The results
// themselves are reported through RecordCapability.
func (s *Service) CompleteValidation(ctx context.Context, taskID, agentID string) (*model.Task, error) {
	return s.update(ctx, taskID, func(t *model.Task) error {
		if t.Status != model.TaskStatusQueued || t.IsAssigned() {
			return transitionError(t, t.Status)
		}
		t.ValidatingAgents = slices.DeleteFunc(t.ValidatingAgents, func(id string) bool { return id == agentID })
		if !slices.Contains(t.ValidationCompleteAgents, agentID) {
			t.ValidationCompleteAgents = append(t.ValidationCompleteAgents, agentID)
		}
		return nil
	})
}

// Complete ends a started task with the outcome reported by its agent. The
// task is deleted before the outcome is delivered, so a retried completion
// can never deliver twice.
func (s *Service) Complete(ctx context.Context, taskID, agentID string, outcome model.Outcome) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if outcome.Status == "" {
		outcome.Status = model.TaskStatusSucceeded
		if outcome.Error != nil {
			outcome.Status = model.TaskStatusFailed
		}
	}
	if task.Status != model.TaskStatusStarted || task.AgentID != agentID {
		return transitionError(task, outcome.Status)
	}
	if !task.Status.CanTransitionTo(outcome.Status) {
		return transitionError(task, outcome.Status)
	}

	var deleted bool
	err = retry.Do(ctx, s.retry, func() error {
		var err error
		deleted, err = s.store.DeleteTask(ctx, taskID, task.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	if !deleted {
		return fmt.Errorf("task %s: %w", taskID, ErrConflict)
	}
	s.offers.Withdraw(taskID)

	if task.WaitID != "" {
		err := retry.Do(ctx, s.retry, func() error {
			_, err := s.responder.Deliver(ctx, task.WaitID, task.ID, task.AccountID, outcome)
			return err
		})
		if err != nil {
			s.logger.Error("deliver outcome failed", "task_id", task.ID, "wait_id", task.WaitID, "error", err)
		}
	}
	s.logger.Info("task completed", "task_id", task.ID, "account_id", task.AccountID,
		"agent_id", agentID, "status", outcome.Status)
	return nil
}

// Abort marks a task ABORTED. The next expiry tick ends it and delivers the
// outcome; abort itself never interrupts an in-flight broadcast.
func (s *Service) Abort(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := s.update(ctx, taskID, func(t *model.Task) error {
		if !t.Status.CanTransitionTo(model.TaskStatusAborted) {
			return transitionError(t, model.TaskStatusAborted)
		}
		t.Status = model.TaskStatusAborted
		t.ForceExecute = false
		t.ExpiryAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.offers.Withdraw(taskID)
	s.logger.Info("task aborted", logging.TaskAttrs(task)...)
	return task, nil
}

// RegisterRequest describes an agent joining an account.
type RegisterRequest struct {
	ID        string `json:"id,omitempty"`
	AccountID string `json:"account_id"`
	HostName  string `json:"host_name"`
	IP        string `json:"ip,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// RegisterAgent creates the agent or refreshes its host details.
func (s *Service) RegisterAgent(ctx context.Context, req RegisterRequest) (*model.Agent, error) {
	if req.AccountID == "" {
		return nil, model.NewValidationError("missing required field",
			model.FieldError{Field: "account_id", Message: "account_id is required"})
	}
	now := s.clock.Now()
	agent := &model.Agent{
		ID:            req.ID,
		AccountID:     req.AccountID,
		HostName:      req.HostName,
		IP:            req.IP,
		Status:        model.AgentStatusEnabled,
		GroupName:     req.GroupName,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if agent.ID == "" {
		agent.ID = "agt_" + uuid.New().String()
	}
	if err := s.store.RegisterAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	s.tracker.Invalidate(agent.AccountID)

	registered, err := s.store.GetAgent(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent registered", logging.AgentAttrs(registered)...)
	return registered, nil
}

// Heartbeat refreshes an agent connection, creating one when connectionID
// is empty. A reconnecting agent becomes eligible again immediately.
func (s *Service) Heartbeat(ctx context.Context, agentID, connectionID, version string) (*model.AgentConnection, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if connectionID == "" {
		connectionID = "conn_" + uuid.New().String()
	}
	conn := &model.AgentConnection{
		ID:            connectionID,
		AgentID:       agent.ID,
		AccountID:     agent.AccountID,
		Version:       version,
		LastHeartbeat: s.clock.Now(),
	}
	if err := s.store.RecordHeartbeat(ctx, conn); err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}
	if !agent.Connected {
		s.tracker.Invalidate(agent.AccountID)
		s.logger.Info("agent connected", append(logging.AgentAttrs(agent), "connection_id", conn.ID)...)
	}
	return conn, nil
}

// SetAgentStatus enables or disables an agent.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, status model.AgentStatus) (*model.Agent, error) {
	if status != model.AgentStatusEnabled && status != model.AgentStatusDisabled {
		return nil, model.NewValidationError("invalid status",
			model.FieldError{Field: "status", Message: "must be ENABLED or DISABLED"})
	}
	if err := s.store.SetAgentStatus(ctx, agentID, status); err != nil {
		return nil, err
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.tracker.Invalidate(agent.AccountID)
	s.logger.Info("agent status changed", append(logging.AgentAttrs(agent), "status", status)...)
	return agent, nil
}

// SetGroupExpiry schedules (or clears, with nil) the deprecation of an agent's group.
func (s *Service) SetGroupExpiry(ctx context.Context, agentID string, at *time.Time) (*model.Agent, error) {
	if err := s.store.SetGroupExpiry(ctx, agentID, at); err != nil {
		return nil, err
	}
	return s.store.GetAgent(ctx, agentID)
}

// GetAgent returns an agent by id.
func (s *Service) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// ListAgents returns an account's agents in registration order.
func (s *Service) ListAgents(ctx context.Context, accountID string) ([]*model.Agent, error) {
	return s.store.ListAgents(ctx, accountID)
}

// RecordCapability stores a capability check result reported by an agent.
func (s *Service) RecordCapability(ctx context.Context, r *model.CapabilityCheckResult) error {
	if r.AccountID == "" || r.AgentID == "" || r.Criteria == "" {
		return model.NewValidationError("missing required field",
			model.FieldError{Message: "account_id, agent_id and criteria are required"})
	}
	if err := s.tracker.Record(ctx, r); err != nil {
		return err
	}
	s.logger.Debug("capability recorded", "account_id", r.AccountID, "agent_id", r.AgentID,
		"criteria", r.Criteria, "validated", r.Validated)
	return nil
}
