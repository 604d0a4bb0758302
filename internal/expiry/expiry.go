// Package expiry ends tasks that can no longer be assigned or completed and
// delivers exactly one error outcome for each.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/me/dispatch/internal/clock"
	"github.com/me/dispatch/internal/config"
	"github.com/me/dispatch/internal/eligibility"
	"github.com/me/dispatch/internal/metrics"
	"github.com/me/dispatch/internal/notify"
	"github.com/me/dispatch/internal/retry"
	"github.com/me/dispatch/internal/store"
	"github.com/me/dispatch/pkg/model"
)

// Store is the subset of the task store the handler uses.
type Store interface {
	FindExpiryCandidates(ctx context.Context, accountID string) ([]model.TaskHeader, error)
	GetTasks(ctx context.Context, ids []string) ([]*model.Task, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTaskHeader(ctx context.Context, id string) (*model.TaskHeader, error)
	DeleteTask(ctx context.Context, id string, expectedVersion int64) (bool, error)
}

// Tracker explains why tasks could not be assigned.
type Tracker interface {
	Eligible(ctx context.Context, accountID string, caps []model.Capability) ([]string, error)
	Explain(ctx context.Context, accountID string, caps []model.Capability) (eligibility.Explanation, error)
}

// ConfigSource supplies the current configuration.
type ConfigSource interface {
	Get() config.Config
}

// Handler scans accounts for tasks to end and ends them.
type Handler struct {
	store     Store
	tracker   Tracker
	responder notify.Responder
	sink      metrics.Sink
	clock     clock.Clock
	config    ConfigSource
	retry     retry.Policy
	logger    *slog.Logger

	// OnEnd, if set, is called with the id of every ended task.
	OnEnd func(taskID string)
}

// NewHandler creates an expiry handler.
func NewHandler(st Store, tr Tracker, resp notify.Responder, sink metrics.Sink, clk clock.Clock, cfg ConfigSource, logger *slog.Logger) *Handler {
	return &Handler{
		store:     st,
		tracker:   tr,
		responder: resp,
		sink:      sink,
		clock:     clk,
		config:    cfg,
		retry:     retry.DefaultPolicy(store.IsBusy),
		logger:    logger.With("component", "expiry"),
	}
}

// Name identifies the handler in loop logs.
func (h *Handler) Name() string { return "expiry" }

// ProcessAccount classifies the account's live tasks and ends the matches.
func (h *Handler) ProcessAccount(ctx context.Context, accountID string) error {
	s := SettingsFrom(h.config.Get())
	now := h.clock.Now()

	headers, err := h.store.FindExpiryCandidates(ctx, accountID)
	if err != nil {
		return fmt.Errorf("find expiry candidates for %s: %w", accountID, err)
	}

	var reqs []EndRequest
	for _, hdr := range headers {
		rule, ok := Classify(hdr, s, now)
		if !ok {
			continue
		}
		if rule == RuleValidation && h.hasWhitelistedAgent(ctx, hdr) {
			continue
		}
		reqs = append(reqs, RequestFor(hdr, rule, s))
	}
	if len(reqs) > 0 {
		h.EndTasks(ctx, reqs)
	}
	return nil
}

// hasWhitelistedAgent reports whether a connected agent could still take the
// task. Errors count as true so the task is left for a later tick.
func (h *Handler) hasWhitelistedAgent(ctx context.Context, hdr model.TaskHeader) bool {
	task, err := h.store.GetTask(ctx, hdr.ID)
	if err != nil {
		h.logger.Warn("load task for validation check", "task_id", hdr.ID, "error", err)
		return true
	}
	ids, err := h.tracker.Eligible(ctx, hdr.AccountID, task.Capabilities)
	var none *eligibility.NoEligibleAgentsError
	if errors.As(err, &none) || errors.Is(err, eligibility.ErrNoCapabilities) {
		return false
	}
	if err != nil {
		h.logger.Warn("eligibility check failed", "task_id", hdr.ID, "error", err)
		return true
	}
	return len(ids) > 0
}

// loaded is a task resolved for ending. Task is nil when only the header
// could be read.
type loaded struct {
	header model.TaskHeader
	task   *model.Task
}

// load resolves tasks in bulk, falling back to one-by-one loads and finally
// to headers so a single corrupt record cannot block the batch.
func (h *Handler) load(ctx context.Context, ids []string) map[string]loaded {
	out := make(map[string]loaded, len(ids))

	tasks, err := h.store.GetTasks(ctx, ids)
	if err == nil {
		for _, t := range tasks {
			out[t.ID] = loaded{header: t.Header(), task: t}
		}
		return out
	}
	h.logger.Warn("bulk load failed, loading individually", "count", len(ids), "error", err)

	for _, id := range ids {
		t, err := h.store.GetTask(ctx, id)
		if err == nil {
			out[id] = loaded{header: t.Header(), task: t}
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		h.logger.Warn("task load failed, using header", "task_id", id, "error", err)

		hdr, err := h.store.GetTaskHeader(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				h.logger.Error("task header load failed", "task_id", id, "error", err)
			}
			continue
		}
		out[id] = loaded{header: *hdr}
	}
	return out
}

// EndTasks deletes each task if it is unchanged since it was selected, then
// delivers its error outcome and emits an expiry event. It returns the
// number of tasks ended. Tasks that cannot be loaded or deleted are left in
// place for a later tick.
func (h *Handler) EndTasks(ctx context.Context, reqs []EndRequest) int {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.TaskID
	}
	records := h.load(ctx, ids)

	ended := 0
	for _, r := range reqs {
		rec, ok := records[r.TaskID]
		if !ok {
			continue
		}
		if rec.header.Version != r.Version {
			h.logger.Debug("task changed since selection", "task_id", r.TaskID,
				"selected_version", r.Version, "version", rec.header.Version)
			continue
		}
		if h.end(ctx, r, rec) {
			ended++
		}
	}
	return ended
}

func (h *Handler) end(ctx context.Context, r EndRequest, rec loaded) bool {
	msg := r.message(h.unmetReason(ctx, r, rec))

	var deleted bool
	err := retry.Do(ctx, h.retry, func() error {
		var err error
		deleted, err = h.store.DeleteTask(ctx, r.TaskID, r.Version)
		return err
	})
	if err != nil {
		h.logger.Error("delete task failed", "task_id", r.TaskID, "rule", r.Rule, "error", err)
		return false
	}
	if !deleted {
		h.logger.Debug("task ended elsewhere", "task_id", r.TaskID)
		return false
	}

	h.logger.Info("task ended", "task_id", r.TaskID, "account_id", rec.header.AccountID,
		"rule", r.Rule, "status", r.Status, "expired", r.Expired, "reason", msg)

	if rec.header.WaitID != "" {
		outcome := model.ErrorOutcome(r.Status, r.Code, msg, r.Expired)
		err := retry.Do(ctx, h.retry, func() error {
			_, err := h.responder.Deliver(ctx, rec.header.WaitID, r.TaskID, rec.header.AccountID, outcome)
			return err
		})
		if err != nil {
			h.logger.Error("deliver outcome failed", "task_id", r.TaskID, "wait_id", rec.header.WaitID, "error", err)
		}
	}
	h.sink.Expired(r.TaskID, msg)
	if h.OnEnd != nil {
		h.OnEnd(r.TaskID)
	}
	return true
}

// unmetReason names unmet criteria for assignment failures when the task's
// capabilities are known.
func (h *Handler) unmetReason(ctx context.Context, r EndRequest, rec loaded) string {
	if rec.task == nil || len(rec.task.Capabilities) == 0 {
		return ""
	}
	if r.Rule != RuleExhausted && r.Rule != RuleValidation {
		return ""
	}
	exp, err := h.tracker.Explain(ctx, rec.header.AccountID, rec.task.Capabilities)
	if err != nil {
		h.logger.Warn("explain eligibility failed", "task_id", r.TaskID, "error", err)
		return ""
	}
	if len(exp.Unmet) == 0 {
		return ""
	}
	return exp.Reason()
}
