package expiry

import (
	"time"

	"github.com/me/dispatch/internal/config"
	"github.com/me/dispatch/pkg/model"
)

// Rule names why a task is ended.
type Rule string

const (
	RuleTimedOut   Rule = "timed-out"
	RuleStuck      Rule = "stuck-in-queue"
	RuleExhausted  Rule = "exhausted-broadcast"
	RuleValidation Rule = "validation-unassigned"
	RuleAgentLost  Rule = "agent-disconnected"
)

// Settings are the expiry tunables read on every tick.
type Settings struct {
	MaxRounds         int
	RebroadcastDelay  time.Duration
	ValidationTimeout time.Duration
	QueueExpiryGrace  time.Duration
}

// SettingsFrom extracts expiry settings from a configuration.
func SettingsFrom(cfg config.Config) Settings {
	return Settings{
		MaxRounds:         cfg.Broadcast.MaxRounds,
		RebroadcastDelay:  cfg.RebroadcastDelay(),
		ValidationTimeout: cfg.ValidationTimeout(),
		QueueExpiryGrace:  cfg.QueueExpiryGrace(),
	}
}

// Classify returns the first rule the task matches. Force-executed tasks are
// exempt from the deadline rules.
func Classify(h model.TaskHeader, s Settings, now time.Time) (Rule, bool) {
	switch {
	case !h.ForceExecute && h.Status == model.TaskStatusStarted && h.ExpiryAt.Before(now):
		return RuleTimedOut, true

	case !h.ForceExecute && queuedLike(h.Status) && h.ExpiryAt.Add(s.QueueExpiryGrace).Before(now):
		return RuleStuck, true

	case h.Status == model.TaskStatusQueued && h.AgentID == "" &&
		!h.NextBroadcastAt.After(now.Add(s.RebroadcastDelay)) &&
		(h.BroadcastRound >= s.MaxRounds || h.EligibleCount <= 0):
		return RuleExhausted, true

	case h.ValidationStartedAt != nil && h.ValidationStartedAt.Before(now.Add(-s.ValidationTimeout)) &&
		h.AgentID == "" && h.AllValidated:
		return RuleValidation, true
	}
	return "", false
}

func queuedLike(s model.TaskStatus) bool {
	return s == model.TaskStatusQueued || s == model.TaskStatusParked || s == model.TaskStatusAborted
}

// EndRequest asks EndTasks to terminate one task.
type EndRequest struct {
	TaskID string
	// Version is the version observed when the task was selected; the delete
	// is guarded on it.
	Version int64
	Rule    Rule
	Status  model.TaskStatus
	Code    model.ErrorCode
	Detail  string
	Expired bool
}

// RequestFor builds the end request of a classified task.
func RequestFor(h model.TaskHeader, rule Rule, s Settings) EndRequest {
	r := EndRequest{TaskID: h.ID, Version: h.Version, Rule: rule}
	switch rule {
	case RuleTimedOut:
		r.Status, r.Code, r.Expired = model.TaskStatusExpired, model.ErrExpired, true
		r.Detail = "Task timed out before the assigned agent responded."
	case RuleStuck:
		r.Status, r.Code, r.Expired = model.TaskStatusExpired, model.ErrExpired, true
		r.Detail = "Task was not picked up before its expiry."
		if h.Status == model.TaskStatusAborted {
			r.Status, r.Code = model.TaskStatusFailed, model.ErrAborted
			r.Detail = "Task was aborted."
		}
	case RuleExhausted:
		r.Status, r.Code, r.Expired = model.TaskStatusFailed, model.ErrExpired, true
		if h.EligibleCount <= 0 {
			r.Detail = "Task has no eligible agents."
		} else {
			r.Detail = "No agent accepted the task after all broadcast rounds."
		}
	case RuleValidation:
		r.Status, r.Code = model.TaskStatusFailed, model.ErrNoEligibleAgents
		r.Detail = "All eligible agents completed validation and none accepted the task."
	}
	return r
}

// message renders the outcome message of an end request.
func (r EndRequest) message(unmet string) string {
	msg := r.Detail
	if r.Expired {
		msg = "Task expired. " + msg
	}
	if unmet != "" {
		msg += " " + unmet
	}
	return msg
}
