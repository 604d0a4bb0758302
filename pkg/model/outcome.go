package model

import (
	"encoding/json"
	"time"
)

// Outcome is the single result delivered to the waiter of a task: either a
// success payload or an error.
type Outcome struct {
	Status  TaskStatus      `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *OutcomeError   `json:"error,omitempty"`
}

// OutcomeError describes why a task did not succeed.
type OutcomeError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Expired distinguishes deadline failures from execution failures.
	Expired bool `json:"expired"`
}

// Succeeded reports whether the outcome carries a success payload.
func (o Outcome) Succeeded() bool {
	return o.Error == nil
}

// SuccessOutcome builds a success outcome.
func SuccessOutcome(payload json.RawMessage) Outcome {
	return Outcome{Status: TaskStatusSucceeded, Payload: payload}
}

// ErrorOutcome builds an error outcome with the given terminal status.
func ErrorOutcome(status TaskStatus, code ErrorCode, msg string, expired bool) Outcome {
	return Outcome{
		Status: status,
		Error:  &OutcomeError{Code: code, Message: msg, Expired: expired},
	}
}

// Response is a delivered outcome, stored once per wait id.
type Response struct {
	WaitID      string    `json:"wait_id"`
	TaskID      string    `json:"task_id"`
	AccountID   string    `json:"account_id"`
	Outcome     Outcome   `json:"outcome"`
	DeliveredAt time.Time `json:"delivered_at"`
}
