package model

// TaskStatus represents the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusStarted   TaskStatus = "STARTED"
	TaskStatusParked    TaskStatus = "PARKED"
	TaskStatusAborted   TaskStatus = "ABORTED"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusExpired   TaskStatus = "EXPIRED"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusExpired:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
var ValidTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:  {TaskStatusStarted, TaskStatusParked, TaskStatusAborted, TaskStatusFailed, TaskStatusExpired},
	TaskStatusParked:  {TaskStatusQueued, TaskStatusAborted, TaskStatusExpired},
	TaskStatusStarted: {TaskStatusSucceeded, TaskStatusFailed, TaskStatusExpired},
	TaskStatusAborted: {TaskStatusFailed, TaskStatusExpired},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
