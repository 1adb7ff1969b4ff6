package model

// TaskState represents the lifecycle state of a Task.
type TaskState string

const (
	TaskStatePending             TaskState = "PENDING"
	TaskStateReady               TaskState = "READY"
	TaskStateRunning             TaskState = "RUNNING"
	TaskStateSucceeded           TaskState = "SUCCEEDED"
	TaskStateFailed              TaskState = "FAILED"
	TaskStateFailedByPropagation TaskState = "FAILED_BY_PROPAGATION"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateFailedByPropagation:
		return true
	}
	return false
}

// IsFailure returns true for both direct and propagated failures.
func (s TaskState) IsFailure() bool {
	return s == TaskStateFailed || s == TaskStateFailedByPropagation
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
//
// READY -> SUCCEEDED covers tasks whose outputs are already satisfied and
// are resolved without execution. READY -> FAILED covers tasks rejected
// at dispatch (resource request larger than the whole budget).
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStatePending: {TaskStateReady, TaskStateFailedByPropagation},
	TaskStateReady:   {TaskStateRunning, TaskStateSucceeded, TaskStateFailed},
	TaskStateRunning: {TaskStateSucceeded, TaskStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunStatus represents the lifecycle state of one pipeline invocation.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}
