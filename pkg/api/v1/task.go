package v1

import "time"

// TaskStatus is the lifecycle state of a tracked task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusAborted   TaskStatus = "aborted"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task wraps a run for HTTP observability: status, progress and the events
// accumulated so far. Progress is non-decreasing while the task is running;
// an expired deadline aborts the task with a "timed out" error.
type Task struct {
	ID       string     `json:"id"`
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`
	Events   []Event    `json:"events,omitempty"`
	Result   any        `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Created  time.Time  `json:"created_at"`
	Updated  time.Time  `json:"updated_at"`
}

// Terminal reports whether the task can no longer change status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusAborted, TaskStatusFailed:
		return true
	default:
		return false
	}
}
