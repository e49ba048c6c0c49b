package models

import "encoding/json"

// TaskStatus is derived from the stored claim/finished/error fields, it is
// never stored itself.
type TaskStatus string

const (
	TaskSubmitted TaskStatus = "submitted"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
)

// Error codes stored with failed tasks.
const (
	TaskErrorCodeException = "exception"
	TaskErrorCodeNotFound  = "not-found"
)

// TaskError describes why a task failed.
type TaskError struct {
	Code    string `json:"code"`
	Class   string `json:"class,omitempty"`
	Message string `json:"message"`
}

// TaskRecord is the persisted view of one asynchronous unit of work owned
// by a session. Result and Error are mutually exclusive.
type TaskRecord struct {
	TaskID    string
	SessionID string
	Name      string
	Params    json.RawMessage
	Status    TaskStatus
	Result    json.RawMessage
	Error     *TaskError
	Data      map[string]any
	Stopping  bool
}

// Finished reports whether the task reached a terminal status.
func (r *TaskRecord) Finished() bool {
	return r.Status == TaskDone || r.Status == TaskFailed
}

// DeriveTaskStatus computes the task status from the raw stored fields:
// the claim marker's existence, the finished flag and the error payload.
func DeriveTaskStatus(claimed, finished bool, hasError bool) TaskStatus {
	switch {
	case !claimed:
		return TaskSubmitted
	case !finished:
		return TaskRunning
	case hasError:
		return TaskFailed
	default:
		return TaskDone
	}
}
