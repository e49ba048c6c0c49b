package kafka

import "time"

// Events published by the lab gateway.

// SessionStartedEvent is emitted once a scheduler-assigned user has a
// live lab session.
type SessionStartedEvent struct {
	EventID        string    `json:"event_id"`
	SessionID      string    `json:"session_id"`
	Username       string    `json:"username"`
	UsernameUnique string    `json:"username_unique"`
	ExperimentID   string    `json:"experiment_id"`
	StartDate      float64   `json:"start_date"`
	MaxDate        float64   `json:"max_date"`
	Timestamp      time.Time `json:"timestamp"`
}

// SessionDisposedEvent is emitted after resource cleanup fully finished,
// background tasks included.
type SessionDisposedEvent struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskFinishedEvent is emitted when a background task reaches a terminal
// state. Error holds the failure message, empty on success.
type TaskFinishedEvent struct {
	EventID   string    `json:"event_id"`
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Topic names
const (
	TopicSessionStarted  = "LAB_SESSION_STARTED"
	TopicSessionDisposed = "LAB_SESSION_DISPOSED"
	TopicTaskFinished    = "LAB_TASK_FINISHED"
)
