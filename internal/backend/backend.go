// Package backend defines the persistence contract for session and task
// records. The store is the single source of truth shared by every server
// process and worker; each operation that mutates state checks existence
// in the same round trip, which is what replaces in-process locking.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/remotelab/weblab-gateway/internal/models"
)

// StartedTask is what an atomic claim returns to its single winner.
type StartedTask struct {
	TaskID    string
	SessionID string
	Name      string
	Params    json.RawMessage
}

// Store is the key-value persistence contract. One reference
// implementation lives in backend/redis; backend/memory is the test
// substitute.
type Store interface {
	// AddUser writes the full session record and the existence marker.
	// The marker outlives the active record so disposal completion can
	// be observed after the record itself expired.
	AddUser(ctx context.Context, sessionID string, user *models.CurrentUser, expiration time.Duration) error

	// GetUser reads the active record, falling back to the inactive
	// one, falling back to AnonymousUser. Never returns nil.
	GetUser(ctx context.Context, sessionID string) (models.User, error)

	// UpdateData writes session data to whichever of active/inactive
	// exists; if a record vanished mid-write the partial write is
	// deleted rather than left as a resurrected record.
	UpdateData(ctx context.Context, sessionID string, data map[string]any) error

	// DeleteUser atomically moves active to inactive. It returns false
	// when the active record was already gone: somebody else owns the
	// transition.
	DeleteUser(ctx context.Context, sessionID string, expired *models.ExpiredUser) (bool, error)

	// FinishedDispose clears the disposing flag on the inactive record.
	FinishedDispose(ctx context.Context, sessionID string) error

	// ForceExit flags an active record as exited; no-op if it is gone.
	ForceExit(ctx context.Context, sessionID string) error

	// FindExpiredSessions scans active records and returns the ids past
	// their max date, stale beyond pollTimeout, or exited. A
	// non-positive pollTimeout disables the staleness check.
	FindExpiredSessions(ctx context.Context, pollTimeout time.Duration) ([]string, error)

	// Poll refreshes last_poll, undoing itself if the record vanished.
	Poll(ctx context.Context, sessionID string) error

	SessionExists(ctx context.Context, sessionID string) (bool, error)

	// IsSessionDeleted reads the existence marker: true means disposal
	// has fully finished (or the session never existed).
	IsSessionDeleted(ctx context.Context, sessionID string) (bool, error)
	ReportSessionDeleted(ctx context.Context, sessionID string) error

	// NewTask persists a submitted task record and returns its id.
	NewTask(ctx context.Context, sessionID, name string, params json.RawMessage) (string, error)

	// StartTask atomically claims a task. Exactly one concurrent caller
	// gets the task parameters; the rest get nil.
	StartTask(ctx context.Context, taskID string) (*StartedTask, error)

	// FinishTask records the result or the error, never both.
	FinishTask(ctx context.Context, taskID string, result json.RawMessage, taskErr *models.TaskError) error

	UpdateTaskData(ctx context.Context, taskID string, data map[string]any) error
	RequestStopTask(ctx context.Context, taskID string) error

	// GetTask returns nil (no error) when the record no longer exists.
	GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error)

	GetAllTasks(ctx context.Context, sessionID string) ([]string, error)
	GetUnfinishedTasks(ctx context.Context, sessionID string) ([]string, error)
	GetTasksNotStarted(ctx context.Context) ([]string, error)
	CleanSessionTasks(ctx context.Context, sessionID string) error

	// Uniqueness locks: set-if-absent claims that reject a second
	// concurrent invocation of the same task function.
	LockGlobalUniqueTask(ctx context.Context, name string) (bool, error)
	UnlockGlobalUniqueTask(ctx context.Context, name string) error
	LockUserUniqueTask(ctx context.Context, name, sessionID string) (bool, error)
	UnlockUserUniqueTask(ctx context.Context, name, sessionID string) error

	// CleanLockGlobalUniqueTask resets a global lock at startup, in
	// case the previous process crashed mid-task.
	CleanLockGlobalUniqueTask(ctx context.Context, name string) error
}
