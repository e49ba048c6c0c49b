package service

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/remotelab/weblab-gateway/internal/backend"
	"github.com/remotelab/weblab-gateway/internal/kafka"
	"github.com/remotelab/weblab-gateway/internal/labcontext"
	"github.com/remotelab/weblab-gateway/internal/models"
	"github.com/remotelab/weblab-gateway/pkg/logger"
)

// joinPollInterval paces TaskHandle.Join while it waits for a terminal
// state.
const joinPollInterval = 50 * time.Millisecond

// UniqueMode restricts how many instances of a task may run at once.
type UniqueMode string

const (
	UniqueNone   UniqueMode = ""
	UniqueGlobal UniqueMode = "global"
	UniqueUser   UniqueMode = "user"
)

// TaskFunc is a registered background function. It runs in a worker
// goroutine with the owning session and task ids bound to ctx.
type TaskFunc func(ctx context.Context, task *TaskContext) (any, error)

// TaskContext is handed to a running TaskFunc.
type TaskContext struct {
	TaskID    string
	SessionID string
	Name      string

	params json.RawMessage
	store  backend.Store
	data   map[string]any
}

// Params unmarshals the submitted parameters into v.
func (t *TaskContext) Params(v any) error {
	if len(t.params) == 0 {
		return nil
	}
	return json.Unmarshal(t.params, v)
}

// Stopping reports whether a cooperative stop was requested. Long tasks
// should check it between phases.
func (t *TaskContext) Stopping(ctx context.Context) bool {
	rec, err := t.store.GetTask(ctx, t.TaskID)
	if err != nil || rec == nil {
		return true
	}
	return rec.Stopping
}

// SetData persists a progress value readable through the task record
// while the task still runs.
func (t *TaskContext) SetData(ctx context.Context, key string, value any) error {
	if t.data == nil {
		t.data = map[string]any{}
	}
	t.data[key] = value
	return t.store.UpdateTaskData(ctx, t.TaskID, t.data)
}

type registeredTask struct {
	fn     TaskFunc
	unique UniqueMode
}

type TaskService interface {
	// Register binds a task name to a function. It must be called
	// before Submit; duplicate names are rejected.
	Register(name string, fn TaskFunc, unique UniqueMode) error

	// ResetGlobalLocks clears global uniqueness locks left behind by a
	// crashed process. Call once at startup.
	ResetGlobalLocks(ctx context.Context) error

	// Submit queues a task for any worker in any process. Uniqueness
	// locks are taken here, so a rejected duplicate never enqueues.
	Submit(ctx context.Context, sessionID, name string, params any) (*TaskHandle, error)

	// RunSync submits and runs the task inline, returning its final
	// record.
	RunSync(ctx context.Context, sessionID, name string, params any) (*models.TaskRecord, error)

	// RunOnce claims and executes one submitted task. It returns false
	// when another worker won the claim.
	RunOnce(ctx context.Context, taskID string) (bool, error)

	// Handle wraps an existing task id for status queries.
	Handle(taskID string) *TaskHandle

	// SessionTasks lists every task id owned by a session.
	SessionTasks(ctx context.Context, sessionID string) ([]string, error)

	// PendingTasks lists submitted-but-unclaimed task ids across all
	// sessions.
	PendingTasks(ctx context.Context) ([]string, error)

	// Stop requests a cooperative stop of a task.
	Stop(ctx context.Context, taskID string) error
}

type taskService struct {
	store    backend.Store
	producer kafka.Producer
	l        logger.Logger

	mu    sync.RWMutex
	tasks map[string]registeredTask
}

func NewTaskService(store backend.Store, producer kafka.Producer, l logger.Logger) TaskService {
	if producer == nil {
		producer = kafka.NoopProducer{}
	}
	return &taskService{
		store:    store,
		producer: producer,
		l:        l,
		tasks:    map[string]registeredTask{},
	}
}

func (s *taskService) Register(name string, fn TaskFunc, unique UniqueMode) error {
	switch unique {
	case UniqueNone, UniqueGlobal, UniqueUser:
	default:
		return ErrInvalidUniqueMode
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRegistered, name)
	}
	s.tasks[name] = registeredTask{fn: fn, unique: unique}
	return nil
}

func (s *taskService) ResetGlobalLocks(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, reg := range s.tasks {
		if reg.unique != UniqueGlobal {
			continue
		}
		if err := s.store.CleanLockGlobalUniqueTask(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *taskService) lookup(name string) (registeredTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.tasks[name]
	if !ok {
		return registeredTask{}, fmt.Errorf("%w: %s", ErrTaskNotRegistered, name)
	}
	return reg, nil
}

func (s *taskService) Submit(ctx context.Context, sessionID, name string, params any) (*TaskHandle, error) {
	reg, err := s.lookup(name)
	if err != nil {
		return nil, err
	}

	switch reg.unique {
	case UniqueGlobal:
		ok, err := s.store.LockGlobalUniqueTask(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		}
	case UniqueUser:
		ok, err := s.store.LockUserUniqueTask(ctx, name, sessionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		s.releaseLocks(ctx, name, sessionID, reg.unique)
		return nil, fmt.Errorf("marshal params for task %s: %w", name, err)
	}

	taskID, err := s.store.NewTask(ctx, sessionID, name, raw)
	if err != nil {
		s.releaseLocks(ctx, name, sessionID, reg.unique)
		return nil, err
	}

	s.l.Debugf(ctx, "task %s submitted as %s for session %s", name, taskID, sessionID)
	return s.Handle(taskID), nil
}

func (s *taskService) RunSync(ctx context.Context, sessionID, name string, params any) (*models.TaskRecord, error) {
	handle, err := s.Submit(ctx, sessionID, name, params)
	if err != nil {
		return nil, err
	}
	if _, err := s.RunOnce(ctx, handle.TaskID); err != nil {
		return nil, err
	}
	return s.store.GetTask(ctx, handle.TaskID)
}

func (s *taskService) RunOnce(ctx context.Context, taskID string) (bool, error) {
	started, err := s.store.StartTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if started == nil {
		return false, nil
	}

	reg, err := s.lookup(started.Name)
	if err != nil {
		// Claimed a task this process does not know; fail it so joiners
		// unblock instead of waiting forever.
		taskErr := &models.TaskError{
			Code:    models.TaskErrorCodeNotFound,
			Message: fmt.Sprintf("task %s not registered in this worker", started.Name),
		}
		if finishErr := s.store.FinishTask(ctx, taskID, nil, taskErr); finishErr != nil {
			return true, finishErr
		}
		return true, err
	}
	defer s.releaseLocks(ctx, started.Name, started.SessionID, reg.unique)

	taskCtx := labcontext.WithTaskID(labcontext.WithSessionID(ctx, started.SessionID), taskID)
	result, taskErr := s.execute(taskCtx, started, reg.fn)

	var raw json.RawMessage
	if taskErr == nil && result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			taskErr = &models.TaskError{
				Code:    models.TaskErrorCodeException,
				Class:   fmt.Sprintf("%T", err),
				Message: fmt.Sprintf("marshal task result: %v", err),
			}
		} else {
			raw = encoded
		}
	}

	if err := s.store.FinishTask(ctx, taskID, raw, taskErr); err != nil {
		return true, err
	}

	status := string(models.TaskDone)
	errMsg := ""
	if taskErr != nil {
		status = string(models.TaskFailed)
		errMsg = taskErr.Message
	}
	if err := s.producer.PublishTaskFinished(ctx, kafka.TaskFinishedEvent{
		TaskID:    taskID,
		SessionID: started.SessionID,
		Name:      started.Name,
		Status:    status,
		Error:     errMsg,
	}); err != nil {
		s.l.Warnf(ctx, "publish task finished: %v", err)
	}

	return true, nil
}

// execute runs the task function, converting panics and returned errors
// into a stored TaskError.
func (s *taskService) execute(ctx context.Context, started *backend.StartedTask, fn TaskFunc) (result any, taskErr *models.TaskError) {
	defer func() {
		if r := recover(); r != nil {
			s.l.Errorf(ctx, "task %s (%s) panicked: %v\n%s", started.Name, started.TaskID, r, debug.Stack())
			result = nil
			taskErr = &models.TaskError{
				Code:    models.TaskErrorCodeException,
				Class:   fmt.Sprintf("%T", r),
				Message: fmt.Sprintf("%v", r),
			}
		}
	}()

	tc := &TaskContext{
		TaskID:    started.TaskID,
		SessionID: started.SessionID,
		Name:      started.Name,
		params:    started.Params,
		store:     s.store,
	}

	res, err := fn(ctx, tc)
	if err != nil {
		s.l.Warnf(ctx, "task %s (%s) failed: %v", started.Name, started.TaskID, err)
		return nil, &models.TaskError{
			Code:    models.TaskErrorCodeException,
			Class:   fmt.Sprintf("%T", err),
			Message: err.Error(),
		}
	}
	return res, nil
}

func (s *taskService) releaseLocks(ctx context.Context, name, sessionID string, unique UniqueMode) {
	var err error
	switch unique {
	case UniqueGlobal:
		err = s.store.UnlockGlobalUniqueTask(ctx, name)
	case UniqueUser:
		err = s.store.UnlockUserUniqueTask(ctx, name, sessionID)
	default:
		return
	}
	if err != nil {
		s.l.Warnf(ctx, "release uniqueness lock for %s: %v", name, err)
	}
}

func (s *taskService) Handle(taskID string) *TaskHandle {
	return &TaskHandle{TaskID: taskID, store: s.store}
}

func (s *taskService) SessionTasks(ctx context.Context, sessionID string) ([]string, error) {
	return s.store.GetAllTasks(ctx, sessionID)
}

func (s *taskService) PendingTasks(ctx context.Context) ([]string, error) {
	return s.store.GetTasksNotStarted(ctx)
}

func (s *taskService) Stop(ctx context.Context, taskID string) error {
	return s.store.RequestStopTask(ctx, taskID)
}

// TaskHandle is a lightweight view over a stored task record.
type TaskHandle struct {
	TaskID string
	store  backend.Store
}

// Record returns the current task record, nil when it no longer exists.
func (h *TaskHandle) Record(ctx context.Context) (*models.TaskRecord, error) {
	return h.store.GetTask(ctx, h.TaskID)
}

// Status returns the derived task status; gone records count as done.
func (h *TaskHandle) Status(ctx context.Context) (models.TaskStatus, error) {
	rec, err := h.store.GetTask(ctx, h.TaskID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return models.TaskDone, nil
	}
	return rec.Status, nil
}

// Join blocks until the task reaches a terminal state. A zero timeout
// waits until ctx is done. Joining the task from inside itself
// deadlocks, so it is rejected.
func (h *TaskHandle) Join(ctx context.Context, timeout time.Duration) (*models.TaskRecord, error) {
	if labcontext.TaskID(ctx) == h.TaskID {
		return nil, ErrSelfJoin
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		rec, err := h.store.GetTask(ctx, h.TaskID)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Finished() {
			return rec, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrJoinTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(joinPollInterval):
		}
	}
}

// Stop requests a cooperative stop.
func (h *TaskHandle) Stop(ctx context.Context) error {
	return h.store.RequestStopTask(ctx, h.TaskID)
}
