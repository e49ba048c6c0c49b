// Package memory is an in-process backend.Store used by tests and
// single-process deployments. A single mutex stands in for the pipeline
// atomicity of the Redis implementation.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/remotelab/weblab-gateway/internal/backend"
	"github.com/remotelab/weblab-gateway/internal/models"
	"github.com/remotelab/weblab-gateway/pkg/token"
)

const markerGrace = 300 * time.Second

type activeEntry struct {
	rec       models.SessionRecord
	data      map[string]any
	expiresAt time.Time
}

type inactiveEntry struct {
	rec       models.SessionRecord
	data      map[string]any
	disposing bool
	expiresAt time.Time
}

type taskEntry struct {
	sessionID string
	name      string
	params    json.RawMessage
	claimed   bool
	finished  bool
	result    json.RawMessage
	err       *models.TaskError
	data      map[string]any
	stopping  bool
	expiresAt time.Time
}

type Config struct {
	TaskExpiry        time.Duration
	ExpiredUserExpiry time.Duration
}

type Store struct {
	cfg Config

	mu       sync.Mutex
	active   map[string]*activeEntry
	inactive map[string]*inactiveEntry
	markers  map[string]time.Time
	tasks    map[string]*taskEntry
	locks    map[string]struct{}

	// Clock is swappable so tests can advance time.
	now func() time.Time
}

var _ backend.Store = (*Store)(nil)

func New(cfg Config) *Store {
	if cfg.TaskExpiry <= 0 {
		cfg.TaskExpiry = time.Hour
	}
	if cfg.ExpiredUserExpiry <= 0 {
		cfg.ExpiredUserExpiry = time.Hour
	}
	return &Store{
		cfg:      cfg,
		active:   map[string]*activeEntry{},
		inactive: map[string]*inactiveEntry{},
		markers:  map[string]time.Time{},
		tasks:    map[string]*taskEntry{},
		locks:    map[string]struct{}{},
		now:      time.Now,
	}
}

// SetClock replaces the time source. Test use only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// evict drops entries past their deadline. Callers hold the mutex.
func (s *Store) evict() {
	now := s.now()
	for id, e := range s.active {
		if now.After(e.expiresAt) {
			delete(s.active, id)
		}
	}
	for id, e := range s.inactive {
		if now.After(e.expiresAt) {
			delete(s.inactive, id)
		}
	}
	for id, deadline := range s.markers {
		if now.After(deadline) {
			delete(s.markers, id)
		}
	}
	for id, t := range s.tasks {
		if now.After(t.expiresAt) {
			delete(s.tasks, id)
		}
	}
}

func (s *Store) AddUser(_ context.Context, sessionID string, user *models.CurrentUser, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	s.active[sessionID] = &activeEntry{
		rec:       user.SessionRecord,
		data:      user.Data.Snapshot(),
		expiresAt: s.now().Add(expiration),
	}
	s.markers[sessionID] = s.now().Add(expiration + markerGrace)
	return nil
}

func (s *Store) GetUser(_ context.Context, sessionID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	if e, ok := s.active[sessionID]; ok {
		return models.NewCurrentUser(e.rec, copyMap(e.data)), nil
	}
	if e, ok := s.inactive[sessionID]; ok {
		return models.NewExpiredUser(e.rec, copyMap(e.data), e.disposing), nil
	}
	return models.AnonymousUser{}, nil
}

func (s *Store) UpdateData(_ context.Context, sessionID string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	if e, ok := s.active[sessionID]; ok {
		e.data = copyMap(data)
	}
	if e, ok := s.inactive[sessionID]; ok {
		e.data = copyMap(data)
	}
	return nil
}

func (s *Store) DeleteUser(_ context.Context, sessionID string, expired *models.ExpiredUser) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	if _, ok := s.active[sessionID]; !ok {
		return false, nil
	}
	delete(s.active, sessionID)
	s.inactive[sessionID] = &inactiveEntry{
		rec:       expired.SessionRecord,
		data:      copyMap(expired.Data()),
		disposing: true,
		expiresAt: s.now().Add(s.cfg.ExpiredUserExpiry),
	}
	return true, nil
}

func (s *Store) FinishedDispose(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	if e, ok := s.inactive[sessionID]; ok {
		e.disposing = false
	}
	return nil
}

func (s *Store) ForceExit(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	if e, ok := s.active[sessionID]; ok {
		e.rec.Exited = true
	}
	return nil
}

func (s *Store) FindExpiredSessions(_ context.Context, pollTimeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	now := models.Timestamp()
	var expired []string
	for id, e := range s.active {
		switch {
		case e.rec.MaxDate-now <= 0:
			expired = append(expired, id)
		case pollTimeout > 0 && now-e.rec.LastPoll >= pollTimeout.Seconds():
			expired = append(expired, id)
		case e.rec.Exited:
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (s *Store) Poll(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	if e, ok := s.active[sessionID]; ok {
		e.rec.LastPoll = models.Timestamp()
	}
	return nil
}

func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	user, err := s.GetUser(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return !user.Anonymous(), nil
}

func (s *Store) IsSessionDeleted(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	_, ok := s.markers[sessionID]
	return !ok, nil
}

func (s *Store) ReportSessionDeleted(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, sessionID)
	return nil
}

func (s *Store) NewTask(_ context.Context, sessionID, name string, params json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	var taskID string
	for {
		taskID = token.NewTaskID()
		if _, taken := s.tasks[taskID]; !taken {
			break
		}
	}
	s.tasks[taskID] = &taskEntry{
		sessionID: sessionID,
		name:      name,
		params:    params,
		data:      map[string]any{},
		expiresAt: s.now().Add(s.cfg.TaskExpiry),
	}
	return taskID, nil
}

func (s *Store) StartTask(_ context.Context, taskID string) (*backend.StartedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	t, ok := s.tasks[taskID]
	if !ok || t.claimed {
		return nil, nil
	}
	t.claimed = true
	return &backend.StartedTask{
		TaskID:    taskID,
		SessionID: t.sessionID,
		Name:      t.name,
		Params:    t.params,
	}, nil
}

func (s *Store) FinishTask(_ context.Context, taskID string, result json.RawMessage, taskErr *models.TaskError) error {
	if result != nil && taskErr != nil {
		return fmt.Errorf("finish task %s: result and error are mutually exclusive", taskID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	if t, ok := s.tasks[taskID]; ok {
		t.finished = true
		t.result = result
		t.err = taskErr
	}
	return nil
}

func (s *Store) UpdateTaskData(_ context.Context, taskID string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	if t, ok := s.tasks[taskID]; ok {
		t.data = copyMap(data)
	}
	return nil
}

func (s *Store) RequestStopTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	if t, ok := s.tasks[taskID]; ok {
		t.stopping = true
	}
	return nil
}

func (s *Store) GetTask(_ context.Context, taskID string) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return &models.TaskRecord{
		TaskID:    taskID,
		SessionID: t.sessionID,
		Name:      t.name,
		Params:    t.params,
		Status:    models.DeriveTaskStatus(t.claimed, t.finished, t.err != nil),
		Result:    t.result,
		Error:     t.err,
		Data:      copyMap(t.data),
		Stopping:  t.stopping,
	}, nil
}

func (s *Store) GetAllTasks(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	var ids []string
	for id, t := range s.tasks {
		if t.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) GetUnfinishedTasks(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	var ids []string
	for id, t := range s.tasks {
		if t.sessionID == sessionID && !t.finished {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) GetTasksNotStarted(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()

	var ids []string
	for id, t := range s.tasks {
		if !t.claimed {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) CleanSessionTasks(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tasks {
		if t.sessionID == sessionID {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *Store) LockGlobalUniqueTask(_ context.Context, name string) (bool, error) {
	return s.acquireLock("global:" + name)
}

func (s *Store) UnlockGlobalUniqueTask(_ context.Context, name string) error {
	s.releaseLock("global:" + name)
	return nil
}

func (s *Store) LockUserUniqueTask(_ context.Context, name, sessionID string) (bool, error) {
	return s.acquireLock("user:" + name + ":" + sessionID)
}

func (s *Store) UnlockUserUniqueTask(_ context.Context, name, sessionID string) error {
	s.releaseLock("user:" + name + ":" + sessionID)
	return nil
}

func (s *Store) CleanLockGlobalUniqueTask(ctx context.Context, name string) error {
	return s.UnlockGlobalUniqueTask(ctx, name)
}

func (s *Store) acquireLock(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.locks[key]; taken {
		return false, nil
	}
	s.locks[key] = struct{}{}
	return true, nil
}

func (s *Store) releaseLock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
