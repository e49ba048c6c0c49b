package redis

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotelab/weblab-gateway/internal/models"
	"github.com/remotelab/weblab-gateway/pkg/logger"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cli := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	store := New(cli, Config{
		Prefix:            "testlab",
		TaskExpiry:        time.Hour,
		ExpiredUserExpiry: time.Hour,
	}, logger.InitializeTestZapLogger())
	return store, mr
}

func newTestUser(sessionID string) *models.CurrentUser {
	now := models.Timestamp()
	return models.NewCurrentUser(models.SessionRecord{
		ID:             sessionID,
		Back:           "http://weblab.example/back",
		LastPoll:       now,
		StartDate:      now,
		MaxDate:        now + 200,
		Username:       "student1",
		UsernameUnique: "student1@labsdeusto",
		FullName:       "Student One",
		Locale:         "es",
		ExperimentName: "dummy",
		CategoryName:   "Dummy experiments",
		ExperimentID:   "dummy@Dummy experiments",
	}, map[string]any{"counter": float64(3)})
}

func TestStoreUserLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Unknown session resolves to an anonymous user.
	user, err := store.GetUser(ctx, "nope")
	require.NoError(t, err)
	assert.True(t, user.Anonymous())

	require.NoError(t, store.AddUser(ctx, "sess1", newTestUser("sess1"), time.Minute))

	user, err = store.GetUser(ctx, "sess1")
	require.NoError(t, err)
	current, ok := user.(*models.CurrentUser)
	require.True(t, ok)
	assert.Equal(t, "student1", current.Username)
	assert.Equal(t, "dummy@Dummy experiments", current.ExperimentID)
	assert.True(t, current.Active())

	val, ok := current.Data.Get("counter")
	require.True(t, ok)
	assert.Equal(t, float64(3), val)

	exists, err := store.SessionExists(ctx, "sess1")
	require.NoError(t, err)
	assert.True(t, exists)

	deleted, err := store.IsSessionDeleted(ctx, "sess1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStoreDeleteUserSingleWinner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	current := newTestUser("sess1")
	require.NoError(t, store.AddUser(ctx, "sess1", current, time.Minute))

	expired := current.ToExpiredUser()

	won, err := store.DeleteUser(ctx, "sess1", expired)
	require.NoError(t, err)
	assert.True(t, won)

	// Second caller loses the transition.
	won, err = store.DeleteUser(ctx, "sess1", expired)
	require.NoError(t, err)
	assert.False(t, won)

	user, err := store.GetUser(ctx, "sess1")
	require.NoError(t, err)
	exp, ok := user.(*models.ExpiredUser)
	require.True(t, ok)
	assert.True(t, exp.DisposingResources)
	assert.Equal(t, "student1", exp.Username)
	assert.Equal(t, float64(3), exp.Data()["counter"])

	require.NoError(t, store.FinishedDispose(ctx, "sess1"))
	user, err = store.GetUser(ctx, "sess1")
	require.NoError(t, err)
	exp, ok = user.(*models.ExpiredUser)
	require.True(t, ok)
	assert.False(t, exp.DisposingResources)

	// The marker survives until the deletion is reported.
	deleted, err := store.IsSessionDeleted(ctx, "sess1")
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, store.ReportSessionDeleted(ctx, "sess1"))
	deleted, err = store.IsSessionDeleted(ctx, "sess1")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestStoreFinishedDisposeOnMissingRecord(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.FinishedDispose(ctx, "ghost"))
	assert.False(t, mr.Exists("testlab:weblab:inactive:ghost"))
}

func TestStoreUpdateDataDoesNotResurrect(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpdateData(ctx, "ghost", map[string]any{"x": 1}))
	assert.False(t, mr.Exists("testlab:weblab:active:ghost"))
	assert.False(t, mr.Exists("testlab:weblab:inactive:ghost"))

	require.NoError(t, store.AddUser(ctx, "sess1", newTestUser("sess1"), time.Minute))
	require.NoError(t, store.UpdateData(ctx, "sess1", map[string]any{"counter": 9}))

	user, err := store.GetUser(ctx, "sess1")
	require.NoError(t, err)
	current := user.(*models.CurrentUser)
	val, _ := current.Data.Get("counter")
	assert.Equal(t, float64(9), val)
}

func TestStorePollAndForceExit(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	// Polling a vanished session must not resurrect it.
	require.NoError(t, store.Poll(ctx, "ghost"))
	assert.False(t, mr.Exists("testlab:weblab:active:ghost"))

	user := newTestUser("sess1")
	user.LastPoll = 0
	require.NoError(t, store.AddUser(ctx, "sess1", user, time.Minute))
	require.NoError(t, store.Poll(ctx, "sess1"))

	got, err := store.GetUser(ctx, "sess1")
	require.NoError(t, err)
	assert.Greater(t, got.(*models.CurrentUser).LastPoll, float64(0))

	require.NoError(t, store.ForceExit(ctx, "sess1"))
	got, err = store.GetUser(ctx, "sess1")
	require.NoError(t, err)
	assert.False(t, got.Active())
}

func TestStoreFindExpiredSessions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := models.Timestamp()

	past := newTestUser("past")
	past.MaxDate = now - 10
	require.NoError(t, store.AddUser(ctx, "past", past, time.Minute))

	stale := newTestUser("stale")
	stale.LastPoll = now - 500
	require.NoError(t, store.AddUser(ctx, "stale", stale, time.Minute))

	exited := newTestUser("exited")
	exited.Exited = true
	require.NoError(t, store.AddUser(ctx, "exited", exited, time.Minute))

	alive := newTestUser("alive")
	require.NoError(t, store.AddUser(ctx, "alive", alive, time.Minute))

	expired, err := store.FindExpiredSessions(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"past", "stale", "exited"}, expired)

	// Disabled poll timeout keeps the stale session alive.
	expired, err = store.FindExpiredSessions(ctx, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"past", "exited"}, expired)
}

func TestStoreTaskLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	params := json.RawMessage(`{"times":5}`)
	taskID, err := store.NewTask(ctx, "sess1", "program_device", params)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	rec, err := store.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.TaskSubmitted, rec.Status)
	assert.Equal(t, "program_device", rec.Name)
	assert.Equal(t, "sess1", rec.SessionID)
	assert.JSONEq(t, `{"times":5}`, string(rec.Params))
	assert.False(t, rec.Stopping)

	notStarted, err := store.GetTasksNotStarted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{taskID}, notStarted)

	started, err := store.StartTask(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, started)
	assert.Equal(t, "program_device", started.Name)
	assert.Equal(t, "sess1", started.SessionID)

	// Exactly one claimant wins.
	again, err := store.StartTask(ctx, taskID)
	require.NoError(t, err)
	assert.Nil(t, again)

	notStarted, err = store.GetTasksNotStarted(ctx)
	require.NoError(t, err)
	assert.Empty(t, notStarted)

	rec, err = store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, rec.Status)

	unfinished, err := store.GetUnfinishedTasks(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, []string{taskID}, unfinished)

	require.NoError(t, store.UpdateTaskData(ctx, taskID, map[string]any{"progress": 0.5}))
	require.NoError(t, store.RequestStopTask(ctx, taskID))

	rec, err = store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, rec.Stopping)
	assert.Equal(t, 0.5, rec.Data["progress"])

	require.NoError(t, store.FinishTask(ctx, taskID, json.RawMessage(`42`), nil))

	rec, err = store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, rec.Status)
	assert.Equal(t, "42", string(rec.Result))
	assert.Nil(t, rec.Error)

	unfinished, err = store.GetUnfinishedTasks(ctx, "sess1")
	require.NoError(t, err)
	assert.Empty(t, unfinished)
}

func TestStoreFinishTaskFailure(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	taskID, err := store.NewTask(ctx, "sess1", "boom", nil)
	require.NoError(t, err)
	_, err = store.StartTask(ctx, taskID)
	require.NoError(t, err)

	err = store.FinishTask(ctx, taskID, json.RawMessage(`1`), &models.TaskError{Code: models.TaskErrorCodeException})
	require.Error(t, err)

	taskErr := &models.TaskError{
		Code:    models.TaskErrorCodeException,
		Class:   "*labs.DeviceError",
		Message: "device not responding",
	}
	require.NoError(t, store.FinishTask(ctx, taskID, nil, taskErr))

	rec, err := store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "device not responding", rec.Error.Message)
	assert.Nil(t, rec.Result)
}

func TestStoreStartTaskOnDeletedRecord(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	taskID, err := store.NewTask(ctx, "sess1", "gone", nil)
	require.NoError(t, err)
	mr.Del("testlab:weblab:tasks:" + taskID)

	started, err := store.StartTask(ctx, taskID)
	require.NoError(t, err)
	assert.Nil(t, started)
	assert.False(t, mr.Exists("testlab:weblab:tasks:"+taskID))
}

func TestStoreCleanSessionTasks(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	id1, err := store.NewTask(ctx, "sess1", "a", nil)
	require.NoError(t, err)
	id2, err := store.NewTask(ctx, "sess1", "b", nil)
	require.NoError(t, err)
	other, err := store.NewTask(ctx, "sess2", "c", nil)
	require.NoError(t, err)

	all, err := store.GetAllTasks(ctx, "sess1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id1, id2}, all)

	require.NoError(t, store.CleanSessionTasks(ctx, "sess1"))

	all, err = store.GetAllTasks(ctx, "sess1")
	require.NoError(t, err)
	assert.Empty(t, all)

	rec, err := store.GetTask(ctx, id1)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, mr.Exists("testlab:weblab:task-ids:"+id1))

	rec, err = store.GetTask(ctx, other)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestStoreUniqueTaskLocks(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.LockGlobalUniqueTask(ctx, "calibrate")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.LockGlobalUniqueTask(ctx, "calibrate")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.UnlockGlobalUniqueTask(ctx, "calibrate"))
	ok, err = store.LockGlobalUniqueTask(ctx, "calibrate")
	require.NoError(t, err)
	assert.True(t, ok)

	// User locks are scoped per session.
	ok, err = store.LockUserUniqueTask(ctx, "measure", "sess1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.LockUserUniqueTask(ctx, "measure", "sess2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.LockUserUniqueTask(ctx, "measure", "sess1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.UnlockUserUniqueTask(ctx, "measure", "sess1"))
	ok, err = store.LockUserUniqueTask(ctx, "measure", "sess1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Startup reset clears a leftover global lock.
	require.NoError(t, store.CleanLockGlobalUniqueTask(ctx, "measure"))
}

func TestStoreMarkerOutlivesActiveRecord(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddUser(ctx, "sess1", newTestUser("sess1"), time.Minute))
	mr.FastForward(2 * time.Minute)

	user, err := store.GetUser(ctx, "sess1")
	require.NoError(t, err)
	assert.True(t, user.Anonymous())

	deleted, err := store.IsSessionDeleted(ctx, "sess1")
	require.NoError(t, err)
	assert.False(t, deleted)

	mr.FastForward(301 * time.Second)
	deleted, err = store.IsSessionDeleted(ctx, "sess1")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestStoreStartTaskConcurrentClaimers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddUser(ctx, "sess1", newTestUser("sess1"), time.Minute))
	taskID, err := store.NewTask(ctx, "sess1", "program", json.RawMessage(`{}`))
	require.NoError(t, err)

	const claimers = 16
	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started, err := store.StartTask(ctx, taskID)
			if err == nil && started != nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}
