package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotelab/weblab-gateway/internal/backend/memory"
	"github.com/remotelab/weblab-gateway/internal/labcontext"
	"github.com/remotelab/weblab-gateway/internal/models"
	"github.com/remotelab/weblab-gateway/pkg/logger"
)

type deviceError struct{ msg string }

func (e *deviceError) Error() string { return e.msg }

func newTaskService(t *testing.T) (TaskService, *memory.Store) {
	t.Helper()
	store := memory.New(memory.Config{})
	svc := NewTaskService(store, nil, logger.InitializeTestZapLogger())
	return svc, store
}

func TestRegisterRejectsDuplicatesAndBadModes(t *testing.T) {
	svc, _ := newTaskService(t)

	noop := func(context.Context, *TaskContext) (any, error) { return nil, nil }

	require.NoError(t, svc.Register("blink", noop, UniqueNone))
	err := svc.Register("blink", noop, UniqueNone)
	assert.ErrorIs(t, err, ErrTaskAlreadyRegistered)

	err = svc.Register("other", noop, UniqueMode("weird"))
	assert.ErrorIs(t, err, ErrInvalidUniqueMode)
}

func TestSubmitUnregisteredTask(t *testing.T) {
	svc, _ := newTaskService(t)
	_, err := svc.Submit(context.Background(), "sess1", "missing", nil)
	assert.ErrorIs(t, err, ErrTaskNotRegistered)
}

func TestRunSyncReturnsResult(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register("add", func(_ context.Context, task *TaskContext) (any, error) {
		var params struct {
			A int `json:"a"`
			B int `json:"b"`
		}
		if err := task.Params(&params); err != nil {
			return nil, err
		}
		return params.A + params.B, nil
	}, UniqueNone))

	rec, err := svc.RunSync(ctx, "sess1", "add", map[string]int{"a": 2, "b": 3})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.TaskDone, rec.Status)
	assert.Equal(t, "5", string(rec.Result))
	assert.Nil(t, rec.Error)
}

func TestRunOnceStoresErrorClass(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register("measure", func(context.Context, *TaskContext) (any, error) {
		return nil, &deviceError{msg: "sensor offline"}
	}, UniqueNone))

	rec, err := svc.RunSync(ctx, "sess1", "measure", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.TaskFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, models.TaskErrorCodeException, rec.Error.Code)
	assert.Equal(t, "*service.deviceError", rec.Error.Class)
	assert.Equal(t, "sensor offline", rec.Error.Message)
	assert.Nil(t, rec.Result)
}

func TestRunOnceRecoversPanic(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register("explode", func(context.Context, *TaskContext) (any, error) {
		panic("wires crossed")
	}, UniqueNone))

	rec, err := svc.RunSync(ctx, "sess1", "explode", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.TaskFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "wires crossed", rec.Error.Message)
}

func TestRunOnceSingleClaimWinner(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	calls := 0
	require.NoError(t, svc.Register("once", func(context.Context, *TaskContext) (any, error) {
		calls++
		return "done", nil
	}, UniqueNone))

	handle, err := svc.Submit(ctx, "sess1", "once", nil)
	require.NoError(t, err)

	ran, err := svc.RunOnce(ctx, handle.TaskID)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = svc.RunOnce(ctx, handle.TaskID)
	require.NoError(t, err)
	assert.False(t, ran)

	assert.Equal(t, 1, calls)
}

func TestGlobalUniqueTask(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	done := make(chan struct{})
	require.NoError(t, svc.Register("calibrate", func(context.Context, *TaskContext) (any, error) {
		<-done
		return nil, nil
	}, UniqueGlobal))

	first, err := svc.Submit(ctx, "sess1", "calibrate", nil)
	require.NoError(t, err)

	// A second submission from any session is rejected while the lock
	// is held.
	_, err = svc.Submit(ctx, "sess2", "calibrate", nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	go func() {
		close(done)
	}()
	ran, err := svc.RunOnce(ctx, first.TaskID)
	require.NoError(t, err)
	require.True(t, ran)

	// The lock is released once the task finished.
	_, err = svc.Submit(ctx, "sess2", "calibrate", nil)
	require.NoError(t, err)
}

func TestUserUniqueTaskScopedPerSession(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register("stream", func(context.Context, *TaskContext) (any, error) {
		return nil, nil
	}, UniqueUser))

	_, err := svc.Submit(ctx, "sess1", "stream", nil)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, "sess1", "stream", nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// A different session may run the same task concurrently.
	_, err = svc.Submit(ctx, "sess2", "stream", nil)
	require.NoError(t, err)
}

func TestResetGlobalLocks(t *testing.T) {
	svc, store := newTaskService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register("calibrate", func(context.Context, *TaskContext) (any, error) {
		return nil, nil
	}, UniqueGlobal))

	// Simulate a crashed process that never released its lock.
	ok, err := store.LockGlobalUniqueTask(ctx, "calibrate")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.ResetGlobalLocks(ctx))

	_, err = svc.Submit(ctx, "sess1", "calibrate", nil)
	require.NoError(t, err)
}

func TestJoinWaitsForCompletion(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register("slow", func(context.Context, *TaskContext) (any, error) {
		time.Sleep(150 * time.Millisecond)
		return "ok", nil
	}, UniqueNone))

	handle, err := svc.Submit(ctx, "sess1", "slow", nil)
	require.NoError(t, err)

	go func() {
		_, _ = svc.RunOnce(ctx, handle.TaskID)
	}()

	rec, err := handle.Join(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.TaskDone, rec.Status)
	assert.Equal(t, `"ok"`, string(rec.Result))
}

func TestJoinTimesOut(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register("never", func(context.Context, *TaskContext) (any, error) {
		return nil, nil
	}, UniqueNone))

	// Submitted but never run.
	handle, err := svc.Submit(ctx, "sess1", "never", nil)
	require.NoError(t, err)

	_, err = handle.Join(ctx, 120*time.Millisecond)
	assert.ErrorIs(t, err, ErrJoinTimeout)
}

func TestJoinFromInsideSameTask(t *testing.T) {
	svc, _ := newTaskService(t)

	handle := svc.Handle("task123")
	ctx := labcontext.WithTaskID(context.Background(), "task123")

	_, err := handle.Join(ctx, time.Second)
	assert.ErrorIs(t, err, ErrSelfJoin)
}

func TestStoppingFlagVisibleToTask(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	var sawStop bool
	require.NoError(t, svc.Register("loop", func(taskCtx context.Context, task *TaskContext) (any, error) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if task.Stopping(taskCtx) {
				sawStop = true
				return "stopped", nil
			}
			time.Sleep(10 * time.Millisecond)
		}
		return "ran out", nil
	}, UniqueNone))

	handle, err := svc.Submit(ctx, "sess1", "loop", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = svc.Stop(ctx, handle.TaskID)
	}()

	ran, err := svc.RunOnce(ctx, handle.TaskID)
	require.NoError(t, err)
	require.True(t, ran)

	rec, err := handle.Record(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.TaskDone, rec.Status)
	assert.Equal(t, `"stopped"`, string(rec.Result))
	assert.True(t, sawStop)
}

func TestTaskDataAndListing(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register("progress", func(taskCtx context.Context, task *TaskContext) (any, error) {
		if err := task.SetData(taskCtx, "step", "flashing"); err != nil {
			return nil, err
		}
		return nil, nil
	}, UniqueNone))

	pending, err := svc.PendingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	handle, err := svc.Submit(ctx, "sess1", "progress", json.RawMessage(`{}`))
	require.NoError(t, err)

	pending, err = svc.PendingTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{handle.TaskID}, pending)

	all, err := svc.SessionTasks(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, []string{handle.TaskID}, all)

	ran, err := svc.RunOnce(ctx, handle.TaskID)
	require.NoError(t, err)
	require.True(t, ran)

	rec, err := handle.Record(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "flashing", rec.Data["step"])
}
