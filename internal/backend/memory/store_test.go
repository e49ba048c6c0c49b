package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotelab/weblab-gateway/internal/models"
)

func TestMemoryStoreClaimAndLocks(t *testing.T) {
	store := New(Config{})
	ctx := context.Background()

	taskID, err := store.NewTask(ctx, "sess1", "blink", nil)
	require.NoError(t, err)

	started, err := store.StartTask(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, started)
	assert.Equal(t, "blink", started.Name)

	again, err := store.StartTask(ctx, taskID)
	require.NoError(t, err)
	assert.Nil(t, again)

	ok, err := store.LockUserUniqueTask(ctx, "blink", "sess1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.LockUserUniqueTask(ctx, "blink", "sess1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := New(Config{TaskExpiry: time.Minute, ExpiredUserExpiry: time.Minute})
	ctx := context.Background()

	base := time.Now()
	now := base
	store.SetClock(func() time.Time { return now })

	rec := models.SessionRecord{ID: "sess1", MaxDate: models.Timestamp() + 100}
	require.NoError(t, store.AddUser(ctx, "sess1", models.NewCurrentUser(rec, nil), time.Minute))

	user, err := store.GetUser(ctx, "sess1")
	require.NoError(t, err)
	assert.False(t, user.Anonymous())

	now = base.Add(2 * time.Minute)
	user, err = store.GetUser(ctx, "sess1")
	require.NoError(t, err)
	assert.True(t, user.Anonymous())

	// The marker lives through the grace window past the record.
	deleted, err := store.IsSessionDeleted(ctx, "sess1")
	require.NoError(t, err)
	assert.False(t, deleted)

	now = base.Add(2*time.Minute + 301*time.Second)
	deleted, err = store.IsSessionDeleted(ctx, "sess1")
	require.NoError(t, err)
	assert.True(t, deleted)
}
