package service

import (
	"context"

	"github.com/remotelab/weblab-gateway/internal/models"
)

// Hooks are the lab-specific extension points. All of them are optional.
type Hooks struct {
	// OnStart runs when the scheduler assigns a user, before the
	// session is acknowledged. Returned data is stored as the initial
	// session data. An error aborts the session.
	OnStart func(ctx context.Context, user *models.CurrentUser) (map[string]any, error)

	// OnDispose runs exactly once per session, in whichever process
	// wins the expiration race. Errors are logged, never retried.
	OnDispose func(ctx context.Context, user *models.ExpiredUser) error

	// InitialURL points the browser at the lab UI after the session
	// cookie is set. Defaults to "/" when nil.
	InitialURL func(ctx context.Context, user *models.CurrentUser) string

	// UserLoader resolves the lab's own account object from the
	// scheduler-wide unique username.
	UserLoader models.UserLoader
}
