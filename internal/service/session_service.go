package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/remotelab/weblab-gateway/config"
	"github.com/remotelab/weblab-gateway/internal/backend"
	"github.com/remotelab/weblab-gateway/internal/kafka"
	"github.com/remotelab/weblab-gateway/internal/labcontext"
	"github.com/remotelab/weblab-gateway/internal/models"
	"github.com/remotelab/weblab-gateway/pkg/logger"
	"github.com/remotelab/weblab-gateway/pkg/token"
	"github.com/remotelab/weblab-gateway/pkg/util"
)

// disposePollInterval paces the waits on concurrent disposal and on
// unfinished task draining.
const disposePollInterval = 100 * time.Millisecond

// StartRequest is the scheduler's session assignment.
type StartRequest struct {
	ClientInitialData map[string]any
	ServerInitialData map[string]any
	Back              string
}

type StartResult struct {
	SessionID string
	User      *models.CurrentUser
}

type SessionService interface {
	// CreateSession stores the assigned user and runs the on-start
	// hook. On hook failure the session is disposed best effort and
	// the error is returned to the scheduler.
	CreateSession(ctx context.Context, req StartRequest) (*StartResult, error)

	GetUser(ctx context.Context, sessionID string) (models.User, error)

	// Poll refreshes the activity clock of a live session.
	Poll(ctx context.Context, sessionID string) error

	// Logout marks the session exited so the next sweep disposes it.
	Logout(ctx context.Context, sessionID string) error

	// DisposeUser drives a session to its final state. Exactly one
	// concurrent caller runs the cleanup; with waiting the rest block
	// until that cleanup finished.
	DisposeUser(ctx context.Context, sessionID string, waiting bool) error

	// StatusTime tells the scheduler when to ask again: -1 means the
	// session is finished, 2 means disposal is still running, any
	// other value is seconds until the next check.
	StatusTime(ctx context.Context, sessionID string) (float64, error)

	// CleanExpiredUsers sweeps sessions past their deadline and
	// returns how many it disposed.
	CleanExpiredUsers(ctx context.Context) (int, error)

	// StoreData persists session data if it changed since load.
	StoreData(ctx context.Context, user *models.CurrentUser) error
}

type sessionService struct {
	store    backend.Store
	hooks    Hooks
	producer kafka.Producer
	conf     config.WeblabConfig
	l        logger.Logger
}

func NewSessionService(
	store backend.Store,
	hooks Hooks,
	producer kafka.Producer,
	conf config.WeblabConfig,
	l logger.Logger,
) SessionService {
	if producer == nil {
		producer = kafka.NoopProducer{}
	}
	return &sessionService{
		store:    store,
		hooks:    hooks,
		producer: producer,
		conf:     conf,
		l:        l,
	}
}

func (s *sessionService) CreateSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	server := req.ServerInitialData

	startDate := time.Now()
	if raw := getString(server, "priority.queue.slot.start"); raw != "" {
		parsed, err := util.ParseDateTime(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid slot start %q: %w", raw, err)
		}
		startDate = parsed
	}

	slotLength, err := util.ParseSeconds(server["priority.queue.slot.length"])
	if err != nil {
		return nil, fmt.Errorf("invalid slot length: %w", err)
	}

	username := getString(server, "request.username")
	usernameUnique := getString(server, "request.username.unique")
	if usernameUnique == "" {
		usernameUnique = username
	}

	experimentName := getString(server, "request.experiment_id.experiment_name")
	categoryName := getString(server, "request.experiment_id.category_name")
	experimentID := ""
	if experimentName != "" || categoryName != "" {
		experimentID = experimentName + "@" + categoryName
	}

	locale := getString(server, "request.locale")
	if len(locale) > 2 {
		locale = locale[:2]
	}

	startTs := float64(startDate.UnixNano()) / float64(time.Second)
	sessionID := token.New()

	user := models.NewCurrentUser(models.SessionRecord{
		ID:                sessionID,
		Back:              req.Back,
		LastPoll:          models.Timestamp(),
		StartDate:         startTs,
		MaxDate:           startTs + slotLength,
		Username:          username,
		UsernameUnique:    usernameUnique,
		FullName:          getString(server, "request.full_name"),
		Locale:            locale,
		ExperimentName:    experimentName,
		CategoryName:      categoryName,
		ExperimentID:      experimentID,
		RequestClientData: req.ClientInitialData,
		RequestServerData: server,
	}, nil)

	expiration := time.Duration(slotLength)*time.Second + 30*time.Second
	if err := s.store.AddUser(ctx, sessionID, user, expiration); err != nil {
		return nil, err
	}

	if s.hooks.OnStart != nil {
		hookCtx := labcontext.WithSessionID(ctx, sessionID)
		data, err := s.hooks.OnStart(hookCtx, user)
		if err != nil {
			s.l.Errorf(ctx, "on-start hook failed for session %s: %v", sessionID, err)
			if dispErr := s.DisposeUser(ctx, sessionID, true); dispErr != nil && dispErr != ErrSessionNotFound {
				s.l.Errorf(ctx, "cleanup after failed on-start hook: %v", dispErr)
			}
			return nil, fmt.Errorf("on-start hook: %w", err)
		}
		if data != nil {
			user.Data.Replace(data)
			if err := s.store.UpdateData(ctx, sessionID, user.Data.Values()); err != nil {
				return nil, err
			}
			user.Data.MarkStored()
		}
	}

	if err := s.producer.PublishSessionStarted(ctx, kafka.SessionStartedEvent{
		SessionID:      sessionID,
		Username:       username,
		UsernameUnique: usernameUnique,
		ExperimentID:   experimentID,
		StartDate:      startTs,
		MaxDate:        startTs + slotLength,
	}); err != nil {
		s.l.Warnf(ctx, "publish session started: %v", err)
	}

	s.l.Infof(ctx, "session %s started for user %s (%s)", sessionID, username, experimentID)
	return &StartResult{SessionID: sessionID, User: user}, nil
}

func (s *sessionService) GetUser(ctx context.Context, sessionID string) (models.User, error) {
	return s.store.GetUser(ctx, sessionID)
}

func (s *sessionService) Poll(ctx context.Context, sessionID string) error {
	user, err := s.store.GetUser(ctx, sessionID)
	if err != nil {
		return err
	}
	if !user.Active() {
		return nil
	}
	return s.store.Poll(ctx, sessionID)
}

func (s *sessionService) Logout(ctx context.Context, sessionID string) error {
	user, err := s.store.GetUser(ctx, sessionID)
	if err != nil {
		return err
	}
	if user.Anonymous() {
		return ErrSessionNotFound
	}
	return s.store.ForceExit(ctx, sessionID)
}

func (s *sessionService) StatusTime(ctx context.Context, sessionID string) (float64, error) {
	user, err := s.store.GetUser(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	switch u := user.(type) {
	case *models.ExpiredUser:
		if u.DisposingResources {
			// Cleanup still running somewhere; tell the scheduler to
			// ask again shortly.
			return 2, nil
		}
		return -1, nil
	case *models.CurrentUser:
		if u.Exited {
			return -1, nil
		}
		if s.conf.Timeout > 0 && u.TimeWithoutPolling() >= s.conf.Timeout.Seconds() {
			return -1, nil
		}
		timeLeft := u.TimeLeft()
		if timeLeft <= 0 {
			return -1, nil
		}
		return math.Min(s.conf.PollInterval.Seconds(), timeLeft), nil
	default:
		return -1, nil
	}
}

func (s *sessionService) DisposeUser(ctx context.Context, sessionID string, waiting bool) error {
	user, err := s.store.GetUser(ctx, sessionID)
	if err != nil {
		return err
	}

	switch u := user.(type) {
	case models.AnonymousUser:
		return ErrSessionNotFound
	case *models.CurrentUser:
		expired := u.ToExpiredUser()
		won, err := s.store.DeleteUser(ctx, sessionID, expired)
		if err != nil {
			return err
		}
		if won {
			s.disposeResources(ctx, sessionID, expired)
			return nil
		}
		// Lost the race; fall through to optionally wait for the
		// winner.
	case *models.ExpiredUser:
		// Even with the dispose hook finished, task draining may still
		// be running in another process. The existence marker is the
		// only signal that the whole teardown completed, so fall
		// through to the wait below.
	}

	if !waiting {
		return nil
	}

	for {
		deleted, err := s.store.IsSessionDeleted(ctx, sessionID)
		if err != nil {
			return err
		}
		if deleted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(disposePollInterval):
		}
	}
}

// disposeResources runs the winner-only cleanup: dispose hook, task
// stop and drain, task record removal, then the deletion report other
// processes wait on.
func (s *sessionService) disposeResources(ctx context.Context, sessionID string, expired *models.ExpiredUser) {
	if s.hooks.OnDispose != nil {
		hookCtx := labcontext.WithSessionID(ctx, sessionID)
		if err := s.hooks.OnDispose(hookCtx, expired); err != nil {
			s.l.Errorf(ctx, "on-dispose hook failed for session %s: %v", sessionID, err)
		}
	}

	if err := s.store.FinishedDispose(ctx, sessionID); err != nil {
		s.l.Errorf(ctx, "finished dispose for session %s: %v", sessionID, err)
	}

	if ids, err := s.store.GetUnfinishedTasks(ctx, sessionID); err == nil {
		for _, id := range ids {
			if err := s.store.RequestStopTask(ctx, id); err != nil {
				s.l.Warnf(ctx, "request stop for task %s: %v", id, err)
			}
		}
	}

	for {
		ids, err := s.store.GetUnfinishedTasks(ctx, sessionID)
		if err != nil || len(ids) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(disposePollInterval):
		}
	}

	if err := s.store.CleanSessionTasks(ctx, sessionID); err != nil {
		s.l.Errorf(ctx, "clean tasks for session %s: %v", sessionID, err)
	}
	if err := s.store.ReportSessionDeleted(ctx, sessionID); err != nil {
		s.l.Errorf(ctx, "report deletion of session %s: %v", sessionID, err)
	}

	if err := s.producer.PublishSessionDisposed(ctx, kafka.SessionDisposedEvent{
		SessionID: sessionID,
		Username:  expired.Username,
	}); err != nil {
		s.l.Warnf(ctx, "publish session disposed: %v", err)
	}

	s.l.Infof(ctx, "session %s disposed", sessionID)
}

func (s *sessionService) CleanExpiredUsers(ctx context.Context) (int, error) {
	ids, err := s.store.FindExpiredSessions(ctx, s.conf.Timeout)
	if err != nil {
		return 0, err
	}

	disposed := 0
	for _, id := range ids {
		if err := s.DisposeUser(ctx, id, false); err != nil {
			if err == ErrSessionNotFound {
				continue
			}
			s.l.Errorf(ctx, "dispose expired session %s: %v", id, err)
			continue
		}
		disposed++
	}
	return disposed, nil
}

func (s *sessionService) StoreData(ctx context.Context, user *models.CurrentUser) error {
	if !user.Data.Modified() {
		return nil
	}
	if err := s.store.UpdateData(ctx, user.SessionID(), user.Data.Values()); err != nil {
		return err
	}
	user.Data.MarkStored()
	return nil
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
