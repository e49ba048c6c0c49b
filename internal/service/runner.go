package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/remotelab/weblab-gateway/pkg/logger"
)

// redisBackoff is how long workers pause after a backend error before
// retrying.
const redisBackoff = 5 * time.Second

type RunnerConfig struct {
	// Workers is the number of task-claiming goroutines.
	Workers int

	// PollInterval is how often idle workers look for submitted tasks.
	PollInterval time.Duration

	// CleanerInterval is how often expired sessions are swept. Zero
	// disables the cleaner.
	CleanerInterval time.Duration

	// ShutdownTimeout bounds Stop.
	ShutdownTimeout time.Duration
}

// Runner hosts the background goroutines of one gateway process: task
// workers claiming submitted tasks and the expired-session cleaner.
// Several processes can run side by side against the same backend.
type Runner struct {
	taskSvc    TaskService
	sessionSvc SessionService
	l          logger.Logger
	config     RunnerConfig

	mu        sync.RWMutex
	isRunning bool
	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type RunnerStatus struct {
	IsRunning bool      `json:"is_running"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Workers   int       `json:"workers"`
}

func NewRunner(taskSvc TaskService, sessionSvc SessionService, cfg RunnerConfig, l logger.Logger) *Runner {
	if cfg.Workers < 0 {
		cfg.Workers = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Runner{
		taskSvc:    taskSvc,
		sessionSvc: sessionSvc,
		l:          l,
		config:     cfg,
		stopCh:     make(chan struct{}),
	}
}

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return errors.New("runner is already running")
	}

	r.l.Infof(ctx, "Starting runner with %d task workers, poll interval %s, cleaner interval %s",
		r.config.Workers, r.config.PollInterval, r.config.CleanerInterval)

	r.isRunning = true
	r.startedAt = time.Now()

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, i)
	}

	if r.config.CleanerInterval > 0 {
		r.wg.Add(1)
		go r.cleanerLoop(ctx)
	}

	return nil
}

func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRunning {
		return errors.New("runner is not running")
	}

	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.l.Infof(context.Background(), "Runner stopped gracefully")
	case <-time.After(r.config.ShutdownTimeout):
		r.l.Warnf(context.Background(), "Runner shutdown timeout exceeded")
	}

	r.isRunning = false
	return nil
}

func (r *Runner) GetStatus() RunnerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RunnerStatus{
		IsRunning: r.isRunning,
		StartedAt: r.startedAt,
		Workers:   r.config.Workers,
	}
}

func (r *Runner) workerLoop(ctx context.Context, id int) {
	defer r.wg.Done()

	r.l.Debugf(ctx, "task worker %d started", id)
	for {
		claimed, err := r.runPending(ctx)
		if err != nil {
			r.l.Errorf(ctx, "task worker %d: %v", id, err)
			if !r.sleep(ctx, redisBackoff) {
				return
			}
			continue
		}
		if claimed > 0 {
			// More work may be queued; skip the idle wait.
			continue
		}
		if !r.sleep(ctx, r.config.PollInterval) {
			return
		}
	}
}

// runPending claims and executes every currently submitted task, one at
// a time, and returns how many this worker actually ran.
func (r *Runner) runPending(ctx context.Context) (int, error) {
	ids, err := r.taskSvc.PendingTasks(ctx)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return claimed, nil
		case <-r.stopCh:
			return claimed, nil
		default:
		}

		ran, err := r.taskSvc.RunOnce(ctx, id)
		if err != nil {
			r.l.Errorf(ctx, "run task %s: %v", id, err)
			continue
		}
		if ran {
			claimed++
		}
	}
	return claimed, nil
}

func (r *Runner) cleanerLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.CleanerInterval)
	defer ticker.Stop()

	r.l.Debugf(ctx, "session cleaner started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			disposed, err := r.sessionSvc.CleanExpiredUsers(ctx)
			if err != nil {
				r.l.Errorf(ctx, "clean expired sessions: %v", err)
				if !r.sleep(ctx, redisBackoff) {
					return
				}
				continue
			}
			if disposed > 0 {
				r.l.Infof(ctx, "disposed %d expired sessions", disposed)
			}
		}
	}
}

// sleep waits for d in small stop-checked slices so shutdown is never
// delayed by a full idle period.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	const slice = 50 * time.Millisecond

	remaining := d
	for remaining > 0 {
		step := slice
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-r.stopCh:
			return false
		case <-time.After(step):
		}
		remaining -= step
	}
	return true
}
