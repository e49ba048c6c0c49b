package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/remotelab/weblab-gateway/config"
	backendRedis "github.com/remotelab/weblab-gateway/internal/backend/redis"
	deliveryHttp "github.com/remotelab/weblab-gateway/internal/delivery/http"
	"github.com/remotelab/weblab-gateway/internal/infra/redis"
	"github.com/remotelab/weblab-gateway/internal/kafka"
	"github.com/remotelab/weblab-gateway/internal/models"
	"github.com/remotelab/weblab-gateway/internal/service"
	pkgKafka "github.com/remotelab/weblab-gateway/pkg/kafka"
	pkgLog "github.com/remotelab/weblab-gateway/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	l := pkgLog.InitializeZapLogger(pkgLog.ZapConfig{
		Level:    cfg.Log.Level,
		Mode:     cfg.Log.Mode,
		Encoding: cfg.Log.Encoding,
	})

	redisCli, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		l.Fatalf(ctx, "Failed to connect to Redis: %v", err)
	}
	defer redis.Disconnect(redisCli)

	store := backendRedis.New(redisCli, backendRedis.Config{
		Prefix:            cfg.Weblab.KeyPrefix,
		TaskExpiry:        cfg.Weblab.TaskExpiry,
		ExpiredUserExpiry: cfg.Weblab.ExpiredUsersTimeout,
	}, l)

	var producer kafka.Producer = kafka.NoopProducer{}
	if cfg.Kafka.Enabled {
		syncProd, err := pkgKafka.NewProducer(pkgKafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			RetryMax:     cfg.Kafka.ProducerRetryMax,
			RequiredAcks: cfg.Kafka.ProducerRequiredAcks,
		})
		if err != nil {
			l.Fatalf(ctx, "Failed to initialize Kafka producer: %v", err)
		}
		producer = kafka.NewProducerWithClient(syncProd, l)
	}
	defer producer.Close()

	hooks := demoHooks(l)

	sessionSvc := service.NewSessionService(store, hooks, producer, cfg.Weblab, l)
	taskSvc := service.NewTaskService(store, producer, l)

	if err := registerDemoTasks(taskSvc); err != nil {
		l.Fatalf(ctx, "Failed to register tasks: %v", err)
	}
	if err := taskSvc.ResetGlobalLocks(ctx); err != nil {
		l.Fatalf(ctx, "Failed to reset global task locks: %v", err)
	}

	runnerCfg := service.RunnerConfig{
		Workers:      cfg.Weblab.TaskWorkers,
		PollInterval: time.Second,
	}
	if cfg.Weblab.AutoClean {
		runnerCfg.CleanerInterval = cfg.Weblab.CleanerInterval
	}
	runner := service.NewRunner(taskSvc, sessionSvc, runnerCfg, l)
	if err := runner.Start(ctx); err != nil {
		l.Fatalf(ctx, "Failed to start runner: %v", err)
	}

	router := deliveryHttp.NewRouter(sessionSvc, hooks, cfg, l)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Infof(ctx, "HTTP server is listening on port %d", cfg.Server.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			l.Infof(ctx, "Received signal %s, shutting down...", sig)
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Errorf(ctx, "Server error: %v", err)
	}

	if err := runner.Stop(); err != nil {
		l.Warnf(ctx, "Runner stop: %v", err)
	}

	l.Info(ctx, "Server exited")
}

// demoAccount stands in for the lab's own user database row.
type demoAccount struct {
	ID       string
	Username string
}

// demoHooks wires a minimal reference lab so the gateway runs end to
// end without lab-specific code.
func demoHooks(l pkgLog.Logger) service.Hooks {
	loadAccount := func(usernameUnique string) (any, error) {
		return demoAccount{ID: usernameUnique, Username: usernameUnique}, nil
	}
	return service.Hooks{
		UserLoader: loadAccount,
		OnStart: func(ctx context.Context, user *models.CurrentUser) (map[string]any, error) {
			account, err := user.LoadUser(loadAccount)
			if err != nil {
				return nil, err
			}
			l.Infof(ctx, "lab assigned to %v until %s", account, time.Unix(int64(user.MaxDate), 0))
			return map[string]any{"assigned_at": models.Timestamp()}, nil
		},
		OnDispose: func(ctx context.Context, user *models.ExpiredUser) error {
			l.Infof(ctx, "lab released by %s", user.Username)
			return nil
		},
		InitialURL: func(ctx context.Context, user *models.CurrentUser) string {
			return "/"
		},
	}
}

func registerDemoTasks(taskSvc service.TaskService) error {
	// program_device emulates flashing firmware to the board: one
	// instance per lab, cooperative stop between steps.
	return taskSvc.Register("program_device", func(ctx context.Context, task *service.TaskContext) (any, error) {
		var params struct {
			Steps int `json:"steps"`
		}
		if err := task.Params(&params); err != nil {
			return nil, err
		}
		if params.Steps <= 0 {
			params.Steps = 5
		}

		for step := 1; step <= params.Steps; step++ {
			if task.Stopping(ctx) {
				return map[string]any{"completed_steps": step - 1, "stopped": true}, nil
			}
			if err := task.SetData(ctx, "step", step); err != nil {
				return nil, err
			}
			time.Sleep(200 * time.Millisecond)
		}
		return map[string]any{"completed_steps": params.Steps, "stopped": false}, nil
	}, service.UniqueGlobal)
}
