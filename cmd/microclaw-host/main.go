package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"microclaw/host/internal/bus"
	configpkg "microclaw/host/internal/config"
	"microclaw/host/internal/gateway"
	httpapi "microclaw/host/internal/http"
	"microclaw/host/internal/logging"
	"microclaw/host/internal/queue"
	"microclaw/host/internal/scheduler"
)

func main() {
	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	messageBus, err := openBus(cfg.BusDir)
	if err != nil {
		logger.Fatal("failed to open message bus", logging.Error(err))
	}
	logger.Info("message bus opened", logging.String("dir", cfg.BusDir), logging.Int("rows", messageBus.RowCount()))

	execQueue := queue.New(cfg.QueueInflightLimit, queue.RetryPolicy{
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffMs:   cfg.QueueBackoffMs,
	})

	taskStore, err := scheduler.NewStore(cfg.SchedulerStorePath, logger.With(logging.String("component", "scheduler")))
	if err != nil {
		logger.Fatal("failed to open scheduler store", logging.Error(err))
	}

	secrets := secretsFromEnvironment(cfg.SandboxSecretAllowlist)
	runner := newTaskRunner(cfg, secrets, logger.With(logging.String("component", "sandbox")))

	authenticator, err := buildDeviceAuthenticator(cfg, logger)
	if err != nil {
		logger.Fatal("failed to configure device authenticator", logging.Error(err))
	}

	gwServer := gateway.New(gateway.Options{
		Logger:          logger.With(logging.String("component", "gateway")),
		Bus:             messageBus,
		Dispatcher:      gateway.QueueDispatcher{Queue: execQueue},
		Authenticator:   authenticator,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		MaxClients:      cfg.MaxClients,
		PingInterval:    cfg.PingInterval,
		SafetyFailLimit: cfg.SafetyFailLimit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runQueueWorkers(ctx, execQueue, runner, taskStore, logger.With(logging.String("component", "queue")))
	go runSchedulerPoll(ctx, taskStore, execQueue, cfg.SchedulerPollInterval, logger.With(logging.String("component", "scheduler")))

	handler := buildHandler(gwServer, execQueue, messageBus, cfg, logger)
	server := &http.Server{Addr: cfg.Address, Handler: handler}

	certProvided := cfg.TLSCertPath != ""
	logger.Info("host listening", logging.String("address", listenerURL(cfg.Address, certProvided)))

	if certProvided {
		if err := server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath); err != nil {
			logger.Fatal("host server terminated", logging.Error(err))
		}
		return
	}

	if err := server.ListenAndServe(); err != nil {
		logger.Fatal("host server terminated", logging.Error(err))
	}
}

func openBus(dir string) (*bus.Bus, error) {
	store, err := bus.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	return bus.Open(store)
}

func buildDeviceAuthenticator(cfg *configpkg.Config, logger *logging.Logger) (gateway.DeviceAuthenticator, error) {
	switch cfg.DeviceAuthMode {
	case configpkg.DeviceAuthModeHMAC:
		logger.Info("device HMAC authentication enabled")
		return gateway.NewHMACDeviceAuthenticator(cfg.DeviceAuthSecret)
	default:
		logger.Info("device authentication disabled")
		return gateway.AllowAllAuthenticator{}, nil
	}
}

func secretsFromEnvironment(allowlist []string) map[string]string {
	secrets := make(map[string]string, len(allowlist))
	for _, key := range allowlist {
		if value, ok := os.LookupEnv(key); ok {
			secrets[key] = value
		}
	}
	return secrets
}

// runQueueWorkers drains ready queue items. protocol.TransportMessage
// payloads (outbound device commands) are treated as already delivered by
// the gateway and simply acknowledged; *scheduler.Task payloads are executed
// inside a sandboxed container via runner, and their real outcome is
// recorded back onto the task store so last_result reflects what actually
// happened rather than the "enqueued" stamp runSchedulerPoll leaves behind.
func runQueueWorkers(ctx context.Context, q *queue.Queue, runner *taskRunner, store *scheduler.Store, logger *logging.Logger) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				item, ready := q.NextReady(queue.Now())
				if !ready {
					break
				}
				success := true
				if task, isTask := item.Payload.(*scheduler.Task); isTask {
					output, err := runner.Run(ctx, task)
					lastResult := output
					if err != nil {
						success = false
						lastResult = err.Error()
					}
					if updateErr := store.RecordRunResult(task.ID, lastResult, time.Now().UTC()); updateErr != nil {
						logger.Error("failed to record task run result", logging.Error(updateErr), logging.String("id", task.ID))
					}
				}
				logger.Debug("queue item processed", logging.String("group", item.Group), logging.String("id", item.ID), logging.Bool("ok", success))
				q.Complete(item, success, queue.Now())
			}
		}
	}
}

func runSchedulerPoll(ctx context.Context, store *scheduler.Store, q *queue.Queue, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = configpkg.DefaultSchedulerPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			for _, task := range store.DueTasks(now) {
				logger.Info("task due", logging.String("id", task.ID), logging.String("group_folder", task.GroupFolder))
				q.Enqueue(task.GroupFolder, task.ID, task)

				var next *time.Time
				if nextRun, err := scheduler.ComputeNextRun(task.ScheduleType, task.ScheduleValue, now); err == nil {
					next = &nextRun
				}
				// Advances next_run/status only; the real outcome is recorded by
				// runQueueWorkers once the sandboxed run actually completes.
				if err := store.UpdateTaskAfterRun(task.ID, next, "enqueued", now); err != nil {
					logger.Error("failed to update task after run", logging.Error(err), logging.String("id", task.ID))
				}
			}
		}
	}
}

func buildHandler(gw *gateway.Server, q *queue.Queue, b *bus.Bus, cfg *configpkg.Config, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)

	var limiter httpapi.RateLimiter
	if cfg.AdminToken != "" {
		limiter = httpapi.NewSlidingWindowLimiter(time.Minute, 10, nil)
	}

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Readiness: gw,
		Stats:     gw.Stats,
		Queue: func() (int, int) {
			return q.InflightCount(), q.GroupCount()
		},
		Bus: func() (uint64, int) {
			return b.LastSeq(), b.RowCount()
		},
		AdminToken:  cfg.AdminToken,
		RateLimiter: limiter,
	})
	opsHandlers.Register(mux)

	return mux
}
