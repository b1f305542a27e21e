package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"diagnostics_backend/internal/broadcast"
	"diagnostics_backend/internal/diagnosis/jobs"
	"diagnostics_backend/internal/diagnosis/orchestrator"
	diagrepo "diagnostics_backend/internal/diagnosis/repository"
	"diagnostics_backend/internal/email"
	"diagnostics_backend/internal/entitlement"
	"diagnostics_backend/internal/events"
	"diagnostics_backend/internal/matching"
	"diagnostics_backend/internal/matching/engine"
	matchrepo "diagnostics_backend/internal/matching/repository"
	"diagnostics_backend/internal/notification"
	"diagnostics_backend/internal/notification/outbox"
	"diagnostics_backend/internal/otp"
	"diagnostics_backend/internal/scheduler"
	"diagnostics_backend/internal/whatsapp"
	"diagnostics_backend/platform/ai/providers"
	"diagnostics_backend/platform/config"
	"diagnostics_backend/platform/db"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// A worker-side pass waits longer for the lock than an API request; a
// pass that still loses is retried by the queue.
const matchLockWait = 20 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting worker", "env", cfg.Env, "provider", cfg.GetAIProvider())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	redisClient, err := scheduler.NewRedisClient(cfg)
	if err != nil {
		panic("failed to initialize redis client: " + err.Error())
	}
	defer func() { _ = redisClient.Close() }()

	queue, err := scheduler.NewClient(cfg)
	if err != nil {
		panic("failed to initialize task queue: " + err.Error())
	}
	defer func() { _ = queue.Close() }()

	provider, err := providers.New(ctx, cfg)
	if err != nil {
		log.Error("failed to initialize model provider", "error", err)
		panic("failed to initialize model provider: " + err.Error())
	}

	eventBus := events.NewInMemoryBus(log)
	txm := db.NewTxManager(pool)
	broadcaster := broadcast.New(broadcast.NewRedisTransport(redisClient), cfg.GetBroadcastShards(), log)
	defer broadcaster.Close()

	sender, err := email.NewSender(cfg)
	if err != nil {
		log.Error("failed to initialize email sender", "error", err)
		panic("failed to initialize email sender: " + err.Error())
	}
	outboxRepo := outbox.New(pool)
	var sms notification.SMSSender
	if client := whatsapp.NewClient(cfg, log); client != nil {
		sms = client
	}
	notificationModule := notification.New(outboxRepo, sender, sms, log)
	notificationModule.RegisterHandlers(eventBus)

	ledger := entitlement.NewLedger(entitlement.NewRepository(pool, txm), log)
	diagnoses := diagrepo.New(pool)

	diagnoser := orchestrator.New(provider, orchestrator.Options{
		Timeout:     cfg.GetAITimeout(),
		Temperature: cfg.GetAITemperature(),
		MaxTokens:   cfg.GetAIMaxTokens(),
	}, log)
	runner := jobs.NewRunner(diagnoses, diagnoser, queue, broadcaster, eventBus, jobs.Options{
		MaxAttempts: cfg.GetJobMaxAttempts(),
		RetryDelay:  cfg.GetJobRetryDelay(),
		Lease:       cfg.GetJobLease(),
	}, log)
	sweeper := jobs.NewSweeper(diagnoses, queue, broadcaster, eventBus, cfg.GetJobMaxAttempts(), cfg.GetJobSweepInterval(), log)

	matchEngine := engine.New(engine.Deps{
		Diagnoses: diagnoses,
		Store:     matchrepo.New(pool),
		Ledger:    ledger,
		Tx:        txm,
		Locker:    engine.NewRedisLocker(redisClient, cfg.GetMatchLockTTL(), matchLockWait),
		Publisher: broadcaster,
		Bus:       eventBus,
	}, cfg.GetMatchFanout(), log)
	// Subscribes to DiagnosisCompleted and queues the matching pass.
	matching.NewModule(matchEngine, validator.New(), eventBus, queue, log)

	otpManager := otp.NewManager(otp.NewRepository(pool), txm, eventBus, cfg.GetOTPTTL(), cfg.GetOTPBcryptCost(), log)

	worker, err := scheduler.NewWorker(cfg, scheduler.Handlers{
		Diagnosis:    runner,
		Matching:     matchEngine,
		Notification: notificationModule,
	}, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	dispatcher := scheduler.NewNotificationOutboxDispatcher(queue, outboxRepo, log)
	otpCleanup := scheduler.NewOTPCleanup(otpManager, log, time.Hour, otp.RetentionWindow)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { sweeper.Run(gctx); return nil })
	g.Go(func() error { dispatcher.Run(gctx); return nil })
	g.Go(func() error { otpCleanup.Run(gctx); return nil })

	err = g.Wait()
	eventBus.Wait()
	if err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
