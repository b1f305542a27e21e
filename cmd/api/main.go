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

	"diagnostics_backend/internal/broadcast"
	"diagnostics_backend/internal/diagnosis"
	diagrepo "diagnostics_backend/internal/diagnosis/repository"
	diagservice "diagnostics_backend/internal/diagnosis/service"
	"diagnostics_backend/internal/email"
	"diagnostics_backend/internal/entitlement"
	"diagnostics_backend/internal/events"
	apphttp "diagnostics_backend/internal/http"
	"diagnostics_backend/internal/http/router"
	"diagnostics_backend/internal/matching"
	"diagnostics_backend/internal/matching/engine"
	matchrepo "diagnostics_backend/internal/matching/repository"
	"diagnostics_backend/internal/notification"
	"diagnostics_backend/internal/notification/outbox"
	"diagnostics_backend/internal/otp"
	"diagnostics_backend/internal/scheduler"
	"diagnostics_backend/internal/whatsapp"
	"diagnostics_backend/platform/config"
	"diagnostics_backend/platform/db"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/validator"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// matchLockWait bounds how long a manual match request waits for a
// concurrent pass on the same diagnosis.
const matchLockWait = 5 * time.Second

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

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

	applied, err := db.RunMigrations(ctx, pool)
	if err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete", "applied", len(applied))

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

	eventBus := events.NewInMemoryBus(log)
	txm := db.NewTxManager(pool)
	val := validator.New()

	// Every API instance publishes through Redis and relays Redis into its
	// own hub, so a subscriber sees events no matter which instance emitted.
	hub := broadcast.NewHub(log)
	defer hub.Close()
	broadcaster := broadcast.New(broadcast.NewRedisTransport(redisClient), cfg.GetBroadcastShards(), log)
	defer broadcaster.Close()
	relay := broadcast.NewRedisRelay(redisClient, hub, log)

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	sender, err := email.NewSender(cfg)
	if err != nil {
		log.Error("failed to initialize email sender", "error", err)
		panic("failed to initialize email sender: " + err.Error())
	}
	notificationModule := notification.New(outbox.New(pool), sender, smsSender(cfg, log), log)
	notificationModule.RegisterHandlers(eventBus)

	entitlementModule := entitlement.NewModule(entitlement.NewRepository(pool, txm), val, log)
	ledger := entitlementModule.Ledger()

	diagnoses := diagrepo.New(pool)
	diagnosisService := diagservice.New(diagnoses, ledger, txm, queue, broadcaster, eventBus, log)
	diagnosisModule := diagnosis.NewModule(diagnosisService, val)

	matchEngine := engine.New(engine.Deps{
		Diagnoses: diagnoses,
		Store:     matchrepo.New(pool),
		Ledger:    ledger,
		Tx:        txm,
		Locker:    engine.NewRedisLocker(redisClient, cfg.GetMatchLockTTL(), matchLockWait),
		Publisher: broadcaster,
		Bus:       eventBus,
	}, cfg.GetMatchFanout(), log)
	matchingModule := matching.NewModule(matchEngine, val, eventBus, queue, log)

	otpManager := otp.NewManager(otp.NewRepository(pool), txm, eventBus, cfg.GetOTPTTL(), cfg.GetOTPBcryptCost(), log)
	otpModule := otp.NewModule(otpManager, val, log)

	realtimeModule := broadcast.NewModule(broadcast.NewHandler(hub, ownership{
		diagnoses: diagnosisService,
		experts:   matchEngine,
	}, broadcaster, val, log))

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config: cfg,
		Logger: log,
		Health: []apphttp.HealthChecker{
			pool,
			pingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
		},
		EventBus: eventBus,
		Modules: []apphttp.Module{
			entitlementModule,
			diagnosisModule,
			matchingModule,
			otpModule,
			realtimeModule,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		eventBus.Wait()
		os.Exit(1)
	}
	eventBus.Wait()
}

// ownership joins the diagnosis and matching modules for the SSE handler.
type ownership struct {
	diagnoses *diagservice.Service
	experts   *engine.Engine
}

func (o ownership) OwnsDiagnosis(ctx context.Context, userID, diagnosisID uuid.UUID) (bool, error) {
	return o.diagnoses.OwnsDiagnosis(ctx, userID, diagnosisID)
}

func (o ownership) OwnsExpert(ctx context.Context, userID, expertID uuid.UUID) (bool, error) {
	return o.experts.OwnsExpert(ctx, userID, expertID)
}

// IsParticipant treats a conversation id as the lead it is attached to.
func (o ownership) IsParticipant(ctx context.Context, userID, conversationID uuid.UUID) (bool, error) {
	return o.experts.IsLeadParticipant(ctx, userID, conversationID)
}

func smsSender(cfg config.WhatsAppConfig, log *logger.Logger) notification.SMSSender {
	client := whatsapp.NewClient(cfg, log)
	if client == nil {
		log.Warn("WHATSAPP_URL not configured; sms notifications disabled")
		return nil
	}
	return client
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
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
