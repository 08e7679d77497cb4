package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/campusdesk/campusdesk/internal/app"
	"github.com/campusdesk/campusdesk/internal/auth"
	"github.com/campusdesk/campusdesk/internal/bootstrap"
	"github.com/campusdesk/campusdesk/internal/console"
	"github.com/campusdesk/campusdesk/internal/identity"
	"github.com/campusdesk/campusdesk/internal/observability"
	"github.com/campusdesk/campusdesk/internal/platform/cache"
	"github.com/campusdesk/campusdesk/internal/platform/db"
	"github.com/campusdesk/campusdesk/internal/provisioning"
	"github.com/campusdesk/campusdesk/internal/records"
	"github.com/campusdesk/campusdesk/internal/roles"
	"github.com/campusdesk/campusdesk/internal/session"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/students"
	"github.com/campusdesk/campusdesk/internal/view"
	"github.com/campusdesk/campusdesk/jobs"
	"github.com/campusdesk/campusdesk/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("campusdesk stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool, migrations.Files, logger)
	if err != nil {
		return err
	}
	logger.Info("schema ready", slog.Int("applied", applied))

	redisOpts := cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	group, ctx := errgroup.WithContext(ctx)

	var store identity.Store
	switch cfg.IdentityBackend {
	case app.IdentityBackendKratos:
		store = identity.NewKratosStore(cfg.KratosPublicURL, cfg.KratosAdminURL, cfg.KratosTimeout, logger)
	default:
		pgStore := identity.NewPGStore(pool, redisClient, cfg.IdentitySessionTTL, logger)
		group.Go(func() error { return pgStore.Run(ctx) })
		store = pgStore
	}

	ledger := roles.NewLedger(pool)
	studentRepo := students.NewRepository(pool)
	recordRepo := records.NewRepository(pool)

	registry := session.NewRegistry(store, ledger, cfg.MachineIdleTTL, logger,
		session.WithObserver(metrics),
		session.WithLookupTimeout(cfg.RoleLookupTimeout),
	)
	group.Go(func() error { return registry.Run(ctx) })

	templates, err := view.NewEngine()
	if err != nil {
		return err
	}
	sessionManager := shared.NewSessionManager(redisClient, "campusdesk_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	locks := shared.NewActionLock(redisClient, cfg.ActionLockTTL)

	decider := bootstrap.NewDecider(ledger, logger, metrics)
	setup := bootstrap.NewService(decider, store, ledger, logger, cfg.BootstrapAllowExtraAdmin)
	provisioner := provisioning.NewService(store, studentRepo, ledger, locks, shared.NewAuditLogger(pool), metrics, logger)

	jobClient := jobs.NewClient(redisOpts.AsynqOpt())
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts.AsynqOpt())
	defer inspector.Close()

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		Templates:           templates,
		SessionManager:      sessionManager,
		CSRFManager:         csrfManager,
		Registry:            registry,
		AuthHandler:         auth.NewHandler(logger, setup, templates, sessionManager, csrfManager, registry, locks),
		ConsoleHandler:      console.NewHandler(logger, templates, csrfManager, studentRepo, recordRepo),
		ProvisioningHandler: provisioning.NewHandler(logger, provisioner, studentRepo, templates, csrfManager),
		JobHandler:          jobs.NewHandler(inspector, jobClient, logger),
		Metrics:             metrics,
		Health: map[string]app.HealthCheck{
			"postgres": pingPostgres(pool),
			"redis":    pingRedis(redisClient),
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("identity_backend", cfg.IdentityBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func pingPostgres(pool *pgxpool.Pool) app.HealthCheck {
	return func(r *http.Request) error {
		return pool.Ping(r.Context())
	}
}

func pingRedis(client *redis.Client) app.HealthCheck {
	return func(r *http.Request) error {
		return client.Ping(r.Context()).Err()
	}
}
