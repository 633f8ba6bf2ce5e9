package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildtrack/buildtrack/cmd/buildtrack/cli"
	"github.com/buildtrack/buildtrack/internal/activation"
	"github.com/buildtrack/buildtrack/internal/app"
	"github.com/buildtrack/buildtrack/internal/auth"
	"github.com/buildtrack/buildtrack/internal/companies"
	"github.com/buildtrack/buildtrack/internal/notify"
	"github.com/buildtrack/buildtrack/internal/observability"
	"github.com/buildtrack/buildtrack/internal/platform/cache"
	"github.com/buildtrack/buildtrack/internal/platform/db"
	"github.com/buildtrack/buildtrack/internal/rbac"
	"github.com/buildtrack/buildtrack/internal/shared"
	"github.com/buildtrack/buildtrack/internal/superowner"
	"github.com/buildtrack/buildtrack/internal/users"
	"github.com/buildtrack/buildtrack/jobs"
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

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "seed-superowner":
			os.Exit(seedSuperOwner(ctx, cfg, logger, os.Args[2:]))
		case "jobs":
			os.Exit(jobsCommand(ctx, cfg, os.Args[2:]))
		case "migrate":
			os.Exit(migrate(ctx, cfg, logger))
		case "serve":
		default:
			_, _ = fmt.Fprintf(os.Stderr, "unknown command %q (serve, migrate, seed-superowner, jobs)\n", os.Args[1])
			os.Exit(2)
		}
	}

	if err := serve(ctx, cfg, logger, stop); err != nil {
		logger.Error("serve", slog.Any("error", err))
		os.Exit(1)
	}
}

func connect(ctx context.Context, cfg *app.Config) (*pgxpool.Pool, error) {
	return db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConn, ApplicationName: "buildtrack"})
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger, stop context.CancelFunc) error {
	pool, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	sessionManager := shared.NewSessionManager(redisClient, shared.SessionOptions{TTL: cfg.SessionTTL, Secure: cfg.IsProduction()})
	auditLogger := shared.NewAuditLogger(pool)

	usersRepo := users.NewRepository(pool)
	usersService := users.NewService(usersRepo)
	authHandler := auth.NewHandler(logger, auth.NewService(usersRepo), sessionManager)

	rbacRepo := rbac.NewRepository(pool)
	permissionCache := rbac.NewCachedStore(rbacRepo, redisClient, cfg.PermissionCacheTTL, logger)
	engine := rbac.NewEngine(permissionCache, metrics, logger)
	rbacService := rbac.NewService(rbacRepo, engine, usersRepo, permissionCache, logger)

	ownerService := superowner.NewService(superowner.NewRepository(pool), logger)
	rbacMiddleware := rbac.Middleware{Engine: engine, Companies: rbacService, SuperOwners: ownerService, Logger: logger}

	companyService := companies.NewService(companies.NewRepository(pool), permissionCache, auditLogger, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	sealer, err := cfg.NotifySealer()
	if err != nil {
		return err
	}
	jobClient, err := jobs.NewClient(redisOpts, cfg.NotifyQueue, sealer)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	dispatcher := notify.NewDispatcher(jobClient, logger)

	activationService := activation.NewService(activation.NewRepository(pool, logger), companyService, activation.Options{
		Notifier:  dispatcher,
		Reviewers: ownerService,
		Accounts:  usersService,
		Audit:     auditLogger,
		Metrics:   metrics,
		Cache:     permissionCache,
		Logger:    logger,
		TTL:       cfg.ActivationTTL,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		SessionManager:    sessionManager,
		AuthHandler:       authHandler,
		UsersHandler:      users.NewHandler(logger, usersService, rbacMiddleware),
		RBACHandler:       rbac.NewHandler(logger, rbacService, rbacMiddleware),
		ActivationHandler: activation.NewHandler(logger, activationService, ownerService),
		JobHandler:        jobs.NewHandler(inspector, cfg.NotifyQueue, logger),
		Metrics:           metrics,
		Readiness: map[string]func(context.Context) error{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return cache.Ping(ctx, redisClient) },
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	pool, err := connect(ctx, cfg)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()
	applied, err := db.Migrate(ctx, pool, logger)
	if err != nil {
		logger.Error("migrate", slog.Any("error", err))
		return 1
	}
	logger.Info("schema up to date", slog.Int("applied", applied))
	return 0
}

func seedSuperOwner(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	opts, err := cli.ParseSeedArgs(args, os.Stderr)
	if err != nil {
		return 2
	}
	pool, err := connect(ctx, cfg)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()
	owners := superowner.NewService(superowner.NewRepository(pool), logger)
	return cli.SeedCommand(ctx, owners, opts)
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	jc, err := cli.NewJobsCLI(cfg.RedisAddr, cfg.NotifyQueue)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = jc.Close() }()

	action := "stats"
	if len(args) > 0 {
		action = args[0]
	}
	switch action {
	case "stats":
		stats, err := jc.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		fmt.Println(stats)
	case "archived":
		tasks, err := jc.ListArchived(ctx, 20)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs archived: %v\n", err)
			return 1
		}
		for _, t := range tasks {
			fmt.Printf("%s\t%s\t%s\n", t.ID, t.Type, t.LastErr)
		}
	case "cleanup":
		info, err := jc.TriggerCleanup(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs cleanup: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s on %s\n", info.ID, info.Queue)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown jobs action %q (stats, archived, cleanup)\n", action)
		return 2
	}
	return 0
}
