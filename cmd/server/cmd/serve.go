package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/screensplit/server/internal/api"
	"github.com/screensplit/server/internal/api/handlers"
	"github.com/screensplit/server/internal/audit"
	"github.com/screensplit/server/internal/auth"
	"github.com/screensplit/server/internal/auth/oauth"
	"github.com/screensplit/server/internal/cache"
	"github.com/screensplit/server/internal/config"
	"github.com/screensplit/server/internal/domain/preferences"
	"github.com/screensplit/server/internal/domain/projects"
	"github.com/screensplit/server/internal/domain/users"
	"github.com/screensplit/server/internal/domain/videosplit"
	"github.com/screensplit/server/internal/email"
	"github.com/screensplit/server/internal/imageproxy"
	"github.com/screensplit/server/internal/jobs"
	"github.com/screensplit/server/internal/metrics"
	"github.com/screensplit/server/internal/objectstore"
	"github.com/screensplit/server/internal/ratelimit"
	"github.com/screensplit/server/internal/storage/postgres"
	"github.com/screensplit/server/internal/telemetry"
)

const (
	jwtIssuer       = "screensplit"
	shutdownTimeout = 15 * time.Second
)

var (
	// Server flags (override config/env)
	serverHost string
	serverPort int
	noWorkers  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Screensplit HTTP server and job workers",
	Long: `Start the HTTP API and the background job workers.

The server will:
- Load configuration from the environment (and --config when given)
- Install the River job queue schema and start the video and cleanup workers
- Serve the JSON API, /health, /readyz and /metrics
- Drain in-flight requests and jobs on SIGINT/SIGTERM

Examples:
  # Start with configuration from the environment
  screensplit serve

  # Listen on a specific address
  screensplit serve --host 127.0.0.1 --port 9090

  # Run an API-only instance; jobs are queued for other instances
  screensplit serve --no-workers`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serverHost, "host", "", "server host address (default: 0.0.0.0)")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "server port (default: 8080)")
	serveCmd.Flags().BoolVar(&noWorkers, "no-workers", false, "queue jobs without processing them on this instance")
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if serverHost != "" {
		cfg.Server.Host = serverHost
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	if noWorkers {
		cfg.Jobs.DisableWorkers = true
	}

	logger := config.NewLogger(cfg.Logging)
	logger.Info().Str("version", Version).Str("environment", cfg.Environment).Msg("starting screensplit server")

	metrics.Init(Version, GitCommit, BuildDate)

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	unregisterPool, err := metrics.RegisterPool(app.pool)
	if err != nil {
		return fmt.Errorf("register pool metrics: %w", err)
	}
	defer unregisterPool()

	if !cfg.Jobs.DisableWorkers {
		if err := app.river.Start(context.Background()); err != nil {
			return fmt.Errorf("river workers failed to start: %w", err)
		}
		logger.Info().Int("video_workers", cfg.Jobs.VideoWorkers).Msg("river workers started")
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := app.river.Stop(stopCtx); err != nil {
				logger.Error().Err(err).Msg("river workers shutdown error")
				return
			}
			logger.Info().Msg("river workers stopped")
		}()
	} else {
		logger.Warn().Msg("job workers disabled; jobs are queued for other instances")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.handler,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	return gracefulShutdown(server, serveErr, logger)
}

// app holds the wired server and everything that must be closed with it.
type app struct {
	pool    *pgxpool.Pool
	river   *river.Client[pgx.Tx]
	handler http.Handler
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	pool, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)

	if err := postgres.MigrateRiver(ctx, pool); err != nil {
		return nil, fmt.Errorf("river migrations: %w", err)
	}

	repo, err := postgres.NewRepository(pool)
	if err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	var valueCache cache.Cache = cache.Nop{}
	var cachePing handlers.PingFunc
	if cfg.Redis.URL != "" {
		redisClient, err = cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
		valueCache = cache.NewRedis(redisClient)
		cachePing = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		logger.Info().Msg("redis cache and rate limiter enabled")
	} else {
		logger.Warn().Msg("REDIS_URL not set; using in-process rate limits and no cache")
	}

	limiters := ratelimit.NewSet(redisClient, ratelimit.Policies(
		cfg.RateLimit.AuthPer10Minutes,
		cfg.RateLimit.ShareUnlockPer15Minutes,
		cfg.RateLimit.UploadPerMinute,
		cfg.RateLimit.VideoSplitPerHour,
		cfg.RateLimit.ProxyPerMinute,
	))
	a.closers = append(a.closers, limiters.Close)

	store, err := objectstore.New(ctx, cfg.Storage)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotConfigured) {
			return nil, fmt.Errorf("object storage is required: set S3_BUCKET")
		}
		return nil, fmt.Errorf("object storage: %w", err)
	}

	mailer, err := email.NewService(cfg.Email, email.Lifetimes{
		Verification: cfg.Auth.VerificationTTL,
		Reset:        cfg.Auth.ResetTTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("email: %w", err)
	}

	jobLogger := config.NewJobLogger(cfg.Logging)
	tracker := videosplit.NewTracker(repo.VideoJobs())

	var workers *river.Workers
	var periodic []*river.PeriodicJob
	var onPanic jobs.PanicFunc
	if !cfg.Jobs.DisableWorkers {
		workers = jobs.NewWorkers(jobs.Dependencies{
			VideoJobs:      tracker,
			Store:          store,
			Tokens:         repo.Users(),
			Composer:       jobs.NewFFmpegComposer(cfg.Jobs.FFmpegPath, jobLogger),
			RenderTimeout:  cfg.Jobs.RenderTimeout,
			VideoRetention: cfg.Jobs.VideoRetention,
			TempDir:        os.TempDir(),
			Logger:         jobLogger,
		})
		periodic = jobs.NewPeriodicJobs(cfg.Jobs.CleanupInterval)
		onPanic = jobs.FailCrashedRenders(tracker, jobLogger)
	}
	riverClient, err := jobs.NewClient(pool, workers, jobLogger, jobs.ClientOptions{
		VideoWorkers: cfg.Jobs.VideoWorkers,
		Hooks:        []rivertype.Hook{metrics.NewRiverMetricsHook()},
		PeriodicJobs: periodic,
		OnPanic:      onPanic,
	})
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	a.river = riverClient
	queue := jobs.NewEnqueuer(riverClient)

	auditLogger := audit.NewLogger(logger)
	userService := users.NewService(repo.Users(), mailer, queue, auditLogger, users.Config{
		AppURL:          cfg.Server.AppURL,
		VerificationTTL: cfg.Auth.VerificationTTL,
		ResetTTL:        cfg.Auth.ResetTTL,
	}, logger)
	projectService := projects.NewService(repo.Projects(), store, queue, cache.NewLoader(valueCache), auditLogger, logger)
	prefsService := preferences.NewService(repo.Preferences(), logger)
	videoService := videosplit.NewService(repo.VideoJobs(), queue, store, auditLogger, logger)

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL, cfg.Auth.ShareAccessTTL, jwtIssuer)
	github := oauth.NewGitHubClient(oauth.GitHubConfig{
		ClientID:     cfg.OAuth.GitHubClientID,
		ClientSecret: cfg.OAuth.GitHubClientSecret,
		CallbackURL:  cfg.Server.BaseURL + "/api/auth/oauth/github/callback",
	})
	if !github.Enabled() {
		logger.Info().Msg("GitHub sign-in disabled; GITHUB_CLIENT_ID/GITHUB_CLIENT_SECRET not set")
	}

	a.handler = api.NewRouter(api.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Users:       userService,
		Projects:    projectService,
		Preferences: prefsService,
		VideoSplit:  videoService,
		ImageProxy:  imageproxy.New(cfg.ImageProxy, logger),
		GitHub:      github,
		JWT:         jwtManager,
		Limiters:    limiters,
		Health:      handlers.NewHealthChecker(pool, riverClient, cachePing, store.Ping, Version, GitCommit),
		Version:     Version,
		GitCommit:   GitCommit,
		BuildDate:   BuildDate,
	})
	return a, nil
}

func gracefulShutdown(server *http.Server, serveErr <-chan error, logger zerolog.Logger) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err, ok := <-serveErr:
		if ok && err != nil {
			logger.Error().Err(err).Msg("http server error")
			return err
		}
		return nil
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}
