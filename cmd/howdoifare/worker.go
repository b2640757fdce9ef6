package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/adapter/github"
	cfhttp "github.com/ashwinsrini/how-do-i-fare/internal/adapter/http"
	"github.com/ashwinsrini/how-do-i-fare/internal/adapter/jira"
	cfnats "github.com/ashwinsrini/how-do-i-fare/internal/adapter/nats"
	"github.com/ashwinsrini/how-do-i-fare/internal/adapter/natskv"
	cfotel "github.com/ashwinsrini/how-do-i-fare/internal/adapter/otel"
	"github.com/ashwinsrini/how-do-i-fare/internal/adapter/postgres"
	"github.com/ashwinsrini/how-do-i-fare/internal/adapter/ristretto"
	"github.com/ashwinsrini/how-do-i-fare/internal/adapter/tiered"
	"github.com/ashwinsrini/how-do-i-fare/internal/config"
	"github.com/ashwinsrini/how-do-i-fare/internal/logger"
	"github.com/ashwinsrini/how-do-i-fare/internal/middleware"
	"github.com/ashwinsrini/how-do-i-fare/internal/ratelimit"
	"github.com/ashwinsrini/how-do-i-fare/internal/resilience"
	"github.com/ashwinsrini/how-do-i-fare/internal/secrets"
	"github.com/ashwinsrini/how-do-i-fare/internal/service"
	"github.com/ashwinsrini/how-do-i-fare/internal/supervisor"
	"github.com/ashwinsrini/how-do-i-fare/internal/worker"
)

const (
	healthRate  = 5 // requests per second per client
	healthBurst = 20
)

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"log_level", cfg.Logging.Level,
		"concurrency", cfg.Worker.Concurrency,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"health_port", cfg.Health.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---

	shutdownOTEL, err := cfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := cfnats.Connect(ctx, cfg.NATS.URL, natsOptions(cfg))
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()
	slog.Info("nats connected", "stream", cfg.NATS.Stream)

	kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("name cache: %w", err)
	}
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("name cache: %w", err)
	}
	defer l1.Close()
	names := tiered.New(l1, natskv.New(kv), cfg.Cache.L1TTL)
	nameCfg := service.NameCacheConfig{TTL: cfg.Cache.L2TTL, NegativeTTL: cfg.Cache.L1TTL}

	// --- Secrets ---

	vault, err := secrets.NewVault(keyLoader(cfg))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	cipher, err := secrets.NewVaultCipher(vault)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	// --- Fetch clients ---

	throttle := resilience.ThrottlePolicy{
		MaxRetries: cfg.Throttle.MaxRetries,
		ResetCap:   cfg.Throttle.ResetCap,
		Fallback:   cfg.Throttle.Fallback,
	}
	githubLimits := ratelimit.NewRegistry("github", ratelimit.Params{
		MaxTokens:      cfg.GitHub.MaxTokens,
		RefillRate:     cfg.GitHub.RefillRate,
		RefillInterval: cfg.GitHub.RefillInterval,
	}, cfg.Limiter.IdleTTL, cfg.Limiter.SweepInterval)
	jiraLimits := ratelimit.NewRegistry("jira", ratelimit.Params{
		MaxTokens:      cfg.Jira.MaxTokens,
		RefillRate:     cfg.Jira.RefillRate,
		RefillInterval: cfg.Jira.RefillInterval,
	}, cfg.Limiter.IdleTTL, cfg.Limiter.SweepInterval)

	githubClients := github.NewFactory(github.Config{
		BaseURL:        cfg.GitHub.BaseURL,
		PageSize:       cfg.GitHub.PageSize,
		AcquireTimeout: cfg.Limiter.AcquireTimeout,
		Throttle:       throttle,
	}, githubLimits, resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	jiraClients := jira.NewFactory(jira.Config{
		Scheme:         cfg.Jira.Scheme,
		PageSize:       cfg.Jira.PageSize,
		AcquireTimeout: cfg.Limiter.AcquireTimeout,
		Throttle:       throttle,
	}, jiraLimits, resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Services ---

	store := postgres.NewStore(pool)

	githubSrc := service.NewGitHubSource(store, githubClients.New, names, nameCfg)
	githubSrc.SetMetrics(metrics)
	jiraSrc := service.NewJiraSource(store, jiraClients.New, names, nameCfg)
	jiraSrc.SetMetrics(metrics)

	pipeline := service.NewPipeline(store, cipher, service.PipelineConfig{
		LockTimeout:   cfg.Sync.LockTimeout,
		FlushInterval: cfg.Sync.FlushInterval,
		ErrorMaxLen:   cfg.Sync.ErrorMaxLen,
	}, githubSrc, jiraSrc)
	pipeline.SetMetrics(metrics)

	workers := worker.NewPool(cfg.Worker.Concurrency)
	dispatcher := service.NewDispatcher(queue, pipeline, workers)

	syncSvc := service.NewSyncService(store, queue, cfg.Sync.DefaultIntervalHours)
	scheduler := service.NewScheduler(store, syncSvc, cfg.Sync.ScheduleTick)
	syncSvc.SetRescheduler(scheduler)

	// --- Supervision ---

	tree := supervisor.New(log, supervisor.TreeConfig{ShutdownTimeout: cfg.Worker.DrainWait})
	tree.AddSyncService(dispatcher)
	tree.AddSyncService(scheduler)
	tree.AddSyncService(githubLimits)
	tree.AddSyncService(jiraLimits)
	tree.AddSyncService(secrets.NewReloader(vault, hup))

	if cfg.Health.Port != "" {
		limiter := middleware.NewRateLimiter(healthRate, healthBurst, cfg.Limiter.IdleTTL)
		router := cfhttp.NewRouter(cfhttp.Deps{
			DB:      pool,
			Queue:   queue,
			Workers: workers,
		}, cfhttp.Options{
			ServiceName: cfg.OTEL.ServiceName,
			Limiter:     limiter,
			Tracing:     cfg.OTEL.Enabled,
		})
		srv := &http.Server{
			Addr:              ":" + cfg.Health.Port,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		tree.AddAPIService(supervisor.NewHTTPService(srv, 10*time.Second))
		tree.AddSyncService(limiter.Registry())
		slog.Info("health server enabled", "addr", srv.Addr)
	}

	slog.Info("worker started", "concurrency", workers.Limit())
	err = tree.Serve(ctx)

	slog.Info("shutting down, draining queue", "wait", cfg.Worker.DrainWait)
	if derr := queue.Drain(); derr != nil {
		slog.Warn("queue drain", "error", derr)
	}
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		slog.Warn("services did not stop in time", "count", len(report))
	}

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	slog.Info("worker stopped")
	return nil
}

func natsOptions(cfg *config.Config) cfnats.Options {
	return cfnats.Options{
		Stream:      cfg.NATS.Stream,
		MaxAttempts: cfg.Worker.MaxAttempts,
		BackoffBase: cfg.Worker.BackoffBase,
		AckWait:     cfg.Worker.JobTimeout,
		Concurrency: cfg.Worker.Concurrency,
		DrainWait:   cfg.Worker.DrainWait,
	}
}

// keyLoader reads the master key from config, overridden by the key file
// when one is configured.
func keyLoader(cfg *config.Config) secrets.Loader {
	return secrets.Chain(
		secrets.StaticLoader(map[string]string{secrets.MasterKey: cfg.Encryption.Key}),
		secrets.FileLoader(secrets.MasterKey, cfg.Encryption.KeyFile),
	)
}
