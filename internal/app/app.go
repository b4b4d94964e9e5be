// Package app builds the orchestration service from configuration. Both
// binaries share it; cmd/api adds the REST API on top.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"job-orchestrator/internal/api"
	"job-orchestrator/internal/auth"
	"job-orchestrator/internal/config"
	"job-orchestrator/internal/engine"
	"job-orchestrator/internal/idempotency"
	"job-orchestrator/internal/intake"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/ratelimit"
	"job-orchestrator/internal/retry"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
	"job-orchestrator/internal/tracker"
	"job-orchestrator/internal/worker"
)

// Registrar binds additional task bodies before the engine is built.
type Registrar func(reg *worker.Registry, cfg config.Config) error

// App holds every wired component.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *worker.Registry
	Tracker  *tracker.Tracker
	Engine   *engine.Engine
	Push     *intake.Push
	Pollers  []*intake.Poller
	Limiter  ratelimit.Limiter
	JWT      *auth.JWT

	redis *redis.Client
	store *store.Store
}

// Build wires the service. Call Close when done.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, registrars ...Registrar) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx, registrars); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, registrars []Registrar) error {
	cfg := a.Config

	if cfg.UsesRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = st
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	var snapshots tracker.Store = tracker.NewMemoryStore()
	if a.store != nil {
		snapshots = a.store
	}
	a.Tracker = tracker.New(snapshots, tracker.Config{StoreTimeout: cfg.StatusStoreTimeout}, a.Logger)

	for name := range cfg.TaskTimeouts {
		if !models.TaskType(name).Valid() {
			return fmt.Errorf("TASK_TIMEOUTS: unknown task type %q", name)
		}
	}
	a.Registry = worker.NewRegistry()
	if err := RegisterDemo(a.Registry, cfg.TaskTimeouts); err != nil {
		return err
	}
	for _, r := range registrars {
		if err := r(a.Registry, cfg); err != nil {
			return fmt.Errorf("register tasks: %w", err)
		}
	}

	var auditor engine.Auditor
	if a.store != nil {
		auditor = a.store
	}
	ref := &engineRef{}
	hook, err := a.hooks(ctx, ref)
	if err != nil {
		return err
	}

	a.Engine, err = engine.New(engine.Options{
		Registry: a.Registry,
		Guard:    a.guard(),
		Tracker:  a.Tracker,
		Policy: retry.Policy{
			Base:       cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			MaxRetries: cfg.MaxRetries,
			Jitter:     cfg.BackoffJitter,
		},
		Hook:                hook,
		Auditor:             auditor,
		Logger:              a.Logger,
		Workers:             cfg.WorkerCount,
		QueueCapacity:       cfg.QueueCapacity,
		DefaultTimeout:      cfg.TaskTimeout,
		CancelGrace:         cfg.CancelGrace,
		ProgressGranularity: cfg.ProgressGranularity,
		HookTimeout:         cfg.HookTimeout,
		Retention:           cfg.Retention,
		RetentionSweep:      cfg.RetentionSweep,
	})
	if err != nil {
		return err
	}
	ref.e = a.Engine

	ledger, cursors := a.intakeStores()
	a.Push = intake.NewPush(a.Engine, ledger, a.Logger)
	if cfg.PollFeedURL != "" {
		taskType := models.TaskType(cfg.PollTaskType)
		if !taskType.Valid() {
			return fmt.Errorf("POLL_TASK_TYPE: unknown task type %q", cfg.PollTaskType)
		}
		a.Pollers = append(a.Pollers, intake.NewPoller(intake.PollerConfig{
			Source:    intake.NewHTTPSource(cfg.PollSource, cfg.PollFeedURL, taskType, 30*time.Second),
			Cursors:   cursors,
			Submitter: a.Engine,
			Ledger:    ledger,
			Interval:  cfg.PollInterval,
			Logger:    a.Logger,
		}))
	}

	switch cfg.RateLimitBackend {
	case "redis":
		a.Limiter = ratelimit.NewTokenBucket(a.redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	case "off":
		a.Limiter = ratelimit.Unlimited{}
	default:
		a.Limiter = ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}
	if cfg.JWTSecret != "" {
		a.JWT = auth.NewJWT(cfg.JWTSecret)
	}
	return nil
}

func (a *App) guard() idempotency.Guard {
	switch a.Config.IdempotencyBackend {
	case "redis":
		return idempotency.NewRedis(a.redis, a.Config.IdempotencyTTL)
	case "postgres":
		return a.store.Guard(a.Config.IdempotencyTTL)
	default:
		return idempotency.NewMemory()
	}
}

func (a *App) intakeStores() (intake.Ledger, intake.CursorStore) {
	if a.Config.IntakeBackend == "redis" {
		return intake.NewRedisLedger(a.redis, a.Config.IntakeSeenTTL), intake.NewRedisCursors(a.redis)
	}
	return intake.NewMemoryLedger(a.Config.IntakeSeenTTL), intake.NewMemoryCursors()
}

// hooks assembles the terminal notification chain.
func (a *App) hooks(ctx context.Context, sub notify.Submitter) (notify.Hook, error) {
	cfg := a.Config
	logger := a.Logger.With("component", "notify")
	hooks := notify.Multi{
		notify.HookFunc(func(_ context.Context, n notify.Notification) error {
			logger.Info("job finished",
				"event", n.Event,
				"job_id", n.Job.JobID,
				"task_type", n.Job.TaskType,
				"attempts", n.Job.AttemptCount)
			return nil
		}),
	}
	if cfg.NotifyWebhookURL != "" {
		hooks = append(hooks, notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, cfg.HookTimeout))
	}
	if cfg.ArchiveS3Bucket != "" {
		archive, err := notify.NewS3Archive(ctx, notify.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 archive: %w", err)
		}
		hooks = append(hooks, archive)
	}
	if a.Registry.Has(models.TaskFormIngestion) && a.Registry.Has(models.TaskUnitGeneration) {
		hooks = append(hooks, notify.NewPipeline(sub).Then(models.TaskFormIngestion, nextUnitGeneration))
	}
	return hooks, nil
}

// nextUnitGeneration starts unit generation from an ingested form.
func nextUnitGeneration(n notify.Notification) (models.SubmitRequest, bool) {
	return models.SubmitRequest{
		TaskType: models.TaskUnitGeneration,
		Payload: map[string]any{
			"form_job_id": n.Job.JobID,
			"form":        n.Job.Result,
		},
		Priority: n.Job.Priority,
	}, true
}

// engineRef lets hooks built before the engine submit follow-up jobs to it.
type engineRef struct {
	e *engine.Engine
}

func (r *engineRef) Submit(ctx context.Context, req models.SubmitRequest) (models.SubmitResult, error) {
	if r.e == nil {
		return models.SubmitResult{}, errors.New("engine not ready")
	}
	return r.e.Submit(ctx, req)
}

// APIServer builds the REST API over this app's components.
func (a *App) APIServer() *api.Server {
	var audit api.AuditTrail
	if a.store != nil {
		audit = a.store
	}
	return api.New(api.Options{
		Jobs:               a.Engine,
		Push:               a.Push,
		Audit:              audit,
		Limiter:            a.Limiter,
		JWT:                a.JWT,
		CORSAllowedOrigins: a.Config.CORSAllowedOrigins,
		WebhookSources:     a.Config.WebhookSources,
		WebhookSecret:      a.Config.WebhookSecret,
		Logger:             a.Logger,
	})
}

// Run starts the engine, the pollers and the given HTTP servers, and blocks
// until ctx ends or one of them fails. HTTP servers are shut down first so
// no new work arrives while the engine drains.
func (a *App) Run(ctx context.Context, servers ...*http.Server) error {
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			a.Logger.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	for _, p := range a.Pollers {
		p := p
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.Logger.Warn("http shutdown failed", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})
	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), a.Config.CancelGrace+10*time.Second)
	defer cancel()
	if err := a.Engine.Stop(stopCtx); err != nil {
		a.Logger.Error("engine stop failed", "error", err)
	}
	return runErr
}

// MetricsServer serves /metrics on METRICS_ADDR, or nil when unset.
func (a *App) MetricsServer() *http.Server {
	if a.Config.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	return &http.Server{Addr: a.Config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// Close releases external connections.
func (a *App) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
