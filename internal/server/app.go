// Package server builds the crawler's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/econcrawl/internal/api"
	"github.com/JakeFAU/econcrawl/internal/clock/system"
	"github.com/JakeFAU/econcrawl/internal/config"
	"github.com/JakeFAU/econcrawl/internal/control"
	"github.com/JakeFAU/econcrawl/internal/crawler"
	"github.com/JakeFAU/econcrawl/internal/dispatcher"
	"github.com/JakeFAU/econcrawl/internal/executor"
	collyfetcher "github.com/JakeFAU/econcrawl/internal/fetcher/colly"
	"github.com/JakeFAU/econcrawl/internal/handoff"
	"github.com/JakeFAU/econcrawl/internal/hash/sha256"
	"github.com/JakeFAU/econcrawl/internal/health"
	"github.com/JakeFAU/econcrawl/internal/id/uuid"
	"github.com/JakeFAU/econcrawl/internal/logsink"
	"github.com/JakeFAU/econcrawl/internal/logsink/sinks"
	"github.com/JakeFAU/econcrawl/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/econcrawl/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/econcrawl/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/econcrawl/internal/queue/memory"
	"github.com/JakeFAU/econcrawl/internal/registry"
	"github.com/JakeFAU/econcrawl/internal/retry"
	"github.com/JakeFAU/econcrawl/internal/schedule"
	gcsstorage "github.com/JakeFAU/econcrawl/internal/storage/gcs"
	localstorage "github.com/JakeFAU/econcrawl/internal/storage/local"
	memorystorage "github.com/JakeFAU/econcrawl/internal/storage/memory"
	pgstore "github.com/JakeFAU/econcrawl/internal/storage/postgres"
	"github.com/JakeFAU/econcrawl/internal/store"
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	queue    *queuememory.Queue
	hub      *logsink.Hub
	dispatch *dispatcher.Dispatcher
	schedule *schedule.Schedule
	control  *control.Service
	api      *api.Server

	storage   *storage.Client
	publisher *gcppublisher.Publisher
	logStore  *pgstore.LogStore
}

// Build creates the application's dependencies. Metrics register on the
// default Prometheus registry.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("log_history", cfg.DB.DSN != ""),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	var history store.LogRepository
	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if app.logStore != nil {
		history = app.logStore
	}

	clock := system.New()
	ids := uuid.New()
	logs, err := setupLogs(ctx, app, ids, clock, history, reg)
	if err != nil {
		return nil, err
	}

	sources, err := cfg.DataSources()
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	sourceRegistry, err := registry.New(sources)
	if err != nil {
		return nil, fmt.Errorf("source registry init failed: %w", err)
	}

	settings := cfg.Crawler.Settings
	app.queue = queuememory.NewQueue(settings.QueueSizeLimit, clock)
	limiter := ratelimit.New(ratelimit.Config{GlobalPerMinute: settings.RateLimitGlobal}, clock)
	monitor := health.New(health.Config{
		Window:              cfg.Health.Window,
		ConsecutiveFailures: cfg.Health.ConsecutiveFailures,
		ErrorThreshold:      settings.ErrorThreshold,
	}, sourceRegistry, logger.Named("health"))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   time.Duration(settings.DefaultTimeout) * time.Second,
	})
	delivery := handoff.New(blobStore, publisher, sha256.New(), clock, handoff.Config{
		ContentType: cfg.Storage.ContentType,
		BlobPrefix:  cfg.Storage.Prefix,
		Topic:       cfg.PubSub.TopicName,
	}, logger.Named("handoff"))
	exec := executor.New(fetcher, delivery, logs, monitor, limiter, clock, executor.Config{
		DefaultTimeout: time.Duration(settings.DefaultTimeout) * time.Second,
		UserAgent:      cfg.Crawler.UserAgent,
	}, logger.Named("executor"))

	app.dispatch, err = dispatcher.New(
		app.queue,
		sourceRegistry,
		limiter,
		exec,
		retry.New(retry.Config{BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay}),
		logs,
		ids,
		clock,
		settings,
		dispatcher.Config{PollInterval: cfg.Dispatcher.PollInterval, Retention: cfg.Dispatcher.Retention},
		logger.Named("dispatcher"),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	app.schedule, err = schedule.New(app.dispatch, settings.ScheduleFrequency, logger.Named("schedule"))
	if err != nil {
		return nil, fmt.Errorf("schedule init failed: %w", err)
	}

	app.control = control.New(control.Deps{
		Dispatcher: app.dispatch,
		Sources:    sourceRegistry,
		Jobs:       app.queue,
		Logs:       logs,
		Health:     monitor,
		Prober:     exec,
		Schedule:   app.schedule,
		History:    history,
	}, logger.Named("control"))

	ready := map[string]api.ReadyCheck{}
	if app.logStore != nil {
		ready["postgres"] = app.logStore.Ping
	}
	app.api = api.NewServer(app.control, cfg, ready, logger.Named("api"))

	ok = true
	return app, nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" || app.cfg.PubSub.TopicName == "" {
		app.logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.publisher, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("No DSN specified for database, crawl log history disabled")
		return nil
	}
	logStore, err := pgstore.NewLogStore(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		Table:           app.cfg.DB.Table,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("log store init failed: %w", err)
	}
	app.logStore = logStore
	if err := logStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("log store schema: %w", err)
	}
	app.logger.Info("log store initialized", zap.String("table", app.cfg.DB.Table))
	return nil
}

func setupLogs(
	ctx context.Context,
	app *App,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	history store.LogRepository,
	reg prometheus.Registerer,
) (*logsink.Stream, error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("log metrics init failed: %w", err)
	}
	sinkList := []logsink.Sink{
		sinks.NewLogSink(app.logger.Named("crawl_log")),
		promSink,
	}
	if history != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(history))
		app.logger.Debug("Added crawl log store sink")
	}

	hubCfg := logsink.HubConfig{
		BufferSize:      app.cfg.Logs.BufferSize,
		MaxBatchEntries: app.cfg.Logs.MaxBatchEntries,
		MaxBatchWait:    app.cfg.Logs.MaxBatchWait,
		SinkTimeout:     app.cfg.Logs.SinkTimeout,
		BaseContext:     context.WithoutCancel(ctx),
		Logger:          app.logger.Named("log_hub"),
	}
	app.hub = logsink.NewHub(hubCfg, sinkList...)
	app.logger.Info("log hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_entries", hubCfg.MaxBatchEntries),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return logsink.NewStream(app.cfg.Logs.MaxEntries, ids, clock, app.hub, app.logger.Named("logs")), nil
}

// Control exposes the operator service, used by CLI subcommands.
func (a *App) Control() *control.Service {
	return a.control
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Run serves HTTP, drives the dispatcher and the crawl schedule, and blocks
// until ctx is cancelled or a signal arrives. In-flight jobs drain before it
// returns.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", a.cfg.ServerAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ServerAddr(), err)
	}
	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if a.cfg.Crawler.Autostart {
		a.dispatch.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.dispatch.Run(gctx) })
	g.Go(func() error { return a.schedule.Run(gctx) })
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(shutdownCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

// Close drains in-flight jobs, flushes the crawl log and releases clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.dispatch != nil {
		if err := a.dispatch.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("log hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.logStore != nil {
		a.logStore.Close()
		a.logStore = nil
	}
}
