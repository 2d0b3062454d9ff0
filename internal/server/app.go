// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/impactmap/entity-scraper/internal/api"
	"github.com/impactmap/entity-scraper/internal/clock/system"
	"github.com/impactmap/entity-scraper/internal/config"
	"github.com/impactmap/entity-scraper/internal/extract"
	collyfetcher "github.com/impactmap/entity-scraper/internal/fetcher/colly"
	"github.com/impactmap/entity-scraper/internal/hash/sha256"
	"github.com/impactmap/entity-scraper/internal/id/uuid"
	"github.com/impactmap/entity-scraper/internal/llm/gemini"
	"github.com/impactmap/entity-scraper/internal/logging"
	"github.com/impactmap/entity-scraper/internal/pipeline"
	"github.com/impactmap/entity-scraper/internal/policy/ratelimit"
	"github.com/impactmap/entity-scraper/internal/policy/robots"
	"github.com/impactmap/entity-scraper/internal/policy/site"
	memorypublisher "github.com/impactmap/entity-scraper/internal/publisher/memory"
	gcppublisher "github.com/impactmap/entity-scraper/internal/publisher/pubsub"
	"github.com/impactmap/entity-scraper/internal/scraper"
	gcsstorage "github.com/impactmap/entity-scraper/internal/storage/gcs"
	localstorage "github.com/impactmap/entity-scraper/internal/storage/local"
	memorystorage "github.com/impactmap/entity-scraper/internal/storage/memory"
	pgstore "github.com/impactmap/entity-scraper/internal/storage/postgres"
	"github.com/impactmap/entity-scraper/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	entities        scraper.EntityStore
	tracerShutdown  func(context.Context) error
	metricShutdown  func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Define a struct for logging only non-sensitive config fields
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		StorageBackend string `json:"storage_backend"`
		LLMModel       string `json:"llm_model"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		StorageBackend: cfg.Storage.Backend,
		LLMModel:       cfg.LLM.Model,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.entities != nil {
		if err := a.entities.Close(); err != nil {
			a.logger.Warn("entity store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, mp, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	app.logger.Info("building application dependencies")

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	pipe, evaluator, err := setupPipeline(ctx, app, blobStore, publisher)
	if err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(
		pipe,
		evaluator,
		app.entities,
		system.New(),
		*cfg,
		logger.Named("api"),
	)

	return app, nil
}

func setupStorage(ctx context.Context, app *App) (scraper.BlobStore, error) {
	var blobStore scraper.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{
			BaseDir: app.cfg.Storage.Local.BaseDir,
		})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memorystorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	ids := uuid.New()
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, using in-memory entity store")
		app.entities = memorystorage.NewEntityStore(ids)
		return nil
	}
	store, err := pgstore.NewEntityStore(ctx, pgstore.EntityStoreConfig{
		DSN:             app.cfg.Database.DSN,
		Table:           app.cfg.Database.EntitiesTable,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	}, ids)
	if err != nil {
		return fmt.Errorf("entity store init failed: %w", err)
	}
	app.entities = store
	app.logger.Info("entity store initialized", zap.String("table", app.cfg.Database.EntitiesTable))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (scraper.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupPipeline(
	ctx context.Context,
	app *App,
	blobStore scraper.BlobStore,
	publisher scraper.Publisher,
) (*pipeline.Pipeline, *site.Evaluator, error) {
	clock := system.New()
	hasher := sha256.New()

	robotsChecker := robots.New(robots.Config{
		UserAgent: app.cfg.Scraper.UserAgent,
		Timeout:   app.cfg.ProbeTimeout(),
		FailMode:  robots.FailMode(app.cfg.Robots.FailMode),
	}, app.logger.Named("robots"))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: app.cfg.Scraper.UserAgent,
		Timeout:   app.cfg.FetchTimeout(),
	})
	app.logger.Info("using colly fetcher", zap.String("user_agent", app.cfg.Scraper.UserAgent))

	extractor := extract.New(fetcher, robotsChecker, app.logger.Named("extract"))

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: app.cfg.RateLimit.RequestsPerMinute,
	}, clock)
	app.logger.Info("rate limiter enabled",
		zap.Int("requests_per_minute", app.cfg.RateLimit.RequestsPerMinute),
	)

	evaluator := site.New(site.Config{
		UserAgent:    app.cfg.Scraper.UserAgent,
		ProbeTimeout: app.cfg.ProbeTimeout(),
		ToSTimeout:   app.cfg.ToSTimeout(),
	}, robotsChecker, app.logger.Named("policy"))

	genaiClient, err := gemini.NewClient(ctx, app.cfg.LLM.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("genai client init failed: %w", err)
	}
	fields := gemini.NewExtractor(genaiClient, gemini.Config{
		Model:       app.cfg.LLM.Model,
		Temperature: app.cfg.LLM.Temperature,
		Timeout:     app.cfg.LLMTimeout(),
	})
	app.logger.Info("gemini extractor initialized", zap.String("model", app.cfg.LLM.Model))

	pipeCfg := pipeline.Config{
		ContentType: app.cfg.Storage.ContentType,
		BlobPrefix:  app.cfg.Storage.Prefix,
		Topic:       app.cfg.PubSub.TopicName,
	}
	app.logger.Info("pipeline config",
		zap.String("content_type", pipeCfg.ContentType),
		zap.String("blob_prefix", pipeCfg.BlobPrefix),
		zap.String("topic", pipeCfg.Topic),
	)

	pipe := pipeline.New(
		limiter,
		app.entities,
		extractor,
		fields,
		blobStore,
		publisher,
		hasher,
		clock,
		pipeCfg,
		app.logger.Named("pipeline"),
	)
	return pipe, evaluator, nil
}
