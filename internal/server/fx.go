// Package server is the composition root: it builds every newsdesk
// dependency from configuration and serves the HTTP API.
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

	"github.com/JakeFAU/defense-newsdesk/internal/api"
	"github.com/JakeFAU/defense-newsdesk/internal/clock/system"
	"github.com/JakeFAU/defense-newsdesk/internal/cluster"
	"github.com/JakeFAU/defense-newsdesk/internal/config"
	"github.com/JakeFAU/defense-newsdesk/internal/extract"
	"github.com/JakeFAU/defense-newsdesk/internal/feed"
	collyfetcher "github.com/JakeFAU/defense-newsdesk/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/defense-newsdesk/internal/fetcher/headless"
	"github.com/JakeFAU/defense-newsdesk/internal/generator"
	"github.com/JakeFAU/defense-newsdesk/internal/id/uuid"
	"github.com/JakeFAU/defense-newsdesk/internal/logging"
	"github.com/JakeFAU/defense-newsdesk/internal/metrics"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
	"github.com/JakeFAU/defense-newsdesk/internal/normalize"
	"github.com/JakeFAU/defense-newsdesk/internal/pipeline"
	"github.com/JakeFAU/defense-newsdesk/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/defense-newsdesk/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/defense-newsdesk/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/defense-newsdesk/internal/storage/gcs"
	localstorage "github.com/JakeFAU/defense-newsdesk/internal/storage/local"
	memorystorage "github.com/JakeFAU/defense-newsdesk/internal/storage/memory"
	pgstore "github.com/JakeFAU/defense-newsdesk/internal/storage/postgres"
	"github.com/JakeFAU/defense-newsdesk/internal/telemetry"
	"github.com/JakeFAU/defense-newsdesk/internal/topics"
	"github.com/JakeFAU/defense-newsdesk/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	metrics      *metrics.Recorder
	store        newsdesk.Store
	blobs        newsdesk.BlobStore
	publisher    newsdesk.Publisher
	generator    newsdesk.Generator
	headless     *headlessfetcher.Fetcher
	runner       *pipeline.Runner
	apiServer    *api.Server
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger, metrics: metrics.New()}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("sources", len(cfg.Sources)),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("generator", cfg.Generator.Provider),
	)

	tp, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	steps := []func(context.Context) error{
		app.setupStore,
		app.setupBlobs,
		app.setupPublisher,
		app.setupGenerator,
		app.setupHeadless,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}

	app.runner = app.buildRunner()
	app.apiServer = api.NewServer(app.runner, app.store, api.Options{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		Metrics:     app.metrics,
	}, logger.Named("api"))
	return app, nil
}

// Runner exposes the pipeline runner to the CLI.
func (a *App) Runner() *pipeline.Runner { return a.runner }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory store")
		a.store = memorystorage.NewStore()
		return nil
	}
	store, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		Migrate:         a.cfg.DB.Migrate,
	}, a.logger.Named("postgres"))
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.store = store
	a.logger.Info("postgres store initialized", zap.Bool("legacy_schema", store.LegacySchema()))
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		blobs, client, err := gcsstorage.Open(ctx, a.cfg.Storage.GCS)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.storage = client
		a.blobs = blobs
		a.logger.Info("using GCS body archive", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
	case "local":
		blobs, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local body archive", zap.String("path", a.cfg.Storage.Local.BaseDir))
	case "none":
		a.logger.Info("body archive disabled")
	default:
		a.logger.Info("using in-memory body archive")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.DigestTopic == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.gcpPublisher = gcppublisher.New(client)
	a.publisher = a.gcpPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.DigestTopic),
	)
	return nil
}

func (a *App) setupGenerator(_ context.Context) error {
	if a.cfg.Generator.Provider != "anthropic" {
		a.logger.Info("using extractive digest generator")
		a.generator = generator.Extractive{}
		return nil
	}
	gen, err := generator.NewAnthropic(a.cfg.Generator.Anthropic, a.logger.Named("generator"))
	if err != nil {
		return fmt.Errorf("anthropic generator init failed: %w", err)
	}
	a.generator = gen
	a.logger.Info("using anthropic digest generator", zap.String("model", a.cfg.Generator.Anthropic.Model))
	return nil
}

func (a *App) setupHeadless(_ context.Context) error {
	if !a.cfg.Headless.Enabled {
		return nil
	}
	fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Fetch.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSeconds) * time.Second,
		SettleDelay:       time.Duration(a.cfg.Headless.SettleMillis) * time.Millisecond,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed, continuing without rendering", zap.Error(err))
		return nil
	}
	a.headless = fetcher
	a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return nil
}

func (a *App) buildRunner() *pipeline.Runner {
	cfg := a.cfg
	clock := system.New()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:        cfg.Fetch.UserAgent,
		RespectRobots:    cfg.Fetch.RespectRobots,
		Timeout:          cfg.FetchTimeout(),
		MaxBodyBytes:     cfg.Fetch.MaxBodyBytes,
		OnRobotsFallback: a.metrics.ObserveRobotsFallback,
	})

	contentDeps := worker.ContentDeps{
		Fetcher:   fetcher,
		Extractor: extract.New(cfg.Content.MinWords),
		Limiter:   ratelimit.New(cfg.RateLimit, a.metrics),
		Blobs:     a.blobs,
		Store:     a.store,
		Clock:     clock,
		Observer:  a.metrics,
	}
	if a.headless != nil {
		contentDeps.Headless = a.headless
		contentDeps.Detector = extract.NewRenderHeuristic(cfg.Headless.BodyLengthThreshold, cfg.Content.MinWords)
	}

	policy := cfg.Cluster.Policy.WithDefaults()
	clusterLogger := a.logger.Named("cluster")
	service := cluster.NewService(cluster.ServiceDeps{
		Store:     a.store,
		Engine:    cluster.NewEngine(policy, clusterLogger),
		Digests:   cluster.NewDigestEngine(a.generator, clock, policy, clusterLogger),
		Publisher: a.publisher,
		Clock:     clock,
		Observer:  a.metrics,
	}, clusterLogger)

	deps := pipeline.Deps{
		Store:      a.store,
		Puller:     feed.NewPuller(fetcher, clock, a.logger.Named("feed")),
		Normalizer: normalize.New(clock),
		Content: worker.NewContentPool(contentDeps, worker.ContentConfig{
			BlobPrefix:  cfg.Storage.Prefix,
			ContentType: cfg.Storage.ContentType,
		}, a.logger.Named("content")),
		Topics: worker.NewTopicPool(
			topics.New(cfg.TopicRules(), cfg.Topics.MaxTags, a.logger.Named("topics")),
			a.store,
			a.logger.Named("topic_pool"),
		),
		Clusters: service,
		IDs:      uuid.New(),
		Clock:    clock,
		Observer: a.metrics,
	}
	return pipeline.New(deps, PipelineOptions(cfg), a.logger.Named("pipeline"))
}

// PipelineOptions translates configuration into explicit stage options.
func PipelineOptions(cfg config.Config) pipeline.Options {
	return pipeline.Options{
		Sources: cfg.Sources,
		Pull: feed.PullOptions{
			SinceHours:   cfg.Ingest.SinceHours,
			MaxPerSource: cfg.Ingest.MaxPerSource,
			GlobalLimit:  cfg.Ingest.GlobalLimit,
			Timeout:      cfg.IngestTimeout(),
			Concurrency:  cfg.Ingest.Concurrency,
		},
		ContentBatch: cfg.Content.BatchSize,
		Content: worker.ContentOptions{
			Concurrency: cfg.Content.Concurrency,
			Timeout:     cfg.ContentTimeout(),
		},
		TopicBatch: cfg.Topics.BatchSize,
		Topics:     worker.TopicOptions{Concurrency: cfg.Topics.Concurrency},
		Cluster: cluster.RunOptions{
			DigestConcurrency: cfg.Cluster.DigestConcurrency,
			DigestTimeout:     cfg.DigestTimeout(),
			EventTopic:        cfg.PubSub.DigestTopic,
		},
	}
}

// Serve runs the HTTP API and blocks until ctx is canceled or a signal
// arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
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
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
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
	if a.store != nil {
		a.store.Close()
	}
}
