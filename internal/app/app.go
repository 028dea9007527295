// Package app builds the long-lived services from configuration and owns
// their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/api"
	"github.com/JakeFAU/topic-crawler/internal/clock/system"
	"github.com/JakeFAU/topic-crawler/internal/config"
	"github.com/JakeFAU/topic-crawler/internal/crawl"
	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/extraction"
	collyfetcher "github.com/JakeFAU/topic-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/topic-crawler/internal/fetcher/robots"
	"github.com/JakeFAU/topic-crawler/internal/id/uuid"
	"github.com/JakeFAU/topic-crawler/internal/llm"
	"github.com/JakeFAU/topic-crawler/internal/metrics"
	"github.com/JakeFAU/topic-crawler/internal/orchestrator"
	"github.com/JakeFAU/topic-crawler/internal/policy/priority"
	"github.com/JakeFAU/topic-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/topic-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/topic-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/topic-crawler/internal/queue"
	"github.com/JakeFAU/topic-crawler/internal/seed"
	gcsstorage "github.com/JakeFAU/topic-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/topic-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/topic-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/topic-crawler/internal/storage/postgres"
	"github.com/JakeFAU/topic-crawler/internal/telemetry"
)

const connectTimeout = 5 * time.Second

// Options override infrastructure for tests and embedding.
type Options struct {
	// Redis, when set, is used instead of dialing cfg.Redis.
	Redis redis.UniversalClient
	// Model, when set, replaces the OpenAI-compatible client.
	Model extraction.Model
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	redis        redis.UniversalClient
	ownsRedis    bool
	queue        *queue.Manager
	pgStore      *pgstore.Store
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	pubsubPub    *gcppublisher.Publisher
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. Any failure here is a
// startup error: nothing has been started yet.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeInfrastructure()
		}
	}()

	a.tracerShutdown, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("storage_provider", cfg.Storage.Provider),
		zap.Bool("pubsub_enabled", cfg.PubSub.Enabled),
	)

	if err = a.setupQueue(ctx, opts.Redis); err != nil {
		return nil, err
	}
	st, err := a.setupDatabase(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	model := opts.Model
	if model == nil {
		model, err = llm.New(llm.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("llm client init failed: %w", err)
		}
	}
	seeds, err := setupSeeds(cfg.Seeds)
	if err != nil {
		return nil, err
	}
	crawlDeps, err := a.setupCrawl(st, blobs)
	if err != nil {
		return nil, err
	}

	a.orchestrator, err = orchestrator.New(orchestrator.Deps{
		Queue:       a.queue,
		CrawlDeps:   crawlDeps,
		CrawlConfig: crawlConfig(cfg),
		ExtractDeps: extraction.Deps{
			Pages:       st.pages,
			Extractions: st.extractions,
			Topics:      st.topics,
			Model:       model,
			Publisher:   publisher,
		},
		ExtractConfig: extraction.Config{
			MinTextChars:  cfg.Extraction.MinTextChars,
			MinSplitChars: cfg.Extraction.MinSplitChars,
			MaxRetries:    cfg.Extraction.MaxRetries,
			MaxInputChars: cfg.Extraction.MaxInputChars,
			IdleDelay:     cfg.Extraction.IdleDelay,
			NotifyTopic:   cfg.PubSub.TopicName,
		},
		Seeds:   seeds,
		Alerter: orchestrator.NewLogAlerter(logger.Named("alert")),
		Clock:   system.New(),
	}, orchestrator.Config{
		DefaultDuration: cfg.Run.DefaultDuration,
		DefaultMaxPages: cfg.Run.DefaultMaxPages,
		YieldDelay:      cfg.Run.YieldDelay,
		EmptyWait:       cfg.Run.EmptyWait,
		DrainTimeout:    cfg.Run.DrainTimeout,
		ReportInterval:  cfg.Run.ReportInterval,
	}, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	checks := map[string]api.Pinger{"redis": a.queue}
	if a.pgStore != nil {
		checks["postgres"] = a.pgStore
	}
	a.apiServer = api.NewServer(a.orchestrator, checks, api.Config{APIKey: cfg.Server.APIKey}, logger.Named("api"))

	return a, nil
}

// Orchestrator exposes the run coordinator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Handler exposes the HTTP control API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the HTTP API until ctx is canceled, then asks any active run to
// stop and shuts the listener down.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated")
	a.orchestrator.RequestStop()

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases every client Build opened.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPub != nil {
		a.pubsubPub.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.redis != nil && a.ownsRedis {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

func (a *App) setupQueue(ctx context.Context, client redis.UniversalClient) error {
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:        a.cfg.Redis.Addr,
			Password:    a.cfg.Redis.Password,
			DB:          a.cfg.Redis.DB,
			DialTimeout: a.cfg.Redis.DialTimeout,
		})
		a.ownsRedis = true
	}
	a.redis = client

	qc := a.cfg.Queue
	a.queue = queue.New(client, queue.Config{
		Prefix:      qc.Prefix,
		SeenTTL:     qc.SeenTTL,
		DLQMax:      qc.DLQMax,
		PopTimeout:  qc.PopTimeout,
		MaxAttempts: qc.MaxAttempts,
		Backoff:     queue.Backoff{Base: qc.BackoffBase, Cap: qc.BackoffCap, JitterRatio: queue.DefaultBackoff().JitterRatio},
	}, system.New(), a.logger.Named("queue"))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := a.queue.Ping(pingCtx); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.logger.Info("queue manager connected", zap.String("addr", a.cfg.Redis.Addr), zap.String("prefix", qc.Prefix))
	return nil
}

type stores struct {
	pages       crawler.PageStore
	extractions crawler.ExtractionStore
	topics      crawler.TopicStore
}

func (a *App) setupDatabase(ctx context.Context) (stores, error) {
	if a.cfg.Database.Driver == "memory" {
		a.logger.Warn("using in-memory page store; nothing survives a restart")
		mem := memorystorage.NewStore()
		return stores{pages: mem, extractions: mem, topics: mem}, nil
	}

	dbc := a.cfg.Database
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	store, err := pgstore.New(connectCtx, pgstore.Config{
		DSN:              dbc.DSN,
		MaxConns:         dbc.MaxConns,
		MinConns:         dbc.MinConns,
		MaxConnLifetime:  dbc.MaxConnLifetime,
		PagesTable:       dbc.PagesTable,
		ExtractionsTable: dbc.ExtractionsTable,
		TopicsTable:      dbc.TopicsTable,
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	if dbc.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return stores{}, fmt.Errorf("ensure schema: %w", err)
		}
	}
	a.logger.Info("postgres store initialized", zap.String("pages_table", dbc.PagesTable))
	return stores{pages: store, extractions: store, topics: store}, nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	sc := a.cfg.Storage
	switch sc.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: sc.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", sc.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: sc.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", sc.BaseDir))
		return blobs, nil
	case "memory":
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("raw HTML archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	pc := a.cfg.PubSub
	if !pc.Enabled {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, pc.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPub = gcppublisher.New(client.Topic(pc.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", pc.ProjectID),
		zap.String("topic", pc.TopicName),
	)
	return a.pubsubPub, nil
}

func (a *App) setupCrawl(st stores, blobs crawler.BlobStore) (crawl.Deps, error) {
	cc := a.cfg.Crawler
	articles, err := crawler.NewArticleMatcher(cc.ArticlePattern)
	if err != nil {
		return crawl.Deps{}, err
	}
	pc := a.cfg.Priority
	scorer := priority.New(priority.Weights{
		BaseUnknown:      pc.BaseUnknown,
		BaseHighSignal:   pc.BaseHighSignal,
		DepthMultiplier:  pc.DepthMultiplier,
		ArticleBonus:     pc.ArticleBonus,
		WikiPenalty:      pc.WikiPenalty,
		DuplicatePenalty: pc.DuplicatePenalty,
		PriorFailPenalty: pc.PriorFailPenalty,
	}, pc.HighSignalDomains, articles)

	deps := crawl.Deps{
		Pages: st.pages,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:   cc.UserAgent,
			Timeout:     cc.FetchTimeout,
			MaxBodySize: cc.MaxBodyBytes,
		}),
		Robots: robots.New(robots.Config{
			UserAgent:  cc.UserAgent,
			Timeout:    cc.RobotsTimeout,
			FailureTTL: cc.RobotsFailureTTL,
			Disabled:   cc.IgnoreRobots,
		}, nil, a.logger.Named("robots")),
		Limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cc.HostRPS, DefaultBurst: cc.HostBurst}),
		Scorer:  scorer,
		IDs:     uuid.New(),
	}
	if blobs != nil {
		deps.Blobs = blobs
	}
	a.logger.Info("crawl pipeline configured",
		zap.String("user_agent", cc.UserAgent),
		zap.Duration("fetch_timeout", cc.FetchTimeout),
		zap.Bool("ignore_robots", cc.IgnoreRobots),
		zap.Float64("host_rps", cc.HostRPS),
	)
	return deps, nil
}

func crawlConfig(cfg config.Config) crawl.Config {
	cc := cfg.Crawler
	return crawl.Config{
		UserAgent:         cc.UserAgent,
		FetchTimeout:      cc.FetchTimeout,
		MinTextChars:      cc.MinTextChars,
		MaxOutlinks:       cc.MaxOutlinks,
		SameHostPolicy:    cc.SameHostPolicy,
		WikiCap:           cc.WikiCap,
		WikiDomain:        cc.WikiDomain,
		ThrottlePenalty:   cfg.Priority.ThrottlePenalty,
		MaxRetries:        cc.MaxRetries,
		DiversityWindow:   cfg.Diversity.Window,
		DiversityMax:      cfg.Diversity.MaxPerDomain,
		StoreRawHTML:      cc.StoreRawHTML,
		BlobPrefix:        cfg.Storage.Prefix,
		HighSignalDomains: cfg.Priority.HighSignalDomains,
	}
}

func setupSeeds(sc config.SeedsConfig) ([]seed.Generator, error) {
	gens := []seed.Generator{seed.NewCurated(sc.Topics, sc.Defaults)}
	if len(sc.Templates) > 0 {
		tmpl, err := seed.NewTemplate(sc.Templates)
		if err != nil {
			return nil, fmt.Errorf("seed templates: %w", err)
		}
		gens = append(gens, tmpl)
	}
	return gens, nil
}
