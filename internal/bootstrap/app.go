package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ragdesk/internal/ai"
	"ragdesk/internal/app"
	"ragdesk/internal/cache"
	"ragdesk/internal/chunker"
	"ragdesk/internal/config"
	"ragdesk/internal/extract"
	"ragdesk/internal/pkg/jwtutil"
	"ragdesk/internal/pkg/logger"
	"ragdesk/internal/pkg/metrics"
	"ragdesk/internal/pkg/tracing"
	mysqlClient "ragdesk/internal/platform/mysql"
	natsClient "ragdesk/internal/platform/nats"
	postgresClient "ragdesk/internal/platform/postgres"
	rabbitmqClient "ragdesk/internal/platform/rabbitmq"
	redisClient "ragdesk/internal/platform/redis"
	"ragdesk/internal/ratelimit"
	"ragdesk/internal/repository"
	"ragdesk/internal/repository/memstore"
	"ragdesk/internal/storage"
	httptransport "ragdesk/internal/transport/http"
	"ragdesk/internal/transport/http/handler"
	"ragdesk/internal/vectorindex"
	"ragdesk/internal/worker"
)

type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB     *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection
	Events *natsClient.EventPublisher

	Ingest        *app.IngestService
	Query         *app.QueryService
	Conversations *app.ConversationService
	Stats         *app.StatsService

	IngestWorker *worker.IngestWorker
	Reaper       *worker.Reaper

	Metrics *metrics.Metrics

	limiter        ratelimit.Limiter
	checks         []handler.Check
	shutdownTracer func(context.Context) error

	StartedAt time.Time
}

// metadata bundles whichever repository backend the config selects.
type metadata struct {
	documents     app.DocumentRepository
	conversations app.ConversationRepository
	usage         app.UsageRepository
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	log, err := logger.New(cfg.Log, cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger failed: %w", err)
	}

	a := &App{Config: cfg, Logger: log, StartedAt: time.Now()}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	log := a.Logger

	shutdown, err := tracing.Init(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing failed: %w", err)
	}
	a.shutdownTracer = shutdown

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}

	meta, err := a.openMetadata(ctx)
	if err != nil {
		return err
	}

	if cfg.Redis.Enabled {
		a.Redis, err = redisClient.New(ctx, redisClient.Options{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			ClientName: cfg.App.Name,
		})
		if err != nil {
			return err
		}
		a.addCheck("redis", func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() })
	}

	objects, err := a.openStorage(ctx)
	if err != nil {
		return err
	}

	index, err := a.openVectorIndex(ctx)
	if err != nil {
		return err
	}

	retry := ai.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
		MaxDelay:    cfg.RetryMaxDelay(),
	}
	llmTimeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	embedder := ai.NewRetryingEmbedder(ai.NewEmbeddingClient(ai.EmbeddingConfig{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.EmbeddingModel,
		BatchSize:  cfg.Embedding.BatchSize,
		Dimensions: cfg.Vector.Dimensions,
	}, llmTimeout), retry, log)
	llm := ai.NewOpenAICompatibleClient(ai.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, llmTimeout)

	splitter, err := chunker.New(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		return fmt.Errorf("init chunker failed: %w", err)
	}

	var events app.EventPublisher = app.NopEvents{}
	if cfg.NATS.Enabled {
		a.Events, err = natsClient.NewEventPublisher(ctx, cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return err
		}
		events = a.Events
		a.addCheck("nats", func(context.Context) error { return a.Events.Ping() })
	}

	var jobs app.JobPublisher
	if cfg.RabbitMQ.Enabled {
		a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		a.addCheck("rabbitmq", func(context.Context) error { return rabbitmqClient.Ping(a.MQConn) })
		if cfg.Ingest.Async {
			jobs = rabbitmqClient.NewJobPublisher(a.MQConn, cfg.RabbitMQ.IngestQueue)
		}
	}

	processTimeout := time.Duration(cfg.Ingest.ProcessingTimeoutSeconds) * time.Second
	a.Ingest = app.NewIngestService(app.IngestDeps{
		Documents:      meta.documents,
		Usage:          meta.usage,
		Storage:        objects,
		Index:          index,
		Embedder:       embedder,
		Extractor:      extract.New(cfg.RAG.MaxFileBytes),
		Splitter:       splitter,
		Jobs:           jobs,
		Events:         events,
		Logger:         log,
		Metrics:        a.Metrics,
		CostPer1K:      cfg.Usage.CostPer1KTokens,
		ProcessTimeout: processTimeout,
	})

	var history app.HistoryCache
	if a.Redis != nil {
		history = cache.NewHistoryCache(a.Redis, time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second)
	}
	a.Query = app.NewQueryService(app.QueryDeps{
		Documents:     meta.documents,
		Conversations: meta.conversations,
		Usage:         meta.usage,
		Index:         index,
		Embedder:      embedder,
		LLM:           llm,
		History:       history,
		Retry:         retry,
		Logger:        log,
		TopK:          cfg.RAG.TopK,
		MinScore:      cfg.RAG.MinScore,
		HistoryWindow: cfg.RAG.HistoryWindow,
		MaxQueryChars: cfg.RAG.MaxQueryChars,
		CostPer1K:     cfg.Usage.CostPer1KTokens,
	})
	a.Conversations = app.NewConversationService(meta.conversations, history, log)
	a.Stats = app.NewStatsService(meta.documents, meta.conversations, meta.usage, index.Name(), llm.Model())

	if cfg.RateLimit.Enabled {
		if a.Redis != nil {
			a.limiter = ratelimit.NewRedis(a.Redis, cfg.App.Name+":ratelimit")
		} else {
			a.limiter = ratelimit.NewMemory()
		}
	}

	if a.Ingest.Async() {
		a.IngestWorker = worker.NewIngestWorker(a.MQConn, a.Ingest, cfg.RabbitMQ.IngestQueue, log)
		if err := a.IngestWorker.Start(ctx); err != nil {
			return fmt.Errorf("start ingest worker failed: %w", err)
		}
	}

	a.Reaper = worker.NewReaper(a.Ingest.ReapStale, time.Duration(cfg.Ingest.ReaperIntervalSeconds)*time.Second, log)
	a.Reaper.Start(ctx)

	log.Info("application wired",
		zap.String("database", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("vector", index.Name()),
		zap.Bool("async_ingest", a.Ingest.Async()),
		zap.Bool("events", cfg.NATS.Enabled),
	)
	return nil
}

func (a *App) openMetadata(ctx context.Context) (*metadata, error) {
	cfg := a.Config
	var err error
	switch cfg.Database.Driver {
	case "memory":
		a.Logger.Warn("using in-memory metadata store; data is lost on restart")
		store := memstore.New()
		return &metadata{documents: store.Documents, conversations: store.Conversations, usage: store.Usage}, nil
	case "mysql":
		a.DB, err = mysqlClient.New(ctx, mysqlClient.Options{
			DSN:     cfg.MySQLDSN(),
			MaxOpen: cfg.Database.MaxOpen,
			MaxIdle: cfg.Database.MaxIdle,
			Migrate: cfg.Database.AutoMigrate,
		})
	default:
		a.DB, err = postgresClient.New(ctx, postgresClient.Options{
			DSN:     cfg.PostgresDSN(),
			MaxOpen: cfg.Database.MaxOpen,
			MaxIdle: cfg.Database.MaxIdle,
			Migrate: cfg.Database.AutoMigrate,
		})
	}
	if err != nil {
		return nil, err
	}
	a.addCheck("database", func(ctx context.Context) error {
		sqlDB, err := a.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	return &metadata{
		documents:     repository.NewDocumentRepository(a.DB),
		conversations: repository.NewConversationRepository(a.DB),
		usage:         repository.NewUsageRepository(a.DB),
	}, nil
}

func (a *App) openStorage(ctx context.Context) (app.ObjectStore, error) {
	cfg := a.Config.Storage
	if cfg.Backend == "memory" {
		a.Logger.Warn("using in-memory object storage; uploads are lost on restart")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:       cfg.Bucket,
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		AccessKey:    cfg.AccessKey,
		SecretKey:    cfg.SecretKey,
		UsePathStyle: cfg.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 storage failed: %w", err)
	}
	return store, nil
}

func (a *App) openVectorIndex(ctx context.Context) (vectorindex.Index, error) {
	cfg := a.Config.Vector
	switch cfg.Backend {
	case "pgvector":
		index := vectorindex.NewPGVector(a.DB, cfg.CollectionPrefix, cfg.Dimensions)
		if err := index.Init(ctx); err != nil {
			return nil, err
		}
		return index, nil
	case "qdrant":
		return vectorindex.NewQdrant(vectorindex.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Prefix:     cfg.CollectionPrefix,
			Dimensions: cfg.Dimensions,
		}), nil
	default:
		a.Logger.Warn("using in-memory vector index; embeddings are lost on restart")
		return vectorindex.NewMemory(cfg.Dimensions), nil
	}
}

func (a *App) addCheck(name string, fn func(ctx context.Context) error) {
	a.checks = append(a.checks, handler.Check{Name: name, Fn: fn})
}

// HTTPDeps hands the wired services to the router.
func (a *App) HTTPDeps() httptransport.Deps {
	cfg := a.Config
	return httptransport.Deps{
		AppName:          cfg.App.Name,
		Env:              cfg.App.Env,
		GinMode:          cfg.App.GinMode,
		StartedAt:        a.StartedAt,
		Logger:           a.Logger,
		Verifier:         jwtutil.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience),
		Limiter:          a.limiter,
		QueriesPerMinute: cfg.RateLimit.QueriesPerMinute,
		UploadsPerHour:   cfg.RateLimit.UploadsPerHour,
		MaxFileBytes:     cfg.RAG.MaxFileBytes,
		Ingest:           a.Ingest,
		Query:            a.Query,
		Conversations:    a.Conversations,
		Stats:            a.Stats,
		HealthChecks:     a.checks,
		Metrics:          a.Metrics,
	}
}

// Close stops background workers before releasing the connections they use.
func (a *App) Close() error {
	var errs []error
	if a.Reaper != nil {
		a.Reaper.Close()
	}
	if a.IngestWorker != nil {
		a.IngestWorker.Close()
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		if err := a.MQConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rabbitmq: %w", err))
		}
	}
	if a.Events != nil {
		a.Events.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close database: %w", err))
			}
		}
	}
	if a.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}
