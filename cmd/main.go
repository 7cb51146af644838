package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/answer"
	"campus-assistant/internal/config"
	"campus-assistant/internal/facts"
	"campus-assistant/internal/ingest"
	"campus-assistant/internal/intent"
	"campus-assistant/internal/logger"
	"campus-assistant/internal/memory"
	"campus-assistant/internal/orchestrator"
	"campus-assistant/internal/queue"
	"campus-assistant/internal/scheduler"
	"campus-assistant/internal/telemetry"
	"campus-assistant/internal/vectorindex"
	"campus-assistant/middleware"
	"campus-assistant/routes"
	"campus-assistant/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const ingestTimeout = 10 * time.Minute

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer(cfg.ServiceName, cfg.OTELEndpoint, 1.0)
	if err != nil {
		logger.Warn("Tracing unavailable", "error", err)
		shutdownTracer = func() {}
	}
	defer shutdownTracer()

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		logger.Warn("Metrics unavailable", "error", err)
	}

	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mongoClient.Disconnect(ctx)
	}()
	db := mongoClient.Database(cfg.DBName)

	rdb := connectRedis(cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	gemini, err := ai.NewGeminiClient(context.Background(), ai.GeminiOptions{
		APIKey:         cfg.GeminiAPIKey,
		Model:          cfg.LLMModel,
		EmbeddingModel: cfg.EmbeddingModel,
		MaxTokens:      cfg.LLMMaxTokens,
		Temperature:    cfg.LLMTemperature,
		MaxRetries:     cfg.LLMMaxRetries,
		RPM:            cfg.LLMRPM,
		Metrics:        metrics,
	})
	if err != nil {
		log.Fatal("Failed to initialize Gemini client:", err)
	}
	defer gemini.Close()

	index := vectorindex.New(gemini, vectorindex.Options{
		Dir:          cfg.IndexDir,
		BatchSize:    cfg.IndexBatchSize,
		Weights:      cfg.Retrieval.Weights,
		MMRLambda:    cfg.Retrieval.MMRLambda,
		EmbedTimeout: cfg.LLMTimeout,
		Reranker: &vectorindex.FallbackReranker{
			Primary:   &vectorindex.LLMReranker{LLM: gemini, Timeout: cfg.LLMTimeout, MinScore: cfg.Retrieval.MinRerankScore},
			Secondary: &vectorindex.KeywordReranker{},
		},
	})
	go func() {
		for {
			err := index.LoadOrInitialize(context.Background())
			if err == nil {
				return
			}
			if index.State() == vectorindex.Ready {
				logger.Error("Vector index ready but not persisted", "error", err)
				return
			}
			logger.Error("Vector index failed to load, retrying", "error", err)
			time.Sleep(10 * time.Second)
		}
	}()

	// Ingestion: a local bounded pool, or asynq tasks run by cmd/worker.
	statusStore := services.NewDocumentStatusStore(db, metrics)
	var (
		submitter ingest.Submitter
		jobs      routes.JobTracker
		active    func(string) bool
		pool      *ingest.Pool
		qclient   *queue.Client
	)
	switch cfg.IngestBackend {
	case config.IngestBackendAsynq:
		redisOpt, err := queue.RedisClientOpt(cfg)
		if err != nil {
			log.Fatal("Invalid Redis configuration for asynq:", err)
		}
		qclient = queue.NewClient(redisOpt, cfg.IngestQueueSize, ingestTimeout)
		submitter = qclient
	default:
		pipeline := ingest.NewPipeline(
			ingest.NewLoader(cfg.MaxFileSize),
			ingest.NewChunkerFromConfig(cfg, gemini),
			index, statusStore, metrics, ingestTimeout,
		)
		pool = ingest.NewPool(pipeline, cfg.IngestWorkers, cfg.IngestQueueSize)
		pool.Start()
		submitter, jobs, active = pool, pool, pool.Active
	}

	docs, err := services.NewDocumentService(db, cfg.FileStorageDir, cfg.MaxFileSize, submitter, metrics)
	if err != nil {
		log.Fatal("Failed to initialize document storage:", err)
	}
	faqs := services.NewFAQService(db, rdb, cfg.FAQCacheTTL)
	history := services.NewHistoryService(db, metrics)
	exporter := services.NewExportService(history)

	// Conversation state
	var (
		entityStore memory.Store
		threadStore orchestrator.HistoryStore
	)
	if cfg.EntityStore == config.EntityStoreRedis {
		entityStore = memory.NewRedisStore(rdb, cfg.EntityTTL)
		threadStore = orchestrator.NewRedisHistory(rdb, cfg.HistoryMaxTurns, cfg.EntityTTL)
	} else {
		entityStore = memory.NewMemoryStore()
		threadStore = orchestrator.NewMemoryHistory(cfg.HistoryMaxTurns)
	}
	entities := memory.NewEntityMemory(gemini, entityStore, cfg.LLMTimeout)

	newOrchestrator := func() *orchestrator.Orchestrator {
		return orchestrator.New(orchestrator.Deps{
			Classifier: intent.NewClassifier(gemini, cfg.LLMTimeout, metrics),
			Entities:   entities,
			Retriever:  index,
			Facts:      facts.NewMongoFetcher(db, cfg.FetchTimeout, metrics),
			Generator:  answer.NewGenerator(gemini, cfg.LLMTimeout),
			History:    threadStore,
			Recorder:   history,
			Retrieval:  cfg.Retrieval,
			Metrics:    metrics,
		})
	}
	holder := orchestrator.NewHolder(newOrchestrator())
	reset := func() error {
		return holder.Reset(func() (*orchestrator.Orchestrator, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := index.Reload(ctx); err != nil && !errors.Is(err, vectorindex.ErrNotReady) {
				return nil, err
			}
			return newOrchestrator(), nil
		})
	}

	sched := scheduler.NewScheduler()
	if cfg.IngestBackend == config.IngestBackendAsynq && cfg.IndexReloadInterval > 0 {
		if err := sched.ScheduleInterval(scheduler.TagIndexReload, cfg.IndexReloadInterval, scheduler.IndexReloadJob(index)); err != nil {
			logger.Error("Failed to schedule index reload", "error", err)
		}
	}
	// asynq keeps unfinished tasks in Redis, so only the local pool can orphan documents.
	if pool != nil && cfg.IngestOrphanAfter > 0 {
		every := cfg.IngestOrphanAfter / 2
		if err := sched.ScheduleInterval(scheduler.TagOrphanSweep, every, scheduler.OrphanSweepJob(statusStore, active, cfg.IngestOrphanAfter)); err != nil {
			logger.Error("Failed to schedule orphan sweep", "error", err)
		}
	}
	sched.Start()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	var watcher *ingest.Watcher
	if cfg.InboxDir != "" {
		watcher, err = ingest.NewWatcher(cfg.InboxDir, 2*time.Second, func(ctx context.Context, path string) {
			if _, err := docs.IngestFile(ctx, path); err != nil {
				logger.Warn("Inbox file not ingested", "path", path, "error", err)
			}
		})
		if err != nil {
			logger.Error("Inbox watcher disabled", "dir", cfg.InboxDir, "error", err)
		} else {
			go watcher.Run(watchCtx)
		}
	}

	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.EnrichTrace())
	router.Use(middleware.MetricsMiddleware(metrics))
	router.Use(middleware.CORSMiddleware(cfg.CORSOrigins))

	window := time.Duration(cfg.RateLimitWindow) * time.Second
	askLimit := middleware.RateLimit(rdb, cfg.AskRateLimit, window)
	defaultLimit := middleware.RateLimit(rdb, cfg.DefaultRateLimit, window)

	routes.SetupHealthRoutes(router, index)
	api := router.Group("/api/v1")
	routes.SetupAskRoutes(api, holder, askLimit)
	routes.SetupDocumentRoutes(api.Group("", middleware.RequestSizeLimit(cfg.MaxFileSize+1<<20)), docs, jobs, reset, defaultLimit)
	routes.SetupFAQRoutes(api, faqs, defaultLimit)
	routes.SetupHistoryRoutes(api, history, exporter, defaultLimit)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Port, "ingest_backend", cfg.IngestBackend, "entity_store", cfg.EntityStore)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	stopWatch()
	if watcher != nil {
		watcher.Close()
	}
	sched.Stop()
	if pool != nil {
		if err := pool.Shutdown(ctx); err != nil {
			logger.Warn("Ingestion pool did not drain", "error", err)
		}
	}
	if qclient != nil {
		qclient.Close()
	}

	logger.Info("Server exited")
}

// connectRedis returns nil when Redis is optional and unreachable. Redis
// backed entity storage and asynq ingestion make it required.
func connectRedis(cfg *config.Config) *redis.Client {
	rdb, err := config.NewRedisClient(cfg)
	if err == nil {
		return rdb
	}
	if cfg.EntityStore == config.EntityStoreRedis || cfg.IngestBackend == config.IngestBackendAsynq {
		log.Fatal("Failed to connect to Redis:", err)
	}
	logger.Warn("Redis unavailable: rate limiting and FAQ caching disabled", "error", err)
	return nil
}
