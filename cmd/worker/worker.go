package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/config"
	"campus-assistant/internal/ingest"
	"campus-assistant/internal/logger"
	"campus-assistant/internal/queue"
	"campus-assistant/internal/telemetry"
	"campus-assistant/internal/vectorindex"
	"campus-assistant/services"

	"github.com/hibiken/asynq"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer(cfg.ServiceName+"-worker", cfg.OTELEndpoint, 1.0)
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
	defer mongoClient.Disconnect(context.Background())

	gemini, err := ai.NewGeminiClient(context.Background(), ai.GeminiOptions{
		APIKey:         cfg.GeminiAPIKey,
		Model:          cfg.LLMModel,
		EmbeddingModel: cfg.EmbeddingModel,
		MaxRetries:     cfg.LLMMaxRetries,
		RPM:            cfg.LLMRPM,
		Metrics:        metrics,
	})
	if err != nil {
		log.Fatal("Failed to initialize Gemini client:", err)
	}
	defer gemini.Close()

	// The worker is the only writer of the index; the API process picks up
	// new entries through its scheduled reload.
	index := vectorindex.New(gemini, vectorindex.Options{
		Dir:          cfg.IndexDir,
		BatchSize:    cfg.IndexBatchSize,
		EmbedTimeout: cfg.LLMTimeout,
	})
	if err := index.LoadOrInitialize(context.Background()); err != nil {
		log.Fatal("Failed to load vector index:", err)
	}

	pipeline := ingest.NewPipeline(
		ingest.NewLoader(cfg.MaxFileSize),
		ingest.NewChunkerFromConfig(cfg, gemini),
		index,
		services.NewDocumentStatusStore(mongoClient.Database(cfg.DBName), metrics),
		metrics,
		10*time.Minute,
	)

	redisOpt, err := queue.RedisClientOpt(cfg)
	if err != nil {
		log.Fatal("Invalid Redis configuration:", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.IngestWorkers,
			Queues: map[string]int{
				queue.QueueCritical: 6,
				queue.QueueDefault:  3,
			},
			StrictPriority: true,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	queue.NewTaskProcessor(pipeline).Register(mux)

	logger.Info("Starting asynq worker",
		"concurrency", cfg.IngestWorkers,
		"index_entries", index.Stats().Entries,
	)

	if err := server.Start(mux); err != nil {
		log.Fatal("Failed to start worker:", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	server.Shutdown()
}
