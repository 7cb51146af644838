// Command indexctl inspects and rebuilds the persisted vector index.
//
//	indexctl stats    index size and document counts by status
//	indexctl rebuild  re-ingest every completed document into a fresh index
//
// Stop the API and worker before rebuilding.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/config"
	"campus-assistant/internal/ingest"
	"campus-assistant/internal/logger"
	"campus-assistant/internal/vectorindex"
	"campus-assistant/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: indexctl <command>")
		fmt.Println("Commands:")
		fmt.Println("  stats    - Show index size and document counts")
		fmt.Println("  rebuild  - Re-ingest completed documents into a fresh index")
		os.Exit(1)
	}
	command := os.Args[1]

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.InitLogger(cfg)

	client, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())
	db := client.Database(cfg.DBName)

	gemini, err := ai.NewGeminiClient(context.Background(), ai.GeminiOptions{
		APIKey:         cfg.GeminiAPIKey,
		Model:          cfg.LLMModel,
		EmbeddingModel: cfg.EmbeddingModel,
		MaxRetries:     cfg.LLMMaxRetries,
		RPM:            cfg.LLMRPM,
	})
	if err != nil {
		log.Fatalf("Failed to initialize Gemini client: %v", err)
	}
	defer gemini.Close()

	ctx := context.Background()
	switch command {
	case "stats":
		if err := stats(ctx, cfg, gemini, db); err != nil {
			log.Fatalf("Stats failed: %v", err)
		}
	case "rebuild":
		if err := rebuild(ctx, cfg, gemini, db); err != nil {
			log.Fatalf("Rebuild failed: %v", err)
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}
}

func stats(ctx context.Context, cfg *config.Config, embedder vectorindex.Embedder, db *mongo.Database) error {
	index := vectorindex.New(embedder, vectorindex.Options{Dir: cfg.IndexDir, EmbedTimeout: cfg.LLMTimeout})
	if err := index.LoadOrInitialize(ctx); err != nil {
		return err
	}
	s := index.Stats()
	fmt.Printf("Index %s: %d entries, dim %d (%s)\n", cfg.IndexDir, s.Entries, s.Dim, s.State)

	coll := db.Collection(config.CollectionDocuments)
	for _, st := range []models.DocumentStatus{models.StatusWaiting, models.StatusCompleted, models.StatusFailed} {
		n, err := coll.CountDocuments(ctx, bson.M{"status": st})
		if err != nil {
			return err
		}
		fmt.Printf("  %-9s %d documents\n", st, n)
	}
	return nil
}

// rebuild builds the new index next to the old one and swaps directories
// only when every document was processed.
func rebuild(ctx context.Context, cfg *config.Config, embedder vectorindex.Embedder, db *mongo.Database) error {
	cursor, err := db.Collection(config.CollectionDocuments).Find(ctx, bson.M{"status": models.StatusCompleted})
	if err != nil {
		return err
	}
	var docs []models.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return err
	}
	fmt.Printf("Rebuilding index from %d documents...\n", len(docs))

	tmpDir := filepath.Clean(cfg.IndexDir) + ".rebuild"
	if err := os.RemoveAll(tmpDir); err != nil {
		return err
	}
	index := vectorindex.New(embedder, vectorindex.Options{
		Dir:          tmpDir,
		BatchSize:    cfg.IndexBatchSize,
		EmbedTimeout: cfg.LLMTimeout,
	})
	if err := index.LoadOrInitialize(ctx); err != nil {
		return err
	}

	report := &statusReport{}
	pipeline := ingest.NewPipeline(
		ingest.NewLoader(cfg.MaxFileSize),
		ingest.NewChunkerFromConfig(cfg, embedder),
		index, report, nil, 10*time.Minute,
	)
	for _, doc := range docs {
		pipeline.Process(ctx, ingest.Job{
			DocumentID: doc.ID.Hex(),
			FilePath:   doc.FilePath,
			FileName:   doc.FileName,
			Key:        doc.Key,
		})
	}
	if report.failed > 0 {
		return fmt.Errorf("%d of %d documents failed; old index left in place, new one in %s", report.failed, len(docs), tmpDir)
	}

	backup := filepath.Clean(cfg.IndexDir) + ".bak"
	os.RemoveAll(backup)
	if err := os.Rename(cfg.IndexDir, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(tmpDir, cfg.IndexDir); err != nil {
		return err
	}
	fmt.Printf("Rebuild complete: %d entries (previous index kept in %s)\n", index.Stats().Entries, backup)
	return nil
}

// statusReport prints outcomes instead of touching document records.
type statusReport struct {
	failed int
}

func (r *statusReport) SetStatus(_ context.Context, documentID string, status models.DocumentStatus, chunkCount int, errMsg string) error {
	if status == models.StatusFailed {
		r.failed++
		fmt.Printf("  %s failed: %s\n", documentID, errMsg)
		return nil
	}
	fmt.Printf("  %s %s (%d chunks)\n", documentID, status, chunkCount)
	return nil
}
