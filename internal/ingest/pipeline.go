// Package ingest loads uploaded documents, splits them into chunks and feeds
// them into the vector index off the request path.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campus-assistant/internal/logger"
	"campus-assistant/internal/telemetry"
	"campus-assistant/internal/vectorindex"
	"campus-assistant/models"
)

// Job is one ingestion request. It is not persisted; progress is visible
// through the document status.
type Job struct {
	DocumentID string `json:"document_id"`
	FilePath   string `json:"file_path"`
	FileName   string `json:"file_name"`
	Key        string `json:"key"`
}

// Indexer is the part of the vector index the pipeline writes to.
type Indexer interface {
	AddDocuments(ctx context.Context, chunks []vectorindex.Chunk) (bool, error)
}

// StatusWriter records the outcome of an ingestion attempt.
type StatusWriter interface {
	SetStatus(ctx context.Context, documentID string, status models.DocumentStatus, chunkCount int, errMsg string) error
}

var errNoText = errors.New("no text could be extracted")

// Pipeline runs load, chunk, index and status update for one job.
type Pipeline struct {
	loader  *Loader
	chunker *Chunker
	index   Indexer
	status  StatusWriter
	metrics *telemetry.Metrics
	timeout time.Duration
}

func NewPipeline(loader *Loader, chunker *Chunker, index Indexer, status StatusWriter, metrics *telemetry.Metrics, timeout time.Duration) *Pipeline {
	return &Pipeline{
		loader:  loader,
		chunker: chunker,
		index:   index,
		status:  status,
		metrics: metrics,
		timeout: timeout,
	}
}

// Process never returns an error: every failure ends as a failed status.
// The returned status is the one written.
func (p *Pipeline) Process(ctx context.Context, job Job) (status models.DocumentStatus) {
	start := time.Now()
	log := logger.With("document_id", job.DocumentID, "file", job.FilePath)

	var (
		chunkCount int
		runErr     error
	)
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("ingestion panicked: %v", r)
		}

		status = models.StatusCompleted
		errMsg := ""
		if runErr != nil {
			status = models.StatusFailed
			errMsg = runErr.Error()
			log.Warn("Document ingestion failed", "error", runErr, "duration", time.Since(start))
		} else {
			log.Info("Document ingested", "chunks", chunkCount, "duration", time.Since(start))
		}
		p.metrics.RecordIngestion(time.Since(start).Seconds(), string(status))

		// status must be written even when ctx was cancelled
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.status.SetStatus(sctx, job.DocumentID, status, chunkCount, errMsg); err != nil {
			log.Error("Failed to record ingestion status", "status", status, "error", err)
		}
	}()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	units := p.loader.Load(ctx, job.FilePath)
	chunks := p.chunker.Split(ctx, units, vectorindex.Metadata{
		Source:     job.FileName,
		DocumentID: job.DocumentID,
		Key:        job.Key,
	})
	if len(chunks) == 0 {
		runErr = errNoText
		return
	}

	added, err := p.index.AddDocuments(ctx, chunks)
	switch {
	case err != nil && !added:
		runErr = fmt.Errorf("indexing failed: %w", err)
	case !added:
		runErr = errors.New("no chunks were added to the index")
	default:
		chunkCount = len(chunks)
	}
	return
}
