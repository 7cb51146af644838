package scheduler

import (
	"context"
	"fmt"
	"time"

	"campus-assistant/internal/logger"
	"campus-assistant/models"
)

const (
	TagIndexReload = "index-reload"
	TagOrphanSweep = "orphan-sweep"
)

// Reloader picks up index entries written by another process.
type Reloader interface {
	Reload(ctx context.Context) (bool, error)
}

// IndexReloadJob reloads the vector index when the persisted copy grew.
func IndexReloadJob(r Reloader) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		reloaded, err := r.Reload(ctx)
		if err != nil {
			return fmt.Errorf("index reload: %w", err)
		}
		if reloaded {
			logger.Info("Vector index reloaded from disk")
		}
		return nil
	}
}

// OrphanStore is the document store as seen by the orphan sweep.
type OrphanStore interface {
	ListWaiting(ctx context.Context, uploadedBefore time.Time) ([]models.Document, error)
	SetStatus(ctx context.Context, documentID string, status models.DocumentStatus, chunkCount int, errMsg string) error
}

// OrphanSweepJob fails documents that have been waiting longer than after
// and that no local worker still owns, e.g. after a restart lost the queue.
func OrphanSweepJob(store OrphanStore, active func(documentID string) bool, after time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		docs, err := store.ListWaiting(ctx, time.Now().Add(-after))
		if err != nil {
			return fmt.Errorf("list waiting documents: %w", err)
		}

		swept := 0
		for _, doc := range docs {
			id := doc.ID.Hex()
			if active != nil && active(id) {
				continue
			}
			if err := store.SetStatus(ctx, id, models.StatusFailed, 0, "ingestion was interrupted; upload the file again"); err != nil {
				logger.Warn("Failed to mark orphaned document", "document_id", id, "error", err)
				continue
			}
			swept++
		}
		if swept > 0 {
			logger.Info("Marked orphaned documents as failed", "count", swept)
		}
		return nil
	}
}
