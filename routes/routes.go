// Package routes holds the gin handler factories of the HTTP API.
package routes

import (
	"context"
	"mime/multipart"

	"campus-assistant/internal/ingest"
	"campus-assistant/internal/intent"
	"campus-assistant/internal/orchestrator"
	"campus-assistant/internal/vectorindex"
	"campus-assistant/models"
)

// Asker answers one question. orchestrator.Holder implements it.
type Asker interface {
	Ask(ctx context.Context, req orchestrator.AskRequest) (intent.Intent, string)
}

// DocumentStore is implemented by services.DocumentService.
type DocumentStore interface {
	Upload(ctx context.Context, fh *multipart.FileHeader, key, author string) (*models.Document, error)
	List(ctx context.Context) ([]models.Document, error)
	Get(ctx context.Context, id string) (*models.Document, error)
	Delete(ctx context.Context, id string) error
	Reingest(ctx context.Context, id string) (*models.Document, error)
}

// JobTracker reports the live state of locally queued ingestion jobs.
type JobTracker interface {
	Status(documentID string) (ingest.JobStatus, bool)
}

type FAQStore interface {
	ListActive(ctx context.Context) ([]models.FAQ, error)
	Create(ctx context.Context, req models.CreateFAQRequest) (*models.FAQ, error)
	Update(ctx context.Context, id string, req models.UpdateFAQRequest) (*models.FAQ, error)
	Delete(ctx context.Context, id string) error
}

type HistoryLister interface {
	List(ctx context.Context, f models.HistoryFilter) (*models.HistoryPage, error)
}

type HistoryExporter interface {
	ExportHistory(ctx context.Context, f models.HistoryFilter) ([]byte, int, error)
}

// IndexState reports the vector index lifecycle for readiness checks.
type IndexState interface {
	State() vectorindex.State
}
