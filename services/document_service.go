package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"campus-assistant/internal/config"
	"campus-assistant/internal/ingest"
	"campus-assistant/internal/logger"
	"campus-assistant/internal/telemetry"
	"campus-assistant/models"
	"campus-assistant/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultKey is the classification key of documents that arrive without one.
const DefaultKey = "K"

var (
	ErrNotFound        = errors.New("not found")
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file too large")
	ErrInvalidState    = errors.New("document is not in a state that allows this operation")
)

// DocumentStatusStore writes ingestion outcomes. The ingestion pipeline
// and the orphan sweep use it directly.
type DocumentStatusStore struct {
	collection *mongo.Collection
	metrics    *telemetry.Metrics
}

func NewDocumentStatusStore(db *mongo.Database, metrics *telemetry.Metrics) *DocumentStatusStore {
	return &DocumentStatusStore{
		collection: db.Collection(config.CollectionDocuments),
		metrics:    metrics,
	}
}

// DocumentService stores uploaded files and their ingestion records.
type DocumentService struct {
	*DocumentStatusStore
	storageDir  string
	maxFileSize int64
	submitter   ingest.Submitter
}

func NewDocumentService(db *mongo.Database, storageDir string, maxFileSize int64, submitter ingest.Submitter, metrics *telemetry.Metrics) (*DocumentService, error) {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &DocumentService{
		DocumentStatusStore: NewDocumentStatusStore(db, metrics),
		storageDir:          storageDir,
		maxFileSize:         maxFileSize,
		submitter:           submitter,
	}, nil
}

// Upload stores the file under a unique name, records it as waiting and
// hands it to ingestion. A full queue rolls both back and returns
// ingest.ErrQueueFull.
func (s *DocumentService) Upload(ctx context.Context, fh *multipart.FileHeader, key, author string) (*models.Document, error) {
	if !ingest.Supported(fh.Filename) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Ext(fh.Filename))
	}
	if s.maxFileSize > 0 && fh.Size > s.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, fh.Size, s.maxFileSize)
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	path, size, err := s.store(src, fh.Filename)
	if err != nil {
		return nil, err
	}
	return s.register(ctx, path, utils.SanitizeFileName(fh.Filename), size, key, author)
}

// IngestFile moves a file dropped into the inbox into storage and queues it
// under the default key.
func (s *DocumentService) IngestFile(ctx context.Context, path string) (*models.Document, error) {
	if !ingest.Supported(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Ext(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat inbox file: %w", err)
	}
	if s.maxFileSize > 0 && info.Size() > s.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, info.Size(), s.maxFileSize)
	}

	name := filepath.Base(path)
	dest := filepath.Join(s.storageDir, utils.UniqueFileName(s.storageDir, name))
	if err := os.Rename(path, dest); err != nil {
		src, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open inbox file: %w", err)
		}
		dest, _, err = s.store(src, name)
		src.Close()
		if err != nil {
			return nil, err
		}
		_ = os.Remove(path)
	}
	return s.register(ctx, dest, name, info.Size(), DefaultKey, "inbox")
}

func (s *DocumentService) store(src io.Reader, name string) (string, int64, error) {
	dest := filepath.Join(s.storageDir, utils.UniqueFileName(s.storageDir, name))
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create stored file: %w", err)
	}
	size, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return "", 0, fmt.Errorf("write stored file: %w", err)
	}
	return dest, size, nil
}

func (s *DocumentService) register(ctx context.Context, path, name string, size int64, key, author string) (*models.Document, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	doc := &models.Document{
		ID:         primitive.NewObjectID(),
		FileName:   name,
		FilePath:   path,
		Key:        key,
		Author:     author,
		Size:       size,
		Status:     models.StatusWaiting,
		UploadedAt: time.Now().UTC(),
	}

	_, err := s.collection.InsertOne(ctx, doc)
	s.metrics.RecordDatabaseOperation("insert", config.CollectionDocuments, err == nil)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("insert document: %w", err)
	}

	if err := s.submitter.Submit(ctx, s.job(doc)); err != nil {
		s.rollback(doc)
		return nil, err
	}

	logger.Info("Document queued for ingestion", "document_id", doc.ID.Hex(), "file", name, "key", key)
	return doc, nil
}

func (s *DocumentService) rollback(doc *models.Document) {
	ctx, cancel := utils.WithTimeout(context.Background())
	defer cancel()
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": doc.ID}); err != nil {
		logger.Warn("Failed to roll back document record", "document_id", doc.ID.Hex(), "error", err)
	}
	os.Remove(doc.FilePath)
}

func (s *DocumentService) job(doc *models.Document) ingest.Job {
	return ingest.Job{
		DocumentID: doc.ID.Hex(),
		FilePath:   doc.FilePath,
		FileName:   doc.FileName,
		Key:        doc.Key,
	}
}

// List returns documents newest first.
func (s *DocumentService) List(ctx context.Context) ([]models.Document, error) {
	opts := options.Find().SetSort(bson.D{{Key: "uploaded_at", Value: -1}})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find documents: %w", err)
	}
	defer cursor.Close(ctx)

	docs := []models.Document{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	return docs, nil
}

func (s *DocumentService) Get(ctx context.Context, id string) (*models.Document, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	var doc models.Document
	if err := s.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find document: %w", err)
	}
	return &doc, nil
}

// Delete removes the record and the stored file. Index entries already
// built from the file stay in the index.
func (s *DocumentService) Delete(ctx context.Context, id string) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": doc.ID})
	s.metrics.RecordDatabaseOperation("delete", config.CollectionDocuments, err == nil)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to remove stored file", "document_id", id, "path", doc.FilePath, "error", err)
	}
	return nil
}

// Reingest queues a failed document again.
func (s *DocumentService) Reingest(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": doc.ID, "status": models.StatusFailed},
		bson.M{
			"$set":   bson.M{"status": models.StatusWaiting, "chunk_count": 0},
			"$unset": bson.M{"error": "", "processed_at": ""},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("reset document status: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, ErrInvalidState
	}

	if err := s.submitter.Submit(ctx, s.job(doc)); err != nil {
		if serr := s.SetStatus(context.Background(), id, models.StatusFailed, 0, "could not be queued: "+err.Error()); serr != nil {
			logger.Warn("Failed to restore document status", "document_id", id, "error", serr)
		}
		return nil, err
	}

	doc.Status = models.StatusWaiting
	doc.Error = ""
	doc.ChunkCount = 0
	doc.ProcessedAt = nil
	return doc, nil
}

// SetStatus records the outcome of ingestion. Only waiting documents move,
// so a late or repeated outcome never overwrites a final status.
func (s *DocumentStatusStore) SetStatus(ctx context.Context, documentID string, status models.DocumentStatus, chunkCount int, errMsg string) error {
	oid, err := primitive.ObjectIDFromHex(documentID)
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", documentID, err)
	}
	now := time.Now().UTC()
	set := bson.M{
		"status":       status,
		"chunk_count":  chunkCount,
		"processed_at": now,
	}
	update := bson.M{"$set": set}
	if errMsg != "" {
		set["error"] = errMsg
	} else {
		update["$unset"] = bson.M{"error": ""}
	}

	_, err = s.collection.UpdateOne(ctx, bson.M{"_id": oid, "status": models.StatusWaiting}, update)
	s.metrics.RecordDatabaseOperation("update", config.CollectionDocuments, err == nil)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return nil
}

// ListWaiting returns documents still waiting that were uploaded before the cutoff.
func (s *DocumentStatusStore) ListWaiting(ctx context.Context, uploadedBefore time.Time) ([]models.Document, error) {
	cursor, err := s.collection.Find(ctx, bson.M{
		"status":      models.StatusWaiting,
		"uploaded_at": bson.M{"$lt": uploadedBefore},
	})
	if err != nil {
		return nil, fmt.Errorf("find waiting documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []models.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode waiting documents: %w", err)
	}
	return docs, nil
}
