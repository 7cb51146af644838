package services

import (
	"context"
	"fmt"

	"campus-assistant/internal/config"
	"campus-assistant/internal/telemetry"
	"campus-assistant/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
	maxExportRows   = 50000
)

// HistoryService stores and queries the audit trail of answered questions.
type HistoryService struct {
	collection *mongo.Collection
	metrics    *telemetry.Metrics
}

func NewHistoryService(db *mongo.Database, metrics *telemetry.Metrics) *HistoryService {
	return &HistoryService{
		collection: db.Collection(config.CollectionQAHistory),
		metrics:    metrics,
	}
}

// Record stores one answered question.
func (s *HistoryService) Record(ctx context.Context, h models.QAHistory) error {
	if h.ID.IsZero() {
		h.ID = primitive.NewObjectID()
	}
	_, err := s.collection.InsertOne(ctx, h)
	s.metrics.RecordDatabaseOperation("insert", config.CollectionQAHistory, err == nil)
	if err != nil {
		return fmt.Errorf("insert qa history: %w", err)
	}
	return nil
}

// List returns one page of matching records, newest first.
func (s *HistoryService) List(ctx context.Context, f models.HistoryFilter) (*models.HistoryPage, error) {
	page, limit := normalizePage(f.Page, f.Limit)
	filter := BuildHistoryFilter(f)

	total, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count qa history: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))
	items, err := s.find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	return &models.HistoryPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// All returns every matching record up to the export cap, newest first.
func (s *HistoryService) All(ctx context.Context, f models.HistoryFilter) ([]models.QAHistory, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(maxExportRows)
	return s.find(ctx, BuildHistoryFilter(f), opts)
}

func (s *HistoryService) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.QAHistory, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find qa history: %w", err)
	}
	defer cursor.Close(ctx)

	items := []models.QAHistory{}
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("decode qa history: %w", err)
	}
	return items, nil
}

// BuildHistoryFilter builds the MongoDB query for f. Zero fields are ignored.
func BuildHistoryFilter(f models.HistoryFilter) bson.M {
	filter := bson.M{}
	if f.StudentID != "" {
		filter["student_id"] = f.StudentID
	}
	if f.ThreadID != "" {
		filter["thread_id"] = f.ThreadID
	}
	if f.Intent != "" {
		filter["intent"] = f.Intent
	}
	if f.From != nil || f.To != nil {
		ts := bson.M{}
		if f.From != nil {
			ts["$gte"] = *f.From
		}
		if f.To != nil {
			ts["$lte"] = *f.To
		}
		filter["timestamp"] = ts
	}
	return filter
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}
	return page, limit
}
