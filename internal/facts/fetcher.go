// Package facts looks up structured student records that back personal
// answers.
package facts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"campus-assistant/internal/config"
	"campus-assistant/internal/intent"
	"campus-assistant/internal/telemetry"
	"campus-assistant/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Result holds the records found for one lookup. A missing entity is
// Found=false, never an error.
type Result struct {
	Found   bool
	Records []map[string]any
}

// Fetcher is the structured data source consulted before answering.
type Fetcher interface {
	Fetch(ctx context.Context, in intent.Intent, entityKey string) (Result, error)
}

const maxSurveyResults = 10

// MongoFetcher reads students and survey_results.
type MongoFetcher struct {
	students *mongo.Collection
	surveys  *mongo.Collection
	timeout  time.Duration
	metrics  *telemetry.Metrics
}

var _ Fetcher = (*MongoFetcher)(nil)

func NewMongoFetcher(db *mongo.Database, timeout time.Duration, metrics *telemetry.Metrics) *MongoFetcher {
	return &MongoFetcher{
		students: db.Collection(config.CollectionStudents),
		surveys:  db.Collection(config.CollectionSurveyResults),
		timeout:  timeout,
		metrics:  metrics,
	}
}

func (f *MongoFetcher) Fetch(ctx context.Context, in intent.Intent, entityKey string) (Result, error) {
	entityKey = strings.TrimSpace(entityKey)
	if entityKey == "" {
		return Result{}, nil
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	switch in {
	case intent.StudentInfo:
		return f.fetchStudent(ctx, entityKey)
	case intent.Counselling:
		return f.fetchSurveys(ctx, entityKey)
	case intent.StudentAffairs:
		return Result{}, nil
	}
	panic(fmt.Sprintf("facts: unknown intent %d", int(in)))
}

func (f *MongoFetcher) fetchStudent(ctx context.Context, studentID string) (Result, error) {
	var student models.Student
	err := f.students.FindOne(ctx, bson.M{"student_id": studentID}).Decode(&student)
	f.metrics.RecordDatabaseOperation("find_one", config.CollectionStudents, err == nil || errors.Is(err, mongo.ErrNoDocuments))
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch student: %w", err)
	}

	rec, err := toRecord(student)
	if err != nil {
		return Result{}, err
	}
	return Result{Found: true, Records: []map[string]any{rec}}, nil
}

func (f *MongoFetcher) fetchSurveys(ctx context.Context, studentID string) (Result, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "taken_at", Value: -1}}).
		SetLimit(maxSurveyResults)

	cursor, err := f.surveys.Find(ctx, bson.M{"student_id": studentID}, opts)
	if err != nil {
		f.metrics.RecordDatabaseOperation("find", config.CollectionSurveyResults, false)
		return Result{}, fmt.Errorf("failed to fetch survey results: %w", err)
	}
	defer cursor.Close(ctx)

	var surveys []models.SurveyResult
	if err := cursor.All(ctx, &surveys); err != nil {
		f.metrics.RecordDatabaseOperation("find", config.CollectionSurveyResults, false)
		return Result{}, fmt.Errorf("failed to decode survey results: %w", err)
	}
	f.metrics.RecordDatabaseOperation("find", config.CollectionSurveyResults, true)
	if len(surveys) == 0 {
		return Result{}, nil
	}

	records := make([]map[string]any, 0, len(surveys))
	for _, s := range surveys {
		rec, err := toRecord(s)
		if err != nil {
			return Result{}, err
		}
		records = append(records, rec)
	}
	return Result{Found: true, Records: records}, nil
}

// toRecord flattens a model through its JSON tags so prompts see the public
// field names only.
func toRecord(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}
