package config

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names shared by services and the fact fetcher.
const (
	CollectionDocuments     = "documents"
	CollectionFAQs          = "faqs"
	CollectionQAHistory     = "qa_history"
	CollectionStudents      = "students"
	CollectionSurveyResults = "survey_results"
)

func ConnectMongoDB(cfg *Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	// Test connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}

	if err := createIndexes(ctx, client.Database(cfg.DBName)); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %v", err)
	}

	return client, nil
}

func createIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		CollectionDocuments: {
			{Keys: bson.D{{Key: "uploaded_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "uploaded_at", Value: 1}}},
			{Keys: bson.D{{Key: "key", Value: 1}}},
		},
		CollectionFAQs: {
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		CollectionQAHistory: {
			{Keys: bson.D{{Key: "thread_id", Value: 1}}},
			{Keys: bson.D{{Key: "student_id", Value: 1}, {Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		},
		CollectionStudents: {
			{Keys: bson.D{{Key: "student_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollectionSurveyResults: {
			{Keys: bson.D{{Key: "student_id", Value: 1}, {Key: "taken_at", Value: -1}}},
		},
	}

	for name, models := range indexes {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
