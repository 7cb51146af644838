package facts

import (
	"context"
	"os"
	"testing"
	"time"

	"campus-assistant/internal/config"
	"campus-assistant/internal/intent"
	"campus-assistant/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestToRecordUsesJSONNames(t *testing.T) {
	rec, err := toRecord(models.Student{StudentID: "S1", Name: "Lan", MajorName: "Physics", GPA: 3.5})
	require.NoError(t, err)

	assert.Equal(t, "S1", rec["student_id"])
	assert.Equal(t, "Physics", rec["major_name"])
	assert.Equal(t, 3.5, rec["gpa"])
	assert.NotContains(t, rec, "ID")
	assert.NotContains(t, rec, "_id")
	assert.NotContains(t, rec, "email", "empty fields are omitted")
}

func TestEmptyKeyIsNotFound(t *testing.T) {
	f := &MongoFetcher{}
	for _, in := range intent.All() {
		res, err := f.Fetch(context.Background(), in, "  ")
		require.NoError(t, err)
		assert.False(t, res.Found)
	}
}

func TestStudentAffairsHasNoFacts(t *testing.T) {
	res, err := (&MongoFetcher{}).Fetch(context.Background(), intent.StudentAffairs, "S1")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestMongoFetcher(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer client.Disconnect(context.Background())

	db := client.Database("campus_assistant_test")
	defer db.Drop(context.Background())

	_, err = db.Collection(config.CollectionStudents).InsertOne(ctx, models.Student{StudentID: "S1", Name: "Lan"})
	require.NoError(t, err)
	_, err = db.Collection(config.CollectionSurveyResults).InsertMany(ctx, []any{
		models.SurveyResult{StudentID: "S1", SurveyName: "DASS-21", Score: 12, TakenAt: time.Now().Add(-time.Hour)},
		models.SurveyResult{StudentID: "S1", SurveyName: "PSS", Score: 20, TakenAt: time.Now()},
	})
	require.NoError(t, err)

	f := NewMongoFetcher(db, 5*time.Second, nil)

	res, err := f.Fetch(ctx, intent.StudentInfo, "S1")
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "Lan", res.Records[0]["name"])

	res, err = f.Fetch(ctx, intent.Counselling, "S1")
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "PSS", res.Records[0]["survey_name"], "newest survey first")

	res, err = f.Fetch(ctx, intent.StudentInfo, "missing")
	require.NoError(t, err)
	assert.False(t, res.Found)

	n, err := db.Collection(config.CollectionStudents).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
