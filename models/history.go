package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// QAHistory is the audit record of one answered question.
type QAHistory struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ThreadID  string             `bson:"thread_id" json:"thread_id"`
	StudentID string             `bson:"student_id,omitempty" json:"student_id,omitempty"`
	Intent    string             `bson:"intent" json:"intent"`
	Question  string             `bson:"question" json:"question"`
	Answer    string             `bson:"answer" json:"answer"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`
}

// AskRequest is the body of POST /api/v1/ask.
type AskRequest struct {
	Question  string `json:"question" binding:"required"`
	ThreadID  string `json:"thread_id" binding:"required"`
	Key       string `json:"key"`
	StudentID string `json:"student_id"`
}

type AskResponse struct {
	Answer string `json:"answer"`
	Intent string `json:"intent"`
}

// HistoryFilter selects QAHistory records. Zero fields are ignored.
type HistoryFilter struct {
	StudentID string
	ThreadID  string
	Intent    string
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
}

type HistoryPage struct {
	Items []QAHistory `json:"items"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}
