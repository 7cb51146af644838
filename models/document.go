package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DocumentStatus is the ingestion state of an uploaded document.
type DocumentStatus string

const (
	StatusWaiting   DocumentStatus = "waiting"
	StatusCompleted DocumentStatus = "completed"
	StatusFailed    DocumentStatus = "failed"
)

// Document is an uploaded source file. Ingestion only mutates the status fields.
type Document struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	FileName    string             `bson:"file_name" json:"file_name"`       // Original upload name
	FilePath    string             `bson:"file_path" json:"file_path"`       // Storage path
	Key         string             `bson:"key" json:"key"`                   // Classification key used to filter retrieval
	Author      string             `bson:"author,omitempty" json:"author,omitempty"`
	Size        int64              `bson:"size" json:"size"`
	Status      DocumentStatus     `bson:"status" json:"status"`
	Error       string             `bson:"error,omitempty" json:"error,omitempty"`
	ChunkCount  int                `bson:"chunk_count" json:"chunk_count"`
	UploadedAt  time.Time          `bson:"uploaded_at" json:"uploaded_at"`
	ProcessedAt *time.Time         `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
}

// UploadResponse is returned after an upload is accepted.
type UploadResponse struct {
	ID       string         `json:"id"`
	FileName string         `json:"file_name"`
	Status   DocumentStatus `json:"status"`
	Message  string         `json:"message"`
}

// DocumentStatusResponse combines the stored document with the live job state.
type DocumentStatusResponse struct {
	Document
	Job string `json:"job,omitempty"` // queued, running, done
}
