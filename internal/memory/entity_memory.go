// Package memory keeps per-thread facts about the asking student, extracted
// from the conversation by the language model.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/logger"
)

const extractPrompt = `Analyze the conversation below and extract the important facts:
%s

Return only a JSON object with the following fields, including only the fields that have a value:
%s

Return raw JSON with no other content.`

const enrichPrompt = `Here is what we know about the user:
%s

And here is their question:
%s

Rewrite the question by adding details from the user information, but only where they are relevant and needed to understand the question.
For example, if the question asks about "my scores" and we know the student's name and id, add them to the question.
Reply with the rewritten question only.

Rewritten question:`

var fieldDescriptions = map[string]string{
	FieldStudentName:    "the student's name",
	FieldStudentID:      "the student id",
	FieldDepartmentName: "department",
	FieldMajorName:      "major",
	FieldCourseNumber:   "course (intake year)",
	FieldClassName:      "class name",
	FieldOtherInfo:      "any other important information",
}

// EntityMemory accumulates entities per thread. Read-modify-write cycles on
// one thread are serialized by a per-thread mutex.
type EntityMemory struct {
	llm     ai.Gateway
	store   Store
	timeout time.Duration
	locks   KeyedMutex
}

func NewEntityMemory(llm ai.Gateway, store Store, timeout time.Duration) *EntityMemory {
	if store == nil {
		store = NewMemoryStore()
	}
	return &EntityMemory{llm: llm, store: store, timeout: timeout}
}

// RegisterThread marks threadID active. A thread id seen before is treated
// as a new conversation and its entities are cleared.
func (m *EntityMemory) RegisterThread(ctx context.Context, threadID string) error {
	unlock := m.locks.Lock(threadID)
	defer unlock()

	seen, err := m.store.MarkSeen(ctx, threadID)
	if err != nil {
		return err
	}
	if seen {
		return m.store.Delete(ctx, threadID)
	}
	return nil
}

// ExtractEntities asks the model for the fixed entity schema. Any failure
// yields an empty record.
func (m *EntityMemory) ExtractEntities(ctx context.Context, messages []ai.Message) Record {
	if len(messages) == 0 {
		return Record{}
	}

	ctx, cancel := ai.WithTimeout(ctx, m.timeout)
	defer cancel()

	raw, err := m.llm.Complete(ctx, ai.CompletionRequest{Prompt: buildExtractPrompt(messages)})
	if err != nil {
		logger.Warn("Entity extraction failed", "error", err)
		return Record{}
	}

	rec, ok := ParseEntities(raw)
	if !ok {
		logger.Debug("Entity extraction returned no JSON object", "response_len", len(raw))
		return Record{}
	}
	return rec
}

// UpdateEntities replaces the record when overwrite is set, otherwise merges
// non-blank values key by key. Blank values are never stored.
func (m *EntityMemory) UpdateEntities(ctx context.Context, threadID string, rec Record, overwrite bool) error {
	unlock := m.locks.Lock(threadID)
	defer unlock()

	if overwrite {
		return m.store.Put(ctx, threadID, Compact(rec))
	}

	current, err := m.store.Get(ctx, threadID)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, threadID, Merge(current, rec))
}

// GetEntities returns the stored record, or an empty one.
func (m *EntityMemory) GetEntities(ctx context.Context, threadID string) Record {
	rec, err := m.store.Get(ctx, threadID)
	if err != nil {
		logger.Warn("Failed to load entities", "thread_id", threadID, "error", err)
		return Record{}
	}
	if rec == nil {
		return Record{}
	}
	return rec
}

// EnrichQuestion rewrites question with the thread's entities. Without
// entities, or on any gateway failure, the question is returned unchanged.
func (m *EntityMemory) EnrichQuestion(ctx context.Context, question, threadID string) string {
	rec := m.GetEntities(ctx, threadID)
	if len(rec) == 0 {
		return question
	}

	ctx, cancel := ai.WithTimeout(ctx, m.timeout)
	defer cancel()

	out, err := m.llm.Complete(ctx, ai.CompletionRequest{
		Prompt: fmt.Sprintf(enrichPrompt, rec.JSON(), question),
	})
	if err != nil {
		logger.Warn("Question enrichment failed", "thread_id", threadID, "error", err)
		return question
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return question
	}
	return out
}

func (m *EntityMemory) ClearThreadEntities(ctx context.Context, threadID string) error {
	unlock := m.locks.Lock(threadID)
	defer unlock()
	return m.store.Delete(ctx, threadID)
}

func buildExtractPrompt(messages []ai.Message) string {
	var fields strings.Builder
	for _, f := range Fields {
		fmt.Fprintf(&fields, "- %s: %s\n", f, fieldDescriptions[f])
	}
	return fmt.Sprintf(extractPrompt, ai.Transcript(messages), strings.TrimRight(fields.String(), "\n"))
}
