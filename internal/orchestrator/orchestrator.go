// Package orchestrator runs one conversational turn: classify the question,
// refresh what is known about the student, gather evidence and answer.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/answer"
	"campus-assistant/internal/config"
	"campus-assistant/internal/facts"
	"campus-assistant/internal/intent"
	"campus-assistant/internal/logger"
	"campus-assistant/internal/memory"
	"campus-assistant/internal/telemetry"
	"campus-assistant/internal/vectorindex"
	"campus-assistant/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AskRequest is one question on a thread. FileKey restricts retrieval to
// documents uploaded under that key; EntityKey, when set, is the student id
// and overrides whatever was extracted from the conversation.
type AskRequest struct {
	Question  string
	ThreadID  string
	FileKey   string
	EntityKey string
}

type Classifier interface {
	Classify(ctx context.Context, question string) intent.Intent
}

type EntityMemory interface {
	RegisterThread(ctx context.Context, threadID string) error
	ExtractEntities(ctx context.Context, messages []ai.Message) memory.Record
	UpdateEntities(ctx context.Context, threadID string, rec memory.Record, overwrite bool) error
	GetEntities(ctx context.Context, threadID string) memory.Record
	EnrichQuestion(ctx context.Context, question, threadID string) string
}

// Retriever is the read side of the vector index.
type Retriever interface {
	CompressedRetrieve(ctx context.Context, query string, k, finalK int, opts ...vectorindex.SearchOption) ([]vectorindex.Result, error)
	Expand(results []vectorindex.Result, window int) []vectorindex.Passage
}

// Deps are the collaborators of an Orchestrator. Recorder and Metrics may be nil.
type Deps struct {
	Classifier Classifier
	Entities   EntityMemory
	Retriever  Retriever
	Facts      facts.Fetcher
	Generator  *answer.Generator
	History    HistoryStore
	Recorder   Recorder
	Retrieval  config.RetrievalConfig
	Metrics    *telemetry.Metrics
}

type Orchestrator struct {
	d      Deps
	tracer trace.Tracer
}

func New(d Deps) *Orchestrator {
	if d.History == nil {
		d.History = NewMemoryHistory(10)
	}
	if d.Retrieval.FallbackKey == "" {
		d.Retrieval.FallbackKey = "K"
	}
	return &Orchestrator{d: d, tracer: otel.Tracer("orchestrator")}
}

// Ask never fails: every degraded path still produces an answer and an
// intent from the closed set.
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest) (intent.Intent, string) {
	st := o.Run(ctx, req)
	return st.CurrentIntent, st.Answer
}

// Run executes the turn and returns its final state.
func (o *Orchestrator) Run(ctx context.Context, req AskRequest) *ConversationState {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ask", trace.WithAttributes(
		attribute.String("thread.id", req.ThreadID),
	))
	defer span.End()

	log := logger.With("thread_id", req.ThreadID)

	if err := o.d.Entities.RegisterThread(ctx, req.ThreadID); err != nil {
		log.Warn("Failed to register thread", "error", err)
	}
	history, err := o.d.History.Load(ctx, req.ThreadID)
	if err != nil {
		log.Warn("Failed to load history", "error", err)
		history = nil
	}

	st := newState(req, history)

	o.stage(ctx, st, func(ctx context.Context) {
		st.CurrentIntent = o.d.Classifier.Classify(ctx, st.Input)
	})
	span.SetAttributes(attribute.String("intent", st.CurrentIntent.Name()))

	st.advance(StageEnrichEntities)
	o.stage(ctx, st, func(ctx context.Context) { o.enrichEntities(ctx, st, req) })

	st.advance(StageFetchEvidence)
	o.stage(ctx, st, func(ctx context.Context) { o.fetchEvidence(ctx, st, req) })

	st.advance(StageGenerate)
	o.stage(ctx, st, func(ctx context.Context) { o.generate(ctx, st) })

	st.advance(StageDone)
	o.finish(ctx, st, req)

	log.Info("Question answered",
		"intent", st.CurrentIntent.Name(),
		"no_evidence", st.NoEvidence,
		"answer_len", len(st.Answer),
	)
	return st
}

func (o *Orchestrator) stage(ctx context.Context, st *ConversationState, fn func(context.Context)) {
	ctx, span := o.tracer.Start(ctx, "orchestrator."+strings.ToLower(st.Stage.String()))
	defer span.End()
	fn(ctx)
}

func (o *Orchestrator) enrichEntities(ctx context.Context, st *ConversationState, req AskRequest) {
	msgs := make([]ai.Message, 0, len(st.ChatHistory)+1)
	msgs = append(msgs, st.ChatHistory...)
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: st.Input})

	extracted := o.d.Entities.ExtractEntities(ctx, msgs)
	if extracted == nil {
		extracted = memory.Record{}
	}
	if id := strings.TrimSpace(req.EntityKey); id != "" {
		extracted[memory.FieldStudentID] = id
	}
	if err := o.d.Entities.UpdateEntities(ctx, st.ThreadID, extracted, false); err != nil {
		logger.Warn("Failed to store entities", "thread_id", st.ThreadID, "error", err)
		st.Entities = memory.Compact(extracted)
	} else {
		st.Entities = o.d.Entities.GetEntities(ctx, st.ThreadID)
	}
	st.EnrichedQuestion = o.d.Entities.EnrichQuestion(ctx, st.Input, st.ThreadID)
}

func (o *Orchestrator) fetchEvidence(ctx context.Context, st *ConversationState, req AskRequest) {
	st.Facts = o.fetchFacts(ctx, st)

	switch st.CurrentIntent {
	case intent.StudentInfo:
		return
	case intent.Counselling, intent.StudentAffairs:
		passages := o.retrieve(ctx, st, req.FileKey)
		o.d.Metrics.RecordRetrieval(st.CurrentIntent.Name(), len(passages))
		if len(passages) == 0 {
			st.NoEvidence = true
			return
		}
		st.Context = vectorindex.JoinPassages(passages)
	default:
		panic("orchestrator: unhandled intent " + st.CurrentIntent.String())
	}
}

func (o *Orchestrator) fetchFacts(ctx context.Context, st *ConversationState) string {
	if o.d.Facts == nil {
		return ""
	}
	key := st.Entities[memory.FieldStudentID]
	res, err := o.d.Facts.Fetch(ctx, st.CurrentIntent, key)
	if err != nil {
		logger.Warn("Fact fetch failed, continuing without facts", "intent", st.CurrentIntent.Name(), "error", err)
		return ""
	}
	if !res.Found {
		return ""
	}
	return o.d.Generator.SummarizeFacts(ctx, st.Input, res.Records)
}

// retrieve searches with the enriched question, made standalone against the
// thread history, under the file key, then with the raw question under the
// fallback key.
func (o *Orchestrator) retrieve(ctx context.Context, st *ConversationState, fileKey string) []vectorindex.Passage {
	p := o.d.Retrieval.Profile(st.CurrentIntent.Name())
	opts := []vectorindex.SearchOption{
		vectorindex.WithWeights(p.Weights),
		vectorindex.WithMMRLambda(p.MMRLambda),
	}

	query := st.EnrichedQuestion
	if query == "" {
		query = st.Input
	}
	query = o.d.Generator.CondenseQuestion(ctx, query, st.ChatHistory)
	st.SearchQuery = query

	results, err := o.d.Retriever.CompressedRetrieve(ctx, query, p.K, p.FinalK, append(opts, vectorindex.WithKey(fileKey))...)
	if err != nil {
		logger.Warn("Retrieval failed", "thread_id", st.ThreadID, "error", err)
	}
	if len(results) == 0 {
		results, err = o.d.Retriever.CompressedRetrieve(ctx, st.Input, p.K, p.FinalK, append(opts, vectorindex.WithKey(o.d.Retrieval.FallbackKey))...)
		if err != nil {
			logger.Warn("Fallback retrieval failed", "thread_id", st.ThreadID, "error", err)
		}
	}
	if len(results) == 0 {
		return nil
	}
	return o.d.Retriever.Expand(results, p.Window)
}

func (o *Orchestrator) generate(ctx context.Context, st *ConversationState) {
	if st.NoEvidence {
		st.Answer = o.d.Generator.NoEvidenceChain().Run(ctx, answer.TurnInputs{
			Question: st.Input,
			Entities: st.Entities,
		})
		return
	}

	question := st.EnrichedQuestion
	if question == "" {
		question = st.Input
	}
	st.Answer = o.d.Generator.CreateChain(st.CurrentIntent, st.Facts).Run(ctx, answer.TurnInputs{
		Question: question,
		History:  st.ChatHistory,
		Context:  st.Context,
		Entities: st.Entities,
	})
}

// finish appends the turn to the thread history and writes the audit record.
// Both use their own deadline so a cancelled request still leaves a trace.
func (o *Orchestrator) finish(ctx context.Context, st *ConversationState, req AskRequest) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := o.d.History.Append(wctx, st.ThreadID,
		ai.Message{Role: ai.RoleUser, Content: st.Input},
		ai.Message{Role: ai.RoleAssistant, Content: st.Answer},
	); err != nil {
		logger.Warn("Failed to append history", "thread_id", st.ThreadID, "error", err)
	}

	if o.d.Recorder == nil {
		return
	}
	studentID := strings.TrimSpace(req.EntityKey)
	if studentID == "" {
		studentID = st.Entities[memory.FieldStudentID]
	}
	if err := o.d.Recorder.Record(wctx, models.QAHistory{
		ThreadID:  st.ThreadID,
		StudentID: studentID,
		Intent:    st.CurrentIntent.Name(),
		Question:  st.Input,
		Answer:    st.Answer,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		logger.Warn("Failed to record history", "thread_id", st.ThreadID, "error", err)
	}
}
