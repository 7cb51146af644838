package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/ai/aitest"
	"campus-assistant/internal/answer"
	"campus-assistant/internal/config"
	"campus-assistant/internal/facts"
	"campus-assistant/internal/intent"
	"campus-assistant/internal/memory"
	"campus-assistant/internal/vectorindex"
	"campus-assistant/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	records map[string][]map[string]any
	err     error
	calls   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, in intent.Intent, key string) (facts.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in.Name()+":"+key)
	if f.err != nil {
		return facts.Result{}, f.err
	}
	recs, ok := f.records[in.Name()+":"+key]
	if !ok {
		return facts.Result{}, nil
	}
	return facts.Result{Found: true, Records: recs}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []models.QAHistory
}

func (r *fakeRecorder) Record(_ context.Context, h models.QAHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, h)
	return nil
}

// script routes completions by the prompt they were built from.
type script struct {
	label     string
	extract   func(prompt string) string
	enrich    func(prompt string) string
	summarize string
	condense  func(prompt string) string
	answer    func(prompt string) string
}

func (s script) gateway() *aitest.Gateway {
	return &aitest.Gateway{CompleteFunc: func(_ context.Context, req ai.CompletionRequest) (string, error) {
		p := req.Prompt
		switch {
		case strings.Contains(p, "Decide which domain"):
			return s.label, nil
		case strings.Contains(p, "extract the important facts"):
			if s.extract == nil {
				return "nothing found", nil
			}
			return s.extract(p), nil
		case strings.Contains(p, "Rewrite the question"):
			if s.enrich == nil {
				return "", errors.New("no rewrite")
			}
			return s.enrich(p), nil
		case strings.Contains(p, "summarize the data concisely"):
			return s.summarize, nil
		case strings.Contains(p, "Standalone question:"):
			if s.condense == nil {
				return "", errors.New("no condense")
			}
			return s.condense(p), nil
		default:
			if s.answer == nil {
				return "generic answer", nil
			}
			return s.answer(p), nil
		}
	}}
}

func testRetrieval() config.RetrievalConfig {
	return config.RetrievalConfig{K: 4, FinalK: 2, Window: 1, Weights: []float64{0.6, 0.4}, MMRLambda: 0.5, FallbackKey: "K"}
}

type fixture struct {
	orch     *Orchestrator
	gw       *aitest.Gateway
	index    *vectorindex.Index
	fetcher  *fakeFetcher
	recorder *fakeRecorder
	history  *MemoryHistory
}

func newFixture(t *testing.T, gw *aitest.Gateway, fetcher *fakeFetcher) *fixture {
	t.Helper()
	ix := vectorindex.New(gw, vectorindex.Options{Dir: t.TempDir()})
	require.NoError(t, ix.LoadOrInitialize(context.Background()))
	if fetcher == nil {
		fetcher = &fakeFetcher{}
	}
	f := &fixture{
		gw:       gw,
		index:    ix,
		fetcher:  fetcher,
		recorder: &fakeRecorder{},
		history:  NewMemoryHistory(10),
	}
	f.orch = New(Deps{
		Classifier: intent.NewClassifier(gw, time.Second, nil),
		Entities:   memory.NewEntityMemory(gw, memory.NewMemoryStore(), time.Second),
		Retriever:  ix,
		Facts:      fetcher,
		Generator:  answer.NewGenerator(gw, time.Second),
		History:    f.history,
		Recorder:   f.recorder,
		Retrieval:  testRetrieval(),
	})
	return f
}

func (f *fixture) answerPrompts() []string {
	var out []string
	for _, p := range f.gw.Prompts() {
		if strings.Contains(p, "# DIRECTIVE") || strings.Contains(p, "No suitable information") {
			out = append(out, p)
		}
	}
	return out
}

func TestAskStudentInfoUsesFactsOnly(t *testing.T) {
	s := script{
		label:     "STUDENT INFO",
		extract:   func(string) string { return `Here you go: {"student_id": "123", "student_name": ""}` },
		enrich:    func(string) string { return "What is the student id of student 123?" },
		summarize: "student_id: 123, name: A",
		answer: func(p string) string {
			if strings.Contains(p, "student_id: 123, name: A") {
				return "Your student id is 123."
			}
			return "I need more details."
		},
	}
	fetcher := &fakeFetcher{records: map[string][]map[string]any{
		"student_info:123": {{"student_id": "123", "name": "A"}},
	}}
	f := newFixture(t, s.gateway(), fetcher)

	st := f.orch.Run(context.Background(), AskRequest{Question: "What is my student id?", ThreadID: "t1"})

	assert.Equal(t, StageDone, st.Stage)
	assert.Equal(t, intent.StudentInfo, st.CurrentIntent)
	assert.Equal(t, "Your student id is 123.", st.Answer)
	assert.NotContains(t, strings.ToLower(st.Answer), "database")
	assert.Equal(t, "123", st.Entities[memory.FieldStudentID])
	assert.NotContains(t, st.Entities, memory.FieldStudentName, "blank values are never stored")
	assert.Empty(t, st.Context, "student info answers do not use retrieval")
	assert.Equal(t, []string{"student_info:123"}, fetcher.calls)

	prompts := f.answerPrompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "What is the student id of student 123?")

	require.Len(t, f.recorder.entries, 1)
	rec := f.recorder.entries[0]
	assert.Equal(t, "t1", rec.ThreadID)
	assert.Equal(t, "123", rec.StudentID)
	assert.Equal(t, "student_info", rec.Intent)
	assert.Equal(t, "Your student id is 123.", rec.Answer)

	hist, err := f.history.Load(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, ai.RoleUser, hist[0].Role)
	assert.Equal(t, "Your student id is 123.", hist[1].Content)
}

func TestAskNoEvidenceFallback(t *testing.T) {
	s := script{
		label: "STUDENT AFFAIRS",
		answer: func(p string) string {
			if strings.Contains(p, "No suitable information") {
				return "I could not find that. Could you share more details?"
			}
			return "unexpected template"
		},
	}
	f := newFixture(t, s.gateway(), nil)

	st := f.orch.Run(context.Background(), AskRequest{Question: "When does the swimming pool open?", ThreadID: "t3"})

	assert.True(t, st.NoEvidence)
	assert.Contains(t, intent.All(), st.CurrentIntent)
	assert.Equal(t, "I could not find that. Could you share more details?", st.Answer)
	require.Len(t, f.answerPrompts(), 1)
	assert.Contains(t, f.answerPrompts()[0], "When does the swimming pool open?")
}

func TestAskWithGatewayDownStillAnswers(t *testing.T) {
	gw := &aitest.Gateway{
		CompleteFunc: func(context.Context, ai.CompletionRequest) (string, error) { return "", ai.ErrUnavailable },
		EmbedFunc:    func(context.Context, []string) ([][]float32, error) { return nil, ai.ErrUnavailable },
	}
	f := newFixture(t, gw, &fakeFetcher{err: errors.New("mongo down")})

	in, ans := f.orch.Ask(context.Background(), AskRequest{Question: "Anything?", ThreadID: "t-down", EntityKey: "S9"})

	assert.Equal(t, intent.Default, in)
	assert.Equal(t, answer.ErrorAnswer, ans)
	require.Len(t, f.recorder.entries, 1)
	assert.Equal(t, "S9", f.recorder.entries[0].StudentID)
}

func TestAskFallsBackToDefaultKey(t *testing.T) {
	s := script{label: "STUDENT AFFAIRS"}
	f := newFixture(t, s.gateway(), nil)
	added, err := f.index.AddDocuments(context.Background(), []vectorindex.Chunk{
		{ID: "c0", Text: "The dormitory curfew is eleven pm on weekdays.", Metadata: vectorindex.Metadata{DocumentID: "rules", Key: "K", ChunkIndex: 0}},
		{ID: "c1", Text: "Late entry requires a signed form from the dormitory office.", Metadata: vectorindex.Metadata{DocumentID: "rules", Key: "K", ChunkIndex: 1}},
	})
	require.NoError(t, err)
	require.True(t, added)

	st := f.orch.Run(context.Background(), AskRequest{Question: "What is the dormitory curfew?", ThreadID: "t4", FileKey: "OTHER"})

	assert.False(t, st.NoEvidence)
	assert.Contains(t, st.Context, "MAIN:")
	assert.Contains(t, st.Context, "dormitory curfew")
	prompts := f.answerPrompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "dormitory curfew is eleven pm")
	assert.Equal(t, "generic answer", st.Answer)
}

func TestFollowUpQuestionSearchesWithHistory(t *testing.T) {
	s := script{
		label: "STUDENT AFFAIRS",
		condense: func(p string) string {
			if strings.Contains(p, "scholarship") {
				return "What is the deadline for the merit scholarship application?"
			}
			return "and what is the deadline for that?"
		},
	}
	f := newFixture(t, s.gateway(), nil)
	ctx := context.Background()
	added, err := f.index.AddDocuments(ctx, []vectorindex.Chunk{
		{Text: "Merit scholarship applications close on the fifteenth of October.", Metadata: vectorindex.Metadata{DocumentID: "aid", Key: "K", ChunkIndex: 0}},
		{Text: "Parking permits are sold at the security office.", Metadata: vectorindex.Metadata{DocumentID: "campus", Key: "K", ChunkIndex: 0}},
	})
	require.NoError(t, err)
	require.True(t, added)

	first := f.orch.Run(ctx, AskRequest{Question: "Tell me about the merit scholarship.", ThreadID: "t7"})
	assert.Equal(t, first.EnrichedQuestion, first.SearchQuery, "a first turn is searched as asked")

	st := f.orch.Run(ctx, AskRequest{Question: "and what is the deadline for that?", ThreadID: "t7"})

	assert.Equal(t, "What is the deadline for the merit scholarship application?", st.SearchQuery)
	assert.False(t, st.NoEvidence)
	assert.Contains(t, st.Context, "Merit scholarship applications close")
	prompts := f.answerPrompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "Merit scholarship applications close")
	assert.Contains(t, prompts[1], "and what is the deadline for that?")
}

func TestAskRequestStudentIDOverridesExtraction(t *testing.T) {
	s := script{
		label:   "PSYCHOLOGICAL COUNSELLING",
		extract: func(string) string { return `{"student_id": "123"}` },
	}
	fetcher := &fakeFetcher{}
	f := newFixture(t, s.gateway(), fetcher)

	st := f.orch.Run(context.Background(), AskRequest{Question: "How did my stress survey go?", ThreadID: "t5", EntityKey: "999"})

	assert.Equal(t, intent.Counselling, st.CurrentIntent)
	assert.Equal(t, "999", st.Entities[memory.FieldStudentID])
	assert.Equal(t, []string{"counselling:999"}, fetcher.calls)
}

func TestEntitiesAccumulateAcrossTurns(t *testing.T) {
	var (
		mu            sync.Mutex
		enrichPrompts []string
	)
	s := script{
		label: "STUDENT AFFAIRS",
		extract: func(p string) string {
			fields := []string{}
			if strings.Contains(p, "123") {
				fields = append(fields, `"student_id": "123"`)
			}
			if strings.Contains(p, "physics") {
				fields = append(fields, `"major_name": "physics"`)
			}
			return "{" + strings.Join(fields, ",") + "}"
		},
		enrich: func(p string) string {
			mu.Lock()
			enrichPrompts = append(enrichPrompts, p)
			mu.Unlock()
			return "rewritten"
		},
	}
	f := newFixture(t, s.gateway(), nil)
	ctx := context.Background()

	f.orch.Ask(ctx, AskRequest{Question: "Hi, I am student 123.", ThreadID: "t6"})
	st := f.orch.Run(ctx, AskRequest{Question: "I study physics, what electives can I take?", ThreadID: "t6"})

	assert.Equal(t, "123", st.Entities[memory.FieldStudentID])
	assert.Equal(t, "physics", st.Entities[memory.FieldMajorName])
	require.Len(t, enrichPrompts, 2)
	assert.NotContains(t, enrichPrompts[0], "physics")
	assert.Contains(t, enrichPrompts[1], "physics")
	assert.Contains(t, enrichPrompts[1], "123")
	assert.Len(t, st.ChatHistory, 2)
}

func TestStageTransitionsOnlyMoveForward(t *testing.T) {
	st := newState(AskRequest{}, nil)
	assert.Panics(t, func() { st.advance(StageGenerate) })
	st.advance(StageEnrichEntities)
	assert.Equal(t, "ENRICH_ENTITIES", st.Stage.String())
	assert.Panics(t, func() { st.advance(StageClassify) })
}

func TestMemoryHistoryIsBounded(t *testing.T) {
	h := NewMemoryHistory(2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Append(ctx, "t", ai.Message{Role: ai.RoleUser, Content: "q"}, ai.Message{Role: ai.RoleAssistant, Content: "a"}))
	}
	msgs, err := h.Load(ctx, "t")
	require.NoError(t, err)
	assert.Len(t, msgs, 4)

	msgs[0].Content = "mutated"
	again, _ := h.Load(ctx, "t")
	assert.Equal(t, "q", again[0].Content)
}

func TestHolderReset(t *testing.T) {
	first := New(Deps{})
	h := NewHolder(first)
	assert.Same(t, first, h.Get())

	second := New(Deps{})
	require.NoError(t, h.Reset(func() (*Orchestrator, error) { return second, nil }))
	assert.Same(t, second, h.Get())

	err := h.Reset(func() (*Orchestrator, error) { return nil, errors.New("boom") })
	assert.Error(t, err)
	assert.Same(t, second, h.Get())
}
