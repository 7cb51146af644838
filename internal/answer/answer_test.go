package answer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/ai/aitest"
	"campus-assistant/internal/intent"
	"campus-assistant/internal/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainRendersPerIntentInputs(t *testing.T) {
	gw := &aitest.Gateway{}
	g := NewGenerator(gw, time.Second)
	in := TurnInputs{
		Question: "What is my major?",
		History:  []ai.Message{{Role: ai.RoleUser, Content: "hi"}, {Role: ai.RoleAssistant, Content: "hello"}},
		Context:  "RETRIEVED PASSAGE",
		Entities: memory.Record{memory.FieldStudentID: "S123"},
	}

	tests := []struct {
		intent  intent.Intent
		want    []string
		notWant []string
	}{
		{intent.StudentInfo, []string{"FACTS-X", "student_id: S123", "User: hi", "What is my major?"}, []string{"RETRIEVED PASSAGE"}},
		{intent.Counselling, []string{"FACTS-X", "RETRIEVED PASSAGE", "Bot: hello", "What is my major?"}, []string{"student_id: S123"}},
		{intent.StudentAffairs, []string{"RETRIEVED PASSAGE", "student_id: S123", "What is my major?"}, []string{"FACTS-X"}},
	}
	for _, tt := range tests {
		t.Run(tt.intent.Name(), func(t *testing.T) {
			out := g.CreateChain(tt.intent, "FACTS-X").Run(context.Background(), in)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
			for _, w := range tt.notWant {
				assert.NotContains(t, out, w)
			}
		})
	}
}

func TestStudentInfoWithoutFactsAsksForClarification(t *testing.T) {
	g := NewGenerator(&aitest.Gateway{}, time.Second)
	out := g.CreateChain(intent.StudentInfo, "").Run(context.Background(), TurnInputs{Question: "my gpa?"})
	assert.Contains(t, out, "confirm their student id")
}

func TestNoEvidenceChainUsesOnlyEntities(t *testing.T) {
	g := NewGenerator(&aitest.Gateway{}, time.Second)
	out := g.NoEvidenceChain().Run(context.Background(), TurnInputs{
		Question: "When is the dorm deadline?",
		Context:  "SHOULD NOT APPEAR",
		Entities: memory.Record{memory.FieldStudentName: "Lan"},
	})
	assert.Contains(t, out, "student_name: Lan")
	assert.Contains(t, out, "When is the dorm deadline?")
	assert.NotContains(t, out, "SHOULD NOT APPEAR")
}

func TestRunReturnsErrorAnswerOnGatewayFailure(t *testing.T) {
	gw := &aitest.Gateway{CompleteFunc: func(context.Context, ai.CompletionRequest) (string, error) {
		return "", ai.ErrUnavailable
	}}
	g := NewGenerator(gw, time.Second)
	for _, in := range intent.All() {
		assert.Equal(t, ErrorAnswer, g.CreateChain(in, "").Run(context.Background(), TurnInputs{Question: "q"}))
	}
	assert.Equal(t, ErrorAnswer, g.NoEvidenceChain().Run(context.Background(), TurnInputs{Question: "q"}))
}

func TestRunTimesOut(t *testing.T) {
	gw := &aitest.Gateway{CompleteFunc: func(ctx context.Context, _ ai.CompletionRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	g := NewGenerator(gw, 20*time.Millisecond)
	assert.Equal(t, ErrorAnswer, g.CreateChain(intent.Counselling, "").Run(context.Background(), TurnInputs{Question: "q"}))
}

func TestTemplateForPanicsOnUnknownIntent(t *testing.T) {
	assert.Panics(t, func() { templateFor(intent.Intent(42)) })
}

func TestSummarizeFacts(t *testing.T) {
	records := []map[string]any{{"student_id": "S1", "gpa": 3.4}}

	t.Run("empty", func(t *testing.T) {
		gw := &aitest.Gateway{}
		assert.Empty(t, NewGenerator(gw, time.Second).SummarizeFacts(context.Background(), "q", nil))
		assert.Empty(t, gw.Completions)
	})

	t.Run("summarized", func(t *testing.T) {
		gw := &aitest.Gateway{CompleteFunc: func(_ context.Context, req ai.CompletionRequest) (string, error) {
			require.Contains(t, req.Prompt, `"student_id":"S1"`)
			return "  GPA is 3.4  ", nil
		}}
		assert.Equal(t, "GPA is 3.4", NewGenerator(gw, time.Second).SummarizeFacts(context.Background(), "my gpa", records))
	})

	t.Run("falls back to json", func(t *testing.T) {
		gw := &aitest.Gateway{CompleteFunc: func(context.Context, ai.CompletionRequest) (string, error) {
			return "", errors.New("down")
		}}
		out := NewGenerator(gw, time.Second).SummarizeFacts(context.Background(), "my gpa", records)
		assert.True(t, strings.HasPrefix(out, "["))
		assert.Contains(t, out, `"gpa":3.4`)
	})
}

func TestCondenseQuestion(t *testing.T) {
	history := []ai.Message{
		{Role: ai.RoleUser, Content: "How do I apply for the dormitory?"},
		{Role: ai.RoleAssistant, Content: "Submit the housing form online."},
	}

	t.Run("no history", func(t *testing.T) {
		gw := &aitest.Gateway{}
		assert.Equal(t, "and the deadline?", NewGenerator(gw, time.Second).CondenseQuestion(context.Background(), "and the deadline?", nil))
		assert.Empty(t, gw.Completions)
	})

	t.Run("rewritten", func(t *testing.T) {
		gw := &aitest.Gateway{CompleteFunc: func(_ context.Context, req ai.CompletionRequest) (string, error) {
			require.Contains(t, req.Prompt, "User: How do I apply for the dormitory?")
			require.Contains(t, req.Prompt, "Latest question: and the deadline?")
			return " What is the dormitory application deadline? \n", nil
		}}
		out := NewGenerator(gw, time.Second).CondenseQuestion(context.Background(), "and the deadline?", history)
		assert.Equal(t, "What is the dormitory application deadline?", out)
	})

	t.Run("keeps question on failure", func(t *testing.T) {
		gw := &aitest.Gateway{CompleteFunc: func(context.Context, ai.CompletionRequest) (string, error) {
			return "", ai.ErrUnavailable
		}}
		out := NewGenerator(gw, time.Second).CondenseQuestion(context.Background(), "and the deadline?", history)
		assert.Equal(t, "and the deadline?", out)
	})
}
