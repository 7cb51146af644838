// Package answer renders per-intent prompts and asks the language model for
// the final reply.
package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/intent"
	"campus-assistant/internal/logger"
	"campus-assistant/internal/memory"
)

// ErrorAnswer is returned in place of an answer when generation fails.
const ErrorAnswer = "Sorry, I could not process your question right now. Please try again in a moment."

const summarizePrompt = `Given the user question and the JSON data below, summarize the data concisely so it can be used to answer the question.
If the question is about scores or grades, keep the field names as they are.

User question: %s
Data: %s

Summary:`

const condensePrompt = `Given the conversation and the latest user question below, reformulate the latest question into a standalone question that can be understood without the conversation.
Do not answer it. If no change is needed, return it as it is.

Conversation:
%s

Latest question: %s

Standalone question:`

// TurnInputs carries the per-turn values a template may consume.
type TurnInputs struct {
	Question string
	History  []ai.Message
	Context  string
	Entities memory.Record
}

type Generator struct {
	llm     ai.Gateway
	timeout time.Duration
}

func NewGenerator(llm ai.Gateway, timeout time.Duration) *Generator {
	return &Generator{llm: llm, timeout: timeout}
}

// Chain is a prompt template bound to its fact context.
type Chain struct {
	g     *Generator
	tmpl  *template.Template
	facts string
}

func (g *Generator) CreateChain(in intent.Intent, factContext string) Chain {
	return Chain{g: g, tmpl: templateFor(in), facts: factContext}
}

// NoEvidenceChain answers from known entities alone.
func (g *Generator) NoEvidenceChain() Chain {
	return Chain{g: g, tmpl: noEvidenceTemplate}
}

// Run always returns some answer; any failure yields ErrorAnswer.
func (c Chain) Run(ctx context.Context, in TurnInputs) string {
	prompt, err := c.render(in)
	if err != nil {
		logger.Error("Failed to render answer prompt", "template", c.tmpl.Name(), "error", err)
		return ErrorAnswer
	}

	ctx, cancel := ai.WithTimeout(ctx, c.g.timeout)
	defer cancel()

	out, err := c.g.llm.Complete(ctx, ai.CompletionRequest{Prompt: prompt})
	if err != nil {
		logger.Warn("Answer generation failed", "template", c.tmpl.Name(), "error", err)
		return ErrorAnswer
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return ErrorAnswer
	}
	return out
}

func (c Chain) render(in TurnInputs) (string, error) {
	var b strings.Builder
	err := c.tmpl.Execute(&b, promptData{
		History:  ai.Transcript(in.History),
		Context:  strings.TrimSpace(in.Context),
		Facts:    strings.TrimSpace(c.facts),
		Entities: in.Entities.Lines(),
		Question: in.Question,
	})
	return b.String(), err
}

// SummarizeFacts condenses fetched records for the prompt. With no records it
// returns "", and on gateway failure the records as JSON.
func (g *Generator) SummarizeFacts(ctx context.Context, question string, records []map[string]any) string {
	if len(records) == 0 {
		return ""
	}
	raw, err := json.Marshal(records)
	if err != nil {
		raw = []byte(fmt.Sprint(records))
	}

	ctx, cancel := ai.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.llm.Complete(ctx, ai.CompletionRequest{Prompt: fmt.Sprintf(summarizePrompt, question, raw)})
	if err != nil || strings.TrimSpace(out) == "" {
		logger.Warn("Fact summarization failed, using raw records", "error", err)
		return string(raw)
	}
	return strings.TrimSpace(out)
}

// CondenseQuestion makes a follow-up question self-contained using the
// thread history, for retrieval. Without history, or when the gateway
// fails, the question is returned unchanged.
func (g *Generator) CondenseQuestion(ctx context.Context, question string, history []ai.Message) string {
	if len(history) == 0 || strings.TrimSpace(question) == "" {
		return question
	}

	ctx, cancel := ai.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.llm.Complete(ctx, ai.CompletionRequest{Prompt: fmt.Sprintf(condensePrompt, ai.Transcript(history), question)})
	out = strings.TrimSpace(out)
	if err != nil || out == "" {
		logger.Warn("Question condensing failed, searching with the question as asked", "error", err)
		return question
	}
	return out
}
