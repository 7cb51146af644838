// Package aitest provides an in-process ai.Gateway for tests.
package aitest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"campus-assistant/internal/ai"
)

// Dim is the dimension of vectors produced by HashEmbed.
const Dim = 64

// Gateway is a scriptable ai.Gateway. Unset funcs fall back to an echo
// completion and HashEmbed.
type Gateway struct {
	CompleteFunc func(ctx context.Context, req ai.CompletionRequest) (string, error)
	EmbedFunc    func(ctx context.Context, texts []string) ([][]float32, error)

	mu          sync.Mutex
	Completions []ai.CompletionRequest
	EmbedCalls  int
}

var _ ai.Gateway = (*Gateway)(nil)

func (g *Gateway) Complete(ctx context.Context, req ai.CompletionRequest) (string, error) {
	g.mu.Lock()
	g.Completions = append(g.Completions, req)
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.CompleteFunc != nil {
		return g.CompleteFunc(ctx, req)
	}
	return req.Prompt, nil
}

func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	g.mu.Lock()
	g.EmbedCalls++
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.EmbedFunc != nil {
		return g.EmbedFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashEmbed(t)
	}
	return out, nil
}

// Prompts returns a copy of every prompt sent to Complete.
func (g *Gateway) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.Completions))
	for i, c := range g.Completions {
		out[i] = c.Prompt
	}
	return out
}

// HashEmbed is a deterministic bag-of-words embedding: texts sharing words
// have a positive cosine similarity.
func HashEmbed(text string) []float32 {
	v := make([]float32, Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%Dim]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
