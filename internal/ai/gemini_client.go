package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"campus-assistant/internal/logger"
	"campus-assistant/internal/telemetry"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"
)

// GeminiOptions configures a GeminiClient.
type GeminiOptions struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float64
	MaxRetries     int
	RPM            int
	Metrics        *telemetry.Metrics
}

// GeminiClient implements Gateway on top of the Gemini API with a circuit
// breaker, a client-side rate limiter and token accounting.
type GeminiClient struct {
	opts         GeminiOptions
	breaker      *gobreaker.CircuitBreaker
	rateLimiter  *rate.Limiter
	tokenCounter *TokenCounter
	client       *genai.Client
}

// TokenCounter tracks token usage over rolling minute and day windows.
type TokenCounter struct {
	mu              sync.Mutex
	minuteTokens    int
	dailyTokens     int
	minuteRequests  int
	dailyRequests   int
	lastMinuteReset time.Time
	lastDayReset    time.Time
}

// Usage is a snapshot of TokenCounter.
type Usage struct {
	MinuteTokens   int
	DailyTokens    int
	MinuteRequests int
	DailyRequests  int
}

// embedBatchLimit is the maximum number of texts per BatchEmbedContents call.
const embedBatchLimit = 100

func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, err
	}
	if opts.RPM <= 0 {
		opts.RPM = 60
	}

	metrics := opts.Metrics
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.RecordCircuitBreakerState(name, to.String())
		},
	})

	// RPM limit with some buffer
	burst := opts.RPM / 10
	if burst < 1 {
		burst = 1
	}
	rateLimiter := rate.NewLimiter(rate.Limit(float64(opts.RPM)*0.9/60.0), burst)

	return &GeminiClient{
		opts:         opts,
		breaker:      breaker,
		rateLimiter:  rateLimiter,
		tokenCounter: &TokenCounter{},
		client:       client,
	}, nil
}

// Complete runs one completion through the limiter, breaker and retry loop.
func (gc *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.complete")
	defer span.End()

	span.SetAttributes(
		attribute.String("gemini.model", gc.opts.Model),
		attribute.Int("gemini.estimated_tokens", estimateTokens(req)),
		attribute.Int("gemini.history_len", len(req.History)),
	)

	var lastErr error
	for attempt := 0; attempt <= gc.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		if err := gc.rateLimiter.Wait(ctx); err != nil {
			span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
			return "", err
		}

		result, err := gc.breaker.Execute(func() (interface{}, error) {
			return gc.generate(ctx, req)
		})
		if err == nil {
			text := result.(string)
			span.SetAttributes(attribute.Int("gemini.attempts", attempt+1))
			return text, nil
		}

		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
			span.SetStatus(codes.Error, "circuit open")
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ctx.Err() != nil || errors.Is(err, ErrEmptyResponse) {
			break
		}
		logger.Debug("Gemini completion failed, retrying", "attempt", attempt+1, "error", err)
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "completion failed")
	return "", lastErr
}

func (gc *GeminiClient) generate(ctx context.Context, req CompletionRequest) (string, error) {
	model := gc.client.GenerativeModel(gc.opts.Model)
	model.SetTemperature(float32(gc.opts.Temperature))
	if gc.opts.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(gc.opts.MaxTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	cs := model.StartChat()
	for _, m := range req.History {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	resp, err := cs.SendMessage(ctx, genai.Text(req.Prompt))
	if err != nil {
		return "", err
	}

	tokens := extractTokenUsage(resp)
	gc.tokenCounter.RecordUsage(tokens, 1)
	gc.opts.Metrics.RecordTokensUsed(int64(tokens), gc.opts.Model)

	text := extractResponseText(resp)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Embed returns one vector per input text, batching to the API limit.
func (gc *GeminiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("gemini.embedding_model", gc.opts.EmbeddingModel),
		attribute.Int("gemini.texts", len(texts)),
	)

	em := gc.client.EmbeddingModel(gc.opts.EmbeddingModel)
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchLimit {
		end := start + embedBatchLimit
		if end > len(texts) {
			end = len(texts)
		}

		if err := gc.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := gc.breaker.Execute(func() (interface{}, error) {
			batch := em.NewBatch()
			for _, t := range texts[start:end] {
				batch.AddContent(genai.Text(t))
			}
			return em.BatchEmbedContents(ctx, batch)
		})
		if err != nil {
			span.RecordError(err)
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			return nil, err
		}

		resp := result.(*genai.BatchEmbedContentsResponse)
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Embeddings), end-start)
		}
		for _, e := range resp.Embeddings {
			out = append(out, e.Values)
		}
	}
	return out, nil
}

// Usage returns the current token accounting snapshot.
func (gc *GeminiClient) Usage() Usage {
	return gc.tokenCounter.Snapshot()
}

func (tc *TokenCounter) RecordUsage(tokens, requests int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.resetExpired(time.Now())
	tc.minuteTokens += tokens
	tc.minuteRequests += requests
	tc.dailyTokens += tokens
	tc.dailyRequests += requests
}

func (tc *TokenCounter) Snapshot() Usage {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.resetExpired(time.Now())
	return Usage{
		MinuteTokens:   tc.minuteTokens,
		DailyTokens:    tc.dailyTokens,
		MinuteRequests: tc.minuteRequests,
		DailyRequests:  tc.dailyRequests,
	}
}

func (tc *TokenCounter) resetExpired(now time.Time) {
	if now.Sub(tc.lastMinuteReset) >= time.Minute {
		tc.minuteTokens = 0
		tc.minuteRequests = 0
		tc.lastMinuteReset = now
	}
	if now.Sub(tc.lastDayReset) >= 24*time.Hour {
		tc.dailyTokens = 0
		tc.dailyRequests = 0
		tc.lastDayReset = now
	}
}

// Rough estimation: 1 token ≈ 4 characters
func estimateTokens(req CompletionRequest) int {
	n := len(req.System) + len(req.Prompt)
	for _, m := range req.History {
		n += len(m.Content)
	}
	return n / 4
}

// Extract token usage from Gemini response
func extractTokenUsage(resp *genai.GenerateContentResponse) int {
	if resp.UsageMetadata != nil {
		return int(resp.UsageMetadata.TotalTokenCount)
	}
	estimated := len(extractResponseText(resp)) / 4
	if estimated < 1 {
		estimated = 1
	}
	return estimated
}

func extractResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	if c := resp.Candidates[0]; c.Content != nil {
		for _, part := range c.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Close the client
func (gc *GeminiClient) Close() error {
	if gc.client != nil {
		return gc.client.Close()
	}
	return nil
}
