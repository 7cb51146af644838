package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/models"

	"github.com/redis/go-redis/v9"
)

// HistoryStore keeps the recent transcript of each thread.
type HistoryStore interface {
	Load(ctx context.Context, threadID string) ([]ai.Message, error)
	Append(ctx context.Context, threadID string, msgs ...ai.Message) error
}

// Recorder persists the audit record of an answered turn.
type Recorder interface {
	Record(ctx context.Context, h models.QAHistory) error
}

// MemoryHistory keeps at most maxTurns question/answer pairs per thread.
type MemoryHistory struct {
	mu       sync.Mutex
	maxTurns int
	threads  map[string][]ai.Message
}

func NewMemoryHistory(maxTurns int) *MemoryHistory {
	return &MemoryHistory{maxTurns: maxTurns, threads: make(map[string][]ai.Message)}
}

func (h *MemoryHistory) Load(_ context.Context, threadID string) ([]ai.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.threads[threadID]
	out := make([]ai.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (h *MemoryHistory) Append(_ context.Context, threadID string, msgs ...ai.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := append(h.threads[threadID], msgs...)
	if limit := h.maxTurns * 2; limit > 0 && len(all) > limit {
		all = append([]ai.Message(nil), all[len(all)-limit:]...)
	}
	h.threads[threadID] = all
	return nil
}

// RedisHistory stores each thread as a capped list of JSON messages.
type RedisHistory struct {
	client   *redis.Client
	maxTurns int
	ttl      time.Duration
}

func NewRedisHistory(client *redis.Client, maxTurns int, ttl time.Duration) *RedisHistory {
	return &RedisHistory{client: client, maxTurns: maxTurns, ttl: ttl}
}

func historyKey(threadID string) string {
	return "history:" + threadID
}

func (h *RedisHistory) Load(ctx context.Context, threadID string) ([]ai.Message, error) {
	raw, err := h.client.LRange(ctx, historyKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	out := make([]ai.Message, 0, len(raw))
	for _, item := range raw {
		var m ai.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (h *RedisHistory) Append(ctx context.Context, threadID string, msgs ...ai.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		values = append(values, b)
	}

	key := historyKey(threadID)
	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if h.maxTurns > 0 {
		pipe.LTrim(ctx, key, int64(-h.maxTurns*2), -1)
	}
	if h.ttl > 0 {
		pipe.Expire(ctx, key, h.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}
