package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists entity records and the set of threads seen so far.
type Store interface {
	Get(ctx context.Context, threadID string) (Record, error)
	// Put replaces the record for threadID.
	Put(ctx context.Context, threadID string, rec Record) error
	Delete(ctx context.Context, threadID string) error
	// MarkSeen records threadID and reports whether it had been seen before.
	MarkSeen(ctx context.Context, threadID string) (bool, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	seen    map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		seen:    make(map[string]struct{}),
	}
}

func (s *MemoryStore) Get(_ context.Context, threadID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[threadID].Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, threadID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[threadID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, threadID)
	return nil
}

func (s *MemoryStore) MarkSeen(_ context.Context, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[threadID]
	s.seen[threadID] = struct{}{}
	return ok, nil
}

// RedisStore keeps one hash per thread plus a set of seen thread ids.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "entities", ttl: ttl}
}

func (s *RedisStore) key(threadID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, threadID)
}

func (s *RedisStore) seenKey() string {
	return s.prefix + ":threads"
}

func (s *RedisStore) Get(ctx context.Context, threadID string) (Record, error) {
	vals, err := s.client.HGetAll(ctx, s.key(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load entities: %w", err)
	}
	return Record(vals), nil
}

func (s *RedisStore) Put(ctx context.Context, threadID string, rec Record) error {
	key := s.key(threadID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(rec) > 0 {
		fields := make(map[string]interface{}, len(rec))
		for k, v := range rec {
			fields[k] = v
		}
		pipe.HSet(ctx, key, fields)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store entities: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	return s.client.Del(ctx, s.key(threadID)).Err()
}

func (s *RedisStore) MarkSeen(ctx context.Context, threadID string) (bool, error) {
	added, err := s.client.SAdd(ctx, s.seenKey(), threadID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to register thread: %w", err)
	}
	return added == 0, nil
}
