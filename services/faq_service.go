package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"campus-assistant/internal/config"
	"campus-assistant/internal/logger"
	"campus-assistant/models"
	"campus-assistant/utils"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// FAQCacheKey holds the JSON encoded list of active FAQs.
const FAQCacheKey = "faq_list"

// FAQService manages curated FAQs behind a read-through Redis cache.
// A nil Redis client disables caching.
type FAQService struct {
	collection *mongo.Collection
	redis      *redis.Client
	ttl        time.Duration
}

func NewFAQService(db *mongo.Database, rdb *redis.Client, ttl time.Duration) *FAQService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &FAQService{
		collection: db.Collection(config.CollectionFAQs),
		redis:      rdb,
		ttl:        ttl,
	}
}

// ListActive returns active FAQs, newest first.
func (s *FAQService) ListActive(ctx context.Context) ([]models.FAQ, error) {
	if faqs, ok := s.cached(ctx); ok {
		return faqs, nil
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.collection.Find(ctx, bson.M{"active": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("find faqs: %w", err)
	}
	defer cursor.Close(ctx)

	faqs := []models.FAQ{}
	if err := cursor.All(ctx, &faqs); err != nil {
		return nil, fmt.Errorf("decode faqs: %w", err)
	}

	s.fill(ctx, faqs)
	return faqs, nil
}

func (s *FAQService) Create(ctx context.Context, req models.CreateFAQRequest) (*models.FAQ, error) {
	now := time.Now().UTC()
	faq := &models.FAQ{
		ID:        primitive.NewObjectID(),
		Question:  strings.TrimSpace(req.Question),
		Answer:    strings.TrimSpace(req.Answer),
		Category:  strings.TrimSpace(req.Category),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if faq.Question == "" || faq.Answer == "" {
		return nil, fmt.Errorf("question and answer are required")
	}
	if _, err := s.collection.InsertOne(ctx, faq); err != nil {
		return nil, fmt.Errorf("insert faq: %w", err)
	}
	s.invalidate(ctx)
	return faq, nil
}

// Update applies the non-nil fields of req.
func (s *FAQService) Update(ctx context.Context, id string, req models.UpdateFAQRequest) (*models.FAQ, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	set := bson.M{"updated_at": time.Now().UTC()}
	if req.Question != nil {
		set["question"] = strings.TrimSpace(*req.Question)
	}
	if req.Answer != nil {
		set["answer"] = strings.TrimSpace(*req.Answer)
	}
	if req.Category != nil {
		set["category"] = strings.TrimSpace(*req.Category)
	}
	if req.Active != nil {
		set["active"] = *req.Active
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var faq models.FAQ
	if err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": oid}, bson.M{"$set": set}, opts).Decode(&faq); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update faq: %w", err)
	}
	s.invalidate(ctx)
	return &faq, nil
}

// Delete deactivates the FAQ; the record is kept.
func (s *FAQService) Delete(ctx context.Context, id string) error {
	active := false
	_, err := s.Update(ctx, id, models.UpdateFAQRequest{Active: &active})
	return err
}

func (s *FAQService) cached(ctx context.Context) ([]models.FAQ, bool) {
	if s.redis == nil {
		return nil, false
	}
	cctx, cancel := utils.WithShortTimeout(ctx)
	defer cancel()

	raw, err := s.redis.Get(cctx, FAQCacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("FAQ cache read failed", "error", err)
		}
		return nil, false
	}
	var faqs []models.FAQ
	if err := json.Unmarshal(raw, &faqs); err != nil {
		logger.Warn("Discarding corrupt FAQ cache", "error", err)
		return nil, false
	}
	return faqs, true
}

func (s *FAQService) fill(ctx context.Context, faqs []models.FAQ) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(faqs)
	if err != nil {
		return
	}
	cctx, cancel := utils.WithShortTimeout(ctx)
	defer cancel()
	if err := s.redis.Set(cctx, FAQCacheKey, raw, s.ttl).Err(); err != nil {
		logger.Warn("FAQ cache write failed", "error", err)
	}
}

func (s *FAQService) invalidate(ctx context.Context) {
	if s.redis == nil {
		return
	}
	cctx, cancel := utils.WithShortTimeout(ctx)
	defer cancel()
	if err := s.redis.Del(cctx, FAQCacheKey).Err(); err != nil {
		logger.Warn("FAQ cache invalidation failed", "error", err)
	}
}
