package utils

import (
	"context"
	"time"
)

const (
	// DefaultTimeout bounds single database round trips.
	DefaultTimeout = 10 * time.Second

	// LongTimeout is for uploads and exports.
	LongTimeout = 60 * time.Second

	// ShortTimeout is for cache lookups and rate limit counters.
	ShortTimeout = 2 * time.Second
)

func WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultTimeout)
}

func WithLongTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, LongTimeout)
}

func WithShortTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ShortTimeout)
}
