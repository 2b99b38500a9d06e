package embeddings

import (
	"context"
	"fmt"
	"time"
)

// Config controls the embedding service behavior
type Config struct {
	// BaseURL points to the service providing POST /embeddings
	BaseURL string
	// Model is the embedding model name (e.g., text-embedding-3-small)
	Model string
	// Provider names the backend for export/import portability metadata
	Provider string
	// Dimensions is the expected vector length; responses with a different
	// length are rejected
	Dimensions int
	// Timeout for outbound HTTP calls
	Timeout time.Duration
	// MaxBatch caps how many texts go into a single HTTP request
	MaxBatch int
	// RateLimit is requests per second against the backend (0 = unlimited)
	RateLimit float64
	// RateBurst is the limiter burst size
	RateBurst int
	// EnableRedis enables the Redis-backed cache tier (optional)
	EnableRedis bool
	// RedisAddr in host:port form when EnableRedis is true
	RedisAddr string
	// CacheTTL sets TTL for Redis cache entries
	CacheTTL time.Duration
	// MaxLRU controls in-process LRU size
	MaxLRU int
}

// Client is the capability the memory service depends on. Service is the
// HTTP-backed implementation; tests substitute deterministic fakes.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	Dimensions() int
	ProviderName() string
}

// EmbeddingError reports a failure to produce vectors. Transient failures
// (network, 5xx, timeout) let recall degrade to keyword-only search;
// capture surfaces them to the caller.
type EmbeddingError struct {
	Op        string
	Provider  string
	Transient bool
	Err       error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding %s (%s): %v", e.Op, e.Provider, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }
