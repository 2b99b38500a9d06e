package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/abbudjoe/tribalmemory/internal/metrics"
)

// Service provides embedding generation with caching and rate limiting.
// Vectors leave this package unit-normalized so cosine scores downstream
// stay in [-1, 1] regardless of the backend.
type Service struct {
	cfg     Config
	http    *http.Client
	cache   EmbeddingCache
	lru     *LocalLRU
	limiter *rate.Limiter
}

var _ Client = (*Service)(nil)

// NewService builds a Service with defaults filled in. cache may be nil
// (in-process LRU only).
func NewService(cfg Config, cache EmbeddingCache) *Service {
	c := cfg
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.Provider == "" {
		c.Provider = "local"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 2048
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 64
	}

	var limiter *rate.Limiter
	if c.RateLimit > 0 {
		burst := c.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(c.RateLimit), burst)
	}

	return &Service{
		cfg:     c,
		http:    &http.Client{Timeout: c.Timeout},
		cache:   cache,
		lru:     NewLocalLRU(c.MaxLRU),
		limiter: limiter,
	}
}

// ModelName returns the configured embedding model.
func (s *Service) ModelName() string { return s.cfg.Model }

// Dimensions returns the declared vector length (0 = accept any).
func (s *Service) Dimensions() int { return s.cfg.Dimensions }

// ProviderName returns the backend provider label.
func (s *Service) ProviderName() string { return s.cfg.Provider }

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the unit vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s == nil {
		return nil, errors.New("embedding service not initialized")
	}
	key := MakeKey(s.cfg.Model, text)

	// LRU first
	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
		return v, nil
	}
	// Redis next
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, 30*time.Minute)
			metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
			return v, nil
		}
	}
	metrics.EmbeddingCacheMisses.Inc()

	vecs, err := s.callBackend(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	out := vecs[0]

	s.lru.Set(ctx, key, out, 30*time.Minute)
	if s.cache != nil {
		s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
	}
	return out, nil
}

// EmbedBatch returns unit vectors for texts, in input order. Only texts
// missing from both cache tiers are sent to the backend.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s == nil {
		return nil, errors.New("embedding service not initialized")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncachedTexts := []string{}
	uncachedIndices := []int{}

	for i, text := range texts {
		key := MakeKey(s.cfg.Model, text)

		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, 30*time.Minute)
				metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
				continue
			}
		}
		metrics.EmbeddingCacheMisses.Inc()
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	// The backend takes at most MaxBatch texts per call.
	for start := 0; start < len(uncachedTexts); start += s.cfg.MaxBatch {
		end := start + s.cfg.MaxBatch
		if end > len(uncachedTexts) {
			end = len(uncachedTexts)
		}
		vecs, err := s.callBackend(ctx, uncachedTexts[start:end])
		if err != nil {
			return nil, err
		}
		for i, v := range vecs {
			idx := uncachedIndices[start+i]
			results[idx] = v

			key := MakeKey(s.cfg.Model, uncachedTexts[start+i])
			s.lru.Set(ctx, key, v, 30*time.Minute)
			if s.cache != nil {
				s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
			}
		}
	}

	return results, nil
}

// callBackend performs one HTTP round trip, validates dimensions, and
// normalizes the returned vectors.
func (s *Service) callBackend(ctx context.Context, texts []string) ([][]float32, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, s.transient("rate_wait", err)
		}
	}

	start := time.Now()
	url := fmt.Sprintf("%s/embeddings", s.cfg.BaseURL)
	payload := embedRequest{Texts: texts, Model: s.cfg.Model}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, &EmbeddingError{Op: "request", Provider: s.cfg.Provider, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, s.transient("call", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("embedding http status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, s.transient("call", err)
		}
		return nil, &EmbeddingError{Op: "call", Provider: s.cfg.Provider, Err: err}
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, s.transient("decode", err)
	}
	if len(er.Embeddings) != len(texts) {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, &EmbeddingError{
			Op:       "decode",
			Provider: s.cfg.Provider,
			Err:      fmt.Errorf("got %d embeddings for %d texts", len(er.Embeddings), len(texts)),
		}
	}

	out := make([][]float32, len(er.Embeddings))
	for i, embedding := range er.Embeddings {
		if s.cfg.Dimensions > 0 && len(embedding) != s.cfg.Dimensions {
			return nil, &EmbeddingError{
				Op:       "validate",
				Provider: s.cfg.Provider,
				Err:      fmt.Errorf("backend returned %d dimensions, expected %d", len(embedding), s.cfg.Dimensions),
			}
		}
		v := make([]float32, len(embedding))
		for j, f := range embedding {
			v[j] = float32(f)
		}
		out[i] = NormalizeL2(v)
	}

	metrics.RecordEmbeddingMetrics(s.cfg.Model, "ok", time.Since(start).Seconds())
	return out, nil
}

func (s *Service) transient(op string, err error) error {
	return &EmbeddingError{Op: op, Provider: s.cfg.Provider, Transient: true, Err: err}
}

// IsTransient reports whether err is a transient embedding failure that
// recall should degrade around rather than surface.
func IsTransient(err error) bool {
	var ee *EmbeddingError
	if errors.As(err, &ee) {
		return ee.Transient
	}
	return false
}
