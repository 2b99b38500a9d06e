package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// fakeBackend returns a deterministic vector per text: [len(text), 1, 0].
func fakeBackend(t *testing.T, calls *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		out := make([][]float64, len(req.Texts))
		for i, text := range req.Texts {
			out[i] = []float64{float64(len(text)), 1, 0}
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: out, Dimensions: 3})
	}))
}

func TestUninitializedService(t *testing.T) {
	var s *Service
	if _, err := s.Embed(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error when service is nil")
	}
}

func TestEmbedNormalizes(t *testing.T) {
	var calls int64
	srv := fakeBackend(t, &calls)
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL, Dimensions: 3}, nil)
	v, err := s.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("vector not unit length: |v|^2 = %f", norm)
	}
}

func TestEmbedUsesLRU(t *testing.T) {
	var calls int64
	srv := fakeBackend(t, &calls)
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL}, nil)
	ctx := context.Background()
	if _, err := s.Embed(ctx, "repeat me"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Embed(ctx, "repeat me"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("backend called %d times, want 1 (second hit from LRU)", got)
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	var calls int64
	srv := fakeBackend(t, &calls)
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL}, nil)
	ctx := context.Background()

	// Warm the cache with one of the middle entries so the batch call
	// only covers the misses.
	if _, err := s.Embed(ctx, "bb"); err != nil {
		t.Fatal(err)
	}

	texts := []string{"a", "bb", "ccc", "dddd"}
	vecs, err := s.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("EmbedBatch() error: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	// First component before normalization is len(text), so the ratio of
	// components identifies the source text.
	for i, text := range texts {
		v := vecs[i]
		if len(v) != 3 {
			t.Fatalf("vector %d has length %d", i, len(v))
		}
		wantRatio := float64(len(text)) // v[0]/v[1] survives normalization
		gotRatio := float64(v[0]) / float64(v[1])
		if math.Abs(gotRatio-wantRatio) > 1e-4 {
			t.Errorf("vector %d does not match text %q: ratio %f want %f", i, text, gotRatio, wantRatio)
		}
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	s := NewService(Config{BaseURL: "http://unused"}, nil)
	vecs, err := s.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil) error: %v", err)
	}
	if len(vecs) != 0 {
		t.Errorf("expected no vectors, got %d", len(vecs))
	}
}

func TestRedisCacheTier(t *testing.T) {
	mr := miniredis.RunT(t)

	cache, err := NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCache() error: %v", err)
	}
	defer cache.Close()

	var calls int64
	srv := fakeBackend(t, &calls)
	defer srv.Close()

	ctx := context.Background()
	first := NewService(Config{BaseURL: srv.URL, EnableRedis: true, RedisAddr: mr.Addr()}, cache)
	want, err := first.Embed(ctx, "shared text")
	if err != nil {
		t.Fatal(err)
	}

	// A second service has a cold LRU but shares Redis.
	second := NewService(Config{BaseURL: srv.URL}, cache)
	got, err := second.Embed(ctx, "shared text")
	if err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("backend called %d times, want 1 (second service should hit Redis)", calls)
	}
	if len(got) != len(want) {
		t.Fatalf("vector length mismatch: %d vs %d", len(got), len(want))
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Fatalf("vector mismatch at %d: %f vs %f", i, got[i], want[i])
		}
	}
}

func TestEmbedTransientOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL}, nil)
	_, err := s.Embed(context.Background(), "boom")
	if err == nil {
		t.Fatal("expected error")
	}
	var ee *EmbeddingError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EmbeddingError, got %T", err)
	}
	if !ee.Transient {
		t.Error("5xx should be transient")
	}
	if !IsTransient(err) {
		t.Error("IsTransient should report true")
	}
}

func TestEmbedDimensionMismatchRejected(t *testing.T) {
	var calls int64
	srv := fakeBackend(t, &calls) // returns 3-dim vectors
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL, Dimensions: 8}, nil)
	_, err := s.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected dimension validation error")
	}
	if IsTransient(err) {
		t.Error("dimension mismatch is not transient")
	}
}

func TestEmbedContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Embed(ctx, "slow")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Error("timeouts should be transient")
	}
}
