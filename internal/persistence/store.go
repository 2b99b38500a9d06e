// Package persistence stores the learned-retrieval state (query cache,
// feedback weights, learned expansions, fact anchors) and the audit log.
// SQLite is the default backing; Postgres is available for shared
// deployments. Audit writes flow through an async bounded queue.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/metrics"
)

// Config selects the driver and location of the learned-state database.
type Config struct {
	// Driver is "sqlite3" (default) or "postgres".
	Driver string
	// DSN is the file path for sqlite3 or the connection string for postgres.
	DSN string
	// AuditQueueSize bounds the async audit queue (default 256).
	AuditQueueSize int
}

// QueryCacheEntry is a persisted cache row.
type QueryCacheEntry struct {
	NormalizedQuery string
	FactIDs         []string
	SuccessCount    int
	LastSuccessAt   time.Time
}

// FeedbackWeight is one learned (query, fact) weight.
type FeedbackWeight struct {
	QueryHash string
	FactID    string
	Weight    float64
	UpdatedAt time.Time
}

// FactAnchor maps an anchor pattern to a fact id.
type FactAnchor struct {
	FactID        string
	AnchorPattern string
	Source        string // manual | learned | llm
	Confidence    float64
}

// AuditEntry is one audit log row.
type AuditEntry struct {
	Op       string // remember | correct | forget | import
	MemoryID string
	Instance string
	Detail   map[string]interface{}
}

// ErrClosed is returned for operations after Close.
var ErrClosed = errors.New("persistence store is closed")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS query_cache (
	normalized_query TEXT PRIMARY KEY,
	fact_ids TEXT NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	last_success_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback_weights (
	query_hash TEXT NOT NULL,
	fact_id TEXT NOT NULL,
	weight REAL NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (query_hash, fact_id)
);

CREATE TABLE IF NOT EXISTS learned_expansions (
	id TEXT PRIMARY KEY,
	query_normalized TEXT NOT NULL,
	variant TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_expansions_query ON learned_expansions(query_normalized, created_at);

CREATE TABLE IF NOT EXISTS fact_anchors (
	id TEXT PRIMARY KEY,
	fact_id TEXT NOT NULL,
	anchor_pattern TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT 'manual',
	confidence REAL NOT NULL DEFAULT 1.0
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	op TEXT NOT NULL,
	memory_id TEXT NOT NULL DEFAULT '',
	instance TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
`

// Store wraps the learned-state database. Writes are serialized; readers
// snapshot per operation.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeMu sync.Mutex

	auditCh  chan AuditEntry
	stopCh   chan struct{}
	workerWg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Open opens the learned-state database and starts the audit flusher.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	dsn := cfg.DSN
	if driver == "sqlite3" {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", cfg.DSN)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	if _, err := db.Exec(db.Rebind(sqliteSchema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence schema: %w", err)
	}

	queueSize := cfg.AuditQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &Store{
		db:      db,
		logger:  logger,
		auditCh: make(chan AuditEntry, queueSize),
		stopCh:  make(chan struct{}),
	}
	s.workerWg.Add(1)
	go s.auditWorker()

	logger.Info("persistence opened", zap.String("driver", driver))
	return s, nil
}

// NewWithDB wraps an existing database handle (tests use sqlmock here).
// The audit worker is started; the schema is assumed present.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	s := &Store{
		db:      db,
		logger:  logger,
		auditCh: make(chan AuditEntry, 256),
		stopCh:  make(chan struct{}),
	}
	s.workerWg.Add(1)
	go s.auditWorker()
	return s
}

// Close drains the audit queue and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.workerWg.Wait()
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// timeLayout keeps a fixed-width fraction so created_at ordering in SQL
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// --- query cache ---

// LoadQueryCache returns every persisted cache entry.
func (s *Store) LoadQueryCache(ctx context.Context) ([]QueryCacheEntry, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT normalized_query, fact_ids, success_count, last_success_at FROM query_cache`)
	if err != nil {
		return nil, fmt.Errorf("load query cache: %w", err)
	}
	defer rows.Close()

	out := []QueryCacheEntry{}
	for rows.Next() {
		var e QueryCacheEntry
		var factsJSON, last string
		if err := rows.Scan(&e.NormalizedQuery, &factsJSON, &e.SuccessCount, &last); err != nil {
			return nil, fmt.Errorf("load query cache: %w", err)
		}
		if err := json.Unmarshal([]byte(factsJSON), &e.FactIDs); err != nil {
			continue
		}
		e.LastSuccessAt, _ = time.Parse(time.RFC3339Nano, last)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveQueryCacheEntry upserts one cache entry.
func (s *Store) SaveQueryCacheEntry(ctx context.Context, e QueryCacheEntry) error {
	facts, err := json.Marshal(e.FactIDs)
	if err != nil {
		return fmt.Errorf("save query cache: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO query_cache (normalized_query, fact_ids, success_count, last_success_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(normalized_query) DO UPDATE SET
			fact_ids = excluded.fact_ids,
			success_count = excluded.success_count,
			last_success_at = excluded.last_success_at`),
		e.NormalizedQuery, string(facts), e.SuccessCount, fmtTime(e.LastSuccessAt))
	if err != nil {
		return fmt.Errorf("save query cache: %w", err)
	}
	return nil
}

// DeleteQueryCacheEntries removes the given normalized queries.
func (s *Store) DeleteQueryCacheEntries(ctx context.Context, queries []string) error {
	if len(queries) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM query_cache WHERE normalized_query IN (?)`, queries)
	if err != nil {
		return fmt.Errorf("delete query cache: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("delete query cache: %w", err)
	}
	return nil
}

// --- feedback weights ---

// LoadFeedbackWeights returns every persisted weight.
func (s *Store) LoadFeedbackWeights(ctx context.Context) ([]FeedbackWeight, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT query_hash, fact_id, weight, updated_at FROM feedback_weights`)
	if err != nil {
		return nil, fmt.Errorf("load feedback weights: %w", err)
	}
	defer rows.Close()

	out := []FeedbackWeight{}
	for rows.Next() {
		var w FeedbackWeight
		var updated string
		if err := rows.Scan(&w.QueryHash, &w.FactID, &w.Weight, &updated); err != nil {
			return nil, fmt.Errorf("load feedback weights: %w", err)
		}
		w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpsertFeedbackWeight writes one weight.
func (s *Store) UpsertFeedbackWeight(ctx context.Context, w FeedbackWeight) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO feedback_weights (query_hash, fact_id, weight, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(query_hash, fact_id) DO UPDATE SET
			weight = excluded.weight,
			updated_at = excluded.updated_at`),
		w.QueryHash, w.FactID, w.Weight, fmtTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert feedback weight: %w", err)
	}
	return nil
}

// --- learned expansions ---

// AddExpansion records a learned variant for a query and trims the
// history to the newest keep entries for that query.
func (s *Store) AddExpansion(ctx context.Context, queryNormalized, variant string, keep int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO learned_expansions (id, query_normalized, variant, created_at)
		VALUES (?, ?, ?, ?)`),
		uuid.New().String(), queryNormalized, variant, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("add expansion: %w", err)
	}
	if keep > 0 {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`
			DELETE FROM learned_expansions
			WHERE query_normalized = ? AND id NOT IN (
				SELECT id FROM learned_expansions
				WHERE query_normalized = ?
				ORDER BY created_at DESC LIMIT ?)`),
			queryNormalized, queryNormalized, keep)
		if err != nil {
			return fmt.Errorf("trim expansions: %w", err)
		}
	}
	return nil
}

// ExpansionsFor returns the newest n variants learned for a query.
func (s *Store) ExpansionsFor(ctx context.Context, queryNormalized string, n int) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT variant FROM learned_expansions
		WHERE query_normalized = ?
		ORDER BY created_at DESC LIMIT ?`), queryNormalized, n)
	if err != nil {
		return nil, fmt.Errorf("expansions for: %w", err)
	}
	return out, nil
}

// --- fact anchors ---

// AddAnchor writes a fact anchor.
func (s *Store) AddAnchor(ctx context.Context, a FactAnchor) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO fact_anchors (id, fact_id, anchor_pattern, source, confidence)
		VALUES (?, ?, ?, ?, ?)`),
		uuid.New().String(), a.FactID, a.AnchorPattern, a.Source, a.Confidence)
	if err != nil {
		return fmt.Errorf("add anchor: %w", err)
	}
	return nil
}

// Anchors returns every fact anchor.
func (s *Store) Anchors(ctx context.Context) ([]FactAnchor, error) {
	var out []FactAnchor
	rows, err := s.db.QueryxContext(ctx,
		`SELECT fact_id, anchor_pattern, source, confidence FROM fact_anchors`)
	if err != nil {
		return nil, fmt.Errorf("anchors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a FactAnchor
		if err := rows.Scan(&a.FactID, &a.AnchorPattern, &a.Source, &a.Confidence); err != nil {
			return nil, fmt.Errorf("anchors: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAnchorsForFact removes anchors referencing a forgotten fact.
func (s *Store) DeleteAnchorsForFact(ctx context.Context, factID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM fact_anchors WHERE fact_id = ?`), factID); err != nil {
		return fmt.Errorf("delete anchors: %w", err)
	}
	return nil
}

// --- audit log ---

// Audit enqueues an audit entry. The write happens asynchronously; a full
// queue drops the entry with a warning rather than blocking capture.
func (s *Store) Audit(e AuditEntry) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.auditCh <- e:
		metrics.AuditQueueDepth.Set(float64(len(s.auditCh)))
	default:
		metrics.AuditWriteFailures.Inc()
		s.logger.Warn("audit queue full, dropping entry", zap.String("op", e.Op))
	}
}

func (s *Store) auditWorker() {
	defer s.workerWg.Done()
	for {
		select {
		case e := <-s.auditCh:
			s.writeAudit(e)
			metrics.AuditQueueDepth.Set(float64(len(s.auditCh)))
		case <-s.stopCh:
			// drain on shutdown
			for {
				select {
				case e := <-s.auditCh:
					s.writeAudit(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) writeAudit(e AuditEntry) {
	detail := "{}"
	if e.Detail != nil {
		if b, err := json.Marshal(e.Detail); err == nil {
			detail = string(b)
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_log (id, ts, op, memory_id, instance, detail)
		VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.New().String(), fmtTime(time.Now()), e.Op, e.MemoryID, e.Instance, detail)
	if err != nil {
		metrics.AuditWriteFailures.Inc()
		s.logger.Error("audit write failed", zap.String("op", e.Op), zap.Error(err))
	}
}

// AuditCount returns the number of audit rows (used by tests and health).
func (s *Store) AuditCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM audit_log`); err != nil {
		return 0, fmt.Errorf("audit count: %w", err)
	}
	return n, nil
}
