// Package textsearch persists memory content in a SQLite FTS5 table and
// serves BM25 keyword search. Scores are min-max normalized to [0, 1] per
// query before they leave the store so the hybrid merge can weight them
// against cosine scores.
package textsearch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Match is one keyword hit with its normalized score in [0, 1].
type Match struct {
	ID    string
	Score float64
}

// Store is the FTS5-backed keyword index, kept in its own database file.
type Store struct {
	db      *sqlx.DB
	logger  *zap.Logger
	writeMu sync.Mutex
}

const schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
	id UNINDEXED,
	content,
	tokenize = 'porter unicode61'
);
`

// Open opens (or creates) the keyword index at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("textsearch open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("textsearch open: %w", err)
	}
	logger.Info("full-text store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Upsert indexes content under id, replacing any previous row. FTS5 has no
// primary keys, so upsert is delete + insert.
func (s *Store) Upsert(ctx context.Context, id, content string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_fts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("textsearch upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_fts (id, content) VALUES (?, ?)`, id, content); err != nil {
		return fmt.Errorf("textsearch upsert: %w", err)
	}
	return nil
}

// Delete removes the row indexed under id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_fts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("textsearch delete: %w", err)
	}
	return nil
}

// Search returns the top-k BM25 matches for query. An empty or
// punctuation-only query returns no matches without error.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	expr := BuildMatchExpr(query)
	if expr == "" {
		return nil, nil
	}

	// bm25() is ascending in SQLite (lower = better); negate so higher is
	// better before normalizing.
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, bm25(memory_fts) FROM memory_fts WHERE memory_fts MATCH ? ORDER BY bm25(memory_fts) LIMIT ?`,
		expr, k)
	if err != nil {
		// FTS5 reports unparseable expressions as errors; treat them as
		// no-match rather than failing the whole recall.
		s.logger.Debug("fts match failed", zap.String("expr", expr), zap.Error(err))
		return nil, nil
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var id string
		var raw float64
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("textsearch search: %w", err)
		}
		matches = append(matches, Match{ID: id, Score: -raw})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("textsearch search: %w", err)
	}

	normalize(matches)
	return matches, nil
}

// normalize rescales scores to [0, 1] per query via min-max. A single
// match (or all-equal scores) normalizes to 1.
func normalize(matches []Match) {
	if len(matches) == 0 {
		return
	}
	min, max := matches[0].Score, matches[0].Score
	for _, m := range matches[1:] {
		if m.Score < min {
			min = m.Score
		}
		if m.Score > max {
			max = m.Score
		}
	}
	if max == min {
		for i := range matches {
			matches[i].Score = 1
		}
		return
	}
	for i := range matches {
		matches[i].Score = (matches[i].Score - min) / (max - min)
	}
}

// BuildMatchExpr turns a free-form query into an FTS5 MATCH expression.
// Tokens containing anything outside [a-zA-Z0-9] are phrase-quoted so
// exact substrings (emails, kebab-case names, code) match instead of
// being parsed as FTS5 operators.
func BuildMatchExpr(query string) string {
	fields := strings.Fields(query)
	parts := make([]string, 0, len(fields))
	for _, tok := range fields {
		if isBareToken(tok) {
			parts = append(parts, tok)
			continue
		}
		if !containsAlnum(tok) {
			// pure punctuation matches nothing
			continue
		}
		parts = append(parts, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"`)
	}
	return strings.Join(parts, " ")
}

func isBareToken(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if !isAlnum(r) {
			return false
		}
	}
	return true
}

func containsAlnum(tok string) bool {
	for _, r := range tok {
		if isAlnum(r) {
			return true
		}
	}
	return false
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
