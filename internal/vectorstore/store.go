package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/embeddings"
	"github.com/abbudjoe/tribalmemory/internal/util"
)

// SchemaVersion is written into store_meta at creation time.
const SchemaVersion = "1.0.0"

// Store is the SQLite-backed vector store. Writes are serialized through a
// single mutex; WAL mode keeps readers unblocked.
type Store struct {
	db      *sqlx.DB
	logger  *zap.Logger
	meta    Meta
	writeMu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	embedding BLOB NOT NULL,
	source_instance TEXT NOT NULL DEFAULT '',
	source_type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	context TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 1.0,
	supersedes TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT 'personal',
	workspace_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	model_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_supersedes ON memories(supersedes);
CREATE INDEX IF NOT EXISTS idx_memories_workspace ON memories(workspace_id);
CREATE INDEX IF NOT EXISTS idx_memories_source_type ON memories(source_type);

CREATE TABLE IF NOT EXISTS store_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (or creates) the store at path and reconciles meta against what
// the database already declares. Opening an existing store with a different
// embedding dimension fails with DimensionMismatchError.
func Open(path string, meta Meta, logger *zap.Logger) (*Store, error) {
	// _journal_mode=WAL: readers do not block the writer
	// _busy_timeout=5000: wait up to 5s for a lock instead of failing
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrapError("open", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, wrapError("open", err)
	}

	s := &Store{db: db, logger: logger, meta: meta}
	if s.meta.SchemaVersion == "" {
		s.meta.SchemaVersion = SchemaVersion
	}
	if err := s.reconcileMeta(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("vector store opened",
		zap.String("path", path),
		zap.String("model", s.meta.ModelName),
		zap.Int("dimensions", s.meta.Dimensions))
	return s, nil
}

// reconcileMeta persists meta on first open and validates it afterwards.
func (s *Store) reconcileMeta() error {
	stored, err := s.readMeta()
	if err != nil {
		return wrapError("meta", err)
	}
	if stored == nil {
		rows := map[string]string{
			"schema_version":       s.meta.SchemaVersion,
			"embedding_model":      s.meta.ModelName,
			"embedding_dimensions": fmt.Sprintf("%d", s.meta.Dimensions),
			"embedding_provider":   s.meta.Provider,
			"instance_id":          s.meta.InstanceID,
		}
		for k, v := range rows {
			if _, err := s.db.Exec(`INSERT INTO store_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
				return wrapError("meta", err)
			}
		}
		return nil
	}
	if s.meta.Dimensions != 0 && stored.Dimensions != 0 && s.meta.Dimensions != stored.Dimensions {
		return &DimensionMismatchError{Expected: stored.Dimensions, Received: s.meta.Dimensions}
	}
	s.meta = *stored
	return nil
}

func (s *Store) readMeta() (*Meta, error) {
	var pairs []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.Select(&pairs, `SELECT key, value FROM store_meta`); err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	m := &Meta{}
	for _, p := range pairs {
		switch p.Key {
		case "schema_version":
			m.SchemaVersion = p.Value
		case "embedding_model":
			m.ModelName = p.Value
		case "embedding_dimensions":
			fmt.Sscanf(p.Value, "%d", &m.Dimensions)
		case "embedding_provider":
			m.Provider = p.Value
		case "instance_id":
			m.InstanceID = p.Value
		}
	}
	return m, nil
}

// Meta returns the embedding-space metadata the store was created with.
func (s *Store) Meta() Meta { return s.meta }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type memoryRow struct {
	ID             string  `db:"id"`
	Content        string  `db:"content"`
	Embedding      []byte  `db:"embedding"`
	SourceInstance string  `db:"source_instance"`
	SourceType     string  `db:"source_type"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
	Tags           string  `db:"tags"`
	Context        string  `db:"context"`
	Confidence     float64 `db:"confidence"`
	Supersedes     string  `db:"supersedes"`
	Scope          string  `db:"scope"`
	WorkspaceID    string  `db:"workspace_id"`
	UserID         string  `db:"user_id"`
	ModelID        string  `db:"model_id"`
}

func (r *memoryRow) toRecord() (*Record, error) {
	vec, err := embeddings.DecodeVector(r.Embedding)
	if err != nil {
		return nil, err
	}
	var tags []string
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", r.ID, err)
		}
	}
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", r.ID, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", r.ID, err)
	}
	return &Record{
		ID:             r.ID,
		Content:        r.Content,
		Embedding:      vec,
		SourceInstance: r.SourceInstance,
		SourceType:     r.SourceType,
		CreatedAt:      created,
		UpdatedAt:      updated,
		Tags:           tags,
		Context:        r.Context,
		Confidence:     r.Confidence,
		Supersedes:     r.Supersedes,
		Scope:          r.Scope,
		WorkspaceID:    r.WorkspaceID,
		UserID:         r.UserID,
		ModelID:        r.ModelID,
	}, nil
}

// timeLayout is RFC 3339 UTC with a fixed nine-digit fraction. The width is
// constant so string comparison in SQL matches chronological order;
// RFC3339Nano would drop trailing zeros and break that for whole-second
// values. time.RFC3339Nano still parses it.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// Upsert writes rec, replacing any existing row with the same id. The
// vector length must match the store's declared dimensions.
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	if s.meta.Dimensions > 0 && len(rec.Embedding) != s.meta.Dimensions {
		return &DimensionMismatchError{Expected: s.meta.Dimensions, Received: len(rec.Embedding)}
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return wrapError("upsert", err)
	}
	if rec.Tags == nil {
		tags = []byte("[]")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, embedding, source_instance, source_type,
			created_at, updated_at, tags, context, confidence, supersedes, scope,
			workspace_id, user_id, model_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			embedding = excluded.embedding,
			source_instance = excluded.source_instance,
			source_type = excluded.source_type,
			updated_at = excluded.updated_at,
			tags = excluded.tags,
			context = excluded.context,
			confidence = excluded.confidence,
			supersedes = excluded.supersedes,
			scope = excluded.scope,
			workspace_id = excluded.workspace_id,
			user_id = excluded.user_id,
			model_id = excluded.model_id`,
		rec.ID, rec.Content, embeddings.EncodeVector(rec.Embedding), rec.SourceInstance,
		rec.SourceType, fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt), string(tags),
		rec.Context, rec.Confidence, rec.Supersedes, rec.Scope,
		rec.WorkspaceID, rec.UserID, rec.ModelID)
	if err != nil {
		return wrapError("upsert", err)
	}
	return nil
}

// Get returns the record with the given id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var row memoryRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM memories WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("get", err)
	}
	rec, err := row.toRecord()
	if err != nil {
		return nil, wrapError("get", err)
	}
	return rec, nil
}

// Delete removes the record with the given id. Returns whether a row was
// actually removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, wrapError("delete", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Search returns the top-k records by cosine similarity against query,
// restricted by filters. SQL narrows the candidate set by time, scope,
// source, and workspace; tag-subset matching and scoring run in process
// over the surviving rows.
func (s *Store) Search(ctx context.Context, query []float32, k int, f Filters) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	where, args := buildWhere(f)
	q := `SELECT id, embedding, tags FROM memories` + where

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, wrapError("search", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, k*2)
	for rows.Next() {
		var id string
		var blob []byte
		var tagsJSON string
		if err := rows.Scan(&id, &blob, &tagsJSON); err != nil {
			return nil, wrapError("search", err)
		}
		if len(f.Tags) > 0 && !tagsMatch(tagsJSON, f.Tags) {
			continue
		}
		vec, err := embeddings.DecodeVector(blob)
		if err != nil {
			return nil, wrapError("search", err)
		}
		matches = append(matches, Match{ID: id, Score: embeddings.Cosine(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("search", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func buildWhere(f Filters) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}
	if f.After != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, fmtTime(*f.After))
	}
	if f.Before != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, fmtTime(*f.Before))
	}
	if len(f.Scopes) > 0 {
		q, a := inClause("scope", f.Scopes)
		clauses = append(clauses, q)
		args = append(args, a...)
	}
	if len(f.Sources) > 0 {
		q, a := inClause("source_type", f.Sources)
		clauses = append(clauses, q)
		args = append(args, a...)
	}
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if len(clauses) == 0 {
		return "", args
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func inClause(col string, vals []string) (string, []interface{}) {
	q := col + " IN (?"
	args := []interface{}{vals[0]}
	for _, v := range vals[1:] {
		q += ", ?"
		args = append(args, v)
	}
	return q + ")", args
}

func tagsMatch(tagsJSON string, required []string) bool {
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return false
	}
	for _, r := range required {
		if !util.ContainsString(tags, r) {
			return false
		}
	}
	return true
}

// Count returns the number of stored memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM memories`); err != nil {
		return 0, wrapError("count", err)
	}
	return n, nil
}

// CountBySourceType returns memory counts grouped by source type.
func (s *Store) CountBySourceType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT source_type, COUNT(*) FROM memories GROUP BY source_type`)
	if err != nil {
		return nil, wrapError("count_by_source", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, wrapError("count_by_source", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// TagCounts returns how many memories carry each tag.
func (s *Store) TagCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT tags FROM memories WHERE tags != '[]'`)
	if err != nil {
		return nil, wrapError("tag_counts", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var tagsJSON string
		if err := rows.Scan(&tagsJSON); err != nil {
			return nil, wrapError("tag_counts", err)
		}
		var tags []string
		if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
			continue
		}
		for _, t := range tags {
			out[t]++
		}
	}
	return out, rows.Err()
}

// Recent returns the newest n records (id and content only), newest first.
// The dedup engine warms its fingerprint ring from this at startup.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, content FROM memories ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, wrapError("recent", err)
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Content); err != nil {
			return nil, wrapError("recent", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ChildrenOf returns the records that supersede id, newest first
// (updated_at desc, id desc). Leaf resolution during recall walks these.
func (s *Store) ChildrenOf(ctx context.Context, id string) ([]*Record, error) {
	var rows []memoryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM memories WHERE supersedes = ? ORDER BY updated_at DESC, id DESC`, id)
	if err != nil {
		return nil, wrapError("children", err)
	}
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, wrapError("children", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// AllForExport returns every record matching filters in created_at asc
// order (id tiebreak) so exports are byte-reproducible.
func (s *Store) AllForExport(ctx context.Context, f Filters) ([]*Record, error) {
	where, args := buildWhere(f)
	var rows []memoryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM memories`+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, wrapError("export", err)
	}
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, wrapError("export", err)
		}
		if len(f.Tags) > 0 {
			tagsOK := true
			for _, t := range f.Tags {
				if !util.ContainsString(rec.Tags, t) {
					tagsOK = false
					break
				}
			}
			if !tagsOK {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
