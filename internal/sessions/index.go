// Package sessions indexes conversation transcripts for semantic search.
// Transcripts are chunked into overlapping word windows, embedded, and
// stored; re-indexing a session only processes turns past the last
// indexed one. Old chunks expire via the retention sweeper.
package sessions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/embeddings"
	"github.com/abbudjoe/tribalmemory/internal/metrics"
)

// Turn is one transcript turn to index.
type Turn struct {
	Index int
	Role  string
	Text  string
}

// Chunk is one stored transcript window.
type Chunk struct {
	ID         string
	SessionID  string
	ChunkIndex int
	Text       string
	Embedding  []float32
	Tokens     int
	StartTurn  int
	EndTurn    int
	CreatedAt  time.Time
}

// SearchOptions narrows and pages a chunk search.
type SearchOptions struct {
	// SessionID restricts hits to one session when non-empty.
	SessionID string
	// Page is 1-based; PageSize defaults to 10.
	Page     int
	PageSize int
}

// SearchHit is one scored chunk.
type SearchHit struct {
	Chunk
	Score float64
}

const schema = `
CREATE TABLE IF NOT EXISTS session_chunks (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	text        TEXT NOT NULL,
	embedding   BLOB NOT NULL,
	tokens      INTEGER NOT NULL,
	start_turn  INTEGER NOT NULL,
	end_turn    INTEGER NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_chunks_session ON session_chunks(session_id, chunk_index);
CREATE INDEX IF NOT EXISTS idx_session_chunks_created ON session_chunks(created_at);
`

// Index is the transcript chunk store. Single writer, WAL readers.
type Index struct {
	db       *sqlx.DB
	embedder embeddings.Client
	chunker  *embeddings.Chunker
	logger   *zap.Logger

	writeMu sync.Mutex
}

// Open opens (creating if needed) the chunk database at path.
func Open(path string, embedder embeddings.Client, chunking embeddings.ChunkingConfig, logger *zap.Logger) (*Index, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session schema: %w", err)
	}
	return &Index{
		db:       db,
		embedder: embedder,
		chunker:  embeddings.NewChunker(chunking),
		logger:   logger,
	}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error { return ix.db.Close() }

// IndexTranscript chunks and stores the turns of a session that were not
// indexed before (delta semantics: only turns past the last indexed
// end_turn). Returns the number of chunks written.
func (ix *Index) IndexTranscript(ctx context.Context, sessionID string, turns []Turn) (int, error) {
	if len(turns) == 0 {
		return 0, nil
	}

	var last struct {
		EndTurn    *int `db:"end_turn"`
		ChunkIndex *int `db:"chunk_index"`
	}
	err := ix.db.GetContext(ctx, &last,
		`SELECT MAX(end_turn) AS end_turn, MAX(chunk_index) AS chunk_index
		 FROM session_chunks WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("session %s: read index state: %w", sessionID, err)
	}
	lastTurn := -1
	nextChunk := 0
	if last.EndTurn != nil {
		lastTurn = *last.EndTurn
	}
	if last.ChunkIndex != nil {
		nextChunk = *last.ChunkIndex + 1
	}

	fresh := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Index > lastTurn {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Index < fresh[j].Index })

	lines := make([]string, len(fresh))
	for i, t := range fresh {
		lines[i] = t.Role + ": " + t.Text
	}
	text := strings.Join(lines, "\n")

	pieces := ix.chunker.ChunkText(text)
	if pieces == nil {
		pieces = []embeddings.Chunk{{Text: text, TotalCount: 1}}
	}
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("session %s: embed chunks: %w", sessionID, err)
	}

	startTurn := fresh[0].Index
	endTurn := fresh[len(fresh)-1].Index
	now := fmtTime(time.Now())

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	tx, err := ix.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("session %s: begin: %w", sessionID, err)
	}
	defer tx.Rollback()

	for i, p := range pieces {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_chunks
			 (id, session_id, chunk_index, text, embedding, tokens, start_turn, end_turn, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), sessionID, nextChunk+i, p.Text,
			embeddings.EncodeVector(vectors[i]), ix.chunker.CountTokens(p.Text),
			startTurn, endTurn, now)
		if err != nil {
			return 0, fmt.Errorf("session %s: insert chunk: %w", sessionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("session %s: commit: %w", sessionID, err)
	}

	metrics.SessionChunksIndexed.Add(float64(len(pieces)))
	ix.logger.Debug("transcript indexed",
		zap.String("session_id", sessionID),
		zap.Int("chunks", len(pieces)),
		zap.Int("turns", len(fresh)))
	return len(pieces), nil
}

type chunkRow struct {
	ID         string `db:"id"`
	SessionID  string `db:"session_id"`
	ChunkIndex int    `db:"chunk_index"`
	Text       string `db:"text"`
	Embedding  []byte `db:"embedding"`
	Tokens     int    `db:"tokens"`
	StartTurn  int    `db:"start_turn"`
	EndTurn    int    `db:"end_turn"`
	CreatedAt  string `db:"created_at"`
}

// Search embeds the query and returns the requested page of chunks by
// cosine similarity, best first (id tiebreak for a stable order).
func (ix *Index) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}

	qv, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed session query: %w", err)
	}

	var rows []chunkRow
	if opts.SessionID != "" {
		err = ix.db.SelectContext(ctx, &rows,
			`SELECT * FROM session_chunks WHERE session_id = ?`, opts.SessionID)
	} else {
		err = ix.db.SelectContext(ctx, &rows, `SELECT * FROM session_chunks`)
	}
	if err != nil {
		return nil, fmt.Errorf("load session chunks: %w", err)
	}

	hits := make([]SearchHit, 0, len(rows))
	for _, r := range rows {
		vec, err := embeddings.DecodeVector(r.Embedding)
		if err != nil {
			ix.logger.Warn("undecodable chunk embedding skipped", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
		hits = append(hits, SearchHit{
			Chunk: Chunk{
				ID:         r.ID,
				SessionID:  r.SessionID,
				ChunkIndex: r.ChunkIndex,
				Text:       r.Text,
				Embedding:  vec,
				Tokens:     r.Tokens,
				StartTurn:  r.StartTurn,
				EndTurn:    r.EndTurn,
				CreatedAt:  created,
			},
			Score: embeddings.Cosine(qv, vec),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	start := (opts.Page - 1) * opts.PageSize
	if start >= len(hits) {
		return nil, nil
	}
	end := start + opts.PageSize
	if end > len(hits) {
		end = len(hits)
	}
	return hits[start:end], nil
}

// LastIndexedTurn returns the highest indexed turn for a session, -1 when
// none.
func (ix *Index) LastIndexedTurn(ctx context.Context, sessionID string) (int, error) {
	var end *int
	err := ix.db.GetContext(ctx, &end,
		`SELECT MAX(end_turn) FROM session_chunks WHERE session_id = ?`, sessionID)
	if err != nil {
		return -1, fmt.Errorf("session %s: last turn: %w", sessionID, err)
	}
	if end == nil {
		return -1, nil
	}
	return *end, nil
}

// ChunkCount returns the stored chunk count, optionally per session.
func (ix *Index) ChunkCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	var err error
	if sessionID != "" {
		err = ix.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM session_chunks WHERE session_id = ?`, sessionID)
	} else {
		err = ix.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM session_chunks`)
	}
	return n, err
}

// timeLayout keeps a fixed-width fraction so the retention sweep's string
// comparison against created_at matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// DeleteOlderThan removes chunks created before cutoff.
func (ix *Index) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	res, err := ix.db.ExecContext(ctx,
		`DELETE FROM session_chunks WHERE created_at < ?`,
		fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge session chunks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.SessionChunksPurged.Add(float64(n))
	}
	return int(n), nil
}
