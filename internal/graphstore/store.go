package graphstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store is the SQLite-backed graph store. All writes funnel through one
// mutex; public write methods lock once and call unexported unlocked
// implementations so composite operations stay under a single acquisition
// (Go mutexes are not reentrant).
type Store struct {
	db      *sqlx.DB
	logger  *zap.Logger
	writeMu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	display_name TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(workspace_id, name, entity_type)
);

CREATE TABLE IF NOT EXISTS relationships (
	id TEXT PRIMARY KEY,
	source_entity_id TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	target_entity_id TEXT NOT NULL,
	provenance_memory_id TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 1.0,
	created_at TEXT NOT NULL,
	UNIQUE(source_entity_id, relation_type, target_entity_id, provenance_memory_id),
	FOREIGN KEY (source_entity_id) REFERENCES entities(id) ON DELETE CASCADE,
	FOREIGN KEY (target_entity_id) REFERENCES entities(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS memory_entity_links (
	memory_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (memory_id, entity_id),
	FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS temporal_facts (
	id TEXT PRIMARY KEY,
	memory_id TEXT NOT NULL,
	date_start TEXT NOT NULL,
	date_end TEXT,
	label TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_rel_source ON relationships(source_entity_id);
CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships(target_entity_id);
CREATE INDEX IF NOT EXISTS idx_links_memory ON memory_entity_links(memory_id);
CREATE INDEX IF NOT EXISTS idx_links_entity ON memory_entity_links(entity_id);
CREATE INDEX IF NOT EXISTS idx_facts_memory ON temporal_facts(memory_id);
CREATE INDEX IF NOT EXISTS idx_facts_range ON temporal_facts(date_start, date_end);
`

// Open opens (or creates) the graph store at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1", path)
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
	logger.Info("graph store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// UpsertEntity writes e (canonical name lowercased) and returns the stored
// entity id, reusing the existing row when (workspace, name, type) is
// already known.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.upsertEntityLocked(ctx, e)
}

func (s *Store) upsertEntityLocked(ctx context.Context, e Entity) (string, error) {
	name := strings.ToLower(strings.TrimSpace(e.Name))
	if name == "" {
		return "", wrapError("upsert_entity", errors.New("empty entity name"))
	}
	display := e.DisplayName
	if display == "" {
		display = e.Name
	}
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, workspace_id, name, display_name, entity_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, name, entity_type) DO UPDATE SET
			display_name = excluded.display_name`,
		id, e.WorkspaceID, name, display, e.EntityType, fmtTime(time.Now()))
	if err != nil {
		return "", wrapError("upsert_entity", err)
	}

	var stored string
	err = s.db.GetContext(ctx, &stored,
		`SELECT id FROM entities WHERE workspace_id = ? AND name = ? AND entity_type = ?`,
		e.WorkspaceID, name, e.EntityType)
	if err != nil {
		return "", wrapError("upsert_entity", err)
	}
	return stored, nil
}

// AddRelationship writes a directed edge. Duplicate edges from the same
// provenance memory are ignored.
func (s *Store) AddRelationship(ctx context.Context, r Relationship) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.addRelationshipLocked(ctx, r)
}

func (s *Store) addRelationshipLocked(ctx context.Context, r Relationship) error {
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (id, source_entity_id, relation_type, target_entity_id,
			provenance_memory_id, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_entity_id, relation_type, target_entity_id, provenance_memory_id)
		DO NOTHING`,
		id, r.SourceEntityID, r.RelationType, r.TargetEntityID,
		r.ProvenanceMemoryID, r.Confidence, fmtTime(time.Now()))
	if err != nil {
		return wrapError("add_relationship", err)
	}
	return nil
}

// LinkMemory associates a memory with an entity.
func (s *Store) LinkMemory(ctx context.Context, memoryID, entityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.linkMemoryLocked(ctx, memoryID, entityID)
}

func (s *Store) linkMemoryLocked(ctx context.Context, memoryID, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entity_links (memory_id, entity_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(memory_id, entity_id) DO NOTHING`,
		memoryID, entityID, fmtTime(time.Now()))
	if err != nil {
		return wrapError("link_memory", err)
	}
	return nil
}

// AddTemporalFact records a date anchor for a memory.
func (s *Store) AddTemporalFact(ctx context.Context, f TemporalFact) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}
	var end interface{}
	if f.DateEnd != nil {
		end = fmtTime(*f.DateEnd)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO temporal_facts (id, memory_id, date_start, date_end, label)
		VALUES (?, ?, ?, ?, ?)`,
		id, f.MemoryID, fmtTime(f.DateStart), end, f.Label)
	if err != nil {
		return wrapError("add_temporal_fact", err)
	}
	return nil
}

// Ingest writes one memory's extraction output in a single lock
// acquisition: entities (returning their ids by name), links, and
// relationships resolved from entity names to stored ids.
func (s *Store) Ingest(ctx context.Context, memoryID, workspaceID string, entities []Entity, rels []Relationship, relNames [][2]string, facts []TemporalFact) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	idsByName := make(map[string]string, len(entities))
	for _, e := range entities {
		e.WorkspaceID = workspaceID
		id, err := s.upsertEntityLocked(ctx, e)
		if err != nil {
			return err
		}
		idsByName[strings.ToLower(e.Name)] = id
		if err := s.linkMemoryLocked(ctx, memoryID, id); err != nil {
			return err
		}
	}

	for i, r := range rels {
		src, okS := idsByName[strings.ToLower(relNames[i][0])]
		dst, okT := idsByName[strings.ToLower(relNames[i][1])]
		if !okS || !okT {
			continue
		}
		r.SourceEntityID = src
		r.TargetEntityID = dst
		r.ProvenanceMemoryID = memoryID
		if err := s.addRelationshipLocked(ctx, r); err != nil {
			return err
		}
	}

	for _, f := range facts {
		f.MemoryID = memoryID
		id := f.ID
		if id == "" {
			id = uuid.New().String()
		}
		var end interface{}
		if f.DateEnd != nil {
			end = fmtTime(*f.DateEnd)
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO temporal_facts (id, memory_id, date_start, date_end, label)
			VALUES (?, ?, ?, ?, ?)`,
			id, f.MemoryID, fmtTime(f.DateStart), end, f.Label); err != nil {
			return wrapError("ingest", err)
		}
	}
	return nil
}

// EntityByName returns the entity with the given canonical name in the
// workspace, or nil when unknown. Entity type is ignored on lookup; when
// the same name exists under several types the lexicographically smallest
// type wins.
func (s *Store) EntityByName(ctx context.Context, workspaceID, name string) (*Entity, error) {
	var e Entity
	err := s.db.GetContext(ctx, &e, `
		SELECT id, workspace_id, name, display_name, entity_type FROM entities
		WHERE workspace_id = ? AND name = ? ORDER BY entity_type LIMIT 1`,
		workspaceID, strings.ToLower(strings.TrimSpace(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("entity_by_name", err)
	}
	return &e, nil
}

// FindConnected walks the relationship graph from the named entity up to
// maxHops in either edge direction. Results are ordered by depth then
// name; the start entity itself is depth 0 and included first.
func (s *Store) FindConnected(ctx context.Context, workspaceID, name string, maxHops int) ([]Connected, error) {
	start, err := s.EntityByName(ctx, workspaceID, name)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, nil
	}

	visited := map[string]bool{start.ID: true}
	out := []Connected{{Entity: *start, Depth: 0}}
	frontier := []string{start.ID}

	for depth := 1; depth <= maxHops && len(frontier) > 0; depth++ {
		neighbors, err := s.neighborIDs(ctx, frontier)
		if err != nil {
			return nil, err
		}
		next := []string{}
		var found []Connected
		for _, id := range neighbors {
			if visited[id] {
				continue
			}
			visited[id] = true
			var e Entity
			if err := s.db.GetContext(ctx, &e,
				`SELECT id, workspace_id, name, display_name, entity_type FROM entities WHERE id = ?`, id); err != nil {
				return nil, wrapError("find_connected", err)
			}
			found = append(found, Connected{Entity: e, Depth: depth})
			next = append(next, id)
		}
		// deterministic: within a depth, lexicographic by name
		sortConnected(found)
		out = append(out, found...)
		frontier = next
	}
	return out, nil
}

func sortConnected(cs []Connected) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].Entity.Name < cs[j-1].Entity.Name; j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

func (s *Store) neighborIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT target_entity_id FROM relationships WHERE source_entity_id IN (?)
		UNION
		SELECT source_entity_id FROM relationships WHERE target_entity_id IN (?)`,
		ids, ids)
	if err != nil {
		return nil, wrapError("neighbors", err)
	}
	var out []string
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, wrapError("neighbors", err)
	}
	return out, nil
}

// MemoriesForEntities returns memory ids linked to any of the given
// entities, ordered by how many of them each memory matches (desc) then by
// link recency (desc).
func (s *Store) MemoriesForEntities(ctx context.Context, entityIDs []string) ([]MemoryRef, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT memory_id, COUNT(DISTINCT entity_id) AS matches, MAX(created_at) AS latest
		FROM memory_entity_links
		WHERE entity_id IN (?)
		GROUP BY memory_id
		ORDER BY matches DESC, latest DESC, memory_id`, entityIDs)
	if err != nil {
		return nil, wrapError("memories_for_entities", err)
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, wrapError("memories_for_entities", err)
	}
	defer rows.Close()

	out := []MemoryRef{}
	for rows.Next() {
		var ref MemoryRef
		var latest string
		if err := rows.Scan(&ref.MemoryID, &ref.Matches, &latest); err != nil {
			return nil, wrapError("memories_for_entities", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// EntitiesForMemories returns the entity ids linked to each memory,
// keyed by memory id. Used by export.
func (s *Store) EntitiesForMemories(ctx context.Context, memoryIDs []string) (map[string][]string, error) {
	if len(memoryIDs) == 0 {
		return map[string][]string{}, nil
	}
	query, args, err := sqlx.In(
		`SELECT memory_id, entity_id FROM memory_entity_links WHERE memory_id IN (?) ORDER BY memory_id, entity_id`,
		memoryIDs)
	if err != nil {
		return nil, wrapError("entities_for_memories", err)
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, wrapError("entities_for_memories", err)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var mid, eid string
		if err := rows.Scan(&mid, &eid); err != nil {
			return nil, wrapError("entities_for_memories", err)
		}
		out[mid] = append(out[mid], eid)
	}
	return out, rows.Err()
}

// Entities returns the entities with the given ids.
func (s *Store) Entities(ctx context.Context, ids []string) ([]Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, workspace_id, name, display_name, entity_type FROM entities WHERE id IN (?) ORDER BY name`, ids)
	if err != nil {
		return nil, wrapError("entities", err)
	}
	var out []Entity
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, wrapError("entities", err)
	}
	return out, nil
}

// RelationshipsForMemories returns relationships whose provenance is one
// of the given memories. Used by export.
func (s *Store) RelationshipsForMemories(ctx context.Context, memoryIDs []string) ([]Relationship, error) {
	if len(memoryIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, source_entity_id, relation_type, target_entity_id, provenance_memory_id, confidence
		FROM relationships WHERE provenance_memory_id IN (?) ORDER BY id`, memoryIDs)
	if err != nil {
		return nil, wrapError("relationships_for_memories", err)
	}
	var out []Relationship
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, wrapError("relationships_for_memories", err)
	}
	return out, nil
}

// HasLinks reports whether any link or relationship still references the
// memory. Invariant checks in tests use this after Forget.
func (s *Store) HasLinks(ctx context.Context, memoryID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT (SELECT COUNT(*) FROM memory_entity_links WHERE memory_id = ?)
		     + (SELECT COUNT(*) FROM relationships WHERE provenance_memory_id = ?)
		     + (SELECT COUNT(*) FROM temporal_facts WHERE memory_id = ?)`,
		memoryID, memoryID, memoryID)
	if err != nil {
		return false, wrapError("has_links", err)
	}
	return n > 0, nil
}

// Cleanup removes everything the memory contributed to the graph: its
// links, its provenance relationships, its temporal facts, and any entity
// left with no remaining links and no remaining edges.
func (s *Store) Cleanup(ctx context.Context, memoryID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var touched []string
	if err := s.db.SelectContext(ctx, &touched,
		`SELECT entity_id FROM memory_entity_links WHERE memory_id = ?`, memoryID); err != nil {
		return wrapError("cleanup", err)
	}

	stmts := []string{
		`DELETE FROM memory_entity_links WHERE memory_id = ?`,
		`DELETE FROM relationships WHERE provenance_memory_id = ?`,
		`DELETE FROM temporal_facts WHERE memory_id = ?`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q, memoryID); err != nil {
			return wrapError("cleanup", err)
		}
	}

	// Orphan sweep over the entities this memory touched.
	for _, id := range touched {
		var n int
		err := s.db.GetContext(ctx, &n, `
			SELECT (SELECT COUNT(*) FROM memory_entity_links WHERE entity_id = ?)
			     + (SELECT COUNT(*) FROM relationships WHERE source_entity_id = ? OR target_entity_id = ?)`,
			id, id, id)
		if err != nil {
			return wrapError("cleanup", err)
		}
		if n == 0 {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
				return wrapError("cleanup", err)
			}
		}
	}
	return nil
}

// MemoriesInRange returns memory ids with a temporal fact overlapping
// [after, before]. Either bound may be zero.
func (s *Store) MemoriesInRange(ctx context.Context, after, before time.Time) ([]string, error) {
	clauses := []string{}
	args := []interface{}{}
	if !after.IsZero() {
		clauses = append(clauses, `(date_end IS NULL AND date_start >= ?) OR (date_end IS NOT NULL AND date_end >= ?)`)
		args = append(args, fmtTime(after), fmtTime(after))
	}
	if !before.IsZero() {
		clauses = append(clauses, `date_start <= ?`)
		args = append(args, fmtTime(before))
	}
	q := `SELECT DISTINCT memory_id FROM temporal_facts`
	if len(clauses) > 0 {
		q += ` WHERE (` + strings.Join(clauses, `) AND (`) + `)`
	}
	var out []string
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, wrapError("memories_in_range", err)
	}
	return out, nil
}

// EntityCount returns the number of stored entities.
func (s *Store) EntityCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM entities`); err != nil {
		return 0, wrapError("entity_count", err)
	}
	return n, nil
}
