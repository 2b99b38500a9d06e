package tribalmemory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abbudjoe/tribalmemory/internal/dedup"
	"github.com/abbudjoe/tribalmemory/internal/embeddings"
	"github.com/abbudjoe/tribalmemory/internal/extractor"
	"github.com/abbudjoe/tribalmemory/internal/graphstore"
	"github.com/abbudjoe/tribalmemory/internal/knowledge"
	"github.com/abbudjoe/tribalmemory/internal/learned"
	"github.com/abbudjoe/tribalmemory/internal/metrics"
	"github.com/abbudjoe/tribalmemory/internal/persistence"
	"github.com/abbudjoe/tribalmemory/internal/safeguards"
	"github.com/abbudjoe/tribalmemory/internal/sessions"
	"github.com/abbudjoe/tribalmemory/internal/textsearch"
	"github.com/abbudjoe/tribalmemory/internal/util"
	"github.com/abbudjoe/tribalmemory/internal/validation"
	"github.com/abbudjoe/tribalmemory/internal/vectorstore"
)

// Validation errors surfaced by capture operations.
var (
	ErrEmptyContent    = errors.New("memory content is empty")
	ErrContentTooLarge = fmt.Errorf("memory content exceeds %d bytes", MaxContentBytes)
	ErrNotFound        = errors.New("memory not found")
)

const batchChunkSize = 50

const storeSchemaVersion = "1"

// AlertEvent is a safeguard alert surfaced to service listeners.
type AlertEvent struct {
	Condition string
	SessionID string
	Value     float64
	At        time.Time
}

// Service is the shared memory service. Safe for concurrent use.
type Service struct {
	cfg      Config
	logger   *zap.Logger
	embedder embeddings.Client
	instance string

	vectors *vectorstore.Store
	fts     *textsearch.Store
	graph   *graphstore.Store

	extract *extractor.Extractor
	deduper *dedup.Engine

	persist  *persistence.Store
	qcache   *learned.QueryCache
	expander *learned.Expander
	feedback *learned.Feedback

	trigger *safeguards.Trigger
	breaker *safeguards.Breaker
	budget  *safeguards.Budget
	seen    *safeguards.SessionDedup
	alerts  *safeguards.Alerts

	transcripts *sessions.Index
	sweeper     *sessions.Sweeper

	watcher  *knowledge.Watcher
	reranker Reranker

	closeOnce sync.Once
}

// New assembles a service from cfg. embedder may be nil, in which case
// the HTTP embedding service from cfg.Embedding is used; tests pass a
// deterministic fake. logger may be nil.
func New(cfg Config, embedder embeddings.Client, logger *zap.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	instance := cfg.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if embedder == nil {
		var cache embeddings.EmbeddingCache = embeddings.NewLocalLRU(cfg.Embedding.MaxLRU)
		if cfg.Embedding.EnableRedis {
			if rc, err := embeddings.NewRedisCache(cfg.Embedding.RedisAddr); err != nil {
				logger.Warn("embedding redis cache unavailable, using local LRU only", zap.Error(err))
			} else {
				cache = rc
			}
		}
		embedder = embeddings.NewService(cfg.Embedding, cache)
	}

	meta := vectorstore.Meta{
		SchemaVersion: storeSchemaVersion,
		ModelName:     embedder.ModelName(),
		Dimensions:    embedder.Dimensions(),
		Provider:      embedder.ProviderName(),
		InstanceID:    instance,
	}
	vectors, err := vectorstore.Open(filepath.Join(cfg.DataDir, "memories.db"), meta, logger)
	if err != nil {
		return nil, err
	}
	fts, err := textsearch.Open(filepath.Join(cfg.DataDir, "fts.db"), logger)
	if err != nil {
		vectors.Close()
		return nil, err
	}
	graph, err := graphstore.Open(filepath.Join(cfg.DataDir, "graph.db"), logger)
	if err != nil {
		vectors.Close()
		fts.Close()
		return nil, err
	}

	base, err := loadKnowledge(cfg.KnowledgeDir)
	if err != nil {
		vectors.Close()
		fts.Close()
		graph.Close()
		return nil, err
	}

	// learned-state persistence degrades to in-memory when unavailable
	var persist *persistence.Store
	dsn := cfg.Storage.AuditDSN
	if dsn == "" {
		dsn = filepath.Join(cfg.DataDir, "learned.db")
	}
	persist, err = persistence.Open(persistence.Config{Driver: cfg.Storage.AuditDriver, DSN: dsn}, logger)
	if err != nil {
		logger.Warn("learned-state persistence unavailable, running in-memory only", zap.Error(err))
		persist = nil
	}

	transcripts, err := sessions.Open(
		filepath.Join(cfg.DataDir, "sessions.db"),
		embedder,
		embeddings.ChunkingConfig{MaxTokens: cfg.Sessions.ChunkMaxTokens, OverlapTokens: cfg.Sessions.ChunkOverlap},
		logger,
	)
	if err != nil {
		vectors.Close()
		fts.Close()
		graph.Close()
		if persist != nil {
			persist.Close()
		}
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		embedder: embedder,
		instance: instance,
		vectors:  vectors,
		fts:      fts,
		graph:    graph,
		extract:  extractor.New(base, logger),
		deduper: dedup.New(dedup.Config{
			RecentWindow: cfg.Dedup.RecentWindow,
			Threshold:    cfg.Dedup.Threshold,
		}, logger),
		persist:  persist,
		qcache:   learned.NewQueryCache(learned.CacheConfig{MinSuccesses: cfg.Learned.QueryCacheMinSuccesses, RedisAddr: cfg.Learned.QueryCacheRedisAddr}, persist, logger),
		expander: learned.NewExpander(base, persist, logger),
		feedback: learned.NewFeedback(learned.FeedbackConfig{
			Reinforce: cfg.Learned.FeedbackReinforce,
			Penalize:  cfg.Learned.FeedbackPenalize,
		}, persist, logger),
		trigger:  safeguards.NewTrigger(cfg.Safeguards.MinQueryLength, base),
		breaker: safeguards.NewBreaker(safeguards.BreakerConfig{
			MaxEmpty: cfg.Safeguards.BreakerMaxEmpty,
			Cooldown: time.Duration(cfg.Safeguards.BreakerCooldownMS) * time.Millisecond,
		}, logger),
		budget: safeguards.NewBudget(safeguards.BudgetConfig{
			PerRecall:  cfg.Safeguards.PerRecallCap,
			PerTurn:    cfg.Safeguards.PerTurnCap,
			PerSession: cfg.Safeguards.PerSessionCap,
		}, logger),
		seen: safeguards.NewSessionDedup(safeguards.DedupConfig{
			Cooldown:    time.Duration(cfg.Safeguards.DedupCooldownMS) * time.Millisecond,
			MaxSessions: cfg.Safeguards.DedupMaxSessions,
		}),
		alerts:      safeguards.NewAlerts(cfg.Safeguards.AlertThreshold, logger),
		transcripts: transcripts,
	}
	s.reranker = newHeuristicReranker()
	if cfg.Search.MMRLambda > 0 {
		s.reranker = &mmrReranker{lambda: cfg.Search.MMRLambda, inner: s.reranker}
	}
	s.sweeper = sessions.NewSweeper(sessions.SweeperConfig{
		Retention: time.Duration(cfg.Sessions.RetentionDays) * 24 * time.Hour,
	}, transcripts, logger)
	s.sweeper.Start()

	s.breaker.OnStateChange(s.alerts.ObserveBreaker)

	s.warmDedup(context.Background())

	if cfg.KnowledgeDir != "" {
		w, err := knowledge.NewWatcher(cfg.KnowledgeDir, logger)
		if err != nil {
			logger.Warn("knowledge watcher unavailable, hot reload disabled", zap.Error(err))
		} else {
			w.OnChange(func(b *knowledge.Base) {
				s.extract.Rebuild(b)
				s.trigger.Rebuild(b)
				s.expander.Rebuild(b)
			})
			if err := w.Start(); err != nil {
				logger.Warn("knowledge watcher failed to start", zap.Error(err))
			} else {
				s.watcher = w
			}
		}
	}

	logger.Info("memory service ready",
		zap.String("instance_id", instance),
		zap.String("data_dir", cfg.DataDir),
		zap.String("embedding_model", embedder.ModelName()),
		zap.Int("dimensions", embedder.Dimensions()))
	return s, nil
}

func loadKnowledge(dir string) (*knowledge.Base, error) {
	if dir == "" {
		return knowledge.Default()
	}
	return knowledge.Load(dir)
}

func (s *Service) warmDedup(ctx context.Context) {
	recent, err := s.vectors.Recent(ctx, s.cfg.Dedup.RecentWindow)
	if err != nil {
		s.logger.Warn("dedup warm-up failed", zap.Error(err))
		return
	}
	entries := make([]struct{ ID, Content string }, len(recent))
	for i, r := range recent {
		entries[i] = struct{ ID, Content string }{r.ID, r.Content}
	}
	s.deduper.Warm(entries)
}

// Close stops background work and releases every store. Idempotent.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			errs = append(errs, s.watcher.Stop())
		}
		s.sweeper.Stop()
		errs = append(errs, s.qcache.Close())
		if s.persist != nil {
			errs = append(errs, s.persist.Close())
		}
		errs = append(errs, s.transcripts.Close(), s.graph.Close(), s.fts.Close(), s.vectors.Close())
	})
	return errors.Join(errs...)
}

// OnAlert registers a listener for safeguard alerts.
func (s *Service) OnAlert(fn func(AlertEvent)) {
	s.alerts.AddListener(func(a safeguards.Alert) {
		fn(AlertEvent{Condition: a.Condition, SessionID: a.SessionID, Value: a.Value, At: a.At})
	})
}

// AlertHistory returns emitted alerts, oldest first (capped at 100).
func (s *Service) AlertHistory() []AlertEvent {
	hist := s.alerts.History()
	out := make([]AlertEvent, len(hist))
	for i, a := range hist {
		out[i] = AlertEvent{Condition: a.Condition, SessionID: a.SessionID, Value: a.Value, At: a.At}
	}
	return out
}

func validateCapture(content string, opts *RememberOptions) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	if opts.SourceType == "" {
		opts.SourceType = SourceDeliberate
	}
	switch opts.SourceType {
	case SourceUserExplicit, SourceDeliberate, SourceAutoCapture, SourceCorrection:
	default:
		return fmt.Errorf("unknown source type %q", opts.SourceType)
	}
	if opts.Scope == "" {
		opts.Scope = ScopeShared
	}
	switch opts.Scope {
	case ScopePersonal, ScopeShared, ScopeModelSpecific:
	default:
		return fmt.Errorf("unknown scope %q", opts.Scope)
	}
	if opts.Confidence == 0 {
		opts.Confidence = 1
	}
	if opts.Confidence < 0 || opts.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", opts.Confidence)
	}
	return nil
}

// Remember captures content as a new memory. Duplicates are rejected
// with StoreResult{Success: false, DuplicateOf}, not an error.
func (s *Service) Remember(ctx context.Context, content string, opts RememberOptions) (StoreResult, error) {
	start := time.Now()
	if err := validateCapture(content, &opts); err != nil {
		metrics.RecordRememberMetrics(opts.SourceType, "invalid", time.Since(start).Seconds())
		return StoreResult{Err: err}, err
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		metrics.RecordRememberMetrics(opts.SourceType, "embed_error", time.Since(start).Seconds())
		return StoreResult{Err: err}, err
	}

	if !opts.SkipDedup {
		dup, err := s.checkDuplicate(ctx, content, vec)
		if err != nil {
			return StoreResult{Err: err}, err
		}
		if dup != "" {
			metrics.RecordRememberMetrics(opts.SourceType, "duplicate", time.Since(start).Seconds())
			return StoreResult{DuplicateOf: dup}, nil
		}
	}

	now := time.Now().UTC()
	mem := Memory{
		ID:             uuid.NewString(),
		Content:        content,
		Embedding:      vec,
		SourceInstance: s.instance,
		SourceType:     opts.SourceType,
		CreatedAt:      now,
		UpdatedAt:      now,
		Tags:           opts.Tags,
		Context:        opts.Context,
		Confidence:     opts.Confidence,
		Scope:          opts.Scope,
		WorkspaceID:    opts.WorkspaceID,
		UserID:         opts.UserID,
		ModelID:        opts.ModelID,
	}
	if err := s.writeMemory(ctx, &mem); err != nil {
		metrics.RecordRememberMetrics(opts.SourceType, "store_error", time.Since(start).Seconds())
		return StoreResult{Err: err}, err
	}

	s.audit("remember", mem.ID, nil)
	metrics.RecordRememberMetrics(opts.SourceType, "ok", time.Since(start).Seconds())
	return StoreResult{Success: true, MemoryID: mem.ID}, nil
}

// checkDuplicate returns the existing memory id when content duplicates
// a recent or similar stored memory.
func (s *Service) checkDuplicate(ctx context.Context, content string, vec []float32) (string, error) {
	matches, err := s.vectors.Search(ctx, vec, 5, vectorstore.Filters{})
	if err != nil {
		return "", err
	}
	cands := make([]dedup.Candidate, 0, len(matches))
	for _, m := range matches {
		rec, err := s.vectors.Get(ctx, m.ID)
		if err != nil {
			return "", err
		}
		if rec == nil {
			continue
		}
		cands = append(cands, dedup.Candidate{ID: m.ID, Content: rec.Content, Score: m.Score})
	}
	d := s.deduper.Check(content, cands)
	if d.Duplicate {
		return d.DuplicateOf, nil
	}
	return "", nil
}

// writeMemory persists a memory to the vector store, the FTS store, and
// (unless lazy extraction is on) the graph. An FTS failure rolls back
// the vector row best-effort before surfacing.
func (s *Service) writeMemory(ctx context.Context, mem *Memory) error {
	rec := toRecord(mem)
	if err := s.vectors.Upsert(ctx, rec); err != nil {
		return err
	}
	if err := s.fts.Upsert(ctx, mem.ID, mem.Content); err != nil {
		if _, delErr := s.vectors.Delete(ctx, mem.ID); delErr != nil {
			s.logger.Error("rollback after FTS failure also failed",
				zap.String("memory_id", mem.ID), zap.Error(delErr))
		}
		return err
	}
	s.deduper.Observe(mem.ID, mem.Content)

	if !s.cfg.Search.LazyEntityExtraction {
		if err := s.ingestGraph(ctx, mem); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) ingestGraph(ctx context.Context, mem *Memory) error {
	res := s.extract.Extract(mem.Content)
	if len(res.Entities) == 0 {
		return nil
	}
	ents := make([]graphstore.Entity, len(res.Entities))
	for i, e := range res.Entities {
		ents[i] = graphstore.Entity{Name: e.Name, DisplayName: e.DisplayName, EntityType: e.Type}
	}
	rels := make([]graphstore.Relationship, len(res.Relations))
	names := make([][2]string, len(res.Relations))
	for i, r := range res.Relations {
		rels[i] = graphstore.Relationship{RelationType: r.Relation, Confidence: r.Confidence}
		names[i] = [2]string{r.Source, r.Target}
	}
	facts := make([]graphstore.TemporalFact, len(res.Dates))
	for i, d := range res.Dates {
		facts[i] = graphstore.TemporalFact{MemoryID: mem.ID, DateStart: d.Start, DateEnd: d.End, Label: d.Label}
	}
	if err := s.graph.Ingest(ctx, mem.ID, mem.WorkspaceID, ents, rels, names, facts); err != nil {
		return err
	}
	st := res.Summary()
	s.logger.Debug("entities linked",
		zap.String("memory_id", mem.ID),
		zap.Int("entities", st.Entities),
		zap.Int("relationships", st.Relationships),
		zap.Int("dates", st.Dates))
	return nil
}

// RememberBatch captures up to batchChunkSize items concurrently.
// Results are in input order; failures are per-item.
func (s *Service) RememberBatch(ctx context.Context, reqs []RememberRequest) []StoreResult {
	results := make([]StoreResult, len(reqs))
	sem := make(chan struct{}, batchChunkSize)
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res, err := s.Remember(ctx, reqs[i].Content, reqs[i].Options)
			if err != nil {
				res.Err = err
			}
			results[i] = res
		}(i)
	}
	wg.Wait()
	return results
}

// Correct supersedes an existing memory with corrected content. The
// original stays stored; recall surfaces only the chain's leaf. When two
// corrections of the same original race, both land and recall follows
// the newest by (updated_at, id).
func (s *Service) Correct(ctx context.Context, originalID, correctedContent, contextNote string) (StoreResult, error) {
	start := time.Now()
	orig, err := s.vectors.Get(ctx, originalID)
	if err != nil {
		return StoreResult{Err: err}, err
	}
	if orig == nil {
		err := fmt.Errorf("correct %s: %w", originalID, ErrNotFound)
		return StoreResult{Err: err}, err
	}

	opts := RememberOptions{
		SourceType:  SourceCorrection,
		Tags:        orig.Tags,
		Context:     contextNote,
		Confidence:  orig.Confidence,
		Scope:       orig.Scope,
		WorkspaceID: orig.WorkspaceID,
		UserID:      orig.UserID,
		ModelID:     orig.ModelID,
	}
	if err := validateCapture(correctedContent, &opts); err != nil {
		return StoreResult{Err: err}, err
	}

	newID := uuid.NewString()
	links, err := s.chainLinks(ctx, originalID)
	if err != nil {
		return StoreResult{Err: err}, err
	}
	links = append(links, validation.ChainLink{ID: newID, Supersedes: originalID})
	if err := validation.ValidateChains(links); err != nil {
		return StoreResult{Err: err}, err
	}

	vec, err := s.embedder.Embed(ctx, correctedContent)
	if err != nil {
		return StoreResult{Err: err}, err
	}

	now := time.Now().UTC()
	mem := Memory{
		ID:             newID,
		Content:        correctedContent,
		Embedding:      vec,
		SourceInstance: s.instance,
		SourceType:     SourceCorrection,
		CreatedAt:      now,
		UpdatedAt:      now,
		Tags:           opts.Tags,
		Context:        opts.Context,
		Confidence:     opts.Confidence,
		Supersedes:     originalID,
		Scope:          opts.Scope,
		WorkspaceID:    opts.WorkspaceID,
		UserID:         opts.UserID,
		ModelID:        opts.ModelID,
	}
	// corrections skip dedup: they are near-identical to the original by
	// construction
	if err := s.writeMemory(ctx, &mem); err != nil {
		return StoreResult{Err: err}, err
	}

	s.qcache.InvalidatePath(originalID)
	s.audit("correct", mem.ID, map[string]interface{}{"supersedes": originalID})
	metrics.RecordRememberMetrics(SourceCorrection, "ok", time.Since(start).Seconds())
	return StoreResult{Success: true, MemoryID: mem.ID}, nil
}

// chainLinks collects the supersedes edges of the chain containing id:
// ancestors by following Supersedes up, descendants breadth-first.
func (s *Service) chainLinks(ctx context.Context, id string) ([]validation.ChainLink, error) {
	var links []validation.ChainLink
	visited := map[string]bool{}

	cur, err := s.vectors.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for cur != nil && !visited[cur.ID] {
		visited[cur.ID] = true
		links = append(links, validation.ChainLink{ID: cur.ID, Supersedes: cur.Supersedes})
		if cur.Supersedes == "" {
			break
		}
		cur, err = s.vectors.Get(ctx, cur.Supersedes)
		if err != nil {
			return nil, err
		}
	}

	queue := []string{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		children, err := s.vectors.ChildrenOf(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if visited[c.ID] {
				continue
			}
			visited[c.ID] = true
			links = append(links, validation.ChainLink{ID: c.ID, Supersedes: c.Supersedes})
			queue = append(queue, c.ID)
		}
	}
	return links, nil
}

// Forget deletes a memory from every store. Children that supersede it
// stay valid. Returns false when the id is unknown; idempotent.
func (s *Service) Forget(ctx context.Context, id string) (bool, error) {
	rec, err := s.vectors.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	if _, err := s.vectors.Delete(ctx, id); err != nil {
		return false, err
	}
	if err := s.fts.Delete(ctx, id); err != nil {
		return false, err
	}
	if err := s.graph.Cleanup(ctx, id); err != nil {
		return false, err
	}
	s.deduper.Forget(rec.Content)
	s.qcache.InvalidatePath(id)
	s.qcache.DropAnchorsForFact(id)
	s.audit("forget", id, nil)
	return true, nil
}

// Get returns a memory by id, nil when absent.
func (s *Service) Get(ctx context.Context, id string) (*Memory, error) {
	rec, err := s.vectors.Get(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	m := fromRecord(rec)
	return &m, nil
}

// ReportUsage records which recalled facts the session's agent actually
// used, feeding the feedback weights and the learned query cache.
func (s *Service) ReportUsage(sessionID string, usedFactIDs []string) {
	query, _, ok := s.feedback.LastRetrieval(sessionID)
	s.feedback.RecordUsage(sessionID, usedFactIDs)
	if ok && len(usedFactIDs) > 0 {
		s.qcache.RecordSuccess(query, usedFactIDs)
	}
}

// TranscriptTurn is one conversation turn for session indexing.
type TranscriptTurn struct {
	Index int
	Role  string
	Text  string
}

// TranscriptHit is one session search result.
type TranscriptHit struct {
	SessionID string
	Text      string
	Score     float64
	StartTurn int
	EndTurn   int
}

// IndexTranscript indexes the new turns of a session transcript.
func (s *Service) IndexTranscript(ctx context.Context, sessionID string, turns []TranscriptTurn) (int, error) {
	st := make([]sessions.Turn, len(turns))
	for i, t := range turns {
		st[i] = sessions.Turn{Index: t.Index, Role: t.Role, Text: t.Text}
	}
	return s.transcripts.IndexTranscript(ctx, sessionID, st)
}

// SearchTranscripts searches indexed session chunks. sessionID may be
// empty to search across sessions; page is 1-based.
func (s *Service) SearchTranscripts(ctx context.Context, query, sessionID string, page, pageSize int) ([]TranscriptHit, error) {
	hits, err := s.transcripts.Search(ctx, query, sessions.SearchOptions{
		SessionID: sessionID, Page: page, PageSize: pageSize,
	})
	if err != nil {
		return nil, err
	}
	out := make([]TranscriptHit, len(hits))
	for i, h := range hits {
		out[i] = TranscriptHit{
			SessionID: h.SessionID,
			Text:      h.Text,
			Score:     h.Score,
			StartTurn: h.StartTurn,
			EndTurn:   h.EndTurn,
		}
	}
	return out, nil
}

// Stats returns a service snapshot.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	total, err := s.vectors.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	bySource, err := s.vectors.CountBySourceType(ctx)
	if err != nil {
		return Stats{}, err
	}
	byTag, err := s.vectors.TagCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	entities, err := s.graph.EntityCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalMemories: total,
		BySourceType:  bySource,
		ByTag:         byTag,
		Entities:      entities,
		Embedding: EmbeddingInfo{
			ModelName:  s.embedder.ModelName(),
			Dimensions: s.embedder.Dimensions(),
			Provider:   s.embedder.ProviderName(),
		},
	}, nil
}

// Health reports liveness: healthy when every store answers.
func (s *Service) Health(ctx context.Context) Health {
	status := "healthy"
	if err := s.vectors.Ping(ctx); err != nil {
		status = "degraded"
	} else if err := s.graph.Ping(ctx); err != nil {
		status = "degraded"
	}
	count, err := s.vectors.Count(ctx)
	if err != nil {
		status = "degraded"
	}
	return Health{Status: status, InstanceID: s.instance, MemoryCount: count}
}

func (s *Service) audit(op, memoryID string, detail map[string]interface{}) {
	if s.persist == nil {
		return
	}
	s.persist.Audit(persistence.AuditEntry{Op: op, MemoryID: memoryID, Instance: s.instance, Detail: detail})
}

func toRecord(m *Memory) *vectorstore.Record {
	return &vectorstore.Record{
		ID:             m.ID,
		Content:        m.Content,
		Embedding:      m.Embedding,
		SourceInstance: m.SourceInstance,
		SourceType:     m.SourceType,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		Tags:           m.Tags,
		Context:        m.Context,
		Confidence:     m.Confidence,
		Supersedes:     m.Supersedes,
		Scope:          m.Scope,
		WorkspaceID:    m.WorkspaceID,
		UserID:         m.UserID,
		ModelID:        m.ModelID,
	}
}

func fromRecord(r *vectorstore.Record) Memory {
	return Memory{
		ID:             r.ID,
		Content:        r.Content,
		Embedding:      r.Embedding,
		SourceInstance: r.SourceInstance,
		SourceType:     r.SourceType,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Tags:           r.Tags,
		Context:        r.Context,
		Confidence:     r.Confidence,
		Supersedes:     r.Supersedes,
		Scope:          r.Scope,
		WorkspaceID:    r.WorkspaceID,
		UserID:         r.UserID,
		ModelID:        r.ModelID,
	}
}

// tokenCount is the shared snippet token estimator.
func tokenCount(s string) int { return util.EstimateTokens(s) }
