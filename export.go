package tribalmemory

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/abbudjoe/tribalmemory/internal/bundle"
	"github.com/abbudjoe/tribalmemory/internal/graphstore"
	"github.com/abbudjoe/tribalmemory/internal/vectorstore"
)

// Export writes the full store as a portable JSON bundle: every memory
// with its vector, plus per-memory entity and relationship records so an
// importer can rebuild its graph without re-extraction.
func (s *Service) Export(ctx context.Context, w io.Writer) error {
	recs, err := s.vectors.AllForExport(ctx, vectorstore.Filters{})
	if err != nil {
		return err
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}

	entsByMem, err := s.graph.EntitiesForMemories(ctx, ids)
	if err != nil {
		return err
	}
	entityIDs := map[string]bool{}
	for _, eids := range entsByMem {
		for _, eid := range eids {
			entityIDs[eid] = true
		}
	}
	idList := make([]string, 0, len(entityIDs))
	for eid := range entityIDs {
		idList = append(idList, eid)
	}
	ents, err := s.graph.Entities(ctx, idList)
	if err != nil {
		return err
	}
	byEntityID := make(map[string]graphstore.Entity, len(ents))
	for _, e := range ents {
		byEntityID[e.ID] = e
	}

	rels, err := s.graph.RelationshipsForMemories(ctx, ids)
	if err != nil {
		return err
	}
	relsByMem := map[string][]bundle.RelationshipRecord{}
	for _, r := range rels {
		src, okS := byEntityID[r.SourceEntityID]
		dst, okT := byEntityID[r.TargetEntityID]
		if !okS || !okT {
			continue
		}
		relsByMem[r.ProvenanceMemoryID] = append(relsByMem[r.ProvenanceMemoryID], bundle.RelationshipRecord{
			SourceName:   src.Name,
			TargetName:   dst.Name,
			RelationType: r.RelationType,
			Confidence:   r.Confidence,
		})
	}

	b := &bundle.Bundle{
		Manifest: bundle.Manifest{
			SchemaVersion: bundle.SchemaVersion,
			Embedding: bundle.EmbeddingInfo{
				ModelName:  s.embedder.ModelName(),
				Dimensions: s.embedder.Dimensions(),
				Provider:   s.embedder.ProviderName(),
			},
			ExportedAt: time.Now().UTC(),
			InstanceID: s.instance,
		},
		Entries:       make([]bundle.Entry, len(recs)),
		Entities:      map[string][]bundle.EntityRecord{},
		Relationships: relsByMem,
	}
	for i, r := range recs {
		b.Entries[i] = bundle.Entry{
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
		for _, eid := range entsByMem[r.ID] {
			e, ok := byEntityID[eid]
			if !ok {
				continue
			}
			b.Entities[r.ID] = append(b.Entities[r.ID], bundle.EntityRecord{
				Name:        e.Name,
				DisplayName: e.DisplayName,
				EntityType:  e.EntityType,
			})
		}
	}
	return bundle.Encode(w, b)
}

// Import reads a bundle and merges it into the store, preserving ids,
// timestamps, provenance, and correction chains. strategy is "keep",
// "drop", or "auto" (empty means auto); vectors that cannot be kept are
// re-embedded. Returns the number of imported memories.
func (s *Service) Import(ctx context.Context, r io.Reader, strategy string) (int, error) {
	st, err := bundle.ParseStrategy(strategy)
	if err != nil {
		return 0, err
	}
	b, err := bundle.Decode(r)
	if err != nil {
		return 0, err
	}

	storeInfo := bundle.EmbeddingInfo{
		ModelName:  s.embedder.ModelName(),
		Dimensions: s.embedder.Dimensions(),
		Provider:   s.embedder.ProviderName(),
	}
	keep := st.KeepVectors(b.Manifest.Embedding, storeInfo)
	if st == bundle.StrategyKeep && b.Manifest.Embedding.Dimensions != storeInfo.Dimensions {
		return 0, fmt.Errorf("import: bundle dimensions %d do not match store dimensions %d",
			b.Manifest.Embedding.Dimensions, storeInfo.Dimensions)
	}

	imported := 0
	for _, e := range b.Entries {
		vec := e.Embedding
		if !keep || len(vec) != storeInfo.Dimensions {
			vec, err = s.embedder.Embed(ctx, e.Content)
			if err != nil {
				return imported, fmt.Errorf("import re-embed %s: %w", e.ID, err)
			}
		}
		mem := Memory{
			ID:             e.ID,
			Content:        e.Content,
			Embedding:      vec,
			SourceInstance: e.SourceInstance,
			SourceType:     e.SourceType,
			CreatedAt:      e.CreatedAt,
			UpdatedAt:      e.UpdatedAt,
			Tags:           e.Tags,
			Context:        e.Context,
			Confidence:     e.Confidence,
			Supersedes:     e.Supersedes,
			Scope:          e.Scope,
			WorkspaceID:    e.WorkspaceID,
			UserID:         e.UserID,
			ModelID:        e.ModelID,
		}
		if err := s.vectors.Upsert(ctx, toRecord(&mem)); err != nil {
			return imported, err
		}
		if err := s.fts.Upsert(ctx, mem.ID, mem.Content); err != nil {
			return imported, err
		}
		s.deduper.Observe(mem.ID, mem.Content)

		if err := s.ingestBundleGraph(ctx, &mem, b.Entities[e.ID], b.Relationships[e.ID]); err != nil {
			return imported, err
		}
		imported++
	}
	s.audit("import", "", map[string]interface{}{
		"entries":  imported,
		"instance": b.Manifest.InstanceID,
	})
	return imported, nil
}

// ingestBundleGraph rebuilds a memory's graph links from bundle records
// instead of re-running extraction.
func (s *Service) ingestBundleGraph(ctx context.Context, mem *Memory, ents []bundle.EntityRecord, rels []bundle.RelationshipRecord) error {
	if len(ents) == 0 {
		return nil
	}
	ges := make([]graphstore.Entity, len(ents))
	for i, e := range ents {
		ges[i] = graphstore.Entity{Name: e.Name, DisplayName: e.DisplayName, EntityType: e.EntityType}
	}
	grs := make([]graphstore.Relationship, len(rels))
	names := make([][2]string, len(rels))
	for i, r := range rels {
		grs[i] = graphstore.Relationship{RelationType: r.RelationType, Confidence: r.Confidence}
		names[i] = [2]string{r.SourceName, r.TargetName}
	}
	return s.graph.Ingest(ctx, mem.ID, mem.WorkspaceID, ges, grs, names, nil)
}
