package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/core"
	"github.com/altis0725/OKAMI/vectorstore"
)

const (
	collectionShortTerm = "memory_short_term"
	collectionLongTerm  = "memory_long_term"
	collectionEntity    = "memory_entity"
)

// ExternalMemory is the optional "mem0" sidecar. Failures here are logged and never fail the primary path.
type ExternalMemory interface {
	Save(ctx context.Context, userID string, kind Kind, content string, metadata map[string]interface{}) error
	Search(ctx context.Context, userID string, query string, k int) ([]Record, error)
}

// Config configures a Store's tunables.
type Config struct {
	ShortTermWindow int // N most recent short-term entries per task start
	SemanticTopK    int // K semantic hits blended into the short-term block
	UserID          string
	External        ExternalMemory // nil disables the sidecar
}

func DefaultConfig() *Config {
	return &Config{
		ShortTermWindow: core.DefaultShortTermWindow,
		SemanticTopK:    core.DefaultSemanticTopK,
	}
}

// Store implements the three memory tiers (short-term, long-term, entity),
// backed by a vectorstore.VectorIndex and an ai.Embedder.
type Store struct {
	index    vectorstore.VectorIndex
	embedder ai.Embedder
	logger   core.Logger
	config   *Config

	mu          sync.Mutex
	shortTermMu sync.RWMutex
	shortTerm   map[string][]Record // run_id -> ordered ring, most-recent last
}

func NewStore(index vectorstore.VectorIndex, embedder ai.Embedder, logger core.Logger, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Store{
		index:     index,
		embedder:  embedder,
		logger:    logger,
		config:    config,
		shortTerm: make(map[string][]Record),
	}
}

// SaveShortTerm appends a record to the run's in-process ring and indexes it
// for semantic recall. Short-term records are invariant-bound to their
// run_id.
func (s *Store) SaveShortTerm(ctx context.Context, runID, content string, metadata map[string]interface{}) (*Record, error) {
	rec, err := s.save(ctx, collectionShortTerm, KindShortTerm, content, metadata, runID)
	if err != nil {
		return nil, err
	}
	s.shortTermMu.Lock()
	s.shortTerm[runID] = append(s.shortTerm[runID], *rec)
	s.shortTermMu.Unlock()

	if s.config.External != nil {
		if err := s.config.External.Save(ctx, s.config.UserID, KindShortTerm, content, metadata); err != nil {
			s.logger.Warn("external memory save failed", map[string]interface{}{"error": err.Error(), "kind": "short"})
		}
	}
	return rec, nil
}

// SaveLongTerm writes a cross-run record, typically a run-end summary plus
// distilled, agent-tagged facts.
func (s *Store) SaveLongTerm(ctx context.Context, content string, metadata map[string]interface{}) (*Record, error) {
	rec, err := s.save(ctx, collectionLongTerm, KindLongTerm, content, metadata, "")
	if err != nil {
		return nil, err
	}
	if s.config.External != nil {
		if err := s.config.External.Save(ctx, s.config.UserID, KindLongTerm, content, metadata); err != nil {
			s.logger.Warn("external memory save failed", map[string]interface{}{"error": err.Error(), "kind": "long"})
		}
	}
	return rec, nil
}

// SaveEntity writes or merges a fact under entity_name. Same normalized name
// merges by appending the new fact under a timestamp rather than creating a
// duplicate record.
func (s *Store) SaveEntity(ctx context.Context, entityName, entityType, fact string, metadata map[string]interface{}) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := normalizeEntityName(entityName)
	existing, err := s.findEntity(ctx, normalized)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	entry := fmt.Sprintf("[%s] %s", timestamp, fact)

	if existing != nil {
		merged := existing.Content + "\n" + entry
		vec, err := s.embedder.Embed(ctx, merged)
		if err != nil {
			return nil, fmt.Errorf("embed merged entity facts: %w", err)
		}
		existing.Content = merged
		existing.Embedding = vec
		if err := s.index.Upsert(ctx, collectionEntity, vectorstore.Record{
			ID: existing.ID, Vector: vec, Document: merged, Metadata: existing.Metadata,
		}); err != nil {
			return nil, fmt.Errorf("upsert merged entity record: %w", err)
		}
		return existing, nil
	}

	meta := cloneMeta(metadata)
	meta[MetaEntityName] = normalized
	meta[MetaEntityType] = entityType
	return s.save(ctx, collectionEntity, KindEntity, entry, meta, "")
}

func (s *Store) findEntity(ctx context.Context, normalizedName string) (*Record, error) {
	matches, err := s.index.Query(ctx, collectionEntity, nil, 1, &vectorstore.Filter{
		Equals: map[string]interface{}{MetaEntityName: normalizedName},
	})
	if err != nil {
		return nil, fmt.Errorf("lookup entity: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return toRecord(matches[0].Record, KindEntity, matches[0].Score), nil
}

func (s *Store) save(ctx context.Context, collection string, kind Kind, content string, metadata map[string]interface{}, runID string) (*Record, error) {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed memory content: %w", err)
	}
	meta := cloneMeta(metadata)
	rec := &Record{
		ID:        uuid.New().String(),
		Kind:      kind,
		Content:   content,
		Embedding: vec,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
		RunID:     runID,
	}
	vsMeta := cloneMeta(metadata)
	if runID != "" {
		vsMeta["run_id"] = runID
	}
	vsMeta["created_at"] = rec.CreatedAt.Format(time.RFC3339)
	if err := s.index.Upsert(ctx, collection, vectorstore.Record{
		ID: rec.ID, Vector: vec, Document: content, Metadata: vsMeta,
	}); err != nil {
		return nil, fmt.Errorf("upsert memory record: %w", err)
	}
	return rec, nil
}

// ShortTermContext returns the short-term block for a task start: the most
// recent N entries for run_id plus the top-K semantic hits for the task
// description, deduplicated by ID.
func (s *Store) ShortTermContext(ctx context.Context, runID, taskDescription string) ([]Record, error) {
	s.shortTermMu.RLock()
	ring := s.shortTerm[runID]
	s.shortTermMu.RUnlock()

	window := s.config.ShortTermWindow
	if window <= 0 {
		window = core.DefaultShortTermWindow
	}
	recent := ring
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	seen := make(map[string]bool, len(recent))
	out := make([]Record, 0, len(recent)+s.config.SemanticTopK)
	for _, r := range recent {
		seen[r.ID] = true
		out = append(out, r)
	}

	if taskDescription != "" && s.config.SemanticTopK > 0 {
		vec, err := s.embedder.Embed(ctx, taskDescription)
		if err != nil {
			return out, fmt.Errorf("embed task description: %w", err)
		}
		matches, err := s.index.Query(ctx, collectionShortTerm, vec, s.config.SemanticTopK, &vectorstore.Filter{
			Equals: map[string]interface{}{"run_id": runID},
		})
		if err != nil {
			return out, fmt.Errorf("query short-term semantic hits: %w", err)
		}
		for _, m := range matches {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, *toRecord(m.Record, KindShortTerm, m.Score))
		}
	}
	return out, nil
}

// PromoteAndClear runs at run end: short-term entries with metadata
// promote=true are written to long-term memory; the run's ring is then
// discarded.
func (s *Store) PromoteAndClear(ctx context.Context, runID string) error {
	s.shortTermMu.Lock()
	ring := s.shortTerm[runID]
	delete(s.shortTerm, runID)
	s.shortTermMu.Unlock()

	for _, r := range ring {
		if !boolMeta(r.Metadata, MetaPromote) {
			continue
		}
		if _, err := s.SaveLongTerm(ctx, r.Content, r.Metadata); err != nil {
			return fmt.Errorf("promote short-term record %s: %w", r.ID, err)
		}
	}
	return nil
}

// SearchLongTerm performs a tier-scoped top-K vector search. When the
// external sidecar is configured, the result is the union of local and
// external hits, deduplicated by ID and ordered by score.
func (s *Store) SearchLongTerm(ctx context.Context, query string, k int, metaFilter map[string]interface{}) ([]Record, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed long-term query: %w", err)
	}
	var filter *vectorstore.Filter
	if len(metaFilter) > 0 {
		filter = &vectorstore.Filter{Equals: metaFilter}
	}
	matches, err := s.index.Query(ctx, collectionLongTerm, vec, k, filter)
	if err != nil {
		return nil, fmt.Errorf("query long-term memory: %w", err)
	}
	records := make([]Record, 0, len(matches))
	for _, m := range matches {
		records = append(records, *toRecord(m.Record, KindLongTerm, m.Score))
	}
	if s.config.External != nil {
		extHits, err := s.config.External.Search(ctx, s.config.UserID, query, k)
		if err != nil {
			s.logger.Warn("external memory search failed", map[string]interface{}{"error": err.Error()})
		} else {
			records = unionByID(records, extHits)
		}
	}
	return records, nil
}

// SearchEntity returns the top-k entity records by embedding similarity to
// query; each record carries every fact merged under that entity's name.
func (s *Store) SearchEntity(ctx context.Context, query string, k int) ([]Record, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed entity query: %w", err)
	}
	matches, err := s.index.Query(ctx, collectionEntity, vec, k, nil)
	if err != nil {
		return nil, fmt.Errorf("query entity memory: %w", err)
	}
	records := make([]Record, 0, len(matches))
	for _, m := range matches {
		records = append(records, *toRecord(m.Record, KindEntity, m.Score))
	}
	return records, nil
}

func unionByID(local, external []Record) []Record {
	seen := make(map[string]bool, len(local))
	out := make([]Record, 0, len(local)+len(external))
	out = append(out, local...)
	for _, r := range local {
		seen[r.ID] = true
	}
	for _, r := range external {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func toRecord(vr vectorstore.Record, kind Kind, score float64) *Record {
	r := &Record{
		ID:        vr.ID,
		Kind:      kind,
		Content:   vr.Document,
		Embedding: vr.Vector,
		Metadata:  vr.Metadata,
		Score:     score,
	}
	if ts, ok := vr.Metadata["created_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			r.CreatedAt = parsed
		}
	}
	if runID, ok := vr.Metadata["run_id"].(string); ok {
		r.RunID = runID
	}
	return r
}

func cloneMeta(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func normalizeEntityName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
