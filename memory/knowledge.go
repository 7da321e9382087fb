package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/core"
	"github.com/altis0725/OKAMI/vectorstore"
)

// Category is one of the five knowledge partitions.
type Category string

const (
	CategoryAgents  Category = "agents"
	CategoryCrew    Category = "crew"
	CategorySystem  Category = "system"
	CategoryDomain  Category = "domain"
	CategoryGeneral Category = "general"
)

const knowledgeCollection = "knowledge"

// KnowledgeRecord is one indexed knowledge document: (category, path) is
// the unique logical key, section disambiguates updates within a file.
type KnowledgeRecord struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Path      string    `json:"path"` // relative to the category directory, e.g. "researcher.md" for agents/researcher.md
	Section   string    `json:"section,omitempty"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AddKnowledge is the CreateKnowledgeRecord change payload.
type AddKnowledge struct {
	Category Category
	Path     string
	Title    string
	Content  string
	Tags     []string
	Reason   string
}

// UpdateKnowledge is the section-targeted mutation payload.
type UpdateKnowledge struct {
	Path      string
	Section   string
	Content   string
	Operation string // append | replace | insert
	Reason    string
}

// AddResult reports the outcome of a KnowledgeStore.Add call.
type AddResult struct {
	Record  *KnowledgeRecord
	Skipped bool
	Reason  string // set when Skipped, e.g. "duplicate"
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// KnowledgeStore is the categorized, section-addressable markdown corpus.
// Writes are serialized per logical path; content is embedded and indexed
// via vectorstore.VectorIndex for retrieval-augmented prompting and
// duplicate detection. Every mutation takes a timestamped backup first and
// restores it on failure.
type KnowledgeStore struct {
	root         string // <knowledgeRoot>
	backupsRoot  string // <knowledgeRoot>/../backups
	index        vectorstore.VectorIndex
	embedder     ai.Embedder
	logger       core.Logger
	dupThreshold float64

	pathLocksMu sync.Mutex
	pathLocks   map[string]*sync.Mutex

	idxMu     sync.RWMutex
	entries   map[string]*KnowledgeRecord // id -> record
	byLogical map[string]string           // "category/path#section" -> id
}

type KnowledgeStoreConfig struct {
	Root               string
	DuplicateThreshold float64 // default core.DefaultDuplicateThreshold
}

func NewKnowledgeStore(cfg KnowledgeStoreConfig, index vectorstore.VectorIndex, embedder ai.Embedder, logger core.Logger) (*KnowledgeStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("knowledge store requires a root directory")
	}
	if cfg.DuplicateThreshold == 0 {
		cfg.DuplicateThreshold = core.DefaultDuplicateThreshold
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	root := filepath.Clean(cfg.Root)
	ks := &KnowledgeStore{
		root:         root,
		backupsRoot:  filepath.Join(filepath.Dir(root), "backups"),
		index:        index,
		embedder:     embedder,
		logger:       logger,
		dupThreshold: cfg.DuplicateThreshold,
		pathLocks:    make(map[string]*sync.Mutex),
		entries:      make(map[string]*KnowledgeRecord),
		byLogical:    make(map[string]string),
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create knowledge root: %w", err)
	}
	if err := ks.loadIndex(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KnowledgeStore) indexFilePath() string { return filepath.Join(ks.root, "index.json") }
func (ks *KnowledgeStore) proposalsFilePath() string {
	return filepath.Join(ks.root, "proposals_log.json")
}

func (ks *KnowledgeStore) loadIndex() error {
	data, err := os.ReadFile(ks.indexFilePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read knowledge index: %w", err)
	}
	var records []*KnowledgeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode knowledge index: %w", err)
	}
	ks.idxMu.Lock()
	defer ks.idxMu.Unlock()
	for _, r := range records {
		ks.entries[r.ID] = r
		ks.byLogical[logicalKey(r.Category, r.Path, r.Section)] = r.ID
	}
	return nil
}

// persistIndex writes index.json atomically. It snapshots entries under its
// own read lock, so callers must not hold idxMu when calling it.
func (ks *KnowledgeStore) persistIndex() error {
	ks.idxMu.RLock()
	records := make([]*KnowledgeRecord, 0, len(ks.entries))
	for _, r := range ks.entries {
		records = append(records, r)
	}
	ks.idxMu.RUnlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode knowledge index: %w", err)
	}
	return atomicWriteFile(ks.indexFilePath(), data)
}

type proposalEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Reason    string                 `json:"reason"`
	Change    map[string]interface{} `json:"change"`
}

func (ks *KnowledgeStore) appendProposal(entry proposalEntry) error {
	lock := ks.lockFor("__proposals_log__")
	lock.Lock()
	defer lock.Unlock()

	var entries []proposalEntry
	data, err := os.ReadFile(ks.proposalsFilePath())
	if err == nil {
		_ = json.Unmarshal(data, &entries)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read proposals log: %w", err)
	}
	entries = append(entries, entry)
	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode proposals log: %w", err)
	}
	return atomicWriteFile(ks.proposalsFilePath(), out)
}

func (ks *KnowledgeStore) lockFor(logicalPath string) *sync.Mutex {
	ks.pathLocksMu.Lock()
	defer ks.pathLocksMu.Unlock()
	lock, ok := ks.pathLocks[logicalPath]
	if !ok {
		lock = &sync.Mutex{}
		ks.pathLocks[logicalPath] = lock
	}
	return lock
}

func logicalKey(category Category, path, section string) string {
	return string(category) + "/" + path + "#" + section
}

func slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Add creates a new KnowledgeRecord unless a record in
// the same category shares >= dupThreshold cosine similarity with existing
// content, in which case it returns Skipped.
func (ks *KnowledgeStore) Add(ctx context.Context, change AddKnowledge) (*AddResult, error) {
	path := change.Path
	if path == "" {
		path = slugify(change.Title) + ".md"
	}
	fullPath, err := resolveKnowledgePath(ks.root, filepath.Join(string(change.Category), path))
	if err != nil {
		return nil, err
	}

	lock := ks.lockFor(fullPath)
	lock.Lock()
	defer lock.Unlock()

	vec, err := ks.embedder.Embed(ctx, change.Content)
	if err != nil {
		return nil, fmt.Errorf("embed knowledge content: %w", err)
	}

	if dup, err := ks.findDuplicate(ctx, change.Category, vec); err != nil {
		return nil, err
	} else if dup != nil {
		return &AddResult{Skipped: true, Reason: "duplicate", Record: dup}, nil
	}

	if _, err := os.Stat(fullPath); err == nil {
		// (category, path) already exists with different content: this is
		// logically an update, not a fresh add.
		return nil, fmt.Errorf("knowledge path %s already exists in category %s", path, change.Category)
	}

	body := change.Content
	if change.Title != "" {
		body = "# " + change.Title + "\n\n" + body
	}
	if _, err := backupFile(ks.root, ks.backupsRoot, fullPath); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrKnowledgeWriteFailed, err)
	}
	if err := atomicWriteFile(fullPath, []byte(body+"\n")); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrKnowledgeWriteFailed, err)
	}

	now := time.Now().UTC()
	rec := &KnowledgeRecord{
		ID:        uuid.New().String(),
		Category:  change.Category,
		Path:      path,
		Content:   body,
		Tags:      change.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ks.indexRecord(ctx, rec, vec); err != nil {
		_ = os.Remove(fullPath)
		return nil, err
	}
	return &AddResult{Record: rec}, nil
}

// Update performs an atomic section mutation with
// backup-before-mutate and restore-on-error.
func (ks *KnowledgeStore) Update(ctx context.Context, change UpdateKnowledge) (*KnowledgeRecord, error) {
	fullPath, err := resolveKnowledgePath(ks.root, change.Path)
	if err != nil {
		return nil, err
	}
	category, relPath := splitKnowledgePath(change.Path)

	lock := ks.lockFor(fullPath)
	lock.Lock()
	defer lock.Unlock()

	existing, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		existing = nil
	} else if err != nil {
		return nil, fmt.Errorf("read knowledge file for update: %w", err)
	}

	backupPath, err := backupFile(ks.root, ks.backupsRoot, fullPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrKnowledgeWriteFailed, err)
	}

	updated, err := applySectionOp(string(existing), change.Section, change.Content, change.Operation)
	if err != nil {
		return nil, err
	}

	if err := atomicWriteFile(fullPath, []byte(updated)); err != nil {
		_ = restoreFromBackup(fullPath, backupPath)
		return nil, fmt.Errorf("%w: %v", core.ErrKnowledgeWriteFailed, err)
	}

	readback, err := os.ReadFile(fullPath)
	if err != nil || string(readback) != updated {
		_ = restoreFromBackup(fullPath, backupPath)
		return nil, fmt.Errorf("%w: post-write verification failed", core.ErrKnowledgeWriteFailed)
	}

	vec, err := ks.embedder.Embed(ctx, updated)
	if err != nil {
		_ = restoreFromBackup(fullPath, backupPath)
		return nil, fmt.Errorf("%w: %v", core.ErrKnowledgeWriteFailed, err)
	}

	now := time.Now().UTC()
	rec := ks.recordFor(category, relPath)
	if rec == nil {
		rec = &KnowledgeRecord{ID: uuid.New().String(), Category: category, Path: relPath, CreatedAt: now}
	}
	rec.Section = change.Section
	rec.Content = updated
	rec.UpdatedAt = now
	if err := ks.indexRecord(ctx, rec, vec); err != nil {
		_ = restoreFromBackup(fullPath, backupPath)
		return nil, err
	}
	return rec, nil
}

func (ks *KnowledgeStore) indexRecord(ctx context.Context, rec *KnowledgeRecord, vec []float32) error {
	meta := map[string]interface{}{
		"category": string(rec.Category),
		"path":     rec.Path,
	}
	if rec.Section != "" {
		meta["section"] = rec.Section
	}
	if len(rec.Tags) > 0 {
		tags := make([]interface{}, len(rec.Tags))
		for i, t := range rec.Tags {
			tags[i] = t
		}
		meta["tags"] = tags
	}
	if err := ks.index.Upsert(ctx, knowledgeCollection, vectorstore.Record{
		ID: rec.ID, Vector: vec, Document: rec.Content, Metadata: meta,
	}); err != nil {
		return fmt.Errorf("%w: %v", core.ErrKnowledgeWriteFailed, err)
	}

	ks.idxMu.Lock()
	ks.entries[rec.ID] = rec
	ks.byLogical[logicalKey(rec.Category, rec.Path, rec.Section)] = rec.ID
	ks.idxMu.Unlock()

	return ks.persistIndex()
}

func (ks *KnowledgeStore) recordFor(category Category, path string) *KnowledgeRecord {
	ks.idxMu.RLock()
	defer ks.idxMu.RUnlock()
	for _, r := range ks.entries {
		if r.Category == category && r.Path == path {
			return r
		}
	}
	return nil
}

func (ks *KnowledgeStore) findDuplicate(ctx context.Context, category Category, vec []float32) (*KnowledgeRecord, error) {
	matches, err := ks.index.Query(ctx, knowledgeCollection, vec, 1, &vectorstore.Filter{
		Equals: map[string]interface{}{"category": string(category)},
	})
	if err != nil {
		return nil, fmt.Errorf("query for duplicate knowledge: %w", err)
	}
	if len(matches) == 0 || matches[0].Score < ks.dupThreshold {
		return nil, nil
	}
	ks.idxMu.RLock()
	rec := ks.entries[matches[0].ID]
	ks.idxMu.RUnlock()
	return rec, nil
}

// Search performs retrieval-augmented lookups against the knowledge corpus,
// optionally scoped to a category.
func (ks *KnowledgeStore) Search(ctx context.Context, query string, k int, category Category) ([]KnowledgeRecord, error) {
	vec, err := ks.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed knowledge query: %w", err)
	}
	var filter *vectorstore.Filter
	if category != "" {
		filter = &vectorstore.Filter{Equals: map[string]interface{}{"category": string(category)}}
	}
	matches, err := ks.index.Query(ctx, knowledgeCollection, vec, k, filter)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	out := make([]KnowledgeRecord, 0, len(matches))
	ks.idxMu.RLock()
	for _, m := range matches {
		if rec, ok := ks.entries[m.ID]; ok {
			out = append(out, *rec)
		}
	}
	ks.idxMu.RUnlock()
	return out, nil
}

// SearchTagged is Search restricted to records carrying every tag in tags.
// Tag filtering happens after the vector query, so k bounds the candidate
// pool, not the filtered result size.
func (ks *KnowledgeStore) SearchTagged(ctx context.Context, query string, k int, category Category, tags []string) ([]KnowledgeRecord, error) {
	hits, err := ks.Search(ctx, query, k, category)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return hits, nil
	}
	out := hits[:0]
	for _, rec := range hits {
		if hasAllTags(rec.Tags, tags) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// GroundingHits reports how many knowledge records back a claim, for the
// hallucination guardrail's optional knowledge-grounding component.
// Implements guardrail.KnowledgeGrounder without guardrail importing memory.
func (ks *KnowledgeStore) GroundingHits(ctx context.Context, claim string, k int) (int, error) {
	hits, err := ks.Search(ctx, claim, k, "")
	if err != nil {
		return 0, err
	}
	return len(hits), nil
}

// LogProposal appends an entry to proposals_log.json.
func (ks *KnowledgeStore) LogProposal(reason string, change map[string]interface{}) error {
	return ks.appendProposal(proposalEntry{Timestamp: time.Now().UTC(), Reason: reason, Change: change})
}

func splitKnowledgePath(path string) (Category, string) {
	path = strings.TrimPrefix(filepath.ToSlash(path), "knowledge/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		return CategoryGeneral, path
	}
	return Category(parts[0]), parts[1]
}
