package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/altis0725/OKAMI/core"
)

// InMemoryIndex is a process-local VectorIndex. It satisfies every OKAMI
// invariant that does not require real persistence: dimension consistency
// per collection and atomic, all-or-nothing upserts.
type InMemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
	dimensions  map[string]int
}

func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{
		collections: make(map[string]map[string]Record),
		dimensions:  make(map[string]int),
	}
}

func (idx *InMemoryIndex) Upsert(ctx context.Context, collection string, records ...Record) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	dim, hasDim := idx.dimensions[collection]
	for _, r := range records {
		if !hasDim {
			dim = len(r.Vector)
			hasDim = true
			continue
		}
		if len(r.Vector) != dim {
			return core.ErrDimensionMismatch
		}
	}
	idx.dimensions[collection] = dim

	bucket, ok := idx.collections[collection]
	if !ok {
		bucket = make(map[string]Record)
		idx.collections[collection] = bucket
	}
	for _, r := range records {
		bucket[r.ID] = r
	}
	return nil
}

func (idx *InMemoryIndex) Query(ctx context.Context, collection string, vector []float32, k int, filter *Filter) ([]Match, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bucket := idx.collections[collection]
	matches := make([]Match, 0, len(bucket))
	for _, r := range bucket {
		if filter != nil && !filter.matches(r.Metadata) {
			continue
		}
		matches = append(matches, Match{Record: r, Score: cosine(vector, r.Vector)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (idx *InMemoryIndex) Delete(ctx context.Context, collection string, ids ...string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	bucket, ok := idx.collections[collection]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(bucket, id)
	}
	return nil
}

func (idx *InMemoryIndex) Get(ctx context.Context, collection string, id string) (*Record, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	bucket, ok := idx.collections[collection]
	if !ok {
		return nil, nil
	}
	r, ok := bucket[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
