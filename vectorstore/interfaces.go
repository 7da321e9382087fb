// Package vectorstore defines the VectorIndex capability boundary
// that MemoryStore and KnowledgeStore are built on, plus two
// implementations: an in-process index usable without external
// infrastructure, and an HTTP-backed client for a Qdrant-shaped vector
// database.
package vectorstore

import "context"

// Record is a single upserted vector with its associated document and
// metadata. Collections correspond to logical namespaces: one per memory
// tier (short/long/entity) and one shared knowledge collection whose
// records carry their category in metadata.
type Record struct {
	ID       string
	Vector   []float32
	Document string
	Metadata map[string]interface{}
}

// Match is a single query hit, ordered by descending Score (cosine
// similarity, range roughly [-1, 1]).
type Match struct {
	Record
	Score float64
}

// Filter narrows a query to records whose metadata matches. A nil value in
// Equals matches any value for that key (presence-only check).
type Filter struct {
	Equals map[string]interface{}
}

func (f Filter) matches(meta map[string]interface{}) bool {
	for k, v := range f.Equals {
		mv, ok := meta[k]
		if !ok {
			return false
		}
		if v != nil && mv != v {
			return false
		}
	}
	return true
}

// VectorIndex is the opaque vector database capability the core consumes.
// Implementations must be safe for concurrent use.
type VectorIndex interface {
	Upsert(ctx context.Context, collection string, records ...Record) error
	Query(ctx context.Context, collection string, vector []float32, k int, filter *Filter) ([]Match, error)
	Delete(ctx context.Context, collection string, ids ...string) error
	Get(ctx context.Context, collection string, id string) (*Record, error)
}
