// Package memory implements the Memory & Knowledge Layer: three
// vector-backed memory tiers (short/long/entity) plus a categorized,
// section-addressable knowledge store used for retrieval-augmented
// prompting and as the evolution pipeline's write target.
package memory

import "time"

// Kind discriminates the three memory tiers.
type Kind string

const (
	KindShortTerm Kind = "short"
	KindLongTerm  Kind = "long"
	KindEntity    Kind = "entity"
)

// Record is a single memory entry. Short-term records are scoped by RunID;
// long-term and entity records persist across runs. Score is only set on
// records returned from a search, where it carries the match's similarity.
type Record struct {
	ID        string
	Kind      Kind
	Content   string
	Embedding []float32
	Metadata  map[string]interface{}
	CreatedAt time.Time
	RunID     string  // only meaningful for KindShortTerm
	Score     float64 // search relevance; zero outside search results
}

// MetaEntityName / MetaEntityType are conventional metadata keys for KindEntity
// records.
const (
	MetaEntityName = "entity_name"
	MetaEntityType = "entity_type"
	MetaAgentName  = "agent_name"
	MetaPromote    = "promote"
)

func boolMeta(meta map[string]interface{}, key string) bool {
	if meta == nil {
		return false
	}
	v, ok := meta[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
