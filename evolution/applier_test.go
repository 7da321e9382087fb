package evolution

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/memory"
	"github.com/altis0725/OKAMI/vectorstore"
)

func newTestStore(t *testing.T) *memory.KnowledgeStore {
	t.Helper()
	root := filepath.Join(t.TempDir(), "knowledge")
	ks, err := memory.NewKnowledgeStore(
		memory.KnowledgeStoreConfig{Root: root, DuplicateThreshold: 0.92},
		vectorstore.NewInMemoryIndex(),
		ai.NewFakeEmbedder(6),
		nil,
	)
	require.NoError(t, err)
	return ks
}

func TestApplierAppliesAddAndUpdateKnowledge(t *testing.T) {
	store := newTestStore(t)
	applier := NewApplier(store, 10, nil)
	ctx := context.Background()

	results := applier.Apply(ctx, []Change{
		{Type: ChangeAddKnowledge, Category: "domain", Path: "pricing.md", Title: "Pricing", Content: "All prices are quoted in USD and exclude tax."},
	})
	require.Len(t, results, 1)
	require.Equal(t, OutcomeApplied, results[0].Outcome)

	results = applier.Apply(ctx, []Change{
		{Type: ChangeUpdateKnowledge, Path: "domain/pricing.md", Section: "Notes", Content: "shipping is extra", Operation: "append"},
	})
	require.Len(t, results, 1)
	require.Equal(t, OutcomeApplied, results[0].Outcome)
}

func TestApplierSkipsStubContent(t *testing.T) {
	store := newTestStore(t)
	applier := NewApplier(store, 10, nil)
	ctx := context.Background()

	results := applier.Apply(ctx, []Change{
		{Type: ChangeAddKnowledge, Category: "domain", Path: "x.md", Title: "X", Content: "too short"},
		{Type: ChangeAddKnowledge, Category: "domain", Path: "y.md", Title: "Y", Content: "agents/researcher.md"},
	})
	require.Len(t, results, 2)
	require.Equal(t, OutcomeSkipped, results[0].Outcome)
	require.Equal(t, OutcomeSkipped, results[1].Outcome)
}

func TestApplierDemotesProposedConfigChange(t *testing.T) {
	store := newTestStore(t)
	applier := NewApplier(store, 10, nil)
	ctx := context.Background()

	results := applier.Apply(ctx, []Change{
		{Type: ChangeProposedConfig, RawType: "update_agent_parameter", TargetPath: "agents/researcher", Field: "max_iter", Value: 10, Reason: "observed looping"},
	})
	require.Len(t, results, 1)
	require.Equal(t, OutcomeProposed, results[0].Outcome)

	hits, err := store.Search(ctx, "max_iter", 5, memory.CategorySystem)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

func TestApplierCapsAtMaxChanges(t *testing.T) {
	store := newTestStore(t)
	applier := NewApplier(store, 1, nil)
	ctx := context.Background()

	results := applier.Apply(ctx, []Change{
		{Type: ChangeAddKnowledge, Category: "domain", Path: "a.md", Title: "A", Content: "This is the first genuine knowledge entry of real length."},
		{Type: ChangeAddKnowledge, Category: "domain", Path: "b.md", Title: "B", Content: "This is the second genuine knowledge entry of real length."},
	})
	require.Len(t, results, 2)
	require.Equal(t, OutcomeApplied, results[0].Outcome)
	require.Equal(t, OutcomeProposed, results[1].Outcome)
	require.Equal(t, "max_changes exceeded", results[1].Reason)
}

func TestApplierDemotesWritesOutsideKnowledgeRoot(t *testing.T) {
	store := newTestStore(t)
	applier := NewApplier(store, 10, nil)
	ctx := context.Background()

	results := applier.Apply(ctx, []Change{
		{Type: ChangeUpdateKnowledge, Path: "../../etc/passwd", Content: "malicious content of sufficient length", Operation: "replace"},
	})
	require.Len(t, results, 1)
	require.Equal(t, OutcomeProposed, results[0].Outcome)
}

func TestApplierReapplyingDuplicateAddIsSkipped(t *testing.T) {
	store := newTestStore(t)
	applier := NewApplier(store, 10, nil)
	ctx := context.Background()

	add := Change{Type: ChangeAddKnowledge, Category: "domain", Path: "pricing.md", Title: "Pricing", Content: "All prices are quoted in USD and exclude tax."}
	first := applier.Apply(ctx, []Change{add})
	require.Equal(t, OutcomeApplied, first[0].Outcome)

	dup := add
	dup.Path = "pricing-2.md"
	second := applier.Apply(ctx, []Change{dup})
	require.Equal(t, OutcomeSkipped, second[0].Outcome)
	require.Equal(t, "duplicate", second[0].Reason)
}
