package evolution

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/altis0725/OKAMI/core"
	"github.com/altis0725/OKAMI/memory"
)

// Applier is ImprovementApplier: it applies the safe subset of
// parsed Changes to a memory.KnowledgeStore, reusing its
// backup-before-mutate/verify/restore machinery rather than reimplementing
// it. A single mutex serializes whole Apply runs, on top of
// KnowledgeStore's own per-path locks, so two concurrent evolution passes
// never touch the same file.
type Applier struct {
	store      *memory.KnowledgeStore
	maxChanges int
	logger     core.Logger

	mu sync.Mutex
}

func NewApplier(store *memory.KnowledgeStore, maxChanges int, logger core.Logger) *Applier {
	if maxChanges <= 0 {
		maxChanges = core.DefaultMaxEvolutionChanges
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Applier{store: store, maxChanges: maxChanges, logger: logger}
}

// Apply applies changes in order, stopping eligible applies at maxChanges;
// everything beyond that cap, everything of type ChangeProposedConfig, and
// everything whose content looks like a stub is recorded as a proposal or
// skip instead.
func (a *Applier) Apply(ctx context.Context, changes []Change) []ChangeResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	results := make([]ChangeResult, 0, len(changes))
	applied := 0
	for _, c := range changes {
		if c.Type == ChangeProposedConfig {
			results = append(results, a.proposeConfigChange(ctx, c, "configuration changes are never applied automatically"))
			continue
		}

		if looksLikeStub(c.Content) {
			results = append(results, ChangeResult{Change: c, Outcome: OutcomeSkipped, Reason: "content appears to be a path or stub"})
			continue
		}

		if applied >= a.maxChanges {
			reason := "max_changes exceeded"
			if err := a.store.LogProposal(reason, changeToMap(c)); err != nil {
				a.logger.Warn("failed to log surplus evolution proposal", map[string]interface{}{"error": err.Error()})
			}
			results = append(results, ChangeResult{Change: c, Outcome: OutcomeProposed, Reason: reason})
			continue
		}

		r := a.applyKnowledgeChange(ctx, c)
		if r.Outcome == OutcomeApplied {
			applied++
		}
		results = append(results, r)
	}
	return results
}

// ProposeAll demotes every change to a proposal. Used when auto_apply is
// disabled: the run's proposals land in the log for human review and
// nothing touches the knowledge corpus.
func (a *Applier) ProposeAll(ctx context.Context, changes []Change) []ChangeResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	results := make([]ChangeResult, 0, len(changes))
	for _, c := range changes {
		results = append(results, a.proposeConfigChange(ctx, c, "auto_apply is disabled"))
	}
	return results
}

func (a *Applier) applyKnowledgeChange(ctx context.Context, c Change) ChangeResult {
	if c.Type == ChangeAddKnowledge {
		result, err := a.store.Add(ctx, memory.AddKnowledge{
			Category: memory.Category(c.Category),
			Path:     c.Path,
			Title:    c.Title,
			Content:  c.Content,
			Tags:     c.Tags,
			Reason:   c.Reason,
		})
		if err != nil {
			if errors.Is(err, core.ErrOutsideKnowledgeRoot) {
				return a.proposeConfigChange(ctx, c, "write target escapes the knowledge root")
			}
			return ChangeResult{Change: c, Outcome: OutcomeFailed, Reason: err.Error()}
		}
		if result.Skipped {
			return ChangeResult{Change: c, Outcome: OutcomeSkipped, Reason: result.Reason}
		}
		return ChangeResult{Change: c, Outcome: OutcomeApplied}
	}

	_, err := a.store.Update(ctx, memory.UpdateKnowledge{
		Path:      c.Path,
		Section:   c.Section,
		Content:   c.Content,
		Operation: c.Operation,
		Reason:    c.Reason,
	})
	if err != nil {
		if errors.Is(err, core.ErrOutsideKnowledgeRoot) {
			return a.proposeConfigChange(ctx, c, "write target escapes the knowledge root")
		}
		return ChangeResult{Change: c, Outcome: OutcomeFailed, Reason: err.Error()}
	}
	return ChangeResult{Change: c, Outcome: OutcomeApplied}
}

// proposeConfigChange is the demotion path: log the proposed
// change and append a human-readable note to the system/config_suggestions
// knowledge file instead of applying it.
func (a *Applier) proposeConfigChange(ctx context.Context, c Change, reason string) ChangeResult {
	if err := a.store.LogProposal(reason, changeToMap(c)); err != nil {
		a.logger.Warn("failed to log evolution proposal", map[string]interface{}{"error": err.Error()})
	}

	suggestion := proposalNote(c, reason)
	if _, err := a.store.Update(ctx, memory.UpdateKnowledge{
		Path:      "system/config_suggestions.md",
		Section:   "Suggestions",
		Content:   suggestion,
		Operation: "append",
		Reason:    reason,
	}); err != nil {
		a.logger.Warn("failed to append config suggestion", map[string]interface{}{"error": err.Error()})
	}
	return ChangeResult{Change: c, Outcome: OutcomeProposed, Reason: reason}
}

func proposalNote(c Change, reason string) string {
	label := c.RawType
	if label == "" {
		label = string(c.Type)
	}
	var b strings.Builder
	b.WriteString("- **" + label + "**")
	if c.TargetPath != "" {
		b.WriteString(" target=" + c.TargetPath)
	}
	if c.Field != "" {
		b.WriteString(" field=" + c.Field)
	}
	b.WriteString(": " + reason)
	return b.String()
}

var pathLikePattern = regexp.MustCompile(`^[\w./-]+$`)

// looksLikeStub flags content the evolution crew produced as a placeholder
// rather than genuine knowledge.
func looksLikeStub(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < core.MinKnowledgeContentChars {
		return true
	}
	return isPathLike(trimmed)
}

func isPathLike(s string) bool {
	if strings.ContainsAny(s, " \n\t") {
		return false
	}
	return pathLikePattern.MatchString(s) && strings.ContainsAny(s, "/.")
}
