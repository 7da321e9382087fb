package core

import "time"

// Environment variables recognized by the OKAMI core runtime. The HTTP/CLI
// surface and process-level config loader are expected to translate their
// own configuration sources into these before constructing the core types.
const (
	EnvRedisURL  = "REDIS_URL" // backing store for distributed rate-limit buckets
	EnvNamespace = "OKAMI_NAMESPACE"
	EnvPort      = "PORT"
	EnvDevMode   = "DEV_MODE"
	EnvLogLevel  = "LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT"
)

// Default tunables, used when a crew/agent spec or deployment config omits
// a value.
const (
	// DefaultMaxRPM is unlimited (max_rpm: int≥0, 0 = unlimited).
	DefaultMaxRPM = 0

	// DefaultRPMWaitBudget bounds how long a request blocks on a rate bucket
	// before failing with RateBudgetExceeded.
	DefaultRPMWaitBudget = 5 * time.Second

	// DefaultMaxDelegationDepth caps hierarchical-process recursive delegation.
	DefaultMaxDelegationDepth = 3

	// DefaultShortTermWindow is the N most recent short-term entries surfaced
	// per task start.
	DefaultShortTermWindow = 20

	// DefaultSemanticTopK is the K semantic hits blended into the short-term block.
	DefaultSemanticTopK = 5

	// DefaultDuplicateThreshold is the cosine similarity above which an
	// AddKnowledge proposal is treated as a duplicate.
	DefaultDuplicateThreshold = 0.92

	// DefaultMinRelevance is the relevance guardrail's minimum output/task cosine.
	DefaultMinRelevance = 0.5

	// DefaultHallucinationThreshold is the hallucination guardrail's minimum
	// composite score.
	DefaultHallucinationThreshold = 0.7

	// DefaultMaxEvolutionChanges bounds applied changes per evolution run;
	// surplus entries become proposals.
	DefaultMaxEvolutionChanges = 10

	// DefaultEvolutionTimeout bounds the detached evolution pipeline run,
	// which executes against its own background context rather than the
	// originating request's.
	DefaultEvolutionTimeout = 5 * time.Minute

	// DefaultCompleterMaxRetries is the exponential-backoff retry ceiling for
	// CompleterTransient errors.
	DefaultCompleterMaxRetries = 5

	// DefaultCompleterBackoffBase / Factor / Jitter: base 0.2s, doubling,
	// up to 5 tries, jitter ±20%.
	DefaultCompleterBackoffBase   = 200 * time.Millisecond
	DefaultCompleterBackoffFactor = 2.0
	DefaultCompleterBackoffJitter = 0.2

	// DefaultTaskTimeout / DefaultRequestTimeout bound a single task and the
	// whole request respectively; the effective per-task deadline is
	// min(request_deadline, task_timeout_config).
	DefaultTaskTimeout    = 2 * time.Minute
	DefaultRequestTimeout = 10 * time.Minute

	// MinKnowledgeContentChars is the evolution applier's stub-content floor.
	MinKnowledgeContentChars = 16
)
