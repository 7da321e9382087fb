// Command okamid wires the OKAMI engine together behind a small task
// submission surface: completer and embedder providers, the vector index,
// the three-tier memory store, the knowledge store, the guardrail set, the
// crew orchestrator, and the evolution coordinator.
//
// Configuration is environment-driven; every external capability degrades
// to an in-process fake when its provider is not configured, so the binary
// runs end to end on a laptop with no credentials.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/core"
	"github.com/altis0725/OKAMI/crew"
	"github.com/altis0725/OKAMI/evolution"
	"github.com/altis0725/OKAMI/guardrail"
	"github.com/altis0725/OKAMI/memory"
	"github.com/altis0725/OKAMI/telemetry"
	"github.com/altis0725/OKAMI/vectorstore"
)

func main() {
	logger := telemetry.NewLogger("okamid")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.NewProvider(ctx, telemetry.ConfigFromEnv("okamid"))
	if err != nil {
		logger.Warn("telemetry disabled", map[string]interface{}{"error": err.Error()})
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	completer := buildCompleter(logger)
	embedder := buildEmbedder(logger)
	index := buildVectorIndex(logger)

	memConfig := memory.DefaultConfig()
	if baseURL := os.Getenv("MEM0_BASE_URL"); baseURL != "" {
		memConfig.External = memory.NewMem0Sidecar(baseURL, os.Getenv("MEM0_API_KEY"))
		memConfig.UserID = os.Getenv("MEM0_USER_ID")
	}
	memoryStore := memory.NewStore(index, embedder, logger.WithComponent("memory"), memConfig)

	knowledgeRoot := os.Getenv("KNOWLEDGE_ROOT")
	if knowledgeRoot == "" {
		knowledgeRoot = "knowledge"
	}
	knowledgeStore, err := memory.NewKnowledgeStore(
		memory.KnowledgeStoreConfig{Root: knowledgeRoot},
		index, embedder, logger.WithComponent("memory"),
	)
	if err != nil {
		logger.Error("knowledge store init failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	guardrails := buildGuardrails(embedder, knowledgeStore, logger)
	rateLimiter := buildRateLimiter(logger)

	orchestrator := crew.NewOrchestrator(completer, memoryStore, knowledgeStore,
		crew.WithLogger(logger.WithComponent("orchestrator")),
		crew.WithGuardrails(guardrails),
		crew.WithRateLimiter(rateLimiter),
		telemetryOption(provider),
	)

	crews, defaultCrew, err := loadCrews(logger)
	if err != nil {
		logger.Error("crew specs failed to compile", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	coordinator := buildEvolution(orchestrator, knowledgeStore, logger)

	srv := newServer(orchestrator, crews, defaultCrew, coordinator,
		logger.WithComponent("server"), envInt("QUEUE_CAPACITY", 16),
		envDuration("REQUEST_TIMEOUT_MS", core.DefaultRequestTimeout))

	port := os.Getenv(core.EnvPort)
	if port == "" {
		port = "8000"
	}
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: telemetry.WrapHandler(srv.routes(), "okami.tasks"),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("okamid listening", map[string]interface{}{"port": port, "default_crew": defaultCrew})
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func telemetryOption(provider *telemetry.Provider) crew.Option {
	if provider == nil {
		return crew.WithTelemetry(&core.NoOpTelemetry{})
	}
	return crew.WithTelemetry(provider)
}

func buildCompleter(logger core.Logger) ai.Completer {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return ai.NewHTTPCompleter(key, os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_MODEL"))
	}
	logger.Warn("OPENAI_API_KEY unset, using fake completer", nil)
	return ai.NewFakeCompleter()
}

func buildEmbedder(logger core.Logger) ai.Embedder {
	if key := os.Getenv("EMBEDDER_API_KEY"); key != "" {
		return ai.NewHTTPEmbedder(key, os.Getenv("EMBEDDER_BASE_URL"),
			os.Getenv("EMBEDDER_MODEL"), envInt("EMBEDDER_DIMENSION", 1536))
	}
	logger.Warn("EMBEDDER_API_KEY unset, using fake embedder", nil)
	return ai.NewFakeEmbedder(envInt("EMBEDDER_DIMENSION", 8))
}

func buildVectorIndex(logger core.Logger) vectorstore.VectorIndex {
	if url := os.Getenv("QDRANT_URL"); url != "" {
		return vectorstore.NewQdrantIndex(url, os.Getenv("QDRANT_API_KEY"))
	}
	logger.Warn("QDRANT_URL unset, using in-memory vector index", nil)
	return vectorstore.NewInMemoryIndex()
}

func buildGuardrails(embedder ai.Embedder, knowledgeStore *memory.KnowledgeStore, logger core.Logger) map[string]guardrail.Guardrail {
	guardrails := map[string]guardrail.Guardrail{
		"quality":   guardrail.NewQualityGuardrail(envInt("GUARDRAIL_MIN_CHARS", 0)),
		"relevance": guardrail.NewRelevanceGuardrail(embedder, core.DefaultMinRelevance),
		"hallucination": guardrail.NewHallucinationGuardrail(
			crew.NewKnowledgeGrounder(knowledgeStore), core.DefaultHallucinationThreshold),
	}
	safety, err := guardrail.NewSafetyGuardrail(nil, nil)
	if err != nil {
		logger.Warn("safety guardrail disabled", map[string]interface{}{"error": err.Error()})
	} else {
		guardrails["safety"] = safety
	}
	return guardrails
}

func buildRateLimiter(logger core.Logger) crew.RateLimiter {
	redisURL := os.Getenv(core.EnvRedisURL)
	if redisURL == "" {
		return crew.NewInProcessRateLimiter()
	}
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  redisURL,
		DB:        core.RedisDBRateLimiting,
		Namespace: os.Getenv(core.EnvNamespace),
		Logger:    logger,
	})
	if err != nil {
		logger.Warn("redis unavailable, using in-process rate limiter", map[string]interface{}{"error": err.Error()})
		return crew.NewInProcessRateLimiter()
	}
	return crew.NewRedisRateLimiter(client)
}

// loadCrews compiles the persisted spec document named by SPEC_FILE, or a
// built-in single-agent crew when none is configured.
func loadCrews(logger core.Logger) (map[string]*crew.CompiledCrew, string, error) {
	specFile := os.Getenv("SPEC_FILE")
	var doc *crew.SpecDocument
	if specFile != "" {
		data, err := os.ReadFile(specFile)
		if err != nil {
			return nil, "", err
		}
		doc, err = crew.DecodeSpecDocument(data, logger)
		if err != nil {
			return nil, "", err
		}
	} else {
		doc = builtinSpecDocument()
	}

	crews := make(map[string]*crew.CompiledCrew, len(doc.Crews))
	defaultCrew := os.Getenv("DEFAULT_CREW")
	for name, spec := range doc.Crews {
		compiled, err := crew.Compile(spec, doc.Agents, doc.Tasks)
		if err != nil {
			return nil, "", err
		}
		crews[name] = compiled
		if defaultCrew == "" {
			defaultCrew = name
		}
	}
	return crews, defaultCrew, nil
}

// builtinSpecDocument is the zero-config crew: one hierarchical manager
// over a generalist worker, so ad-hoc task submissions work out of the box.
func builtinSpecDocument() *crew.SpecDocument {
	return &crew.SpecDocument{
		Agents: map[string]*crew.AgentSpec{
			"assistant": {
				Name: "assistant", Role: "generalist assistant",
				Goal:    "complete the submitted task accurately",
				MaxIter: 10, AllowDelegation: true, MemoryEnabled: true,
			},
			"manager": {
				Name: "manager", Role: "crew manager",
				Goal:    "break the task down and delegate to workers",
				MaxIter: 15,
			},
		},
		Tasks: map[string]*crew.TaskSpec{},
		Crews: map[string]*crew.CrewSpec{
			"default": {
				Name: "default", Process: crew.ProcessHierarchical,
				Agents: []string{"assistant"}, ManagerAgent: "manager",
				MemoryEnabled: true,
			},
		},
	}
}

func buildEvolution(orchestrator *crew.Orchestrator, knowledgeStore *memory.KnowledgeStore, logger core.ComponentAwareLogger) *evolution.Coordinator {
	if os.Getenv("EVOLUTION_ENABLED") == "false" {
		return nil
	}

	reviewer := &crew.AgentSpec{
		Name: "evolution-reviewer", Role: "execution trace reviewer",
		Goal:    "propose knowledge improvements from completed runs",
		MaxIter: 5,
	}
	spec := &crew.CrewSpec{
		Name: "evolution", Process: crew.ProcessHierarchical,
		ManagerAgent: "evolution-reviewer",
	}
	compiled, err := crew.Compile(spec,
		map[string]*crew.AgentSpec{"evolution-reviewer": reviewer},
		map[string]*crew.TaskSpec{})
	if err != nil {
		logger.Warn("evolution crew failed to compile, evolution disabled", map[string]interface{}{"error": err.Error()})
		return nil
	}

	applier := evolution.NewApplier(knowledgeStore,
		envInt("EVOLUTION_MAX_CHANGES", core.DefaultMaxEvolutionChanges),
		logger.WithComponent("evolution"))
	config := evolution.DefaultConfig()
	config.MaxChanges = envInt("EVOLUTION_MAX_CHANGES", core.DefaultMaxEvolutionChanges)
	config.AutoApply = os.Getenv("EVOLUTION_AUTO_APPLY") != "false"
	return evolution.NewCoordinator(orchestrator, compiled, applier,
		logger.WithComponent("evolution"), config)
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(name); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
