package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altis0725/OKAMI/core"
	"github.com/altis0725/OKAMI/crew"
	"github.com/altis0725/OKAMI/evolution"
)

// taskRequest is the task-submission wire shape.
type taskRequest struct {
	Task           string                 `json:"task"`
	CrewName       string                 `json:"crew_name,omitempty"`
	AsyncExecution bool                   `json:"async_execution,omitempty"`
	Inputs         map[string]interface{} `json:"inputs,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
}

type taskResult struct {
	Raw         string               `json:"raw"`
	TasksOutput []crew.ExecutionStep `json:"tasks_output"`
	TokenUsage  interface{}          `json:"token_usage"`
}

type taskResponse struct {
	TaskID        string      `json:"task_id"`
	Status        string      `json:"status"` // completed | processing | failed
	Result        *taskResult `json:"result"`
	Error         *string     `json:"error"`
	ExecutionTime float64     `json:"execution_time"`
}

// server is the thin task-submission surface over the orchestrator. The
// engine itself never depends on this; it exists so the binary is runnable
// end to end.
type server struct {
	orchestrator   *crew.Orchestrator
	crews          map[string]*crew.CompiledCrew
	defaultCrew    string
	coordinator    *evolution.Coordinator
	logger         core.Logger
	requestTimeout time.Duration

	// queue bounds concurrently-executing requests; a full queue fails fast
	// with QueueFull rather than accepting unbounded work.
	queue chan struct{}

	mu      sync.RWMutex
	records map[string]*taskResponse
}

func newServer(orchestrator *crew.Orchestrator, crews map[string]*crew.CompiledCrew, defaultCrew string, coordinator *evolution.Coordinator, logger core.Logger, queueCapacity int, requestTimeout time.Duration) *server {
	if queueCapacity <= 0 {
		queueCapacity = 16
	}
	return &server{
		orchestrator:   orchestrator,
		crews:          crews,
		defaultCrew:    defaultCrew,
		coordinator:    coordinator,
		logger:         logger,
		requestTimeout: requestTimeout,
		queue:          make(chan struct{}, queueCapacity),
		records:        make(map[string]*taskResponse),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskLookup)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	crewName := req.CrewName
	if crewName == "" {
		crewName = s.defaultCrew
	}
	compiled, ok := s.crews[crewName]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown crew "+crewName)
		return
	}

	select {
	case s.queue <- struct{}{}:
	default:
		writeError(w, http.StatusTooManyRequests, core.ErrQueueFull.Error())
		return
	}

	taskID := uuid.New().String()
	if req.AsyncExecution {
		s.store(&taskResponse{TaskID: taskID, Status: "processing"})
		go func() {
			defer func() { <-s.queue }()
			ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
			defer cancel()
			s.store(s.run(ctx, taskID, compiled, &req))
		}()
		writeJSON(w, http.StatusAccepted, &taskResponse{TaskID: taskID, Status: "processing"})
		return
	}

	defer func() { <-s.queue }()
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	resp := s.run(ctx, taskID, compiled, &req)
	s.store(resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleTaskLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	s.mu.RLock()
	record, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task "+id)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// run executes one submission and shapes its response. The evolution
// pass fires after the result is final, off this request's context.
func (s *server) run(ctx context.Context, taskID string, compiled *crew.CompiledCrew, req *taskRequest) *taskResponse {
	start := time.Now()

	inputs := map[string]interface{}{"task": req.Task}
	for k, v := range req.Inputs {
		inputs[k] = v
	}
	for k, v := range req.Context {
		if _, exists := inputs[k]; !exists {
			inputs[k] = v
		}
	}

	result, err := s.orchestrator.Execute(ctx, compiled, inputs)
	resp := &taskResponse{TaskID: taskID, ExecutionTime: time.Since(start).Seconds()}

	if result != nil {
		resp.Result = &taskResult{
			Raw:         result.FinalOutput,
			TasksOutput: result.TasksOutput,
			TokenUsage:  result.TokenUsage,
		}
		if s.coordinator != nil {
			s.coordinator.TriggerAsync(&result.Trace, req.Task, result.FinalOutput)
		}
	}

	switch {
	case err != nil:
		resp.Status = "failed"
		msg := err.Error()
		resp.Error = &msg
		s.logger.WarnWithContext(ctx, "task failed", map[string]interface{}{
			"task_id": taskID, "error": msg,
		})
	default:
		resp.Status = "completed"
	}
	return resp
}

func (s *server) store(resp *taskResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[resp.TaskID] = resp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
