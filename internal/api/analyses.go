package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seqlab/helix/internal/executor"
	"github.com/seqlab/helix/internal/result"
	"github.com/seqlab/helix/internal/store"
	"github.com/seqlab/helix/internal/task"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// analysisRequest is the JSON body for POST /v1/analyses and
// POST /v1/analyses/async.
type analysisRequest struct {
	ModelID    string          `json:"model_id"`
	InputPath  string          `json:"input_path"`
	OutputDir  string          `json:"output_dir"`
	Parameters json.RawMessage `json:"parameters"`
}

// runAnalysisResponse pairs the task record with the StandardResult for the
// synchronous run endpoint.
type runAnalysisResponse struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result"`
}

// listAnalysesResponse wraps the paginated list response.
type listAnalysesResponse struct {
	Tasks  []*task.Task `json:"tasks"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// decodeAnalysisRequest validates the body shared by the sync and async run
// endpoints and materializes a pending task from it. Parameters are decoded
// here, before any task record exists, so a malformed body never leaves an
// orphaned row behind.
func (s *Server) decodeAnalysisRequest(w http.ResponseWriter, r *http.Request) (*task.Task, map[string]any, bool) {
	var req analysisRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, nil, false
	}

	if req.ModelID == "" {
		s.writeError(w, http.StatusBadRequest, "model_id is required")
		return nil, nil, false
	}
	if req.InputPath == "" {
		s.writeError(w, http.StatusBadRequest, "input_path is required")
		return nil, nil, false
	}

	var params map[string]any
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			s.writeError(w, http.StatusBadRequest, "parameters must be a JSON object")
			return nil, nil, false
		}
	}

	id := task.NewID()
	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(s.resultsDir, id)
	}

	return &task.Task{
		ID:         id,
		ModelID:    req.ModelID,
		InputPath:  req.InputPath,
		OutputDir:  outputDir,
		Status:     task.StatusPending,
		Parameters: req.Parameters,
		CreatedAt:  time.Now().UTC(),
	}, params, true
}

// handleRunAnalysis executes the model synchronously and returns its
// StandardResult. The run is recorded as a task either way, so sync and async
// runs share one history.
func (s *Server) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	t, params, ok := s.decodeAnalysisRequest(w, r)
	if !ok {
		return
	}

	if err := s.store.CreateTask(r.Context(), t); err != nil {
		s.logger.Error("create task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	if err := s.store.UpdateTaskStatus(r.Context(), t.ID, task.StatusRunning); err != nil {
		s.logger.Error("transition task to running", "error", err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	start := time.Now().UTC()
	res := s.executor.Execute(ctx, executor.Request{
		ModelID:    t.ModelID,
		InputPath:  t.InputPath,
		OutputDir:  t.OutputDir,
		Parameters: params,
	})
	durationMS := int(time.Since(start).Milliseconds())

	resJSON, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("encode result", "task_id", t.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode result")
		return
	}

	now := time.Now().UTC()
	done := &task.Task{
		ID:         t.ID,
		Status:     task.StatusCompleted,
		Result:     resJSON,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}
	if res.Status == result.StatusFailed {
		done.Status = task.StatusFailed
		if msg, ok := res.Metadata[result.MetaErrorMessage].(string); ok {
			done.Error = msg
		}
		if typ, ok := res.Metadata[result.MetaErrorType].(string); ok {
			done.ErrorType = typ
		}
	}
	// The finishing write uses a background context. The run context dies with
	// the client connection, and the outcome must be recorded even when the
	// client has gone away.
	if err := s.store.UpdateTask(context.Background(), done); err != nil {
		s.logger.Error("update finished task", "task_id", t.ID, "error", err)
	}

	s.writeJSON(w, http.StatusOK, runAnalysisResponse{TaskID: t.ID, Result: resJSON})
}

// handleAsyncAnalysis submits the run to the engine and returns immediately.
func (s *Server) handleAsyncAnalysis(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.decodeAnalysisRequest(w, r)
	if !ok {
		return
	}

	if err := s.engine.Submit(r.Context(), t); err != nil {
		s.logger.Error("submit async analysis", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit analysis")
		return
	}

	s.writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get analysis")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}

	if tasks == nil {
		tasks = []*task.Task{}
	}

	s.writeJSON(w, http.StatusOK, listAnalysesResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleKillAnalysis cancels a pending or running analysis.
func (s *Server) handleKillAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for kill", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get analysis")
		return
	}

	if t.Status != task.StatusPending && t.Status != task.StatusRunning {
		s.writeError(w, http.StatusConflict, "analysis already finished")
		return
	}

	// An in-flight goroutine records the killed status itself once its context
	// is cancelled. Otherwise mark the record directly.
	if !s.engine.Kill(id) {
		if err := s.store.UpdateTaskStatus(r.Context(), id, task.StatusKilled); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			s.logger.Error("mark task killed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to kill analysis")
			return
		}
	}

	t, err = s.store.GetTask(r.Context(), id)
	if err != nil {
		s.logger.Error("get killed task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve analysis")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
