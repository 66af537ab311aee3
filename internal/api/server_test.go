package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seqlab/helix/internal/engine"
	"github.com/seqlab/helix/internal/executor"
	"github.com/seqlab/helix/internal/registry"
	"github.com/seqlab/helix/internal/result"
	"github.com/seqlab/helix/internal/store"
	"github.com/seqlab/helix/internal/task"
)

const testModelConfig = `name: scVI Latent Embedding
version: "1.2.0"
interface:
  main_function: run_scvi_model
parameters:
  default:
    n_latent: 10
`

// stubRunner returns a canned result and records requests. onExecute, when
// set, runs at the start of each Execute call.
type stubRunner struct {
	res       *result.Result
	reqs      []executor.Request
	onExecute func()
}

func (r *stubRunner) Execute(_ context.Context, req executor.Request) *result.Result {
	r.reqs = append(r.reqs, req)
	if r.onExecute != nil {
		r.onExecute()
	}
	if r.res != nil {
		return r.res
	}
	return result.NewError("no result configured", result.ErrTypeExecution)
}

type testServer struct {
	srv    *Server
	store  store.Store
	runner *stubRunner
	input  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	modelsDir := t.TempDir()
	pluginDir := filepath.Join(modelsDir, "scvi_model")
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatalf("mkdir plugin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "config.yaml"), []byte(testModelConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "model.py"), []byte("def run_scvi_model(**kw):\n    pass\n"), 0o644); err != nil {
		t.Fatalf("write entry point: %v", err)
	}
	reg := registry.Scan(logger, []string{modelsDir})

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	input := filepath.Join(t.TempDir(), "counts.csv")
	if err := os.WriteFile(input, []byte("gene,cell1,cell2\nACTB,5,3\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	okRes, _ := result.New(result.StatusSuccess,
		map[string]string{"umap": "umap.png"},
		map[string]string{"latent": "latent.csv"},
		map[string]any{"epochs": float64(50)})
	runner := &stubRunner{res: okRes}

	eng := engine.New(s, runner, time.Minute, logger)
	srv := NewServer("127.0.0.1:0", s, reg, runner, eng,
		t.TempDir(), t.TempDir(), time.Minute, logger)

	return &testServer{srv: srv, store: s, runner: runner, input: input}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["models"] != float64(1) {
		t.Errorf("models field = %v", body["models"])
	}
}

func TestListModels(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/v1/models", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	entries := decode[[]map[string]any](t, rec)
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d", len(entries))
	}
	if entries[0]["id"] != "scvi_model" {
		t.Errorf("id = %v", entries[0]["id"])
	}
}

func TestGetModel(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/models/scvi_model", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/models/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRunAnalysisSync(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/analyses", map[string]any{
		"model_id":   "scvi_model",
		"input_path": ts.input,
		"parameters": map[string]any{"n_latent": 20},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	resp := decode[map[string]any](t, rec)
	taskID, _ := resp["task_id"].(string)
	if taskID == "" {
		t.Fatal("task_id missing")
	}
	res, _ := resp["result"].(map[string]any)
	if res["status"] != result.StatusSuccess {
		t.Errorf("result status = %v", res["status"])
	}

	if len(ts.runner.reqs) != 1 {
		t.Fatalf("runner saw %d requests", len(ts.runner.reqs))
	}
	if ts.runner.reqs[0].Parameters["n_latent"] != float64(20) {
		t.Errorf("parameters = %v", ts.runner.reqs[0].Parameters)
	}

	// Sync runs are recorded as completed tasks.
	tk, err := ts.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if tk.Status != task.StatusCompleted {
		t.Errorf("task status = %q", tk.Status)
	}
}

func TestRunAnalysisValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing model_id", map[string]any{"input_path": ts.input}},
		{"missing input_path", map[string]any{"model_id": "scvi_model"}},
		{"non-object parameters", map[string]any{
			"model_id": "scvi_model", "input_path": ts.input, "parameters": []int{1, 2, 3},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/analyses", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}

	// A rejected request must not leave a task record behind.
	tasks, total, err := ts.store.ListTasks(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 0 || len(tasks) != 0 {
		t.Errorf("rejected requests created %d tasks", total)
	}
}

func TestRunAnalysisFailedResult(t *testing.T) {
	ts := newTestServer(t)
	ts.runner.res = result.NewError("missing required libraries", result.ErrTypeDependency)

	rec := ts.do(t, http.MethodPost, "/v1/analyses", map[string]any{
		"model_id":   "scvi_model",
		"input_path": ts.input,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	resp := decode[map[string]any](t, rec)
	taskID, _ := resp["task_id"].(string)
	tk, err := ts.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if tk.Status != task.StatusFailed {
		t.Errorf("task status = %q, want failed", tk.Status)
	}
	if tk.ErrorType != result.ErrTypeDependency {
		t.Errorf("error type = %q", tk.ErrorType)
	}
}

func TestRunAnalysisRecordsOutcomeAfterClientDisconnect(t *testing.T) {
	ts := newTestServer(t)

	// Cancel the request context while the model is running, as a client
	// hanging up mid-run does.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts.runner.onExecute = cancel

	body, err := json.Marshal(map[string]any{
		"model_id":   "scvi_model",
		"input_path": ts.input,
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)

	tasks, total, err := ts.store.ListTasks(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	if tasks[0].Status != task.StatusCompleted {
		t.Errorf("status = %q, want completed", tasks[0].Status)
	}
	if tasks[0].FinishedAt == nil {
		t.Error("finished_at not recorded")
	}
}

func TestAsyncAnalysis(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/analyses/async", map[string]any{
		"model_id":   "scvi_model",
		"input_path": ts.input,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	submitted := decode[task.Task](t, rec)
	if submitted.Status != task.StatusPending {
		t.Errorf("submitted status = %q, want pending", submitted.Status)
	}
	if submitted.OutputDir == "" {
		t.Error("output dir should be defaulted")
	}

	ts.srv.engine.Wait()

	tk, err := ts.store.GetTask(context.Background(), submitted.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if tk.Status != task.StatusCompleted {
		t.Errorf("final status = %q", tk.Status)
	}
}

func TestGetAnalysis(t *testing.T) {
	ts := newTestServer(t)

	tk := &task.Task{
		ID: task.NewID(), ModelID: "scvi_model", InputPath: ts.input,
		OutputDir: "/results/x", Status: task.StatusPending, CreatedAt: time.Now().UTC(),
	}
	if err := ts.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/v1/analyses/"+tk.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[task.Task](t, rec)
	if got.ID != tk.ID {
		t.Errorf("id = %q", got.ID)
	}

	rec = ts.do(t, http.MethodGet, "/v1/analyses/nonexistent", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListAnalyses(t *testing.T) {
	ts := newTestServer(t)

	for range 3 {
		tk := &task.Task{
			ID: task.NewID(), ModelID: "scvi_model", InputPath: ts.input,
			OutputDir: "/results/x", Status: task.StatusPending, CreatedAt: time.Now().UTC(),
		}
		if err := ts.store.CreateTask(context.Background(), tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	rec := ts.do(t, http.MethodGet, "/v1/analyses?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[listAnalysesResponse](t, rec)
	if resp.Total != 3 {
		t.Errorf("total = %d", resp.Total)
	}
	if len(resp.Tasks) != 2 {
		t.Errorf("len(tasks) = %d", len(resp.Tasks))
	}
}

func TestKillPendingAnalysis(t *testing.T) {
	ts := newTestServer(t)

	tk := &task.Task{
		ID: task.NewID(), ModelID: "scvi_model", InputPath: ts.input,
		OutputDir: "/results/x", Status: task.StatusPending, CreatedAt: time.Now().UTC(),
	}
	if err := ts.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rec := ts.do(t, http.MethodDelete, "/v1/analyses/"+tk.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decode[task.Task](t, rec)
	if got.Status != task.StatusKilled {
		t.Errorf("status = %q, want killed", got.Status)
	}

	// Already finished tasks cannot be killed again.
	rec = ts.do(t, http.MethodDelete, "/v1/analyses/"+tk.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)

	tk := &task.Task{
		ID: task.NewID(), ModelID: "scvi_model", InputPath: ts.input,
		OutputDir: "/results/x", Status: task.StatusPending, CreatedAt: time.Now().UTC(),
	}
	if err := ts.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[statsResponse](t, rec)
	if resp.Total != 1 {
		t.Errorf("total = %d", resp.Total)
	}
	if resp.ByModel["scvi_model"] != 1 {
		t.Errorf("by_model = %v", resp.ByModel)
	}
}

func TestLogHistory(t *testing.T) {
	ts := newTestServer(t)

	tk := &task.Task{
		ID: task.NewID(), ModelID: "scvi_model", InputPath: ts.input,
		OutputDir: "/results/x", Status: task.StatusPending, CreatedAt: time.Now().UTC(),
	}
	if err := ts.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for i, line := range []string{"epoch 1/50", "epoch 2/50"} {
		if err := ts.store.InsertLogLine(context.Background(), tk.ID, i, line); err != nil {
			t.Fatalf("InsertLogLine: %v", err)
		}
	}

	rec := ts.do(t, http.MethodGet, "/v1/analyses/"+tk.ID+"/logs/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[logHistoryResponse](t, rec)
	if resp.TaskID != tk.ID {
		t.Errorf("task_id = %q", resp.TaskID)
	}
	if len(resp.Lines) != 2 || resp.Lines[0].Line != "epoch 1/50" {
		t.Errorf("lines = %+v", resp.Lines)
	}
}

func TestStreamLogsTerminalTask(t *testing.T) {
	ts := newTestServer(t)

	tk := &task.Task{
		ID: task.NewID(), ModelID: "scvi_model", InputPath: ts.input,
		OutputDir: "/results/x", Status: task.StatusPending, CreatedAt: time.Now().UTC(),
	}
	if err := ts.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := ts.store.UpdateTaskStatus(context.Background(), tk.ID, task.StatusRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := ts.store.UpdateTaskStatus(context.Background(), tk.ID, task.StatusCompleted); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/v1/analyses/"+tk.ID+"/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("terminal task stream should be empty, got %q", rec.Body.String())
	}
}

func TestUploadCSV(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "counts.csv")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.WriteString(fw, "gene,cell1,cell2\nACTB,5,3\nGAPDH,2,8\n"); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decode[uploadResponse](t, rec)
	if resp.Path == "" {
		t.Error("path missing")
	}
	if resp.Validation == nil || !resp.Validation.IsValid {
		t.Errorf("validation = %+v", resp.Validation)
	}
	if _, err := os.Stat(resp.Path); err != nil {
		t.Errorf("uploaded file not on disk: %v", err)
	}
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "notes.txt")
	io.WriteString(fw, "not a dataset")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]string](t, rec)
	if !strings.Contains(body["error"], "unsupported file format") {
		t.Errorf("error = %q", body["error"])
	}
}

func TestUploadMissingFileField(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
