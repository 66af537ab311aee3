package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seqlab/helix/internal/executor"
	"github.com/seqlab/helix/internal/result"
	"github.com/seqlab/helix/internal/store"
	"github.com/seqlab/helix/internal/task"
)

// stubRunner returns a canned result, optionally blocking until the context
// is done first.
type stubRunner struct {
	res         *result.Result
	blockOnCtx  bool
	logLines    []string
	gotRequests []executor.Request
}

func (r *stubRunner) Execute(ctx context.Context, req executor.Request) *result.Result {
	r.gotRequests = append(r.gotRequests, req)
	for _, line := range r.logLines {
		if req.LogWriter != nil {
			req.LogWriter(line)
		}
	}
	if r.blockOnCtx {
		<-ctx.Done()
		return result.NewError("model execution timed out", result.ErrTypeTimeout)
	}
	return r.res
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, runner ModelRunner) (*Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, runner, time.Minute, testLogger()), s
}

func makeTask() *task.Task {
	return &task.Task{
		ID:         task.NewID(),
		ModelID:    "scvi_model",
		InputPath:  "/uploads/counts.csv",
		OutputDir:  "/results/run1",
		Status:     task.StatusPending,
		Parameters: json.RawMessage(`{"n_latent": 20}`),
		CreatedAt:  time.Now().UTC(),
	}
}

func TestSubmitRunsToCompleted(t *testing.T) {
	okRes, _ := result.New(result.StatusSuccess,
		map[string]string{"umap": "/results/run1/umap.png"},
		map[string]string{"latent": "/results/run1/latent.csv"},
		map[string]any{"epochs": float64(50)})
	runner := &stubRunner{res: okRes}
	e, s := newTestEngine(t, runner)

	tk := makeTask()
	if err := e.Submit(context.Background(), tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.Wait()

	got, err := s.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("StartedAt and FinishedAt should be set")
	}
	if got.DurationMS == nil {
		t.Error("DurationMS should be set")
	}

	var stored result.Result
	if err := json.Unmarshal(got.Result, &stored); err != nil {
		t.Fatalf("unmarshal stored result: %v", err)
	}
	if stored.Status != result.StatusSuccess {
		t.Errorf("stored result status = %q", stored.Status)
	}
	if stored.Visualizations["umap"] != "/results/run1/umap.png" {
		t.Errorf("stored visualizations = %v", stored.Visualizations)
	}
}

func TestSubmitPassesDecodedParameters(t *testing.T) {
	runner := &stubRunner{res: result.NewError("x", result.ErrTypeExecution)}
	e, _ := newTestEngine(t, runner)

	tk := makeTask()
	if err := e.Submit(context.Background(), tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.Wait()

	if len(runner.gotRequests) != 1 {
		t.Fatalf("runner saw %d requests, want 1", len(runner.gotRequests))
	}
	req := runner.gotRequests[0]
	if req.ModelID != "scvi_model" {
		t.Errorf("ModelID = %q", req.ModelID)
	}
	if req.Parameters["n_latent"] != float64(20) {
		t.Errorf("Parameters = %v", req.Parameters)
	}
}

func TestFailedResultMarksTaskFailed(t *testing.T) {
	runner := &stubRunner{res: result.NewError("missing required libraries for model \"scvi_model\": no scvi", result.ErrTypeDependency)}
	e, s := newTestEngine(t, runner)

	tk := makeTask()
	if err := e.Submit(context.Background(), tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.Wait()

	got, err := s.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorType != result.ErrTypeDependency {
		t.Errorf("ErrorType = %q, want dependency_error", got.ErrorType)
	}
	if got.Error == "" {
		t.Error("Error message should be recorded")
	}
	if got.Result == nil {
		t.Error("failed runs should still persist the result envelope")
	}
}

func TestInvalidParametersJSONFailsTask(t *testing.T) {
	runner := &stubRunner{res: result.NewError("x", result.ErrTypeExecution)}
	e, s := newTestEngine(t, runner)

	tk := makeTask()
	tk.Parameters = json.RawMessage(`{broken`)
	if err := e.Submit(context.Background(), tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.Wait()

	got, _ := s.GetTask(context.Background(), tk.ID)
	if got.Status != task.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorType != result.ErrTypeValidation {
		t.Errorf("ErrorType = %q, want validation_error", got.ErrorType)
	}
	if len(runner.gotRequests) != 0 {
		t.Error("runner should not be invoked for undecodable parameters")
	}
}

func TestKillCancelsRunningTask(t *testing.T) {
	runner := &stubRunner{blockOnCtx: true}
	e, s := newTestEngine(t, runner)

	tk := makeTask()
	if err := e.Submit(context.Background(), tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Wait for the task to reach running before killing it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := s.GetTask(context.Background(), tk.ID)
		if err == nil && got.Status == task.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never reached running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !e.Kill(tk.ID) {
		t.Fatal("Kill reported no in-flight task")
	}
	e.Wait()

	got, err := s.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusKilled {
		t.Errorf("Status = %q, want killed", got.Status)
	}
}

func TestKillUnknownTask(t *testing.T) {
	e, _ := newTestEngine(t, &stubRunner{res: result.NewError("x", result.ErrTypeExecution)})
	if e.Kill("nonexistent") {
		t.Error("Kill should report false for unknown task")
	}
}

func TestLogLinesPersistedAndPublished(t *testing.T) {
	okRes, _ := result.New(result.StatusSuccess, nil, nil, nil)
	runner := &stubRunner{res: okRes, logLines: []string{"epoch 1/50", "epoch 2/50"}}
	e, s := newTestEngine(t, runner)

	tk := makeTask()
	ch, unsub := e.Broker().Subscribe(tk.ID)
	defer unsub()

	if err := e.Submit(context.Background(), tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.Wait()

	lines, err := s.GetLogLines(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("persisted %d lines, want 2", len(lines))
	}
	if lines[0].Line != "epoch 1/50" || lines[1].Line != "epoch 2/50" {
		t.Errorf("lines = %q, %q", lines[0].Line, lines[1].Line)
	}

	var streamed []string
	for line := range ch {
		streamed = append(streamed, line)
	}
	if len(streamed) != 2 {
		t.Errorf("streamed %d lines, want 2", len(streamed))
	}
}

func TestTimeoutFallsBackToDefault(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e := New(s, &stubRunner{}, 0, testLogger())
	if e.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", e.timeout, DefaultTimeout)
	}
}
