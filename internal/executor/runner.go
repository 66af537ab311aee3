package executor

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Command describes one child interpreter invocation.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner runs commands. The production implementation uses os/exec; tests
// substitute a fake so no interpreter is needed.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// execRunner is the os/exec-backed Runner.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	return cmd.Run()
}

// lineWriter splits a byte stream into lines and hands each to emit. It is
// used to stream plugin stdout/stderr to log subscribers while execution is
// in flight. Safe for the concurrent writes os/exec performs.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(line string)
}

func newLineWriter(emit func(string)) *lineWriter {
	if emit == nil {
		emit = func(string) {}
	}
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line stays buffered until more bytes or Flush.
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\n"))
	}
	return len(p), nil
}

// Flush emits any buffered partial line. Called once after the child exits.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(strings.TrimRight(w.buf.String(), "\n"))
		w.buf.Reset()
	}
}

// tailRecorder keeps the last few lines written through it, for inclusion in
// error messages when a plugin dies without leaving a reply.
type tailRecorder struct {
	mu    sync.Mutex
	lines []string
	limit int
}

func newTailRecorder(limit int) *tailRecorder {
	return &tailRecorder{limit: limit}
}

func (r *tailRecorder) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, line)
	if len(r.lines) > r.limit {
		r.lines = r.lines[len(r.lines)-r.limit:]
	}
}

func (r *tailRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}
