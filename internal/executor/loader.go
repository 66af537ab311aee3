package executor

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/seqlab/helix/internal/registry"
)

// DefaultInterpreter runs plugins whose config does not declare
// interface.runtime.
const DefaultInterpreter = "python3"

// stderrTailLines bounds how much captured stderr is folded into error
// messages when a plugin dies without leaving a reply.
const stderrTailLines = 20

//go:embed bootstrap.py
var bootstrapSource string

// Plugin failure kinds reported by the bootstrap's reply envelope or
// synthesized host-side. The executor maps these onto the result-contract
// error taxonomy.
const (
	KindImport       = "import_error"
	KindAttribute    = "attribute_error"
	KindFileNotFound = "file_not_found"
	KindPermission   = "permission_error"
	KindMemory       = "memory_error"
	KindTimeout      = "timeout"
	KindExecution    = "execution_error"
)

// PluginError is a classified load-and-run failure.
type PluginError struct {
	Kind    string
	Message string
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s", e.Kind, e.Message)
}

// invokeRequest is the JSON payload sent to the bootstrap on stdin.
type invokeRequest struct {
	InputPath  string         `json:"input_path"`
	OutputDir  string         `json:"output_dir"`
	Parameters map[string]any `json:"parameters"`
}

// replyEnvelope is the JSON document the bootstrap writes to the reply file.
type replyEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *replyError     `json:"error"`
}

type replyError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Loader runs a plugin's entry point in a child interpreter. It owns the
// process-wide plugin import search path, exported to the child as PYTHONPATH
// so a plugin can import sibling files colocated with it.
//
// The mutate-path / run / restore-path sequence is a critical section on
// shared state: it is serialized with l.mu so one request's cleanup can never
// remove an entry another in-flight load still depends on, and no plugin can
// resolve local imports another plugin declared.
type Loader struct {
	mu          sync.Mutex
	runner      Runner
	interpreter string
	searchPath  []string
	logger      *slog.Logger
}

// NewLoader creates a Loader using the os/exec runner. interpreter may be
// empty, meaning DefaultInterpreter. The search path is seeded from the
// current PYTHONPATH so plugins keep whatever the deployment already exposes.
func NewLoader(interpreter string, logger *slog.Logger) *Loader {
	return NewLoaderWithRunner(interpreter, logger, execRunner{})
}

// NewLoaderWithRunner creates a Loader with a custom Runner. Used by tests.
func NewLoaderWithRunner(interpreter string, logger *slog.Logger, runner Runner) *Loader {
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	var seed []string
	if env := os.Getenv("PYTHONPATH"); env != "" {
		seed = strings.Split(env, string(os.PathListSeparator))
	}
	return &Loader{
		runner:      runner,
		interpreter: interpreter,
		searchPath:  seed,
		logger:      logger,
	}
}

// SearchPath returns a snapshot of the current plugin import search path.
func (l *Loader) SearchPath() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.searchPath)
}

// LoadAndRun resolves the entry-point function from the model's config, merges
// default and caller parameters (caller wins per key, shallow merge only),
// invokes the plugin, and returns its decoded return value as-is. The shape of
// the return value is not enforced here.
//
// The plugin's directory is prepended to the search path for the duration of
// the call and removed before returning, regardless of success, failure, or
// panic.
func (l *Loader) LoadAndRun(ctx context.Context, entry *registry.Entry, inputPath, outputDir string, params map[string]any, logLine func(string)) (any, error) {
	function := entry.Config.EntryFunction()
	merged := mergeParameters(entry.Config.DefaultParameters(), params)

	stdin, err := json.Marshal(invokeRequest{
		InputPath:  inputPath,
		OutputDir:  outputDir,
		Parameters: merged,
	})
	if err != nil {
		return nil, fmt.Errorf("encode invoke request: %w", err)
	}

	reply, err := os.CreateTemp("", "helix-reply-*.json")
	if err != nil {
		return nil, fmt.Errorf("create reply file: %w", err)
	}
	replyPath := reply.Name()
	reply.Close()
	defer os.Remove(replyPath)

	interpreter := entry.Config.Interface.Runtime
	if interpreter == "" {
		interpreter = l.interpreter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pushPath(entry.Dir)
	defer l.popPath(entry.Dir)

	stderrTail := newTailRecorder(stderrTailLines)
	stdout := newLineWriter(logLine)
	stderr := newLineWriter(func(line string) {
		stderrTail.add(line)
		if logLine != nil {
			logLine(line)
		}
	})

	runErr := l.runner.Run(ctx, Command{
		Path:   interpreter,
		Args:   []string{"-c", bootstrapSource, entry.EntryPointPath, function, replyPath},
		Env:    append(os.Environ(), "PYTHONPATH="+strings.Join(l.searchPath, string(os.PathListSeparator))),
		Stdin:  bytes.NewReader(stdin),
		Stdout: stdout,
		Stderr: stderr,
	})
	stdout.Flush()
	stderr.Flush()

	// A well-formed reply is authoritative even if the child also errored.
	if raw, ok := l.readReply(replyPath); ok {
		if raw.Error != nil {
			return nil, &PluginError{Kind: raw.Error.Kind, Message: raw.Error.Message}
		}
		var value any
		if len(raw.Result) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(raw.Result, &value); err != nil {
			return nil, &PluginError{Kind: KindExecution, Message: fmt.Sprintf("decode plugin result: %v", err)}
		}
		return value, nil
	}

	return nil, l.classifyHostError(ctx, runErr, stderrTail.String())
}

// readReply parses the bootstrap's reply envelope. A missing or malformed
// reply means the child never reached the reply step.
func (l *Loader) readReply(path string) (*replyEnvelope, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	var env replyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.logger.Warn("malformed plugin reply", "error", err)
		return nil, false
	}
	if !env.OK && env.Error == nil {
		return nil, false
	}
	return &env, true
}

// classifyHostError maps a child-process failure without a reply envelope
// onto a plugin failure kind.
func (l *Loader) classifyHostError(ctx context.Context, runErr error, stderrTail string) *PluginError {
	if ctx.Err() == context.DeadlineExceeded {
		return &PluginError{Kind: KindTimeout, Message: "execution deadline exceeded"}
	}

	switch {
	case runErr == nil:
		return &PluginError{Kind: KindExecution, Message: "plugin exited without producing a reply"}
	case errors.Is(runErr, exec.ErrNotFound):
		return &PluginError{Kind: KindImport, Message: fmt.Sprintf("interpreter not found: %v", runErr)}
	case errors.Is(runErr, fs.ErrPermission):
		return &PluginError{Kind: KindPermission, Message: runErr.Error()}
	case errors.Is(runErr, fs.ErrNotExist):
		return &PluginError{Kind: KindFileNotFound, Message: runErr.Error()}
	}

	msg := runErr.Error()
	if stderrTail != "" {
		msg = fmt.Sprintf("%s: %s", msg, stderrTail)
	}
	return &PluginError{Kind: KindExecution, Message: msg}
}

// pushPath prepends dir to the search path unless already present.
// Callers must hold l.mu.
func (l *Loader) pushPath(dir string) {
	if slices.Contains(l.searchPath, dir) {
		return
	}
	l.searchPath = append([]string{dir}, l.searchPath...)
}

// popPath removes the first occurrence of dir from the search path.
// Callers must hold l.mu.
func (l *Loader) popPath(dir string) {
	if i := slices.Index(l.searchPath, dir); i >= 0 {
		l.searchPath = slices.Delete(l.searchPath, i, i+1)
	}
}

// mergeParameters overlays caller parameters on config defaults. The caller
// wins on conflict. Shallow: nested mappings are replaced, not merged.
func mergeParameters(defaults, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(overrides))
	maps.Copy(merged, defaults)
	maps.Copy(merged, overrides)
	return merged
}
