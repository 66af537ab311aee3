// Package executor orchestrates one analysis model invocation end-to-end:
// registry lookup, output preparation, dynamic plugin load, entry-point
// invocation, contract validation, and metadata enrichment. Execute is total:
// every failure mode is converted into a typed StandardResult and nothing
// escapes its boundary.
package executor

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/seqlab/helix/internal/registry"
	"github.com/seqlab/helix/internal/result"
)

// Request describes one model invocation.
type Request struct {
	ModelID    string
	InputPath  string
	OutputDir  string
	Parameters map[string]any

	// LogWriter, when set, receives each line of plugin stdout/stderr as it
	// is produced.
	LogWriter func(line string)
}

// Executor runs registered models. It holds no per-request state beyond a
// reference to the registry and the plugin loader.
type Executor struct {
	registry *registry.Registry
	loader   *Loader
	logger   *slog.Logger
}

// New creates an Executor over an already-scanned registry.
func New(reg *registry.Registry, loader *Loader, logger *slog.Logger) *Executor {
	return &Executor{
		registry: reg,
		loader:   loader,
		logger:   logger,
	}
}

// Registry returns the catalog the executor resolves models against.
func (e *Executor) Registry() *registry.Registry {
	return e.registry
}

// Execute runs one model invocation and always returns a StandardResult.
// Errors surface as failed results carrying a typed error_type in metadata;
// the caller's context deadline is the only timeout enforced, reported as
// timeout_error on overrun.
func (e *Executor) Execute(ctx context.Context, req Request) (res *result.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during model execution", "model_id", req.ModelID, "panic", r)
			res = result.Errorf(result.ErrTypeExecution, "model execution failed: %v", r)
		}
	}()

	if req.ModelID == "" {
		return result.NewError("model ID is required", result.ErrTypeMissingParameter)
	}
	if req.InputPath == "" {
		return result.NewError("input path is required", result.ErrTypeMissingParameter)
	}
	if req.OutputDir == "" {
		return result.NewError("output directory is required", result.ErrTypeMissingParameter)
	}

	if _, err := os.Stat(req.InputPath); err != nil {
		return result.Errorf(result.ErrTypeFileNotFound, "input file not found: %s", req.InputPath)
	}

	entry, ok := e.registry.Get(req.ModelID)
	if !ok {
		return result.Errorf(result.ErrTypeModelNotFound,
			"model %q not found, available models: %v", req.ModelID, e.registry.IDs())
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return result.Errorf(result.ErrTypeExecution, "create output directory: %v", err)
	}

	start := time.Now()
	raw, err := e.loader.LoadAndRun(ctx, entry, req.InputPath, req.OutputDir, req.Parameters, req.LogWriter)
	executionDuration.WithLabelValues(req.ModelID).Observe(time.Since(start).Seconds())

	if err != nil {
		res = e.failureResult(req.ModelID, err)
		executionsTotal.WithLabelValues(req.ModelID, res.Status).Inc()
		return res
	}

	// Contract validation here is advisory: a mismatch is logged but the
	// model's output is still returned, so a legitimate result is never
	// silently discarded over a contract drift. Construction-time validation
	// in the result package stays strict.
	if verr := result.Validate(raw); verr != nil {
		e.logger.Warn("model result failed contract validation", "model_id", req.ModelID, "error", verr)
	} else {
		e.logger.Debug("model result validation passed", "model_id", req.ModelID)
	}

	rawMap, ok := raw.(map[string]any)
	if !ok {
		res = result.Errorf(result.ErrTypeExecution,
			"model execution failed: model returned %T, expected a result object", raw)
		executionsTotal.WithLabelValues(req.ModelID, res.Status).Inc()
		return res
	}

	res = result.FromRaw(rawMap)
	e.enrich(res, req)
	executionsTotal.WithLabelValues(req.ModelID, res.Status).Inc()
	return res
}

// enrich stamps execution metadata onto the result before the final return.
// The result is never mutated again after this point.
func (e *Executor) enrich(res *result.Result, req Request) {
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata[result.MetaModelID] = req.ModelID
	res.Metadata[result.MetaExecutionTime] = time.Now().UTC().Format(time.RFC3339Nano)
	res.Metadata[result.MetaInputFile] = req.InputPath
	res.Metadata[result.MetaOutputDir] = req.OutputDir
}

// failureResult maps a classified load-and-run failure onto the error
// taxonomy.
func (e *Executor) failureResult(modelID string, err error) *result.Result {
	perr, ok := err.(*PluginError)
	if !ok {
		return result.Errorf(result.ErrTypeExecution, "model execution failed: %v", err)
	}

	switch perr.Kind {
	case KindImport:
		return result.Errorf(result.ErrTypeDependency,
			"missing required libraries for model %q: %s", modelID, perr.Message)
	case KindFileNotFound:
		return result.Errorf(result.ErrTypeFileNotFound,
			"required file not found for model %q: %s", modelID, perr.Message)
	case KindPermission:
		return result.Errorf(result.ErrTypePermission,
			"permission denied during model execution: %s", perr.Message)
	case KindMemory:
		return result.Errorf(result.ErrTypeMemory,
			"out of memory during model %q execution, try smaller data or adjusted parameters", modelID)
	case KindTimeout:
		return result.Errorf(result.ErrTypeTimeout, "model %q execution timed out", modelID)
	case KindAttribute:
		return result.Errorf(result.ErrTypeExecution,
			"model %q entry point is invalid: %s", modelID, perr.Message)
	default:
		return result.Errorf(result.ErrTypeExecution, "model execution failed: %s", perr.Message)
	}
}
