package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seqlab/helix/internal/config"
	"github.com/seqlab/helix/internal/executor"
	"github.com/seqlab/helix/internal/registry"
	"github.com/seqlab/helix/internal/result"
	"github.com/seqlab/helix/internal/task"
)

func newRunCommand() *cobra.Command {
	var (
		inputPath string
		outputDir string
		params    []string
		timeout   time.Duration
		quiet     bool
	)

	cmd := &cobra.Command{
		Use:   "run <model-id>",
		Short: "Run a registered model against a local dataset",
		Long: `Run executes a registered model's entry point against a dataset and prints
the standardized result envelope as JSON. Model output is streamed to stderr
while the run is in progress.

Example:
  helixctl run scvi_model --input counts.csv --param n_latent=20 --param n_epochs=100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := cfg.NewLogger()

			parameters, err := parseParams(params)
			if err != nil {
				return err
			}

			reg, err := registry.Open(logger, cfg.ModelDirs)
			if err != nil {
				return fmt.Errorf("open model registry: %w", err)
			}

			if outputDir == "" {
				outputDir = filepath.Join(cfg.ResultsDir, task.NewID())
			}
			if timeout <= 0 {
				timeout = cfg.Timeout
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			loader := executor.NewLoader(cfg.Interpreter, logger)
			exec := executor.New(reg, loader, logger)

			req := executor.Request{
				ModelID:    args[0],
				InputPath:  inputPath,
				OutputDir:  outputDir,
				Parameters: parameters,
			}
			if !quiet {
				req.LogWriter = func(line string) {
					fmt.Fprintln(os.Stderr, line)
				}
			}

			res := exec.Execute(ctx, req)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Status == result.StatusFailed {
				return fmt.Errorf("model run failed: %v", res.Metadata[result.MetaErrorMessage])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "path to the input dataset (required)")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default: a fresh directory under the results dir)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "model parameter as key=value, repeatable; values parse as JSON when possible")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "execution timeout (default: configured timeout)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress streamed model output")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

// parseParams turns repeated key=value flags into a parameter map. Values are
// decoded as JSON when they parse, so numbers and booleans keep their types;
// anything else stays a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}
