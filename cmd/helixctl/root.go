package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "helixctl",
		Short: "Run and inspect analysis models from the command line",
		Long: `helixctl works directly against a model registry on disk, without the
helix server. It lists registered models and runs them against local datasets,
printing the standardized result envelope as JSON.`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newModelsCommand())
	rootCmd.AddCommand(newRunCommand())

	return rootCmd
}
