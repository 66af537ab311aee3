package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seqlab/helix/internal/config"
	"github.com/seqlab/helix/internal/registry"
)

func newModelsCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List registered analysis models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			reg := registry.Scan(logger, cfg.ModelDirs)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reg.List())
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tVERSION\tENTRY FUNCTION")
			for _, entry := range reg.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					entry.ID, entry.Config.Name, entry.Config.Version, entry.Config.EntryFunction())
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output the catalog as JSON")

	return cmd
}
