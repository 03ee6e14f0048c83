package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Lists the configured data sources",
		RunE:  runSources,
	}
}

func runSources(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	sources, err := e.cfg.DataSources()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tPRIORITY\tRATE/MIN\tRETRIES\tTIMEOUT\tTARGETS")
	for _, src := range sources {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%d\t%ds\t%s\n",
			src.ID, src.Name, src.Enabled, src.Priority, src.RateLimit,
			src.RetryAttempts, src.TimeoutSeconds, strings.Join(src.Targets, ","))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write sources: %w", err)
	}
	return nil
}
