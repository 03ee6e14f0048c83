package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/econcrawl/internal/server"
)

func newProbeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe <source-id>",
		Short: "Tests connectivity to one data source",
		Long: `Fetches the source's probe target once, outside the queue, and prints
the outcome. The source's rate limit still applies.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline for the probe")
	return cmd
}

func runProbe(cmd *cobra.Command, sourceID string, timeout time.Duration) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	app, err := server.Build(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			e.logger.Warn("close failed", zap.Error(cerr))
		}
	}()

	outcome, err := app.Control().TestDataSourceConnection(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("probe %s: %w", sourceID, err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	if !outcome.Success {
		return fmt.Errorf("probe %s failed: %s", sourceID, outcome.Error)
	}
	return nil
}
