package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/errwatch/internal/logging"
)

// analyzeCmd runs one analysis batch in-process.
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run one analysis batch against the configured store",
	Long: `Select pending error reports from the configured store, analyze them
through the reasoning endpoint and act on the results, then exit. The batch
summary is printed as JSON.

Examples:
  # Analyze once with a config file
  errwatch analyze --config errwatch.yaml`,
	RunE: runAnalyze,
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logging.Sync(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	res, err := a.worker.RunBatch(ctx)
	if err != nil {
		return fmt.Errorf("analysis batch: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
