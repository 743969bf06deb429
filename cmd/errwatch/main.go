// Errwatch captures runtime errors from services, escalates recurring ones
// to a reasoning endpoint for root-cause analysis and acts on the result.
//
// Usage:
//
//	# Run the ingest API and analysis worker
//	errwatch serve --config /etc/errwatch/errwatch.yaml
//
//	# Report an error to a running server
//	errwatch report --service api --type TypeError --message "boom"
//
//	# Run one analysis batch in-process
//	errwatch analyze --config errwatch.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/errwatch/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath is the YAML config file; empty uses defaults and env only.
	configPath string
	// serverURL is the base URL of a running errwatch server.
	serverURL string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "errwatch",
	Short: "Error capture, analysis and remediation",
	Long: `errwatch ingests runtime errors from distributed services, deduplicates
them, sends recurring severe errors to a reasoning endpoint for root-cause
analysis and, depending on confidence, logs the finding, opens a ticket or
prepares a remediation branch with a draft review request.`,
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("ERRWATCH_CONFIG"), "path to errwatch YAML config")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9191", "errwatch server URL")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(analyzeCmd)
}

// loadConfig loads the file named by --config, then environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
