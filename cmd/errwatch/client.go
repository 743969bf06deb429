package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/errwatch/internal/http"
)

var reportFlags struct {
	errType     string
	message     string
	stack       string
	stackFile   string
	severity    string
	service     string
	component   string
	environment string
}

// reportCmd posts one error to a running server.
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report an error to an errwatch server",
	Long: `Report one error occurrence to a running errwatch server.

Examples:
  # Report an error
  errwatch report --service api --type TypeError --message "cannot read 'id'"

  # Attach a stack trace from a file
  errwatch report --service api --type panic --message "nil map" --stack-file trace.txt

  # Stack trace from stdin
  cat trace.txt | errwatch report --service api --message boom --stack-file -`,
	RunE: runReport,
}

// healthCmd checks server health.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check errwatch server health",
	Long: `Check the health of a running errwatch server, including its store and
reasoning endpoint.

Examples:
  # Check health
  errwatch health

  # Check health on a different server
  errwatch health --server http://localhost:9292`,
	RunE: runHealth,
}

func init() {
	f := reportCmd.Flags()
	f.StringVar(&reportFlags.errType, "type", "", "error type, e.g. TypeError")
	f.StringVar(&reportFlags.message, "message", "", "error message")
	f.StringVar(&reportFlags.stack, "stack", "", "stack trace")
	f.StringVar(&reportFlags.stackFile, "stack-file", "", "read the stack trace from a file, - for stdin")
	f.StringVar(&reportFlags.severity, "severity", "", "critical, error, warning or info (inferred when empty)")
	f.StringVar(&reportFlags.service, "service", "", "reporting service (required)")
	f.StringVar(&reportFlags.component, "component", "", "component within the service")
	f.StringVar(&reportFlags.environment, "environment", "", "deployment environment")
	_ = reportCmd.MarkFlagRequired("service")
}

func runReport(cmd *cobra.Command, _ []string) error {
	stack := reportFlags.stack
	if reportFlags.stackFile != "" {
		var data []byte
		var err error
		if reportFlags.stackFile == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(reportFlags.stackFile)
		}
		if err != nil {
			return fmt.Errorf("failed to read stack trace: %w", err)
		}
		stack = string(data)
	}
	if reportFlags.errType == "" && reportFlags.message == "" {
		return fmt.Errorf("--type or --message is required")
	}

	reqJSON, err := json.Marshal(httpapi.ReportRequest{
		Type:        reportFlags.errType,
		Message:     reportFlags.message,
		Stack:       stack,
		Severity:    reportFlags.severity,
		Service:     reportFlags.service,
		Component:   reportFlags.component,
		Environment: reportFlags.environment,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/errors", serverURL)
	httpReq, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}

	var out httpapi.ReportResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Error ID:    %s\n", out.ID)
	fmt.Fprintf(w, "Hash:        %s\n", out.ErrorHash)
	fmt.Fprintf(w, "Severity:    %s\n", out.Severity)
	fmt.Fprintf(w, "Occurrences: %d\n", out.OccurrenceCount)
	if out.NeedsAnalysis {
		fmt.Fprintln(w, "Queued for analysis")
	}
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	url := fmt.Sprintf("%s/health", serverURL)

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	var health httpapi.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("server returned status %d: failed to decode response: %w", resp.StatusCode, err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Server Status: %s\n", health.Status)
	fmt.Fprintf(w, "Store:         %s\n", health.Store)
	if health.Gateway != nil {
		fmt.Fprintf(w, "Gateway:       %s", health.Gateway.Status)
		if health.Gateway.Detail != "" {
			fmt.Fprintf(w, " (%s)", health.Gateway.Detail)
		}
		fmt.Fprintln(w)
	}
	if health.Status == httpapi.StatusUnhealthy {
		return fmt.Errorf("server is unhealthy")
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
