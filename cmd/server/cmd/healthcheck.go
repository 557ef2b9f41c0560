package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	healthcheckCmd = &cobra.Command{
		Use:   "healthcheck",
		Short: "Check if the server is healthy",
		Long: `Performs a health check by calling the /health endpoint.

This command is used by container HEALTHCHECK probes. It exits with code 0
when the server reports healthy or degraded, non-zero otherwise.`,
		Args: cobra.NoArgs,
		RunE: runHealthcheck,
	}

	healthcheckTimeout time.Duration
	healthcheckURL     string
)

func init() {
	healthcheckCmd.Flags().DurationVar(&healthcheckTimeout, "timeout", 5*time.Second, "request timeout")
	healthcheckCmd.Flags().StringVar(&healthcheckURL, "url", "", "health check URL (default: http://localhost:{SERVER_PORT}/health)")
}

// healthReport is the subset of the /health body the probe looks at.
type healthReport struct {
	Status string                     `json:"status"`
	Checks map[string]json.RawMessage `json:"checks,omitempty"`
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	url := healthcheckURL
	if url == "" {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		url = fmt.Sprintf("http://localhost:%s/health", port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthcheckTimeout)
	defer cancel()

	status, err := performHealthCheck(ctx, http.DefaultClient, url)
	if err != nil {
		return err
	}
	if status == "degraded" {
		fmt.Fprintln(cmd.ErrOrStderr(), "server is degraded")
	}
	fmt.Fprintln(cmd.OutOrStdout(), status)
	return nil
}

// performHealthCheck returns the reported status when the server is healthy
// or degraded, and an error for anything else.
func performHealthCheck(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var report healthReport
	decodeErr := json.NewDecoder(resp.Body).Decode(&report)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && report.Status != "" {
			return report.Status, fmt.Errorf("unhealthy: status %d (%s)", resp.StatusCode, report.Status)
		}
		return "", fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("invalid health response: %w", decodeErr)
	}

	switch report.Status {
	case "healthy", "degraded":
		return report.Status, nil
	default:
		return report.Status, fmt.Errorf("unhealthy: status=%s", report.Status)
	}
}
