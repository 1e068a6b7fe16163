package main

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

var healthEndpoints = map[string]string{
	"health": "/healthz",
	"ready":  "/readyz",
}

func healthcheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running server's health or readiness endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			endpoint, _ := cmd.Flags().GetString("endpoint")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			path, ok := healthEndpoints[endpoint]
			if !ok {
				return fmt.Errorf("invalid endpoint: %s (valid: health, ready)", endpoint)
			}

			u := url.URL{Scheme: "http", Host: addr, Path: path}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u.String(), nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}

			client := &http.Client{Timeout: timeout}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check returned status %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	cmd.Flags().String("addr", "localhost:8080", "server address")
	cmd.Flags().String("endpoint", "ready", "endpoint to probe (health, ready)")
	cmd.Flags().Duration("timeout", 5*time.Second, "request timeout")

	return cmd
}
