package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// The operational commands read and change the shared state directly, so
// they only see other instances when Redis is configured.

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the health of every configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), appConfig, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			return printJSON(cmd.OutOrStdout(), a.monitor.SystemStatus(cmd.Context()))
		},
	}
}

func metricsCmd() *cobra.Command {
	var hours int
	var user string

	cmd := &cobra.Command{
		Use:   "metrics <provider>",
		Short: "Show hourly metrics, circuit state and rate limit for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours <= 0 {
				return fmt.Errorf("--hours must be positive, got %d", hours)
			}

			a, err := newApp(cmd.Context(), appConfig, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.monitor.ProviderMetrics(cmd.Context(), args[0], hours, user)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "hours of history to include")
	cmd.Flags().StringVar(&user, "user", "", "user whose rate limit to report (default: global)")
	return cmd
}

func resetBreakerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-breaker <provider>",
		Short: "Force a provider's circuit breaker closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appConfig, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.monitor.ResetCircuitBreaker(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"provider":        args[0],
				"circuit_breaker": status,
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
