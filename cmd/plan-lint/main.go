// Package main is the entry point for the plan-lint binary.
// It validates agent plans against a policy before they run.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/plan-lint/pkg/config"
	"github.com/polisai/plan-lint/pkg/logging"
	"github.com/polisai/plan-lint/pkg/telemetry"
)

// errPlanRejected signals a completed validation with status ERROR. It maps
// to exit status 1 without an error message.
var errPlanRejected = errors.New("plan rejected")

func main() {
	os.Exit(execute(context.Background(), newRootCmd(), os.Args[1:]))
}

func execute(ctx context.Context, cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errPlanRejected) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// newRootCmd creates the root command for plan-lint
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plan-lint PLAN",
		Short: "Static analysis for agent execution plans",
		Long: `Validate a JSON plan of tool invocations against a policy before it runs.

The policy is a YAML or JSON document (allowed tools, argument bounds,
secret patterns, step limits, risk weights) or a Rego module evaluated by
Open Policy Agent. The command exits with status 1 when the plan fails.

Example:
  plan-lint plan.json --policy policy.yaml
  plan-lint plan.json --policy policy.yaml --engine opa --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runValidate,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", config.Default().Logging.Level, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("policy", "p", "", "Path to the policy file (YAML, JSON or Rego)")

	addValidateFlags(rootCmd)

	rootCmd.AddCommand(newCompileCmd(), newServeCmd())
	return rootCmd
}

func setupLogging(cmd *cobra.Command, cfg config.LoggingConfig) {
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Level,
		Pretty: cfg.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)
}

// loadConfig reads --config, applies the flags shared by every command and
// installs the logger. Flags win over the environment, which wins over the
// file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("policy") {
		cfg.Policy, _ = cmd.Flags().GetString("policy")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	setupLogging(cmd, cfg.Logging)
	return cfg, nil
}

// setupTracing installs the OTLP exporter when an endpoint is configured.
func setupTracing(ctx context.Context, cfg *config.Config) func() {
	shutdown, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("Tracing disabled", "error", err)
		return func() {}
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}
}
