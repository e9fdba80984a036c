package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/plan-lint/pkg/config"
	"github.com/polisai/plan-lint/pkg/domain"
	"github.com/polisai/plan-lint/pkg/loader"
	"github.com/polisai/plan-lint/pkg/policy"
	"github.com/polisai/plan-lint/pkg/report"
	"github.com/polisai/plan-lint/pkg/risk"
	"github.com/polisai/plan-lint/pkg/telemetry"
	"github.com/polisai/plan-lint/pkg/validator"
)

func addValidateFlags(cmd *cobra.Command) {
	cmd.Flags().String("rego", "", "Rego module evaluated instead of the compiled policy (opa engines only)")
	cmd.Flags().StringP("format", "f", string(report.FormatText), "Output format (text, json)")
	cmd.Flags().StringP("output", "o", "", "Write the report to this file instead of stdout")
	cmd.Flags().StringP("engine", "e", string(validator.BackendBuiltin), "Evaluation engine (builtin, opa, opa-embedded)")
	cmd.Flags().String("opa-path", "opa", "Path to the opa executable")
	cmd.Flags().Duration("timeout", 10*time.Second, "Timeout for a single OPA evaluation")
	cmd.Flags().String("metrics-file", "", "Write Prometheus metrics in text format to this file")
}

// validateOptions is the merged view of config file and flags.
type validateOptions struct {
	planPath    string
	policyPath  string
	regoPath    string
	format      report.Format
	outputPath  string
	backend     validator.Backend
	engineSet   bool
	opaPath     string
	timeout     time.Duration
	metricsFile string
}

func parseValidateOptions(cmd *cobra.Command, cfg *config.Config, args []string) (*validateOptions, error) {
	flags := cmd.Flags()
	opts := &validateOptions{
		planPath:   args[0],
		policyPath: cfg.Policy,
		regoPath:   cfg.Rego,
		opaPath:    cfg.Engine.OPAPath,
		timeout:    cfg.Engine.Timeout,
	}

	formatName, _ := flags.GetString("format")
	format, err := report.ParseFormat(formatName)
	if err != nil {
		return nil, err
	}
	opts.format = format
	opts.outputPath, _ = flags.GetString("output")
	opts.metricsFile, _ = flags.GetString("metrics-file")

	if flags.Changed("rego") {
		opts.regoPath, _ = flags.GetString("rego")
	}

	engineName := cfg.Engine.Backend
	if flags.Changed("engine") {
		engineName, _ = flags.GetString("engine")
	}
	opts.engineSet = engineExplicit(flags.Changed("engine"), engineName)
	if opts.backend, err = validator.ParseBackend(engineName); err != nil {
		return nil, err
	}

	if flags.Changed("opa-path") {
		opts.opaPath, _ = flags.GetString("opa-path")
	}
	if flags.Changed("timeout") {
		opts.timeout, _ = flags.GetDuration("timeout")
	}

	if opts.policyPath == "" {
		return nil, fmt.Errorf("a policy is required: use --policy or set policy in the config file")
	}
	return opts, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	opts, err := parseValidateOptions(cmd, cfg, args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	defer setupTracing(ctx, cfg)()

	doc, err := loader.LoadPolicy(opts.policyPath)
	if err != nil {
		return err
	}
	if opts.regoPath != "" {
		if doc.Rego, err = readRego(opts.regoPath); err != nil {
			return err
		}
	}
	opts.backend = backendFor(opts.backend, opts.engineSet, doc.IsRego())

	var metrics *telemetry.Metrics
	if opts.metricsFile != "" {
		metrics = telemetry.NewMetrics()
	}

	v, err := validator.New(validator.Options{
		Backend:    opts.backend,
		RegoSource: doc.Rego,
		OPAPath:    opts.opaPath,
		Timeout:    opts.timeout,
		Logger:     slog.Default(),
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	var result domain.ValidationResult
	plan, err := loader.LoadPlan(opts.planPath)
	if err != nil {
		slog.Debug("Plan could not be loaded", "path", opts.planPath, "error", err)
		result = risk.Result([]domain.Finding{domain.PlanFinding(domain.KindSchemaInvalid, err.Error())}, doc.Policy)
	} else {
		result = v.Validate(ctx, plan, doc.Policy)
	}

	if err := writeReport(cmd.OutOrStdout(), opts, result); err != nil {
		return err
	}

	if metrics != nil {
		if err := metrics.WriteTextfile(opts.metricsFile); err != nil {
			return err
		}
	}

	if !result.Passed() {
		return errPlanRejected
	}
	return nil
}

func writeReport(stdout io.Writer, opts *validateOptions, result domain.ValidationResult) error {
	if opts.outputPath == "" {
		return report.Write(stdout, opts.format, result)
	}

	f, err := os.Create(opts.outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := report.Write(f, opts.format, result); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// engineExplicit reports whether the operator chose an engine, either by
// flag or by naming a non-default backend in the config.
func engineExplicit(flagSet bool, name string) bool {
	return flagSet || (name != "" && name != string(validator.BackendBuiltin))
}

// backendFor defaults Rego policies to the external OPA engine, the way
// structured policies default to the rule engine. An explicit choice is
// kept.
func backendFor(backend validator.Backend, explicit, rego bool) validator.Backend {
	if rego && !explicit {
		return validator.BackendOPA
	}
	return backend
}

func readRego(path string) (string, error) {
	// #nosec G304 -- Rego path is supplied by the operator
	source, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read rego policy: %w", err)
	}
	if !policy.IsRegoSource(string(source)) {
		return "", fmt.Errorf("%s is not a Rego module", path)
	}
	return string(source), nil
}
