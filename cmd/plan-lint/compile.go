package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/plan-lint/pkg/loader"
	"github.com/polisai/plan-lint/pkg/policy"
)

func newCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Print the Rego module equivalent to a structured policy",
		Long: `Compile a YAML or JSON policy into the Rego module the opa engines
evaluate. The output is deterministic and can be checked into version control
or loaded into an OPA server under data.planlint.`,
		Args: cobra.NoArgs,
		RunE: runCompile,
	}
	cmd.Flags().StringP("output", "o", "", "Write the module to this file instead of stdout")
	return cmd
}

func runCompile(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Policy == "" {
		return fmt.Errorf("a policy is required: use --policy or set policy in the config file")
	}

	doc, err := loader.LoadPolicy(cfg.Policy)
	if err != nil {
		return err
	}
	if doc.IsRego() {
		return fmt.Errorf("%s is already a Rego module", cfg.Policy)
	}

	source := policy.Compile(doc.Policy)
	if _, err := policy.ParseModule("compiled.rego", source); err != nil {
		return fmt.Errorf("compiled policy does not parse: %w", err)
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		_, err := io.WriteString(cmd.OutOrStdout(), source)
		return err
	}
	if err := os.WriteFile(output, []byte(source), 0o600); err != nil {
		return fmt.Errorf("write compiled policy: %w", err)
	}
	return nil
}
