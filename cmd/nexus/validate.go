package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/nexus/internal/planner"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan>",
	Short: "Check a plan file against the agent catalog",
	Long: `Parse a YAML or JSON plan, apply the review gate and validate the
resulting task graph without running anything.

Examples:
  nexus validate plan.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	p := &planner.FilePlanner{
		Path:       args[0],
		Catalog:    cfg.Catalog(),
		ReviewGate: cfg.Planner.ReviewGate,
	}
	dag, err := p.Plan(cmd.Context(), "")
	if err != nil {
		return err
	}
	if _, err := dag.Validate(); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, planTable(dag))
	fmt.Fprintf(out, "%s: %d tasks, valid\n", args[0], dag.Len())
	return nil
}
