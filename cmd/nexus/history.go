package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/nexus/internal/persistence"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of missions to list")
}

var historyCmd = &cobra.Command{
	Use:   "history [mission-id]",
	Short: "List past missions or show one in detail",
	Long: `List missions recorded in the mission store, newest first, or show the
tasks, review feedback and publications of a single mission.

Examples:
  nexus history
  nexus history 3f2a9c41-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Path == "" {
		return errors.New("no mission store configured (store.path)")
	}
	ctx := cmd.Context()
	store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		missions, err := store.ListMissions(ctx, historyLimit)
		if err != nil {
			return err
		}
		if len(missions) == 0 {
			fmt.Fprintln(out, "No missions recorded.")
			return nil
		}
		fmt.Fprintln(out, missionsTable(missions))
		return nil
	}

	id := args[0]
	m, err := store.GetMission(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Mission:   %s\nObjective: %s\n", m.ID, m.Objective)
	if m.Branch != "" {
		fmt.Fprintf(out, "Branch:    %s\n", m.Branch)
	}
	if m.Outcome != "" {
		fmt.Fprintf(out, "Outcome:   %s\n", m.Outcome)
	}
	if m.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", m.Error)
	}
	fmt.Fprintf(out, "Tokens:    %d\n\n", m.Usage.TotalTokens)

	records, err := store.ListStatuses(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, recordsTable(records))

	feedback, err := store.ListFeedback(ctx, id, "")
	if err != nil {
		return err
	}
	if len(feedback) > 0 {
		fmt.Fprintln(out, "\nReview feedback:")
		for _, f := range feedback {
			fmt.Fprintf(out, "  %s -> %s [%s, iteration %d]: %s\n", f.ReviewerID, f.WriterID, f.Result, f.Iteration, firstLine(f.Feedback))
		}
	}

	pubs, err := store.ListPublications(ctx, id)
	if err != nil {
		return err
	}
	if len(pubs) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, publicationsTable(pubs))
	}
	return nil
}
