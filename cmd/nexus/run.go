package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/nexus/internal/api"
	"github.com/aristath/nexus/internal/orchestrator"
	"github.com/aristath/nexus/internal/scheduler"
	"github.com/aristath/nexus/internal/tui"
)

var (
	runPlanFile string
	runOpenPR   bool
	runHeadless bool
	runServe    bool
	runYes      bool
)

func init() {
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "read the task graph from a YAML or JSON plan instead of asking the planner agent")
	runCmd.Flags().BoolVar(&runOpenPR, "open-pr", false, "open a pull request when the mission succeeds")
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "run without the terminal UI and without prompts")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "serve the HTTP API while the mission runs")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "execute the plan without confirmation")
}

var runCmd = &cobra.Command{
	Use:   "run [objective]",
	Short: "Plan and execute a mission",
	Long: `Plan an objective into a task graph and execute it.

Examples:
  # Plan with the planner agent and watch the mission in the terminal UI
  nexus run "add retries to the HTTP client"

  # Execute a prepared plan without the UI and open a pull request
  nexus run --plan plan.yaml --headless --open-pr "add retries"`,
	RunE: runMission,
}

func runMission(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	objective := strings.TrimSpace(strings.Join(args, " "))
	if objective == "" {
		if runHeadless {
			return errors.New("an objective is required in headless mode")
		}
		if err := promptObjective(&objective); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, !runHeadless)
	if err != nil {
		return err
	}
	defer a.close()
	a.startSinks(ctx)

	pub, err := a.newPublisher(ctx)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	pl, err := a.newPlanner(runPlanFile)
	if err != nil {
		return err
	}
	runner := orchestrator.NewRunner(orchestrator.RunnerConfig{
		Runtime:               a.runtime,
		Publisher:             pub,
		Bus:                   a.bus,
		Logger:                a.log,
		MaxRevisionIterations: a.cfg.Revision.MaxIterations,
		BranchPrefix:          a.cfg.VCS.BranchPrefix,
	})
	ctrl := orchestrator.NewController(runner, pl, a.log)

	if runServe {
		srv, err := api.NewServer(api.Config{
			Addr:     a.cfg.Server.Addr,
			Control:  ctrl,
			History:  historyOrNil(a),
			Gatherer: a.registry,
			Logger:   a.log,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(); err != nil {
				a.log.Error("http server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(cmd.ErrOrStderr(), "Serving API on http://%s\n", a.cfg.Server.Addr)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Planning: %s\n", objective)
	m, err := ctrl.Plan(ctx, objective)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, planTable(m.Graph))

	if !runHeadless && !runYes {
		confirmed := true
		if err := huh.NewConfirm().
			Title(fmt.Sprintf("Execute %d tasks?", m.Graph.Len())).
			Affirmative("Run").
			Negative("Cancel").
			Value(&confirmed).
			Run(); err != nil {
			return err
		}
		if !confirmed {
			fmt.Fprintln(out, "Mission not started.")
			return nil
		}
	}

	var outcome scheduler.Outcome
	if runHeadless {
		outcome, err = ctrl.Execute(ctx)
	} else {
		outcome, err = executeWithUI(ctx, a, ctrl, m)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, recordsTable(m.Registry.Snapshot().Records))
	usage := m.Registry.TotalUsage()
	fmt.Fprintf(out, "Mission %s (%s). Tokens: %d prompt, %d completion, %d total\n",
		outcome, m.ID, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	if b := m.Branch(); b != "" {
		fmt.Fprintf(out, "Branch: %s\n", b)
	}

	if outcome != scheduler.OutcomeSuccess {
		return fmt.Errorf("mission %s", outcome)
	}
	if runOpenPR {
		ref, err := ctrl.OpenPullRequest(ctx)
		if err != nil {
			return fmt.Errorf("open pull request: %w", err)
		}
		fmt.Fprintf(out, "Pull request #%d: %s\n", ref.Number, ref.URL)
	}
	return nil
}

// executeWithUI runs the mission while the terminal UI shows its events.
// Quitting the UI cancels an unfinished mission.
func executeWithUI(ctx context.Context, a *app, ctrl *orchestrator.Controller, m *orchestrator.Mission) (scheduler.Outcome, error) {
	sub := a.bus.SubscribeAll(4096)
	model := tui.New(sub, m.Cancel, a.cfg, a.globalPath, a.projectPath)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	type result struct {
		outcome scheduler.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := ctrl.Execute(ctx)
		done <- result{outcome, err}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		m.Cancel()
		<-done
		return "", fmt.Errorf("terminal UI: %w", err)
	}
	// The UI may be closed before the mission ends; cancel and wait.
	m.Cancel()
	res := <-done
	return res.outcome, res.err
}

func promptObjective(objective *string) error {
	return huh.NewInput().
		Title("Objective").
		Description("What should the agents accomplish?").
		Value(objective).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("objective cannot be empty")
			}
			return nil
		}).
		Run()
}

func historyOrNil(a *app) api.History {
	if a.store == nil {
		return nil
	}
	return a.store
}
