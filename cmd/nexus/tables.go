package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/nexus/internal/persistence"
	"github.com/aristath/nexus/internal/scheduler"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

// planTable lists a validated graph in scheduling order.
func planTable(dag *scheduler.DAG) string {
	t := newTable("TASK", "AGENT", "ROLE", "DEPENDS ON", "DESCRIPTION")
	for _, id := range dag.Order() {
		task, _ := dag.Get(id)
		role := ""
		if a, ok := dag.Agent(task.AgentID); ok {
			role = string(a.Role)
		}
		deps := strings.Join(task.DependsOn, ", ")
		if task.ReviewOf != "" {
			role += " of " + task.ReviewOf
		}
		t.Row(id, task.AgentID, role, deps, truncate(firstLine(task.Description), 60))
	}
	return t.String()
}

// recordsTable shows the final state of every task.
func recordsTable(records []scheduler.StatusRecord) string {
	t := newTable("TASK", "AGENT", "STATUS", "REVISIONS", "TOKENS", "ERROR")
	for _, r := range records {
		t.Row(r.TaskID, r.AgentID, r.Status.String(), fmt.Sprint(r.Iteration), fmt.Sprint(r.Usage.TotalTokens), truncate(r.Error, 60))
	}
	return t.String()
}

func missionsTable(missions []persistence.MissionRecord) string {
	t := newTable("ID", "CREATED", "OUTCOME", "TASKS", "TOKENS", "OBJECTIVE")
	for _, m := range missions {
		outcome := string(m.Outcome)
		if outcome == "" {
			outcome = "unfinished"
		}
		t.Row(shortID(m.ID), m.CreatedAt.Local().Format(time.DateTime), outcome, fmt.Sprint(m.Tasks), fmt.Sprint(m.Usage.TotalTokens), truncate(m.Objective, 60))
	}
	return t.String()
}

func publicationsTable(pubs []persistence.Publication) string {
	t := newTable("KIND", "TASK", "REF", "RESULT")
	for _, p := range pubs {
		result := "ok"
		if p.Error != "" {
			result = truncate(p.Error, 60)
		}
		ref := p.Ref
		if p.URL != "" {
			ref = p.URL
		}
		t.Row(p.Kind, p.TaskID, ref, result)
	}
	return t.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
