package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/nexus/internal/scheduler"
)

// SaveMission upserts a mission and replaces its task graph.
func (s *SQLiteStore) SaveMission(ctx context.Context, m MissionRecord, tasks []scheduler.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO missions (id, objective, branch, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				objective = excluded.objective,
				branch = excluded.branch
		`, m.ID, m.Objective, m.Branch, formatTime(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert mission: %w", err)
		}

		// Dependencies and statuses cascade from tasks.
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE mission_id = ?`, m.ID); err != nil {
			return fmt.Errorf("failed to clear tasks: %w", err)
		}

		for i, t := range tasks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (mission_id, id, position, description, agent_id, expected_output, complexity, review_of)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, m.ID, t.ID, i, t.Description, t.AgentID, t.ExpectedOutput, t.Complexity, t.ReviewOf)
			if err != nil {
				return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
			}
		}

		// Second pass so forward references resolve.
		for _, t := range tasks {
			for j, dep := range t.DependsOn {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO task_dependencies (mission_id, task_id, depends_on_id, position)
					VALUES (?, ?, ?, ?)
				`, m.ID, t.ID, dep, j)
				if err != nil {
					return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, dep, err)
				}
			}
		}
		return nil
	})
}

// FinishMission records a mission's outcome and token totals.
func (s *SQLiteStore) FinishMission(ctx context.Context, missionID string, outcome scheduler.Outcome, errMsg string, usage scheduler.Usage, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE missions
			SET outcome = ?, error = ?, prompt_tokens = ?, completion_tokens = ?, total_tokens = ?, finished_at = ?
			WHERE id = ?
		`, string(outcome), errMsg, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, formatTime(at), missionID)
		if err != nil {
			return fmt.Errorf("failed to finish mission: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("mission %s: %w", missionID, ErrNotFound)
		}
		return nil
	})
}

const missionColumns = `
	m.id, m.objective, m.branch, m.outcome, m.error,
	m.prompt_tokens, m.completion_tokens, m.total_tokens,
	m.created_at, m.finished_at,
	(SELECT COUNT(*) FROM tasks t WHERE t.mission_id = m.id)
`

// GetMission returns a single mission summary.
func (s *SQLiteStore) GetMission(ctx context.Context, missionID string) (*MissionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions m WHERE m.id = ?`, missionID)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %s: %w", missionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMissions returns missions newest first. A limit <= 0 returns all of them.
func (s *SQLiteStore) ListMissions(ctx context.Context, limit int) ([]MissionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+missionColumns+`
		FROM missions m
		ORDER BY m.created_at DESC, m.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query missions: %w", err)
	}
	defer rows.Close()

	var missions []MissionRecord
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, *m)
	}
	return missions, rows.Err()
}

// ListTasks returns a mission's tasks in plan order.
func (s *SQLiteStore) ListTasks(ctx context.Context, missionID string) ([]scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, agent_id, expected_output, complexity, review_of
		FROM tasks
		WHERE mission_id = ?
		ORDER BY position
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []scheduler.Task
	index := make(map[string]int)
	for rows.Next() {
		var t scheduler.Task
		if err := rows.Scan(&t.ID, &t.Description, &t.AgentID, &t.ExpectedOutput, &t.Complexity, &t.ReviewOf); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		index[t.ID] = len(tasks)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	depRows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		WHERE mission_id = ?
		ORDER BY task_id, position
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var taskID, depID string
		if err := depRows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if i, ok := index[taskID]; ok {
			tasks[i].DependsOn = append(tasks[i].DependsOn, depID)
		}
	}
	return tasks, depRows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMission(row scanner) (*MissionRecord, error) {
	var (
		m                 MissionRecord
		outcome           string
		created, finished string
	)
	err := row.Scan(&m.ID, &m.Objective, &m.Branch, &outcome, &m.Error,
		&m.Usage.PromptTokens, &m.Usage.CompletionTokens, &m.Usage.TotalTokens,
		&created, &finished, &m.Tasks)
	if err != nil {
		return nil, err
	}
	m.Outcome = scheduler.Outcome(outcome)
	if m.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("mission %s created_at: %w", m.ID, err)
	}
	if m.FinishedAt, err = parseTime(finished); err != nil {
		return nil, fmt.Errorf("mission %s finished_at: %w", m.ID, err)
	}
	return &m, nil
}
