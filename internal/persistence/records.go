package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/nexus/internal/scheduler"
)

// SaveStatus upserts the latest status record of a task. Streaming content
// and feedback history are not stored here; feedback lives in its own table.
func (s *SQLiteStore) SaveStatus(ctx context.Context, missionID string, rec scheduler.StatusRecord) error {
	var output []byte
	if rec.Result != nil {
		var err error
		if output, err = json.Marshal(rec.Result); err != nil {
			return fmt.Errorf("failed to encode output of %s: %w", rec.TaskID, err)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO status_records (
				mission_id, task_id, agent_id, status, iteration, attempt, error, output,
				prompt_tokens, completion_tokens, total_tokens, started_at, finished_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(mission_id, task_id) DO UPDATE SET
				agent_id = excluded.agent_id,
				status = excluded.status,
				iteration = excluded.iteration,
				attempt = excluded.attempt,
				error = excluded.error,
				output = excluded.output,
				prompt_tokens = excluded.prompt_tokens,
				completion_tokens = excluded.completion_tokens,
				total_tokens = excluded.total_tokens,
				started_at = excluded.started_at,
				finished_at = excluded.finished_at,
				updated_at = excluded.updated_at
		`, missionID, rec.TaskID, rec.AgentID, rec.Status.String(), rec.Iteration, rec.Attempt, rec.Error, string(output),
			rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Usage.TotalTokens,
			formatTime(rec.StartedAt), formatTime(rec.FinishedAt), formatTime(rec.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert status of %s: %w", rec.TaskID, err)
		}
		return nil
	})
}

// ListStatuses returns the stored records of a mission in plan order.
func (s *SQLiteStore) ListStatuses(ctx context.Context, missionID string) ([]scheduler.StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.task_id, s.agent_id, s.status, s.iteration, s.attempt, s.error, s.output,
			s.prompt_tokens, s.completion_tokens, s.total_tokens,
			s.started_at, s.finished_at, s.updated_at
		FROM status_records s
		JOIN tasks t ON t.mission_id = s.mission_id AND t.id = s.task_id
		WHERE s.mission_id = ?
		ORDER BY t.position
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query statuses: %w", err)
	}
	defer rows.Close()

	var records []scheduler.StatusRecord
	for rows.Next() {
		var (
			rec                        scheduler.StatusRecord
			status, output             string
			started, finished, updated string
		)
		err := rows.Scan(&rec.TaskID, &rec.AgentID, &status, &rec.Iteration, &rec.Attempt, &rec.Error, &output,
			&rec.Usage.PromptTokens, &rec.Usage.CompletionTokens, &rec.Usage.TotalTokens,
			&started, &finished, &updated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		if rec.Status, err = scheduler.ParseStatus(status); err != nil {
			return nil, err
		}
		if output != "" {
			rec.Result = &scheduler.TaskOutput{}
			if err := json.Unmarshal([]byte(output), rec.Result); err != nil {
				return nil, fmt.Errorf("failed to decode output of %s: %w", rec.TaskID, err)
			}
		}
		if rec.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if rec.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendFeedback stores one reviewer verdict.
func (s *SQLiteStore) AppendFeedback(ctx context.Context, missionID string, e FeedbackEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO feedback (mission_id, writer_id, reviewer_id, result, iteration, feedback, severity, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, missionID, e.WriterID, e.ReviewerID, e.Result, e.Iteration, e.Feedback, string(e.Severity), formatTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert feedback for %s: %w", e.WriterID, err)
		}
		return nil
	})
}

// ListFeedback returns verdicts in the order they were given. An empty
// writerID returns every writer's feedback.
func (s *SQLiteStore) ListFeedback(ctx context.Context, missionID, writerID string) ([]FeedbackEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT writer_id, reviewer_id, result, iteration, feedback, severity, created_at
		FROM feedback
		WHERE mission_id = ? AND (? = '' OR writer_id = ?)
		ORDER BY id
	`, missionID, writerID, writerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var entries []FeedbackEntry
	for rows.Next() {
		var (
			e                 FeedbackEntry
			severity, created string
		)
		if err := rows.Scan(&e.WriterID, &e.ReviewerID, &e.Result, &e.Iteration, &e.Feedback, &severity, &created); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		e.Severity = scheduler.Severity(severity)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordPublication stores a publisher side effect. A branch publication also
// sets the mission's branch.
func (s *SQLiteStore) RecordPublication(ctx context.Context, missionID string, p Publication) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO publications (mission_id, kind, task_id, branch, ref, url, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, missionID, p.Kind, p.TaskID, p.Branch, p.Ref, p.URL, p.Error, formatTime(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert publication: %w", err)
		}
		if p.Branch != "" && p.Error == "" {
			if _, err := tx.ExecContext(ctx, `UPDATE missions SET branch = ? WHERE id = ?`, p.Branch, missionID); err != nil {
				return fmt.Errorf("failed to update mission branch: %w", err)
			}
		}
		return nil
	})
}

// ListPublications returns a mission's publisher history in order.
func (s *SQLiteStore) ListPublications(ctx context.Context, missionID string) ([]Publication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, task_id, branch, ref, url, error, created_at
		FROM publications
		WHERE mission_id = ?
		ORDER BY id
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query publications: %w", err)
	}
	defer rows.Close()

	var pubs []Publication
	for rows.Next() {
		var (
			p       Publication
			created string
		)
		if err := rows.Scan(&p.Kind, &p.TaskID, &p.Branch, &p.Ref, &p.URL, &p.Error, &created); err != nil {
			return nil, fmt.Errorf("failed to scan publication: %w", err)
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	return pubs, rows.Err()
}
