package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/nexus/internal/scheduler"
)

// ErrNotFound is returned when a mission does not exist.
var ErrNotFound = errors.New("not found")

// MissionRecord summarises a stored mission.
type MissionRecord struct {
	ID         string            `json:"id"`
	Objective  string            `json:"objective"`
	Branch     string            `json:"branch,omitempty"`
	Outcome    scheduler.Outcome `json:"outcome,omitempty"`
	Error      string            `json:"error,omitempty"`
	Usage      scheduler.Usage   `json:"usage"`
	Tasks      int               `json:"tasks"`
	CreatedAt  time.Time         `json:"createdAt"`
	FinishedAt time.Time         `json:"finishedAt,omitempty"`
}

// FeedbackEntry is one reviewer verdict on a writer.
type FeedbackEntry struct {
	WriterID   string             `json:"writerId"`
	ReviewerID string             `json:"reviewerId"`
	Result     string             `json:"result"`
	Iteration  int                `json:"iteration"`
	Feedback   string             `json:"feedback"`
	Severity   scheduler.Severity `json:"severity,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// Publication is one publisher side effect: a branch, commit or review request.
type Publication struct {
	Kind      string    `json:"kind"`
	TaskID    string    `json:"taskId,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store defines the persistence interface for missions and their history.
type Store interface {
	// Missions
	SaveMission(ctx context.Context, m MissionRecord, tasks []scheduler.Task) error
	FinishMission(ctx context.Context, missionID string, outcome scheduler.Outcome, errMsg string, usage scheduler.Usage, at time.Time) error
	GetMission(ctx context.Context, missionID string) (*MissionRecord, error)
	ListMissions(ctx context.Context, limit int) ([]MissionRecord, error)
	ListTasks(ctx context.Context, missionID string) ([]scheduler.Task, error)

	// Execution history
	SaveStatus(ctx context.Context, missionID string, rec scheduler.StatusRecord) error
	ListStatuses(ctx context.Context, missionID string) ([]scheduler.StatusRecord, error)
	AppendFeedback(ctx context.Context, missionID string, entry FeedbackEntry) error
	ListFeedback(ctx context.Context, missionID, writerID string) ([]FeedbackEntry, error)
	RecordPublication(ctx context.Context, missionID string, p Publication) error
	ListPublications(ctx context.Context, missionID string) ([]Publication, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc applies _pragma on every new connection.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Every call
// gets its own database, shared by the store's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Two connections let a reader proceed while the journal writes.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Fixed width so stored timestamps sort lexically. The zero time is stored empty.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
