package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskmatch/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

// protocol_events carries no foreign key: agents in separate processes may
// log before the coordinator has written the run row.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	algorithm TEXT NOT NULL,
	input TEXT NOT NULL,
	agents INTEGER NOT NULL DEFAULT 0,
	tasks INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	objective REAL NOT NULL DEFAULT 0,
	messages INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	finished_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

CREATE TABLE IF NOT EXISTS assignments (
	run_id TEXT NOT NULL,
	agent_id INTEGER NOT NULL,
	slot INTEGER NOT NULL,
	task INTEGER NOT NULL,
	probability REAL NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(run_id, agent_id)
);

CREATE TABLE IF NOT EXISTS protocol_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	agent_id INTEGER NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_protocol_events_run ON protocol_events(run_id, id);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SaveRun inserts the run or updates its outcome columns.
func (s *Store) SaveRun(ctx context.Context, run domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs(
			id, algorithm, input, agents, tasks, status, objective, messages,
			duration_ms, last_error, created_at, finished_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			objective = excluded.objective,
			messages = excluded.messages,
			duration_ms = excluded.duration_ms,
			last_error = excluded.last_error,
			finished_at = excluded.finished_at`,
		run.ID, string(run.Algorithm), run.Input, run.Agents, run.Tasks, string(run.Status),
		run.Objective, int64(run.Messages), run.DurationMS, run.LastError,
		run.CreatedAt.Unix(), nullableUnix(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run; err nil means success.
func (s *Store) FinishRun(ctx context.Context, runID string, stats domain.RunStats, runErr error) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Objective = stats.Objective
	run.Messages = stats.Messages
	run.DurationMS = stats.Duration.Milliseconds()
	run.Status = domain.RunStatusDone
	if runErr != nil {
		run.Status = domain.RunStatusFailed
		run.LastError = runErr.Error()
	}
	return s.SaveRun(ctx, run)
}

const runColumns = `id, algorithm, input, agents, tasks, status, objective, messages,
	duration_ms, last_error, created_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var r domain.Run
	var algorithm, status string
	var messages int64
	var created int64
	var finished sql.NullInt64
	if err := row.Scan(
		&r.ID, &algorithm, &r.Input, &r.Agents, &r.Tasks, &status, &r.Objective, &messages,
		&r.DurationMS, &r.LastError, &created, &finished,
	); err != nil {
		return domain.Run{}, err
	}
	r.Algorithm = domain.Algorithm(algorithm)
	r.Status = domain.RunStatus(status)
	r.Messages = uint64(messages)
	r.CreatedAt = unixToTime(created)
	r.FinishedAt = int64ToTimePtr(finished)
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

func (s *Store) SaveAssignment(ctx context.Context, a domain.Assignment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO assignments(run_id, agent_id, slot, task, probability, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, agent_id) DO UPDATE SET
			slot = excluded.slot,
			task = excluded.task,
			probability = excluded.probability`,
		a.RunID, int(a.Agent), int(a.Slot), a.Task, a.Probability, a.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save assignment: %w", err)
	}
	return nil
}

func (s *Store) ListAssignments(ctx context.Context, runID string) ([]domain.Assignment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, agent_id, slot, task, probability, created_at
		FROM assignments WHERE run_id = ? ORDER BY agent_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Assignment, 0)
	for rows.Next() {
		var a domain.Assignment
		var agent, slot int
		var created int64
		if err := rows.Scan(&a.RunID, &agent, &slot, &a.Task, &a.Probability, &created); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.Agent = domain.AgentID(agent)
		a.Slot = domain.SlotID(slot)
		a.CreatedAt = unixToTime(created)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return result, nil
}

func (s *Store) LogEvent(ctx context.Context, ev domain.Event) error {
	payload := string(ev.Payload)
	if payload == "" || payload == "null" {
		payload = "{}"
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO protocol_events(run_id, agent_id, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		ev.RunID, int(ev.Agent), ev.Action, ev.Reason, payload, created.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events of a run first.
func (s *Store) ListEvents(ctx context.Context, runID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, agent_id, action, reason, payload, created_at
		FROM protocol_events
		WHERE run_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Event, 0, limit)
	for rows.Next() {
		var item domain.Event
		var agent int
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.RunID, &agent, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		item.Agent = domain.AgentID(agent)
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
