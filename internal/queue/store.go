// Package queue implements the TaskQueue Repository: durable, atomic
// storage for tasks, backed by SQLite.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	"github.com/memoryd/memoryd/internal/bus"
	"github.com/memoryd/memoryd/internal/queueerr"
)

// Status is the task state-machine's vocabulary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// allowedTransitions enumerates every status edge the repository will
// perform through its own methods. Anything not listed here is rejected.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusAssigned},
	StatusAssigned:   {StatusProcessing, StatusPending, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusTimeout, StatusPending},
}

func canTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is the durable unit of work dispatched to a capability-matched worker.
type Task struct {
	ID                   string
	Type                 string
	Status               Status
	RequiredCapability   string
	FallbackCapabilities []string
	Payload              string
	Priority             int
	RetryCount           int
	MaxRetries           int
	DeduplicationKey     string
	AssignedWorkerID     string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	AssignedAt           *time.Time
	CompletedAt          *time.Time
	Result               string
	Error                string
}

// CreateParams are the caller-supplied fields for a new task.
type CreateParams struct {
	Type                 string
	RequiredCapability   string
	FallbackCapabilities []string
	Payload              string
	Priority             int
	MaxRetries           int
	DeduplicationKey     string
}

const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
	id                    TEXT PRIMARY KEY,
	type                  TEXT NOT NULL,
	status                TEXT NOT NULL,
	required_capability   TEXT NOT NULL,
	fallback_capabilities TEXT NOT NULL DEFAULT '',
	payload               TEXT NOT NULL DEFAULT '',
	priority              INTEGER NOT NULL DEFAULT 0,
	retry_count           INTEGER NOT NULL DEFAULT 0,
	max_retries           INTEGER NOT NULL DEFAULT 3,
	deduplication_key     TEXT NOT NULL DEFAULT '',
	assigned_worker_id    TEXT NOT NULL DEFAULT '',
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL,
	assigned_at           TEXT NOT NULL DEFAULT '',
	completed_at          TEXT NOT NULL DEFAULT '',
	result                TEXT NOT NULL DEFAULT '',
	error                 TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_dedup ON tasks(deduplication_key);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(assigned_worker_id);

CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);
`

// Store is the TaskQueue Repository's SQLite-backed implementation.
type Store struct {
	db     *sql.DB
	bus    *bus.Bus
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the task schema. bus may be nil; if set, Complete/Fail/timeout
// sweeps publish best-effort task events.
func Open(path string, b *bus.Bus, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: b, logger: logger}
	if err := s.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("configure pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_meta").Scan(&count); err != nil {
		return fmt.Errorf("check schema_meta: %w", err)
	}
	if count == 0 {
		if _, err := s.db.Exec("INSERT INTO schema_meta(version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("seed schema_meta: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so collaborators sharing the same
// database file (e.g. the Hub Registry) can open their own tables on it.
func (s *Store) DB() *sql.DB { return s.db }

// isSQLiteBusy reports whether err is a retryable SQLITE_BUSY/LOCKED error.
// Matched by message substring to avoid a direct dependency on the sqlite3
// driver's error type.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// retryOnBusy retries f with jittered exponential backoff while it returns
// a retryable SQLITE_BUSY/LOCKED error.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	delay := 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return err
}

func newTaskID() string { return uuid.NewString() }

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which is re-raised after rollback).
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (Task, error) {
	var t Task
	var fallback string
	var createdAt, updatedAt, assignedAt, completedAt string
	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &t.RequiredCapability, &fallback,
		&t.Payload, &t.Priority, &t.RetryCount, &t.MaxRetries,
		&t.DeduplicationKey, &t.AssignedWorkerID,
		&createdAt, &updatedAt, &assignedAt, &completedAt, &t.Result, &t.Error,
	)
	if err != nil {
		return Task{}, err
	}
	if fallback != "" {
		t.FallbackCapabilities = strings.Split(fallback, ",")
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	t.AssignedAt = parseNullableTime(assignedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return t, nil
}

func parseNullableTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &parsed
}

const taskColumns = `id, type, status, required_capability, fallback_capabilities,
	payload, priority, retry_count, max_retries, deduplication_key,
	assigned_worker_id, created_at, updated_at, assigned_at, completed_at, result, error`

// Create inserts a new task unconditionally, regardless of any existing
// row sharing the same deduplication key.
func (s *Store) Create(ctx context.Context, p CreateParams) (Task, error) {
	now := time.Now().UTC()
	t := Task{
		ID:                   newTaskID(),
		Type:                 p.Type,
		Status:               StatusPending,
		RequiredCapability:   p.RequiredCapability,
		FallbackCapabilities: p.FallbackCapabilities,
		Payload:              p.Payload,
		Priority:             p.Priority,
		MaxRetries:           p.MaxRetries,
		DeduplicationKey:     p.DeduplicationKey,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = 3
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Type, string(t.Status), t.RequiredCapability,
			strings.Join(t.FallbackCapabilities, ","), t.Payload, t.Priority,
			t.RetryCount, t.MaxRetries, t.DeduplicationKey, t.AssignedWorkerID,
			t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
			"", "", t.Result, t.Error,
		)
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{TaskID: t.ID, Status: string(t.Status)})
	}
	return t, nil
}

// CreateIfNotExists returns the existing non-terminal task sharing
// DeduplicationKey if one exists; otherwise it creates a new task. The
// second return value reports whether a new task was created.
func (s *Store) CreateIfNotExists(ctx context.Context, p CreateParams) (Task, bool, error) {
	if p.DeduplicationKey == "" {
		t, err := s.Create(ctx, p)
		return t, true, err
	}

	var created Task
	var wasCreated bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
			WHERE deduplication_key = ? AND status IN ('pending','assigned','processing')
			ORDER BY created_at ASC LIMIT 1`, p.DeduplicationKey)
		existing, err := scanTask(row)
		if err == nil {
			created = existing
			wasCreated = false
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		now := time.Now().UTC()
		t := Task{
			ID:                   newTaskID(),
			Type:                 p.Type,
			Status:               StatusPending,
			RequiredCapability:   p.RequiredCapability,
			FallbackCapabilities: p.FallbackCapabilities,
			Payload:              p.Payload,
			Priority:             p.Priority,
			MaxRetries:           p.MaxRetries,
			DeduplicationKey:     p.DeduplicationKey,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if t.MaxRetries <= 0 {
			t.MaxRetries = 3
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Type, string(t.Status), t.RequiredCapability,
			strings.Join(t.FallbackCapabilities, ","), t.Payload, t.Priority,
			t.RetryCount, t.MaxRetries, t.DeduplicationKey, t.AssignedWorkerID,
			t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
			"", "", t.Result, t.Error,
		)
		if err != nil {
			return err
		}
		created = t
		wasCreated = true
		return nil
	})
	if err != nil {
		return Task{}, false, fmt.Errorf("create if not exists: %w", err)
	}
	if wasCreated && s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{TaskID: created.ID, Status: string(created.Status)})
	}
	return created, wasCreated, nil
}

// FindByID returns the task with the given ID.
func (s *Store) FindByID(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, queueerr.ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("find task: %w", err)
	}
	return t, nil
}

// GetByWorkerID returns every task currently assigned to the given worker.
func (s *Store) GetByWorkerID(ctx context.Context, workerID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE assigned_worker_id = ? AND status IN ('assigned','processing')`, workerID)
	if err != nil {
		return nil, fmt.Errorf("get by worker: %w", err)
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListFilter narrows List's result set. Zero-value fields are ignored.
type ListFilter struct {
	Status Status
	Type   string
	Limit  int
}

// List returns tasks matching filter, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountByStatus returns the number of tasks currently in the given status.
// Used by the Task Service's backpressure check.
func (s *Store) CountByStatus(ctx context.Context, status Status) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return count, nil
}

// GetNextPending returns the oldest, highest-priority pending task whose
// required (or fallback) capability is in capabilities, without mutating
// it. Returns queueerr.ErrNotFound if no matching task is pending. The
// caller resolves a destination from the returned task's capability fields
// and then claims it with Assign, whose CAS-on-pending precondition is
// what makes the overall select-then-assign sequence safe under concurrent
// dispatch cycles.
func (s *Store) GetNextPending(ctx context.Context, capabilities []string) (Task, error) {
	if len(capabilities) == 0 {
		return Task{}, queueerr.ErrNotFound
	}

	args := make([]interface{}, 0, len(capabilities)*2)
	var clauses []string
	for _, cap := range capabilities {
		clauses = append(clauses, `required_capability = ? OR ','||fallback_capabilities||',' LIKE ?`)
		args = append(args, cap, "%,"+cap+",%")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'pending' AND (` +
		strings.Join(clauses, " OR ") +
		`) ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, args...)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, queueerr.ErrNotFound
		}
		return Task{}, err
	}
	return t, nil
}

// Assign conditionally claims a specific task for workerID: succeeds only
// if the task is currently pending. Unlike GetNextPending, the caller has
// already chosen the task; this is the narrower primitive the dispatcher's
// assignment step reduces to.
func (s *Store) Assign(ctx context.Context, id, workerID string) (Task, error) {
	var assigned Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, assigned_worker_id = ?, updated_at = ?, assigned_at = ?
			WHERE id = ? AND status = 'pending'`,
			string(StatusAssigned), workerID, now, now, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return queueerr.ErrNotFound
		}
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		assigned, err = scanTask(row)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskAssigned, bus.TaskEvent{TaskID: assigned.ID, Status: string(assigned.Status), WorkerID: workerID})
	}
	return assigned, nil
}

// UpdateStatusPatch carries the optional fields updateStatus may set
// alongside the new status.
type UpdateStatusPatch struct {
	Result     *string
	Error      *string
	RetryCount *int
}

// UpdateStatus sets status and any patched fields unconditionally: it does
// not validate the transition source, trusting the caller to own the state
// machine. Sets completed_at when transitioning to completed. Returns
// queueerr.ErrNotFound if the row is missing.
func (s *Store) UpdateStatus(ctx context.Context, id string, newStatus Status, patch UpdateStatusPatch) (Task, error) {
	var updated Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		query := `UPDATE tasks SET status = ?, updated_at = ?`
		args := []interface{}{string(newStatus), now}
		if patch.Result != nil {
			query += `, result = ?`
			args = append(args, *patch.Result)
		}
		if patch.Error != nil {
			query += `, error = ?`
			args = append(args, *patch.Error)
		}
		if patch.RetryCount != nil {
			query += `, retry_count = ?`
			args = append(args, *patch.RetryCount)
		}
		if newStatus == StatusCompleted {
			query += `, completed_at = ?`
			args = append(args, now)
		}
		query += ` WHERE id = ?`
		args = append(args, id)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return queueerr.ErrNotFound
		}
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		updated, err = scanTask(row)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

// MarkProcessing transitions a task from assigned to processing. Called
// when the worker acknowledges receipt of the task.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusAssigned, StatusProcessing, nil, nil)
}

// Complete transitions a task from processing to completed, recording its
// result and completed_at. Best-effort publishes a task:completed event.
func (s *Store) Complete(ctx context.Context, id, result string) error {
	if !canTransition(StatusProcessing, StatusCompleted) {
		return fmt.Errorf("illegal transition %s -> %s", StatusProcessing, StatusCompleted)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, result = ?, updated_at = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			string(StatusCompleted), result, now, now, id, string(StatusProcessing))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: task %s not in status %s", queueerr.ErrNotFound, id, StatusProcessing)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{TaskID: id, Status: string(StatusCompleted)})
	}
	return nil
}

// Fail transitions a task to failed (terminal) or back to pending (retry),
// depending on retry_count vs max_retries. Best-effort publishes a
// task:failed or task:retrying event accordingly.
func (s *Store) Fail(ctx context.Context, id, errMsg string) error {
	var finalStatus Status
	var retried bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return queueerr.ErrNotFound
			}
			return err
		}
		if t.Status != StatusProcessing && t.Status != StatusAssigned {
			return fmt.Errorf("cannot fail task %s from status %s", id, t.Status)
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if t.RetryCount < t.MaxRetries {
			finalStatus = StatusPending
			retried = true
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, retry_count = retry_count + 1,
				assigned_worker_id = '', error = ?, updated_at = ? WHERE id = ?`,
				string(StatusPending), errMsg, now, id)
		} else {
			finalStatus = StatusFailed
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
				string(StatusFailed), errMsg, now, id)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if s.bus != nil {
		if retried {
			s.bus.Publish(bus.TopicTaskRetrying, bus.TaskEvent{TaskID: id, Status: string(finalStatus), Error: errMsg})
		} else {
			s.bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{TaskID: id, Status: string(finalStatus), Error: errMsg})
		}
	}
	return nil
}

// transition performs a single generic CAS status update, optionally
// setting result/error, inside its own transaction.
func (s *Store) transition(ctx context.Context, id string, from, to Status, result, errMsg *string) error {
	if !canTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		query := `UPDATE tasks SET status = ?, updated_at = ?`
		args := []interface{}{string(to), now}
		if result != nil {
			query += `, result = ?`
			args = append(args, *result)
		}
		if errMsg != nil {
			query += `, error = ?`
			args = append(args, *errMsg)
		}
		query += ` WHERE id = ? AND status = ?`
		args = append(args, id, string(from))

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: task %s not in status %s", queueerr.ErrNotFound, id, from)
		}
		return nil
	})
}

// RequeueOrphaned moves every assigned/processing task owned by workerID
// back to pending, without incrementing retry_count. Used when the Worker
// Hub detects a worker disconnect: this is a requeue, not a retry.
func (s *Store) RequeueOrphaned(ctx context.Context, workerID string) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'pending', assigned_worker_id = '', updated_at = ?
			WHERE assigned_worker_id = ? AND status IN ('assigned','processing')`, now, workerID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("requeue orphaned: %w", err)
	}
	return n, nil
}

// SweepTimeouts transitions any assigned or processing task into the
// timeout state once it has sat past taskTimeoutMs: an assigned task is
// timed out against assigned_at (it may never reach processing if its
// worker dies before the first task:progress), a processing task against
// updated_at (when it last transitioned). Returns the IDs transitioned.
func (s *Store) SweepTimeouts(ctx context.Context, taskTimeoutMs int64) ([]string, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(taskTimeoutMs) * time.Millisecond).Format(time.RFC3339Nano)
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE
			(status = 'assigned' AND assigned_at < ?) OR
			(status = 'processing' AND updated_at < ?)`, cutoff, cutoff)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'timeout', updated_at = ? WHERE id = ? AND status IN ('assigned','processing')`, now, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweep timeouts: %w", err)
	}
	if s.bus != nil {
		for _, id := range ids {
			s.bus.Publish(bus.TopicTaskTimeout, bus.TaskEvent{TaskID: id, Status: string(StatusTimeout)})
		}
	}
	return ids, nil
}

// BatchUpdateStatus sets status on every listed task ID in one transaction.
func (s *Store) BatchUpdateStatus(ctx context.Context, ids []string, status Status) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		stmt, err := tx.PrepareContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, string(status), now, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cleanup deletes terminal (completed/failed/timeout) tasks older than
// olderThanMs. Returns the number of rows removed.
func (s *Store) Cleanup(ctx context.Context, olderThanMs int64) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanMs) * time.Millisecond).Format(time.RFC3339Nano)
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks
			WHERE status IN ('completed','failed','timeout') AND updated_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if n > 0 {
		s.logger.Info("queue cleanup removed terminal tasks", "count", n)
	}
	return n, nil
}
