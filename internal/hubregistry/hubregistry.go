// Package hubregistry persists the set of known external (federated) hubs
// for routing policy: priority, weight, region, and rolling health metrics
// reported over the federation wire.
package hubregistry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memoryd/memoryd/internal/queueerr"
)

// Type distinguishes a hub's role. Only External hubs are persisted here;
// the local Worker Hub has no row.
type Type string

const (
	TypeLocal    Type = "local"
	TypeExternal Type = "external"
)

// Status is a hub's current health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusOffline   Status = "offline"
)

// Hub is a durable record of a known external hub, updated by periodic
// hub:health reports from the Federation Handler.
type Hub struct {
	ID                string
	Name              string
	Type              Type
	Priority          int
	Weight            int
	Region            string
	Labels            []string
	Status            Status
	ConnectedWorkers  int
	ActiveWorkers     int
	AvgLatencyMs      float64
	Capabilities      []string
	LastHealthReport  time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS hubs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	weight INTEGER NOT NULL DEFAULT 1,
	region TEXT NOT NULL DEFAULT '',
	labels TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'offline',
	connected_workers INTEGER NOT NULL DEFAULT 0,
	active_workers INTEGER NOT NULL DEFAULT 0,
	avg_latency_ms REAL NOT NULL DEFAULT 0,
	capabilities TEXT NOT NULL DEFAULT '',
	last_health_report TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Registry is the Hub Registry, backed by the same SQLite handle as the
// TaskQueue Repository (one store, two tables).
type Registry struct {
	db *sql.DB
}

// Open initializes the hubs table against an already-opened database
// handle, typically shared with queue.Store via Store.DB().
func Open(db *sql.DB) (*Registry, error) {
	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("hubregistry: init schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// UpsertParams describes a hub registration or re-registration.
type UpsertParams struct {
	Name         string
	Priority     int
	Weight       int
	Region       string
	Labels       []string
	Capabilities []string
}

// Upsert inserts or updates a hub row by name, as called on `hub:register`.
func (r *Registry) Upsert(ctx context.Context, p UpsertParams) (Hub, error) {
	now := time.Now().UTC()
	existing, err := r.GetByName(ctx, p.Name)
	if err != nil && !errors.Is(err, queueerr.ErrNotFound) {
		return Hub{}, err
	}

	id := existing.ID
	createdAt := now
	if id == "" {
		id = newHubID()
	} else {
		createdAt = existing.CreatedAt
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO hubs (id, name, type, priority, weight, region, labels, status, capabilities, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			priority = excluded.priority,
			weight = excluded.weight,
			region = excluded.region,
			labels = excluded.labels,
			status = excluded.status,
			capabilities = excluded.capabilities,
			updated_at = excluded.updated_at
	`, id, p.Name, string(TypeExternal), p.Priority, p.Weight, p.Region,
		joinCSV(p.Labels), string(StatusHealthy), joinCSV(p.Capabilities),
		createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Hub{}, fmt.Errorf("hubregistry: upsert: %w", err)
	}
	return r.GetByName(ctx, p.Name)
}

// HealthReport describes a periodic hub:health payload.
type HealthReport struct {
	ConnectedWorkers int
	ActiveWorkers    int
	AvgLatencyMs     float64
	Capabilities     []string
	Status           Status
}

// RecordHealth updates a hub's rolling health metrics and status, as called
// on each `hub:health` message.
func (r *Registry) RecordHealth(ctx context.Context, name string, h HealthReport) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE hubs SET
			connected_workers = ?,
			active_workers = ?,
			avg_latency_ms = ?,
			capabilities = ?,
			status = ?,
			last_health_report = ?,
			updated_at = ?
		WHERE name = ?
	`, h.ConnectedWorkers, h.ActiveWorkers, h.AvgLatencyMs, joinCSV(h.Capabilities),
		string(h.Status), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), name)
	if err != nil {
		return fmt.Errorf("hubregistry: record health: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("hubregistry: record health rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("hubregistry: record health: %w", queueerr.ErrNotFound)
	}
	return nil
}

// MarkStatus sets a hub's status directly, used when a missed-report
// threshold is exceeded (unhealthy) or the connection closes (offline).
func (r *Registry) MarkStatus(ctx context.Context, name string, status Status) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE hubs SET status = ?, updated_at = ? WHERE name = ?`,
		string(status), now.Format(time.RFC3339Nano), name)
	if err != nil {
		return fmt.Errorf("hubregistry: mark status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("hubregistry: mark status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("hubregistry: mark status: %w", queueerr.ErrNotFound)
	}
	return nil
}

// GetByName returns the hub registered under name.
func (r *Registry) GetByName(ctx context.Context, name string) (Hub, error) {
	row := r.db.QueryRowContext(ctx, hubSelectColumns+` FROM hubs WHERE name = ?`, name)
	h, err := scanHub(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Hub{}, fmt.Errorf("hubregistry: %q: %w", name, queueerr.ErrNotFound)
	}
	if err != nil {
		return Hub{}, err
	}
	return h, nil
}

// ListHealthyOrDegraded returns hubs eligible for dispatch: those whose
// status is healthy or degraded, ordered by priority descending, then by
// active worker load ascending so equal-priority hubs prefer the least busy.
func (r *Registry) ListHealthyOrDegraded(ctx context.Context) ([]Hub, error) {
	rows, err := r.db.QueryContext(ctx,
		hubSelectColumns+` FROM hubs WHERE status IN (?, ?) ORDER BY priority DESC, active_workers ASC`,
		string(StatusHealthy), string(StatusDegraded))
	if err != nil {
		return nil, fmt.Errorf("hubregistry: list: %w", err)
	}
	defer rows.Close()

	var out []Hub
	for rows.Next() {
		h, err := scanHub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// List returns every known hub.
func (r *Registry) List(ctx context.Context) ([]Hub, error) {
	rows, err := r.db.QueryContext(ctx, hubSelectColumns+` FROM hubs ORDER BY priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("hubregistry: list all: %w", err)
	}
	defer rows.Close()

	var out []Hub
	for rows.Next() {
		h, err := scanHub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

const hubSelectColumns = `SELECT id, name, type, priority, weight, region, labels, status,
	connected_workers, active_workers, avg_latency_ms, capabilities, last_health_report,
	created_at, updated_at`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanHub(row scannable) (Hub, error) {
	var (
		h                Hub
		hubType          string
		status           string
		labels           string
		capabilities     string
		lastHealthReport string
		createdAt        string
		updatedAt        string
	)
	err := row.Scan(&h.ID, &h.Name, &hubType, &h.Priority, &h.Weight, &h.Region, &labels,
		&status, &h.ConnectedWorkers, &h.ActiveWorkers, &h.AvgLatencyMs, &capabilities,
		&lastHealthReport, &createdAt, &updatedAt)
	if err != nil {
		return Hub{}, err
	}
	h.Type = Type(hubType)
	h.Status = Status(status)
	h.Labels = splitCSV(labels)
	h.Capabilities = splitCSV(capabilities)
	if lastHealthReport != "" {
		h.LastHealthReport, _ = time.Parse(time.RFC3339Nano, lastHealthReport)
	}
	h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	h.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return h, nil
}

func joinCSV(items []string) string {
	return strings.Join(items, ",")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func newHubID() string {
	return uuid.NewString()
}
