// Package store provides SQLite-backed persistence for rookery's
// observability surfaces: the workload queue, placement history, chain
// run progress and the audit event log. Scheduling correctness never
// depends on it; core state is re-derived from a fresh scan on restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/wrenholt/rookery/internal/models"
	_ "modernc.org/sqlite"
)

// Store provides access to the rookery SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workloads (
		id TEXT PRIMARY KEY,
		script TEXT NOT NULL,
		target TEXT NOT NULL,
		threads INTEGER NOT NULL,
		args TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		last_error TEXT,
		placement_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS placements (
		id TEXT PRIMARY KEY,
		workload_id TEXT,
		node TEXT NOT NULL,
		script TEXT NOT NULL,
		target TEXT NOT NULL,
		threads INTEGER NOT NULL,
		mem REAL NOT NULL,
		pid INTEGER NOT NULL,
		status TEXT NOT NULL,
		launched_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS chain_runs (
		id TEXT PRIMARY KEY,
		chain TEXT NOT NULL,
		stage INTEGER NOT NULL,
		stage_count INTEGER NOT NULL,
		status TEXT NOT NULL,
		detail TEXT,
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		component TEXT NOT NULL,
		kind TEXT NOT NULL,
		node TEXT,
		detail TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workloads_status ON workloads(status);
	CREATE INDEX IF NOT EXISTS idx_placements_status ON placements(status);
	CREATE INDEX IF NOT EXISTS idx_placements_node ON placements(node);
	CREATE INDEX IF NOT EXISTS idx_chain_runs_chain ON chain_runs(chain);
	CREATE INDEX IF NOT EXISTS idx_events_component ON events(component);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Workload Operations ---

// ErrWorkloadNotClaimable indicates the workload cannot be claimed
// (not found, wrong status, or lost to a concurrent claimer).
var ErrWorkloadNotClaimable = fmt.Errorf("workload not found or not claimable")

// EnqueueWorkload inserts a new pending workload.
func (s *Store) EnqueueWorkload(script, target string, threads int, args []string, maxAttempts int) (*models.Workload, error) {
	now := time.Now().UTC()
	w := &models.Workload{
		ID:          uuid.New().String(),
		Script:      script,
		Target:      target,
		Threads:     threads,
		Args:        args,
		Status:      models.WorkloadStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	argsJSON, _ := json.Marshal(args)
	_, err := s.db.Exec(
		`INSERT INTO workloads (id, script, target, threads, args, status, attempts, max_attempts, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		w.ID, w.Script, w.Target, w.Threads, string(argsJSON), w.Status, w.MaxAttempts, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert workload: %w", err)
	}
	return w, nil
}

// GetWorkload retrieves a workload by ID.
func (s *Store) GetWorkload(id string) (*models.Workload, error) {
	row := s.db.QueryRow(
		`SELECT id, script, target, threads, args, status, attempts, max_attempts, last_error, placement_id, created_at, updated_at FROM workloads WHERE id = ?`,
		id,
	)
	w, err := scanWorkload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query workload: %w", err)
	}
	return w, nil
}

// ListWorkloads returns all workloads, optionally filtered by status.
func (s *Store) ListWorkloads(status string) ([]models.Workload, error) {
	query := `SELECT id, script, target, threads, args, status, attempts, max_attempts, last_error, placement_id, created_at, updated_at FROM workloads`
	var args []interface{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workloads: %w", err)
	}
	defer rows.Close()

	var out []models.Workload
	for rows.Next() {
		w, err := scanWorkload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workload: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// ClaimNextWorkload atomically claims the oldest pending workload.
// Returns (nil, nil) when the queue is empty; ErrWorkloadNotClaimable
// when a concurrent claimer won the race.
func (s *Store) ClaimNextWorkload() (*models.Workload, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	row := tx.QueryRow(
		`SELECT id, script, target, threads, args, status, attempts, max_attempts, last_error, placement_id, created_at, updated_at FROM workloads WHERE status = ? ORDER BY created_at ASC LIMIT 1`,
		models.WorkloadStatusPending,
	)
	w, err := scanWorkload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query pending workload: %w", err)
	}

	result, err := tx.Exec(
		`UPDATE workloads SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.WorkloadStatusClaimed, now, w.ID, models.WorkloadStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("update workload status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Another claimer got there between our read and update.
		return nil, ErrWorkloadNotClaimable
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	w.Status = models.WorkloadStatusClaimed
	w.UpdatedAt = now
	return w, nil
}

// MarkWorkloadPlaced links a claimed workload to its placement.
func (s *Store) MarkWorkloadPlaced(id, placementID string) error {
	_, err := s.db.Exec(
		`UPDATE workloads SET status = ?, placement_id = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		models.WorkloadStatusPlaced, placementID, time.Now().UTC(), id,
	)
	return err
}

// RequeueWorkload returns a workload to pending with a recorded reason
// and an incremented attempt count.
func (s *Store) RequeueWorkload(id, reason string) error {
	_, err := s.db.Exec(
		`UPDATE workloads SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		models.WorkloadStatusPending, reason, time.Now().UTC(), id,
	)
	return err
}

// CompleteWorkload marks a placed workload's process as finished.
func (s *Store) CompleteWorkload(id string) error {
	_, err := s.db.Exec(
		`UPDATE workloads SET status = ?, updated_at = ? WHERE id = ?`,
		models.WorkloadStatusCompleted, time.Now().UTC(), id,
	)
	return err
}

// StarveWorkload marks a workload that exhausted its retry budget.
func (s *Store) StarveWorkload(id, reason string) error {
	_, err := s.db.Exec(
		`UPDATE workloads SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		models.WorkloadStatusStarved, reason, time.Now().UTC(), id,
	)
	return err
}

// FailWorkload marks a workload as permanently failed.
func (s *Store) FailWorkload(id, reason string) error {
	_, err := s.db.Exec(
		`UPDATE workloads SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		models.WorkloadStatusFailed, reason, time.Now().UTC(), id,
	)
	return err
}

// CountWorkloadsByStatus returns queue depths for the status surface.
func (s *Store) CountWorkloadsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM workloads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count workloads: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkload(row rowScanner) (*models.Workload, error) {
	var w models.Workload
	var argsJSON, lastError, placementID sql.NullString

	err := row.Scan(&w.ID, &w.Script, &w.Target, &w.Threads, &argsJSON, &w.Status, &w.Attempts, &w.MaxAttempts, &lastError, &placementID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if argsJSON.Valid && argsJSON.String != "" {
		json.Unmarshal([]byte(argsJSON.String), &w.Args)
	}
	if lastError.Valid {
		w.LastError = lastError.String
	}
	if placementID.Valid {
		w.PlacementID = placementID.String
	}
	return &w, nil
}

// --- Placement Operations ---

// CreatePlacement records a freshly launched placement.
func (s *Store) CreatePlacement(p *models.Placement) error {
	var workloadID interface{}
	if p.WorkloadID != "" {
		workloadID = p.WorkloadID
	}
	_, err := s.db.Exec(
		`INSERT INTO placements (id, workload_id, node, script, target, threads, mem, pid, status, launched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, workloadID, p.Node, p.Script, p.Target, p.Threads, p.Mem, p.PID, p.Status, p.LaunchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert placement: %w", err)
	}
	return nil
}

// FinishPlacement closes a placement record with its terminal status.
func (s *Store) FinishPlacement(id string, status models.PlacementStatus, endedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE placements SET status = ?, ended_at = ? WHERE id = ?`,
		status, endedAt.UTC(), id,
	)
	return err
}

// GetPlacement retrieves a placement by ID.
func (s *Store) GetPlacement(id string) (*models.Placement, error) {
	row := s.db.QueryRow(
		`SELECT id, workload_id, node, script, target, threads, mem, pid, status, launched_at, ended_at FROM placements WHERE id = ?`,
		id,
	)
	p, err := scanPlacement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query placement: %w", err)
	}
	return p, nil
}

// ListPlacements returns placements, optionally filtered by status.
func (s *Store) ListPlacements(status string) ([]models.Placement, error) {
	query := `SELECT id, workload_id, node, script, target, threads, mem, pid, status, launched_at, ended_at FROM placements`
	var args []interface{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY launched_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query placements: %w", err)
	}
	defer rows.Close()

	var out []models.Placement
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan placement: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPlacement(row rowScanner) (*models.Placement, error) {
	var p models.Placement
	var workloadID sql.NullString
	var endedAt sql.NullTime

	err := row.Scan(&p.ID, &workloadID, &p.Node, &p.Script, &p.Target, &p.Threads, &p.Mem, &p.PID, &p.Status, &p.LaunchedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if workloadID.Valid {
		p.WorkloadID = workloadID.String
	}
	if endedAt.Valid {
		p.EndedAt = &endedAt.Time
	}
	return &p, nil
}

// --- Chain Run Operations ---

// UpsertChainRun inserts or updates a chain run progress row.
func (s *Store) UpsertChainRun(run *models.ChainRun) error {
	_, err := s.db.Exec(
		`INSERT INTO chain_runs (id, chain, stage, stage_count, status, detail, started_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET stage = excluded.stage, status = excluded.status, detail = excluded.detail, updated_at = excluded.updated_at`,
		run.ID, run.Chain, run.Stage, run.StageCount, run.Status, run.Detail, run.StartedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert chain run: %w", err)
	}
	return nil
}

// GetChainRun retrieves a chain run by ID.
func (s *Store) GetChainRun(id string) (*models.ChainRun, error) {
	var run models.ChainRun
	var detail sql.NullString

	err := s.db.QueryRow(
		`SELECT id, chain, stage, stage_count, status, detail, started_at, updated_at FROM chain_runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &run.Chain, &run.Stage, &run.StageCount, &run.Status, &detail, &run.StartedAt, &run.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query chain run: %w", err)
	}
	if detail.Valid {
		run.Detail = detail.String
	}
	return &run, nil
}

// ListChainRuns returns recent chain runs, newest first.
func (s *Store) ListChainRuns(limit int) ([]models.ChainRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, chain, stage, stage_count, status, detail, started_at, updated_at FROM chain_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query chain runs: %w", err)
	}
	defer rows.Close()

	var out []models.ChainRun
	for rows.Next() {
		var run models.ChainRun
		var detail sql.NullString
		if err := rows.Scan(&run.ID, &run.Chain, &run.Stage, &run.StageCount, &run.Status, &detail, &run.StartedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chain run: %w", err)
		}
		if detail.Valid {
			run.Detail = detail.String
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- Event Operations ---

// AppendEvent writes one audit event.
func (s *Store) AppendEvent(component, kind, node, detail string) (*models.Event, error) {
	ev := &models.Event{
		ID:        uuid.New().String(),
		Component: component,
		Kind:      kind,
		Node:      node,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO events (id, component, kind, node, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Component, ev.Kind, ev.Node, ev.Detail, ev.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// ListEvents returns recent events, newest first, optionally filtered
// by component.
func (s *Store) ListEvents(component string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, component, kind, node, detail, timestamp FROM events`
	var args []interface{}

	if component != "" {
		query += ` WHERE component = ?`
		args = append(args, component)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var node, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Component, &ev.Kind, &node, &detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if node.Valid {
			ev.Node = node.String
		}
		if detail.Valid {
			ev.Detail = detail.String
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
