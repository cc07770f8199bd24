// Package store is the State Store Gateway: the single gate for all
// persistence. Every exported operation corresponds to exactly one
// transaction against the backing SQLite file, matching the single-writer
// discipline the Workflow Manager relies on.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evalgo/conductor/internal/conductorerr"
	"github.com/evalgo/conductor/internal/model"
	_ "modernc.org/sqlite"
)

// Store wraps the single-file relational database backing the Conductor.
type Store struct {
	db *sql.DB
}

// Open creates (if missing) and migrates the SQLite file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, conductorerr.New(conductorerr.TransientStoreError, "open store", err)
	}
	// SQLite allows only one writer at a time; the Conductor is already
	// single-writer by design (see §5), so this just avoids SQLITE_BUSY
	// noise under the dashboard's concurrent reads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, conductorerr.New(conductorerr.TransientStoreError, "migrate store", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SeedGPUPool inserts the initial GPU pool. Intended for startup only; a
// slot that already exists (by index) is left untouched.
func (s *Store) SeedGPUPool(ctx context.Context, pool []model.GPUResource) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return conductorerr.New(conductorerr.TransientStoreError, "begin seed tx", err)
	}
	defer tx.Rollback()

	for _, g := range pool {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO gpu_resources (gpu_index, gpu_id, state, owner_case_id, updated_at)
			VALUES (?, ?, ?, NULL, ?)
			ON CONFLICT(gpu_index) DO NOTHING`,
			g.Index, g.GPUID, string(model.GPUFree), nowString())
		if err != nil {
			return conductorerr.New(conductorerr.TransientStoreError, "seed gpu slot", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return conductorerr.New(conductorerr.TransientStoreError, "commit seed tx", err)
	}
	return nil
}

// nowString uses a fixed-width fractional second so that timestamp columns
// sort chronologically as text (RFC3339Nano drops trailing zeros).
func nowString() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// AdmitCase inserts the scanned-ledger row and a NEW case row atomically.
// Duplicates are a no-op, never an error. inserted tells the caller which
// happened; StartWorkflow combines it with the case status to detect a
// stale duplicate.
func (s *Store) AdmitCase(ctx context.Context, caseID, correlationID string) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, conductorerr.New(conductorerr.TransientStoreError, "begin admit tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO scanned_cases (case_id, discovered_at) VALUES (?, ?)
		ON CONFLICT(case_id) DO NOTHING`, caseID, nowString())
	if err != nil {
		return false, conductorerr.New(conductorerr.TransientStoreError, "insert scanned_cases", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Already scanned; the case row (if any) is authoritative.
		return false, nil
	}

	now := nowString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cases (case_id, status, current_step, resource_index, progress, correlation_id, created_at, updated_at)
		VALUES (?, ?, '', NULL, 0, ?, ?, ?)`,
		caseID, string(model.CaseNew), correlationID, now, now)
	if err != nil {
		return false, conductorerr.New(conductorerr.TransientStoreError, "insert case", err)
	}

	if err := tx.Commit(); err != nil {
		return false, conductorerr.New(conductorerr.TransientStoreError, "commit admit tx", err)
	}
	return true, nil
}

// LoadCase retrieves a case by id.
func (s *Store) LoadCase(ctx context.Context, caseID string) (*model.Case, error) {
	return s.loadCase(ctx, s.db, caseID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadCase(ctx context.Context, q querier, caseID string) (*model.Case, error) {
	row := q.QueryRowContext(ctx, `
		SELECT case_id, status, current_step, resource_index, progress, correlation_id,
		       created_at, updated_at, terminal_at, error_kind, error_message
		FROM cases WHERE case_id = ?`, caseID)

	var c model.Case
	var resourceIndex sql.NullInt64
	var createdAt, updatedAt string
	var terminalAt sql.NullString

	err := row.Scan(&c.CaseID, &c.Status, &c.CurrentStep, &resourceIndex, &c.Progress,
		&c.CorrelationID, &createdAt, &updatedAt, &terminalAt, &c.ErrorKind, &c.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conductorerr.New(conductorerr.NotFound, fmt.Sprintf("case %q", caseID), nil)
	}
	if err != nil {
		return nil, conductorerr.New(conductorerr.TransientStoreError, "load case", err)
	}

	if resourceIndex.Valid {
		idx := int(resourceIndex.Int64)
		c.ResourceIndex = &idx
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	if terminalAt.Valid {
		t := parseTime(terminalAt.String)
		c.TerminalAt = &t
	}

	return &c, nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, caseID string, from, to model.CaseState, step, cause string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO case_history (case_id, ts, from_status, to_status, step, cause)
		VALUES (?, ?, ?, ?, ?, ?)`,
		caseID, nowString(), string(from), string(to), step, cause)
	if err != nil {
		return conductorerr.New(conductorerr.TransientStoreError, "append case history", err)
	}
	return nil
}

// AdvanceToStep moves a case into PROCESSING at newStep, optionally holding
// resourceIndex, at the given progress. Fails with Conflict if the case is
// terminal.
func (s *Store) AdvanceToStep(ctx context.Context, caseID, newStep string, resourceIndex *int, newProgress int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return conductorerr.New(conductorerr.TransientStoreError, "begin advance tx", err)
	}
	defer tx.Rollback()

	cur, err := s.loadCase(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return conductorerr.New(conductorerr.Conflict, fmt.Sprintf("case %q is terminal", caseID), nil)
	}

	var ri sql.NullInt64
	if resourceIndex != nil {
		ri = sql.NullInt64{Int64: int64(*resourceIndex), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cases SET status = ?, current_step = ?, resource_index = ?, progress = ?, updated_at = ?
		WHERE case_id = ?`,
		string(model.CaseProcessing), newStep, ri, newProgress, nowString(), caseID)
	if err != nil {
		return conductorerr.New(conductorerr.TransientStoreError, "update case for advance", err)
	}

	if err := appendHistory(ctx, tx, caseID, cur.Status, model.CaseProcessing, newStep, "advance"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return conductorerr.New(conductorerr.TransientStoreError, "commit advance tx", err)
	}
	return nil
}

// ParkForResource sets a case to PENDING_RESOURCE, recording the step it is
// blocked on. The case must not hold a resource when this is called.
func (s *Store) ParkForResource(ctx context.Context, caseID, intendedStep string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return conductorerr.New(conductorerr.TransientStoreError, "begin park tx", err)
	}
	defer tx.Rollback()

	cur, err := s.loadCase(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if cur.HasResource() {
		return conductorerr.New(conductorerr.Conflict, fmt.Sprintf("case %q holds a resource, cannot park", caseID), nil)
	}
	if cur.Status.Terminal() {
		return conductorerr.New(conductorerr.Conflict, fmt.Sprintf("case %q is terminal", caseID), nil)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cases SET status = ?, current_step = ?, resource_index = NULL, updated_at = ?
		WHERE case_id = ?`,
		string(model.CasePendingResource), intendedStep, nowString(), caseID)
	if err != nil {
		return conductorerr.New(conductorerr.TransientStoreError, "update case for park", err)
	}

	if err := appendHistory(ctx, tx, caseID, cur.Status, model.CasePendingResource, intendedStep, "park"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return conductorerr.New(conductorerr.TransientStoreError, "commit park tx", err)
	}
	return nil
}

func (s *Store) markTerminal(ctx context.Context, caseID string, to model.CaseState, errorKind, errorMessage string) (*int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, conductorerr.New(conductorerr.TransientStoreError, "begin terminal tx", err)
	}
	defer tx.Rollback()

	cur, err := s.loadCase(ctx, tx, caseID)
	if err != nil {
		return nil, err
	}

	progress := cur.Progress
	if to == model.CaseCompleted {
		progress = 100
	}

	now := nowString()
	_, err = tx.ExecContext(ctx, `
		UPDATE cases SET status = ?, progress = ?, resource_index = NULL, updated_at = ?,
		       terminal_at = ?, error_kind = ?, error_message = ?
		WHERE case_id = ?`,
		string(to), progress, now, now, errorKind, errorMessage, caseID)
	if err != nil {
		return nil, conductorerr.New(conductorerr.TransientStoreError, "update case for terminal transition", err)
	}

	if err := appendHistory(ctx, tx, caseID, cur.Status, to, cur.CurrentStep, "terminal"); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, conductorerr.New(conductorerr.TransientStoreError, "commit terminal tx", err)
	}

	return cur.ResourceIndex, nil
}

// MarkCompleted sets status COMPLETED, progress 100, clears the resource
// column, and returns the resource index that was released (nil if none).
func (s *Store) MarkCompleted(ctx context.Context, caseID string) (*int, error) {
	return s.markTerminal(ctx, caseID, model.CaseCompleted, "", "")
}

// MarkFailed sets status FAILED with the given error kind/message and
// returns the resource index that was released (nil if none).
func (s *Store) MarkFailed(ctx context.Context, caseID, errorKind, errorMessage string) (*int, error) {
	return s.markTerminal(ctx, caseID, model.CaseFailed, errorKind, errorMessage)
}

// TryReserveGPU finds the lowest-index FREE slot, reserves it for caseID,
// and returns its index. Returns ok=false if no slot is free.
func (s *Store) TryReserveGPU(ctx context.Context, caseID string) (index int, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, conductorerr.New(conductorerr.TransientStoreError, "begin reserve tx", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT gpu_index FROM gpu_resources WHERE state = ? ORDER BY gpu_index ASC LIMIT 1`,
		string(model.GPUFree))

	var idx int
	if err := row.Scan(&idx); errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, conductorerr.New(conductorerr.TransientStoreError, "find free gpu", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE gpu_resources SET state = ?, owner_case_id = ?, updated_at = ? WHERE gpu_index = ?`,
		string(model.GPUReserved), caseID, nowString(), idx)
	if err != nil {
		return 0, false, conductorerr.New(conductorerr.TransientStoreError, "reserve gpu", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, conductorerr.New(conductorerr.TransientStoreError, "commit reserve tx", err)
	}
	return idx, true, nil
}

// ReleaseGPU flips a slot back to FREE. Idempotent: releasing an
// already-free slot is a no-op, logged at warning by the caller.
func (s *Store) ReleaseGPU(ctx context.Context, index int) (wasReserved bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gpu_resources SET state = ?, owner_case_id = NULL, updated_at = ?
		WHERE gpu_index = ? AND state = ?`,
		string(model.GPUFree), nowString(), index, string(model.GPUReserved))
	if err != nil {
		return false, conductorerr.New(conductorerr.TransientStoreError, "release gpu", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListParkedCasesFIFO returns cases in PENDING_RESOURCE, oldest park time
// first, ties broken by case-id lexical order.
func (s *Store) ListParkedCasesFIFO(ctx context.Context) ([]model.ParkedCase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_id, current_step, updated_at FROM cases
		WHERE status = ? ORDER BY updated_at ASC, case_id ASC`,
		string(model.CasePendingResource))
	if err != nil {
		return nil, conductorerr.New(conductorerr.TransientStoreError, "list parked cases", err)
	}
	defer rows.Close()

	var out []model.ParkedCase
	for rows.Next() {
		var p model.ParkedCase
		var ts string
		if err := rows.Scan(&p.CaseID, &p.IntendedStep, &ts); err != nil {
			return nil, conductorerr.New(conductorerr.TransientStoreError, "scan parked case", err)
		}
		p.ParkedAt = parseTime(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}
