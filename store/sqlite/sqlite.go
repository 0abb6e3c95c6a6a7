/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements payroll.Store, payroll.ConfigStore, and the masterdata source
  interfaces using SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  payroll.Store:        Batches, records, recalculation requests, snapshots
  payroll.ConfigStore:  Versioned column configurations
  masterdata.Directory: Employee/division lookups
  masterdata.PayRegister, masterdata.Attendance, masterdata.Arrears

KEY TABLES:
  batches:           Batch aggregates with lifecycle status
  payroll_records:   One computed record per (batch, employee)
  recalc_requests:   Two-party recalculation authorizations
  history_snapshots: Append-only point-in-time captures (never updated)
  column_configs:    Append-only versioned column sets

CONCURRENCY:
  UpdateBatch performs its compare-and-swap as a single UPDATE guarded by
  the expected status, so the check and the write are atomic at the
  database. A zero row count distinguishes a missing batch from a
  concurrent change.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - payroll/store.go: Interface definitions
  - payroll/store/memory.go: In-memory implementation for testing
  - masterdata/masterdata.go: Source interfaces
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/masterdata"
	"github.com/warp/payroll-engine/payroll"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single pooled connection keeps ":memory:" databases coherent and
	// serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Batches (lifecycle aggregates)
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		period TEXT NOT NULL,
		status TEXT NOT NULL,
		scope_json TEXT NOT NULL,
		employee_ids_json TEXT NOT NULL,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		failures_acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		approved_at TEXT,
		approved_by TEXT,
		frozen_at TEXT,
		frozen_by TEXT,
		completed_at TEXT,
		completed_by TEXT,
		active_request_id TEXT,
		snapshot_ids_json TEXT NOT NULL DEFAULT '[]',
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batches_period ON batches(period);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);

	-- Payroll records: exactly one per (batch, employee)
	CREATE TABLE IF NOT EXISTS payroll_records (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		employee_number TEXT NOT NULL,
		period TEXT NOT NULL,
		row_json TEXT NOT NULL,
		payslip_json TEXT,
		source_fingerprint TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_reason TEXT,
		computed_at TEXT NOT NULL,
		UNIQUE(batch_id, employee_id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_batch
		ON payroll_records(batch_id, employee_number);

	-- Recalculation requests
	CREATE TABLE IF NOT EXISTS recalc_requests (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		reason TEXT,
		requested_at TEXT NOT NULL,
		status TEXT NOT NULL,
		granter_id TEXT,
		granted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_requests_batch_status
		ON recalc_requests(batch_id, status);

	-- History snapshots (append-only: no UPDATE or DELETE statements exist
	-- for this table)
	CREATE TABLE IF NOT EXISTS history_snapshots (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		captured_at TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		batch_json TEXT NOT NULL,
		records_json TEXT NOT NULL,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_batch
		ON history_snapshots(batch_id, seq);

	-- Column configurations (append-only, version is the key)
	CREATE TABLE IF NOT EXISTS column_configs (
		version INTEGER PRIMARY KEY,
		columns_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Master data: employees
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		name TEXT NOT NULL,
		division_id TEXT NOT NULL,
		department_id TEXT,
		status TEXT NOT NULL,
		join_date TEXT NOT NULL,
		end_date TEXT,
		basic_salary TEXT NOT NULL,
		grade TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_employees_division ON employees(division_id);

	CREATE TABLE IF NOT EXISTS divisions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS departments (
		id TEXT PRIMARY KEY,
		division_id TEXT NOT NULL,
		name TEXT NOT NULL
	);

	-- Master data: versioned pay register entries
	CREATE TABLE IF NOT EXISTS pay_register (
		employee_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		fields_json TEXT NOT NULL,
		PRIMARY KEY(employee_id, year, month)
	);

	-- Master data: attendance aggregates
	CREATE TABLE IF NOT EXISTS attendance (
		employee_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		days_present TEXT NOT NULL,
		days_absent TEXT NOT NULL,
		overtime_hours TEXT NOT NULL,
		leave_days TEXT NOT NULL,
		PRIMARY KEY(employee_id, year, month)
	);

	-- Master data: arrears settlements
	CREATE TABLE IF NOT EXISTS arrears (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_arrears_employee_period
		ON arrears(employee_id, year, month);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BATCH STORE (payroll.Store interface)
// =============================================================================

// CreateBatch persists a new batch.
func (s *Store) CreateBatch(ctx context.Context, batch *payroll.PayrollBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopeJSON, _ := json.Marshal(batch.Scope)
	employeesJSON, _ := json.Marshal(batch.EmployeeIDs)
	snapshotsJSON, _ := json.Marshal(batch.SnapshotIDs)

	query := `
		INSERT INTO batches
		(id, period, status, scope_json, employee_ids_json, succeeded, failed, processed,
		 failures_acknowledged, created_at, created_by, approved_at, approved_by,
		 frozen_at, frozen_by, completed_at, completed_by, active_request_id,
		 snapshot_ids_json, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM batches))
	`

	_, err := s.db.ExecContext(ctx, query,
		batch.ID,
		batch.Period.String(),
		batch.Status,
		string(scopeJSON),
		string(employeesJSON),
		batch.Succeeded, batch.Failed, batch.Processed,
		batch.FailuresAcknowledged,
		batch.CreatedAt.Format(time.RFC3339),
		batch.CreatedBy,
		nullTime(batch.ApprovedAt), nullString(batch.ApprovedBy),
		nullTime(batch.FrozenAt), nullString(batch.FrozenBy),
		nullTime(batch.CompletedAt), nullString(batch.CompletedBy),
		nullRequestID(batch.ActiveRequestID),
		string(snapshotsJSON),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: batch %s already exists", payroll.ErrPersistence, batch.ID)
		}
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

// GetBatch returns the batch or payroll.ErrBatchNotFound.
func (s *Store) GetBatch(ctx context.Context, id payroll.BatchID) (*payroll.PayrollBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := batchSelect + " WHERE id = ?"
	batches, err := s.queryBatches(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("%w: %s", payroll.ErrBatchNotFound, id)
	}
	return batches[0], nil
}

// ListBatches returns batches newest first, optionally filtered.
func (s *Store) ListBatches(ctx context.Context, filter payroll.BatchFilter) ([]*payroll.PayrollBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := batchSelect
	var conds []string
	var args []any
	if filter.Period != nil {
		conds = append(conds, "period = ?")
		args = append(args, filter.Period.String())
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC"

	batches, err := s.queryBatches(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// Division lives inside scope_json; filter after scanning.
	if filter.DivisionID == "" {
		return batches, nil
	}
	filtered := batches[:0]
	for _, b := range batches {
		if b.Scope.DivisionID == filter.DivisionID {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}

// UpdateBatch writes the batch guarded by the expected status. The guard is
// part of the UPDATE itself, so check and write are one atomic statement.
func (s *Store) UpdateBatch(ctx context.Context, batch *payroll.PayrollBatch, expect payroll.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopeJSON, _ := json.Marshal(batch.Scope)
	employeesJSON, _ := json.Marshal(batch.EmployeeIDs)
	snapshotsJSON, _ := json.Marshal(batch.SnapshotIDs)

	query := `
		UPDATE batches SET
			period = ?, status = ?, scope_json = ?, employee_ids_json = ?,
			succeeded = ?, failed = ?, processed = ?, failures_acknowledged = ?,
			approved_at = ?, approved_by = ?, frozen_at = ?, frozen_by = ?,
			completed_at = ?, completed_by = ?, active_request_id = ?,
			snapshot_ids_json = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		batch.Period.String(),
		batch.Status,
		string(scopeJSON),
		string(employeesJSON),
		batch.Succeeded, batch.Failed, batch.Processed,
		batch.FailuresAcknowledged,
		nullTime(batch.ApprovedAt), nullString(batch.ApprovedBy),
		nullTime(batch.FrozenAt), nullString(batch.FrozenBy),
		nullTime(batch.CompletedAt), nullString(batch.CompletedBy),
		nullRequestID(batch.ActiveRequestID),
		string(snapshotsJSON),
		batch.ID,
		expect,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var actual payroll.BatchStatus
	err = s.db.QueryRowContext(ctx, "SELECT status FROM batches WHERE id = ?", batch.ID).Scan(&actual)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", payroll.ErrBatchNotFound, batch.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read batch status: %w", err)
	}
	return &payroll.ConcurrencyConflictError{BatchID: batch.ID, Expected: expect, Actual: actual}
}

// DeleteBatch removes the batch and its records atomically.
func (s *Store) DeleteBatch(ctx context.Context, id payroll.BatchID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM batches WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", payroll.ErrBatchNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM payroll_records WHERE batch_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return tx.Commit()
}

const batchSelect = `
	SELECT id, period, status, scope_json, employee_ids_json, succeeded, failed,
	       processed, failures_acknowledged, created_at, created_by,
	       approved_at, approved_by, frozen_at, frozen_by, completed_at,
	       completed_by, active_request_id, snapshot_ids_json
	FROM batches`

func (s *Store) queryBatches(ctx context.Context, query string, args ...any) ([]*payroll.PayrollBatch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []*payroll.PayrollBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

func scanBatch(rows *sql.Rows) (*payroll.PayrollBatch, error) {
	var (
		b             payroll.PayrollBatch
		period        string
		scopeJSON     string
		employeesJSON string
		snapshotsJSON string
		createdAt     string
		approvedAt    sql.NullString
		approvedBy    sql.NullString
		frozenAt      sql.NullString
		frozenBy      sql.NullString
		completedAt   sql.NullString
		completedBy   sql.NullString
		requestID     sql.NullString
	)

	err := rows.Scan(
		&b.ID, &period, &b.Status, &scopeJSON, &employeesJSON,
		&b.Succeeded, &b.Failed, &b.Processed, &b.FailuresAcknowledged,
		&createdAt, &b.CreatedBy,
		&approvedAt, &approvedBy, &frozenAt, &frozenBy,
		&completedAt, &completedBy, &requestID, &snapshotsJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}

	b.Period, err = payroll.ParsePeriod(period)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored period %q: %w", period, err)
	}
	if err := json.Unmarshal([]byte(scopeJSON), &b.Scope); err != nil {
		return nil, fmt.Errorf("failed to decode scope: %w", err)
	}
	if err := json.Unmarshal([]byte(employeesJSON), &b.EmployeeIDs); err != nil {
		return nil, fmt.Errorf("failed to decode employee ids: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshotsJSON), &b.SnapshotIDs); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot ids: %w", err)
	}

	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	b.ApprovedAt = parseNullTime(approvedAt)
	b.ApprovedBy = approvedBy.String
	b.FrozenAt = parseNullTime(frozenAt)
	b.FrozenBy = frozenBy.String
	b.CompletedAt = parseNullTime(completedAt)
	b.CompletedBy = completedBy.String
	if requestID.Valid {
		id := payroll.RequestID(requestID.String)
		b.ActiveRequestID = &id
	}
	return &b, nil
}

// =============================================================================
// RECORD STORE
// =============================================================================

// PutRecord upserts the record keyed by (batch, employee).
func (s *Store) PutRecord(ctx context.Context, record *payroll.EmployeePayrollRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.putRecordTx(ctx, s.db, record)
}

func (s *Store) putRecordTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, record *payroll.EmployeePayrollRecord) error {
	rowJSON, _ := json.Marshal(record.Row)
	var payslipJSON sql.NullString
	if record.Payslip != nil {
		data, _ := json.Marshal(record.Payslip)
		payslipJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO payroll_records
		(id, batch_id, employee_id, employee_number, period, row_json, payslip_json,
		 source_fingerprint, status, failure_reason, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, employee_id) DO UPDATE SET
			id = excluded.id,
			employee_number = excluded.employee_number,
			row_json = excluded.row_json,
			payslip_json = excluded.payslip_json,
			source_fingerprint = excluded.source_fingerprint,
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			computed_at = excluded.computed_at
	`

	_, err := db.ExecContext(ctx, query,
		record.ID, record.BatchID, record.EmployeeID, record.EmployeeNumber,
		record.Period.String(),
		string(rowJSON), payslipJSON,
		record.SourceFingerprint,
		record.Status,
		nullString(record.FailureReason),
		record.ComputedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

// GetRecord returns the record or payroll.ErrRecordNotFound.
func (s *Store) GetRecord(ctx context.Context, batchID payroll.BatchID, employeeID string) (*payroll.EmployeePayrollRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := recordSelect + " WHERE batch_id = ? AND employee_id = ?"
	records, err := s.queryRecords(ctx, query, batchID, employeeID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: batch %s employee %s", payroll.ErrRecordNotFound, batchID, employeeID)
	}
	return records[0], nil
}

// ListRecords returns the batch's records in employee-number order.
func (s *Store) ListRecords(ctx context.Context, batchID payroll.BatchID) ([]*payroll.EmployeePayrollRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := recordSelect + " WHERE batch_id = ? ORDER BY employee_number ASC, employee_id ASC"
	return s.queryRecords(ctx, query, batchID)
}

// ReplaceRecords atomically swaps the batch's record set. Used by rollback.
func (s *Store) ReplaceRecords(ctx context.Context, batchID payroll.BatchID, records []*payroll.EmployeePayrollRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM payroll_records WHERE batch_id = ?", batchID); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	for _, record := range records {
		if err := s.putRecordTx(ctx, tx, record); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const recordSelect = `
	SELECT id, batch_id, employee_id, employee_number, period, row_json,
	       payslip_json, source_fingerprint, status, failure_reason, computed_at
	FROM payroll_records`

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*payroll.EmployeePayrollRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*payroll.EmployeePayrollRecord
	for rows.Next() {
		var (
			r             payroll.EmployeePayrollRecord
			period        string
			rowJSON       string
			payslipJSON   sql.NullString
			failureReason sql.NullString
			computedAt    string
		)
		if err := rows.Scan(
			&r.ID, &r.BatchID, &r.EmployeeID, &r.EmployeeNumber, &period,
			&rowJSON, &payslipJSON, &r.SourceFingerprint, &r.Status,
			&failureReason, &computedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		r.Period, err = payroll.ParsePeriod(period)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored period %q: %w", period, err)
		}
		if err := json.Unmarshal([]byte(rowJSON), &r.Row); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		if payslipJSON.Valid {
			var p payroll.Payslip
			if err := json.Unmarshal([]byte(payslipJSON.String), &p); err != nil {
				return nil, fmt.Errorf("failed to decode payslip: %w", err)
			}
			r.Payslip = &p
		}
		r.FailureReason = failureReason.String
		r.ComputedAt, _ = time.Parse(time.RFC3339, computedAt)

		records = append(records, &r)
	}
	return records, rows.Err()
}

// =============================================================================
// RECALCULATION REQUEST STORE
// =============================================================================

// SaveRequest upserts a recalculation request.
func (s *Store) SaveRequest(ctx context.Context, request *payroll.RecalculationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO recalc_requests
		(id, batch_id, requester_id, reason, requested_at, status, granter_id, granted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			granter_id = excluded.granter_id,
			granted_at = excluded.granted_at
	`

	_, err := s.db.ExecContext(ctx, query,
		request.ID, request.BatchID, request.RequesterID,
		nullString(request.Reason),
		request.RequestedAt.Format(time.RFC3339),
		request.Status,
		nullString(request.GranterID),
		nullTime(request.GrantedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

// GetRequest returns the request or payroll.ErrRequestNotFound.
func (s *Store) GetRequest(ctx context.Context, id payroll.RequestID) (*payroll.RecalculationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := requestSelect + " WHERE id = ?"
	request, err := s.queryOneRequest(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, fmt.Errorf("%w: %s", payroll.ErrRequestNotFound, id)
	}
	return request, nil
}

// ActiveRequest returns the batch's pending or granted request, or nil.
func (s *Store) ActiveRequest(ctx context.Context, batchID payroll.BatchID) (*payroll.RecalculationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := requestSelect + " WHERE batch_id = ? AND status IN ('pending', 'granted') LIMIT 1"
	return s.queryOneRequest(ctx, query, batchID)
}

const requestSelect = `
	SELECT id, batch_id, requester_id, reason, requested_at, status, granter_id, granted_at
	FROM recalc_requests`

func (s *Store) queryOneRequest(ctx context.Context, query string, args ...any) (*payroll.RecalculationRequest, error) {
	var (
		r           payroll.RecalculationRequest
		reason      sql.NullString
		requestedAt string
		granterID   sql.NullString
		grantedAt   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&r.ID, &r.BatchID, &r.RequesterID, &reason, &requestedAt,
		&r.Status, &granterID, &grantedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query request: %w", err)
	}

	r.Reason = reason.String
	r.RequestedAt, _ = time.Parse(time.RFC3339, requestedAt)
	r.GranterID = granterID.String
	r.GrantedAt = parseNullTime(grantedAt)
	return &r, nil
}

// =============================================================================
// SNAPSHOT STORE (append-only)
// =============================================================================

// AppendSnapshot persists a snapshot. Snapshots are never updated or
// deleted.
func (s *Store) AppendSnapshot(ctx context.Context, snapshot *payroll.HistorySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batchJSON, _ := json.Marshal(snapshot.Batch)
	recordsJSON, _ := json.Marshal(snapshot.Records)

	query := `
		INSERT INTO history_snapshots
		(id, batch_id, captured_at, trigger_kind, batch_json, records_json, seq)
		VALUES (?, ?, ?, ?, ?, ?,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM history_snapshots))
	`

	_, err := s.db.ExecContext(ctx, query,
		snapshot.ID, snapshot.BatchID,
		snapshot.CapturedAt.Format(time.RFC3339),
		snapshot.Trigger,
		string(batchJSON), string(recordsJSON),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: snapshot %s already exists", payroll.ErrPersistence, snapshot.ID)
		}
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the snapshot or payroll.ErrSnapshotNotFound.
func (s *Store) GetSnapshot(ctx context.Context, id payroll.SnapshotID) (*payroll.HistorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := snapshotSelect + " WHERE id = ?"
	snapshots, err := s.querySnapshots(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("%w: %s", payroll.ErrSnapshotNotFound, id)
	}
	return snapshots[0], nil
}

// ListSnapshots returns the batch's snapshots oldest first.
func (s *Store) ListSnapshots(ctx context.Context, batchID payroll.BatchID) ([]*payroll.HistorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := snapshotSelect + " WHERE batch_id = ? ORDER BY seq ASC"
	return s.querySnapshots(ctx, query, batchID)
}

const snapshotSelect = `
	SELECT id, batch_id, captured_at, trigger_kind, batch_json, records_json
	FROM history_snapshots`

func (s *Store) querySnapshots(ctx context.Context, query string, args ...any) ([]*payroll.HistorySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*payroll.HistorySnapshot
	for rows.Next() {
		var (
			snap        payroll.HistorySnapshot
			capturedAt  string
			batchJSON   string
			recordsJSON string
		)
		if err := rows.Scan(&snap.ID, &snap.BatchID, &capturedAt, &snap.Trigger,
			&batchJSON, &recordsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}

		snap.CapturedAt, _ = time.Parse(time.RFC3339, capturedAt)
		if err := json.Unmarshal([]byte(batchJSON), &snap.Batch); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot batch: %w", err)
		}
		if err := json.Unmarshal([]byte(recordsJSON), &snap.Records); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot records: %w", err)
		}
		snapshots = append(snapshots, &snap)
	}
	return snapshots, rows.Err()
}

// =============================================================================
// COLUMN CONFIG STORE (payroll.ConfigStore interface)
// =============================================================================

// SaveColumnSet validates and appends a new configuration version.
func (s *Store) SaveColumnSet(ctx context.Context, columns payroll.ColumnSet) (payroll.ColumnSet, error) {
	if err := columns.Validate(); err != nil {
		return payroll.ColumnSet{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	columnsJSON, _ := json.Marshal(columns.Columns)

	query := `
		INSERT INTO column_configs (version, columns_json, created_at)
		VALUES ((SELECT COALESCE(MAX(version), 0) + 1 FROM column_configs), ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(columnsJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return payroll.ColumnSet{}, fmt.Errorf("failed to save column config: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM column_configs").Scan(&version); err != nil {
		return payroll.ColumnSet{}, fmt.Errorf("failed to read column config version: %w", err)
	}
	columns.Version = version
	return columns, nil
}

// CurrentColumnSet returns the latest configuration, or an empty set when
// none has been saved yet.
func (s *Store) CurrentColumnSet(ctx context.Context) (payroll.ColumnSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		set         payroll.ColumnSet
		columnsJSON string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT version, columns_json FROM column_configs ORDER BY version DESC LIMIT 1",
	).Scan(&set.Version, &columnsJSON)
	if err == sql.ErrNoRows {
		return payroll.ColumnSet{}, nil
	}
	if err != nil {
		return payroll.ColumnSet{}, fmt.Errorf("failed to query column config: %w", err)
	}
	if err := json.Unmarshal([]byte(columnsJSON), &set.Columns); err != nil {
		return payroll.ColumnSet{}, fmt.Errorf("failed to decode column config: %w", err)
	}
	return set, nil
}

// =============================================================================
// MASTER DATA - DIRECTORY (masterdata.Directory interface)
// =============================================================================

// SaveDivision upserts a division.
func (s *Store) SaveDivision(ctx context.Context, d masterdata.Division) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO divisions (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`
	_, err := s.db.ExecContext(ctx, query, d.ID, d.Name)
	return err
}

// SaveDepartment upserts a department.
func (s *Store) SaveDepartment(ctx context.Context, d masterdata.Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO departments (id, division_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			division_id = excluded.division_id,
			name = excluded.name
	`
	_, err := s.db.ExecContext(ctx, query, d.ID, d.DivisionID, d.Name)
	return err
}

// SaveEmployee upserts an employee master record.
func (s *Store) SaveEmployee(ctx context.Context, emp masterdata.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO employees
		(id, number, name, division_id, department_id, status, join_date, end_date, basic_salary, grade)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			name = excluded.name,
			division_id = excluded.division_id,
			department_id = excluded.department_id,
			status = excluded.status,
			join_date = excluded.join_date,
			end_date = excluded.end_date,
			basic_salary = excluded.basic_salary,
			grade = excluded.grade
	`
	_, err := s.db.ExecContext(ctx, query,
		emp.ID, emp.Number, emp.Name, emp.DivisionID,
		nullString(emp.DepartmentID),
		emp.Status,
		emp.JoinDate.Format(time.RFC3339),
		nullTime(emp.EndDate),
		emp.BasicSalary.String(),
		nullString(emp.Grade),
	)
	return err
}

// DivisionExists reports whether the division is known.
func (s *Store) DivisionExists(ctx context.Context, divisionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM divisions WHERE id = ?", divisionID,
	).Scan(&count)
	return count > 0, err
}

// EmployeesByDivision returns all employees in the division.
func (s *Store) EmployeesByDivision(ctx context.Context, divisionID string) ([]masterdata.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := employeeSelect + " WHERE division_id = ? ORDER BY number ASC"
	return s.queryEmployees(ctx, query, divisionID)
}

// GetEmployee returns the employee or nil when unknown.
func (s *Store) GetEmployee(ctx context.Context, employeeID string) (*masterdata.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := employeeSelect + " WHERE id = ?"
	employees, err := s.queryEmployees(ctx, query, employeeID)
	if err != nil {
		return nil, err
	}
	if len(employees) == 0 {
		return nil, nil
	}
	return &employees[0], nil
}

const employeeSelect = `
	SELECT id, number, name, division_id, department_id, status, join_date,
	       end_date, basic_salary, grade
	FROM employees`

func (s *Store) queryEmployees(ctx context.Context, query string, args ...any) ([]masterdata.Employee, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var employees []masterdata.Employee
	for rows.Next() {
		var (
			emp          masterdata.Employee
			departmentID sql.NullString
			joinDate     string
			endDate      sql.NullString
			basicSalary  string
			grade        sql.NullString
		)
		if err := rows.Scan(&emp.ID, &emp.Number, &emp.Name, &emp.DivisionID,
			&departmentID, &emp.Status, &joinDate, &endDate, &basicSalary, &grade); err != nil {
			return nil, fmt.Errorf("failed to scan employee: %w", err)
		}

		emp.DepartmentID = departmentID.String
		emp.JoinDate, _ = time.Parse(time.RFC3339, joinDate)
		emp.EndDate = parseNullTime(endDate)
		emp.BasicSalary, err = decimal.NewFromString(basicSalary)
		if err != nil {
			return nil, fmt.Errorf("failed to parse basic salary %q: %w", basicSalary, err)
		}
		emp.Grade = grade.String

		employees = append(employees, emp)
	}
	return employees, rows.Err()
}

// =============================================================================
// MASTER DATA - PAY REGISTER (masterdata.PayRegister interface)
// =============================================================================

// SaveRegisterEntry upserts the entry and bumps its version on change.
func (s *Store) SaveRegisterEntry(ctx context.Context, entry masterdata.PayRegisterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fieldsJSON, _ := json.Marshal(entry.Fields)

	query := `
		INSERT INTO pay_register (employee_id, year, month, version, fields_json)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(employee_id, year, month) DO UPDATE SET
			version = pay_register.version + 1,
			fields_json = excluded.fields_json
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.EmployeeID, entry.Year, int(entry.Month), string(fieldsJSON))
	return err
}

// Entry returns the register entry, or nil when the register has no data
// for the employee in that period.
func (s *Store) Entry(ctx context.Context, employeeID string, year int, month time.Month) (*masterdata.PayRegisterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		entry      masterdata.PayRegisterEntry
		fieldsJSON string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT version, fields_json FROM pay_register WHERE employee_id = ? AND year = ? AND month = ?",
		employeeID, year, int(month),
	).Scan(&entry.Version, &fieldsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query register entry: %w", err)
	}

	entry.EmployeeID = employeeID
	entry.Year = year
	entry.Month = month
	if err := json.Unmarshal([]byte(fieldsJSON), &entry.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode register fields: %w", err)
	}
	return &entry, nil
}

// =============================================================================
// MASTER DATA - ATTENDANCE (masterdata.Attendance interface)
// =============================================================================

// SaveAttendance upserts an attendance summary.
func (s *Store) SaveAttendance(ctx context.Context, summary masterdata.AttendanceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO attendance (employee_id, year, month, days_present, days_absent, overtime_hours, leave_days)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(employee_id, year, month) DO UPDATE SET
			days_present = excluded.days_present,
			days_absent = excluded.days_absent,
			overtime_hours = excluded.overtime_hours,
			leave_days = excluded.leave_days
	`
	_, err := s.db.ExecContext(ctx, query,
		summary.EmployeeID, summary.Year, int(summary.Month),
		summary.DaysPresent.String(), summary.DaysAbsent.String(),
		summary.OvertimeHours.String(), summary.LeaveDays.String(),
	)
	return err
}

// Summary returns the attendance aggregate, or nil when absent.
func (s *Store) Summary(ctx context.Context, employeeID string, year int, month time.Month) (*masterdata.AttendanceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var present, absent, overtime, leave string
	err := s.db.QueryRowContext(ctx,
		"SELECT days_present, days_absent, overtime_hours, leave_days FROM attendance WHERE employee_id = ? AND year = ? AND month = ?",
		employeeID, year, int(month),
	).Scan(&present, &absent, &overtime, &leave)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}

	summary := masterdata.AttendanceSummary{EmployeeID: employeeID, Year: year, Month: month}
	if summary.DaysPresent, err = decimal.NewFromString(present); err != nil {
		return nil, fmt.Errorf("failed to parse days present: %w", err)
	}
	if summary.DaysAbsent, err = decimal.NewFromString(absent); err != nil {
		return nil, fmt.Errorf("failed to parse days absent: %w", err)
	}
	if summary.OvertimeHours, err = decimal.NewFromString(overtime); err != nil {
		return nil, fmt.Errorf("failed to parse overtime hours: %w", err)
	}
	if summary.LeaveDays, err = decimal.NewFromString(leave); err != nil {
		return nil, fmt.Errorf("failed to parse leave days: %w", err)
	}
	return &summary, nil
}

// =============================================================================
// MASTER DATA - ARREARS (masterdata.Arrears interface)
// =============================================================================

// SaveSettlement upserts an arrears settlement.
func (s *Store) SaveSettlement(ctx context.Context, settlement masterdata.ArrearsSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO arrears (id, employee_id, year, month, amount, reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			reason = excluded.reason
	`
	_, err := s.db.ExecContext(ctx, query,
		settlement.ID, settlement.EmployeeID, settlement.Year, int(settlement.Month),
		settlement.Amount.String(), nullString(settlement.Reason),
	)
	return err
}

// Settlements returns the employee's settlements for a period, ID order.
func (s *Store) Settlements(ctx context.Context, employeeID string, year int, month time.Month) ([]masterdata.ArrearsSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, amount, reason FROM arrears
		WHERE employee_id = ? AND year = ? AND month = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, employeeID, year, int(month))
	if err != nil {
		return nil, fmt.Errorf("failed to query arrears: %w", err)
	}
	defer rows.Close()

	var settlements []masterdata.ArrearsSettlement
	for rows.Next() {
		var (
			settlement masterdata.ArrearsSettlement
			amount     string
			reason     sql.NullString
		)
		if err := rows.Scan(&settlement.ID, &amount, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		if settlement.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse settlement amount: %w", err)
		}
		settlement.EmployeeID = employeeID
		settlement.Year = year
		settlement.Month = month
		settlement.Reason = reason.String
		settlements = append(settlements, settlement)
	}
	return settlements, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"batches", "payroll_records", "recalc_requests", "history_snapshots",
		"column_configs", "employees", "divisions", "departments",
		"pay_register", "attendance", "arrears",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func nullRequestID(id *payroll.RequestID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
