// Package store provides payroll.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	batches   map[payroll.BatchID]*payroll.PayrollBatch
	order     []payroll.BatchID // creation order, oldest first
	records   map[recordKey]*payroll.EmployeePayrollRecord
	requests  map[payroll.RequestID]*payroll.RecalculationRequest
	snapshots map[payroll.SnapshotID]*payroll.HistorySnapshot
	snapOrder map[payroll.BatchID][]payroll.SnapshotID
	columns   payroll.ColumnSet
}

type recordKey struct {
	BatchID    payroll.BatchID
	EmployeeID string
}

func NewMemory() *Memory {
	return &Memory{
		batches:   make(map[payroll.BatchID]*payroll.PayrollBatch),
		records:   make(map[recordKey]*payroll.EmployeePayrollRecord),
		requests:  make(map[payroll.RequestID]*payroll.RecalculationRequest),
		snapshots: make(map[payroll.SnapshotID]*payroll.HistorySnapshot),
		snapOrder: make(map[payroll.BatchID][]payroll.SnapshotID),
	}
}

// ===== BATCHES =====

func (m *Memory) CreateBatch(_ context.Context, batch *payroll.PayrollBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.batches[batch.ID]; exists {
		return fmt.Errorf("%w: batch %s already exists", payroll.ErrPersistence, batch.ID)
	}
	m.batches[batch.ID] = batch.Clone()
	m.order = append(m.order, batch.ID)
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id payroll.BatchID) (*payroll.PayrollBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	batch, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", payroll.ErrBatchNotFound, id)
	}
	return batch.Clone(), nil
}

func (m *Memory) ListBatches(_ context.Context, filter payroll.BatchFilter) ([]*payroll.PayrollBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first.
	result := make([]*payroll.PayrollBatch, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		batch := m.batches[m.order[i]]
		if batch == nil || !matches(batch, filter) {
			continue
		}
		result = append(result, batch.Clone())
	}
	return result, nil
}

func matches(batch *payroll.PayrollBatch, filter payroll.BatchFilter) bool {
	if filter.DivisionID != "" && batch.Scope.DivisionID != filter.DivisionID {
		return false
	}
	if filter.Period != nil && *filter.Period != batch.Period {
		return false
	}
	if filter.Status != "" && batch.Status != filter.Status {
		return false
	}
	return true
}

func (m *Memory) UpdateBatch(_ context.Context, batch *payroll.PayrollBatch, expect payroll.BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.batches[batch.ID]
	if !ok {
		return fmt.Errorf("%w: %s", payroll.ErrBatchNotFound, batch.ID)
	}
	if current.Status != expect {
		return &payroll.ConcurrencyConflictError{
			BatchID:  batch.ID,
			Expected: expect,
			Actual:   current.Status,
		}
	}
	m.batches[batch.ID] = batch.Clone()
	return nil
}

func (m *Memory) DeleteBatch(_ context.Context, id payroll.BatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[id]; !ok {
		return fmt.Errorf("%w: %s", payroll.ErrBatchNotFound, id)
	}
	delete(m.batches, id)
	for i, bid := range m.order {
		if bid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for k := range m.records {
		if k.BatchID == id {
			delete(m.records, k)
		}
	}
	return nil
}

// ===== RECORDS =====

func (m *Memory) PutRecord(_ context.Context, record *payroll.EmployeePayrollRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := recordKey{BatchID: record.BatchID, EmployeeID: record.EmployeeID}
	m.records[k] = record.Clone()
	return nil
}

func (m *Memory) GetRecord(_ context.Context, batchID payroll.BatchID, employeeID string) (*payroll.EmployeePayrollRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[recordKey{BatchID: batchID, EmployeeID: employeeID}]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s employee %s", payroll.ErrRecordNotFound, batchID, employeeID)
	}
	return record.Clone(), nil
}

func (m *Memory) ListRecords(_ context.Context, batchID payroll.BatchID) ([]*payroll.EmployeePayrollRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRecordsLocked(batchID), nil
}

func (m *Memory) listRecordsLocked(batchID payroll.BatchID) []*payroll.EmployeePayrollRecord {
	var result []*payroll.EmployeePayrollRecord
	for k, record := range m.records {
		if k.BatchID == batchID {
			result = append(result, record.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EmployeeNumber != result[j].EmployeeNumber {
			return result[i].EmployeeNumber < result[j].EmployeeNumber
		}
		return result[i].EmployeeID < result[j].EmployeeID
	})
	return result
}

func (m *Memory) ReplaceRecords(_ context.Context, batchID payroll.BatchID, records []*payroll.EmployeePayrollRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.records {
		if k.BatchID == batchID {
			delete(m.records, k)
		}
	}
	for _, record := range records {
		k := recordKey{BatchID: batchID, EmployeeID: record.EmployeeID}
		m.records[k] = record.Clone()
	}
	return nil
}

// ===== RECALCULATION REQUESTS =====

func (m *Memory) SaveRequest(_ context.Context, request *payroll.RecalculationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *request
	m.requests[request.ID] = &clone
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id payroll.RequestID) (*payroll.RecalculationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	request, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", payroll.ErrRequestNotFound, id)
	}
	clone := *request
	return &clone, nil
}

func (m *Memory) ActiveRequest(_ context.Context, batchID payroll.BatchID) (*payroll.RecalculationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, request := range m.requests {
		if request.BatchID == batchID && request.Active() {
			clone := *request
			return &clone, nil
		}
	}
	return nil, nil
}

// ===== SNAPSHOTS =====

func (m *Memory) AppendSnapshot(_ context.Context, snapshot *payroll.HistorySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.snapshots[snapshot.ID]; exists {
		return fmt.Errorf("%w: snapshot %s already exists", payroll.ErrPersistence, snapshot.ID)
	}
	m.snapshots[snapshot.ID] = cloneSnapshot(snapshot)
	m.snapOrder[snapshot.BatchID] = append(m.snapOrder[snapshot.BatchID], snapshot.ID)
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, id payroll.SnapshotID) (*payroll.HistorySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot, ok := m.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", payroll.ErrSnapshotNotFound, id)
	}
	return cloneSnapshot(snapshot), nil
}

func (m *Memory) ListSnapshots(_ context.Context, batchID payroll.BatchID) ([]*payroll.HistorySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Oldest first, append order.
	ids := m.snapOrder[batchID]
	result := make([]*payroll.HistorySnapshot, 0, len(ids))
	for _, id := range ids {
		if snapshot, ok := m.snapshots[id]; ok {
			result = append(result, cloneSnapshot(snapshot))
		}
	}
	return result, nil
}

func cloneSnapshot(s *payroll.HistorySnapshot) *payroll.HistorySnapshot {
	clone := *s
	clone.Batch = *s.Batch.Clone()
	clone.Records = make([]payroll.EmployeePayrollRecord, len(s.Records))
	for i := range s.Records {
		clone.Records[i] = *s.Records[i].Clone()
	}
	return &clone
}

// ===== COLUMN CONFIG =====

func (m *Memory) SaveColumnSet(_ context.Context, columns payroll.ColumnSet) (payroll.ColumnSet, error) {
	if err := columns.Validate(); err != nil {
		return payroll.ColumnSet{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	columns.Version = m.columns.Version + 1
	columns.Columns = append([]payroll.ColumnSpec(nil), columns.Columns...)
	m.columns = columns
	return columns, nil
}

func (m *Memory) CurrentColumnSet(_ context.Context) (payroll.ColumnSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	current := m.columns
	current.Columns = append([]payroll.ColumnSpec(nil), m.columns.Columns...)
	return current, nil
}
