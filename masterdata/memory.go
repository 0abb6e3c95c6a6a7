package masterdata

import (
	"context"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// MEMORY FIXTURES - In-memory implementations (for testing/dev)
// =============================================================================

// Memory implements Directory, PayRegister, Attendance, and Arrears
// from in-memory maps. Used by tests and the demo server seed.
type Memory struct {
	mu          sync.RWMutex
	divisions   map[string]Division
	departments map[string]Department
	employees   map[string]Employee
	register    map[registerKey]*PayRegisterEntry
	attendance  map[registerKey]*AttendanceSummary
	arrears     map[registerKey][]ArrearsSettlement
}

type registerKey struct {
	EmployeeID string
	Year       int
	Month      time.Month
}

func NewMemory() *Memory {
	return &Memory{
		divisions:   make(map[string]Division),
		departments: make(map[string]Department),
		employees:   make(map[string]Employee),
		register:    make(map[registerKey]*PayRegisterEntry),
		attendance:  make(map[registerKey]*AttendanceSummary),
		arrears:     make(map[registerKey][]ArrearsSettlement),
	}
}

func (m *Memory) AddDivision(d Division) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.divisions[d.ID] = d
}

func (m *Memory) AddDepartment(d Department) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.departments[d.ID] = d
}

func (m *Memory) AddEmployee(e Employee) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[e.ID] = e
}

func (m *Memory) SetRegisterEntry(e PayRegisterEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := e
	m.register[registerKey{e.EmployeeID, e.Year, e.Month}] = &entry
}

func (m *Memory) SetAttendance(a AttendanceSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := a
	m.attendance[registerKey{a.EmployeeID, a.Year, a.Month}] = &summary
}

func (m *Memory) AddSettlement(s ArrearsSettlement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := registerKey{s.EmployeeID, s.Year, s.Month}
	m.arrears[k] = append(m.arrears[k], s)
}

// Directory

func (m *Memory) DivisionExists(_ context.Context, divisionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.divisions[divisionID]
	return ok, nil
}

func (m *Memory) EmployeesByDivision(_ context.Context, divisionID string) ([]Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Employee
	for _, e := range m.employees {
		if e.DivisionID == divisionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *Memory) GetEmployee(_ context.Context, employeeID string) (*Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.employees[employeeID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// PayRegister

func (m *Memory) Entry(_ context.Context, employeeID string, year int, month time.Month) (*PayRegisterEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.register[registerKey{employeeID, year, month}]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

// Attendance

func (m *Memory) Summary(_ context.Context, employeeID string, year int, month time.Month) (*AttendanceSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary, ok := m.attendance[registerKey{employeeID, year, month}]
	if !ok {
		return nil, nil
	}
	copied := *summary
	return &copied, nil
}

// Arrears

func (m *Memory) Settlements(_ context.Context, employeeID string, year int, month time.Month) ([]ArrearsSettlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	settlements := m.arrears[registerKey{employeeID, year, month}]
	out := make([]ArrearsSettlement, len(settlements))
	copy(out, settlements)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
