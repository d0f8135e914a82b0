// Package store provides an in-memory lifecycle.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/incapacidades/lifecycle"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	cases     map[string]lifecycle.Case // by ID
	bySerial  map[string]string         // serial -> ID
	order     []string                  // IDs in insertion order
	events    []lifecycle.CaseEvent
	employees map[string]lifecycle.Employee
}

func NewMemory() *Memory {
	return &Memory{
		cases:     make(map[string]lifecycle.Case),
		bySerial:  make(map[string]string),
		employees: make(map[string]lifecycle.Employee),
	}
}

func (m *Memory) InsertCase(_ context.Context, c lifecycle.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(c)
}

func (m *Memory) UpdateCase(_ context.Context, c lifecycle.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(c)
}

func (m *Memory) GetCaseBySerial(_ context.Context, serial string) (*lifecycle.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySerialLocked(serial), nil
}

func (m *Memory) GetCaseByID(_ context.Context, id string) (*lifecycle.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byIDLocked(id), nil
}

func (m *Memory) FindCases(_ context.Context, filter lifecycle.CaseFilter) ([]lifecycle.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(filter), nil
}

func (m *Memory) SerialExists(_ context.Context, serial string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bySerial[serial]
	return ok, nil
}

func (m *Memory) DeleteSupersededCases(_ context.Context, cedula string, fechaInicio lifecycle.Date, keepID string) ([]lifecycle.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteSupersededLocked(cedula, fechaInicio, keepID), nil
}

func (m *Memory) AppendEvent(_ context.Context, e lifecycle.CaseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, filter lifecycle.EventFilter) ([]lifecycle.CaseEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventsLocked(filter), nil
}

func (m *Memory) SaveEmployee(_ context.Context, e lifecycle.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[e.Cedula] = e
	return nil
}

func (m *Memory) GetEmployee(_ context.Context, cedula string) (*lifecycle.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.employees[cedula]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) ListEmployees(_ context.Context) ([]lifecycle.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.employeesLocked(), nil
}

// =============================================================================
// LOCKED HELPERS - Callers hold m.mu
// =============================================================================

// employeesLocked returns every employee ordered by name.
func (m *Memory) employeesLocked() []lifecycle.Employee {
	out := make([]lifecycle.Employee, 0, len(m.employees))
	for _, e := range m.employees {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Nombre != out[j].Nombre {
			return out[i].Nombre < out[j].Nombre
		}
		return out[i].Cedula < out[j].Cedula
	})
	return out
}

func (m *Memory) insertLocked(c lifecycle.Case) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, taken := m.bySerial[c.Serial]; taken {
		return lifecycle.ErrDuplicateSerial
	}
	if err := m.checkSingleBlockLocked(c); err != nil {
		return err
	}
	c = cloneCase(c)
	m.cases[c.ID] = c
	m.bySerial[c.Serial] = c.ID
	m.order = append(m.order, c.ID)
	return nil
}

func (m *Memory) updateLocked(c lifecycle.Case) error {
	if err := c.Validate(); err != nil {
		return err
	}
	existing, ok := m.cases[c.ID]
	if !ok {
		return &lifecycle.NotFoundError{Kind: "case", Key: c.ID}
	}
	if existing.Serial != c.Serial {
		return &lifecycle.InvalidInputError{Field: "serial", Value: c.Serial, Reason: "serial is immutable"}
	}
	if err := m.checkSingleBlockLocked(c); err != nil {
		return err
	}
	m.cases[c.ID] = cloneCase(c)
	return nil
}

// checkSingleBlockLocked mirrors the partial unique index of the SQL store.
func (m *Memory) checkSingleBlockLocked(c lifecycle.Case) error {
	if !c.BloqueaNueva {
		return nil
	}
	for id, other := range m.cases {
		if id != c.ID && other.Cedula == c.Cedula && other.BloqueaNueva {
			return &lifecycle.ConcurrencyError{Cedula: c.Cedula, Err: lifecycle.ErrConcurrentModification}
		}
	}
	return nil
}

func (m *Memory) bySerialLocked(serial string) *lifecycle.Case {
	id, ok := m.bySerial[serial]
	if !ok {
		return nil
	}
	return m.byIDLocked(id)
}

func (m *Memory) byIDLocked(id string) *lifecycle.Case {
	c, ok := m.cases[id]
	if !ok {
		return nil
	}
	c = cloneCase(c)
	return &c
}

func (m *Memory) findLocked(filter lifecycle.CaseFilter) []lifecycle.Case {
	var out []lifecycle.Case
	for _, id := range m.order {
		c, ok := m.cases[id]
		if !ok || !filter.Matches(c) {
			continue
		}
		out = append(out, cloneCase(c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

func (m *Memory) deleteSupersededLocked(cedula string, fechaInicio lifecycle.Date, keepID string) []lifecycle.Case {
	var deleted []lifecycle.Case
	kept := m.order[:0:0]
	for _, id := range m.order {
		c, ok := m.cases[id]
		if ok && id != keepID && c.Cedula == cedula && c.FechaInicio.Equal(fechaInicio) && c.Estado.IsIncomplete() {
			deleted = append(deleted, c)
			delete(m.cases, id)
			delete(m.bySerial, c.Serial)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return deleted
}

func (m *Memory) eventsLocked(filter lifecycle.EventFilter) []lifecycle.CaseEvent {
	var out []lifecycle.CaseEvent
	for _, e := range m.events {
		if filter.CaseID != "" && e.CaseID != filter.CaseID {
			continue
		}
		if filter.Serial != "" && e.Serial != filter.Serial {
			continue
		}
		if filter.Cedula != "" && e.Cedula != filter.Cedula {
			continue
		}
		out = append(out, e)
	}
	return out
}

func cloneCase(c lifecycle.Case) lifecycle.Case {
	if c.Metadata.Checklist != nil {
		c.Metadata.Checklist = append(lifecycle.Checklist(nil), c.Metadata.Checklist...)
	}
	if c.Metadata.Extra != nil {
		extra := make(map[string]string, len(c.Metadata.Extra))
		for k, v := range c.Metadata.Extra {
			extra[k] = v
		}
		c.Metadata.Extra = extra
	}
	if c.FechaRecordatorio != nil {
		t := *c.FechaRecordatorio
		c.FechaRecordatorio = &t
	}
	return c
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// The whole store is locked, which subsumes the per-cedula lock. The view
// passed to fn only uses the *Locked helpers so it never re-enters mu.
func (tm *TxMemory) WithTx(ctx context.Context, _ string, fn func(lifecycle.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	cases     map[string]lifecycle.Case
	bySerial  map[string]string
	order     []string
	events    int
	employees map[string]lifecycle.Employee
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		cases:     make(map[string]lifecycle.Case, len(tm.cases)),
		bySerial:  make(map[string]string, len(tm.bySerial)),
		order:     append([]string(nil), tm.order...),
		events:    len(tm.events),
		employees: make(map[string]lifecycle.Employee, len(tm.employees)),
	}
	for k, v := range tm.cases {
		s.cases[k] = cloneCase(v)
	}
	for k, v := range tm.bySerial {
		s.bySerial[k] = v
	}
	for k, v := range tm.employees {
		s.employees[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.cases = s.cases
	tm.bySerial = s.bySerial
	tm.order = s.order
	tm.events = tm.events[:s.events]
	tm.employees = s.employees
}

type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) InsertCase(_ context.Context, c lifecycle.Case) error {
	return tv.parent.insertLocked(c)
}

func (tv *txMemoryView) UpdateCase(_ context.Context, c lifecycle.Case) error {
	return tv.parent.updateLocked(c)
}

func (tv *txMemoryView) GetCaseBySerial(_ context.Context, serial string) (*lifecycle.Case, error) {
	return tv.parent.bySerialLocked(serial), nil
}

func (tv *txMemoryView) GetCaseByID(_ context.Context, id string) (*lifecycle.Case, error) {
	return tv.parent.byIDLocked(id), nil
}

func (tv *txMemoryView) FindCases(_ context.Context, filter lifecycle.CaseFilter) ([]lifecycle.Case, error) {
	return tv.parent.findLocked(filter), nil
}

func (tv *txMemoryView) SerialExists(_ context.Context, serial string) (bool, error) {
	_, ok := tv.parent.bySerial[serial]
	return ok, nil
}

func (tv *txMemoryView) DeleteSupersededCases(_ context.Context, cedula string, fechaInicio lifecycle.Date, keepID string) ([]lifecycle.Case, error) {
	return tv.parent.deleteSupersededLocked(cedula, fechaInicio, keepID), nil
}

func (tv *txMemoryView) AppendEvent(_ context.Context, e lifecycle.CaseEvent) error {
	tv.parent.events = append(tv.parent.events, e)
	return nil
}

func (tv *txMemoryView) ListEvents(_ context.Context, filter lifecycle.EventFilter) ([]lifecycle.CaseEvent, error) {
	return tv.parent.eventsLocked(filter), nil
}

func (tv *txMemoryView) SaveEmployee(_ context.Context, e lifecycle.Employee) error {
	tv.parent.employees[e.Cedula] = e
	return nil
}

func (tv *txMemoryView) GetEmployee(_ context.Context, cedula string) (*lifecycle.Employee, error) {
	e, ok := tv.parent.employees[cedula]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (tv *txMemoryView) ListEmployees(_ context.Context) ([]lifecycle.Employee, error) {
	return tv.parent.employeesLocked(), nil
}
