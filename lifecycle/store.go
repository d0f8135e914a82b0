/*
store.go - Persistence interface for cases, events and employees

PURPOSE:
  Defines the boundary between the lifecycle rules and the database.
  Implementations: store/sqlite (production) and lifecycle/store (memory).

KEY INTERFACES:
  Store:   Case, event and employee persistence
  TxStore: Store plus WithTx, which serializes writers per cedula and runs
           fn inside one database transaction

WRITE RULES:
  - InsertCase rejects a taken serial with ErrDuplicateSerial.
  - InsertCase/UpdateCase run Case.Validate() and reject a second blocking
    case for the same cedula with a *ConcurrencyError.
  - UpdateCase never changes a serial.
  - DeleteSupersededCases is the ONLY destructive method. Events are never
    updated or deleted.

NOT FOUND:
  Getters return (nil, nil) when nothing matches. The engine turns that into
  a *NotFoundError so stores stay free of domain wording.

SEE ALSO:
  - engine.go: Uses TxStore for every mutating operation
  - store/sqlite/sqlite.go: SQLite implementation
  - lifecycle/store/memory.go: In-memory implementation
*/
package lifecycle

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	InsertCase(ctx context.Context, c Case) error
	UpdateCase(ctx context.Context, c Case) error
	GetCaseBySerial(ctx context.Context, serial string) (*Case, error)
	GetCaseByID(ctx context.Context, id string) (*Case, error)

	// FindCases returns matches ordered by CreatedAt ascending.
	FindCases(ctx context.Context, filter CaseFilter) ([]Case, error)

	SerialExists(ctx context.Context, serial string) (bool, error)

	// DeleteSupersededCases removes every incomplete-family case with the
	// given cedula and start date except keepID, returning what it removed.
	DeleteSupersededCases(ctx context.Context, cedula string, fechaInicio Date, keepID string) ([]Case, error)

	AppendEvent(ctx context.Context, e CaseEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]CaseEvent, error)

	SaveEmployee(ctx context.Context, e Employee) error
	GetEmployee(ctx context.Context, cedula string) (*Employee, error)
	ListEmployees(ctx context.Context) ([]Employee, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction holding the per-cedula lock.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, cedula string, fn func(Store) error) error
}

// SerialLookup is the slice of Store the serial generator needs.
type SerialLookup interface {
	SerialExists(ctx context.Context, serial string) (bool, error)
}

// =============================================================================
// FILTERS
// =============================================================================

// CaseFilter narrows FindCases. Zero fields do not filter.
type CaseFilter struct {
	Cedula              string
	FechaInicio         Date
	Estados             []State
	Blocked             *bool
	RecordatorioEnviado *bool
	CreatedFrom         time.Time // inclusive
	CreatedBefore       time.Time
	Limit               int
}

// Matches applies the filter in memory.
func (f CaseFilter) Matches(c Case) bool {
	if f.Cedula != "" && c.Cedula != f.Cedula {
		return false
	}
	if !f.FechaInicio.IsZero() && !c.FechaInicio.Equal(f.FechaInicio) {
		return false
	}
	if len(f.Estados) > 0 && !containsState(f.Estados, c.Estado) {
		return false
	}
	if f.Blocked != nil && c.BloqueaNueva != *f.Blocked {
		return false
	}
	if f.RecordatorioEnviado != nil && c.RecordatorioEnviado != *f.RecordatorioEnviado {
		return false
	}
	if !f.CreatedFrom.IsZero() && c.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !c.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// EventFilter narrows ListEvents. Events are returned oldest first.
type EventFilter struct {
	CaseID string
	Serial string
	Cedula string
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// Bool returns a pointer for optional filter fields.
func Bool(b bool) *bool { return &b }
