/*
Package sqlite provides a SQLite-backed implementation of lifecycle.TxStore.

PURPOSE:
  Persists employees, cases and the case event log. The same schema works
  on PostgreSQL with minor dialect changes (partial indexes exist there too).

KEY TABLES:
  employees:   Roster copy, keyed by cedula
  cases:       One row per submission (serial unique)
  case_events: Append-only audit log. No foreign key to cases, so events
               survive the purge of superseded cases.

INDEXES:
  - cases.serial UNIQUE:            serial uniqueness
  - idx_cases_one_block:            UNIQUE(cedula) WHERE bloquea_nueva = 1,
                                    at most one blocking case per employee
  - idx_cases_lineage:              resubmission detection and purge
  - CHECK estado/bloquea_nueva:     a complete case never blocks

CONCURRENCY:
  WithTx takes a per-cedula mutex, then opens an IMMEDIATE transaction.
  Inside a transaction every query goes through the *sql.Tx; nothing calls
  back into the pool. Unique violations on the block index or the serial
  surface as *lifecycle.ConcurrencyError / lifecycle.ErrDuplicateSerial.

WAL MODE:
  SQLite is opened with WAL and a busy timeout. The pool is capped at one
  connection, which also keeps ":memory:" databases coherent.

USAGE:
  store, err := sqlite.New("./data/incapacidades.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := lifecycle.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - lifecycle/store.go: Interface definitions
  - lifecycle/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/incapacidades/lifecycle"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements lifecycle.TxStore using SQLite.
type Store struct {
	queries
	db    *sql.DB
	locks cedulaLocks
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
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
	CREATE TABLE IF NOT EXISTS employees (
		cedula TEXT PRIMARY KEY,
		nombre TEXT NOT NULL,
		correo TEXT,
		telefono TEXT,
		empresa TEXT,
		eps TEXT,
		jefe_nombre TEXT,
		jefe_email TEXT,
		activo BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		serial TEXT NOT NULL UNIQUE,
		cedula TEXT NOT NULL,
		tipo TEXT,
		dias_incapacidad INTEGER NOT NULL DEFAULT 0,
		fecha_inicio TEXT NOT NULL,
		fecha_fin TEXT NOT NULL,
		estado TEXT NOT NULL,
		bloquea_nueva BOOLEAN NOT NULL DEFAULT FALSE,
		drive_link TEXT,
		email_form TEXT,
		telefono_form TEXT,
		metadata_json TEXT,
		recordatorio_enviado BOOLEAN NOT NULL DEFAULT FALSE,
		fecha_recordatorio TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (NOT (estado = 'COMPLETA' AND bloquea_nueva))
	);

	-- At most one blocking case per employee
	CREATE UNIQUE INDEX IF NOT EXISTS idx_cases_one_block
		ON cases(cedula) WHERE bloquea_nueva;

	-- Resubmission detection and superseded purge
	CREATE INDEX IF NOT EXISTS idx_cases_lineage
		ON cases(cedula, fecha_inicio, estado);

	CREATE INDEX IF NOT EXISTS idx_cases_estado
		ON cases(estado);

	-- Case events (append-only, no FK: outlives purged cases)
	CREATE TABLE IF NOT EXISTS case_events (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		serial TEXT NOT NULL,
		cedula TEXT NOT NULL,
		actor TEXT,
		action TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT,
		reason TEXT,
		details_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_case_events_serial
		ON case_events(serial);
	CREATE INDEX IF NOT EXISTS idx_case_events_case
		ON case_events(case_id);
	CREATE INDEX IF NOT EXISTS idx_case_events_cedula
		ON case_events(cedula);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction holding the cedula lock.
func (s *Store) WithTx(ctx context.Context, cedula string, fn func(store lifecycle.Store) error) error {
	unlock := s.locks.lock(cedula)
	defer unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	queries
}

// cedulaLocks serializes writers per employee.
type cedulaLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *cedulaLocks) lock(cedula string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	mu, ok := l.m[cedula]
	if !ok {
		mu = &sync.Mutex{}
		l.m[cedula] = mu
	}
	l.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// =============================================================================
// QUERIES - Shared by Store (pool) and txStore (transaction)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const caseColumns = `id, serial, cedula, tipo, dias_incapacidad, fecha_inicio, fecha_fin, estado,
	bloquea_nueva, drive_link, email_form, telefono_form, metadata_json,
	recordatorio_enviado, fecha_recordatorio, created_at, updated_at`

// InsertCase writes a new case.
func (qs queries) InsertCase(ctx context.Context, c lifecycle.Case) error {
	if err := c.Validate(); err != nil {
		return err
	}
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `INSERT INTO cases (` + caseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = qs.q.ExecContext(ctx, query,
		c.ID, c.Serial, c.Cedula, c.Tipo, c.DiasIncapacidad,
		c.FechaInicio.String(), c.FechaFin.String(), string(c.Estado),
		c.BloqueaNueva, nullString(c.DriveLink), nullString(c.EmailForm), nullString(c.TelefonoForm),
		string(metadataJSON), c.RecordatorioEnviado, nullTime(c.FechaRecordatorio),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return mapWriteError(c, err, "insert")
	}
	return nil
}

// UpdateCase rewrites the mutable columns of a case. The serial is part of
// the WHERE clause so it can never change.
func (qs queries) UpdateCase(ctx context.Context, c lifecycle.Case) error {
	if err := c.Validate(); err != nil {
		return err
	}
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	res, err := qs.q.ExecContext(ctx, `
		UPDATE cases SET
			tipo = ?, dias_incapacidad = ?, fecha_inicio = ?, fecha_fin = ?, estado = ?,
			bloquea_nueva = ?, drive_link = ?, email_form = ?, telefono_form = ?,
			metadata_json = ?, recordatorio_enviado = ?, fecha_recordatorio = ?, updated_at = ?
		WHERE id = ? AND serial = ?`,
		c.Tipo, c.DiasIncapacidad, c.FechaInicio.String(), c.FechaFin.String(), string(c.Estado),
		c.BloqueaNueva, nullString(c.DriveLink), nullString(c.EmailForm), nullString(c.TelefonoForm),
		string(metadataJSON), c.RecordatorioEnviado, nullTime(c.FechaRecordatorio), formatTime(c.UpdatedAt),
		c.ID, c.Serial,
	)
	if err != nil {
		return mapWriteError(c, err, "update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &lifecycle.NotFoundError{Kind: "case", Key: c.Serial}
	}
	return nil
}

// GetCaseBySerial returns nil, nil when the serial does not exist.
func (qs queries) GetCaseBySerial(ctx context.Context, serial string) (*lifecycle.Case, error) {
	return qs.getCase(ctx, "SELECT "+caseColumns+" FROM cases WHERE serial = ?", serial)
}

// GetCaseByID returns nil, nil when the ID does not exist.
func (qs queries) GetCaseByID(ctx context.Context, id string) (*lifecycle.Case, error) {
	return qs.getCase(ctx, "SELECT "+caseColumns+" FROM cases WHERE id = ?", id)
}

func (qs queries) getCase(ctx context.Context, query string, arg string) (*lifecycle.Case, error) {
	rows, err := qs.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	c, err := scanCase(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindCases builds the WHERE clause from the filter.
func (qs queries) FindCases(ctx context.Context, filter lifecycle.CaseFilter) ([]lifecycle.Case, error) {
	var where []string
	var args []any

	if filter.Cedula != "" {
		where = append(where, "cedula = ?")
		args = append(args, filter.Cedula)
	}
	if !filter.FechaInicio.IsZero() {
		where = append(where, "fecha_inicio = ?")
		args = append(args, filter.FechaInicio.String())
	}
	if len(filter.Estados) > 0 {
		placeholders := make([]string, len(filter.Estados))
		for i, st := range filter.Estados {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "estado IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Blocked != nil {
		where = append(where, "bloquea_nueva = ?")
		args = append(args, *filter.Blocked)
	}
	if filter.RecordatorioEnviado != nil {
		where = append(where, "recordatorio_enviado = ?")
		args = append(args, *filter.RecordatorioEnviado)
	}
	if !filter.CreatedFrom.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(filter.CreatedFrom))
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(filter.CreatedBefore))
	}

	query := "SELECT " + caseColumns + " FROM cases"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []lifecycle.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(cases) > filter.Limit {
		cases = cases[len(cases)-filter.Limit:]
	}
	return cases, nil
}

func (qs queries) SerialExists(ctx context.Context, serial string) (bool, error) {
	var n int
	err := qs.q.QueryRowContext(ctx, "SELECT COUNT(1) FROM cases WHERE serial = ?", serial).Scan(&n)
	return n > 0, err
}

// DeleteSupersededCases is the only DELETE on cases.
func (qs queries) DeleteSupersededCases(ctx context.Context, cedula string, fechaInicio lifecycle.Date, keepID string) ([]lifecycle.Case, error) {
	victims, err := qs.FindCases(ctx, lifecycle.CaseFilter{
		Cedula:      cedula,
		FechaInicio: fechaInicio,
		Estados:     lifecycle.IncompleteStates,
	})
	if err != nil {
		return nil, err
	}

	var deleted []lifecycle.Case
	for _, c := range victims {
		if c.ID == keepID {
			continue
		}
		if _, err := qs.q.ExecContext(ctx, "DELETE FROM cases WHERE id = ?", c.ID); err != nil {
			return nil, fmt.Errorf("failed to delete %s: %w", c.Serial, err)
		}
		deleted = append(deleted, c)
	}
	return deleted, nil
}

// =============================================================================
// EVENTS (append-only)
// =============================================================================

func (qs queries) AppendEvent(ctx context.Context, e lifecycle.CaseEvent) error {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO case_events
		(id, case_id, serial, cedula, actor, action, from_state, to_state, reason, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CaseID, e.Serial, e.Cedula, e.Actor, string(e.Action),
		nullString(string(e.FromState)), nullString(string(e.ToState)), nullString(e.Reason),
		string(detailsJSON), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (qs queries) ListEvents(ctx context.Context, filter lifecycle.EventFilter) ([]lifecycle.CaseEvent, error) {
	var where []string
	var args []any
	if filter.CaseID != "" {
		where = append(where, "case_id = ?")
		args = append(args, filter.CaseID)
	}
	if filter.Serial != "" {
		where = append(where, "serial = ?")
		args = append(args, filter.Serial)
	}
	if filter.Cedula != "" {
		where = append(where, "cedula = ?")
		args = append(args, filter.Cedula)
	}

	query := `SELECT id, case_id, serial, cedula, actor, action, from_state, to_state, reason, details_json, created_at
		FROM case_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []lifecycle.CaseEvent
	for rows.Next() {
		var e lifecycle.CaseEvent
		var actor, fromState, toState, reason, detailsJSON sql.NullString
		var action, createdAt string
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Serial, &e.Cedula, &actor, &action,
			&fromState, &toState, &reason, &detailsJSON, &createdAt); err != nil {
			return nil, err
		}
		e.Actor = actor.String
		e.Action = lifecycle.EventAction(action)
		e.FromState = lifecycle.State(fromState.String)
		e.ToState = lifecycle.State(toState.String)
		e.Reason = reason.String
		if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "null" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// SaveEmployee upserts an employee by cedula.
func (qs queries) SaveEmployee(ctx context.Context, emp lifecycle.Employee) error {
	now := time.Now().UTC()
	created := emp.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO employees
		(cedula, nombre, correo, telefono, empresa, eps, jefe_nombre, jefe_email, activo, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cedula) DO UPDATE SET
			nombre = excluded.nombre,
			correo = excluded.correo,
			telefono = excluded.telefono,
			empresa = excluded.empresa,
			eps = excluded.eps,
			jefe_nombre = excluded.jefe_nombre,
			jefe_email = excluded.jefe_email,
			activo = excluded.activo,
			updated_at = excluded.updated_at`,
		emp.Cedula, emp.Nombre, nullString(emp.Correo), nullString(emp.Telefono),
		nullString(emp.Empresa), nullString(emp.EPS), nullString(emp.JefeNombre), nullString(emp.JefeEmail),
		emp.Activo, formatTime(created), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

const employeeColumns = `cedula, nombre, correo, telefono, empresa, eps, jefe_nombre, jefe_email, activo, created_at, updated_at`

// GetEmployee returns nil, nil when the cedula is unknown.
func (qs queries) GetEmployee(ctx context.Context, cedula string) (*lifecycle.Employee, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+employeeColumns+" FROM employees WHERE cedula = ?", cedula)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	emp, err := scanEmployee(rows)
	if err != nil {
		return nil, err
	}
	return &emp, nil
}

// ListEmployees returns all employees ordered by name.
func (qs queries) ListEmployees(ctx context.Context) ([]lifecycle.Employee, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+employeeColumns+" FROM employees ORDER BY nombre")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []lifecycle.Employee
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, emp)
	}
	return employees, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

func scanCase(rows *sql.Rows) (lifecycle.Case, error) {
	var c lifecycle.Case
	var tipo, driveLink, emailForm, telefonoForm, metadataJSON, fechaRecordatorio sql.NullString
	var fechaInicio, fechaFin, estado, createdAt, updatedAt string

	err := rows.Scan(&c.ID, &c.Serial, &c.Cedula, &tipo, &c.DiasIncapacidad, &fechaInicio, &fechaFin, &estado,
		&c.BloqueaNueva, &driveLink, &emailForm, &telefonoForm, &metadataJSON,
		&c.RecordatorioEnviado, &fechaRecordatorio, &createdAt, &updatedAt)
	if err != nil {
		return c, err
	}

	c.Tipo = tipo.String
	c.Estado = lifecycle.State(estado)
	c.DriveLink = driveLink.String
	c.EmailForm = emailForm.String
	c.TelefonoForm = telefonoForm.String
	if c.FechaInicio, err = lifecycle.ParseDate(fechaInicio); err != nil {
		return c, err
	}
	if c.FechaFin, err = lifecycle.ParseDate(fechaFin); err != nil {
		return c, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &c.Metadata); err != nil {
			return c, fmt.Errorf("failed to decode metadata for %s: %w", c.Serial, err)
		}
	}
	if fechaRecordatorio.Valid {
		t := parseTime(fechaRecordatorio.String)
		c.FechaRecordatorio = &t
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func scanEmployee(rows *sql.Rows) (lifecycle.Employee, error) {
	var emp lifecycle.Employee
	var correo, telefono, empresa, eps, jefeNombre, jefeEmail sql.NullString
	var createdAt, updatedAt string
	if err := rows.Scan(&emp.Cedula, &emp.Nombre, &correo, &telefono, &empresa, &eps,
		&jefeNombre, &jefeEmail, &emp.Activo, &createdAt, &updatedAt); err != nil {
		return emp, err
	}
	emp.Correo = correo.String
	emp.Telefono = telefono.String
	emp.Empresa = empresa.String
	emp.EPS = eps.String
	emp.JefeNombre = jefeNombre.String
	emp.JefeEmail = jefeEmail.String
	emp.CreatedAt = parseTime(createdAt)
	emp.UpdatedAt = parseTime(updatedAt)
	return emp, nil
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
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// mapWriteError translates constraint violations into lifecycle errors.
func mapWriteError(c lifecycle.Case, err error, op string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			if strings.Contains(sqliteErr.Error(), "cases.cedula") {
				return &lifecycle.ConcurrencyError{Cedula: c.Cedula, Err: err}
			}
			return fmt.Errorf("%w: %s", lifecycle.ErrDuplicateSerial, c.Serial)
		case sqlite3.ErrConstraintCheck:
			return &lifecycle.InvalidInputError{Field: "bloquea_nueva", Value: c.Serial, Reason: "a complete case cannot block"}
		}
	}
	return fmt.Errorf("failed to %s case %s: %w", op, c.Serial, err)
}
