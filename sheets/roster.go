package sheets

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/warp/incapacidades/lifecycle"
	"github.com/xuri/excelize/v2"
)

// =============================================================================
// ROSTER IMPORTER - Employee master data from the HR workbook
// =============================================================================

// headerAliases maps normalized header text to the employee field.
var headerAliases = map[string]string{
	"cedula":          "cedula",
	"documento":       "cedula",
	"nombre":          "nombre",
	"nombre completo": "nombre",
	"correo":          "correo",
	"email":           "correo",
	"telefono":        "telefono",
	"celular":         "telefono",
	"whatsapp":        "telefono",
	"empresa":         "empresa",
	"eps":             "eps",
	"jefe_nombre":     "jefe_nombre",
	"jefe nombre":     "jefe_nombre",
	"jefe_email":      "jefe_email",
	"jefe email":      "jefe_email",
	"correo jefe":     "jefe_email",
	"activo":          "activo",
}

// RowError reports a roster row that was skipped.
type RowError struct {
	Row    int
	Reason string
}

func (e RowError) Error() string { return fmt.Sprintf("row %d: %s", e.Row, e.Reason) }

// EmployeeSaver is the slice of the store Import writes to.
type EmployeeSaver interface {
	SaveEmployee(ctx context.Context, e lifecycle.Employee) error
}

// RosterImporter holds the roster read from the first sheet of a workbook.
// It answers Lookup from memory and can copy every row into the store.
type RosterImporter struct {
	path string

	mu        sync.RWMutex
	employees map[string]lifecycle.Employee
	skipped   []RowError
}

var _ lifecycle.Roster = (*RosterImporter)(nil)

// LoadRoster reads the workbook at path.
func LoadRoster(path string) (*RosterImporter, error) {
	r := &RosterImporter{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// ReadRoster reads a workbook from a stream (uploads, tests).
func ReadRoster(src io.Reader) (*RosterImporter, error) {
	f, err := excelize.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster: %w", err)
	}
	defer f.Close()

	r := &RosterImporter{}
	if err := r.load(f); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the workbook from disk.
func (r *RosterImporter) Reload() error {
	if r.path == "" {
		return fmt.Errorf("roster has no file path")
	}
	f, err := excelize.OpenFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to open roster %s: %w", r.path, err)
	}
	defer f.Close()
	return r.load(f)
}

func (r *RosterImporter) load(f *excelize.File) error {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return fmt.Errorf("no sheets found in roster")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return fmt.Errorf("failed to read roster rows: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("roster is empty")
	}

	columns := make(map[string]int)
	for i, h := range rows[0] {
		if field, ok := headerAliases[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, dup := columns[field]; !dup {
				columns[field] = i
			}
		}
	}
	if _, ok := columns["cedula"]; !ok {
		return fmt.Errorf("roster has no cedula column")
	}

	employees := make(map[string]lifecycle.Employee, len(rows)-1)
	var skipped []RowError
	for i := 1; i < len(rows); i++ {
		get := func(field string) string {
			idx, ok := columns[field]
			if !ok || idx >= len(rows[i]) {
				return ""
			}
			return strings.TrimSpace(rows[i][idx])
		}

		raw := get("cedula")
		if raw == "" {
			continue
		}
		cedula := NormalizeCedula(raw)
		if !lifecycle.ValidCedula(cedula) {
			skipped = append(skipped, RowError{Row: i + 1, Reason: fmt.Sprintf("invalid cedula %q", raw)})
			continue
		}
		if _, dup := employees[cedula]; dup {
			skipped = append(skipped, RowError{Row: i + 1, Reason: "duplicate cedula " + cedula})
			continue
		}

		employees[cedula] = lifecycle.Employee{
			Cedula:     cedula,
			Nombre:     get("nombre"),
			Correo:     strings.ToLower(get("correo")),
			Telefono:   get("telefono"),
			Empresa:    get("empresa"),
			EPS:        get("eps"),
			JefeNombre: get("jefe_nombre"),
			JefeEmail:  strings.ToLower(get("jefe_email")),
			Activo:     parseActivo(get("activo")),
		}
	}

	r.mu.Lock()
	r.employees = employees
	r.skipped = skipped
	r.mu.Unlock()
	return nil
}

// Lookup returns (nil, nil) for unknown cedulas.
func (r *RosterImporter) Lookup(_ context.Context, cedula string) (*lifecycle.Employee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	emp, ok := r.employees[NormalizeCedula(cedula)]
	if !ok {
		return nil, nil
	}
	return &emp, nil
}

func (r *RosterImporter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.employees)
}

// Skipped lists rows rejected by the last load.
func (r *RosterImporter) Skipped() []RowError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]RowError(nil), r.skipped...)
}

// Import saves every employee, stopping at the first store error.
func (r *RosterImporter) Import(ctx context.Context, dst EmployeeSaver) (int, error) {
	r.mu.RLock()
	employees := make([]lifecycle.Employee, 0, len(r.employees))
	for _, emp := range r.employees {
		employees = append(employees, emp)
	}
	r.mu.RUnlock()

	n := 0
	for _, emp := range employees {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := dst.SaveEmployee(ctx, emp); err != nil {
			return n, fmt.Errorf("failed to save employee %s: %w", emp.Cedula, err)
		}
		n++
	}
	return n, nil
}

// NormalizeCedula strips thousands separators, spaces and the ".0" that
// numeric cells pick up.
func NormalizeCedula(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func parseActivo(s string) bool {
	switch strings.ToLower(s) {
	case "no", "n", "false", "0", "inactivo", "retirado":
		return false
	default:
		return true
	}
}
