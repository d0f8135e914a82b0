package sheets

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incapacidades/lifecycle"
	memstore "github.com/warp/incapacidades/lifecycle/store"
	"github.com/xuri/excelize/v2"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func trackedCase(serial string, estado lifecycle.State, blocks bool) lifecycle.Case {
	return lifecycle.Case{
		ID:              serial,
		Serial:          serial,
		Cedula:          "1085043374",
		Tipo:            "enfermedad_general",
		DiasIncapacidad: 10,
		FechaInicio:     lifecycle.NewDate(2026, time.January, 1),
		FechaFin:        lifecycle.NewDate(2026, time.January, 10),
		Estado:          estado,
		BloqueaNueva:    blocks,
		CreatedAt:       time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// EXPORT
// =============================================================================

func TestExportCases(t *testing.T) {
	// GIVEN: One case of a known employee and one of an unknown cedula
	// WHEN: Exported
	// THEN: Header plus one row each; unknown employees are "No registrado"

	known := trackedCase("1085043374 01 01 2026 10 01 2026", lifecycle.StateIncomplete, true)
	unknown := trackedCase("52123456 01 01 2026 10 01 2026", lifecycle.StateNew, false)
	unknown.Cedula = "52123456"
	employees := []lifecycle.Employee{{Cedula: "1085043374", Nombre: "Ana Pérez", Empresa: "Acme", EPS: "Sura"}}

	var buf bytes.Buffer
	require.NoError(t, ExportCases(&buf, []lifecycle.Case{known, unknown}, employees))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(DefaultSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ExportColumns, rows[0])

	assert.Equal(t, []string{"Ana Pérez", "Acme", "Enfermedad General"}, rows[1][2:5])
	assert.Equal(t, "Sura", rows[1][7])
	assert.Equal(t, "SI", rows[1][10])
	assert.Equal(t, "2026-01-02 08:00", rows[1][13])
	assert.Equal(t, []string{"No registrado", "Otra"}, rows[2][2:4])
}

// =============================================================================
// TRACKER
// =============================================================================

func TestTracker_UpsertAndDelete(t *testing.T) {
	// GIVEN: An empty tracker
	// WHEN: A case is created, updated, a second case added, then the first removed
	// THEN: One row per serial, updated in place, deleted on eliminar

	tr, err := NewTracker(TrackerConfig{}, quietLogger())
	require.NoError(t, err)
	defer tr.Close(context.Background())

	first := trackedCase("1085043374 01 01 2026 10 01 2026", lifecycle.StateNew, false)
	require.NoError(t, tr.Apply(first, lifecycle.SyncCreate))

	first.Estado = lifecycle.StateIncomplete
	first.BloqueaNueva = true
	first.Metadata.Checklist = lifecycle.ChecklistFromMissing("Epicrisis", "FURIPS")
	require.NoError(t, tr.Apply(first, lifecycle.SyncUpdate))

	second := trackedCase("1085043374 01 01 2026 10 01 2026-R1", lifecycle.StateNew, false)
	require.NoError(t, tr.Apply(second, lifecycle.SyncCreate))

	rows, err := tr.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, first.Serial, rows[0][0])
	assert.Equal(t, "INCOMPLETA", rows[0][6])
	assert.Equal(t, "SI", rows[0][7])
	assert.Equal(t, "Epicrisis; FURIPS", rows[0][10])

	require.NoError(t, tr.Apply(first, lifecycle.SyncDelete))
	rows, err = tr.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, second.Serial, rows[0][0])

	// Deleting an unknown serial is a no-op.
	assert.NoError(t, tr.Apply(first, lifecycle.SyncDelete))
}

func TestTracker_PersistsOnClose(t *testing.T) {
	// GIVEN: A tracker backed by a file
	// WHEN: A case is synced through the queue and the tracker closed
	// THEN: The workbook on disk has the header and the row

	path := filepath.Join(t.TempDir(), "seguimiento.xlsx")
	tr, err := NewTracker(TrackerConfig{Path: path}, quietLogger())
	require.NoError(t, err)

	c := trackedCase("1085043374 01 01 2026 10 01 2026", lifecycle.StateComplete, false)
	require.NoError(t, tr.SyncCase(context.Background(), c, lifecycle.SyncCreate))
	require.NoError(t, tr.Close(context.Background()))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(DefaultSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Columns[0], rows[0][0])
	assert.Equal(t, c.Serial, rows[1][0])
	assert.Equal(t, "COMPLETA", rows[1][6])

	// Reopening keeps existing rows and upserts into them.
	tr, err = NewTracker(TrackerConfig{Path: path}, quietLogger())
	require.NoError(t, err)
	c.Metadata.TotalReenvios = 1
	require.NoError(t, tr.Apply(c, lifecycle.SyncUpdate))
	rows2, err := tr.Rows()
	require.NoError(t, err)
	assert.Len(t, rows2, 1)
	require.NoError(t, tr.Close(context.Background()))
}

func TestTracker_ClosedRejects(t *testing.T) {
	tr, err := NewTracker(TrackerConfig{}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, tr.Close(context.Background()))

	err = tr.SyncCase(context.Background(), trackedCase("x", lifecycle.StateNew, false), lifecycle.SyncCreate)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, tr.Close(context.Background()))
}

// =============================================================================
// ROSTER
// =============================================================================

func rosterWorkbook(t *testing.T, rows [][]interface{}) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		r := row
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &r))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestRoster_ReadAndLookup(t *testing.T) {
	// GIVEN: A roster with aliased headers, a dotted cedula and bad rows
	// WHEN: It is read
	// THEN: Valid rows are indexed by normalized cedula, bad rows reported

	buf := rosterWorkbook(t, [][]interface{}{
		{"Cedula", "Nombre", "Email", "Celular", "Empresa", "EPS", "Jefe nombre", "Correo jefe", "Activo"},
		{"1.085.043.374", "Ana Pérez", "ANA@Empresa.co", "3110000000", "Neurobaeza", "Sanitas", "Luis", "jefe@empresa.co", "si"},
		{"52123456", "Carlos Ruiz", "carlos@empresa.co", "", "Neurobaeza", "Sura", "", "", "no"},
		{"12", "Corta", "", "", "", "", "", "", ""},
		{"52123456", "Duplicado", "", "", "", "", "", "", ""},
		{"", "Sin cedula", "", "", "", "", "", "", ""},
	})

	r, err := ReadRoster(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	assert.Len(t, r.Skipped(), 2)

	emp, err := r.Lookup(context.Background(), "1085043374")
	require.NoError(t, err)
	require.NotNil(t, emp)
	assert.Equal(t, "Ana Pérez", emp.Nombre)
	assert.Equal(t, "ana@empresa.co", emp.Correo)
	assert.Equal(t, "3110000000", emp.Telefono)
	assert.Equal(t, "jefe@empresa.co", emp.JefeEmail)
	assert.True(t, emp.Activo)

	emp, err = r.Lookup(context.Background(), "52123456")
	require.NoError(t, err)
	require.NotNil(t, emp)
	assert.False(t, emp.Activo)

	emp, err = r.Lookup(context.Background(), "99999999")
	require.NoError(t, err)
	assert.Nil(t, emp)
}

func TestRoster_RequiresCedulaColumn(t *testing.T) {
	buf := rosterWorkbook(t, [][]interface{}{{"Nombre", "Correo"}, {"Ana", "ana@empresa.co"}})
	_, err := ReadRoster(buf)
	assert.Error(t, err)
}

func TestRoster_LoadAndImport(t *testing.T) {
	// GIVEN: A roster file on disk
	// WHEN: It is imported into the store
	// THEN: Every employee is saved and readable

	buf := rosterWorkbook(t, [][]interface{}{
		{"cedula", "nombre", "correo"},
		{"1085043374", "Ana", "ana@empresa.co"},
		{"52123456", "Carlos", "carlos@empresa.co"},
	})
	path := filepath.Join(t.TempDir(), "nomina.xlsx")
	f, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	r, err := LoadRoster(path)
	require.NoError(t, err)

	st := memstore.NewTxMemory()
	n, err := r.Import(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	emp, err := st.GetEmployee(context.Background(), "52123456")
	require.NoError(t, err)
	require.NotNil(t, emp)
	assert.Equal(t, "Carlos", emp.Nombre)
}

func TestNormalizeCedula(t *testing.T) {
	assert.Equal(t, "1085043374", NormalizeCedula(" 1.085.043.374 "))
	assert.Equal(t, "52123456", NormalizeCedula("52123456.0"))
	assert.Equal(t, "52123456", NormalizeCedula("52 123 456"))
}
