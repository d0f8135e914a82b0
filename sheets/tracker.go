/*
tracker.go - Case tracker workbook

PURPOSE:
  Mirrors the public fields of every case into an .xlsx workbook that
  reviewers open next to the validation queue. One row per serial, header
  in row 1. The engine calls SyncCase after commit; the write happens on a
  background worker so a slow disk never delays a transition.

ROWS:
  crear/actualizar: upsert the row whose first column equals the serial
  eliminar:         remove the row (superseded cases)

FAILURES:
  SyncCase only fails when the queue is full or the tracker is closed.
  Write errors are logged by the worker; the database stays the source of
  truth and the next update of the case rewrites its row.

SEE ALSO:
  - lifecycle/collaborators.go: CaseSyncer contract
  - roster.go: reads the employee roster from a workbook
*/
package sheets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/incapacidades/lifecycle"
	"github.com/xuri/excelize/v2"
)

const DefaultSheet = "Casos"

var (
	ErrQueueFull = errors.New("tracker queue full")
	ErrClosed    = errors.New("tracker closed")
)

// Columns of the tracker sheet, in order. Serial must stay first.
var Columns = []string{
	"Serial",
	"Cedula",
	"Tipo",
	"Fecha inicio",
	"Fecha fin",
	"Dias",
	"Estado",
	"Bloquea nueva",
	"Reenvios",
	"Caso original",
	"Documentos faltantes",
	"Drive",
	"Actualizado",
}

// =============================================================================
// TRACKER
// =============================================================================

type TrackerConfig struct {
	Path      string // empty keeps the workbook in memory
	Sheet     string
	QueueSize int
}

type syncJob struct {
	c      lifecycle.Case
	action lifecycle.SyncAction
}

type Tracker struct {
	path  string
	sheet string
	log   logrus.FieldLogger

	fileMu sync.Mutex
	f      *excelize.File

	mu     sync.RWMutex
	closed bool
	queue  chan syncJob
	done   chan struct{}
}

var _ lifecycle.CaseSyncer = (*Tracker)(nil)

// NewTracker opens the workbook at cfg.Path, creating it with a styled
// header when it does not exist, and starts the worker.
func NewTracker(cfg TrackerConfig, log logrus.FieldLogger) (*Tracker, error) {
	if cfg.Sheet == "" {
		cfg.Sheet = DefaultSheet
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	f, err := openOrCreate(cfg.Path, cfg.Sheet)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		path:  cfg.Path,
		sheet: cfg.Sheet,
		log:   log.WithField("component", "sheets_tracker"),
		f:     f,
		queue: make(chan syncJob, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go t.worker()
	return t, nil
}

func openOrCreate(path, sheet string) (*excelize.File, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			f, err := excelize.OpenFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to open tracker %s: %w", path, err)
			}
			if idx, _ := f.GetSheetIndex(sheet); idx == -1 {
				if err := addSheet(f, sheet); err != nil {
					f.Close()
					return nil, err
				}
			}
			return f, nil
		}
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to name tracker sheet: %w", err)
	}
	if err := writeHeader(f, sheet, Columns); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func addSheet(f *excelize.File, sheet string) error {
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}
	f.SetActiveSheet(index)
	return writeHeader(f, sheet, Columns)
}

// writeHeader writes a bold, shaded header row. The first column is wider.
func writeHeader(f *excelize.File, sheet string, columns []string) error {
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for i, col := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, col); err != nil {
			return err
		}
		f.SetCellStyle(sheet, cell, cell, headerStyle)
	}
	for i := range columns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, 18)
	}
	first, _ := excelize.ColumnNumberToName(1)
	return f.SetColWidth(sheet, first, first, 36)
}

// SyncCase queues the row update without blocking.
func (t *Tracker) SyncCase(_ context.Context, c lifecycle.Case, action lifecycle.SyncAction) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	select {
	case t.queue <- syncJob{c: c, action: action}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close drains the queue, saves the workbook and releases it.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.fileMu.Lock()
	defer t.fileMu.Unlock()
	err := t.saveLocked()
	if cerr := t.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (t *Tracker) worker() {
	defer close(t.done)
	for job := range t.queue {
		if err := t.Apply(job.c, job.action); err != nil {
			t.log.WithError(err).WithFields(logrus.Fields{
				"serial": job.c.Serial,
				"action": job.action,
			}).Error("tracker sync failed")
		}
	}
}

// Apply writes one change synchronously and saves the workbook.
func (t *Tracker) Apply(c lifecycle.Case, action lifecycle.SyncAction) error {
	t.fileMu.Lock()
	defer t.fileMu.Unlock()

	row, err := t.findRowLocked(c.Serial)
	if err != nil {
		return err
	}

	switch action {
	case lifecycle.SyncDelete:
		if row == 0 {
			return nil
		}
		if err := t.f.RemoveRow(t.sheet, row); err != nil {
			return fmt.Errorf("failed to remove row %d: %w", row, err)
		}
	case lifecycle.SyncCreate, lifecycle.SyncUpdate:
		if row == 0 {
			if row, err = t.nextRowLocked(); err != nil {
				return err
			}
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := rowValues(c)
		if err := t.f.SetSheetRow(t.sheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", row, err)
		}
	default:
		return fmt.Errorf("unknown sync action %q", action)
	}
	return t.saveLocked()
}

// Rows returns the data rows (header excluded).
func (t *Tracker) Rows() ([][]string, error) {
	t.fileMu.Lock()
	defer t.fileMu.Unlock()
	rows, err := t.f.GetRows(t.sheet)
	if err != nil {
		return nil, err
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	return rows[1:], nil
}

func (t *Tracker) findRowLocked(serial string) (int, error) {
	rows, err := t.f.GetRows(t.sheet)
	if err != nil {
		return 0, fmt.Errorf("failed to read tracker rows: %w", err)
	}
	for i := 1; i < len(rows); i++ {
		if len(rows[i]) > 0 && strings.TrimSpace(rows[i][0]) == serial {
			return i + 1, nil
		}
	}
	return 0, nil
}

func (t *Tracker) nextRowLocked() (int, error) {
	rows, err := t.f.GetRows(t.sheet)
	if err != nil {
		return 0, fmt.Errorf("failed to read tracker rows: %w", err)
	}
	if len(rows) == 0 {
		return 2, nil
	}
	return len(rows) + 1, nil
}

func (t *Tracker) saveLocked() error {
	if t.path == "" {
		return nil
	}
	if err := t.f.SaveAs(t.path); err != nil {
		return fmt.Errorf("failed to save tracker %s: %w", t.path, err)
	}
	return nil
}

func rowValues(c lifecycle.Case) []interface{} {
	bloquea := "NO"
	if c.BloqueaNueva {
		bloquea = "SI"
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = c.CreatedAt
	}
	return []interface{}{
		c.Serial,
		c.Cedula,
		c.Tipo,
		c.FechaInicio.String(),
		c.FechaFin.String(),
		c.DiasIncapacidad,
		string(c.Estado),
		bloquea,
		c.Metadata.TotalReenvios,
		c.Metadata.CasoOriginalSerial,
		strings.Join(c.Metadata.Checklist.Missing(), "; "),
		c.DriveLink,
		updated.UTC().Format(time.RFC3339),
	}
}
