package lifecycle

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// RESUBMISSION LINKER
// =============================================================================
//
// A resubmission is keyed on (cedula, fecha_inicio) only: the same start date
// is the same leave episode even when the end date was corrected.

type ResubmissionLinker struct {
	now Clock
}

func NewResubmissionLinker(now Clock) *ResubmissionLinker {
	if now == nil {
		now = time.Now
	}
	return &ResubmissionLinker{now: now}
}

// Detect returns the most recent incomplete-family case for the lineage, or
// nil when there is none.
func (l *ResubmissionLinker) Detect(ctx context.Context, s Store, cedula string, fechaInicio Date) (*Case, error) {
	cases, err := s.FindCases(ctx, CaseFilter{
		Cedula:      cedula,
		FechaInicio: fechaInicio,
		Estados:     IncompleteStates,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query lineage: %w", err)
	}
	if len(cases) == 0 {
		return nil, nil
	}
	latest := cases[len(cases)-1]
	return &latest, nil
}

// Link copies lineage data from the predecessor onto the new case.
func (l *ResubmissionLinker) Link(newCase *Case, predecessor *Case) {
	newCase.Metadata.TotalReenvios = predecessor.Metadata.TotalReenvios + 1
	newCase.Metadata.CasoOriginalSerial = predecessor.Serial
}

// NextIndex is the -R number the next resubmission on this lineage gets.
func (l *ResubmissionLinker) NextIndex(predecessor *Case) int {
	return predecessor.Metadata.TotalReenvios + 1
}

// PurgeSuperseded deletes the incomplete predecessors of an approved case and
// logs one superseded event per deleted case. Must run in the approval tx.
func (l *ResubmissionLinker) PurgeSuperseded(ctx context.Context, s Store, approved *Case, actor string) ([]Case, error) {
	deleted, err := s.DeleteSupersededCases(ctx, approved.Cedula, approved.FechaInicio, approved.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to purge superseded cases: %w", err)
	}
	now := l.now().UTC()
	for i := range deleted {
		ev := newEvent(now, &deleted[i], EventSuperseded, actor)
		ev.Details = map[string]any{"superseded_by": approved.Serial}
		if err := s.AppendEvent(ctx, ev); err != nil {
			return nil, err
		}
	}
	return deleted, nil
}

// Lineage returns every case sharing the serial's cedula and start date.
func (l *ResubmissionLinker) Lineage(ctx context.Context, s Store, c *Case) ([]Case, error) {
	return s.FindCases(ctx, CaseFilter{Cedula: c.Cedula, FechaInicio: c.FechaInicio})
}
