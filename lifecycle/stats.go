package lifecycle

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATS - Dashboard counters for reviewers
// =============================================================================

type StateCount struct {
	Estado  State
	Count   int
	Percent decimal.Decimal // share of total, 2 decimal places
}

type Stats struct {
	Total         int
	Blocked       int
	Resubmissions int
	ByState       []StateCount
	AvgReenvios   decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Stats counts cases per state. Percentages are computed in decimal so
// they add up the way reviewers expect from the spreadsheet.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	cases, err := e.store.FindCases(ctx, CaseFilter{})
	if err != nil {
		return nil, err
	}

	counts := make(map[State]int, len(AllStates))
	totalReenvios := 0
	st := &Stats{Total: len(cases)}
	for _, c := range cases {
		counts[c.Estado]++
		totalReenvios += c.Metadata.TotalReenvios
		if c.BloqueaNueva {
			st.Blocked++
		}
		if c.IsResubmission() {
			st.Resubmissions++
		}
	}

	total := decimal.NewFromInt(int64(st.Total))
	for _, s := range AllStates {
		sc := StateCount{Estado: s, Count: counts[s], Percent: decimal.Zero}
		if st.Total > 0 {
			sc.Percent = decimal.NewFromInt(int64(sc.Count)).Mul(hundred).Div(total).Round(2)
		}
		st.ByState = append(st.ByState, sc)
	}

	st.AvgReenvios = decimal.Zero
	if st.Total > 0 {
		st.AvgReenvios = decimal.NewFromInt(int64(totalReenvios)).Div(total).Round(2)
	}
	return st, nil
}
