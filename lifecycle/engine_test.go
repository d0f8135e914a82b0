/*
engine_test.go - Lifecycle engine behavior

Every test runs against the in-memory store and SQLite (":memory:") so the
two implementations cannot drift apart.

ORGANIZATION:
  1. Intake and blocking
  2. Resubmission lineage
  3. Manual toggle and the one-block invariant
  4. Transactions and collaborator isolation
  5. Reminders and stats
  6. Notes and employees
*/
package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incapacidades/lifecycle"
	memstore "github.com/warp/incapacidades/lifecycle/store"
	"github.com/warp/incapacidades/store/sqlite"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

const cedulaX = "1085043374"

// tickClock advances one second per call so CreatedAt ordering is strict.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickClock() *tickClock {
	return &tickClock{t: time.Date(2026, time.January, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *tickClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingNotifier captures notifications and can refuse them.
type recordingNotifier struct {
	mu     sync.Mutex
	kinds  []lifecycle.NotificationKind
	refuse bool
}

func (n *recordingNotifier) Notify(_ context.Context, msg lifecycle.Notification) lifecycle.DispatchResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, msg.Kind)
	if n.refuse {
		return lifecycle.DispatchResult{Accepted: false, Err: errors.New("gateway down")}
	}
	return lifecycle.DispatchResult{Accepted: true}
}

func (n *recordingNotifier) Kinds() []lifecycle.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]lifecycle.NotificationKind(nil), n.kinds...)
}

type staticRoster map[string]lifecycle.Employee

func (r staticRoster) Lookup(_ context.Context, cedula string) (*lifecycle.Employee, error) {
	e, ok := r[cedula]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

type harness struct {
	engine   *lifecycle.Engine
	store    lifecycle.TxStore
	clock    *tickClock
	notifier *recordingNotifier
}

func storeFactories() map[string]func(t *testing.T) lifecycle.TxStore {
	return map[string]func(t *testing.T) lifecycle.TxStore{
		"memory": func(t *testing.T) lifecycle.TxStore { return memstore.NewTxMemory() },
		"sqlite": func(t *testing.T) lifecycle.TxStore {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T, newStore func(t *testing.T) lifecycle.TxStore, opts ...lifecycle.Option) *harness {
	h := &harness{store: newStore(t), clock: newTickClock(), notifier: &recordingNotifier{}}
	base := []lifecycle.Option{
		lifecycle.WithClock(h.clock.Now),
		lifecycle.WithNotifier(h.notifier),
		lifecycle.WithLogger(quietLogger()),
	}
	h.engine = lifecycle.NewEngine(h.store, append(base, opts...)...)
	return h
}

// eachStore runs fn once per store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, h *harness)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) { fn(t, newHarness(t, factory)) })
	}
}

func submitJan1(t *testing.T, h *harness) *lifecycle.SubmitResult {
	res, err := h.engine.Submit(context.Background(), lifecycle.SubmitInput{
		Cedula:      cedulaX,
		Tipo:        "general",
		FechaInicio: d(2026, time.January, 1),
		FechaFin:    d(2026, time.January, 10),
		DriveLink:   "https://drive.example/f/1",
	})
	require.NoError(t, err)
	return res
}

func markIncomplete(t *testing.T, h *harness, serial string, docs ...string) {
	_, err := h.engine.ChangeState(context.Background(), serial, lifecycle.ChangeStateInput{
		State:     lifecycle.StateIncomplete,
		Checklist: lifecycle.ChecklistFromMissing(docs...),
		Actor:     "validador@empresa.co",
	})
	require.NoError(t, err)
}

func blockedCount(t *testing.T, h *harness, cedula string) int {
	cases, err := h.store.FindCases(context.Background(), lifecycle.CaseFilter{Cedula: cedula, Blocked: lifecycle.Bool(true)})
	require.NoError(t, err)
	return len(cases)
}

// =============================================================================
// 1. INTAKE AND BLOCKING
// =============================================================================

func TestSubmit_CreatesNewUnblockedCase(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()

		res := submitJan1(t, h)

		assert.Equal(t, "1085043374 01 01 2026 10 01 2026", res.Serial)
		assert.False(t, res.Resubmission)

		c, err := h.engine.GetCase(ctx, res.Serial)
		require.NoError(t, err)
		assert.Equal(t, res.CaseID, c.ID)
		assert.Equal(t, lifecycle.StateNew, c.Estado)
		assert.False(t, c.BloqueaNueva)
		assert.Equal(t, 10, c.DiasIncapacidad)
		assert.Equal(t, lifecycle.PhaseActive, c.Phase().Kind)
		assert.Equal(t, []lifecycle.NotificationKind{lifecycle.NotifyConfirmation}, h.notifier.Kinds())
	})
}

func TestSubmit_DuplicateDatesGetVersionSuffix(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		first := submitJan1(t, h)
		second := submitJan1(t, h)
		assert.Equal(t, first.Serial+"_v1", second.Serial)
	})
}

func TestSubmit_InvalidInputRejectedBeforePersistence(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		_, err := h.engine.Submit(ctx, lifecycle.SubmitInput{
			Cedula:      "12-34",
			FechaInicio: d(2026, 1, 1),
			FechaFin:    d(2026, 1, 2),
		})
		assert.True(t, lifecycle.IsClientError(err))

		all, err := h.engine.ListCases(ctx, lifecycle.CaseFilter{})
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestIncompleteBlocksWithChecklistReason(t *testing.T) {
	// GIVEN: A case for X starting 2026-01-01
	// WHEN: The reviewer marks it INCOMPLETE with checklist ["Epicrisis"]
	// THEN: check_block(X) is blocked and the reason names Epicrisis

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		res := submitJan1(t, h)
		markIncomplete(t, h, res.Serial, "Epicrisis")

		status, err := h.engine.CheckBlock(ctx, cedulaX)
		require.NoError(t, err)
		assert.True(t, status.Blocked)
		assert.Contains(t, status.Reason, "Epicrisis")
		assert.Equal(t, "Documentos faltantes o ilegibles: Epicrisis", status.Reason)
		require.NotNil(t, status.BlockingCase)
		assert.Equal(t, res.Serial, status.BlockingCase.Serial)

		c, err := h.engine.GetCase(ctx, res.Serial)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.PhaseBlocked, c.Phase().Kind)
		assert.Contains(t, h.notifier.Kinds(), lifecycle.NotifyIncomplete)
	})
}

func TestCheckBlock_EmptyChecklistFallsBack(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		res := submitJan1(t, h)
		_, err := h.engine.ChangeState(context.Background(), res.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateIllegible})
		require.NoError(t, err)

		status, err := h.engine.CheckBlock(context.Background(), cedulaX)
		require.NoError(t, err)
		assert.True(t, status.Blocked)
		assert.Equal(t, lifecycle.DefaultBlockReason, status.Reason)
	})
}

func TestBlockIsPerEmployeeNotPerDate(t *testing.T) {
	// GIVEN: A case marked INCOMPLETA still blocks the cedula
	// WHEN: X submits a case starting 2026-01-05
	// THEN: ConflictError carrying the pending serial; nothing is inserted

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		res := submitJan1(t, h)
		markIncomplete(t, h, res.Serial, "Epicrisis")

		_, err := h.engine.Submit(ctx, lifecycle.SubmitInput{
			Cedula:      cedulaX,
			FechaInicio: d(2026, time.January, 5),
			FechaFin:    d(2026, time.January, 8),
		})
		var conflict *lifecycle.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, res.Serial, conflict.BlockingSerial)
		assert.Contains(t, conflict.Reason, "Epicrisis")

		all, err := h.engine.ListCases(ctx, lifecycle.CaseFilter{Cedula: cedulaX})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestSubmit_SameDateWhileBlockedIsAlsoConflict(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		res := submitJan1(t, h)
		markIncomplete(t, h, res.Serial, "Epicrisis")

		_, err := h.engine.Submit(context.Background(), lifecycle.SubmitInput{
			Cedula: cedulaX, FechaInicio: d(2026, 1, 1), FechaFin: d(2026, 1, 10),
		})
		assert.True(t, lifecycle.IsConflict(err))
	})
}

func TestSubmit_UnblockedIncompleteLineageLinksAsResubmission(t *testing.T) {
	// GIVEN: An incomplete case that a reviewer manually unblocked
	// WHEN: The employee submits again with the same start date
	// THEN: The intake is linked as a resubmission

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		res := submitJan1(t, h)
		markIncomplete(t, h, res.Serial, "Epicrisis")
		_, err := h.engine.ToggleBlock(ctx, res.Serial, lifecycle.ToggleUnblock, "", "validador")
		require.NoError(t, err)

		again := submitJan1(t, h)
		assert.True(t, again.Resubmission)
		assert.Equal(t, res.Serial+"-R1", again.Serial)
		assert.Equal(t, res.Serial, again.Predecessor)
	})
}

// =============================================================================
// 2. RESUBMISSION LINEAGE
// =============================================================================

func TestResubmissionLinksToPredecessor(t *testing.T) {
	// GIVEN: A case marked INCOMPLETA for Epicrisis
	// WHEN: The employee resubmits for the same start date
	// THEN: -R1 serial, total_reenvios 1, caso_original_serial = predecessor

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		original := submitJan1(t, h)
		markIncomplete(t, h, original.Serial, "Epicrisis")

		res, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: original.Serial})
		require.NoError(t, err)
		assert.Equal(t, original.Serial+"-R1", res.Serial)
		assert.Equal(t, 1, res.TotalReenvios)

		c, err := h.engine.GetCase(ctx, res.Serial)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StateNew, c.Estado)
		assert.False(t, c.BloqueaNueva)
		assert.Equal(t, 1, c.Metadata.TotalReenvios)
		assert.Equal(t, original.Serial, c.Metadata.CasoOriginalSerial)
		assert.Equal(t, "general", c.Tipo)

		// Predecessor is untouched until the reviewer decides.
		pred, err := h.engine.GetCase(ctx, original.Serial)
		require.NoError(t, err)
		assert.True(t, pred.BloqueaNueva)
		assert.Equal(t, lifecycle.StateIncomplete, pred.Estado)
	})
}

func TestResubmit_ByCedulaAndStartDate(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		original := submitJan1(t, h)
		markIncomplete(t, h, original.Serial, "Epicrisis")

		res, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{
			SerialOrCedula: cedulaX,
			FechaInicio:    d(2026, time.January, 1),
			FechaFin:       d(2026, time.January, 12), // corrected end date
		})
		require.NoError(t, err)
		assert.Equal(t, "1085043374 01 01 2026 12 01 2026-R1", res.Serial)
		assert.Equal(t, original.Serial, res.Predecessor)
	})
}

func TestResubmit_Errors(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()

		t.Run("no incomplete predecessor", func(t *testing.T) {
			res := submitJan1(t, h)
			_, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: res.Serial})
			assert.True(t, lifecycle.IsNotFound(err))
		})

		t.Run("unknown serial", func(t *testing.T) {
			_, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: "99999999 01 01 2026 02 01 2026"})
			assert.True(t, lifecycle.IsNotFound(err))
		})

		t.Run("cedula without start date", func(t *testing.T) {
			_, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: cedulaX})
			assert.True(t, lifecycle.IsClientError(err))
		})

		t.Run("garbage key", func(t *testing.T) {
			_, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: "abc"})
			assert.True(t, lifecycle.IsClientError(err))
		})
	})
}

func TestResubmit_BlockedByOtherLineageIsConflict(t *testing.T) {
	// GIVEN: Lineage Jan-1 is incomplete but unblocked; lineage Feb-1 blocks
	// WHEN: Resubmitting Jan-1
	// THEN: ConflictError pointing at the Feb-1 case

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		jan := submitJan1(t, h)
		markIncomplete(t, h, jan.Serial, "Epicrisis")
		_, err := h.engine.ToggleBlock(ctx, jan.Serial, lifecycle.ToggleUnblock, "", "validador")
		require.NoError(t, err)

		feb, err := h.engine.Submit(ctx, lifecycle.SubmitInput{
			Cedula: cedulaX, FechaInicio: d(2026, 2, 1), FechaFin: d(2026, 2, 3),
		})
		require.NoError(t, err)
		markIncomplete(t, h, feb.Serial, "Incapacidad médica")

		_, err = h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: jan.Serial})
		var conflict *lifecycle.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, feb.Serial, conflict.BlockingSerial)
	})
}

func TestApprovalPurgesPredecessorAndUnblocks(t *testing.T) {
	// GIVEN: A blocked case and its -R1 resubmission
	// WHEN: The reviewer approves the -R1 case
	// THEN: Predecessor deleted, -R1 unblocked, check_block false,
	//       predecessor history retained

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		original := submitJan1(t, h)
		markIncomplete(t, h, original.Serial, "Epicrisis")
		r1, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: original.Serial})
		require.NoError(t, err)

		result, err := h.engine.ChangeState(ctx, r1.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateComplete, Actor: "validador"})
		require.NoError(t, err)
		require.Len(t, result.Superseded, 1)
		assert.Equal(t, original.Serial, result.Superseded[0].Serial)
		assert.Equal(t, lifecycle.StateComplete, result.Case.Estado)
		assert.False(t, result.Case.BloqueaNueva)
		assert.Equal(t, lifecycle.PhaseResolved, result.Case.Phase().Kind)

		_, err = h.engine.GetCase(ctx, original.Serial)
		assert.True(t, lifecycle.IsNotFound(err))

		status, err := h.engine.CheckBlock(ctx, cedulaX)
		require.NoError(t, err)
		assert.False(t, status.Blocked)

		history, err := h.engine.CaseHistory(ctx, original.Serial)
		require.NoError(t, err)
		last := history[len(history)-1]
		assert.Equal(t, lifecycle.EventSuperseded, last.Action)
		assert.Equal(t, r1.Serial, last.Details["superseded_by"])
	})
}

func TestSecondResubmissionGetsR2(t *testing.T) {
	// GIVEN: A blocked case and its -R1 resubmission, then the reviewer rejects -R1 again
	// WHEN: The employee resubmits once more
	// THEN: -R2 with total_reenvios 2; the rejected predecessors are kept

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		original := submitJan1(t, h)
		markIncomplete(t, h, original.Serial, "Epicrisis")
		r1, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: original.Serial})
		require.NoError(t, err)

		markIncomplete(t, h, r1.Serial, "Epicrisis")
		assert.Equal(t, 1, blockedCount(t, h, cedulaX), "block moved to -R1")

		pred, err := h.engine.GetCase(ctx, original.Serial)
		require.NoError(t, err, "predecessor retained on re-rejection")
		assert.False(t, pred.BloqueaNueva)

		r2, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: r1.Serial})
		require.NoError(t, err)
		assert.Equal(t, original.Serial+"-R2", r2.Serial)
		assert.Equal(t, 2, r2.TotalReenvios)
		assert.Equal(t, r1.Serial, r2.Predecessor)

		// Approving -R2 purges the whole incomplete lineage.
		result, err := h.engine.ChangeState(ctx, r2.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateComplete})
		require.NoError(t, err)
		assert.Len(t, result.Superseded, 2)

		lineage, err := h.engine.Lineage(ctx, r2.Serial)
		require.NoError(t, err)
		require.Len(t, lineage, 1)
		assert.Equal(t, r2.Serial, lineage[0].Serial)
	})
}

// =============================================================================
// 3. TOGGLE AND THE ONE-BLOCK INVARIANT
// =============================================================================

func TestToggleBlock_IdempotentButAudited(t *testing.T) {
	// GIVEN: A NEW case
	// WHEN: Toggling "block" twice
	// THEN: bloquea_nueva true and exactly two events appended

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		res := submitJan1(t, h)
		before, err := h.engine.CaseHistory(ctx, res.Serial)
		require.NoError(t, err)

		_, err = h.engine.ToggleBlock(ctx, res.Serial, lifecycle.ToggleBlock, "", "validador")
		require.NoError(t, err)
		second, err := h.engine.ToggleBlock(ctx, res.Serial, lifecycle.ToggleBlock, "sigue pendiente", "validador")
		require.NoError(t, err)

		assert.True(t, second.Case.BloqueaNueva)

		after, err := h.engine.CaseHistory(ctx, res.Serial)
		require.NoError(t, err)
		require.Len(t, after, len(before)+2)
		assert.Equal(t, lifecycle.EventBlocked, after[len(after)-2].Action)
		assert.Equal(t, lifecycle.DefaultToggleReason, after[len(after)-2].Reason)
		assert.Equal(t, "sigue pendiente", after[len(after)-1].Reason)
	})
}

func TestToggleBlock_Errors(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()

		_, err := h.engine.ToggleBlock(ctx, "99999999 01 01 2026 02 01 2026", lifecycle.ToggleBlock, "", "v")
		assert.True(t, lifecycle.IsNotFound(err))

		res := submitJan1(t, h)
		_, err = h.engine.ChangeState(ctx, res.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateComplete})
		require.NoError(t, err)

		_, err = h.engine.ToggleBlock(ctx, res.Serial, lifecycle.ToggleBlock, "", "v")
		assert.True(t, lifecycle.IsClientError(err), "complete case cannot block")

		_, err = h.engine.ToggleBlock(ctx, res.Serial, lifecycle.ToggleAction("freeze"), "", "v")
		assert.True(t, lifecycle.IsClientError(err))
	})
}

func TestBlock_TransfersBetweenLineages(t *testing.T) {
	// GIVEN: Feb-1 blocks; Jan-1 is incomplete but unblocked
	// WHEN: The reviewer blocks Jan-1 manually
	// THEN: Feb-1 is released with a block_transferred event

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		jan := submitJan1(t, h)
		markIncomplete(t, h, jan.Serial, "Epicrisis")
		_, err := h.engine.ToggleBlock(ctx, jan.Serial, lifecycle.ToggleUnblock, "", "v")
		require.NoError(t, err)

		feb, err := h.engine.Submit(ctx, lifecycle.SubmitInput{Cedula: cedulaX, FechaInicio: d(2026, 2, 1), FechaFin: d(2026, 2, 3)})
		require.NoError(t, err)
		markIncomplete(t, h, feb.Serial, "SOAT")
		require.Equal(t, 1, blockedCount(t, h, cedulaX))

		_, err = h.engine.ToggleBlock(ctx, jan.Serial, lifecycle.ToggleBlock, "", "v")
		require.NoError(t, err)
		assert.Equal(t, 1, blockedCount(t, h, cedulaX))

		status, err := h.engine.CheckBlock(ctx, cedulaX)
		require.NoError(t, err)
		assert.Equal(t, jan.Serial, status.BlockingCase.Serial)

		history, err := h.engine.CaseHistory(ctx, feb.Serial)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.EventBlockTransferred, history[len(history)-1].Action)
	})
}

func TestBlock_NewCaseCannotTakeActiveBlock(t *testing.T) {
	// GIVEN: Feb-1 is NEW; Jan-1 is INCOMPLETA and blocks
	// WHEN: The reviewer blocks Feb-1 manually
	// THEN: ConflictError naming Jan-1, Jan-1 still blocks and a new
	//       unrelated submission is still refused

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		feb, err := h.engine.Submit(ctx, lifecycle.SubmitInput{Cedula: cedulaX, FechaInicio: d(2026, 2, 1), FechaFin: d(2026, 2, 3)})
		require.NoError(t, err)
		jan := submitJan1(t, h)
		markIncomplete(t, h, jan.Serial, "Epicrisis")

		_, err = h.engine.ToggleBlock(ctx, feb.Serial, lifecycle.ToggleBlock, "", "v")
		var conflict *lifecycle.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, jan.Serial, conflict.BlockingSerial)

		status, err := h.engine.CheckBlock(ctx, cedulaX)
		require.NoError(t, err)
		require.True(t, status.Blocked)
		assert.Equal(t, jan.Serial, status.BlockingCase.Serial)

		c, err := h.engine.GetCase(ctx, feb.Serial)
		require.NoError(t, err)
		assert.False(t, c.BloqueaNueva)

		_, err = h.engine.Submit(ctx, lifecycle.SubmitInput{Cedula: cedulaX, FechaInicio: d(2026, 3, 1), FechaFin: d(2026, 3, 2)})
		assert.True(t, lifecycle.IsConflict(err))
	})
}

func TestInvariant_AtMostOneBlockPerEmployee(t *testing.T) {
	// GIVEN: A sequence of every reviewer and employee action
	// THEN: After each step at most one case of X blocks, and no complete
	//       case blocks

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		check := func(step string) {
			all, err := h.engine.ListCases(ctx, lifecycle.CaseFilter{Cedula: cedulaX})
			require.NoError(t, err)
			blocked := 0
			for _, c := range all {
				if c.BloqueaNueva {
					blocked++
					assert.NotEqual(t, lifecycle.StateComplete, c.Estado, step)
				}
			}
			assert.LessOrEqual(t, blocked, 1, step)
		}

		jan := submitJan1(t, h)
		check("submit")
		markIncomplete(t, h, jan.Serial, "Epicrisis")
		check("incomplete")
		r1, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: jan.Serial})
		require.NoError(t, err)
		check("resubmit")
		_, err = h.engine.ChangeState(ctx, r1.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateIncompleteIllegible})
		require.NoError(t, err)
		check("reject again")
		_, err = h.engine.ToggleBlock(ctx, jan.Serial, lifecycle.ToggleBlock, "", "v")
		require.NoError(t, err)
		check("manual block on predecessor")
		_, err = h.engine.ToggleBlock(ctx, jan.Serial, lifecycle.ToggleUnblock, "", "v")
		require.NoError(t, err)
		check("manual unblock")
		_, err = h.engine.ChangeState(ctx, r1.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateComplete})
		require.NoError(t, err)
		check("approve")
	})
}

func TestChangeState_InvalidTransitions(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		res := submitJan1(t, h)

		_, err := h.engine.ChangeState(ctx, res.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateNew})
		assert.True(t, lifecycle.IsClientError(err), "NEW -> NEW")

		_, err = h.engine.ChangeState(ctx, res.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateComplete})
		require.NoError(t, err)

		_, err = h.engine.ChangeState(ctx, res.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateIncomplete})
		assert.True(t, lifecycle.IsClientError(err), "COMPLETE is terminal")

		_, err = h.engine.ChangeState(ctx, "not a serial", lifecycle.ChangeStateInput{State: lifecycle.StateComplete})
		assert.True(t, lifecycle.IsClientError(err))

		_, err = h.engine.ChangeState(ctx, "99999999 01 01 2026 02 01 2026", lifecycle.ChangeStateInput{State: lifecycle.StateComplete})
		assert.True(t, lifecycle.IsNotFound(err))
	})
}

func TestChangeState_ReferralClearsBlock(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		res := submitJan1(t, h)
		markIncomplete(t, h, res.Serial, "Epicrisis")

		result, err := h.engine.ChangeState(ctx, res.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateEPSTranscription})
		require.NoError(t, err)
		assert.False(t, result.Case.BloqueaNueva)
		assert.Contains(t, h.notifier.Kinds(), lifecycle.NotifyEPS)

		status, err := h.engine.CheckBlock(ctx, cedulaX)
		require.NoError(t, err)
		assert.False(t, status.Blocked)
	})
}

// =============================================================================
// 4. TRANSACTIONS AND COLLABORATORS
// =============================================================================

// failingPurge makes DeleteSupersededCases fail inside transactions.
type failingPurge struct{ lifecycle.TxStore }

func (f failingPurge) WithTx(ctx context.Context, cedula string, fn func(lifecycle.Store) error) error {
	return f.TxStore.WithTx(ctx, cedula, func(s lifecycle.Store) error { return fn(purgeFails{s}) })
}

type purgeFails struct{ lifecycle.Store }

func (purgeFails) DeleteSupersededCases(context.Context, string, lifecycle.Date, string) ([]lifecycle.Case, error) {
	return nil, errors.New("disk full")
}

func TestApproval_RollsBackWhenPurgeFails(t *testing.T) {
	// GIVEN: A blocked case and its -R1 resubmission
	// WHEN: Approving -R1 while the purge step fails
	// THEN: Nothing changes: -R1 stays NEW and the predecessor still blocks

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		original := submitJan1(t, h)
		markIncomplete(t, h, original.Serial, "Epicrisis")
		r1, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: original.Serial})
		require.NoError(t, err)

		broken := lifecycle.NewEngine(failingPurge{h.store}, lifecycle.WithLogger(quietLogger()))
		_, err = broken.ChangeState(ctx, r1.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateComplete})
		require.Error(t, err)

		c, err := h.engine.GetCase(ctx, r1.Serial)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StateNew, c.Estado)

		pred, err := h.engine.GetCase(ctx, original.Serial)
		require.NoError(t, err)
		assert.True(t, pred.BloqueaNueva)
	})
}

func TestNotifierFailure_NeverFailsTheOperation(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		h.notifier.refuse = true

		res := submitJan1(t, h)
		require.Len(t, res.Warnings, 1)
		var warning *lifecycle.ExternalDispatchWarning
		require.ErrorAs(t, res.Warnings[0], &warning)
		assert.Equal(t, "notifier", warning.Collaborator)

		result, err := h.engine.ChangeState(context.Background(), res.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateComplete})
		require.NoError(t, err)
		assert.Len(t, result.Warnings, 1)
	})
}

func TestSubmit_ConcurrentSameEmployee(t *testing.T) {
	// GIVEN: 8 concurrent submissions for the same cedula and dates
	// THEN: All succeed with distinct serials

	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, factory)
			ctx := context.Background()

			const n = 8
			serials := make(chan string, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := h.engine.Submit(ctx, lifecycle.SubmitInput{
						Cedula: cedulaX, FechaInicio: d(2026, 3, 1), FechaFin: d(2026, 3, 2),
					})
					if assert.NoError(t, err) {
						serials <- res.Serial
					}
				}()
			}
			wg.Wait()
			close(serials)

			seen := map[string]bool{}
			for s := range serials {
				assert.False(t, seen[s], "duplicate serial %s", s)
				seen[s] = true
			}
			assert.Len(t, seen, n)
		})
	}
}

func TestSubmit_RosterFallbackStoresEmployee(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			roster := staticRoster{cedulaX: {Cedula: cedulaX, Nombre: "Ana Pérez", Correo: "ana@empresa.co", Activo: true}}
			h := newHarness(t, factory, lifecycle.WithRoster(roster))

			submitJan1(t, h)

			emp, err := h.store.GetEmployee(context.Background(), cedulaX)
			require.NoError(t, err)
			require.NotNil(t, emp)
			assert.Equal(t, "Ana Pérez", emp.Nombre)

			_, err = h.engine.GetEmployee(context.Background(), "99999999")
			assert.True(t, lifecycle.IsNotFound(err))
		})
	}
}

// =============================================================================
// 5. REMINDERS AND STATS
// =============================================================================

func TestSendReminders_OncePerBlockedCase(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		res := submitJan1(t, h)
		markIncomplete(t, h, res.Serial, "Epicrisis")

		report, err := h.engine.SendReminders(ctx, 48*time.Hour)
		require.NoError(t, err)
		assert.Empty(t, report.Sent, "too recent")

		h.clock.Advance(72 * time.Hour)
		report, err = h.engine.SendReminders(ctx, 48*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []string{res.Serial}, report.Sent)
		assert.Contains(t, h.notifier.Kinds(), lifecycle.NotifyReminder)

		c, err := h.engine.GetCase(ctx, res.Serial)
		require.NoError(t, err)
		assert.True(t, c.RecordatorioEnviado)
		require.NotNil(t, c.FechaRecordatorio)

		report, err = h.engine.SendReminders(ctx, 48*time.Hour)
		require.NoError(t, err)
		assert.Empty(t, report.Sent, "already reminded")
	})
}

func TestSendReminders_RefusedDispatchIsRetried(t *testing.T) {
	// GIVEN: A blocked case old enough for a reminder, notifier refusing
	// WHEN: Reminders run, then run again once the notifier recovers
	// THEN: The first run leaves the case unmarked; the second sends it

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		res := submitJan1(t, h)
		markIncomplete(t, h, res.Serial, "Epicrisis")
		h.clock.Advance(72 * time.Hour)

		h.notifier.refuse = true
		report, err := h.engine.SendReminders(ctx, 48*time.Hour)
		require.NoError(t, err)
		assert.Empty(t, report.Sent)
		assert.Equal(t, 1, report.Skipped)
		require.Len(t, report.Warnings, 1)

		c, err := h.engine.GetCase(ctx, res.Serial)
		require.NoError(t, err)
		assert.False(t, c.RecordatorioEnviado)
		assert.Nil(t, c.FechaRecordatorio)

		history, err := h.engine.CaseHistory(ctx, res.Serial)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.EventReminderFailed, history[len(history)-1].Action)

		h.notifier.refuse = false
		report, err = h.engine.SendReminders(ctx, 48*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []string{res.Serial}, report.Sent)
	})
}

func TestStats_PercentagesPerState(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		a := submitJan1(t, h)
		_, err := h.engine.ChangeState(ctx, a.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateComplete})
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, err := h.engine.Submit(ctx, lifecycle.SubmitInput{
				Cedula: fmt.Sprintf("5200000%d", i), FechaInicio: d(2026, 4, 1), FechaFin: d(2026, 4, 2),
			})
			require.NoError(t, err)
		}

		st, err := h.engine.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, st.Total)
		for _, sc := range st.ByState {
			switch sc.Estado {
			case lifecycle.StateComplete:
				assert.Equal(t, 1, sc.Count)
				assert.Equal(t, "33.33", sc.Percent.StringFixed(2))
			case lifecycle.StateNew:
				assert.Equal(t, 2, sc.Count)
				assert.Equal(t, "66.67", sc.Percent.StringFixed(2))
			default:
				assert.Zero(t, sc.Count)
			}
		}
		assert.Equal(t, "0.00", st.AvgReenvios.StringFixed(2))
	})
}

// =============================================================================
// 6. NOTES AND EMPLOYEES
// =============================================================================

func TestAddNote_KeptInHistoryAfterPurge(t *testing.T) {
	// GIVEN: A note on a blocked case that is later superseded
	// WHEN: The -R1 case is approved and the predecessor purged
	// THEN: The note is still listed for the purged serial

	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		jan := submitJan1(t, h)
		markIncomplete(t, h, jan.Serial, "Epicrisis")

		note, err := h.engine.AddNote(ctx, jan.Serial, lifecycle.NoteInput{Contenido: " Pidió prórroga ", Importante: true, Actor: "validador"})
		require.NoError(t, err)
		assert.Equal(t, "Pidió prórroga", note.Contenido)

		r1, err := h.engine.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: jan.Serial})
		require.NoError(t, err)
		_, err = h.engine.ChangeState(ctx, r1.Serial, lifecycle.ChangeStateInput{State: lifecycle.StateComplete})
		require.NoError(t, err)

		notes, err := h.engine.CaseNotes(ctx, jan.Serial)
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.True(t, notes[0].Importante)
		assert.Equal(t, "validador", notes[0].Autor)

		empty, err := h.engine.CaseNotes(ctx, r1.Serial)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestAddNote_Errors(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		res := submitJan1(t, h)

		_, err := h.engine.AddNote(ctx, res.Serial, lifecycle.NoteInput{})
		assert.True(t, lifecycle.IsClientError(err))

		_, err = h.engine.AddNote(ctx, "99999999 01 01 2026 02 01 2026", lifecycle.NoteInput{Contenido: "x"})
		assert.True(t, lifecycle.IsNotFound(err))
	})
}

func TestListEmployees_OrderedByName(t *testing.T) {
	eachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		require.NoError(t, h.engine.SaveEmployee(ctx, lifecycle.Employee{Cedula: "52123456", Nombre: "Zoe Ruiz"}))
		require.NoError(t, h.engine.SaveEmployee(ctx, lifecycle.Employee{Cedula: cedulaX, Nombre: "Ana Pérez"}))

		employees, err := h.engine.ListEmployees(ctx)
		require.NoError(t, err)
		require.Len(t, employees, 2)
		assert.Equal(t, cedulaX, employees[0].Cedula)
		assert.Equal(t, "Zoe Ruiz", employees[1].Nombre)
	})
}
