/*
engine.go - Case lifecycle engine (public contract)

PURPOSE:
  Facade over the serial generator, blocking policy, resubmission linker and
  transition table. Every mutating operation runs inside
  TxStore.WithTx(ctx, cedula, ...) so the per-employee sequence
  (block check, resubmission detection, serial, insert) is atomic.

OPERATIONS:
  Submit       intake of a new case; ConflictError when blocked
  CheckBlock   standalone block status for a cedula
  ChangeState  reviewer decision; blocks on incomplete, purges on approval
  ToggleBlock  manual override with audit event
  Resubmit     employee correction of a blocked lineage (-R serial)

AFTER COMMIT:
  Notifications and spreadsheet sync run once the transaction committed.
  Their failures are logged and returned as warnings, never as errors.

SEE ALSO:
  - blocking.go, resubmission.go, serial.go, transitions.go
  - api/handlers.go: HTTP layer over this facade
*/
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    TxStore
	notifier Notifier
	syncer   CaseSyncer
	roster   Roster
	recorder Recorder
	log      logrus.FieldLogger
	now      Clock

	blocking *BlockingPolicy
	linker   *ResubmissionLinker
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option         { return func(e *Engine) { e.notifier = n } }
func WithSyncer(s CaseSyncer) Option         { return func(e *Engine) { e.syncer = s } }
func WithRoster(r Roster) Option             { return func(e *Engine) { e.roster = r } }
func WithRecorder(r Recorder) Option         { return func(e *Engine) { e.recorder = r } }
func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }
func WithClock(c Clock) Option               { return func(e *Engine) { e.now = c } }

// NewEngine wires the engine. Collaborators default to no-ops.
func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		notifier: nopNotifier{},
		syncer:   nopSyncer{},
		recorder: nopRecorder{},
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.blocking = NewBlockingPolicy(e.now)
	e.linker = NewResubmissionLinker(e.now)
	return e
}

// =============================================================================
// INPUTS / RESULTS
// =============================================================================

type SubmitInput struct {
	Cedula          string
	Tipo            string
	FechaInicio     Date
	FechaFin        Date
	DiasIncapacidad int // computed from the dates when zero
	DriveLink       string
	Email           string
	Telefono        string
	Extra           map[string]string
	Actor           string
}

func (in SubmitInput) validate() error {
	if !ValidCedula(in.Cedula) {
		return &InvalidInputError{Field: "cedula", Value: in.Cedula, Reason: "must be 7 to 11 digits"}
	}
	_, err := BaseSerial(in.Cedula, in.FechaInicio, in.FechaFin)
	if err != nil {
		return err
	}
	if in.DiasIncapacidad < 0 {
		return &InvalidInputError{Field: "dias_incapacidad", Reason: "must not be negative"}
	}
	return nil
}

type SubmitResult struct {
	Serial        string
	CaseID        string
	Resubmission  bool
	TotalReenvios int
	Predecessor   string
	Warnings      []error
}

type ResubmitInput struct {
	// SerialOrCedula selects the lineage. A cedula needs FechaInicio.
	SerialOrCedula  string
	FechaInicio     Date
	FechaFin        Date // defaults to the predecessor's end date
	DiasIncapacidad int
	DriveLink       string
	Email           string
	Telefono        string
	Extra           map[string]string
	Actor           string
}

type ChangeStateInput struct {
	State     State
	Checklist Checklist
	Reason    string
	Actor     string
}

// TransitionResult is returned by reviewer operations.
type TransitionResult struct {
	Case       Case
	Superseded []Case
	Warnings   []error
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit registers a new case in state NUEVO. A blocked employee gets a
// *ConflictError carrying the blocking serial.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	in.Cedula = strings.TrimSpace(in.Cedula)
	if err := in.validate(); err != nil {
		e.recorder.Submission("invalid")
		return nil, err
	}
	e.ensureEmployee(ctx, in.Cedula)

	var created Case
	var predecessor *Case
	err := e.store.WithTx(ctx, in.Cedula, func(s Store) error {
		status, err := e.blocking.CheckBlock(ctx, s, in.Cedula)
		if err != nil {
			return err
		}
		if status.Blocked {
			return &ConflictError{Cedula: in.Cedula, BlockingSerial: status.BlockingCase.Serial, Reason: status.Reason}
		}

		predecessor, err = e.linker.Detect(ctx, s, in.Cedula, in.FechaInicio)
		if err != nil {
			return err
		}

		created = e.newCase(in.Cedula, in.Tipo, in.FechaInicio, in.FechaFin, in.DiasIncapacidad,
			in.DriveLink, in.Email, in.Telefono, in.Extra)
		return e.insertLinked(ctx, s, &created, predecessor, in.Actor)
	})
	if err != nil {
		e.recordSubmissionError(err)
		return nil, err
	}

	e.recorder.Submission("created")
	e.log.WithFields(logrus.Fields{"serial": created.Serial, "cedula": created.Cedula, "resubmission": predecessor != nil}).Info("case submitted")

	res := &SubmitResult{
		Serial:        created.Serial,
		CaseID:        created.ID,
		Resubmission:  predecessor != nil,
		TotalReenvios: created.Metadata.TotalReenvios,
	}
	if predecessor != nil {
		res.Predecessor = predecessor.Serial
	}
	res.Warnings = e.afterCommit(ctx, NotifyConfirmation, created, SyncCreate, nil, "")
	return res, nil
}

// =============================================================================
// RESUBMIT
// =============================================================================

// Resubmit creates a corrected case for a lineage whose latest case is in
// the incomplete family. The new case starts unblocked; the predecessor is
// left as it is until a reviewer decides.
func (e *Engine) Resubmit(ctx context.Context, in ResubmitInput) (*SubmitResult, error) {
	key := strings.TrimSpace(in.SerialOrCedula)

	var cedula string
	var bySerial bool
	switch {
	case IsValidSerial(key):
		info, _ := ParseSerial(key)
		cedula, bySerial = info.Cedula, true
	case ValidCedula(key):
		if in.FechaInicio.IsZero() {
			return nil, &InvalidInputError{Field: "fecha_inicio", Reason: "required when resubmitting by cedula"}
		}
		cedula = key
	default:
		return nil, &InvalidInputError{Field: "serial_o_cedula", Value: key, Reason: "neither a serial nor a cedula"}
	}

	var created Case
	var predecessor *Case
	err := e.store.WithTx(ctx, cedula, func(s Store) error {
		fechaInicio := in.FechaInicio
		if bySerial {
			anchor, err := s.GetCaseBySerial(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to load case: %w", err)
			}
			if anchor == nil {
				return &NotFoundError{Kind: "case", Key: key}
			}
			fechaInicio = anchor.FechaInicio
		}

		var err error
		predecessor, err = e.linker.Detect(ctx, s, cedula, fechaInicio)
		if err != nil {
			return err
		}
		if predecessor == nil {
			return &NotFoundError{Kind: "predecessor", Key: fmt.Sprintf("%s %s", cedula, fechaInicio)}
		}

		status, err := e.blocking.CheckBlock(ctx, s, cedula)
		if err != nil {
			return err
		}
		if status.Blocked && !status.BlockingCase.FechaInicio.Equal(fechaInicio) {
			return &ConflictError{Cedula: cedula, BlockingSerial: status.BlockingCase.Serial, Reason: status.Reason}
		}

		fechaFin := in.FechaFin
		if fechaFin.IsZero() {
			fechaFin = predecessor.FechaFin
		}
		if _, err := BaseSerial(cedula, fechaInicio, fechaFin); err != nil {
			return err
		}

		extra := in.Extra
		if extra == nil {
			extra = predecessor.Metadata.Extra
		}
		created = e.newCase(cedula, predecessor.Tipo, fechaInicio, fechaFin, in.DiasIncapacidad,
			firstNonEmpty(in.DriveLink, predecessor.DriveLink),
			firstNonEmpty(in.Email, predecessor.EmailForm),
			firstNonEmpty(in.Telefono, predecessor.TelefonoForm), extra)
		return e.insertLinked(ctx, s, &created, predecessor, in.Actor)
	})
	if err != nil {
		e.recordSubmissionError(err)
		return nil, err
	}

	e.recorder.Submission("resubmitted")
	e.log.WithFields(logrus.Fields{"serial": created.Serial, "predecessor": predecessor.Serial}).Info("case resubmitted")

	res := &SubmitResult{
		Serial:        created.Serial,
		CaseID:        created.ID,
		Resubmission:  true,
		TotalReenvios: created.Metadata.TotalReenvios,
		Predecessor:   predecessor.Serial,
	}
	res.Warnings = e.afterCommit(ctx, NotifyResubmission, created, SyncCreate, nil, "")
	return res, nil
}

// insertLinked assigns the serial, links the predecessor when present and
// writes the case with its creation events.
func (e *Engine) insertLinked(ctx context.Context, s Store, c *Case, predecessor *Case, actor string) error {
	req := SerialRequest{Cedula: c.Cedula, FechaInicio: c.FechaInicio, FechaFin: c.FechaFin}
	if predecessor != nil {
		e.linker.Link(c, predecessor)
		req.Resubmission = true
		req.ResubmissionIndex = c.Metadata.TotalReenvios
	}

	serial, err := GenerateSerial(ctx, s, req)
	if err != nil {
		return err
	}
	c.Serial = serial

	if err := s.InsertCase(ctx, *c); err != nil {
		if errors.Is(err, ErrDuplicateSerial) {
			return &ConcurrencyError{Cedula: c.Cedula, Err: err}
		}
		return err
	}

	now := e.now().UTC()
	ev := newEvent(now, c, EventCaseCreated, actor)
	ev.FromState = ""
	if err := s.AppendEvent(ctx, ev); err != nil {
		return err
	}
	if predecessor != nil {
		ev := newEvent(now, c, EventResubmissionLinked, actor)
		ev.Details = map[string]any{
			"caso_original_serial": predecessor.Serial,
			"total_reenvios":       c.Metadata.TotalReenvios,
		}
		if err := s.AppendEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) newCase(cedula, tipo string, inicio, fin Date, dias int, driveLink, email, telefono string, extra map[string]string) Case {
	now := e.now().UTC()
	if dias == 0 {
		dias = DaysInclusive(inicio, fin)
	}
	return Case{
		ID:              uuid.NewString(),
		Cedula:          cedula,
		Tipo:            tipo,
		DiasIncapacidad: dias,
		FechaInicio:     inicio,
		FechaFin:        fin,
		Estado:          StateNew,
		DriveLink:       driveLink,
		EmailForm:       email,
		TelefonoForm:    telefono,
		Metadata:        Metadata{Extra: extra},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// =============================================================================
// CHECK BLOCK
// =============================================================================

func (e *Engine) CheckBlock(ctx context.Context, cedula string) (BlockStatus, error) {
	return e.blocking.CheckBlock(ctx, e.store, strings.TrimSpace(cedula))
}

// =============================================================================
// CHANGE STATE
// =============================================================================

// ChangeState applies a reviewer decision.
//
//	-> incomplete family: checklist saved, case blocks (block moves here)
//	-> COMPLETA:          resubmission predecessors purged, block cleared
//	-> referral:          block cleared
func (e *Engine) ChangeState(ctx context.Context, serial string, in ChangeStateInput) (*TransitionResult, error) {
	info, err := ParseSerial(serial)
	if err != nil {
		return nil, err
	}
	if !in.State.Valid() {
		return nil, &InvalidInputError{Field: "estado", Value: string(in.State), Reason: "unknown state"}
	}
	if err := in.Checklist.Validate(); err != nil {
		return nil, err
	}

	var result TransitionResult
	var from State
	err = e.store.WithTx(ctx, info.Cedula, func(s Store) error {
		c, err := s.GetCaseBySerial(ctx, serial)
		if err != nil {
			return fmt.Errorf("failed to load case: %w", err)
		}
		if c == nil {
			return &NotFoundError{Kind: "case", Key: serial}
		}
		from = c.Estado
		if !CanTransition(from, in.State) {
			return &InvalidInputError{Field: "estado", Value: string(in.State),
				Reason: fmt.Sprintf("transition %s -> %s not allowed", from, in.State)}
		}

		wasBlocked := c.BloqueaNueva
		c.Estado = in.State
		if len(in.Checklist) > 0 {
			c.Metadata.Checklist = in.Checklist
		}
		now := e.now().UTC()

		switch {
		case in.State.IsIncomplete():
			if _, err := e.blocking.Block(ctx, s, c, in.Actor, in.Reason); err != nil {
				return err
			}
			ev := newEvent(now, c, EventMarkedIncomplete, in.Actor)
			ev.FromState, ev.Reason = from, in.Reason
			ev.Details = map[string]any{"faltantes": c.Metadata.Checklist.Missing()}
			if err := s.AppendEvent(ctx, ev); err != nil {
				return err
			}
			blockEv := newEvent(now, c, EventBlocked, in.Actor)
			blockEv.Reason = BlockReason(c)
			if err := s.AppendEvent(ctx, blockEv); err != nil {
				return err
			}

		default:
			if in.State == StateComplete && c.IsResubmission() {
				result.Superseded, err = e.linker.PurgeSuperseded(ctx, s, c, in.Actor)
				if err != nil {
					return err
				}
			}
			if err := e.blocking.Unblock(ctx, s, c); err != nil {
				return err
			}
			ev := newEvent(now, c, EventStateChanged, in.Actor)
			ev.FromState, ev.Reason = from, in.Reason
			if err := s.AppendEvent(ctx, ev); err != nil {
				return err
			}
			if wasBlocked {
				if err := s.AppendEvent(ctx, newEvent(now, c, EventUnblocked, in.Actor)); err != nil {
					return err
				}
			}
		}

		result.Case = *c
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.recorder.Transition(in.State)
	if len(result.Superseded) > 0 {
		e.recorder.Superseded(len(result.Superseded))
	}
	e.log.WithFields(logrus.Fields{
		"serial": serial, "from": from, "to": in.State, "superseded": len(result.Superseded),
	}).Info("case state changed")

	result.Warnings = e.afterCommit(ctx, notificationFor(in.State), result.Case, SyncUpdate, result.Case.Metadata.Checklist, in.Reason)
	for _, gone := range result.Superseded {
		if err := e.syncer.SyncCase(ctx, gone, SyncDelete); err != nil {
			result.Warnings = append(result.Warnings, e.warn("sheets", gone.Serial, string(SyncDelete), err))
		}
	}
	return &result, nil
}

// =============================================================================
// TOGGLE BLOCK
// =============================================================================

// ToggleBlock is the reviewer's manual override. reason is optional.
func (e *Engine) ToggleBlock(ctx context.Context, serial string, action ToggleAction, reason, actor string) (*TransitionResult, error) {
	info, err := ParseSerial(serial)
	if err != nil {
		return nil, err
	}

	var result TransitionResult
	err = e.store.WithTx(ctx, info.Cedula, func(s Store) error {
		c, err := e.blocking.Toggle(ctx, s, serial, action, reason, actor)
		if err != nil {
			return err
		}
		result.Case = *c
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.recorder.BlockToggle(string(action))
	e.log.WithFields(logrus.Fields{"serial": serial, "action": action, "actor": actor}).Info("block toggled")

	kind := NotifyUnblocked
	if action == ToggleBlock {
		kind = NotifyBlocked
	}
	result.Warnings = e.afterCommit(ctx, kind, result.Case, SyncUpdate, result.Case.Metadata.Checklist, reason)
	return &result, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) GetCase(ctx context.Context, serial string) (*Case, error) {
	c, err := e.store.GetCaseBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &NotFoundError{Kind: "case", Key: serial}
	}
	return c, nil
}

func (e *Engine) ListCases(ctx context.Context, filter CaseFilter) ([]Case, error) {
	return e.store.FindCases(ctx, filter)
}

// CaseHistory returns the audit trail of a serial, including serials that
// were purged as superseded.
func (e *Engine) CaseHistory(ctx context.Context, serial string) ([]CaseEvent, error) {
	events, err := e.store.ListEvents(ctx, EventFilter{Serial: serial})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &NotFoundError{Kind: "case", Key: serial}
	}
	return events, nil
}

// Lineage returns the surviving cases of the serial's leave episode.
func (e *Engine) Lineage(ctx context.Context, serial string) ([]Case, error) {
	c, err := e.GetCase(ctx, serial)
	if err != nil {
		return nil, err
	}
	return e.linker.Lineage(ctx, e.store, c)
}

// GetEmployee resolves from the store, then from the roster.
func (e *Engine) GetEmployee(ctx context.Context, cedula string) (*Employee, error) {
	if !ValidCedula(cedula) {
		return nil, &InvalidInputError{Field: "cedula", Value: cedula, Reason: "must be 7 to 11 digits"}
	}
	if emp := e.ensureEmployee(ctx, cedula); emp != nil {
		return emp, nil
	}
	return nil, &NotFoundError{Kind: "employee", Key: cedula}
}

func (e *Engine) SaveEmployee(ctx context.Context, emp Employee) error {
	if !ValidCedula(emp.Cedula) {
		return &InvalidInputError{Field: "cedula", Value: emp.Cedula, Reason: "must be 7 to 11 digits"}
	}
	if strings.TrimSpace(emp.Nombre) == "" {
		return &InvalidInputError{Field: "nombre", Reason: "required"}
	}
	return e.store.SaveEmployee(ctx, emp)
}

// ListEmployees returns the stored employees ordered by name.
func (e *Engine) ListEmployees(ctx context.Context) ([]Employee, error) {
	return e.store.ListEmployees(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

// ensureEmployee returns the stored employee, importing it from the roster
// on a miss. Failures are logged; intake never depends on the roster.
func (e *Engine) ensureEmployee(ctx context.Context, cedula string) *Employee {
	emp, err := e.store.GetEmployee(ctx, cedula)
	if err != nil {
		e.log.WithError(err).WithField("cedula", cedula).Warn("employee lookup failed")
		return nil
	}
	if emp != nil || e.roster == nil {
		return emp
	}
	emp, err = e.roster.Lookup(ctx, cedula)
	if err != nil {
		e.log.WithError(err).WithField("cedula", cedula).Warn("roster lookup failed")
		return nil
	}
	if emp == nil {
		return nil
	}
	if err := e.store.SaveEmployee(ctx, *emp); err != nil {
		e.log.WithError(err).WithField("cedula", cedula).Warn("failed to save roster employee")
	}
	return emp
}

// afterCommit notifies and syncs. Never fails; returns warnings.
func (e *Engine) afterCommit(ctx context.Context, kind NotificationKind, c Case, action SyncAction, checklist Checklist, reason string) []error {
	var warnings []error

	if kind != "" {
		emp, _ := e.store.GetEmployee(ctx, c.Cedula)
		res := e.notifier.Notify(ctx, Notification{Kind: kind, Case: c, Employee: emp, Checklist: checklist, Reason: reason})
		if !res.Accepted || res.Err != nil {
			cause := res.Err
			if cause == nil {
				cause = errors.New("not accepted for delivery")
			}
			warnings = append(warnings, e.warn("notifier", c.Serial, string(kind), cause))
		}
	}

	if err := e.syncer.SyncCase(ctx, c, action); err != nil {
		warnings = append(warnings, e.warn("sheets", c.Serial, string(action), err))
	}
	return warnings
}

func (e *Engine) warn(collaborator, serial, kind string, err error) error {
	w := &ExternalDispatchWarning{Collaborator: collaborator, Serial: serial, Kind: kind, Err: err}
	e.recorder.DispatchFailure(collaborator)
	e.log.WithFields(logrus.Fields{"collaborator": collaborator, "serial": serial, "kind": kind}).WithError(err).Warn("external dispatch failed")
	return w
}

func (e *Engine) recordSubmissionError(err error) {
	switch {
	case IsConflict(err):
		e.recorder.Submission("conflict")
	case IsRetryable(err):
		e.recorder.Submission("concurrency")
	case IsClientError(err), IsNotFound(err):
		e.recorder.Submission("invalid")
	default:
		e.recorder.Submission("error")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
