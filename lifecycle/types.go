package lifecycle

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// STATE - Review state of a case
// =============================================================================

// State is the review state stored on a case. Values are the wire values.
type State string

const (
	StateNew                 State = "NUEVO"
	StateComplete            State = "COMPLETA"
	StateIncomplete          State = "INCOMPLETA"
	StateIllegible           State = "ILEGIBLE"
	StateIncompleteIllegible State = "INCOMPLETA_ILEGIBLE"

	// Referral states. They never block.
	StateEPSTranscription State = "EPS_TRANSCRIPCION"
	StateReferredHR       State = "DERIVADO_TTHH"
)

// AllStates lists every state in display order.
var AllStates = []State{
	StateNew, StateComplete, StateIncomplete, StateIllegible,
	StateIncompleteIllegible, StateEPSTranscription, StateReferredHR,
}

// IncompleteStates is the family of states from which a case can block.
var IncompleteStates = []State{StateIncomplete, StateIllegible, StateIncompleteIllegible}

var stateAliases = map[string]State{
	"NEW":                      StateNew,
	"COMPLETE":                 StateComplete,
	"INCOMPLETE":               StateIncomplete,
	"ILLEGIBLE":                StateIllegible,
	"INCOMPLETE_AND_ILLEGIBLE": StateIncompleteIllegible,
	"EPS":                      StateEPSTranscription,
	"TTHH":                     StateReferredHR,
}

// ParseState accepts wire values and English names, case-insensitively.
func ParseState(s string) (State, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	for _, st := range AllStates {
		if string(st) == key {
			return st, nil
		}
	}
	if st, ok := stateAliases[key]; ok {
		return st, nil
	}
	return "", &InvalidInputError{Field: "estado", Value: s, Reason: "unknown state"}
}

// IsIncomplete reports membership in the incomplete family.
func (s State) IsIncomplete() bool {
	return s == StateIncomplete || s == StateIllegible || s == StateIncompleteIllegible
}

func (s State) IsReferral() bool {
	return s == StateEPSTranscription || s == StateReferredHR
}

func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// =============================================================================
// CHECKLIST - Required documents and their review outcome
// =============================================================================

// DocStatus is the review outcome of one required document.
type DocStatus string

const (
	DocPending    DocStatus = "PENDIENTE"
	DocOK         DocStatus = "OK"
	DocIncomplete DocStatus = "INCOMPLETO"
	DocIllegible  DocStatus = "ILEGIBLE"
)

type ChecklistItem struct {
	Documento string    `json:"documento"`
	Estado    DocStatus `json:"estado"`
	Nota      string    `json:"nota,omitempty"`
}

// Checklist is stored in case metadata when a reviewer rejects a case.
type Checklist []ChecklistItem

// Missing returns every document not in a passing state.
func (c Checklist) Missing() []string {
	var out []string
	for _, item := range c {
		if item.Estado != DocOK {
			out = append(out, item.Documento)
		}
	}
	return out
}

func (c Checklist) Validate() error {
	for i, item := range c {
		if strings.TrimSpace(item.Documento) == "" {
			return &InvalidInputError{Field: fmt.Sprintf("checklist[%d].documento", i), Reason: "required"}
		}
		switch item.Estado {
		case DocPending, DocOK, DocIncomplete, DocIllegible:
		default:
			return &InvalidInputError{Field: fmt.Sprintf("checklist[%d].estado", i), Value: string(item.Estado), Reason: "unknown document status"}
		}
	}
	return nil
}

// ChecklistFromMissing marks each named document as incomplete.
func ChecklistFromMissing(docs ...string) Checklist {
	out := make(Checklist, 0, len(docs))
	for _, d := range docs {
		out = append(out, ChecklistItem{Documento: d, Estado: DocIncomplete})
	}
	return out
}

// =============================================================================
// CASE - One leave-documentation submission
// =============================================================================

// Metadata is the structured bag persisted as JSON alongside a case.
type Metadata struct {
	Checklist          Checklist         `json:"checklist,omitempty"`
	TotalReenvios      int               `json:"total_reenvios"`
	CasoOriginalSerial string            `json:"caso_original_serial,omitempty"`
	MotivoBloqueo      string            `json:"motivo_bloqueo,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

type Case struct {
	ID                  string
	Serial              string
	Cedula              string
	Tipo                string
	DiasIncapacidad     int
	FechaInicio         Date
	FechaFin            Date
	Estado              State
	BloqueaNueva        bool
	DriveLink           string
	EmailForm           string
	TelefonoForm        string
	Metadata            Metadata
	RecordatorioEnviado bool
	FechaRecordatorio   *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsResubmission reports whether the case was linked to a predecessor.
func (c *Case) IsResubmission() bool {
	return c.Metadata.CasoOriginalSerial != ""
}

// Validate enforces the field-level invariants checked on every write.
func (c *Case) Validate() error {
	if c.Serial == "" {
		return &InvalidInputError{Field: "serial", Reason: "required"}
	}
	if !cedulaPattern.MatchString(c.Cedula) {
		return &InvalidInputError{Field: "cedula", Value: c.Cedula, Reason: "must be 7 to 11 digits"}
	}
	if !c.Estado.Valid() {
		return &InvalidInputError{Field: "estado", Value: string(c.Estado), Reason: "unknown state"}
	}
	if c.Estado == StateComplete && c.BloqueaNueva {
		return &InvalidInputError{Field: "bloquea_nueva", Value: c.Serial, Reason: "a complete case cannot block"}
	}
	if c.FechaInicio.IsZero() || c.FechaFin.IsZero() {
		return &InvalidInputError{Field: "fecha", Value: c.Serial, Reason: "start and end dates are required"}
	}
	if c.FechaFin.Before(c.FechaInicio) {
		return &InvalidInputError{Field: "fecha_fin", Value: c.FechaFin.String(), Reason: "before fecha_inicio"}
	}
	return c.Metadata.Checklist.Validate()
}

// =============================================================================
// PHASE - Compound view of (estado, bloquea_nueva)
// =============================================================================

type PhaseKind string

const (
	PhaseActive   PhaseKind = "active"
	PhaseBlocked  PhaseKind = "blocked"
	PhaseResolved PhaseKind = "resolved"
)

// Phase is the tagged variant derived from a case's state and block flag.
// Substate is set for Active; Reason for Blocked.
type Phase struct {
	Kind     PhaseKind
	Substate State
	Reason   string
}

func (c *Case) Phase() Phase {
	switch {
	case c.Estado == StateComplete:
		return Phase{Kind: PhaseResolved}
	case c.BloqueaNueva:
		return Phase{Kind: PhaseBlocked, Substate: c.Estado, Reason: BlockReason(c)}
	default:
		return Phase{Kind: PhaseActive, Substate: c.Estado}
	}
}

// =============================================================================
// EMPLOYEE
// =============================================================================

type Employee struct {
	Cedula     string
	Nombre     string
	Correo     string
	Telefono   string
	Empresa    string
	EPS        string
	JefeNombre string
	JefeEmail  string
	Activo     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// CASE EVENT - Append-only audit trail
// =============================================================================

type EventAction string

const (
	EventCaseCreated        EventAction = "case_created"
	EventStateChanged       EventAction = "state_changed"
	EventMarkedIncomplete   EventAction = "marked_incomplete"
	EventBlocked            EventAction = "blocked"
	EventUnblocked          EventAction = "unblocked"
	EventBlockTransferred   EventAction = "block_transferred"
	EventResubmissionLinked EventAction = "resubmission_linked"
	EventSuperseded         EventAction = "superseded"
	EventReminderSent       EventAction = "reminder_sent"
	EventReminderFailed     EventAction = "reminder_failed"
	EventNote               EventAction = "note"
)

// CaseEvent survives deletion of the case it references.
type CaseEvent struct {
	ID        string
	CaseID    string
	Serial    string
	Cedula    string
	Actor     string
	Action    EventAction
	FromState State
	ToState   State
	Reason    string
	Details   map[string]any
	CreatedAt time.Time
}

// =============================================================================
// BLOCK STATUS
// =============================================================================

type BlockStatus struct {
	Blocked      bool
	BlockingCase *Case
	Reason       string
}
