package lifecycle

import (
	"context"
	"time"
)

// =============================================================================
// EXTERNAL COLLABORATORS
// =============================================================================
// Called after commit. Failures become ExternalDispatchWarning and never
// roll back or fail the state transition.

// NotificationKind selects the message the sender renders.
type NotificationKind string

const (
	NotifyConfirmation NotificationKind = "confirmacion"
	NotifyIncomplete   NotificationKind = "incompleta"
	NotifyIllegible    NotificationKind = "ilegible"
	NotifyComplete     NotificationKind = "completa"
	NotifyEPS          NotificationKind = "eps"
	NotifyHR           NotificationKind = "tthh"
	NotifyResubmission NotificationKind = "reenvio"
	NotifyBlocked      NotificationKind = "bloqueo"
	NotifyUnblocked    NotificationKind = "desbloqueo"
	NotifyReminder     NotificationKind = "recordatorio"
)

// Notification is everything a sender needs to render a message.
type Notification struct {
	Kind      NotificationKind
	Case      Case
	Employee  *Employee // nil when the roster does not know the cedula
	Checklist Checklist
	Reason    string
}

// DispatchResult acknowledges acceptance for delivery, not delivery itself.
type DispatchResult struct {
	Accepted bool
	Err      error
}

// Notifier hands notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) DispatchResult
}

// SyncAction tells the spreadsheet what happened to a case.
type SyncAction string

const (
	SyncCreate SyncAction = "crear"
	SyncUpdate SyncAction = "actualizar"
	SyncDelete SyncAction = "eliminar"
)

// CaseSyncer mirrors case public fields into a spreadsheet. Best-effort.
type CaseSyncer interface {
	SyncCase(ctx context.Context, c Case, action SyncAction) error
}

// Roster resolves employees the store does not know yet.
type Roster interface {
	Lookup(ctx context.Context, cedula string) (*Employee, error)
}

// Recorder receives engine counters. metrics.Prometheus implements it.
type Recorder interface {
	Submission(result string)
	Transition(to State)
	BlockToggle(action string)
	Superseded(n int)
	DispatchFailure(collaborator string)
}

// =============================================================================
// NO-OP IMPLEMENTATIONS
// =============================================================================

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) DispatchResult {
	return DispatchResult{Accepted: true}
}

type nopSyncer struct{}

func (nopSyncer) SyncCase(context.Context, Case, SyncAction) error { return nil }

type nopRecorder struct{}

func (nopRecorder) Submission(string)      {}
func (nopRecorder) Transition(State)       {}
func (nopRecorder) BlockToggle(string)     {}
func (nopRecorder) Superseded(int)         {}
func (nopRecorder) DispatchFailure(string) {}

// Clock lets tests pin time.
type Clock func() time.Time
