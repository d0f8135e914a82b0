package lifecycle

// =============================================================================
// STATE TRANSITION TABLE
// =============================================================================
//
//	NUEVO              -> COMPLETA | incomplete family | referral
//	incomplete family  -> COMPLETA | other incomplete member | referral
//	referral           -> COMPLETA | incomplete family
//	COMPLETA           -> (terminal)
//
// Staying in the same state is not a transition.

// CanTransition reports whether a reviewer may move a case from -> to.
func CanTransition(from, to State) bool {
	if from == to || !to.Valid() || to == StateNew {
		return false
	}
	switch {
	case from == StateNew:
		return true
	case from.IsIncomplete():
		return true
	case from.IsReferral():
		return to == StateComplete || to.IsIncomplete()
	default:
		return false
	}
}

// notificationFor picks the notification kind for a committed transition.
func notificationFor(to State) NotificationKind {
	switch to {
	case StateComplete:
		return NotifyComplete
	case StateIllegible, StateIncompleteIllegible:
		return NotifyIllegible
	case StateIncomplete:
		return NotifyIncomplete
	case StateEPSTranscription:
		return NotifyEPS
	case StateReferredHR:
		return NotifyHR
	}
	return ""
}
