/*
blocking.go - Blocking Policy Engine

PURPOSE:
  Decides whether an employee is blocked from submitting new cases and owns
  every write of Case.BloqueaNueva.

ONE-BLOCK INVARIANT:
  At most one case per cedula has BloqueaNueva = true. Block() enforces it
  by clearing the flag on every other case of the cedula (logging
  block_transferred on each) before setting it on the target, all through
  the same transactional Store. Stores back this with a unique constraint.

CHECK:
  CheckBlock looks for an incomplete-family case with the flag set. The
  reason lists every checklist item not OK, or falls back to the manual
  motive, or to a generic message.

SEE ALSO:
  - transitions.go: Calls Block/Unblock on state changes
  - engine.go: Runs everything inside TxStore.WithTx
*/
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBlockReason is used when the blocking case has no checklist.
	DefaultBlockReason = "Documentos faltantes o ilegibles"

	// DefaultToggleReason is stored when a reviewer toggles without a motive.
	DefaultToggleReason = "Cambio manual de bloqueo"
)

// ToggleAction is the manual override direction.
type ToggleAction string

const (
	ToggleBlock   ToggleAction = "block"
	ToggleUnblock ToggleAction = "unblock"
)

// ParseToggleAction accepts English and Spanish verbs.
func ParseToggleAction(s string) (ToggleAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block", "bloquear":
		return ToggleBlock, nil
	case "unblock", "desbloquear":
		return ToggleUnblock, nil
	}
	return "", &InvalidInputError{Field: "accion", Value: s, Reason: "expected block or unblock"}
}

// BlockReason renders the human-readable reason for a blocking case.
func BlockReason(c *Case) string {
	if missing := c.Metadata.Checklist.Missing(); len(missing) > 0 {
		return fmt.Sprintf("%s: %s", DefaultBlockReason, strings.Join(missing, ", "))
	}
	if c.Metadata.MotivoBloqueo != "" {
		return c.Metadata.MotivoBloqueo
	}
	return DefaultBlockReason
}

// =============================================================================
// BLOCKING POLICY
// =============================================================================

type BlockingPolicy struct {
	now Clock
}

func NewBlockingPolicy(now Clock) *BlockingPolicy {
	if now == nil {
		now = time.Now
	}
	return &BlockingPolicy{now: now}
}

// CheckBlock reports whether cedula has an active blocking case.
func (p *BlockingPolicy) CheckBlock(ctx context.Context, s Store, cedula string) (BlockStatus, error) {
	if !ValidCedula(cedula) {
		return BlockStatus{}, &InvalidInputError{Field: "cedula", Value: cedula, Reason: "must be 7 to 11 digits"}
	}
	cases, err := s.FindCases(ctx, CaseFilter{
		Cedula:  cedula,
		Estados: IncompleteStates,
		Blocked: Bool(true),
	})
	if err != nil {
		return BlockStatus{}, fmt.Errorf("failed to query blocking cases: %w", err)
	}
	if len(cases) == 0 {
		return BlockStatus{}, nil
	}
	blocking := cases[len(cases)-1]
	return BlockStatus{Blocked: true, BlockingCase: &blocking, Reason: BlockReason(&blocking)}, nil
}

// Block sets the flag on c, transferring it away from any other case of the
// same cedula, and persists c. c must already carry its new state.
func (p *BlockingPolicy) Block(ctx context.Context, s Store, c *Case, actor, reason string) ([]Case, error) {
	if c.Estado == StateComplete {
		return nil, &InvalidInputError{Field: "bloquea_nueva", Value: c.Serial, Reason: "a complete case cannot block"}
	}

	others, err := s.FindCases(ctx, CaseFilter{Cedula: c.Cedula, Blocked: Bool(true)})
	if err != nil {
		return nil, fmt.Errorf("failed to query blocked cases: %w", err)
	}

	// Only an incomplete case may take over an active block; anything else
	// would lift the employee's block through a "block" action.
	if !c.Estado.IsIncomplete() {
		for _, other := range others {
			if other.ID != c.ID && other.Estado.IsIncomplete() {
				return nil, &ConflictError{Cedula: c.Cedula, BlockingSerial: other.Serial, Reason: BlockReason(&other)}
			}
		}
	}

	now := p.now().UTC()
	var released []Case
	for _, other := range others {
		if other.ID == c.ID {
			continue
		}
		other.BloqueaNueva = false
		other.UpdatedAt = now
		if err := s.UpdateCase(ctx, other); err != nil {
			return nil, fmt.Errorf("failed to release block on %s: %w", other.Serial, err)
		}
		ev := newEvent(now, &other, EventBlockTransferred, actor)
		ev.Details = map[string]any{"to_serial": c.Serial}
		if err := s.AppendEvent(ctx, ev); err != nil {
			return nil, err
		}
		released = append(released, other)
	}

	c.BloqueaNueva = true
	if reason != "" {
		c.Metadata.MotivoBloqueo = reason
	}
	c.UpdatedAt = now
	if err := s.UpdateCase(ctx, *c); err != nil {
		return nil, fmt.Errorf("failed to block %s: %w", c.Serial, err)
	}
	return released, nil
}

// Unblock clears the flag on c and persists it.
func (p *BlockingPolicy) Unblock(ctx context.Context, s Store, c *Case) error {
	c.BloqueaNueva = false
	c.UpdatedAt = p.now().UTC()
	if err := s.UpdateCase(ctx, *c); err != nil {
		return fmt.Errorf("failed to unblock %s: %w", c.Serial, err)
	}
	return nil
}

// Toggle applies a manual override. Toggling to the current value still
// logs exactly one event on the target case.
func (p *BlockingPolicy) Toggle(ctx context.Context, s Store, serial string, action ToggleAction, reason, actor string) (*Case, error) {
	c, err := s.GetCaseBySerial(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to load case: %w", err)
	}
	if c == nil {
		return nil, &NotFoundError{Kind: "case", Key: serial}
	}

	if reason == "" {
		reason = DefaultToggleReason
	}

	var evAction EventAction
	switch action {
	case ToggleBlock:
		if _, err := p.Block(ctx, s, c, actor, reason); err != nil {
			return nil, err
		}
		evAction = EventBlocked
	case ToggleUnblock:
		if err := p.Unblock(ctx, s, c); err != nil {
			return nil, err
		}
		evAction = EventUnblocked
	default:
		return nil, &InvalidInputError{Field: "accion", Value: string(action), Reason: "expected block or unblock"}
	}

	ev := newEvent(p.now().UTC(), c, evAction, actor)
	ev.Reason = reason
	ev.Details = map[string]any{"manual": true}
	if err := s.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	return c, nil
}

// newEvent stamps an event for c with the state it currently holds.
func newEvent(now time.Time, c *Case, action EventAction, actor string) CaseEvent {
	if actor == "" {
		actor = "sistema"
	}
	return CaseEvent{
		ID:        uuid.NewString(),
		CaseID:    c.ID,
		Serial:    c.Serial,
		Cedula:    c.Cedula,
		Actor:     actor,
		Action:    action,
		FromState: c.Estado,
		ToState:   c.Estado,
		CreatedAt: now,
	}
}
