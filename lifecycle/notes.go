package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// NOTES - Reviewer annotations kept in the audit trail
// =============================================================================

// NoteInput is a reviewer note on a case.
type NoteInput struct {
	Contenido  string
	Importante bool
	Actor      string
}

// Note is the read view of an EventNote.
type Note struct {
	ID         string
	Serial     string
	Autor      string
	Contenido  string
	Importante bool
	CreatedAt  time.Time
}

// AddNote appends a note event to an existing case. Notes never change the
// case itself and survive its deletion like every other event.
func (e *Engine) AddNote(ctx context.Context, serial string, in NoteInput) (*Note, error) {
	contenido := strings.TrimSpace(in.Contenido)
	if contenido == "" {
		return nil, &InvalidInputError{Field: "contenido", Value: in.Contenido, Reason: "must not be empty"}
	}
	info, err := ParseSerial(serial)
	if err != nil {
		return nil, err
	}

	var ev CaseEvent
	err = e.store.WithTx(ctx, info.Cedula, func(s Store) error {
		c, err := s.GetCaseBySerial(ctx, serial)
		if err != nil {
			return err
		}
		if c == nil {
			return &NotFoundError{Kind: "case", Key: serial}
		}
		ev = newEvent(e.now().UTC(), c, EventNote, in.Actor)
		ev.Reason = contenido
		ev.Details = map[string]any{"importante": in.Importante}
		return s.AppendEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"serial": serial, "actor": ev.Actor}).Info("note added")
	note := noteFromEvent(ev)
	return &note, nil
}

// CaseNotes returns the notes of a serial, newest first.
func (e *Engine) CaseNotes(ctx context.Context, serial string) ([]Note, error) {
	events, err := e.CaseHistory(ctx, serial)
	if err != nil {
		return nil, err
	}
	notes := []Note{}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Action == EventNote {
			notes = append(notes, noteFromEvent(events[i]))
		}
	}
	return notes, nil
}

func noteFromEvent(ev CaseEvent) Note {
	importante, _ := ev.Details["importante"].(bool)
	return Note{
		ID:         ev.ID,
		Serial:     ev.Serial,
		Autor:      ev.Actor,
		Contenido:  ev.Reason,
		Importante: importante,
		CreatedAt:  ev.CreatedAt,
	}
}
