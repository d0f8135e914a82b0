/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that drive the engine through realistic
	case histories so the reviewer portal has something to show. Every
	step goes through lifecycle.Engine, so the data obeys the same rules
	as production traffic (serials, blocks, lineage, purge).

AVAILABLE SCENARIOS:

	caso-completo:        One submission approved on first review
	documentos-faltantes: One submission rejected, employee left blocked
	reenvio-aprobado:     Rejected, corrected once, approved (purge)
	reenvio-multiple:     Rejected twice, second correction pending
	derivado-eps:         Submission referred to the EPS, never blocks

HOW SCENARIOS WORK:
 1. Save the scenario's employee
 2. Submit the first case
 3. Apply reviewer decisions and resubmissions in order

USAGE VIA API:

	POST /api/validador/escenarios/cargar
	{"scenario_id": "reenvio-aprobado"}

NOTE:

	Each scenario uses its own cedula. Loading one twice fails with the
	same conflict an employee would get. Only registered outside
	production.

SEE ALSO:
  - handlers.go: Error mapping shared with the scenario handlers
  - lifecycle/engine.go: Operations the loaders call
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/incapacidades/incapacidad"
	"github.com/warp/incapacidades/lifecycle"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	ScenarioID string   `json:"scenario_id"`
	Seriales   []string `json:"seriales"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "caso-completo",
		Name:        "Caso completo",
		Description: "Incapacidad general aprobada en la primera revision",
	},
	{
		ID:          "documentos-faltantes",
		Name:        "Documentos faltantes",
		Description: "Accidente de transito sin FURIPS; el empleado queda bloqueado",
	},
	{
		ID:          "reenvio-aprobado",
		Name:        "Reenvio aprobado",
		Description: "Caso incompleto corregido y aprobado; el original se elimina",
	},
	{
		ID:          "reenvio-multiple",
		Name:        "Reenvio multiple",
		Description: "Dos correcciones; la segunda queda pendiente de revision",
	},
	{
		ID:          "derivado-eps",
		Name:        "Derivado a EPS",
		Description: "Caso remitido a transcripcion en la EPS",
	},
}

type scenarioLoader func(ctx context.Context, e *lifecycle.Engine, rules *incapacidad.RuleSet) ([]string, error)

var scenarioLoaders = map[string]scenarioLoader{
	"caso-completo":        loadCompleteScenario,
	"documentos-faltantes": loadMissingDocsScenario,
	"reenvio-aprobado":     loadApprovedResubmissionScenario,
	"reenvio-multiple":     loadMultipleResubmissionScenario,
	"derivado-eps":         loadEPSReferralScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs one scenario against the engine.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	serials, err := LoadScenario(r.Context(), h.Engine, h.Rules, req.ScenarioID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, LoadScenarioResponse{ScenarioID: req.ScenarioID, Seriales: serials})
}

// LoadScenario runs the named scenario and returns the serials it created,
// including ones later purged.
func LoadScenario(ctx context.Context, e *lifecycle.Engine, rules *incapacidad.RuleSet, id string) ([]string, error) {
	loader, ok := scenarioLoaders[id]
	if !ok {
		return nil, &lifecycle.InvalidInputError{Field: "scenario_id", Value: id, Reason: "unknown scenario"}
	}
	if rules == nil {
		rules = incapacidad.DefaultRuleSet()
	}
	return loader(ctx, e, rules)
}

// =============================================================================
// LOADERS
// =============================================================================

// scenarioStart anchors every scenario two weeks back so reminders and
// dashboards look plausible.
func scenarioStart() lifecycle.Date {
	return lifecycle.Today().AddDays(-14)
}

func saveScenarioEmployee(ctx context.Context, e *lifecycle.Engine, cedula, nombre string) error {
	return e.SaveEmployee(ctx, lifecycle.Employee{
		Cedula:     cedula,
		Nombre:     nombre,
		Correo:     fmt.Sprintf("empleado.%s@demo.co", cedula),
		Telefono:   "3000000000",
		Empresa:    "Demo S.A.S.",
		EPS:        "Sanitas",
		JefeNombre: "Jefe Demo",
		JefeEmail:  "jefe@demo.co",
		Activo:     true,
	})
}

func submitScenarioCase(ctx context.Context, e *lifecycle.Engine, cedula string, tipo incapacidad.Tipo, dias int) (*lifecycle.SubmitResult, error) {
	inicio := scenarioStart()
	return e.Submit(ctx, lifecycle.SubmitInput{
		Cedula:      cedula,
		Tipo:        string(tipo),
		FechaInicio: inicio,
		FechaFin:    inicio.AddDays(dias - 1),
		DriveLink:   "https://drive.example/demo/" + cedula,
		Actor:       "escenario",
	})
}

func review(ctx context.Context, e *lifecycle.Engine, serial string, state lifecycle.State, checklist lifecycle.Checklist) error {
	_, err := e.ChangeState(ctx, serial, lifecycle.ChangeStateInput{
		State:     state,
		Checklist: checklist,
		Actor:     "escenario",
	})
	return err
}

func resubmitScenarioCase(ctx context.Context, e *lifecycle.Engine, serial string) (*lifecycle.SubmitResult, error) {
	return e.Resubmit(ctx, lifecycle.ResubmitInput{SerialOrCedula: serial, Actor: "escenario"})
}

func loadCompleteScenario(ctx context.Context, e *lifecycle.Engine, _ *incapacidad.RuleSet) ([]string, error) {
	const cedula = "1000000001"
	if err := saveScenarioEmployee(ctx, e, cedula, "Laura Gomez"); err != nil {
		return nil, err
	}
	res, err := submitScenarioCase(ctx, e, cedula, incapacidad.TipoEnfermedadGeneral, 3)
	if err != nil {
		return nil, err
	}
	if err := review(ctx, e, res.Serial, lifecycle.StateComplete, nil); err != nil {
		return nil, err
	}
	return []string{res.Serial}, nil
}

func loadMissingDocsScenario(ctx context.Context, e *lifecycle.Engine, rules *incapacidad.RuleSet) ([]string, error) {
	const cedula = "1000000002"
	if err := saveScenarioEmployee(ctx, e, cedula, "Andres Rojas"); err != nil {
		return nil, err
	}
	res, err := submitScenarioCase(ctx, e, cedula, incapacidad.TipoAccidenteTransito, 10)
	if err != nil {
		return nil, err
	}
	required := rules.Required(incapacidad.Query{Tipo: incapacidad.TipoAccidenteTransito, Dias: 10})
	checklist := incapacidad.ReviewChecklist(required, []string{incapacidad.DocFURIPS}, nil)
	if err := review(ctx, e, res.Serial, incapacidad.StateFor(checklist), checklist); err != nil {
		return nil, err
	}
	return []string{res.Serial}, nil
}

func loadApprovedResubmissionScenario(ctx context.Context, e *lifecycle.Engine, rules *incapacidad.RuleSet) ([]string, error) {
	const cedula = "1000000003"
	if err := saveScenarioEmployee(ctx, e, cedula, "Marcela Diaz"); err != nil {
		return nil, err
	}
	first, err := submitScenarioCase(ctx, e, cedula, incapacidad.TipoEnfermedadGeneral, 5)
	if err != nil {
		return nil, err
	}
	required := rules.Required(incapacidad.Query{Tipo: incapacidad.TipoEnfermedadGeneral, Dias: 5})
	checklist := incapacidad.ReviewChecklist(required, nil, []string{incapacidad.DocIncapacidadMedica})
	if err := review(ctx, e, first.Serial, incapacidad.StateFor(checklist), checklist); err != nil {
		return nil, err
	}

	second, err := resubmitScenarioCase(ctx, e, first.Serial)
	if err != nil {
		return nil, err
	}
	if err := review(ctx, e, second.Serial, lifecycle.StateComplete, nil); err != nil {
		return nil, err
	}
	return []string{first.Serial, second.Serial}, nil
}

func loadMultipleResubmissionScenario(ctx context.Context, e *lifecycle.Engine, rules *incapacidad.RuleSet) ([]string, error) {
	const cedula = "1000000004"
	if err := saveScenarioEmployee(ctx, e, cedula, "Jorge Castillo"); err != nil {
		return nil, err
	}
	first, err := submitScenarioCase(ctx, e, cedula, incapacidad.TipoMaternidad, 126)
	if err != nil {
		return nil, err
	}
	required := rules.Required(incapacidad.Query{Tipo: incapacidad.TipoMaternidad, Dias: 126})
	missing := incapacidad.ReviewChecklist(required, []string{incapacidad.DocRegistroCivil}, nil)
	if err := review(ctx, e, first.Serial, incapacidad.StateFor(missing), missing); err != nil {
		return nil, err
	}

	second, err := resubmitScenarioCase(ctx, e, first.Serial)
	if err != nil {
		return nil, err
	}
	illegible := incapacidad.ReviewChecklist(required, nil, []string{incapacidad.DocRegistroCivil})
	if err := review(ctx, e, second.Serial, incapacidad.StateFor(illegible), illegible); err != nil {
		return nil, err
	}

	third, err := resubmitScenarioCase(ctx, e, second.Serial)
	if err != nil {
		return nil, err
	}
	return []string{first.Serial, second.Serial, third.Serial}, nil
}

func loadEPSReferralScenario(ctx context.Context, e *lifecycle.Engine, _ *incapacidad.RuleSet) ([]string, error) {
	const cedula = "1000000005"
	if err := saveScenarioEmployee(ctx, e, cedula, "Paola Herrera"); err != nil {
		return nil, err
	}
	res, err := submitScenarioCase(ctx, e, cedula, incapacidad.TipoEnfermedadLaboral, 30)
	if err != nil {
		return nil, err
	}
	if err := review(ctx, e, res.Serial, lifecycle.StateEPSTranscription, nil); err != nil {
		return nil, err
	}
	return []string{res.Serial}, nil
}
