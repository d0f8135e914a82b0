/*
handlers.go - HTTP API handlers for the incapacidad case lifecycle

PURPOSE:
  Exposes the lifecycle engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to lifecycle.Engine.

ENDPOINTS:
  Intake (public):
    POST   /api/casos                          Submit a new case
    GET    /api/bloqueo/{cedula}               Is the employee blocked?
    POST   /api/casos/{serial}/reenviar        Resubmit against a serial
    POST   /api/reenvios                       Resubmit by serial or cedula
    GET    /api/casos/{serial}                 Case details
    GET    /api/empleados/{cedula}             Employee (roster fallback)
    GET    /api/requisitos                     Required documents

  Reviewer (bearer token):
    GET    /api/validador/casos                List cases
    POST   /api/validador/casos/{serial}/estado    Change state
    POST   /api/validador/casos/{serial}/bloqueo   Manual block toggle
    GET    /api/validador/casos/{serial}/historial Audit trail
    GET    /api/validador/casos/{serial}/linaje    Resubmission lineage
    GET    /api/validador/casos/{serial}/notas     Reviewer notes
    POST   /api/validador/casos/{serial}/notas     Add a note
    GET    /api/validador/exportar/casos       Cases as .xlsx
    GET    /api/validador/stats                Dashboard counters
    GET    /api/validador/empleados            List employees
    PUT    /api/validador/empleados            Upsert employee

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input (cedula, dates, serial, state, transition)
  - 404: Case or employee not found
  - 409: Employee blocked ({bloqueo, serial_pendiente, mensaje}), or a
         concurrent write ({error, retryable: true})
  - 500: Internal errors
  Notifier and spreadsheet failures never fail a request; they come back
  as "advertencias" next to the committed result.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - lifecycle/errors.go: Error kinds mapped here
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/incapacidades/incapacidad"
	"github.com/warp/incapacidades/lifecycle"
	"github.com/warp/incapacidades/sheets"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *lifecycle.Engine
	Rules  *incapacidad.RuleSet
	log    logrus.FieldLogger
}

func NewHandler(engine *lifecycle.Engine, rules *incapacidad.RuleSet, log logrus.FieldLogger) *Handler {
	if rules == nil {
		rules = incapacidad.DefaultRuleSet()
	}
	return &Handler{Engine: engine, Rules: rules, log: log.WithField("component", "api")}
}

// =============================================================================
// INTAKE HANDLERS
// =============================================================================

// SubmitCase registers a new case from the intake form.
func (h *Handler) SubmitCase(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	inicio, err := parseDateField("fecha_inicio", req.FechaInicio)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	fin, err := parseDateField("fecha_fin", req.FechaFin)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	res, err := h.Engine.Submit(r.Context(), lifecycle.SubmitInput{
		Cedula:          req.Cedula,
		Tipo:            string(incapacidad.ParseTipo(req.Tipo)),
		FechaInicio:     inicio,
		FechaFin:        fin,
		DiasIncapacidad: req.DiasIncapacidad,
		DriveLink:       req.DriveLink,
		Email:           req.Email,
		Telefono:        req.Telefono,
		Extra:           req.Extra,
		Actor:           "formulario",
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubmitResponse(res))
}

// CheckBlock tells the intake form whether the employee may submit.
func (h *Handler) CheckBlock(w http.ResponseWriter, r *http.Request) {
	cedula := strings.TrimSpace(chi.URLParam(r, "cedula"))
	if !lifecycle.ValidCedula(cedula) {
		h.writeEngineError(w, &lifecycle.InvalidInputError{Field: "cedula", Value: cedula, Reason: "must be 7 to 11 digits"})
		return
	}
	status, err := h.Engine.CheckBlock(r.Context(), cedula)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBlockStatusDTO(cedula, status))
}

// ResubmitCase corrects the case named in the path.
func (h *Handler) ResubmitCase(w http.ResponseWriter, r *http.Request) {
	var req ResubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	req.SerialOCedula = chi.URLParam(r, "serial")
	h.resubmit(w, r, req)
}

// Resubmit accepts either a serial or a cedula plus fecha_inicio.
func (h *Handler) Resubmit(w http.ResponseWriter, r *http.Request) {
	var req ResubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	h.resubmit(w, r, req)
}

func (h *Handler) resubmit(w http.ResponseWriter, r *http.Request, req ResubmitRequest) {
	in := lifecycle.ResubmitInput{
		SerialOrCedula:  req.SerialOCedula,
		DiasIncapacidad: req.DiasIncapacidad,
		DriveLink:       req.DriveLink,
		Email:           req.Email,
		Telefono:        req.Telefono,
		Extra:           req.Extra,
		Actor:           "formulario",
	}
	var err error
	if req.FechaInicio != "" {
		if in.FechaInicio, err = parseDateField("fecha_inicio", req.FechaInicio); err != nil {
			h.writeEngineError(w, err)
			return
		}
	}
	if req.FechaFin != "" {
		if in.FechaFin, err = parseDateField("fecha_fin", req.FechaFin); err != nil {
			h.writeEngineError(w, err)
			return
		}
	}

	res, err := h.Engine.Resubmit(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubmitResponse(res))
}

func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.GetCase(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseDTO(*c))
}

func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Engine.GetEmployee(r.Context(), chi.URLParam(r, "cedula"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*emp))
}

// GetRequirements lists the documents to upload for a tipo.
// Query: tipo, dias, fantasma=true, madre_trabaja=true.
func (h *Handler) GetRequirements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tipoParam := q.Get("tipo")
	if tipoParam != "" && !incapacidad.Known(tipoParam) {
		h.writeEngineError(w, &lifecycle.InvalidInputError{Field: "tipo", Value: tipoParam, Reason: "unknown leave type"})
		return
	}
	dias, err := intParam(q.Get("dias"), "dias")
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	tipo := incapacidad.ParseTipo(tipoParam)
	docs := h.Rules.Required(incapacidad.Query{
		Tipo:        tipo,
		Dias:        dias,
		Phantom:     boolParam(q.Get("fantasma")),
		MotherWorks: boolParam(q.Get("madre_trabaja")),
	})
	writeJSON(w, http.StatusOK, RequirementsDTO{Tipo: string(tipo), Etiqueta: tipo.Label(), Dias: dias, Documentos: docs})
}

// =============================================================================
// REVIEWER HANDLERS
// =============================================================================

// ListCases filters by cedula, estado (comma separated), bloqueado, limit.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := lifecycle.CaseFilter{Cedula: strings.TrimSpace(q.Get("cedula"))}

	if raw := q.Get("estado"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := lifecycle.ParseState(part)
			if err != nil {
				h.writeEngineError(w, err)
				return
			}
			filter.Estados = append(filter.Estados, st)
		}
	}
	if raw := q.Get("bloqueado"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeEngineError(w, &lifecycle.InvalidInputError{Field: "bloqueado", Value: raw, Reason: "expected true or false"})
			return
		}
		filter.Blocked = lifecycle.Bool(b)
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	filter.Limit = limit

	cases, err := h.Engine.ListCases(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseDTOs(cases))
}

// ChangeState applies the reviewer's decision.
func (h *Handler) ChangeState(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	var req ChangeStateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	checklist := req.Checklist
	if len(checklist) == 0 && (len(req.Faltantes) > 0 || len(req.Ilegibles) > 0) {
		c, err := h.Engine.GetCase(r.Context(), serial)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		required := h.Rules.Required(incapacidad.Query{Tipo: incapacidad.ParseTipo(c.Tipo), Dias: c.DiasIncapacidad})
		checklist = incapacidad.ReviewChecklist(required, req.Faltantes, req.Ilegibles)
	}

	var state lifecycle.State
	switch {
	case req.Estado != "":
		st, err := lifecycle.ParseState(req.Estado)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		state = st
	case len(checklist) > 0:
		state = incapacidad.StateFor(checklist)
	default:
		h.writeEngineError(w, &lifecycle.InvalidInputError{Field: "estado", Reason: "required"})
		return
	}

	res, err := h.Engine.ChangeState(r.Context(), serial, lifecycle.ChangeStateInput{
		State:     state,
		Checklist: checklist,
		Reason:    req.Motivo,
		Actor:     actorFrom(r, "validador"),
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

// ToggleBlock is the manual override.
func (h *Handler) ToggleBlock(w http.ResponseWriter, r *http.Request) {
	var req ToggleBlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	action, err := lifecycle.ParseToggleAction(req.Accion)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	res, err := h.Engine.ToggleBlock(r.Context(), chi.URLParam(r, "serial"), action, req.Motivo, actorFrom(r, "validador"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

func (h *Handler) CaseHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.Engine.CaseHistory(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseEventDTOs(events))
}

func (h *Handler) Lineage(w http.ResponseWriter, r *http.Request) {
	cases, err := h.Engine.Lineage(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseDTOs(cases))
}

// AddNote stores a reviewer note in the case history.
func (h *Handler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	note, err := h.Engine.AddNote(r.Context(), chi.URLParam(r, "serial"), lifecycle.NoteInput{
		Contenido:  req.Contenido,
		Importante: req.Importante,
		Actor:      actorFrom(r, "validador"),
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toNoteDTO(*note))
}

func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.Engine.CaseNotes(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]NoteDTO, len(notes))
	for i, n := range notes {
		dtos[i] = toNoteDTO(n)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ExportCases streams an .xlsx of the cases matching estado, empresa and
// the registration date range desde/hasta (both inclusive days).
func (h *Handler) ExportCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if formato := q.Get("formato"); formato != "" && formato != "xlsx" {
		writeError(w, http.StatusBadRequest, "Invalid input", fmt.Errorf("formato %q not supported, use xlsx", formato))
		return
	}

	var filter lifecycle.CaseFilter
	if raw := q.Get("estado"); raw != "" && raw != "all" {
		st, err := lifecycle.ParseState(raw)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		filter.Estados = []lifecycle.State{st}
	}
	if raw := q.Get("desde"); raw != "" {
		d, err := parseDateField("desde", raw)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		filter.CreatedFrom = d.Time
	}
	if raw := q.Get("hasta"); raw != "" {
		d, err := parseDateField("hasta", raw)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		filter.CreatedBefore = d.AddDays(1).Time
	}

	cases, err := h.Engine.ListCases(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	employees, err := h.Engine.ListEmployees(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if empresa := strings.TrimSpace(q.Get("empresa")); empresa != "" && empresa != "all" {
		cases = filterByEmpresa(cases, employees, empresa)
	}

	var buf bytes.Buffer
	if err := sheets.ExportCases(&buf, cases, employees); err != nil {
		h.writeEngineError(w, err)
		return
	}
	filename := "casos_export_" + time.Now().UTC().Format("20060102_150405") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func filterByEmpresa(cases []lifecycle.Case, employees []lifecycle.Employee, empresa string) []lifecycle.Case {
	match := make(map[string]bool)
	for _, e := range employees {
		if strings.EqualFold(e.Empresa, empresa) {
			match[e.Cedula] = true
		}
	}
	var out []lifecycle.Case
	for _, c := range cases {
		if match[c.Cedula] {
			out = append(out, c)
		}
	}
	return out
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Stats(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(st))
}

func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Engine.ListEmployees(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]EmployeeDTO, len(employees))
	for i, e := range employees {
		dtos[i] = toEmployeeDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveEmployee(w http.ResponseWriter, r *http.Request) {
	var req EmployeeDTO
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	emp := req.toEmployee()
	emp.Cedula = strings.TrimSpace(emp.Cedula)
	if err := h.Engine.SaveEmployee(r.Context(), emp); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(emp))
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeEngineError maps lifecycle errors to status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var conflict *lifecycle.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ConflictResponse{
			Bloqueo:         true,
			SerialPendiente: conflict.BlockingSerial,
			Mensaje: fmt.Sprintf("Tiene una incapacidad pendiente (%s). %s. Complete ese caso antes de registrar una nueva.",
				conflict.BlockingSerial, conflict.Reason),
		})
	case lifecycle.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Concurrent modification, retry", Details: err.Error(), Retryable: true})
	case lifecycle.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	case lifecycle.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	default:
		h.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func parseDateField(field, value string) (lifecycle.Date, error) {
	d, err := lifecycle.ParseDate(value)
	if err != nil {
		var invalid *lifecycle.InvalidInputError
		if errors.As(err, &invalid) {
			invalid.Field = field
		}
		return lifecycle.Date{}, err
	}
	return d, nil
}

func intParam(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &lifecycle.InvalidInputError{Field: field, Value: raw, Reason: "expected a non-negative integer"}
	}
	return n, nil
}

func boolParam(raw string) bool {
	b, _ := strconv.ParseBool(raw)
	return b
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
