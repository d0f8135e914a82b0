/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the lifecycle model from the wire contract used by the intake form and
  the reviewer portal (Spanish field names, dates as YYYY-MM-DD).

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Cases:      CaseDTO, SubmitRequest, SubmitResponse, ResubmitRequest
  Reviewer:   ChangeStateRequest, ToggleBlockRequest, TransitionResponse
  Blocking:   BlockStatusDTO, ConflictResponse
  Employees:  EmployeeDTO
  Audit:      CaseEventDTO, NoteRequest, NoteDTO
  Dashboard:  StatsDTO

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - lifecycle/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/incapacidades/lifecycle"
)

// =============================================================================
// CASES
// =============================================================================

type CaseDTO struct {
	ID                  string              `json:"id"`
	Serial              string              `json:"serial"`
	Cedula              string              `json:"cedula"`
	Tipo                string              `json:"tipo"`
	DiasIncapacidad     int                 `json:"dias_incapacidad"`
	FechaInicio         string              `json:"fecha_inicio"`
	FechaFin            string              `json:"fecha_fin"`
	Estado              string              `json:"estado"`
	BloqueaNueva        bool                `json:"bloquea_nueva"`
	Fase                string              `json:"fase"`
	MotivoBloqueo       string              `json:"motivo_bloqueo,omitempty"`
	DriveLink           string              `json:"drive_link,omitempty"`
	Email               string              `json:"email,omitempty"`
	Telefono            string              `json:"telefono,omitempty"`
	Checklist           lifecycle.Checklist `json:"checklist,omitempty"`
	TotalReenvios       int                 `json:"total_reenvios"`
	CasoOriginalSerial  string              `json:"caso_original_serial,omitempty"`
	RecordatorioEnviado bool                `json:"recordatorio_enviado"`
	CreatedAt           string              `json:"created_at"`
	UpdatedAt           string              `json:"updated_at"`
}

func toCaseDTO(c lifecycle.Case) CaseDTO {
	phase := c.Phase()
	return CaseDTO{
		ID:                  c.ID,
		Serial:              c.Serial,
		Cedula:              c.Cedula,
		Tipo:                c.Tipo,
		DiasIncapacidad:     c.DiasIncapacidad,
		FechaInicio:         c.FechaInicio.String(),
		FechaFin:            c.FechaFin.String(),
		Estado:              string(c.Estado),
		BloqueaNueva:        c.BloqueaNueva,
		Fase:                string(phase.Kind),
		MotivoBloqueo:       phase.Reason,
		DriveLink:           c.DriveLink,
		Email:               c.EmailForm,
		Telefono:            c.TelefonoForm,
		Checklist:           c.Metadata.Checklist,
		TotalReenvios:       c.Metadata.TotalReenvios,
		CasoOriginalSerial:  c.Metadata.CasoOriginalSerial,
		RecordatorioEnviado: c.RecordatorioEnviado,
		CreatedAt:           formatTime(c.CreatedAt),
		UpdatedAt:           formatTime(c.UpdatedAt),
	}
}

func toCaseDTOs(cases []lifecycle.Case) []CaseDTO {
	dtos := make([]CaseDTO, len(cases))
	for i, c := range cases {
		dtos[i] = toCaseDTO(c)
	}
	return dtos
}

// SubmitRequest is the intake form body.
type SubmitRequest struct {
	Cedula          string            `json:"cedula"`
	Tipo            string            `json:"tipo"`
	FechaInicio     string            `json:"fecha_inicio"`
	FechaFin        string            `json:"fecha_fin"`
	DiasIncapacidad int               `json:"dias_incapacidad,omitempty"`
	DriveLink       string            `json:"drive_link,omitempty"`
	Email           string            `json:"email,omitempty"`
	Telefono        string            `json:"telefono,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// ResubmitRequest corrects an incomplete case. SerialOCedula is taken from
// the path on /api/casos/{serial}/reenviar.
type ResubmitRequest struct {
	SerialOCedula   string            `json:"serial_o_cedula"`
	FechaInicio     string            `json:"fecha_inicio,omitempty"`
	FechaFin        string            `json:"fecha_fin,omitempty"`
	DiasIncapacidad int               `json:"dias_incapacidad,omitempty"`
	DriveLink       string            `json:"drive_link,omitempty"`
	Email           string            `json:"email,omitempty"`
	Telefono        string            `json:"telefono,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

type SubmitResponse struct {
	Serial         string   `json:"serial"`
	CaseID         string   `json:"case_id"`
	Reenvio        bool     `json:"reenvio"`
	TotalReenvios  int      `json:"total_reenvios"`
	SerialAnterior string   `json:"serial_anterior,omitempty"`
	Advertencias   []string `json:"advertencias,omitempty"`
}

func toSubmitResponse(res *lifecycle.SubmitResult) SubmitResponse {
	return SubmitResponse{
		Serial:         res.Serial,
		CaseID:         res.CaseID,
		Reenvio:        res.Resubmission,
		TotalReenvios:  res.TotalReenvios,
		SerialAnterior: res.Predecessor,
		Advertencias:   warningStrings(res.Warnings),
	}
}

// =============================================================================
// REVIEWER
// =============================================================================

// ChangeStateRequest carries the reviewer's decision. The checklist can be
// sent in full, or derived from Faltantes/Ilegibles against the documents
// required for the case's tipo. Estado may be omitted when a checklist is
// derived; it is then computed from the checklist.
type ChangeStateRequest struct {
	Estado    string              `json:"estado"`
	Checklist lifecycle.Checklist `json:"checklist,omitempty"`
	Faltantes []string            `json:"faltantes,omitempty"`
	Ilegibles []string            `json:"ilegibles,omitempty"`
	Motivo    string              `json:"motivo,omitempty"`
}

type ToggleBlockRequest struct {
	Accion string `json:"accion"`
	Motivo string `json:"motivo,omitempty"`
}

type TransitionResponse struct {
	Caso         CaseDTO  `json:"caso"`
	Eliminados   []string `json:"eliminados,omitempty"`
	Advertencias []string `json:"advertencias,omitempty"`
}

func toTransitionResponse(res *lifecycle.TransitionResult) TransitionResponse {
	resp := TransitionResponse{
		Caso:         toCaseDTO(res.Case),
		Advertencias: warningStrings(res.Warnings),
	}
	for _, c := range res.Superseded {
		resp.Eliminados = append(resp.Eliminados, c.Serial)
	}
	return resp
}

// =============================================================================
// BLOCKING
// =============================================================================

type BlockStatusDTO struct {
	Cedula          string   `json:"cedula"`
	Bloqueado       bool     `json:"bloqueado"`
	SerialPendiente string   `json:"serial_pendiente,omitempty"`
	Motivo          string   `json:"motivo,omitempty"`
	Faltantes       []string `json:"faltantes,omitempty"`
}

func toBlockStatusDTO(cedula string, st lifecycle.BlockStatus) BlockStatusDTO {
	dto := BlockStatusDTO{Cedula: cedula, Bloqueado: st.Blocked, Motivo: st.Reason}
	if st.BlockingCase != nil {
		dto.SerialPendiente = st.BlockingCase.Serial
		dto.Faltantes = st.BlockingCase.Metadata.Checklist.Missing()
	}
	return dto
}

// ConflictResponse is the 409 body for a blocked employee.
type ConflictResponse struct {
	Bloqueo         bool   `json:"bloqueo"`
	SerialPendiente string `json:"serial_pendiente"`
	Mensaje         string `json:"mensaje"`
}

// =============================================================================
// EMPLOYEES
// =============================================================================

type EmployeeDTO struct {
	Cedula     string `json:"cedula"`
	Nombre     string `json:"nombre"`
	Correo     string `json:"correo,omitempty"`
	Telefono   string `json:"telefono,omitempty"`
	Empresa    string `json:"empresa,omitempty"`
	EPS        string `json:"eps,omitempty"`
	JefeNombre string `json:"jefe_nombre,omitempty"`
	JefeEmail  string `json:"jefe_email,omitempty"`
	Activo     bool   `json:"activo"`
}

func toEmployeeDTO(e lifecycle.Employee) EmployeeDTO {
	return EmployeeDTO{
		Cedula:     e.Cedula,
		Nombre:     e.Nombre,
		Correo:     e.Correo,
		Telefono:   e.Telefono,
		Empresa:    e.Empresa,
		EPS:        e.EPS,
		JefeNombre: e.JefeNombre,
		JefeEmail:  e.JefeEmail,
		Activo:     e.Activo,
	}
}

func (d EmployeeDTO) toEmployee() lifecycle.Employee {
	return lifecycle.Employee{
		Cedula:     d.Cedula,
		Nombre:     d.Nombre,
		Correo:     d.Correo,
		Telefono:   d.Telefono,
		Empresa:    d.Empresa,
		EPS:        d.EPS,
		JefeNombre: d.JefeNombre,
		JefeEmail:  d.JefeEmail,
		Activo:     d.Activo,
	}
}

// =============================================================================
// AUDIT / DASHBOARD
// =============================================================================

type CaseEventDTO struct {
	ID        string         `json:"id"`
	Serial    string         `json:"serial"`
	Accion    string         `json:"accion"`
	Actor     string         `json:"actor"`
	Desde     string         `json:"desde,omitempty"`
	Hacia     string         `json:"hacia,omitempty"`
	Motivo    string         `json:"motivo,omitempty"`
	Detalles  map[string]any `json:"detalles,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func toCaseEventDTOs(events []lifecycle.CaseEvent) []CaseEventDTO {
	dtos := make([]CaseEventDTO, len(events))
	for i, e := range events {
		dtos[i] = CaseEventDTO{
			ID:        e.ID,
			Serial:    e.Serial,
			Accion:    string(e.Action),
			Actor:     e.Actor,
			Desde:     string(e.FromState),
			Hacia:     string(e.ToState),
			Motivo:    e.Reason,
			Detalles:  e.Details,
			CreatedAt: formatTime(e.CreatedAt),
		}
	}
	return dtos
}

// NoteRequest is a reviewer note body.
type NoteRequest struct {
	Contenido  string `json:"contenido"`
	Importante bool   `json:"es_importante"`
}

type NoteDTO struct {
	ID         string `json:"id"`
	Serial     string `json:"serial"`
	Autor      string `json:"autor"`
	Contenido  string `json:"contenido"`
	Importante bool   `json:"es_importante"`
	CreatedAt  string `json:"created_at"`
}

func toNoteDTO(n lifecycle.Note) NoteDTO {
	return NoteDTO{
		ID:         n.ID,
		Serial:     n.Serial,
		Autor:      n.Autor,
		Contenido:  n.Contenido,
		Importante: n.Importante,
		CreatedAt:  formatTime(n.CreatedAt),
	}
}

type StateCountDTO struct {
	Estado     string `json:"estado"`
	Total      int    `json:"total"`
	Porcentaje string `json:"porcentaje"`
}

type StatsDTO struct {
	Total           int             `json:"total"`
	Bloqueados      int             `json:"bloqueados"`
	Reenvios        int             `json:"reenvios"`
	PromedioReenvio string          `json:"promedio_reenvios"`
	PorEstado       []StateCountDTO `json:"por_estado"`
}

func toStatsDTO(st *lifecycle.Stats) StatsDTO {
	dto := StatsDTO{
		Total:           st.Total,
		Bloqueados:      st.Blocked,
		Reenvios:        st.Resubmissions,
		PromedioReenvio: st.AvgReenvios.StringFixed(2),
	}
	for _, sc := range st.ByState {
		dto.PorEstado = append(dto.PorEstado, StateCountDTO{
			Estado:     string(sc.Estado),
			Total:      sc.Count,
			Porcentaje: sc.Percent.StringFixed(2),
		})
	}
	return dto
}

// RequirementsDTO answers /api/requisitos.
type RequirementsDTO struct {
	Tipo       string   `json:"tipo"`
	Etiqueta   string   `json:"etiqueta"`
	Dias       int      `json:"dias,omitempty"`
	Documentos []string `json:"documentos"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func warningStrings(warnings []error) []string {
	if len(warnings) == 0 {
		return nil
	}
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = w.Error()
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
