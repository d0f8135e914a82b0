// Package incapacidad holds the medical-leave vocabulary on top of the
// lifecycle engine: leave types and the documents each one requires.
package incapacidad

import "strings"

// =============================================================================
// LEAVE TYPES
// =============================================================================

// Tipo is the canonical leave type stored on a case.
type Tipo string

const (
	TipoEnfermedadGeneral Tipo = "enfermedad_general"
	TipoEnfermedadLaboral Tipo = "enfermedad_laboral"
	TipoAccidenteTransito Tipo = "accidente_transito"
	TipoEspecial          Tipo = "especial"
	TipoMaternidad        Tipo = "maternidad"
	TipoPaternidad        Tipo = "paternidad"
	TipoPrelicencia       Tipo = "prelicencia"
	TipoCertificado       Tipo = "certificado"
)

// AllTipos lists every leave type in display order.
var AllTipos = []Tipo{
	TipoEnfermedadGeneral, TipoEnfermedadLaboral, TipoAccidenteTransito, TipoEspecial,
	TipoMaternidad, TipoPaternidad, TipoPrelicencia, TipoCertificado,
}

// The submission form sends short English keys.
var formAliases = map[string]Tipo{
	"general":    TipoEnfermedadGeneral,
	"labor":      TipoEnfermedadLaboral,
	"traffic":    TipoAccidenteTransito,
	"maternity":  TipoMaternidad,
	"paternity":  TipoPaternidad,
	"paternidad": TipoPaternidad,
}

var labels = map[Tipo]string{
	TipoEnfermedadGeneral: "Enfermedad General",
	TipoEnfermedadLaboral: "Accidente Laboral",
	TipoAccidenteTransito: "Accidente de Tránsito",
	TipoEspecial:          "Enfermedad Especial",
	TipoMaternidad:        "Maternidad",
	TipoPaternidad:        "Paternidad",
	TipoPrelicencia:       "Prelicencia",
	TipoCertificado:       "Certificado",
}

// ParseTipo maps a form or stored value to a Tipo. Unknown and empty values
// fall back to general illness, which is what the intake form defaults to.
func ParseTipo(s string) Tipo {
	key := strings.ToLower(strings.TrimSpace(s))
	if t, ok := formAliases[key]; ok {
		return t
	}
	for _, t := range AllTipos {
		if string(t) == key {
			return t
		}
	}
	return TipoEnfermedadGeneral
}

// Known reports whether s names a leave type without falling back.
func Known(s string) bool {
	key := strings.ToLower(strings.TrimSpace(s))
	if _, ok := formAliases[key]; ok {
		return true
	}
	_, ok := labels[Tipo(key)]
	return ok
}

// Label is the human-readable name used in notifications and the tracker.
func (t Tipo) Label() string {
	if l, ok := labels[t]; ok {
		return l
	}
	return string(t)
}
