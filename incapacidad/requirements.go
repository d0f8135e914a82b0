/*
requirements.go - Required documents per leave type

PURPOSE:
  Decides which documents an employee must upload for a leave and turns a
  reviewer's findings into the checklist stored on the case. The blocking
  reason shown to the employee is rendered from that checklist.

RULES (defaults):
  enfermedad_general / enfermedad_laboral:
    up to 2 days  -> Incapacidad médica
    otherwise     -> Incapacidad médica, Epicrisis o resumen clínico
  accidente_transito:
    Incapacidad médica, Epicrisis o resumen clínico, FURIPS
    + SOAT unless the vehicle is unidentified (phantom)
  maternidad:
    license, epicrisis, mother's ID, civil registry, live birth certificate
  paternidad:
    epicrisis, father's ID, civil registry, live birth certificate
    + maternity license when the mother works
  anything else -> Incapacidad médica

SEE ALSO:
  - factory/requirements.go: JSON rule sets (same rules as DefaultRulesJSON)
  - lifecycle/blocking.go: BlockReason renders the checklist
*/
package incapacidad

import (
	"fmt"
	"strings"

	"github.com/warp/incapacidades/lifecycle"
)

// Document names as employees see them.
const (
	DocIncapacidadMedica  = "Incapacidad médica"
	DocEpicrisis          = "Epicrisis o resumen clínico"
	DocFURIPS             = "FURIPS"
	DocSOAT               = "SOAT"
	DocLicenciaMaternidad = "Licencia o incapacidad de maternidad"
	DocCedulaMadre        = "Cédula de la madre"
	DocCedulaPadre        = "Cédula del padre"
	DocRegistroCivil      = "Registro civil"
	DocCertificadoNacVivo = "Certificado de nacido vivo"
)

// =============================================================================
// QUERY / RULES
// =============================================================================

// Query describes one leave for the purpose of document requirements.
type Query struct {
	Tipo Tipo
	Dias int // 0 means unknown; short-leave rules then do not apply

	// Phantom: traffic accident with an unidentified vehicle (no SOAT).
	Phantom bool
	// MotherWorks: paternity leave where the mother is also employed.
	MotherWorks bool
}

// Condition gates an optional document.
type Condition string

const (
	WhenNotPhantom  Condition = "vehiculo_identificado"
	WhenMotherWorks Condition = "madre_trabaja"
)

func (c Condition) holds(q Query) bool {
	switch c {
	case WhenNotPhantom:
		return !q.Phantom
	case WhenMotherWorks:
		return q.MotherWorks
	}
	return false
}

// ConditionalDoc is appended when its condition holds.
type ConditionalDoc struct {
	Document string
	When     Condition
}

// Rule lists the documents of one leave type.
type Rule struct {
	Tipo      Tipo
	Documents []string

	// ShortLeaveMaxDias > 0 enables ShortLeaveDocuments for known leaves of
	// at most that many days.
	ShortLeaveMaxDias   int
	ShortLeaveDocuments []string

	Conditional []ConditionalDoc
}

// RuleSet maps leave types to rules, with a fallback for the rest.
type RuleSet struct {
	Rules    map[Tipo]Rule
	Fallback []string
}

// Required returns the documents the leave needs, in display order.
func (rs *RuleSet) Required(q Query) []string {
	rule, ok := rs.Rules[q.Tipo]
	if !ok {
		return append([]string(nil), rs.Fallback...)
	}

	docs := rule.Documents
	if rule.ShortLeaveMaxDias > 0 && q.Dias > 0 && q.Dias <= rule.ShortLeaveMaxDias {
		docs = rule.ShortLeaveDocuments
	}
	out := append([]string(nil), docs...)
	for _, cd := range rule.Conditional {
		if cd.When.holds(q) {
			out = append(out, cd.Document)
		}
	}
	return out
}

// Validate checks that every rule has documents and known conditions.
func (rs *RuleSet) Validate() error {
	if len(rs.Fallback) == 0 {
		return fmt.Errorf("rule set: fallback documents required")
	}
	for tipo, rule := range rs.Rules {
		if len(rule.Documents) == 0 {
			return fmt.Errorf("rule %s: documents required", tipo)
		}
		if rule.ShortLeaveMaxDias > 0 && len(rule.ShortLeaveDocuments) == 0 {
			return fmt.Errorf("rule %s: short leave documents required", tipo)
		}
		for _, cd := range rule.Conditional {
			if cd.When != WhenNotPhantom && cd.When != WhenMotherWorks {
				return fmt.Errorf("rule %s: unknown condition %q", tipo, cd.When)
			}
		}
	}
	return nil
}

// =============================================================================
// DEFAULT RULES
// =============================================================================

// DefaultRuleSet returns the rules used when no rules file is configured.
func DefaultRuleSet() *RuleSet {
	shortIllness := func(t Tipo) Rule {
		return Rule{
			Tipo:                t,
			Documents:           []string{DocIncapacidadMedica, DocEpicrisis},
			ShortLeaveMaxDias:   2,
			ShortLeaveDocuments: []string{DocIncapacidadMedica},
		}
	}
	return &RuleSet{
		Rules: map[Tipo]Rule{
			TipoEnfermedadGeneral: shortIllness(TipoEnfermedadGeneral),
			TipoEnfermedadLaboral: shortIllness(TipoEnfermedadLaboral),
			TipoAccidenteTransito: {
				Tipo:        TipoAccidenteTransito,
				Documents:   []string{DocIncapacidadMedica, DocEpicrisis, DocFURIPS},
				Conditional: []ConditionalDoc{{Document: DocSOAT, When: WhenNotPhantom}},
			},
			TipoMaternidad: {
				Tipo:      TipoMaternidad,
				Documents: []string{DocLicenciaMaternidad, DocEpicrisis, DocCedulaMadre, DocRegistroCivil, DocCertificadoNacVivo},
			},
			TipoPaternidad: {
				Tipo:        TipoPaternidad,
				Documents:   []string{DocEpicrisis, DocCedulaPadre, DocRegistroCivil, DocCertificadoNacVivo},
				Conditional: []ConditionalDoc{{Document: DocLicenciaMaternidad, When: WhenMotherWorks}},
			},
		},
		Fallback: []string{DocIncapacidadMedica},
	}
}

// DefaultRulesJSON is DefaultRuleSet in the rules-file format read by
// factory.RequirementFactory. Operators copy it as a starting point.
func DefaultRulesJSON() string {
	return `{
  "fallback": ["Incapacidad médica"],
  "rules": [
    {
      "tipo": "enfermedad_general",
      "documents": ["Incapacidad médica", "Epicrisis o resumen clínico"],
      "short_leave": {"max_dias": 2, "documents": ["Incapacidad médica"]}
    },
    {
      "tipo": "enfermedad_laboral",
      "documents": ["Incapacidad médica", "Epicrisis o resumen clínico"],
      "short_leave": {"max_dias": 2, "documents": ["Incapacidad médica"]}
    },
    {
      "tipo": "accidente_transito",
      "documents": ["Incapacidad médica", "Epicrisis o resumen clínico", "FURIPS"],
      "conditional": [{"document": "SOAT", "when": "vehiculo_identificado"}]
    },
    {
      "tipo": "maternidad",
      "documents": ["Licencia o incapacidad de maternidad", "Epicrisis o resumen clínico",
        "Cédula de la madre", "Registro civil", "Certificado de nacido vivo"]
    },
    {
      "tipo": "paternidad",
      "documents": ["Epicrisis o resumen clínico", "Cédula del padre", "Registro civil",
        "Certificado de nacido vivo"],
      "conditional": [{"document": "Licencia o incapacidad de maternidad", "when": "madre_trabaja"}]
    }
  ]
}`
}

// =============================================================================
// REVIEW CHECKLISTS
// =============================================================================

// PendingChecklist is the checklist of a freshly submitted leave.
func PendingChecklist(required []string) lifecycle.Checklist {
	out := make(lifecycle.Checklist, 0, len(required))
	for _, doc := range required {
		out = append(out, lifecycle.ChecklistItem{Documento: doc, Estado: lifecycle.DocPending})
	}
	return out
}

// ReviewChecklist marks every required document OK except the ones the
// reviewer flagged. Flagged documents outside the required list are
// appended so nothing the reviewer wrote is lost.
func ReviewChecklist(required, missing, illegible []string) lifecycle.Checklist {
	status := make(map[string]lifecycle.DocStatus, len(missing)+len(illegible))
	for _, doc := range missing {
		status[normalize(doc)] = lifecycle.DocIncomplete
	}
	for _, doc := range illegible {
		status[normalize(doc)] = lifecycle.DocIllegible
	}

	seen := make(map[string]bool, len(required))
	out := make(lifecycle.Checklist, 0, len(required))
	for _, doc := range required {
		key := normalize(doc)
		seen[key] = true
		st, flagged := status[key]
		if !flagged {
			st = lifecycle.DocOK
		}
		out = append(out, lifecycle.ChecklistItem{Documento: doc, Estado: st})
	}
	for _, group := range [][]string{missing, illegible} {
		for _, doc := range group {
			key := normalize(doc)
			if seen[key] || key == "" {
				continue
			}
			seen[key] = true
			out = append(out, lifecycle.ChecklistItem{Documento: strings.TrimSpace(doc), Estado: status[key]})
		}
	}
	return out
}

// StateFor derives the review state a checklist implies.
func StateFor(c lifecycle.Checklist) lifecycle.State {
	var incomplete, illegible bool
	for _, item := range c {
		switch item.Estado {
		case lifecycle.DocIncomplete, lifecycle.DocPending:
			incomplete = true
		case lifecycle.DocIllegible:
			illegible = true
		}
	}
	switch {
	case incomplete && illegible:
		return lifecycle.StateIncompleteIllegible
	case illegible:
		return lifecycle.StateIllegible
	case incomplete:
		return lifecycle.StateIncomplete
	}
	return lifecycle.StateComplete
}

func normalize(doc string) string {
	return strings.ToLower(strings.TrimSpace(doc))
}
