/*
Package factory provides JSON to Go requirement-rule conversion.

PURPOSE:
  Converts JSON rule definitions into incapacidad.RuleSet objects. HR can
  change which documents each leave type requires without a code change:
  the server reads the file named by requirements.rules_path at startup.

JSON SCHEMA:
  {
    "fallback": ["Incapacidad médica"],
    "rules": [
      {
        "tipo": "accidente_transito",
        "documents": ["Incapacidad médica", "FURIPS"],
        "short_leave": {"max_dias": 2, "documents": ["Incapacidad médica"]},
        "conditional": [{"document": "SOAT", "when": "vehiculo_identificado"}]
      }
    ]
  }

KEY FEATURES:
  - Validates JSON structure and conditions
  - Accepts form aliases for tipo ("traffic", "maternity", ...)
  - Falls back to the default documents when "fallback" is omitted

USAGE:
  f := factory.NewRequirementFactory()
  rules, err := f.ParseRules(incapacidad.DefaultRulesJSON())
  docs := rules.Required(incapacidad.Query{Tipo: incapacidad.TipoMaternidad})

SEE ALSO:
  - incapacidad/requirements.go: RuleSet and the default rules
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/warp/incapacidades/incapacidad"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleSetJSON is the JSON representation of a rule set.
type RuleSetJSON struct {
	Fallback []string   `json:"fallback,omitempty"`
	Rules    []RuleJSON `json:"rules"`
}

// RuleJSON represents the documents of one leave type.
type RuleJSON struct {
	Tipo        string               `json:"tipo"`
	Documents   []string             `json:"documents"`
	ShortLeave  *ShortLeaveJSON      `json:"short_leave,omitempty"`
	Conditional []ConditionalDocJSON `json:"conditional,omitempty"`
}

// ShortLeaveJSON replaces the documents for leaves of at most MaxDias days.
type ShortLeaveJSON struct {
	MaxDias   int      `json:"max_dias"`
	Documents []string `json:"documents"`
}

// ConditionalDocJSON is a document gated by a condition.
type ConditionalDocJSON struct {
	Document string `json:"document"`
	When     string `json:"when"`
}

// =============================================================================
// REQUIREMENT FACTORY
// =============================================================================

// RequirementFactory converts JSON rule sets to Go structs.
type RequirementFactory struct{}

// NewRequirementFactory creates a new requirement factory.
func NewRequirementFactory() *RequirementFactory {
	return &RequirementFactory{}
}

// ParseRules parses a JSON string into a validated RuleSet.
func (f *RequirementFactory) ParseRules(jsonStr string) (*incapacidad.RuleSet, error) {
	var rj RuleSetJSON
	dec := json.NewDecoder(strings.NewReader(jsonStr))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rj); err != nil {
		return nil, fmt.Errorf("failed to parse requirements JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// LoadFile reads a rules file. An empty path yields the default rules.
func (f *RequirementFactory) LoadFile(path string) (*incapacidad.RuleSet, error) {
	if path == "" {
		return incapacidad.DefaultRuleSet(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read requirements file: %w", err)
	}
	return f.ParseRules(string(raw))
}

// FromJSON converts RuleSetJSON to an incapacidad.RuleSet.
func (f *RequirementFactory) FromJSON(rj RuleSetJSON) (*incapacidad.RuleSet, error) {
	rs := &incapacidad.RuleSet{
		Rules:    make(map[incapacidad.Tipo]incapacidad.Rule, len(rj.Rules)),
		Fallback: cleanDocs(rj.Fallback),
	}
	if len(rs.Fallback) == 0 {
		rs.Fallback = []string{incapacidad.DocIncapacidadMedica}
	}

	for i, r := range rj.Rules {
		if !incapacidad.Known(r.Tipo) {
			return nil, fmt.Errorf("rule %d: unknown tipo %q", i, r.Tipo)
		}
		tipo := incapacidad.ParseTipo(r.Tipo)
		if _, dup := rs.Rules[tipo]; dup {
			return nil, fmt.Errorf("rule %d: duplicate tipo %q", i, tipo)
		}

		rule := incapacidad.Rule{Tipo: tipo, Documents: cleanDocs(r.Documents)}
		if r.ShortLeave != nil {
			if r.ShortLeave.MaxDias <= 0 {
				return nil, fmt.Errorf("rule %s: short_leave.max_dias must be positive", tipo)
			}
			rule.ShortLeaveMaxDias = r.ShortLeave.MaxDias
			rule.ShortLeaveDocuments = cleanDocs(r.ShortLeave.Documents)
		}
		for _, c := range r.Conditional {
			rule.Conditional = append(rule.Conditional, incapacidad.ConditionalDoc{
				Document: strings.TrimSpace(c.Document),
				When:     parseCondition(c.When),
			})
		}
		rs.Rules[tipo] = rule
	}

	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}

// ToJSON converts a RuleSet to RuleSetJSON, rules sorted by tipo.
func (f *RequirementFactory) ToJSON(rs *incapacidad.RuleSet) RuleSetJSON {
	out := RuleSetJSON{Fallback: append([]string(nil), rs.Fallback...)}

	tipos := make([]string, 0, len(rs.Rules))
	for t := range rs.Rules {
		tipos = append(tipos, string(t))
	}
	sort.Strings(tipos)

	for _, t := range tipos {
		rule := rs.Rules[incapacidad.Tipo(t)]
		rj := RuleJSON{Tipo: t, Documents: append([]string(nil), rule.Documents...)}
		if rule.ShortLeaveMaxDias > 0 {
			rj.ShortLeave = &ShortLeaveJSON{
				MaxDias:   rule.ShortLeaveMaxDias,
				Documents: append([]string(nil), rule.ShortLeaveDocuments...),
			}
		}
		for _, cd := range rule.Conditional {
			rj.Conditional = append(rj.Conditional, ConditionalDocJSON{Document: cd.Document, When: string(cd.When)})
		}
		out.Rules = append(out.Rules, rj)
	}
	return out
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseCondition(s string) incapacidad.Condition {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vehiculo_identificado", "not_phantom":
		return incapacidad.WhenNotPhantom
	case "madre_trabaja", "mother_works":
		return incapacidad.WhenMotherWorks
	default:
		// Rejected by RuleSet.Validate with the original spelling.
		return incapacidad.Condition(s)
	}
}

func cleanDocs(docs []string) []string {
	var out []string
	for _, d := range docs {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}
