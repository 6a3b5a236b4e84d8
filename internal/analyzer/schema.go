// Package analyzer implements LLM-based analysis of log segments: the
// structured extractor, the per-segment fan-out and the synthesis step.
package analyzer

import (
	"encoding/json"
	"fmt"
)

// RiskLevel is the closed severity scale shared by partial records and the
// final report. Values are the wire labels the model must emit.
type RiskLevel string

const (
	RiskInformational RiskLevel = "Informativo"
	RiskLow           RiskLevel = "Baixo"
	RiskMedium        RiskLevel = "Médio"
	RiskHigh          RiskLevel = "Alto"
	RiskCritical      RiskLevel = "Crítico"
)

// RiskLevels lists every valid level in ascending severity.
var RiskLevels = []RiskLevel{RiskInformational, RiskLow, RiskMedium, RiskHigh, RiskCritical}

// Rank returns the position of r in the severity order, or -1 if r is not a valid level.
func (r RiskLevel) Rank() int {
	for i, l := range RiskLevels {
		if l == r {
			return i
		}
	}
	return -1
}

// Valid reports whether r is one of the five enumerated levels.
func (r RiskLevel) Valid() bool { return r.Rank() >= 0 }

// UnmarshalJSON rejects values outside the enumeration instead of defaulting them.
func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("risk level: %w", err)
	}
	if !RiskLevel(s).Valid() {
		return fmt.Errorf("risk level %q is not one of %v", s, RiskLevels)
	}
	*r = RiskLevel(s)
	return nil
}

// MaxRisk returns the most severe of the given levels (RiskInformational when empty).
func MaxRisk(levels ...RiskLevel) RiskLevel {
	top := RiskInformational
	for _, l := range levels {
		if l.Rank() > top.Rank() {
			top = l
		}
	}
	return top
}

// Indicator is an indicator of compromise. Two indicators are equal when
// both Kind and Value match exactly.
type Indicator struct {
	Kind  string `json:"type"`
	Value string `json:"value"`
}

// PartialRecord is the validated analysis of one segment.
type PartialRecord struct {
	Narrative  string      `json:"translation"`
	Risk       RiskLevel   `json:"risk_assessment"`
	Indicators []Indicator `json:"iocs"`
}

func (p *PartialRecord) validate() error {
	if !p.Risk.Valid() {
		return fmt.Errorf("risk_assessment is missing or invalid")
	}
	return nil
}

// FinalReport is the single consolidated result of a run.
type FinalReport struct {
	Narrative      string      `json:"translation"`
	Risk           RiskLevel   `json:"risk_assessment"`
	Justification  string      `json:"justification"`
	Indicators     []Indicator `json:"iocs"`
	Recommendation Steps       `json:"recommendation"`
}

func (r *FinalReport) validate() error {
	if !r.Risk.Valid() {
		return fmt.Errorf("risk_assessment is missing or invalid")
	}
	if len(r.Recommendation) == 0 {
		return fmt.Errorf("recommendation is empty")
	}
	return nil
}

// Steps is an ordered action plan. It decodes from either a JSON array of
// strings or a single string, which is wrapped as a one-step plan.
type Steps []string

// UnmarshalJSON accepts both the list form and the legacy single-string form.
func (s *Steps) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("recommendation must be a string or a list of strings")
	}
	*s = Steps{single}
	return nil
}

// MarshalJSON always emits a list, never null.
func (s Steps) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

// DedupeIndicators removes exact (kind, value) duplicates, keeping first occurrences in order.
// The result is never nil.
func DedupeIndicators(in []Indicator) []Indicator {
	out := make([]Indicator, 0, len(in))
	seen := make(map[Indicator]bool, len(in))
	for _, ind := range in {
		if seen[ind] {
			continue
		}
		seen[ind] = true
		out = append(out, ind)
	}
	return out
}

func riskEnum() []string {
	out := make([]string, len(RiskLevels))
	for i, l := range RiskLevels {
		out[i] = string(l)
	}
	return out
}

var indicatorListSchema = map[string]interface{}{
	"type": "array",
	"items": map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"type":  map[string]interface{}{"type": "string", "description": "IoC kind, e.g. ip, domain, hash, url, user, process"},
			"value": map[string]interface{}{"type": "string", "description": "IoC value exactly as it appears in the log"},
		},
		"required": []interface{}{"type", "value"},
	},
}

// PartialSchema is the JSON Schema for one segment's analysis.
var PartialSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"translation":     map[string]interface{}{"type": "string", "description": "What this log excerpt means, in plain language"},
		"risk_assessment": map[string]interface{}{"type": "string", "enum": riskEnum()},
		"iocs":            indicatorListSchema,
	},
	"required": []interface{}{"translation", "risk_assessment", "iocs"},
}

// FinalSchema is the JSON Schema for the consolidated report, as presented to the model.
var FinalSchema = finalSchema(false)

// finalValidationSchema additionally accepts recommendation as a single string.
var finalValidationSchema = finalSchema(true)

func finalSchema(acceptSingleRecommendation bool) map[string]interface{} {
	steps := map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"minItems":    1,
		"description": "Numbered, prioritized action steps",
	}
	var recommendation interface{} = steps
	if acceptSingleRecommendation {
		recommendation = map[string]interface{}{
			"anyOf": []interface{}{
				steps,
				map[string]interface{}{"type": "string", "minLength": 1},
			},
		}
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"translation":     map[string]interface{}{"type": "string", "description": "One coherent narrative of the whole log"},
			"risk_assessment": map[string]interface{}{"type": "string", "enum": riskEnum()},
			"justification":   map[string]interface{}{"type": "string", "description": "Why this overall risk, naming the most critical events"},
			"iocs":            indicatorListSchema,
			"recommendation":  recommendation,
		},
		"required": []interface{}{"translation", "risk_assessment", "justification", "iocs", "recommendation"},
	}
}
