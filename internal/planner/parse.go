// Package planner turns tool inputs and free-form model text into
// structured deployment plans. Parsing is total: malformed input
// produces a degraded plan that tells the user what went wrong, never
// an error.
package planner

import (
	"encoding/json"
	"strings"

	"github.com/opal-net/opal/internal/model"
)

// FromToolInput maps a create_plan tool input into a Plan. Missing
// fields default to zero values; an unparseable payload degrades the
// same way FromText does.
func FromToolInput(input json.RawMessage) model.Plan {
	var plan model.Plan
	if err := json.Unmarshal(input, &plan); err != nil {
		return degradedPlan("tool input was not valid JSON")
	}
	normalize(&plan)
	return plan
}

// FromText extracts the first balanced JSON object from free-form model
// output and maps it into a Plan. Text before or after the object
// (prose, code fences) is ignored. If no parseable object is found the
// result is a degraded plan, not an error.
func FromText(text string) model.Plan {
	raw, ok := extractObject(text)
	if !ok {
		return degradedPlan("response did not contain a JSON plan")
	}
	var plan model.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return degradedPlan("plan JSON did not parse")
	}
	normalize(&plan)
	return plan
}

// extractObject returns the first balanced top-level {...} in s,
// tracking string literals so braces inside quoted values don't
// unbalance the scan.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func degradedPlan(reason string) model.Plan {
	return model.Plan{
		GoalSummary:          "Failed to parse plan",
		Assumptions:          []string{reason},
		Steps:                []model.PlanStep{},
		OpenQuestions:        []string{"Please try again with a clearer goal description"},
		RisksAndAlternatives: []model.RiskItem{},
	}
}

// normalize replaces nil slices so serialized plans always carry arrays.
func normalize(p *model.Plan) {
	if p.Assumptions == nil {
		p.Assumptions = []string{}
	}
	if p.Steps == nil {
		p.Steps = []model.PlanStep{}
	}
	if p.OpenQuestions == nil {
		p.OpenQuestions = []string{}
	}
	if p.RisksAndAlternatives == nil {
		p.RisksAndAlternatives = []model.RiskItem{}
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.CapabilityIDs == nil {
			s.CapabilityIDs = []string{}
		}
		if s.Inputs == nil {
			s.Inputs = []string{}
		}
		if s.Outputs == nil {
			s.Outputs = []string{}
		}
		if s.Constraints == nil {
			s.Constraints = []string{}
		}
		if s.Dependencies == nil {
			s.Dependencies = []string{}
		}
		if s.DecisionPoints == nil {
			s.DecisionPoints = []string{}
		}
		if s.Citations == nil {
			s.Citations = []model.Citation{}
		}
	}
}
