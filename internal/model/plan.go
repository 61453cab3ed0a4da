package model

// Plan is a structured resource-deployment plan produced by the plan
// synthesizer. A plan replaces any previously stored plan on its
// conversation; plans are never merged.
type Plan struct {
	GoalSummary          string     `json:"goal_summary"`
	Assumptions          []string   `json:"assumptions"`
	Steps                []PlanStep `json:"steps"`
	OpenQuestions        []string   `json:"open_questions"`
	RisksAndAlternatives []RiskItem `json:"risks_and_alternatives"`
}

// PlanStep is one step of a plan. Dependencies reference other step IDs
// within the same plan; the graph is carried as-is and not cycle-checked.
//
// A step should carry at least one citation unless IsHypothesis is set.
// That rule is enforced at the prompt level, not mechanically.
type PlanStep struct {
	StepID              string     `json:"step_id"`
	Objective           string     `json:"objective"`
	RecommendedFacility string     `json:"recommended_facility"`
	CapabilityIDs       []string   `json:"capability_ids"`
	Inputs              []string   `json:"inputs"`
	Outputs             []string   `json:"outputs"`
	Constraints         []string   `json:"constraints"`
	Dependencies        []string   `json:"dependencies"`
	DecisionPoints      []string   `json:"decision_points"`
	Citations           []Citation `json:"citations"`
	IsHypothesis        bool       `json:"is_hypothesis"`
}

// Citation ties a recommendation back to a retrieved source fragment.
type Citation struct {
	SourceDocumentID string `json:"source_document_id"`
	ChunkID          string `json:"chunk_id,omitempty"`
	Quote            string `json:"quote"`
	SourceTitle      string `json:"source_title,omitempty"`
}

// RiskItem is a risk with its impact and an optional fallback.
type RiskItem struct {
	Risk        string  `json:"risk"`
	Impact      string  `json:"impact"`
	Alternative *string `json:"alternative,omitempty"`
}

// UncitedSteps returns the IDs of steps that carry no citations and are not
// marked as hypotheses. Used for logging only; see the prompt-level citation
// convention on PlanStep.
func (p *Plan) UncitedSteps() []string {
	var ids []string
	for _, s := range p.Steps {
		if len(s.Citations) == 0 && !s.IsHypothesis {
			ids = append(ids, s.StepID)
		}
	}
	return ids
}
