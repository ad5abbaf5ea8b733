package pipeline

// Focus areas recognized in optimization guidance.
const (
	FocusSemanticDistribution = "semantic_distribution"
	FocusReasoningQuality     = "reasoning_quality"
)

// Guidance carries the caller's optimization hints. A nil Guidance selects
// auto mode. Unknown keys in the incoming JSON are dropped by decoding.
type Guidance struct {
	FocusAreas               []string `json:"focus_areas,omitempty"`
	ProblemIndices           []int    `json:"problem_indices,omitempty"`
	OptimizationInstructions string   `json:"optimization_instructions,omitempty"`
	GenerationInstructions   string   `json:"generation_instructions,omitempty"`
}

// HasFocus reports whether the guidance names the given focus area.
// Guidance with no focus areas focuses on nothing.
func (g *Guidance) HasFocus(area string) bool {
	if g == nil {
		return false
	}
	for _, f := range g.FocusAreas {
		if f == area {
			return true
		}
	}
	return false
}

// Mode names for a task.
const (
	ModeAuto   = "auto"
	ModeGuided = "guided"
)

// SelectMode implements the mode-select stage: guided when any guidance is
// supplied, auto otherwise.
func SelectMode(g *Guidance) string {
	if g == nil {
		return ModeAuto
	}
	if len(g.FocusAreas) == 0 && len(g.ProblemIndices) == 0 &&
		g.OptimizationInstructions == "" && g.GenerationInstructions == "" {
		return ModeAuto
	}
	return ModeGuided
}
