package killchain

import (
	"fmt"
	"sort"

	"killchain-advisor/internal/detection/lateral"
	"killchain-advisor/internal/detection/technique"
	"killchain-advisor/internal/schema"
)

// Confidence weights.
const (
	PointsPerCase        = 4
	MaxCasePoints        = 20
	PointsPerTechnique   = 10
	MaxTechniquePoints   = 40
	PointsPerStage       = 5
	MaxStagePoints       = 25
	LateralPoints        = 20
	SparseStagePenalty   = 10
	SparseStageThreshold = 1
)

// MaxNextLikely caps the predicted stage list.
const MaxNextLikely = 4

// followOnStages is how many canonical stages after the current one are
// predicted when no specific progression rule applies.
const followOnStages = 2

// Scope restricts a summary to one campaign's devices. A nil Devices map
// means every case is in scope.
type Scope struct {
	CampaignID string
	Devices    map[string]bool
}

// Evidence is what a summary was derived from.
type Evidence struct {
	TechniqueIDs []string          `json:"technique_ids"`
	LateralHops  []lateral.Finding `json:"lateral_hops"`
	Signals      []string          `json:"signals"`
}

// Summary is the kill chain profile of a set of cases.
type Summary struct {
	CampaignID   string   `json:"campaign_id,omitempty"`
	CaseCount    int      `json:"case_count"`
	Stages       []Stage  `json:"stages"`
	CurrentStage *Stage   `json:"current_stage"`
	NextLikely   []Stage  `json:"next_likely"`
	Confidence   int      `json:"confidence"`
	Evidence     Evidence `json:"evidence"`
}

// HasStage reports whether s was observed.
func (s *Summary) HasStage(stage Stage) bool {
	for _, st := range s.Stages {
		if st == stage {
			return true
		}
	}
	return false
}

// Summarize builds the kill chain profile for the cases in scope. Technique
// findings and lateral findings are narrowed to the scope before use.
func Summarize(cases []schema.Case, techniques []technique.Finding, hops []lateral.Finding, scope Scope) Summary {
	scoped := cases
	if scope.Devices != nil {
		scoped = nil
		for _, c := range cases {
			if k := c.DeviceKey(); k != "" && scope.Devices[k.ID()] {
				scoped = append(scoped, c)
			}
		}
		ids := make(map[string]bool, len(scoped))
		for _, c := range scoped {
			ids[c.ID] = true
		}
		techniques = technique.ForCases(techniques, ids)
		var kept []lateral.Finding
		for _, h := range hops {
			if h.Touches(scope.Devices) {
				kept = append(kept, h)
			}
		}
		hops = kept
	}

	present := make(map[Stage]bool)
	var signals []string
	techIDs := make([]string, 0, len(techniques))
	seenTech := make(map[string]bool)

	sorted := append([]technique.Finding(nil), techniques...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TechniqueID < sorted[j].TechniqueID })
	for _, f := range sorted {
		if seenTech[f.TechniqueID] {
			continue
		}
		seenTech[f.TechniqueID] = true
		if st, ok := StageForTechnique(f.TechniqueID); ok {
			techIDs = append(techIDs, f.TechniqueID)
			present[st] = true
			signals = append(signals, fmt.Sprintf("%s: technique %s (%s)", st, f.TechniqueID, f.Name))
		}
	}

	for i := range scoped {
		found := stagesInText(scoped[i].Content())
		for _, st := range Canonical {
			if kw, ok := found[st]; ok {
				present[st] = true
				signals = append(signals, fmt.Sprintf("%s: keyword %q in case %s", st, kw, scoped[i].ID))
			}
		}
	}

	if len(hops) > 0 {
		present[LateralMovement] = true
		signals = append(signals, fmt.Sprintf("%s: %d lateral hop(s) across users %v",
			LateralMovement, len(hops), lateral.Users(hops)))
	}

	stages := make([]Stage, 0, len(present))
	for _, st := range Canonical {
		if present[st] {
			stages = append(stages, st)
		}
	}

	if hops == nil {
		hops = []lateral.Finding{}
	}
	if signals == nil {
		signals = []string{}
	}

	sum := Summary{
		CampaignID: scope.CampaignID,
		CaseCount:  len(scoped),
		Stages:     stages,
		NextLikely: PredictNext(stages),
		Confidence: Confidence(len(scoped), len(techIDs), len(stages), len(hops) > 0),
		Evidence: Evidence{
			TechniqueIDs: techIDs,
			LateralHops:  hops,
			Signals:      signals,
		},
	}
	if n := len(stages); n > 0 {
		cur := stages[n-1]
		sum.CurrentStage = &cur
	}
	return sum
}

// PredictNext returns up to MaxNextLikely stages likely to follow the
// observed ones. stages must be in canonical order.
func PredictNext(stages []Stage) []Stage {
	present := make(map[Stage]bool, len(stages))
	for _, st := range stages {
		present[st] = true
	}
	next := make([]Stage, 0, MaxNextLikely)
	add := func(st Stage) {
		if present[st] || len(next) >= MaxNextLikely {
			return
		}
		for _, n := range next {
			if n == st {
				return
			}
		}
		next = append(next, st)
	}

	ruled := false
	if present[CredentialAccess] {
		ruled = true
		add(Discovery)
		add(LateralMovement)
	}
	if present[LateralMovement] {
		ruled = true
		add(Collection)
		add(CommandAndControl)
		add(Exfiltration)
	}
	if !ruled && len(stages) > 0 {
		cur := stages[len(stages)-1].Order()
		for i := cur + 1; i < len(Canonical) && i <= cur+followOnStages; i++ {
			add(Canonical[i])
		}
	}
	return next
}

// Confidence scores how strongly the evidence supports the stage profile.
func Confidence(caseCount, techniqueCount, stageCount int, lateralSeen bool) int {
	score := min(MaxCasePoints, PointsPerCase*caseCount) +
		min(MaxTechniquePoints, PointsPerTechnique*techniqueCount) +
		min(MaxStagePoints, PointsPerStage*stageCount)
	if lateralSeen {
		score += LateralPoints
	}
	if stageCount <= SparseStageThreshold {
		score -= SparseStagePenalty
	}
	return max(0, min(100, score))
}
