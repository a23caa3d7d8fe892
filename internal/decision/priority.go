package decision

// Priority is the urgency of a recommendation.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Score thresholds, inclusive.
const (
	CriticalThreshold = 85
	HighThreshold     = 65
	MediumThreshold   = 40
)

// Rank orders priorities, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}

// PriorityForScore maps a score onto the threshold table.
func PriorityForScore(score int) Priority {
	switch {
	case score >= CriticalThreshold:
		return PriorityCritical
	case score >= HighThreshold:
		return PriorityHigh
	case score >= MediumThreshold:
		return PriorityMedium
	}
	return PriorityLow
}
