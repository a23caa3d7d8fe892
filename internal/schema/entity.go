package schema

import (
	"sort"
	"strings"
	"time"
)

// EntityType identifies the kind of tracked entity.
type EntityType string

const (
	EntityDevice EntityType = "device"
	EntityUser   EntityType = "user"
	EntityIP     EntityType = "ip"
)

// IsValid checks if the entity type is a known value.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityDevice, EntityUser, EntityIP:
		return true
	}
	return false
}

// Risk score bounds.
const (
	MinRisk = 0
	MaxRisk = 100
)

// ClampRisk bounds a risk score to [MinRisk, MaxRisk].
func ClampRisk(score int) int {
	if score < MinRisk {
		return MinRisk
	}
	if score > MaxRisk {
		return MaxRisk
	}
	return score
}

// EntityKey is the canonical "<type>:<id>" identity of an entity.
type EntityKey string

// NewEntityKey builds the canonical key for an entity. User ids are
// case-insensitive; device and ip ids are kept verbatim. An empty id yields "".
func NewEntityKey(t EntityType, id string) EntityKey {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if t == EntityUser {
		id = strings.ToLower(id)
	}
	return EntityKey(string(t) + ":" + id)
}

// Type returns the entity type encoded in the key.
func (k EntityKey) Type() EntityType {
	t, _, _ := strings.Cut(string(k), ":")
	return EntityType(t)
}

// ID returns the entity id encoded in the key.
func (k EntityKey) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

// Entity is a reputation record kept by the entity memory store.
type Entity struct {
	Type      EntityType `json:"type" yaml:"type" validate:"required,entity_type"`
	ID        string     `json:"id" yaml:"id" validate:"required,max=256"`
	RiskScore int        `json:"risk_score" yaml:"risk_score" validate:"min=0,max=100"`
	FirstSeen time.Time  `json:"first_seen,omitzero" yaml:"first_seen,omitempty"`
	LastSeen  time.Time  `json:"last_seen,omitzero" yaml:"last_seen,omitempty"`
	CaseRefs  []string   `json:"case_refs,omitempty" yaml:"case_refs,omitempty"`
	Tags      []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Key returns the canonical key of the entity.
func (e *Entity) Key() EntityKey {
	return NewEntityKey(e.Type, e.ID)
}

// Merge folds an observation of the same entity into e. Tags and case refs
// are unioned, the seen window widens, and the risk takes the incoming value
// clamped to [MinRisk, MaxRisk].
func (e *Entity) Merge(obs Entity) {
	e.RiskScore = ClampRisk(obs.RiskScore)
	e.Tags = unionSorted(e.Tags, obs.Tags)
	e.CaseRefs = unionSorted(e.CaseRefs, obs.CaseRefs)
	if !obs.FirstSeen.IsZero() && (e.FirstSeen.IsZero() || obs.FirstSeen.Before(e.FirstSeen)) {
		e.FirstSeen = obs.FirstSeen
	}
	if obs.LastSeen.After(e.LastSeen) {
		e.LastSeen = obs.LastSeen
	}
}

// Observe folds obs into e like Merge, except that the risk is raised by
// delta from its current value instead of being replaced.
func (e *Entity) Observe(obs Entity, delta int) {
	risk := ClampRisk(e.RiskScore + delta)
	e.Merge(obs)
	e.RiskScore = risk
}

// Normalize sorts and deduplicates the set-valued fields and clamps the risk.
func (e *Entity) Normalize() {
	e.ID = strings.TrimSpace(e.ID)
	if e.Type == EntityUser {
		e.ID = strings.ToLower(e.ID)
	}
	e.RiskScore = ClampRisk(e.RiskScore)
	e.Tags = unionSorted(nil, e.Tags)
	e.CaseRefs = unionSorted(nil, e.CaseRefs)
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
