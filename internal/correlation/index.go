// Package correlation links cases through shared entities, groups them into
// campaigns and flags lateral movement between devices.
package correlation

import (
	"log/slog"
	"sort"

	"killchain-advisor/internal/detection/lateral"
	"killchain-advisor/internal/schema"
)

// Index is the correlated view of one store snapshot.
type Index struct {
	Cases     []schema.Case                      `json:"cases"`
	Entities  map[schema.EntityKey]schema.Entity `json:"entities"`
	Edges     []Edge                             `json:"edges"`
	Campaigns []Campaign                         `json:"campaigns"`
	Lateral   []lateral.Finding                  `json:"lateral"`
}

// BuildIndex correlates a snapshot. Cases are deduplicated by id and put in
// chronological order before lateral detection; the inputs are not modified.
func BuildIndex(cases []schema.Case, entities []schema.Entity, opts Options) *Index {
	ordered := lateral.Chronological(dedupeCases(cases))
	entityMap := EntityMap(entities)

	ix := &Index{
		Cases:     ordered,
		Entities:  entityMap,
		Edges:     BuildEdges(ordered, opts),
		Campaigns: ClusterCampaigns(ordered, entityMap),
		Lateral:   lateral.Detect(ordered),
	}
	if ix.Lateral == nil {
		ix.Lateral = []lateral.Finding{}
	}
	EscalateLateral(ix.Campaigns, ix.Lateral)

	slog.Debug("index built",
		"cases", len(ix.Cases),
		"entities", len(ix.Entities),
		"edges", len(ix.Edges),
		"campaigns", len(ix.Campaigns),
		"lateral", len(ix.Lateral))
	return ix
}

// Campaign returns the campaign with the given id.
func (ix *Index) Campaign(id string) (Campaign, bool) {
	for _, c := range ix.Campaigns {
		if c.ID == id {
			return c, true
		}
	}
	return Campaign{}, false
}

// CasesOnDevices returns the cases whose device is in devices, in index order.
func (ix *Index) CasesOnDevices(devices map[string]bool) []schema.Case {
	var out []schema.Case
	for _, c := range ix.Cases {
		if k := c.DeviceKey(); k != "" && devices[k.ID()] {
			out = append(out, c)
		}
	}
	return out
}

// MaxRisk returns the highest campaign risk, or 0 with no campaigns.
func (ix *Index) MaxRisk() int {
	risk := 0
	for _, c := range ix.Campaigns {
		risk = max(risk, c.Risk)
	}
	return risk
}

// EntityMap keys entities by canonical key. Duplicate records for one key
// are folded together keeping the highest risk, so the result does not
// depend on input order. Records with an unknown type or a blank id are
// dropped.
func EntityMap(entities []schema.Entity) map[schema.EntityKey]schema.Entity {
	out := make(map[schema.EntityKey]schema.Entity, len(entities))
	for _, e := range entities {
		if !e.Type.IsValid() {
			continue
		}
		e.Normalize()
		k := e.Key()
		if k == "" {
			continue
		}
		prev, ok := out[k]
		if !ok {
			out[k] = e
			continue
		}
		risk := max(prev.RiskScore, e.RiskScore)
		prev.Merge(e)
		prev.RiskScore = risk
		out[k] = prev
	}
	return out
}

// dedupeCases keeps one record per case id: the most recently observed, with
// ties resolved by content so the choice is stable. Cases without an id are
// kept as they are.
func dedupeCases(cases []schema.Case) []schema.Case {
	byID := make(map[string]int, len(cases))
	out := make([]schema.Case, 0, len(cases))
	for _, c := range cases {
		if c.ID == "" {
			out = append(out, c)
			continue
		}
		i, ok := byID[c.ID]
		if !ok {
			byID[c.ID] = len(out)
			out = append(out, c)
			continue
		}
		if preferCase(&c, &out[i]) {
			out[i] = c
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Content() < out[j].Content()
	})
	return out
}

func preferCase(a, b *schema.Case) bool {
	ta, tb := a.ObservedAt(), b.ObservedAt()
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a.Content() > b.Content()
}
