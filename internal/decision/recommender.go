// Package decision turns a kill chain summary and the correlated index into
// prioritized, advisory-only recommendations. Nothing here writes to a store
// or triggers an action.
package decision

import (
	"fmt"
	"sort"
	"strings"

	"killchain-advisor/internal/correlation"
	"killchain-advisor/internal/killchain"
)

// Item is one recommendation.
type Item struct {
	ID               string   `json:"id"`
	Category         Category `json:"category"`
	Priority         Priority `json:"priority"`
	Score            int      `json:"score"`
	Title            string   `json:"title"`
	Rationale        []string `json:"rationale"`
	SuggestedActions []string `json:"suggested_actions"`
	SuggestedHunts   []string `json:"suggested_hunts"`
	Guardrails       []string `json:"guardrails"`
}

// Signals are the scoring inputs shared by all categories.
type Signals struct {
	Stages       map[killchain.Stage]bool
	TechniqueIDs []string
	LateralHops  int
	OpenCases    int
	BaseRisk     int
	Scope        string
}

// CollectSignals derives scoring inputs from the index and summary. With a
// known campaign id, open cases and base risk come from that campaign;
// otherwise from the whole index.
func CollectSignals(ix *correlation.Index, sum killchain.Summary, campaignID string) Signals {
	sig := Signals{
		Stages:       make(map[killchain.Stage]bool, len(sum.Stages)),
		TechniqueIDs: sum.Evidence.TechniqueIDs,
		LateralHops:  len(sum.Evidence.LateralHops),
		Scope:        "all campaigns",
	}
	for _, st := range sum.Stages {
		sig.Stages[st] = true
	}
	if ix == nil {
		return sig
	}

	inScope := func(string) bool { return true }
	sig.BaseRisk = ix.MaxRisk()
	if campaignID != "" {
		if c, ok := ix.Campaign(campaignID); ok {
			ids := make(map[string]bool, len(c.CaseIDs))
			for _, id := range c.CaseIDs {
				ids[id] = true
			}
			inScope = func(id string) bool { return ids[id] }
			sig.BaseRisk = c.Risk
			sig.Scope = fmt.Sprintf("campaign %q", c.Title)
		}
	}
	for _, c := range ix.Cases {
		if c.Status.IsActive() && inScope(c.ID) {
			sig.OpenCases++
		}
	}
	return sig
}

// Recommend scores every category against the collected signals.
func Recommend(ix *correlation.Index, sum killchain.Summary, campaignID string) []Item {
	sig := CollectSignals(ix, sum, campaignID)
	items := make([]Item, 0, len(categories))
	for _, cat := range categories {
		items = append(items, score(cat, sig, campaignID))
	}
	SortItems(items)
	return items
}

// SortItems orders items by priority rank desc, score desc, then id.
func SortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		ri, rj := items[i].Priority.Rank(), items[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ID < items[j].ID
	})
}

func score(cat category, sig Signals, campaignID string) Item {
	w := cat.weights
	total := 0
	var rationale []string
	fire := func(points int, format string, args ...any) {
		if points <= 0 {
			return
		}
		total += points
		rationale = append(rationale, fmt.Sprintf(format, args...)+fmt.Sprintf(" (+%d)", points))
	}

	for _, sp := range w.stages {
		if sig.Stages[sp.stage] {
			fire(sp.points, "Kill chain stage observed: %s", sp.stage)
		}
	}
	for _, pp := range w.techniques {
		if ids := matchPrefix(sig.TechniqueIDs, pp.prefix); len(ids) > 0 {
			fire(pp.points, "Technique matched: %s", strings.Join(ids, ", "))
		}
	}
	if sig.LateralHops > 0 {
		fire(min(w.maxHop, w.perHop*sig.LateralHops), "%d lateral hop(s) detected", sig.LateralHops)
	}
	if sig.OpenCases > 0 {
		fire(min(w.maxOpenCase, w.perOpenCase*sig.OpenCases), "%d open case(s) in %s", sig.OpenCases, sig.Scope)
	}
	if sig.BaseRisk > 0 {
		fire(sig.BaseRisk*w.riskPercent/100, "Base risk %d for %s", sig.BaseRisk, sig.Scope)
	}
	if rationale == nil {
		rationale = []string{"No contributing signals fired for this category."}
	}

	total = max(0, min(100, total))
	id := string(cat.id)
	if campaignID != "" {
		id += ":" + campaignID
	}
	return Item{
		ID:               id,
		Category:         cat.id,
		Priority:         PriorityForScore(total),
		Score:            total,
		Title:            cat.title,
		Rationale:        rationale,
		SuggestedActions: append([]string(nil), cat.actions...),
		SuggestedHunts:   append([]string(nil), cat.hunts...),
		Guardrails:       append([]string(nil), Guardrails...),
	}
}

func matchPrefix(ids []string, prefix string) []string {
	var out []string
	for _, id := range ids {
		if strings.HasPrefix(strings.ToUpper(id), prefix) {
			out = append(out, id)
		}
	}
	return out
}
