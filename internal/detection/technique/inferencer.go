package technique

import (
	"sort"
	"strings"

	"killchain-advisor/internal/schema"
)

// Source names the strategy that produced a match.
type Source string

const (
	SourceRule      Source = "rule"
	SourceIndicator Source = "indicator"
)

// Finding is one inferred technique with the cases that produced it.
type Finding struct {
	TechniqueID string   `json:"technique_id"`
	Name        string   `json:"name"`
	TacticID    string   `json:"tactic_id"`
	Tactic      string   `json:"tactic"`
	CaseIDs     []string `json:"case_ids"`
	Sources     []Source `json:"sources"`
}

// MatchRules applies the rule table to a set of tags and free text and
// returns the matching technique ids in table order, without duplicates.
func MatchRules(tags []string, text string) []string {
	hay := strings.ToLower(strings.Join(tags, " ") + " " + text)
	var ids []string
	seen := make(map[string]bool)
	for _, r := range rules {
		if seen[r.TechniqueID] {
			continue
		}
		for _, kw := range r.Keywords {
			if strings.Contains(hay, kw) {
				seen[r.TechniqueID] = true
				ids = append(ids, r.TechniqueID)
				break
			}
		}
	}
	return ids
}

// MatchIndicators returns ids of library techniques whose indicator
// keywords occur in content.
func MatchIndicators(content string) []string {
	content = strings.ToLower(content)
	var ids []string
	for _, t := range library {
		for _, ind := range t.Indicators {
			if strings.Contains(content, ind) {
				ids = append(ids, t.ID)
				break
			}
		}
	}
	return ids
}

// Infer runs both strategies over every case. Rule matching sees the case
// tags, the tags of the case's device and user entities, and the case
// findings; indicator matching sees the full serialized case content.
// Results are sorted by technique id.
func Infer(cases []schema.Case, entities map[schema.EntityKey]schema.Entity) []Finding {
	acc := make(map[string]*Finding)
	add := func(id, caseID string, src Source) {
		t, ok := Lookup(id)
		if !ok {
			return
		}
		f, ok := acc[t.ID]
		if !ok {
			f = &Finding{TechniqueID: t.ID, Name: t.Name, TacticID: t.TacticID, Tactic: t.Tactic}
			acc[t.ID] = f
		}
		f.CaseIDs = appendUnique(f.CaseIDs, caseID)
		if !containsSource(f.Sources, src) {
			f.Sources = append(f.Sources, src)
		}
	}

	for i := range cases {
		c := &cases[i]
		tags := caseTags(c, entities)
		for _, id := range MatchRules(tags, strings.Join(c.Findings, " ")) {
			add(id, c.ID, SourceRule)
		}
		for _, id := range MatchIndicators(c.Content()) {
			add(id, c.ID, SourceIndicator)
		}
	}

	out := make([]Finding, 0, len(acc))
	for _, f := range acc {
		sort.Strings(f.CaseIDs)
		sort.Slice(f.Sources, func(i, j int) bool { return f.Sources[i] < f.Sources[j] })
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TechniqueID < out[j].TechniqueID })
	return out
}

// IDs returns the technique ids of findings in their existing order.
func IDs(findings []Finding) []string {
	ids := make([]string, len(findings))
	for i, f := range findings {
		ids[i] = f.TechniqueID
	}
	return ids
}

// ForCases keeps the findings contributed by at least one of the given
// cases, trimming each finding's case list to those cases.
func ForCases(findings []Finding, caseIDs map[string]bool) []Finding {
	var out []Finding
	for _, f := range findings {
		var ids []string
		for _, id := range f.CaseIDs {
			if caseIDs[id] {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		f.CaseIDs = ids
		out = append(out, f)
	}
	return out
}

func caseTags(c *schema.Case, entities map[schema.EntityKey]schema.Entity) []string {
	tags := c.Tags()
	for _, k := range []schema.EntityKey{c.DeviceKey(), c.UserKey()} {
		if k == "" {
			continue
		}
		if e, ok := entities[k]; ok {
			tags = append(tags, e.Tags...)
		}
	}
	return tags
}

func appendUnique(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

func containsSource(s []Source, v Source) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
