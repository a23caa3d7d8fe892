package technique

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"killchain-advisor/internal/schema"
)

func TestLibrary_IntegrityAndRuleTargets(t *testing.T) {
	ids := make(map[string]bool)
	for _, tech := range Library() {
		require.False(t, ids[tech.ID], "duplicate technique %s", tech.ID)
		ids[tech.ID] = true
		assert.NotEmpty(t, tech.Name)
		assert.NotEmpty(t, tech.Tactic)
		assert.NotEmpty(t, tech.Indicators)
	}
	for _, r := range Rules() {
		assert.True(t, ids[r.TechniqueID], "rule targets unknown technique %s", r.TechniqueID)
	}
}

func TestLookup(t *testing.T) {
	tech, ok := Lookup("T1110")
	require.True(t, ok)
	assert.Equal(t, TacticCredentialAccess, tech.Tactic)

	sub, ok := Lookup("T1110.003")
	require.True(t, ok)
	assert.Equal(t, "T1110", sub.ID)

	_, ok = Lookup("T9999")
	assert.False(t, ok)
}

func TestMatchRules(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		text string
		want []string
	}{
		{"bruteforce tag", []string{"bruteforce"}, "", []string{"T1110"}},
		{"case insensitive text", nil, "Observed RANSOMWARE note", []string{"T1486"}},
		{"no match", []string{"benign"}, "routine login", nil},
		{"multiple", []string{"phishing", "beacon"}, "", []string{"T1566", "T1071"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchRules(tt.tags, tt.text))
		})
	}
}

func TestMatchIndicators(t *testing.T) {
	assert.Equal(t, []string{"T1110"}, MatchIndicators("repeated BRUTE attempts on vpn"))
	assert.Equal(t, []string{"T1003"}, MatchIndicators("procdump of lsass.exe"))
	assert.Empty(t, MatchIndicators("nothing interesting here"))
}

func TestInfer_BruteForce(t *testing.T) {
	tests := []struct {
		name   string
		c      schema.Case
		source Source
	}{
		{
			name: "indicator text",
			c: schema.Case{ID: "C-1", Status: schema.StatusOpen, Device: "WS-01",
				Evidence: []schema.Evidence{{Kind: "auth", Content: "brute attempts against admin"}}},
			source: SourceIndicator,
		},
		{
			name: "tag only",
			c: schema.Case{ID: "C-2", Status: schema.StatusOpen, Device: "WS-02",
				Evidence: []schema.Evidence{{Kind: "auth", Tags: []string{"BruteForce"}}}},
			source: SourceRule,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Infer([]schema.Case{tt.c}, nil)
			require.Len(t, got, 1)
			assert.Equal(t, "T1110", got[0].TechniqueID)
			assert.Equal(t, TacticCredentialAccess, got[0].Tactic)
			assert.Equal(t, []string{tt.c.ID}, got[0].CaseIDs)
			assert.Contains(t, got[0].Sources, tt.source)
		})
	}
}

func TestInfer_DedupesAcrossCasesAndStrategies(t *testing.T) {
	cases := []schema.Case{
		{ID: "C-2", Status: schema.StatusOpen, Notes: "mimikatz run", Evidence: []schema.Evidence{{Tags: []string{"credential-dump"}}}},
		{ID: "C-1", Status: schema.StatusOpen, Notes: "lsass access"},
		{ID: "C-3", Status: schema.StatusClosed, Notes: "cobalt strike beacon"},
	}
	got := Infer(cases, nil)
	require.Equal(t, []string{"T1003", "T1071"}, IDs(got))
	assert.Equal(t, []string{"C-1", "C-2"}, got[0].CaseIDs)
	assert.Equal(t, []Source{SourceIndicator, SourceRule}, got[0].Sources)
}

func TestInfer_UsesEntityTags(t *testing.T) {
	entities := map[schema.EntityKey]schema.Entity{
		"user:alice": {Type: schema.EntityUser, ID: "alice", Tags: []string{"kerberoasting"}},
	}
	cases := []schema.Case{{ID: "C-1", Status: schema.StatusOpen, User: "Alice"}}
	got := Infer(cases, entities)
	require.Len(t, got, 1)
	assert.Equal(t, "T1558", got[0].TechniqueID)
}

func TestInfer_Empty(t *testing.T) {
	assert.Empty(t, Infer(nil, nil))
}

func TestForCases(t *testing.T) {
	findings := []Finding{
		{TechniqueID: "T1003", CaseIDs: []string{"C-1", "C-2"}},
		{TechniqueID: "T1071", CaseIDs: []string{"C-3"}},
	}
	got := ForCases(findings, map[string]bool{"C-2": true})
	require.Len(t, got, 1)
	assert.Equal(t, []string{"C-2"}, got[0].CaseIDs)
	assert.Len(t, findings[0].CaseIDs, 2)
}
