package correlation

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"killchain-advisor/internal/detection/lateral"
	"killchain-advisor/internal/schema"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testCase(id, device, user string, offset time.Duration, evidence ...string) schema.Case {
	c := schema.Case{ID: id, Status: schema.StatusOpen, Device: device, User: user, Time: base.Add(offset)}
	for _, e := range evidence {
		c.Evidence = append(c.Evidence, schema.Evidence{Kind: "note", Content: e})
	}
	return c
}

func TestNewEdgeKey_OrderIndependent(t *testing.T) {
	a := schema.EntityKey("device:WS-01")
	b := schema.EntityKey("user:alice")
	assert.Equal(t, NewEdgeKey(a, b), NewEdgeKey(b, a))
	assert.Equal(t, a, NewEdgeKey(b, a).A)
}

func TestExtractIPs(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"single", "connect from 10.0.0.5 failed", 20, []string{"10.0.0.5"}},
		{"dedupe", "10.0.0.5 then 10.0.0.5 and 192.168.1.1", 20, []string{"10.0.0.5", "192.168.1.1"}},
		{"invalid octet", "bogus 999.1.1.1", 20, nil},
		{"cap", "1.1.1.1 2.2.2.2 3.3.3.3", 2, []string{"1.1.1.1", "2.2.2.2"}},
		{"none", "no addresses", 20, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractIPs(tt.text, tt.limit))
		})
	}
}

func TestExtractIdentifiers(t *testing.T) {
	c := testCase("C-1", "WS-01", "Alice", 0, "beacon to 203.0.113.7")
	assert.Equal(t, []schema.EntityKey{"device:WS-01", "user:alice", "ip:203.0.113.7"}, ExtractIdentifiers(&c, 20))

	empty := schema.Case{ID: "C-2", Status: schema.StatusOpen}
	assert.Empty(t, ExtractIdentifiers(&empty, 20))
}

func TestBuildEdges(t *testing.T) {
	cases := []schema.Case{
		testCase("C-1", "WS-01", "alice", 0),
		testCase("C-2", "WS-01", "alice", time.Hour, "seen 10.0.0.9"),
		testCase("C-3", "WS-02", "bob", 2*time.Hour),
		testCase("C-4", "", "carol", 3*time.Hour),
	}
	edges := BuildEdges(cases, DefaultOptions())
	require.Len(t, edges, 4)

	top := edges[0]
	assert.Equal(t, schema.EntityKey("device:WS-01"), top.A)
	assert.Equal(t, schema.EntityKey("user:alice"), top.B)
	assert.Equal(t, 2, top.Weight)
	assert.Equal(t, base.Add(time.Hour), top.LastSeen)
	assert.Equal(t, []string{"C-1", "C-2"}, top.Examples)

	for _, e := range edges[1:] {
		assert.Equal(t, 1, e.Weight)
		assert.True(t, e.A < e.B)
	}
	// equal weights fall back to recency
	assert.Equal(t, schema.EntityKey("device:WS-02"), edges[1].A)
}

func TestBuildEdges_ExampleCapAndDuplicateCases(t *testing.T) {
	var cases []schema.Case
	for i := 0; i < 12; i++ {
		cases = append(cases, testCase(fmt.Sprintf("C-%02d", i), "WS-01", "alice", time.Duration(i)*time.Minute))
	}
	cases = append(cases, cases[0])

	edges := BuildEdges(cases, Options{ExampleCap: 6})
	require.Len(t, edges, 1)
	assert.Equal(t, 12, edges[0].Weight)
	assert.Len(t, edges[0].Examples, 6)
	assert.Equal(t, "C-00", edges[0].Examples[0])

	edges = BuildEdges(cases, Options{ExampleCap: 50})
	assert.Len(t, edges[0].Examples, MaxExampleCap)
}

func TestClusterCampaigns_Partition(t *testing.T) {
	cases := []schema.Case{
		testCase("C-1", "WS-01", "alice", 0),
		testCase("C-2", "WS-02", "alice", time.Hour),
		testCase("C-3", "SRV-9", "bob", 2*time.Hour),
		testCase("C-4", "", "dave", 3*time.Hour),
	}
	entities := EntityMap([]schema.Entity{
		{Type: schema.EntityIP, ID: "10.0.0.5", RiskScore: 30, CaseRefs: []string{"C-3"}},
		{Type: schema.EntityIP, ID: "8.8.8.8", RiskScore: 5},
		{Type: schema.EntityUser, ID: "alice", RiskScore: 60, CaseRefs: []string{"C-1"}},
	})

	campaigns := ClusterCampaigns(cases, entities)

	membership := make(map[schema.EntityKey]string)
	for _, c := range campaigns {
		for _, k := range c.Entities {
			_, dup := membership[k]
			require.False(t, dup, "%s in more than one campaign", k)
			membership[k] = c.ID
		}
	}
	for k := range entities {
		assert.Contains(t, membership, k)
	}
	for _, c := range cases {
		for _, k := range []schema.EntityKey{c.DeviceKey(), c.UserKey()} {
			if k != "" {
				assert.Contains(t, membership, k)
			}
		}
	}

	assert.Equal(t, membership["device:WS-01"], membership["device:WS-02"])
	assert.Equal(t, membership["device:WS-01"], membership["user:alice"])
	assert.Equal(t, membership["ip:10.0.0.5"], membership["user:bob"])
	assert.NotEqual(t, membership["user:alice"], membership["user:bob"])
	assert.NotEqual(t, membership["ip:8.8.8.8"], membership["user:dave"])
	require.Len(t, campaigns, 4)

	lead := campaigns[0]
	assert.Equal(t, []schema.EntityKey{"device:WS-01", "device:WS-02", "user:alice"}, lead.Entities)
	assert.Equal(t, 66, lead.Risk)
	assert.Equal(t, []string{"C-1", "C-2"}, lead.CaseIDs)
	assert.Equal(t, base, lead.Start)
	assert.Equal(t, base.Add(time.Hour), lead.End)
	assert.Equal(t, "Activity around user alice (risk 60)", lead.Title)
}

func TestClusterCampaigns_Titles(t *testing.T) {
	entities := EntityMap([]schema.Entity{
		{Type: schema.EntityDevice, ID: "WS-01", RiskScore: 10, Tags: []string{"phishing", "Operation:Blue Lotus"}},
		{Type: schema.EntityDevice, ID: "WS-07"},
	})
	campaigns := ClusterCampaigns(nil, entities)
	require.Len(t, campaigns, 2)
	assert.Equal(t, "Blue Lotus", campaigns[0].Title)
	assert.Equal(t, UnnamedCampaign, campaigns[1].Title)
	assert.Equal(t, 2, campaigns[1].Risk)
}

func TestClusterCampaigns_RiskClamped(t *testing.T) {
	var ents []schema.Entity
	for i := 0; i < 15; i++ {
		ents = append(ents, schema.Entity{Type: schema.EntityIP, ID: fmt.Sprintf("10.0.0.%d", i), RiskScore: 95, CaseRefs: []string{"C-1"}})
	}
	campaigns := ClusterCampaigns(nil, EntityMap(ents))
	require.Len(t, campaigns, 1)
	assert.Equal(t, schema.MaxRisk, campaigns[0].Risk)
}

func TestClusterCampaigns_Empty(t *testing.T) {
	campaigns := ClusterCampaigns(nil, nil)
	require.NotNil(t, campaigns)
	assert.Empty(t, campaigns)
}

func TestClusterCampaigns_OrderIndependent(t *testing.T) {
	var cases []schema.Case
	var ents []schema.Entity
	for i := 0; i < 30; i++ {
		cases = append(cases, testCase(fmt.Sprintf("C-%02d", i), fmt.Sprintf("WS-%02d", i%7),
			fmt.Sprintf("user%d", i%5), time.Duration(i)*time.Minute, fmt.Sprintf("from 10.1.0.%d", i%4)))
		ents = append(ents, schema.Entity{Type: schema.EntityIP, ID: fmt.Sprintf("10.1.0.%d", i%4),
			RiskScore: i, CaseRefs: []string{fmt.Sprintf("C-%02d", i)}})
	}
	want := BuildIndex(cases, ents, DefaultOptions())

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 5; round++ {
		rng.Shuffle(len(cases), func(i, j int) { cases[i], cases[j] = cases[j], cases[i] })
		rng.Shuffle(len(ents), func(i, j int) { ents[i], ents[j] = ents[j], ents[i] })
		got := BuildIndex(cases, ents, DefaultOptions())
		assert.Equal(t, want.Edges, got.Edges)
		assert.Equal(t, want.Campaigns, got.Campaigns)
		assert.Equal(t, want.Lateral, got.Lateral)
	}
}

func TestEscalateLateral(t *testing.T) {
	campaigns := []Campaign{
		{ID: "a", Risk: 50, Entities: []schema.EntityKey{"device:WS-01", "device:WS-02", "user:alice"}},
		{ID: "b", Risk: 55, Entities: []schema.EntityKey{"device:SRV-1"}},
	}
	findings := []lateral.Finding{{User: "alice", From: "WS-01", To: "WS-02"}}
	EscalateLateral(campaigns, findings)

	require.Equal(t, "a", campaigns[0].ID)
	assert.Equal(t, 60, campaigns[0].Risk)
	assert.Equal(t, 1, campaigns[0].LateralHops)
	assert.Equal(t, 55, campaigns[1].Risk)
	assert.Zero(t, campaigns[1].LateralHops)
}

func TestBuildIndex(t *testing.T) {
	cases := []schema.Case{
		testCase("C-3", "WS-03", "alice", 2*time.Hour),
		testCase("C-1", "WS-01", "alice", 0),
		testCase("C-2", "WS-02", "alice", time.Hour),
	}
	ix := BuildIndex(cases, nil, DefaultOptions())

	assert.Equal(t, "C-1", ix.Cases[0].ID)
	assert.Equal(t, "C-3", cases[0].ID, "input must not be reordered")
	require.Len(t, ix.Lateral, 2)
	require.Len(t, ix.Campaigns, 1)
	assert.Equal(t, 2, ix.Campaigns[0].LateralHops)
	assert.Equal(t, 8+LateralEscalation, ix.Campaigns[0].Risk)
	assert.Equal(t, ix.Campaigns[0].Risk, ix.MaxRisk())

	c, ok := ix.Campaign(ix.Campaigns[0].ID)
	require.True(t, ok)
	assert.Len(t, ix.CasesOnDevices(c.Devices()), 3)

	_, ok = ix.Campaign("missing")
	assert.False(t, ok)
}

func TestBuildIndex_Empty(t *testing.T) {
	ix := BuildIndex(nil, nil, DefaultOptions())
	assert.Empty(t, ix.Cases)
	assert.Empty(t, ix.Edges)
	assert.NotNil(t, ix.Campaigns)
	assert.NotNil(t, ix.Lateral)
	assert.Zero(t, ix.MaxRisk())
}

func TestEntityMap_FoldsDuplicates(t *testing.T) {
	m := EntityMap([]schema.Entity{
		{Type: schema.EntityUser, ID: "Alice", RiskScore: 70, Tags: []string{"vip"}},
		{Type: schema.EntityUser, ID: "alice ", RiskScore: 40, CaseRefs: []string{"C-1"}},
		{Type: schema.EntityDevice, ID: ""},
	})
	require.Len(t, m, 1)
	e := m["user:alice"]
	assert.Equal(t, 70, e.RiskScore)
	assert.Equal(t, []string{"vip"}, e.Tags)
	assert.Equal(t, []string{"C-1"}, e.CaseRefs)
}

func TestEntityMap_DropsUnknownTypes(t *testing.T) {
	m := EntityMap([]schema.Entity{
		{Type: "", ID: "orphan", RiskScore: 90},
		{Type: "DEVICE", ID: "WS-01", RiskScore: 90},
		{Type: "printer", ID: "P-1"},
		{Type: schema.EntityDevice, ID: "WS-01", RiskScore: 20},
	})
	require.Len(t, m, 1)
	assert.Equal(t, 20, m["device:WS-01"].RiskScore)

	campaigns := ClusterCampaigns(nil, m)
	require.Len(t, campaigns, 1)
	assert.Equal(t, []schema.EntityKey{"device:WS-01"}, campaigns[0].Entities)
}
