package correlation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"killchain-advisor/internal/detection/lateral"
	"killchain-advisor/internal/schema"
)

// Rollup constants for campaign risk.
const (
	SizeBonusPerMember = 2
	MaxSizeBonus       = 20
	LateralEscalation  = 10
)

// Title tag prefixes, checked in order.
var titlePrefixes = []string{"campaign:", "operation:"}

// UnnamedCampaign is the title of a cluster with nothing to name it after.
const UnnamedCampaign = "Unnamed campaign"

var campaignNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("killchain-advisor/campaign"))

// Campaign is one connected group of entities.
type Campaign struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Risk        int                `json:"risk"`
	CaseIDs     []string           `json:"case_ids"`
	Entities    []schema.EntityKey `json:"entities"`
	Start       time.Time          `json:"start"`
	End         time.Time          `json:"end"`
	LateralHops int                `json:"lateral_hops"`
}

// Devices returns the device ids in the campaign.
func (c *Campaign) Devices() map[string]bool {
	devices := make(map[string]bool)
	for _, k := range c.Entities {
		if k.Type() == schema.EntityDevice {
			devices[k.ID()] = true
		}
	}
	return devices
}

// Has reports whether key is a member of the campaign.
func (c *Campaign) Has(key schema.EntityKey) bool {
	i := sort.Search(len(c.Entities), func(i int) bool { return c.Entities[i] >= key })
	return i < len(c.Entities) && c.Entities[i] == key
}

// disjointSet is an index-addressed union-find with path compression and
// union by rank.
type disjointSet struct {
	parent []int
	rank   []uint8
}

func newDisjointSet(n int) *disjointSet {
	ds := &disjointSet{parent: make([]int, n), rank: make([]uint8, n)}
	for i := range ds.parent {
		ds.parent[i] = i
	}
	return ds
}

func (ds *disjointSet) find(i int) int {
	root := i
	for ds.parent[root] != root {
		root = ds.parent[root]
	}
	for ds.parent[i] != root {
		next := ds.parent[i]
		ds.parent[i] = root
		i = next
	}
	return root
}

func (ds *disjointSet) union(a, b int) {
	ra, rb := ds.find(a), ds.find(b)
	if ra == rb {
		return
	}
	switch {
	case ds.rank[ra] < ds.rank[rb]:
		ds.parent[ra] = rb
	case ds.rank[ra] > ds.rank[rb]:
		ds.parent[rb] = ra
	default:
		ds.parent[rb] = ra
		ds.rank[ra]++
	}
}

// ClusterCampaigns partitions every known entity into campaigns. Entities
// come from memory and from the devices and users named on cases; two
// entities join when they share a case reference, whether recorded in
// memory or implied by appearing on the case.
func ClusterCampaigns(cases []schema.Case, entities map[schema.EntityKey]schema.Entity) []Campaign {
	nodeSet := make(map[schema.EntityKey]struct{}, len(entities))
	for k := range entities {
		nodeSet[k] = struct{}{}
	}
	for i := range cases {
		for _, k := range []schema.EntityKey{cases[i].DeviceKey(), cases[i].UserKey()} {
			if k != "" {
				nodeSet[k] = struct{}{}
			}
		}
	}
	if len(nodeSet) == 0 {
		return []Campaign{}
	}

	keys := make([]schema.EntityKey, 0, len(nodeSet))
	for k := range nodeSet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	pos := make(map[schema.EntityKey]int, len(keys))
	for i, k := range keys {
		pos[k] = i
	}

	ds := newDisjointSet(len(keys))
	refs := make(map[string][]int)
	implicit := make([][]string, len(keys))
	times := make([][]time.Time, len(keys))

	for k, e := range entities {
		i := pos[k]
		for _, ref := range e.CaseRefs {
			refs[ref] = append(refs[ref], i)
		}
		times[i] = appendTimes(times[i], e.FirstSeen, e.LastSeen)
	}
	for ci := range cases {
		c := &cases[ci]
		dk, uk := c.DeviceKey(), c.UserKey()
		if dk != "" && uk != "" {
			ds.union(pos[dk], pos[uk])
		}
		for _, k := range []schema.EntityKey{dk, uk} {
			if k == "" {
				continue
			}
			i := pos[k]
			times[i] = appendTimes(times[i], c.ObservedAt())
			if c.ID != "" {
				refs[c.ID] = append(refs[c.ID], i)
				implicit[i] = append(implicit[i], c.ID)
			}
		}
	}
	for _, members := range refs {
		for _, m := range members[1:] {
			ds.union(members[0], m)
		}
	}

	groups := make(map[int][]int)
	for i := range keys {
		r := ds.find(i)
		groups[r] = append(groups[r], i)
	}

	campaigns := make([]Campaign, 0, len(groups))
	for _, members := range groups {
		campaigns = append(campaigns, buildCampaign(keys, members, entities, implicit, times))
	}
	SortCampaigns(campaigns)
	return campaigns
}

func appendTimes(ts []time.Time, candidates ...time.Time) []time.Time {
	for _, t := range candidates {
		if !t.IsZero() {
			ts = append(ts, t)
		}
	}
	return ts
}

// buildCampaign rolls up one group. members are ascending indexes into the
// sorted key list, so the first member holds the smallest key.
func buildCampaign(keys []schema.EntityKey, members []int, entities map[schema.EntityKey]schema.Entity,
	implicit [][]string, times [][]time.Time) Campaign {
	sort.Ints(members)
	c := Campaign{
		ID:       uuid.NewSHA1(campaignNamespace, []byte(keys[members[0]])).String(),
		Entities: make([]schema.EntityKey, 0, len(members)),
	}

	caseSet := make(map[string]struct{})
	maxRisk := 0
	var top schema.EntityKey
	for _, i := range members {
		k := keys[i]
		c.Entities = append(c.Entities, k)
		if e, ok := entities[k]; ok {
			if e.RiskScore > maxRisk {
				maxRisk, top = e.RiskScore, k
			}
			for _, ref := range e.CaseRefs {
				caseSet[ref] = struct{}{}
			}
		}
		for _, ref := range implicit[i] {
			caseSet[ref] = struct{}{}
		}
		for _, t := range times[i] {
			if c.Start.IsZero() || t.Before(c.Start) {
				c.Start = t
			}
			if t.After(c.End) {
				c.End = t
			}
		}
	}

	c.CaseIDs = make([]string, 0, len(caseSet))
	for id := range caseSet {
		c.CaseIDs = append(c.CaseIDs, id)
	}
	sort.Strings(c.CaseIDs)

	c.Risk = schema.ClampRisk(maxRisk + min(MaxSizeBonus, SizeBonusPerMember*len(members)))
	c.Title = campaignTitle(c.Entities, entities, top, maxRisk)
	return c
}

func campaignTitle(members []schema.EntityKey, entities map[schema.EntityKey]schema.Entity,
	top schema.EntityKey, topRisk int) string {
	for _, prefix := range titlePrefixes {
		for _, k := range members {
			e, ok := entities[k]
			if !ok {
				continue
			}
			tags := append([]string(nil), e.Tags...)
			sort.Strings(tags)
			for _, tag := range tags {
				if len(tag) < len(prefix) || !strings.EqualFold(tag[:len(prefix)], prefix) {
					continue
				}
				if name := strings.TrimSpace(tag[len(prefix):]); name != "" {
					return name
				}
				return tag
			}
		}
	}
	if top != "" {
		return fmt.Sprintf("Activity around %s %s (risk %d)", top.Type(), top.ID(), topRisk)
	}
	return UnnamedCampaign
}

// EscalateLateral raises the risk of every campaign containing a device on
// either end of a lateral finding and records the hop count, then restores
// campaign order.
func EscalateLateral(campaigns []Campaign, findings []lateral.Finding) {
	if len(findings) == 0 {
		return
	}
	for i := range campaigns {
		c := &campaigns[i]
		devices := c.Devices()
		hops := 0
		for _, f := range findings {
			if f.Touches(devices) {
				hops++
			}
		}
		if hops > 0 {
			c.LateralHops = hops
			c.Risk = schema.ClampRisk(c.Risk + LateralEscalation)
		}
	}
	SortCampaigns(campaigns)
}

// SortCampaigns orders campaigns by risk desc, then id.
func SortCampaigns(campaigns []Campaign) {
	sort.Slice(campaigns, func(i, j int) bool {
		if campaigns[i].Risk != campaigns[j].Risk {
			return campaigns[i].Risk > campaigns[j].Risk
		}
		return campaigns[i].ID < campaigns[j].ID
	})
}
