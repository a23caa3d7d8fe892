// Package lateral flags cross-device pivots made under one user identity.
//
// Detection is a single forward pass and is order dependent: callers must
// pass cases in ascending chronological order (see Chronological).
package lateral

import (
	"sort"
	"time"

	"killchain-advisor/internal/schema"
)

// Finding is one observed pivot from a previously visited device to a new one.
type Finding struct {
	User   string    `json:"user"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	CaseID string    `json:"case_id"`
	At     time.Time `json:"at"`
}

// Touches reports whether the pivot starts or ends on one of devices.
func (f Finding) Touches(devices map[string]bool) bool {
	return devices[f.From] || devices[f.To]
}

type userTrail struct {
	visited map[string]bool
	first   string
	last    string
}

type hop struct {
	user, from, to string
}

// Detect walks cases in the given order and returns the deduplicated pivots.
// Cases without both a user and a device are skipped.
func Detect(cases []schema.Case) []Finding {
	trails := make(map[string]*userTrail)
	seen := make(map[hop]bool)
	var findings []Finding

	for i := range cases {
		c := &cases[i]
		userKey, deviceKey := c.UserKey(), c.DeviceKey()
		if userKey == "" || deviceKey == "" {
			continue
		}
		user, device := userKey.ID(), deviceKey.ID()

		trail, ok := trails[user]
		if !ok {
			trail = &userTrail{visited: make(map[string]bool)}
			trails[user] = trail
		}

		if !trail.visited[device] && len(trail.visited) > 0 {
			from := trail.last
			if from == device {
				from = trail.first
			}
			h := hop{user: user, from: from, to: device}
			if !seen[h] {
				seen[h] = true
				findings = append(findings, Finding{
					User:   user,
					From:   from,
					To:     device,
					CaseID: c.ID,
					At:     c.ObservedAt(),
				})
			}
		}

		if len(trail.visited) == 0 {
			trail.first = device
		}
		trail.visited[device] = true
		trail.last = device
	}

	return findings
}

// Chronological returns a copy of cases sorted by ascending observation
// time, ties broken by case ID. This is the order Detect expects.
func Chronological(cases []schema.Case) []schema.Case {
	out := make([]schema.Case, len(cases))
	copy(out, cases)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].ObservedAt(), out[j].ObservedAt()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Users returns the distinct users with at least one pivot, sorted.
func Users(findings []Finding) []string {
	set := make(map[string]bool)
	for _, f := range findings {
		set[f.User] = true
	}
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
