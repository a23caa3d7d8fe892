package correlation

import (
	"net/netip"
	"regexp"
	"sort"
	"time"

	"killchain-advisor/internal/schema"
)

// Defaults for edge building.
const (
	DefaultExampleCap = 8
	MinExampleCap     = 5
	MaxExampleCap     = 10
	DefaultIPCap      = 20
)

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// Options tunes edge building.
type Options struct {
	ExampleCap int // case ids kept per edge, within [MinExampleCap, MaxExampleCap]
	IPCap      int // address matches scanned per case
}

// DefaultOptions returns the default edge building options.
func DefaultOptions() Options {
	return Options{ExampleCap: DefaultExampleCap, IPCap: DefaultIPCap}
}

func (o Options) normalized() Options {
	switch {
	case o.ExampleCap == 0:
		o.ExampleCap = DefaultExampleCap
	case o.ExampleCap < MinExampleCap:
		o.ExampleCap = MinExampleCap
	case o.ExampleCap > MaxExampleCap:
		o.ExampleCap = MaxExampleCap
	}
	if o.IPCap <= 0 {
		o.IPCap = DefaultIPCap
	}
	return o
}

// Edge is an undirected co-occurrence between two entities. A is always
// the lexically smaller key.
type Edge struct {
	A        schema.EntityKey `json:"a"`
	B        schema.EntityKey `json:"b"`
	Weight   int              `json:"weight"`
	LastSeen time.Time        `json:"last_seen"`
	Examples []string         `json:"examples"`
}

// EdgeKey identifies an edge regardless of endpoint order.
type EdgeKey struct {
	A, B schema.EntityKey
}

// NewEdgeKey returns the canonical key for the pair.
func NewEdgeKey(x, y schema.EntityKey) EdgeKey {
	if y < x {
		x, y = y, x
	}
	return EdgeKey{A: x, B: y}
}

// Key returns the canonical key of the edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{A: e.A, B: e.B}
}

// ExtractIPs returns the distinct valid IPv4 addresses found in text, in
// order of first appearance. At most limit matches are examined.
func ExtractIPs(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultIPCap
	}
	var ips []string
	seen := make(map[string]bool)
	for _, m := range ipv4Pattern.FindAllString(text, limit) {
		addr, err := netip.ParseAddr(m)
		if err != nil || !addr.Is4() {
			continue
		}
		s := addr.String()
		if !seen[s] {
			seen[s] = true
			ips = append(ips, s)
		}
	}
	return ips
}

// ExtractIdentifiers returns the entity keys present on a case: its device,
// its user, and any addresses in its evidence.
func ExtractIdentifiers(c *schema.Case, ipCap int) []schema.EntityKey {
	var keys []schema.EntityKey
	seen := make(map[schema.EntityKey]bool)
	add := func(k schema.EntityKey) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	add(c.DeviceKey())
	add(c.UserKey())
	for _, ip := range ExtractIPs(c.EvidenceText(), ipCap) {
		add(schema.NewEntityKey(schema.EntityIP, ip))
	}
	return keys
}

type edgeAcc struct {
	edge  *Edge
	cases map[string]struct{}
}

// BuildEdges forms an edge for every pair of identifiers co-occurring on a
// case. Weight counts distinct contributing cases. The result is sorted by
// weight, then recency, then key.
func BuildEdges(cases []schema.Case, opts Options) []Edge {
	opts = opts.normalized()
	acc := make(map[EdgeKey]*edgeAcc)

	for i := range cases {
		c := &cases[i]
		if c.ID == "" {
			continue
		}
		ids := ExtractIdentifiers(c, opts.IPCap)
		seenAt := c.ObservedAt()
		for x := 0; x < len(ids); x++ {
			for y := x + 1; y < len(ids); y++ {
				k := NewEdgeKey(ids[x], ids[y])
				a, ok := acc[k]
				if !ok {
					a = &edgeAcc{edge: &Edge{A: k.A, B: k.B}, cases: make(map[string]struct{})}
					acc[k] = a
				}
				if _, dup := a.cases[c.ID]; dup {
					continue
				}
				a.cases[c.ID] = struct{}{}
				a.edge.Weight++
				if seenAt.After(a.edge.LastSeen) {
					a.edge.LastSeen = seenAt
				}
			}
		}
	}

	edges := make([]Edge, 0, len(acc))
	for _, a := range acc {
		ids := make([]string, 0, len(a.cases))
		for id := range a.cases {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if len(ids) > opts.ExampleCap {
			ids = ids[:opts.ExampleCap]
		}
		a.edge.Examples = ids
		edges = append(edges, *a.edge)
	}
	SortEdges(edges)
	return edges
}

// SortEdges orders edges by weight desc, last seen desc, then key.
func SortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		ei, ej := edges[i], edges[j]
		if ei.Weight != ej.Weight {
			return ei.Weight > ej.Weight
		}
		if !ei.LastSeen.Equal(ej.LastSeen) {
			return ei.LastSeen.After(ej.LastSeen)
		}
		if ei.A != ej.A {
			return ei.A < ej.A
		}
		return ei.B < ej.B
	})
}
