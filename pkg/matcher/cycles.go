package matcher

import (
	"math"
	"sort"

	"github.com/swapmesh/marketd/pkg/contracts"
)

// edge is a directed arc i -> j meaning j's offer can satisfy one of i's
// want-spec alternatives within both parties' value bands.
type edge struct {
	to       int
	assetKey string
	valueUSD float64
}

// valueWithinBand reports whether valueUSD falls within [min, max].
func valueWithinBand(valueUSD float64, band contracts.ValueBand) bool {
	return valueUSD >= band.MinUSD && valueUSD <= band.MaxUSD
}

// buildAdjacency computes the candidate graph: an edge from i to j
// exists when some asset j offers satisfies an alternative of i's want
// spec and the asset's value lies within both i's and j's value bands.
// categoryMatch overrides the built-in alternative match for any
// alternative with Category set; nil means "no category alternatives
// match" (WantAlternative.Satisfies itself ignores Category).
func buildAdjacency(intents []contracts.SwapIntent, categoryMatch func(contracts.WantAlternative, contracts.AssetDescriptor) bool) [][]edge {
	adj := make([][]edge, len(intents))
	for i, want := range intents {
		for j, give := range intents {
			if i == j {
				continue
			}
			asset, matched := matchWant(want.WantSpec, give.Offer, categoryMatch)
			if !matched {
				continue
			}
			v := asset.Metadata.ValueUSD
			if !valueWithinBand(v, want.ValueBand) || !valueWithinBand(v, give.ValueBand) {
				continue
			}
			adj[i] = append(adj[i], edge{to: j, assetKey: asset.Key(), valueUSD: v})
		}
	}
	return adj
}

// matchWant finds the first offered asset satisfying spec, consulting
// categoryMatch for alternatives that name a Category, and falling back
// to WantAlternative.Satisfies otherwise.
func matchWant(spec contracts.WantSpec, offer []contracts.AssetDescriptor, categoryMatch func(contracts.WantAlternative, contracts.AssetDescriptor) bool) (contracts.AssetDescriptor, bool) {
	for _, alt := range spec.Any {
		for _, a := range offer {
			if alt.Category != "" {
				if categoryMatch != nil && categoryMatch(alt, a) {
					return a, true
				}
				continue
			}
			if alt.Satisfies(a) {
				return a, true
			}
		}
	}
	return contracts.AssetDescriptor{}, false
}

// enumerateCycles finds every simple directed cycle of length 2..maxLen
// in adj, each reported exactly once by requiring its lowest-index node
// to be the DFS start and forbidding visits to lower-indexed nodes
// mid-path (spec.md §9: dense index arrays, no pointer graphs).
func enumerateCycles(adj [][]edge, maxLen int) [][]int {
	n := len(adj)
	var cycles [][]int

	for start := 0; start < n; start++ {
		visited := make([]bool, n)
		visited[start] = true
		path := []int{start}

		var dfs func(cur int)
		dfs = func(cur int) {
			for _, e := range adj[cur] {
				if e.to == start {
					if len(path) >= 2 {
						cyc := make([]int, len(path))
						copy(cyc, path)
						cycles = append(cycles, cyc)
					}
					continue
				}
				if e.to < start || visited[e.to] || len(path) >= maxLen {
					continue
				}
				visited[e.to] = true
				path = append(path, e.to)
				dfs(e.to)
				path = path[:len(path)-1]
				visited[e.to] = false
			}
		}
		dfs(start)
	}
	return cycles
}

// scoredCycle pairs a cycle's node indices with the tuple spec.md §4.7
// scores proposals by.
type scoredCycle struct {
	nodes       []int
	legs        []contracts.ParticipantLeg
	absValueDelta float64
	intentIDs   []string
}

// buildLegs derives each cycle's ordered participant legs from its node
// path and the shared adjacency, and its total absolute value delta
// (the sum of the pairwise differences between consecutive legs' values,
// spec.md §4.7's "total absolute value delta" tie-breaker).
func buildLegs(intents []contracts.SwapIntent, adj [][]edge, nodes []int) scoredCycle {
	n := len(nodes)
	legs := make([]contracts.ParticipantLeg, n)
	ids := make([]string, n)

	for k, node := range nodes {
		next := nodes[(k+1)%n]
		var chosen edge
		for _, e := range adj[node] {
			if e.to == next {
				chosen = e
				break
			}
		}
		legs[k] = contracts.ParticipantLeg{
			IntentID: intents[node].ID,
			From:     intents[next].Actor,
			To:       intents[node].Actor,
			AssetKey: chosen.assetKey,
			ValueUSD: chosen.valueUSD,
		}
		ids[k] = intents[node].ID
	}

	var delta float64
	for k := range legs {
		next := legs[(k+1)%len(legs)]
		delta += math.Abs(legs[k].ValueUSD - next.ValueUSD)
	}

	sortedIDs := append([]string(nil), ids...)
	sort.Strings(sortedIDs)

	return scoredCycle{nodes: nodes, legs: legs, absValueDelta: delta, intentIDs: sortedIDs}
}

// rankCycles orders cycles by the stable tuple spec.md §4.7 names:
// shortest length first, then highest total absolute value delta, then
// lexicographic intent-id order, so the same candidate set always
// yields the same ranking regardless of enumeration order.
func rankCycles(cycles []scoredCycle) {
	sort.SliceStable(cycles, func(i, j int) bool {
		a, b := cycles[i], cycles[j]
		if len(a.nodes) != len(b.nodes) {
			return len(a.nodes) < len(b.nodes)
		}
		if a.absValueDelta != b.absValueDelta {
			return a.absValueDelta > b.absValueDelta
		}
		for k := 0; k < len(a.intentIDs) && k < len(b.intentIDs); k++ {
			if a.intentIDs[k] != b.intentIDs[k] {
				return a.intentIDs[k] < b.intentIDs[k]
			}
		}
		return len(a.intentIDs) < len(b.intentIDs)
	})
}

// maxCycleLengthFor bounds a cycle's eligible length by the smallest
// trust_constraints.max_cycle_length among its participants.
func maxCycleLengthFor(intents []contracts.SwapIntent, nodes []int) int {
	min := 0
	for i, node := range nodes {
		l := intents[node].TrustConstraints.MaxCycleLength
		if i == 0 || l < min {
			min = l
		}
	}
	return min
}
