package graph

import (
	"context"

	"github.com/lorekeep/lorekeep/sched"
)

// minCommunitySplit is the minimum component size eligible for further
// modularity-based splitting.
const minCommunitySplit = 6

// maxModularityNodes caps the node count for the modularity optimisation.
// Larger components are kept whole.
const maxModularityNodes = 200

type edge struct {
	to     int
	weight float64
}

// Communities partitions the graph into groups of densely connected
// entities: connected components first, then a greedy modularity split
// of components large enough to warrant it. Edge weights are evidence
// counts. If partitioning cannot produce anything useful the whole graph
// is returned as a single community.
func Communities(ctx context.Context, g *Graph, y *sched.Yielder) ([][]string, error) {
	ids := g.IDs()
	if len(ids) == 0 {
		return nil, nil
	}

	idx := make(map[string]int, len(ids))
	for i, id := range ids {
		idx[id] = i
	}

	adj := make([][]edge, len(ids))
	totalWeight := 0.0
	for i, id := range ids {
		for nid, w := range g.Nodes[id].Neighbors {
			j, ok := idx[nid]
			if !ok {
				continue
			}
			adj[i] = append(adj[i], edge{to: j, weight: w})
			if i < j {
				totalWeight += w
			}
		}
	}

	// Connected components via BFS.
	visited := make([]bool, len(ids))
	var components [][]int
	for i := range ids {
		if visited[i] {
			continue
		}
		if err := y.Maybe(ctx); err != nil {
			return nil, err
		}
		var comp []int
		queue := []int{i}
		visited[i] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			comp = append(comp, node)
			for _, e := range adj[node] {
				if !visited[e.to] {
					visited[e.to] = true
					queue = append(queue, e.to)
				}
			}
		}
		components = append(components, comp)
	}

	var out [][]string
	for _, comp := range components {
		if err := y.Maybe(ctx); err != nil {
			return nil, err
		}
		if len(comp) >= minCommunitySplit && len(comp) <= maxModularityNodes && totalWeight > 0 {
			for _, sub := range modularitySplit(comp, adj, totalWeight) {
				out = append(out, toIDs(sub, ids))
			}
			continue
		}
		out = append(out, toIDs(comp, ids))
	}

	if len(out) == 0 {
		// Fallback: everything in one community.
		return [][]string{append([]string(nil), ids...)}, nil
	}
	return out, nil
}

func toIDs(comp []int, ids []string) []string {
	out := make([]string, len(comp))
	for i, n := range comp {
		out[i] = ids[n]
	}
	return out
}

// modularitySplit applies a greedy modularity optimisation (simplified
// Louvain) to split a connected component into two or more sub-communities.
// If the split does not improve modularity the original component is
// returned as-is.
func modularitySplit(comp []int, adj [][]edge, totalWeight float64) [][]int {
	n := len(comp)
	if n < minCommunitySplit {
		return [][]int{comp}
	}

	localIdx := make(map[int]int, n)
	for i, node := range comp {
		localIdx[node] = i
	}

	// Each node starts in its own community.
	community := make([]int, n)
	for i := range community {
		community[i] = i
	}

	// Node strengths: sum of edge weights within the subgraph.
	strength := make([]float64, n)
	for i, node := range comp {
		for _, e := range adj[node] {
			if _, ok := localIdx[e.to]; ok {
				strength[i] += e.weight
			}
		}
	}

	m2 := 2.0 * totalWeight
	if m2 == 0 {
		return [][]int{comp}
	}

	commStrength := make(map[int]float64, n)
	for i := range comp {
		commStrength[community[i]] += strength[i]
	}

	// Greedy optimisation: repeatedly move nodes to the neighbouring
	// community with the best modularity gain. Pass count capped to avoid
	// pathological oscillation.
	maxPasses := 20
	for pass := 0; pass < maxPasses; pass++ {
		moved := false
		for i, node := range comp {
			commWeights := make(map[int]float64)
			for _, e := range adj[node] {
				li, ok := localIdx[e.to]
				if !ok {
					continue
				}
				commWeights[community[li]] += e.weight
			}

			bestComm := community[i]
			bestGain := 0.0

			currentComm := community[i]
			kiIn := commWeights[currentComm]
			ki := strength[i]
			sigmaCurrent := commStrength[currentComm]

			removeDelta := kiIn/m2 - (sigmaCurrent*ki)/(m2*m2)

			for c, wic := range commWeights {
				if c == currentComm {
					continue
				}
				sigmaC := commStrength[c]
				gain := (wic/m2 - (sigmaC*ki)/(m2*m2)) - removeDelta
				if gain > bestGain {
					bestGain = gain
					bestComm = c
				}
			}

			if bestComm != currentComm {
				commStrength[currentComm] -= ki
				commStrength[bestComm] += ki
				community[i] = bestComm
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	groups := make(map[int][]int)
	for i, node := range comp {
		groups[community[i]] = append(groups[community[i]], node)
	}

	result := make([][]int, 0, len(groups))
	for _, g := range groups {
		result = append(result, g)
	}
	if len(result) <= 1 {
		return [][]int{comp}
	}
	return result
}
