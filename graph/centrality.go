package graph

import (
	"container/heap"
	"context"
	"math"

	"github.com/lorekeep/lorekeep/sched"
)

// maxCentralityNodes bounds the exact betweenness computation, which is
// O(V·E). Past this the degree fallback is used instead.
const maxCentralityNodes = 500

// Centrality scores every node. It computes betweenness centrality over
// the weighted graph (Brandes' algorithm, edge length = 1/evidence weight
// so well-evidenced links are short paths). When the graph is too large,
// or the computation yields nothing usable, scores fall back to raw
// degree.
func Centrality(ctx context.Context, g *Graph, y *sched.Yielder) (map[string]float64, error) {
	ids := g.IDs()
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}
	if len(ids) > maxCentralityNodes {
		return degreeScores(g), nil
	}

	scores, err := betweenness(ctx, g, ids, y)
	if err != nil {
		return nil, err
	}
	for _, v := range scores {
		if v > 0 {
			return scores, nil
		}
	}
	// All-zero betweenness (star-free or disconnected dust): degree is a
	// more useful signal than a uniform zero.
	return degreeScores(g), nil
}

func degreeScores(g *Graph) map[string]float64 {
	scores := make(map[string]float64, len(g.Nodes))
	for id := range g.Nodes {
		scores[id] = float64(g.Degree(id))
	}
	return scores
}

// betweenness is Brandes' algorithm with Dijkstra over inverse-weight
// edge lengths.
func betweenness(ctx context.Context, g *Graph, ids []string, y *sched.Yielder) (map[string]float64, error) {
	idx := make(map[string]int, len(ids))
	for i, id := range ids {
		idx[id] = i
	}
	n := len(ids)

	type arc struct {
		to  int
		len float64
	}
	adj := make([][]arc, n)
	for i, id := range ids {
		for nid, w := range g.Nodes[id].Neighbors {
			j, ok := idx[nid]
			if !ok {
				continue
			}
			adj[i] = append(adj[i], arc{to: j, len: 1.0 / w})
		}
	}

	cb := make([]float64, n)
	for s := 0; s < n; s++ {
		if err := y.Maybe(ctx); err != nil {
			return nil, err
		}

		dist := make([]float64, n)
		sigma := make([]float64, n)
		delta := make([]float64, n)
		preds := make([][]int, n)
		for i := range dist {
			dist[i] = math.Inf(1)
		}
		dist[s] = 0
		sigma[s] = 1

		var stack []int
		pq := &distQueue{{node: s, dist: 0}}
		settled := make([]bool, n)

		for pq.Len() > 0 {
			item := heap.Pop(pq).(distItem)
			v := item.node
			if settled[v] {
				continue
			}
			settled[v] = true
			stack = append(stack, v)

			for _, a := range adj[v] {
				alt := dist[v] + a.len
				if alt < dist[a.to] {
					dist[a.to] = alt
					sigma[a.to] = sigma[v]
					preds[a.to] = preds[a.to][:0]
					preds[a.to] = append(preds[a.to], v)
					heap.Push(pq, distItem{node: a.to, dist: alt})
				} else if alt == dist[a.to] {
					sigma[a.to] += sigma[v]
					preds[a.to] = append(preds[a.to], v)
				}
			}
		}

		// Accumulate dependencies in reverse settle order.
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				cb[w] += delta[w]
			}
		}
	}

	scores := make(map[string]float64, n)
	for i, id := range ids {
		// Undirected graph: each pair counted twice.
		scores[id] = cb[i] / 2
	}
	return scores, nil
}

type distItem struct {
	node int
	dist float64
}

type distQueue []distItem

func (q distQueue) Len() int            { return len(q) }
func (q distQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q distQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *distQueue) Push(x any)         { *q = append(*q, x.(distItem)) }
func (q *distQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
