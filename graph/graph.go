// Package graph builds an in-memory view of a book's entity/relationship
// graph and runs inference over it: triadic closure proposals, community
// detection and centrality. Entities reference each other only by string
// id; the graph is an arena of records, never a web of pointers.
package graph

import (
	"sort"
	"strings"

	"github.com/lorekeep/lorekeep/store"
)

// Node is one entity in the in-memory graph with its weighted adjacency.
// Edge weight is the evidence count of the underlying relationship.
type Node struct {
	Entity    store.Entity
	Neighbors map[string]float64
}

// Graph is an undirected weighted view over entities and relationships.
type Graph struct {
	Nodes map[string]*Node
	order []string // node ids in insertion order, for deterministic iteration
}

// Build constructs the graph from a book's current entities and
// relationships. Self-loops and edges referencing unknown entities are
// skipped.
func Build(entities []store.Entity, rels []store.Relationship) *Graph {
	g := &Graph{Nodes: make(map[string]*Node, len(entities))}
	for _, e := range entities {
		if _, ok := g.Nodes[e.ID]; ok {
			continue
		}
		g.Nodes[e.ID] = &Node{Entity: e, Neighbors: make(map[string]float64)}
		g.order = append(g.order, e.ID)
	}
	for _, r := range rels {
		if r.SourceEntityID == r.TargetEntityID {
			continue
		}
		src, okS := g.Nodes[r.SourceEntityID]
		dst, okT := g.Nodes[r.TargetEntityID]
		if !okS || !okT {
			continue
		}
		w := float64(len(r.Evidence))
		if w < 1 {
			w = 1
		}
		src.Neighbors[r.TargetEntityID] += w
		dst.Neighbors[r.SourceEntityID] += w
	}
	return g
}

// IDs returns the node ids in deterministic order.
func (g *Graph) IDs() []string {
	return g.order
}

// Degree returns the number of distinct neighbors of a node.
func (g *Graph) Degree(id string) int {
	n, ok := g.Nodes[id]
	if !ok {
		return 0
	}
	return len(n.Neighbors)
}

// neighborIDs returns a node's neighbors sorted by id.
func (g *Graph) neighborIDs(id string) []string {
	n, ok := g.Nodes[id]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(n.Neighbors))
	for nid := range n.Neighbors {
		ids = append(ids, nid)
	}
	sort.Strings(ids)
	return ids
}

// nonHumanTokens mark entities that look like characters in the record
// but are not people. Relationship inference models people only, so an
// entity whose name or description carries one of these is excluded.
var nonHumanTokens = []string{
	"dog", "cat", "horse", "wolf", "dragon", "bird", "raven", "owl",
	"animal", "beast", "creature", "monster", "spirit", "ghost",
	"ship", "boat", "car", "train", "vehicle", "sword", "blade",
	"guild", "order of", "company", "corporation", "army", "council",
	"kingdom", "empire", "house of", "clan", "tribe",
}

// PersonEligible reports whether an entity may participate in inferred
// relationships: it must be a character whose name and description carry
// no non-human markers.
func PersonEligible(e store.Entity) bool {
	if e.Type != "character" {
		return false
	}
	name := strings.ToLower(e.CanonicalName)
	desc := strings.ToLower(e.Description)
	for _, tok := range nonHumanTokens {
		if containsWord(name, tok) || containsWord(desc, tok) {
			return false
		}
	}
	return true
}

// containsWord reports whether text contains token as a whole word (or
// phrase), not as a substring of a longer word. "cat" must not match
// "Catherine".
func containsWord(text, token string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], token)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(token)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
