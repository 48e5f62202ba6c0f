package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/sched"
	"github.com/lorekeep/lorekeep/store"
)

// Triadic closure output limits. Dense graphs would otherwise produce a
// proposal for nearly every pair sharing a popular hub.
const (
	triadicConfidence  = 0.6
	maxProposalsPerHub = 12
	maxProposalsPerRun = 200
)

// TriadicClosure proposes a possibly_related relationship for every pair
// of person-eligible entities that share a common neighbor but have no
// direct edge. Proposals are capped per hub and per run, and pairs are
// deduplicated across hubs. Yields control between hub iterations.
func TriadicClosure(ctx context.Context, g *Graph, y *sched.Yielder) ([]store.Relationship, error) {
	var proposals []store.Relationship
	seen := make(map[string]bool)

	for _, hubID := range g.IDs() {
		if err := y.Maybe(ctx); err != nil {
			return nil, err
		}
		if len(proposals) >= maxProposalsPerRun {
			break
		}
		hub := g.Nodes[hubID]
		neighbors := g.neighborIDs(hubID)
		if len(neighbors) < 2 {
			continue
		}

		fromHub := 0
		for i := 0; i < len(neighbors) && fromHub < maxProposalsPerHub; i++ {
			for j := i + 1; j < len(neighbors) && fromHub < maxProposalsPerHub; j++ {
				a, c := g.Nodes[neighbors[i]], g.Nodes[neighbors[j]]
				if _, direct := a.Neighbors[c.Entity.ID]; direct {
					continue
				}
				if !PersonEligible(a.Entity) || !PersonEligible(c.Entity) {
					continue
				}
				key := pairKey(a.Entity.ID, c.Entity.ID)
				if seen[key] {
					continue
				}
				seen[key] = true

				firstSeen := maxInt(a.Entity.FirstSeenPage, c.Entity.FirstSeenPage)
				lastSeen := maxInt(a.Entity.LastSeenPage, c.Entity.LastSeenPage)
				proposals = append(proposals, store.Relationship{
					ID:              uuid.NewString(),
					BookID:          hub.Entity.BookID,
					SourceEntityID:  a.Entity.ID,
					TargetEntityID:  c.Entity.ID,
					Type:            "possibly_related",
					Description:     fmt.Sprintf("%s and %s are both connected to %s", a.Entity.CanonicalName, c.Entity.CanonicalName, hub.Entity.CanonicalName),
					Inferred:        true,
					InferenceMethod: "triadic_closure",
					Confidence:      triadicConfidence,
					FirstSeenPage:   firstSeen,
					LastSeenPage:    lastSeen,
					Evidence: []store.Evidence{{
						Quote:      fmt.Sprintf("inferred: both relate to %s", hub.Entity.CanonicalName),
						Page:       firstSeen,
						Inferred:   true,
						Confidence: triadicConfidence,
					}},
				})
				fromHub++
				if len(proposals) >= maxProposalsPerRun {
					return proposals, nil
				}
			}
		}
	}
	return proposals, nil
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
