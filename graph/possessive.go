package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/store"
)

const possessiveConfidence = 0.7

// kinshipRelation maps a relation noun to the typed edge it implies.
// impliedIsSource flips edge direction for nouns where the implied
// entity is the relationship's subject (a mother is the parent; a son
// makes the root the parent).
type kinshipRelation struct {
	relType         string
	impliedIsSource bool
}

// kinshipVocab is the closed vocabulary of relation nouns a possessive
// chain may use. Restricting to these avoids spurious chains like
// "Alice's basket".
var kinshipVocab = map[string]kinshipRelation{
	"brother":    {relType: "sibling_of"},
	"sister":     {relType: "sibling_of"},
	"twin":       {relType: "sibling_of"},
	"mother":     {relType: "parent_of", impliedIsSource: true},
	"father":     {relType: "parent_of", impliedIsSource: true},
	"son":        {relType: "parent_of"},
	"daughter":   {relType: "parent_of"},
	"wife":       {relType: "spouse_of"},
	"husband":    {relType: "spouse_of"},
	"friend":     {relType: "friend_of"},
	"enemy":      {relType: "enemy_of"},
	"rival":      {relType: "enemy_of"},
	"mentor":     {relType: "related_to"},
	"apprentice": {relType: "related_to"},
	"teacher":    {relType: "related_to"},
	"student":    {relType: "related_to"},
	"uncle":      {relType: "related_to"},
	"aunt":       {relType: "related_to"},
	"cousin":     {relType: "related_to"},
	"servant":    {relType: "related_to"},
	"master":     {relType: "related_to"},
}

var possessivePronouns = map[string]bool{
	"his": true, "her": true, "its": true, "their": true, "my": true,
	"your": true, "our": true, "one": true, "everyone": true, "somebody": true,
	"someone": true, "god": true,
}

// chainPattern matches a root name followed by one or more possessive
// relation links: "Alice's brother", "Alice's brother's friend".
var chainPattern = regexp.MustCompile(`\b([A-Z][\w]*(?:\s+[A-Z][\w]*)?)((?:['’]s\s+[a-z]+)+)`)

var linkPattern = regexp.MustCompile(`['’]s\s+([a-z]+)`)

// ParseResult is the output of a possessive parsing pass: implied
// entities that did not already exist, plus the relationships the chains
// assert. All outputs are inferred with confidence 0.7.
type ParseResult struct {
	Entities      []store.Entity
	Relationships []store.Relationship
}

// ParsePossessives scans chunk text for possessive kinship chains rooted
// at known entities and synthesizes the implied entities and typed
// relationships. Chains whose root does not resolve to a known entity,
// or resolves to a pronoun, are ignored.
func ParsePossessives(chunks []store.Chunk, known []store.Entity, bookID string) ParseResult {
	byNorm := make(map[string]*store.Entity, len(known))
	for i := range known {
		byNorm[NormalizeName(known[i].CanonicalName)] = &known[i]
		for _, a := range known[i].Aliases {
			if n := NormalizeName(a); n != "" {
				if _, taken := byNorm[n]; !taken {
					byNorm[n] = &known[i]
				}
			}
		}
	}

	var result ParseResult
	created := make(map[string]*store.Entity)
	seenRels := make(map[string]bool)

	for _, chunk := range chunks {
		for _, m := range chainPattern.FindAllStringSubmatch(chunk.Text, -1) {
			root, chain := m[1], m[2]
			rootNorm := NormalizeName(root)
			if possessivePronouns[rootNorm] {
				continue
			}
			holder, ok := byNorm[rootNorm]
			if !ok {
				holder, ok = created[rootNorm]
				if !ok {
					continue
				}
			}

			holderName := holder.CanonicalName
			holderID := holder.ID
			for _, link := range linkPattern.FindAllStringSubmatch(chain, -1) {
				noun := link[1]
				rel, isKin := kinshipVocab[noun]
				if !isKin {
					break
				}

				impliedName := fmt.Sprintf("%s's %s", holderName, noun)
				impliedNorm := NormalizeName(impliedName)
				implied, exists := byNorm[impliedNorm]
				if !exists {
					implied, exists = created[impliedNorm]
				}
				if !exists {
					implied = &store.Entity{
						ID:              uuid.NewString(),
						BookID:          bookID,
						Type:            "character",
						CanonicalName:   impliedName,
						NormalizedName:  impliedNorm,
						Description:     fmt.Sprintf("Implied by reference to %q", impliedName),
						FirstSeenPage:   chunk.PageNumber,
						LastSeenPage:    chunk.PageNumber,
						MaxPageIncluded: chunk.PageNumber,
					}
					created[impliedNorm] = implied
					result.Entities = append(result.Entities, *implied)
				}

				src, dst := holderID, implied.ID
				if rel.impliedIsSource {
					src, dst = dst, src
				}
				relKey := src + "|" + dst + "|" + rel.relType
				if !seenRels[relKey] && src != dst {
					seenRels[relKey] = true
					result.Relationships = append(result.Relationships, store.Relationship{
						ID:              uuid.NewString(),
						BookID:          bookID,
						SourceEntityID:  src,
						TargetEntityID:  dst,
						Type:            rel.relType,
						Description:     fmt.Sprintf("%s is the %s of %s", implied.CanonicalName, noun, holderName),
						Inferred:        true,
						InferenceMethod: "possessive_chain",
						Confidence:      possessiveConfidence,
						FirstSeenPage:   chunk.PageNumber,
						LastSeenPage:    chunk.PageNumber,
						Evidence: []store.Evidence{{
							Quote:      strings.TrimSpace(m[0]),
							Page:       chunk.PageNumber,
							ChunkID:    chunk.ID,
							Inferred:   true,
							Confidence: possessiveConfidence,
						}},
					})
				}

				// Deeper links hang off the implied entity.
				holderName = implied.CanonicalName
				holderID = implied.ID
			}
		}
	}
	return result
}

// NormalizeName lowercases and collapses whitespace for name matching.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
