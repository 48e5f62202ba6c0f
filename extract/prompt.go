package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lorekeep/lorekeep/store"
)

// PromptVersion participates in the extraction cache key. Bump it when
// the prompt text or the expected output schema changes, so stale cached
// extractions are never reused against a new prompt.
const PromptVersion = "v3"

// maxKnownEntities caps the known-entity list included in the prompt.
const maxKnownEntities = 30

const systemPrompt = `You extract a knowledge graph from fiction. Given numbered text units from a book, return strict JSON with this shape:

{
  "entities": [{"name", "type", "description", "aliases": [], "facts": [{"key", "value", "evidence": [{"quote", "page"}]}]}],
  "relationships": [{"source", "target", "type", "description", "evidence": [{"quote", "page"}]}],
  "events": [{"summary", "importance", "involved": [], "evidence": [{"quote", "page"}], "arc", "tone", "emotions": []}],
  "claims": [{"type", "subject", "object", "description", "status", "evidence": [{"quote", "page"}]}]
}

Rules:
- type is one of: character, location, organization, artifact, term, event, concept.
- Every fact, relationship, event and claim must cite at least one evidence quote copied verbatim from the text units.
- Use the page number shown with each text unit.
- importance is 1-10. status is TRUE, FALSE or SUSPECTED.
- Use canonical names; list nicknames under aliases. Never emit pronouns as entity names.
- Return JSON only, no commentary.`

// genreHints steer extraction toward what matters for a genre.
var genreHints = map[string]string{
	"fantasy":   "Track magic systems, artifacts, factions and titles. Watch for characters known under multiple names.",
	"mystery":   "Track alibis, suspicions and contradictions as claims with status SUSPECTED until confirmed.",
	"romance":   "Track evolving relationships and their turning points as events.",
	"scifi":     "Track technologies, ships and organizations precisely; they are artifacts and organizations, not characters.",
	"thriller":  "Track threats, pursuits and hidden identities as claims.",
	"literary":  "Track motifs and recurring concepts alongside characters.",
	"nonfiction": "Track people, institutions, terms and dated events; avoid speculative claims.",
}

// buildUserPrompt renders one window's text units plus the known-entity
// context. Known entities are recency-ranked so the model reuses
// canonical names instead of inventing variants.
func buildUserPrompt(w window, known []store.Entity, genre string) string {
	var b strings.Builder

	if hint, ok := genreHints[strings.ToLower(genre)]; ok {
		b.WriteString("Genre notes: ")
		b.WriteString(hint)
		b.WriteString("\n\n")
	}

	if names := knownEntityNames(known); len(names) > 0 {
		b.WriteString("Known entities (use these exact names when they reappear): ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n\n")
	}

	b.WriteString("Text units:\n")
	for _, c := range w.chunks {
		fmt.Fprintf(&b, "[page %d] %s\n\n", c.PageNumber, c.Text)
	}
	return b.String()
}

// knownEntityNames returns canonical names ranked by how recently the
// entity was seen, capped.
func knownEntityNames(known []store.Entity) []string {
	ranked := make([]store.Entity, len(known))
	copy(ranked, known)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].LastSeenPage > ranked[j].LastSeenPage
	})
	if len(ranked) > maxKnownEntities {
		ranked = ranked[:maxKnownEntities]
	}
	names := make([]string, len(ranked))
	for i, e := range ranked {
		names[i] = e.CanonicalName
	}
	return names
}
