package graph

import (
	"regexp"
	"strings"

	"github.com/lorekeep/lorekeep/store"
)

const (
	corefConfidence   = 0.6
	corefWindowSize   = 5 // recency window of candidate entities
	corefPluralRecent = 3 // pages: "recently seen" cutoff for plural pronouns
)

// Mention maps one pronoun occurrence to its resolved entity. Mentions
// are advisory output for attribution and UI highlighting; they are never
// treated as hard evidence.
type Mention struct {
	Pronoun    string
	Page       int
	ChunkID    string
	EntityID   string
	Confidence float64
}

var singularPronouns = map[string]bool{
	"he": true, "him": true, "his": true,
	"she": true, "her": true, "hers": true,
}

var pluralPronouns = map[string]bool{
	"they": true, "them": true, "their": true, "theirs": true,
}

var pronounPattern = regexp.MustCompile(`(?i)\b(he|him|his|she|hers|her|they|them|theirs|their)\b`)

// ResolveCoreferences walks the chunks in order, tracking the last few
// entities mentioned by surface form, and assigns each pronoun to a
// candidate: plural pronouns prefer an organization or any entity seen in
// the last few pages, singular pronouns prefer the most recent character.
// Either falls back to the single most recent entity.
func ResolveCoreferences(chunks []store.Chunk, entities []store.Entity) []Mention {
	if len(entities) == 0 {
		return nil
	}

	type surface struct {
		form   string
		entity *store.Entity
	}
	var surfaces []surface
	for i := range entities {
		e := &entities[i]
		forms := append([]string{e.CanonicalName}, e.Aliases...)
		for _, f := range forms {
			if n := NormalizeName(f); n != "" {
				surfaces = append(surfaces, surface{form: n, entity: e})
			}
		}
	}

	// window holds the most recently mentioned entities, most recent
	// first, with the page each was last seen on.
	var window []recentEntity

	note := func(e *store.Entity, page int) {
		for i, r := range window {
			if r.entity.ID == e.ID {
				window = append(window[:i], window[i+1:]...)
				break
			}
		}
		window = append([]recentEntity{{entity: e, page: page}}, window...)
		if len(window) > corefWindowSize {
			window = window[:corefWindowSize]
		}
	}

	var mentions []Mention
	for _, chunk := range chunks {
		text := strings.ToLower(chunk.Text)

		// Surface-form mentions update the recency window first, so
		// pronouns in the same chunk resolve against current context.
		for _, s := range surfaces {
			if containsWord(text, s.form) {
				note(s.entity, chunk.PageNumber)
			}
		}

		if len(window) == 0 {
			continue
		}

		for _, m := range pronounPattern.FindAllString(chunk.Text, -1) {
			pronoun := strings.ToLower(m)
			resolved := resolvePronoun(pronoun, window, chunk.PageNumber)
			if resolved == nil {
				continue
			}
			mentions = append(mentions, Mention{
				Pronoun:    pronoun,
				Page:       chunk.PageNumber,
				ChunkID:    chunk.ID,
				EntityID:   resolved.ID,
				Confidence: corefConfidence,
			})
		}
	}
	return mentions
}

type recentEntity struct {
	entity *store.Entity
	page   int
}

func resolvePronoun(pronoun string, window []recentEntity, page int) *store.Entity {
	switch {
	case pluralPronouns[pronoun]:
		for _, r := range window {
			if r.entity.Type == "organization" {
				return r.entity
			}
		}
		for _, r := range window {
			if page-r.page <= corefPluralRecent {
				return r.entity
			}
		}
	case singularPronouns[pronoun]:
		for _, r := range window {
			if r.entity.Type == "character" {
				return r.entity
			}
		}
	}
	return window[0].entity
}
