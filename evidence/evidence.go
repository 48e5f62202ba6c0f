// Package evidence validates that claimed quotes actually occur in bounded
// source text. It is the single gate keeping hallucinated facts out of the
// graph: evidence that matches nowhere is dropped, and evidence that does
// match is rewritten with the real chunk id and page of the matching unit.
package evidence

import (
	"context"
	"regexp"
	"strings"

	"github.com/lorekeep/lorekeep/sched"
	"github.com/lorekeep/lorekeep/store"
)

// Fuzzy match thresholds. Quotes shorter than these must match exactly;
// longer quotes tolerate model paraphrase drift.
const (
	fuzzyMinChars     = 24
	fuzzyMinTokens    = 4
	fuzzyTokenOverlap = 0.7
)

// TextUnit is one candidate source slice an evidence quote can ground in.
type TextUnit struct {
	ChunkID string
	Page    int
	Text    string
}

// UnitsFromChunks converts stored chunks into candidate units, preserving
// position order so adjacency checks line up with the source text.
func UnitsFromChunks(chunks []store.Chunk) []TextUnit {
	units := make([]TextUnit, 0, len(chunks))
	for _, c := range chunks {
		units = append(units, TextUnit{ChunkID: c.ID, Page: c.PageNumber, Text: c.Text})
	}
	return units
}

var (
	lineWrapHyphen = regexp.MustCompile(`(\w)-\s*\n\s*(\w)`)
	punctuation    = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespace     = regexp.MustCompile(`\s+`)
)

// Normalize lowercases, rejoins line-wrapped hyphenated words, strips
// punctuation and collapses whitespace. Both quote and candidate text go
// through the same normalization before any containment check.
func Normalize(text string) string {
	t := strings.ToLower(text)
	t = lineWrapHyphen.ReplaceAllString(t, "$1$2")
	t = punctuation.ReplaceAllString(t, " ")
	t = whitespace.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

type normalizedUnit struct {
	unit   TextUnit
	text   string
	tokens map[string]bool
}

// Filter validates each evidence item against the units with page ≤ maxPage
// and returns the surviving items, rewritten to the matching unit's chunk
// id and page. The model's self-reported chunk id is never trusted. Order
// of surviving items is preserved.
func Filter(ctx context.Context, evs []store.Evidence, units []TextUnit, maxPage int, y *sched.Yielder) ([]store.Evidence, error) {
	eligible := make([]normalizedUnit, 0, len(units))
	for _, u := range units {
		if u.Page > maxPage {
			continue
		}
		norm := Normalize(u.Text)
		if norm == "" {
			continue
		}
		eligible = append(eligible, normalizedUnit{unit: u, text: norm, tokens: tokenSet(norm)})
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	var kept []store.Evidence
	for _, ev := range evs {
		if err := y.Maybe(ctx); err != nil {
			return nil, err
		}
		quote := Normalize(ev.Quote)
		if quote == "" {
			continue
		}
		if match, ok := findMatch(quote, eligible); ok {
			ev.ChunkID = match.ChunkID
			ev.Page = match.Page
			kept = append(kept, ev)
		}
	}
	return kept, nil
}

func findMatch(quote string, units []normalizedUnit) (TextUnit, bool) {
	for _, u := range units {
		if strings.Contains(u.text, quote) {
			return u.unit, true
		}
	}

	tokens := strings.Fields(quote)
	if len(quote) < fuzzyMinChars || len(tokens) < fuzzyMinTokens {
		return TextUnit{}, false
	}
	need := int(float64(len(tokens))*fuzzyTokenOverlap + 0.9999)

	for i, u := range units {
		if overlap(tokens, u.tokens) >= need {
			return u.unit, true
		}
		// A quote can straddle a chunk boundary. Try the concatenation of
		// this unit with the next one when both sit on the same page.
		if i+1 < len(units) && units[i+1].unit.Page == u.unit.Page {
			joined := joinTokens(u.tokens, units[i+1].tokens)
			if overlap(tokens, joined) >= need {
				return u.unit, true
			}
		}
	}
	return TextUnit{}, false
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(text) {
		set[tok] = true
	}
	return set
}

func joinTokens(a, b map[string]bool) map[string]bool {
	joined := make(map[string]bool, len(a)+len(b))
	for tok := range a {
		joined[tok] = true
	}
	for tok := range b {
		joined[tok] = true
	}
	return joined
}

func overlap(quoteTokens []string, unitTokens map[string]bool) int {
	n := 0
	for _, tok := range quoteTokens {
		if unitTokens[tok] {
			n++
		}
	}
	return n
}
