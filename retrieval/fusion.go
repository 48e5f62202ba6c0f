package retrieval

import (
	"sort"

	"github.com/lorekeep/lorekeep/store"
)

// mergeKeyLen is the content-prefix length used to identify the same
// underlying text across the two result sets. Overlapping chunks from
// adjacent windows share a prefix even when their ids differ.
const mergeKeyLen = 100

// fuse min-max normalizes each result set independently onto [0, weight],
// merges by content prefix taking the max score per key, sorts by score
// descending with chunk id as the tie-break, and truncates to topK.
// A chunk found by both legs is tagged method=hybrid.
func fuse(vector, lexical []store.ScoredChunk, wVector, wLexical float64, topK int) []store.ScoredChunk {
	normalize(vector, wVector)
	normalize(lexical, wLexical)

	merged := make(map[string]store.ScoredChunk, len(vector)+len(lexical))
	for _, r := range vector {
		merged[mergeKey(r.Text)] = r
	}
	for _, r := range lexical {
		key := mergeKey(r.Text)
		existing, seen := merged[key]
		if !seen {
			merged[key] = r
			continue
		}
		if r.Score > existing.Score {
			existing.Score = r.Score
		}
		existing.Method = store.MethodHybrid
		merged[key] = existing
	}

	out := make([]store.ScoredChunk, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// normalize rescales scores in place onto [0, weight]. A single-element
// or constant-score set maps to the full weight, not zero, so one strong
// leg cannot be wiped out by degenerate normalization.
func normalize(results []store.ScoredChunk, weight float64) {
	if len(results) == 0 {
		return
	}
	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	span := hi - lo
	for i := range results {
		if span == 0 {
			results[i].Score = weight
			continue
		}
		results[i].Score = (results[i].Score - lo) / span * weight
	}
}

func mergeKey(text string) string {
	if len(text) > mergeKeyLen {
		return text[:mergeKeyLen]
	}
	return text
}
