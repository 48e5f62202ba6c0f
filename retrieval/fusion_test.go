package retrieval

import (
	"strings"
	"testing"

	"github.com/lorekeep/lorekeep/store"
)

func scored(id, text string, score float64, method string) store.ScoredChunk {
	return store.ScoredChunk{
		Chunk:  store.Chunk{ID: id, Text: text},
		Score:  score,
		Method: method,
	}
}

func TestFuseTagsHybridOnCollision(t *testing.T) {
	sharedText := strings.Repeat("x", 120) // same 100-char prefix
	vector := []store.ScoredChunk{
		scored("v1", sharedText+"vector tail", 0.9, store.MethodVector),
		scored("v2", "only in vector results", 0.5, store.MethodVector),
	}
	lexical := []store.ScoredChunk{
		scored("l1", sharedText+"lexical tail", 3.0, store.MethodLexical),
		scored("l2", "only in lexical results", 1.0, store.MethodLexical),
	}

	out := fuse(vector, lexical, 1.0, 0.8, 10)
	if len(out) != 3 {
		t.Fatalf("got %d results, want 3 (shared prefix merged)", len(out))
	}

	var hybrid *store.ScoredChunk
	for i := range out {
		if out[i].Method == store.MethodHybrid {
			hybrid = &out[i]
		}
	}
	if hybrid == nil {
		t.Fatal("no result tagged hybrid")
	}
	if !strings.HasPrefix(hybrid.Text, sharedText[:100]) {
		t.Errorf("wrong result merged: %q", hybrid.Text[:20])
	}
}

func TestFuseNormalizesPerLeg(t *testing.T) {
	// Raw lexical scores are on a different scale than vector cosine.
	// After normalization the best of each leg sits at its weight.
	vector := []store.ScoredChunk{
		scored("v1", "vector best", 0.95, store.MethodVector),
		scored("v2", "vector worst", 0.10, store.MethodVector),
	}
	lexical := []store.ScoredChunk{
		scored("l1", "lexical best", 250.0, store.MethodLexical),
		scored("l2", "lexical worst", 10.0, store.MethodLexical),
	}

	out := fuse(vector, lexical, 1.0, 0.8, 10)
	byID := map[string]float64{}
	for _, r := range out {
		byID[r.ID] = r.Score
	}
	if byID["v1"] != 1.0 {
		t.Errorf("vector best = %v, want 1.0", byID["v1"])
	}
	if byID["l1"] != 0.8 {
		t.Errorf("lexical best = %v, want 0.8", byID["l1"])
	}
	if byID["v2"] != 0 || byID["l2"] != 0 {
		t.Errorf("leg minima = (%v, %v), want 0", byID["v2"], byID["l2"])
	}
}

func TestFuseStableOrderingAndTruncation(t *testing.T) {
	// Equal scores break ties by chunk id, and out of 4 inputs only topK
	// survive. Run twice to confirm map iteration cannot reorder output.
	vector := []store.ScoredChunk{
		scored("c", "text c", 0.5, store.MethodVector),
		scored("a", "text a", 0.5, store.MethodVector),
		scored("b", "text b", 0.5, store.MethodVector),
		scored("d", "text d", 0.2, store.MethodVector),
	}

	var prev []string
	for run := 0; run < 5; run++ {
		in := make([]store.ScoredChunk, len(vector))
		copy(in, vector)
		out := fuse(in, nil, 1.0, 0.8, 3)
		if len(out) != 3 {
			t.Fatalf("got %d results, want topK=3", len(out))
		}
		ids := []string{out[0].ID, out[1].ID, out[2].ID}
		if run == 0 {
			prev = ids
			if ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
				t.Fatalf("tie-break order = %v, want [a b c]", ids)
			}
			continue
		}
		for i := range ids {
			if ids[i] != prev[i] {
				t.Fatalf("run %d reordered: %v vs %v", run, ids, prev)
			}
		}
	}
}

func TestFuseSingleLegConstantScores(t *testing.T) {
	lexical := []store.ScoredChunk{
		scored("l1", "first", 7.0, store.MethodLexical),
		scored("l2", "second", 7.0, store.MethodLexical),
	}
	out := fuse(nil, lexical, 1.0, 0.8, 10)
	for _, r := range out {
		if r.Score != 0.8 {
			t.Errorf("constant-score leg: %s = %v, want full weight 0.8", r.ID, r.Score)
		}
		if r.Method != store.MethodLexical {
			t.Errorf("method = %q, want lexical", r.Method)
		}
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	cases := []struct{ in, want string }{
		{"dragon", "dragon"},
		{`who is the "White Rabbit"?`, `"who is the White Rabbit" OR White OR Rabbit`},
		{"(a) OR b!", `"a OR b"`},
	}
	for _, c := range cases {
		if got := sanitizeFTSQuery(c.in); got != c.want {
			t.Errorf("sanitizeFTSQuery(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
