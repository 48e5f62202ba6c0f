package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lorekeep/lorekeep/store"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "retrieval.db"), 4)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBook(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertBook(ctx, store.Book{ID: "b1", Title: "T"}); err != nil {
		t.Fatal(err)
	}
	chunks := []store.Chunk{
		{ID: "c1", BookID: "b1", Text: "the dragon guards a hoard of gold", PageNumber: 1, Position: 0, ContentHash: "h1"},
		{ID: "c2", BookID: "b1", Text: "the knight sharpens a silver sword", PageNumber: 2, Position: 1, ContentHash: "h2"},
		{ID: "c3", BookID: "b1", Text: "the dragon burns the harvest fields", PageNumber: 9, Position: 2, ContentHash: "h3"},
	}
	if err := s.InsertChunks(ctx, chunks); err != nil {
		t.Fatal(err)
	}
	embs := map[string][]float32{
		"c1": {1, 0, 0, 0},
		"c2": {0, 1, 0, 0},
		"c3": {0.9, 0.1, 0, 0},
	}
	for _, c := range chunks {
		if err := s.InsertEmbedding(ctx, c, embs[c.ID]); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSearchHybrid(t *testing.T) {
	s := newTestStore(t)
	seedBook(t, s)
	e := New(s, &fakeEmbedder{vec: []float32{1, 0, 0, 0}})

	results, trace, err := e.Search(context.Background(), "b1", "dragon gold", 5, 100)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if trace.Degraded {
		t.Errorf("unexpected degradation: %s", trace.DegradeCause)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].ID != "c1" {
		t.Errorf("top result = %s, want c1 (matches both legs)", results[0].ID)
	}
	if results[0].Method != store.MethodHybrid {
		t.Errorf("top method = %q, want hybrid", results[0].Method)
	}
}

func TestSearchRespectsPageBound(t *testing.T) {
	s := newTestStore(t)
	seedBook(t, s)
	e := New(s, &fakeEmbedder{vec: []float32{0.9, 0.1, 0, 0}})

	results, _, err := e.Search(context.Background(), "b1", "dragon", 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.PageNumber > 5 {
			t.Errorf("result %s on page %d leaked past bound 5", r.ID, r.PageNumber)
		}
	}
}

func TestSearchDegradesToLexicalOnEmbedFailure(t *testing.T) {
	s := newTestStore(t)
	seedBook(t, s)
	e := New(s, &fakeEmbedder{err: errors.New("model offline")})

	results, trace, err := e.Search(context.Background(), "b1", "silver sword", 5, 100)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !trace.Degraded {
		t.Error("trace does not record degradation")
	}
	if len(results) == 0 {
		t.Fatal("lexical fallback returned nothing")
	}
	for _, r := range results {
		if r.Method != store.MethodLexical {
			t.Errorf("degraded result method = %q, want lexical", r.Method)
		}
	}
}

func TestSearchNilEmbedder(t *testing.T) {
	s := newTestStore(t)
	seedBook(t, s)
	e := New(s, nil)

	results, trace, err := e.Search(context.Background(), "b1", "knight", 5, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !trace.Degraded || len(results) != 1 || results[0].ID != "c2" {
		t.Errorf("nil embedder: degraded=%v results=%+v", trace.Degraded, results)
	}
}
