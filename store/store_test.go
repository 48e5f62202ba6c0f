package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

const testDim = 4

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addBook(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.UpsertBook(context.Background(), Book{ID: id, Title: "Test Book"}); err != nil {
		t.Fatalf("UpsertBook: %v", err)
	}
}

func testChunk(bookID, id, text string, page, position int) Chunk {
	return Chunk{
		ID:          id,
		BookID:      bookID,
		Text:        text,
		PageNumber:  page,
		Position:    position,
		ContentHash: "hash-" + id,
	}
}

func TestBookLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addBook(t, s, "b1")
	b, err := s.GetBook(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if b.Title != "Test Book" {
		t.Errorf("title = %q, want %q", b.Title, "Test Book")
	}

	if err := s.SetIndexedChars(ctx, "b1", 4500); err != nil {
		t.Fatalf("SetIndexedChars: %v", err)
	}
	b, _ = s.GetBook(ctx, "b1")
	if b.IndexedChars != 4500 {
		t.Errorf("indexed chars = %d, want 4500", b.IndexedChars)
	}

	if err := s.DeleteBook(ctx, "b1"); err != nil {
		t.Fatalf("DeleteBook: %v", err)
	}
	if _, err := s.GetBook(ctx, "b1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("after delete, err = %v, want sql.ErrNoRows", err)
	}
}

func TestMaxIndexedPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	got, err := s.MaxIndexedPage(ctx, "b1")
	if err != nil {
		t.Fatalf("MaxIndexedPage: %v", err)
	}
	if got != -1 {
		t.Errorf("empty book: max page = %d, want -1", got)
	}

	chunks := []Chunk{
		testChunk("b1", "c1", "first chunk", 0, 0),
		testChunk("b1", "c2", "second chunk", 3, 1),
		testChunk("b1", "c3", "third chunk", 7, 2),
	}
	if err := s.InsertChunks(ctx, chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	got, _ = s.MaxIndexedPage(ctx, "b1")
	if got != 7 {
		t.Errorf("max page = %d, want 7", got)
	}
}

func TestChunksInPageRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	var chunks []Chunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, testChunk("b1", fmt.Sprintf("c%d", i), fmt.Sprintf("chunk %d", i), i, i))
	}
	if err := s.InsertChunks(ctx, chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	got, err := s.ChunksInPageRange(ctx, "b1", 3, 6)
	if err != nil {
		t.Fatalf("ChunksInPageRange: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d chunks, want 4", len(got))
	}
	for _, c := range got {
		if c.PageNumber < 3 || c.PageNumber > 6 {
			t.Errorf("chunk %s page %d outside [3,6]", c.ID, c.PageNumber)
		}
	}
}

func TestVectorSearchRespectsPageBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	// Three chunks on pages 0, 5, 10 with distinct embeddings. The query
	// vector is closest to the page-10 chunk, which a page bound of 5 must
	// exclude before ranking.
	chunks := []Chunk{
		testChunk("b1", "c-early", "the early text", 0, 0),
		testChunk("b1", "c-mid", "the middle text", 5, 1),
		testChunk("b1", "c-late", "the late text", 10, 2),
	}
	if err := s.InsertChunks(ctx, chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	embeddings := map[string][]float32{
		"c-early": {1, 0, 0, 0},
		"c-mid":   {0, 1, 0, 0},
		"c-late":  {0, 0, 1, 0},
	}
	for _, c := range chunks {
		if err := s.InsertEmbedding(ctx, c, embeddings[c.ID]); err != nil {
			t.Fatalf("InsertEmbedding(%s): %v", c.ID, err)
		}
	}

	query := []float32{0, 0.1, 0.9, 0}

	all, err := s.VectorSearch(ctx, "b1", query, 3, 100)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c-late" {
		t.Fatalf("unbounded search: got %d results, first %q, want c-late first", len(all), first(all))
	}

	bounded, err := s.VectorSearch(ctx, "b1", query, 3, 5)
	if err != nil {
		t.Fatalf("VectorSearch bounded: %v", err)
	}
	for _, r := range bounded {
		if r.PageNumber > 5 {
			t.Errorf("result %s on page %d leaked past bound 5", r.ID, r.PageNumber)
		}
		if r.Method != MethodVector {
			t.Errorf("result %s method = %q, want vector", r.ID, r.Method)
		}
	}
	if len(bounded) != 2 || bounded[0].ID != "c-mid" {
		t.Errorf("bounded search: got %d results, first %q, want 2 with c-mid first", len(bounded), first(bounded))
	}
}

func TestVectorSearchIsolatesBooks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")
	addBook(t, s, "b2")

	c1 := testChunk("b1", "c1", "alpha", 0, 0)
	c2 := testChunk("b2", "c2", "beta", 0, 0)
	if err := s.InsertChunks(ctx, []Chunk{c1, c2}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	emb := []float32{1, 0, 0, 0}
	if err := s.InsertEmbedding(ctx, c1, emb); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertEmbedding(ctx, c2, emb); err != nil {
		t.Fatal(err)
	}

	results, err := s.VectorSearch(ctx, "b1", emb, 10, 100)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	for _, r := range results {
		if r.BookID != "b1" {
			t.Errorf("result %s belongs to book %q", r.ID, r.BookID)
		}
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want 1", len(results))
	}
}

func TestLexicalSearchRespectsPageBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	chunks := []Chunk{
		testChunk("b1", "c1", "the dragon sleeps on gold", 2, 0),
		testChunk("b1", "c2", "the dragon wakes in fury", 8, 1),
		testChunk("b1", "c3", "a quiet morning in the village", 3, 2),
	}
	if err := s.InsertChunks(ctx, chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	results, err := s.LexicalSearch(ctx, "b1", `"dragon"`, 10, 5)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].ID != "c1" {
		t.Errorf("result = %q, want c1", results[0].ID)
	}
	if results[0].Method != MethodLexical {
		t.Errorf("method = %q, want lexical", results[0].Method)
	}
	if results[0].Score <= 0 {
		t.Errorf("score = %v, want > 0", results[0].Score)
	}
}

func TestDeleteBookRemovesIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	c := testChunk("b1", "c1", "some indexed text here", 0, 0)
	if err := s.InsertChunks(ctx, []Chunk{c}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertEmbedding(ctx, c, []float32{1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteBook(ctx, "b1"); err != nil {
		t.Fatalf("DeleteBook: %v", err)
	}

	n, err := s.EmbeddingCount(ctx, "b1")
	if err != nil {
		t.Fatalf("EmbeddingCount: %v", err)
	}
	if n != 0 {
		t.Errorf("embedding count after delete = %d, want 0", n)
	}
	chunks, _ := s.ChunksByBook(ctx, "b1")
	if len(chunks) != 0 {
		t.Errorf("chunk count after delete = %d, want 0", len(chunks))
	}
}

func first(results []ScoredChunk) string {
	if len(results) == 0 {
		return ""
	}
	return results[0].ID
}
