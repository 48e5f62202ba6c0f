package lorekeep

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lorekeep/lorekeep/chunker"
	"github.com/lorekeep/lorekeep/extract"
	"github.com/lorekeep/lorekeep/llm"
	"github.com/lorekeep/lorekeep/lookup"
	"github.com/lorekeep/lorekeep/retrieval"
	"github.com/lorekeep/lorekeep/store"
)

// fakeEmbedProvider returns a deterministic unit vector per text.
type fakeEmbedProvider struct{}

func (fakeEmbedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not a chat provider")
}

func (fakeEmbedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		h := fnv.New32a()
		h.Write([]byte(text))
		seed := h.Sum32()
		v := []float32{
			float32(seed%7) + 1,
			float32(seed%11) + 1,
			float32(seed%13) + 1,
			float32(seed%17) + 1,
		}
		out[i] = v
	}
	return out, nil
}

func (fakeEmbedProvider) CheckHealth(ctx context.Context) error { return nil }

// fakeChatProvider answers every extraction call with a fixed payload.
type fakeChatProvider struct {
	response string
}

func (f *fakeChatProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: f.response, FinishReason: "stop"}, nil
}

func (f *fakeChatProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not an embed provider")
}

func (f *fakeChatProvider) CheckHealth(ctx context.Context) error { return nil }

func newTestEngine(t *testing.T, extraction llm.Provider) *engine {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "engine.db"), 4)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	events := newBus()
	retriever := retrieval.New(s, &providerEmbedder{p: fakeEmbedProvider{}})
	e := &engine{
		cfg:          DefaultConfig(),
		store:        s,
		extractLLM:   extraction,
		embedLLM:     fakeEmbedProvider{},
		chunkr:       chunker.New(chunker.Config{}),
		retriever:    retriever,
		orchestrator: extract.New(s, extraction, extract.Config{}, extract.WithNotifier(events.publish)),
		lookupSvc:    lookup.New(s, retriever),
		events:       events,
		logger:       slog.Default(),
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestBookLifecycle(t *testing.T) {
	e := newTestEngine(t, &fakeChatProvider{response: "{}"})
	ctx := context.Background()

	if err := e.AddBook(ctx, "b1", "A Test Novel", WithGenre("mystery")); err != nil {
		t.Fatalf("AddBook: %v", err)
	}
	books, err := e.Books(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 1 || books[0].Genre != "mystery" {
		t.Errorf("books = %+v", books)
	}

	if err := e.DeleteBook(ctx, "b1"); err != nil {
		t.Fatalf("DeleteBook: %v", err)
	}
	if err := e.DeleteBook(ctx, "b1"); !errors.Is(err, ErrBookNotFound) {
		t.Errorf("second delete: err = %v, want ErrBookNotFound", err)
	}
	if err := e.AddBook(ctx, "  ", "blank id"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("blank id: err = %v, want ErrInvalidConfig", err)
	}
}

func TestOperationsRequireBook(t *testing.T) {
	e := newTestEngine(t, &fakeChatProvider{response: "{}"})
	ctx := context.Background()

	if _, err := e.IndexSection(ctx, "nope", Section{Text: "text"}); !errors.Is(err, ErrBookNotFound) {
		t.Errorf("IndexSection: %v", err)
	}
	if _, _, err := e.Search(ctx, "nope", "query", 5, 10); !errors.Is(err, ErrBookNotFound) {
		t.Errorf("Search: %v", err)
	}
	if _, err := e.AdvanceTo(ctx, "nope", 3); !errors.Is(err, ErrBookNotFound) {
		t.Errorf("AdvanceTo: %v", err)
	}
	if _, err := e.Snapshot(ctx, "nope", 3); !errors.Is(err, ErrBookNotFound) {
		t.Errorf("Snapshot: %v", err)
	}
	if _, err := e.Lookup(ctx, "nope", "term", 3); !errors.Is(err, ErrBookNotFound) {
		t.Errorf("Lookup: %v", err)
	}
}

func TestIndexSectionContinuesPageNumbering(t *testing.T) {
	e := newTestEngine(t, &fakeChatProvider{response: "{}"})
	ctx := context.Background()
	if err := e.AddBook(ctx, "b1", "Paged"); err != nil {
		t.Fatal(err)
	}

	// ~1.2 pages of text in section 0, so section 1 starts on page 1.
	sectionText := strings.Repeat("Prose fills the opening chapter with detail. ", 40)
	res1, err := e.IndexSection(ctx, "b1", Section{Index: 0, ChapterTitle: "One", Text: sectionText})
	if err != nil {
		t.Fatalf("IndexSection: %v", err)
	}
	if res1.Chunks == 0 || res1.Embedded != res1.Chunks {
		t.Errorf("result = %+v", res1)
	}
	if res1.FromPage != 0 {
		t.Errorf("section 0 starts on page %d", res1.FromPage)
	}

	res2, err := e.IndexSection(ctx, "b1", Section{Index: 1, ChapterTitle: "Two", Text: "The second chapter begins here."})
	if err != nil {
		t.Fatalf("IndexSection 2: %v", err)
	}
	if res2.FromPage != len(sectionText)/PageSize {
		t.Errorf("section 1 starts on page %d, want %d", res2.FromPage, len(sectionText)/PageSize)
	}

	book, err := e.store.GetBook(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	want := len(sectionText) + len("The second chapter begins here.")
	if book.IndexedChars != want {
		t.Errorf("IndexedChars = %d, want %d", book.IndexedChars, want)
	}

	// Empty sections are a no-op, not an error.
	res3, err := e.IndexSection(ctx, "b1", Section{Index: 2, Text: "   \n"})
	if err != nil || res3.Chunks != 0 {
		t.Errorf("empty section: res=%+v err=%v", res3, err)
	}
}

func TestSearchOverIndexedText(t *testing.T) {
	e := newTestEngine(t, &fakeChatProvider{response: "{}"})
	ctx := context.Background()
	if err := e.AddBook(ctx, "b1", "Searchable"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.IndexSection(ctx, "b1", Section{Text: "The lighthouse keeper counted the ships every evening from the tower."}); err != nil {
		t.Fatal(err)
	}

	hits, trace, err := e.Search(ctx, "b1", "lighthouse keeper", 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits for indexed text")
	}
	if trace.Degraded {
		t.Errorf("search degraded: %s", trace.DegradeCause)
	}
	if !strings.Contains(hits[0].Text, "lighthouse") {
		t.Errorf("top hit = %q", hits[0].Text)
	}
}

func TestExtractionEndToEnd(t *testing.T) {
	payload := `{
		"entities": [
			{"name": "Wren", "type": "character", "description": "a ship's navigator",
			 "facts": [{"key": "post", "value": "navigator",
				"evidence": [{"quote": "Wren charted the reef by starlight.", "page": 0, "chunk_id": ""}]}]},
			{"name": "Sable", "type": "character", "description": "the first mate"}
		],
		"relationships": [
			{"source": "Wren", "target": "Sable", "type": "crewmate_of",
			 "evidence": [{"quote": "Wren and Sable shared the night watch.", "page": 0, "chunk_id": ""}]}
		]
	}`
	e := newTestEngine(t, &fakeChatProvider{response: payload})
	ctx := context.Background()
	if err := e.AddBook(ctx, "b1", "Voyage"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.IndexSection(ctx, "b1", Section{
		Text: "Wren charted the reef by starlight. Wren and Sable shared the night watch.",
	}); err != nil {
		t.Fatal(err)
	}

	events, cancel := e.Subscribe()
	defer cancel()

	report, err := e.AdvanceTo(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if report.Watermark != 0 {
		t.Errorf("watermark = %d", report.Watermark)
	}

	snap, err := e.Snapshot(ctx, "b1", 0)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, ent := range snap.Entities {
		names[ent.CanonicalName] = true
	}
	if !names["Wren"] || !names["Sable"] {
		t.Fatalf("entities = %v", names)
	}
	if len(snap.Relationships) != 1 || snap.Relationships[0].Type != "crewmate_of" {
		t.Errorf("relationships = %+v", snap.Relationships)
	}

	res, err := e.Lookup(ctx, "b1", "Wren", 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Source != lookup.SourceEntity || res.Summary != "a ship's navigator" {
		t.Errorf("lookup = %+v", res)
	}

	sawStart, sawComplete := false, false
	deadline := time.After(2 * time.Second)
	for !(sawStart && sawComplete) {
		select {
		case ev := <-events:
			switch ev.Type {
			case extract.EventStarted:
				sawStart = true
			case extract.EventCompleted:
				sawComplete = true
			}
		case <-deadline:
			t.Fatalf("missing events: started=%v completed=%v", sawStart, sawComplete)
		}
	}
}

func TestProviderEmbedderAdapts(t *testing.T) {
	pe := &providerEmbedder{p: fakeEmbedProvider{}}
	v, err := pe.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 4 {
		t.Errorf("dim = %d", len(v))
	}
}
