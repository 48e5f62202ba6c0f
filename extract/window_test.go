package extract

import (
	"strings"
	"testing"

	"github.com/lorekeep/lorekeep/store"
)

func mkChunk(id string, page, textLen int) store.Chunk {
	return store.Chunk{
		ID:          id,
		BookID:      "b1",
		Text:        strings.Repeat("x", textLen),
		PageNumber:  page,
		ContentHash: "hash-" + id,
	}
}

func TestBuildWindowsCharBudget(t *testing.T) {
	chunks := []store.Chunk{
		mkChunk("c0", 0, 400),
		mkChunk("c1", 0, 400),
		mkChunk("c2", 1, 400),
	}
	windows := buildWindows(chunks, 900, 100)
	if len(windows) != 2 {
		t.Fatalf("got %d windows, want 2", len(windows))
	}
	if len(windows[0].chunks) != 2 || len(windows[1].chunks) != 1 {
		t.Errorf("split = %d/%d, want 2/1", len(windows[0].chunks), len(windows[1].chunks))
	}
	if windows[0].tag != "w0" || windows[1].tag != "w1" {
		t.Errorf("tags = %q, %q", windows[0].tag, windows[1].tag)
	}
	if windows[0].fromPage != 0 || windows[0].toPage != 0 {
		t.Errorf("window 0 span = %d-%d", windows[0].fromPage, windows[0].toPage)
	}
	if windows[1].fromPage != 1 {
		t.Errorf("window 1 fromPage = %d", windows[1].fromPage)
	}
}

func TestBuildWindowsUnitBudget(t *testing.T) {
	var chunks []store.Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, mkChunk(string(rune('a'+i)), i, 10))
	}
	windows := buildWindows(chunks, 100000, 2)
	if len(windows) != 3 {
		t.Fatalf("got %d windows, want 3", len(windows))
	}
}

func TestBuildWindowsOversizedChunk(t *testing.T) {
	windows := buildWindows([]store.Chunk{mkChunk("big", 0, 9000)}, 100, 10)
	if len(windows) != 1 || len(windows[0].chunks) != 1 {
		t.Fatalf("oversized chunk must get its own window, got %d", len(windows))
	}
}

func TestBuildWindowsEmpty(t *testing.T) {
	if got := buildWindows(nil, 100, 10); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestBisect(t *testing.T) {
	w := buildWindows([]store.Chunk{
		mkChunk("c0", 0, 10), mkChunk("c1", 1, 10), mkChunk("c2", 2, 10),
	}, 1000, 10)[0]

	a, b, ok := w.bisect()
	if !ok {
		t.Fatal("bisect failed on a 3-chunk window")
	}
	if a.tag != "w0.a" || b.tag != "w0.b" {
		t.Errorf("tags = %q, %q", a.tag, b.tag)
	}
	if len(a.chunks)+len(b.chunks) != 3 {
		t.Errorf("chunks lost in bisection")
	}
	if a.fromPage != 0 || b.toPage != 2 {
		t.Errorf("spans = %d-%d, %d-%d", a.fromPage, a.toPage, b.fromPage, b.toPage)
	}

	single := window{chunks: w.chunks[:1], tag: "w0"}
	if _, _, ok := single.bisect(); ok {
		t.Error("single-chunk window must not bisect")
	}
}

func TestCacheKeyStability(t *testing.T) {
	chunks := []store.Chunk{mkChunk("c0", 0, 10), mkChunk("c1", 1, 10)}
	w1 := buildWindows(chunks, 1000, 10)[0]
	w2 := buildWindows(chunks, 1000, 10)[0]
	if w1.cacheKey("b1") != w2.cacheKey("b1") {
		t.Error("identical windows must share a cache key")
	}
	if w1.cacheKey("b1") == w1.cacheKey("b2") {
		t.Error("cache key must be book-scoped")
	}

	altered := []store.Chunk{mkChunk("c0", 0, 10), mkChunk("c1", 1, 10)}
	altered[1].ContentHash = "different"
	w3 := buildWindows(altered, 1000, 10)[0]
	if w1.cacheKey("b1") == w3.cacheKey("b1") {
		t.Error("changed content must change the cache key")
	}
}
