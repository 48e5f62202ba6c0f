package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/lorekeep/lorekeep/store"
)

// window is one capped slice of chunks sent to the extraction capability
// in a single call.
type window struct {
	chunks   []store.Chunk
	tag      string // stable within a page range: "w0", "w1", ... and "w0.a"/"w0.b" for bisections
	fromPage int
	toPage   int
}

// buildWindows splits a batch's chunks into windows bounded by both a
// character budget and a unit-count budget, whichever fills first. The
// chunks are assumed to be in position order. A single oversized chunk
// still gets its own window rather than being dropped.
func buildWindows(chunks []store.Chunk, charBudget, unitBudget int) []window {
	if len(chunks) == 0 {
		return nil
	}
	var windows []window
	var cur []store.Chunk
	chars := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		w := window{
			chunks:   cur,
			tag:      fmt.Sprintf("w%d", len(windows)),
			fromPage: cur[0].PageNumber,
			toPage:   cur[len(cur)-1].PageNumber,
		}
		for _, c := range cur {
			if c.PageNumber < w.fromPage {
				w.fromPage = c.PageNumber
			}
			if c.PageNumber > w.toPage {
				w.toPage = c.PageNumber
			}
		}
		windows = append(windows, w)
		cur = nil
		chars = 0
	}

	for _, c := range chunks {
		if len(cur) > 0 && (chars+len(c.Text) > charBudget || len(cur) >= unitBudget) {
			flush()
		}
		cur = append(cur, c)
		chars += len(c.Text)
	}
	flush()
	return windows
}

// bisect splits a window into two halves for retry after a schema
// failure. Returns false when the window is a single chunk and cannot be
// split further.
func (w window) bisect() (window, window, bool) {
	if len(w.chunks) < 2 {
		return window{}, window{}, false
	}
	mid := len(w.chunks) / 2
	a := window{chunks: w.chunks[:mid], tag: w.tag + ".a"}
	b := window{chunks: w.chunks[mid:], tag: w.tag + ".b"}
	a.fromPage, a.toPage = pageSpan(a.chunks)
	b.fromPage, b.toPage = pageSpan(b.chunks)
	return a, b, true
}

func pageSpan(chunks []store.Chunk) (int, int) {
	from, to := chunks[0].PageNumber, chunks[0].PageNumber
	for _, c := range chunks[1:] {
		if c.PageNumber < from {
			from = c.PageNumber
		}
		if c.PageNumber > to {
			to = c.PageNumber
		}
	}
	return from, to
}

// contentHash fingerprints a window's exact text content. Together with
// the book, prompt version, page range and window tag it forms the
// extraction cache key: identical inputs are never re-sent.
func (w window) contentHash() string {
	h := sha256.New()
	for _, c := range w.chunks {
		h.Write([]byte(c.ContentHash))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (w window) cacheKey(bookID string) string {
	return fmt.Sprintf("%s|%s|%d-%d|%s|%s", bookID, PromptVersion, w.fromPage, w.toPage, w.tag, w.contentHash())
}
