// Package chunker splits section plain text into overlapping, page-tagged
// chunks ready for indexing. Chunking is deterministic for identical input;
// downstream extraction cache keys depend on that.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/store"
)

// PageSize is the fixed character count of one logical page. Pages bound
// spoiler-safe visibility: no consumer ever sees data past the reader's page.
const PageSize = 1500

// Config controls the chunking behaviour.
type Config struct {
	TargetSize int // target chars per chunk
	Overlap    int // chars of overlap between consecutive chunks
	MinSize    int // undersized tails below this are merged into the previous chunk
}

// Chunker converts section plain text into store-ready chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.TargetSize == 0 {
		cfg.TargetSize = 500
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 50
	}
	if cfg.MinSize == 0 {
		cfg.MinSize = 100
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits sectionText into overlapping chunks tagged with the page
// number derived from the character offset of each chunk start.
// cumulativeChars is the total character count of all sections before this
// one, so page numbering is continuous across sections.
//
// Break points prefer, in order: paragraph boundary, sentence boundary,
// word boundary, hard cut. A trailing fragment shorter than MinSize is
// merged into the previous chunk rather than emitted on its own.
func (c *Chunker) Chunk(bookID string, sectionText string, sectionIndex int, chapterTitle string, cumulativeChars int) []store.Chunk {
	text := strings.TrimRight(sectionText, " \t\n")
	if text == "" {
		return nil
	}

	var chunks []store.Chunk
	start := 0
	runeStart := 0 // rune offset of start; pages count characters, not bytes
	for start < len(text) {
		end := start + c.cfg.TargetSize
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.breakPoint(text, start, end)
		}

		frag := strings.TrimSpace(text[start:end])
		isTail := end >= len(text)

		if frag != "" {
			if isTail && len(frag) < c.cfg.MinSize && len(chunks) > 0 {
				// Merge the undersized tail into the previous chunk.
				prev := &chunks[len(chunks)-1]
				prev.Text = prev.Text + " " + frag
				prev.ContentHash = contentHash(prev.Text)
				break
			}
			chunks = append(chunks, store.Chunk{
				ID:           uuid.NewString(),
				BookID:       bookID,
				SectionIndex: sectionIndex,
				ChapterTitle: chapterTitle,
				Text:         frag,
				PageNumber:   (cumulativeChars + runeStart) / PageSize,
				Position:     len(chunks),
				ContentHash:  contentHash(frag),
			})
		}

		if isTail {
			break
		}
		next := end - c.cfg.Overlap
		if next <= start {
			next = end
		}
		runeStart += utf8.RuneCountInString(text[start:next])
		start = next
	}
	return chunks
}

// breakPoint finds the best cut position in text within (start, limit].
// Preference order: paragraph boundary, sentence boundary, word boundary,
// hard cut at limit. The search floor keeps chunks above MinSize.
func (c *Chunker) breakPoint(text string, start, limit int) int {
	floor := start + c.cfg.MinSize
	if floor > limit {
		return limit
	}
	window := text[floor:limit]

	// Paragraph boundary: blank line.
	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
		return floor + idx + 2
	}

	// Sentence boundary: terminator followed by whitespace.
	if idx := lastSentenceEnd(window); idx >= 0 {
		return floor + idx + 1
	}

	// Word boundary.
	if idx := strings.LastIndexAny(window, " \n\t"); idx >= 0 {
		return floor + idx + 1
	}

	return limit
}

// lastSentenceEnd returns the index of the last sentence terminator in s
// that is followed by whitespace, or -1.
func lastSentenceEnd(s string) int {
	for i := len(s) - 2; i >= 0; i-- {
		switch s[i] {
		case '.', '?', '!':
			if s[i+1] == ' ' || s[i+1] == '\n' || s[i+1] == '\t' {
				return i
			}
		}
	}
	return -1
}

// contentHash returns the SHA-256 hex digest of text.
func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
