// Package lookup answers "what is this?" queries for a term the reader
// selects, bounded by how far they have read. Known entities answer
// directly from the graph; anything else falls back to ranking sentences
// from retrieved chunks.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/lorekeep/lorekeep/graph"
	"github.com/lorekeep/lorekeep/retrieval"
	"github.com/lorekeep/lorekeep/sched"
	"github.com/lorekeep/lorekeep/store"
)

// Result sources.
const (
	SourceEntity  = "entity"  // resolved from the knowledge graph
	SourceContext = "context" // assembled from retrieved text
)

// ErrNotFound means the term resolved to no entity and no retrievable
// context within the page bound.
var ErrNotFound = errors.New("lookup: term not found")

// retrievalDepth is how many chunks the context fallback retrieves.
const retrievalDepth = 6

// maxSummaryLen caps the assembled context summary, approximately.
const maxSummaryLen = 420

// maxEntityEvidence caps the evidence items returned for an entity hit.
const maxEntityEvidence = 8

// Result is a term lookup answer.
type Result struct {
	Term     string           `json:"term"`
	Summary  string           `json:"summary"`
	Evidence []store.Evidence `json:"evidence,omitempty"`
	Source   string           `json:"source"`
}

// Service resolves terms against one store.
type Service struct {
	store     *store.Store
	retriever *retrieval.Engine
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a lookup service over a store and a retrieval engine.
func New(st *store.Store, r *retrieval.Engine, opts ...Option) *Service {
	s := &Service{store: st, retriever: r, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Term looks up a term for a reader at maxPage. Entity and alias matches
// are tried first against the spoiler-bounded snapshot; otherwise the
// answer is extracted from retrieved chunks at or before maxPage.
func (s *Service) Term(ctx context.Context, bookID, term string, maxPage int) (*Result, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("%w: empty term", ErrNotFound)
	}

	snap, err := s.store.Snapshot(ctx, bookID, maxPage)
	if err != nil {
		return nil, err
	}
	if e := matchEntity(snap.Entities, term); e != nil {
		return entityResult(term, e), nil
	}

	res, err := s.fromContext(ctx, bookID, term, maxPage)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, term)
	}
	return res, nil
}

// matchEntity finds a snapshot entity whose canonical name or alias
// equals the term after normalization.
func matchEntity(entities []store.Entity, term string) *store.Entity {
	norm := graph.NormalizeName(term)
	for i := range entities {
		e := &entities[i]
		if e.NormalizedName == norm {
			return e
		}
		for _, a := range e.Aliases {
			if graph.NormalizeName(a) == norm {
				return e
			}
		}
	}
	return nil
}

func entityResult(term string, e *store.Entity) *Result {
	summary := e.Description
	if summary == "" && len(e.Facts) > 0 {
		parts := make([]string, 0, len(e.Facts))
		for _, f := range e.Facts {
			parts = append(parts, f.Key+": "+f.Value)
		}
		summary = strings.Join(parts, "; ")
	}
	if summary == "" {
		summary = e.CanonicalName
	}

	var evidence []store.Evidence
	for _, f := range e.Facts {
		evidence = append(evidence, f.Evidence...)
	}
	sort.SliceStable(evidence, func(i, j int) bool { return evidence[i].Page < evidence[j].Page })
	if len(evidence) > maxEntityEvidence {
		evidence = evidence[:maxEntityEvidence]
	}

	return &Result{Term: term, Summary: summary, Evidence: evidence, Source: SourceEntity}
}

// fromContext retrieves chunks mentioning the term and assembles a
// summary from their highest-centrality sentences.
func (s *Service) fromContext(ctx context.Context, bookID, term string, maxPage int) (*Result, error) {
	hits, _, err := s.retriever.Search(ctx, bookID, term, retrievalDepth, maxPage)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	sentences := collectSentences(hits)
	if len(sentences) == 0 {
		return nil, nil
	}

	scores, err := rankSentences(ctx, sentences, term, sched.New())
	if err != nil {
		return nil, err
	}

	picked := pickSentences(sentences, scores, maxSummaryLen)
	if len(picked) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	evidence := make([]store.Evidence, 0, len(picked))
	for _, sent := range picked {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(sent.text)
		evidence = append(evidence, store.Evidence{Quote: sent.text, Page: sent.page, ChunkID: sent.chunkID})
	}

	s.logger.Debug("lookup answered from context",
		"book_id", bookID, "term", term, "sentences", len(picked), "chunks", len(hits))
	return &Result{Term: term, Summary: sb.String(), Evidence: evidence, Source: SourceContext}, nil
}

// sentence is one ranked candidate with its source location.
type sentence struct {
	text    string
	page    int
	chunkID string
	pos     int // document-order index across all candidates
	tokens  map[string]bool
}

func collectSentences(hits []store.ScoredChunk) []sentence {
	ordered := make([]store.ScoredChunk, len(hits))
	copy(ordered, hits)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].PageNumber != ordered[j].PageNumber {
			return ordered[i].PageNumber < ordered[j].PageNumber
		}
		return ordered[i].Position < ordered[j].Position
	})

	var out []sentence
	for _, h := range ordered {
		for _, text := range splitSentences(h.Text) {
			tokens := significantWords(text)
			if len(tokens) == 0 {
				continue
			}
			out = append(out, sentence{
				text:    text,
				page:    h.PageNumber,
				chunkID: h.ID,
				pos:     len(out),
				tokens:  tokens,
			})
		}
	}
	return out
}

// Ranking constants: standard damped power iteration over the sentence
// similarity graph, with multiplicative boosts for sentences that name
// the term and for sentences appearing earlier.
const (
	rankDamping    = 0.85
	rankIterations = 20
	rankEpsilon    = 1e-4
	termBoost      = 0.5
	positionBoost  = 0.15
)

// rankSentences scores sentences by centrality in their similarity
// graph. Edge weight is the significant-word overlap between two
// sentences, normalized by their combined size.
func rankSentences(ctx context.Context, sentences []sentence, term string, y *sched.Yielder) ([]float64, error) {
	n := len(sentences)
	if n == 1 {
		return []float64{1}, nil
	}

	weights := make([][]float64, n)
	outSum := make([]float64, n)
	for i := 0; i < n; i++ {
		weights[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		if err := y.Maybe(ctx); err != nil {
			return nil, err
		}
		for j := i + 1; j < n; j++ {
			w := overlap(sentences[i].tokens, sentences[j].tokens)
			if w == 0 {
				continue
			}
			norm := w / float64(len(sentences[i].tokens)+len(sentences[j].tokens))
			weights[i][j] = norm
			weights[j][i] = norm
			outSum[i] += norm
			outSum[j] += norm
		}
	}

	scores := make([]float64, n)
	next := make([]float64, n)
	for i := range scores {
		scores[i] = 1 / float64(n)
	}
	for iter := 0; iter < rankIterations; iter++ {
		if err := y.Maybe(ctx); err != nil {
			return nil, err
		}
		delta := 0.0
		for i := 0; i < n; i++ {
			sum := 0.0
			for j := 0; j < n; j++ {
				if weights[j][i] > 0 && outSum[j] > 0 {
					sum += weights[j][i] / outSum[j] * scores[j]
				}
			}
			next[i] = (1 - rankDamping) + rankDamping*sum
			if d := next[i] - scores[i]; d > delta {
				delta = d
			} else if -d > delta {
				delta = -d
			}
		}
		scores, next = next, scores
		if delta < rankEpsilon {
			break
		}
	}

	termLower := strings.ToLower(term)
	for i := range scores {
		if strings.Contains(strings.ToLower(sentences[i].text), termLower) {
			scores[i] *= 1 + termBoost
		}
		frac := float64(sentences[i].pos) / float64(n)
		scores[i] *= 1 + positionBoost*(1-frac)
	}
	return scores, nil
}

func overlap(a, b map[string]bool) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	count := 0.0
	for w := range a {
		if b[w] {
			count++
		}
	}
	return count
}

// pickSentences selects the top-scored sentences that fit the length
// budget and returns them in document order.
func pickSentences(sentences []sentence, scores []float64, budget int) []sentence {
	idx := make([]int, len(sentences))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	var picked []sentence
	used := 0
	for _, i := range idx {
		if used > 0 && used+1+len(sentences[i].text) > budget {
			continue
		}
		if used == 0 && len(sentences[i].text) > budget {
			// The single best sentence always fits, truncation is worse
			// than length here.
			picked = append(picked, sentences[i])
			break
		}
		picked = append(picked, sentences[i])
		used += len(sentences[i].text) + 1
		if len(picked) == 3 {
			break
		}
	}
	sort.SliceStable(picked, func(a, b int) bool { return picked[a].pos < picked[b].pos })
	return picked
}

// splitSentences splits text at terminal punctuation followed by
// whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				if s := strings.TrimSpace(cur.String()); s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// significantWords returns the set of lowercased words of 4+ characters,
// excluding common stop words.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) >= 4 && !stopWords[w] {
			words[w] = true
		}
	}
	return words
}

var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true,
	"have": true, "been": true, "were": true, "they": true,
	"their": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "there": true,
	"these": true, "those": true, "then": true, "than": true,
	"them": true, "what": true, "when": true, "where": true,
	"your": true, "more": true, "some": true, "such": true,
	"only": true, "also": true, "very": true, "just": true,
	"into": true, "over": true, "each": true, "does": true,
	"most": true, "after": true, "before": true, "other": true,
	"being": true, "same": true, "both": true, "between": true,
}
