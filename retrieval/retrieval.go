// Package retrieval fuses lexical (FTS5/BM25) and vector (embedding
// cosine) search over a book's chunks into one ranked, spoiler-bounded
// result list.
package retrieval

import (
	"context"
	"log/slog"

	"github.com/lorekeep/lorekeep/store"
)

// Embedder produces a query embedding. Satisfied by llm providers.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Fusion weights. Vector similarity is trusted slightly more than BM25
// rank once both are normalized to a common scale.
const (
	weightVector  = 1.0
	weightLexical = 0.8
)

// Engine runs hybrid search against the store.
type Engine struct {
	store    *store.Store
	embedder Embedder
	logger   *slog.Logger

	wVector  float64
	wLexical float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithWeights overrides the fusion weights.
func WithWeights(vector, lexical float64) Option {
	return func(e *Engine) {
		e.wVector = vector
		e.wLexical = lexical
	}
}

// New creates a retrieval engine. The embedder may be nil, in which case
// all searches are lexical-only.
func New(s *store.Store, embedder Embedder, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		embedder: embedder,
		logger:   slog.Default(),
		wVector:  weightVector,
		wLexical: weightLexical,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trace reports what a search actually did, for diagnostics.
type Trace struct {
	LexicalHits  int
	VectorHits   int
	Merged       int
	Degraded     bool // vector leg skipped or failed
	DegradeCause string
}

// Search runs hybrid retrieval over chunks with pageNumber ≤ maxPage.
// Both legs run at 2×topK, scores are min-max normalized per leg, and the
// sets are merged by content prefix before the final cut to topK. If the
// embedding leg is unavailable or fails, results degrade to lexical-only.
func (e *Engine) Search(ctx context.Context, bookID, query string, topK, maxPage int) ([]store.ScoredChunk, *Trace, error) {
	if topK <= 0 {
		topK = 5
	}
	trace := &Trace{}
	fetch := topK * 2

	lexical, err := e.store.LexicalSearch(ctx, bookID, sanitizeFTSQuery(query), fetch, maxPage)
	if err != nil {
		return nil, trace, err
	}
	trace.LexicalHits = len(lexical)

	var vector []store.ScoredChunk
	if e.embedder == nil {
		trace.Degraded = true
		trace.DegradeCause = "no embedder configured"
	} else {
		emb, embErr := e.embedder.Embed(ctx, query)
		if embErr != nil {
			trace.Degraded = true
			trace.DegradeCause = embErr.Error()
			e.logger.Warn("query embedding failed, degrading to lexical-only",
				"book_id", bookID, "error", embErr)
		} else {
			vector, err = e.store.VectorSearch(ctx, bookID, emb, fetch, maxPage)
			if err != nil {
				return nil, trace, err
			}
			trace.VectorHits = len(vector)
		}
	}

	merged := fuse(vector, lexical, e.wVector, e.wLexical, topK)
	trace.Merged = len(merged)
	return merged, trace, nil
}
