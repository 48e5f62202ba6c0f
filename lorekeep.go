// Package lorekeep incrementally builds a grounded, spoiler-safe
// knowledge graph from a long document as the reader progresses through
// it, and serves hybrid lexical+vector retrieval over the chunked text.
package lorekeep

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lorekeep/lorekeep/chunker"
	"github.com/lorekeep/lorekeep/extract"
	"github.com/lorekeep/lorekeep/llm"
	"github.com/lorekeep/lorekeep/lookup"
	"github.com/lorekeep/lorekeep/retrieval"
	"github.com/lorekeep/lorekeep/store"
)

// PageSize is the fixed character count of one logical page.
const PageSize = chunker.PageSize

// Engine is the main entry point for the lorekeep pipeline.
type Engine interface {
	// AddBook registers (or updates) a book. Indexing and extraction are
	// driven separately, section by section and page by page.
	AddBook(ctx context.Context, id, title string, opts ...BookOption) error

	// Books lists all registered books.
	Books(ctx context.Context) ([]store.Book, error)

	// DeleteBook removes a book and all derived data.
	DeleteBook(ctx context.Context, bookID string) error

	// IndexSection chunks, persists, and embeds one section's plain text.
	// Sections must be indexed in document order; page numbering continues
	// from the book's cumulative indexed characters.
	IndexSection(ctx context.Context, bookID string, section Section) (*IndexResult, error)

	// Search runs hybrid retrieval over chunks at or before maxPage.
	Search(ctx context.Context, bookID, query string, topK, maxPage int) ([]store.ScoredChunk, *retrieval.Trace, error)

	// AdvanceTo runs incremental extraction until the analysis watermark
	// reaches currentPage or a run bound is hit.
	AdvanceTo(ctx context.Context, bookID string, currentPage int) (*extract.Report, error)

	// RebuildToPage clears the book's graph and re-extracts up to page.
	RebuildToPage(ctx context.Context, bookID string, page int) (*extract.Report, error)

	// Snapshot returns the spoiler-safe graph view for a reader at maxPage.
	Snapshot(ctx context.Context, bookID string, maxPage int) (*store.Snapshot, error)

	// Lookup answers a "what is this?" query bounded by the reader's page.
	Lookup(ctx context.Context, bookID, term string, maxPage int) (*lookup.Result, error)

	// Subscribe returns a channel of extraction progress events and a
	// cancel function. Slow subscribers lose events, never block runs.
	Subscribe() (<-chan extract.Event, func())

	// Stats returns record counts for a book.
	Stats(ctx context.Context, bookID string) (*store.Stats, error)

	// Store exposes the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// Section is one logical section of already-extracted plain text.
type Section struct {
	Index        int    `json:"index"`
	ChapterTitle string `json:"chapter_title,omitempty"`
	Text         string `json:"text"`
}

// IndexResult reports what indexing one section produced.
type IndexResult struct {
	Chunks   int `json:"chunks"`
	Embedded int `json:"embedded"`
	FromPage int `json:"from_page"`
	ToPage   int `json:"to_page"`
}

// BookOption configures AddBook.
type BookOption func(*store.Book)

// WithGenre sets the genre hint used by extraction prompts for this book.
func WithGenre(genre string) BookOption {
	return func(b *store.Book) { b.Genre = genre }
}

type engine struct {
	cfg          Config
	store        *store.Store
	extractLLM   llm.Provider
	embedLLM     llm.Provider
	chunkr       *chunker.Chunker
	retriever    *retrieval.Engine
	orchestrator *extract.Orchestrator
	lookupSvc    *lookup.Service
	events       *bus
	logger       *slog.Logger
}

// New creates a lorekeep engine from configuration.
func New(cfg Config) (Engine, error) {
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.EmbeddingDim < 0 {
		return nil, fmt.Errorf("%w: embedding_dim %d", ErrInvalidConfig, cfg.EmbeddingDim)
	}

	s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	extractLLM, err := llm.NewProvider(llm.Config(cfg.Extraction))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating extraction provider: %w", err)
	}
	extractLLM = llm.RateLimited(extractLLM, cfg.ExtractRateLimit, 1)

	embedLLM, err := llm.NewProvider(llm.Config(cfg.Embedding))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	chunkr := chunker.New(chunker.Config{
		TargetSize: cfg.ChunkSize,
		Overlap:    cfg.ChunkOverlap,
	})

	var ropts []retrieval.Option
	if cfg.WeightVector > 0 || cfg.WeightLexical > 0 {
		ropts = append(ropts, retrieval.WithWeights(cfg.WeightVector, cfg.WeightLexical))
	}
	retriever := retrieval.New(s, &providerEmbedder{p: embedLLM}, ropts...)

	events := newBus()
	orchestrator := extract.New(s, extractLLM, extract.Config{
		MaxBatchPages:    cfg.MaxBatchPages,
		MaxBatchesPerRun: cfg.MaxBatchesPerRun,
		RunBudget:        time.Duration(cfg.RunBudgetSeconds) * time.Second,
		WindowCharBudget: cfg.WindowCharBudget,
		WindowUnitBudget: cfg.WindowUnitBudget,
		Concurrency:      cfg.ExtractConcurrency,
		Genre:            cfg.Genre,
	}, extract.WithNotifier(events.publish))

	return &engine{
		cfg:          cfg,
		store:        s,
		extractLLM:   extractLLM,
		embedLLM:     embedLLM,
		chunkr:       chunkr,
		retriever:    retriever,
		orchestrator: orchestrator,
		lookupSvc:    lookup.New(s, retriever),
		events:       events,
		logger:       slog.Default(),
	}, nil
}

func (e *engine) AddBook(ctx context.Context, id, title string, opts ...BookOption) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty book id", ErrInvalidConfig)
	}
	b := store.Book{ID: id, Title: title}
	for _, opt := range opts {
		opt(&b)
	}
	return e.store.UpsertBook(ctx, b)
}

func (e *engine) Books(ctx context.Context) ([]store.Book, error) {
	return e.store.ListBooks(ctx)
}

func (e *engine) DeleteBook(ctx context.Context, bookID string) error {
	if _, err := e.getBook(ctx, bookID); err != nil {
		return err
	}
	return e.store.DeleteBook(ctx, bookID)
}

// IndexSection chunks and indexes one section. Embedding failures are
// tolerated per chunk: retrieval degrades to lexical for unembedded
// chunks, and only a fully failed section is an error.
func (e *engine) IndexSection(ctx context.Context, bookID string, section Section) (*IndexResult, error) {
	book, err := e.getBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	chunks := e.chunkr.Chunk(bookID, section.Text, section.Index, section.ChapterTitle, book.IndexedChars)
	if len(chunks) == 0 {
		return &IndexResult{}, nil
	}

	start := time.Now()
	if err := e.store.InsertChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("inserting chunks: %w", err)
	}

	embedded, err := e.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	if err := e.store.SetIndexedChars(ctx, bookID, book.IndexedChars+utf8.RuneCountInString(section.Text)); err != nil {
		return nil, fmt.Errorf("recording indexed chars: %w", err)
	}

	result := &IndexResult{
		Chunks:   len(chunks),
		Embedded: embedded,
		FromPage: chunks[0].PageNumber,
		ToPage:   chunks[len(chunks)-1].PageNumber,
	}
	e.logger.Info("section indexed",
		"book_id", bookID, "section", section.Index,
		"chunks", result.Chunks, "embedded", result.Embedded,
		"pages", fmt.Sprintf("%d-%d", result.FromPage, result.ToPage),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return result, nil
}

// embedBatchSize is how many chunk texts go into one embedding call.
const embedBatchSize = 32

// embedChunks embeds chunks in batches with per-text fallback, so one
// oversized text does not lose its whole batch. Returns how many chunks
// were embedded; an error only when every chunk failed.
func (e *engine) embedChunks(ctx context.Context, chunks []store.Chunk) (int, error) {
	embedded := 0
	for i := 0; i < len(chunks); i += embedBatchSize {
		end := i + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = chunks[j].Text
		}

		embeddings, err := e.embedLLM.Embed(ctx, texts)
		if err != nil {
			e.logger.Warn("embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j := i; j < end; j++ {
				single, serr := e.embedLLM.Embed(ctx, []string{chunks[j].Text})
				if serr != nil || len(single) == 0 {
					continue
				}
				if serr := e.store.InsertEmbedding(ctx, chunks[j], single[0]); serr == nil {
					embedded++
				}
			}
			continue
		}
		for j, emb := range embeddings {
			if err := e.store.InsertEmbedding(ctx, chunks[i+j], emb); err != nil {
				e.logger.Warn("storing embedding failed", "chunk_id", chunks[i+j].ID, "error", err)
				continue
			}
			embedded++
		}
	}

	if embedded == 0 {
		return 0, fmt.Errorf("%w: all %d chunks failed", ErrEmbeddingFailed, len(chunks))
	}
	if embedded < len(chunks) {
		e.logger.Warn("some embeddings failed", "embedded", embedded, "total", len(chunks))
	}
	return embedded, nil
}

func (e *engine) Search(ctx context.Context, bookID, query string, topK, maxPage int) ([]store.ScoredChunk, *retrieval.Trace, error) {
	if _, err := e.getBook(ctx, bookID); err != nil {
		return nil, nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	return e.retriever.Search(ctx, bookID, query, topK, maxPage)
}

func (e *engine) AdvanceTo(ctx context.Context, bookID string, currentPage int) (*extract.Report, error) {
	if _, err := e.getBook(ctx, bookID); err != nil {
		return nil, err
	}
	return e.orchestrator.AdvanceTo(ctx, bookID, currentPage)
}

func (e *engine) RebuildToPage(ctx context.Context, bookID string, page int) (*extract.Report, error) {
	if _, err := e.getBook(ctx, bookID); err != nil {
		return nil, err
	}
	return e.orchestrator.RebuildToPage(ctx, bookID, page)
}

func (e *engine) Snapshot(ctx context.Context, bookID string, maxPage int) (*store.Snapshot, error) {
	if _, err := e.getBook(ctx, bookID); err != nil {
		return nil, err
	}
	return e.store.Snapshot(ctx, bookID, maxPage)
}

func (e *engine) Lookup(ctx context.Context, bookID, term string, maxPage int) (*lookup.Result, error) {
	if _, err := e.getBook(ctx, bookID); err != nil {
		return nil, err
	}
	return e.lookupSvc.Term(ctx, bookID, term, maxPage)
}

func (e *engine) Subscribe() (<-chan extract.Event, func()) {
	return e.events.subscribe()
}

func (e *engine) Stats(ctx context.Context, bookID string) (*store.Stats, error) {
	if _, err := e.getBook(ctx, bookID); err != nil {
		return nil, err
	}
	return e.store.BookStats(ctx, bookID)
}

func (e *engine) Store() *store.Store {
	return e.store
}

func (e *engine) Close() error {
	e.events.close()
	return e.store.Close()
}

// getBook loads a book, translating the store's miss into the public
// sentinel.
func (e *engine) getBook(ctx context.Context, bookID string) (*store.Book, error) {
	book, err := e.store.GetBook(ctx, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBookNotFound, bookID)
	}
	if err != nil {
		return nil, err
	}
	return book, nil
}

// providerEmbedder adapts an llm.Provider to the single-text embedder
// the retrieval engine wants for queries.
type providerEmbedder struct {
	p llm.Provider
}

func (pe *providerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := pe.p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, errors.New("empty embedding response")
	}
	return embeddings[0], nil
}
