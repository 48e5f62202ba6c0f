// Package extract runs the incremental extraction pipeline: it batches
// unseen pages, windows their chunks, calls the extraction capability,
// grounds and merges the results, runs the inference modules, and
// advances the per-book watermark only when a batch fully succeeds.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/lorekeep/graph"
	"github.com/lorekeep/lorekeep/llm"
	"github.com/lorekeep/lorekeep/sched"
	"github.com/lorekeep/lorekeep/store"
)

// Sentinel errors surfaced by extraction runs.
var (
	// ErrRunning means a run for this book is already in progress;
	// concurrent requests are a no-op.
	ErrRunning = errors.New("extract: run already in progress for book")

	// ErrNotIndexed means extraction was requested before any chunks were
	// indexed for the book.
	ErrNotIndexed = errors.New("extract: book has no indexed chunks")

	// ErrSchemaInvalid means the capability's output failed validation
	// after retries and bisection.
	ErrSchemaInvalid = errors.New("extract: extraction output failed schema validation")

	// ErrUnavailable means the extraction capability is unreachable or
	// unauthorized; the run stops and the pending range is preserved.
	ErrUnavailable = errors.New("extract: extraction capability unavailable")
)

// Config bounds a run.
type Config struct {
	MaxBatchPages    int           // pages per batch, oldest first
	MaxBatchesPerRun int           // batch cap per run
	RunBudget        time.Duration // wall clock; checked between batches
	WindowCharBudget int
	WindowUnitBudget int
	Concurrency      int    // concurrent window extractions; 0 derives from CPU count
	Genre            string // genre hint passed to the capability
}

// schemaRetries is how many times one window is re-asked on schema
// failure before bisection.
const schemaRetries = 3

// errWaveSerialized marks a window skipped because an earlier window in
// the same wave failed; the serial pass picks it up untouched.
var errWaveSerialized = errors.New("extract: window deferred to serial pass")

// Orchestrator drives extraction for all books sharing one store. At
// most one run per book proceeds at a time; the in-process marker set is
// sufficient because this process is the sole writer to its store.
type Orchestrator struct {
	store    *store.Store
	provider llm.Provider
	cfg      Config
	logger   *slog.Logger
	notify   Notifier

	mu      sync.Mutex
	running map[string]bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithNotifier sets the progress event sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notify = n }
}

// New creates an orchestrator.
func New(s *store.Store, provider llm.Provider, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxBatchPages <= 0 {
		cfg.MaxBatchPages = 10
	}
	if cfg.MaxBatchesPerRun <= 0 {
		cfg.MaxBatchesPerRun = 5
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 2 * time.Minute
	}
	if cfg.WindowCharBudget <= 0 {
		cfg.WindowCharBudget = 6000
	}
	if cfg.WindowUnitBudget <= 0 {
		cfg.WindowUnitBudget = 12
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU() / 2
		if cfg.Concurrency < 2 {
			cfg.Concurrency = 2
		}
		if cfg.Concurrency > 3 {
			cfg.Concurrency = 3
		}
	}
	o := &Orchestrator{
		store:    s,
		provider: provider,
		cfg:      cfg,
		logger:   slog.Default(),
		notify:   func(Event) {},
		running:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Report describes what one run did.
type Report struct {
	BookID           string             `json:"book_id"`
	Watermark        int                `json:"watermark"`
	BatchesRun       int                `json:"batches_run"`
	WindowsExtracted int                `json:"windows_extracted"`
	CacheHits        int                `json:"cache_hits"`
	EvidenceRejected int                `json:"evidence_rejected"`
	Deferred         bool               `json:"deferred"` // work remains for a later run
	Mentions         []graph.Mention    `json:"mentions,omitempty"`
	Communities      [][]string         `json:"communities,omitempty"`
	Centrality       map[string]float64 `json:"centrality,omitempty"`
}

// AdvanceTo runs extraction until the watermark reaches currentPage, the
// batch cap is hit, or the run budget expires. Remaining work is
// recorded as a pending range and resumed by the next call. A no-op when
// the watermark already covers currentPage.
func (o *Orchestrator) AdvanceTo(ctx context.Context, bookID string, currentPage int) (*Report, error) {
	return o.run(ctx, bookID, currentPage, false)
}

// RebuildToPage clears the book's graph and watermark, then re-runs
// extraction forcibly until the watermark reaches page or no further
// progress is possible.
func (o *Orchestrator) RebuildToPage(ctx context.Context, bookID string, page int) (*Report, error) {
	if !o.tryLock(bookID) {
		return nil, ErrRunning
	}
	locked := true
	defer func() {
		if locked {
			o.unlock(bookID)
		}
	}()

	if err := o.requireIndexed(ctx, bookID); err != nil {
		return nil, err
	}
	if err := o.store.ClearBookGraph(ctx, bookID); err != nil {
		return nil, fmt.Errorf("clearing graph for rebuild: %w", err)
	}
	o.unlock(bookID)
	locked = false

	var report *Report
	for {
		r, err := o.run(ctx, bookID, page, true)
		if err != nil {
			return report, err
		}
		report = r
		if r.Watermark >= page || !r.Deferred {
			return report, nil
		}
	}
}

func (o *Orchestrator) tryLock(bookID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[bookID] {
		return false
	}
	o.running[bookID] = true
	return true
}

func (o *Orchestrator) unlock(bookID string) {
	o.mu.Lock()
	delete(o.running, bookID)
	o.mu.Unlock()
}

// genreFor prefers the book's own genre over the configured default.
func (o *Orchestrator) genreFor(ctx context.Context, bookID string) string {
	if book, err := o.store.GetBook(ctx, bookID); err == nil && book.Genre != "" {
		return book.Genre
	}
	return o.cfg.Genre
}

func (o *Orchestrator) requireIndexed(ctx context.Context, bookID string) error {
	maxIndexed, err := o.store.MaxIndexedPage(ctx, bookID)
	if err != nil {
		return err
	}
	if maxIndexed < 0 {
		return fmt.Errorf("%w: %s", ErrNotIndexed, bookID)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, bookID string, currentPage int, force bool) (*Report, error) {
	if !o.tryLock(bookID) {
		return nil, ErrRunning
	}
	defer o.unlock(bookID)

	maxIndexed, err := o.store.MaxIndexedPage(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if maxIndexed < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, bookID)
	}

	state, err := o.store.GetExtractionState(ctx, bookID)
	if err != nil {
		return nil, err
	}

	target := currentPage
	if state.PendingToPage != nil && *state.PendingToPage > target {
		target = *state.PendingToPage
	}
	if target > maxIndexed {
		target = maxIndexed
	}

	report := &Report{BookID: bookID, Watermark: state.LastAnalyzedPage}
	if target <= state.LastAnalyzedPage && !force {
		return report, nil
	}

	o.notify(Event{Type: EventStarted, BookID: bookID, FromPage: state.LastAnalyzedPage + 1, ToPage: target, Watermark: state.LastAnalyzedPage})
	o.logger.Info("extraction run starting",
		"book_id", bookID, "from", state.LastAnalyzedPage+1, "to", target)

	deadline := time.Now().Add(o.cfg.RunBudget)
	from := state.LastAnalyzedPage + 1
	genre := o.genreFor(ctx, bookID)

	for from <= target {
		if report.BatchesRun >= o.cfg.MaxBatchesPerRun || time.Now().After(deadline) {
			report.Deferred = true
			break
		}
		to := from + o.cfg.MaxBatchPages - 1
		if to > target {
			to = target
		}

		if err := o.processBatch(ctx, bookID, genre, from, to, report); err != nil {
			o.recordFailure(ctx, bookID, from, target, err)
			o.notify(Event{Type: EventError, BookID: bookID, FromPage: from, ToPage: to, Watermark: report.Watermark, Message: err.Error()})
			return report, err
		}

		report.BatchesRun++
		report.Watermark = to
		from = to + 1
		o.notify(Event{Type: EventProgress, BookID: bookID, FromPage: from, ToPage: target, Watermark: report.Watermark})
	}

	if report.Deferred {
		pendFrom, pendTo := from, target
		if err := o.store.SetExtractionState(ctx, store.ExtractionState{
			BookID:           bookID,
			LastAnalyzedPage: report.Watermark,
			PendingFromPage:  &pendFrom,
			PendingToPage:    &pendTo,
		}); err != nil {
			return report, err
		}
	}

	o.notify(Event{Type: EventCompleted, BookID: bookID, Watermark: report.Watermark})
	o.logger.Info("extraction run finished",
		"book_id", bookID, "watermark", report.Watermark,
		"batches", report.BatchesRun, "deferred", report.Deferred,
		"cache_hits", report.CacheHits, "evidence_rejected", report.EvidenceRejected)
	return report, nil
}

// recordFailure persists the error and the untouched pending range so the
// next run resumes where this one stopped. The watermark is left alone.
func (o *Orchestrator) recordFailure(ctx context.Context, bookID string, from, target int, runErr error) {
	state, err := o.store.GetExtractionState(ctx, bookID)
	if err != nil {
		o.logger.Error("reading state after failed batch", "book_id", bookID, "error", err)
		return
	}
	state.PendingFromPage = &from
	state.PendingToPage = &target
	state.LastError = runErr.Error()
	if err := o.store.SetExtractionState(ctx, state); err != nil {
		o.logger.Error("recording failed batch", "book_id", bookID, "error", err)
	}
}

// processBatch extracts one page range and persists it atomically. The
// watermark inside the saved batch moves to the range end; any error
// before the save leaves both records and watermark untouched.
func (o *Orchestrator) processBatch(ctx context.Context, bookID, genre string, from, to int, report *Report) error {
	chunks, err := o.store.ChunksInPageRange(ctx, bookID, from, to)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		// A hole in the page sequence still advances the watermark.
		return o.store.SetExtractionState(ctx, store.ExtractionState{BookID: bookID, LastAnalyzedPage: to})
	}

	entities, err := o.store.EntitiesByBook(ctx, bookID)
	if err != nil {
		return err
	}
	rels, err := o.store.RelationshipsByBook(ctx, bookID)
	if err != nil {
		return err
	}
	events, err := o.store.EventsByBook(ctx, bookID)
	if err != nil {
		return err
	}
	claims, err := o.store.ClaimsByBook(ctx, bookID)
	if err != nil {
		return err
	}

	windows := buildWindows(chunks, o.cfg.WindowCharBudget, o.cfg.WindowUnitBudget)
	results, err := o.extractWindows(ctx, bookID, genre, windows, entities, report)
	if err != nil {
		return err
	}

	y := sched.New()
	ms := newMergeState(bookID, to, chunks, entities, rels, events, claims, y)
	for _, wr := range results {
		if err := ms.mergeWindow(ctx, wr.raw, wr.toPage); err != nil {
			return err
		}
	}

	// Inference over the merged snapshot: possessive chains first (they
	// can add entities), then triadic closure over the enlarged graph.
	snapEntities, _ := ms.snapshot()
	parsed := graph.ParsePossessives(chunks, snapEntities, bookID)
	ms.addInferred(parsed.Entities, parsed.Relationships)

	snapEntities, snapRels := ms.snapshot()
	g := graph.Build(snapEntities, snapRels)
	proposals, err := graph.TriadicClosure(ctx, g, y)
	if err != nil {
		return err
	}
	ms.addInferred(nil, proposals)

	report.Mentions = append(report.Mentions, graph.ResolveCoreferences(chunks, snapEntities)...)

	snapEntities, snapRels = ms.snapshot()
	g = graph.Build(snapEntities, snapRels)
	if comms, cerr := graph.Communities(ctx, g, y); cerr == nil {
		report.Communities = comms
	}
	if scores, cerr := graph.Centrality(ctx, g, y); cerr == nil {
		report.Centrality = scores
	}

	report.EvidenceRejected += ms.evidenceRejected

	batch := ms.batch(store.ExtractionState{BookID: bookID, LastAnalyzedPage: to})
	if err := o.store.SaveBatch(ctx, batch); err != nil {
		return fmt.Errorf("persisting batch %d-%d: %w", from, to, err)
	}
	return nil
}

// extractWindows runs the batch's windows with bounded concurrency.
// The first failure in the wave drops concurrency to 1: windows not yet
// started are deferred to the serial pass, which retries them whole and
// bisects the ones that actually failed.
func (o *Orchestrator) extractWindows(ctx context.Context, bookID, genre string, windows []window, known []store.Entity, report *Report) ([]windowResult, error) {
	results := make([]*rawExtraction, len(windows))
	errs := make([]error, len(windows))

	var mu sync.Mutex
	var waveFailed atomic.Bool
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.Concurrency)
	for i := range windows {
		eg.Go(func() error {
			if waveFailed.Load() {
				mu.Lock()
				errs[i] = errWaveSerialized
				mu.Unlock()
				return nil
			}
			raw, hit, err := o.extractWindow(egCtx, bookID, genre, windows[i], known)
			if err != nil {
				waveFailed.Store(true)
			}
			mu.Lock()
			defer mu.Unlock()
			results[i] = raw
			errs[i] = err
			if hit {
				report.CacheHits++
			} else if err == nil {
				report.WindowsExtracted++
			}
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Serial pass: deferred windows are tried whole, failed windows are
	// bisected.
	for i, werr := range errs {
		if werr == nil {
			continue
		}
		if errors.Is(werr, ErrUnavailable) {
			return nil, werr
		}
		if errors.Is(werr, errWaveSerialized) {
			raw, hit, err := o.extractWindow(ctx, bookID, genre, windows[i], known)
			if err == nil {
				results[i] = raw
				if hit {
					report.CacheHits++
				} else {
					report.WindowsExtracted++
				}
				continue
			}
			if errors.Is(err, ErrUnavailable) {
				return nil, err
			}
		}
		merged, err := o.extractBisected(ctx, bookID, genre, windows[i], known, report)
		if err != nil {
			return nil, err
		}
		results[i] = merged
	}

	out := make([]windowResult, 0, len(results))
	for i, r := range results {
		if r != nil {
			out = append(out, windowResult{raw: r, fromPage: windows[i].fromPage, toPage: windows[i].toPage})
		}
	}
	return out, nil
}

// windowResult pairs a window's extraction with the page span it covers,
// so the merge attributes records to the window's pages.
type windowResult struct {
	raw      *rawExtraction
	fromPage int
	toPage   int
}

// extractBisected splits a failed window and extracts the halves
// serially. A window too small to split, or a half that fails again,
// fails the batch.
func (o *Orchestrator) extractBisected(ctx context.Context, bookID, genre string, w window, known []store.Entity, report *Report) (*rawExtraction, error) {
	a, b, ok := w.bisect()
	if !ok {
		return nil, fmt.Errorf("%w: window %s pages %d-%d", ErrSchemaInvalid, w.tag, w.fromPage, w.toPage)
	}
	o.logger.Warn("window failed, bisecting", "book_id", bookID, "window", w.tag, "pages", fmt.Sprintf("%d-%d", w.fromPage, w.toPage))

	merged := &rawExtraction{}
	for _, half := range []window{a, b} {
		raw, hit, err := o.extractWindow(ctx, bookID, genre, half, known)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: window %s pages %d-%d", ErrSchemaInvalid, half.tag, half.fromPage, half.toPage)
		}
		if hit {
			report.CacheHits++
		} else {
			report.WindowsExtracted++
		}
		merged.Entities = append(merged.Entities, raw.Entities...)
		merged.Relationships = append(merged.Relationships, raw.Relationships...)
		merged.Events = append(merged.Events, raw.Events...)
		merged.Claims = append(merged.Claims, raw.Claims...)
	}
	return merged, nil
}

// extractWindow performs one capability call with cache memoization and
// schema-retry. The cached value is the validated JSON, so a hit skips
// the capability entirely.
func (o *Orchestrator) extractWindow(ctx context.Context, bookID, genre string, w window, known []store.Entity) (*rawExtraction, bool, error) {
	key := w.cacheKey(bookID)
	if cached, ok, err := o.store.CacheGet(ctx, key); err == nil && ok {
		if raw, perr := parseExtraction(cached); perr == nil {
			return raw, true, nil
		}
		// A stale or corrupt cache entry falls through to re-extraction.
	}

	prompt := buildUserPrompt(w, known, genre)

	var raw *rawExtraction
	var payload []byte
	attempt := func() error {
		resp, err := o.provider.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: prompt},
			},
			Temperature:    0.1,
			ResponseFormat: "json_object",
		})
		if err != nil {
			// Transport-level failure: not retryable here, the provider
			// already retried transient statuses.
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		body := llm.ExtractJSON(resp.Content)
		if body == "" {
			return fmt.Errorf("no JSON object in response")
		}
		parsed, perr := parseExtraction([]byte(body))
		if perr != nil {
			return perr
		}
		raw = parsed
		payload = []byte(body)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), schemaRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}

	if err := o.store.CachePut(ctx, key, bookID, json.RawMessage(payload)); err != nil {
		o.logger.Warn("caching extraction failed", "book_id", bookID, "window", w.tag, "error", err)
	}
	return raw, false, nil
}
