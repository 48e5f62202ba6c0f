package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorekeep/lorekeep"
)

type handler struct {
	engine lorekeep.Engine
}

func newHandler(e lorekeep.Engine) *handler {
	return &handler{engine: e}
}

// POST /books
func (h *handler) handleAddBook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Genre string `json:"genre,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	var opts []lorekeep.BookOption
	if req.Genre != "" {
		opts = append(opts, lorekeep.WithGenre(req.Genre))
	}

	if err := h.engine.AddBook(r.Context(), req.ID, req.Title, opts...); err != nil {
		writeEngineError(w, err, "add book")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"book_id": req.ID})
}

// GET /books
func (h *handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.engine.Books(r.Context())
	if err != nil {
		writeEngineError(w, err, "list books")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"books": books,
	})
}

// DELETE /books/{id}
func (h *handler) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "id")

	if err := h.engine.DeleteBook(r.Context(), bookID); err != nil {
		writeEngineError(w, err, "delete book")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /books/{id}/sections
func (h *handler) handleIndexSection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	bookID := chi.URLParam(r, "id")

	var section lorekeep.Section
	if err := json.NewDecoder(r.Body).Decode(&section); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if section.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	result, err := h.engine.IndexSection(ctx, bookID, section)
	if err != nil {
		writeEngineError(w, err, "index section")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /books/{id}/search?q=...&top_k=...&max_page=...
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	bookID := chi.URLParam(r, "id")

	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	maxPage, ok := intQuery(r, "max_page", -1)
	if !ok || maxPage < 0 {
		writeError(w, http.StatusBadRequest, "max_page is required")
		return
	}

	topK, ok := intQuery(r, "top_k", 10)
	if !ok || topK < 0 || topK > 100 {
		topK = 10
	}

	results, trace, err := h.engine.Search(ctx, bookID, query, topK, maxPage)
	if err != nil {
		writeEngineError(w, err, "search")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"trace":   trace,
	})
}

// POST /books/{id}/progress
// Advances the analysis watermark toward the reader's page. With
// "rebuild" set, the graph is cleared and re-extracted up to the page.
func (h *handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	bookID := chi.URLParam(r, "id")

	var req struct {
		Page    int  `json:"page"`
		Rebuild bool `json:"rebuild,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Page < 0 {
		writeError(w, http.StatusBadRequest, "page must be >= 0")
		return
	}

	var (
		report interface{}
		err    error
	)
	if req.Rebuild {
		report, err = h.engine.RebuildToPage(ctx, bookID, req.Page)
	} else {
		report, err = h.engine.AdvanceTo(ctx, bookID, req.Page)
	}
	if err != nil {
		writeEngineError(w, err, "progress")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GET /books/{id}/snapshot?max_page=...
func (h *handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "id")

	maxPage, ok := intQuery(r, "max_page", -1)
	if !ok || maxPage < 0 {
		writeError(w, http.StatusBadRequest, "max_page is required")
		return
	}

	snap, err := h.engine.Snapshot(r.Context(), bookID, maxPage)
	if err != nil {
		writeEngineError(w, err, "snapshot")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// GET /books/{id}/lookup?term=...&max_page=...
func (h *handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	bookID := chi.URLParam(r, "id")

	term := r.URL.Query().Get("term")
	if term == "" {
		writeError(w, http.StatusBadRequest, "term is required")
		return
	}

	maxPage, ok := intQuery(r, "max_page", -1)
	if !ok || maxPage < 0 {
		writeError(w, http.StatusBadRequest, "max_page is required")
		return
	}

	result, err := h.engine.Lookup(ctx, bookID, term, maxPage)
	if err != nil {
		writeEngineError(w, err, "lookup")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /books/{id}/stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "id")

	stats, err := h.engine.Stats(r.Context(), bookID)
	if err != nil {
		writeEngineError(w, err, "stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// GET /events
// Streams extraction progress events as server-sent events until the
// client disconnects. Slow clients lose events rather than block runs.
func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := h.engine.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// intQuery parses an optional integer query parameter. The second return
// is false when the parameter is present but malformed or absent with a
// negative fallback.
func intQuery(r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, fallback >= 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, false
	}
	return v, true
}

// writeEngineError maps engine sentinels to HTTP statuses and logs the
// underlying error.
func writeEngineError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, lorekeep.ErrBookNotFound):
		writeError(w, http.StatusNotFound, "book not found")
	case errors.Is(err, lorekeep.ErrTermNotFound):
		writeError(w, http.StatusNotFound, "term not found")
	case errors.Is(err, lorekeep.ErrExtractionRunning):
		writeError(w, http.StatusConflict, "extraction already running")
	case errors.Is(err, lorekeep.ErrNotIndexed):
		writeError(w, http.StatusConflict, "requested pages are not indexed")
	case errors.Is(err, lorekeep.ErrExtractionUnavailable):
		writeError(w, http.StatusServiceUnavailable, "extraction capability unavailable")
	case errors.Is(err, lorekeep.ErrSchemaInvalid):
		writeError(w, http.StatusBadGateway, "extraction produced invalid output")
	case errors.Is(err, lorekeep.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
	slog.Error(op+" error", "error", err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
