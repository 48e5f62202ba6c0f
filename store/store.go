// Package store persists chunks, the lexical and vector indexes, and the
// knowledge graph (entities, relationships, timeline events, claims) in a
// single SQLite database keyed by book.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Retrieval method tags on ScoredChunk.
const (
	MethodLexical = "lexical"
	MethodVector  = "vector"
	MethodHybrid  = "hybrid"
)

// Book represents a row in the books table.
type Book struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Genre        string `json:"genre,omitempty"`
	IndexedChars int    `json:"indexed_chars"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Chunk represents one page-tagged slice of section text. Immutable once
// created.
type Chunk struct {
	ID           string `json:"id"`
	BookID       string `json:"book_id"`
	SectionIndex int    `json:"section_index"`
	ChapterTitle string `json:"chapter_title,omitempty"`
	Text         string `json:"text"`
	PageNumber   int    `json:"page_number"`
	Position     int    `json:"position"`
	ContentHash  string `json:"content_hash"`
}

// ScoredChunk is a chunk with its retrieval score and method. Transient,
// query-result only.
type ScoredChunk struct {
	Chunk
	Score  float64 `json:"score"`
	Method string  `json:"method"`
}

// Evidence is the unit of grounding: a verbatim (or near-verbatim) quote
// locatable in the source text at or before its claimed page.
type Evidence struct {
	Quote      string  `json:"quote"`
	Page       int     `json:"page"`
	ChunkID    string  `json:"chunk_id"`
	Confidence float64 `json:"confidence,omitempty"`
	Inferred   bool    `json:"inferred,omitempty"`
}

// Fact is a keyed piece of information about an entity, with its grounding.
type Fact struct {
	Key      string     `json:"key"`
	Value    string     `json:"value"`
	Evidence []Evidence `json:"evidence"`
}

// Entity represents a row in the entities table. Entities are mutable:
// merged by normalized name on every extraction batch, with page fields
// increasing monotonically.
type Entity struct {
	ID              string   `json:"id"`
	BookID          string   `json:"book_id"`
	Type            string   `json:"type"`
	CanonicalName   string   `json:"canonical_name"`
	NormalizedName  string   `json:"normalized_name"`
	Aliases         []string `json:"aliases,omitempty"`
	Description     string   `json:"description,omitempty"`
	Facts           []Fact   `json:"facts,omitempty"`
	FirstSeenPage   int      `json:"first_seen_page"`
	LastSeenPage    int      `json:"last_seen_page"`
	MaxPageIncluded int      `json:"max_page_included"`
}

// Relationship represents a row in the relationships table, keyed for merge
// by (source, target, type). Self-loops are invalid and filtered upstream.
type Relationship struct {
	ID              string     `json:"id"`
	BookID          string     `json:"book_id"`
	SourceEntityID  string     `json:"source_entity_id"`
	TargetEntityID  string     `json:"target_entity_id"`
	Type            string     `json:"type"`
	Description     string     `json:"description,omitempty"`
	Evidence        []Evidence `json:"evidence,omitempty"`
	Inferred        bool       `json:"inferred,omitempty"`
	InferenceMethod string     `json:"inference_method,omitempty"`
	Confidence      float64    `json:"confidence,omitempty"`
	FirstSeenPage   int        `json:"first_seen_page"`
	LastSeenPage    int        `json:"last_seen_page"`
}

// TimelineEvent represents a row in the timeline_events table, keyed for
// merge by (page, evidence hash).
type TimelineEvent struct {
	ID                string     `json:"id"`
	BookID            string     `json:"book_id"`
	Page              int        `json:"page"`
	Summary           string     `json:"summary"`
	Importance        int        `json:"importance"`
	InvolvedEntityIDs []string   `json:"involved_entity_ids,omitempty"`
	Evidence          []Evidence `json:"evidence,omitempty"`
	EvidenceHash      string     `json:"evidence_hash"`
	Arc               string     `json:"arc,omitempty"`
	Tone              string     `json:"tone,omitempty"`
	Emotions          []string   `json:"emotions,omitempty"`
}

// Claim statuses.
const (
	ClaimTrue      = "TRUE"
	ClaimFalse     = "FALSE"
	ClaimSuspected = "SUSPECTED"
)

// Claim represents a row in the claims table.
type Claim struct {
	ID              string     `json:"id"`
	BookID          string     `json:"book_id"`
	Type            string     `json:"type"`
	SubjectEntityID string     `json:"subject_entity_id,omitempty"`
	ObjectEntityID  string     `json:"object_entity_id,omitempty"`
	Description     string     `json:"description"`
	Status          string     `json:"status"`
	Evidence        []Evidence `json:"evidence,omitempty"`
}

// AliasEntry maps a normalized surface form to the entities carrying it.
type AliasEntry struct {
	BookID     string   `json:"book_id"`
	Alias      string   `json:"alias"`
	Normalized string   `json:"normalized"`
	EntityIDs  []string `json:"entity_ids"`
	Ambiguous  bool     `json:"ambiguous"`
}

// ExtractionState is the single source of truth for how far extraction has
// progressed. LastAnalyzedPage is -1 before any page has been analyzed and
// never decreases.
type ExtractionState struct {
	BookID           string `json:"book_id"`
	LastAnalyzedPage int    `json:"last_analyzed_page"`
	PendingFromPage  *int   `json:"pending_from_page,omitempty"`
	PendingToPage    *int   `json:"pending_to_page,omitempty"`
	LastError        string `json:"last_error,omitempty"`
}

// Store wraps the SQLite database for all lorekeep persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Book operations ---

// UpsertBook inserts or updates a book record.
func (s *Store) UpsertBook(ctx context.Context, b Book) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO books (id, title, genre)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			genre = excluded.genre,
			updated_at = CURRENT_TIMESTAMP
	`, b.ID, b.Title, b.Genre)
	return err
}

// GetBook retrieves a book by ID. Returns sql.ErrNoRows if absent.
func (s *Store) GetBook(ctx context.Context, id string) (*Book, error) {
	b := &Book{}
	var genre sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, genre, indexed_chars, created_at, updated_at
		FROM books WHERE id = ?
	`, id).Scan(&b.ID, &b.Title, &genre, &b.IndexedChars, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Genre = genre.String
	return b, nil
}

// ListBooks returns all books ordered by creation time.
func (s *Store) ListBooks(ctx context.Context) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, genre, indexed_chars, created_at, updated_at
		FROM books ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []Book
	for rows.Next() {
		var b Book
		var genre sql.NullString
		if err := rows.Scan(&b.ID, &b.Title, &genre, &b.IndexedChars, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Genre = genre.String
		books = append(books, b)
	}
	return books, rows.Err()
}

// DeleteBook removes a book and cascades to all related data.
func (s *Store) DeleteBook(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_chunks WHERE book_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM extraction_cache WHERE book_id = ?", id); err != nil {
			return err
		}
		// chunks, entities, aliases, relationships, events, claims, and
		// extraction_state cascade from the books row.
		_, err := tx.ExecContext(ctx, "DELETE FROM books WHERE id = ?", id)
		return err
	})
}

// SetIndexedChars records the cumulative indexed character count for a book.
func (s *Store) SetIndexedChars(ctx context.Context, bookID string, chars int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE books SET indexed_chars = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		chars, bookID)
	return err
}

// --- Chunk operations ---

// InsertChunks inserts a batch of chunks in one transaction.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (id, book_id, section_index, chapter_title, text,
				page_number, position, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx,
				c.ID, c.BookID, c.SectionIndex, c.ChapterTitle, c.Text,
				c.PageNumber, c.Position, c.ContentHash); err != nil {
				return err
			}
		}
		return nil
	})
}

// ChunksByBook returns all chunks for a book in document order.
func (s *Store) ChunksByBook(ctx context.Context, bookID string) ([]Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT id, book_id, section_index, chapter_title, text, page_number, position, content_hash
		FROM chunks WHERE book_id = ? ORDER BY section_index, position
	`, bookID)
}

// ChunksInPageRange returns the chunks for pages [from, to] inclusive,
// in document order.
func (s *Store) ChunksInPageRange(ctx context.Context, bookID string, from, to int) ([]Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT id, book_id, section_index, chapter_title, text, page_number, position, content_hash
		FROM chunks WHERE book_id = ? AND page_number BETWEEN ? AND ?
		ORDER BY section_index, position
	`, bookID, from, to)
}

// MaxIndexedPage returns the highest page number present in the chunk
// index, or -1 when the book has no chunks.
func (s *Store) MaxIndexedPage(ctx context.Context, bookID string) (int, error) {
	var page sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(page_number) FROM chunks WHERE book_id = ?", bookID).Scan(&page)
	if err != nil {
		return -1, err
	}
	if !page.Valid {
		return -1, nil
	}
	return int(page.Int64), nil
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var title sql.NullString
		if err := rows.Scan(&c.ID, &c.BookID, &c.SectionIndex, &title, &c.Text,
			&c.PageNumber, &c.Position, &c.ContentHash); err != nil {
			return nil, err
		}
		c.ChapterTitle = title.String
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Embedding operations ---

// InsertEmbedding stores a vector embedding for a chunk. The chunk's book
// and page ride along so KNN queries can filter inside the index.
func (s *Store) InsertEmbedding(ctx context.Context, c Chunk, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_chunks (chunk_id, book_id, page_number, embedding) VALUES (?, ?, ?, ?)",
		c.ID, c.BookID, c.PageNumber, serializeFloat32(embedding))
	return err
}

// EmbeddingCount returns how many chunks of a book have embeddings.
func (s *Store) EmbeddingCount(ctx context.Context, bookID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vec_chunks WHERE book_id = ?", bookID).Scan(&n)
	return n, err
}

// VectorSearch performs a KNN search over the book's embedded chunks with
// page_number <= maxPage, returning up to k results by descending cosine
// similarity with ties broken by chunk id. The page filter is a vec0
// metadata constraint evaluated during the scan, never after ranking.
func (s *Store) VectorSearch(ctx context.Context, bookID string, queryEmbedding []float32, k, maxPage int) ([]ScoredChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance,
			c.book_id, c.section_index, c.chapter_title, c.text, c.page_number, c.position, c.content_hash
		FROM (
			WITH knn AS MATERIALIZED (
				SELECT chunk_id, distance
				FROM vec_chunks
				WHERE embedding MATCH ? AND k = ? AND book_id = ? AND page_number <= ?
				ORDER BY distance
			)
			SELECT chunk_id, distance FROM knn
		) v
		JOIN chunks c ON c.id = v.chunk_id
		ORDER BY v.distance, v.chunk_id
	`, serializeFloat32(queryEmbedding), k, bookID, maxPage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var r ScoredChunk
		var distance float64
		var title sql.NullString
		if err := rows.Scan(&r.ID, &distance,
			&r.BookID, &r.SectionIndex, &title, &r.Text, &r.PageNumber, &r.Position, &r.ContentHash); err != nil {
			return nil, err
		}
		r.ChapterTitle = title.String
		r.Score = 1.0 - distance // cosine distance -> similarity
		r.Method = MethodVector
		results = append(results, r)
	}
	return results, rows.Err()
}

// LexicalSearch performs an FTS5 BM25 search over the book's chunks with
// page_number <= maxPage. matchQuery must be valid FTS5 syntax (callers
// sanitize). The page filter is applied in the WHERE clause, before the
// result set is truncated.
func (s *Store) LexicalSearch(ctx context.Context, bookID, matchQuery string, limit, maxPage int) ([]ScoredChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, f.rank,
			c.book_id, c.section_index, c.chapter_title, c.text, c.page_number, c.position, c.content_hash
		FROM chunks_fts f
		JOIN chunks c ON c.rowid = f.rowid
		WHERE chunks_fts MATCH ? AND c.book_id = ? AND c.page_number <= ?
		ORDER BY f.rank, c.id
		LIMIT ?
	`, matchQuery, bookID, maxPage, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var r ScoredChunk
		var rank float64
		var title sql.NullString
		if err := rows.Scan(&r.ID, &rank,
			&r.BookID, &r.SectionIndex, &title, &r.Text, &r.PageNumber, &r.Position, &r.ContentHash); err != nil {
			return nil, err
		}
		r.ChapterTitle = title.String
		r.Score = -rank // FTS5 rank is negative (lower = better)
		r.Method = MethodLexical
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Stats ---

// Stats holds counts of key database objects for a book.
type Stats struct {
	Chunks        int `json:"chunks"`
	Embeddings    int `json:"embeddings"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Events        int `json:"events"`
	Claims        int `json:"claims"`
}

// BookStats returns counts of chunks, embeddings, and graph records.
func (s *Store) BookStats(ctx context.Context, bookID string) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM chunks WHERE book_id = ?", &stats.Chunks},
		{"SELECT COUNT(*) FROM vec_chunks WHERE book_id = ?", &stats.Embeddings},
		{"SELECT COUNT(*) FROM entities WHERE book_id = ?", &stats.Entities},
		{"SELECT COUNT(*) FROM relationships WHERE book_id = ?", &stats.Relationships},
		{"SELECT COUNT(*) FROM timeline_events WHERE book_id = ?", &stats.Events},
		{"SELECT COUNT(*) FROM claims WHERE book_id = ?", &stats.Claims},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, bookID).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
