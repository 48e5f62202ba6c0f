package store

import "fmt"

// schemaVersion is bumped on breaking schema changes. Opening a database
// written by a different major schema forces a clear-and-reindex migration.
const schemaVersion = 2

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Book registry. indexed_chars tracks cumulative section text length so
-- page numbering stays continuous across incremental section indexing.
CREATE TABLE IF NOT EXISTS books (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    genre TEXT,
    indexed_chars INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Page-tagged text chunks. Immutable once created.
CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    section_index INTEGER NOT NULL,
    chapter_title TEXT,
    text TEXT NOT NULL,
    page_number INTEGER NOT NULL,
    position INTEGER NOT NULL,
    content_hash TEXT NOT NULL
);

-- Vector embeddings via sqlite-vec. book_id partitions the index so KNN
-- runs per book; page_number is a metadata column so the spoiler bound is
-- applied inside the KNN scan, before ranking.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id TEXT PRIMARY KEY,
    book_id TEXT PARTITION KEY,
    page_number INTEGER,
    embedding float[%d] distance_metric=cosine
);

-- Lexical index via FTS5 (BM25 ranking).
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    text,
    chapter_title,
    content='chunks',
    content_rowid='rowid',
    tokenize='porter unicode61'
);

-- FTS triggers to keep the lexical index in sync
CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, text, chapter_title) VALUES (new.rowid, new.text, new.chapter_title);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text, chapter_title) VALUES ('delete', old.rowid, old.text, old.chapter_title);
END;

-- Knowledge graph: entities. aliases and facts are JSON arrays.
-- normalized_name is the merge key within a book.
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    entity_type TEXT NOT NULL,
    canonical_name TEXT NOT NULL,
    normalized_name TEXT NOT NULL,
    description TEXT,
    aliases JSON NOT NULL DEFAULT '[]',
    facts JSON NOT NULL DEFAULT '[]',
    first_seen_page INTEGER NOT NULL,
    last_seen_page INTEGER NOT NULL,
    max_page_included INTEGER NOT NULL,
    UNIQUE(book_id, normalized_name)
);

-- O(1) name -> entity resolution. ambiguous is set when two or more
-- entities share a normalized alias.
CREATE TABLE IF NOT EXISTS aliases (
    book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    normalized TEXT NOT NULL,
    alias TEXT NOT NULL,
    entity_ids JSON NOT NULL DEFAULT '[]',
    ambiguous INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (book_id, normalized)
);

-- Knowledge graph: relationships, keyed for merge by (source, target, type).
CREATE TABLE IF NOT EXISTS relationships (
    id TEXT PRIMARY KEY,
    book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    source_entity_id TEXT NOT NULL,
    target_entity_id TEXT NOT NULL,
    relation_type TEXT NOT NULL,
    description TEXT,
    evidence JSON NOT NULL DEFAULT '[]',
    inferred INTEGER NOT NULL DEFAULT 0,
    inference_method TEXT,
    confidence REAL,
    first_seen_page INTEGER NOT NULL,
    last_seen_page INTEGER NOT NULL,
    UNIQUE(book_id, source_entity_id, target_entity_id, relation_type)
);

-- Timeline events, keyed for merge by (page, evidence_hash).
CREATE TABLE IF NOT EXISTS timeline_events (
    id TEXT PRIMARY KEY,
    book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    page INTEGER NOT NULL,
    summary TEXT NOT NULL,
    importance INTEGER NOT NULL DEFAULT 5,
    involved_entity_ids JSON NOT NULL DEFAULT '[]',
    evidence JSON NOT NULL DEFAULT '[]',
    evidence_hash TEXT NOT NULL,
    arc TEXT,
    tone TEXT,
    emotions JSON NOT NULL DEFAULT '[]',
    UNIQUE(book_id, page, evidence_hash)
);

-- Claims (narrative assertions with a truth status).
CREATE TABLE IF NOT EXISTS claims (
    id TEXT PRIMARY KEY,
    book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    claim_type TEXT NOT NULL,
    subject_entity_id TEXT,
    object_entity_id TEXT,
    description TEXT NOT NULL,
    status TEXT NOT NULL,
    evidence JSON NOT NULL DEFAULT '[]',
    UNIQUE(book_id, claim_type, subject_entity_id, object_entity_id, description)
);

-- Extraction progress watermark per book. last_analyzed_page is the single
-- source of truth for how far extraction has progressed; -1 means none.
CREATE TABLE IF NOT EXISTS extraction_state (
    book_id TEXT PRIMARY KEY REFERENCES books(id) ON DELETE CASCADE,
    last_analyzed_page INTEGER NOT NULL DEFAULT -1,
    pending_from_page INTEGER,
    pending_to_page INTEGER,
    last_error TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Memoized extraction calls: identical (page range, text, prompt version)
-- triples are never re-sent to the capability.
CREATE TABLE IF NOT EXISTS extraction_cache (
    cache_key TEXT PRIMARY KEY,
    book_id TEXT NOT NULL,
    extraction JSON NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_chunks_book ON chunks(book_id);
CREATE INDEX IF NOT EXISTS idx_chunks_book_page ON chunks(book_id, page_number);
CREATE INDEX IF NOT EXISTS idx_entities_book ON entities(book_id);
CREATE INDEX IF NOT EXISTS idx_relationships_book ON relationships(book_id);
CREATE INDEX IF NOT EXISTS idx_events_book ON timeline_events(book_id);
CREATE INDEX IF NOT EXISTS idx_events_book_page ON timeline_events(book_id, page);
CREATE INDEX IF NOT EXISTS idx_claims_book ON claims(book_id);
CREATE INDEX IF NOT EXISTS idx_cache_book ON extraction_cache(book_id);
`, embeddingDim)
}
