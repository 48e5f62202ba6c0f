package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// GraphBatch is everything one extraction batch writes: the merged graph
// records, the rebuilt alias table, and the advanced watermark. SaveBatch
// persists it as one logical unit.
type GraphBatch struct {
	Entities      []Entity
	Aliases       []AliasEntry
	Relationships []Relationship
	Events        []TimelineEvent
	Claims        []Claim
	State         ExtractionState
}

// SaveBatch persists a graph batch atomically. The watermark in
// batch.State is written in the same transaction as the records, so a
// failure leaves both untouched: no partial-page credit is ever given.
func (s *Store) SaveBatch(ctx context.Context, batch GraphBatch) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range batch.Entities {
			aliases := marshalJSON(e.Aliases)
			facts := marshalJSON(e.Facts)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entities (id, book_id, entity_type, canonical_name, normalized_name,
					description, aliases, facts, first_seen_page, last_seen_page, max_page_included)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(book_id, normalized_name) DO UPDATE SET
					entity_type = excluded.entity_type,
					canonical_name = excluded.canonical_name,
					description = excluded.description,
					aliases = excluded.aliases,
					facts = excluded.facts,
					first_seen_page = MIN(entities.first_seen_page, excluded.first_seen_page),
					last_seen_page = MAX(entities.last_seen_page, excluded.last_seen_page),
					max_page_included = MAX(entities.max_page_included, excluded.max_page_included)
			`, e.ID, e.BookID, e.Type, e.CanonicalName, e.NormalizedName,
				e.Description, aliases, facts, e.FirstSeenPage, e.LastSeenPage, e.MaxPageIncluded); err != nil {
				return fmt.Errorf("upserting entity %q: %w", e.CanonicalName, err)
			}
		}

		if len(batch.Aliases) > 0 {
			// The alias table is derived state; rebuild it for the book.
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM aliases WHERE book_id = ?", batch.State.BookID); err != nil {
				return err
			}
			for _, a := range batch.Aliases {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO aliases (book_id, normalized, alias, entity_ids, ambiguous)
					VALUES (?, ?, ?, ?, ?)
				`, a.BookID, a.Normalized, a.Alias, marshalJSON(a.EntityIDs), a.Ambiguous); err != nil {
					return fmt.Errorf("inserting alias %q: %w", a.Alias, err)
				}
			}
		}

		for _, r := range batch.Relationships {
			if r.SourceEntityID == r.TargetEntityID {
				return fmt.Errorf("relationship %s is a self-loop", r.ID)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO relationships (id, book_id, source_entity_id, target_entity_id,
					relation_type, description, evidence, inferred, inference_method, confidence,
					first_seen_page, last_seen_page)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(book_id, source_entity_id, target_entity_id, relation_type) DO UPDATE SET
					description = excluded.description,
					evidence = excluded.evidence,
					inferred = excluded.inferred,
					inference_method = excluded.inference_method,
					confidence = MAX(COALESCE(relationships.confidence, 0), COALESCE(excluded.confidence, 0)),
					first_seen_page = MIN(relationships.first_seen_page, excluded.first_seen_page),
					last_seen_page = MAX(relationships.last_seen_page, excluded.last_seen_page)
			`, r.ID, r.BookID, r.SourceEntityID, r.TargetEntityID,
				r.Type, r.Description, marshalJSON(r.Evidence), r.Inferred, r.InferenceMethod, nullableFloat(r.Confidence),
				r.FirstSeenPage, r.LastSeenPage); err != nil {
				return fmt.Errorf("upserting relationship %s->%s: %w", r.SourceEntityID, r.TargetEntityID, err)
			}
		}

		for _, ev := range batch.Events {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO timeline_events (id, book_id, page, summary, importance,
					involved_entity_ids, evidence, evidence_hash, arc, tone, emotions)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(book_id, page, evidence_hash) DO UPDATE SET
					summary = excluded.summary,
					importance = MAX(timeline_events.importance, excluded.importance),
					involved_entity_ids = excluded.involved_entity_ids,
					evidence = excluded.evidence,
					arc = COALESCE(NULLIF(excluded.arc, ''), timeline_events.arc),
					tone = COALESCE(NULLIF(excluded.tone, ''), timeline_events.tone),
					emotions = excluded.emotions
			`, ev.ID, ev.BookID, ev.Page, ev.Summary, ev.Importance,
				marshalJSON(ev.InvolvedEntityIDs), marshalJSON(ev.Evidence), ev.EvidenceHash,
				ev.Arc, ev.Tone, marshalJSON(ev.Emotions)); err != nil {
				return fmt.Errorf("upserting event at page %d: %w", ev.Page, err)
			}
		}

		for _, c := range batch.Claims {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO claims (id, book_id, claim_type, subject_entity_id, object_entity_id,
					description, status, evidence)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(book_id, claim_type, subject_entity_id, object_entity_id, description) DO UPDATE SET
					status = excluded.status,
					evidence = excluded.evidence
			`, c.ID, c.BookID, c.Type, c.SubjectEntityID, c.ObjectEntityID,
				c.Description, c.Status, marshalJSON(c.Evidence)); err != nil {
				return fmt.Errorf("upserting claim %q: %w", c.Description, err)
			}
		}

		return writeState(ctx, tx, batch.State)
	})
}

// --- Reads ---

// EntitiesByBook returns all entities for a book.
func (s *Store) EntitiesByBook(ctx context.Context, bookID string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, entity_type, canonical_name, normalized_name, description,
			aliases, facts, first_seen_page, last_seen_page, max_page_included
		FROM entities WHERE book_id = ?
	`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func scanEntity(rows *sql.Rows) (Entity, error) {
	var e Entity
	var desc sql.NullString
	var aliases, facts string
	if err := rows.Scan(&e.ID, &e.BookID, &e.Type, &e.CanonicalName, &e.NormalizedName,
		&desc, &aliases, &facts, &e.FirstSeenPage, &e.LastSeenPage, &e.MaxPageIncluded); err != nil {
		return e, err
	}
	e.Description = desc.String
	unmarshalJSON(aliases, &e.Aliases)
	unmarshalJSON(facts, &e.Facts)
	return e, nil
}

// RelationshipsByBook returns all relationships for a book.
func (s *Store) RelationshipsByBook(ctx context.Context, bookID string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, source_entity_id, target_entity_id, relation_type, description,
			evidence, inferred, inference_method, confidence, first_seen_page, last_seen_page
		FROM relationships WHERE book_id = ?
	`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		var desc, method sql.NullString
		var conf sql.NullFloat64
		var evidence string
		if err := rows.Scan(&r.ID, &r.BookID, &r.SourceEntityID, &r.TargetEntityID,
			&r.Type, &desc, &evidence, &r.Inferred, &method, &conf,
			&r.FirstSeenPage, &r.LastSeenPage); err != nil {
			return nil, err
		}
		r.Description = desc.String
		r.InferenceMethod = method.String
		r.Confidence = conf.Float64
		unmarshalJSON(evidence, &r.Evidence)
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// EventsByBook returns all timeline events for a book in page order.
func (s *Store) EventsByBook(ctx context.Context, bookID string) ([]TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, page, summary, importance, involved_entity_ids,
			evidence, evidence_hash, arc, tone, emotions
		FROM timeline_events WHERE book_id = ? ORDER BY page
	`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TimelineEvent
	for rows.Next() {
		var ev TimelineEvent
		var arc, tone sql.NullString
		var involved, evidence, emotions string
		if err := rows.Scan(&ev.ID, &ev.BookID, &ev.Page, &ev.Summary, &ev.Importance,
			&involved, &evidence, &ev.EvidenceHash, &arc, &tone, &emotions); err != nil {
			return nil, err
		}
		ev.Arc = arc.String
		ev.Tone = tone.String
		unmarshalJSON(involved, &ev.InvolvedEntityIDs)
		unmarshalJSON(evidence, &ev.Evidence)
		unmarshalJSON(emotions, &ev.Emotions)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ClaimsByBook returns all claims for a book.
func (s *Store) ClaimsByBook(ctx context.Context, bookID string) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, claim_type, subject_entity_id, object_entity_id,
			description, status, evidence
		FROM claims WHERE book_id = ?
	`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		var c Claim
		var subj, obj sql.NullString
		var evidence string
		if err := rows.Scan(&c.ID, &c.BookID, &c.Type, &subj, &obj,
			&c.Description, &c.Status, &evidence); err != nil {
			return nil, err
		}
		c.SubjectEntityID = subj.String
		c.ObjectEntityID = obj.String
		unmarshalJSON(evidence, &c.Evidence)
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// AliasesByBook returns the alias table for a book.
func (s *Store) AliasesByBook(ctx context.Context, bookID string) ([]AliasEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT book_id, normalized, alias, entity_ids, ambiguous
		FROM aliases WHERE book_id = ?
	`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []AliasEntry
	for rows.Next() {
		var a AliasEntry
		var ids string
		if err := rows.Scan(&a.BookID, &a.Normalized, &a.Alias, &ids, &a.Ambiguous); err != nil {
			return nil, err
		}
		unmarshalJSON(ids, &a.EntityIDs)
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// ResolveAlias looks up the entities carrying a normalized surface form.
// Returns nil when the alias is unknown.
func (s *Store) ResolveAlias(ctx context.Context, bookID, normalized string) (*AliasEntry, error) {
	var a AliasEntry
	var ids string
	err := s.db.QueryRowContext(ctx, `
		SELECT book_id, normalized, alias, entity_ids, ambiguous
		FROM aliases WHERE book_id = ? AND normalized = ?
	`, bookID, normalized).Scan(&a.BookID, &a.Normalized, &a.Alias, &ids, &a.Ambiguous)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	unmarshalJSON(ids, &a.EntityIDs)
	return &a, nil
}

// --- Snapshot (spoiler-safe read) ---

// Snapshot is a spoiler-safe view of a book's graph at a page bound.
type Snapshot struct {
	BookID        string          `json:"book_id"`
	MaxPage       int             `json:"max_page"` // effective bound: min(requested, lastAnalyzedPage)
	Entities      []Entity        `json:"entities"`
	Relationships []Relationship  `json:"relationships"`
	Events        []TimelineEvent `json:"events"`
	Claims        []Claim         `json:"claims"`
}

// Snapshot returns all graph records visible at page maxPage. The
// effective bound is min(maxPage, lastAnalyzedPage): data derived from
// pages not yet confirmed analyzed is never revealed, even if a partial
// batch touched them. Records are clamped: page fields are capped at the
// bound and evidence past it is stripped.
func (s *Store) Snapshot(ctx context.Context, bookID string, maxPage int) (*Snapshot, error) {
	state, err := s.GetExtractionState(ctx, bookID)
	if err != nil {
		return nil, err
	}
	bound := maxPage
	if state.LastAnalyzedPage < bound {
		bound = state.LastAnalyzedPage
	}

	snap := &Snapshot{BookID: bookID, MaxPage: bound}
	if bound < 0 {
		return snap, nil
	}

	entities, err := s.EntitiesByBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if e.FirstSeenPage > bound {
			continue
		}
		e.LastSeenPage = min(e.LastSeenPage, bound)
		e.MaxPageIncluded = min(e.MaxPageIncluded, bound)
		e.Facts = clampFacts(e.Facts, bound)
		snap.Entities = append(snap.Entities, e)
	}
	visible := make(map[string]bool, len(snap.Entities))
	for _, e := range snap.Entities {
		visible[e.ID] = true
	}

	rels, err := s.RelationshipsByBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	for _, r := range rels {
		if r.FirstSeenPage > bound || !visible[r.SourceEntityID] || !visible[r.TargetEntityID] {
			continue
		}
		r.LastSeenPage = min(r.LastSeenPage, bound)
		r.Evidence = clampEvidence(r.Evidence, bound)
		snap.Relationships = append(snap.Relationships, r)
	}

	events, err := s.EventsByBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.Page > bound {
			continue
		}
		ev.Evidence = clampEvidence(ev.Evidence, bound)
		snap.Events = append(snap.Events, ev)
	}

	claims, err := s.ClaimsByBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	for _, c := range claims {
		kept := clampEvidence(c.Evidence, bound)
		if len(kept) == 0 {
			continue
		}
		c.Evidence = kept
		snap.Claims = append(snap.Claims, c)
	}

	return snap, nil
}

func clampEvidence(evs []Evidence, bound int) []Evidence {
	var kept []Evidence
	for _, ev := range evs {
		if ev.Page <= bound {
			kept = append(kept, ev)
		}
	}
	return kept
}

func clampFacts(facts []Fact, bound int) []Fact {
	var kept []Fact
	for _, f := range facts {
		ev := clampEvidence(f.Evidence, bound)
		if len(ev) == 0 {
			continue
		}
		f.Evidence = ev
		kept = append(kept, f)
	}
	return kept
}

// --- Extraction state ---

// GetExtractionState returns the progress state for a book, defaulting to
// LastAnalyzedPage = -1 when no extraction has run yet.
func (s *Store) GetExtractionState(ctx context.Context, bookID string) (ExtractionState, error) {
	state := ExtractionState{BookID: bookID, LastAnalyzedPage: -1}
	var from, to sql.NullInt64
	var lastErr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT last_analyzed_page, pending_from_page, pending_to_page, last_error
		FROM extraction_state WHERE book_id = ?
	`, bookID).Scan(&state.LastAnalyzedPage, &from, &to, &lastErr)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	if from.Valid {
		v := int(from.Int64)
		state.PendingFromPage = &v
	}
	if to.Valid {
		v := int(to.Int64)
		state.PendingToPage = &v
	}
	state.LastError = lastErr.String
	return state, nil
}

// SetExtractionState writes the progress state for a book.
func (s *Store) SetExtractionState(ctx context.Context, state ExtractionState) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return writeState(ctx, tx, state)
	})
}

func writeState(ctx context.Context, tx *sql.Tx, state ExtractionState) error {
	var from, to any
	if state.PendingFromPage != nil {
		from = *state.PendingFromPage
	}
	if state.PendingToPage != nil {
		to = *state.PendingToPage
	}
	var lastErr any
	if state.LastError != "" {
		lastErr = state.LastError
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO extraction_state (book_id, last_analyzed_page, pending_from_page, pending_to_page, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(book_id) DO UPDATE SET
			last_analyzed_page = MAX(extraction_state.last_analyzed_page, excluded.last_analyzed_page),
			pending_from_page = excluded.pending_from_page,
			pending_to_page = excluded.pending_to_page,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP
	`, state.BookID, state.LastAnalyzedPage, from, to, lastErr)
	return err
}

// ClearBookGraph removes all graph data and resets the watermark for a
// book, keeping the chunk and embedding indexes. Used by rebuild-to-page.
func (s *Store) ClearBookGraph(ctx context.Context, bookID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"entities", "aliases", "relationships", "timeline_events", "claims"} {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM "+table+" WHERE book_id = ?", bookID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO extraction_state (book_id, last_analyzed_page, updated_at)
			VALUES (?, -1, CURRENT_TIMESTAMP)
			ON CONFLICT(book_id) DO UPDATE SET
				last_analyzed_page = -1,
				pending_from_page = NULL,
				pending_to_page = NULL,
				last_error = NULL,
				updated_at = CURRENT_TIMESTAMP
		`, bookID)
		return err
	})
}

// --- Extraction cache ---

// CacheGet returns the memoized extraction JSON for a key, if present.
func (s *Store) CacheGet(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT extraction FROM extraction_cache WHERE cache_key = ?", key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(raw), true, nil
}

// CachePut memoizes an extraction result.
func (s *Store) CachePut(ctx context.Context, key, bookID string, extraction json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO extraction_cache (cache_key, book_id, extraction) VALUES (?, ?, ?)",
		key, bookID, string(extraction))
	return err
}

// --- JSON helpers ---

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func unmarshalJSON[T any](raw string, dest *T) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), dest)
}

func nullableFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
