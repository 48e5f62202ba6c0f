package store

import (
	"context"
	"encoding/json"
	"testing"
)

func ev(quote string, page int) Evidence {
	return Evidence{Quote: quote, Page: page, ChunkID: "chunk-" + quote}
}

func TestSaveBatchAndReadBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	batch := GraphBatch{
		Entities: []Entity{
			{
				ID: "e1", BookID: "b1", Type: "character",
				CanonicalName: "Alice Liddell", NormalizedName: "alice liddell",
				Aliases: []string{"Alice"},
				Facts: []Fact{{
					Key: "occupation", Value: "explorer",
					Evidence: []Evidence{ev("alice explored", 2)},
				}},
				FirstSeenPage: 0, LastSeenPage: 4, MaxPageIncluded: 4,
			},
			{
				ID: "e2", BookID: "b1", Type: "character",
				CanonicalName: "The Queen", NormalizedName: "the queen",
				FirstSeenPage: 3, LastSeenPage: 4, MaxPageIncluded: 4,
			},
		},
		Aliases: []AliasEntry{
			{BookID: "b1", Alias: "Alice", Normalized: "alice", EntityIDs: []string{"e1"}},
		},
		Relationships: []Relationship{
			{
				ID: "r1", BookID: "b1", SourceEntityID: "e1", TargetEntityID: "e2",
				Type: "enemy_of", Evidence: []Evidence{ev("off with her head", 4)},
				Confidence: 0.9, FirstSeenPage: 4, LastSeenPage: 4,
			},
		},
		Events: []TimelineEvent{
			{
				ID: "ev1", BookID: "b1", Page: 3, Summary: "Alice meets the Queen",
				Importance: 7, InvolvedEntityIDs: []string{"e1", "e2"},
				Evidence: []Evidence{ev("meeting", 3)}, EvidenceHash: "h1",
			},
		},
		Claims: []Claim{
			{
				ID: "cl1", BookID: "b1", Type: "secret", SubjectEntityID: "e2",
				Description: "the queen cheats at croquet", Status: ClaimSuspected,
				Evidence: []Evidence{ev("croquet", 4)},
			},
		},
		State: ExtractionState{BookID: "b1", LastAnalyzedPage: 4},
	}
	if err := s.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	entities, err := s.EntitiesByBook(ctx, "b1")
	if err != nil {
		t.Fatalf("EntitiesByBook: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("got %d entities, want 2", len(entities))
	}

	rels, _ := s.RelationshipsByBook(ctx, "b1")
	if len(rels) != 1 || rels[0].Type != "enemy_of" {
		t.Fatalf("relationships = %+v, want one enemy_of", rels)
	}
	if len(rels[0].Evidence) != 1 {
		t.Errorf("relationship evidence lost on round trip")
	}

	events, _ := s.EventsByBook(ctx, "b1")
	if len(events) != 1 || events[0].Summary != "Alice meets the Queen" {
		t.Fatalf("events = %+v", events)
	}

	claims, _ := s.ClaimsByBook(ctx, "b1")
	if len(claims) != 1 || claims[0].Status != ClaimSuspected {
		t.Fatalf("claims = %+v", claims)
	}

	state, _ := s.GetExtractionState(ctx, "b1")
	if state.LastAnalyzedPage != 4 {
		t.Errorf("watermark = %d, want 4", state.LastAnalyzedPage)
	}
}

func TestSaveBatchMergesByCompositeKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	base := GraphBatch{
		Entities: []Entity{{
			ID: "e1", BookID: "b1", Type: "character",
			CanonicalName: "Bob", NormalizedName: "bob",
			FirstSeenPage: 2, LastSeenPage: 3, MaxPageIncluded: 3,
		}},
		State: ExtractionState{BookID: "b1", LastAnalyzedPage: 3},
	}
	if err := s.SaveBatch(ctx, base); err != nil {
		t.Fatal(err)
	}

	// A later batch re-extracts the same entity under a different record id.
	// The normalized-name key must merge rather than duplicate, keeping
	// first_seen_page at its minimum.
	later := GraphBatch{
		Entities: []Entity{{
			ID: "e1-dup", BookID: "b1", Type: "character",
			CanonicalName: "Bob", NormalizedName: "bob",
			Description:   "a blacksmith",
			FirstSeenPage: 5, LastSeenPage: 8, MaxPageIncluded: 8,
		}},
		State: ExtractionState{BookID: "b1", LastAnalyzedPage: 8},
	}
	if err := s.SaveBatch(ctx, later); err != nil {
		t.Fatal(err)
	}

	entities, _ := s.EntitiesByBook(ctx, "b1")
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1 after merge", len(entities))
	}
	e := entities[0]
	if e.FirstSeenPage != 2 {
		t.Errorf("first seen = %d, want 2", e.FirstSeenPage)
	}
	if e.LastSeenPage != 8 || e.MaxPageIncluded != 8 {
		t.Errorf("pages = (%d, %d), want (8, 8)", e.LastSeenPage, e.MaxPageIncluded)
	}
	if e.Description != "a blacksmith" {
		t.Errorf("description = %q", e.Description)
	}
}

func TestSaveBatchRejectsSelfLoops(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	batch := GraphBatch{
		Relationships: []Relationship{{
			ID: "r1", BookID: "b1", SourceEntityID: "e1", TargetEntityID: "e1",
			Type: "friend_of",
		}},
		State: ExtractionState{BookID: "b1", LastAnalyzedPage: 0},
	}
	if err := s.SaveBatch(ctx, batch); err == nil {
		t.Fatal("self-loop relationship accepted")
	}
	// The rejection must roll back the watermark too.
	state, _ := s.GetExtractionState(ctx, "b1")
	if state.LastAnalyzedPage != -1 {
		t.Errorf("watermark = %d after failed batch, want -1", state.LastAnalyzedPage)
	}
}

func TestWatermarkNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	if err := s.SetExtractionState(ctx, ExtractionState{BookID: "b1", LastAnalyzedPage: 9}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetExtractionState(ctx, ExtractionState{BookID: "b1", LastAnalyzedPage: 4}); err != nil {
		t.Fatal(err)
	}
	state, _ := s.GetExtractionState(ctx, "b1")
	if state.LastAnalyzedPage != 9 {
		t.Errorf("watermark = %d, want 9 (must not decrease)", state.LastAnalyzedPage)
	}
}

func TestSnapshotSpoilerSafety(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	batch := GraphBatch{
		Entities: []Entity{
			{
				ID: "e-early", BookID: "b1", Type: "character",
				CanonicalName: "Early", NormalizedName: "early",
				Facts: []Fact{
					{Key: "role", Value: "hero", Evidence: []Evidence{ev("hero intro", 1)}},
					{Key: "secret", Value: "is royalty", Evidence: []Evidence{ev("reveal", 9)}},
				},
				FirstSeenPage: 1, LastSeenPage: 9, MaxPageIncluded: 9,
			},
			{
				ID: "e-late", BookID: "b1", Type: "character",
				CanonicalName: "Late", NormalizedName: "late",
				FirstSeenPage: 8, LastSeenPage: 9, MaxPageIncluded: 9,
			},
		},
		Relationships: []Relationship{
			{
				ID: "r-late", BookID: "b1", SourceEntityID: "e-early", TargetEntityID: "e-late",
				Type: "sibling_of", Evidence: []Evidence{ev("siblings", 9)},
				FirstSeenPage: 9, LastSeenPage: 9,
			},
		},
		Events: []TimelineEvent{
			{ID: "t1", BookID: "b1", Page: 2, Summary: "early event", EvidenceHash: "h1"},
			{ID: "t2", BookID: "b1", Page: 9, Summary: "late twist", EvidenceHash: "h2"},
		},
		Claims: []Claim{
			{ID: "c1", BookID: "b1", Type: "secret", SubjectEntityID: "e-early",
				Description: "royal blood", Status: ClaimTrue,
				Evidence: []Evidence{ev("reveal", 9)}},
		},
		State: ExtractionState{BookID: "b1", LastAnalyzedPage: 9},
	}
	if err := s.SaveBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	snap, err := s.Snapshot(ctx, "b1", 4)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.MaxPage != 4 {
		t.Errorf("effective bound = %d, want 4", snap.MaxPage)
	}
	if len(snap.Entities) != 1 || snap.Entities[0].ID != "e-early" {
		t.Fatalf("entities at page 4 = %+v, want only e-early", snap.Entities)
	}
	e := snap.Entities[0]
	if e.LastSeenPage > 4 || e.MaxPageIncluded > 4 {
		t.Errorf("entity page fields (%d, %d) exceed bound 4", e.LastSeenPage, e.MaxPageIncluded)
	}
	if len(e.Facts) != 1 || e.Facts[0].Key != "role" {
		t.Errorf("facts at page 4 = %+v, want only the page-1 fact", e.Facts)
	}
	if len(snap.Relationships) != 0 {
		t.Errorf("page-9 relationship leaked into page-4 snapshot")
	}
	if len(snap.Events) != 1 || snap.Events[0].Summary != "early event" {
		t.Errorf("events = %+v, want only early event", snap.Events)
	}
	if len(snap.Claims) != 0 {
		t.Errorf("claim with only page-9 evidence leaked")
	}

	// At the full bound everything is visible unclamped.
	full, _ := s.Snapshot(ctx, "b1", 100)
	if full.MaxPage != 9 {
		t.Errorf("effective bound = %d, want 9 (capped at watermark)", full.MaxPage)
	}
	if len(full.Entities) != 2 || len(full.Relationships) != 1 ||
		len(full.Events) != 2 || len(full.Claims) != 1 {
		t.Errorf("full snapshot incomplete: %d entities, %d rels, %d events, %d claims",
			len(full.Entities), len(full.Relationships), len(full.Events), len(full.Claims))
	}
}

func TestSnapshotBeforeAnyExtractionIsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	snap, err := s.Snapshot(ctx, "b1", 50)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.MaxPage != -1 {
		t.Errorf("bound = %d, want -1", snap.MaxPage)
	}
	if len(snap.Entities) != 0 || len(snap.Events) != 0 {
		t.Errorf("snapshot not empty before extraction: %+v", snap)
	}
}

func TestResolveAlias(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	batch := GraphBatch{
		Aliases: []AliasEntry{
			{BookID: "b1", Alias: "Liz", Normalized: "liz", EntityIDs: []string{"e1"}},
			{BookID: "b1", Alias: "Smith", Normalized: "smith", EntityIDs: []string{"e2", "e3"}, Ambiguous: true},
		},
		State: ExtractionState{BookID: "b1", LastAnalyzedPage: 0},
	}
	if err := s.SaveBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	a, err := s.ResolveAlias(ctx, "b1", "liz")
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || len(a.EntityIDs) != 1 || a.EntityIDs[0] != "e1" {
		t.Errorf("liz resolved to %+v", a)
	}

	amb, _ := s.ResolveAlias(ctx, "b1", "smith")
	if amb == nil || !amb.Ambiguous || len(amb.EntityIDs) != 2 {
		t.Errorf("smith resolved to %+v, want ambiguous with 2 ids", amb)
	}

	missing, err := s.ResolveAlias(ctx, "b1", "nobody")
	if err != nil || missing != nil {
		t.Errorf("unknown alias: got %+v, %v, want nil, nil", missing, err)
	}
}

func TestClearBookGraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	c := testChunk("b1", "c1", "keep this chunk", 0, 0)
	if err := s.InsertChunks(ctx, []Chunk{c}); err != nil {
		t.Fatal(err)
	}
	batch := GraphBatch{
		Entities: []Entity{{
			ID: "e1", BookID: "b1", Type: "character",
			CanonicalName: "X", NormalizedName: "x",
		}},
		State: ExtractionState{BookID: "b1", LastAnalyzedPage: 5},
	}
	if err := s.SaveBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearBookGraph(ctx, "b1"); err != nil {
		t.Fatalf("ClearBookGraph: %v", err)
	}

	entities, _ := s.EntitiesByBook(ctx, "b1")
	if len(entities) != 0 {
		t.Errorf("entities survive clear: %+v", entities)
	}
	state, _ := s.GetExtractionState(ctx, "b1")
	if state.LastAnalyzedPage != -1 {
		t.Errorf("watermark = %d after clear, want -1", state.LastAnalyzedPage)
	}
	chunks, _ := s.ChunksByBook(ctx, "b1")
	if len(chunks) != 1 {
		t.Errorf("chunks did not survive clear: %d", len(chunks))
	}
}

func TestExtractionCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addBook(t, s, "b1")

	key := "b1|v3|0-9|w0|abc123"
	if _, ok, err := s.CacheGet(ctx, key); err != nil || ok {
		t.Fatalf("cold cache: ok=%v err=%v", ok, err)
	}

	payload := json.RawMessage(`{"entities":[{"name":"Alice"}]}`)
	if err := s.CachePut(ctx, key, "b1", payload); err != nil {
		t.Fatalf("CachePut: %v", err)
	}
	got, ok, err := s.CacheGet(ctx, key)
	if err != nil || !ok {
		t.Fatalf("warm cache: ok=%v err=%v", ok, err)
	}
	if string(got) != string(payload) {
		t.Errorf("cache round trip: got %s", got)
	}
}
