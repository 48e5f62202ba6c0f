package graph

import (
	"testing"

	"github.com/lorekeep/lorekeep/store"
)

func chunkAt(id, text string, page int) store.Chunk {
	return store.Chunk{ID: id, BookID: "b1", Text: text, PageNumber: page}
}

func TestParsePossessivesSynthesizesImpliedEntity(t *testing.T) {
	known := []store.Entity{character("e1", "Alice")}
	chunks := []store.Chunk{chunkAt("c1", "Alice's brother arrived at noon.", 3)}

	res := ParsePossessives(chunks, known, "b1")
	if len(res.Entities) != 1 {
		t.Fatalf("got %d implied entities, want 1", len(res.Entities))
	}
	e := res.Entities[0]
	if e.CanonicalName != "Alice's brother" || e.Type != "character" {
		t.Errorf("implied entity = %+v", e)
	}
	if e.FirstSeenPage != 3 || e.MaxPageIncluded != 3 {
		t.Errorf("implied entity pages = (%d, %d), want (3, 3)", e.FirstSeenPage, e.MaxPageIncluded)
	}

	if len(res.Relationships) != 1 {
		t.Fatalf("got %d relationships, want 1", len(res.Relationships))
	}
	r := res.Relationships[0]
	if r.Type != "sibling_of" || !r.Inferred || r.Confidence != 0.7 {
		t.Errorf("relationship = %+v", r)
	}
	if r.SourceEntityID != "e1" || r.TargetEntityID != e.ID {
		t.Errorf("edge = %s -> %s", r.SourceEntityID, r.TargetEntityID)
	}
	if len(r.Evidence) != 1 || r.Evidence[0].ChunkID != "c1" || !r.Evidence[0].Inferred {
		t.Errorf("evidence = %+v", r.Evidence)
	}
}

func TestParsePossessivesRelationTypes(t *testing.T) {
	known := []store.Entity{character("e1", "Alice")}
	cases := []struct {
		text          string
		wantType      string
		impliedSource bool
	}{
		{"Alice's sister waved.", "sibling_of", false},
		{"Alice's husband cooked.", "spouse_of", false},
		{"Alice's friend laughed.", "friend_of", false},
		{"Alice's enemy waited.", "enemy_of", false},
		{"Alice's mentor taught.", "related_to", false},
		{"Alice's mother spoke.", "parent_of", true},
		{"Alice's son slept.", "parent_of", false},
	}
	for _, c := range cases {
		res := ParsePossessives([]store.Chunk{chunkAt("c1", c.text, 0)}, known, "b1")
		if len(res.Relationships) != 1 {
			t.Errorf("%q: got %d relationships", c.text, len(res.Relationships))
			continue
		}
		r := res.Relationships[0]
		if r.Type != c.wantType {
			t.Errorf("%q: type = %q, want %q", c.text, r.Type, c.wantType)
		}
		impliedIsSource := r.SourceEntityID != "e1"
		if impliedIsSource != c.impliedSource {
			t.Errorf("%q: implied-as-source = %v, want %v", c.text, impliedIsSource, c.impliedSource)
		}
	}
}

func TestParsePossessivesChains(t *testing.T) {
	known := []store.Entity{character("e1", "Alice")}
	chunks := []store.Chunk{chunkAt("c1", "Alice's brother's friend knocked twice.", 2)}

	res := ParsePossessives(chunks, known, "b1")
	if len(res.Entities) != 2 {
		t.Fatalf("got %d implied entities, want 2 (brother, brother's friend)", len(res.Entities))
	}
	if res.Entities[1].CanonicalName != "Alice's brother's friend" {
		t.Errorf("second implied = %q", res.Entities[1].CanonicalName)
	}
	if len(res.Relationships) != 2 {
		t.Fatalf("got %d relationships, want 2", len(res.Relationships))
	}
	if res.Relationships[1].Type != "friend_of" {
		t.Errorf("chain tail type = %q", res.Relationships[1].Type)
	}
}

func TestParsePossessivesIgnoresUnknownRootsAndNonKinship(t *testing.T) {
	known := []store.Entity{character("e1", "Alice")}
	chunks := []store.Chunk{
		chunkAt("c1", "Zorro's brother is unknown here.", 0),
		chunkAt("c2", "Alice's basket held bread.", 0),
	}
	res := ParsePossessives(chunks, known, "b1")
	if len(res.Entities) != 0 || len(res.Relationships) != 0 {
		t.Errorf("spurious output: %+v", res)
	}
}

func TestParsePossessivesDeduplicates(t *testing.T) {
	known := []store.Entity{character("e1", "Alice")}
	chunks := []store.Chunk{
		chunkAt("c1", "Alice's brother arrived.", 1),
		chunkAt("c2", "Later, Alice's brother left.", 4),
	}
	res := ParsePossessives(chunks, known, "b1")
	if len(res.Entities) != 1 {
		t.Errorf("implied entity duplicated: %d", len(res.Entities))
	}
	if len(res.Relationships) != 1 {
		t.Errorf("relationship duplicated: %d", len(res.Relationships))
	}
}

func TestParsePossessivesMatchesAliases(t *testing.T) {
	e := character("e1", "Elizabeth Bennet")
	e.Aliases = []string{"Lizzy"}
	chunks := []store.Chunk{chunkAt("c1", "Lizzy's sister played the piano.", 0)}
	res := ParsePossessives(chunks, []store.Entity{e}, "b1")
	if len(res.Relationships) != 1 || res.Relationships[0].SourceEntityID != "e1" {
		t.Errorf("alias root not resolved: %+v", res.Relationships)
	}
}
