package graph

import (
	"testing"

	"github.com/lorekeep/lorekeep/store"
)

func TestResolveCoreferencesSingularPrefersRecentCharacter(t *testing.T) {
	entities := []store.Entity{
		character("e1", "Alice"),
		{ID: "e2", BookID: "b1", Type: "location", CanonicalName: "London", NormalizedName: "london"},
	}
	chunks := []store.Chunk{
		chunkAt("c1", "Alice reached London. She was exhausted.", 1),
	}
	mentions := ResolveCoreferences(chunks, entities)
	if len(mentions) != 1 {
		t.Fatalf("got %d mentions, want 1", len(mentions))
	}
	m := mentions[0]
	if m.Pronoun != "she" || m.EntityID != "e1" {
		t.Errorf("mention = %+v, want she -> e1", m)
	}
	if m.Confidence != 0.6 || m.Page != 1 || m.ChunkID != "c1" {
		t.Errorf("mention metadata = %+v", m)
	}
}

func TestResolveCoreferencesPluralPrefersOrganization(t *testing.T) {
	entities := []store.Entity{
		character("e1", "Alice"),
		{ID: "e2", BookID: "b1", Type: "organization", CanonicalName: "The Guild", NormalizedName: "the guild"},
	}
	chunks := []store.Chunk{
		chunkAt("c1", "The Guild summoned Alice. They demanded answers.", 2),
	}
	mentions := ResolveCoreferences(chunks, entities)

	var they *Mention
	for i := range mentions {
		if mentions[i].Pronoun == "they" {
			they = &mentions[i]
		}
	}
	if they == nil {
		t.Fatal("no mention for they")
	}
	if they.EntityID != "e2" {
		t.Errorf("they -> %s, want organization e2", they.EntityID)
	}
}

func TestResolveCoreferencesRecencyWindow(t *testing.T) {
	entities := []store.Entity{
		character("e1", "Alice"),
		character("e2", "Bob"),
	}
	chunks := []store.Chunk{
		chunkAt("c1", "Alice opened the door.", 1),
		chunkAt("c2", "Bob entered quietly. He sat down.", 2),
	}
	mentions := ResolveCoreferences(chunks, entities)
	if len(mentions) != 1 {
		t.Fatalf("got %d mentions, want 1", len(mentions))
	}
	if mentions[0].EntityID != "e2" {
		t.Errorf("he -> %s, want the more recent Bob", mentions[0].EntityID)
	}
}

func TestResolveCoreferencesNoEntitiesNoMentions(t *testing.T) {
	chunks := []store.Chunk{chunkAt("c1", "He walked away.", 0)}
	if got := ResolveCoreferences(chunks, nil); got != nil {
		t.Errorf("mentions without entities: %+v", got)
	}
	// A pronoun before any entity mention also resolves to nothing.
	entities := []store.Entity{character("e1", "Alice")}
	got := ResolveCoreferences(chunks, entities)
	if len(got) != 0 {
		t.Errorf("pronoun with empty window resolved: %+v", got)
	}
}
