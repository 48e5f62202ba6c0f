package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rawExtraction mirrors the JSON the extraction capability returns for
// one window. Field shapes are normalized before strict validation, so
// a model drifting on type names or omitting arrays does not fail the
// whole window.
type rawExtraction struct {
	Entities      []rawEntity       `json:"entities"`
	Relationships []rawRelationship `json:"relationships"`
	Events        []rawEvent        `json:"events"`
	Claims        []rawClaim        `json:"claims"`
}

type rawEntity struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Aliases     []string  `json:"aliases"`
	Facts       []rawFact `json:"facts"`
}

type rawFact struct {
	Key      string        `json:"key"`
	Value    string        `json:"value"`
	Evidence []rawEvidence `json:"evidence"`
}

type rawEvidence struct {
	Quote   string `json:"quote"`
	Page    int    `json:"page"`
	ChunkID string `json:"chunk_id"`
}

type rawRelationship struct {
	Source      string        `json:"source"`
	Target      string        `json:"target"`
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Evidence    []rawEvidence `json:"evidence"`
}

type rawEvent struct {
	Summary    string        `json:"summary"`
	Importance int           `json:"importance"`
	Involved   []string      `json:"involved"`
	Evidence   []rawEvidence `json:"evidence"`
	Arc        string        `json:"arc"`
	Tone       string        `json:"tone"`
	Emotions   []string      `json:"emotions"`
}

type rawClaim struct {
	Type        string        `json:"type"`
	Subject     string        `json:"subject"`
	Object      string        `json:"object"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	Evidence    []rawEvidence `json:"evidence"`
}

// validEntityTypes is the closed set of entity types the graph accepts.
var validEntityTypes = map[string]bool{
	"character": true, "location": true, "organization": true,
	"artifact": true, "term": true, "event": true, "concept": true,
}

// entityTypeSynonyms maps the type names models actually emit onto the
// canonical set.
var entityTypeSynonyms = map[string]string{
	"person": "character", "people": "character", "char": "character",
	"protagonist": "character", "antagonist": "character", "human": "character",
	"place": "location", "setting": "location", "region": "location",
	"city": "location", "country": "location",
	"org": "organization", "group": "organization", "faction": "organization",
	"company": "organization", "institution": "organization",
	"object": "artifact", "item": "artifact", "weapon": "artifact",
	"thing": "artifact",
	"idea": "concept", "theme": "concept", "notion": "concept",
	"terminology": "term", "word": "term", "phrase": "term",
	"happening": "event", "occurrence": "event", "incident": "event",
}

var validClaimStatuses = map[string]bool{
	"TRUE": true, "FALSE": true, "SUSPECTED": true,
}

// parseExtraction decodes and normalizes one window's JSON, then applies
// strict validation. A decode failure or an unusable shape is a schema
// error, which the caller retries and eventually bisects on.
func parseExtraction(data []byte) (*rawExtraction, error) {
	var raw rawExtraction
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding extraction: %w", err)
	}
	normalizeExtraction(&raw)
	if err := validateExtraction(&raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

// normalizeExtraction repairs field-level drift in place: type synonyms,
// casing, missing defaults, out-of-range numerics.
func normalizeExtraction(raw *rawExtraction) {
	kept := raw.Entities[:0]
	for _, e := range raw.Entities {
		e.Name = strings.TrimSpace(e.Name)
		e.Type = canonicalEntityType(e.Type)
		if e.Name == "" {
			continue
		}
		kept = append(kept, e)
	}
	raw.Entities = kept

	for i := range raw.Relationships {
		r := &raw.Relationships[i]
		r.Source = strings.TrimSpace(r.Source)
		r.Target = strings.TrimSpace(r.Target)
		r.Type = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(r.Type, " ", "_")))
		if r.Type == "" {
			r.Type = "related_to"
		}
	}

	for i := range raw.Events {
		ev := &raw.Events[i]
		ev.Summary = strings.TrimSpace(ev.Summary)
		if ev.Importance < 1 {
			ev.Importance = 1
		}
		if ev.Importance > 10 {
			ev.Importance = 10
		}
	}

	for i := range raw.Claims {
		c := &raw.Claims[i]
		c.Description = strings.TrimSpace(c.Description)
		c.Status = strings.ToUpper(strings.TrimSpace(c.Status))
		if !validClaimStatuses[c.Status] {
			c.Status = "SUSPECTED"
		}
		if c.Type == "" {
			c.Type = "statement"
		}
	}
}

func canonicalEntityType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if validEntityTypes[t] {
		return t
	}
	if mapped, ok := entityTypeSynonyms[t]; ok {
		return mapped
	}
	return "concept"
}

// validateExtraction enforces the shapes normalization could not repair.
func validateExtraction(raw *rawExtraction) error {
	for _, e := range raw.Entities {
		if !validEntityTypes[e.Type] {
			return fmt.Errorf("entity %q has invalid type %q", e.Name, e.Type)
		}
	}
	for _, r := range raw.Relationships {
		if r.Source == "" || r.Target == "" {
			return fmt.Errorf("relationship %q missing source or target", r.Type)
		}
	}
	for _, ev := range raw.Events {
		if ev.Summary == "" {
			return fmt.Errorf("event missing summary")
		}
	}
	for _, c := range raw.Claims {
		if c.Description == "" {
			return fmt.Errorf("claim missing description")
		}
	}
	return nil
}

// noisyNames are entity names that carry no identity: pronouns and
// function words the model sometimes promotes to entities.
var noisyNames = map[string]bool{
	"i": true, "me": true, "my": true, "mine": true, "myself": true,
	"you": true, "your": true, "yours": true, "yourself": true,
	"he": true, "him": true, "his": true, "himself": true,
	"she": true, "her": true, "hers": true, "herself": true,
	"it": true, "its": true, "itself": true,
	"we": true, "us": true, "our": true, "ours": true,
	"they": true, "them": true, "their": true, "theirs": true,
	"who": true, "whom": true, "what": true, "which": true,
	"this": true, "that": true, "these": true, "those": true,
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"someone": true, "anyone": true, "everyone": true, "nobody": true,
	"man": true, "woman": true, "person": true, "narrator": true,
	"unknown": true, "none": true, "n/a": true,
}

// isNoisyName reports whether an entity name should be dropped outright:
// pronouns, function words, single letters, or underscored identifiers
// leaked from a prompt template.
func isNoisyName(name string) bool {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) <= 1 {
		return true
	}
	if strings.Contains(trimmed, "_") {
		return true
	}
	return noisyNames[strings.ToLower(trimmed)]
}
