package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/evidence"
	"github.com/lorekeep/lorekeep/graph"
	"github.com/lorekeep/lorekeep/sched"
	"github.com/lorekeep/lorekeep/store"
)

// mergeState accumulates a batch's graph mutations. It starts from the
// book's current records and folds window results into them; only
// touched records are emitted for persistence. Merging is strictly
// sequential, one batch at a time, so identity resolution never races.
type mergeState struct {
	bookID  string
	maxPage int
	units   []evidence.TextUnit
	y       *sched.Yielder

	// windowTo is the last page of the window being merged; page
	// attribution for evidence-less records uses it, never the batch end.
	windowTo int

	entitiesByNorm map[string]*store.Entity
	entityByID     map[string]*store.Entity
	rels           map[string]*store.Relationship // key: src|dst|type
	events         map[string]*store.TimelineEvent
	claims         map[string]*store.Claim

	touchedEntities map[string]bool
	touchedRels     map[string]bool
	touchedEvents   map[string]bool
	touchedClaims   map[string]bool

	evidenceRejected int
}

func newMergeState(bookID string, maxPage int, chunks []store.Chunk,
	entities []store.Entity, rels []store.Relationship,
	events []store.TimelineEvent, claims []store.Claim, y *sched.Yielder) *mergeState {

	ms := &mergeState{
		bookID:          bookID,
		maxPage:         maxPage,
		windowTo:        maxPage,
		units:           evidence.UnitsFromChunks(chunks),
		y:               y,
		entitiesByNorm:  make(map[string]*store.Entity),
		entityByID:      make(map[string]*store.Entity),
		rels:            make(map[string]*store.Relationship),
		events:          make(map[string]*store.TimelineEvent),
		claims:          make(map[string]*store.Claim),
		touchedEntities: make(map[string]bool),
		touchedRels:     make(map[string]bool),
		touchedEvents:   make(map[string]bool),
		touchedClaims:   make(map[string]bool),
	}
	for i := range entities {
		e := entities[i]
		ms.indexEntity(&e)
	}
	for i := range rels {
		r := rels[i]
		ms.rels[relKey(r.SourceEntityID, r.TargetEntityID, r.Type)] = &r
	}
	for i := range events {
		ev := events[i]
		ms.events[eventKey(ev.Page, ev.EvidenceHash)] = &ev
	}
	for i := range claims {
		c := claims[i]
		ms.claims[claimKey(c.Type, c.SubjectEntityID, c.ObjectEntityID, c.Description)] = &c
	}
	return ms
}

func (ms *mergeState) indexEntity(e *store.Entity) {
	ms.entitiesByNorm[e.NormalizedName] = e
	ms.entityByID[e.ID] = e
}

func relKey(src, dst, typ string) string    { return src + "|" + dst + "|" + typ }
func eventKey(page int, hash string) string { return hash + "@" + strconv.Itoa(page) }
func claimKey(typ, subj, obj, desc string) string {
	return typ + "|" + subj + "|" + obj + "|" + desc
}

// symmetricRelTypes are relationship types with no meaningful direction;
// a reverse-keyed edge of one of these is the same edge.
var symmetricRelTypes = map[string]bool{
	"possibly_related": true,
	"related_to":       true,
	"sibling_of":       true,
	"spouse_of":        true,
	"married_to":       true,
	"friend_of":        true,
	"enemy_of":         true,
	"rival_of":         true,
	"ally_of":          true,
	"companion_of":     true,
	"acquaintance_of":  true,
	"crewmate_of":      true,
}

// groundRel converts a previously inferred edge into a grounded one,
// replacing its synthetic evidence with the validated quotes.
func groundRel(r *store.Relationship, evs []store.Evidence) {
	if r.Inferred {
		r.Inferred = false
		r.InferenceMethod = ""
		r.Confidence = 0
		r.Evidence = evs
		return
	}
	r.Evidence = unionEvidence(r.Evidence, evs)
}

// resolveName finds an entity by canonical name or alias.
func (ms *mergeState) resolveName(name string) *store.Entity {
	norm := graph.NormalizeName(name)
	if e, ok := ms.entitiesByNorm[norm]; ok {
		return e
	}
	for _, e := range ms.entitiesByNorm {
		for _, a := range e.Aliases {
			if graph.NormalizeName(a) == norm {
				return e
			}
		}
	}
	return nil
}

// filterEvidence grounds a raw evidence list against the batch's text
// units. Rejections are counted, never fatal.
func (ms *mergeState) filterEvidence(ctx context.Context, raws []rawEvidence) ([]store.Evidence, error) {
	evs := make([]store.Evidence, 0, len(raws))
	for _, r := range raws {
		evs = append(evs, store.Evidence{Quote: r.Quote, Page: r.Page, ChunkID: r.ChunkID})
	}
	kept, err := evidence.Filter(ctx, evs, ms.units, ms.maxPage, ms.y)
	if err != nil {
		return nil, err
	}
	ms.evidenceRejected += len(evs) - len(kept)
	return kept, nil
}

// mergeWindow folds one validated window result into the state. toPage
// is the last page the window covers.
func (ms *mergeState) mergeWindow(ctx context.Context, raw *rawExtraction, toPage int) error {
	ms.windowTo = toPage
	if ms.windowTo > ms.maxPage {
		ms.windowTo = ms.maxPage
	}
	for _, re := range raw.Entities {
		if err := ms.mergeEntity(ctx, re); err != nil {
			return err
		}
	}
	for _, rr := range raw.Relationships {
		if err := ms.mergeRelationship(ctx, rr); err != nil {
			return err
		}
	}
	for _, rv := range raw.Events {
		if err := ms.mergeEvent(ctx, rv); err != nil {
			return err
		}
	}
	for _, rc := range raw.Claims {
		if err := ms.mergeClaim(ctx, rc); err != nil {
			return err
		}
	}
	return nil
}

func (ms *mergeState) mergeEntity(ctx context.Context, re rawEntity) error {
	if isNoisyName(re.Name) {
		return nil
	}
	name := canonicalizeName(re.Name)
	norm := graph.NormalizeName(name)

	// Ground facts first; an entity with no surviving facts is still kept
	// (its existence is implicit in being extracted), but each fact needs
	// at least one validated quote.
	var facts []store.Fact
	minPage := ms.windowTo
	for _, rf := range re.Facts {
		evs, err := ms.filterEvidence(ctx, rf.Evidence)
		if err != nil {
			return err
		}
		if len(evs) == 0 || rf.Key == "" {
			continue
		}
		for _, ev := range evs {
			if ev.Page < minPage {
				minPage = ev.Page
			}
		}
		facts = append(facts, store.Fact{Key: rf.Key, Value: rf.Value, Evidence: evs})
	}

	e := ms.resolveName(name)
	if e == nil {
		e = &store.Entity{
			ID:              uuid.NewString(),
			BookID:          ms.bookID,
			Type:            re.Type,
			CanonicalName:   name,
			NormalizedName:  norm,
			Description:     re.Description,
			FirstSeenPage:   minPage,
			LastSeenPage:    ms.windowTo,
			MaxPageIncluded: ms.windowTo,
		}
		ms.indexEntity(e)
	} else {
		if len(re.Description) > len(e.Description) {
			e.Description = re.Description
		}
		if minPage < e.FirstSeenPage {
			e.FirstSeenPage = minPage
		}
		if ms.windowTo > e.LastSeenPage {
			e.LastSeenPage = ms.windowTo
		}
		if ms.windowTo > e.MaxPageIncluded {
			e.MaxPageIncluded = ms.windowTo
		}
	}

	for _, a := range re.Aliases {
		if a = strings.TrimSpace(a); a != "" && !isNoisyName(a) {
			e.Aliases = unionStrings(e.Aliases, a)
		}
	}
	for _, f := range facts {
		mergeFact(e, f)
	}
	ms.touchedEntities[e.ID] = true
	return nil
}

// mergeFact unions a fact into the entity's fact list by key.
func mergeFact(e *store.Entity, f store.Fact) {
	for i := range e.Facts {
		if e.Facts[i].Key == f.Key {
			e.Facts[i].Evidence = unionEvidence(e.Facts[i].Evidence, f.Evidence)
			if f.Value != "" {
				e.Facts[i].Value = f.Value
			}
			return
		}
	}
	e.Facts = append(e.Facts, f)
}

func (ms *mergeState) mergeRelationship(ctx context.Context, rr rawRelationship) error {
	src := ms.resolveName(rr.Source)
	dst := ms.resolveName(rr.Target)
	if src == nil || dst == nil || src.ID == dst.ID {
		return nil
	}
	evs, err := ms.filterEvidence(ctx, rr.Evidence)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	minPage := evs[0].Page
	for _, ev := range evs {
		if ev.Page < minPage {
			minPage = ev.Page
		}
	}

	key := relKey(src.ID, dst.ID, rr.Type)
	if existing, ok := ms.rels[key]; ok {
		groundRel(existing, evs)
		if rr.Description != "" {
			existing.Description = rr.Description
		}
		if minPage < existing.FirstSeenPage {
			existing.FirstSeenPage = minPage
		}
		if ms.windowTo > existing.LastSeenPage {
			existing.LastSeenPage = ms.windowTo
		}
		ms.touchedRels[key] = true
		return nil
	}
	// A reverse-keyed edge is the same edge only when the type carries no
	// direction. An inferred reverse edge is superseded by the grounded
	// direction. A grounded reverse edge of a directed type states a
	// distinct fact and gets its own record.
	revKey := relKey(dst.ID, src.ID, rr.Type)
	if existing, ok := ms.rels[revKey]; ok {
		switch {
		case symmetricRelTypes[rr.Type]:
			groundRel(existing, evs)
			if minPage < existing.FirstSeenPage {
				existing.FirstSeenPage = minPage
			}
			if ms.windowTo > existing.LastSeenPage {
				existing.LastSeenPage = ms.windowTo
			}
			ms.touchedRels[revKey] = true
			return nil
		case existing.Inferred:
			delete(ms.rels, revKey)
			existing.SourceEntityID = src.ID
			existing.TargetEntityID = dst.ID
			groundRel(existing, evs)
			if rr.Description != "" {
				existing.Description = rr.Description
			}
			existing.FirstSeenPage = minPage
			if ms.windowTo > existing.LastSeenPage {
				existing.LastSeenPage = ms.windowTo
			}
			ms.rels[key] = existing
			ms.touchedRels[key] = true
			return nil
		}
	}

	r := &store.Relationship{
		ID:             uuid.NewString(),
		BookID:         ms.bookID,
		SourceEntityID: src.ID,
		TargetEntityID: dst.ID,
		Type:           rr.Type,
		Description:    rr.Description,
		Evidence:       evs,
		FirstSeenPage:  minPage,
		LastSeenPage:   ms.windowTo,
	}
	ms.rels[key] = r
	ms.touchedRels[key] = true
	return nil
}

func (ms *mergeState) mergeEvent(ctx context.Context, rv rawEvent) error {
	evs, err := ms.filterEvidence(ctx, rv.Evidence)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	page := evs[0].Page
	for _, ev := range evs {
		if ev.Page < page {
			page = ev.Page
		}
	}
	hash := evidenceHash(evs)

	var involved []string
	for _, name := range rv.Involved {
		if e := ms.resolveName(name); e != nil {
			involved = unionStrings(involved, e.ID)
		}
	}

	key := eventKey(page, hash)
	if existing, ok := ms.events[key]; ok {
		existing.Evidence = unionEvidence(existing.Evidence, evs)
		for _, id := range involved {
			existing.InvolvedEntityIDs = unionStrings(existing.InvolvedEntityIDs, id)
		}
		if rv.Importance > existing.Importance {
			existing.Importance = rv.Importance
		}
		for _, em := range rv.Emotions {
			existing.Emotions = unionStrings(existing.Emotions, em)
		}
		ms.touchedEvents[key] = true
		return nil
	}

	ev := &store.TimelineEvent{
		ID:                uuid.NewString(),
		BookID:            ms.bookID,
		Page:              page,
		Summary:           rv.Summary,
		Importance:        rv.Importance,
		InvolvedEntityIDs: involved,
		Evidence:          evs,
		EvidenceHash:      hash,
		Arc:               rv.Arc,
		Tone:              rv.Tone,
		Emotions:          rv.Emotions,
	}
	ms.events[key] = ev
	ms.touchedEvents[key] = true
	return nil
}

func (ms *mergeState) mergeClaim(ctx context.Context, rc rawClaim) error {
	evs, err := ms.filterEvidence(ctx, rc.Evidence)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}

	var subjID, objID string
	if e := ms.resolveName(rc.Subject); e != nil {
		subjID = e.ID
	}
	if e := ms.resolveName(rc.Object); e != nil {
		objID = e.ID
	}

	key := claimKey(rc.Type, subjID, objID, rc.Description)
	if existing, ok := ms.claims[key]; ok {
		existing.Evidence = unionEvidence(existing.Evidence, evs)
		existing.Status = rc.Status
		ms.touchedClaims[key] = true
		return nil
	}
	c := &store.Claim{
		ID:              uuid.NewString(),
		BookID:          ms.bookID,
		Type:            rc.Type,
		SubjectEntityID: subjID,
		ObjectEntityID:  objID,
		Description:     rc.Description,
		Status:          rc.Status,
		Evidence:        evs,
	}
	ms.claims[key] = c
	ms.touchedClaims[key] = true
	return nil
}

// addInferred appends inference-module output: implied entities and
// inferred relationships. Their evidence is synthetic and skips text
// grounding, but self-loops and duplicate keys are still rejected.
func (ms *mergeState) addInferred(entities []store.Entity, rels []store.Relationship) {
	for i := range entities {
		e := entities[i]
		if _, ok := ms.entitiesByNorm[e.NormalizedName]; ok {
			continue
		}
		ms.indexEntity(&e)
		ms.touchedEntities[e.ID] = true
	}
	for _, r := range rels {
		if r.SourceEntityID == r.TargetEntityID {
			continue
		}
		key := relKey(r.SourceEntityID, r.TargetEntityID, r.Type)
		revKey := relKey(r.TargetEntityID, r.SourceEntityID, r.Type)
		// An inferred proposal always yields to an existing same-type edge
		// in either direction; a grounded edge arriving later supersedes
		// the inferred one in mergeRelationship, never the other way.
		if _, ok := ms.rels[key]; ok {
			continue
		}
		if _, ok := ms.rels[revKey]; ok {
			continue
		}
		rr := r
		ms.rels[key] = &rr
		ms.touchedRels[key] = true
	}
}

// snapshot returns the current merged view for the inference modules.
func (ms *mergeState) snapshot() ([]store.Entity, []store.Relationship) {
	entities := make([]store.Entity, 0, len(ms.entityByID))
	for _, e := range ms.entityByID {
		entities = append(entities, *e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	rels := make([]store.Relationship, 0, len(ms.rels))
	for _, r := range ms.rels {
		rels = append(rels, *r)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	return entities, rels
}

// batch collects everything touched this run into a persistable batch,
// plus the rebuilt alias table for the book.
func (ms *mergeState) batch(state store.ExtractionState) store.GraphBatch {
	b := store.GraphBatch{State: state}
	for id := range ms.touchedEntities {
		if e, ok := ms.entityByID[id]; ok {
			b.Entities = append(b.Entities, *e)
		}
	}
	sort.Slice(b.Entities, func(i, j int) bool { return b.Entities[i].ID < b.Entities[j].ID })

	for key := range ms.touchedRels {
		if r, ok := ms.rels[key]; ok {
			b.Relationships = append(b.Relationships, *r)
		}
	}
	sort.Slice(b.Relationships, func(i, j int) bool { return b.Relationships[i].ID < b.Relationships[j].ID })

	for key := range ms.touchedEvents {
		if ev, ok := ms.events[key]; ok {
			b.Events = append(b.Events, *ev)
		}
	}
	sort.Slice(b.Events, func(i, j int) bool { return b.Events[i].ID < b.Events[j].ID })

	for key := range ms.touchedClaims {
		if c, ok := ms.claims[key]; ok {
			b.Claims = append(b.Claims, *c)
		}
	}
	sort.Slice(b.Claims, func(i, j int) bool { return b.Claims[i].ID < b.Claims[j].ID })

	if len(b.Entities) > 0 {
		b.Aliases = ms.buildAliases()
	}
	return b
}

// buildAliases rebuilds the whole alias table from the merged entity set.
// An alias shared by two or more entities is marked ambiguous.
func (ms *mergeState) buildAliases() []store.AliasEntry {
	byNorm := make(map[string]*store.AliasEntry)
	add := func(surface string, entityID string) {
		norm := graph.NormalizeName(surface)
		if norm == "" {
			return
		}
		entry, ok := byNorm[norm]
		if !ok {
			entry = &store.AliasEntry{BookID: ms.bookID, Alias: surface, Normalized: norm}
			byNorm[norm] = entry
		}
		for _, id := range entry.EntityIDs {
			if id == entityID {
				return
			}
		}
		entry.EntityIDs = append(entry.EntityIDs, entityID)
		entry.Ambiguous = len(entry.EntityIDs) > 1
	}
	for _, e := range ms.entityByID {
		add(e.CanonicalName, e.ID)
		for _, a := range e.Aliases {
			add(a, e.ID)
		}
	}

	out := make([]store.AliasEntry, 0, len(byNorm))
	for _, entry := range byNorm {
		sort.Strings(entry.EntityIDs)
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Normalized < out[j].Normalized })
	return out
}

// canonicalizeName normalizes casing: names the model shouted or
// lowercased become title case, mixed-case names pass through untouched.
func canonicalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == strings.ToLower(name) || name == strings.ToUpper(name) {
		return titleCase(name)
	}
	return name
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func unionStrings(list []string, v string) []string {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return list
		}
	}
	return append(list, v)
}

// unionEvidence appends items not already present, identified by
// normalized quote and page.
func unionEvidence(existing, incoming []store.Evidence) []store.Evidence {
	seen := make(map[string]bool, len(existing))
	for _, ev := range existing {
		seen[evKey(ev)] = true
	}
	for _, ev := range incoming {
		if !seen[evKey(ev)] {
			seen[evKey(ev)] = true
			existing = append(existing, ev)
		}
	}
	return existing
}

func evKey(ev store.Evidence) string {
	return evidence.Normalize(ev.Quote) + "@" + strconv.Itoa(ev.Page)
}

// evidenceHash fingerprints an evidence list for the event merge key.
func evidenceHash(evs []store.Evidence) string {
	quotes := make([]string, len(evs))
	for i, ev := range evs {
		quotes[i] = evidence.Normalize(ev.Quote)
	}
	sort.Strings(quotes)
	h := sha256.Sum256([]byte(strings.Join(quotes, "\n")))
	return hex.EncodeToString(h[:])[:16]
}
