package database

import (
	"fmt"
	"slices"
	"testing"
	"time"
)

func indexPersons() []Person {
	return []Person{
		{ID: "a", ProfileID: "p1", Role: RoleUnknown, CanonicalEmbedding: []float32{1, 0, 0, 0}},
		{ID: "b", ProfileID: "p1", Role: RoleSecondaryPerson, CanonicalEmbedding: []float32{0, 1, 0, 0}},
		{ID: "c", ProfileID: "p1", Role: RolePrimaryUser, CanonicalEmbedding: []float32{0, 0, 1, 0}},
		{ID: "m", ProfileID: "p1", Role: RoleMerged, CanonicalEmbedding: []float32{0.9, 0.1, 0, 0}},
	}
}

func TestPersonIndex_BuildAndSearch(t *testing.T) {
	x := NewPersonIndex()
	if _, err := x.Search("p1", []float32{1, 0, 0, 0}, 1); err == nil {
		t.Fatal("Expected error searching an unbuilt scope")
	}

	x.Build("p1", indexPersons())
	if !x.Has("p1") || x.Has("p2") {
		t.Fatal("Has() does not reflect built scopes")
	}
	if got := x.Count("p1"); got != 3 {
		t.Errorf("Count() = %d, want 3 (merged persons are not indexed)", got)
	}

	ids, err := x.Search("p1", []float32{0.95, 0.05, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("Search = %v, want [a]", ids)
	}
}

func TestPersonIndex_UpsertRemovesInactive(t *testing.T) {
	x := NewPersonIndex()
	persons := indexPersons()
	x.Build("p1", persons)

	merged := persons[0]
	merged.Role = RoleMerged
	x.Upsert(&merged)
	x.Upsert(&Person{ID: "d", ProfileID: "p1", Role: RoleUnknown, CanonicalEmbedding: []float32{0, 0, 0, 1}})
	// Scopes without a graph are left alone.
	x.Upsert(&Person{ID: "z", ProfileID: "p2", Role: RoleUnknown, CanonicalEmbedding: []float32{1, 0, 0, 0}})

	ids, err := x.Search("p1", []float32{1, 0, 0, 0}, 4)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if slices.Contains(ids, "a") {
		t.Errorf("Merged person still returned: %v", ids)
	}
	if !slices.Contains(ids, "d") {
		t.Errorf("Upserted person missing: %v", ids)
	}
	if x.Has("p2") {
		t.Error("Upsert must not create a scope graph")
	}

	x.Drop("p1")
	if x.Has("p1") {
		t.Error("Drop did not remove the scope")
	}
}

func TestPersonIndex_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	x := NewPersonIndex()
	var persons []Person
	for i := range 20 {
		emb := make([]float32, 8)
		emb[i%8] = 1
		emb[(i+1)%8] = float32(i) / 20
		persons = append(persons, Person{ID: fmt.Sprintf("p%02d", i), ProfileID: "scope", Role: RoleUnknown, CanonicalEmbedding: emb})
	}
	x.Build("scope", persons)
	if err := x.SaveDir(dir); err != nil {
		t.Fatalf("SaveDir failed: %v", err)
	}

	loaded := NewPersonIndex()
	ok, err := loaded.Load(dir, "scope")
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	if got := loaded.Count("scope"); got != 20 {
		t.Errorf("Count() after load = %d, want 20", got)
	}

	ok, err = loaded.Load(dir, "missing")
	if err != nil || ok {
		t.Errorf("Load of a missing scope = %v, %v; want false, nil", ok, err)
	}
}

func TestPersonIndex_UpsertMovedEmbedding(t *testing.T) {
	x := NewPersonIndex()
	x.Build("p1", indexPersons())

	// b moves next to where a used to be.
	moved := indexPersons()[1]
	moved.CanonicalEmbedding = []float32{0.99, 0, 0, 0.1}
	x.Upsert(&moved)

	ids, err := x.Search("p1", []float32{0, 1, 0.2, 0}, 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c" {
		t.Errorf("Search near the old vector = %v, want [c]", ids)
	}

	ids, err = x.Search("p1", []float32{0.99, 0, 0, 0.12}, 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("Search = %v, want [b]", ids)
	}
	if got := x.Count("p1"); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}

func TestPersonIndex_DriftTriggersRebuild(t *testing.T) {
	x := NewPersonIndex()
	var persons []Person
	for i := range HNSWMaxDrift + 2 {
		emb := make([]float32, 8)
		emb[i%8] = 1
		emb[(i+3)%8] = float32(i+1) / 100
		persons = append(persons, Person{ID: fmt.Sprintf("p%03d", i), ProfileID: "scope", Role: RoleUnknown, CanonicalEmbedding: emb})
	}
	x.Build("scope", persons)

	for i := range persons {
		persons[i].CanonicalEmbedding[(i+5)%8] += 0.2
		x.Upsert(&persons[i])
	}

	x.mu.RLock()
	drifted := len(x.scopes["scope"].drifted)
	x.mu.RUnlock()
	if drifted > HNSWMaxDrift {
		t.Errorf("drifted = %d, want at most %d after rebuild", drifted, HNSWMaxDrift)
	}
	ids, err := x.Search("scope", persons[7].CanonicalEmbedding, 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != persons[7].ID {
		t.Errorf("Search = %v, want [%s]", ids, persons[7].ID)
	}
}

func TestPersonIndex_Stamp(t *testing.T) {
	persons := indexPersons()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range persons {
		persons[i].UpdatedAt = base.Add(time.Duration(i) * time.Minute)
	}
	stamp := StampOf(persons)
	if stamp.Matchable != 3 || !stamp.LastUpdate.Equal(base.Add(3*time.Minute)) {
		t.Fatalf("StampOf = %+v", stamp)
	}

	x := NewPersonIndex()
	if x.Fresh("p1", stamp) {
		t.Error("an unbuilt scope cannot be fresh")
	}
	x.Build("p1", persons)
	if !x.Fresh("p1", stamp) {
		t.Error("a scope built from the listing must be fresh")
	}

	// Another writer added a person.
	later := IndexStamp{Matchable: 4, LastUpdate: base.Add(time.Hour)}
	if x.Fresh("p1", later) {
		t.Error("a moved stamp must mark the scope stale")
	}
	x.MarkSynced("p1", later)
	if !x.Fresh("p1", later) {
		t.Error("MarkSynced did not record the stamp")
	}
}
