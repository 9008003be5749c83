package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// IndexStamp describes the database state a scope graph reflects: the number
// of matchable persons and the latest person update of the scope.
type IndexStamp struct {
	Matchable  int       `json:"matchable"`
	LastUpdate time.Time `json:"last_update"`
}

// Equal reports whether both stamps describe the same database state.
func (s IndexStamp) Equal(o IndexStamp) bool {
	return s.Matchable == o.Matchable && s.LastUpdate.Equal(o.LastUpdate)
}

// StampOf computes the stamp of a full scope listing.
func StampOf(persons []Person) IndexStamp {
	var s IndexStamp
	for i := range persons {
		if persons[i].Matchable() {
			s.Matchable++
		}
		if persons[i].UpdatedAt.After(s.LastUpdate) {
			s.LastUpdate = persons[i].UpdatedAt
		}
	}
	return s
}

// HNSWIndexMetadata stores the members of a persisted scope graph.
type HNSWIndexMetadata struct {
	ProfileID string     `json:"profile_id"`
	Members   []string   `json:"members"`
	Stamp     IndexStamp `json:"stamp"`
	BuildTime time.Time  `json:"build_time"`
	Version   int        `json:"version"`
}

const hnswMetadataVersion = 2

// scopeGraph is the HNSW graph of one profile scope.
type scopeGraph struct {
	graph   *hnsw.Graph[string]
	vectors map[string][]float32 // current embedding of every matchable person
	drifted map[string]bool      // members whose graph vector is outdated
	stamp   IndexStamp
	builtAt time.Time
}

// PersonIndex keeps an in-memory HNSW graph of canonical embeddings per profile scope.
// HNSW has no reliable in-place update: persons that leave the matchable set are
// dropped from the members and persons whose embedding moved are searched
// exactly until the graph is rebuilt. Every scope remembers the IndexStamp it was
// synced to so callers can detect writes made by other processes.
type PersonIndex struct {
	mu     sync.RWMutex
	scopes map[string]*scopeGraph
}

// NewPersonIndex creates an empty index.
func NewPersonIndex() *PersonIndex {
	return &PersonIndex{scopes: make(map[string]*scopeGraph)}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// rebuild replaces the graph with the current member vectors.
func (sg *scopeGraph) rebuild() {
	ids := make([]string, 0, len(sg.vectors))
	for id := range sg.vectors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	sg.graph = newGraph()
	for _, id := range ids {
		sg.graph.Add(hnsw.MakeNode(id, sg.vectors[id]))
	}
	sg.drifted = make(map[string]bool)
	sg.builtAt = time.Now()
}

// Build replaces the graph of a scope with the matchable persons of a full
// scope listing and stamps it with that listing.
func (x *PersonIndex) Build(profileID string, persons []Person) {
	sg := &scopeGraph{
		vectors: make(map[string][]float32, len(persons)),
		stamp:   StampOf(persons),
	}
	for i := range persons {
		p := &persons[i]
		if p.Matchable() {
			sg.vectors[p.ID] = slices.Clone(p.CanonicalEmbedding)
		}
	}
	sg.rebuild()

	x.mu.Lock()
	x.scopes[profileID] = sg
	x.mu.Unlock()
}

// Has reports whether a graph was built or loaded for the scope.
func (x *PersonIndex) Has(profileID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.scopes[profileID]
	return ok
}

// Fresh reports whether the scope graph reflects the database state stamp.
func (x *PersonIndex) Fresh(profileID string, stamp IndexStamp) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	sg, ok := x.scopes[profileID]
	return ok && sg.stamp.Equal(stamp)
}

// MarkSynced records that the scope graph now reflects stamp.
func (x *PersonIndex) MarkSynced(profileID string, stamp IndexStamp) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if sg, ok := x.scopes[profileID]; ok {
		sg.stamp = stamp
	}
}

// Upsert records the current state of a person in its scope graph.
// Scopes without a graph are ignored; they are built lazily on first search.
func (x *PersonIndex) Upsert(p *Person) {
	x.mu.Lock()
	defer x.mu.Unlock()

	sg, ok := x.scopes[p.ProfileID]
	if !ok {
		return
	}
	if !p.Matchable() {
		delete(sg.vectors, p.ID)
		delete(sg.drifted, p.ID)
		return
	}

	sg.vectors[p.ID] = slices.Clone(p.CanonicalEmbedding)
	current, inGraph := sg.graph.Lookup(p.ID)
	switch {
	case !inGraph:
		sg.graph.Add(hnsw.MakeNode(p.ID, sg.vectors[p.ID]))
		delete(sg.drifted, p.ID)
	case slices.Equal(current, p.CanonicalEmbedding):
		delete(sg.drifted, p.ID)
	default:
		sg.drifted[p.ID] = true
	}
	if len(sg.drifted) > HNSWMaxDrift {
		sg.rebuild()
	}
}

// Search returns up to k member ids nearest to query in the scope graph.
// Members with a drifted vector are compared exactly.
func (x *PersonIndex) Search(profileID string, query []float32, k int) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	sg, ok := x.scopes[profileID]
	if !ok || sg.graph == nil {
		return nil, errors.New("index not initialized")
	}

	type hit struct {
		id   string
		dist float64
	}
	var hits []hit
	if sg.graph.Len() > 0 {
		// Request more candidates to ensure we have enough after member filtering.
		for _, n := range sg.graph.Search(query, k*HNSWSearchMultiplier) {
			if _, member := sg.vectors[n.Key]; !member || sg.drifted[n.Key] {
				continue
			}
			hits = append(hits, hit{n.Key, CosineDistance(query, sg.vectors[n.Key])})
		}
	}
	for id := range sg.drifted {
		hits = append(hits, hit{id, CosineDistance(query, sg.vectors[id])})
	}
	slices.SortFunc(hits, func(a, b hit) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		}
		return 0
	})

	ids := make([]string, 0, min(k, len(hits)))
	for _, h := range hits {
		if len(ids) >= k {
			break
		}
		ids = append(ids, h.id)
	}
	return ids, nil
}

// Count returns the number of matchable persons indexed for a scope.
func (x *PersonIndex) Count(profileID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if sg, ok := x.scopes[profileID]; ok {
		return len(sg.vectors)
	}
	return 0
}

// Drop forgets the graph of a scope so it is rebuilt on next use.
func (x *PersonIndex) Drop(profileID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.scopes, profileID)
}

func indexPaths(dir, profileID string) (string, string) {
	base := filepath.Join(dir, profileID+".hnsw")
	return base, base + ".meta"
}

// SaveDir persists every scope graph into dir as <profile>.hnsw plus a .meta file.
// Graphs with drifted members are rebuilt first so the saved vectors are current.
func (x *PersonIndex) SaveDir(dir string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create HNSW index directory: %w", err)
	}
	for profileID, sg := range x.scopes {
		if len(sg.drifted) > 0 {
			sg.rebuild()
		}
		graphPath, metaPath := indexPaths(dir, profileID)
		f, err := os.Create(graphPath) //nolint:gosec // path is from trusted config
		if err != nil {
			return fmt.Errorf("failed to create HNSW index file: %w", err)
		}
		if err := sg.graph.Export(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("exporting HNSW graph for %s: %w", profileID, err)
		}
		_ = f.Close()

		members := make([]string, 0, len(sg.vectors))
		for id := range sg.vectors {
			members = append(members, id)
		}
		slices.Sort(members)
		meta, err := json.Marshal(HNSWIndexMetadata{
			ProfileID: profileID,
			Members:   members,
			Stamp:     sg.stamp,
			BuildTime: sg.builtAt,
			Version:   hnswMetadataVersion,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if err := os.WriteFile(metaPath, meta, 0o600); err != nil {
			return fmt.Errorf("failed to write metadata file: %w", err)
		}
	}
	return nil
}

// Load restores the graph of one scope from dir. A missing file or an older
// metadata version is not an error; the scope is simply built from the
// database on first use.
func (x *PersonIndex) Load(dir, profileID string) (bool, error) {
	graphPath, metaPath := indexPaths(dir, profileID)
	if _, err := os.Stat(graphPath); os.IsNotExist(err) {
		return false, nil
	}

	data, err := os.ReadFile(metaPath) //nolint:gosec // path is from trusted config
	if err != nil {
		return false, fmt.Errorf("failed to read metadata file: %w", err)
	}
	var meta HNSWIndexMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return false, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if meta.Version != hnswMetadataVersion {
		return false, nil
	}

	saved, err := hnsw.LoadSavedGraph[string](graphPath)
	if err != nil {
		return false, fmt.Errorf("failed to load HNSW index: %w", err)
	}

	sg := &scopeGraph{
		graph:   saved.Graph,
		vectors: make(map[string][]float32, len(meta.Members)),
		drifted: make(map[string]bool),
		stamp:   meta.Stamp,
		builtAt: meta.BuildTime,
	}
	sg.graph.Distance = hnsw.CosineDistance
	for _, id := range meta.Members {
		vec, ok := sg.graph.Lookup(id)
		if !ok {
			return false, nil
		}
		sg.vectors[id] = vec
	}

	x.mu.Lock()
	x.scopes[profileID] = sg
	x.mu.Unlock()
	return true, nil
}
