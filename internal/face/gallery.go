package face

import (
	"sort"
	"sync"
)

// Entry is a known face
type Entry struct {
	Name       string
	Descriptor Descriptor
}

// Gallery holds the known faces. It is safe for concurrent use; Replace
// swaps the whole set atomically.
type Gallery struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewGallery creates an empty gallery
func NewGallery() *Gallery {
	return &Gallery{}
}

// Replace swaps the gallery contents
func (g *Gallery) Replace(entries []Entry) {
	copied := make([]Entry, len(entries))
	copy(copied, entries)

	g.mu.Lock()
	g.entries = copied
	g.mu.Unlock()
}

// Loaded reports whether at least one face is known
func (g *Gallery) Loaded() bool {
	return g.Len() > 0
}

// Len returns the number of known descriptors
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// DistinctNames returns the sorted set of enrolled names
func (g *Gallery) DistinctNames() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]struct{}, len(g.entries))
	names := make([]string, 0, len(g.entries))
	for _, e := range g.entries {
		if _, ok := seen[e.Name]; ok {
			continue
		}
		seen[e.Name] = struct{}{}
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

// Nearest returns the entry closest to d and its distance
func (g *Gallery) Nearest(d Descriptor) (Entry, float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.entries) == 0 {
		return Entry{}, 0, false
	}

	best := 0
	bestDist := Distance(g.entries[0].Descriptor, d)
	for i := 1; i < len(g.entries); i++ {
		if dist := Distance(g.entries[i].Descriptor, d); dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return g.entries[best], bestDist, true
}
