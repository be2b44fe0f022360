package positioning

import (
	"fmt"
	"sync"
)

// Anchor is a beacon with known fixed coordinates, expressed in the same
// unit as the RSSI model output.
type Anchor struct {
	ID   string
	Name string
	X    float64
	Y    float64
	Z    float64
}

// Registry maps beacon ids to anchors. Published snapshots are immutable:
// every mutation builds a fresh map and swaps it in under the write lock,
// so a snapshot taken at the start of a request never changes underneath
// the solver.
type Registry struct {
	mu       sync.RWMutex
	snapshot *Snapshot
}

// Snapshot is a read-only view of the registry at a point in time.
type Snapshot struct {
	anchors map[string]Anchor
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{snapshot: &Snapshot{anchors: map[string]Anchor{}}}
}

// Add registers an anchor. Re-adding an existing id replaces it.
func (r *Registry) Add(a Anchor) error {
	if a.ID == "" {
		return fmt.Errorf("anchor id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snapshot.clone()
	if _, exists := next.anchors[a.ID]; !exists {
		next.order = append(next.order, a.ID)
	}
	next.anchors[a.ID] = a
	r.snapshot = next
	return nil
}

// Remove drops an anchor by id, reporting whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.snapshot.anchors[id]; !ok {
		return false
	}
	next := r.snapshot.clone()
	delete(next.anchors, id)
	for i, existing := range next.order {
		if existing == id {
			next.order = append(next.order[:i], next.order[i+1:]...)
			break
		}
	}
	r.snapshot = next
	return true
}

// Replace atomically swaps the whole anchor set.
func (r *Registry) Replace(anchors []Anchor) error {
	next := &Snapshot{anchors: make(map[string]Anchor, len(anchors))}
	for _, a := range anchors {
		if a.ID == "" {
			return fmt.Errorf("anchor id must not be empty")
		}
		if _, exists := next.anchors[a.ID]; !exists {
			next.order = append(next.order, a.ID)
		}
		next.anchors[a.ID] = a
	}
	r.mu.Lock()
	r.snapshot = next
	r.mu.Unlock()
	return nil
}

// Lookup returns the anchor for an id.
func (r *Registry) Lookup(id string) (Anchor, bool) {
	return r.Snapshot().Lookup(id)
}

// All returns copies of every anchor in registration order.
func (r *Registry) All() []Anchor {
	return r.Snapshot().All()
}

// Len reports the number of registered anchors.
func (r *Registry) Len() int {
	return r.Snapshot().Len()
}

// Snapshot returns the current immutable view. Callers hold it for the
// duration of one request; concurrent writers publish new snapshots
// without affecting it.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		anchors: make(map[string]Anchor, len(s.anchors)+1),
		order:   append([]string(nil), s.order...),
	}
	for id, a := range s.anchors {
		next.anchors[id] = a
	}
	return next
}

// Lookup returns the anchor for an id within this snapshot.
func (s *Snapshot) Lookup(id string) (Anchor, bool) {
	a, ok := s.anchors[id]
	return a, ok
}

// All returns copies of the snapshot's anchors in registration order.
func (s *Snapshot) All() []Anchor {
	out := make([]Anchor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.anchors[id])
	}
	return out
}

// Len reports the number of anchors in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.anchors)
}
