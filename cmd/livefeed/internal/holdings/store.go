package holdings

import (
	"sync"
	"sync/atomic"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/dispatch"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// Store owns the holdings read model of one scope. Only the session's
// dispatch goroutine writes; readers get immutable snapshots.
type Store struct {
	current atomic.Pointer[models.HoldingsSnapshot]
	writeMu sync.Mutex

	// Changed fires after every applied batch with the new snapshot.
	Changed dispatch.Topic[models.HoldingsSnapshot]
}

// NewStore seeds the read model with the snapshot fetched from the backend.
func NewStore(initial models.HoldingsSnapshot) *Store {
	s := &Store{}
	seed := initial.Clone()
	s.current.Store(&seed)
	return s
}

// Snapshot returns the current read model. Callers must not modify its map.
func (s *Store) Snapshot() models.HoldingsSnapshot {
	return *s.current.Load()
}

// HandleTick merges b and publishes the result on Changed.
func (s *Store) HandleTick(b models.TickBatch) {
	s.writeMu.Lock()
	next := Merge(*s.current.Load(), b)
	s.current.Store(&next)
	s.writeMu.Unlock()

	s.Changed.Publish(next)
}

// Replace swaps in a freshly fetched snapshot, e.g. after an explicit invalidation.
func (s *Store) Replace(snap models.HoldingsSnapshot) {
	s.writeMu.Lock()
	seed := snap.Clone()
	s.current.Store(&seed)
	s.writeMu.Unlock()

	s.Changed.Publish(seed)
}
