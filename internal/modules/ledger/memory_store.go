// README: In-process Store with a lock per ride; the map lock only guards lookup and insert.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"ridedispatch/internal/types"
)

type memoryEntry struct {
	mu         sync.Mutex
	ride       *RideRequest
	rejections map[types.ID]time.Time
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[types.ID]*memoryEntry

	eventsMu sync.Mutex
	events   []Event
	nextSeq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[types.ID]*memoryEntry)}
}

func (s *MemoryStore) entry(id types.ID) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rides[id]
	return e, ok
}

func (s *MemoryStore) Insert(_ context.Context, r *RideRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rides[r.ID]; exists {
		return ErrDuplicateID
	}
	s.rides[r.ID] = &memoryEntry{ride: r.Clone(), rejections: make(map[types.ID]time.Time)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*RideRequest, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, next *RideRequest, expectedVersion int) (bool, error) {
	e, ok := s.entry(next.ID)
	if !ok {
		return false, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ride.Version != expectedVersion {
		return false, nil
	}
	e.ride = next.Clone()
	return true, nil
}

func (s *MemoryStore) ListByState(_ context.Context, state State) ([]*RideRequest, error) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.rides))
	for _, e := range s.rides {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*RideRequest
	for _, e := range entries {
		e.mu.Lock()
		if e.ride.State == state {
			out = append(out, e.ride.Clone())
		}
		e.mu.Unlock()
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *MemoryStore) AppendRejection(_ context.Context, rej Rejection) (int, error) {
	e, ok := s.entry(rej.RideID)
	if !ok {
		return 0, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, seen := e.rejections[rej.DriverID]; !seen {
		e.rejections[rej.DriverID] = rej.At
	}
	return len(e.rejections), nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev *Event) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.nextSeq++
	ev.ID = s.nextSeq
	s.events = append(s.events, *ev)
	return nil
}

// Events returns the audit trail of one ride in insertion order.
func (s *MemoryStore) Events(rideID types.ID) []Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.RideID == rideID {
			out = append(out, ev)
		}
	}
	return out
}

func sortByCreatedAt(rides []*RideRequest) {
	sort.SliceStable(rides, func(i, j int) bool {
		if rides[i].CreatedAt.Equal(rides[j].CreatedAt) {
			return rides[i].ID < rides[j].ID
		}
		return rides[i].CreatedAt.Before(rides[j].CreatedAt)
	})
}
