package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store owns the session machines of one process, keyed by session id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Machine
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Machine),
		now:      time.Now,
	}
}

// Begin returns the machine for id, creating an idle one if none exists or
// the existing one is closed.
func (s *Store) Begin(id string) *Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.sessions[id]; ok && m.Stage() != Closed {
		return m
	}
	m := newMachine(id, s.now)
	s.sessions[id] = m
	return m
}

func (s *Store) Get(id string) (*Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[id]
	return m, ok
}

// Resolve answers the pending approval of session id.
func (s *Store) Resolve(id string, d Decision) (Approval, error) {
	m, ok := s.Get(id)
	if !ok {
		return Approval{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return m.Resolve(d)
}

// Discard closes and forgets the session.
func (s *Store) Discard(id string) {
	s.mu.Lock()
	m, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		m.Close()
	}
}

// Snapshots returns copies of every session state ordered by id.
func (s *Store) Snapshots() []State {
	s.mu.RLock()
	machines := make([]*Machine, 0, len(s.sessions))
	for _, m := range s.sessions {
		machines = append(machines, m)
	}
	s.mu.RUnlock()

	result := make([]State, 0, len(machines))
	for _, m := range machines {
		result = append(result, m.Snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.sessions {
		if m.Stage() != Closed {
			count++
		}
	}
	return count
}
