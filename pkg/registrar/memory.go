package registrar

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps locks in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	locks   map[string]Lock
	history map[string][]Resolution
	clock   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:   make(map[string]Lock),
		history: make(map[string][]Resolution),
		clock:   time.Now,
	}
}

// WithClock overrides the clock used for expiry checks.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Acquire(_ context.Context, lock Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.locks[lock.DeploymentID]; ok && !held.Expired(s.clock()) {
		return ErrLockHeld
	}
	s.locks[lock.DeploymentID] = lock
	return nil
}

func (s *MemoryStore) Resolve(_ context.Context, id string, outcome Outcome, reason string, at time.Time) (Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[id]
	if !ok || held.Expired(s.clock()) {
		return Resolution{}, ErrNotLocked
	}
	delete(s.locks, id)

	res := Resolution{DeploymentID: id, StateHash: held.StateHash, Outcome: outcome, Reason: reason, At: at}
	s.history[id] = append(s.history[id], res)
	return res, nil
}

func (s *MemoryStore) Locked(_ context.Context, id string) (Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[id]
	if !ok || held.Expired(s.clock()) {
		return Lock{}, false, nil
	}
	return held, true, nil
}

func (s *MemoryStore) History(_ context.Context, id string) ([]Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Resolution(nil), s.history[id]...), nil
}
