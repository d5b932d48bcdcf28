package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
)

// MemoryJournal keeps records and event chains in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	records map[string]aeor.DeploymentRecord
	events  map[string][]Event
	clock   func() time.Time
}

var _ Journal = (*MemoryJournal)(nil)

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		records: make(map[string]aeor.DeploymentRecord),
		events:  make(map[string][]Event),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (j *MemoryJournal) WithClock(clock func() time.Time) *MemoryJournal {
	j.clock = clock
	return j
}

func (j *MemoryJournal) Begin(_ context.Context, rec aeor.DeploymentRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.records[rec.DeploymentID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.DeploymentID)
	}
	now := j.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt

	ev, err := seal(Event{
		DeploymentID: rec.DeploymentID,
		Sequence:     1,
		To:           rec.State,
		Status:       rec.Status,
		At:           rec.CreatedAt,
	}, GenesisHash)
	if err != nil {
		return err
	}
	j.records[rec.DeploymentID] = rec
	j.events[rec.DeploymentID] = []Event{ev}
	return nil
}

func (j *MemoryJournal) Get(_ context.Context, id string) (aeor.DeploymentRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rec, ok := j.records[id]
	if !ok {
		return aeor.DeploymentRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (j *MemoryJournal) Transition(_ context.Context, id string, from, to aeor.DeploymentState, status aeor.Status, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := checkTransition(rec, from, to); err != nil {
		return err
	}

	now := j.clock().UTC()
	chain := j.events[id]
	ev, err := seal(Event{
		DeploymentID: id,
		Sequence:     uint64(len(chain) + 1),
		From:         from,
		To:           to,
		Status:       status,
		Reason:       reason,
		At:           now,
	}, chain[len(chain)-1].Hash)
	if err != nil {
		return err
	}

	j.records[id] = apply(rec, to, status, reason, now)
	j.events[id] = append(chain, ev)
	return nil
}

func (j *MemoryJournal) List(_ context.Context, state aeor.DeploymentState) ([]aeor.DeploymentRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	result := make([]aeor.DeploymentRecord, 0, len(j.records))
	for _, rec := range j.records {
		if state == "" || rec.State == state {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(a, b int) bool {
		if result[a].CreatedAt.Equal(result[b].CreatedAt) {
			return result[a].DeploymentID < result[b].DeploymentID
		}
		return result[a].CreatedAt.Before(result[b].CreatedAt)
	})
	return result, nil
}

func (j *MemoryJournal) Events(_ context.Context, id string) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	chain, ok := j.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]Event(nil), chain...), nil
}

func (j *MemoryJournal) Verify(ctx context.Context, id string) error {
	events, err := j.Events(ctx, id)
	if err != nil {
		return err
	}
	return verifyChain(events)
}
