// Package registrar provides the commitment registrar: the exclusive lock over
// pre-mutation state that every AEOR deployment holds between registration and
// its commit or reversal.
//
// Registrar adapts a Store (memory, SQL or Redis) to aeor.CommitmentRegistrar.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
)

var (
	// ErrLockHeld is returned by Store.Acquire when a live lock exists for the id.
	ErrLockHeld = errors.New("registrar: lock already held")
	// ErrNotLocked is returned by Store.Resolve when no live lock exists for the id.
	ErrNotLocked = errors.New("registrar: no lock held")
)

// DefaultTTL bounds how long an abandoned lock blocks its deployment id.
const DefaultTTL = 15 * time.Minute

// Outcome is how a lock was resolved.
type Outcome string

const (
	OutcomeCommitted Outcome = "COMMITTED"
	OutcomeReversed  Outcome = "REVERSED"
)

// Lock is a held commitment.
type Lock struct {
	DeploymentID string    `json:"deployment_id"`
	StateHash    string    `json:"state_hash"`
	LockedAt     time.Time `json:"locked_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the lock may be reclaimed at now.
func (l Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// Resolution records the release of a lock.
type Resolution struct {
	DeploymentID string    `json:"deployment_id"`
	StateHash    string    `json:"state_hash"`
	Outcome      Outcome   `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// Store persists locks and their resolutions.
type Store interface {
	// Acquire stores lock unless a live lock exists for its id (ErrLockHeld).
	// Expired locks are reclaimed.
	Acquire(ctx context.Context, lock Lock) error
	// Resolve removes the live lock for id and appends a Resolution (ErrNotLocked).
	Resolve(ctx context.Context, id string, outcome Outcome, reason string, at time.Time) (Resolution, error)
	// Locked returns the live lock for id.
	Locked(ctx context.Context, id string) (Lock, bool, error)
	// History returns resolutions for id, oldest first.
	History(ctx context.Context, id string) ([]Resolution, error)
}

// Registrar implements aeor.CommitmentRegistrar on top of a Store.
type Registrar struct {
	store  Store
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

var _ aeor.CommitmentRegistrar = (*Registrar)(nil)

// New creates a Registrar with DefaultTTL.
func New(store Store) *Registrar {
	return &Registrar{
		store:  store,
		ttl:    DefaultTTL,
		clock:  time.Now,
		logger: slog.Default().With("component", "registrar"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registrar) WithClock(clock func() time.Time) *Registrar {
	r.clock = clock
	return r
}

// WithTTL sets the lock lifetime. Zero disables expiry.
func (r *Registrar) WithTTL(ttl time.Duration) *Registrar {
	r.ttl = ttl
	return r
}

// WithLogger replaces the logger.
func (r *Registrar) WithLogger(logger *slog.Logger) *Registrar {
	r.logger = logger.With("component", "registrar")
	return r
}

// LockState takes the exclusive lock for deploymentID.
func (r *Registrar) LockState(ctx context.Context, stateHash, deploymentID string) (aeor.Ack, error) {
	now := r.clock().UTC()
	lock := Lock{DeploymentID: deploymentID, StateHash: stateHash, LockedAt: now}
	if r.ttl > 0 {
		lock.ExpiresAt = now.Add(r.ttl)
	}

	err := r.store.Acquire(ctx, lock)
	switch {
	case errors.Is(err, ErrLockHeld):
		r.logger.WarnContext(ctx, "lock rejected", "deployment_id", deploymentID)
		return aeor.Ack{Success: false, Reason: fmt.Sprintf("lock already held for %s", deploymentID)}, nil
	case err != nil:
		return aeor.Ack{}, fmt.Errorf("acquire lock %s: %w", deploymentID, err)
	}
	r.logger.DebugContext(ctx, "lock acquired", "deployment_id", deploymentID, "expires_at", lock.ExpiresAt)
	return aeor.Ack{Success: true}, nil
}

// CommitAndRelease finalizes the mutation and releases the lock.
func (r *Registrar) CommitAndRelease(ctx context.Context, deploymentID string) (aeor.Ack, error) {
	return r.resolve(ctx, deploymentID, OutcomeCommitted, "")
}

// ReverseAndRelease reverts to the pre-mutation state and releases the lock.
func (r *Registrar) ReverseAndRelease(ctx context.Context, deploymentID, reason string) (aeor.Ack, error) {
	return r.resolve(ctx, deploymentID, OutcomeReversed, reason)
}

func (r *Registrar) resolve(ctx context.Context, id string, outcome Outcome, reason string) (aeor.Ack, error) {
	res, err := r.store.Resolve(ctx, id, outcome, reason, r.clock().UTC())
	switch {
	case errors.Is(err, ErrNotLocked):
		r.logger.WarnContext(ctx, "resolve without lock", "deployment_id", id, "outcome", outcome)
		return aeor.Ack{Success: false, Reason: fmt.Sprintf("no lock held for %s", id)}, nil
	case err != nil:
		return aeor.Ack{}, fmt.Errorf("resolve lock %s: %w", id, err)
	}
	r.logger.InfoContext(ctx, "lock released", "deployment_id", id, "outcome", res.Outcome, "state_hash", res.StateHash)
	return aeor.Ack{Success: true}, nil
}

// Locked returns the live lock for id.
func (r *Registrar) Locked(ctx context.Context, id string) (Lock, bool, error) {
	return r.store.Locked(ctx, id)
}

// History returns the resolutions recorded for id.
func (r *Registrar) History(ctx context.Context, id string) ([]Resolution, error) {
	return r.store.History(ctx, id)
}
