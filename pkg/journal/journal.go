// Package journal persists the lifecycle of AEOR deployments.
//
// Every deployment has a DeploymentRecord guarded by compare-and-set
// transitions, and an append-only event chain: each Event's hash covers the
// RFC 8785 canonical JSON of the event and the hash of its predecessor.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
)

var (
	ErrNotFound    = errors.New("journal: deployment not found")
	ErrExists      = errors.New("journal: deployment already recorded")
	ErrConflict    = errors.New("journal: state transition conflict")
	ErrTerminal    = errors.New("journal: deployment is in a terminal state")
	ErrChainBroken = errors.New("journal: hash chain is broken")
)

// GenesisHash is the previous hash of the first event of every deployment.
const GenesisHash = "genesis"

// Event is one state transition of a deployment.
type Event struct {
	DeploymentID string               `json:"deployment_id"`
	Sequence     uint64               `json:"sequence"`
	From         aeor.DeploymentState `json:"from"`
	To           aeor.DeploymentState `json:"to"`
	Status       aeor.Status          `json:"status,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	At           time.Time            `json:"at"`
	PreviousHash string               `json:"previous_hash"`
	Hash         string               `json:"hash"`
}

// Journal is the full journal surface. aeor.Journal is the subset the Orchestrator uses.
type Journal interface {
	aeor.Journal
	List(ctx context.Context, state aeor.DeploymentState) ([]aeor.DeploymentRecord, error)
	Events(ctx context.Context, deploymentID string) ([]Event, error)
	Verify(ctx context.Context, deploymentID string) error
}

// hashEvent computes the chained hash of e. The Hash field is excluded.
func hashEvent(e Event) (string, error) {
	hashable := e
	hashable.Hash = ""
	hashable.At = e.At.UTC()

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// seal links e to previous and sets its hash.
func seal(e Event, previous string) (Event, error) {
	e.PreviousHash = previous
	e.At = e.At.UTC()
	h, err := hashEvent(e)
	if err != nil {
		return Event{}, err
	}
	e.Hash = h
	return e, nil
}

// verifyChain re-walks events in sequence order.
func verifyChain(events []Event) error {
	previous := GenesisHash
	for i, e := range events {
		if e.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: sequence %d at position %d", ErrChainBroken, e.Sequence, i)
		}
		if e.PreviousHash != previous {
			return fmt.Errorf("%w: event %d does not link to its predecessor", ErrChainBroken, e.Sequence)
		}
		h, err := hashEvent(e)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return fmt.Errorf("%w: event %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		previous = e.Hash
	}
	return nil
}

// checkTransition validates a transition against the current record.
func checkTransition(rec aeor.DeploymentRecord, from, to aeor.DeploymentState) error {
	if rec.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, rec.DeploymentID, rec.State)
	}
	if rec.State != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, rec.DeploymentID, rec.State, from)
	}
	if to == "" {
		return fmt.Errorf("%w: empty target state", ErrConflict)
	}
	return nil
}

// apply returns rec after a transition at now.
func apply(rec aeor.DeploymentRecord, to aeor.DeploymentState, status aeor.Status, reason string, now time.Time) aeor.DeploymentRecord {
	rec.State = to
	if status != "" {
		rec.Status = status
	}
	rec.Reason = reason
	rec.UpdatedAt = now
	if to.Terminal() {
		archived := now
		rec.ArchivedAt = &archived
	}
	return rec
}
