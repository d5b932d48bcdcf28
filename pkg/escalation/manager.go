// Package escalation tracks incidents the orchestrator cannot heal on its own:
// failed compensations (FAILSAFE_BREACH) and failed commits (INTEGRITY_VIOLATION).
//
// The manager opens incidents, tracks their lifecycle, re-flags incidents
// nobody acknowledged within the SLA, and produces immutable receipts on resolution.
package escalation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
)

// DefaultAckSLA is how long an incident may stay unacknowledged before CheckOverdue flags it.
const DefaultAckSLA = 15 * time.Minute

var (
	ErrNotFound      = errors.New("escalation: incident not found")
	ErrInvalidStatus = errors.New("escalation: invalid status transition")
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

// Record is an incident plus its lifecycle metadata.
type Record struct {
	IncidentID     string        `json:"incident_id"`
	Incident       aeor.Incident `json:"incident"`
	Status         Status        `json:"status"`
	OpenedAt       time.Time     `json:"opened_at"`
	AckDeadline    time.Time     `json:"ack_deadline"`
	AcknowledgedBy string        `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	Overdue        bool          `json:"overdue"`
	Receipt        *Receipt      `json:"receipt,omitempty"`
}

// Receipt is the immutable outcome of a resolved incident.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	IncidentID  string    `json:"incident_id"`
	ResolvedBy  string    `json:"resolved_by"`
	Resolution  string    `json:"resolution"`
	ResolvedAt  time.Time `json:"resolved_at"`
	DurationMs  int64     `json:"duration_ms"`
	ContentHash string    `json:"content_hash"`
	Signature   string    `json:"signature,omitempty"`
}

// Manager handles the lifecycle of incidents.
type Manager struct {
	mu         sync.Mutex
	incidents  map[string]*Record
	ackSLA     time.Duration
	clock      func() time.Time
	logger     *slog.Logger
	signingKey []byte
}

var _ aeor.Escalator = (*Manager)(nil)

// NewManager creates a new escalation manager.
func NewManager() *Manager {
	return &Manager{
		incidents: make(map[string]*Record),
		ackSLA:    DefaultAckSLA,
		clock:     time.Now,
		logger:    slog.Default().With("component", "escalation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithAckSLA sets the acknowledgement deadline for new incidents.
func (m *Manager) WithAckSLA(d time.Duration) *Manager {
	if d > 0 {
		m.ackSLA = d
	}
	return m
}

// Escalate opens an incident.
func (m *Manager) Escalate(ctx context.Context, incident aeor.Incident) error {
	_, err := m.Open(ctx, incident)
	return err
}

// Open opens an incident and returns its record.
func (m *Manager) Open(ctx context.Context, incident aeor.Incident) (Record, error) {
	switch incident.Kind {
	case aeor.IncidentFailsafeBreach, aeor.IncidentIntegrityViolation:
	default:
		return Record{}, fmt.Errorf("escalation: unknown incident kind %q", incident.Kind)
	}
	now := m.clock()
	rec := &Record{
		IncidentID:  uuid.New().String(),
		Incident:    incident,
		Status:      StatusOpen,
		OpenedAt:    now,
		AckDeadline: now.Add(m.ackSLA),
	}

	m.mu.Lock()
	m.incidents[rec.IncidentID] = rec
	m.mu.Unlock()

	m.logger.Log(ctx, aeor.LevelCritical, "incident opened",
		"incident_id", rec.IncidentID,
		"deployment_id", incident.DeploymentID,
		"kind", incident.Kind,
		"stage", incident.Stage,
		"reason", incident.Reason,
	)
	return *rec, nil
}

// Acknowledge marks an open incident as owned by operator.
func (m *Manager) Acknowledge(ctx context.Context, incidentID, operator string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.incidents[incidentID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, incidentID)
	}
	if rec.Status != StatusOpen {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, incidentID, rec.Status)
	}
	now := m.clock()
	rec.Status = StatusAcknowledged
	rec.AcknowledgedBy = operator
	rec.AcknowledgedAt = &now
	rec.Overdue = false

	m.logger.InfoContext(ctx, "incident acknowledged", "incident_id", incidentID, "operator", operator)
	return *rec, nil
}

// Resolve closes an open or acknowledged incident and issues a receipt.
func (m *Manager) Resolve(ctx context.Context, incidentID, operator, resolution string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.incidents[incidentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, incidentID)
	}
	if rec.Status == StatusResolved {
		return nil, fmt.Errorf("%w: %s is already resolved", ErrInvalidStatus, incidentID)
	}
	rec.Status = StatusResolved
	rec.Overdue = false
	rec.Receipt = m.createReceipt(rec, operator, resolution, m.clock())

	m.logger.InfoContext(ctx, "incident resolved", "incident_id", incidentID, "operator", operator)
	return rec.Receipt, nil
}

// CheckOverdue flags open incidents past their acknowledgement deadline and
// returns the ones newly flagged.
func (m *Manager) CheckOverdue(ctx context.Context) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var flagged []Record
	for _, rec := range m.incidents {
		if rec.Status != StatusOpen || rec.Overdue || !now.After(rec.AckDeadline) {
			continue
		}
		rec.Overdue = true
		flagged = append(flagged, *rec)
		m.logger.Log(ctx, aeor.LevelCritical, "incident unacknowledged past SLA",
			"incident_id", rec.IncidentID,
			"deployment_id", rec.Incident.DeploymentID,
			"kind", rec.Incident.Kind,
		)
	}
	sortRecords(flagged)
	return flagged
}

// Get returns an incident by id.
func (m *Manager) Get(incidentID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.incidents[incidentID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, incidentID)
	}
	return *rec, nil
}

// List returns incidents oldest first. An empty status lists all of them.
func (m *Manager) List(status Status) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.incidents))
	for _, rec := range m.incidents {
		if status == "" || rec.Status == status {
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out
}

// PendingCount returns the number of unresolved incidents.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, rec := range m.incidents {
		if rec.Status != StatusResolved {
			count++
		}
	}
	return count
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].OpenedAt.Equal(recs[j].OpenedAt) {
			return recs[i].IncidentID < recs[j].IncidentID
		}
		return recs[i].OpenedAt.Before(recs[j].OpenedAt)
	})
}

func (m *Manager) createReceipt(rec *Record, operator, resolution string, resolvedAt time.Time) *Receipt {
	receipt := &Receipt{
		ReceiptID:  uuid.New().String(),
		IncidentID: rec.IncidentID,
		ResolvedBy: operator,
		Resolution: resolution,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(rec.OpenedAt).Milliseconds(),
	}

	// Compute content hash for audit
	hashable := struct {
		IncidentID   string            `json:"incident_id"`
		DeploymentID string            `json:"deployment_id"`
		Kind         aeor.IncidentKind `json:"kind"`
		ResolvedBy   string            `json:"resolved_by"`
		Resolution   string            `json:"resolution"`
	}{
		IncidentID:   rec.IncidentID,
		DeploymentID: rec.Incident.DeploymentID,
		Kind:         rec.Incident.Kind,
		ResolvedBy:   operator,
		Resolution:   resolution,
	}
	data, _ := json.Marshal(hashable)
	h := sha256.Sum256(data)
	receipt.ContentHash = "sha256:" + hex.EncodeToString(h[:])
	m.sign(receipt)

	return receipt
}
