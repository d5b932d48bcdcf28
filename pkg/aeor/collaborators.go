package aeor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// CommitmentRegistrar owns the exclusive lock over system state.
// Locks are keyed by deployment id; a second LockState for a held id must fail.
type CommitmentRegistrar interface {
	LockState(ctx context.Context, stateHash, deploymentID string) (Ack, error)
	CommitAndRelease(ctx context.Context, deploymentID string) (Ack, error)
	ReverseAndRelease(ctx context.Context, deploymentID, reason string) (Ack, error)
}

// IsolationExecutor runs a proposed mutation without touching live state.
type IsolationExecutor interface {
	StageDeployment(ctx context.Context, deploymentID string) error
	Execute(ctx context.Context, deploymentID string) (ExecutionResult, error)
	Rollback(ctx context.Context, deploymentID string) (Ack, error)
}

// MetricsSource supplies post-execution feedback metrics.
type MetricsSource interface {
	GetMetrics(ctx context.Context, deploymentID string) (map[string]any, error)
}

// DebtAnalyzer supplies post-execution entropy and debt analysis.
type DebtAnalyzer interface {
	Analyze(ctx context.Context, deploymentID string) (map[string]any, error)
}

// PolicyEngine maps an audit bundle to a veto decision. Implementations must be side-effect free.
type PolicyEngine interface {
	CheckRollbackVeto(ctx context.Context, bundle AuditBundle) (VetoDecision, error)
}

// TelemetrySink receives one structured record per stage transition and per terminal state.
type TelemetrySink interface {
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	Critical(ctx context.Context, msg string, args ...any)
}

// Journal persists DeploymentRecord lifecycles. It is optional.
type Journal interface {
	Begin(ctx context.Context, record DeploymentRecord) error
	Get(ctx context.Context, deploymentID string) (DeploymentRecord, error)
	Transition(ctx context.Context, deploymentID string, from, to DeploymentState, status Status, reason string) error
}

// IncidentKind names the failures that need out-of-band intervention.
type IncidentKind string

const (
	IncidentFailsafeBreach     IncidentKind = "FAILSAFE_BREACH"
	IncidentIntegrityViolation IncidentKind = "INTEGRITY_VIOLATION"
)

// Incident describes a failure the orchestrator cannot self-heal.
type Incident struct {
	DeploymentID string       `json:"deployment_id"`
	Kind         IncidentKind `json:"kind"`
	Stage        Stage        `json:"stage"`
	Reason       string       `json:"reason"`
}

// Escalator hands incidents to operators. It is optional.
type Escalator interface {
	Escalate(ctx context.Context, incident Incident) error
}

// Tracker wraps an operation in a span and records its duration and error.
// RecordStatus counts results by stage and status.
// observability.Provider satisfies it.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
	RecordStatus(ctx context.Context, stage, status string)
}
