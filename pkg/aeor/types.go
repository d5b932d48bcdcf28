package aeor

import "time"

// Status is the outcome reported to the caller of an orchestration call.
type Status string

const (
	// StatusRegistered is returned by a successful RegisterCommitment. It is not terminal.
	StatusRegistered Status = "REGISTERED"

	StatusSuccessCommitted    Status = "SUCCESS_COMMITTED"
	StatusRollbackMandated    Status = "ROLLBACK_MANDATED"
	StatusC04RollbackForced   Status = "C04_ROLLBACK_FORCED"
	StatusMCRStateError       Status = "MCR_STATE_ERROR"
	StatusRegistrationFailure Status = "REGISTRATION_FAILURE"
	StatusIntegrityViolation  Status = "INTEGRITY_VIOLATION"
)

// Terminal reports whether the status ends an orchestration.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccessCommitted, StatusRollbackMandated, StatusC04RollbackForced, StatusIntegrityViolation:
		return true
	default:
		return false
	}
}

// Stage identifies a step of the orchestration state machine.
type Stage string

const (
	StageRegistering Stage = "REGISTERING"
	StageStaging     Stage = "STAGING"
	StageExecuting   Stage = "EXECUTING"
	StageAuditing    Stage = "AUDITING"
	StageCommitting  Stage = "COMMITTING"
	StageRollingBack Stage = "ROLLING_BACK"
)

// DeploymentState is the lifecycle state of a DeploymentRecord.
type DeploymentState string

const (
	StateLocked     DeploymentState = "LOCKED"
	StateExecuting  DeploymentState = "EXECUTING"
	StateAudited    DeploymentState = "AUDITED"
	StateCommitted  DeploymentState = "COMMITTED"
	StateRolledBack DeploymentState = "ROLLED_BACK"
	// StateIndeterminate marks a failed commit: the mutation may be partially applied.
	StateIndeterminate DeploymentState = "INDETERMINATE"
)

// Terminal reports whether no further transition is allowed from s.
func (s DeploymentState) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateIndeterminate
}

// DeploymentRecord tracks one mutation attempt from registration to its terminal state.
type DeploymentRecord struct {
	DeploymentID         string          `json:"deployment_id"`
	PreMutationStateHash string          `json:"pre_mutation_state_hash"`
	State                DeploymentState `json:"state"`
	Status               Status          `json:"status,omitempty"`
	Reason               string          `json:"reason,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	ArchivedAt           *time.Time      `json:"archived_at,omitempty"`
}

// Ack is the acknowledgement returned by registrar and executor primitives.
type Ack struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// ExecutionResult is the outcome of running a mutation inside the isolation executor.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// AuditBundle joins the output of both post-execution audits.
type AuditBundle struct {
	DeploymentID string         `json:"deployment_id"`
	Metrics      map[string]any `json:"metrics"`
	DebtAnalysis map[string]any `json:"debt_analysis"`
}

// VetoDecision is the policy engine's verdict over an AuditBundle.
type VetoDecision struct {
	Veto   bool   `json:"veto"`
	Reason string `json:"reason,omitempty"`
}

// AuditOutcome is the result of the audit stage.
type AuditOutcome struct {
	MandatedRollback bool        `json:"mandated_rollback"`
	Reason           string      `json:"reason,omitempty"`
	Analysis         AuditBundle `json:"analysis"`
}

// RegistrationResult is returned by RegisterCommitment.
type RegistrationResult struct {
	Success bool      `json:"success"`
	Status  Status    `json:"status"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Stage   Stage     `json:"stage,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Err returns nil for a successful registration and an *OrchestrationError otherwise.
func (r RegistrationResult) Err() error {
	if r.Success {
		return nil
	}
	return &OrchestrationError{Status: r.Status, Kind: r.Kind, Stage: r.Stage, Reason: r.Reason}
}

// StepResult records one compensating action of a rollback.
type StepResult struct {
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

// RollbackResult is returned by TriggerAtomicRollback. Success is conjunctive over both steps.
type RollbackResult struct {
	Success  bool       `json:"success"`
	Reason   string     `json:"reason,omitempty"`
	Registry StepResult `json:"registry"`
	Sandbox  StepResult `json:"sandbox"`
}

// Outcome is the terminal result of SuperviseExecutionAndAudit.
type Outcome struct {
	DeploymentID string           `json:"deployment_id"`
	Status       Status           `json:"status"`
	Kind         ErrorKind        `json:"kind,omitempty"`
	Stage        Stage            `json:"stage,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Execution    *ExecutionResult `json:"execution,omitempty"`
	Audit        *AuditOutcome    `json:"audit,omitempty"`
	Rollback     *RollbackResult  `json:"rollback,omitempty"`
}

// Committed reports whether the mutation was committed.
func (o Outcome) Committed() bool {
	return o.Status == StatusSuccessCommitted
}

// Err returns nil for a committed outcome and an *OrchestrationError otherwise.
func (o Outcome) Err() error {
	if o.Committed() {
		return nil
	}
	return &OrchestrationError{Status: o.Status, Kind: o.Kind, Stage: o.Stage, Reason: o.Reason}
}
