package aeor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	isolationVetoPrefix  = "C-04 Isolation Failure: Sandbox internal veto."
	isolationCrashPrefix = "C-04 Isolation Failure: Sandbox crashed."
	defaultVetoReason    = "Policy veto: rollback mandated."
	callerAbortReason    = "Caller-initiated abort."
	policyFailurePrefix  = "Policy evaluation failure: "
)

// Dependencies are the collaborators injected into an Orchestrator.
// Registrar, Executor, Metrics, Debt and Policy are required.
type Dependencies struct {
	Registrar CommitmentRegistrar
	Executor  IsolationExecutor
	Metrics   MetricsSource
	Debt      DebtAnalyzer
	Policy    PolicyEngine

	Telemetry TelemetrySink
	Journal   Journal
	Escalator Escalator
	Tracker   Tracker
	Clock     func() time.Time
}

// Orchestrator drives register → execute → audit → commit|rollback for one deployment
// at a time per id. It holds no mutable state, so one instance serves concurrent
// orchestrations of distinct deployment ids.
type Orchestrator struct {
	registrar CommitmentRegistrar
	executor  IsolationExecutor
	metrics   MetricsSource
	debt      DebtAnalyzer
	policy    PolicyEngine
	telemetry TelemetrySink
	journal   Journal
	escalator Escalator
	tracker   Tracker
	clock     func() time.Time
}

// New validates deps and returns an Orchestrator.
func New(deps Dependencies) (*Orchestrator, error) {
	var missing []string
	if deps.Registrar == nil {
		missing = append(missing, "registrar")
	}
	if deps.Executor == nil {
		missing = append(missing, "executor")
	}
	if deps.Metrics == nil {
		missing = append(missing, "metrics source")
	}
	if deps.Debt == nil {
		missing = append(missing, "debt analyzer")
	}
	if deps.Policy == nil {
		missing = append(missing, "policy engine")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("aeor: missing collaborators: %s", strings.Join(missing, ", "))
	}

	o := &Orchestrator{
		registrar: deps.Registrar,
		executor:  deps.Executor,
		metrics:   deps.Metrics,
		debt:      deps.Debt,
		policy:    deps.Policy,
		telemetry: deps.Telemetry,
		journal:   deps.Journal,
		escalator: deps.Escalator,
		tracker:   deps.Tracker,
		clock:     deps.Clock,
	}
	if o.telemetry == nil {
		o.telemetry = NewSlogSink(nil)
	}
	if o.tracker == nil {
		o.tracker = nopTracker{}
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	return o, nil
}

// RegisterCommitment acquires the external lock for deploymentID and stages the
// deployment in the isolation executor. Registration is all-or-nothing: if staging
// or journaling fails after the lock was taken, the lock is released before returning.
func (o *Orchestrator) RegisterCommitment(ctx context.Context, deploymentID, preMutationStateHash string) (res RegistrationResult) {
	ctx, done := o.tracker.TrackOperation(ctx, "aeor.register", attribute.String("aeor.deployment_id", deploymentID))
	defer func() { done(res.Err()) }()

	// 1. Validate inputs before touching any collaborator.
	id, err := NormalizeIdentifier("deployment id", deploymentID)
	if err != nil {
		return o.registrationFailed(ctx, deploymentID, StatusRegistrationFailure, KindInput, StageRegistering, err.Error())
	}
	hash, err := NormalizeIdentifier("pre-mutation state hash", preMutationStateHash)
	if err != nil {
		return o.registrationFailed(ctx, id, StatusRegistrationFailure, KindInput, StageRegistering, err.Error())
	}

	// 2. Acquire the exclusive lock.
	o.telemetry.Info(ctx, "stage transition", "deployment_id", id, "stage", StageRegistering, "state_hash", hash)
	ack, err := guard("registrar.LockState", func() (Ack, error) {
		return o.registrar.LockState(ctx, hash, id)
	})
	if err != nil || !ack.Success {
		return o.registrationFailed(ctx, id, StatusMCRStateError, KindLockState, StageRegistering,
			failureReason("lock acquisition failed", ack, err))
	}

	// 3. Stage the deployment in the sandbox.
	o.telemetry.Info(ctx, "stage transition", "deployment_id", id, "stage", StageStaging)
	if _, err := guard("executor.StageDeployment", func() (struct{}, error) {
		return struct{}{}, o.executor.StageDeployment(ctx, id)
	}); err != nil {
		return o.releaseFailedRegistration(ctx, id, StageStaging, KindExecution, "Staging failure: "+err.Error())
	}

	// 4. Open the deployment record.
	if o.journal != nil {
		now := o.clock().UTC()
		if err := o.journal.Begin(ctx, DeploymentRecord{
			DeploymentID:         id,
			PreMutationStateHash: hash,
			State:                StateLocked,
			Status:               StatusRegistered,
			CreatedAt:            now,
			UpdatedAt:            now,
		}); err != nil {
			return o.releaseFailedRegistration(ctx, id, StageRegistering, KindLockState, "Journal failure: "+err.Error())
		}
	}

	o.telemetry.Info(ctx, "commitment registered", "deployment_id", id, "status", StatusRegistered)
	o.tracker.RecordStatus(ctx, string(StageRegistering), string(StatusRegistered))
	return RegistrationResult{Success: true, Status: StatusRegistered, Stage: StageRegistering}
}

// releaseFailedRegistration undoes a lock acquired by a registration that could not complete.
func (o *Orchestrator) releaseFailedRegistration(ctx context.Context, id string, stage Stage, kind ErrorKind, reason string) RegistrationResult {
	o.telemetry.Error(ctx, "registration failed after lock acquisition", "deployment_id", id, "stage", stage, "reason", reason)
	rb := o.rollback(ctx, id, reason, stage)
	if !rb.Success {
		return o.registrationFailed(ctx, id, StatusMCRStateError, KindIntegrity, stage, reason+"; "+rb.Reason)
	}
	return o.registrationFailed(ctx, id, StatusRegistrationFailure, kind, stage, reason)
}

func (o *Orchestrator) registrationFailed(ctx context.Context, id string, status Status, kind ErrorKind, stage Stage, reason string) RegistrationResult {
	args := []any{"deployment_id", id, "status", status, "kind", kind, "stage", stage, "reason", reason}
	if kind == KindIntegrity {
		o.telemetry.Critical(ctx, "registration failed", args...)
	} else {
		o.telemetry.Error(ctx, "registration failed", args...)
	}
	o.tracker.RecordStatus(ctx, string(stage), string(status))
	return RegistrationResult{Status: status, Kind: kind, Stage: stage, Reason: reason}
}

// SuperviseExecutionAndAudit runs a registered deployment to a terminal state:
// execute in isolation, audit concurrently, then commit or roll back.
// Cancellation of ctx is ignored once supervision starts; the lock must be resolved.
func (o *Orchestrator) SuperviseExecutionAndAudit(ctx context.Context, deploymentID string) (out Outcome) {
	ctx = context.WithoutCancel(ctx)
	ctx, done := o.tracker.TrackOperation(ctx, "aeor.supervise", attribute.String("aeor.deployment_id", deploymentID))
	defer func() { done(supervisionErr(out)) }()

	id, err := NormalizeIdentifier("deployment id", deploymentID)
	if err != nil {
		return o.finish(ctx, Outcome{DeploymentID: deploymentID, Status: StatusRegistrationFailure, Kind: KindInput, Reason: err.Error()})
	}

	// EXECUTING
	if o.journal != nil {
		// LOCKED -> EXECUTING is the claim. Of concurrent callers for one id only one wins it.
		if err := o.journal.Transition(ctx, id, StateLocked, StateExecuting, "", ""); err != nil {
			return o.finish(ctx, o.refuseSupervision(ctx, id, err))
		}
	}
	exec, failed := o.executeIsolated(ctx, id)
	if failed != nil {
		return o.finish(ctx, *failed)
	}

	// AUDITING
	o.telemetry.Info(ctx, "stage transition", "deployment_id", id, "stage", StageAuditing)
	audit, err := o.runAudit(ctx, id)
	if err != nil {
		reason := "Audit failure: " + err.Error()
		o.telemetry.Error(ctx, "post-execution audit failed", "deployment_id", id, "stage", StageAuditing, "error", err)
		out = o.rollbackOutcome(ctx, id, StateExecuting, StageAuditing, StatusRollbackMandated, KindPolicy, reason)
		out.Execution = &exec
		out.Audit = &audit
		return o.finish(ctx, out)
	}
	o.advance(ctx, id, StateExecuting, StateAudited, "", "")
	if audit.MandatedRollback {
		o.telemetry.Warn(ctx, "policy mandated rollback", "deployment_id", id, "stage", StageAuditing, "reason", audit.Reason)
		out = o.rollbackOutcome(ctx, id, StateAudited, StageAuditing, StatusRollbackMandated, KindPolicy, audit.Reason)
		out.Execution = &exec
		out.Audit = &audit
		return o.finish(ctx, out)
	}

	// COMMITTING
	out = o.commit(ctx, id, audit)
	out.Execution = &exec
	out.Audit = &audit
	return o.finish(ctx, out)
}

// supervisionErr is the error the supervise operation reports to the tracker.
// Refused calls and policy vetoes that rolled back cleanly are not failures of the service.
func supervisionErr(out Outcome) error {
	switch {
	case out.Committed(), out.Kind == KindInput:
		return nil
	case out.Status == StatusRollbackMandated && out.Audit != nil && out.Audit.MandatedRollback &&
		!strings.HasPrefix(out.Audit.Reason, policyFailurePrefix):
		return nil
	}
	return out.Err()
}

// refuseSupervision explains a lost claim. Nothing has been called yet, so nothing is compensated.
func (o *Orchestrator) refuseSupervision(ctx context.Context, id string, claimErr error) Outcome {
	out := Outcome{DeploymentID: id, Status: StatusRegistrationFailure, Kind: KindInput}
	rec, err := o.journal.Get(ctx, id)
	switch {
	case err != nil:
		out.Reason = fmt.Sprintf("deployment is not registered: %v", err)
	case rec.State != StateLocked:
		out.Reason = fmt.Sprintf("deployment is in state %s, supervision requires %s", rec.State, StateLocked)
	default:
		out.Reason = fmt.Sprintf("deployment cannot be supervised: %v", claimErr)
	}
	return out
}

// executeIsolated runs the sandbox. A non-nil Outcome means the deployment was rolled back.
func (o *Orchestrator) executeIsolated(ctx context.Context, id string) (ExecutionResult, *Outcome) {
	o.telemetry.Info(ctx, "stage transition", "deployment_id", id, "stage", StageExecuting)

	ctx, done := o.tracker.TrackOperation(ctx, "aeor.execute", attribute.String("aeor.deployment_id", id))
	result, err := guard("executor.Execute", func() (ExecutionResult, error) {
		return o.executor.Execute(ctx, id)
	})
	done(err)

	var reason string
	switch {
	case err != nil:
		// The sandbox itself crashed.
		reason = isolationCrashPrefix + " " + err.Error()
		o.telemetry.Error(ctx, "isolation executor crashed", "deployment_id", id, "stage", StageExecuting, "error", err)
	case !result.Success:
		// The sandbox rejected the change.
		reason = strings.TrimSpace(isolationVetoPrefix + " " + result.Reason)
		o.telemetry.Warn(ctx, "isolation executor rejected mutation", "deployment_id", id, "stage", StageExecuting, "reason", result.Reason)
	default:
		return result, nil
	}

	out := o.rollbackOutcome(ctx, id, StateExecuting, StageExecuting, StatusC04RollbackForced, KindExecution, reason)
	out.Execution = &result
	return result, &out
}

// runAudit issues both audits concurrently, joins them and evaluates the veto.
func (o *Orchestrator) runAudit(ctx context.Context, id string) (AuditOutcome, error) {
	ctx, done := o.tracker.TrackOperation(ctx, "aeor.audit", attribute.String("aeor.deployment_id", id))

	var metrics, debt map[string]any
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := guard("metrics.GetMetrics", func() (map[string]any, error) {
			return o.metrics.GetMetrics(gctx, id)
		})
		if err != nil {
			return fmt.Errorf("metrics audit: %w", err)
		}
		metrics = m
		return nil
	})
	g.Go(func() error {
		d, err := guard("debt.Analyze", func() (map[string]any, error) {
			return o.debt.Analyze(gctx, id)
		})
		if err != nil {
			return fmt.Errorf("debt analysis: %w", err)
		}
		debt = d
		return nil
	})
	err := g.Wait()

	bundle := AuditBundle{DeploymentID: id, Metrics: orEmpty(metrics), DebtAnalysis: orEmpty(debt)}
	outcome := AuditOutcome{Analysis: bundle}
	if err != nil {
		done(err)
		return outcome, err
	}

	decision, err := guard("policy.CheckRollbackVeto", func() (VetoDecision, error) {
		return o.policy.CheckRollbackVeto(ctx, bundle)
	})
	done(err)
	switch {
	case err != nil:
		// Fail closed: an unevaluable policy mandates rollback.
		outcome.MandatedRollback = true
		outcome.Reason = policyFailurePrefix + err.Error()
	case decision.Veto:
		outcome.MandatedRollback = true
		outcome.Reason = decision.Reason
		if strings.TrimSpace(outcome.Reason) == "" {
			outcome.Reason = defaultVetoReason
		}
	}
	return outcome, nil
}

// commit finalizes the mutation. A failed commit is never compensated.
func (o *Orchestrator) commit(ctx context.Context, id string, audit AuditOutcome) Outcome {
	o.telemetry.Info(ctx, "stage transition", "deployment_id", id, "stage", StageCommitting,
		"metrics", audit.Analysis.Metrics, "debt_analysis", audit.Analysis.DebtAnalysis)

	ctx, done := o.tracker.TrackOperation(ctx, "aeor.commit", attribute.String("aeor.deployment_id", id))
	ack, err := guard("registrar.CommitAndRelease", func() (Ack, error) {
		return o.registrar.CommitAndRelease(ctx, id)
	})
	if err != nil || !ack.Success {
		reason := failureReason("commit failed", ack, err)
		done(errors.New(reason))
		o.escalate(ctx, Incident{DeploymentID: id, Kind: IncidentIntegrityViolation, Stage: StageCommitting, Reason: reason})
		o.advance(ctx, id, StateAudited, StateIndeterminate, StatusIntegrityViolation, reason)
		return Outcome{DeploymentID: id, Status: StatusIntegrityViolation, Kind: KindIntegrity, Stage: StageCommitting, Reason: reason}
	}
	done(nil)

	o.advance(ctx, id, StateAudited, StateCommitted, StatusSuccessCommitted, "")
	return Outcome{DeploymentID: id, Status: StatusSuccessCommitted, Stage: StageCommitting}
}

// rollbackOutcome compensates a failed stage. A failed compensation escalates the
// outcome to INTEGRITY_VIOLATION.
func (o *Orchestrator) rollbackOutcome(ctx context.Context, id string, from DeploymentState, stage Stage, status Status, kind ErrorKind, reason string) Outcome {
	rb := o.rollback(ctx, id, reason, stage)
	out := Outcome{DeploymentID: id, Status: status, Kind: kind, Stage: stage, Reason: reason, Rollback: &rb}
	if !rb.Success {
		out.Status = StatusIntegrityViolation
		out.Kind = KindIntegrity
		out.Stage = StageRollingBack
		out.Reason = reason + "; " + rb.Reason
		o.advance(ctx, id, from, StateIndeterminate, out.Status, out.Reason)
		return out
	}
	o.advance(ctx, id, from, StateRolledBack, status, reason)
	return out
}

// TriggerAtomicRollback reverses registrar state, releases the lock and discards
// sandbox changes. Both steps are always attempted; success requires both.
func (o *Orchestrator) TriggerAtomicRollback(ctx context.Context, deploymentID, reason string) (res RollbackResult) {
	ctx = context.WithoutCancel(ctx)
	ctx, done := o.tracker.TrackOperation(ctx, "aeor.rollback", attribute.String("aeor.deployment_id", deploymentID))
	defer func() {
		if res.Success {
			done(nil)
			return
		}
		done(errors.New(res.Reason))
	}()

	id, err := NormalizeIdentifier("deployment id", deploymentID)
	if err != nil {
		return o.rejectRollback(ctx, deploymentID, err.Error())
	}
	if strings.TrimSpace(reason) == "" {
		reason = callerAbortReason
	}

	// Without a journal there is no record to check; the registrar decides.
	if o.journal == nil {
		return o.rollback(ctx, id, reason, StageRollingBack)
	}
	rec, err := o.journal.Get(ctx, id)
	switch {
	case err != nil:
		return o.rejectRollback(ctx, id, fmt.Sprintf("deployment is not registered: %v", err))
	case rec.State.Terminal():
		return o.rejectRollback(ctx, id, fmt.Sprintf("deployment is already %s", rec.State))
	}

	res = o.rollback(ctx, id, reason, StageRollingBack)
	to, status := StateRolledBack, Status("")
	if !res.Success {
		to, status = StateIndeterminate, StatusIntegrityViolation
	}
	o.advance(ctx, id, rec.State, to, status, reason)
	return res
}

// rejectRollback refuses a rollback before either step is attempted.
func (o *Orchestrator) rejectRollback(ctx context.Context, id, reason string) RollbackResult {
	o.telemetry.Error(ctx, "rollback rejected", "deployment_id", id, "kind", KindInput, "reason", reason)
	return RollbackResult{Reason: reason}
}

func (o *Orchestrator) rollback(ctx context.Context, id, reason string, stage Stage) RollbackResult {
	o.telemetry.Warn(ctx, "stage transition", "deployment_id", id, "stage", StageRollingBack, "from", stage, "reason", reason)
	ctx, done := o.tracker.TrackOperation(ctx, "aeor.compensate", attribute.String("aeor.deployment_id", id))

	res := RollbackResult{}

	// 1. Revert state and release the lock.
	ack, err := guard("registrar.ReverseAndRelease", func() (Ack, error) {
		return o.registrar.ReverseAndRelease(ctx, id, reason)
	})
	res.Registry = stepResult(ack, err)

	// 2. Discard sandbox changes, attempted even when step 1 failed.
	ack, err = guard("executor.Rollback", func() (Ack, error) {
		return o.executor.Rollback(ctx, id)
	})
	res.Sandbox = stepResult(ack, err)

	res.Success = res.Registry.Success && res.Sandbox.Success
	if res.Success {
		done(nil)
		o.telemetry.Info(ctx, "atomic rollback completed", "deployment_id", id, "reason", reason)
		return res
	}

	var failures []string
	if !res.Registry.Success {
		failures = append(failures, "registry reversal failed: "+res.Registry.Reason)
	}
	if !res.Sandbox.Success {
		failures = append(failures, "sandbox rollback failed: "+res.Sandbox.Reason)
	}
	res.Reason = strings.Join(failures, "; ")
	done(errors.New(res.Reason))

	o.telemetry.Critical(ctx, "catastrophic failsafe breach: atomic rollback failed, manual intervention required",
		"deployment_id", id, "stage", stage, "reason", reason, "failure", res.Reason)
	o.escalate(ctx, Incident{DeploymentID: id, Kind: IncidentFailsafeBreach, Stage: stage, Reason: reason + "; " + res.Reason})
	return res
}

// finish emits the single terminal record for an outcome.
func (o *Orchestrator) finish(ctx context.Context, out Outcome) Outcome {
	args := []any{"deployment_id", out.DeploymentID, "status", out.Status, "kind", out.Kind, "stage", out.Stage, "reason", out.Reason}
	switch out.Status {
	case StatusSuccessCommitted:
		o.telemetry.Info(ctx, "orchestration terminal", args...)
	case StatusRollbackMandated, StatusC04RollbackForced:
		o.telemetry.Warn(ctx, "orchestration terminal", args...)
	case StatusIntegrityViolation:
		o.telemetry.Critical(ctx, "orchestration terminal", args...)
	default:
		o.telemetry.Error(ctx, "orchestration terminal", args...)
	}
	o.tracker.RecordStatus(ctx, string(out.Stage), string(out.Status))
	return out
}

func (o *Orchestrator) advance(ctx context.Context, id string, from, to DeploymentState, status Status, reason string) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Transition(ctx, id, from, to, status, reason); err != nil {
		o.telemetry.Error(ctx, "journal transition failed", "deployment_id", id, "from", from, "to", to, "error", err)
	}
}

func (o *Orchestrator) escalate(ctx context.Context, incident Incident) {
	if o.escalator == nil {
		return
	}
	if err := o.escalator.Escalate(ctx, incident); err != nil {
		o.telemetry.Critical(ctx, "escalation failed", "deployment_id", incident.DeploymentID, "kind", incident.Kind, "error", err)
	}
}

// guard converts a collaborator panic into an error.
func guard[T any](op string, fn func() (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{op: op, value: r}
		}
	}()
	return fn()
}

func stepResult(ack Ack, err error) StepResult {
	step := StepResult{Attempted: true, Success: err == nil && ack.Success}
	switch {
	case err != nil:
		step.Reason = err.Error()
	case !ack.Success:
		step.Reason = ack.Reason
		if step.Reason == "" {
			step.Reason = "rejected"
		}
	}
	return step
}

func failureReason(prefix string, ack Ack, err error) string {
	if err != nil {
		return prefix + ": " + err.Error()
	}
	if ack.Reason != "" {
		return prefix + ": " + ack.Reason
	}
	return prefix
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
