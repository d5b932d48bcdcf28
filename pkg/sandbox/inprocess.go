package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
)

// Mutation is a Go function standing in for a WASM module in developer mode.
// A returned error is a module-level failure with exit code 1.
type Mutation func(ctx context.Context, input []byte, stdout, stderr io.Writer) error

// InProcessExecutor runs registered Mutations natively.
// WARNING: NOT ISOLATED. DO NOT USE IN PRODUCTION.
type InProcessExecutor struct {
	proposals
	limits  Limits
	reports *Reports
	clock   func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	mutations map[string]Mutation
	staged    map[string]Mutation
}

var _ aeor.IsolationExecutor = (*InProcessExecutor)(nil)

func NewInProcessExecutor(reports *Reports, limits Limits) *InProcessExecutor {
	if reports == nil {
		reports = NewReports(0)
	}
	if limits.OutputMaxBytes <= 0 {
		limits.OutputMaxBytes = DefaultOutputMaxBytes
	}
	return &InProcessExecutor{
		limits:    limits,
		reports:   reports,
		clock:     time.Now,
		logger:    slog.Default().With("component", "sandbox.inprocess"),
		mutations: make(map[string]Mutation),
		staged:    make(map[string]Mutation),
	}
}

// Reports returns the registry this executor publishes to.
func (e *InProcessExecutor) Reports() *Reports { return e.reports }

// Register makes fn available to proposals naming it as their ModuleHash.
func (e *InProcessExecutor) Register(name string, fn Mutation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mutations[name] = fn
}

func (e *InProcessExecutor) Propose(deploymentID string, p Proposal) error {
	if p.ModuleHash == "" {
		return fmt.Errorf("sandbox: proposal for %s has no mutation name", deploymentID)
	}
	return e.claimProposal(deploymentID, p)
}

func (e *InProcessExecutor) StageDeployment(_ context.Context, deploymentID string) error {
	p, err := e.proposal(deploymentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, ok := e.mutations[p.ModuleHash]
	if !ok {
		return fmt.Errorf("sandbox: mutation %q is not registered", p.ModuleHash)
	}
	e.staged[deploymentID] = fn
	return nil
}

func (e *InProcessExecutor) Execute(ctx context.Context, deploymentID string) (aeor.ExecutionResult, error) {
	e.mu.Lock()
	fn, ok := e.staged[deploymentID]
	delete(e.staged, deploymentID)
	e.mu.Unlock()
	if !ok {
		return aeor.ExecutionResult{}, fmt.Errorf("%w: %s", ErrNotStaged, deploymentID)
	}
	p, err := e.takeProposal(deploymentID)
	if err != nil {
		return aeor.ExecutionResult{}, err
	}

	execCtx := ctx
	if e.limits.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.limits.CPUTimeLimit)
		defer cancel()
	}

	stdout := &limitedBuffer{max: e.limits.OutputMaxBytes}
	stderr := &limitedBuffer{max: e.limits.OutputMaxBytes}
	done := make(chan error, 1)
	start := e.clock()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("mutation panicked: %v", r)
			}
		}()
		done <- fn(execCtx, p.Input, stdout, stderr)
	}()

	report := ExecutionReport{DeploymentID: deploymentID}
	select {
	case runErr := <-done:
		report.Stdout, report.Stderr = stdout.Bytes(), stderr.Bytes()
		switch {
		case runErr != nil:
			report.ExitCode = 1
			report.Failure = runErr.Error()
		case stdout.overflow || stderr.overflow || len(report.Stdout)+len(report.Stderr) > e.limits.OutputMaxBytes:
			report.ExitCode = 1
			report.Failure = (&SandboxError{
				Code:    ErrComputeOutputExhausted,
				Message: fmt.Sprintf("output exceeds limit %d", e.limits.OutputMaxBytes),
			}).Error()
		default:
			report.Success = true
		}
	case <-execCtx.Done():
		// The mutation keeps its buffers; the report carries no output.
		report.ExitCode = 1
		report.Failure = (&SandboxError{
			Code:    ErrComputeTimeExhausted,
			Message: fmt.Sprintf("mutation exceeded time limit (%s)", e.limits.CPUTimeLimit),
		}).Error()
	}
	report.Duration = e.clock().Sub(start)
	report.FinishedAt = e.clock().UTC()
	e.reports.Put(report)

	e.logger.InfoContext(ctx, "mutation executed", "deployment_id", deploymentID, "success", report.Success)
	return toResult(report), nil
}

func (e *InProcessExecutor) Rollback(ctx context.Context, deploymentID string) (aeor.Ack, error) {
	e.mu.Lock()
	delete(e.staged, deploymentID)
	e.mu.Unlock()
	e.reports.Delete(deploymentID)
	e.Withdraw(deploymentID)

	e.logger.InfoContext(ctx, "sandbox discarded", "deployment_id", deploymentID)
	return aeor.Ack{Success: true}, nil
}
