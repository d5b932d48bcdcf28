package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
	"github.com/Mindburn-Labs/aeor/pkg/artifacts"
)

const defaultEntrypoint = "_start"

// WasiExecutor runs WASM modules under WASI preview1 with deny-by-default capabilities:
// no filesystem, no network, no environment, no clocks or randomness beyond wazero's fakes.
// Memory is capped in 64KiB pages and CPU time by a context deadline.
type WasiExecutor struct {
	proposals
	runtime wazero.Runtime
	store   artifacts.Store
	limits  Limits
	reports *Reports
	clock   func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	staged map[string]wazero.CompiledModule
}

var _ aeor.IsolationExecutor = (*WasiExecutor)(nil)

// NewWasiExecutor creates a wazero runtime with WASI instantiated.
func NewWasiExecutor(ctx context.Context, store artifacts.Store, reports *Reports, limits Limits) (*WasiExecutor, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.MemoryLimitBytes > 0 {
		pages := uint32(limits.MemoryLimitBytes / 65536) // 64KiB per page
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	if limits.OutputMaxBytes <= 0 {
		limits.OutputMaxBytes = DefaultOutputMaxBytes
	}

	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if reports == nil {
		reports = NewReports(0)
	}
	return &WasiExecutor{
		runtime: r,
		store:   store,
		limits:  limits,
		reports: reports,
		clock:   time.Now,
		logger:  slog.Default().With("component", "sandbox.wasi"),
		staged:  make(map[string]wazero.CompiledModule),
	}, nil
}

// Reports returns the registry this executor publishes to.
func (e *WasiExecutor) Reports() *Reports { return e.reports }

// Propose registers the module and input for deploymentID.
func (e *WasiExecutor) Propose(deploymentID string, p Proposal) error {
	if p.ModuleHash == "" {
		return fmt.Errorf("sandbox: proposal for %s has no module hash", deploymentID)
	}
	if p.Entrypoint == "" {
		p.Entrypoint = defaultEntrypoint
	}
	return e.claimProposal(deploymentID, p)
}

// StageDeployment fetches the module by digest and compiles it.
func (e *WasiExecutor) StageDeployment(ctx context.Context, deploymentID string) error {
	p, err := e.proposal(deploymentID)
	if err != nil {
		return err
	}

	// 1. Fetch the module from the artifact store
	wasm, err := e.store.Get(ctx, p.ModuleHash)
	if err != nil {
		return fmt.Errorf("failed to load WASM module %s: %w", p.ModuleHash, err)
	}

	// 2. Compile
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("failed to compile WASM module: %w", err)
	}
	if _, ok := compiled.ExportedFunctions()[p.Entrypoint]; !ok {
		_ = compiled.Close(ctx)
		return fmt.Errorf("WASM module %s does not export %q", p.ModuleHash, p.Entrypoint)
	}

	e.mu.Lock()
	if prev, ok := e.staged[deploymentID]; ok {
		_ = prev.Close(ctx)
	}
	e.staged[deploymentID] = compiled
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "module staged", "deployment_id", deploymentID, "module", p.ModuleHash)
	return nil
}

// Execute instantiates the staged module once. Module-level failures (non-zero exit,
// traps, limit violations) are reported as an unsuccessful result; only host
// failures return an error.
func (e *WasiExecutor) Execute(ctx context.Context, deploymentID string) (aeor.ExecutionResult, error) {
	e.mu.Lock()
	compiled, ok := e.staged[deploymentID]
	delete(e.staged, deploymentID)
	e.mu.Unlock()
	if !ok {
		return aeor.ExecutionResult{}, fmt.Errorf("%w: %s", ErrNotStaged, deploymentID)
	}
	defer func() { _ = compiled.Close(context.WithoutCancel(ctx)) }()

	p, err := e.takeProposal(deploymentID)
	if err != nil {
		return aeor.ExecutionResult{}, err
	}

	// Enforce time limit via context deadline
	execCtx := ctx
	if e.limits.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.limits.CPUTimeLimit)
		defer cancel()
	}

	stdout := &limitedBuffer{max: e.limits.OutputMaxBytes}
	stderr := &limitedBuffer{max: e.limits.OutputMaxBytes}
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(p.Input)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions(p.Entrypoint)

	start := e.clock()
	mod, runErr := e.runtime.InstantiateModule(execCtx, compiled, modCfg)
	if mod != nil {
		_ = mod.Close(context.WithoutCancel(ctx))
	}

	report := ExecutionReport{
		DeploymentID: deploymentID,
		Stdout:       stdout.Bytes(),
		Stderr:       stderr.Bytes(),
		Duration:     e.clock().Sub(start),
		FinishedAt:   e.clock().UTC(),
	}
	e.classify(execCtx, &report, runErr, stdout.overflow || stderr.overflow ||
		len(report.Stdout)+len(report.Stderr) > e.limits.OutputMaxBytes)
	e.reports.Put(report)

	e.logger.InfoContext(ctx, "module executed",
		"deployment_id", deploymentID, "success", report.Success, "exit_code", report.ExitCode, "duration", report.Duration)
	return toResult(report), nil
}

func (e *WasiExecutor) classify(execCtx context.Context, report *ExecutionReport, err error, outputExceeded bool) {
	var exitErr *sys.ExitError
	switch {
	case err == nil:
		report.Success = true
	case execCtx.Err() != nil:
		report.ExitCode = sys.ExitCodeDeadlineExceeded
		report.Failure = (&SandboxError{
			Code:    ErrComputeTimeExhausted,
			Message: fmt.Sprintf("WASI execution exceeded time limit (%s)", e.limits.CPUTimeLimit),
		}).Error()
	case errors.As(err, &exitErr):
		report.ExitCode = exitErr.ExitCode()
		report.Success = exitErr.ExitCode() == 0
		if !report.Success {
			report.Failure = fmt.Sprintf("module exited with code %d", exitErr.ExitCode())
		}
	case isMemoryError(err):
		report.ExitCode = 1
		report.Failure = (&SandboxError{
			Code:    ErrComputeMemoryExhausted,
			Message: fmt.Sprintf("WASI execution exceeded memory limit (%d bytes)", e.limits.MemoryLimitBytes),
		}).Error()
	default:
		report.ExitCode = 1
		report.Failure = "module trapped: " + err.Error()
	}

	if report.Success && outputExceeded {
		report.Success = false
		report.Failure = (&SandboxError{
			Code:    ErrComputeOutputExhausted,
			Message: fmt.Sprintf("output exceeds limit %d", e.limits.OutputMaxBytes),
		}).Error()
	}
}

// Rollback discards everything the deployment left in the sandbox.
func (e *WasiExecutor) Rollback(ctx context.Context, deploymentID string) (aeor.Ack, error) {
	e.mu.Lock()
	compiled, ok := e.staged[deploymentID]
	delete(e.staged, deploymentID)
	e.mu.Unlock()
	if ok {
		if err := compiled.Close(ctx); err != nil {
			e.logger.WarnContext(ctx, "failed to close compiled module", "deployment_id", deploymentID, "error", err)
		}
	}
	e.reports.Delete(deploymentID)
	e.Withdraw(deploymentID)

	e.logger.InfoContext(ctx, "sandbox discarded", "deployment_id", deploymentID)
	return aeor.Ack{Success: true}, nil
}

// Close shuts down the wazero runtime, freeing all compiled modules.
func (e *WasiExecutor) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

func isMemoryError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}

func toResult(r ExecutionReport) aeor.ExecutionResult {
	return aeor.ExecutionResult{
		Success: r.Success,
		Reason:  r.Failure,
		Payload: map[string]any{
			"exit_code":    r.ExitCode,
			"stdout_bytes": len(r.Stdout),
			"stderr_bytes": len(r.Stderr),
			"duration_ms":  r.Duration.Milliseconds(),
		},
	}
}
