package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
	"github.com/Mindburn-Labs/aeor/pkg/artifacts"
	"github.com/Mindburn-Labs/aeor/pkg/auditors"
	"github.com/Mindburn-Labs/aeor/pkg/escalation"
	"github.com/Mindburn-Labs/aeor/pkg/journal"
	"github.com/Mindburn-Labs/aeor/pkg/registrar"
	"github.com/Mindburn-Labs/aeor/pkg/sandbox"
)

// runReport is the machine-readable result of `aeor run`.
type runReport struct {
	DeploymentID string                  `json:"deployment_id"`
	PolicyHash   string                  `json:"policy_hash"`
	Registration aeor.RegistrationResult `json:"registration"`
	Outcome      *aeor.Outcome           `json:"outcome,omitempty"`
	Record       *aeor.DeploymentRecord  `json:"record,omitempty"`
	Escalations  []escalation.Record     `json:"escalations,omitempty"`
}

// runOnceCmd implements `aeor run`: one orchestration against in-memory backends.
//
// Exit codes:
//
//	0 = committed
//	1 = not committed (rolled back or failed)
//	2 = usage or setup error
func runOnceCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		modulePath string
		id         string
		stateHash  string
		inputPath  string
		policyPath string
		entrypoint string
		timeout    time.Duration
		memLimit   int64
		jsonOutput bool
	)
	cmd.StringVar(&modulePath, "module", "", "Path to the WASM module (REQUIRED)")
	cmd.StringVar(&id, "id", "", "Deployment id (REQUIRED)")
	cmd.StringVar(&stateHash, "hash", "", "Pre-mutation state hash (REQUIRED)")
	cmd.StringVar(&inputPath, "input", "", "File piped to the module's stdin")
	cmd.StringVar(&policyPath, "policy", "", "Policy file (default: built-in policy)")
	cmd.StringVar(&entrypoint, "entrypoint", "", "Exported start function (default: _start)")
	cmd.DurationVar(&timeout, "timeout", 30*time.Second, "CPU time limit")
	cmd.Int64Var(&memLimit, "memory", 64<<20, "Memory limit in bytes")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if modulePath == "" || id == "" || stateHash == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --module, --id and --hash are required")
		return 2
	}

	module, err := os.ReadFile(modulePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var input []byte
	if inputPath != "" {
		if input, err = os.ReadFile(inputPath); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	engine, err := loadPolicy(policyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if normalized, err := aeor.NormalizeIdentifier("deployment id", id); err == nil {
		id = normalized
	}

	ctx := context.Background()
	logger := newLogger(stderr, envOr("LOG_LEVEL", "WARN"), "text")

	blobs := artifacts.NewMemoryStore()
	digest, err := blobs.Put(ctx, module)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	reports := sandbox.NewReports(0)
	executor, err := sandbox.NewWasiExecutor(ctx, blobs, reports, sandbox.Limits{
		MemoryLimitBytes: memLimit,
		CPUTimeLimit:     timeout,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = executor.Close(ctx) }()
	if err := executor.Propose(id, sandbox.Proposal{ModuleHash: digest, Input: input, Entrypoint: entrypoint}); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	jrnl := journal.NewMemoryJournal()
	escalations := escalation.NewManager()
	orch, err := aeor.New(aeor.Dependencies{
		Registrar: registrar.New(registrar.NewMemoryStore()).WithLogger(logger),
		Executor:  executor,
		Metrics:   auditors.NewFeedbackAggregator(reports),
		Debt:      auditors.NewEntropyAnalyzer(reports),
		Policy:    engine,
		Telemetry: aeor.NewSlogSink(logger),
		Journal:   jrnl,
		Escalator: escalations,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := runReport{DeploymentID: id, PolicyHash: engine.Hash()}
	report.Registration = orch.RegisterCommitment(ctx, id, stateHash)
	if report.Registration.Success {
		out := orch.SuperviseExecutionAndAudit(ctx, id)
		report.Outcome = &out
	}
	if rec, err := jrnl.Get(ctx, id); err == nil {
		report.Record = &rec
	}
	report.Escalations = escalations.List("")

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		printRunReport(stdout, report)
	}

	if report.Outcome != nil && report.Outcome.Committed() {
		return 0
	}
	return 1
}

func printRunReport(w io.Writer, r runReport) {
	status, reason := r.Registration.Status, r.Registration.Reason
	if r.Outcome != nil {
		status, reason = r.Outcome.Status, r.Outcome.Reason
	}
	color := ColorRed
	if status == aeor.StatusSuccessCommitted {
		color = ColorGreen
	}

	_, _ = fmt.Fprintf(w, "%sDeployment:%s %s\n", ColorBold, ColorReset, r.DeploymentID)
	_, _ = fmt.Fprintf(w, "%sStatus:%s     %s%s%s\n", ColorBold, ColorReset, color, status, ColorReset)
	if reason != "" {
		_, _ = fmt.Fprintf(w, "%sReason:%s     %s\n", ColorBold, ColorReset, reason)
	}
	if r.Outcome != nil && r.Outcome.Audit != nil {
		a := r.Outcome.Audit.Analysis
		_, _ = fmt.Fprintf(w, "%sMetrics:%s    %v\n", ColorBold, ColorReset, a.Metrics)
		_, _ = fmt.Fprintf(w, "%sDebt:%s       %v\n", ColorBold, ColorReset, a.DebtAnalysis)
	}
	for _, e := range r.Escalations {
		_, _ = fmt.Fprintf(w, "%sEscalated:%s  %s %s (%s)\n", ColorBold+ColorYellow, ColorReset, e.Incident.Kind, e.IncidentID, e.Incident.Reason)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
