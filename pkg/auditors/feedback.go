// Package auditors provides the post-execution audit sources the orchestrator
// runs side by side: a feedback aggregator (metrics) and an entropy analyzer (debt).
//
// Both read the execution report the sandbox published for the deployment.
// A missing report is an error, never an empty audit.
package auditors

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
	"github.com/Mindburn-Labs/aeor/pkg/sandbox"
)

// Severity grades a feedback signal.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Signal is externally submitted feedback about a deployment, e.g. a failing
// canary check or an error report from a downstream consumer.
type Signal struct {
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
}

// ReportSource yields the execution report for a deployment.
// *sandbox.Reports satisfies it.
type ReportSource interface {
	Get(deploymentID string) (sandbox.ExecutionReport, error)
}

// FeedbackAggregator merges the execution report with submitted signals.
type FeedbackAggregator struct {
	reports ReportSource

	mu      sync.Mutex
	signals map[string][]Signal
}

var _ aeor.MetricsSource = (*FeedbackAggregator)(nil)

func NewFeedbackAggregator(reports ReportSource) *FeedbackAggregator {
	return &FeedbackAggregator{
		reports: reports,
		signals: make(map[string][]Signal),
	}
}

// Submit records a signal for a deployment. Unknown severities are treated as INFO.
func (a *FeedbackAggregator) Submit(deploymentID string, s Signal) error {
	if deploymentID == "" {
		return fmt.Errorf("auditors: deployment id is required")
	}
	switch s.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		s.Severity = SeverityInfo
	}
	a.mu.Lock()
	a.signals[deploymentID] = append(a.signals[deploymentID], s)
	a.mu.Unlock()
	return nil
}

// Forget drops the signals of a finished deployment.
func (a *FeedbackAggregator) Forget(deploymentID string) {
	a.mu.Lock()
	delete(a.signals, deploymentID)
	a.mu.Unlock()
}

// GetMetrics returns criticalBugs, warnings, signals, exitCode and durationMs.
func (a *FeedbackAggregator) GetMetrics(ctx context.Context, deploymentID string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report, err := a.reports.Get(deploymentID)
	if err != nil {
		return nil, fmt.Errorf("feedback: %w", err)
	}

	a.mu.Lock()
	signals := append([]Signal(nil), a.signals[deploymentID]...)
	a.mu.Unlock()

	critical, warnings, err := countLevels(report.Stderr)
	if err != nil {
		return nil, fmt.Errorf("feedback: stderr of %s: %w", deploymentID, err)
	}
	for _, s := range signals {
		switch s.Severity {
		case SeverityCritical:
			critical++
		case SeverityWarning:
			warnings++
		}
	}

	return map[string]any{
		"criticalBugs": critical,
		"warnings":     warnings,
		"signals":      len(signals),
		"exitCode":     int(report.ExitCode),
		"success":      report.Success,
		"durationMs":   report.Duration.Milliseconds(),
	}, nil
}

// countLevels counts stderr lines starting with CRITICAL or WARN.
// The buffer may grow to the whole of stderr, so no line is too long to scan.
func countLevels(stderr []byte) (critical, warnings int, err error) {
	sc := bufio.NewScanner(bytes.NewReader(stderr))
	sc.Buffer(make([]byte, 0, 64*1024), max(len(stderr)+1, sandbox.DefaultOutputMaxBytes))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "CRITICAL"):
			critical++
		case strings.HasPrefix(line, "WARN"):
			warnings++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	return critical, warnings, nil
}
