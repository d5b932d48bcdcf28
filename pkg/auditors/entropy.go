package auditors

import (
	"context"
	"fmt"
	"math"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
)

// EntropyAnalyzer scores the disorder of what a mutation produced.
type EntropyAnalyzer struct {
	reports ReportSource
}

var _ aeor.DebtAnalyzer = (*EntropyAnalyzer)(nil)

func NewEntropyAnalyzer(reports ReportSource) *EntropyAnalyzer {
	return &EntropyAnalyzer{reports: reports}
}

// Analyze returns entropy (0..1), outputBytes, stderrBytes and stderrRatio.
func (a *EntropyAnalyzer) Analyze(ctx context.Context, deploymentID string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report, err := a.reports.Get(deploymentID)
	if err != nil {
		return nil, fmt.Errorf("entropy: %w", err)
	}

	out := make([]byte, 0, len(report.Stdout)+len(report.Stderr))
	out = append(out, report.Stdout...)
	out = append(out, report.Stderr...)

	ratio := 0.0
	if len(out) > 0 {
		ratio = float64(len(report.Stderr)) / float64(len(out))
	}
	return map[string]any{
		"entropy":     NormalizedEntropy(out),
		"outputBytes": len(out),
		"stderrBytes": len(report.Stderr),
		"stderrRatio": ratio,
	}, nil
}

// NormalizedEntropy is the Shannon entropy of data in bits per byte, divided by 8.
// Empty input scores 0.
func NormalizedEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	n := float64(len(data))
	h := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h / 8
}
