//go:build property
// +build property

package aeor

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestSuperviseResolvesLock checks that for any mix of collaborator failures the
// lock is resolved exactly once: committed, or reversed, never both.
func TestSuperviseResolvesLock(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("commit and rollback are mutually exclusive", prop.ForAll(
		func(execOK, execErr, auditErr, veto, policyErr, commitOK bool) bool {
			h := newHarness()
			h.executor.result = ExecutionResult{Success: execOK}
			if execErr {
				h.executor.execErr = errors.New("crash")
			}
			if auditErr {
				h.metrics.err = errors.New("metrics down")
			}
			h.policy.decision = VetoDecision{Veto: veto}
			if policyErr {
				h.policy.err = errors.New("bad rule")
			}
			h.registrar.commitFail = !commitOK

			o := h.orchestrator()
			if !o.RegisterCommitment(context.Background(), "dep-1", "hash-abc").Success {
				return false
			}
			out := o.SuperviseExecutionAndAudit(context.Background(), "dep-1")

			commits := h.log.count("CommitAndRelease")
			reversals := h.log.count("ReverseAndRelease")
			if commits+reversals != 1 {
				return false
			}
			if h.log.count("Rollback") != reversals {
				return false
			}

			switch {
			case execErr || !execOK:
				return out.Status == StatusC04RollbackForced && h.log.count("GetMetrics") == 0
			case auditErr || policyErr || veto:
				return out.Status == StatusRollbackMandated
			case !commitOK:
				return out.Status == StatusIntegrityViolation
			default:
				return out.Status == StatusSuccessCommitted && !h.registrar.isLocked("dep-1")
			}
		},
		gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}
