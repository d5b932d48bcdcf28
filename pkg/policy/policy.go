// Package policy evaluates CEL veto rules over post-execution audit bundles.
//
// A PolicySet is an ordered list of rules. Each rule is a boolean CEL
// expression over deployment_id, metrics and debt; the first rule that
// evaluates to true vetoes the commit with its reason.
package policy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
)

// DefaultCostLimit bounds the runtime cost of a single rule evaluation.
const DefaultCostLimit = 10000

var ErrInvalidPolicy = errors.New("policy: invalid policy set")

// Rule is a single veto rule.
type Rule struct {
	ID     string `yaml:"id" json:"id"`
	Expr   string `yaml:"expr" json:"expr"`
	Reason string `yaml:"reason" json:"reason"`
}

// PolicySet is a versioned, ordered collection of veto rules.
type PolicySet struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Engine is a compiled PolicySet. It implements aeor.PolicyEngine and is safe for concurrent use.
type Engine struct {
	set      PolicySet
	version  *semver.Version
	hash     string
	programs []cel.Program
}

var _ aeor.PolicyEngine = (*Engine)(nil)

// DefaultPolicySet vetoes on any critical bug and on near-random output.
func DefaultPolicySet() PolicySet {
	return PolicySet{
		Name:    "aeor-default",
		Version: "1.0.0",
		Rules: []Rule{
			{
				ID:     "critical-bugs",
				Expr:   `has(metrics.criticalBugs) && metrics.criticalBugs > 0`,
				Reason: "Critical bugs reported after execution.",
			},
			{
				ID:     "entropy-ceiling",
				Expr:   `has(debt.entropy) && debt.entropy > 0.95`,
				Reason: "Output entropy exceeds 0.95.",
			},
		},
	}
}

// Parse decodes a YAML policy set.
func Parse(data []byte) (PolicySet, error) {
	var set PolicySet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil {
		return PolicySet{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return set, nil
}

// LoadFile parses and compiles the policy set at path.
func LoadFile(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Compile(set)
}

// Compile validates set and compiles every rule. Any invalid rule fails the whole set.
func Compile(set PolicySet) (*Engine, error) {
	if strings.TrimSpace(set.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	version, err := semver.NewVersion(set.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidPolicy, set.Version, err)
	}

	// 1. Environment
	env, err := cel.NewEnv(
		cel.Variable("deployment_id", cel.StringType),
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("debt", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	// 2. Compile each rule, requiring a bool result
	seen := make(map[string]bool, len(set.Rules))
	programs := make([]cel.Program, 0, len(set.Rules))
	for i, r := range set.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: rule %d has no id", ErrInvalidPolicy, i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidPolicy, r.ID)
		}
		seen[r.ID] = true

		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidPolicy, r.ID, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w: rule %q must evaluate to bool, got %s", ErrInvalidPolicy, r.ID, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(DefaultCostLimit),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidPolicy, r.ID, err)
		}
		programs = append(programs, prg)
	}

	return &Engine{
		set:      set,
		version:  version,
		hash:     hashSet(set),
		programs: programs,
	}, nil
}

// MustDefault compiles DefaultPolicySet.
func MustDefault() *Engine {
	e, err := Compile(DefaultPolicySet())
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Engine) Name() string { return e.set.Name }

func (e *Engine) Version() *semver.Version { return e.version }

func (e *Engine) Rules() []Rule { return append([]Rule(nil), e.set.Rules...) }

// Hash is a content hash of the policy set, stable across loads.
func (e *Engine) Hash() string { return e.hash }

// CheckRollbackVeto evaluates rules in order. The first true rule vetoes.
func (e *Engine) CheckRollbackVeto(ctx context.Context, bundle aeor.AuditBundle) (aeor.VetoDecision, error) {
	input := map[string]any{
		"deployment_id": bundle.DeploymentID,
		"metrics":       orEmpty(bundle.Metrics),
		"debt":          orEmpty(bundle.DebtAnalysis),
	}
	for i, prg := range e.programs {
		rule := e.set.Rules[i]
		out, _, err := prg.ContextEval(ctx, input)
		if err != nil {
			return aeor.VetoDecision{}, fmt.Errorf("policy %s rule %q: %w", e.set.Name, rule.ID, err)
		}
		veto, ok := out.Value().(bool)
		if !ok {
			return aeor.VetoDecision{}, fmt.Errorf("policy %s rule %q: result not bool", e.set.Name, rule.ID)
		}
		if veto {
			reason := rule.Reason
			if reason == "" {
				reason = "Policy rule " + rule.ID + " vetoed the commit."
			}
			return aeor.VetoDecision{Veto: true, Reason: reason}, nil
		}
	}
	return aeor.VetoDecision{}, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func hashSet(set PolicySet) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", set.Name, set.Version)
	for _, r := range set.Rules {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00", r.ID, r.Expr, r.Reason)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
