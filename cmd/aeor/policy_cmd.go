package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/aeor/pkg/policy"
)

// runPolicyCmd implements `aeor policy <check|show>`.
func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: aeor policy <check FILE|show>")
		return 2
	}
	switch args[0] {
	case "check":
		return runPolicyCheck(args[1:], stdout, stderr)
	case "show":
		return printPolicy(stdout, policy.MustDefault(), false)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown policy command: %s\n", args[0])
		return 2
	}
}

// runPolicyCheck compiles a policy file. Exit 0 if it compiles, 1 if it does not.
func runPolicyCheck(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy check", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: aeor policy check [--json] FILE")
		return 2
	}

	engine, err := policy.LoadFile(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sInvalid policy:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	return printPolicy(stdout, engine, *jsonOutput)
}

func printPolicy(w io.Writer, engine *policy.Engine, asJSON bool) int {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"name":    engine.Name(),
			"version": engine.Version().String(),
			"hash":    engine.Hash(),
			"rules":   engine.Rules(),
		})
		return 0
	}

	_, _ = fmt.Fprintf(w, "%s✓%s %s %s (%s)\n", ColorGreen, ColorReset, engine.Name(), engine.Version(), engine.Hash())
	for _, r := range engine.Rules() {
		_, _ = fmt.Fprintf(w, "  %s%-20s%s %s\n", ColorBold, r.ID, ColorReset, r.Expr)
	}
	return 0
}
