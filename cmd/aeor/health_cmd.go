package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Mindburn-Labs/aeor/pkg/artifacts"
	"github.com/Mindburn-Labs/aeor/pkg/client"
	"github.com/Mindburn-Labs/aeor/pkg/config"
)

// runHealthCmd queries a running server's /health endpoint.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "http://localhost:8080", "Server base URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := client.New(*addr).Health(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s (pending escalations: %d)\n", h.Status, h.PendingEscalations)
	return 0
}

// runDoctorCmd implements `aeor doctor`: check configuration, storage and policy
// without starting the server.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}
	var results []checkResult
	allOK := true
	add := func(name, status, detail string) {
		if status == "fail" {
			allOK = false
		}
		results = append(results, checkResult{Name: name, Status: status, Detail: detail})
	}

	add("go_runtime", "ok", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH))

	cfg, err := config.Load()
	if err != nil {
		add("config", "fail", err.Error())
	} else {
		add("config", "ok", fmt.Sprintf("lock backend %s", cfg.LockBackend))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		logger := newLogger(io.Discard, "ERROR", "text")
		if db, err := openDatabase(ctx, cfg, logger); err != nil {
			add("database", "fail", err.Error())
		} else {
			mode := "postgres"
			if cfg.DatabaseURL == "" {
				mode = "sqlite " + cfg.SQLitePath()
			}
			add("database", "ok", mode)
			_ = db.Close()
		}
		cancel()

		if engine, err := loadPolicy(cfg.PolicyFile); err != nil {
			add("policy", "fail", err.Error())
		} else {
			add("policy", "ok", fmt.Sprintf("%s %s", engine.Name(), engine.Version()))
		}

		if cfg.JWTSecret == "" {
			add("auth", "warn", "API_JWT_SECRET not set; API is unauthenticated")
		} else {
			add("auth", "ok", "JWT required")
		}

		artifactCfg := artifacts.ConfigFromEnv()
		switch artifactCfg.Type {
		case "", artifacts.StoreTypeFS:
			dir := filepath.Join(cfg.DataDir, "artifacts")
			if artifactCfg.DataDir != "" {
				dir = filepath.Join(artifactCfg.DataDir, "artifacts")
			}
			if _, err := os.Stat(dir); err != nil {
				add("artifacts", "warn", dir+" does not exist yet")
			} else {
				add("artifacts", "ok", "fs "+dir)
			}
		case artifacts.StoreTypeS3, artifacts.StoreTypeGCS, artifacts.StoreTypeMemory:
			add("artifacts", "ok", string(artifactCfg.Type))
		default:
			add("artifacts", "fail", "unsupported ARTIFACT_STORAGE_TYPE "+string(artifactCfg.Type))
		}
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	} else {
		for _, r := range results {
			color := ColorGreen
			switch r.Status {
			case "warn":
				color = ColorYellow
			case "fail":
				color = ColorRed
			}
			_, _ = fmt.Fprintf(stdout, "  %s%-5s%s %-12s %s\n", color, r.Status, ColorReset, r.Name, r.Detail)
		}
	}
	if !allOK {
		return 1
	}
	return 0
}
