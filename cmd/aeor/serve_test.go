package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
	"github.com/Mindburn-Labs/aeor/pkg/artifacts"
	"github.com/Mindburn-Labs/aeor/pkg/config"
)

func liteConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	t.Setenv("DATA_DIR", "")
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.RateRPS = 0
	return cfg
}

func post(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var doc map[string]any
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &doc), string(data))
	return resp.StatusCode, doc
}

func TestBuildNode_LiteModeEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := liteConfig(t)

	n, err := buildNode(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer n.Close(ctx)

	blobs, err := artifacts.NewFileStore(filepath.Join(cfg.DataDir, "artifacts"))
	require.NoError(t, err)
	digest, err := blobs.Put(ctx, wasmNoop)
	require.NoError(t, err)

	srv := httptest.NewServer(n.api.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, doc := post(t, srv.URL+"/v1/deployments",
		fmt.Sprintf(`{"deployment_id":"dep-1","pre_mutation_state_hash":"sha256:00","proposal":{"module_hash":%q}}`, digest))
	require.Equal(t, http.StatusCreated, code, doc)

	// The lock is held until the orchestration finishes.
	code, _ = post(t, srv.URL+"/v1/deployments",
		fmt.Sprintf(`{"deployment_id":"dep-1","pre_mutation_state_hash":"sha256:00","proposal":{"module_hash":%q}}`, digest))
	assert.Equal(t, http.StatusConflict, code)

	code, doc = post(t, srv.URL+"/v1/deployments/dep-1/supervise", `{}`)
	require.Equal(t, http.StatusOK, code, doc)
	assert.Equal(t, string(aeor.StatusSuccessCommitted), doc["status"])

	resp, err = http.Get(srv.URL + "/v1/deployments/dep-1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var rec aeor.DeploymentRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, aeor.StateCommitted, rec.State)
}

func TestBuildNode_BadPolicyFails(t *testing.T) {
	cfg := liteConfig(t)
	cfg.PolicyFile = filepath.Join(cfg.DataDir, "missing.yaml")

	_, err := buildNode(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "failed to load policy")
}
