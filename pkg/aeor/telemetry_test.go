package aeor

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogSinkCriticalLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: ReplaceLevelAttr,
	}))
	sink := NewSlogSink(logger)

	sink.Critical(context.Background(), "failsafe breach", "deployment_id", "dep-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "CRITICAL", entry["level"])
	assert.Equal(t, "aeor", entry["component"])
	assert.Equal(t, "dep-1", entry["deployment_id"])
}

func TestSlogSinkKeepsStandardLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: ReplaceLevelAttr}))

	NewSlogSink(logger).Warn(context.Background(), "rollback")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
}

func TestNormalizeIdentifier(t *testing.T) {
	got, err := NormalizeIdentifier("deployment id", "  dep-1\t")
	require.NoError(t, err)
	assert.Equal(t, "dep-1", got)

	got, err = NormalizeIdentifier("deployment id", "café")
	require.NoError(t, err)
	assert.Equal(t, "café", got)

	_, err = NormalizeIdentifier("deployment id", string([]byte{0xff, 0xfe}))
	assert.ErrorContains(t, err, "UTF-8")

	_, err = NormalizeIdentifier("deployment id", "dep\n1")
	assert.ErrorContains(t, err, "control")
}

func TestOrchestrationErrorIs(t *testing.T) {
	err := Outcome{Status: StatusRollbackMandated, Kind: KindPolicy, Stage: StageAuditing, Reason: "veto"}.Err()

	assert.ErrorIs(t, err, ErrPolicy)
	assert.NotErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "ROLLBACK_MANDATED")
	assert.Contains(t, err.Error(), "AUDITING")
	assert.True(t, StatusRollbackMandated.Terminal())
	assert.False(t, StatusRegistered.Terminal())
	assert.True(t, StateIndeterminate.Terminal())
}
