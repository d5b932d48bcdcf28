package aeor

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
)

// LevelCritical sits above slog.LevelError and marks failures needing human intervention.
const LevelCritical = slog.LevelError + 4

// SlogSink is a TelemetrySink backed by log/slog.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps logger. A nil logger falls back to slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "aeor")}
}

func (s *SlogSink) Info(ctx context.Context, msg string, args ...any) {
	s.logger.InfoContext(ctx, msg, args...)
}

func (s *SlogSink) Warn(ctx context.Context, msg string, args ...any) {
	s.logger.WarnContext(ctx, msg, args...)
}

func (s *SlogSink) Error(ctx context.Context, msg string, args ...any) {
	s.logger.ErrorContext(ctx, msg, args...)
}

func (s *SlogSink) Critical(ctx context.Context, msg string, args ...any) {
	s.logger.Log(ctx, LevelCritical, msg, args...)
}

// ReplaceLevelAttr renders LevelCritical as "CRITICAL". Use it as slog.HandlerOptions.ReplaceAttr.
func ReplaceLevelAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

type nopTracker struct{}

func (nopTracker) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (nopTracker) RecordStatus(context.Context, string, string) {}
