// Package observability provides OpenTelemetry tracing and metrics for AEOR.
//
// Initialize the provider at startup and hand it to the orchestrator as its Tracker:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "aeor",
//		OTLPEndpoint: "otel-collector:4317",
//		Enabled:      true,
//	})
//	defer p.Shutdown(ctx)
//
// Every tracked operation gets a span, RED metrics (rate, errors, duration)
// and an SLO observation. Terminal results are counted by stage and status
// in aeor.orchestrations.total.
package observability
