package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "howdoifare"

// StartJobSpan starts a span for one sync job.
func StartJobSpan(ctx context.Context, jobID int64, system, credentialID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sync.job",
		trace.WithAttributes(
			attribute.Int64("job.id", jobID),
			attribute.String("sync.system", system),
			attribute.String("credential.id", credentialID),
		),
	)
}

// StartScopeSpan starts a span for one organization or project.
func StartScopeSpan(ctx context.Context, system, scope string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sync.scope",
		trace.WithAttributes(
			attribute.String("sync.system", system),
			attribute.String("sync.scope", scope),
		),
	)
}
