package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/davidleathers/dispatch-guard/internal/domain/errors"
)

// Tracer returns a tracer for the given component name.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("dispatch-guard/" + name)
}

// StartSpan starts an internal span with attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartDatabaseSpan starts a client span for a PostgreSQL statement.
func StartDatabaseSpan(ctx context.Context, tracer trace.Tracer, operation, table string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "db."+operation+" "+table,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// EndSpan records err on span and ends it. Policy blocks and budget
// rejections are outcomes, so they are attached as attributes and leave the
// span status unset.
func EndSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}

	switch {
	case apperrors.IsType(err, apperrors.ErrorTypeBlockedByPolicy),
		apperrors.IsType(err, apperrors.ErrorTypeBudgetExceeded),
		apperrors.IsType(err, apperrors.ErrorTypeValidation):
		span.SetAttributes(attribute.String("guard.outcome", err.Error()))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
