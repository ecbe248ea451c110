package oauth

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "oauth2d/oauth"

// Span attribute keys. Credentials are never recorded, only metadata.
const (
	attrClientID     = "oauth.client_id"
	attrGrantType    = "oauth.grant_type"
	attrResponseType = "oauth.response_type"
	attrPKCEMethod   = "oauth.pkce.method"
	attrScope        = "oauth.scope"
	attrTokenRotated = "oauth.token.rotated"
	attrApproved     = "oauth.approved"
	attrError        = "oauth.error"
)

func tracerFrom(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err, tagging protocol errors with their code.
func endSpan(span trace.Span, err error) {
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			span.SetAttributes(attribute.String(attrError, oe.Code))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
