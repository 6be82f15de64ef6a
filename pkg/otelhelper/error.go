package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorKindKey tags a failed attempt with its classification.
const ErrorKindKey = "taskflow.error.kind"

// FailAttempt marks span as a failed node attempt of the given kind.
func FailAttempt(span trace.Span, err error, kind string) {
	kindAttr := attribute.String(ErrorKindKey, kind)

	span.SetAttributes(kindAttr)
	span.RecordError(err, trace.WithAttributes(kindAttr))
	span.SetStatus(codes.Error, err.Error())
}
