package tracing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	tracing "ciserver/pkg/observability"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := tracing.Init(context.Background(), tracing.Config{ServiceName: "ciserver"})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))

	_, span := tracing.Start(context.Background(), "job.run")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestSampler(t *testing.T) {
	assert.Contains(t, tracing.Sampler(1).Description(), "root:AlwaysOnSampler")
	assert.Contains(t, tracing.Sampler(2).Description(), "root:AlwaysOnSampler")
	assert.Contains(t, tracing.Sampler(0).Description(), "root:AlwaysOffSampler")
	assert.Contains(t, tracing.Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestSetError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	ctx, span := tp.Tracer("test").Start(context.Background(), "job.command")

	tracing.SetAttributes(ctx, tracing.AttrCommand.String("make"))
	tracing.SetError(ctx, errors.New("exit code 2"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "exit code 2", ended[0].Status().Description)
	assert.Contains(t, ended[0].Attributes(), tracing.AttrCommand.String("make"))
}
