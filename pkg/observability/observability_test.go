package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, rec, reader
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "pisa", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Tracking must work against the no-op globals.
	_, done := p.TrackOperation(context.Background(), "stage")
	done(errors.New("x"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	require.NotNil(t, p.Tracer())
	_, done := p.TrackOperation(context.Background(), "stage")
	assert.NotPanics(t, func() { done(nil) })
}

func TestTrackOperation_Success(t *testing.T) {
	p, rec, reader := newTestProvider(t)

	_, done := p.TrackOperation(context.Background(), "pisa.stage", attribute.String("stage", "LOADED"))
	done(nil)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "pisa.stage", spans[0].Name())
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := metricNames(rm)
	assert.Contains(t, names, "pisa.operations.total")
	assert.Contains(t, names, "pisa.operation.duration")
	assert.NotContains(t, names, "pisa.errors.total")
}

func TestTrackOperation_Error(t *testing.T) {
	p, rec, reader := newTestProvider(t)

	_, done := p.TrackOperation(context.Background(), "pisa.stage")
	done(errors.New("lockdown rejected"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[0].Name)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Contains(t, metricNames(rm), "pisa.errors.total")
}

func TestTrackOperation_NestedSpans(t *testing.T) {
	p, rec, _ := newTestProvider(t)

	ctx, doneRun := p.TrackOperation(context.Background(), "pisa.run")
	_, doneStage := p.TrackOperation(ctx, "pisa.stage")
	doneStage(nil)
	doneRun(nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
}

func metricNames(rm metricdata.ResourceMetrics) []string {
	var out []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out = append(out, m.Name)
		}
	}
	return out
}
