package otelmetrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/trickstertwo/xrelay"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sum(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func TestObserverRecordsEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	obs, err := New(provider.Meter("test"))
	require.NoError(t, err)

	obs.OnEvent(xrelay.Event{Type: xrelay.EventSendingRequest, Address: "a"})
	obs.OnEvent(xrelay.Event{Type: xrelay.EventOperationCompleted, Address: "a", State: xrelay.StateFinished, Duration: 3 * time.Millisecond})
	obs.OnEvent(xrelay.Event{Type: xrelay.EventConnectionBroken, Connection: "peer-1"})
	obs.OnEvent(xrelay.Event{Type: xrelay.EventProcessingError, Address: "a", Err: errors.New("boom")})

	metrics := collect(t, reader)
	assert.Equal(t, int64(4), sum(t, metrics["xrelay.events.total"]))
	assert.Equal(t, int64(1), sum(t, metrics["xrelay.operations.completed.total"]))
	assert.Equal(t, int64(1), sum(t, metrics["xrelay.connections.broken.total"]))
	assert.Equal(t, int64(1), sum(t, metrics["xrelay.processing.errors.total"]))

	hist, ok := metrics["xrelay.operation.duration.ms"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 3.0, hist.DataPoints[0].Sum, 0.001)
}

func TestObserverOnBus(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	obs, err := New(provider.Meter("test"))
	require.NoError(t, err)

	bus, err := xrelay.NewBusBuilder().
		WithDispatcher(xrelay.InlineDispatcher{}).
		WithObserver(obs).
		Build()
	require.NoError(t, err)
	defer bus.Close(context.Background())

	_, err = bus.Register("ping", xrelay.SyncReceiver(func(context.Context, string, any) (any, error) {
		return "pong", nil
	}))
	require.NoError(t, err)

	f := bus.Send(context.Background(), "ping", nil)
	bus.Tick()
	bus.Tick()

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pong", v)

	metrics := collect(t, reader)
	assert.Equal(t, int64(1), sum(t, metrics["xrelay.operations.completed.total"]))
}
