// Package otelmetrics exports bus lifecycle hooks as OpenTelemetry metrics.
package otelmetrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trickstertwo/xrelay"
)

const meterName = "github.com/trickstertwo/xrelay"

// Observer records every bus event it sees. Attach it with
// BusBuilder.WithObserver or Bus.AddObserver.
type Observer struct {
	meter metric.Meter

	events            metric.Int64Counter
	completed         metric.Int64Counter
	brokenConnections metric.Int64Counter
	processingErrors  metric.Int64Counter

	completionDuration metric.Float64Histogram
}

var _ xrelay.Observer = (*Observer)(nil)

// New creates an Observer on meter, or on the global meter provider when
// meter is nil.
func New(meter metric.Meter) (*Observer, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	o := &Observer{meter: meter}

	var err error

	o.events, err = meter.Int64Counter(
		"xrelay.events.total",
		metric.WithDescription("Bus lifecycle events by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	o.completed, err = meter.Int64Counter(
		"xrelay.operations.completed.total",
		metric.WithDescription("Completed send operations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create completed counter: %w", err)
	}

	o.brokenConnections, err = meter.Int64Counter(
		"xrelay.connections.broken.total",
		metric.WithDescription("Connections observed breaking"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create brokenConnections counter: %w", err)
	}

	o.processingErrors, err = meter.Int64Counter(
		"xrelay.processing.errors.total",
		metric.WithDescription("Receiver failures nobody forwarded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processingErrors counter: %w", err)
	}

	o.completionDuration, err = meter.Float64Histogram(
		"xrelay.operation.duration.ms",
		metric.WithDescription("Time from send to completion"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create completionDuration histogram: %w", err)
	}

	return o, nil
}

// OnEvent implements xrelay.Observer.
func (o *Observer) OnEvent(e xrelay.Event) {
	ctx := context.Background()

	o.events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(e.Type))))

	switch e.Type {
	case xrelay.EventOperationCompleted:
		attrs := metric.WithAttributes(attribute.String("state", e.State.String()))
		o.completed.Add(ctx, 1, attrs)
		o.completionDuration.Record(ctx, float64(e.Duration.Microseconds())/1000, attrs)
	case xrelay.EventConnectionBroken:
		o.brokenConnections.Add(ctx, 1, metric.WithAttributes(attribute.String("connection", e.Connection)))
	case xrelay.EventProcessingError:
		o.processingErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("address", e.Address)))
	}
}
