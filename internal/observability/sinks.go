package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"orderflow/internal/saga"
)

// MultiSink forwards each event to every sink in order.
type MultiSink struct {
	sinks []saga.Sink
}

// NewMultiSink constructs a sink fanning out to sinks. Nil sinks are skipped.
func NewMultiSink(sinks ...saga.Sink) *MultiSink {
	out := make([]saga.Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

// Emit collects errors so every sink gets the event.
func (m *MultiSink) Emit(ctx context.Context, ev saga.Event) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const instrumentationName = "orderflow/saga"

// OTelSink turns saga events into spans and counters on the global providers.
type OTelSink struct {
	tracer  trace.Tracer
	events  metric.Int64Counter
	latency metric.Float64Histogram
	retries metric.Int64Counter
}

// NewOTelSink builds instruments from the global tracer and meter providers.
func NewOTelSink() (*OTelSink, error) {
	meter := otel.Meter(instrumentationName)
	events, err := meter.Int64Counter("saga.step.events",
		metric.WithDescription("Saga step and run events by phase and outcome"))
	if err != nil {
		return nil, fmt.Errorf("saga.step.events counter: %w", err)
	}
	latency, err := meter.Float64Histogram("saga.step.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Saga step latency including retries"))
	if err != nil {
		return nil, fmt.Errorf("saga.step.latency histogram: %w", err)
	}
	retries, err := meter.Int64Counter("saga.step.retries",
		metric.WithDescription("Ledger retries scheduled while running a step"))
	if err != nil {
		return nil, fmt.Errorf("saga.step.retries counter: %w", err)
	}
	return &OTelSink{
		tracer:  otel.Tracer(instrumentationName),
		events:  events,
		latency: latency,
		retries: retries,
	}, nil
}

func (s *OTelSink) Emit(ctx context.Context, ev saga.Event) error {
	attrs := []attribute.KeyValue{
		attribute.String("saga.phase", string(ev.Phase)),
		attribute.String("saga.outcome", ev.Outcome),
	}
	if ev.Step != "" {
		attrs = append(attrs, attribute.String("saga.step", ev.Step))
	}
	if ev.Class != "" {
		attrs = append(attrs, attribute.String("saga.error_class", ev.Class))
	}
	set := metric.WithAttributes(attrs...)
	s.events.Add(ctx, 1, set)
	if ev.Phase != saga.PhaseRun {
		s.latency.Record(ctx, float64(ev.Latency.Microseconds())/1000, set)
		if ev.Retries > 0 {
			s.retries.Add(ctx, int64(ev.Retries), set)
		}
	}

	name := "saga." + string(ev.Phase)
	if ev.Step != "" {
		name += "." + ev.Step
	}
	_, span := s.tracer.Start(ctx, name,
		trace.WithTimestamp(ev.At.Add(-ev.Latency)),
		trace.WithAttributes(append(attrs,
			attribute.String("saga.run_id", ev.RunID),
			attribute.String("saga.order_id", ev.OrderID),
			attribute.Int("saga.epoch", ev.Epoch),
			attribute.Int("saga.retries", ev.Retries),
		)...),
	)
	if ev.Outcome == saga.OutcomeFailed || saga.State(ev.Outcome) == saga.StateCompensationFailed {
		span.SetStatus(codes.Error, ev.Error)
	}
	span.End(trace.WithTimestamp(ev.At))
	return nil
}
