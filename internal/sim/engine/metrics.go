package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments are the engine's OpenTelemetry metrics. Without a configured
// MeterProvider they are no-ops.
type instruments struct {
	ticks      metric.Int64Counter
	activities metric.Int64Counter
	convoys    metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
}

func newInstruments(m metric.Meter) (instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.ticks, err = m.Int64Counter("citysim.ticks",
		metric.WithDescription("Ticks run, by whether the lease was held elsewhere"),
		metric.WithUnit("{tick}"),
	); err != nil {
		return in, fmt.Errorf("ticks counter: %w", err)
	}
	if in.activities, err = m.Int64Counter("citysim.activities",
		metric.WithDescription("Activities processed, by type and final status"),
		metric.WithUnit("{activity}"),
	); err != nil {
		return in, fmt.Errorf("activities counter: %w", err)
	}
	if in.convoys, err = m.Int64Counter("citysim.import.convoys",
		metric.WithDescription("Import convoys materialized"),
		metric.WithUnit("{convoy}"),
	); err != nil {
		return in, fmt.Errorf("convoys counter: %w", err)
	}
	if in.errors, err = m.Int64Counter("citysim.tick.errors",
		metric.WithDescription("Phase errors recorded in tick reports"),
		metric.WithUnit("{error}"),
	); err != nil {
		return in, fmt.Errorf("errors counter: %w", err)
	}
	if in.duration, err = m.Float64Histogram("citysim.tick.duration",
		metric.WithDescription("Wall time spent in a tick"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return in, fmt.Errorf("duration histogram: %w", err)
	}
	return in, nil
}

func (in instruments) record(ctx context.Context, rep Report) {
	in.ticks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("skipped", rep.Skipped)))
	if rep.Skipped {
		return
	}
	for _, a := range rep.Activities {
		if a.Skipped {
			continue
		}
		in.activities.Add(ctx, 1, metric.WithAttributes(
			attribute.String("activity.type", string(a.Type)),
			attribute.String("status", string(a.Status)),
		))
	}
	if n := len(rep.Imports.Convoys); n > 0 {
		in.convoys.Add(ctx, int64(n))
	}
	if n := len(rep.Errors); n > 0 {
		in.errors.Add(ctx, int64(n))
	}
	in.duration.Record(ctx, float64(rep.DurationMS)/1000)
}
