package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder holds the capacity service instruments. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	reservationsCreated   metric.Int64Counter
	reservationsConfirmed metric.Int64Counter
	reservationsReleased  metric.Int64Counter
	capacityRejections    metric.Int64Counter
	invariantViolations   metric.Int64Counter
	unitsHeld             metric.Int64UpDownCounter
	sweepDuration         metric.Float64Histogram
}

// NewRecorder creates all instruments on the given meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	if r.reservationsCreated, err = meter.Int64Counter("capacity_reservations_created_total",
		metric.WithDescription("Holds created"), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if r.reservationsConfirmed, err = meter.Int64Counter("capacity_reservations_confirmed_total",
		metric.WithDescription("Holds converted to bookings"), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if r.reservationsReleased, err = meter.Int64Counter("capacity_reservations_released_total",
		metric.WithDescription("Holds released, by reason"), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if r.capacityRejections, err = meter.Int64Counter("capacity_rejections_total",
		metric.WithDescription("Reserve calls rejected for lack of availability"), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if r.invariantViolations, err = meter.Int64Counter("capacity_invariant_violations_total",
		metric.WithDescription("Aborted ledger writes that would break the capacity invariant"), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if r.unitsHeld, err = meter.Int64UpDownCounter("capacity_units_held",
		metric.WithDescription("Units currently held by active reservations"), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if r.sweepDuration, err = meter.Float64Histogram("capacity_sweep_duration_seconds",
		metric.WithDescription("Expiry sweep run duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Reserved(ctx context.Context, quantity int) {
	if r == nil {
		return
	}
	r.reservationsCreated.Add(ctx, 1)
	r.unitsHeld.Add(ctx, int64(quantity))
}

func (r *Recorder) Confirmed(ctx context.Context, quantity int) {
	if r == nil {
		return
	}
	r.reservationsConfirmed.Add(ctx, 1)
	r.unitsHeld.Add(ctx, -int64(quantity))
}

func (r *Recorder) Released(ctx context.Context, quantity int, reason string) {
	if r == nil {
		return
	}
	r.reservationsReleased.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	r.unitsHeld.Add(ctx, -int64(quantity))
}

func (r *Recorder) Rejected(ctx context.Context) {
	if r == nil {
		return
	}
	r.capacityRejections.Add(ctx, 1)
}

func (r *Recorder) InvariantViolation(ctx context.Context) {
	if r == nil {
		return
	}
	r.invariantViolations.Add(ctx, 1)
}

func (r *Recorder) SweepDuration(ctx context.Context, seconds float64) {
	if r == nil {
		return
	}
	r.sweepDuration.Record(ctx, seconds)
}
