package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecorder_TracksHeldUnits(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	rec, err := NewRecorder(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	rec.Reserved(ctx, 3)
	rec.Reserved(ctx, 2)
	rec.Confirmed(ctx, 3)
	rec.Released(ctx, 2, "expired")
	rec.Rejected(ctx)

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["capacity_reservations_created_total"]))
	assert.Equal(t, int64(1), sumOf(t, data["capacity_reservations_confirmed_total"]))
	assert.Equal(t, int64(1), sumOf(t, data["capacity_reservations_released_total"]))
	assert.Equal(t, int64(1), sumOf(t, data["capacity_rejections_total"]))
	assert.Equal(t, int64(0), sumOf(t, data["capacity_units_held"]))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.Reserved(context.Background(), 1)
		rec.InvariantViolation(context.Background())
		rec.SweepDuration(context.Background(), 0.5)
	})
}
