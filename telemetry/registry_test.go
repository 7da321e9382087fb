package telemetry

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testRegistry(t *testing.T) (*Registry, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return newRegistry(provider.Meter("okami-test")), reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestRegistryCounter(t *testing.T) {
	reg, reader := testRegistry(t)

	reg.Counter("okami_guardrail_verdicts", "guardrail", "quality", "verdict", "pass")
	reg.Counter("okami_guardrail_verdicts", "guardrail", "quality", "verdict", "pass")

	m, ok := findMetric(collect(t, reader), "okami_guardrail_verdicts")
	require.True(t, ok)
	sum, ok := m.Data.(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, float64(2), sum.DataPoints[0].Value)
}

func TestRegistryHistogram(t *testing.T) {
	reg, reader := testRegistry(t)

	reg.Histogram("okami_task_duration_ms", 120, "crew", "default")
	reg.Histogram("okami_task_duration_ms", 80, "crew", "default")

	m, ok := findMetric(collect(t, reader), "okami_task_duration_ms")
	require.True(t, ok)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
	assert.Equal(t, float64(200), hist.DataPoints[0].Sum)
}

func TestRegistryCardinalityGuard(t *testing.T) {
	reg, reader := testRegistry(t)

	for i := 0; i < maxLabelValues+20; i++ {
		reg.Counter("okami_runs", "run_id", fmt.Sprintf("run-%d", i))
	}

	m, ok := findMetric(collect(t, reader), "okami_runs")
	require.True(t, ok)
	sum, ok := m.Data.(metricdata.Sum[float64])
	require.True(t, ok)
	// maxLabelValues distinct series plus one "overflow" bucket.
	assert.LessOrEqual(t, len(sum.DataPoints), maxLabelValues+1)

	var overflow float64
	for _, dp := range sum.DataPoints {
		if v, found := dp.Attributes.Value(attribute.Key("run_id")); found && v.AsString() == "overflow" {
			overflow = dp.Value
		}
	}
	assert.Equal(t, float64(20), overflow)
}

func TestRegistryBaggage(t *testing.T) {
	reg, _ := testRegistry(t)

	member, err := baggage.NewMember("crew", "research")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)
	ctx := baggage.ContextWithBaggage(context.Background(), bag)

	got := reg.GetBaggage(ctx)
	assert.Equal(t, map[string]string{"crew": "research"}, got)

	assert.Nil(t, reg.GetBaggage(context.Background()))
}
