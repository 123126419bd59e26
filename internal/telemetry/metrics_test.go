package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	m, err := New(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestMetricsRecordCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CacheHit(ctx)
	m.CacheHit(ctx)
	m.CacheMiss(ctx)
	m.Fetch(ctx, false)
	m.Fetch(ctx, true)
	m.Coalesced(ctx)
	m.Write(ctx, "set", false)
	m.Write(ctx, "remove", true)
	m.CrossTab(ctx, true)
	m.CrossTab(ctx, false)
	m.Invalidated(ctx, "authLogout")
	m.Reconciled(ctx, 3)
	m.Reconciled(ctx, 0)

	totals := collectSums(t, reader)
	assert.Equal(t, int64(2), totals["reaction_cache_hits_total"])
	assert.Equal(t, int64(1), totals["reaction_cache_misses_total"])
	assert.Equal(t, int64(2), totals["reaction_fetches_total"])
	assert.Equal(t, int64(1), totals["reaction_fetch_failures_total"])
	assert.Equal(t, int64(1), totals["reaction_fetches_coalesced_total"])
	assert.Equal(t, int64(2), totals["reaction_writes_total"])
	assert.Equal(t, int64(1), totals["reaction_write_failures_total"])
	assert.Equal(t, int64(1), totals["reaction_crosstab_applied_total"])
	assert.Equal(t, int64(1), totals["reaction_crosstab_stale_total"])
	assert.Equal(t, int64(1), totals["reaction_invalidations_total"])
	assert.Equal(t, int64(3), totals["reaction_reconciled_total"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.CacheHit(ctx)
		m.CacheMiss(ctx)
		m.Fetch(ctx, true)
		m.Coalesced(ctx)
		m.Write(ctx, "set", true)
		m.CrossTab(ctx, false)
		m.Invalidated(ctx, "authLogout")
		m.Reconciled(ctx, 1)
	})
}
