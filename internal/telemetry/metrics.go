// Package telemetry records reaction cache activity as OpenTelemetry metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "reactsync"

// Metrics bundles the counters the state manager updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	fetches         metric.Int64Counter
	fetchFailures   metric.Int64Counter
	coalesced       metric.Int64Counter
	writes          metric.Int64Counter
	writeFailures   metric.Int64Counter
	crossTabApplied metric.Int64Counter
	crossTabStale   metric.Int64Counter
	invalidations   metric.Int64Counter
	reconciled      metric.Int64Counter
}

// New registers the counters on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.cacheHits, "reaction_cache_hits_total", "Reads answered from a fresh cache entry"},
		{&m.cacheMisses, "reaction_cache_misses_total", "Reads that needed the authority"},
		{&m.fetches, "reaction_fetches_total", "Authority fetches issued"},
		{&m.fetchFailures, "reaction_fetch_failures_total", "Authority fetches that failed"},
		{&m.coalesced, "reaction_fetches_coalesced_total", "Reads that joined an in-flight fetch"},
		{&m.writes, "reaction_writes_total", "Reaction writes sent to the authority"},
		{&m.writeFailures, "reaction_write_failures_total", "Reaction writes rejected or failed"},
		{&m.crossTabApplied, "reaction_crosstab_applied_total", "Sibling snapshots applied locally"},
		{&m.crossTabStale, "reaction_crosstab_stale_total", "Sibling snapshots dropped as stale"},
		{&m.invalidations, "reaction_invalidations_total", "Identity-driven cache invalidations"},
		{&m.reconciled, "reaction_reconciled_total", "Entries refreshed by the background reconciler"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// Default registers the counters on the global meter provider.
func Default() (*Metrics, error) {
	return New(otel.Meter(meterName))
}

// InstallPrometheus installs a global meter provider backed by the OTel
// Prometheus exporter and returns the scrape handler plus a shutdown func.
func InstallPrometheus() (http.Handler, func(context.Context) error, error) {
	exporter, err := promexporter.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return promhttp.Handler(), provider.Shutdown, nil
}

func (m *Metrics) CacheHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheHits.Add(ctx, 1)
}

func (m *Metrics) CacheMiss(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1)
}

// Fetch records an authority fetch and whether it failed.
func (m *Metrics) Fetch(ctx context.Context, failed bool) {
	if m == nil {
		return
	}
	m.fetches.Add(ctx, 1)
	if failed {
		m.fetchFailures.Add(ctx, 1)
	}
}

func (m *Metrics) Coalesced(ctx context.Context) {
	if m == nil {
		return
	}
	m.coalesced.Add(ctx, 1)
}

// Write records a reaction write; kind is "set" or "remove".
func (m *Metrics) Write(ctx context.Context, kind string, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.writes.Add(ctx, 1, attrs)
	if failed {
		m.writeFailures.Add(ctx, 1, attrs)
	}
}

// CrossTab records an incoming sibling snapshot and whether it was applied.
func (m *Metrics) CrossTab(ctx context.Context, applied bool) {
	if m == nil {
		return
	}
	if applied {
		m.crossTabApplied.Add(ctx, 1)
		return
	}
	m.crossTabStale.Add(ctx, 1)
}

func (m *Metrics) Invalidated(ctx context.Context, signal string) {
	if m == nil {
		return
	}
	m.invalidations.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", signal)))
}

func (m *Metrics) Reconciled(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reconciled.Add(ctx, int64(n))
}
