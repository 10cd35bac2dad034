// Package observe provides application-wide observability primitives for
// realchar: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all realchar metrics.
const meterName = "github.com/MrWong99/realchar"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// IntervalDuration records named latency intervals such as
	// "LLM First Token". Use with attribute.String("interval", ...).
	IntervalDuration metric.Float64Histogram

	// GenerationDuration tracks one full generation call, first token to
	// stream end. Use with attribute.String("character_id", ...).
	GenerationDuration metric.Float64Histogram

	// SynthesisDuration tracks one segment dispatch to the synthesizer.
	SynthesisDuration metric.Float64Histogram

	// AugmentDuration tracks a single augmentation step. Use with
	// attribute.String("augmenter", ...).
	AugmentDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts conversation turns. Use with attributes:
	//   attribute.String("character_id", ...), attribute.String("status", ...)
	Turns metric.Int64Counter

	// SegmentsDispatched counts spoken segments handed to a synthesizer. Use
	// with attribute.Bool("first", ...).
	SegmentsDispatched metric.Int64Counter

	// AugmentFailures counts augmentation steps that degraded to an empty
	// contribution. Use with attribute.String("augmenter", ...).
	AugmentFailures metric.Int64Counter

	// CatalogRefreshes counts registry refresh cycles. Use with
	// attribute.String("status", "ok"|"error").
	CatalogRefreshes metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// CatalogCharacters is the number of characters in the published
	// registry snapshot. Use with attribute.String("location", ...).
	CatalogCharacters metric.Int64Gauge

	// ActiveTurns tracks turns currently generating.
	ActiveTurns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// first-token and first-audio latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.IntervalDuration, err = m.Float64Histogram("realchar.interval.duration",
		metric.WithDescription("Duration of named latency intervals."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("realchar.generation.duration",
		metric.WithDescription("Duration of a full streamed generation call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("realchar.synthesis.duration",
		metric.WithDescription("Duration of a single segment synthesis dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AugmentDuration, err = m.Float64Histogram("realchar.augment.duration",
		metric.WithDescription("Duration of a single context augmentation step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("realchar.turns",
		metric.WithDescription("Total conversation turns by character and status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDispatched, err = m.Int64Counter("realchar.segments.dispatched",
		metric.WithDescription("Total spoken segments dispatched to a synthesizer."),
	); err != nil {
		return nil, err
	}
	if met.AugmentFailures, err = m.Int64Counter("realchar.augment.failures",
		metric.WithDescription("Total augmentation steps that contributed nothing due to an error."),
	); err != nil {
		return nil, err
	}
	if met.CatalogRefreshes, err = m.Int64Counter("realchar.catalog.refreshes",
		metric.WithDescription("Total character registry refresh cycles by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("realchar.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.CatalogCharacters, err = m.Int64Gauge("realchar.catalog.characters",
		metric.WithDescription("Characters in the published registry snapshot by location."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("realchar.active_turns",
		metric.WithDescription("Number of turns currently generating."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("realchar.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordInterval records one completed named interval.
func (m *Metrics) RecordInterval(ctx context.Context, name string, seconds float64) {
	m.IntervalDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("interval", name)),
	)
}

// RecordTurn records a finished conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, characterID, status string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("character_id", characterID),
			attribute.String("status", status),
		),
	)
}

// RecordSegment records one segment dispatch and its duration.
func (m *Metrics) RecordSegment(ctx context.Context, first bool, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("first", strconv.FormatBool(first)))
	m.SegmentsDispatched.Add(ctx, 1, attrs)
	m.SynthesisDuration.Record(ctx, seconds, attrs)
}

// RecordAugment records the duration of one augmentation step and, when
// failed is true, a failure.
func (m *Metrics) RecordAugment(ctx context.Context, augmenter string, seconds float64, failed bool) {
	attrs := metric.WithAttributes(attribute.String("augmenter", augmenter))
	m.AugmentDuration.Record(ctx, seconds, attrs)
	if failed {
		m.AugmentFailures.Add(ctx, 1, attrs)
	}
}

// RecordCatalogRefresh records a refresh cycle outcome.
func (m *Metrics) RecordCatalogRefresh(ctx context.Context, status string) {
	m.CatalogRefreshes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// SetCatalogCharacters publishes the snapshot size per location.
func (m *Metrics) SetCatalogCharacters(ctx context.Context, repo, database int) {
	m.CatalogCharacters.Record(ctx, int64(repo), metric.WithAttributes(attribute.String("location", "repo")))
	m.CatalogCharacters.Record(ctx, int64(database), metric.WithAttributes(attribute.String("location", "database")))
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
