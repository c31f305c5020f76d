// Package observe provides application-wide observability primitives for
// ASRHub: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ASRHub metrics.
const meterName = "github.com/MrWong99/asrhub"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks the audio length behind each ASR result.
	TranscriptionDuration metric.Float64Histogram

	// RecordingDuration tracks wake-to-stop length of recorded rounds.
	RecordingDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsCreated counts sessions by strategy. Use with attribute:
	//   attribute.String("strategy", ...)
	SessionsCreated metric.Int64Counter

	// SessionsExpired counts sessions reaped by the TTL sweeper.
	SessionsExpired metric.Int64Counter

	// AudioChunks counts ingested audio chunks.
	AudioChunks metric.Int64Counter

	// AudioBytes counts ingested PCM bytes before normalization.
	AudioBytes metric.Int64Counter

	// WakeActivations counts wake events. Use with attribute:
	//   attribute.String("source", ...)
	WakeActivations metric.Int64Counter

	// Transcriptions counts finished ASR runs. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	Transcriptions metric.Int64Counter

	// --- Error counters ---

	// PipelineErrors counts raised pipeline errors. Use with attribute:
	//   attribute.String("code", ...)
	PipelineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveRecordings tracks rounds currently writing to disk.
	ActiveRecordings metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("asrhub.asr.duration",
		metric.WithDescription("Audio length per ASR result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecordingDuration, err = m.Float64Histogram("asrhub.recording.duration",
		metric.WithDescription("Length of recorded rounds from wake to stop."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsCreated, err = m.Int64Counter("asrhub.sessions.created",
		metric.WithDescription("Total sessions created by strategy."),
	); err != nil {
		return nil, err
	}
	if met.SessionsExpired, err = m.Int64Counter("asrhub.sessions.expired",
		metric.WithDescription("Total sessions reaped by the TTL sweeper."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("asrhub.audio.chunks",
		metric.WithDescription("Total ingested audio chunks."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("asrhub.audio.bytes",
		metric.WithDescription("Total ingested PCM bytes before normalization."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.WakeActivations, err = m.Int64Counter("asrhub.wake.activations",
		metric.WithDescription("Total wake activations by source."),
	); err != nil {
		return nil, err
	}
	if met.Transcriptions, err = m.Int64Counter("asrhub.asr.transcriptions",
		metric.WithDescription("Total finished ASR runs by provider and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PipelineErrors, err = m.Int64Counter("asrhub.pipeline.errors",
		metric.WithDescription("Total raised pipeline errors by code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("asrhub.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("asrhub.active_recordings",
		metric.WithDescription("Number of rounds currently recording."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("asrhub.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordTranscription records one finished ASR run: the counter by provider
// and status plus the audio-length histogram.
func (m *Metrics) RecordTranscription(ctx context.Context, provider, status string, audioLen time.Duration) {
	m.Transcriptions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	m.TranscriptionDuration.Record(ctx, audioLen.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordChunk records one ingested audio chunk and its size.
func (m *Metrics) RecordChunk(ctx context.Context, size int) {
	m.AudioChunks.Add(ctx, 1)
	m.AudioBytes.Add(ctx, int64(size))
}

// RecordWake records a wake activation counter increment.
func (m *Metrics) RecordWake(ctx context.Context, source string) {
	m.WakeActivations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordPipelineError records a raised pipeline error counter increment.
func (m *Metrics) RecordPipelineError(ctx context.Context, code string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}
