// Package observe holds the OpenTelemetry instruments shared by the engine
// and the generation backend. A Prometheus bridge is available through
// [InitProvider]; tests should build [Metrics] from their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/lokutor-ai/voiceloop"

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
)

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// TurnDuration measures a turn from its start to completion or abort.
	TurnDuration metric.Float64Histogram

	// FirstAudioLatency measures the time from the final transcript to the
	// first synthesized audio chunk.
	FirstAudioLatency metric.Float64Histogram

	// Turns counts finished turns by attribute "outcome".
	Turns metric.Int64Counter

	// Aborts counts aborts by attribute "reason".
	Aborts metric.Int64Counter

	// PendingFrames records how many frames were queued while the recognizer
	// connected.
	PendingFrames metric.Int64Histogram

	// MalformedRecords counts skipped response stream lines.
	MalformedRecords metric.Int64Counter

	// GenerationRequests counts backend chat requests by attribute "status".
	GenerationRequests metric.Int64Counter

	// ActiveSessions tracks live backend chat sessions.
	ActiveSessions metric.Int64UpDownCounter
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("voiceloop.turn.duration",
		metric.WithDescription("Duration of a conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("voiceloop.turn.first_audio",
		metric.WithDescription("Latency from final transcript to first reply audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voiceloop.turns",
		metric.WithDescription("Finished turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Aborts, err = m.Int64Counter("voiceloop.aborts",
		metric.WithDescription("Turn aborts by reason."),
	); err != nil {
		return nil, err
	}
	if met.PendingFrames, err = m.Int64Histogram("voiceloop.asr.pending_frames",
		metric.WithDescription("Frames queued before the recognizer was ready."),
	); err != nil {
		return nil, err
	}
	if met.MalformedRecords, err = m.Int64Counter("voiceloop.stream.malformed_records",
		metric.WithDescription("Response stream lines that failed to parse."),
	); err != nil {
		return nil, err
	}
	if met.GenerationRequests, err = m.Int64Counter("voiceloop.generation.requests",
		metric.WithDescription("Generation requests served by status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voiceloop.sessions.active",
		metric.WithDescription("Live chat sessions held by the backend."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop metrics: " + err.Error())
	}
	return m
}

func (m *Metrics) RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordAbort(ctx context.Context, reason string) {
	m.Aborts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordFirstAudio(ctx context.Context, d time.Duration) {
	m.FirstAudioLatency.Record(ctx, d.Seconds())
}

func (m *Metrics) RecordGeneration(ctx context.Context, status string) {
	m.GenerationRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
