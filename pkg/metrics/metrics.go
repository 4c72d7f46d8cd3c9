// Package metrics instruments the stage-to-stage latencies the teacher's
// ManagedStream.GetLatencyBreakdown computed ad hoc (pkg/orchestrator/
// managed_stream.go) as proper OpenTelemetry instruments, plus a
// queue-depth histogram that callers sample for a named internal queue
// (spec §4.1/§9 domain stack: otel + the Prometheus exporter).
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Stage names the turn-taking pipeline stage a latency sample belongs to,
// mirroring LatencyBreakdown's fields without the manual timestamp bookkeeping.
type Stage string

const (
	StageUserToSTT  Stage = "user_to_stt"
	StageSTT        Stage = "stt"
	StageUserToLLM  Stage = "user_to_llm"
	StageLLM        Stage = "llm"
	StageUserToTTS  Stage = "user_to_tts_first_byte"
	StageLLMToTTS   Stage = "llm_to_tts_first_byte"
	StageTTSTotal   Stage = "tts_total"
	StageBotStart   Stage = "bot_start"
	StageUserToPlay Stage = "user_to_play"
)

// Recorder exposes the handful of measurements every pipeline module needs
// to emit: a stage latency in milliseconds, and a queue-depth sample for a
// named queue (broker subscriber backlog, Text-VAP accumulator, etc).
type Recorder struct {
	latency metric.Float64Histogram
	queue   metric.Int64Histogram
}

// New builds a Recorder on top of a fresh OTel MeterProvider wired to a
// Prometheus exporter. Callers that already run their own MeterProvider
// should use NewFromMeter instead.
func New() (*Recorder, *prometheus.Exporter, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	rec, err := NewFromMeter(provider.Meter("remdisgo/dialogue"))
	if err != nil {
		return nil, nil, err
	}
	return rec, exporter, nil
}

// NewFromMeter builds a Recorder on a caller-supplied meter.
func NewFromMeter(meter metric.Meter) (*Recorder, error) {
	latency, err := meter.Float64Histogram(
		"dialogue_stage_latency_ms",
		metric.WithDescription("per-stage latency from user speech end, in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: creating latency histogram: %w", err)
	}
	queue, err := meter.Int64Histogram(
		"dialogue_queue_depth",
		metric.WithDescription("depth of a named internal queue at the moment of sampling"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: creating queue histogram: %w", err)
	}
	return &Recorder{latency: latency, queue: queue}, nil
}

// RecordLatency records a stage latency sample, in milliseconds.
func (r *Recorder) RecordLatency(ctx context.Context, stage Stage, ms int64) {
	if r == nil {
		return
	}
	r.latency.Record(ctx, float64(ms), metric.WithAttributes(stageAttr(stage)))
}

// RecordQueueDepth records a point-in-time depth sample for a named queue
// (e.g. "broker.asr", "textvap.accumulator").
func (r *Recorder) RecordQueueDepth(ctx context.Context, queueName string, depth int) {
	if r == nil {
		return
	}
	r.queue.Record(ctx, int64(depth), metric.WithAttributes(queueAttr(queueName)))
}
