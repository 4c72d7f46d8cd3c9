package metrics

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecorderRecordsLatencyAndQueueDepth(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec, err := NewFromMeter(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewFromMeter: %v", err)
	}

	ctx := context.Background()
	rec.RecordLatency(ctx, StageLLM, 42)
	rec.RecordQueueDepth(ctx, "broker.asr", 3)

	var data metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &data); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var sawLatency, sawQueue bool
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "dialogue_stage_latency_ms":
				sawLatency = true
			case "dialogue_queue_depth":
				sawQueue = true
			}
		}
	}
	if !sawLatency {
		t.Fatal("expected a dialogue_stage_latency_ms metric to be recorded")
	}
	if !sawQueue {
		t.Fatal("expected a dialogue_queue_depth metric to be recorded")
	}
}

func TestRecorderHandlesNilReceiverSafely(t *testing.T) {
	var rec *Recorder
	rec.RecordLatency(context.Background(), StageLLM, 10)
	rec.RecordQueueDepth(context.Background(), "q", 1)
}
