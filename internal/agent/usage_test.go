package agent

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	otelpkg "github.com/basket/todo-agent/internal/otel"
)

func TestEngineUsageIsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())
	metrics, err := otelpkg.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	eng := &fakeEngine{guard: text(deny)}
	o := newOrchestrator(t, eng, openCountingStore(t), func(opts *Options) {
		opts.Metrics = metrics
		opts.Model = "gpt-4o"
	})
	o.Run(context.Background(), "what's the weather today")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	tokens := map[string]int64{}
	var cost float64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "todo.engine.tokens":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					dir, _ := dp.Attributes.Value("direction")
					tokens[dir.AsString()] += dp.Value
				}
			case "todo.engine.cost":
				for _, dp := range m.Data.(metricdata.Sum[float64]).DataPoints {
					cost += dp.Value
				}
			}
		}
	}
	if tokens["prompt"] == 0 || tokens["completion"] == 0 {
		t.Fatalf("tokens = %v", tokens)
	}
	if cost <= 0 {
		t.Fatalf("cost = %f", cost)
	}
}

func TestEngineUsage_FailedCallRecordsNothing(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())
	metrics, err := otelpkg.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	eng := &fakeEngine{guard: failure(context.DeadlineExceeded)}
	o := newOrchestrator(t, eng, openCountingStore(t), func(opts *Options) { opts.Metrics = metrics })
	o.Run(context.Background(), "add milk")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "todo.engine.tokens" {
				t.Fatalf("tokens recorded for a failed call: %+v", m.Data)
			}
		}
	}
}
