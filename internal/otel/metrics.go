package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the pipeline's instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	Requests         metric.Int64Counter
	EngineDuration   metric.Float64Histogram
	EngineErrors     metric.Int64Counter
	EngineTokens     metric.Int64Counter
	EngineCost       metric.Float64Counter
	ToolDuration     metric.Float64Histogram
	ToolOutcomes     metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RequestDuration, err = meter.Float64Histogram("todo.request.duration",
		metric.WithDescription("End-to-end handle duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.Requests, err = meter.Int64Counter("todo.requests",
		metric.WithDescription("Handled requests by terminal state"),
	); err != nil {
		return nil, err
	}
	if m.EngineDuration, err = meter.Float64Histogram("todo.engine.duration",
		metric.WithDescription("Reasoning engine call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.EngineErrors, err = meter.Int64Counter("todo.engine.errors",
		metric.WithDescription("Reasoning engine failures by error class"),
	); err != nil {
		return nil, err
	}
	if m.EngineTokens, err = meter.Int64Counter("todo.engine.tokens",
		metric.WithDescription("Estimated engine tokens by direction (prompt, completion)"),
	); err != nil {
		return nil, err
	}
	if m.EngineCost, err = meter.Float64Counter("todo.engine.cost",
		metric.WithDescription("Estimated engine spend in USD"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if m.ToolDuration, err = meter.Float64Histogram("todo.tool.duration",
		metric.WithDescription("Tool binding duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ToolOutcomes, err = meter.Int64Counter("todo.tool.outcomes",
		metric.WithDescription("Tool binding outcomes by tool and kind"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("todo.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(NoopProvider().Meter)
	if err != nil {
		panic(err)
	}
	return m
}
