package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/todo-agent/internal/engine"
	otelpkg "github.com/basket/todo-agent/internal/otel"
	"github.com/basket/todo-agent/internal/pricing"
	"github.com/basket/todo-agent/internal/shared"
	"github.com/basket/todo-agent/internal/tools"
)

// ErrTurnLimit means the engine kept requesting tools past the turn budget.
var ErrTurnLimit = errors.New("tool turn limit reached")

const msgToolNotAvailable = "Tool not available."

// meteredEngine bounds every call with a timeout and records a client span
// and duration for it.
type meteredEngine struct {
	inner   engine.Engine
	timeout time.Duration
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
	logger  *slog.Logger
	model   string
}

func (m *meteredEngine) Complete(ctx context.Context, req engine.Request) (*engine.Completion, error) {
	ctx, span := otelpkg.StartClientSpan(ctx, m.tracer, "todo.engine.complete")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	out, err := m.inner.Complete(callCtx, req)
	m.metrics.EngineDuration.Record(ctx, time.Since(start).Seconds())
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		class := engine.ClassifyError(err)
		span.SetAttributes(otelpkg.AttrErrorClass.String(string(class)))
		otelpkg.Fail(span, err)
		m.metrics.EngineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
		m.logger.WarnContext(ctx, "engine call failed", "class", class, "error", err)
		return nil, err
	}
	m.recordUsage(ctx, req, out)
	return out, nil
}

func (m *meteredEngine) recordUsage(ctx context.Context, req engine.Request, out *engine.Completion) {
	var prompt, completion strings.Builder
	prompt.WriteString(req.Instructions)
	prompt.WriteString(req.Input)
	for _, ex := range req.Exchanges {
		prompt.Write(ex.Call.Args)
		prompt.WriteString(ex.Result)
	}
	if out != nil {
		completion.WriteString(out.Text)
		for _, c := range out.ToolCalls {
			completion.WriteString(c.Name)
			completion.Write(c.Args)
		}
	}
	u := pricing.Estimate(m.model, prompt.String(), completion.String())
	m.metrics.EngineTokens.Add(ctx, int64(u.PromptTokens), metric.WithAttributes(attribute.String("direction", "prompt")))
	m.metrics.EngineTokens.Add(ctx, int64(u.CompletionTokens), metric.WithAttributes(attribute.String("direction", "completion")))
	if u.CostUSD > 0 {
		m.metrics.EngineCost.Add(ctx, u.CostUSD)
	}
	m.logger.DebugContext(ctx, "engine usage estimate",
		"prompt_tokens", u.PromptTokens,
		"completion_tokens", u.CompletionTokens,
		"cost_usd", u.CostUSD,
	)
}

// execute runs h's tool loop: each engine turn either answers or requests
// tools, which run one at a time in the order requested.
func (o *Orchestrator) execute(ctx context.Context, h handler, input string) (string, error) {
	var exchanges []engine.Exchange
	for turn := 0; turn < o.maxTurns; turn++ {
		out, err := o.eng.Complete(ctx, engine.Request{
			Instructions: h.instructions,
			Tools:        h.tools,
			Input:        input,
			Exchanges:    exchanges,
		})
		if err != nil {
			return "", err
		}
		if out == nil {
			return "", fmt.Errorf("%w: no completion", engine.ErrMalformed)
		}
		if len(out.ToolCalls) == 0 {
			text := strings.TrimSpace(out.Text)
			if text == "" {
				return "", fmt.Errorf("%w: empty answer", engine.ErrMalformed)
			}
			return text, nil
		}
		for _, call := range out.ToolCalls {
			result := o.invoke(ctx, h, call)
			exchanges = append(exchanges, engine.Exchange{Call: call, Result: result.Text})
		}
	}
	return "", fmt.Errorf("%w (%d turns)", ErrTurnLimit, o.maxTurns)
}

// invoke decodes and runs one tool request. Every failure becomes an outcome
// the engine can read.
func (o *Orchestrator) invoke(ctx context.Context, h handler, call engine.ToolCall) tools.Outcome {
	ctx, span := otelpkg.StartSpan(ctx, o.tracer, "todo.tool", otelpkg.AttrToolName.String(call.Name))
	defer span.End()
	start := time.Now()

	var outcome tools.Outcome
	if !h.allows(call.Name) {
		outcome = tools.Outcome{Text: msgToolNotAvailable, Kind: tools.OutcomeInvalid}
	} else if decoded, err := tools.Decode(call.Name, call.Args); err != nil {
		outcome = tools.Outcome{Text: fmt.Sprintf("Invalid arguments for %s.", call.Name), Kind: tools.OutcomeInvalid}
		o.logger.WarnContext(ctx, "tool arguments rejected", "tool", call.Name, "error", err)
	} else {
		outcome = o.bindings.Execute(ctx, decoded)
	}

	attrs := metric.WithAttributes(
		attribute.String("tool", call.Name),
		attribute.String("kind", string(outcome.Kind)),
	)
	o.metrics.ToolDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	o.metrics.ToolOutcomes.Add(ctx, 1, attrs)
	span.SetAttributes(otelpkg.AttrOutcomeKind.String(string(outcome.Kind)))
	o.logger.InfoContext(ctx, "tool executed",
		"route", h.route,
		"tool", call.Name,
		"kind", outcome.Kind,
		"channel", shared.Channel(ctx),
	)
	return outcome
}
