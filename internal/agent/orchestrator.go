// Package agent runs the request pipeline: guardrail, routing, then the
// manager or organizer tool loop. One Orchestrator serves concurrent requests;
// each call to Handle drives its own state machine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/todo-agent/internal/audit"
	"github.com/basket/todo-agent/internal/engine"
	otelpkg "github.com/basket/todo-agent/internal/otel"
	"github.com/basket/todo-agent/internal/shared"
	"github.com/basket/todo-agent/internal/tools"
)

const (
	// RefusalMessage is the reply to messages the guardrail rejects.
	RefusalMessage = "Please only ask questions about the todo list."
	// FailureMessage is the reply when a request fails.
	FailureMessage = "Sorry, something went wrong while handling your request. Please try again."

	defaultEngineTimeout = 30 * time.Second
	defaultMaxTurns      = 6
)

// Options configures an Orchestrator. Engine and Store are required.
type Options struct {
	Engine        engine.Engine
	Store         tools.Store
	Logger        *slog.Logger
	Tracer        trace.Tracer
	Metrics       *otelpkg.Metrics
	EngineTimeout time.Duration
	MaxTurns      int
	Now           func() time.Time
	// Model prices the usage estimates recorded per engine call.
	Model string
}

// Result is the outcome of one request.
type Result struct {
	Reply   string
	State   State
	Route   Route
	TraceID string
	Err     error
}

// Orchestrator holds only shared, read-only collaborators.
type Orchestrator struct {
	eng      engine.Engine
	store    tools.Store
	bindings *tools.Bindings
	guard    *Guardrail
	router   *Router
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelpkg.Metrics
	maxTurns int
	now      func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Engine == nil {
		return nil, errors.New("agent: engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("agent: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otelpkg.NoopProvider().Tracer
	}
	if opts.Metrics == nil {
		opts.Metrics = otelpkg.NoopMetrics()
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = defaultEngineTimeout
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	eng := &meteredEngine{
		inner:   opts.Engine,
		timeout: opts.EngineTimeout,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		model:   opts.Model,
	}
	guard, err := NewGuardrail(eng)
	if err != nil {
		return nil, err
	}
	router, err := NewRouter(eng)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		eng:      eng,
		store:    opts.Store,
		bindings: tools.NewBindings(opts.Store, opts.Logger),
		guard:    guard,
		router:   router,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		maxTurns: opts.MaxTurns,
		now:      opts.Now,
	}, nil
}

// Handle answers one request. It never returns an empty string.
func (o *Orchestrator) Handle(ctx context.Context, text string) string {
	return o.Run(ctx, text).Reply
}

// Run is Handle with the terminal state and route exposed.
func (o *Orchestrator) Run(ctx context.Context, text string) Result {
	ctx = shared.EnsureTraceID(ctx)
	ctx, span := otelpkg.StartServerSpan(ctx, o.tracer, "todo.handle", otelpkg.OriginAttrs(shared.OriginOf(ctx))...)
	defer span.End()
	start := time.Now()

	m := newMachine()
	res := o.run(ctx, m, text)
	res.State = m.state
	res.Route = m.route
	res.TraceID = shared.TraceID(ctx)

	span.SetAttributes(otelpkg.AttrState.String(string(res.State)), otelpkg.AttrRoute.String(string(res.Route)))
	otelpkg.Fail(span, res.Err)
	attrs := metric.WithAttributes(attribute.String("state", string(res.State)))
	o.metrics.Requests.Add(ctx, 1, attrs)
	o.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	o.logger.InfoContext(ctx, "request handled",
		"state", res.State,
		"route", res.Route,
		"channel", shared.Channel(ctx),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

func (o *Orchestrator) run(ctx context.Context, m *machine, text string) Result {
	if err := m.advance(StateGuardrailChecking); err != nil {
		return o.fail(ctx, m, err)
	}
	decision := o.checkGuardrail(ctx, text)
	if decision.Err != nil {
		return o.fail(ctx, m, fmt.Errorf("guardrail: %w", decision.Err))
	}
	if !decision.Allow {
		audit.Record(ctx, audit.DecisionDeny, "guardrail", decision.Info, excerpt(text))
		if err := m.advance(StateRejected); err != nil {
			return o.fail(ctx, m, err)
		}
		return Result{Reply: RefusalMessage}
	}

	if err := m.advance(StateRouted); err != nil {
		return o.fail(ctx, m, err)
	}
	route, err := o.route(ctx, text)
	if err != nil {
		return o.fail(ctx, m, err)
	}
	m.route = route

	var h handler
	input := text
	switch route {
	case RouteOrganizer:
		snapshot, err := o.store.ListAll(ctx)
		if err != nil {
			return o.fail(ctx, m, fmt.Errorf("organizer handoff: %w", err))
		}
		if input, err = organizerInput(text, snapshot); err != nil {
			return o.fail(ctx, m, err)
		}
		h = organizerHandler()
	default:
		h = managerHandler(o.now())
	}

	if err := m.advance(StateExecuting); err != nil {
		return o.fail(ctx, m, err)
	}
	ctx, span := otelpkg.StartSpan(ctx, o.tracer, "todo.execute", otelpkg.AttrRoute.String(string(route)))
	reply, err := o.execute(ctx, h, input)
	span.End()
	if err != nil {
		return o.fail(ctx, m, fmt.Errorf("%s: %w", route, err))
	}

	if err := m.advance(StateResponding); err != nil {
		return o.fail(ctx, m, err)
	}
	return Result{Reply: reply}
}

func (o *Orchestrator) checkGuardrail(ctx context.Context, text string) Decision {
	ctx, span := otelpkg.StartSpan(ctx, o.tracer, "todo.guardrail")
	defer span.End()
	d := o.guard.Check(ctx, text)
	span.SetAttributes(attribute.Bool("todo.guardrail.allow", d.Allow))
	return d
}

func (o *Orchestrator) route(ctx context.Context, text string) (Route, error) {
	ctx, span := otelpkg.StartSpan(ctx, o.tracer, "todo.route")
	defer span.End()
	r, err := o.router.Route(ctx, text)
	if err == nil {
		span.SetAttributes(otelpkg.AttrRoute.String(string(r)))
	}
	return r, err
}

// fail moves m to FAILED. The caller only ever sees FailureMessage.
func (o *Orchestrator) fail(ctx context.Context, m *machine, err error) Result {
	from := m.state
	if advErr := m.advance(StateFailed); advErr != nil {
		m.state = StateFailed
	}
	o.logger.ErrorContext(ctx, "request failed",
		"from_state", from,
		"route", m.route,
		"class", engine.ClassifyError(err),
		"error", err,
	)
	return Result{Reply: FailureMessage, Err: err}
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	const limit = 120
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + "..."
}
