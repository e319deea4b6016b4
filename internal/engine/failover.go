package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Named pairs an Engine with the provider name used for breaker tracking.
type Named struct {
	Name   string
	Engine Engine
}

type circuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverEngine tries the primary provider, then each fallback in order,
// skipping providers whose circuit breaker is open.
type FailoverEngine struct {
	candidates []Named
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	breakers  map[string]*circuitBreaker
	threshold int
	cooldown  time.Duration
}

// NewFailoverEngine trips a breaker after threshold consecutive failures and
// closes it again once cooldown has elapsed.
func NewFailoverEngine(primary Named, fallbacks []Named, threshold int, cooldown time.Duration, logger *slog.Logger) *FailoverEngine {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	candidates := append([]Named{primary}, fallbacks...)
	breakers := make(map[string]*circuitBreaker, len(candidates))
	for _, c := range candidates {
		breakers[c.Name] = &circuitBreaker{}
	}
	return &FailoverEngine{
		candidates: candidates,
		logger:     logger,
		now:        time.Now,
		breakers:   breakers,
		threshold:  threshold,
		cooldown:   cooldown,
	}
}

// Complete returns the first successful completion. Context overflow and
// caller cancellation stop the walk: the next provider would fail the same way.
func (f *FailoverEngine) Complete(ctx context.Context, req Request) (*Completion, error) {
	var lastErr error
	for _, c := range f.candidates {
		if f.isTripped(c.Name) {
			f.logger.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}
		out, err := c.Engine.Complete(ctx, req)
		if err == nil {
			f.recordSuccess(c.Name)
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		ec := ClassifyError(err)
		if ec != ErrorClassMalformed {
			f.recordFailure(c.Name)
		}
		f.logger.Warn("failover: provider failed", "provider", c.Name, "error_class", string(ec), "error", err)
		if ec == ErrorClassContextOverflow {
			return nil, fmt.Errorf("failover: context overflow from %s: %w", c.Name, err)
		}
	}
	if lastErr == nil {
		return nil, fmt.Errorf("failover: every provider is tripped: %w", ErrUnavailable)
	}
	if errors.Is(lastErr, ErrUnavailable) {
		return nil, fmt.Errorf("failover: all providers failed: %w", lastErr)
	}
	return nil, fmt.Errorf("failover: all providers failed: %w: %w", ErrUnavailable, lastErr)
}

func (f *FailoverEngine) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if f.now().Sub(cb.lastFailure) >= f.cooldown {
		cb.tripped = false
		cb.failures = 0
		f.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (f *FailoverEngine) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb := f.breakers[name]
	cb.failures++
	cb.lastFailure = f.now()
	if cb.failures >= f.threshold && !cb.tripped {
		cb.tripped = true
		f.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
}

func (f *FailoverEngine) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb := f.breakers[name]
	cb.failures = 0
	cb.tripped = false
}

// Tripped lists providers whose breaker is currently open.
func (f *FailoverEngine) Tripped() []string {
	var out []string
	for _, c := range f.candidates {
		if f.isTripped(c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}
