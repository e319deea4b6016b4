package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/todo-agent/internal/config"
)

// quota is one client's allowance: credits refill continuously at the
// limiter's rate and never exceed its burst.
type quota struct {
	credits float64
	updated time.Time
}

func (q *quota) refill(now time.Time, perSecond, burst float64) {
	q.credits = math.Min(burst, q.credits+now.Sub(q.updated).Seconds()*perSecond)
	q.updated = now
}

// RateLimiter keeps a quota per client key ("ws:<session>" or "http:<ip>").
// A zero requests_per_minute disables it. Limits can change at runtime via
// Reconfigure; existing quotas keep their credits, capped to the new burst.
type RateLimiter struct {
	mu        sync.Mutex
	quotas    map[string]*quota
	perSecond float64
	burst     float64
	now       func() time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{quotas: map[string]*quota{}, now: time.Now}
	rl.Reconfigure(cfg)
	return rl
}

// Reconfigure swaps the limits. Disabling drops every tracked quota.
func (rl *RateLimiter) Reconfigure(cfg config.RateLimitConfig) {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.perSecond = float64(max(cfg.RequestsPerMinute, 0)) / 60
	rl.burst = float64(burst)
	if rl.perSecond == 0 {
		clear(rl.quotas)
	}
}

// Enabled reports whether limits are enforced.
func (rl *RateLimiter) Enabled() bool {
	if rl == nil {
		return false
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.perSecond > 0
}

// Allow spends one credit for key. It always succeeds when disabled.
func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.take(key)
	return ok
}

// take spends a credit for key, or reports how long until one is available.
func (rl *RateLimiter) take(key string) (bool, time.Duration) {
	if rl == nil {
		return true, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.perSecond == 0 {
		return true, 0
	}
	now := rl.now()
	q, ok := rl.quotas[key]
	if !ok {
		q = &quota{credits: rl.burst, updated: now}
		rl.quotas[key] = q
	}
	q.refill(now, rl.perSecond, rl.burst)
	if q.credits >= 1 {
		q.credits--
		return true, 0
	}
	wait := time.Duration((1 - q.credits) / rl.perSecond * float64(time.Second))
	return false, wait
}

// Forget drops key's quota, e.g. when a connection closes.
func (rl *RateLimiter) Forget(key string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.quotas, key)
}

// StartEviction sweeps idle quotas every interval until ctx ends.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rl.EvictStale(maxAge); n > 0 {
					slog.Debug("rate limiter sweep", "evicted", n)
				}
			}
		}
	}()
}

// EvictStale removes quotas untouched for maxAge and returns how many went.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxAge)
	n := 0
	for key, q := range rl.quotas {
		if q.updated.Before(cutoff) {
			delete(rl.quotas, key)
			n++
		}
	}
	return n
}

// Tracked returns the number of live quotas.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.quotas)
}

// Wrap limits HTTP requests per remote IP. /healthz, /metrics and /ws are
// exempt; WebSocket requests are limited per connection instead.
func (rl *RateLimiter) Wrap(next http.Handler, onReject func(*http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/metrics", "/ws":
			next.ServeHTTP(w, r)
			return
		}
		ok, wait := rl.take("http:" + remoteIP(r))
		if !ok {
			if onReject != nil {
				onReject(r)
			}
			secs := max(int(math.Ceil(wait.Seconds())), 1)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": MsgRateLimited})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
