// Package channels connects chat platforms to the todo pipeline.
package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/todo-agent/internal/agent"
)

// Channel is a messaging platform integration.
type Channel interface {
	Name() string
	// Start blocks until ctx ends (nil) or the platform connection fails.
	Start(ctx context.Context) error
}

// Asker runs one request through the todo pipeline.
type Asker interface {
	Run(ctx context.Context, text string) agent.Result
}

// Backoff bounds the delay between restarts of a failed channel.
type Backoff struct {
	Min, Max time.Duration
}

var DefaultBackoff = Backoff{Min: 2 * time.Second, Max: 5 * time.Minute}

// Supervise runs ch until ctx ends, restarting it after failures with a
// doubling delay. The delay resets once a run lasts longer than b.Max.
func Supervise(ctx context.Context, ch Channel, b Backoff, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	delay := b.Min
	for {
		started := time.Now()
		err := ch.Start(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > b.Max {
			delay = b.Min
		}
		logger.Error("channel stopped, restarting", "channel", ch.Name(), "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, b.Max)
	}
}
