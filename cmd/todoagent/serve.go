package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/todo-agent/internal/channels"
	"github.com/basket/todo-agent/internal/config"
	"github.com/basket/todo-agent/internal/gateway"
	"github.com/basket/todo-agent/internal/tui"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket/HTTP gateway (and Telegram when enabled)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), false)
		},
	}
}

// runServe runs the gateway until ctx ends. With interactive set the chat
// runs on the terminal too, and closing it stops the process.
func runServe(ctx context.Context, interactive bool) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	a, err := bootstrap(ctx, interactive)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	cfg := a.cfg

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && containsWildcard(cfg.AllowOrigins) {
			logger.Warn("allow_origins is \"*\" on a non-loopback bind; any web page can reach the gateway", "bind_addr", cfg.BindAddr)
		}
	}

	gw := gateway.New(gateway.Config{
		Agent:             a.agent,
		Store:             a.store,
		Bus:               a.bus,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Metrics:           a.metrics,
		MetricsSnapshot:   a.otel.Snapshot,
		Logger:            logger,
	})
	gw.Start(ctx)

	reloader := config.NewReloader(cfg.HomeDir, logger)
	reloader.OnReload(config.LevelHook(a.level, logger))
	reloader.OnReload(func(next config.Config) { gw.SetRateLimit(next.RateLimit) })
	if err := reloader.Start(ctx); err != nil {
		return startupError(logger, "E_CONFIG_WATCHER_START", err)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Another process is using %s. Stop it first or change bind_addr in config.yaml.", err, cfg.BindAddr)
		}
		return startupError(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				a.agent,
				a.store,
				logger,
				a.bus,
			)
			go channels.Supervise(ctx, tg, channels.DefaultBackoff, logger)
		}
	}

	if interactive {
		go func() {
			if err := tui.RunChat(ctx, tui.ChatConfig{
				Agent:      a.agent,
				Store:      a.store,
				EventBus:   a.bus,
				ModelName:  a.model,
				CancelFunc: stop,
			}); err != nil && ctx.Err() == nil {
				logger.Error("chat exited with error", "error", err)
			}
			stop()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	// Stop intake first; in-flight requests get a bounded drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
