// Package gateway is the real-time transport: a WebSocket event channel
// (ask_agent -> agent_response) plus a small HTTP API over the same
// orchestrator entry point.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/todo-agent/internal/agent"
	"github.com/basket/todo-agent/internal/audit"
	"github.com/basket/todo-agent/internal/bus"
	"github.com/basket/todo-agent/internal/config"
	"github.com/basket/todo-agent/internal/otel"
	"github.com/basket/todo-agent/internal/persistence"
	"github.com/basket/todo-agent/internal/shared"
	"github.com/basket/todo-agent/internal/tools"
)

// Event names on the WebSocket.
const (
	EventConnectionResponse = "connection_response"
	EventMessage            = "message"
	EventMessageResponse    = "message_response"
	EventAskAgent           = "ask_agent"
	EventAgentResponse      = "agent_response"
	EventTodosChanged       = "todos_changed"
	EventError              = "error"
)

const (
	MsgConnected   = "Connected successfully"
	MsgNoMessage   = "No message provided"
	MsgRateLimited = "Too many requests, please slow down."

	maxBodyBytes = 64 << 10
)

// Asker runs one request through the pipeline.
type Asker interface {
	Run(ctx context.Context, text string) agent.Result
}

// TodoReader is the read-only store surface the HTTP API needs.
type TodoReader interface {
	ListAll(ctx context.Context) ([]persistence.Task, error)
	Ping(ctx context.Context) error
}

type Config struct {
	Agent Asker
	Store TodoReader
	Bus   *bus.Bus // nil disables todos_changed broadcasts

	// AllowOrigins lists accepted Origin hosts for browsers; "*" accepts any.
	AllowOrigins []string
	RateLimit    config.RateLimitConfig

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	Metrics *otel.Metrics
	// MetricsSnapshot backs GET /metrics; nil answers 404.
	MetricsSnapshot func(context.Context) (map[string]float64, error)
	Logger  *slog.Logger
}

type Server struct {
	cfg     Config
	limiter *RateLimiter
	logger  *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// inbound is a client frame. Message is left untyped so a non-string value
// is treated like a missing one.
type inbound struct {
	Event   string          `json:"event"`
	ID      json.RawMessage `json:"id,omitempty"`
	Message any             `json:"message,omitempty"`
	Data    any             `json:"data,omitempty"`
}

type outbound struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  any             `json:"data"`
}

type todosChanged struct {
	Op  string  `json:"op"`
	IDs []int64 `json:"ids"`
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	return &Server{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger.With("component", "gateway"),
		clients: map[*client]struct{}{},
	}
}

// Start runs the background work: change broadcasts and rate-limit bucket
// eviction. It returns immediately; everything stops with ctx.
func (s *Server) Start(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	if s.cfg.Bus == nil {
		return
	}
	sub := s.cfg.Bus.Subscribe()
	go func() {
		defer s.cfg.Bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-sub.C():
				if !ok {
					return
				}
				s.broadcast(ctx, outbound{
					Event: EventTodosChanged,
					Data:  todosChanged{Op: string(change.Op), IDs: change.IDs},
				})
			}
		}
	}()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	// WebSocket connections are long-lived; only request/response routes get
	// server spans.
	mux.Handle("/api/todos", otelhttp.NewHandler(http.HandlerFunc(s.handleAPITodos), "GET /api/todos"))
	mux.Handle("/api/ask", otelhttp.NewHandler(http.HandlerFunc(s.handleAPIAsk), "POST /api/ask"))

	limited := s.limiter.Wrap(mux, func(r *http.Request) {
		s.cfg.Metrics.RateLimitRejects.Add(r.Context(), 1, metric.WithAttributes(attribute.String("transport", "http")))
	})
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         3600,
	}).Handler(limited)
}

// SetRateLimit applies new limits to both transports immediately.
func (s *Server) SetRateLimit(cfg config.RateLimitConfig) {
	s.limiter.Reconfigure(cfg)
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := s.cfg.Store.Ping(ctx) == nil

	payload := map[string]any{
		"healthy":           dbOK,
		"db_ok":             dbOK,
		"clients":           s.ClientCount(),
		"guardrail_denials": audit.DenyCount(),
		"config":            s.cfg.ConfigFingerprint,
	}
	if s.cfg.Bus != nil {
		payload["dropped_changes"] = s.cfg.Bus.Dropped()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MetricsSnapshot == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.cfg.MetricsSnapshot(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "metrics snapshot failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAPITodos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks, err := s.cfg.Store.ListAll(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list todos failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": tools.MsgCannotList})
		return
	}
	writeJSON(w, http.StatusOK, tools.Views(tasks))
}

func (s *Server) handleAPIAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Message any `json:"message"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"data": MsgNoMessage})
		return
	}
	text, ok := messageText(body.Message)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"data": MsgNoMessage})
		return
	}
	ctx := shared.WithChannel(r.Context(), "http")
	res := s.cfg.Agent.Run(ctx, text)
	w.Header().Set("X-Trace-Id", res.TraceID)
	writeJSON(w, http.StatusOK, map[string]string{"data": res.Reply})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected", "session_id", c.id)

	ctx, cancel := context.WithCancel(r.Context())
	ctx = shared.WithSessionID(shared.WithChannel(ctx, "websocket"), c.id)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		s.removeClient(c)
		s.limiter.Forget("ws:" + c.id)
		s.logger.Info("ws: client disconnected", "session_id", c.id)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	if err := c.write(ctx, outbound{Event: EventConnectionResponse, Data: MsgConnected}); err != nil {
		return
	}

	for {
		var in inbound
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Warn("ws: read error, closing", "session_id", c.id, "error", err)
			}
			return
		}
		switch in.Event {
		case EventMessage:
			payload := in.Message
			if payload == nil {
				payload = in.Data
			}
			s.reply(ctx, c, outbound{Event: EventMessageResponse, ID: in.ID, Data: "Server received: " + describe(payload)})
		case EventAskAgent:
			text, ok := messageText(in.Message)
			if !ok {
				s.reply(ctx, c, outbound{Event: EventAgentResponse, ID: in.ID, Data: MsgNoMessage})
				continue
			}
			if !s.limiter.Allow("ws:" + c.id) {
				s.cfg.Metrics.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", "websocket")))
				s.reply(ctx, c, outbound{Event: EventAgentResponse, ID: in.ID, Data: MsgRateLimited})
				continue
			}
			inflight.Add(1)
			go func(id json.RawMessage) {
				defer inflight.Done()
				res := s.cfg.Agent.Run(ctx, text)
				s.reply(ctx, c, outbound{Event: EventAgentResponse, ID: id, Data: res.Reply})
			}(in.ID)
		default:
			s.reply(ctx, c, outbound{Event: EventError, ID: in.ID, Data: fmt.Sprintf("unknown event %q", in.Event)})
		}
	}
}

func (s *Server) reply(ctx context.Context, c *client, out outbound) {
	if err := c.write(ctx, out); err != nil && ctx.Err() == nil {
		s.logger.Warn("ws: write failed", "session_id", c.id, "event", out.Event, "error", err)
	}
}

func (s *Server) broadcast(ctx context.Context, out outbound) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := c.write(writeCtx, out); err != nil {
			s.logger.Debug("ws: broadcast write failed", "session_id", c.id, "error", err)
		}
		cancel()
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// messageText returns v as a request text. Missing, non-string and blank
// values are rejected.
func messageText(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func describe(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
