package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/todo-agent/internal/shared"
)

// Decisions recorded in the trail.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Entry is one audit record.
type Entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

// Sink persists entries next to the JSONL file, typically the audit_log table.
type Sink interface {
	AppendAudit(ctx context.Context, e Entry) error
}

var (
	mu        sync.Mutex
	file      *os.File
	sink      Sink
	denyCount atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl for appending.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetSink configures the secondary destination. nil disables it.
func SetSink(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	sink = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends a decision. Failures to write are swallowed; auditing never
// fails a request. Denials go to the JSONL file only: a refused request must
// not reach the store, so the sink sees allow decisions alone.
func Record(ctx context.Context, decision, action, reason, subject string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}

	ev := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   shared.TraceID(ctx),
		Decision:  decision,
		Action:    action,
		Reason:    shared.Redact(reason),
		Subject:   shared.Redact(subject),
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	if sink != nil && decision != DecisionDeny {
		_ = sink.AppendAudit(context.WithoutCancel(ctx), ev)
	}
}
