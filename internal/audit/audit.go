// Package audit records load decisions and sessions as append-only JSONL.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/execution"
	"github.com/jkaninda/detsandbox/internal/loader"
)

// Actions recorded in the log.
const (
	ActionLoad    = "class.load"
	ActionExecute = "session.execute"
)

// Event is a single entry in the audit log.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	Action    string    `json:"action"`
	// Class is the loaded class or the entry point of a session.
	Class       string           `json:"class"`
	SandboxName string           `json:"sandbox_name,omitempty"`
	Result      string           `json:"result"` // "defined", "rejected", "success", "failure", "threshold_exceeded"
	Trusted     bool             `json:"trusted,omitempty"`
	Modified    bool             `json:"modified,omitempty"`
	Digest      string           `json:"digest,omitempty"`
	Errors      int              `json:"errors,omitempty"`
	Warnings    int              `json:"warnings,omitempty"`
	Stage       string           `json:"stage,omitempty"`
	Costs       *costing.Summary `json:"costs,omitempty"`
	DurationMS  int64            `json:"duration_ms"`
	Error       string           `json:"error,omitempty"`
}

// Logger writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
// Thread-safe: multiple sessions can log concurrently.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewLogger(path string, logger *slog.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Logger{
		file:   f,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Log serializes the event as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *Logger) Log(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("action", event.Action),
		slog.String("class", event.Class),
		slog.String("result", event.Result),
		slog.String("session_id", event.SessionID),
	)
	return nil
}

// Decided implements loader.Listener. Write failures are logged, never
// returned to the loader.
func (a *Logger) Decided(ctx context.Context, d loader.Decision) {
	result := "defined"
	if d.State == loader.Rejected {
		result = "rejected"
	}
	err := a.Log(ctx, Event{
		SessionID:   execution.SessionID(ctx),
		Action:      ActionLoad,
		Class:       d.Class,
		SandboxName: d.SandboxName,
		Result:      result,
		Trusted:     d.Trusted,
		Modified:    d.Modified,
		Digest:      d.Digest,
		Errors:      d.Errors,
		Warnings:    d.Warnings,
		DurationMS:  d.Duration.Milliseconds(),
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "audit write failed", slog.String("class", d.Class), slog.Any("error", err))
	}
}

// RecordSession appends the outcome of a session. summary may be nil
// when err is not a *execution.SandboxError.
func (a *Logger) RecordSession(ctx context.Context, entry string, summary *execution.Summary, err error) error {
	event := Event{
		Action: ActionExecute,
		Class:  entry,
		Result: "success",
	}
	var serr *execution.SandboxError
	if err != nil {
		event.Result = "failure"
		event.Error = err.Error()
		if errors.Is(err, costing.ErrThresholdExceeded) {
			event.Result = "threshold_exceeded"
		}
		if errors.As(err, &serr) {
			event.Stage = serr.Stage
			event.SessionID = serr.SessionID
			summary = serr.Summary
		}
	}
	if summary != nil {
		costs := summary.Costs
		event.SessionID = summary.SessionID
		event.Costs = &costs
		event.DurationMS = summary.Duration.Milliseconds()
	}
	return a.Log(ctx, event)
}

// Close closes the underlying file.
func (a *Logger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// Sandbox records every session of the wrapped sandbox.
type Sandbox struct {
	inner execution.Sandbox
	log   *Logger
}

// Wrap returns inner with its sessions recorded to log.
func Wrap(inner execution.Sandbox, log *Logger) *Sandbox {
	return &Sandbox{inner: inner, log: log}
}

func (s *Sandbox) Execute(ctx context.Context, req execution.ExecutionRequest) (*execution.Summary, error) {
	summary, err := s.inner.Execute(ctx, req)
	if logErr := s.log.RecordSession(ctx, req.Entry, summary, err); logErr != nil {
		s.log.logger.ErrorContext(ctx, "audit write failed", slog.String("entry", req.Entry), slog.Any("error", logErr))
	}
	return summary, err
}

var (
	_ loader.Listener   = (*Logger)(nil)
	_ execution.Sandbox = (*Sandbox)(nil)
)
