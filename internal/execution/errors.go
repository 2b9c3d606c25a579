package execution

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/host"
)

// Stages of a session, as reported by SandboxError.
const (
	StageInput       = "input"
	StageLoad        = "load"
	StageInstantiate = "instantiate"
	StageExecute     = "execute"
	StageOutput      = "output"
)

// SandboxError is the single error type returned by Execute. The cause
// is a *host.Throwable, a *loader.RejectionError, a context error or an
// infrastructure error.
type SandboxError struct {
	SessionID string
	Entry     string
	Stage     string
	Cause     error
	// Violation is set when a threshold was crossed during the session.
	Violation *costing.ThresholdViolation
	Summary   *Summary
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Entry, e.Cause)
}

func (e *SandboxError) Unwrap() []error {
	if e.Violation != nil {
		return []error{e.Cause, e.Violation}
	}
	return []error{e.Cause}
}

// Throwable returns the throwable that escaped sandboxed code, if any.
func (e *SandboxError) Throwable() (*host.Throwable, bool) {
	var t *host.Throwable
	ok := errors.As(e.Cause, &t)
	return t, ok
}

// Chain renders the cause with every wrapped throwable, one per line.
func (e *SandboxError) Chain() string {
	t, ok := e.Throwable()
	if !ok {
		return e.Error()
	}
	var b strings.Builder
	b.WriteString(t.Error())
	for c := t.Cause(); c != nil; c = c.Cause() {
		b.WriteString("\ncaused by: ")
		b.WriteString(c.Error())
	}
	return b.String()
}
