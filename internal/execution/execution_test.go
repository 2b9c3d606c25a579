package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/detsandbox/internal/analysis"
	"github.com/jkaninda/detsandbox/internal/classpath"
	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/host"
	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/loader"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const ctor = `
  - name: <init>
    desc: ()V
    access: [public]
    code: |
      LOAD 0
      INVOKESPECIAL lang/Object.<init>:()V
      RETURN`

const units = `
class: app/Increment
interfaces: [lang/Function]
methods:` + ctor + `
  - name: apply
    desc: (Llang/Object;)Llang/Object;
    access: [public]
    code: |
      LOAD 1
      CHECKCAST lang/Integer
      INVOKEVIRTUAL lang/Integer.intValue:()I
      CONST 1
      ADD
      INVOKESTATIC lang/Integer.valueOf:(I)Llang/Integer;
      VRETURN
---
class: app/Spin
interfaces: [lang/Function]
methods:` + ctor + `
  - name: apply
    desc: (Llang/Object;)Llang/Object;
    access: [public]
    code: |
      loop:
      GOTO loop
---
class: app/Hasher
interfaces: [lang/Function]
methods:` + ctor + `
  - name: apply
    desc: (Llang/Object;)Llang/Object;
    access: [public]
    code: |
      NEW lang/Object
      DUP
      INVOKESPECIAL lang/Object.<init>:()V
      INVOKEVIRTUAL lang/Object.hashCode:()I
      INVOKESTATIC lang/Integer.valueOf:(I)Llang/Integer;
      VRETURN
---
class: app/Divide
interfaces: [lang/Function]
methods:` + ctor + `
  - name: apply
    desc: (Llang/Object;)Llang/Object;
    access: [public]
    code: |
      CONST 1
      CONST 0
      DIV
      INVOKESTATIC lang/Integer.valueOf:(I)Llang/Integer;
      VRETURN
---
class: app/Deep
interfaces: [lang/Function]
methods:` + ctor + `
  - name: apply
    desc: (Llang/Object;)Llang/Object;
    access: [public]
    code: |
      LOAD 0
      LOAD 1
      INVOKEVIRTUAL app/Deep.apply:(Llang/Object;)Llang/Object;
      VRETURN
---
class: app/Sneaky
interfaces: [lang/Function]
methods:` + ctor + `
  - name: apply
    desc: (Llang/Object;)Llang/Object;
    access: [public]
    handlers:
      - start end handler lang/ThreadDeath
    code: |
      start:
      LOAD 0
      LOAD 1
      INVOKEVIRTUAL app/Sneaky.apply:(Llang/Object;)Llang/Object;
      end:
      VRETURN
      handler:
      POP
      CONST null
      VRETURN
---
class: app/CatchAll
interfaces: [lang/Function]
methods:` + ctor + `
  - name: apply
    desc: (Llang/Object;)Llang/Object;
    access: [public]
    handlers:
      - start end handler lang/Throwable
    code: |
      start:
      GOTO start
      end:
      handler:
      POP
      CONST null
      VRETURN
---
class: app/CatchError
interfaces: [lang/Function]
methods:` + ctor + `
  - name: apply
    desc: (Llang/Object;)Llang/Object;
    access: [public]
    handlers:
      - start end handler lang/Error
    code: |
      start:
      GOTO start
      end:
      handler:
      POP
      CONST null
      VRETURN
---
class: app/Plain
methods:` + ctor + `
`

func newExecutor(t *testing.T, opts Options) *Executor {
	t.Helper()
	classes, err := ir.AssembleString(units)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	cfg := Configure(analysis.Options{Source: classpath.FromClasses(classes...)})
	return New(cfg, opts, discardLogger())
}

func TestRun(t *testing.T) {
	e := newExecutor(t, Options{Profile: costing.DefaultProfile})
	s, err := e.Run(context.Background(), "app/Increment", 41)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Output != int64(42) {
		t.Errorf("output = %v, want 42", s.Output)
	}
	if s.SessionID == "" || s.Costs.Invocations == 0 || s.Classes.Defined == 0 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestSessionsAreReproducible(t *testing.T) {
	e := newExecutor(t, Options{Profile: costing.DefaultProfile})
	first, err := e.Run(context.Background(), "app/Hasher", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second, err := e.Run(context.Background(), "app/Hasher", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first.Output != second.Output || first.Costs != second.Costs {
		t.Errorf("sessions differ: %+v vs %+v", first, second)
	}
	if first.Output != int64(0xfedc0de+1) {
		t.Errorf("identity hash = %v, want the first value of the sequence", first.Output)
	}
	if first.SessionID == second.SessionID {
		t.Error("expected a fresh session ID per run")
	}
}

type sessionRecorder struct {
	sessions map[string]int
}

func (r *sessionRecorder) Decided(ctx context.Context, d loader.Decision) {
	r.sessions[SessionID(ctx)]++
}

func TestListenersSeeSessionID(t *testing.T) {
	rec := &sessionRecorder{sessions: map[string]int{}}
	e := newExecutor(t, Options{Profile: costing.DefaultProfile, Listeners: []loader.Listener{rec}})
	s, err := e.Run(context.Background(), "app/Increment", 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.sessions) != 1 || rec.sessions[s.SessionID] == 0 {
		t.Errorf("decisions by session = %v, want all under %s", rec.sessions, s.SessionID)
	}
}

func TestThresholdViolation(t *testing.T) {
	e := newExecutor(t, Options{Profile: costing.Profile{Name: "tight", Thresholds: costing.Thresholds{Jumps: 100}}})
	_, err := e.Run(context.Background(), "app/Spin", nil)

	var serr *SandboxError
	if !errors.As(err, &serr) {
		t.Fatalf("expected a SandboxError, got %v", err)
	}
	if !errors.Is(err, costing.ErrThresholdExceeded) {
		t.Errorf("expected ErrThresholdExceeded, got %v", err)
	}
	thr, ok := serr.Throwable()
	if !ok || thr.ClassName() != host.ThresholdViolationError {
		t.Fatalf("expected a threshold violation throwable, got %v", serr.Cause)
	}
	if thr.Message() != "Terminated due to excessive use of looping" {
		t.Errorf("unexpected message %q", thr.Message())
	}
	if serr.Stage != StageExecute || serr.Summary.Costs.Jumps != 101 {
		t.Errorf("stage = %s, costs = %s", serr.Stage, serr.Summary.Costs)
	}
}

func TestGenericHandlersCannotSuppressViolations(t *testing.T) {
	for _, entry := range []string{"app/CatchAll", "app/CatchError"} {
		t.Run(entry, func(t *testing.T) {
			e := newExecutor(t, Options{Profile: costing.Profile{Name: "tight", Thresholds: costing.Thresholds{Jumps: 50}}})
			_, err := e.Run(context.Background(), entry, nil)
			if !errors.Is(err, costing.ErrThresholdExceeded) {
				t.Fatalf("expected ErrThresholdExceeded, got %v", err)
			}
			var serr *SandboxError
			if !errors.As(err, &serr) || serr.Stage != StageExecute {
				t.Fatalf("expected an execute-stage SandboxError, got %v", err)
			}
			thr, ok := serr.Throwable()
			if !ok || thr.ClassName() != host.ThresholdViolationError {
				t.Errorf("expected a threshold violation throwable, got %v", serr.Cause)
			}
		})
	}
}

func TestRequestLimitsOverrideDefaults(t *testing.T) {
	e := newExecutor(t, Options{Profile: costing.UnlimitedProfile})
	_, err := e.Execute(context.Background(), ExecutionRequest{
		Entry:  "app/Spin",
		Limits: ResourceLimits{Thresholds: costing.Thresholds{Jumps: 10}},
	})
	if !errors.Is(err, costing.ErrThresholdExceeded) {
		t.Fatalf("expected ErrThresholdExceeded, got %v", err)
	}
}

func TestFailures(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		opts  Options
		stage string
		check func(t *testing.T, err error)
	}{
		{
			name:  "uncaught exception",
			entry: "app/Divide",
			stage: StageExecute,
			check: func(t *testing.T, err error) {
				var thr *host.Throwable
				if !errors.As(err, &thr) || thr.ClassName() != "lang/ArithmeticException" {
					t.Errorf("expected lang/ArithmeticException, got %v", err)
				}
			},
		},
		{
			name:  "stack overflow",
			entry: "app/Deep",
			opts:  Options{MaxDepth: 50},
			stage: StageExecute,
			check: func(t *testing.T, err error) {
				var thr *host.Throwable
				if !errors.As(err, &thr) || thr.ClassName() != "lang/StackOverflowError" {
					t.Errorf("expected lang/StackOverflowError, got %v", err)
				}
			},
		},
		{
			name:  "disallowed catch",
			entry: "app/Sneaky",
			stage: StageLoad,
			check: func(t *testing.T, err error) {
				var rej *loader.RejectionError
				if !errors.As(err, &rej) || !rej.Messages.HasErrors() {
					t.Errorf("expected a rejection, got %v", err)
				}
			},
		},
		{
			name:  "not a function",
			entry: "app/Plain",
			stage: StageLoad,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrNotFunction) {
					t.Errorf("expected ErrNotFunction, got %v", err)
				}
			},
		},
		{
			name:  "missing entry",
			entry: "app/Nowhere",
			stage: StageLoad,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, host.ErrClassNotFound) {
					t.Errorf("expected ErrClassNotFound, got %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExecutor(t, tt.opts)
			_, err := e.Run(context.Background(), tt.entry, nil)
			var serr *SandboxError
			if !errors.As(err, &serr) {
				t.Fatalf("expected a SandboxError, got %v", err)
			}
			if serr.Stage != tt.stage {
				t.Errorf("stage = %s, want %s", serr.Stage, tt.stage)
			}
			tt.check(t, err)
		})
	}
}

func TestCancelledContext(t *testing.T) {
	e := newExecutor(t, Options{Profile: costing.UnlimitedProfile})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, "app/Spin", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestValues(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{true, int64(1)},
		{7, int64(7)},
		{2.5, 2.5},
		{"text", "text"},
		{[]any{1, "a"}, []any{int64(1), "a"}},
	}
	rt := host.NewRuntime(host.Options{Logger: discardLogger()})
	for _, tt := range tests {
		v, err := ToValue(tt.in)
		if err != nil {
			t.Fatalf("ToValue(%v): %v", tt.in, err)
		}
		got, err := FromValue(context.Background(), rt, v)
		if err != nil {
			t.Fatalf("FromValue(%v): %v", v, err)
		}
		if want, ok := tt.want.([]any); ok {
			arr, _ := got.([]any)
			if len(arr) != len(want) || arr[0] != want[0] || arr[1] != want[1] {
				t.Errorf("round trip of %v = %v", tt.in, got)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("round trip of %v = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ToValue(struct{}{}); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("expected ErrUnsupportedValue, got %v", err)
	}
}
