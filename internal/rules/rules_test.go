package rules

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/detsandbox/internal/analysis"
	"github.com/jkaninda/detsandbox/internal/classpath"
	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/messages"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// analyze runs the default rules over a single assembled class.
func analyze(t *testing.T, src string) *messages.Collection {
	t.Helper()
	classes, err := ir.AssembleString(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	cfg := analysis.NewConfiguration(analysis.Options{
		Source: classpath.FromClasses(classes...),
		Rules:  Default(),
	})
	ctx := analysis.NewContext()
	if err := analysis.New(cfg, discardLogger()).Analyze(classes[0].Name, ctx); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return ctx.Messages
}

func find(c *messages.Collection, sev messages.Severity, text string) bool {
	for _, m := range c.Messages() {
		if m.Severity == sev && strings.Contains(m.Text, text) {
			return true
		}
	}
	return false
}

func TestRules(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		severity messages.Severity
		text     string
	}{
		{
			name: "catching thread death",
			src: `
class: app/Catcher
methods:
  - name: run
    desc: ()V
    access: [static]
    handlers:
      - start end handler lang/ThreadDeath
    code: |
      start:
      INVOKESTATIC app/Catcher.run:()V
      end:
      RETURN
      handler:
      POP
      RETURN
`,
			severity: messages.Error,
			text:     "Disallowed catch of lang/ThreadDeath",
		},
		{
			name: "catching threshold violations",
			src: `
class: app/Catcher
methods:
  - name: run
    desc: ()V
    access: [static]
    handlers:
      - start end handler sandbox/runtime/ThresholdViolationError
    code: |
      start:
      INVOKESTATIC app/Catcher.run:()V
      end:
      RETURN
      handler:
      POP
      RETURN
`,
			severity: messages.Error,
			text:     "Disallowed catch of sandbox/runtime/ThresholdViolationError",
		},
		{
			name: "dynamic invocation",
			src: `
class: app/Dynamic
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      INVOKEDYNAMIC make:()Llang/Runnable;
      POP
      RETURN
`,
			severity: messages.Error,
			text:     "Disallowed dynamic invocation",
		},
		{
			name: "breakpoint",
			src: `
class: app/Debug
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      BREAKPOINT
      RETURN
`,
			severity: messages.Error,
			text:     "Disallowed breakpoint",
		},
		{
			name: "sandbox namespace",
			src: `
class: app/Sneaky
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      INVOKESTATIC sandbox/app/Other.run:()V
      RETURN
`,
			severity: messages.Error,
			text:     "Access to sandbox namespace is not allowed; sandbox/app/Other",
		},
		{
			name:     "class in sandbox namespace",
			src:      "class: sandbox/app/Fake\n",
			severity: messages.Error,
			text:     "Cannot load class explicitly defined in the sandbox namespace",
		},
		{
			name: "reflection",
			src: `
class: app/Mirror
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      NEW lang/reflect/Method
      POP
      RETURN
`,
			severity: messages.Error,
			text:     "Disallowed reference to reflection API; lang/reflect/Method",
		},
		{
			name: "threading",
			src: `
class: app/Spawner
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      NEW lang/Thread
      INVOKEVIRTUAL lang/Thread.start:()V
      RETURN
`,
			severity: messages.Error,
			text:     "Disallowed reference to threading API; lang/Thread",
		},
		{
			name:     "extending thread",
			src:      "class: app/Worker\nsuper: lang/Thread\n",
			severity: messages.Error,
			text:     "Disallowed extension of threading API",
		},
		{
			name: "synchronized method",
			src: `
class: app/Locked
methods:
  - name: run
    desc: ()V
    access: [synchronized]
    code: |
      RETURN
`,
			severity: messages.Warning,
			text:     "Synchronization specifier will be ignored",
		},
		{
			name: "monitor",
			src: `
class: app/Locked
methods:
  - name: run
    desc: ()V
    code: |
      LOAD 0
      MONITORENTER
      LOAD 0
      MONITOREXIT
      RETURN
`,
			severity: messages.Warning,
			text:     "Stripped monitoring instruction MONITORENTER",
		},
		{
			name: "strict floating point",
			src: `
class: app/Maths
methods:
  - name: half
    desc: (D)D
    access: [static]
    code: |
      LOAD 0
      CONST 2.0
      DIV
      VRETURN
`,
			severity: messages.Informational,
			text:     "Strict floating-point arithmetic",
		},
		{
			name: "native method",
			src: `
class: app/Native
methods:
  - name: peek
    desc: ()I
    access: [native]
`,
			severity: messages.Warning,
			text:     "Native method will be replaced",
		},
		{
			name: "finalizer",
			src: `
class: app/Final
methods:
  - name: finalize
    desc: ()V
    code: |
      RETURN
`,
			severity: messages.Warning,
			text:     "Finalizer will never run",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := analyze(t, tt.src)
			if !find(msgs, tt.severity, tt.text) {
				t.Errorf("expected %s %q, got %v", tt.severity, tt.text, msgs.Messages())
			}
		})
	}
}

func TestCatchingGenericThrowablesIsAllowed(t *testing.T) {
	msgs := analyze(t, `
class: app/Careful
methods:
  - name: run
    desc: ()V
    access: [static, strict]
    handlers:
      - start end error lang/Error
      - start end any
      - empty empty thread lang/ThreadDeath
    code: |
      start:
      INVOKESTATIC app/Careful.run:()V
      end:
      RETURN
      error:
      POP
      RETURN
      any:
      POP
      RETURN
      empty:
      thread:
      POP
      RETURN
`)
	if msgs.HasErrors() {
		t.Errorf("expected no errors, got %v", msgs.Messages())
	}
}

func TestDefaultOrder(t *testing.T) {
	names := make([]string, 0)
	for _, r := range Default() {
		names = append(names, r.Name())
	}
	if names[0] != "DisallowCatchingBlacklistedExceptions" || names[len(names)-1] != "DisallowFinalizers" || len(names) != 11 {
		t.Errorf("unexpected rule order %v", names)
	}
}
