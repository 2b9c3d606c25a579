package validation

import (
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/jkaninda/detsandbox/internal/analysis"
	"github.com/jkaninda/detsandbox/internal/classpath"
	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/messages"
	"github.com/jkaninda/detsandbox/internal/whitelist"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const units = `
class: app/Clean
methods:
  - name: run
    desc: ()I
    access: [static]
    code: |
      NEW app/Clean
      DUP
      INVOKESPECIAL lang/Object.<init>:()V
      INVOKEVIRTUAL app/Clean.hashCode:()I
      VRETURN
---
class: app/Builder
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      LINE 3
      NEW lang/StringBuilder
      POP
      LINE 4
      NEW lang/StringBuilder
      POP
      RETURN
---
class: app/Broken
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      INVOKESTATIC app/Missing.go:()V
      INVOKESTATIC app/Clean.nothing:()V
      GETSTATIC app/Clean.count:I
      POP
      RETURN
---
class: app/Clock
methods:
  - name: now
    desc: ()I
    access: [static]
    code: |
      INVOKESTATIC lang/System.nanoTime:()I
      VRETURN
---
class: app/Dice
methods:
  - name: roll
    desc: ()D
    access: [static]
    code: |
      INVOKESTATIC lang/Math.random:()D
      VRETURN
---
class: app/Shady
annotations: [lang/annotation/NonDeterministic]
---
class: app/UsesShady
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      NEW app/Shady
      POP
      NEW lang/Secret
      POP
      RETURN
---
class: app/Caller
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      INVOKESTATIC app/Broken.run:()V
      RETURN
---
class: app/Ping
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      INVOKESTATIC app/Pong.run:()V
      RETURN
---
class: app/Pong
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      INVOKESTATIC app/Ping.run:()V
      INVOKESTATIC app/Missing.go:()V
      RETURN
`

func validate(t *testing.T, wl *whitelist.Whitelist, class string) (*analysis.Context, *Result) {
	t.Helper()
	classes, err := ir.AssembleString(units)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	a := analysis.New(analysis.NewConfiguration(analysis.Options{
		Whitelist: wl,
		Source:    classpath.FromClasses(classes...),
	}), discardLogger())
	ctx := analysis.NewContext()
	if err := a.Analyze(class, ctx); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	res, err := New(a, discardLogger()).Validate(ctx)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return ctx, res
}

func reasons(ctx *analysis.Context) map[string]messages.ReasonKind {
	out := make(map[string]messages.ReasonKind)
	for _, m := range ctx.Messages.Messages() {
		out[m.Text] = m.Reason.Kind
	}
	return out
}

func TestCleanClass(t *testing.T) {
	ctx, res := validate(t, whitelist.Default(), "app/Clean")
	if ctx.Messages.HasErrors() {
		t.Errorf("expected no errors, got %v", ctx.Messages.Messages())
	}
	if res.References == 0 || len(res.Rejected) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestReasons(t *testing.T) {
	broad, err := whitelist.New("broad", slices.Concat(whitelist.Default().Patterns(), []string{"lang/Math.*"})...)
	if err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	tests := []struct {
		name  string
		wl    *whitelist.Whitelist
		class string
		text  string
		kind  messages.ReasonKind
	}{
		{"missing class", whitelist.Default(), "app/Broken", "invalid reference to class app/Missing, class does not exist", messages.NonExistentClass},
		{"missing method", whitelist.Default(), "app/Broken", "invalid reference to method app/Clean.nothing:()V, member does not exist", messages.NonExistentMember},
		{"missing field", whitelist.Default(), "app/Broken", "invalid reference to field app/Clean.count:I, member does not exist", messages.NonExistentMember},
		{"platform class outside the whitelist", whitelist.Minimal(), "app/Builder", "invalid reference to class lang/StringBuilder, not whitelisted", messages.NotWhitelisted},
		{"unknown class in a covered namespace", whitelist.Default(), "app/UsesShady", "invalid reference to class lang/Secret, not whitelisted", messages.NotWhitelisted},
		{"annotated method", whitelist.Default(), "app/Clock", "invalid reference to method lang/System.nanoTime:()I, annotated as non-deterministic", messages.Annotated},
		{"annotated method outside the whitelist", whitelist.Default(), "app/Dice", "invalid reference to method lang/Math.random:()D, annotated as non-deterministic", messages.Annotated},
		{"annotated method admitted by pattern", broad, "app/Dice", "invalid reference to method lang/Math.random:()D, annotated as non-deterministic", messages.Annotated},
		{"annotated class", whitelist.Default(), "app/UsesShady", "invalid reference to class app/Shady, annotated as non-deterministic", messages.Annotated},
		{"invalid class", whitelist.Default(), "app/Caller", "invalid reference to class app/Broken, invalid class; app/Broken", messages.InvalidClass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, _ := validate(t, tt.wl, tt.class)
			got, ok := reasons(ctx)[tt.text]
			if !ok {
				t.Fatalf("missing message %q in %v", tt.text, ctx.Messages.Messages())
			}
			if got != tt.kind {
				t.Errorf("reason = %s, want %s", got, tt.kind)
			}
		})
	}
}

func TestErrorAtEveryLocation(t *testing.T) {
	ctx, _ := validate(t, whitelist.Minimal(), "app/Builder")
	var lines []int
	for _, m := range ctx.Messages.Messages() {
		if m.Reason.Kind == messages.NotWhitelisted && m.Text == "invalid reference to class lang/StringBuilder, not whitelisted" {
			lines = append(lines, m.Location.Line)
		}
	}
	slices.Sort(lines)
	if !slices.Equal(lines, []int{3, 4}) {
		t.Errorf("expected errors at lines 3 and 4, got %v", lines)
	}
}

func TestReferenceCycle(t *testing.T) {
	ctx, res := validate(t, whitelist.Default(), "app/Ping")
	r, ok := res.Rejected["app/Pong"]
	if !ok || r.Kind != messages.InvalidClass || !slices.Equal(r.Classes, []string{"app/Pong"}) {
		t.Errorf("expected app/Pong to be an invalid class, got %+v", r)
	}
	if !ctx.Messages.ClassHasErrors("app/Ping") || !ctx.Messages.ClassHasErrors("app/Pong") {
		t.Errorf("expected errors in both classes, got %v", ctx.Messages.Messages())
	}
}

func TestEverythingWhitelisted(t *testing.T) {
	ctx, _ := validate(t, whitelist.Everything(), "app/Broken")
	if ctx.Messages.HasErrors() {
		t.Errorf("the ALL whitelist accepts every reference, got %v", ctx.Messages.Messages())
	}
}
