package loader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/detsandbox/internal/analysis"
	"github.com/jkaninda/detsandbox/internal/classpath"
	"github.com/jkaninda/detsandbox/internal/host"
	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/messages"
	"github.com/jkaninda/detsandbox/internal/rules"
	"github.com/jkaninda/detsandbox/internal/whitelist"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const units = `
class: app/Adder
methods:
  - name: add
    desc: (II)I
    access: [public, static]
    code: |
      LOAD 0
      INVOKESTATIC app/Util.twice:(I)I
      LOAD 1
      ADD
      VRETURN
---
class: app/Util
methods:
  - name: twice
    desc: (I)I
    access: [public, static]
    code: |
      LOAD 0
      LOAD 0
      ADD
      VRETURN
---
class: app/Sub
super: app/Adder
---
class: app/Bad
methods:
  - name: run
    desc: ()V
    access: [static]
    code: |
      NEW lang/Thread
      POP
      RETURN
---
class: app/Pinned
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
      RETURN
`

type recorder struct {
	decisions []Decision
}

func (r *recorder) Decided(_ context.Context, d Decision) {
	r.decisions = append(r.decisions, d)
}

func newLoader(t *testing.T, wl *whitelist.Whitelist, listeners ...Listener) *Loader {
	t.Helper()
	classes, err := ir.AssembleString(units)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	pinned, err := whitelist.New("pinned", "sandbox/runtime/*", "app/Pinned")
	if err != nil {
		t.Fatalf("pinned: %v", err)
	}
	cfg := analysis.NewConfiguration(analysis.Options{
		Whitelist: wl,
		Pinned:    pinned,
		Source:    classpath.FromClasses(classes...),
		Rules:     rules.Default(),
	})
	rt := host.NewRuntime(host.Options{Logger: discardLogger()})
	return New(cfg, rt, discardLogger(), listeners...)
}

func TestLoadDefinesRewrittenClass(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t, whitelist.Default())

	lc, err := l.Load(ctx, "app/Adder")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lc.SandboxName != "sandbox/app/Adder" || lc.Class.Name != "sandbox/app/Adder" {
		t.Errorf("unexpected sandbox name %q", lc.SandboxName)
	}
	if !lc.ByteCode.IsModified || lc.Trusted {
		t.Errorf("expected a modified untrusted class, got %+v", lc.ByteCode)
	}
	if l.State("app/Adder") != Defined {
		t.Errorf("state = %s, want DEFINED", l.State("app/Adder"))
	}

	m := lc.Class.Method("add", "(II)I")
	if m == nil {
		t.Fatal("add not found on the defined class")
	}
	v, err := l.Runtime().Invoke(ctx, m, int64(3), int64(4))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if v != int64(10) {
		t.Errorf("add(3, 4) = %v, want 10", v)
	}
	// The helper was loaded lazily through the runtime.
	if l.State("app/Util") != Defined {
		t.Errorf("app/Util state = %s, want DEFINED", l.State("app/Util"))
	}
}

func TestLoadIsCached(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t, whitelist.Default())
	first, err := l.Load(ctx, "app/Util")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	second, err := l.Load(ctx, "app/Util")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if first != second {
		t.Error("expected the cached class on the second load")
	}
	if s := l.Stats(); s.Defined != 1 || s.Modified != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestRejection(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	l := newLoader(t, whitelist.Default(), rec)

	_, err := l.Load(ctx, "app/Bad")
	var rej *RejectionError
	if !errors.As(err, &rej) || !errors.Is(err, ErrRejected) {
		t.Fatalf("expected a rejection, got %v", err)
	}
	if rej.Class != "app/Bad" || !rej.Messages.HasErrors() || !rej.Hierarchy.Contains("app/Bad") {
		t.Errorf("unexpected rejection %+v", rej)
	}

	_, again := l.Load(ctx, "app/Bad")
	if again != error(rej) {
		t.Errorf("expected the cached rejection, got %v", again)
	}
	if l.State("app/Bad") != Rejected || l.Stats().Rejected != 1 {
		t.Errorf("state = %s, stats = %+v", l.State("app/Bad"), l.Stats())
	}
	if len(rec.decisions) != 1 || rec.decisions[0].State != Rejected || rec.decisions[0].Errors == 0 {
		t.Errorf("unexpected decisions %+v", rec.decisions)
	}
}

func TestRejectionThroughDependencyIsCached(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	l := newLoader(t, whitelist.Default(), rec)
	l.rejected["app/Adder"] = &RejectionError{Class: "app/Adder", Messages: messages.NewCollection()}

	_, err := l.Load(ctx, "app/Sub")
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected a rejection, got %v", err)
	}
	if rej.Class != "app/Sub" || rej.Via != "app/Adder" {
		t.Errorf("unexpected rejection %+v", rej)
	}
	if l.State("app/Sub") != Rejected {
		t.Errorf("state = %s, want REJECTED", l.State("app/Sub"))
	}

	_, again := l.Load(ctx, "app/Sub")
	if again != error(rej) {
		t.Errorf("expected the cached rejection, got %v", again)
	}
	if len(rec.decisions) != 1 || rec.decisions[0].Class != "app/Sub" || rec.decisions[0].State != Rejected {
		t.Errorf("unexpected decisions %+v", rec.decisions)
	}
}

func TestTrustedClasses(t *testing.T) {
	tests := []struct {
		name  string
		wl    *whitelist.Whitelist
		class string
	}{
		{"pinned", whitelist.Default(), "app/Pinned"},
		{"whitelisted", whitelist.Everything(), "app/Bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLoader(t, tt.wl)
			lc, err := l.Load(context.Background(), tt.class)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !lc.Trusted || lc.ByteCode.IsModified || lc.SandboxName != tt.class {
				t.Errorf("expected %s unmodified, got %+v", tt.class, lc)
			}
			if lc.Messages.HasErrors() {
				t.Errorf("trusted classes are not checked, got %v", lc.Messages.Messages())
			}
		})
	}
}

func TestPlatformClasses(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t, whitelist.Default())

	lc, err := l.Load(ctx, "lang/Object")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c, _ := l.Runtime().Lookup("lang/Object"); lc.Class != c {
		t.Error("expected the runtime's own lang/Object")
	}

	_, err = l.Load(ctx, "lang/Thread")
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected a rejection, got %v", err)
	}
	if msgs := rej.Messages.Messages(); len(msgs) != 1 || msgs[0].Reason.Kind != messages.NotWhitelisted {
		t.Errorf("unexpected messages %v", msgs)
	}
}

func TestMissingClass(t *testing.T) {
	l := newLoader(t, whitelist.Default())
	_, err := l.Load(context.Background(), "app/Nowhere")
	if !errors.Is(err, host.ErrClassNotFound) {
		t.Fatalf("expected ErrClassNotFound, got %v", err)
	}
	if errors.Is(err, ErrRejected) {
		t.Error("a missing entry class is not a rejection")
	}
}

func TestMutualReferences(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t, whitelist.Default())
	for _, name := range []string{"app/Ping", "app/Pong"} {
		if _, err := l.Load(ctx, name); err != nil {
			t.Fatalf("Load %s: %v", name, err)
		}
	}
	if got := l.Loaded(); len(got) != 2 || got[0] != "app/Ping" || got[1] != "app/Pong" {
		t.Errorf("Loaded() = %v", got)
	}
}

func TestResolveOutsideSandbox(t *testing.T) {
	l := newLoader(t, whitelist.Default())
	_, err := l.Resolve(context.Background(), "app/Adder")
	if !errors.Is(err, host.ErrClassNotFound) {
		t.Errorf("expected ErrClassNotFound for a user name, got %v", err)
	}
	c, err := l.Resolve(context.Background(), "sandbox/app/Util")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.Name != "sandbox/app/Util" {
		t.Errorf("resolved %s", c.Name)
	}
}

func TestLookup(t *testing.T) {
	l := newLoader(t, whitelist.Default())
	super, iface, err := l.Lookup("sandbox/app/Sub")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if super != "sandbox/app/Adder" || iface {
		t.Errorf("Lookup(sandbox/app/Sub) = %q, %v", super, iface)
	}
	if l.State("app/Sub") != Unseen {
		t.Error("Lookup must not load the class")
	}
	if super, _, _ := l.Lookup("lang/Object"); super != "" {
		t.Errorf("lang/Object has no superclass, got %q", super)
	}
	if _, _, err := l.Lookup("sandbox/app/Nowhere"); !errors.Is(err, classpath.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
