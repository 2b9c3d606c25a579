package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/ir"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mapProvider defines classes from a fixed set of units on demand.
type mapProvider struct {
	rt   *Runtime
	defs map[string]*ir.Class
}

func (p *mapProvider) Resolve(ctx context.Context, name string) (*Class, error) {
	def, ok := p.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
	}
	return p.rt.Define(ctx, def)
}

func newTestRuntime(t *testing.T, src string, opts Options) *Runtime {
	t.Helper()
	classes, err := ir.AssembleString(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	p := &mapProvider{defs: make(map[string]*ir.Class)}
	for _, c := range classes {
		p.defs[c.Name] = c
	}
	opts.Provider = p
	opts.Logger = discardLogger()
	rt := NewRuntime(opts)
	p.rt = rt
	return rt
}

func staticMethod(t *testing.T, rt *Runtime, class, name, desc string) *Method {
	t.Helper()
	c, err := rt.Class(context.Background(), class)
	if err != nil {
		t.Fatalf("resolving %s: %v", class, err)
	}
	m := c.Method(name, desc)
	if m == nil {
		t.Fatalf("method %s.%s:%s not found", class, name, desc)
	}
	return m
}

const mathSource = `
class: test/Calc
methods:
  - name: sum
    desc: (I)I
    access: [public, static]
    code: |
      CONST 0
      STORE 1
      CONST 0
      STORE 2
      loop:
      LOAD 2
      LOAD 0
      IFCMPGE done
      LOAD 1
      LOAD 2
      ADD
      STORE 1
      LOAD 2
      CONST 1
      ADD
      STORE 2
      GOTO loop
      done:
      LOAD 1
      VRETURN
  - name: divide
    desc: (II)I
    access: [public, static]
    code: |
      LOAD 0
      LOAD 1
      DIV
      VRETURN
  - name: safeDivide
    desc: (II)I
    access: [public, static]
    handlers:
      - start end handler lang/ArithmeticException
    code: |
      start:
      LOAD 0
      LOAD 1
      DIV
      end:
      VRETURN
      handler:
      POP
      CONST -1
      VRETURN
  - name: recurse
    desc: (I)I
    access: [public, static]
    code: |
      LOAD 0
      CONST 1
      ADD
      INVOKESTATIC test/Calc.recurse:(I)I
      VRETURN
  - name: describe
    desc: (I)Llang/String;
    access: [public, static]
    code: |
      NEW lang/StringBuilder
      DUP
      CONST "n="
      INVOKESPECIAL lang/StringBuilder.<init>:(Llang/String;)V
      LOAD 0
      INVOKEVIRTUAL lang/StringBuilder.append:(I)Llang/StringBuilder;
      INVOKEVIRTUAL lang/StringBuilder.toString:()Llang/String;
      VRETURN
  - name: index
    desc: (I)I
    access: [public, static]
    code: |
      CONST 3
      NEWARRAY I
      LOAD 0
      ALOAD
      VRETURN
`

func TestInterpreter(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, mathSource, Options{})

	v, err := rt.Invoke(ctx, staticMethod(t, rt, "test/Calc", "sum", "(I)I"), int64(10))
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if v != int64(45) {
		t.Errorf("expected 45, got %v", v)
	}

	v, err = rt.Invoke(ctx, staticMethod(t, rt, "test/Calc", "safeDivide", "(II)I"), int64(1), int64(0))
	if err != nil {
		t.Fatalf("safeDivide: %v", err)
	}
	if v != int64(-1) {
		t.Errorf("expected handler result -1, got %v", v)
	}

	v, err = rt.Invoke(ctx, staticMethod(t, rt, "test/Calc", "describe", "(I)Llang/String;"), int64(7))
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if v != "n=7" {
		t.Errorf("expected %q, got %v", "n=7", v)
	}
}

func TestThrowables(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, mathSource, Options{MaxDepth: 50})

	tests := []struct {
		name    string
		method  string
		desc    string
		args    []Value
		class   string
		message string
	}{
		{"divide by zero", "divide", "(II)I", []Value{int64(1), int64(0)}, "lang/ArithmeticException", "/ by zero"},
		{"out of bounds", "index", "(I)I", []Value{int64(5)}, "lang/ArrayIndexOutOfBoundsException", "Index 5 out of bounds for length 3"},
		{"stack overflow", "recurse", "(I)I", []Value{int64(0)}, "lang/StackOverflowError", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Invoke(ctx, staticMethod(t, rt, "test/Calc", tt.method, tt.desc), tt.args...)
			var thr *Throwable
			if !errors.As(err, &thr) {
				t.Fatalf("expected a throwable, got %v", err)
			}
			if thr.ClassName() != tt.class {
				t.Errorf("expected %s, got %s", tt.class, thr.ClassName())
			}
			if thr.Message() != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, thr.Message())
			}
			if rt.Depth() != 0 {
				t.Errorf("expected depth to unwind to 0, got %d", rt.Depth())
			}
		})
	}
}

const staticSource = `
class: test/Counter
fields:
  - name: count
    desc: I
    access: [static]
methods:
  - name: <clinit>
    desc: ()V
    access: [static]
    code: |
      GETSTATIC test/Counter.count:I
      CONST 1
      ADD
      PUTSTATIC test/Counter.count:I
      RETURN
  - name: get
    desc: ()I
    access: [public, static]
    code: |
      GETSTATIC test/Counter.count:I
      VRETURN
`

func TestStaticStatePerRuntime(t *testing.T) {
	ctx := context.Background()
	for i := range 2 {
		rt := newTestRuntime(t, staticSource, Options{})
		m := staticMethod(t, rt, "test/Counter", "get", "()I")
		for range 2 {
			v, err := rt.Invoke(ctx, m)
			if err != nil {
				t.Fatalf("runtime %d: %v", i, err)
			}
			if v != int64(1) {
				t.Errorf("runtime %d: expected initialiser to run once, count=%v", i, v)
			}
		}
	}
}

const runtimeSource = `
class: test/Hashes
methods:
  - name: first
    desc: ()I
    access: [public, static]
    code: |
      NEW lang/Object
      INVOKESTATIC sandbox/runtime/Runtime.identityHashCode:(Llang/Object;)I
      VRETURN
  - name: spin
    desc: ()V
    access: [public, static]
    code: |
      loop:
      INVOKESTATIC sandbox/runtime/Runtime.recordJump:()V
      GOTO loop
  - name: swallow
    desc: ()I
    access: [public, static]
    handlers:
      - start end handler
    code: |
      start:
      CONST "Disallowed reference to API; lang/Object.notify:()V"
      INVOKESTATIC sandbox/runtime/Runtime.ruleViolation:(Llang/String;)V
      end:
      CONST 0
      VRETURN
      handler:
      INVOKESTATIC sandbox/runtime/Runtime.checkCatch:(Llang/Throwable;)Llang/Throwable;
      POP
      CONST 1
      VRETURN
`

func TestDeterministicIdentityHash(t *testing.T) {
	ctx := context.Background()
	for range 2 {
		rt := newTestRuntime(t, runtimeSource, Options{})
		v, err := rt.Invoke(ctx, staticMethod(t, rt, "test/Hashes", "first", "()I"))
		if err != nil {
			t.Fatalf("first: %v", err)
		}
		if v != int64(0xfedc0de+1) {
			t.Errorf("expected first identity hash %d, got %v", 0xfedc0de+1, v)
		}
	}

	rt := NewRuntime(Options{Logger: discardLogger()})
	o := rt.alloc(rt.classes[ir.RootClass])
	h := rt.IdentityHash(o)
	if rt.IdentityHash(o) != h {
		t.Error("identity hash must be stable for an object")
	}
	if rt.IdentityHash(rt.alloc(rt.classes[ir.RootClass])) != h+1 {
		t.Error("identity hashes must follow the per-runtime sequence")
	}
}

func TestThresholdViolation(t *testing.T) {
	acc := costing.NewAccounter(costing.Thresholds{Jumps: 5}, discardLogger())
	rt := newTestRuntime(t, runtimeSource, Options{Accounter: acc})

	_, err := rt.Invoke(context.Background(), staticMethod(t, rt, "test/Hashes", "spin", "()V"))
	var thr *Throwable
	if !errors.As(err, &thr) {
		t.Fatalf("expected a throwable, got %v", err)
	}
	if thr.ClassName() != ThresholdViolationError {
		t.Errorf("expected %s, got %s", ThresholdViolationError, thr.ClassName())
	}
	if thr.Message() != "Terminated due to excessive use of looping" {
		t.Errorf("unexpected message %q", thr.Message())
	}
	if !thr.InstanceOf("lang/ThreadDeath") {
		t.Error("threshold violations must be ThreadDeath descendants")
	}
}

func TestCancellation(t *testing.T) {
	rt := newTestRuntime(t, runtimeSource, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rt.Invoke(ctx, staticMethod(t, rt, "test/Hashes", "spin", "()V"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCheckCatchRethrowsFatal(t *testing.T) {
	rt := newTestRuntime(t, runtimeSource, Options{})
	_, err := rt.Invoke(context.Background(), staticMethod(t, rt, "test/Hashes", "swallow", "()I"))
	var thr *Throwable
	if !errors.As(err, &thr) {
		t.Fatalf("expected the rule violation to escape, got %v", err)
	}
	if thr.ClassName() != RuleViolationError {
		t.Errorf("expected %s, got %s", RuleViolationError, thr.ClassName())
	}
}

func TestDefineErrors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		src  string
		want error
	}{
		{
			name: "final superclass",
			src: `
class: test/MyString
super: lang/String
`,
			want: ErrVerify,
		},
		{
			name: "missing frame",
			src: `
class: test/Framed
methods:
  - name: run
    desc: ()V
    access: [static]
    frames:
      - other
    code: |
      GOTO next
      other:
      next:
      RETURN
`,
			want: ErrVerify,
		},
		{
			name: "missing body",
			src: `
class: test/Hollow
methods:
  - name: run
    desc: ()V
    access: [static]
`,
			want: ErrVerify,
		},
		{
			name: "missing superclass",
			src: `
class: test/Orphan
super: test/Nowhere
`,
			want: ErrClassNotFound,
		},
		{
			name: "circularity",
			src: `
class: test/A
super: test/B
---
class: test/B
super: test/A
`,
			want: ErrClassCircularity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classes, err := ir.AssembleString(tt.src)
			if err != nil {
				t.Fatalf("assemble: %v", err)
			}
			rt := newTestRuntime(t, tt.src, Options{})
			_, err = rt.Define(ctx, classes[0])
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDuplicateDefinition(t *testing.T) {
	ctx := context.Background()
	classes, err := ir.AssembleString(staticSource)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	rt := NewRuntime(Options{Logger: discardLogger()})
	if _, err := rt.Define(ctx, classes[0]); err != nil {
		t.Fatalf("first definition: %v", err)
	}
	if _, err := rt.Define(ctx, classes[0]); !errors.Is(err, ErrDuplicateClass) {
		t.Errorf("expected ErrDuplicateClass, got %v", err)
	}
}

func TestMayCatchFatal(t *testing.T) {
	for _, typ := range []string{"", "lang/Throwable", "lang/Error", "lang/ThreadDeath", RuleViolationError} {
		if !MayCatchFatal(typ) {
			t.Errorf("expected %q to possibly catch fatal throwables", typ)
		}
	}
	for _, typ := range []string{"lang/Exception", "lang/RuntimeException", "foo/Custom"} {
		if MayCatchFatal(typ) {
			t.Errorf("did not expect %q to catch fatal throwables", typ)
		}
	}
}

func TestLibrary(t *testing.T) {
	lib := Platform()
	if !lib.HasClass("lang/Thread") || lib.HasClass("lang/Nope") {
		t.Error("unexpected class presence")
	}
	if !lib.HasMember("lang/ArithmeticException", "getMessage", "()Llang/String;") {
		t.Error("expected inherited getMessage")
	}
	if lib.HasMember("lang/Object", "finalize", "()V") {
		t.Error("did not expect finalize on the root class")
	}
	c, ok := lib.Describe("lang/Thread")
	if !ok || !c.HasAnnotation(NonDeterministicAnnotation) {
		t.Error("expected lang/Thread to be described as non-deterministic")
	}
	sys, _ := lib.Describe("lang/System")
	if m := sys.Method("nanoTime", "()I"); m == nil || len(m.Annotations) == 0 {
		t.Error("expected nanoTime to be annotated")
	}
}
