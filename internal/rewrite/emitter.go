package rewrite

import (
	"github.com/jkaninda/detsandbox/internal/host"
	"github.com/jkaninda/detsandbox/internal/ir"
)

// Emitter rewrites code one instruction at a time. Emitters run in
// order; each sees the original instruction and may add code before or
// after it, or suppress it.
type Emitter interface {
	Name() string
	Emit(ctx *EmitterContext, in ir.Instruction, out *Module)
}

// EntryEmitter is implemented by emitters that inject code at method entry.
type EntryEmitter interface {
	EmitEntry(ctx *EmitterContext, out *Module)
}

// EmitterContext describes where an emitter is running.
type EmitterContext struct {
	Class    *ir.Class
	Method   *ir.Method
	Index    int
	Resolver *Resolver

	labels   map[string]int
	handlers map[string][]ir.Handler
}

func newEmitterContext(c *ir.Class, m *ir.Method, r *Resolver) *EmitterContext {
	ctx := &EmitterContext{
		Class:    c,
		Method:   m,
		Resolver: r,
		labels:   m.Labels(),
		handlers: make(map[string][]ir.Handler),
	}
	for _, h := range m.Handlers {
		ctx.handlers[h.Target] = append(ctx.handlers[h.Target], h)
	}
	return ctx
}

// IsBackwardJump reports whether jumping to label from the current
// instruction goes back in the method body.
func (c *EmitterContext) IsBackwardJump(label string) bool {
	pos, ok := c.labels[label]
	return ok && pos <= c.Index
}

// HandlersAt returns the handlers whose code starts at label.
func (c *EmitterContext) HandlersAt(label string) []ir.Handler {
	return c.handlers[label]
}

// Module collects the code an emitter produces for one instruction.
type Module struct {
	before   []ir.Instruction
	after    []ir.Instruction
	suppress bool
}

// Emit adds instructions before the original one.
func (m *Module) Emit(in ...ir.Instruction) {
	m.before = append(m.before, in...)
}

// EmitAfter adds instructions after the original one.
func (m *Module) EmitAfter(in ...ir.Instruction) {
	m.after = append(m.after, in...)
}

// PreventDefault drops the original instruction.
func (m *Module) PreventDefault() { m.suppress = true }

// InvokeRuntime emits a call to a static method of the sandbox runtime.
func (m *Module) InvokeRuntime(name, desc string) {
	m.Emit(invokeRuntime(name, desc))
}

// ThrowRuleViolation emits a call that raises a rule violation at run time.
func (m *Module) ThrowRuleViolation(message string) {
	m.Emit(
		ir.Instruction{Op: ir.CONST, Kind: ir.ConstString, Str: message},
		invokeRuntime("ruleViolation", "(Llang/String;)V"),
	)
}

func (m *Module) modified() bool {
	return m.suppress || len(m.before) > 0 || len(m.after) > 0
}

func invokeRuntime(name, desc string) ir.Instruction {
	return ir.Instruction{Op: ir.INVOKESTATIC, Owner: host.RuntimeClass, Name: name, Desc: desc}
}

// emitMethod runs the emitters over a method body and reports whether
// anything changed.
func emitMethod(c *ir.Class, m *ir.Method, r *Resolver, emitters []Emitter) bool {
	if len(m.Code) == 0 {
		return false
	}
	ctx := newEmitterContext(c, m, r)
	changed := false

	var code []ir.Instruction
	entry := &Module{}
	for _, e := range emitters {
		if ee, ok := e.(EntryEmitter); ok {
			ee.EmitEntry(ctx, entry)
		}
	}
	if entry.modified() {
		changed = true
		code = append(code, entry.before...)
	}

	for i, in := range m.Code {
		ctx.Index = i
		mod := &Module{}
		for _, e := range emitters {
			e.Emit(ctx, in, mod)
		}
		code = append(code, mod.before...)
		if !mod.suppress {
			code = append(code, in)
		}
		code = append(code, mod.after...)
		if mod.modified() {
			changed = true
		}
	}
	if changed {
		m.Code = code
	}
	return changed
}
