package rewrite

import (
	"github.com/jkaninda/detsandbox/internal/host"
	"github.com/jkaninda/detsandbox/internal/ir"
)

// DefaultEmitters returns the emitters applied to every sandboxed class.
func DefaultEmitters() []Emitter {
	return []Emitter{
		DisallowNonDeterministicMethods{},
		DeterministicHashCode{},
		IgnoreSynchronizedBlocks{},
		TraceAllocations{},
		TraceInvocations{},
		TraceJumps{},
		TraceThrows{},
		HandleExceptionUnwrapper{},
	}
}

// TraceAllocations charges an allocation before every NEW and NEWARRAY.
type TraceAllocations struct{}

func (TraceAllocations) Name() string { return "TraceAllocations" }

func (TraceAllocations) Emit(_ *EmitterContext, in ir.Instruction, out *Module) {
	if in.Op == ir.NEW || in.Op == ir.NEWARRAY {
		out.InvokeRuntime("recordAllocation", "()V")
	}
}

// TraceInvocations charges an invocation on entry to every method.
type TraceInvocations struct{}

func (TraceInvocations) Name() string { return "TraceInvocations" }

func (TraceInvocations) Emit(*EmitterContext, ir.Instruction, *Module) {}

func (TraceInvocations) EmitEntry(_ *EmitterContext, out *Module) {
	out.InvokeRuntime("recordInvocation", "()V")
}

// TraceJumps charges a jump before every backward branch.
type TraceJumps struct{}

func (TraceJumps) Name() string { return "TraceJumps" }

func (TraceJumps) Emit(ctx *EmitterContext, in ir.Instruction, out *Module) {
	if !in.Op.IsBranch() {
		return
	}
	for _, target := range in.Targets() {
		if ctx.IsBackwardJump(target) {
			out.InvokeRuntime("recordJump", "()V")
			return
		}
	}
}

// TraceThrows charges a throw before every THROW.
type TraceThrows struct{}

func (TraceThrows) Name() string { return "TraceThrows" }

func (TraceThrows) Emit(_ *EmitterContext, in ir.Instruction, out *Module) {
	if in.Op == ir.THROW {
		out.InvokeRuntime("recordThrow", "()V")
	}
}

// IgnoreSynchronizedBlocks drops monitor instructions, keeping the stack balanced.
type IgnoreSynchronizedBlocks struct{}

func (IgnoreSynchronizedBlocks) Name() string { return "IgnoreSynchronizedBlocks" }

func (IgnoreSynchronizedBlocks) Emit(_ *EmitterContext, in ir.Instruction, out *Module) {
	if in.Op == ir.MONITORENTER || in.Op == ir.MONITOREXIT {
		out.Emit(ir.Instruction{Op: ir.POP})
		out.PreventDefault()
	}
}

// DeterministicHashCode routes hash code requests through the runtime,
// which replaces identity hashes with a per-session sequence.
type DeterministicHashCode struct{}

func (DeterministicHashCode) Name() string { return "DeterministicHashCode" }

func (DeterministicHashCode) Emit(_ *EmitterContext, in ir.Instruction, out *Module) {
	switch {
	case in.Op == ir.INVOKESTATIC && in.Owner == "lang/System" && in.Name == "identityHashCode" && in.Desc == "(Llang/Object;)I":
		out.InvokeRuntime("identityHashCode", "(Llang/Object;)I")
		out.PreventDefault()
	case in.Op == ir.INVOKESPECIAL && in.Owner == ir.RootClass && in.Name == "hashCode" && in.Desc == "()I":
		out.InvokeRuntime("identityHashCode", "(Llang/Object;)I")
		out.PreventDefault()
	case (in.Op == ir.INVOKEVIRTUAL || in.Op == ir.INVOKEINTERFACE) && in.Name == "hashCode" && in.Desc == "()I":
		out.InvokeRuntime("hashCode", "(Llang/Object;)I")
		out.PreventDefault()
	}
}

// DisallowNonDeterministicMethods replaces calls that would observe
// scheduling or load classes behind the sandbox's back with a runtime
// rule violation. The code that follows is left intact.
type DisallowNonDeterministicMethods struct{}

func (DisallowNonDeterministicMethods) Name() string { return "DisallowNonDeterministicMethods" }

func (DisallowNonDeterministicMethods) Emit(_ *EmitterContext, in ir.Instruction, out *Module) {
	if !in.Op.IsInvoke() || !isNonDeterministicCall(in) {
		return
	}
	args, ret, err := ir.ParseMethodDescriptor(in.Desc)
	if err != nil {
		return
	}
	pops := len(args)
	if in.Op != ir.INVOKESTATIC {
		pops++
	}
	for range pops {
		out.Emit(ir.Instruction{Op: ir.POP})
	}
	out.ThrowRuleViolation("Disallowed reference to API; " + in.Member())
	if ret != "V" {
		out.Emit(zeroValue(ret))
	}
	out.PreventDefault()
}

func isNonDeterministicCall(in ir.Instruction) bool {
	switch in.Name {
	case "wait", "notify", "notifyAll":
		return in.Op != ir.INVOKESTATIC &&
			(in.Desc == "()V" || in.Desc == "(I)V" || in.Desc == "(II)V")
	}
	switch in.Owner {
	case "lang/Class":
		return in.Name == "forName" || in.Name == "newInstance"
	case "lang/ClassLoader":
		return in.Name != "<init>"
	}
	return false
}

func zeroValue(t string) ir.Instruction {
	switch t {
	case "I", "Z":
		return ir.Instruction{Op: ir.CONST, Kind: ir.ConstInt}
	case "D":
		return ir.Instruction{Op: ir.CONST, Kind: ir.ConstFloat}
	}
	return ir.Instruction{Op: ir.CONST, Kind: ir.ConstNull}
}

// HandleExceptionUnwrapper makes handlers that could intercept a fatal
// throwable pass it to the runtime first, which rethrows it.
type HandleExceptionUnwrapper struct{}

func (HandleExceptionUnwrapper) Name() string { return "HandleExceptionUnwrapper" }

func (HandleExceptionUnwrapper) Emit(ctx *EmitterContext, in ir.Instruction, out *Module) {
	if in.Op != ir.LABEL {
		return
	}
	for _, h := range ctx.HandlersAt(in.Label) {
		if host.MayCatchFatal(h.Type) {
			out.EmitAfter(
				invokeRuntime("checkCatch", "(Llang/Throwable;)Llang/Throwable;"),
				ir.Instruction{Op: ir.CHECKCAST, Type: catchType(h.Type)},
			)
			return
		}
	}
}

func catchType(t string) string {
	if t == "" {
		return "lang/Throwable"
	}
	return t
}
