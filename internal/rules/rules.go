// Package rules holds the checks the analyzer runs over every class,
// member, handler and instruction of untrusted code.
package rules

import (
	"slices"
	"strings"

	"github.com/jkaninda/detsandbox/internal/analysis"
	"github.com/jkaninda/detsandbox/internal/host"
	"github.com/jkaninda/detsandbox/internal/ir"
)

// Default returns the rules in the order they run.
func Default() []analysis.Rule {
	return []analysis.Rule{
		DisallowCatchingBlacklistedExceptions{},
		DisallowDynamicInvocation{},
		DisallowBreakpoints{},
		DisallowSandboxNamespace{},
		DisallowReflection{},
		DisallowThreading{},
		AlwaysUseNonSynchronizedMethods{},
		IgnoreSynchronizedBlocks{},
		AlwaysUseStrictFloatingPointArithmetic{},
		DisallowNativeMethods{},
		DisallowFinalizers{},
	}
}

// blacklistedCatches are the throwables sandboxed code may never catch by name.
var blacklistedCatches = []string{
	"lang/ThreadDeath",
	host.ThresholdViolationError,
	host.RuleViolationError,
}

// DisallowCatchingBlacklistedExceptions rejects handlers that name a
// throwable reserved for terminating sandboxed code.
type DisallowCatchingBlacklistedExceptions struct{}

func (DisallowCatchingBlacklistedExceptions) Name() string {
	return "DisallowCatchingBlacklistedExceptions"
}

func (DisallowCatchingBlacklistedExceptions) Check(ctx *analysis.RuleContext) {
	if ctx.Scope != analysis.ScopeHandler || !slices.Contains(blacklistedCatches, ctx.Handler.Type) {
		return
	}
	if !protectsCode(ctx.Method, ctx.Handler) {
		return
	}
	ctx.Error("Disallowed catch of %s", ctx.Handler.Type)
}

// protectsCode reports whether the handler range holds at least one
// executable instruction.
func protectsCode(m *ir.Method, h ir.Handler) bool {
	labels := m.Labels()
	start, ok1 := labels[h.Start]
	end, ok2 := labels[h.End]
	if !ok1 || !ok2 {
		return false
	}
	for i := start; i < end; i++ {
		switch m.Code[i].Op {
		case ir.LABEL, ir.LINE, ir.NOP:
		default:
			return true
		}
	}
	return false
}

// DisallowDynamicInvocation rejects INVOKEDYNAMIC.
type DisallowDynamicInvocation struct{}

func (DisallowDynamicInvocation) Name() string { return "DisallowDynamicInvocation" }

func (DisallowDynamicInvocation) Check(ctx *analysis.RuleContext) {
	if ctx.Scope == analysis.ScopeInstruction && ctx.Instruction.Op == ir.INVOKEDYNAMIC {
		ctx.Error("Disallowed dynamic invocation in method")
	}
}

// DisallowBreakpoints rejects BREAKPOINT.
type DisallowBreakpoints struct{}

func (DisallowBreakpoints) Name() string { return "DisallowBreakpoints" }

func (DisallowBreakpoints) Check(ctx *analysis.RuleContext) {
	if ctx.Scope == analysis.ScopeInstruction && ctx.Instruction.Op == ir.BREAKPOINT {
		ctx.Error("Disallowed breakpoint in method")
	}
}

// DisallowSandboxNamespace rejects user code that declares or names
// anything in the sandbox namespace.
type DisallowSandboxNamespace struct{}

func (DisallowSandboxNamespace) Name() string { return "DisallowSandboxNamespace" }

func (DisallowSandboxNamespace) Check(ctx *analysis.RuleContext) {
	prefix := ctx.Config().Resolver().Prefix()
	switch ctx.Scope {
	case analysis.ScopeClass:
		if strings.HasPrefix(ctx.Class.Name, prefix) {
			ctx.Error("Cannot load class explicitly defined in the sandbox namespace; %s", ctx.Class.Name)
			return
		}
		for _, name := range append([]string{ctx.Class.Super}, ctx.Class.Interfaces...) {
			if strings.HasPrefix(name, prefix) {
				ctx.Error("Access to sandbox namespace is not allowed; %s", name)
			}
		}
	case analysis.ScopeInstruction:
		for _, name := range instructionClasses(ctx.Instruction) {
			if strings.HasPrefix(name, prefix) {
				ctx.Error("Access to sandbox namespace is not allowed; %s", name)
				return
			}
		}
	}
}

// reflectionPackages are the platform packages exposing reflection.
var reflectionPackages = []string{"lang/reflect/", "lang/invoke/"}

// DisallowReflection rejects references into the reflection packages.
type DisallowReflection struct{}

func (DisallowReflection) Name() string { return "DisallowReflection" }

func (DisallowReflection) Check(ctx *analysis.RuleContext) {
	if ctx.Scope != analysis.ScopeInstruction {
		return
	}
	for _, name := range instructionClasses(ctx.Instruction) {
		for _, pkg := range reflectionPackages {
			if strings.HasPrefix(name, pkg) {
				ctx.Error("Disallowed reference to reflection API; %s", name)
				return
			}
		}
	}
}

var threadingClasses = []string{"lang/Thread", "lang/ThreadGroup", "lang/ThreadLocal"}

// DisallowThreading rejects code that creates, extends or calls into threads.
type DisallowThreading struct{}

func (DisallowThreading) Name() string { return "DisallowThreading" }

func (DisallowThreading) Check(ctx *analysis.RuleContext) {
	switch ctx.Scope {
	case analysis.ScopeClass:
		if slices.Contains(threadingClasses, ctx.Class.Super) {
			ctx.Error("Disallowed extension of threading API; %s", ctx.Class.Super)
		}
	case analysis.ScopeInstruction:
		for _, name := range instructionClasses(ctx.Instruction) {
			if slices.Contains(threadingClasses, name) {
				ctx.Error("Disallowed reference to threading API; %s", name)
				return
			}
		}
	}
}

// AlwaysUseNonSynchronizedMethods warns that the synchronized modifier is dropped.
type AlwaysUseNonSynchronizedMethods struct{}

func (AlwaysUseNonSynchronizedMethods) Name() string { return "AlwaysUseNonSynchronizedMethods" }

func (AlwaysUseNonSynchronizedMethods) Check(ctx *analysis.RuleContext) {
	if ctx.Scope == analysis.ScopeMethod && ctx.Method.Access.Has(ir.AccSynchronized) {
		ctx.Warn("Synchronization specifier will be ignored")
	}
}

// IgnoreSynchronizedBlocks warns that monitor instructions are stripped.
type IgnoreSynchronizedBlocks struct{}

func (IgnoreSynchronizedBlocks) Name() string { return "IgnoreSynchronizedBlocks" }

func (IgnoreSynchronizedBlocks) Check(ctx *analysis.RuleContext) {
	if ctx.Scope != analysis.ScopeInstruction {
		return
	}
	if op := ctx.Instruction.Op; op == ir.MONITORENTER || op == ir.MONITOREXIT {
		ctx.Warn("Stripped monitoring instruction %s", op)
	}
}

// AlwaysUseStrictFloatingPointArithmetic notes that concrete methods
// run with strict floating point semantics.
type AlwaysUseStrictFloatingPointArithmetic struct{}

func (AlwaysUseStrictFloatingPointArithmetic) Name() string {
	return "AlwaysUseStrictFloatingPointArithmetic"
}

func (AlwaysUseStrictFloatingPointArithmetic) Check(ctx *analysis.RuleContext) {
	if ctx.Scope != analysis.ScopeMethod {
		return
	}
	m := ctx.Method
	if !m.IsAbstract() && !m.Access.Has(ir.AccStrict) {
		ctx.Inform("Strict floating-point arithmetic will be applied")
	}
}

// DisallowNativeMethods warns that native methods are replaced with a stub.
type DisallowNativeMethods struct{}

func (DisallowNativeMethods) Name() string { return "DisallowNativeMethods" }

func (DisallowNativeMethods) Check(ctx *analysis.RuleContext) {
	if ctx.Scope == analysis.ScopeMethod && ctx.Method.IsNative() {
		ctx.Warn("Native method will be replaced by a rule violation")
	}
}

// DisallowFinalizers warns that finalize()V is emptied.
type DisallowFinalizers struct{}

func (DisallowFinalizers) Name() string { return "DisallowFinalizers" }

func (DisallowFinalizers) Check(ctx *analysis.RuleContext) {
	if ctx.Scope != analysis.ScopeMethod {
		return
	}
	m := ctx.Method
	if m.Name == "finalize" && m.Desc == "()V" && !m.IsStatic() && !m.IsAbstract() {
		ctx.Warn("Finalizer will never run")
	}
}

// instructionClasses lists the classes an instruction names directly.
func instructionClasses(in ir.Instruction) []string {
	switch {
	case in.Op == ir.NEWARRAY:
		return ir.ClassNames(in.Type)
	case in.Op.HasTypeOperand():
		if c := ir.InternalClass(in.Type); c != "" {
			return []string{c}
		}
	case in.Op.HasMemberOperand():
		return append([]string{ir.InternalClass(in.Owner)}, ir.ClassNames(in.Desc)...)
	case in.Op == ir.INVOKEDYNAMIC:
		return ir.ClassNames(in.Desc)
	}
	return nil
}
