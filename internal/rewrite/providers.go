package rewrite

import (
	"github.com/jkaninda/detsandbox/internal/host"
	"github.com/jkaninda/detsandbox/internal/ir"
)

// DefinitionProvider alters class or member definitions before the
// emitters run. Implementations provide ClassDefinitionProvider,
// MethodDefinitionProvider or both.
type DefinitionProvider interface {
	Name() string
}

// ClassDefinitionProvider changes class-level structure.
type ClassDefinitionProvider interface {
	DefinitionProvider
	DefineClass(c *ir.Class) bool
}

// MethodDefinitionProvider changes a single method.
type MethodDefinitionProvider interface {
	DefinitionProvider
	DefineMethod(c *ir.Class, m *ir.Method) bool
}

// DefaultProviders returns the providers applied to every sandboxed class.
func DefaultProviders() []DefinitionProvider {
	return []DefinitionProvider{
		AlwaysUseNonSynchronizedMethods{},
		AlwaysUseStrictFloatingPointArithmetic{},
		StubOutNativeMethods{},
		StubOutFinalizerMethods{},
		DeterministicIdentityHash{},
	}
}

// AlwaysUseNonSynchronizedMethods clears the synchronized modifier.
type AlwaysUseNonSynchronizedMethods struct{}

func (AlwaysUseNonSynchronizedMethods) Name() string { return "AlwaysUseNonSynchronizedMethods" }

func (AlwaysUseNonSynchronizedMethods) DefineMethod(_ *ir.Class, m *ir.Method) bool {
	if !m.Access.Has(ir.AccSynchronized) {
		return false
	}
	m.Access &^= ir.AccSynchronized
	return true
}

// AlwaysUseStrictFloatingPointArithmetic sets the strict modifier on
// every concrete method.
type AlwaysUseStrictFloatingPointArithmetic struct{}

func (AlwaysUseStrictFloatingPointArithmetic) Name() string {
	return "AlwaysUseStrictFloatingPointArithmetic"
}

func (AlwaysUseStrictFloatingPointArithmetic) DefineMethod(_ *ir.Class, m *ir.Method) bool {
	if m.IsAbstract() || m.Access.Has(ir.AccStrict) {
		return false
	}
	m.Access |= ir.AccStrict
	return true
}

// StubOutNativeMethods gives native methods a body that raises a rule violation.
type StubOutNativeMethods struct{}

func (StubOutNativeMethods) Name() string { return "StubOutNativeMethods" }

func (StubOutNativeMethods) DefineMethod(_ *ir.Class, m *ir.Method) bool {
	if !m.IsNative() {
		return false
	}
	m.Access &^= ir.AccNative
	stub := &Module{}
	stub.ThrowRuleViolation("Native method has been deleted")
	m.Code = append(stub.before, returnDefault(m.Desc)...)
	m.Handlers = nil
	m.Frames = nil
	n := ir.ArgumentCount(m.Desc)
	if !m.IsStatic() {
		n++
	}
	if m.MaxLocals < n {
		m.MaxLocals = n
	}
	return true
}

// StubOutFinalizerMethods empties finalize()V: the sandbox never runs finalizers.
type StubOutFinalizerMethods struct{}

func (StubOutFinalizerMethods) Name() string { return "StubOutFinalizerMethods" }

func (StubOutFinalizerMethods) DefineMethod(_ *ir.Class, m *ir.Method) bool {
	if m.Name != "finalize" || m.Desc != "()V" || m.IsStatic() || m.IsAbstract() {
		return false
	}
	m.Access &^= ir.AccNative
	m.Code = []ir.Instruction{{Op: ir.RETURN}}
	m.Handlers = nil
	m.Frames = nil
	return true
}

// DeterministicIdentityHash adds the field holding the per-session
// identity hash to classes that extend the platform root directly.
type DeterministicIdentityHash struct{}

func (DeterministicIdentityHash) Name() string { return "DeterministicIdentityHash" }

func (DeterministicIdentityHash) DefineClass(c *ir.Class) bool {
	if c.IsInterface() || c.Super != ir.RootClass || c.Field(host.IdentityHashField) != nil {
		return false
	}
	c.Fields = append(c.Fields, &ir.Field{
		Name:   host.IdentityHashField,
		Desc:   "I",
		Access: ir.AccPrivate | ir.AccSynthetic,
	})
	return true
}

func returnDefault(desc string) []ir.Instruction {
	ret := ir.ReturnType(desc)
	if ret == "V" {
		return []ir.Instruction{{Op: ir.RETURN}}
	}
	return []ir.Instruction{zeroValue(ret), {Op: ir.VRETURN}}
}

func applyProviders(c *ir.Class, providers []DefinitionProvider) bool {
	changed := false
	for _, p := range providers {
		if cp, ok := p.(ClassDefinitionProvider); ok && cp.DefineClass(c) {
			changed = true
		}
	}
	for _, m := range c.Methods {
		for _, p := range providers {
			if mp, ok := p.(MethodDefinitionProvider); ok && mp.DefineMethod(c, m) {
				changed = true
			}
		}
	}
	return changed
}
