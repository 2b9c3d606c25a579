package rewrite

import (
	"strings"

	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/whitelist"
)

// DefaultPrefix is prepended to every sandboxed class name.
const DefaultPrefix = "sandbox/"

// Resolver maps class names between the user namespace and the sandbox
// namespace. Whitelisted and pinned classes keep their names.
type Resolver struct {
	prefix    string
	whitelist *whitelist.Whitelist
	pinned    *whitelist.Whitelist
}

// NewResolver returns a resolver using prefix (DefaultPrefix when empty).
func NewResolver(prefix string, wl, pinned *whitelist.Whitelist) *Resolver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if wl == nil {
		wl = whitelist.Empty()
	}
	if pinned == nil {
		pinned = whitelist.Empty()
	}
	return &Resolver{prefix: prefix, whitelist: wl, pinned: pinned}
}

// Prefix returns the sandbox namespace prefix.
func (r *Resolver) Prefix() string { return r.prefix }

// IsSandboxed reports whether the name is already in the sandbox namespace.
func (r *Resolver) IsSandboxed(name string) bool {
	return strings.HasPrefix(ir.InternalClass(name), r.prefix)
}

// PassesThrough reports whether a class keeps its name when remapped.
func (r *Resolver) PassesThrough(name string) bool {
	return name == "" || ir.IsPrimitive(name) || strings.HasPrefix(name, r.prefix) ||
		r.whitelist.Matches(name) || r.pinned.Matches(name)
}

// Resolve maps a class name or array descriptor into the sandbox namespace.
func (r *Resolver) Resolve(name string) string {
	if strings.HasPrefix(name, "[") {
		return r.ResolveDescriptor(name)
	}
	if r.PassesThrough(name) {
		return name
	}
	return r.prefix + name
}

// Reverse maps a sandbox name back to the user namespace.
func (r *Resolver) Reverse(name string) string {
	if strings.HasPrefix(name, "[") {
		return ir.MapDescriptor(name, r.Reverse)
	}
	return strings.TrimPrefix(name, r.prefix)
}

// ResolveDescriptor remaps every class inside a field or method descriptor.
func (r *Resolver) ResolveDescriptor(desc string) string {
	return ir.MapDescriptor(desc, r.Resolve)
}

// RemapClass returns a copy of c with every class name moved into the
// sandbox namespace.
func (r *Resolver) RemapClass(c *ir.Class) *ir.Class {
	out := c.Clone()
	out.Name = r.Resolve(c.Name)
	out.Super = r.Resolve(c.Super)
	for i, iface := range out.Interfaces {
		out.Interfaces[i] = r.Resolve(iface)
	}
	for _, f := range out.Fields {
		f.Desc = r.ResolveDescriptor(f.Desc)
	}
	for _, m := range out.Methods {
		m.Desc = r.ResolveDescriptor(m.Desc)
		for i := range m.Code {
			r.remapInstruction(&m.Code[i])
		}
		for i := range m.Handlers {
			m.Handlers[i].Type = r.Resolve(m.Handlers[i].Type)
		}
		for i := range m.Frames {
			f := &m.Frames[i]
			for j := range f.Locals {
				f.Locals[j] = r.ResolveDescriptor(f.Locals[j])
			}
			for j := range f.Stack {
				f.Stack[j] = r.ResolveDescriptor(f.Stack[j])
			}
		}
	}
	return out
}

func (r *Resolver) remapInstruction(in *ir.Instruction) {
	switch {
	case in.Op == ir.NEWARRAY:
		in.Type = r.ResolveDescriptor(in.Type)
	case in.Op.HasTypeOperand():
		in.Type = ir.MapInternal(in.Type, r.Resolve)
	case in.Op.HasMemberOperand():
		in.Owner = ir.MapInternal(in.Owner, r.Resolve)
		in.Desc = r.ResolveDescriptor(in.Desc)
	case in.Op == ir.INVOKEDYNAMIC:
		in.Desc = r.ResolveDescriptor(in.Desc)
	}
}
