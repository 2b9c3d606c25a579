// Package ir defines the compiled-unit model executed by the host and
// inspected by the sandbox: classes, members, instructions and the
// binary codec and archive format used to ship them.
package ir

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrMalformed is returned when a unit or an archive cannot be decoded.
	ErrMalformed = errors.New("malformed compiled unit")
	// ErrEntryNotFound is returned when an archive has no entry for a class.
	ErrEntryNotFound = errors.New("archive entry not found")
)

// RootClass is the implicit superclass of every class.
const RootClass = "lang/Object"

// Access is a bit set of class and member modifiers.
type Access uint32

const (
	AccPublic Access = 1 << iota
	AccPrivate
	AccProtected
	AccStatic
	AccFinal
	AccSynchronized
	AccNative
	AccAbstract
	AccInterface
	AccStrict
	AccSynthetic
)

var accessNames = []struct {
	flag Access
	name string
}{
	{AccPublic, "public"},
	{AccPrivate, "private"},
	{AccProtected, "protected"},
	{AccStatic, "static"},
	{AccFinal, "final"},
	{AccSynchronized, "synchronized"},
	{AccNative, "native"},
	{AccAbstract, "abstract"},
	{AccInterface, "interface"},
	{AccStrict, "strict"},
	{AccSynthetic, "synthetic"},
}

// Has reports whether all bits of f are set.
func (a Access) Has(f Access) bool { return a&f == f }

// Names returns the modifier keywords in canonical order.
func (a Access) Names() []string {
	var out []string
	for _, n := range accessNames {
		if a.Has(n.flag) {
			out = append(out, n.name)
		}
	}
	return out
}

func (a Access) String() string { return strings.Join(a.Names(), " ") }

// ParseAccess converts modifier keywords into an Access set.
func ParseAccess(names []string) (Access, error) {
	var a Access
	for _, name := range names {
		found := false
		for _, n := range accessNames {
			if n.name == strings.ToLower(name) {
				a |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown modifier %q", ErrMalformed, name)
		}
	}
	return a, nil
}

// Class is a compiled unit.
type Class struct {
	Name        string    `cbor:"1,keyasint"`
	Super       string    `cbor:"2,keyasint,omitempty"`
	Interfaces  []string  `cbor:"3,keyasint,omitempty"`
	Access      Access    `cbor:"4,keyasint,omitempty"`
	Annotations []string  `cbor:"5,keyasint,omitempty"`
	SourceFile  string    `cbor:"6,keyasint,omitempty"`
	Fields      []*Field  `cbor:"7,keyasint,omitempty"`
	Methods     []*Method `cbor:"8,keyasint,omitempty"`
}

// Field is a class member holding a value.
type Field struct {
	Name        string   `cbor:"1,keyasint"`
	Desc        string   `cbor:"2,keyasint"`
	Access      Access   `cbor:"3,keyasint,omitempty"`
	Annotations []string `cbor:"4,keyasint,omitempty"`
}

// Method is a class member holding code.
type Method struct {
	Name        string        `cbor:"1,keyasint"`
	Desc        string        `cbor:"2,keyasint"`
	Access      Access        `cbor:"3,keyasint,omitempty"`
	Annotations []string      `cbor:"4,keyasint,omitempty"`
	MaxLocals   int           `cbor:"5,keyasint,omitempty"`
	Code        []Instruction `cbor:"6,keyasint,omitempty"`
	Handlers    []Handler     `cbor:"7,keyasint,omitempty"`
	Frames      []Frame       `cbor:"8,keyasint,omitempty"`
}

// ConstKind tells which operand of a CONST instruction carries the value.
type ConstKind uint8

const (
	ConstInt ConstKind = iota
	ConstFloat
	ConstString
	ConstNull
)

// Instruction is a single operation with its operands. Operands not used
// by the opcode are left zero.
type Instruction struct {
	Op     Opcode    `cbor:"1,keyasint"`
	Kind   ConstKind `cbor:"2,keyasint,omitempty"`
	Int    int64     `cbor:"3,keyasint,omitempty"`
	Float  float64   `cbor:"4,keyasint,omitempty"`
	Str    string    `cbor:"5,keyasint,omitempty"`
	Type   string    `cbor:"6,keyasint,omitempty"`
	Owner  string    `cbor:"7,keyasint,omitempty"`
	Name   string    `cbor:"8,keyasint,omitempty"`
	Desc   string    `cbor:"9,keyasint,omitempty"`
	Label  string    `cbor:"10,keyasint,omitempty"`
	Labels []string  `cbor:"11,keyasint,omitempty"`
}

// Handler protects the instructions between Start and End. An empty Type
// catches everything.
type Handler struct {
	Start  string `cbor:"1,keyasint"`
	End    string `cbor:"2,keyasint"`
	Target string `cbor:"3,keyasint"`
	Type   string `cbor:"4,keyasint,omitempty"`
}

// Frame records the local and operand stack types at a label.
type Frame struct {
	Label  string   `cbor:"1,keyasint"`
	Locals []string `cbor:"2,keyasint,omitempty"`
	Stack  []string `cbor:"3,keyasint,omitempty"`
}

// MemberName formats a member as owner.name:desc.
func MemberName(owner, name, desc string) string {
	return owner + "." + name + ":" + desc
}

// SplitMemberName is the inverse of MemberName.
func SplitMemberName(s string) (owner, name, desc string, ok bool) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return "", "", "", false
	}
	left := s[:colon]
	dot := strings.LastIndexByte(left, '.')
	if dot <= 0 || dot == len(left)-1 {
		return "", "", "", false
	}
	return left[:dot], left[dot+1:], s[colon+1:], true
}

// IsInterface reports whether the class is an interface.
func (c *Class) IsInterface() bool { return c.Access.Has(AccInterface) }

// Method returns the method with the given name and descriptor.
func (c *Class) Method(name, desc string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// Field returns the field with the given name.
func (c *Class) Field(name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// HasAnnotation reports whether the class carries the annotation.
func (c *Class) HasAnnotation(name string) bool {
	return slices.Contains(c.Annotations, name)
}

// Clone returns a deep copy of the class.
func (c *Class) Clone() *Class {
	out := *c
	out.Interfaces = slices.Clone(c.Interfaces)
	out.Annotations = slices.Clone(c.Annotations)
	out.Fields = make([]*Field, len(c.Fields))
	for i, f := range c.Fields {
		cp := *f
		cp.Annotations = slices.Clone(f.Annotations)
		out.Fields[i] = &cp
	}
	out.Methods = make([]*Method, len(c.Methods))
	for i, m := range c.Methods {
		out.Methods[i] = m.Clone()
	}
	return &out
}

// Clone returns a deep copy of the method.
func (m *Method) Clone() *Method {
	out := *m
	out.Annotations = slices.Clone(m.Annotations)
	out.Code = make([]Instruction, len(m.Code))
	for i, in := range m.Code {
		in.Labels = slices.Clone(in.Labels)
		out.Code[i] = in
	}
	out.Handlers = slices.Clone(m.Handlers)
	out.Frames = make([]Frame, len(m.Frames))
	for i, f := range m.Frames {
		out.Frames[i] = Frame{Label: f.Label, Locals: slices.Clone(f.Locals), Stack: slices.Clone(f.Stack)}
	}
	return &out
}

// IsStatic reports whether the method has no receiver.
func (m *Method) IsStatic() bool { return m.Access.Has(AccStatic) }

// IsAbstract reports whether the method has no body by declaration.
func (m *Method) IsAbstract() bool { return m.Access.Has(AccAbstract) }

// IsNative reports whether the method body is supplied by the platform.
func (m *Method) IsNative() bool { return m.Access.Has(AccNative) }

// IsConstructor reports whether the method is an instance initialiser.
func (m *Method) IsConstructor() bool { return m.Name == "<init>" }

// Labels maps every label declared in the method body to its index.
func (m *Method) Labels() map[string]int {
	labels := make(map[string]int)
	for i, in := range m.Code {
		if in.Op == LABEL {
			labels[in.Label] = i
		}
	}
	return labels
}

// Targets returns the labels this branch instruction may jump to.
func (in Instruction) Targets() []string {
	switch {
	case in.Op == SWITCH:
		return append(slices.Clone(in.Labels), in.Label)
	case in.Op.IsBranch():
		return []string{in.Label}
	}
	return nil
}

// Member returns the owner.name:desc form of a member instruction.
func (in Instruction) Member() string {
	return MemberName(in.Owner, in.Name, in.Desc)
}
