// Package host is the execution platform the sandbox runs on. A Runtime
// defines verified classes, resolves missing ones lazily through a
// ClassProvider, runs static initialisers once per runtime and interprets
// method bodies. The platform library (lang/...) and the sandbox runtime
// support classes (sandbox/runtime/...) are implemented natively.
//
// A Runtime is single-threaded and holds no state shared with other
// runtimes; each execution session creates its own.
package host

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jkaninda/detsandbox/internal/ir"
)

// Names of the sandbox runtime support classes and members referenced by
// rewritten code.
const (
	RuntimeClass            = "sandbox/runtime/Runtime"
	ThresholdViolationError = "sandbox/runtime/ThresholdViolationError"
	RuleViolationError      = "sandbox/runtime/RuleViolationError"

	// IdentityHashField holds the deterministic identity hash of objects
	// whose class extends the platform root directly.
	IdentityHashField = "$identityHash"
)

var (
	// ErrClassNotFound is returned when a class cannot be resolved.
	ErrClassNotFound = errors.New("class not found")
	// ErrDuplicateClass is returned when a class is defined twice in a runtime.
	ErrDuplicateClass = errors.New("duplicate class definition")
	// ErrVerify is returned when a class fails verification.
	ErrVerify = errors.New("verification failed")
	// ErrClassCircularity is returned when a class is its own ancestor.
	ErrClassCircularity = errors.New("class circularity")
	// ErrInternal is returned when the interpreter reaches an impossible state.
	ErrInternal = errors.New("internal host error")
)

// fatalTypes are the throwable types a handler must never swallow, and
// the supertypes whose handlers could intercept them.
var fatalTypes = []string{
	"",
	"lang/Throwable",
	"lang/Error",
	"lang/ThreadDeath",
	"lang/VirtualMachineError",
	"lang/StackOverflowError",
	"lang/OutOfMemoryError",
	ThresholdViolationError,
	RuleViolationError,
}

// MayCatchFatal reports whether a handler catching t could intercept a
// throwable the sandbox treats as fatal. The empty type catches everything.
func MayCatchFatal(t string) bool { return slices.Contains(fatalTypes, t) }

// Value is a runtime value: nil, int64 (integers and booleans), float64,
// string, *Object or *Array.
type Value = any

// Object is an instance of a class.
type Object struct {
	Class  *Class
	Fields map[string]Value

	hash     int64
	platform int64
	native   any
}

// Array is a fixed-size sequence of values. Elem is the element descriptor.
type Array struct {
	Elem string
	Data []Value

	hash int64
}

// Throwable is a thrown object travelling through Go call frames.
type Throwable struct {
	Object *Object
}

func (t *Throwable) Error() string {
	if msg := t.Message(); msg != "" {
		return t.ClassName() + ": " + msg
	}
	return t.ClassName()
}

// ClassName returns the name of the throwable's class.
func (t *Throwable) ClassName() string { return t.Object.Class.Name }

// Message returns the detail message, or "" when absent.
func (t *Throwable) Message() string {
	s, _ := t.Object.Fields["message"].(string)
	return s
}

// Cause returns the wrapped throwable, if any.
func (t *Throwable) Cause() *Throwable {
	if o, ok := t.Object.Fields["cause"].(*Object); ok && o != nil {
		return &Throwable{Object: o}
	}
	return nil
}

// InstanceOf reports whether the throwable is a name or a subclass of it.
func (t *Throwable) InstanceOf(name string) bool { return t.Object.Class.AssignableTo(name) }

// Class is a defined class.
type Class struct {
	Name       string
	Super      *Class
	Interfaces []*Class
	Access     ir.Access
	// Def is the verified definition; nil for native platform classes.
	Def *ir.Class

	methods map[string]*Method
	fields  []fieldDecl
	statics map[string]Value
	state   initState
}

type fieldDecl struct {
	name, desc string
}

type initState int

const (
	uninitialized initState = iota
	initializing
	initialized
	initFailed
)

// IsInterface reports whether the class is an interface.
func (c *Class) IsInterface() bool { return c.Access.Has(ir.AccInterface) }

// AssignableTo reports whether instances of c are instances of name.
func (c *Class) AssignableTo(name string) bool {
	if name == ir.RootClass {
		return true
	}
	for k := c; k != nil; k = k.Super {
		if k.Name == name {
			return true
		}
		for _, i := range k.Interfaces {
			if i.AssignableTo(name) {
				return true
			}
		}
	}
	return false
}

// Method returns the method declared by c itself.
func (c *Class) Method(name, desc string) *Method {
	return c.methods[name+":"+desc]
}

// FindMethod walks the superclass chain, then the interfaces, for a method.
func (c *Class) FindMethod(name, desc string) *Method {
	for k := c; k != nil; k = k.Super {
		if m := k.Method(name, desc); m != nil {
			return m
		}
	}
	for k := c; k != nil; k = k.Super {
		for _, i := range k.Interfaces {
			if m := i.FindMethod(name, desc); m != nil {
				return m
			}
		}
	}
	return nil
}

// HasField reports whether instances of c carry the field.
func (c *Class) HasField(name string) bool {
	for k := c; k != nil; k = k.Super {
		for _, f := range k.fields {
			if f.name == name {
				return true
			}
		}
	}
	return false
}

// staticOwner returns the class in the chain declaring the static field.
func (c *Class) staticOwner(name string) *Class {
	for k := c; k != nil; k = k.Super {
		if _, ok := k.statics[name]; ok {
			return k
		}
		for _, i := range k.Interfaces {
			if o := i.staticOwner(name); o != nil {
				return o
			}
		}
	}
	return nil
}

// Static returns the current value of a static field declared by c or an
// ancestor. It does not trigger initialisation.
func (c *Class) Static(name string) (Value, bool) {
	o := c.staticOwner(name)
	if o == nil {
		return nil, false
	}
	return o.statics[name], true
}

// NativeFunc implements a method natively. args holds the receiver first
// for instance methods.
type NativeFunc func(call *Call, args []Value) (Value, error)

// Method is a defined method.
type Method struct {
	Class  *Class
	Name   string
	Desc   string
	Access ir.Access

	def      *ir.Method
	labels   map[string]int
	handlers []handler
	native   NativeFunc
	argc     int
}

type handler struct {
	start, end, target int
	typ                string
}

// String returns owner.name:desc.
func (m *Method) String() string { return ir.MemberName(m.Class.Name, m.Name, m.Desc) }

// IsStatic reports whether the method has no receiver.
func (m *Method) IsStatic() bool { return m.Access.Has(ir.AccStatic) }

func newMethod(c *Class, def *ir.Method) *Method {
	m := &Method{
		Class:  c,
		Name:   def.Name,
		Desc:   def.Desc,
		Access: def.Access,
		def:    def,
		labels: def.Labels(),
		argc:   ir.ArgumentCount(def.Desc),
	}
	if !m.IsStatic() {
		m.argc++
	}
	for _, h := range def.Handlers {
		m.handlers = append(m.handlers, handler{
			start:  m.labels[h.Start],
			end:    m.labels[h.End],
			target: m.labels[h.Target],
			typ:    h.Type,
		})
	}
	return m
}

func describe(v Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case *Object:
		return x.Class.Name
	case *Array:
		return "[" + x.Elem
	case string:
		return "lang/String"
	case int64:
		return "lang/Integer"
	case float64:
		return "lang/Double"
	}
	return fmt.Sprintf("%T", v)
}
