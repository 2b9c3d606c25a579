package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/ir"
)

// DefaultMaxDepth bounds the interpreter call depth.
const DefaultMaxDepth = 1000

// identityHashBase is the first deterministic identity hash minus one.
const identityHashBase = 0xfedc0de

// ClassProvider supplies classes the runtime does not know yet. Resolve
// is expected to define the class in the runtime it was given to and
// return it; missing classes are reported with an error wrapping
// ErrClassNotFound.
type ClassProvider interface {
	Resolve(ctx context.Context, name string) (*Class, error)
}

// Accounter charges the costs reported by instrumented code.
type Accounter interface {
	Record(ctx context.Context, c costing.Cost) error
}

// Options configures a Runtime.
type Options struct {
	Provider  ClassProvider
	Accounter Accounter
	// MaxDepth bounds the call depth; zero selects DefaultMaxDepth.
	MaxDepth int
	Logger   *slog.Logger
}

// Runtime is one isolated instance of the execution platform.
type Runtime struct {
	classes  map[string]*Class
	defining map[string]bool
	mirrors  map[*Class]*Object
	thread   *Object

	provider  ClassProvider
	accounter Accounter
	maxDepth  int
	logger    *slog.Logger

	depth    int
	identity int64
	platform int64
}

// NewRuntime returns a runtime with the platform library defined.
func NewRuntime(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	rt := &Runtime{
		classes:   make(map[string]*Class),
		defining:  make(map[string]bool),
		mirrors:   make(map[*Class]*Object),
		provider:  opts.Provider,
		accounter: opts.Accounter,
		maxDepth:  maxDepth,
		logger:    logger,
		// The platform identity hash is not reproducible across runs.
		platform: time.Now().UnixNano() & 0x7fffffff,
	}
	rt.definePlatform()
	return rt
}

// SetProvider replaces the class provider. Used when the provider itself
// needs the runtime to be constructed first.
func (rt *Runtime) SetProvider(p ClassProvider) { rt.provider = p }

// Lookup returns a class already defined in the runtime.
func (rt *Runtime) Lookup(name string) (*Class, bool) {
	c, ok := rt.classes[name]
	return c, ok
}

// Class returns the named class, asking the provider when it is not
// defined yet.
func (rt *Runtime) Class(ctx context.Context, name string) (*Class, error) {
	if c, ok := rt.classes[name]; ok {
		return c, nil
	}
	if rt.defining[name] {
		return nil, fmt.Errorf("%w: %s", ErrClassCircularity, name)
	}
	if rt.provider == nil {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
	}
	return rt.provider.Resolve(ctx, name)
}

// Define verifies def and adds it to the runtime, resolving its
// superclass and interfaces first.
func (rt *Runtime) Define(ctx context.Context, def *ir.Class) (*Class, error) {
	if _, ok := rt.classes[def.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateClass, def.Name)
	}
	if rt.defining[def.Name] {
		return nil, fmt.Errorf("%w: %s", ErrClassCircularity, def.Name)
	}
	if err := Verify(def); err != nil {
		return nil, err
	}
	rt.defining[def.Name] = true
	defer delete(rt.defining, def.Name)

	c := &Class{
		Name:    def.Name,
		Access:  def.Access,
		Def:     def,
		methods: make(map[string]*Method, len(def.Methods)),
		statics: make(map[string]Value),
	}

	super, err := rt.Class(ctx, def.Super)
	if err != nil {
		return nil, fmt.Errorf("defining %s: resolving superclass %s: %w", def.Name, def.Super, err)
	}
	if super.IsInterface() {
		return nil, fmt.Errorf("%w: %s: superclass %s is an interface", ErrVerify, def.Name, super.Name)
	}
	if super.Access.Has(ir.AccFinal) {
		return nil, fmt.Errorf("%w: %s: cannot inherit from final class %s", ErrVerify, def.Name, super.Name)
	}
	c.Super = super
	for _, name := range def.Interfaces {
		i, err := rt.Class(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("defining %s: resolving interface %s: %w", def.Name, name, err)
		}
		if !i.IsInterface() {
			return nil, fmt.Errorf("%w: %s: %s is not an interface", ErrVerify, def.Name, name)
		}
		c.Interfaces = append(c.Interfaces, i)
	}

	for _, f := range def.Fields {
		if f.Access.Has(ir.AccStatic) {
			c.statics[f.Name] = zero(f.Desc)
			continue
		}
		c.fields = append(c.fields, fieldDecl{name: f.Name, desc: f.Desc})
	}
	for _, m := range def.Methods {
		c.methods[m.Name+":"+m.Desc] = newMethod(c, m)
	}

	// Resolving ancestors may have defined the class through the provider.
	if _, ok := rt.classes[def.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateClass, def.Name)
	}
	rt.classes[def.Name] = c
	rt.logger.Debug("class defined",
		slog.String("class", def.Name),
		slog.String("super", def.Super),
		slog.Int("methods", len(def.Methods)),
	)
	return c, nil
}

// Invoke calls m with explicit arguments, the receiver first for
// instance methods. A thrown object is returned as a *Throwable.
func (rt *Runtime) Invoke(ctx context.Context, m *Method, args ...Value) (v Value, err error) {
	defer rt.recoverInternal(&err)
	if len(args) != m.argc {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrInternal, m, m.argc, len(args))
	}
	if m.IsStatic() {
		if err := rt.initialize(ctx, m.Class); err != nil {
			return nil, err
		}
	}
	return rt.invoke(ctx, m, args)
}

// InvokeVirtual dispatches name:desc on the class of the receiver.
func (rt *Runtime) InvokeVirtual(ctx context.Context, recv Value, name, desc string, args ...Value) (v Value, err error) {
	defer rt.recoverInternal(&err)
	if recv == nil {
		return nil, rt.Throw("lang/NullPointerException", "Cannot invoke %s on null", name)
	}
	m := rt.classOf(recv).FindMethod(name, desc)
	if m == nil {
		return nil, rt.Throw("lang/NoSuchMethodError", "%s", ir.MemberName(describe(recv), name, desc))
	}
	return rt.invoke(ctx, m, append([]Value{recv}, args...))
}

// NewInstance initialises c, allocates an instance and runs its
// no-argument constructor.
func (rt *Runtime) NewInstance(ctx context.Context, c *Class) (o *Object, err error) {
	defer rt.recoverInternal(&err)
	return rt.newInstance(ctx, c)
}

func (rt *Runtime) newInstance(ctx context.Context, c *Class) (*Object, error) {
	if c.IsInterface() || c.Access.Has(ir.AccAbstract) {
		return nil, rt.Throw("lang/InstantiationError", "%s", c.Name)
	}
	if err := rt.initialize(ctx, c); err != nil {
		return nil, err
	}
	ctor := c.Method("<init>", "()V")
	if ctor == nil {
		return nil, rt.Throw("lang/NoSuchMethodError", "%s", ir.MemberName(c.Name, "<init>", "()V"))
	}
	o := rt.alloc(c)
	if _, err := rt.invoke(ctx, ctor, []Value{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// Throw builds a throwable of the named platform class. The result is
// always non-nil and suitable for returning as an error.
func (rt *Runtime) Throw(class, format string, args ...any) error {
	c, ok := rt.classes[class]
	if !ok {
		c = rt.classes["lang/Error"]
	}
	o := rt.alloc(c)
	if msg := fmt.Sprintf(format, args...); msg != "" {
		o.Fields["message"] = msg
	}
	return &Throwable{Object: o}
}

// Depth returns the current interpreter call depth.
func (rt *Runtime) Depth() int { return rt.depth }

// Classes returns the number of classes defined in the runtime.
func (rt *Runtime) Classes() int { return len(rt.classes) }

func (rt *Runtime) alloc(c *Class) *Object {
	o := &Object{Class: c, Fields: make(map[string]Value)}
	for k := c; k != nil; k = k.Super {
		for _, f := range k.fields {
			o.Fields[f.name] = zero(f.desc)
		}
	}
	return o
}

// resolve returns a class for the interpreter, turning a missing class
// into a catchable NoClassDefFoundError.
func (rt *Runtime) resolve(ctx context.Context, name string) (*Class, error) {
	if strings.HasPrefix(name, "[") {
		return rt.classes[ir.RootClass], nil
	}
	c, err := rt.Class(ctx, name)
	if errors.Is(err, ErrClassNotFound) {
		return nil, rt.Throw("lang/NoClassDefFoundError", "%s", name)
	}
	return c, err
}

// initialize runs static initialisers of c and its ancestors once.
func (rt *Runtime) initialize(ctx context.Context, c *Class) error {
	switch c.state {
	case initialized, initializing:
		return nil
	case initFailed:
		return rt.Throw("lang/NoClassDefFoundError", "Could not initialize class %s", c.Name)
	}
	c.state = initializing
	if c.Super != nil {
		if err := rt.initialize(ctx, c.Super); err != nil {
			c.state = initFailed
			return err
		}
	}
	if m := c.Method("<clinit>", "()V"); m != nil {
		if _, err := rt.invoke(ctx, m, nil); err != nil {
			c.state = initFailed
			var t *Throwable
			if errors.As(err, &t) && !t.InstanceOf("lang/Error") {
				wrapped := rt.Throw("lang/ExceptionInInitializerError", "").(*Throwable)
				wrapped.Object.Fields["cause"] = t.Object
				return wrapped
			}
			return err
		}
	}
	c.state = initialized
	return nil
}

func (rt *Runtime) invoke(ctx context.Context, m *Method, args []Value) (Value, error) {
	if rt.depth >= rt.maxDepth {
		return nil, rt.Throw("lang/StackOverflowError", "")
	}
	rt.depth++
	defer func() { rt.depth-- }()

	if m.native != nil {
		return m.native(&Call{Ctx: ctx, Runtime: rt, Method: m}, args)
	}
	if m.def == nil || len(m.def.Code) == 0 {
		if m.Access.Has(ir.AccNative) {
			return nil, rt.Throw("lang/UnsatisfiedLinkError", "%s", m)
		}
		return nil, rt.Throw("lang/AbstractMethodError", "%s", m)
	}
	return rt.execute(ctx, m, args)
}

// classOf returns the class used for dispatch on v.
func (rt *Runtime) classOf(v Value) *Class {
	switch x := v.(type) {
	case *Object:
		return x.Class
	case string:
		return rt.classes["lang/String"]
	case int64:
		return rt.classes["lang/Integer"]
	case float64:
		return rt.classes["lang/Double"]
	}
	return rt.classes[ir.RootClass]
}

// IsInstance reports whether v is an instance of the type, given as an
// internal class name or an array descriptor.
func (rt *Runtime) IsInstance(v Value, typ string) bool {
	if v == nil {
		return false
	}
	if strings.HasPrefix(typ, "[") {
		a, ok := v.(*Array)
		if !ok {
			return false
		}
		elem := typ[1:]
		return a.Elem == elem || (elem == ir.TypeOf(ir.RootClass) && !ir.IsPrimitive(a.Elem))
	}
	if _, ok := v.(*Array); ok {
		return typ == ir.RootClass
	}
	return rt.classOf(v).AssignableTo(typ)
}

func (rt *Runtime) nextIdentity() int64 {
	rt.identity++
	return identityHashBase + rt.identity
}

// IdentityHash returns the deterministic identity hash of v, assigning
// the next value of the per-runtime sequence on first use.
func (rt *Runtime) IdentityHash(v Value) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case *Object:
		if x.Class.HasField(IdentityHashField) {
			if h, _ := x.Fields[IdentityHashField].(int64); h != 0 {
				return h
			}
			h := rt.nextIdentity()
			x.Fields[IdentityHashField] = h
			return h
		}
		if x.hash == 0 {
			x.hash = rt.nextIdentity()
		}
		return x.hash
	case *Array:
		if x.hash == 0 {
			x.hash = rt.nextIdentity()
		}
		return x.hash
	case string:
		return stringHash(x)
	case int64:
		return x
	case float64:
		return doubleHash(x)
	}
	return 0
}

// platformHash is the identity hash the bare platform hands out.
func (rt *Runtime) platformHash(v Value) int64 {
	switch x := v.(type) {
	case *Object:
		if x.platform == 0 {
			rt.platform = (rt.platform*1103515245 + 12345) & 0x7fffffff
			x.platform = rt.platform
		}
		return x.platform
	}
	return rt.IdentityHash(v)
}

type internalPanic struct{ msg string }

func (rt *Runtime) recoverInternal(err *error) {
	r := recover()
	if r == nil {
		return
	}
	rt.depth = 0
	if p, ok := r.(internalPanic); ok {
		*err = fmt.Errorf("%w: %s", ErrInternal, p.msg)
		return
	}
	*err = fmt.Errorf("%w: %v", ErrInternal, r)
}

func zero(desc string) Value {
	switch desc {
	case "I", "Z":
		return int64(0)
	case "D":
		return float64(0)
	}
	return nil
}
