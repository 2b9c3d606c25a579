package host

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/ir"
)

// NonDeterministicAnnotation marks platform members whose results differ
// between runs.
const NonDeterministicAnnotation = "lang/annotation/NonDeterministic"

type nativeClass struct {
	name       string
	super      string
	interfaces []string
	access     ir.Access
	fields     []*ir.Field
	methods    []nativeMethod
	nondet     bool
}

type nativeMethod struct {
	name   string
	desc   string
	access ir.Access
	fn     NativeFunc
	nondet bool
}

const (
	pub       = ir.AccPublic
	pubStatic = ir.AccPublic | ir.AccStatic
	pubFinal  = ir.AccPublic | ir.AccFinal
	pubIface  = ir.AccPublic | ir.AccInterface | ir.AccAbstract
	pubAbst   = ir.AccPublic | ir.AccAbstract
)

func throwable(name, super string) nativeClass {
	return nativeClass{name: name, super: super, access: pub}
}

// platformClasses describes the natively implemented library.
func platformClasses() []nativeClass {
	classes := []nativeClass{
		{
			name:   ir.RootClass,
			access: pub,
			methods: []nativeMethod{
				{name: "<init>", desc: "()V", access: pub, fn: noop},
				// Sandboxed hash calls go through the runtime, which seeds per session.
				{name: "hashCode", desc: "()I", access: pub, fn: objectHashCode},
				{name: "equals", desc: "(Llang/Object;)Z", access: pub, fn: objectEquals},
				{name: "toString", desc: "()Llang/String;", access: pub, fn: objectToString},
				{name: "getClass", desc: "()Llang/Class;", access: pubFinal, fn: objectGetClass},
				{name: "wait", desc: "()V", access: pubFinal, fn: monitorState},
				{name: "wait", desc: "(I)V", access: pubFinal, fn: monitorState},
				{name: "wait", desc: "(II)V", access: pubFinal, fn: monitorState},
				{name: "notify", desc: "()V", access: pubFinal, fn: monitorState},
				{name: "notifyAll", desc: "()V", access: pubFinal, fn: monitorState},
			},
		},
		{
			name:       "lang/String",
			super:      ir.RootClass,
			interfaces: []string{"lang/Comparable"},
			access:     pubFinal,
			methods: []nativeMethod{
				{name: "length", desc: "()I", access: pub, fn: stringLength},
				{name: "isEmpty", desc: "()Z", access: pub, fn: stringIsEmpty},
				{name: "charAt", desc: "(I)I", access: pub, fn: stringCharAt},
				{name: "concat", desc: "(Llang/String;)Llang/String;", access: pub, fn: stringConcat},
				{name: "substring", desc: "(II)Llang/String;", access: pub, fn: stringSubstring},
				{name: "indexOf", desc: "(Llang/String;)I", access: pub, fn: stringIndexOf},
				{name: "equals", desc: "(Llang/Object;)Z", access: pub, fn: valueEquals},
				{name: "hashCode", desc: "()I", access: pub, fn: valueHashCode},
				{name: "toString", desc: "()Llang/String;", access: pub, fn: identity},
				{name: "compareTo", desc: "(Llang/Object;)I", access: pub, fn: stringCompareTo},
				{name: "valueOf", desc: "(I)Llang/String;", access: pubStatic, fn: valueOf},
				{name: "valueOf", desc: "(D)Llang/String;", access: pubStatic, fn: valueOf},
				{name: "valueOf", desc: "(Llang/Object;)Llang/String;", access: pubStatic, fn: valueOf},
			},
		},
		{
			name:   "lang/StringBuilder",
			super:  ir.RootClass,
			access: pubFinal,
			methods: []nativeMethod{
				{name: "<init>", desc: "()V", access: pub, fn: builderInit},
				{name: "<init>", desc: "(Llang/String;)V", access: pub, fn: builderInit},
				{name: "append", desc: "(Llang/String;)Llang/StringBuilder;", access: pub, fn: builderAppend},
				{name: "append", desc: "(I)Llang/StringBuilder;", access: pub, fn: builderAppend},
				{name: "append", desc: "(D)Llang/StringBuilder;", access: pub, fn: builderAppend},
				{name: "append", desc: "(Llang/Object;)Llang/StringBuilder;", access: pub, fn: builderAppend},
				{name: "length", desc: "()I", access: pub, fn: builderLength},
				{name: "toString", desc: "()Llang/String;", access: pub, fn: builderToString},
			},
		},
		{
			name:       "lang/Integer",
			super:      ir.RootClass,
			interfaces: []string{"lang/Comparable"},
			access:     pubFinal,
			methods: []nativeMethod{
				{name: "valueOf", desc: "(I)Llang/Integer;", access: pubStatic, fn: identity},
				{name: "intValue", desc: "()I", access: pub, fn: identity},
				{name: "parseInt", desc: "(Llang/String;)I", access: pubStatic, fn: parseInt},
				{name: "toString", desc: "()Llang/String;", access: pub, fn: valueOf},
				{name: "toString", desc: "(I)Llang/String;", access: pubStatic, fn: valueOf},
				{name: "hashCode", desc: "()I", access: pub, fn: valueHashCode},
				{name: "equals", desc: "(Llang/Object;)Z", access: pub, fn: valueEquals},
				{name: "compareTo", desc: "(Llang/Object;)I", access: pub, fn: numberCompareTo},
			},
		},
		{
			name:       "lang/Double",
			super:      ir.RootClass,
			interfaces: []string{"lang/Comparable"},
			access:     pubFinal,
			methods: []nativeMethod{
				{name: "valueOf", desc: "(D)Llang/Double;", access: pubStatic, fn: identity},
				{name: "doubleValue", desc: "()D", access: pub, fn: identity},
				{name: "parseDouble", desc: "(Llang/String;)D", access: pubStatic, fn: parseDouble},
				{name: "isNaN", desc: "(D)Z", access: pubStatic, fn: isNaN},
				{name: "toString", desc: "()Llang/String;", access: pub, fn: valueOf},
				{name: "toString", desc: "(D)Llang/String;", access: pubStatic, fn: valueOf},
				{name: "hashCode", desc: "()I", access: pub, fn: valueHashCode},
				{name: "equals", desc: "(Llang/Object;)Z", access: pub, fn: valueEquals},
				{name: "compareTo", desc: "(Llang/Object;)I", access: pub, fn: numberCompareTo},
			},
		},
		{
			name:   "lang/Math",
			super:  ir.RootClass,
			access: pubFinal,
			methods: []nativeMethod{
				{name: "abs", desc: "(I)I", access: pubStatic, fn: mathAbs},
				{name: "abs", desc: "(D)D", access: pubStatic, fn: mathAbs},
				{name: "max", desc: "(II)I", access: pubStatic, fn: mathMax},
				{name: "max", desc: "(DD)D", access: pubStatic, fn: mathMax},
				{name: "min", desc: "(II)I", access: pubStatic, fn: mathMin},
				{name: "min", desc: "(DD)D", access: pubStatic, fn: mathMin},
				{name: "sqrt", desc: "(D)D", access: pubStatic, fn: float1(math.Sqrt)},
				{name: "floor", desc: "(D)D", access: pubStatic, fn: float1(math.Floor)},
				{name: "ceil", desc: "(D)D", access: pubStatic, fn: float1(math.Ceil)},
				{name: "pow", desc: "(DD)D", access: pubStatic, fn: mathPow},
				{name: "floorMod", desc: "(II)I", access: pubStatic, fn: mathFloorMod},
				{name: "addExact", desc: "(II)I", access: pubStatic, fn: exact(ir.ADD)},
				{name: "subtractExact", desc: "(II)I", access: pubStatic, fn: exact(ir.SUB)},
				{name: "multiplyExact", desc: "(II)I", access: pubStatic, fn: exact(ir.MUL)},
				{name: "random", desc: "()D", access: pubStatic, fn: mathRandom, nondet: true},
			},
		},
		{
			name:   "lang/System",
			super:  ir.RootClass,
			access: pubFinal,
			methods: []nativeMethod{
				{name: "currentTimeMillis", desc: "()I", access: pubStatic, fn: currentTimeMillis, nondet: true},
				{name: "nanoTime", desc: "()I", access: pubStatic, fn: nanoTime, nondet: true},
				{name: "arraycopy", desc: "(Llang/Object;ILlang/Object;II)V", access: pubStatic, fn: arraycopy},
				{name: "identityHashCode", desc: "(Llang/Object;)I", access: pubStatic, fn: systemIdentityHashCode},
			},
		},
		{
			name:   "lang/Class",
			super:  ir.RootClass,
			access: pubFinal,
			methods: []nativeMethod{
				{name: "getName", desc: "()Llang/String;", access: pub, fn: classGetName},
				{name: "forName", desc: "(Llang/String;)Llang/Class;", access: pubStatic, fn: classForName},
				{name: "newInstance", desc: "()Llang/Object;", access: pub, fn: classNewInstance},
			},
		},
		{
			name:   "lang/ClassLoader",
			super:  ir.RootClass,
			access: pubAbst,
			methods: []nativeMethod{
				{name: "<init>", desc: "()V", access: ir.AccProtected, fn: noop},
				{name: "loadClass", desc: "(Llang/String;)Llang/Class;", access: pub, fn: loaderLoadClass},
			},
		},
		{
			name:       "lang/Thread",
			super:      ir.RootClass,
			interfaces: []string{"lang/Runnable"},
			access:     pub,
			nondet:     true,
			methods: []nativeMethod{
				{name: "<init>", desc: "()V", access: pub, fn: noop},
				{name: "start", desc: "()V", access: pub, fn: threadStart},
				{name: "run", desc: "()V", access: pub, fn: noop},
				{name: "currentThread", desc: "()Llang/Thread;", access: pubStatic, fn: currentThread},
				{name: "sleep", desc: "(I)V", access: pubStatic, fn: noop},
			},
		},
		{name: "lang/Runnable", access: pubIface, methods: []nativeMethod{
			{name: "run", desc: "()V", access: pubAbst},
		}},
		{name: "lang/Comparable", access: pubIface, methods: []nativeMethod{
			{name: "compareTo", desc: "(Llang/Object;)I", access: pubAbst},
		}},
		{name: "lang/Function", access: pubIface, methods: []nativeMethod{
			{name: "apply", desc: "(Llang/Object;)Llang/Object;", access: pubAbst},
		}},
		{name: NonDeterministicAnnotation, access: pubIface},
		{
			name:   "lang/Throwable",
			super:  ir.RootClass,
			access: pub,
			fields: []*ir.Field{
				{Name: "message", Desc: "Llang/String;", Access: ir.AccPrivate},
				{Name: "cause", Desc: "Llang/Throwable;", Access: ir.AccPrivate},
			},
			methods: []nativeMethod{
				{name: "<init>", desc: "()V", access: pub, fn: noop},
				{name: "<init>", desc: "(Llang/String;)V", access: pub, fn: throwableInit},
				{name: "<init>", desc: "(Llang/String;Llang/Throwable;)V", access: pub, fn: throwableInit},
				{name: "getMessage", desc: "()Llang/String;", access: pub, fn: throwableGetMessage},
				{name: "getCause", desc: "()Llang/Throwable;", access: pub, fn: throwableGetCause},
				{name: "toString", desc: "()Llang/String;", access: pub, fn: throwableToString},
			},
		},
		throwable("lang/Exception", "lang/Throwable"),
		throwable("lang/RuntimeException", "lang/Exception"),
		throwable("lang/InterruptedException", "lang/Exception"),
		throwable("lang/ClassNotFoundException", "lang/Exception"),
		throwable("lang/ArithmeticException", "lang/RuntimeException"),
		throwable("lang/NullPointerException", "lang/RuntimeException"),
		throwable("lang/ClassCastException", "lang/RuntimeException"),
		throwable("lang/IllegalArgumentException", "lang/RuntimeException"),
		throwable("lang/NumberFormatException", "lang/IllegalArgumentException"),
		throwable("lang/IllegalStateException", "lang/RuntimeException"),
		throwable("lang/IllegalMonitorStateException", "lang/RuntimeException"),
		throwable("lang/IndexOutOfBoundsException", "lang/RuntimeException"),
		throwable("lang/ArrayIndexOutOfBoundsException", "lang/IndexOutOfBoundsException"),
		throwable("lang/NegativeArraySizeException", "lang/RuntimeException"),
		throwable("lang/UnsupportedOperationException", "lang/RuntimeException"),
		throwable("lang/Error", "lang/Throwable"),
		throwable("lang/AssertionError", "lang/Error"),
		throwable("lang/ThreadDeath", "lang/Error"),
		throwable("lang/VirtualMachineError", "lang/Error"),
		throwable("lang/StackOverflowError", "lang/VirtualMachineError"),
		throwable("lang/OutOfMemoryError", "lang/VirtualMachineError"),
		throwable("lang/LinkageError", "lang/Error"),
		throwable("lang/NoClassDefFoundError", "lang/LinkageError"),
		throwable("lang/ExceptionInInitializerError", "lang/LinkageError"),
		throwable("lang/UnsatisfiedLinkError", "lang/LinkageError"),
		throwable("lang/BootstrapMethodError", "lang/LinkageError"),
		throwable("lang/IncompatibleClassChangeError", "lang/LinkageError"),
		throwable("lang/NoSuchMethodError", "lang/IncompatibleClassChangeError"),
		throwable("lang/NoSuchFieldError", "lang/IncompatibleClassChangeError"),
		throwable("lang/AbstractMethodError", "lang/IncompatibleClassChangeError"),
		throwable("lang/InstantiationError", "lang/IncompatibleClassChangeError"),
		throwable(ThresholdViolationError, "lang/ThreadDeath"),
		throwable(RuleViolationError, "lang/ThreadDeath"),
		{
			name:   RuntimeClass,
			super:  ir.RootClass,
			access: pubFinal,
			methods: []nativeMethod{
				{name: "recordAllocation", desc: "()V", access: pubStatic, fn: recordCost(costing.Allocation)},
				{name: "recordInvocation", desc: "()V", access: pubStatic, fn: recordCost(costing.Invocation)},
				{name: "recordJump", desc: "()V", access: pubStatic, fn: recordCost(costing.Jump)},
				{name: "recordThrow", desc: "()V", access: pubStatic, fn: recordCost(costing.Throw)},
				{name: "hashCode", desc: "(Llang/Object;)I", access: pubStatic, fn: runtimeHashCode},
				{name: "identityHashCode", desc: "(Llang/Object;)I", access: pubStatic, fn: runtimeIdentityHashCode},
				{name: "checkCatch", desc: "(Llang/Throwable;)Llang/Throwable;", access: pubStatic, fn: runtimeCheckCatch},
				{name: "ruleViolation", desc: "(Llang/String;)V", access: pubStatic, fn: runtimeRuleViolation},
			},
		},
	}
	return classes
}

// definePlatform adds fresh copies of the platform classes, so static
// state never leaks between runtimes.
func (rt *Runtime) definePlatform() {
	for _, nc := range platformClasses() {
		c := &Class{
			Name:    nc.name,
			Access:  nc.access,
			methods: make(map[string]*Method, len(nc.methods)),
			statics: make(map[string]Value),
			state:   initialized,
		}
		if nc.super != "" {
			c.Super = rt.classes[nc.super]
		}
		for _, i := range nc.interfaces {
			if ic, ok := rt.classes[i]; ok {
				c.Interfaces = append(c.Interfaces, ic)
			}
		}
		for _, f := range nc.fields {
			c.fields = append(c.fields, fieldDecl{name: f.Name, desc: f.Desc})
		}
		for _, nm := range nc.methods {
			m := &Method{Class: c, Name: nm.name, Desc: nm.desc, Access: nm.access, native: nm.fn,
				argc: ir.ArgumentCount(nm.desc)}
			if !m.IsStatic() {
				m.argc++
			}
			c.methods[nm.name+":"+nm.desc] = m
		}
		rt.classes[nc.name] = c
	}
	// Interfaces declared after their implementors are linked in a second pass.
	for _, nc := range platformClasses() {
		c := rt.classes[nc.name]
		if len(c.Interfaces) == len(nc.interfaces) {
			continue
		}
		c.Interfaces = c.Interfaces[:0]
		for _, i := range nc.interfaces {
			c.Interfaces = append(c.Interfaces, rt.classes[i])
		}
	}
}

// Library describes the platform classes without a runtime. The
// validator uses it to tell missing symbols from forbidden ones.
type Library struct {
	classes map[string]*nativeClass
}

var platformLibrary = sync.OnceValue(func() *Library {
	l := &Library{classes: make(map[string]*nativeClass)}
	for _, nc := range platformClasses() {
		l.classes[nc.name] = &nc
	}
	return l
})

// Platform returns the description of the platform library.
func Platform() *Library { return platformLibrary() }

// HasClass reports whether the platform defines the class.
func (l *Library) HasClass(name string) bool {
	_, ok := l.classes[name]
	return ok
}

// Names returns the platform class names, sorted.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.classes))
	for n := range l.classes {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// HasMember reports whether the class or one of its platform ancestors
// declares the member. Fields are matched by name only.
func (l *Library) HasMember(class, name, desc string) bool {
	seen := make(map[string]bool)
	queue := []string{class}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		nc, ok := l.classes[cur]
		if !ok {
			continue
		}
		for _, m := range nc.methods {
			if m.name == name && m.desc == desc {
				return true
			}
		}
		for _, f := range nc.fields {
			if f.Name == name {
				return true
			}
		}
		if nc.super != "" {
			queue = append(queue, nc.super)
		}
		queue = append(queue, nc.interfaces...)
	}
	return false
}

// Describe returns the structure of a platform class as a compiled unit
// without code. Members whose results are not reproducible carry the
// non-determinism annotation.
func (l *Library) Describe(name string) (*ir.Class, bool) {
	nc, ok := l.classes[name]
	if !ok {
		return nil, false
	}
	c := &ir.Class{
		Name:       nc.name,
		Super:      nc.super,
		Interfaces: slices.Clone(nc.interfaces),
		Access:     nc.access,
	}
	if nc.nondet {
		c.Annotations = []string{NonDeterministicAnnotation}
	}
	for _, f := range nc.fields {
		cp := *f
		c.Fields = append(c.Fields, &cp)
	}
	for _, m := range nc.methods {
		im := &ir.Method{Name: m.name, Desc: m.desc, Access: m.access | ir.AccNative}
		if m.access.Has(ir.AccAbstract) {
			im.Access = m.access
		}
		if m.nondet {
			im.Annotations = []string{NonDeterministicAnnotation}
		}
		c.Methods = append(c.Methods, im)
	}
	return c, true
}

// Stringify converts a value to its textual form, dispatching toString
// on objects.
func (rt *Runtime) Stringify(call *Call, v Value) (string, error) {
	switch x := v.(type) {
	case nil:
		return "null", nil
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return formatDouble(x), nil
	case *Array:
		return fmt.Sprintf("[%s@%x", x.Elem, rt.IdentityHash(x)), nil
	case *Object:
		m := x.Class.FindMethod("toString", "()Llang/String;")
		r, err := rt.invoke(call.Ctx, m, []Value{x})
		if err != nil {
			return "", err
		}
		s, _ := r.(string)
		if r == nil {
			s = "null"
		}
		return s, nil
	}
	return "", fmt.Errorf("%w: cannot stringify %T", ErrInternal, v)
}

func formatDouble(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// stringHash is the classic polynomial string hash over 32-bit integers.
func stringHash(s string) int64 {
	var h int32
	for _, r := range s {
		h = 31*h + int32(r)
	}
	return int64(h)
}

func doubleHash(f float64) int64 {
	bits := math.Float64bits(f)
	return int64(int32(bits ^ (bits >> 32)))
}
