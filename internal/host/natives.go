package host

import (
	"errors"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/ir"
)

func noop(*Call, []Value) (Value, error) { return nil, nil }

func identity(_ *Call, args []Value) (Value, error) { return args[0], nil }

func intArg(args []Value, i int) int64 {
	v, _ := args[i].(int64)
	return v
}

func floatArg(args []Value, i int) float64 {
	v, _ := toFloat(args[i])
	return v
}

func stringArg(call *Call, args []Value, i int) (string, error) {
	switch s := args[i].(type) {
	case string:
		return s, nil
	case nil:
		return "", call.Runtime.Throw("lang/NullPointerException", "%s: argument %d is null", call.Method, i)
	}
	return "", call.Runtime.Throw("lang/ClassCastException", "class %s cannot be cast to class lang/String", describe(args[i]))
}

// lang/Object

func objectHashCode(call *Call, args []Value) (Value, error) {
	return call.Runtime.platformHash(args[0]), nil
}

func objectEquals(_ *Call, args []Value) (Value, error) {
	return boolValue(same(args[0], args[1])), nil
}

func objectToString(call *Call, args []Value) (Value, error) {
	rt := call.Runtime
	h, err := rt.hashCode(call, args[0])
	if err != nil {
		return nil, err
	}
	return describe(args[0]) + "@" + strconv.FormatInt(h, 16), nil
}

func objectGetClass(call *Call, args []Value) (Value, error) {
	return call.Runtime.mirror(call.Runtime.classOf(args[0])), nil
}

func monitorState(call *Call, _ []Value) (Value, error) {
	return nil, call.Runtime.Throw("lang/IllegalMonitorStateException", "current thread is not owner")
}

// lang/String and boxed numbers

func stringLength(_ *Call, args []Value) (Value, error) {
	return int64(utf8.RuneCountInString(args[0].(string))), nil
}

func stringIsEmpty(_ *Call, args []Value) (Value, error) {
	return boolValue(args[0].(string) == ""), nil
}

func stringCharAt(call *Call, args []Value) (Value, error) {
	r := []rune(args[0].(string))
	i := intArg(args, 1)
	if i < 0 || i >= int64(len(r)) {
		return nil, call.Runtime.Throw("lang/IndexOutOfBoundsException", "Index %d out of bounds for length %d", i, len(r))
	}
	return int64(r[i]), nil
}

func stringConcat(call *Call, args []Value) (Value, error) {
	s, err := stringArg(call, args, 1)
	if err != nil {
		return nil, err
	}
	return args[0].(string) + s, nil
}

func stringSubstring(call *Call, args []Value) (Value, error) {
	r := []rune(args[0].(string))
	begin, end := intArg(args, 1), intArg(args, 2)
	if begin < 0 || end > int64(len(r)) || begin > end {
		return nil, call.Runtime.Throw("lang/IndexOutOfBoundsException",
			"begin %d, end %d, length %d", begin, end, len(r))
	}
	return string(r[begin:end]), nil
}

func stringIndexOf(call *Call, args []Value) (Value, error) {
	sub, err := stringArg(call, args, 1)
	if err != nil {
		return nil, err
	}
	s := args[0].(string)
	i := strings.Index(s, sub)
	if i < 0 {
		return int64(-1), nil
	}
	return int64(utf8.RuneCountInString(s[:i])), nil
}

func stringCompareTo(call *Call, args []Value) (Value, error) {
	other, err := stringArg(call, args, 1)
	if err != nil {
		return nil, err
	}
	return int64(strings.Compare(args[0].(string), other)), nil
}

func valueEquals(_ *Call, args []Value) (Value, error) {
	return boolValue(args[0] == args[1]), nil
}

func valueHashCode(call *Call, args []Value) (Value, error) {
	return call.Runtime.IdentityHash(args[0]), nil
}

func valueOf(call *Call, args []Value) (Value, error) {
	return call.Runtime.Stringify(call, args[0])
}

func numberCompareTo(call *Call, args []Value) (Value, error) {
	if args[1] == nil {
		return nil, call.Runtime.Throw("lang/NullPointerException", "Cannot compare to null")
	}
	c, err := compare(args[0], args[1])
	if err != nil {
		return nil, call.Runtime.Throw("lang/ClassCastException", "class %s cannot be compared to %s",
			describe(args[0]), describe(args[1]))
	}
	return int64(c), nil
}

func parseInt(call *Call, args []Value) (Value, error) {
	s, err := stringArg(call, args, 0)
	if err != nil {
		return nil, err
	}
	n, perr := strconv.ParseInt(s, 10, 64)
	if perr != nil {
		return nil, call.Runtime.Throw("lang/NumberFormatException", "For input string: \"%s\"", s)
	}
	return n, nil
}

func parseDouble(call *Call, args []Value) (Value, error) {
	s, err := stringArg(call, args, 0)
	if err != nil {
		return nil, err
	}
	f, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if perr != nil {
		return nil, call.Runtime.Throw("lang/NumberFormatException", "For input string: \"%s\"", s)
	}
	return f, nil
}

func isNaN(_ *Call, args []Value) (Value, error) {
	return boolValue(math.IsNaN(floatArg(args, 0))), nil
}

// lang/StringBuilder

func builder(o Value) *strings.Builder {
	obj := o.(*Object)
	b, ok := obj.native.(*strings.Builder)
	if !ok {
		b = &strings.Builder{}
		obj.native = b
	}
	return b
}

func builderInit(call *Call, args []Value) (Value, error) {
	b := builder(args[0])
	if len(args) > 1 {
		s, err := stringArg(call, args, 1)
		if err != nil {
			return nil, err
		}
		b.WriteString(s)
	}
	return nil, nil
}

func builderAppend(call *Call, args []Value) (Value, error) {
	s, err := call.Runtime.Stringify(call, args[1])
	if err != nil {
		return nil, err
	}
	builder(args[0]).WriteString(s)
	return args[0], nil
}

func builderLength(_ *Call, args []Value) (Value, error) {
	return int64(utf8.RuneCountInString(builder(args[0]).String())), nil
}

func builderToString(_ *Call, args []Value) (Value, error) {
	return builder(args[0]).String(), nil
}

// lang/Math

func mathAbs(_ *Call, args []Value) (Value, error) {
	if n, ok := args[0].(int64); ok {
		if n < 0 {
			return -n, nil
		}
		return n, nil
	}
	return math.Abs(floatArg(args, 0)), nil
}

func mathMax(_ *Call, args []Value) (Value, error) {
	if a, ok := args[0].(int64); ok {
		return max(a, intArg(args, 1)), nil
	}
	return math.Max(floatArg(args, 0), floatArg(args, 1)), nil
}

func mathMin(_ *Call, args []Value) (Value, error) {
	if a, ok := args[0].(int64); ok {
		return min(a, intArg(args, 1)), nil
	}
	return math.Min(floatArg(args, 0), floatArg(args, 1)), nil
}

func float1(fn func(float64) float64) NativeFunc {
	return func(_ *Call, args []Value) (Value, error) {
		return fn(floatArg(args, 0)), nil
	}
}

func mathPow(_ *Call, args []Value) (Value, error) {
	return math.Pow(floatArg(args, 0), floatArg(args, 1)), nil
}

func mathFloorMod(call *Call, args []Value) (Value, error) {
	x, y := intArg(args, 0), intArg(args, 1)
	if y == 0 {
		return nil, call.Runtime.Throw("lang/ArithmeticException", "/ by zero")
	}
	m := x % y
	if m != 0 && (m < 0) != (y < 0) {
		m += y
	}
	return m, nil
}

func exact(op ir.Opcode) NativeFunc {
	return func(call *Call, args []Value) (Value, error) {
		x, y := intArg(args, 0), intArg(args, 1)
		var r int64
		overflow := false
		switch op {
		case ir.ADD:
			r = x + y
			overflow = (x > 0 && y > 0 && r < 0) || (x < 0 && y < 0 && r >= 0)
		case ir.SUB:
			r = x - y
			overflow = (x >= 0 && y < 0 && r < 0) || (x < 0 && y > 0 && r >= 0)
		default:
			r = x * y
			overflow = x != 0 && (r/x != y || (x == -1 && y == math.MinInt64))
		}
		if overflow {
			return nil, call.Runtime.Throw("lang/ArithmeticException", "integer overflow")
		}
		return r, nil
	}
}

func mathRandom(*Call, []Value) (Value, error) { return rand.Float64(), nil }

// lang/System

func currentTimeMillis(*Call, []Value) (Value, error) { return time.Now().UnixMilli(), nil }

func nanoTime(*Call, []Value) (Value, error) { return time.Now().UnixNano(), nil }

func arraycopy(call *Call, args []Value) (Value, error) {
	rt := call.Runtime
	if args[0] == nil || args[2] == nil {
		return nil, rt.Throw("lang/NullPointerException", "arraycopy: array is null")
	}
	src, ok1 := args[0].(*Array)
	dst, ok2 := args[2].(*Array)
	if !ok1 || !ok2 {
		return nil, rt.Throw("lang/IllegalArgumentException", "arraycopy: argument is not an array")
	}
	srcPos, dstPos, n := intArg(args, 1), intArg(args, 3), intArg(args, 4)
	if srcPos < 0 || dstPos < 0 || n < 0 ||
		srcPos+n > int64(len(src.Data)) || dstPos+n > int64(len(dst.Data)) {
		return nil, rt.Throw("lang/ArrayIndexOutOfBoundsException",
			"arraycopy: last index %d out of bounds", max(srcPos, dstPos)+n)
	}
	copy(dst.Data[dstPos:dstPos+n], src.Data[srcPos:srcPos+n])
	return nil, nil
}

func systemIdentityHashCode(call *Call, args []Value) (Value, error) {
	if args[0] == nil {
		return int64(0), nil
	}
	return call.Runtime.platformHash(args[0]), nil
}

// lang/Class and lang/ClassLoader

func (rt *Runtime) mirror(c *Class) *Object {
	if o, ok := rt.mirrors[c]; ok {
		return o
	}
	o := rt.alloc(rt.classes["lang/Class"])
	o.native = c
	rt.mirrors[c] = o
	return o
}

func classGetName(_ *Call, args []Value) (Value, error) {
	return args[0].(*Object).native.(*Class).Name, nil
}

func classForName(call *Call, args []Value) (Value, error) {
	return forName(call, args, 0)
}

func loaderLoadClass(call *Call, args []Value) (Value, error) {
	return forName(call, args, 1)
}

func forName(call *Call, args []Value, i int) (Value, error) {
	name, err := stringArg(call, args, i)
	if err != nil {
		return nil, err
	}
	rt := call.Runtime
	c, err := rt.Class(call.Ctx, strings.ReplaceAll(name, ".", "/"))
	if errors.Is(err, ErrClassNotFound) {
		return nil, rt.Throw("lang/ClassNotFoundException", "%s", name)
	}
	if err != nil {
		return nil, err
	}
	return rt.mirror(c), nil
}

func classNewInstance(call *Call, args []Value) (Value, error) {
	return call.Runtime.newInstance(call.Ctx, args[0].(*Object).native.(*Class))
}

// lang/Thread

func threadStart(call *Call, _ []Value) (Value, error) {
	return nil, call.Runtime.Throw("lang/UnsupportedOperationException", "threads are not supported")
}

func currentThread(call *Call, _ []Value) (Value, error) {
	rt := call.Runtime
	if rt.thread == nil {
		rt.thread = rt.alloc(rt.classes["lang/Thread"])
	}
	return rt.thread, nil
}

// lang/Throwable

func throwableInit(_ *Call, args []Value) (Value, error) {
	o := args[0].(*Object)
	o.Fields["message"] = args[1]
	if len(args) > 2 {
		o.Fields["cause"] = args[2]
	}
	return nil, nil
}

func throwableGetMessage(_ *Call, args []Value) (Value, error) {
	return args[0].(*Object).Fields["message"], nil
}

func throwableGetCause(_ *Call, args []Value) (Value, error) {
	return args[0].(*Object).Fields["cause"], nil
}

func throwableToString(_ *Call, args []Value) (Value, error) {
	return (&Throwable{Object: args[0].(*Object)}).Error(), nil
}

// sandbox/runtime/Runtime

func recordCost(c costing.Cost) NativeFunc {
	return func(call *Call, _ []Value) (Value, error) {
		return nil, call.Runtime.charge(call, c)
	}
}

// charge records a cost with the accounter. A crossed threshold becomes
// a ThresholdViolationError thrown into the sandboxed code.
func (rt *Runtime) charge(call *Call, c costing.Cost) error {
	if rt.accounter == nil {
		return nil
	}
	err := rt.accounter.Record(call.Ctx, c)
	var v *costing.ThresholdViolation
	if errors.As(err, &v) {
		return rt.Throw(ThresholdViolationError, "%s", v.Error())
	}
	return err
}

func runtimeHashCode(call *Call, args []Value) (Value, error) {
	if args[0] == nil {
		return nil, call.Runtime.Throw("lang/NullPointerException", "Cannot invoke hashCode on null")
	}
	h, err := call.Runtime.hashCode(call, args[0])
	if err != nil {
		return nil, err
	}
	return h, nil
}

// hashCode dispatches hashCode()I on v, using the deterministic identity
// hash when the class does not override the root implementation.
func (rt *Runtime) hashCode(call *Call, v Value) (int64, error) {
	m := rt.classOf(v).FindMethod("hashCode", "()I")
	if m == nil || m.Class.Name == ir.RootClass {
		return rt.IdentityHash(v), nil
	}
	r, err := rt.invoke(call.Ctx, m, []Value{v})
	if err != nil {
		return 0, err
	}
	h, _ := r.(int64)
	return h, nil
}

func runtimeIdentityHashCode(call *Call, args []Value) (Value, error) {
	return call.Runtime.IdentityHash(args[0]), nil
}

// runtimeCheckCatch rethrows throwables a handler must not intercept.
func runtimeCheckCatch(call *Call, args []Value) (Value, error) {
	o, ok := args[0].(*Object)
	if !ok {
		return args[0], nil
	}
	if o.Class.AssignableTo("lang/ThreadDeath") || o.Class.AssignableTo("lang/VirtualMachineError") {
		call.Runtime.logger.Debug("rethrowing fatal throwable from handler", "class", o.Class.Name)
		return nil, &Throwable{Object: o}
	}
	return o, nil
}

func runtimeRuleViolation(call *Call, args []Value) (Value, error) {
	msg, _ := args[0].(string)
	return nil, call.Runtime.Throw(RuleViolationError, "%s", msg)
}
