package host

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jkaninda/detsandbox/internal/ir"
)

// Call is the frame handed to native methods.
type Call struct {
	Ctx     context.Context
	Runtime *Runtime
	Method  *Method
}

type frame struct {
	method *Method
	locals []Value
	stack  []Value
}

func (f *frame) push(v Value) { f.stack = append(f.stack, v) }

func (f *frame) pop() Value {
	if len(f.stack) == 0 {
		panic(internalPanic{msg: fmt.Sprintf("%s: operand stack underflow", f.method)})
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *frame) peek() Value {
	if len(f.stack) == 0 {
		panic(internalPanic{msg: fmt.Sprintf("%s: operand stack underflow", f.method)})
	}
	return f.stack[len(f.stack)-1]
}

func (f *frame) popN(n int) []Value {
	if len(f.stack) < n {
		panic(internalPanic{msg: fmt.Sprintf("%s: operand stack underflow", f.method)})
	}
	args := make([]Value, n)
	copy(args, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return args
}

func (rt *Runtime) execute(ctx context.Context, m *Method, args []Value) (Value, error) {
	code := m.def.Code
	f := &frame{method: m, locals: make([]Value, max(m.def.MaxLocals, len(args)))}
	copy(f.locals, args)

	pc := 0
	for pc < len(code) {
		next, ret, done, err := rt.step(ctx, f, pc)
		if err != nil {
			var t *Throwable
			if !errors.As(err, &t) {
				return nil, err
			}
			target := m.handlerFor(pc, t)
			if target < 0 {
				return nil, err
			}
			f.stack = append(f.stack[:0], t.Object)
			pc = target
			continue
		}
		if done {
			return ret, nil
		}
		// Backward jumps are where a runaway loop can be interrupted.
		if next <= pc {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		pc = next
	}
	return nil, fmt.Errorf("%w: %s: execution fell off the end of the method", ErrVerify, m)
}

func (m *Method) handlerFor(pc int, t *Throwable) int {
	for _, h := range m.handlers {
		if pc < h.start || pc >= h.end {
			continue
		}
		if h.typ == "" || t.InstanceOf(h.typ) {
			return h.target
		}
	}
	return -1
}

// step executes one instruction and returns the index of the next one.
func (rt *Runtime) step(ctx context.Context, f *frame, pc int) (next int, ret Value, done bool, err error) {
	m := f.method
	in := m.def.Code[pc]
	next = pc + 1

	switch in.Op {
	case ir.NOP, ir.LABEL, ir.LINE, ir.BREAKPOINT:

	case ir.CONST:
		switch in.Kind {
		case ir.ConstInt:
			f.push(in.Int)
		case ir.ConstFloat:
			f.push(in.Float)
		case ir.ConstString:
			f.push(in.Str)
		default:
			f.push(nil)
		}

	case ir.LOAD:
		f.push(f.locals[in.Int])
	case ir.STORE:
		f.locals[in.Int] = f.pop()

	case ir.ADD, ir.SUB, ir.MUL, ir.DIV, ir.REM:
		b, a := f.pop(), f.pop()
		v, err := rt.arith(in.Op, a, b)
		if err != nil {
			return 0, nil, false, err
		}
		f.push(v)
	case ir.NEG:
		switch x := f.pop().(type) {
		case int64:
			f.push(-x)
		case float64:
			f.push(-x)
		default:
			return 0, nil, false, fmt.Errorf("%w: %s: NEG on %s", ErrVerify, m, describe(x))
		}
	case ir.CMP:
		b, a := f.pop(), f.pop()
		c, err := compare(a, b)
		if err != nil {
			return 0, nil, false, fmt.Errorf("%s: %w", m, err)
		}
		f.push(int64(c))

	case ir.IFEQ, ir.IFNE, ir.IFLT, ir.IFGE, ir.IFGT, ir.IFLE:
		c, err := compare(f.pop(), int64(0))
		if err != nil {
			return 0, nil, false, fmt.Errorf("%s: %w", m, err)
		}
		if branchTaken(in.Op, c) {
			next = m.labels[in.Label]
		}
	case ir.IFCMPEQ, ir.IFCMPNE:
		b, a := f.pop(), f.pop()
		if same(a, b) == (in.Op == ir.IFCMPEQ) {
			next = m.labels[in.Label]
		}
	case ir.IFCMPLT, ir.IFCMPGE, ir.IFCMPGT, ir.IFCMPLE:
		b, a := f.pop(), f.pop()
		c, err := compare(a, b)
		if err != nil {
			return 0, nil, false, fmt.Errorf("%s: %w", m, err)
		}
		if branchTaken(in.Op, c) {
			next = m.labels[in.Label]
		}
	case ir.IFNULL:
		if f.pop() == nil {
			next = m.labels[in.Label]
		}
	case ir.IFNONNULL:
		if f.pop() != nil {
			next = m.labels[in.Label]
		}
	case ir.GOTO:
		next = m.labels[in.Label]
	case ir.SWITCH:
		v, ok := f.pop().(int64)
		if !ok {
			return 0, nil, false, fmt.Errorf("%w: %s: SWITCH on a non-integer", ErrVerify, m)
		}
		idx := v - in.Int
		if idx >= 0 && idx < int64(len(in.Labels)) {
			next = m.labels[in.Labels[idx]]
		} else {
			next = m.labels[in.Label]
		}

	case ir.NEW:
		c, err := rt.resolve(ctx, in.Type)
		if err != nil {
			return 0, nil, false, err
		}
		if c.IsInterface() || c.Access.Has(ir.AccAbstract) {
			return 0, nil, false, rt.Throw("lang/InstantiationError", "%s", c.Name)
		}
		if err := rt.initialize(ctx, c); err != nil {
			return 0, nil, false, err
		}
		f.push(rt.alloc(c))
	case ir.NEWARRAY:
		n, ok := f.pop().(int64)
		if !ok {
			return 0, nil, false, fmt.Errorf("%w: %s: NEWARRAY with a non-integer size", ErrVerify, m)
		}
		if n < 0 {
			return 0, nil, false, rt.Throw("lang/NegativeArraySizeException", "%d", n)
		}
		a := &Array{Elem: in.Type, Data: make([]Value, n)}
		if z := zero(in.Type); z != nil {
			for i := range a.Data {
				a.Data[i] = z
			}
		}
		f.push(a)
	case ir.ARRAYLENGTH:
		a, err := rt.array(f.pop())
		if err != nil {
			return 0, nil, false, err
		}
		f.push(int64(len(a.Data)))
	case ir.ALOAD:
		idx := f.pop()
		a, i, err := rt.element(f.pop(), idx)
		if err != nil {
			return 0, nil, false, err
		}
		f.push(a.Data[i])
	case ir.ASTORE:
		v, idx := f.pop(), f.pop()
		a, i, err := rt.element(f.pop(), idx)
		if err != nil {
			return 0, nil, false, err
		}
		a.Data[i] = v

	case ir.GETFIELD:
		o, err := rt.object(f.pop(), in)
		if err != nil {
			return 0, nil, false, err
		}
		f.push(o.Fields[in.Name])
	case ir.PUTFIELD:
		v := f.pop()
		o, err := rt.object(f.pop(), in)
		if err != nil {
			return 0, nil, false, err
		}
		o.Fields[in.Name] = v
	case ir.GETSTATIC, ir.PUTSTATIC:
		owner, err := rt.staticField(ctx, in)
		if err != nil {
			return 0, nil, false, err
		}
		if in.Op == ir.GETSTATIC {
			f.push(owner.statics[in.Name])
		} else {
			owner.statics[in.Name] = f.pop()
		}

	case ir.INVOKESTATIC, ir.INVOKESPECIAL, ir.INVOKEVIRTUAL, ir.INVOKEINTERFACE:
		if err := rt.call(ctx, f, in); err != nil {
			return 0, nil, false, err
		}
	case ir.INVOKEDYNAMIC:
		return 0, nil, false, rt.Throw("lang/BootstrapMethodError", "dynamic invocation is not supported: %s%s", in.Name, in.Desc)

	case ir.RETURN:
		return 0, nil, true, nil
	case ir.VRETURN:
		return 0, f.pop(), true, nil
	case ir.THROW:
		switch x := f.pop().(type) {
		case nil:
			return 0, nil, false, rt.Throw("lang/NullPointerException", "Cannot throw null")
		case *Object:
			if !x.Class.AssignableTo("lang/Throwable") {
				return 0, nil, false, fmt.Errorf("%w: %s: throwing %s", ErrVerify, m, x.Class.Name)
			}
			return 0, nil, false, &Throwable{Object: x}
		default:
			return 0, nil, false, fmt.Errorf("%w: %s: throwing %s", ErrVerify, m, describe(x))
		}

	case ir.DUP:
		f.push(f.peek())
	case ir.POP:
		f.pop()
	case ir.SWAP:
		b, a := f.pop(), f.pop()
		f.push(b)
		f.push(a)
	case ir.CHECKCAST:
		if v := f.peek(); v != nil && !rt.IsInstance(v, in.Type) {
			return 0, nil, false, rt.Throw("lang/ClassCastException",
				"class %s cannot be cast to class %s", describe(v), in.Type)
		}
	case ir.INSTANCEOF:
		f.push(boolValue(rt.IsInstance(f.pop(), in.Type)))
	case ir.MONITORENTER, ir.MONITOREXIT:
		if f.pop() == nil {
			return 0, nil, false, rt.Throw("lang/NullPointerException", "Cannot enter synchronized block on null")
		}

	default:
		return 0, nil, false, fmt.Errorf("%w: %s: unknown opcode %s", ErrVerify, m, in.Op)
	}
	return next, nil, false, nil
}

// call performs one of the invoke instructions.
func (rt *Runtime) call(ctx context.Context, f *frame, in ir.Instruction) error {
	argc := ir.ArgumentCount(in.Desc)
	if in.Op != ir.INVOKESTATIC {
		argc++
	}
	args := f.popN(argc)

	var target *Method
	switch in.Op {
	case ir.INVOKESTATIC:
		owner, err := rt.resolve(ctx, in.Owner)
		if err != nil {
			return err
		}
		if err := rt.initialize(ctx, owner); err != nil {
			return err
		}
		target = owner.FindMethod(in.Name, in.Desc)
		if target != nil && !target.IsStatic() {
			return rt.Throw("lang/IncompatibleClassChangeError", "Expected static method %s", in.Member())
		}
	case ir.INVOKESPECIAL:
		if args[0] == nil {
			return rt.Throw("lang/NullPointerException", "Cannot invoke %s on null", in.Member())
		}
		owner, err := rt.resolve(ctx, in.Owner)
		if err != nil {
			return err
		}
		target = owner.FindMethod(in.Name, in.Desc)
	default:
		if args[0] == nil {
			return rt.Throw("lang/NullPointerException", "Cannot invoke %s on null", in.Member())
		}
		target = rt.classOf(args[0]).FindMethod(in.Name, in.Desc)
		if target == nil {
			owner, err := rt.resolve(ctx, in.Owner)
			if err != nil {
				return err
			}
			target = owner.FindMethod(in.Name, in.Desc)
		}
	}
	if target == nil {
		return rt.Throw("lang/NoSuchMethodError", "%s", in.Member())
	}

	v, err := rt.invoke(ctx, target, args)
	if err != nil {
		return err
	}
	if ir.ReturnType(in.Desc) != "V" {
		f.push(v)
	}
	return nil
}

func (rt *Runtime) staticField(ctx context.Context, in ir.Instruction) (*Class, error) {
	c, err := rt.resolve(ctx, in.Owner)
	if err != nil {
		return nil, err
	}
	owner := c.staticOwner(in.Name)
	if owner == nil {
		return nil, rt.Throw("lang/NoSuchFieldError", "%s", in.Name)
	}
	if err := rt.initialize(ctx, owner); err != nil {
		return nil, err
	}
	return owner, nil
}

func (rt *Runtime) object(v Value, in ir.Instruction) (*Object, error) {
	switch x := v.(type) {
	case nil:
		return nil, rt.Throw("lang/NullPointerException", "Cannot access field %s of null", in.Name)
	case *Object:
		if !x.Class.HasField(in.Name) {
			return nil, rt.Throw("lang/NoSuchFieldError", "%s", in.Name)
		}
		return x, nil
	}
	return nil, rt.Throw("lang/NoSuchFieldError", "%s", in.Name)
}

func (rt *Runtime) array(v Value) (*Array, error) {
	switch x := v.(type) {
	case nil:
		return nil, rt.Throw("lang/NullPointerException", "Cannot read the array length of null")
	case *Array:
		return x, nil
	}
	return nil, fmt.Errorf("%w: array operation on %s", ErrVerify, describe(v))
}

func (rt *Runtime) element(v, idx Value) (*Array, int, error) {
	if v == nil {
		return nil, 0, rt.Throw("lang/NullPointerException", "Cannot access an element of a null array")
	}
	a, err := rt.array(v)
	if err != nil {
		return nil, 0, err
	}
	i, ok := idx.(int64)
	if !ok {
		return nil, 0, fmt.Errorf("%w: array index of type %s", ErrVerify, describe(idx))
	}
	if i < 0 || i >= int64(len(a.Data)) {
		return nil, 0, rt.Throw("lang/ArrayIndexOutOfBoundsException",
			"Index %d out of bounds for length %d", i, len(a.Data))
	}
	return a, int(i), nil
}

func (rt *Runtime) arith(op ir.Opcode, a, b Value) (Value, error) {
	x, xok := a.(int64)
	y, yok := b.(int64)
	if xok && yok {
		switch op {
		case ir.ADD:
			return x + y, nil
		case ir.SUB:
			return x - y, nil
		case ir.MUL:
			return x * y, nil
		case ir.DIV:
			if y == 0 {
				return nil, rt.Throw("lang/ArithmeticException", "/ by zero")
			}
			return x / y, nil
		default:
			if y == 0 {
				return nil, rt.Throw("lang/ArithmeticException", "/ by zero")
			}
			return x % y, nil
		}
	}
	fx, ok1 := toFloat(a)
	fy, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: %s on %s and %s", ErrVerify, op, describe(a), describe(b))
	}
	switch op {
	case ir.ADD:
		return fx + fy, nil
	case ir.SUB:
		return fx - fy, nil
	case ir.MUL:
		return fx * fy, nil
	case ir.DIV:
		return fx / fy, nil
	default:
		return math.Mod(fx, fy), nil
	}
}

func toFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// compare orders two numbers; NaN compares below everything.
func compare(a, b Value) (int, error) {
	x, xok := a.(int64)
	y, yok := b.(int64)
	if xok && yok {
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	}
	fx, ok1 := toFloat(a)
	fy, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return 0, fmt.Errorf("%w: comparing %s and %s", ErrVerify, describe(a), describe(b))
	}
	switch {
	case fx < fy:
		return -1, nil
	case fx > fy:
		return 1, nil
	case fx == fy:
		return 0, nil
	}
	return -1, nil
}

func branchTaken(op ir.Opcode, c int) bool {
	switch op {
	case ir.IFEQ:
		return c == 0
	case ir.IFNE:
		return c != 0
	case ir.IFLT, ir.IFCMPLT:
		return c < 0
	case ir.IFGE, ir.IFCMPGE:
		return c >= 0
	case ir.IFGT, ir.IFCMPGT:
		return c > 0
	case ir.IFLE, ir.IFCMPLE:
		return c <= 0
	}
	return false
}

// same is reference equality; numbers and strings compare by value.
func same(a, b Value) bool {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		return ok && x == y
	}
	return a == b
}

func boolValue(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
