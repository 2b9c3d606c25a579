package rewrite

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jkaninda/detsandbox/internal/ir"
)

// Verification types used in frames besides field descriptors.
const (
	typeTop  = "T"
	typeNull = "null"
)

// ErrInconsistentFrames is returned when control flow merges states
// that cannot be reconciled.
var ErrInconsistentFrames = errors.New("inconsistent stack frames")

type state struct {
	locals []string
	stack  []string
}

func (s state) clone() state {
	return state{locals: slices.Clone(s.locals), stack: slices.Clone(s.stack)}
}

func (s *state) push(t string) { s.stack = append(s.stack, t) }

func (s *state) pop() (string, error) {
	if len(s.stack) == 0 {
		return "", fmt.Errorf("%w: operand stack underflow", ErrInconsistentFrames)
	}
	t := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return t, nil
}

func (s *state) popN(n int) error {
	for range n {
		if _, err := s.pop(); err != nil {
			return err
		}
	}
	return nil
}

// ComputeFrames recomputes the frames of every labelled merge point
// (branch and handler targets) of a method.
func ComputeFrames(c *ir.Class, m *ir.Method, supers *CommonSuperResolver) error {
	if len(m.Code) == 0 {
		m.Frames = nil
		return nil
	}
	fc := &frameComputer{class: c, method: m, supers: supers, labels: m.Labels()}
	return fc.run()
}

type frameComputer struct {
	class  *ir.Class
	method *ir.Method
	supers *CommonSuperResolver
	labels map[string]int

	in      []*state
	targets map[string]bool
}

func (fc *frameComputer) run() error {
	m := fc.method
	fc.in = make([]*state, len(m.Code))
	fc.targets = make(map[string]bool)
	for _, in := range m.Code {
		for _, t := range in.Targets() {
			fc.targets[t] = true
		}
	}
	for _, h := range m.Handlers {
		fc.targets[h.Target] = true
	}

	entry := state{locals: make([]string, m.MaxLocals)}
	for i := range entry.locals {
		entry.locals[i] = typeTop
	}
	slot := 0
	if !m.IsStatic() {
		if slot < len(entry.locals) {
			entry.locals[slot] = ir.TypeOf(fc.class.Name)
		}
		slot++
	}
	args, _, err := ir.ParseMethodDescriptor(m.Desc)
	if err != nil {
		return err
	}
	for _, a := range args {
		if slot < len(entry.locals) {
			entry.locals[slot] = verificationType(a)
		}
		slot++
	}

	work := []int{0}
	fc.in[0] = &entry
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]

		cur := fc.in[pc].clone()
		next, err := fc.step(pc, &cur)
		if err != nil {
			return fmt.Errorf("%s at instruction %d (%s): %w",
				ir.MemberName(fc.class.Name, m.Name, m.Desc), pc, m.Code[pc].Op, err)
		}
		for _, succ := range next {
			changed, err := fc.merge(succ.pc, succ.state)
			if err != nil {
				return fmt.Errorf("%s at instruction %d: %w", ir.MemberName(fc.class.Name, m.Name, m.Desc), succ.pc, err)
			}
			if changed {
				work = append(work, succ.pc)
			}
		}
		// Handlers see the locals of every instruction they protect.
		for _, h := range m.Handlers {
			start, end := fc.labels[h.Start], fc.labels[h.End]
			if pc < start || pc >= end {
				continue
			}
			hs := state{locals: slices.Clone(fc.in[pc].locals), stack: []string{ir.TypeOf(catchType(h.Type))}}
			target := fc.labels[h.Target]
			changed, err := fc.merge(target, hs)
			if err != nil {
				return fmt.Errorf("%s handler %s: %w", ir.MemberName(fc.class.Name, m.Name, m.Desc), h.Target, err)
			}
			if changed {
				work = append(work, target)
			}
		}
	}

	var frames []ir.Frame
	for _, in := range m.Code {
		if in.Op != ir.LABEL || !fc.targets[in.Label] {
			continue
		}
		s := fc.in[fc.labels[in.Label]]
		if s == nil {
			// unreachable target; the host never enters it
			frames = append(frames, ir.Frame{Label: in.Label})
			continue
		}
		locals := slices.Clone(s.locals)
		for len(locals) > 0 && locals[len(locals)-1] == typeTop {
			locals = locals[:len(locals)-1]
		}
		frames = append(frames, ir.Frame{Label: in.Label, Locals: locals, Stack: slices.Clone(s.stack)})
	}
	m.Frames = frames
	return nil
}

type successor struct {
	pc    int
	state state
}

func (fc *frameComputer) merge(pc int, s state) (bool, error) {
	if pc >= len(fc.in) {
		return false, fmt.Errorf("%w: control falls off the end of the method", ErrInconsistentFrames)
	}
	old := fc.in[pc]
	if old == nil {
		cp := s.clone()
		fc.in[pc] = &cp
		return true, nil
	}
	if len(old.stack) != len(s.stack) {
		return false, fmt.Errorf("%w: stack height %d and %d meet", ErrInconsistentFrames, len(old.stack), len(s.stack))
	}
	changed := false
	for i := range old.locals {
		t, err := fc.mergeType(old.locals[i], s.locals[i], true)
		if err != nil {
			return false, err
		}
		if t != old.locals[i] {
			old.locals[i] = t
			changed = true
		}
	}
	for i := range old.stack {
		t, err := fc.mergeType(old.stack[i], s.stack[i], false)
		if err != nil {
			return false, err
		}
		if t != old.stack[i] {
			old.stack[i] = t
			changed = true
		}
	}
	return changed, nil
}

func (fc *frameComputer) mergeType(a, b string, local bool) (string, error) {
	switch {
	case a == b:
		return a, nil
	case a == typeTop || b == typeTop:
		return typeTop, nil
	case a == typeNull && isReference(b):
		return b, nil
	case b == typeNull && isReference(a):
		return a, nil
	case isReference(a) && isReference(b):
		if strings.HasPrefix(a, "[") || strings.HasPrefix(b, "[") {
			return ir.TypeOf(ir.RootClass), nil
		}
		s, err := fc.supers.CommonSuperClass(ir.ClassOf(a), ir.ClassOf(b))
		if err != nil {
			return "", err
		}
		return ir.TypeOf(s), nil
	}
	if local {
		return typeTop, nil
	}
	return "", fmt.Errorf("%w: %s and %s meet on the operand stack", ErrInconsistentFrames, a, b)
}

func isReference(t string) bool {
	return t == typeNull || strings.HasPrefix(t, "L") || strings.HasPrefix(t, "[")
}

// verificationType folds booleans into integers.
func verificationType(t string) string {
	if t == "Z" {
		return "I"
	}
	return t
}

func (fc *frameComputer) step(pc int, s *state) ([]successor, error) {
	in := fc.method.Code[pc]
	fall := func() []successor {
		return []successor{{pc: pc + 1, state: *s}}
	}

	switch in.Op {
	case ir.NOP, ir.LABEL, ir.LINE, ir.BREAKPOINT:
	case ir.CONST:
		switch in.Kind {
		case ir.ConstInt:
			s.push("I")
		case ir.ConstFloat:
			s.push("D")
		case ir.ConstString:
			s.push("Llang/String;")
		default:
			s.push(typeNull)
		}
	case ir.LOAD:
		if int(in.Int) >= len(s.locals) {
			return nil, fmt.Errorf("%w: local %d out of range", ErrInconsistentFrames, in.Int)
		}
		s.push(s.locals[in.Int])
	case ir.STORE:
		t, err := s.pop()
		if err != nil {
			return nil, err
		}
		if int(in.Int) >= len(s.locals) {
			return nil, fmt.Errorf("%w: local %d out of range", ErrInconsistentFrames, in.Int)
		}
		s.locals[in.Int] = t
	case ir.ADD, ir.SUB, ir.MUL, ir.DIV, ir.REM:
		b, err := s.pop()
		if err != nil {
			return nil, err
		}
		a, err := s.pop()
		if err != nil {
			return nil, err
		}
		if a == "D" || b == "D" {
			s.push("D")
		} else {
			s.push("I")
		}
	case ir.NEG:
		t, err := s.pop()
		if err != nil {
			return nil, err
		}
		s.push(t)
	case ir.CMP:
		if err := s.popN(2); err != nil {
			return nil, err
		}
		s.push("I")
	case ir.IFEQ, ir.IFNE, ir.IFLT, ir.IFGE, ir.IFGT, ir.IFLE, ir.IFNULL, ir.IFNONNULL:
		if err := s.popN(1); err != nil {
			return nil, err
		}
		return fc.branch(pc, s, in.Label, true), nil
	case ir.IFCMPEQ, ir.IFCMPNE, ir.IFCMPLT, ir.IFCMPGE, ir.IFCMPGT, ir.IFCMPLE:
		if err := s.popN(2); err != nil {
			return nil, err
		}
		return fc.branch(pc, s, in.Label, true), nil
	case ir.GOTO:
		return fc.branch(pc, s, in.Label, false), nil
	case ir.SWITCH:
		if err := s.popN(1); err != nil {
			return nil, err
		}
		var out []successor
		for _, l := range in.Targets() {
			out = append(out, successor{pc: fc.labels[l], state: s.clone()})
		}
		return out, nil
	case ir.NEW:
		s.push(ir.TypeOf(in.Type))
	case ir.NEWARRAY:
		if err := s.popN(1); err != nil {
			return nil, err
		}
		s.push("[" + in.Type)
	case ir.ARRAYLENGTH:
		if err := s.popN(1); err != nil {
			return nil, err
		}
		s.push("I")
	case ir.ALOAD:
		if err := s.popN(1); err != nil {
			return nil, err
		}
		arr, err := s.pop()
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(arr, "[") {
			s.push(verificationType(arr[1:]))
		} else {
			s.push(typeTop)
		}
	case ir.ASTORE:
		if err := s.popN(3); err != nil {
			return nil, err
		}
	case ir.GETFIELD:
		if err := s.popN(1); err != nil {
			return nil, err
		}
		s.push(verificationType(in.Desc))
	case ir.PUTFIELD:
		if err := s.popN(2); err != nil {
			return nil, err
		}
	case ir.GETSTATIC:
		s.push(verificationType(in.Desc))
	case ir.PUTSTATIC:
		if err := s.popN(1); err != nil {
			return nil, err
		}
	case ir.INVOKESTATIC, ir.INVOKEVIRTUAL, ir.INVOKESPECIAL, ir.INVOKEINTERFACE, ir.INVOKEDYNAMIC:
		args, ret, err := ir.ParseMethodDescriptor(in.Desc)
		if err != nil {
			return nil, err
		}
		n := len(args)
		if in.Op != ir.INVOKESTATIC && in.Op != ir.INVOKEDYNAMIC {
			n++
		}
		if err := s.popN(n); err != nil {
			return nil, err
		}
		if ret != "V" {
			s.push(verificationType(ret))
		}
	case ir.RETURN:
		return nil, nil
	case ir.VRETURN, ir.THROW:
		if err := s.popN(1); err != nil {
			return nil, err
		}
		return nil, nil
	case ir.DUP:
		t, err := s.pop()
		if err != nil {
			return nil, err
		}
		s.push(t)
		s.push(t)
	case ir.POP, ir.MONITORENTER, ir.MONITOREXIT:
		if err := s.popN(1); err != nil {
			return nil, err
		}
	case ir.SWAP:
		b, err := s.pop()
		if err != nil {
			return nil, err
		}
		a, err := s.pop()
		if err != nil {
			return nil, err
		}
		s.push(b)
		s.push(a)
	case ir.CHECKCAST:
		if err := s.popN(1); err != nil {
			return nil, err
		}
		s.push(ir.TypeOf(in.Type))
	case ir.INSTANCEOF:
		if err := s.popN(1); err != nil {
			return nil, err
		}
		s.push("I")
	default:
		return nil, fmt.Errorf("%w: unsupported opcode %s", ErrInconsistentFrames, in.Op)
	}
	return fall(), nil
}

func (fc *frameComputer) branch(pc int, s *state, label string, conditional bool) []successor {
	out := []successor{{pc: fc.labels[label], state: s.clone()}}
	if conditional {
		out = append(out, successor{pc: pc + 1, state: *s})
	}
	return out
}
