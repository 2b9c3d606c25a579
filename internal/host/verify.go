package host

import (
	"fmt"

	"github.com/jkaninda/detsandbox/internal/ir"
)

// Verify checks the structural soundness of a class before definition:
// the unit itself must be well formed, every concrete method must have a
// body ending in a terminal instruction, local slots must be in range
// and, for methods carrying frames, every branch and handler target must
// have one.
func Verify(def *ir.Class) error {
	if def.Name == ir.RootClass {
		return fmt.Errorf("%w: %s is reserved for the platform", ErrVerify, def.Name)
	}
	if def.Super == "" {
		return fmt.Errorf("%w: %s has no superclass", ErrVerify, def.Name)
	}
	if err := def.Check(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrVerify, def.Name, err)
	}
	for _, m := range def.Methods {
		if err := verifyMethod(m); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrVerify, ir.MemberName(def.Name, m.Name, m.Desc), err)
		}
	}
	return nil
}

func verifyMethod(m *ir.Method) error {
	if m.IsAbstract() || m.IsNative() {
		if len(m.Code) > 0 {
			return fmt.Errorf("abstract or native method has a body")
		}
		return nil
	}
	if len(m.Code) == 0 {
		return fmt.Errorf("missing method body")
	}
	if last := m.Code[len(m.Code)-1]; !last.Op.IsTerminal() {
		return fmt.Errorf("method body ends with %s", last.Op)
	}

	params := ir.ArgumentCount(m.Desc)
	if !m.IsStatic() {
		params++
	}
	if m.MaxLocals < params {
		return fmt.Errorf("max locals %d below parameter count %d", m.MaxLocals, params)
	}
	for i, in := range m.Code {
		if (in.Op == ir.LOAD || in.Op == ir.STORE) && (in.Int < 0 || in.Int >= int64(m.MaxLocals)) {
			return fmt.Errorf("instruction %d: local %d out of range", i, in.Int)
		}
	}

	if len(m.Frames) == 0 {
		return nil
	}
	framed := make(map[string]bool, len(m.Frames))
	for _, f := range m.Frames {
		if len(f.Locals) > m.MaxLocals {
			return fmt.Errorf("frame %s has %d locals, max %d", f.Label, len(f.Locals), m.MaxLocals)
		}
		for _, t := range append(append([]string{}, f.Locals...), f.Stack...) {
			if t != "T" && t != "null" && !ir.ValidType(t) {
				return fmt.Errorf("frame %s: invalid type %q", f.Label, t)
			}
		}
		framed[f.Label] = true
	}
	for _, in := range m.Code {
		for _, t := range in.Targets() {
			if !framed[t] {
				return fmt.Errorf("branch target %s has no frame", t)
			}
		}
	}
	for _, h := range m.Handlers {
		if !framed[h.Target] {
			return fmt.Errorf("handler target %s has no frame", h.Target)
		}
	}
	return nil
}
