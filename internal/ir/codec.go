package ir

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: the same class always
// produces identical bytes, which keeps digests stable.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ir: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("ir: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serialises a class.
func Encode(c *Class) ([]byte, error) {
	data, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding class %s: %w", c.Name, err)
	}
	return data, nil
}

// Decode parses a serialised class and checks its basic shape.
func Decode(data []byte) (*Class, error) {
	var c Class
	if err := decMode.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := c.Check(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Check validates names, descriptors and label references of the class.
func (c *Class) Check() error {
	if c.Name == "" {
		return fmt.Errorf("%w: class without a name", ErrMalformed)
	}
	if c.Super == "" && c.Name != RootClass {
		return fmt.Errorf("%w: class %s has no superclass", ErrMalformed, c.Name)
	}
	for _, f := range c.Fields {
		if !ValidType(f.Desc) || f.Desc == "V" {
			return fmt.Errorf("%w: field %s.%s has descriptor %q", ErrMalformed, c.Name, f.Name, f.Desc)
		}
	}
	for _, m := range c.Methods {
		if _, _, err := ParseMethodDescriptor(m.Desc); err != nil {
			return fmt.Errorf("method %s.%s: %w", c.Name, m.Name, err)
		}
		if err := m.checkLabels(); err != nil {
			return fmt.Errorf("method %s: %w", MemberName(c.Name, m.Name, m.Desc), err)
		}
	}
	return nil
}

func (m *Method) checkLabels() error {
	labels := make(map[string]bool)
	for _, in := range m.Code {
		if in.Op == LABEL {
			if labels[in.Label] {
				return fmt.Errorf("%w: duplicate label %s", ErrMalformed, in.Label)
			}
			labels[in.Label] = true
		}
	}
	for _, in := range m.Code {
		for _, target := range in.Targets() {
			if !labels[target] {
				return fmt.Errorf("%w: %s jumps to undeclared label %q", ErrMalformed, in.Op, target)
			}
		}
	}
	for _, h := range m.Handlers {
		for _, l := range []string{h.Start, h.End, h.Target} {
			if !labels[l] {
				return fmt.Errorf("%w: handler refers to undeclared label %q", ErrMalformed, l)
			}
		}
	}
	return nil
}
