package ir

import (
	"fmt"
	"strings"
)

// ParseMethodDescriptor splits "(args)ret" into its argument and return types.
func ParseMethodDescriptor(desc string) (args []string, ret string, err error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, "", fmt.Errorf("%w: method descriptor %q", ErrMalformed, desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		t, n, err := nextType(desc, i)
		if err != nil {
			return nil, "", err
		}
		args = append(args, t)
		i = n
	}
	if i >= len(desc) {
		return nil, "", fmt.Errorf("%w: method descriptor %q", ErrMalformed, desc)
	}
	ret, n, err := nextType(desc, i+1)
	if err != nil {
		return nil, "", err
	}
	if n != len(desc) {
		return nil, "", fmt.Errorf("%w: trailing data in method descriptor %q", ErrMalformed, desc)
	}
	return args, ret, nil
}

// ValidType reports whether t is a single well-formed field type.
func ValidType(t string) bool {
	_, n, err := nextType(t, 0)
	return err == nil && n == len(t)
}

func nextType(desc string, i int) (string, int, error) {
	start := i
	for i < len(desc) && desc[i] == '[' {
		i++
	}
	if i >= len(desc) {
		return "", 0, fmt.Errorf("%w: truncated descriptor %q", ErrMalformed, desc)
	}
	switch desc[i] {
	case 'V':
		if i != start {
			return "", 0, fmt.Errorf("%w: array of void in %q", ErrMalformed, desc)
		}
		return "V", i + 1, nil
	case 'Z', 'I', 'D':
		return desc[start : i+1], i + 1, nil
	case 'L':
		end := strings.IndexByte(desc[i:], ';')
		if end <= 1 {
			return "", 0, fmt.Errorf("%w: unterminated class type in %q", ErrMalformed, desc)
		}
		return desc[start : i+end+1], i + end + 1, nil
	}
	return "", 0, fmt.Errorf("%w: unknown type %q in %q", ErrMalformed, desc[i], desc)
}

// ArgumentCount returns the number of arguments declared by a method descriptor.
func ArgumentCount(desc string) int {
	args, _, err := ParseMethodDescriptor(desc)
	if err != nil {
		return 0
	}
	return len(args)
}

// ReturnType returns the return type of a method descriptor.
func ReturnType(desc string) string {
	_, ret, err := ParseMethodDescriptor(desc)
	if err != nil {
		return "V"
	}
	return ret
}

// IsPrimitive reports whether t is a primitive field type.
func IsPrimitive(t string) bool {
	return t == "Z" || t == "I" || t == "D" || t == "V"
}

// ElementType strips every array dimension from a type.
func ElementType(t string) string {
	return strings.TrimLeft(t, "[")
}

// ClassOf returns the class name behind a field type: the name inside
// "Lname;", the element class of an array, or "" for primitives.
func ClassOf(t string) string {
	e := ElementType(t)
	if strings.HasPrefix(e, "L") && strings.HasSuffix(e, ";") {
		return e[1 : len(e)-1]
	}
	return ""
}

// TypeOf returns the field type for an internal name as used by NEW,
// CHECKCAST and INSTANCEOF operands: array descriptors are returned
// unchanged, class names are wrapped in L...;.
func TypeOf(internal string) string {
	if strings.HasPrefix(internal, "[") {
		return internal
	}
	return "L" + internal + ";"
}

// InternalClass returns the class a type operand refers to, unwrapping arrays.
func InternalClass(internal string) string {
	if strings.HasPrefix(internal, "[") {
		return ClassOf(internal)
	}
	return internal
}

// ClassNames lists the class names mentioned by a field or method descriptor.
func ClassNames(desc string) []string {
	var out []string
	for i := 0; i < len(desc); i++ {
		if desc[i] != 'L' {
			continue
		}
		end := strings.IndexByte(desc[i:], ';')
		if end < 0 {
			break
		}
		out = append(out, desc[i+1:i+end])
		i += end
	}
	return out
}

// MapDescriptor rewrites every class name inside a descriptor with fn.
func MapDescriptor(desc string, fn func(string) string) string {
	var b strings.Builder
	for i := 0; i < len(desc); i++ {
		c := desc[i]
		b.WriteByte(c)
		if c != 'L' {
			continue
		}
		end := strings.IndexByte(desc[i:], ';')
		if end < 0 {
			b.WriteString(desc[i+1:])
			break
		}
		b.WriteString(fn(desc[i+1 : i+end]))
		b.WriteByte(';')
		i += end
	}
	return b.String()
}

// MapInternal rewrites the class named by a type operand with fn.
func MapInternal(internal string, fn func(string) string) string {
	if strings.HasPrefix(internal, "[") {
		return MapDescriptor(internal, fn)
	}
	return fn(internal)
}
