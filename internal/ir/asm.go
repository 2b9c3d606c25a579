package ir

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source is the YAML form of a class, one per YAML document.
type Source struct {
	Class       string         `yaml:"class"`
	Super       string         `yaml:"super,omitempty"`
	Interfaces  []string       `yaml:"interfaces,omitempty"`
	Access      []string       `yaml:"access,flow,omitempty"`
	Annotations []string       `yaml:"annotations,omitempty"`
	SourceFile  string         `yaml:"source,omitempty"`
	Fields      []FieldSource  `yaml:"fields,omitempty"`
	Methods     []MethodSource `yaml:"methods,omitempty"`
}

// FieldSource is the YAML form of a field.
type FieldSource struct {
	Name        string   `yaml:"name"`
	Desc        string   `yaml:"desc"`
	Access      []string `yaml:"access,flow,omitempty"`
	Annotations []string `yaml:"annotations,omitempty"`
}

// MethodSource is the YAML form of a method. Code holds one instruction
// per line; "name:" declares a label and "#" starts a comment. Handlers
// are written "start end target [type]".
type MethodSource struct {
	Name        string   `yaml:"name"`
	Desc        string   `yaml:"desc"`
	Access      []string `yaml:"access,flow,omitempty"`
	Annotations []string `yaml:"annotations,omitempty"`
	Locals      int      `yaml:"locals,omitempty"`
	Code        string   `yaml:"code,omitempty"`
	Handlers    []string `yaml:"handlers,omitempty"`
	Frames      []string `yaml:"frames,omitempty"`
}

// Assemble parses every YAML document in r into a class.
func Assemble(r io.Reader) ([]*Class, error) {
	dec := yaml.NewDecoder(r)
	var classes []*Class
	for {
		var src Source
		err := dec.Decode(&src)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if src.Class == "" {
			continue
		}
		c, err := src.Build()
		if err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return classes, nil
}

// AssembleString is Assemble over an in-memory source.
func AssembleString(src string) ([]*Class, error) {
	return Assemble(strings.NewReader(src))
}

// Build converts the YAML form into a checked class.
func (s Source) Build() (*Class, error) {
	access, err := ParseAccess(s.Access)
	if err != nil {
		return nil, fmt.Errorf("class %s: %w", s.Class, err)
	}
	c := &Class{
		Name:        s.Class,
		Super:       s.Super,
		Interfaces:  s.Interfaces,
		Access:      access,
		Annotations: s.Annotations,
		SourceFile:  s.SourceFile,
	}
	if c.Super == "" && c.Name != RootClass {
		c.Super = RootClass
	}
	for _, fs := range s.Fields {
		fa, err := ParseAccess(fs.Access)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", s.Class, fs.Name, err)
		}
		c.Fields = append(c.Fields, &Field{Name: fs.Name, Desc: fs.Desc, Access: fa, Annotations: fs.Annotations})
	}
	for _, ms := range s.Methods {
		m, err := ms.build()
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", MemberName(s.Class, ms.Name, ms.Desc), err)
		}
		c.Methods = append(c.Methods, m)
	}
	if err := c.Check(); err != nil {
		return nil, err
	}
	return c, nil
}

func (ms MethodSource) build() (*Method, error) {
	access, err := ParseAccess(ms.Access)
	if err != nil {
		return nil, err
	}
	m := &Method{
		Name:        ms.Name,
		Desc:        ms.Desc,
		Access:      access,
		Annotations: ms.Annotations,
		MaxLocals:   ms.Locals,
	}
	sc := bufio.NewScanner(strings.NewReader(ms.Code))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(stripComment(sc.Text()))
		if text == "" {
			continue
		}
		in, err := ParseInstruction(text)
		if err != nil {
			return nil, fmt.Errorf("code line %d: %w", line, err)
		}
		m.Code = append(m.Code, in)
	}
	for _, h := range ms.Handlers {
		f := strings.Fields(h)
		if len(f) < 3 || len(f) > 4 {
			return nil, fmt.Errorf("%w: handler %q", ErrMalformed, h)
		}
		handler := Handler{Start: f[0], End: f[1], Target: f[2]}
		if len(f) == 4 {
			handler.Type = f[3]
		}
		m.Handlers = append(m.Handlers, handler)
	}
	for _, fr := range ms.Frames {
		frame, err := ParseFrame(fr)
		if err != nil {
			return nil, err
		}
		m.Frames = append(m.Frames, frame)
	}
	if n := m.minLocals(); m.MaxLocals < n {
		m.MaxLocals = n
	}
	return m, nil
}

// minLocals is the smallest local table that holds the receiver, the
// arguments and every LOAD/STORE slot.
func (m *Method) minLocals() int {
	n := ArgumentCount(m.Desc)
	if !m.IsStatic() {
		n++
	}
	for _, in := range m.Code {
		if (in.Op == LOAD || in.Op == STORE) && int(in.Int)+1 > n {
			n = int(in.Int) + 1
		}
	}
	return n
}

// stripComment removes a trailing "#" comment that is not inside a string constant.
func stripComment(s string) string {
	inString := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case '#':
			if !inString {
				return s[:i]
			}
		}
	}
	return s
}

// ParseInstruction parses the textual form produced by FormatInstruction.
func ParseInstruction(text string) (Instruction, error) {
	if strings.HasSuffix(text, ":") && !strings.ContainsAny(text, " \t") {
		return Instruction{Op: LABEL, Label: strings.TrimSuffix(text, ":")}, nil
	}
	mnemonic, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)
	op, err := ParseOpcode(mnemonic)
	if err != nil {
		return Instruction{}, err
	}
	in := Instruction{Op: op}
	fields := strings.Fields(rest)
	need := func(n int) error {
		if len(fields) != n {
			return fmt.Errorf("%w: %s expects %d operand(s), got %q", ErrMalformed, op, n, rest)
		}
		return nil
	}

	switch {
	case op == CONST:
		return parseConst(rest)
	case op == LABEL:
		if err := need(1); err != nil {
			return in, err
		}
		in.Label = fields[0]
	case op == LINE || op == LOAD || op == STORE:
		if err := need(1); err != nil {
			return in, err
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || n < 0 {
			return in, fmt.Errorf("%w: %s operand %q", ErrMalformed, op, fields[0])
		}
		in.Int = n
	case op == SWITCH:
		// SWITCH <min> <label>... default <label>
		if len(fields) < 3 || fields[len(fields)-2] != "default" {
			return in, fmt.Errorf("%w: SWITCH %q", ErrMalformed, rest)
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return in, fmt.Errorf("%w: SWITCH minimum %q", ErrMalformed, fields[0])
		}
		in.Int = n
		in.Labels = append([]string(nil), fields[1:len(fields)-2]...)
		in.Label = fields[len(fields)-1]
	case op.IsBranch():
		if err := need(1); err != nil {
			return in, err
		}
		in.Label = fields[0]
	case op.HasTypeOperand():
		if err := need(1); err != nil {
			return in, err
		}
		in.Type = fields[0]
	case op.HasMemberOperand():
		if err := need(1); err != nil {
			return in, err
		}
		owner, name, desc, ok := SplitMemberName(fields[0])
		if !ok {
			return in, fmt.Errorf("%w: %s operand %q is not owner.name:desc", ErrMalformed, op, fields[0])
		}
		in.Owner, in.Name, in.Desc = owner, name, desc
	case op == INVOKEDYNAMIC:
		if err := need(1); err != nil {
			return in, err
		}
		name, desc, ok := strings.Cut(fields[0], ":")
		if !ok {
			return in, fmt.Errorf("%w: INVOKEDYNAMIC operand %q is not name:desc", ErrMalformed, fields[0])
		}
		in.Name, in.Desc = name, desc
	default:
		if err := need(0); err != nil {
			return in, err
		}
	}
	return in, nil
}

func parseConst(rest string) (Instruction, error) {
	in := Instruction{Op: CONST}
	switch {
	case rest == "null":
		in.Kind = ConstNull
	case strings.HasPrefix(rest, `"`):
		s, err := strconv.Unquote(rest)
		if err != nil {
			return in, fmt.Errorf("%w: string constant %s", ErrMalformed, rest)
		}
		in.Kind, in.Str = ConstString, s
	case rest == "true" || rest == "false":
		in.Kind = ConstInt
		if rest == "true" {
			in.Int = 1
		}
	default:
		if n, err := strconv.ParseInt(rest, 0, 64); err == nil {
			in.Kind, in.Int = ConstInt, n
			break
		}
		f, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return in, fmt.Errorf("%w: constant %q", ErrMalformed, rest)
		}
		in.Kind, in.Float = ConstFloat, f
	}
	return in, nil
}

// ParseFrame parses "label locals=[T,...] stack=[T,...]".
func ParseFrame(s string) (Frame, error) {
	f := strings.Fields(s)
	if len(f) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	frame := Frame{Label: f[0]}
	for _, part := range f[1:] {
		key, list, ok := strings.Cut(part, "=")
		if !ok || !strings.HasPrefix(list, "[") || !strings.HasSuffix(list, "]") {
			return Frame{}, fmt.Errorf("%w: frame %q", ErrMalformed, s)
		}
		var types []string
		if inner := list[1 : len(list)-1]; inner != "" {
			types = strings.Split(inner, ",")
		}
		switch key {
		case "locals":
			frame.Locals = types
		case "stack":
			frame.Stack = types
		default:
			return Frame{}, fmt.Errorf("%w: frame %q", ErrMalformed, s)
		}
	}
	return frame, nil
}

// FormatFrame is the inverse of ParseFrame.
func FormatFrame(f Frame) string {
	return fmt.Sprintf("%s locals=[%s] stack=[%s]", f.Label, strings.Join(f.Locals, ","), strings.Join(f.Stack, ","))
}

// FormatInstruction renders an instruction in assembler syntax.
func FormatInstruction(in Instruction) string {
	switch {
	case in.Op == LABEL:
		return in.Label + ":"
	case in.Op == CONST:
		switch in.Kind {
		case ConstNull:
			return "CONST null"
		case ConstString:
			return "CONST " + strconv.Quote(in.Str)
		case ConstFloat:
			s := strconv.FormatFloat(in.Float, 'g', -1, 64)
			if !strings.ContainsAny(s, ".eEN") && !math.IsInf(in.Float, 0) {
				s += ".0"
			}
			return "CONST " + s
		}
		return "CONST " + strconv.FormatInt(in.Int, 10)
	case in.Op == LINE || in.Op == LOAD || in.Op == STORE:
		return in.Op.String() + " " + strconv.FormatInt(in.Int, 10)
	case in.Op == SWITCH:
		return fmt.Sprintf("SWITCH %d %s default %s", in.Int, strings.Join(in.Labels, " "), in.Label)
	case in.Op.IsBranch():
		return in.Op.String() + " " + in.Label
	case in.Op.HasTypeOperand():
		return in.Op.String() + " " + in.Type
	case in.Op.HasMemberOperand():
		return in.Op.String() + " " + in.Member()
	case in.Op == INVOKEDYNAMIC:
		return "INVOKEDYNAMIC " + in.Name + ":" + in.Desc
	}
	return in.Op.String()
}

// ToSource converts a class back to its YAML form.
func ToSource(c *Class) Source {
	src := Source{
		Class:       c.Name,
		Super:       c.Super,
		Interfaces:  c.Interfaces,
		Access:      c.Access.Names(),
		Annotations: c.Annotations,
		SourceFile:  c.SourceFile,
	}
	for _, f := range c.Fields {
		src.Fields = append(src.Fields, FieldSource{Name: f.Name, Desc: f.Desc, Access: f.Access.Names(), Annotations: f.Annotations})
	}
	for _, m := range c.Methods {
		ms := MethodSource{
			Name:        m.Name,
			Desc:        m.Desc,
			Access:      m.Access.Names(),
			Annotations: m.Annotations,
			Locals:      m.MaxLocals,
		}
		var b strings.Builder
		for _, in := range m.Code {
			if in.Op != LABEL {
				b.WriteString("  ")
			}
			b.WriteString(FormatInstruction(in))
			b.WriteByte('\n')
		}
		ms.Code = b.String()
		for _, h := range m.Handlers {
			ms.Handlers = append(ms.Handlers, strings.TrimSpace(strings.Join([]string{h.Start, h.End, h.Target, h.Type}, " ")))
		}
		for _, f := range m.Frames {
			ms.Frames = append(ms.Frames, FormatFrame(f))
		}
		src.Methods = append(src.Methods, ms)
	}
	return src
}

// Disassemble renders classes as YAML documents accepted by Assemble.
func Disassemble(classes ...*Class) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, c := range classes {
		if err := enc.Encode(ToSource(c)); err != nil {
			return "", fmt.Errorf("disassembling %s: %w", c.Name, err)
		}
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
