package ir

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const sample = `
class: foo/Counter
interfaces: [lang/Function]
access: [public]
source: Counter.src
fields:
  - name: count
    desc: I
    access: [private]
methods:
  - name: <init>
    desc: ()V
    code: |
      LOAD 0
      INVOKESPECIAL lang/Object.<init>:()V
      RETURN
  - name: apply
    desc: (Llang/Object;)Llang/Object;
    access: [public]
    code: |
      LINE 3
      CONST 0
      STORE 2
      loop:
      LOAD 2
      CONST 10
      IFCMPGE done   # exit
      LOAD 2
      CONST 1
      ADD
      STORE 2
      GOTO loop
      done:
      CONST "count # not a comment"
      VRETURN
---
class: foo/Empty
`

func TestAssemble(t *testing.T) {
	classes, err := AssembleString(sample)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(classes) != 2 {
		t.Fatalf("expected 2 classes, got %d", len(classes))
	}

	c := classes[0]
	if c.Super != RootClass {
		t.Errorf("Super = %q, want %q", c.Super, RootClass)
	}
	if !c.Access.Has(AccPublic) {
		t.Error("expected public access")
	}
	apply := c.Method("apply", "(Llang/Object;)Llang/Object;")
	if apply == nil {
		t.Fatal("apply method not found")
	}
	if apply.MaxLocals != 3 {
		t.Errorf("MaxLocals = %d, want 3", apply.MaxLocals)
	}
	labels := apply.Labels()
	if _, ok := labels["loop"]; !ok {
		t.Error("expected label loop")
	}
	last := apply.Code[len(apply.Code)-2]
	if last.Kind != ConstString || last.Str != "count # not a comment" {
		t.Errorf("string constant = %+v", last)
	}
	if classes[1].Name != "foo/Empty" || classes[1].Super != RootClass {
		t.Errorf("unexpected second class %+v", classes[1])
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown opcode", "class: a/B\nmethods:\n  - name: m\n    desc: ()V\n    code: FROB\n"},
		{"undeclared label", "class: a/B\nmethods:\n  - name: m\n    desc: ()V\n    code: GOTO nowhere\n"},
		{"bad descriptor", "class: a/B\nmethods:\n  - name: m\n    desc: (Q)V\n"},
		{"bad member operand", "class: a/B\nmethods:\n  - name: m\n    desc: ()V\n    code: INVOKESTATIC a/B\n"},
		{"bad modifier", "class: a/B\naccess: [sneaky]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AssembleString(tt.src)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDisassembleRoundTrip(t *testing.T) {
	classes, err := AssembleString(sample)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	text, err := Disassemble(classes...)
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	again, err := AssembleString(text)
	if err != nil {
		t.Fatalf("re-assembling disassembly: %v\n%s", err, text)
	}
	for i := range classes {
		a, _ := Encode(classes[i])
		b, _ := Encode(again[i])
		if !bytes.Equal(a, b) {
			t.Errorf("class %s changed after round trip:\n%s", classes[i].Name, text)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	classes, err := AssembleString(sample)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	first, err := Encode(classes[0])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	second, err := Encode(classes[0].Clone())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("encoding a clone produced different bytes")
	}

	decoded, err := Decode(first)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Name != "foo/Counter" || len(decoded.Methods) != 2 {
		t.Errorf("unexpected decoded class %+v", decoded)
	}

	if _, err := Decode([]byte{0xff, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for garbage, got %v", err)
	}
}

func TestArchive(t *testing.T) {
	classes, err := AssembleString(sample)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	path := filepath.Join(t.TempDir(), "app.car")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteArchive(f, classes); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}
	f.Close()

	a, err := OpenArchive(path)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer a.Close()

	if got := a.Names(); !reflect.DeepEqual(got, []string{"foo/Counter", "foo/Empty"}) {
		t.Errorf("Names = %v", got)
	}
	c, err := a.Class("foo/Counter")
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	if c.SourceFile != "Counter.src" {
		t.Errorf("SourceFile = %q", c.SourceFile)
	}
	if _, err := a.Class("foo/Missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestOpenArchiveMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.car")
	if err := os.WriteFile(path, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenArchive(path); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDescriptors(t *testing.T) {
	args, ret, err := ParseMethodDescriptor("(I[Lfoo/Bar;DZ)Llang/String;")
	if err != nil {
		t.Fatalf("ParseMethodDescriptor: %v", err)
	}
	if !reflect.DeepEqual(args, []string{"I", "[Lfoo/Bar;", "D", "Z"}) {
		t.Errorf("args = %v", args)
	}
	if ret != "Llang/String;" {
		t.Errorf("ret = %q", ret)
	}

	if got := ClassNames("(Lfoo/A;[[Lfoo/B;I)Lfoo/C;"); !reflect.DeepEqual(got, []string{"foo/A", "foo/B", "foo/C"}) {
		t.Errorf("ClassNames = %v", got)
	}
	mapped := MapDescriptor("(Lfoo/A;I)[Lfoo/B;", func(s string) string { return "sandbox/" + s })
	if mapped != "(Lsandbox/foo/A;I)[Lsandbox/foo/B;" {
		t.Errorf("MapDescriptor = %q", mapped)
	}
	if ClassOf("[[Lfoo/A;") != "foo/A" || ClassOf("[I") != "" {
		t.Error("ClassOf mismatch")
	}
	if InternalClass("[Lfoo/A;") != "foo/A" || InternalClass("foo/A") != "foo/A" {
		t.Error("InternalClass mismatch")
	}
	for _, bad := range []string{"I", "(I", "([V)V", "(Lfoo)V", "()VV"} {
		if _, _, err := ParseMethodDescriptor(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestSplitMemberName(t *testing.T) {
	owner, name, desc, ok := SplitMemberName("foo/Bar.<init>:(I)V")
	if !ok || owner != "foo/Bar" || name != "<init>" || desc != "(I)V" {
		t.Errorf("got %q %q %q %v", owner, name, desc, ok)
	}
	if _, _, _, ok := SplitMemberName("foo/Bar"); ok {
		t.Error("expected failure without descriptor")
	}
}

func TestFormatInstruction(t *testing.T) {
	tests := []string{
		"CONST 42",
		"CONST 1.0",
		"CONST -2.5",
		"CONST null",
		`CONST "a\"b"`,
		"SWITCH 1 a b default c",
		"INVOKEVIRTUAL lang/Object.hashCode:()I",
		"INVOKEDYNAMIC run:()Llang/Function;",
		"NEWARRAY Lfoo/Bar;",
		"IFNULL skip",
		"THROW",
		"end:",
	}
	for _, text := range tests {
		in, err := ParseInstruction(text)
		if err != nil {
			t.Fatalf("ParseInstruction(%q): %v", text, err)
		}
		if got := FormatInstruction(in); got != text {
			t.Errorf("FormatInstruction(%q) = %q", text, got)
		}
	}
}
