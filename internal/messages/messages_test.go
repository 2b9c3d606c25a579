package messages

import (
	"testing"

	"github.com/jkaninda/detsandbox/internal/references"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"trace", Trace},
		{"INFO", Informational},
		{"informational", Informational},
		{"Warning", Warning},
		{"ERROR", Error},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if err != nil {
			t.Fatalf("ParseSeverity(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseSeverity("loud"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestCollection(t *testing.T) {
	c := NewCollection()
	a := references.SourceLocation{Class: "foo/A", Member: "run", Desc: "()V", Line: 4}
	b := references.SourceLocation{Class: "foo/B"}

	c.Addf(Warning, b, "Class is %s", "synchronized")
	c.Addf(Error, a, "invalid reference to class lang/Thread, not whitelisted")
	c.Addf(Error, a, "invalid reference to class lang/Thread, not whitelisted")
	c.Addf(Informational, a, "Strict floating-point arithmetic will be applied")
	c.Addf(Trace, b, "analysed")

	if c.Len() != 4 {
		t.Fatalf("Len = %d, want 4 (duplicates dropped)", c.Len())
	}
	if c.ErrorCount() != 1 || c.WarningCount() != 1 {
		t.Errorf("counts = %d errors, %d warnings", c.ErrorCount(), c.WarningCount())
	}
	if !c.ClassHasErrors("foo/A") || c.ClassHasErrors("foo/B") {
		t.Error("per-class error tracking is wrong")
	}
	if got := c.Summary(); got != "Found 1 errors and 1 warnings" {
		t.Errorf("Summary = %q", got)
	}

	sorted := c.Sorted(Informational)
	if len(sorted) != 3 {
		t.Fatalf("Sorted(INFO) returned %d messages", len(sorted))
	}
	if sorted[0].Severity != Error || sorted[1].Severity != Informational || sorted[2].Location.Class != "foo/B" {
		t.Errorf("unexpected order: %v", sorted)
	}
}

func TestMessageString(t *testing.T) {
	m := Message{
		Severity: Error,
		Text:     "invalid reference to method lang/Object.wait:()V, not whitelisted",
		Location: references.SourceLocation{Class: "foo/A", Member: "run", Desc: "()V", SourceFile: "A.src", Line: 7},
	}
	want := "- ERROR in foo/A.run:()V (A.src:7): invalid reference to method lang/Object.wait:()V, not whitelisted."
	if got := m.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestReasonDescribe(t *testing.T) {
	r := Reason{Kind: InvalidClass, Classes: []string{"foo/A", "foo/B"}}
	if got := r.Describe(); got != "invalid class; foo/A, foo/B" {
		t.Errorf("Describe = %q", got)
	}
	if NotWhitelisted.String() != "NOT_WHITELISTED" {
		t.Errorf("String = %q", NotWhitelisted.String())
	}
}
