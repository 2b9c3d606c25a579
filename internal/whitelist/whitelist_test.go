package whitelist

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestMatches(t *testing.T) {
	w, err := New("test", "lang/Object", "lang/String*", "foo/Bar.run:()V")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct {
		name string
		want bool
	}{
		{"lang/Object", true},
		{"lang/Object.hashCode:()I", false},
		{"lang/String", true},
		{"lang/StringBuilder", true},
		{"lang/String.length:()I", true},
		{"foo/Bar.run:()V", true},
		{"foo/Bar", false},
		{"lang/Math", false},
	}
	for _, tt := range tests {
		if got := w.Matches(tt.name); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestInNamespace(t *testing.T) {
	w, err := New("test", "lang/Object", "lang/annotation/Retention", "util/Li*")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct {
		name string
		want bool
	}{
		{"lang/Thread", true},
		{"lang/reflect/Method", true},
		{"lang/Thread.start:()V", true},
		{"util/Map", true},
		{"lang", false},
		{"foo/Bar", false},
		{"foo/Bar.run:()V", false},
		{"Top", false},
	}
	for _, tt := range tests {
		if got := w.InNamespace(tt.name); got != tt.want {
			t.Errorf("InNamespace(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCheckPattern(t *testing.T) {
	tests := []struct {
		pattern string
		ok      bool
	}{
		{"lang/Object", true},
		{"lang/*", true},
		{"lang/Str*", true},
		{"*", false},
		{"", false},
		{"lang/**", false},
		{"lang/*/Object", false},
		{"*Object", false},
		{"lang/ Object", false},
	}
	for _, tt := range tests {
		err := CheckPattern(tt.pattern)
		if tt.ok && err != nil {
			t.Errorf("CheckPattern(%q) unexpected error: %v", tt.pattern, err)
		}
		if !tt.ok && !errors.Is(err, ErrAmbiguousPattern) {
			t.Errorf("CheckPattern(%q) = %v, want ErrAmbiguousPattern", tt.pattern, err)
		}
	}
}

func TestParseReportsLine(t *testing.T) {
	src := "# comment\nlang/Object\n\nlang/*/String\n"
	_, err := Parse("policy.txt", strings.NewReader(src))
	if !errors.Is(err, ErrAmbiguousPattern) {
		t.Fatalf("expected ErrAmbiguousPattern, got %v", err)
	}
	if !strings.Contains(err.Error(), "policy.txt:4") {
		t.Errorf("error should name file and line, got %q", err)
	}
}

func TestPatternsSortedAndDeduplicated(t *testing.T) {
	w, err := Parse("p", strings.NewReader("b/B\na/A\nb/B\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := w.Patterns(); !reflect.DeepEqual(got, []string{"a/A", "b/B"}) {
		t.Errorf("Patterns = %v", got)
	}
}

func TestVariants(t *testing.T) {
	if Empty().Matches("lang/Object") || Empty().InNamespace("lang/Object") {
		t.Error("NONE should match nothing")
	}
	if !Everything().Matches("anything/At.all:()V") {
		t.Error("ALL should match everything")
	}

	lang := Minimal()
	def := Default()
	for _, p := range lang.Patterns() {
		if !def.Matches(strings.TrimSuffix(p, "*")) {
			t.Errorf("DEFAULT should include LANG pattern %q", p)
		}
	}
	if lang.Matches("lang/Math") {
		t.Error("LANG should not include lang/Math")
	}
	if !def.Matches("lang/Math.addExact:(II)I") {
		t.Error("DEFAULT should include lang/Math members")
	}
	if def.Matches("lang/Math.random:()D") {
		t.Error("DEFAULT should not include lang/Math.random")
	}
	if def.Matches("lang/System.currentTimeMillis:()I") {
		t.Error("DEFAULT must not include the wall clock")
	}
	if !def.InNamespace("lang/System.currentTimeMillis:()I") {
		t.Error("lang/System should be in a covered namespace")
	}
}

func TestLoad(t *testing.T) {
	for _, name := range []string{"none", "ALL", "lang", "DEFAULT"} {
		w, err := Load(name)
		if err != nil {
			t.Fatalf("Load(%q): %v", name, err)
		}
		if !strings.EqualFold(w.Name(), name) {
			t.Errorf("Load(%q).Name() = %q", name, w.Name())
		}
	}

	path := filepath.Join(t.TempDir(), "custom.txt")
	if err := os.WriteFile(path, []byte("app/*\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load(file): %v", err)
	}
	if !w.Matches("app/Main") {
		t.Error("file whitelist should match app/Main")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for a missing file")
	}
}
