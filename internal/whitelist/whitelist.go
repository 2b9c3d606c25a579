// Package whitelist implements the symbol policy of the sandbox.
//
// A whitelist is a set of patterns over class names ("lang/String") and
// member names ("lang/String.length:()I"). A pattern is either an exact
// name or a prefix terminated by a single "*". Anything else is rejected
// as ambiguous so that a policy file always means exactly one thing.
//
// Besides matching, a whitelist defines the namespaces it covers: a
// symbol whose package is covered but which is not matched is a
// reference to the platform that the policy deliberately withholds.
package whitelist

import (
	"bufio"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// ErrAmbiguousPattern is returned for patterns that do not follow the grammar.
var ErrAmbiguousPattern = errors.New("ambiguous whitelist pattern")

// Sentinel names accepted by Load.
const (
	NameNone    = "NONE"
	NameAll     = "ALL"
	NameLang    = "LANG"
	NameDefault = "DEFAULT"
)

//go:embed lists/*.txt
var lists embed.FS

// Whitelist is an immutable set of exact and prefix patterns.
type Whitelist struct {
	name       string
	all        bool
	exact      map[string]struct{}
	prefixes   []string
	namespaces []string
	patterns   []string
}

// New builds a whitelist from patterns.
func New(name string, patterns ...string) (*Whitelist, error) {
	w := &Whitelist{name: name, exact: make(map[string]struct{})}
	for _, p := range patterns {
		if err := w.add(p); err != nil {
			return nil, err
		}
	}
	w.finish()
	return w, nil
}

// Empty is the NONE whitelist: nothing is matched, no namespace covered.
func Empty() *Whitelist {
	w, _ := New(NameNone)
	return w
}

// Everything is the ALL whitelist.
func Everything() *Whitelist {
	w, _ := New(NameAll)
	w.all = true
	return w
}

// Minimal is the language-only LANG whitelist.
func Minimal() *Whitelist {
	return mustEmbedded(NameLang, "lists/lang.txt")
}

// Default is the curated DEFAULT whitelist, a superset of Minimal.
func Default() *Whitelist {
	return mustEmbedded(NameDefault, "lists/lang.txt", "lists/default.txt")
}

func mustEmbedded(name string, files ...string) *Whitelist {
	w := &Whitelist{name: name, exact: make(map[string]struct{})}
	for _, file := range files {
		f, err := lists.Open(file)
		if err != nil {
			panic("whitelist: missing embedded list " + file)
		}
		err = w.read(file, f)
		f.Close()
		if err != nil {
			panic("whitelist: " + err.Error())
		}
	}
	w.finish()
	return w
}

// Load resolves a sentinel name (NONE, ALL, LANG, DEFAULT) or reads a file.
func Load(nameOrPath string) (*Whitelist, error) {
	switch strings.ToUpper(nameOrPath) {
	case NameNone:
		return Empty(), nil
	case NameAll:
		return Everything(), nil
	case NameLang, "MINIMAL":
		return Minimal(), nil
	case NameDefault, "":
		return Default(), nil
	}
	f, err := os.Open(nameOrPath)
	if err != nil {
		return nil, fmt.Errorf("opening whitelist: %w", err)
	}
	defer f.Close()
	return Parse(nameOrPath, f)
}

// Parse reads one pattern per line. Blank lines and lines starting
// with "#" are ignored.
func Parse(name string, r io.Reader) (*Whitelist, error) {
	w := &Whitelist{name: name, exact: make(map[string]struct{})}
	if err := w.read(name, r); err != nil {
		return nil, err
	}
	w.finish()
	return w, nil
}

func (w *Whitelist) read(file string, r io.Reader) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := w.add(text); err != nil {
			return fmt.Errorf("%s:%d: %w", file, line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", file, err)
	}
	return nil
}

func (w *Whitelist) add(pattern string) error {
	if err := CheckPattern(pattern); err != nil {
		return err
	}
	w.patterns = append(w.patterns, pattern)
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		w.prefixes = append(w.prefixes, prefix)
		w.namespaces = append(w.namespaces, namespaceOf(prefix))
		return nil
	}
	w.exact[pattern] = struct{}{}
	w.namespaces = append(w.namespaces, namespaceOf(pattern))
	return nil
}

func (w *Whitelist) finish() {
	sort.Strings(w.patterns)
	w.patterns = dedupe(w.patterns)
	sort.Strings(w.prefixes)
	w.prefixes = dedupe(w.prefixes)
	sort.Strings(w.namespaces)
	w.namespaces = dedupe(w.namespaces)
}

// CheckPattern validates a single pattern against the grammar.
func CheckPattern(p string) error {
	switch {
	case p == "" || p == "*":
		return fmt.Errorf("%w: %q matches everything or nothing", ErrAmbiguousPattern, p)
	case strings.ContainsAny(p, " \t"):
		return fmt.Errorf("%w: %q contains whitespace", ErrAmbiguousPattern, p)
	case strings.Contains(p, "**"):
		return fmt.Errorf("%w: %q uses a double wildcard", ErrAmbiguousPattern, p)
	case strings.Contains(strings.TrimSuffix(p, "*"), "*"):
		return fmt.Errorf("%w: %q has a wildcard before the end", ErrAmbiguousPattern, p)
	}
	return nil
}

// Name is the sentinel or file the whitelist was built from.
func (w *Whitelist) Name() string { return w.name }

// Patterns returns the sorted, deduplicated patterns.
func (w *Whitelist) Patterns() []string {
	return append([]string(nil), w.patterns...)
}

// Matches reports whether a class or member name is whitelisted.
func (w *Whitelist) Matches(name string) bool {
	if w.all {
		return true
	}
	if _, ok := w.exact[name]; ok {
		return true
	}
	for _, p := range w.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// InNamespace reports whether the package of a class name, or of a
// member's owner, is covered by the whitelist.
func (w *Whitelist) InNamespace(name string) bool {
	if w.all {
		return true
	}
	pkg := namespaceOf(ownerOf(name))
	for _, ns := range w.namespaces {
		if ns == "" {
			if pkg == "" {
				return true
			}
			continue
		}
		if strings.HasPrefix(pkg, ns) {
			return true
		}
	}
	for _, p := range w.prefixes {
		if !strings.Contains(p, "/") && strings.HasPrefix(pkg, p) {
			return true
		}
	}
	return false
}

// ownerOf strips a member suffix, returning the class part of a name.
func ownerOf(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
		if j := strings.LastIndexByte(name, '.'); j >= 0 {
			name = name[:j]
		}
		return name
	}
	if j := strings.IndexByte(name, '.'); j >= 0 {
		return name[:j]
	}
	return name
}

// namespaceOf returns the package part of a class name including the
// trailing slash, or "" for the default package.
func namespaceOf(name string) string {
	name = ownerOf(name)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[:i+1]
	}
	return ""
}

func dedupe(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
