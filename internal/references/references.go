// Package references models the reference graph built while analysing
// classes: what each class is, what it points at and from where.
package references

import (
	"fmt"
	"slices"
	"sort"
	"strconv"

	"github.com/jkaninda/detsandbox/internal/ir"
)

// Member is a field or method of a class. Methods have a descriptor
// starting with "(".
type Member struct {
	Owner       string
	Name        string
	Desc        string
	Access      ir.Access
	Annotations []string
}

// Key identifies a member within its owner.
func (m *Member) Key() string { return m.Name + ":" + m.Desc }

// IsMethod reports whether the member is a method.
func (m *Member) IsMethod() bool { return len(m.Desc) > 0 && m.Desc[0] == '(' }

// ClassRepresentation is what the analyzer knows about a class.
type ClassRepresentation struct {
	Name             string
	Super            string
	Interfaces       []string
	Access           ir.Access
	Annotations      []string
	SourceFile       string
	Members          map[string]*Member
	NonDeterministic bool
}

// NewClassRepresentation summarises a compiled class. A class carrying
// the non-determinism annotation, or any member carrying it, is flagged.
func NewClassRepresentation(c *ir.Class, nonDeterministic string) *ClassRepresentation {
	r := &ClassRepresentation{
		Name:        c.Name,
		Super:       c.Super,
		Interfaces:  slices.Clone(c.Interfaces),
		Access:      c.Access,
		Annotations: slices.Clone(c.Annotations),
		SourceFile:  c.SourceFile,
		Members:     make(map[string]*Member, len(c.Fields)+len(c.Methods)),
	}
	if nonDeterministic != "" && c.HasAnnotation(nonDeterministic) {
		r.NonDeterministic = true
	}
	for _, f := range c.Fields {
		m := &Member{Owner: c.Name, Name: f.Name, Desc: f.Desc, Access: f.Access, Annotations: slices.Clone(f.Annotations)}
		r.Members[m.Key()] = m
		if nonDeterministic != "" && slices.Contains(f.Annotations, nonDeterministic) {
			r.NonDeterministic = true
		}
	}
	for _, md := range c.Methods {
		m := &Member{Owner: c.Name, Name: md.Name, Desc: md.Desc, Access: md.Access, Annotations: slices.Clone(md.Annotations)}
		r.Members[m.Key()] = m
		if nonDeterministic != "" && slices.Contains(md.Annotations, nonDeterministic) {
			r.NonDeterministic = true
		}
	}
	return r
}

// IsInterface reports whether the class is an interface.
func (c *ClassRepresentation) IsInterface() bool { return c.Access.Has(ir.AccInterface) }

// Member returns the member declared with the given name and descriptor.
func (c *ClassRepresentation) Member(name, desc string) (*Member, bool) {
	m, ok := c.Members[name+":"+desc]
	return m, ok
}

// FieldNamed returns a field by name regardless of descriptor.
func (c *ClassRepresentation) FieldNamed(name string) (*Member, bool) {
	for _, m := range c.Members {
		if m.Name == name && !m.IsMethod() {
			return m, true
		}
	}
	return nil, false
}

// Reference is either a ClassReference or a MemberReference.
type Reference interface {
	// Key is unique per distinct reference.
	Key() string
	// ClassName is the class the reference resolves through.
	ClassName() string
	String() string
}

// ClassReference points at a class.
type ClassReference struct {
	Name string
}

func (r ClassReference) Key() string       { return r.Name }
func (r ClassReference) ClassName() string { return r.Name }
func (r ClassReference) String() string    { return r.Name }

// MemberReference points at a field or method of Owner.
type MemberReference struct {
	Owner string
	Name  string
	Desc  string
}

func (r MemberReference) Key() string       { return ir.MemberName(r.Owner, r.Name, r.Desc) }
func (r MemberReference) ClassName() string { return r.Owner }
func (r MemberReference) String() string    { return r.Key() }

// IsMethod reports whether the reference names a method.
func (r MemberReference) IsMethod() bool { return len(r.Desc) > 0 && r.Desc[0] == '(' }

// IsConstructor reports whether the reference names an instance initialiser.
func (r MemberReference) IsConstructor() bool { return r.Name == "<init>" }

// SourceLocation pinpoints where something was observed.
type SourceLocation struct {
	Class      string
	SourceFile string
	Member     string
	Desc       string
	Line       int
}

// String renders "class[.member:desc][ (file:line)]".
func (l SourceLocation) String() string {
	s := l.Class
	if l.Member != "" {
		s += "." + l.Member + ":" + l.Desc
	}
	switch {
	case l.SourceFile != "" && l.Line > 0:
		s += " (" + l.SourceFile + ":" + strconv.Itoa(l.Line) + ")"
	case l.Line > 0:
		s += " (line " + strconv.Itoa(l.Line) + ")"
	}
	return s
}

// Less orders locations by class, member and line.
func (l SourceLocation) Less(o SourceLocation) bool {
	if l.Class != o.Class {
		return l.Class < o.Class
	}
	if l.Member != o.Member {
		return l.Member < o.Member
	}
	if l.Desc != o.Desc {
		return l.Desc < o.Desc
	}
	return l.Line < o.Line
}

// ReferenceMap collects distinct references in insertion order together
// with every location they were seen at. It may grow while being
// iterated by index.
type ReferenceMap struct {
	order     []Reference
	locations map[string][]SourceLocation
	seen      map[string]map[SourceLocation]struct{}
	byClass   map[string][]Reference
	classSeen map[string]map[string]struct{}
}

// NewReferenceMap returns an empty map.
func NewReferenceMap() *ReferenceMap {
	return &ReferenceMap{
		locations: make(map[string][]SourceLocation),
		seen:      make(map[string]map[SourceLocation]struct{}),
		byClass:   make(map[string][]Reference),
		classSeen: make(map[string]map[string]struct{}),
	}
}

// Add records ref at loc. Duplicate (ref, loc) pairs are ignored.
func (m *ReferenceMap) Add(ref Reference, loc SourceLocation) {
	key := ref.Key()
	locs, ok := m.seen[key]
	if !ok {
		locs = make(map[SourceLocation]struct{})
		m.seen[key] = locs
		m.order = append(m.order, ref)
	}
	if _, dup := locs[loc]; !dup {
		locs[loc] = struct{}{}
		m.locations[key] = append(m.locations[key], loc)
	}

	refs, ok := m.classSeen[loc.Class]
	if !ok {
		refs = make(map[string]struct{})
		m.classSeen[loc.Class] = refs
	}
	if _, dup := refs[key]; !dup {
		refs[key] = struct{}{}
		m.byClass[loc.Class] = append(m.byClass[loc.Class], ref)
	}
}

// Len is the number of distinct references.
func (m *ReferenceMap) Len() int { return len(m.order) }

// At returns the i-th distinct reference in insertion order.
func (m *ReferenceMap) At(i int) Reference { return m.order[i] }

// References returns all distinct references in insertion order.
func (m *ReferenceMap) References() []Reference { return slices.Clone(m.order) }

// Locations returns where the reference was seen.
func (m *ReferenceMap) Locations(ref Reference) []SourceLocation {
	return slices.Clone(m.locations[ref.Key()])
}

// From returns the references made by code in the given class.
func (m *ReferenceMap) From(class string) []Reference {
	return slices.Clone(m.byClass[class])
}

// Referrers returns the classes whose code references ref.
func (m *ReferenceMap) Referrers(ref Reference) []string {
	var out []string
	seen := make(map[string]bool)
	for _, loc := range m.locations[ref.Key()] {
		if !seen[loc.Class] {
			seen[loc.Class] = true
			out = append(out, loc.Class)
		}
	}
	sort.Strings(out)
	return out
}

// ClassHierarchy maps class names to their representations.
type ClassHierarchy struct {
	classes map[string]*ClassRepresentation
}

// NewClassHierarchy returns an empty hierarchy.
func NewClassHierarchy() *ClassHierarchy {
	return &ClassHierarchy{classes: make(map[string]*ClassRepresentation)}
}

// Add inserts c unless a class with the same name is present. It reports
// whether c was inserted; callers use this to stop recursing.
func (h *ClassHierarchy) Add(c *ClassRepresentation) bool {
	if _, ok := h.classes[c.Name]; ok {
		return false
	}
	h.classes[c.Name] = c
	return true
}

// Get returns the named class.
func (h *ClassHierarchy) Get(name string) (*ClassRepresentation, bool) {
	c, ok := h.classes[name]
	return c, ok
}

// Contains reports whether the class is known.
func (h *ClassHierarchy) Contains(name string) bool {
	_, ok := h.classes[name]
	return ok
}

// Len is the number of known classes.
func (h *ClassHierarchy) Len() int { return len(h.classes) }

// Names returns the known class names, sorted.
func (h *ClassHierarchy) Names() []string {
	names := make([]string, 0, len(h.classes))
	for name := range h.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ancestors returns the known superclass chain of a class, nearest
// first. The walk stops at the first class missing from the hierarchy
// and never revisits a class.
func (h *ClassHierarchy) Ancestors(name string) []string {
	var out []string
	visited := map[string]bool{name: true}
	c, ok := h.classes[name]
	for ok && c.Super != "" && !visited[c.Super] {
		visited[c.Super] = true
		out = append(out, c.Super)
		c, ok = h.classes[c.Super]
	}
	return out
}

// FindMember looks up a member on a class and then on its superclasses
// and interfaces. Classes outside the hierarchy are handed to visit
// (when non-nil) and skipped; visit returning true ends the search with
// stopped set.
func (h *ClassHierarchy) FindMember(owner, name, desc string, visit func(class string) bool) (member *Member, stopped bool) {
	visited := make(map[string]bool)
	queue := []string{owner}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		c, ok := h.classes[cur]
		if !ok {
			if visit != nil && visit(cur) {
				return nil, true
			}
			continue
		}
		if m, ok := c.Member(name, desc); ok {
			return m, false
		}
		if c.Super != "" {
			queue = append(queue, c.Super)
		}
		queue = append(queue, c.Interfaces...)
	}
	return nil, false
}

// Snapshot returns an independent copy of the hierarchy map.
func (h *ClassHierarchy) Snapshot() *ClassHierarchy {
	out := NewClassHierarchy()
	for k, v := range h.classes {
		out.classes[k] = v
	}
	return out
}

// Describe renders one line per class for diagnostics.
func (h *ClassHierarchy) Describe() []string {
	var lines []string
	for _, name := range h.Names() {
		c := h.classes[name]
		line := fmt.Sprintf("%s extends %s", c.Name, c.Super)
		if len(c.Interfaces) > 0 {
			line += fmt.Sprintf(" implements %v", c.Interfaces)
		}
		lines = append(lines, line)
	}
	return lines
}
