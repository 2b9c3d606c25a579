package references

import (
	"reflect"
	"testing"

	"github.com/jkaninda/detsandbox/internal/ir"
)

func TestReferenceMap(t *testing.T) {
	m := NewReferenceMap()
	locA := SourceLocation{Class: "foo/A", Member: "run", Desc: "()V", Line: 1}
	locB := SourceLocation{Class: "foo/B", Member: "run", Desc: "()V", Line: 2}

	thread := ClassReference{Name: "lang/Thread"}
	start := MemberReference{Owner: "lang/Thread", Name: "start", Desc: "()V"}

	m.Add(thread, locA)
	m.Add(start, locA)
	m.Add(thread, locB)
	m.Add(thread, locA)

	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
	if m.At(0).Key() != "lang/Thread" || m.At(1).Key() != "lang/Thread.start:()V" {
		t.Errorf("insertion order not kept: %v", m.References())
	}
	if got := m.Locations(thread); len(got) != 2 {
		t.Errorf("Locations = %v", got)
	}
	if got := m.Referrers(thread); !reflect.DeepEqual(got, []string{"foo/A", "foo/B"}) {
		t.Errorf("Referrers = %v", got)
	}
	if got := m.From("foo/A"); len(got) != 2 {
		t.Errorf("From(foo/A) = %v", got)
	}
}

func TestReferenceMapGrowsDuringIteration(t *testing.T) {
	m := NewReferenceMap()
	m.Add(ClassReference{Name: "a/A"}, SourceLocation{Class: "x/X"})
	visited := 0
	for i := 0; i < m.Len(); i++ {
		visited++
		if i == 0 {
			m.Add(ClassReference{Name: "b/B"}, SourceLocation{Class: "a/A"})
		}
	}
	if visited != 2 {
		t.Errorf("visited %d references, want 2", visited)
	}
}

func TestClassHierarchy(t *testing.T) {
	h := NewClassHierarchy()
	base := NewClassRepresentation(&ir.Class{
		Name:    "foo/Base",
		Super:   ir.RootClass,
		Methods: []*ir.Method{{Name: "run", Desc: "()V"}},
	}, "")
	child := NewClassRepresentation(&ir.Class{
		Name:       "foo/Child",
		Super:      "foo/Base",
		Interfaces: []string{"foo/Named"},
		Fields:     []*ir.Field{{Name: "count", Desc: "I"}},
	}, "")
	named := NewClassRepresentation(&ir.Class{
		Name:    "foo/Named",
		Super:   ir.RootClass,
		Access:  ir.AccInterface | ir.AccAbstract,
		Methods: []*ir.Method{{Name: "name", Desc: "()Llang/String;", Access: ir.AccAbstract}},
	}, "")

	if !h.Add(base) || !h.Add(child) || !h.Add(named) {
		t.Fatal("first Add should insert")
	}
	if h.Add(base) {
		t.Error("second Add of the same class should report false")
	}
	if got := h.Names(); !reflect.DeepEqual(got, []string{"foo/Base", "foo/Child", "foo/Named"}) {
		t.Errorf("Names = %v", got)
	}
	if got := h.Ancestors("foo/Child"); !reflect.DeepEqual(got, []string{"foo/Base", ir.RootClass}) {
		t.Errorf("Ancestors = %v", got)
	}

	m, stopped := h.FindMember("foo/Child", "run", "()V", nil)
	if m == nil || m.Owner != "foo/Base" || stopped {
		t.Errorf("FindMember(run) = %+v, %v", m, stopped)
	}
	m, _ = h.FindMember("foo/Child", "name", "()Llang/String;", nil)
	if m == nil || m.Owner != "foo/Named" {
		t.Errorf("FindMember(name) = %+v", m)
	}

	var outside []string
	m, stopped = h.FindMember("foo/Child", "hashCode", "()I", func(class string) bool {
		outside = append(outside, class)
		return class == ir.RootClass
	})
	if m != nil || !stopped {
		t.Errorf("expected search to stop at the root class, got %+v, %v", m, stopped)
	}
	if !reflect.DeepEqual(outside, []string{ir.RootClass}) {
		t.Errorf("visited outside classes %v", outside)
	}

	snap := h.Snapshot()
	h.Add(NewClassRepresentation(&ir.Class{Name: "foo/Late", Super: ir.RootClass}, ""))
	if snap.Contains("foo/Late") {
		t.Error("snapshot should not see later additions")
	}
}

func TestNonDeterministicFlag(t *testing.T) {
	const ann = "lang/annotation/NonDeterministic"
	c := NewClassRepresentation(&ir.Class{
		Name:    "foo/Clock",
		Super:   ir.RootClass,
		Methods: []*ir.Method{{Name: "now", Desc: "()I", Annotations: []string{ann}}},
	}, ann)
	if !c.NonDeterministic {
		t.Error("annotated member should flag the class")
	}
}

func TestSourceLocationString(t *testing.T) {
	tests := []struct {
		loc  SourceLocation
		want string
	}{
		{SourceLocation{Class: "foo/A"}, "foo/A"},
		{SourceLocation{Class: "foo/A", Member: "run", Desc: "()V"}, "foo/A.run:()V"},
		{SourceLocation{Class: "foo/A", Member: "run", Desc: "()V", Line: 3}, "foo/A.run:()V (line 3)"},
		{SourceLocation{Class: "foo/A", SourceFile: "A.src", Line: 3}, "foo/A (A.src:3)"},
	}
	for _, tt := range tests {
		if got := tt.loc.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
