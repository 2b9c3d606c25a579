package whitelist

import (
	"io"
	"sort"

	"github.com/jkaninda/detsandbox/internal/ir"
)

// Generate returns the exact patterns admitting every class in classes
// and each member it declares, sorted and deduplicated.
func Generate(classes []*ir.Class) []string {
	seen := make(map[string]struct{})
	add := func(s string) { seen[s] = struct{}{} }
	for _, c := range classes {
		add(c.Name)
		for _, f := range c.Fields {
			add(ir.MemberName(c.Name, f.Name, f.Desc))
		}
		for _, m := range c.Methods {
			add(ir.MemberName(c.Name, m.Name, m.Desc))
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Write writes patterns in the file format read by Parse.
func Write(w io.Writer, patterns []string) error {
	for _, p := range patterns {
		if _, err := io.WriteString(w, p+"\n"); err != nil {
			return err
		}
	}
	return nil
}
