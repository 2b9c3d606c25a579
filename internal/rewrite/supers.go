package rewrite

import (
	"fmt"

	"github.com/jkaninda/detsandbox/internal/ir"
)

// Hierarchy answers structural questions about classes in the sandbox
// namespace without defining them.
type Hierarchy interface {
	// Lookup returns the superclass of a class and whether it is an interface.
	Lookup(name string) (super string, isInterface bool, err error)
}

// CommonSuperResolver computes the nearest common superclass of two
// classes, resolving ancestry through the sandbox loader.
type CommonSuperResolver struct {
	hierarchy Hierarchy
	cache     map[[2]string]string
}

// NewCommonSuperResolver returns a resolver over h.
func NewCommonSuperResolver(h Hierarchy) *CommonSuperResolver {
	return &CommonSuperResolver{hierarchy: h, cache: make(map[[2]string]string)}
}

// CommonSuperClass returns the nearest class both a and b extend. The
// platform root is returned when either side is the root or an interface.
func (r *CommonSuperResolver) CommonSuperClass(a, b string) (string, error) {
	if a == ir.RootClass || b == ir.RootClass {
		return ir.RootClass, nil
	}
	if a == b {
		return a, nil
	}
	key := [2]string{a, b}
	if a > b {
		key = [2]string{b, a}
	}
	if s, ok := r.cache[key]; ok {
		return s, nil
	}

	_, aIface, err := r.hierarchy.Lookup(a)
	if err != nil {
		return "", fmt.Errorf("resolving common superclass of %s and %s: %w", a, b, err)
	}
	_, bIface, err := r.hierarchy.Lookup(b)
	if err != nil {
		return "", fmt.Errorf("resolving common superclass of %s and %s: %w", a, b, err)
	}
	if aIface || bIface {
		r.cache[key] = ir.RootClass
		return ir.RootClass, nil
	}

	ancestors, err := r.chain(a)
	if err != nil {
		return "", err
	}
	inA := make(map[string]bool, len(ancestors))
	for _, c := range ancestors {
		inA[c] = true
	}
	bChain, err := r.chain(b)
	if err != nil {
		return "", err
	}
	result := ir.RootClass
	for _, c := range bChain {
		if inA[c] {
			result = c
			break
		}
	}
	r.cache[key] = result
	return result, nil
}

// chain returns name followed by its superclasses up to the root.
func (r *CommonSuperResolver) chain(name string) ([]string, error) {
	out := []string{name}
	seen := map[string]bool{name: true}
	cur := name
	for cur != ir.RootClass {
		super, _, err := r.hierarchy.Lookup(cur)
		if err != nil {
			return nil, fmt.Errorf("walking superclasses of %s: %w", name, err)
		}
		if super == "" {
			break
		}
		if seen[super] {
			return nil, fmt.Errorf("class circularity detected at %s", super)
		}
		seen[super] = true
		out = append(out, super)
		cur = super
	}
	return out, nil
}
