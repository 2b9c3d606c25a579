// Package validation closes the reference graph collected by the
// analyzer against the session policy and explains every reference
// that cannot be allowed.
package validation

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/jkaninda/detsandbox/internal/analysis"
	"github.com/jkaninda/detsandbox/internal/classpath"
	"github.com/jkaninda/detsandbox/internal/host"
	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/messages"
	"github.com/jkaninda/detsandbox/internal/references"
)

// Result summarises one validation pass.
type Result struct {
	// References is the number of distinct references checked.
	References int
	// Rejected maps each rejected reference key to its reason.
	Rejected map[string]messages.Reason
}

// Validator classifies references with the policy of an analyzer.
type Validator struct {
	analyzer *analysis.Analyzer
	logger   *slog.Logger
}

// New returns a validator that analyzes referenced classes on demand
// with a.
func New(a *analysis.Analyzer, logger *slog.Logger) *Validator {
	return &Validator{analyzer: a, logger: logger}
}

// pass holds the state of one Validate call.
type pass struct {
	v       *Validator
	ctx     *analysis.Context
	classes map[string]messages.Reason
	result  *Result
}

// Validate walks every reference in ctx, including those added while
// analyzing referenced classes, and adds one error per location for
// each rejected reference. Only infrastructure failures are returned.
func (v *Validator) Validate(ctx *analysis.Context) (*Result, error) {
	p := &pass{
		v:       v,
		ctx:     ctx,
		classes: make(map[string]messages.Reason),
		result:  &Result{Rejected: make(map[string]messages.Reason)},
	}
	// The map grows while analyzing referenced classes.
	for i := 0; i < ctx.References.Len(); i++ {
		ref := ctx.References.At(i)
		reason, err := p.classify(ref)
		if err != nil {
			return nil, err
		}
		if reason.Kind != messages.NoReason {
			p.reject(ref, reason)
		}
	}
	p.result.References = ctx.References.Len()
	p.invalidClasses()

	v.logger.Debug("references validated",
		slog.Int("references", p.result.References),
		slog.Int("rejected", len(p.result.Rejected)),
		slog.Int("errors", ctx.Messages.ErrorCount()),
	)
	return p.result, nil
}

func (p *pass) classify(ref references.Reference) (messages.Reason, error) {
	switch r := ref.(type) {
	case references.ClassReference:
		return p.classifyClass(r.Name)
	case references.MemberReference:
		return p.classifyMember(r)
	}
	return messages.Reason{}, fmt.Errorf("unknown reference type %T", ref)
}

// classifyClass decides whether a class may be referenced. Results are
// memoised per pass.
func (p *pass) classifyClass(name string) (messages.Reason, error) {
	name = ir.InternalClass(name)
	if name == "" || ir.IsPrimitive(name) {
		return messages.Reason{}, nil
	}
	if r, ok := p.classes[name]; ok {
		return r, nil
	}
	r, err := p.resolveClass(name)
	if err != nil {
		return r, err
	}
	p.classes[name] = r
	return r, nil
}

func (p *pass) resolveClass(name string) (messages.Reason, error) {
	cfg := p.v.analyzer.Config()
	switch {
	case cfg.Whitelist().Matches(name), cfg.Pinned().Matches(name):
		return messages.Reason{}, nil
	case host.Platform().HasClass(name):
		if c, _ := host.Platform().Describe(name); c.HasAnnotation(cfg.Annotation()) {
			return messages.Reason{Kind: messages.Annotated}, nil
		}
		return messages.Reason{Kind: messages.NotWhitelisted}, nil
	case cfg.Whitelist().InNamespace(name):
		return messages.Reason{Kind: messages.NotWhitelisted}, nil
	}

	err := p.v.analyzer.Analyze(name, p.ctx)
	switch {
	case errors.Is(err, classpath.ErrNotFound):
		return messages.Reason{Kind: messages.NonExistentClass}, nil
	case err != nil:
		return messages.Reason{}, fmt.Errorf("validating reference to %s: %w", name, err)
	}
	c, _ := p.ctx.Hierarchy.Get(name)
	if slices.Contains(c.Annotations, cfg.Annotation()) {
		return messages.Reason{Kind: messages.Annotated}, nil
	}
	return messages.Reason{}, nil
}

// classifyMember resolves a member through the owner and its ancestors.
func (p *pass) classifyMember(ref references.MemberReference) (messages.Reason, error) {
	cfg := p.v.analyzer.Config()
	if cfg.Pinned().Matches(ref.Owner) {
		return messages.Reason{}, nil
	}
	if cfg.Whitelist().Matches(ref.Key()) {
		// A broad pattern must not admit a non-deterministic platform member.
		if platformAnnotated(ref, cfg.Annotation()) {
			return messages.Reason{Kind: messages.Annotated}, nil
		}
		return messages.Reason{}, nil
	}
	// A rejected owner is reported on its own class reference.
	owner, err := p.classifyClass(ref.Owner)
	if err != nil || owner.Kind != messages.NoReason {
		return messages.Reason{}, err
	}

	if !p.ctx.Hierarchy.Contains(ref.Owner) {
		err := p.v.analyzer.Analyze(ref.Owner, p.ctx)
		switch {
		case errors.Is(err, classpath.ErrNotFound):
			// Trusted by name but absent from the class path; nothing to check.
			return messages.Reason{}, nil
		case err != nil:
			return messages.Reason{}, fmt.Errorf("validating reference to %s: %w", ref, err)
		}
	}

	incomplete := false
	m, _ := p.ctx.Hierarchy.FindMember(ref.Owner, ref.Name, ref.Desc, func(string) bool {
		incomplete = true
		return false
	})
	if m == nil {
		if incomplete {
			// A missing ancestor is already reported as a missing class.
			return messages.Reason{}, nil
		}
		return messages.Reason{Kind: messages.NonExistentMember}, nil
	}

	// Members are checked where they are declared.
	declared := ir.MemberName(m.Owner, m.Name, m.Desc)
	switch {
	case cfg.Pinned().Matches(m.Owner):
		return messages.Reason{}, nil
	case slices.Contains(m.Annotations, cfg.Annotation()):
		return messages.Reason{Kind: messages.Annotated}, nil
	case cfg.Whitelist().Matches(declared):
		return messages.Reason{}, nil
	case host.Platform().HasClass(m.Owner):
		return messages.Reason{Kind: messages.NotWhitelisted}, nil
	}
	return messages.Reason{}, nil
}

// platformAnnotated reports whether ref names a platform member carrying
// the annotation.
func platformAnnotated(ref references.MemberReference, annotation string) bool {
	c, ok := host.Platform().Describe(ref.Owner)
	if !ok {
		return false
	}
	if strings.HasPrefix(ref.Desc, "(") {
		m := c.Method(ref.Name, ref.Desc)
		return m != nil && slices.Contains(m.Annotations, annotation)
	}
	f := c.Field(ref.Name)
	return f != nil && slices.Contains(f.Annotations, annotation)
}

// reject records one error per location of ref.
func (p *pass) reject(ref references.Reference, reason messages.Reason) {
	p.result.Rejected[ref.Key()] = reason
	text := describe(ref) + ", " + reason.Describe()
	for _, loc := range p.ctx.References.Locations(ref) {
		p.ctx.Messages.Add(messages.Message{
			Severity: messages.Error,
			Text:     text,
			Location: loc,
			Reason:   reason,
		})
	}
}

// describe renders "invalid reference to class/constructor/field/method X".
func describe(ref references.Reference) string {
	kind := "class"
	if m, ok := ref.(references.MemberReference); ok {
		switch {
		case m.IsConstructor():
			kind = "constructor"
		case m.IsMethod():
			kind = "method"
		default:
			kind = "field"
		}
	}
	return "invalid reference to " + kind + " " + ref.String()
}

// invalidClasses marks references to user classes that are themselves
// rejected, directly or through the classes they reference. The
// computation is a fixed point over the reference graph, so cycles end.
func (p *pass) invalidClasses() {
	// roots[c] holds the classes with errors of their own that c depends on.
	roots := make(map[string]map[string]bool)
	var users []string
	for _, name := range p.ctx.Hierarchy.Names() {
		if p.v.analyzer.Config().IsTrusted(name) || host.Platform().HasClass(name) {
			continue
		}
		users = append(users, name)
		if p.ctx.Messages.ClassHasErrors(name) {
			roots[name] = map[string]bool{name: true}
		}
	}

	for changed := true; changed; {
		changed = false
		for _, name := range users {
			for _, ref := range p.ctx.References.From(name) {
				target := ir.InternalClass(ref.ClassName())
				if target == name {
					continue
				}
				for root := range roots[target] {
					if roots[name] == nil {
						roots[name] = make(map[string]bool)
					}
					if !roots[name][root] {
						roots[name][root] = true
						changed = true
					}
				}
			}
		}
	}

	for i := 0; i < p.ctx.References.Len(); i++ {
		ref := p.ctx.References.At(i)
		target := ir.InternalClass(ref.ClassName())
		if len(roots[target]) == 0 {
			continue
		}
		if _, done := p.result.Rejected[ref.Key()]; done {
			continue
		}
		offenders := make([]string, 0, len(roots[target]))
		for root := range roots[target] {
			offenders = append(offenders, root)
		}
		sort.Strings(offenders)
		reason := messages.Reason{Kind: messages.InvalidClass, Classes: offenders}
		p.result.Rejected[ref.Key()] = reason
		text := describe(ref) + ", " + reason.Describe()
		for _, loc := range p.ctx.References.Locations(ref) {
			if loc.Class == target {
				continue
			}
			p.ctx.Messages.Add(messages.Message{Severity: messages.Error, Text: text, Location: loc, Reason: reason})
		}
	}
}
