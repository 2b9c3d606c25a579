// Package analysis walks compiled units and builds the reference graph
// the validator closes over. An Analyzer is bound to one immutable
// Configuration; every top-level request brings its own Context.
package analysis

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/detsandbox/internal/classpath"
	"github.com/jkaninda/detsandbox/internal/host"
	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/messages"
	"github.com/jkaninda/detsandbox/internal/references"
	"github.com/jkaninda/detsandbox/internal/rewrite"
	"github.com/jkaninda/detsandbox/internal/whitelist"
)

// ClassSource is the supporting, non-sandboxed loader classes are read from.
type ClassSource interface {
	Class(name string) (*ir.Class, error)
}

// Options carries the settings a Configuration is built from. Zero
// values select defaults.
type Options struct {
	Whitelist *whitelist.Whitelist
	Pinned    *whitelist.Whitelist
	Prefix    string
	Rules     []Rule
	Emitters  []rewrite.Emitter
	Providers []rewrite.DefinitionProvider
	Source    ClassSource
	// Annotation marks classes and members as non-deterministic.
	Annotation string
	// AnalyzePinned runs the rules over pinned classes too.
	AnalyzePinned bool
	// MinSeverity drops rule messages below it. Errors are always kept.
	MinSeverity messages.Severity
}

// Configuration is the policy of one sandbox session. It is never
// modified after construction.
type Configuration struct {
	whitelist     *whitelist.Whitelist
	pinned        *whitelist.Whitelist
	resolver      *rewrite.Resolver
	rules         []Rule
	emitters      []rewrite.Emitter
	providers     []rewrite.DefinitionProvider
	source        ClassSource
	annotation    string
	analyzePinned bool
	minSeverity   messages.Severity
}

// DefaultPinned is the pinned set used when none is given: the sandbox
// runtime support classes.
func DefaultPinned() *whitelist.Whitelist {
	w, err := whitelist.New("pinned", "sandbox/runtime/*")
	if err != nil {
		panic(err)
	}
	return w
}

// NewConfiguration freezes opts into a Configuration.
func NewConfiguration(opts Options) *Configuration {
	cfg := &Configuration{
		whitelist:     opts.Whitelist,
		pinned:        opts.Pinned,
		rules:         append([]Rule(nil), opts.Rules...),
		emitters:      append([]rewrite.Emitter(nil), opts.Emitters...),
		providers:     append([]rewrite.DefinitionProvider(nil), opts.Providers...),
		source:        opts.Source,
		annotation:    opts.Annotation,
		analyzePinned: opts.AnalyzePinned,
		minSeverity:   opts.MinSeverity,
	}
	if cfg.whitelist == nil {
		cfg.whitelist = whitelist.Default()
	}
	if cfg.pinned == nil {
		cfg.pinned = DefaultPinned()
	}
	if cfg.source == nil {
		cfg.source = classpath.FromClasses()
	}
	if cfg.annotation == "" {
		cfg.annotation = host.NonDeterministicAnnotation
	}
	cfg.resolver = rewrite.NewResolver(opts.Prefix, cfg.whitelist, cfg.pinned)
	return cfg
}

func (c *Configuration) Whitelist() *whitelist.Whitelist { return c.whitelist }
func (c *Configuration) Pinned() *whitelist.Whitelist    { return c.pinned }
func (c *Configuration) Resolver() *rewrite.Resolver     { return c.resolver }
func (c *Configuration) Source() ClassSource             { return c.source }
func (c *Configuration) Annotation() string              { return c.annotation }
func (c *Configuration) AnalyzePinned() bool             { return c.analyzePinned }
func (c *Configuration) MinSeverity() messages.Severity  { return c.minSeverity }

// Rules returns the rules in the order they run.
func (c *Configuration) Rules() []Rule { return append([]Rule(nil), c.rules...) }

// Emitters returns the instrumentation emitters handed to the rewriter.
func (c *Configuration) Emitters() []rewrite.Emitter {
	return append([]rewrite.Emitter(nil), c.emitters...)
}

// Providers returns the definition providers handed to the rewriter.
func (c *Configuration) Providers() []rewrite.DefinitionProvider {
	return append([]rewrite.DefinitionProvider(nil), c.providers...)
}

// IsTrusted reports whether a class is never analyzed for references:
// whitelisted and pinned classes.
func (c *Configuration) IsTrusted(name string) bool {
	return c.whitelist.Matches(name) || c.pinned.Matches(name)
}

// Context is the mutable state of one top-level request.
type Context struct {
	Hierarchy  *references.ClassHierarchy
	References *references.ReferenceMap
	Messages   *messages.Collection

	analyzed []string
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{
		Hierarchy:  references.NewClassHierarchy(),
		References: references.NewReferenceMap(),
		Messages:   messages.NewCollection(),
	}
}

// Analyzed returns the classes the rules ran over, in visiting order.
func (c *Context) Analyzed() []string { return append([]string(nil), c.analyzed...) }

// Analyzer visits classes and records what they are and what they reference.
type Analyzer struct {
	config *Configuration
	logger *slog.Logger
}

// New returns an analyzer over cfg.
func New(cfg *Configuration, logger *slog.Logger) *Analyzer {
	return &Analyzer{config: cfg, logger: logger}
}

// Config returns the analyzer's configuration.
func (a *Analyzer) Config() *Configuration { return a.config }

// Analyze adds the named class and its ancestors to ctx. Classes already
// in the hierarchy are skipped. An error is returned only when the class
// itself cannot be read; missing ancestors are left for the validator.
func (a *Analyzer) Analyze(name string, ctx *Context) error {
	if ctx.Hierarchy.Contains(name) {
		return nil
	}
	c, err := a.fetch(name)
	if err != nil {
		return err
	}
	rep := references.NewClassRepresentation(c, a.config.annotation)
	if !ctx.Hierarchy.Add(rep) {
		return nil
	}

	trusted := a.config.IsTrusted(name) || host.Platform().HasClass(name)
	pinned := a.config.pinned.Matches(name)
	switch {
	case !trusted:
		a.visit(c, ctx, true)
	case pinned && a.config.analyzePinned:
		a.visit(c, ctx, false)
	}

	ancestors := append([]string{c.Super}, c.Interfaces...)
	for _, anc := range ancestors {
		if anc == "" {
			continue
		}
		if err := a.Analyze(anc, ctx); err != nil && !errors.Is(err, classpath.ErrNotFound) {
			return fmt.Errorf("analyzing ancestor of %s: %w", name, err)
		}
	}
	return nil
}

// fetch reads a class, preferring the platform description for
// platform classes.
func (a *Analyzer) fetch(name string) (*ir.Class, error) {
	if c, ok := host.Platform().Describe(name); ok {
		return c, nil
	}
	return a.config.source.Class(name)
}

// visit runs the rules over c and, when record is set, collects its
// references.
func (a *Analyzer) visit(c *ir.Class, ctx *Context, record bool) {
	ctx.analyzed = append(ctx.analyzed, c.Name)
	v := &visitor{
		analyzer: a,
		ctx:      ctx,
		class:    c,
		record:   record,
		location: references.SourceLocation{Class: c.Name, SourceFile: c.SourceFile},
	}
	a.logger.Debug("analyzing class", slog.String("class", c.Name), slog.Bool("references", record))

	v.check(&RuleContext{Scope: ScopeClass})
	if c.Super != "" {
		v.recordClass(c.Super)
	}
	for _, iface := range c.Interfaces {
		v.recordClass(iface)
	}

	for _, f := range c.Fields {
		v.location = references.SourceLocation{Class: c.Name, SourceFile: c.SourceFile, Member: f.Name, Desc: f.Desc}
		v.check(&RuleContext{Scope: ScopeField, Field: f})
		v.recordDescriptor(f.Desc)
	}
	for _, m := range c.Methods {
		v.location = references.SourceLocation{Class: c.Name, SourceFile: c.SourceFile, Member: m.Name, Desc: m.Desc}
		v.method(m)
	}
}

type visitor struct {
	analyzer *Analyzer
	ctx      *Context
	class    *ir.Class
	record   bool
	location references.SourceLocation
}

func (v *visitor) method(m *ir.Method) {
	v.check(&RuleContext{Scope: ScopeMethod, Method: m})
	v.recordDescriptor(m.Desc)

	for _, h := range m.Handlers {
		v.check(&RuleContext{Scope: ScopeHandler, Method: m, Handler: h})
		if h.Type != "" {
			v.recordClass(h.Type)
		}
	}
	for i, in := range m.Code {
		if in.Op == ir.LINE {
			v.location.Line = int(in.Int)
		}
		v.check(&RuleContext{Scope: ScopeInstruction, Method: m, Instruction: in, Index: i})
		switch {
		case in.Op == ir.NEWARRAY:
			v.recordDescriptor(in.Type)
		case in.Op.HasTypeOperand():
			v.recordClass(in.Type)
		case in.Op.HasMemberOperand():
			v.recordMember(in.Owner, in.Name, in.Desc)
		case in.Op == ir.INVOKEDYNAMIC:
			v.recordDescriptor(in.Desc)
		}
	}
	v.location.Line = 0
}

// check runs every rule, turning a panicking rule into an error message.
func (v *visitor) check(rc *RuleContext) {
	rc.Class = v.class
	rc.Location = v.location
	rc.config = v.analyzer.config
	rc.messages = v.ctx.Messages
	for _, r := range v.analyzer.config.rules {
		v.run(r, rc)
	}
}

func (v *visitor) run(r Rule, rc *RuleContext) {
	defer func() {
		if p := recover(); p != nil {
			v.ctx.Messages.Addf(messages.Error, rc.Location, "Rule %s failed; %v", r.Name(), p)
			v.analyzer.logger.Warn("rule panicked",
				slog.String("rule", r.Name()),
				slog.String("location", rc.Location.String()),
				slog.Any("panic", p),
			)
		}
	}()
	r.Check(rc)
}

// recordClass records a reference to a class or to the element class of
// an array type.
func (v *visitor) recordClass(name string) {
	if !v.record {
		return
	}
	name = ir.InternalClass(name)
	if name == "" || ir.IsPrimitive(name) {
		return
	}
	v.ctx.References.Add(references.ClassReference{Name: name}, v.location)
}

func (v *visitor) recordDescriptor(desc string) {
	for _, name := range ir.ClassNames(desc) {
		v.recordClass(name)
	}
}

// recordMember records the owner and the member. Members of array types
// resolve through the element class only.
func (v *visitor) recordMember(owner, name, desc string) {
	if !v.record {
		return
	}
	v.recordClass(owner)
	v.recordDescriptor(desc)
	if len(owner) > 0 && owner[0] == '[' {
		return
	}
	v.ctx.References.Add(references.MemberReference{Owner: owner, Name: name, Desc: desc}, v.location)
}
