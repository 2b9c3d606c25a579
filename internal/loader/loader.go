// Package loader turns class names into classes defined in a sandboxed
// runtime: it analyzes, validates, rewrites and defines them, caching
// the outcome per name for the lifetime of the Loader.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jkaninda/detsandbox/internal/analysis"
	"github.com/jkaninda/detsandbox/internal/classpath"
	"github.com/jkaninda/detsandbox/internal/host"
	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/messages"
	"github.com/jkaninda/detsandbox/internal/references"
	"github.com/jkaninda/detsandbox/internal/rewrite"
	"github.com/jkaninda/detsandbox/internal/validation"
)

// ErrRejected is wrapped by every RejectionError.
var ErrRejected = errors.New("class rejected")

// State is the position of a class name in the load state machine.
type State int

const (
	Unseen State = iota
	Analyzed
	Rejected
	Rewritten
	Defined
)

func (s State) String() string {
	switch s {
	case Unseen:
		return "UNSEEN"
	case Analyzed:
		return "ANALYZED"
	case Rejected:
		return "REJECTED"
	case Rewritten:
		return "REWRITTEN"
	case Defined:
		return "DEFINED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// RejectionError is returned when a class, or something it references,
// breaks the session policy. It carries every message collected while
// deciding and the class hierarchy seen at that point.
type RejectionError struct {
	Class     string
	Messages  *messages.Collection
	Hierarchy *references.ClassHierarchy
	// Via is the rejected class Class failed through, if not Class itself.
	Via string
}

func (e *RejectionError) Error() string {
	if e.Via != "" {
		return fmt.Sprintf("class %s rejected: depends on rejected class %s", e.Class, e.Via)
	}
	return fmt.Sprintf("class %s rejected: %s", e.Class, e.Messages.Summary())
}

func (e *RejectionError) Unwrap() error { return ErrRejected }

// LoadedClass is a class defined in the session runtime.
type LoadedClass struct {
	Name        string
	SandboxName string
	Class       *host.Class
	// Definition is the class as defined, after rewriting.
	Definition *ir.Class
	ByteCode   rewrite.ByteCode
	// Trusted is set for pinned and whitelisted classes, which are
	// defined unmodified.
	Trusted  bool
	Messages *messages.Collection
}

// Decision is reported to listeners once per terminal state.
type Decision struct {
	Class       string
	SandboxName string
	State       State
	Trusted     bool
	Modified    bool
	Digest      string
	Errors      int
	Warnings    int
	Duration    time.Duration
}

// Listener observes load decisions.
type Listener interface {
	Decided(ctx context.Context, d Decision)
}

// Statistics counts load outcomes.
type Statistics struct {
	Defined  int
	Trusted  int
	Modified int
	Rejected int
}

// Loader is the per-session class loader. It is not safe for concurrent
// use; loading is re-entrant through the runtime.
type Loader struct {
	config    *analysis.Configuration
	analyzer  *analysis.Analyzer
	validator *validation.Validator
	rewriter  *rewrite.Rewriter
	runtime   *host.Runtime
	listeners []Listener
	logger    *slog.Logger

	states   map[string]State
	loaded   map[string]*LoadedClass
	rejected map[string]*RejectionError
	loading  map[string]bool
	stats    Statistics
}

// New returns a loader defining classes into rt and installs it as the
// runtime's class provider.
func New(cfg *analysis.Configuration, rt *host.Runtime, logger *slog.Logger, listeners ...Listener) *Loader {
	l := &Loader{
		config:    cfg,
		runtime:   rt,
		listeners: listeners,
		logger:    logger,
		states:    make(map[string]State),
		loaded:    make(map[string]*LoadedClass),
		rejected:  make(map[string]*RejectionError),
		loading:   make(map[string]bool),
	}
	l.analyzer = analysis.New(cfg, logger)
	l.validator = validation.New(l.analyzer, logger)
	l.rewriter = rewrite.New(cfg.Resolver(), cfg.Providers(), cfg.Emitters(), l, logger)
	rt.SetProvider(l)
	return l
}

// Config returns the session policy.
func (l *Loader) Config() *analysis.Configuration { return l.config }

// Runtime returns the runtime classes are defined into.
func (l *Loader) Runtime() *host.Runtime { return l.runtime }

// State returns the state of a class name.
func (l *Loader) State(name string) State { return l.states[name] }

// Stats returns the load counters.
func (l *Loader) Stats() Statistics { return l.stats }

// Loaded returns the names of the defined classes, sorted.
func (l *Loader) Loaded() []string {
	names := make([]string, 0, len(l.loaded))
	for n := range l.loaded {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Inspect analyzes and validates a class without defining it.
func (l *Loader) Inspect(name string) (*analysis.Context, *validation.Result, error) {
	actx := analysis.NewContext()
	if err := l.analyzer.Analyze(name, actx); err != nil {
		if errors.Is(err, classpath.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s: %w", host.ErrClassNotFound, name, err)
		}
		return nil, nil, fmt.Errorf("analyzing %s: %w", name, err)
	}
	res, err := l.validator.Validate(actx)
	if err != nil {
		return nil, nil, err
	}
	return actx, res, nil
}

// Load returns the class defined for a user class name. Outcomes are
// cached: a second request returns the same *LoadedClass or the same
// *RejectionError without analyzing again.
func (l *Loader) Load(ctx context.Context, name string) (*LoadedClass, error) {
	if lc, ok := l.loaded[name]; ok {
		return lc, nil
	}
	if rej, ok := l.rejected[name]; ok {
		return nil, rej
	}
	if l.loading[name] {
		return nil, fmt.Errorf("%w: %s", host.ErrClassCircularity, name)
	}
	l.loading[name] = true
	defer delete(l.loading, name)

	start := time.Now()
	var (
		lc  *LoadedClass
		err error
	)
	switch {
	case host.Platform().HasClass(name):
		lc, err = l.loadPlatform(name)
	case l.config.IsTrusted(name):
		lc, err = l.loadTrusted(ctx, name)
	default:
		lc, err = l.loadSandboxed(ctx, name)
	}

	var rej *RejectionError
	switch {
	case errors.As(err, &rej):
		if rej.Class != name {
			via := rej.Class
			if rej.Via != "" {
				via = rej.Via
			}
			rej = &RejectionError{Class: name, Messages: rej.Messages, Hierarchy: rej.Hierarchy, Via: via}
		}
		l.states[name] = Rejected
		l.rejected[name] = rej
		l.stats.Rejected++
		l.logger.WarnContext(ctx, "class rejected",
			slog.String("class", name),
			slog.Int("errors", rej.Messages.ErrorCount()),
			slog.Int("warnings", rej.Messages.WarningCount()),
		)
		l.notify(ctx, Decision{
			Class:    name,
			State:    Rejected,
			Errors:   rej.Messages.ErrorCount(),
			Warnings: rej.Messages.WarningCount(),
			Duration: time.Since(start),
		})
		return nil, rej
	case err != nil:
		return nil, err
	}

	l.states[name] = Defined
	l.loaded[name] = lc
	l.stats.Defined++
	if lc.Trusted {
		l.stats.Trusted++
	}
	if lc.ByteCode.IsModified {
		l.stats.Modified++
	}
	l.logger.DebugContext(ctx, "class loaded",
		slog.String("class", name),
		slog.String("sandbox_name", lc.SandboxName),
		slog.Bool("trusted", lc.Trusted),
		slog.Bool("modified", lc.ByteCode.IsModified),
	)
	l.notify(ctx, Decision{
		Class:       name,
		SandboxName: lc.SandboxName,
		State:       Defined,
		Trusted:     lc.Trusted,
		Modified:    lc.ByteCode.IsModified,
		Digest:      lc.ByteCode.DigestHex(),
		Warnings:    lc.Messages.WarningCount(),
		Duration:    time.Since(start),
	})
	return lc, nil
}

// loadPlatform hands out a platform class the policy lets through.
func (l *Loader) loadPlatform(name string) (*LoadedClass, error) {
	if !l.config.IsTrusted(name) {
		msgs := messages.NewCollection()
		reason := messages.Reason{Kind: messages.NotWhitelisted}
		msgs.Add(messages.Message{
			Severity: messages.Error,
			Text:     "invalid reference to class " + name + ", " + reason.Describe(),
			Location: references.SourceLocation{Class: name},
			Reason:   reason,
		})
		return nil, &RejectionError{Class: name, Messages: msgs, Hierarchy: references.NewClassHierarchy()}
	}
	c, ok := l.runtime.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", host.ErrClassNotFound, name)
	}
	def, _ := host.Platform().Describe(name)
	bc, err := rewrite.NewByteCode(def, false)
	if err != nil {
		return nil, err
	}
	return &LoadedClass{
		Name:        name,
		SandboxName: name,
		Class:       c,
		Definition:  def,
		ByteCode:    bc,
		Trusted:     true,
		Messages:    messages.NewCollection(),
	}, nil
}

// loadTrusted defines a pinned or whitelisted class unmodified. Pinned
// classes are analyzed first when the policy asks for it; their
// messages never block the load.
func (l *Loader) loadTrusted(ctx context.Context, name string) (*LoadedClass, error) {
	msgs := messages.NewCollection()
	if l.config.Pinned().Matches(name) && l.config.AnalyzePinned() {
		actx := analysis.NewContext()
		if err := l.analyzer.Analyze(name, actx); err != nil && !errors.Is(err, classpath.ErrNotFound) {
			return nil, fmt.Errorf("analyzing %s: %w", name, err)
		}
		msgs = actx.Messages
	}
	l.states[name] = Analyzed

	c, err := l.config.Source().Class(name)
	if err != nil {
		if errors.Is(err, classpath.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: %w", host.ErrClassNotFound, name, err)
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	bc, err := rewrite.NewByteCode(c, false)
	if err != nil {
		return nil, err
	}
	hc, err := l.runtime.Define(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("defining %s: %w", name, err)
	}
	return &LoadedClass{
		Name:        name,
		SandboxName: name,
		Class:       hc,
		Definition:  c,
		ByteCode:    bc,
		Trusted:     true,
		Messages:    msgs,
	}, nil
}

// loadSandboxed runs the full pipeline for untrusted code.
func (l *Loader) loadSandboxed(ctx context.Context, name string) (*LoadedClass, error) {
	actx, _, err := l.Inspect(name)
	if err != nil {
		return nil, err
	}
	l.states[name] = Analyzed
	if actx.Messages.HasErrors() {
		return nil, &RejectionError{Class: name, Messages: actx.Messages, Hierarchy: actx.Hierarchy.Snapshot()}
	}

	c, err := l.config.Source().Class(name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	def, bc, err := l.rewriter.Rewrite(c)
	if err != nil {
		return nil, err
	}
	l.states[name] = Rewritten

	hc, err := l.runtime.Define(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("defining %s: %w", name, err)
	}
	return &LoadedClass{
		Name:        name,
		SandboxName: def.Name,
		Class:       hc,
		Definition:  def,
		ByteCode:    bc,
		Messages:    actx.Messages,
	}, nil
}

func (l *Loader) notify(ctx context.Context, d Decision) {
	for _, lis := range l.listeners {
		lis.Decided(ctx, d)
	}
}

// Resolve implements host.ClassProvider. Names in the sandbox namespace
// are loaded through the pipeline; pinned and whitelisted names are
// loaded as they are.
func (l *Loader) Resolve(ctx context.Context, name string) (*host.Class, error) {
	resolver := l.config.Resolver()
	user := name
	switch {
	case l.config.IsTrusted(name):
	case resolver.IsSandboxed(name):
		user = resolver.Reverse(name)
	default:
		return nil, fmt.Errorf("%w: %s is outside the sandbox namespace", host.ErrClassNotFound, name)
	}
	lc, err := l.Load(ctx, user)
	if err != nil {
		return nil, err
	}
	return lc.Class, nil
}

// Lookup implements rewrite.Hierarchy for names in the sandbox
// namespace. Classes are read, not defined, so frame computation never
// triggers loading.
func (l *Loader) Lookup(name string) (string, bool, error) {
	if c, ok := l.runtime.Lookup(name); ok {
		super := ""
		if c.Super != nil {
			super = c.Super.Name
		}
		return super, c.IsInterface(), nil
	}
	resolver := l.config.Resolver()
	user := name
	if !l.config.IsTrusted(name) {
		user = resolver.Reverse(name)
	}
	c, ok := host.Platform().Describe(user)
	if !ok {
		var err error
		c, err = l.config.Source().Class(user)
		if err != nil {
			return "", false, err
		}
	}
	super := c.Super
	if super != "" {
		super = resolver.Resolve(super)
	}
	return super, c.IsInterface(), nil
}
