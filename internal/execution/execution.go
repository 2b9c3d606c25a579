// Package execution runs entry points of untrusted code in isolated,
// resource-bounded sessions. Every session gets its own runtime, loader
// and accounter; nothing is shared between sessions except the policy.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/detsandbox/internal/analysis"
	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/host"
	"github.com/jkaninda/detsandbox/internal/loader"
	"github.com/jkaninda/detsandbox/internal/rewrite"
	"github.com/jkaninda/detsandbox/internal/rules"
)

const (
	// EntryInterface is the interface every entry point implements.
	EntryInterface = "lang/Function"
	entryMethod    = "apply"
	entryDesc      = "(Llang/Object;)Llang/Object;"

	defaultTimeout = 30 * time.Second
)

// ErrNotFunction is returned when the entry class does not implement
// EntryInterface.
var ErrNotFunction = errors.New("entry point does not implement " + EntryInterface)

// Sandbox executes entry points of untrusted code.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*Summary, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Entry is the user name of a class implementing EntryInterface.
	Entry string

	// Input is handed to apply after conversion with ToValue.
	Input any

	// Timeout overrides the executor default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use executor defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains one session.
type ResourceLimits struct {
	Thresholds costing.Thresholds
	MaxDepth   int
}

// Summary captures the outcome of a session.
type Summary struct {
	SessionID string
	Entry     string
	Output    any
	Costs     costing.Summary
	Classes   loader.Statistics
	Duration  time.Duration
}

// Options configures an Executor.
type Options struct {
	Profile costing.Profile
	// MaxDepth bounds the interpreter call depth; zero selects the host default.
	MaxDepth       int
	DefaultTimeout time.Duration
	Listeners      []loader.Listener
}

// Executor runs sessions against one immutable policy.
type Executor struct {
	config         *analysis.Configuration
	defaultLimits  ResourceLimits
	defaultTimeout time.Duration
	listeners      []loader.Listener
	logger         *slog.Logger
}

// Configure fills the rules, emitters and definition providers left
// empty in opts with the defaults and builds the configuration.
func Configure(opts analysis.Options) *analysis.Configuration {
	if opts.Rules == nil {
		opts.Rules = rules.Default()
	}
	if opts.Emitters == nil {
		opts.Emitters = rewrite.DefaultEmitters()
	}
	if opts.Providers == nil {
		opts.Providers = rewrite.DefaultProviders()
	}
	return analysis.NewConfiguration(opts)
}

// New returns an executor for cfg.
func New(cfg *analysis.Configuration, opts Options, logger *slog.Logger) *Executor {
	timeout := opts.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Executor{
		config: cfg,
		defaultLimits: ResourceLimits{
			Thresholds: opts.Profile.Thresholds,
			MaxDepth:   opts.MaxDepth,
		},
		defaultTimeout: timeout,
		listeners:      opts.Listeners,
		logger:         logger,
	}
}

// Config returns the policy of the executor.
func (e *Executor) Config() *analysis.Configuration { return e.config }

// Run executes entry with input under the default limits.
func (e *Executor) Run(ctx context.Context, entry string, input any) (*Summary, error) {
	return e.Execute(ctx, ExecutionRequest{Entry: entry, Input: input})
}

// Execute runs one session. Every failure is returned as a *SandboxError
// carrying the summary collected so far.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (*Summary, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limits := e.resolveLimits(req.Limits)
	s := &session{
		summary: &Summary{SessionID: uuid.NewString(), Entry: req.Entry},
		logger:  e.logger.With(slog.String("entry", req.Entry)),
		start:   time.Now(),
	}
	s.logger = s.logger.With(slog.String("session", s.summary.SessionID))
	ctx = WithSessionID(ctx, s.summary.SessionID)
	s.accounter = costing.NewAccounter(limits.Thresholds, s.logger)
	s.runtime = host.NewRuntime(host.Options{
		Accounter: s.accounter,
		MaxDepth:  limits.MaxDepth,
		Logger:    s.logger,
	})
	s.loader = loader.New(e.config, s.runtime, s.logger, e.listeners...)

	s.logger.DebugContext(ctx, "session started",
		slog.Int64("max_allocations", limits.Thresholds.Allocations),
		slog.Int64("max_invocations", limits.Thresholds.Invocations),
		slog.Int64("max_jumps", limits.Thresholds.Jumps),
		slog.Int64("max_throws", limits.Thresholds.Throws),
	)

	out, stage, err := s.run(ctx, req)
	s.finish()
	if err != nil {
		serr := &SandboxError{
			SessionID: s.summary.SessionID,
			Entry:     req.Entry,
			Stage:     stage,
			Cause:     err,
			Violation: s.accounter.Violation(),
			Summary:   s.summary,
		}
		s.logger.WarnContext(ctx, "session failed",
			slog.String("stage", stage),
			slog.String("error", err.Error()),
			slog.Duration("duration", s.summary.Duration),
		)
		return nil, serr
	}
	s.summary.Output = out
	s.logger.InfoContext(ctx, "session completed",
		slog.Duration("duration", s.summary.Duration),
		slog.String("costs", s.summary.Costs.String()),
		slog.Int("classes", s.summary.Classes.Defined),
	)
	return s.summary, nil
}

// resolveLimits merges request limits with executor defaults.
func (e *Executor) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := e.defaultLimits
	if req.Thresholds.Allocations > 0 {
		limits.Thresholds.Allocations = req.Thresholds.Allocations
	}
	if req.Thresholds.Invocations > 0 {
		limits.Thresholds.Invocations = req.Thresholds.Invocations
	}
	if req.Thresholds.Jumps > 0 {
		limits.Thresholds.Jumps = req.Thresholds.Jumps
	}
	if req.Thresholds.Throws > 0 {
		limits.Thresholds.Throws = req.Thresholds.Throws
	}
	if req.MaxDepth > 0 {
		limits.MaxDepth = req.MaxDepth
	}
	return limits
}

type session struct {
	summary   *Summary
	accounter *costing.Accounter
	runtime   *host.Runtime
	loader    *loader.Loader
	logger    *slog.Logger
	start     time.Time
}

// run loads and instantiates the entry point and applies it to the
// input. The returned stage names the step that failed.
func (s *session) run(ctx context.Context, req ExecutionRequest) (any, string, error) {
	in, err := ToValue(req.Input)
	if err != nil {
		return nil, StageInput, err
	}
	lc, err := s.loader.Load(ctx, req.Entry)
	if err != nil {
		return nil, StageLoad, err
	}
	if !lc.Class.AssignableTo(EntryInterface) {
		return nil, StageLoad, fmt.Errorf("%w: %s", ErrNotFunction, req.Entry)
	}
	obj, err := s.runtime.NewInstance(ctx, lc.Class)
	if err != nil {
		return nil, StageInstantiate, err
	}
	v, err := s.runtime.InvokeVirtual(ctx, obj, entryMethod, entryDesc, in)
	if err != nil {
		return nil, StageExecute, err
	}
	out, err := FromValue(ctx, s.runtime, v)
	if err != nil {
		return nil, StageOutput, err
	}
	return out, "", nil
}

func (s *session) finish() {
	s.summary.Costs = s.accounter.Summary()
	s.summary.Classes = s.loader.Stats()
	s.summary.Duration = time.Since(s.start)
}
