package analysis

import (
	"fmt"

	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/messages"
	"github.com/jkaninda/detsandbox/internal/references"
)

// Rule is one check run against every visited class, member, handler
// and instruction. Rules report through the context and never modify
// the unit.
type Rule interface {
	Name() string
	Check(ctx *RuleContext)
}

// Scope tells a rule what it is looking at.
type Scope int

const (
	ScopeClass Scope = iota
	ScopeField
	ScopeMethod
	ScopeHandler
	ScopeInstruction
)

func (s Scope) String() string {
	switch s {
	case ScopeClass:
		return "class"
	case ScopeField:
		return "field"
	case ScopeMethod:
		return "method"
	case ScopeHandler:
		return "handler"
	case ScopeInstruction:
		return "instruction"
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// RuleContext exposes the element under inspection. Only the fields
// matching Scope are set, plus Class and Location.
type RuleContext struct {
	Scope       Scope
	Class       *ir.Class
	Field       *ir.Field
	Method      *ir.Method
	Handler     ir.Handler
	Instruction ir.Instruction
	Index       int
	Location    references.SourceLocation

	config   *Configuration
	messages *messages.Collection
}

// Config returns the session policy.
func (c *RuleContext) Config() *Configuration { return c.config }

// Report records a message at the current location. Messages below the
// configured minimum severity are dropped, except errors.
func (c *RuleContext) Report(sev messages.Severity, format string, args ...any) {
	if sev < c.config.minSeverity && sev != messages.Error {
		return
	}
	c.messages.Addf(sev, c.Location, format, args...)
}

func (c *RuleContext) Error(format string, args ...any) {
	c.Report(messages.Error, format, args...)
}

func (c *RuleContext) Warn(format string, args ...any) {
	c.Report(messages.Warning, format, args...)
}

func (c *RuleContext) Inform(format string, args ...any) {
	c.Report(messages.Informational, format, args...)
}

func (c *RuleContext) Trace(format string, args ...any) {
	c.Report(messages.Trace, format, args...)
}
