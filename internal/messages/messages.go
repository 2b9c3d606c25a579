// Package messages holds the diagnostics produced while analysing,
// validating and loading classes.
package messages

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jkaninda/detsandbox/internal/references"
)

// Severity is the importance of a message.
type Severity int

const (
	Trace Severity = iota
	Informational
	Warning
	Error
)

var severityNames = [...]string{"TRACE", "INFO", "WARNING", "ERROR"}

func (s Severity) String() string {
	if s >= Trace && s <= Error {
		return severityNames[s]
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity accepts the names printed by String plus "INFORMATIONAL".
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return Trace, nil
	case "INFO", "INFORMATIONAL":
		return Informational, nil
	case "WARNING", "WARN":
		return Warning, nil
	case "ERROR":
		return Error, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// ReasonKind classifies why a reference is invalid.
type ReasonKind int

const (
	NoReason ReasonKind = iota
	NonExistentClass
	NonExistentMember
	NotWhitelisted
	Annotated
	InvalidClass
)

var reasonNames = [...]string{"", "NON_EXISTENT_CLASS", "NON_EXISTENT_MEMBER", "NOT_WHITELISTED", "ANNOTATED", "INVALID_CLASS"}

func (k ReasonKind) String() string {
	if k >= NoReason && k <= InvalidClass {
		return reasonNames[k]
	}
	return fmt.Sprintf("ReasonKind(%d)", int(k))
}

// Reason is attached to messages about invalid references. Classes lists
// the offending classes for InvalidClass.
type Reason struct {
	Kind    ReasonKind
	Classes []string
}

// Describe returns the clause appended to the message text.
func (r Reason) Describe() string {
	switch r.Kind {
	case NonExistentClass:
		return "class does not exist"
	case NonExistentMember:
		return "member does not exist"
	case NotWhitelisted:
		return "not whitelisted"
	case Annotated:
		return "annotated as non-deterministic"
	case InvalidClass:
		if len(r.Classes) > 0 {
			return "invalid class; " + strings.Join(r.Classes, ", ")
		}
		return "invalid class"
	}
	return ""
}

// Message is a single diagnostic.
type Message struct {
	Severity Severity
	Text     string
	Location references.SourceLocation
	Reason   Reason
}

// String renders "- SEVERITY in <location>: <text>."
func (m Message) String() string {
	text := strings.TrimSuffix(m.Text, ".")
	return fmt.Sprintf("- %s in %s: %s.", m.Severity, m.Location, text)
}

// Collection is an append-only, ordered set of messages.
type Collection struct {
	messages []Message
	counts   [Error + 1]int
	errors   map[string]int
	seen     map[string]struct{}
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{
		errors: make(map[string]int),
		seen:   make(map[string]struct{}),
	}
}

// Add appends a message. Exact duplicates are dropped.
func (c *Collection) Add(m Message) {
	key := fmt.Sprintf("%d|%v|%s|%d|%v", m.Severity, m.Location, m.Text, m.Reason.Kind, m.Reason.Classes)
	if _, dup := c.seen[key]; dup {
		return
	}
	c.seen[key] = struct{}{}
	c.messages = append(c.messages, m)
	if m.Severity >= Trace && m.Severity <= Error {
		c.counts[m.Severity]++
	}
	if m.Severity == Error {
		c.errors[m.Location.Class]++
	}
}

// Addf appends a formatted message.
func (c *Collection) Addf(sev Severity, loc references.SourceLocation, format string, args ...any) {
	c.Add(Message{Severity: sev, Location: loc, Text: fmt.Sprintf(format, args...)})
}

// Merge appends every message of other.
func (c *Collection) Merge(other *Collection) {
	for _, m := range other.messages {
		c.Add(m)
	}
}

// Len is the number of messages.
func (c *Collection) Len() int { return len(c.messages) }

// Messages returns the messages in insertion order.
func (c *Collection) Messages() []Message {
	return append([]Message(nil), c.messages...)
}

// Sorted returns the messages at or above floor, ordered by location and
// then by descending severity.
func (c *Collection) Sorted(floor Severity) []Message {
	var out []Message
	for _, m := range c.messages {
		if m.Severity >= floor {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Location != b.Location {
			return a.Location.Less(b.Location)
		}
		return a.Severity > b.Severity
	})
	return out
}

// Count returns the number of messages with the given severity.
func (c *Collection) Count(s Severity) int {
	if s < Trace || s > Error {
		return 0
	}
	return c.counts[s]
}

// ErrorCount is Count(Error).
func (c *Collection) ErrorCount() int { return c.counts[Error] }

// WarningCount is Count(Warning).
func (c *Collection) WarningCount() int { return c.counts[Warning] }

// HasErrors reports whether any error was recorded.
func (c *Collection) HasErrors() bool { return c.counts[Error] > 0 }

// ClassHasErrors reports whether an error was recorded at a location in class.
func (c *Collection) ClassHasErrors(class string) bool { return c.errors[class] > 0 }

// ClassesWithErrors returns the sorted names of classes with errors.
func (c *Collection) ClassesWithErrors() []string {
	out := make([]string, 0, len(c.errors))
	for name := range c.errors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Summary renders "Found N errors and M warnings".
func (c *Collection) Summary() string {
	return fmt.Sprintf("Found %d errors and %d warnings", c.ErrorCount(), c.WarningCount())
}
