// Package costing accounts for the resources a sandboxed execution
// consumes and terminates it when a threshold is crossed.
//
// Four kinds of cost are tracked: allocations, method invocations,
// backward jumps and throws. Each has an independent threshold; a
// threshold of zero or less disables the check for that cost. Once a
// threshold has been crossed the accounter stays in the violated state:
// every further Record call fails with the same violation.
package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Cost identifies an accounted resource.
type Cost int

const (
	Allocation Cost = iota
	Invocation
	Jump
	Throw

	costCount
)

// Costs lists every accounted cost in reporting order.
var Costs = []Cost{Allocation, Invocation, Jump, Throw}

func (c Cost) String() string {
	switch c {
	case Allocation:
		return "allocations"
	case Invocation:
		return "invocations"
	case Jump:
		return "jumps"
	case Throw:
		return "throws"
	}
	return fmt.Sprintf("Cost(%d)", int(c))
}

// Message is the text carried by the error raised when the threshold of
// the cost is crossed.
func (c Cost) Message() string {
	switch c {
	case Allocation:
		return "Terminated due to excessive memory allocation"
	case Invocation:
		return "Terminated due to excessive method calling"
	case Jump:
		return "Terminated due to excessive use of looping"
	case Throw:
		return "Terminated due to excessive exception throwing"
	}
	return "Terminated due to excessive resource usage"
}

var (
	// ErrThresholdExceeded is wrapped by every ThresholdViolation.
	ErrThresholdExceeded = errors.New("threshold exceeded")
	// ErrUnknownProfile is returned for an unrecognised profile name.
	ErrUnknownProfile = errors.New("unknown execution profile")
)

// ThresholdViolation reports the cost that crossed its threshold.
type ThresholdViolation struct {
	Cost  Cost
	Limit int64
	Count int64
}

func (v *ThresholdViolation) Error() string { return v.Cost.Message() }

func (v *ThresholdViolation) Unwrap() error { return ErrThresholdExceeded }

// Thresholds holds the per-cost limits of an execution.
type Thresholds struct {
	Allocations int64 `yaml:"allocations" json:"allocations"`
	Invocations int64 `yaml:"invocations" json:"invocations"`
	Jumps       int64 `yaml:"jumps" json:"jumps"`
	Throws      int64 `yaml:"throws" json:"throws"`
}

// Limit returns the threshold for c.
func (t Thresholds) Limit(c Cost) int64 {
	switch c {
	case Allocation:
		return t.Allocations
	case Invocation:
		return t.Invocations
	case Jump:
		return t.Jumps
	case Throw:
		return t.Throws
	}
	return 0
}

// With returns a copy of t with the threshold of c set to limit.
func (t Thresholds) With(c Cost, limit int64) Thresholds {
	switch c {
	case Allocation:
		t.Allocations = limit
	case Invocation:
		t.Invocations = limit
	case Jump:
		t.Jumps = limit
	case Throw:
		t.Throws = limit
	}
	return t
}

// Profile is a named set of thresholds.
type Profile struct {
	Name       string
	Thresholds Thresholds
}

var (
	// DefaultProfile bounds every cost at one million.
	DefaultProfile = Profile{Name: "DEFAULT", Thresholds: Thresholds{
		Allocations: 1_000_000,
		Invocations: 1_000_000,
		Jumps:       1_000_000,
		Throws:      1_000_000,
	}}
	// UnlimitedProfile disables every threshold.
	UnlimitedProfile = Profile{Name: "UNLIMITED"}
)

// ProfileByName returns the preset with the given name. The empty name
// selects the default profile.
func ProfileByName(name string) (Profile, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", DefaultProfile.Name:
		return DefaultProfile, nil
	case UnlimitedProfile.Name:
		return UnlimitedProfile, nil
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

// Summary is a snapshot of the counters of an accounter.
type Summary struct {
	Allocations int64 `json:"allocations"`
	Invocations int64 `json:"invocations"`
	Jumps       int64 `json:"jumps"`
	Throws      int64 `json:"throws"`
}

// Get returns the counter for c.
func (s Summary) Get(c Cost) int64 {
	return Thresholds(s).Limit(c)
}

func (s Summary) String() string {
	return fmt.Sprintf("allocations=%d invocations=%d jumps=%d throws=%d",
		s.Allocations, s.Invocations, s.Jumps, s.Throws)
}

// Accounter counts costs for one execution session. Thread-safe.
type Accounter struct {
	mu         sync.Mutex
	thresholds Thresholds
	counts     [costCount]int64
	violation  *ThresholdViolation
	logger     *slog.Logger
}

// NewAccounter returns an accounter enforcing t.
func NewAccounter(t Thresholds, logger *slog.Logger) *Accounter {
	return &Accounter{thresholds: t, logger: logger}
}

// Record charges one unit of c. It fails with the context error when the
// session has been cancelled, and with a *ThresholdViolation when the
// threshold of c is crossed or has been crossed before.
func (a *Accounter) Record(ctx context.Context, c Cost) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c < 0 || c >= costCount {
		return fmt.Errorf("unknown cost %d", int(c))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.violation != nil {
		return a.violation
	}
	a.counts[c]++
	limit := a.thresholds.Limit(c)
	if limit > 0 && a.counts[c] > limit {
		a.violation = &ThresholdViolation{Cost: c, Limit: limit, Count: a.counts[c]}
		a.logger.WarnContext(ctx, "threshold exceeded",
			slog.String("cost", c.String()),
			slog.Int64("limit", limit),
			slog.Int64("count", a.counts[c]),
		)
		return a.violation
	}
	return nil
}

// Count returns the current counter for c.
func (a *Accounter) Count(c Cost) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c < 0 || c >= costCount {
		return 0
	}
	return a.counts[c]
}

// Violation returns the threshold violation, if one occurred.
func (a *Accounter) Violation() *ThresholdViolation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.violation
}

// Thresholds returns the enforced thresholds.
func (a *Accounter) Thresholds() Thresholds { return a.thresholds }

// Summary returns a snapshot of all counters.
func (a *Accounter) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Summary{
		Allocations: a.counts[Allocation],
		Invocations: a.counts[Invocation],
		Jumps:       a.counts[Jump],
		Throws:      a.counts[Throw],
	}
}
