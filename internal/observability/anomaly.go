package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/detsandbox/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	defaultMinSamples    = 5
)

// AnomalyDetector watches the failure rate of sessions and loads over a
// sliding window. Useful when an executor is embedded in a long-lived
// process. A warning is logged once each time an operation crosses the
// threshold and again only after it has recovered.
type AnomalyDetector struct {
	mu         sync.Mutex
	operations map[string]*outcomes
	window     time.Duration
	threshold  float64
	minSamples int
	logger     *slog.Logger
	now        func() time.Time
}

type outcome struct {
	at     time.Time
	failed bool
}

// outcomes is ordered by time.
type outcomes struct {
	entries  []outcome
	failures int
	alerting bool
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	a := &AnomalyDetector{
		operations: make(map[string]*outcomes),
		window:     defaultAnomalyWindow,
		minSamples: defaultMinSamples,
		logger:     logger,
		now:        time.Now,
	}
	if cfg != nil {
		if cfg.WindowSeconds > 0 {
			a.window = time.Duration(cfg.WindowSeconds) * time.Second
		}
		if cfg.MinSamples > 0 {
			a.minSamples = cfg.MinSamples
		}
		a.threshold = cfg.ErrorRateThreshold
	}
	return a
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	a.record(operation, true)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(operation, false)
}

// ErrorRate returns the failure rate of an operation within the window.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.operations[operation]
	if !ok {
		return 0
	}
	o.expire(a.now().Add(-a.window))
	return o.rate()
}

func (a *AnomalyDetector) record(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	o, ok := a.operations[operation]
	if !ok {
		o = &outcomes{}
		a.operations[operation] = o
	}
	o.entries = append(o.entries, outcome{at: now, failed: failed})
	if failed {
		o.failures++
	}
	o.expire(now.Add(-a.window))
	a.check(operation, o)
}

// check must be called with a.mu held.
func (a *AnomalyDetector) check(operation string, o *outcomes) {
	if a.threshold <= 0 || len(o.entries) < a.minSamples {
		return
	}
	rate := o.rate()
	switch {
	case rate > a.threshold && !o.alerting:
		o.alerting = true
		if a.logger != nil {
			a.logger.Warn("anomaly detected: high error rate",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
				slog.Float64("threshold", a.threshold),
				slog.Int("failures", o.failures),
				slog.Int("total", len(o.entries)),
			)
		}
	case rate <= a.threshold && o.alerting:
		o.alerting = false
		if a.logger != nil {
			a.logger.Info("error rate recovered",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
			)
		}
	}
}

func (o *outcomes) expire(cutoff time.Time) {
	i := 0
	for i < len(o.entries) && o.entries[i].at.Before(cutoff) {
		if o.entries[i].failed {
			o.failures--
		}
		i++
	}
	o.entries = o.entries[i:]
}

func (o *outcomes) rate() float64 {
	if len(o.entries) == 0 {
		return 0
	}
	return float64(o.failures) / float64(len(o.entries))
}
