package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/execution"
	"github.com/jkaninda/detsandbox/internal/loader"
	"github.com/jkaninda/detsandbox/internal/messages"
)

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps an execution.Sandbox with metrics, tracing, and anomaly detection.
type InstrumentedSandbox struct {
	inner   execution.Sandbox
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner execution.Sandbox, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req execution.ExecutionRequest) (*execution.Summary, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.entry", req.Entry),
			))
		defer span.End()
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		defer s.metrics.ActiveSessions.Dec()
	}

	start := time.Now()
	summary, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	costs := costing.Summary{}
	if summary != nil {
		costs = summary.Costs
	}
	var serr *execution.SandboxError
	if err != nil {
		status = errorStatus(err)
		if errors.As(err, &serr) && serr.Summary != nil {
			costs = serr.Summary.Costs
		}
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("sandbox.status", status),
			attribute.Int64("sandbox.allocations", costs.Allocations),
			attribute.Int64("sandbox.invocations", costs.Invocations),
			attribute.Int64("sandbox.jumps", costs.Jumps),
			attribute.Int64("sandbox.throws", costs.Throws),
		)
	}

	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(status).Inc()
		s.metrics.ExecutionDuration.Observe(duration)
		for _, c := range costing.Costs {
			s.metrics.CostsTotal.WithLabelValues(c.String()).Add(float64(costs.Get(c)))
		}
		if serr != nil && serr.Violation != nil {
			s.metrics.ThresholdViolationsTotal.WithLabelValues(serr.Violation.Cost.String()).Inc()
		}
	}

	if s.anomaly != nil {
		if err != nil {
			s.anomaly.RecordError("sandbox_execute")
		} else {
			s.anomaly.RecordSuccess("sandbox_execute")
		}
	}

	return summary, err
}

// errorStatus classifies a session failure for metric labels.
func errorStatus(err error) string {
	var rej *loader.RejectionError
	switch {
	case errors.Is(err, costing.ErrThresholdExceeded):
		return "threshold_exceeded"
	case errors.As(err, &rej):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}

// --- LoadRecorder ---

// LoadRecorder is a loader.Listener recording load decisions as metrics
// and as events on the current span.
type LoadRecorder struct {
	metrics *MetricsCollector
	anomaly *AnomalyDetector
}

// NewLoadRecorder returns a listener recording into metrics and anomaly,
// either of which may be nil.
func NewLoadRecorder(metrics *MetricsCollector, anomaly *AnomalyDetector) *LoadRecorder {
	return &LoadRecorder{metrics: metrics, anomaly: anomaly}
}

func (r *LoadRecorder) Decided(ctx context.Context, d loader.Decision) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("class."+d.State.String(), trace.WithAttributes(
			attribute.String("class.name", d.Class),
			attribute.String("class.sandbox_name", d.SandboxName),
			attribute.Bool("class.modified", d.Modified),
			attribute.Int("class.errors", d.Errors),
			attribute.Int("class.warnings", d.Warnings),
		))
	}

	if r.metrics != nil {
		r.metrics.ClassLoadsTotal.WithLabelValues(d.State.String(), strconv.FormatBool(d.Trusted), strconv.FormatBool(d.Modified)).Inc()
		r.metrics.ClassLoadDuration.WithLabelValues(d.State.String()).Observe(d.Duration.Seconds())
		if d.Errors > 0 {
			r.metrics.MessagesTotal.WithLabelValues(messages.Error.String()).Add(float64(d.Errors))
		}
		if d.Warnings > 0 {
			r.metrics.MessagesTotal.WithLabelValues(messages.Warning.String()).Add(float64(d.Warnings))
		}
	}

	if r.anomaly != nil {
		if d.State == loader.Rejected {
			r.anomaly.RecordError("class_load")
		} else {
			r.anomaly.RecordSuccess("class_load")
		}
	}
}

// --- Compile-time interface checks ---

var (
	_ execution.Sandbox = (*InstrumentedSandbox)(nil)
	_ loader.Listener   = (*LoadRecorder)(nil)
)
