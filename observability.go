package buildcachex

import (
	"context"
	"time"

	"github.com/gostratum/metricsx"
	"github.com/gostratum/tracingx"
)

// Outcome labels recorded for cache operations.
const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeStored  = "stored"
	OutcomeDeleted = "deleted"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Instrumenter wraps cache operations with metrics and tracing. Either side
// may be absent, and a nil *Instrumenter records nothing.
type Instrumenter struct {
	metrics metricsx.Metrics
	tracer  tracingx.Tracer
}

// NewInstrumenter creates a new instrumenter with optional metrics and tracing
func NewInstrumenter(metrics metricsx.Metrics, tracer tracingx.Tracer) *Instrumenter {
	return &Instrumenter{
		metrics: metrics,
		tracer:  tracer,
	}
}

// TraceOperation runs fn inside a span and records its duration and outcome.
// fn returns the outcome label to record; an error always records "failed".
func (i *Instrumenter) TraceOperation(ctx context.Context, operation, key string, fn func(ctx context.Context) (string, error)) (string, error) {
	if i == nil {
		return fn(ctx)
	}

	var span tracingx.Span
	if i.tracer != nil {
		ctx, span = i.tracer.Start(ctx, "buildcache."+operation,
			tracingx.WithSpanKind(tracingx.SpanKindClient),
			tracingx.WithAttributes(map[string]any{
				"buildcache.operation": operation,
				"buildcache.key":       key,
			}),
		)
		defer span.End()
	}

	start := time.Now()
	outcome, err := fn(ctx)
	if err != nil {
		outcome = OutcomeFailed
	}
	duration := time.Since(start).Seconds()

	if i.metrics != nil {
		i.metrics.Counter("buildcache_operations_total",
			metricsx.WithHelp("Total number of cache operations by outcome"),
			metricsx.WithLabels("operation", "outcome"),
		).Inc(operation, outcome)

		i.metrics.Histogram("buildcache_operation_duration_seconds",
			metricsx.WithHelp("Cache operation duration in seconds"),
			metricsx.WithLabels("operation"),
			metricsx.WithBuckets(.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30),
		).Observe(duration, operation)
	}

	if span != nil {
		span.SetTag("buildcache.outcome", outcome)
		if err != nil {
			span.SetError(err)
		}
	}

	return outcome, err
}

// RecordEntrySize records the size of an entry moved by operation
func (i *Instrumenter) RecordEntrySize(operation string, size int64) {
	if i == nil || i.metrics == nil {
		return
	}
	i.metrics.Histogram("buildcache_entry_bytes",
		metricsx.WithHelp("Size of cache entries transferred in bytes"),
		metricsx.WithLabels("operation"),
		metricsx.WithBuckets(1024, 10240, 102400, 1024000, 10240000, 52428800, 104857600, 1073741824), // 1KB to 1GB
	).Observe(float64(size), operation)
}
