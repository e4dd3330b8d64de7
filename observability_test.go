package buildcachex

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gostratum/metricsx"
	"github.com/gostratum/tracingx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingMetrics implements metricsx.Metrics keyed by "name:label,label".
type recordingMetrics struct {
	mu           sync.Mutex
	counters     map[string]float64
	observations map[string][]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counters:     make(map[string]float64),
		observations: make(map[string][]float64),
	}
}

func metricKey(name string, labels []string) string {
	return name + ":" + strings.Join(labels, ",")
}

func (m *recordingMetrics) counter(name string, labels ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[metricKey(name, labels)]
}

func (m *recordingMetrics) observed(name string, labels ...string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observations[metricKey(name, labels)]
}

func (m *recordingMetrics) Counter(name string, _ ...metricsx.Option) metricsx.Counter {
	return recordingCounter{m: m, name: name}
}

func (m *recordingMetrics) Gauge(string, ...metricsx.Option) metricsx.Gauge { return nopGauge{} }

func (m *recordingMetrics) Histogram(name string, _ ...metricsx.Option) metricsx.Histogram {
	return recordingHistogram{m: m, name: name}
}

func (m *recordingMetrics) Summary(string, ...metricsx.Option) metricsx.Summary { return nopSummary{} }

type recordingCounter struct {
	m    *recordingMetrics
	name string
}

func (c recordingCounter) Inc(labels ...string) { c.Add(1, labels...) }

func (c recordingCounter) Add(v float64, labels ...string) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.counters[metricKey(c.name, labels)] += v
}

type recordingHistogram struct {
	m    *recordingMetrics
	name string
}

func (h recordingHistogram) Observe(v float64, labels ...string) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	key := metricKey(h.name, labels)
	h.m.observations[key] = append(h.m.observations[key], v)
}

func (h recordingHistogram) Timer(...string) metricsx.Timer { return &nopTimer{start: time.Now()} }

type nopGauge struct{}

func (nopGauge) Set(float64, ...string) {}
func (nopGauge) Inc(...string)          {}
func (nopGauge) Dec(...string)          {}
func (nopGauge) Add(float64, ...string) {}
func (nopGauge) Sub(float64, ...string) {}

type nopSummary struct{}

func (nopSummary) Observe(float64, ...string) {}

type nopTimer struct{ start time.Time }

func (*nopTimer) ObserveDuration()      {}
func (t *nopTimer) Stop() time.Duration { return time.Since(t.start) }

// recordingTracer implements tracingx.Tracer and keeps every span it starts.
type recordingTracer struct {
	mu    sync.Mutex
	spans []*recordedSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...tracingx.SpanOption) (context.Context, tracingx.Span) {
	cfg := &tracingx.SpanConfig{Attributes: make(map[string]any)}
	for _, opt := range opts {
		opt(cfg)
	}

	span := &recordedSpan{name: name, kind: cfg.Kind, tags: cfg.Attributes}
	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
	return ctx, span
}

func (t *recordingTracer) Extract(ctx context.Context, _ any) (context.Context, error) {
	return ctx, nil
}
func (t *recordingTracer) Inject(context.Context, any) error { return nil }
func (t *recordingTracer) Shutdown(context.Context) error    { return nil }

func (t *recordingTracer) ended() []*recordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*recordedSpan
	for _, s := range t.spans {
		if s.ended {
			out = append(out, s)
		}
	}
	return out
}

type recordedSpan struct {
	name  string
	kind  tracingx.SpanKind
	tags  map[string]any
	err   error
	ended bool
}

func (s *recordedSpan) End()                         { s.ended = true }
func (s *recordedSpan) SetTag(key string, value any) { s.tags[key] = value }
func (s *recordedSpan) SetError(err error)           { s.err = err }
func (s *recordedSpan) LogFields(...tracingx.Field)  {}
func (s *recordedSpan) Context() context.Context     { return context.Background() }
func (s *recordedSpan) TraceID() string              { return "trace" }
func (s *recordedSpan) SpanID() string               { return "span" }

func TestInstrumenter_RecordsOutcome(t *testing.T) {
	metrics, tracer := newRecordingMetrics(), &recordingTracer{}
	inst := NewInstrumenter(metrics, tracer)

	outcome, err := inst.TraceOperation(context.Background(), "load", "gradle/abc", func(ctx context.Context) (string, error) {
		return OutcomeHit, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)

	assert.Equal(t, float64(1), metrics.counter("buildcache_operations_total", "load", OutcomeHit))
	assert.Len(t, metrics.observed("buildcache_operation_duration_seconds", "load"), 1)

	spans := tracer.ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "buildcache.load", spans[0].name)
	assert.Equal(t, tracingx.SpanKindClient, spans[0].kind)
	assert.Equal(t, "gradle/abc", spans[0].tags["buildcache.key"])
	assert.Equal(t, OutcomeHit, spans[0].tags["buildcache.outcome"])
	assert.NoError(t, spans[0].err)
}

func TestInstrumenter_RecordsFailure(t *testing.T) {
	metrics, tracer := newRecordingMetrics(), &recordingTracer{}
	inst := NewInstrumenter(metrics, tracer)

	boom := errors.New("reader failed")
	outcome, err := inst.TraceOperation(context.Background(), "load", "k", func(ctx context.Context) (string, error) {
		return OutcomeHit, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, float64(1), metrics.counter("buildcache_operations_total", "load", OutcomeFailed))
	assert.Zero(t, metrics.counter("buildcache_operations_total", "load", OutcomeHit))

	spans := tracer.ended()
	require.Len(t, spans, 1)
	assert.ErrorIs(t, spans[0].err, boom)
}

func TestInstrumenter_EntrySize(t *testing.T) {
	metrics := newRecordingMetrics()
	inst := NewInstrumenter(metrics, nil)

	inst.RecordEntrySize("store", 2048)
	inst.RecordEntrySize("store", 4096)
	assert.Equal(t, []float64{2048, 4096}, metrics.observed("buildcache_entry_bytes", "store"))
}

func TestInstrumenter_NilIsPassThrough(t *testing.T) {
	var inst *Instrumenter

	outcome, err := inst.TraceOperation(context.Background(), "store", "k", func(ctx context.Context) (string, error) {
		return OutcomeStored, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, outcome)
	inst.RecordEntrySize("store", 10)
}

func TestInstrumenter_MetricsOnly(t *testing.T) {
	metrics := newRecordingMetrics()
	inst := NewInstrumenter(metrics, nil)

	_, _ = inst.TraceOperation(context.Background(), "delete", "k", func(ctx context.Context) (string, error) {
		return OutcomeDeleted, nil
	})
	assert.Equal(t, float64(1), metrics.counter("buildcache_operations_total", "delete", OutcomeDeleted))
}

func TestInstrumenter_TracerOnly(t *testing.T) {
	tracer := &recordingTracer{}
	inst := NewInstrumenter(nil, tracer)

	_, _ = inst.TraceOperation(context.Background(), "store", "k", func(ctx context.Context) (string, error) {
		return OutcomeStored, nil
	})
	inst.RecordEntrySize("store", 1)
	require.Len(t, tracer.ended(), 1)
	assert.Equal(t, "buildcache.store", tracer.ended()[0].name)
}
