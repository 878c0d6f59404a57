package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianchat/meridian/pkg/meridian/event"
	"github.com/meridianchat/meridian/pkg/meridian/o11y"
)

// mockSubscriber records everything it receives.
type mockSubscriber struct {
	BaseSubscriber
	mu              sync.Mutex
	subscriptions   []string
	unsubscriptions []string
	envelopes       []*event.Envelope
	fields          []map[string]string
	failOnEvent     bool
}

func (m *mockSubscriber) OnSubscribe(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, pattern)
	return nil
}

func (m *mockSubscriber) OnUnsubscribe(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscriptions = append(m.unsubscriptions, pattern)
	return nil
}

func (m *mockSubscriber) OnEvent(ctx context.Context, env *event.Envelope, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes = append(m.envelopes, env)
	m.fields = append(m.fields, fields)
	if m.failOnEvent {
		return fmt.Errorf("simulated failure")
	}
	return nil
}

func (m *mockSubscriber) received() []*event.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*event.Envelope, len(m.envelopes))
	copy(out, m.envelopes)
	return out
}

func (m *mockSubscriber) lastFields() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fields) == 0 {
		return nil
	}
	return m.fields[len(m.fields)-1]
}

func newStartedBus(t *testing.T) Bus {
	t.Helper()
	b, err := NewBus().WithLogger(zaptest.NewLogger(t)).Build()
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Stop() })
	return b
}

func statusEnvelope(channel string) *event.Envelope {
	return event.NewEnvelope(event.KindUserStatus, channel, "user.u1.status", nil)
}

func TestBusStartStop(t *testing.T) {
	b, err := NewBus().WithLogger(zaptest.NewLogger(t)).Build()
	require.NoError(t, err)

	require.NoError(t, b.Start())
	assert.Error(t, b.Start(), "double start must fail")

	require.NoError(t, b.Stop())
	assert.Error(t, b.Stop(), "double stop must fail")
}

func TestBuilderRejectsBadBufferSize(t *testing.T) {
	_, err := NewBus().WithBufferSize(-1).Build()
	assert.Error(t, err)
}

func TestPublishBeforeStartFails(t *testing.T) {
	b, err := NewBus().WithLogger(zaptest.NewLogger(t)).Build()
	require.NoError(t, err)

	assert.Error(t, b.Publish(context.Background(), statusEnvelope("user/u1/status")))
}

func TestExactSubscriptionDelivery(t *testing.T) {
	b := newStartedBus(t)
	sub := &mockSubscriber{}

	require.NoError(t, b.Subscribe(context.Background(), sub, "user/u1/status"))

	require.NoError(t, b.PublishSync(context.Background(), statusEnvelope("user/u1/status")))
	require.NoError(t, b.PublishSync(context.Background(), statusEnvelope("user/u2/status")))

	received := sub.received()
	require.Len(t, received, 1)
	assert.Equal(t, "user/u1/status", received[0].Channel)
}

func TestWildcardSubscriptionDelivery(t *testing.T) {
	b := newStartedBus(t)
	sub := &mockSubscriber{}

	require.NoError(t, b.Subscribe(context.Background(), sub, "user/u1/#"))

	require.NoError(t, b.PublishSync(context.Background(), statusEnvelope("user/u1/status")))
	require.NoError(t, b.PublishSync(context.Background(), statusEnvelope("user/u1/messages")))
	require.NoError(t, b.PublishSync(context.Background(), statusEnvelope("user/u2/status")))

	assert.Len(t, sub.received(), 2)
}

func TestFieldExtraction(t *testing.T) {
	b := newStartedBus(t)
	sub := &mockSubscriber{}

	require.NoError(t, b.Subscribe(context.Background(), sub, "conversation/+id/#"))
	require.NoError(t, b.PublishSync(context.Background(), statusEnvelope("conversation/c42/message/sent")))

	require.Len(t, sub.received(), 1)
	assert.Equal(t, "c42", sub.lastFields()["id"])
}

func TestSubscriberMatchesOncePerEnvelope(t *testing.T) {
	b := newStartedBus(t)
	sub := &mockSubscriber{}

	// Two overlapping patterns still deliver each envelope once.
	require.NoError(t, b.Subscribe(context.Background(), sub, "user/u1/#"))
	require.NoError(t, b.Subscribe(context.Background(), sub, "user/u1/status"))

	require.NoError(t, b.PublishSync(context.Background(), statusEnvelope("user/u1/status")))
	assert.Len(t, sub.received(), 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newStartedBus(t)
	sub := &mockSubscriber{}

	require.NoError(t, b.Subscribe(context.Background(), sub, "user/u1/status"))
	require.NoError(t, b.Unsubscribe(context.Background(), sub, "user/u1/status"))

	require.NoError(t, b.PublishSync(context.Background(), statusEnvelope("user/u1/status")))
	assert.Empty(t, sub.received())
	assert.Equal(t, []string{"user/u1/status"}, sub.unsubscriptions)
}

func TestUnsubscribeAllStopsDelivery(t *testing.T) {
	b := newStartedBus(t)
	sub := &mockSubscriber{}

	require.NoError(t, b.Subscribe(context.Background(), sub, "user/u1/#"))
	require.NoError(t, b.Subscribe(context.Background(), sub, "presence/updates"))
	require.NoError(t, b.UnsubscribeAll(context.Background(), sub))

	require.NoError(t, b.PublishSync(context.Background(), statusEnvelope("user/u1/status")))
	require.NoError(t, b.PublishSync(context.Background(), statusEnvelope("presence/updates")))
	assert.Empty(t, sub.received())
}

func TestUnsubscribeNotSubscribedIsNoop(t *testing.T) {
	b := newStartedBus(t)
	sub := &mockSubscriber{}

	assert.NoError(t, b.Unsubscribe(context.Background(), sub, "user/u1/status"))
}

func TestPublishSyncPropagatesSubscriberError(t *testing.T) {
	b := newStartedBus(t)
	sub := &mockSubscriber{failOnEvent: true}

	require.NoError(t, b.Subscribe(context.Background(), sub, "user/u1/status"))
	err := b.PublishSync(context.Background(), statusEnvelope("user/u1/status"))
	assert.Error(t, err)
}

func TestAsyncPublishDelivers(t *testing.T) {
	b := newStartedBus(t)
	sub := &mockSubscriber{}

	require.NoError(t, b.Subscribe(context.Background(), sub, "user/u1/status"))
	require.NoError(t, b.Publish(context.Background(), statusEnvelope("user/u1/status")))

	require.Eventually(t, func() bool {
		return len(sub.received()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAsyncQueueingSubscriberDeliversInBackground(t *testing.T) {
	sub := &mockSubscriber{}
	async := NewAsyncQueueingSubscriber(sub, 16).Start()
	defer async.Close()

	require.NoError(t, async.OnEvent(context.Background(), statusEnvelope("user/u1/status"), nil))

	require.Eventually(t, func() bool {
		return len(sub.received()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAsyncQueueingSubscriberClosed(t *testing.T) {
	sub := &mockSubscriber{}
	async := NewAsyncQueueingSubscriber(sub, 16).Start()
	require.NoError(t, async.Close())

	err := async.OnEvent(context.Background(), statusEnvelope("user/u1/status"), nil)
	assert.ErrorIs(t, err, ErrSubscriberClosed)
}

// Test implementations for observability.

type testMetricsProvider struct {
	counters   map[string]*testCounter
	histograms map[string]*testHistogram
	gauges     map[string]*testGauge
}

func newTestMetricsProvider() *testMetricsProvider {
	return &testMetricsProvider{
		counters:   make(map[string]*testCounter),
		histograms: make(map[string]*testHistogram),
		gauges:     make(map[string]*testGauge),
	}
}

func (p *testMetricsProvider) Counter(name string) o11y.Counter {
	if p.counters[name] == nil {
		p.counters[name] = &testCounter{}
	}
	return p.counters[name]
}

func (p *testMetricsProvider) Histogram(name string) o11y.Histogram {
	if p.histograms[name] == nil {
		p.histograms[name] = &testHistogram{}
	}
	return p.histograms[name]
}

func (p *testMetricsProvider) Gauge(name string) o11y.Gauge {
	if p.gauges[name] == nil {
		p.gauges[name] = &testGauge{}
	}
	return p.gauges[name]
}

type testCounter struct {
	value int64
}

func (c *testCounter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	c.value += value
}

type testHistogram struct {
	values []float64
}

func (h *testHistogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	h.values = append(h.values, value)
}

type testGauge struct {
	value float64
}

func (g *testGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	g.value = value
}

type testTracingProvider struct {
	spans []*testSpan
}

func (p *testTracingProvider) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	span := &testSpan{name: name}
	p.spans = append(p.spans, span)
	return ctx, span
}

type testSpan struct {
	name   string
	status o11y.SpanStatusCode
	ended  bool
}

func (s *testSpan) SetAttributes(labels ...o11y.Label)                     {}
func (s *testSpan) SetStatus(code o11y.SpanStatusCode, description string) { s.status = code }
func (s *testSpan) End()                                                   { s.ended = true }

func TestBusObservability(t *testing.T) {
	metrics := newTestMetricsProvider()
	tracing := &testTracingProvider{}

	b, err := NewBus().
		WithLogger(zaptest.NewLogger(t)).
		WithMetrics(metrics).
		WithTracing(tracing).
		Build()
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Stop() })

	sub := &mockSubscriber{}
	require.NoError(t, b.Subscribe(context.Background(), sub, "user/u1/status"))
	require.NoError(t, b.PublishSync(context.Background(), statusEnvelope("user/u1/status")))

	assert.Equal(t, int64(1), metrics.counters["bus_envelopes_delivered_total"].value)
	assert.Equal(t, 1.0, metrics.gauges["bus_active_subscribers"].value)

	hist := metrics.histograms["bus_publish_duration_seconds"]
	require.NotNil(t, hist)
	assert.Len(t, hist.values, 1)

	require.Len(t, tracing.spans, 1)
	assert.Equal(t, "bus.publish_sync", tracing.spans[0].name)
	assert.Equal(t, o11y.SpanStatusOK, tracing.spans[0].status)
	assert.True(t, tracing.spans[0].ended)
}

func TestBusPublishSyncSpanRecordsFailure(t *testing.T) {
	tracing := &testTracingProvider{}

	b, err := NewBus().
		WithLogger(zaptest.NewLogger(t)).
		WithTracing(tracing).
		Build()
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Stop() })

	sub := &mockSubscriber{failOnEvent: true}
	require.NoError(t, b.Subscribe(context.Background(), sub, "user/u1/status"))
	require.Error(t, b.PublishSync(context.Background(), statusEnvelope("user/u1/status")))

	require.Len(t, tracing.spans, 1)
	assert.Equal(t, o11y.SpanStatusError, tracing.spans[0].status)
}
