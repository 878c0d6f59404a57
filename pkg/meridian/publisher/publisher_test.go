package publisher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/meridianchat/meridian/pkg/meridian/event"
	"github.com/meridianchat/meridian/pkg/meridian/o11y"
)

// mockTransport records sends and fails on demand.
type mockTransport struct {
	mu           sync.Mutex
	connectErrs  int // remaining Connect calls that fail
	connectCalls int
	sent         []*event.Envelope
	sendHook     func(env *event.Envelope) error
}

func (m *mockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.connectErrs > 0 {
		m.connectErrs--
		return fmt.Errorf("connect refused")
	}
	return nil
}

func (m *mockTransport) Send(ctx context.Context, env *event.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendHook != nil {
		if err := m.sendHook(env); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) sentChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels := make([]string, len(m.sent))
	for i, env := range m.sent {
		channels[i] = env.Channel
	}
	return channels
}

func (m *mockTransport) connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

func newTestPublisher(t *testing.T, transport Transport, opts ...func(*Builder)) *Publisher {
	t.Helper()
	b := NewPublisher().
		WithTransport(transport).
		WithLogger(zaptest.NewLogger(t))
	for _, opt := range opts {
		opt(b)
	}
	p, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestFanOutOneSendPerRecipientChannel(t *testing.T) {
	transport := &mockTransport{}
	p := newTestPublisher(t, transport)
	require.NoError(t, p.Connect(context.Background()))

	err := p.PublishMessageSent(context.Background(), event.MessagePayload{
		ConversationID: "c1",
		MessageID:      "m1",
		SenderID:       "alice",
		Body:           "hello",
		Recipients:     []string{"u1", "u2"},
	})
	require.NoError(t, err)

	channels := transport.sentChannels()
	assert.Len(t, channels, 3) // two recipients plus the audit channel
	assert.Contains(t, channels, "user/u1/messages")
	assert.Contains(t, channels, "user/u2/messages")
	assert.Contains(t, channels, "conversation/c1/message/sent")
}

func TestPublishWhileDisconnectedFailsWithoutPanic(t *testing.T) {
	core, observed := observer.New(zap.ErrorLevel)
	transport := &mockTransport{sendHook: func(*event.Envelope) error {
		return ErrNotConnected
	}}
	p, err := NewPublisher().
		WithTransport(transport).
		WithLogger(zap.New(core)).
		Build()
	require.NoError(t, err)
	defer p.Close()

	err = p.PublishUserStatus(context.Background(), event.StatusPayload{
		UserID:     "alice",
		Status:     "away",
		Recipients: []string{"u1", "u2"},
	})
	require.Error(t, err)

	// One failed delivery attempt is logged per recipient.
	failures := observed.FilterMessage("envelope delivery failed").All()
	assert.Len(t, failures, 2)
}

func TestPartialFailureDoesNotFailPublish(t *testing.T) {
	transport := &mockTransport{sendHook: func(env *event.Envelope) error {
		if env.Channel == "user/u1/status" {
			return fmt.Errorf("delivery refused")
		}
		return nil
	}}
	p := newTestPublisher(t, transport)
	require.NoError(t, p.Connect(context.Background()))

	err := p.PublishUserStatus(context.Background(), event.StatusPayload{
		UserID:     "alice",
		Status:     "online",
		Recipients: []string{"u1", "u2"},
	})
	assert.NoError(t, err, "a single recipient failure must not fail the aggregate")
	assert.Contains(t, transport.sentChannels(), "user/u2/status")
}

func TestSuspendedPublishSkipsTransport(t *testing.T) {
	transport := &mockTransport{connectErrs: 1}
	p := newTestPublisher(t, transport, func(b *Builder) {
		b.WithBackoff(time.Millisecond, 10*time.Millisecond, 1)
	})

	require.Error(t, p.Connect(context.Background()))
	require.Equal(t, StateSuspended.String(), p.Status().State)

	before := transport.connects()
	err := p.PublishMessageSent(context.Background(), event.MessagePayload{
		ConversationID: "c1",
		Recipients:     []string{"u1"},
	})
	assert.ErrorIs(t, err, ErrSuspended)
	assert.Empty(t, transport.sentChannels(), "no delivery attempt while suspended")
	assert.Equal(t, before, transport.connects(), "no reconnect attempt while suspended")
}

func TestForceReconnectLeavesSuspension(t *testing.T) {
	transport := &mockTransport{connectErrs: 1}
	p := newTestPublisher(t, transport, func(b *Builder) {
		b.WithBackoff(time.Millisecond, 10*time.Millisecond, 1)
	})

	require.Error(t, p.Connect(context.Background()))
	require.Equal(t, StateSuspended.String(), p.Status().State)

	require.NoError(t, p.ForceReconnect(context.Background()))

	status := p.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, 0, status.ReconnectAttempts)

	err := p.PublishUserStatus(context.Background(), event.StatusPayload{
		UserID:     "alice",
		Status:     "online",
		Recipients: []string{"u1"},
	})
	assert.NoError(t, err)
}

func TestReconnectCycleRecovers(t *testing.T) {
	transport := &mockTransport{connectErrs: 2}
	p := newTestPublisher(t, transport, func(b *Builder) {
		b.WithBackoff(time.Millisecond, 10*time.Millisecond, 10)
	})

	require.Error(t, p.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return p.Status().Connected
	}, time.Second, 5*time.Millisecond, "publisher should reconnect after transient failures")

	status := p.Status()
	assert.Equal(t, 0, status.ReconnectAttempts, "successful connect resets the attempt counter")
	assert.GreaterOrEqual(t, transport.connects(), 3)
}

func TestTransportDisconnectSchedulesReconnect(t *testing.T) {
	transport := &mockTransport{}
	p := newTestPublisher(t, transport, func(b *Builder) {
		b.WithBackoff(time.Millisecond, 10*time.Millisecond, 10)
	})
	require.NoError(t, p.Connect(context.Background()))

	p.OnTransportDisconnect(fmt.Errorf("link dropped"))

	require.Eventually(t, func() bool {
		return p.Status().Connected
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, transport.connects(), 2)
}

func TestBackoffDelaySeries(t *testing.T) {
	base := 1000 * time.Millisecond
	max := 30000 * time.Millisecond

	expected := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond, // capped
		30000 * time.Millisecond,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, backoffDelay(base, max, attempt+1), "attempt %d", attempt+1)
	}
}

func TestPublishAfterClose(t *testing.T) {
	transport := &mockTransport{}
	p := newTestPublisher(t, transport)
	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.Close())

	err := p.PublishUserStatus(context.Background(), event.StatusPayload{
		UserID:     "alice",
		Recipients: []string{"u1"},
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestZeroRecipientsIsNoop(t *testing.T) {
	transport := &mockTransport{}
	p := newTestPublisher(t, transport)
	require.NoError(t, p.Connect(context.Background()))

	err := p.PublishUserStatus(context.Background(), event.StatusPayload{
		UserID: "alice",
		Status: "online",
	})
	assert.NoError(t, err)
	assert.Empty(t, transport.sentChannels())
}

// Test implementations for observability.

type fanOutMetricsProvider struct {
	counters   map[string]*fanOutCounter
	histograms map[string]*fanOutHistogram
}

func newFanOutMetricsProvider() *fanOutMetricsProvider {
	return &fanOutMetricsProvider{
		counters:   make(map[string]*fanOutCounter),
		histograms: make(map[string]*fanOutHistogram),
	}
}

func (p *fanOutMetricsProvider) Counter(name string) o11y.Counter {
	if p.counters[name] == nil {
		p.counters[name] = &fanOutCounter{}
	}
	return p.counters[name]
}

func (p *fanOutMetricsProvider) Histogram(name string) o11y.Histogram {
	if p.histograms[name] == nil {
		p.histograms[name] = &fanOutHistogram{}
	}
	return p.histograms[name]
}

func (p *fanOutMetricsProvider) Gauge(name string) o11y.Gauge { return &fanOutGauge{} }

type fanOutCounter struct {
	value int64
}

func (c *fanOutCounter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	c.value += value
}

type fanOutHistogram struct {
	values []float64
}

func (h *fanOutHistogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	h.values = append(h.values, value)
}

type fanOutGauge struct{}

func (fanOutGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {}

type fanOutTracingProvider struct {
	spans []*fanOutSpan
}

func (p *fanOutTracingProvider) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	span := &fanOutSpan{name: name}
	p.spans = append(p.spans, span)
	return ctx, span
}

type fanOutSpan struct {
	name   string
	status o11y.SpanStatusCode
	ended  bool
}

func (s *fanOutSpan) SetAttributes(labels ...o11y.Label)                     {}
func (s *fanOutSpan) SetStatus(code o11y.SpanStatusCode, description string) { s.status = code }
func (s *fanOutSpan) End()                                                   { s.ended = true }

func TestFanOutRecordsObservability(t *testing.T) {
	metrics := newFanOutMetricsProvider()
	tracing := &fanOutTracingProvider{}

	transport := &mockTransport{}
	p := newTestPublisher(t, transport, func(b *Builder) {
		b.WithMetrics(metrics).WithTracing(tracing)
	})
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.PublishMessageSent(context.Background(), event.MessagePayload{
		ConversationID: "c1",
		MessageID:      "m1",
		SenderID:       "bob",
		Recipients:     []string{"u1", "u2"},
	}))

	// Two recipient envelopes plus the conversation audit envelope.
	assert.Equal(t, int64(3), metrics.counters["publisher_envelopes_sent_total"].value)

	hist := metrics.histograms["publisher_fanout_duration_seconds"]
	require.NotNil(t, hist)
	assert.Len(t, hist.values, 1)

	require.Len(t, tracing.spans, 1)
	assert.Equal(t, "publisher.fanout", tracing.spans[0].name)
	assert.Equal(t, o11y.SpanStatusOK, tracing.spans[0].status)
	assert.True(t, tracing.spans[0].ended)
}

func TestFanOutSpanRecordsTotalFailure(t *testing.T) {
	tracing := &fanOutTracingProvider{}

	transport := &mockTransport{sendHook: func(env *event.Envelope) error {
		return fmt.Errorf("send refused")
	}}
	p := newTestPublisher(t, transport, func(b *Builder) {
		b.WithTracing(tracing)
	})
	require.NoError(t, p.Connect(context.Background()))

	err := p.PublishUserStatus(context.Background(), event.StatusPayload{
		UserID:     "alice",
		Status:     "online",
		Recipients: []string{"u1"},
	})
	require.Error(t, err)

	require.Len(t, tracing.spans, 1)
	assert.Equal(t, o11y.SpanStatusError, tracing.spans[0].status)
}
