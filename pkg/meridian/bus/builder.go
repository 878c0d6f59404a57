package bus

import (
	"context"
	"fmt"

	"github.com/meridianchat/meridian/pkg/meridian/o11y"
	"go.uber.org/zap"
)

// Builder provides a fluent interface for constructing a Bus.
type Builder struct {
	logger          *zap.Logger
	bufferSize      int
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewBus creates a Builder with default settings.
func NewBus() *Builder {
	return &Builder{bufferSize: 1000}
}

// WithLogger sets the bus logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithBufferSize sets the routing channel's buffer size.
func (b *Builder) WithBufferSize(size int) *Builder {
	b.bufferSize = size
	return b
}

// WithMetrics sets the metrics provider for delivery counters and the
// publish latency histogram.
func (b *Builder) WithMetrics(provider o11y.MetricsProvider) *Builder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets the tracing provider for publish spans.
func (b *Builder) WithTracing(provider o11y.TracingProvider) *Builder {
	b.tracingProvider = provider
	return b
}

// Build validates the configuration and returns the Bus.
func (b *Builder) Build() (Bus, error) {
	if b.bufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", b.bufferSize)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	tb := &topicBus{
		ch:            make(chan busMessage, b.bufferSize),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[Subscriber]map[string]matcher),
		logger:        logger,
	}

	if b.metricsProvider != nil {
		tb.deliveredCounter = b.metricsProvider.Counter("bus_envelopes_delivered_total")
		tb.droppedCounter = b.metricsProvider.Counter("bus_envelopes_dropped_total")
		tb.subscriberGauge = b.metricsProvider.Gauge("bus_active_subscribers")
		tb.latencyHistogram = b.metricsProvider.Histogram("bus_publish_duration_seconds")
	}
	tb.tracingProvider = b.tracingProvider

	return tb, nil
}
