// Package publisher converts domain events into addressed envelopes,
// fans them out to per-recipient channels, and manages the transport
// connection with exponential backoff, independently of the business
// logic that raises the events.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/meridianchat/meridian/pkg/meridian/event"
	"github.com/meridianchat/meridian/pkg/meridian/o11y"
	"go.uber.org/zap"
)

// State is the transport connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateSuspended is entered after maxAttempts consecutive connect
	// failures. Publishing fails immediately without I/O until
	// ForceReconnect is called.
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	}
	return "unknown"
}

var (
	// ErrSuspended is returned by publish operations while the
	// publisher has given up reconnecting.
	ErrSuspended = errors.New("publisher suspended, reconnect required")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("publisher closed")
)

// Status is the operational snapshot exposed for health checks.
type Status struct {
	Connected         bool   `json:"isConnected"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	State             string `json:"state"`
}

// Publisher owns one transport connection per process. All state
// transitions happen under one mutex; the retry timer is the only
// owned timer and is cancelled on every transition.
type Publisher struct {
	transport   Transport
	logger      *zap.Logger
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu         sync.Mutex
	state      State
	attempts   int
	retryTimer *time.Timer
	closed     bool

	// nil unless observability is configured
	tracingProvider o11y.TracingProvider
	sentCounter     o11y.Counter
	failedCounter   o11y.Counter
	fanOutHistogram o11y.Histogram
}

// Builder provides a fluent interface for constructing a Publisher.
type Builder struct {
	transport       Transport
	logger          *zap.Logger
	baseDelay       time.Duration
	maxDelay        time.Duration
	maxAttempts     int
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewPublisher creates a Builder with default reconnect settings.
func NewPublisher() *Builder {
	return &Builder{
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
		maxAttempts: 10,
	}
}

// WithTransport sets the transport the publisher owns. Required.
func (b *Builder) WithTransport(transport Transport) *Builder {
	b.transport = transport
	return b
}

// WithLogger sets the publisher logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithBackoff sets the reconnect backoff parameters.
func (b *Builder) WithBackoff(baseDelay, maxDelay time.Duration, maxAttempts int) *Builder {
	if baseDelay > 0 {
		b.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		b.maxDelay = maxDelay
	}
	if maxAttempts > 0 {
		b.maxAttempts = maxAttempts
	}
	return b
}

// WithMetrics sets the metrics provider for delivery counters and the
// fan-out duration histogram.
func (b *Builder) WithMetrics(provider o11y.MetricsProvider) *Builder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets the tracing provider for fan-out spans.
func (b *Builder) WithTracing(provider o11y.TracingProvider) *Builder {
	b.tracingProvider = provider
	return b
}

// Build validates the configuration and returns the Publisher.
func (b *Builder) Build() (*Publisher, error) {
	if b.transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Publisher{
		transport:   b.transport,
		logger:      logger,
		baseDelay:   b.baseDelay,
		maxDelay:    b.maxDelay,
		maxAttempts: b.maxAttempts,
		state:       StateDisconnected,
	}
	if b.metricsProvider != nil {
		p.sentCounter = b.metricsProvider.Counter("publisher_envelopes_sent_total")
		p.failedCounter = b.metricsProvider.Counter("publisher_envelopes_failed_total")
		p.fanOutHistogram = b.metricsProvider.Histogram("publisher_fanout_duration_seconds")
	}
	p.tracingProvider = b.tracingProvider
	return p, nil
}

// Connect attempts to establish the transport connection. On failure
// the reconnect cycle is scheduled; Connect itself returns the
// first attempt's error.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.state == StateConnected || p.state == StateConnecting {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnecting
	p.cancelRetryLocked()
	p.mu.Unlock()

	return p.attemptConnect(ctx)
}

func (p *Publisher) attemptConnect(ctx context.Context) error {
	err := p.transport.Connect(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	if err == nil {
		p.state = StateConnected
		p.attempts = 0
		p.cancelRetryLocked()
		p.logger.Info("transport connected")
		return nil
	}

	p.logger.Warn("transport connect failed",
		zap.Int("attempt", p.attempts+1),
		zap.Error(err),
	)
	p.scheduleRetryLocked()
	return err
}

// scheduleRetryLocked increments the attempt counter and either arms
// the single retry timer or suspends the publisher. Callers hold p.mu.
func (p *Publisher) scheduleRetryLocked() {
	p.attempts++

	if p.attempts >= p.maxAttempts {
		p.state = StateSuspended
		p.cancelRetryLocked()
		p.logger.Error("reconnect attempts exhausted, publisher suspended",
			zap.Int("attempts", p.attempts),
		)
		return
	}

	p.state = StateDisconnected
	delay := backoffDelay(p.baseDelay, p.maxDelay, p.attempts)
	p.logger.Info("scheduling reconnect",
		zap.Int("attempt", p.attempts),
		zap.Duration("delay", delay),
	)

	p.cancelRetryLocked()
	p.retryTimer = time.AfterFunc(delay, p.retryConnect)
}

func (p *Publisher) retryConnect() {
	p.mu.Lock()
	if p.closed || p.state == StateConnected || p.state == StateSuspended {
		p.mu.Unlock()
		return
	}
	p.state = StateConnecting
	p.mu.Unlock()

	p.attemptConnect(context.Background())
}

// cancelRetryLocked stops and releases the pending retry timer, if
// any. Callers hold p.mu.
func (p *Publisher) cancelRetryLocked() {
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
}

// backoffDelay computes min(base * 2^(attempt-1), max) for attempt >= 1.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// OnTransportDisconnect is the callback for transports that can lose
// an established link. It re-enters the reconnect cycle.
func (p *Publisher) OnTransportDisconnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.state != StateConnected {
		return
	}

	p.logger.Warn("transport disconnected", zap.Error(err))
	p.scheduleRetryLocked()
}

// ForceReconnect leaves the suspended state and re-enters Connecting
// with the attempt counter reset. Intended for operator intervention.
func (p *Publisher) ForceReconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.state == StateConnected {
		p.mu.Unlock()
		return nil
	}
	p.attempts = 0
	p.state = StateConnecting
	p.cancelRetryLocked()
	p.mu.Unlock()

	p.logger.Info("forcing reconnect")
	return p.attemptConnect(ctx)
}

// Status returns the operational snapshot for health checks.
func (p *Publisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Connected:         p.state == StateConnected,
		ReconnectAttempts: p.attempts,
		State:             p.state.String(),
	}
}

// Close cancels any pending retry and closes the transport.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.state = StateDisconnected
	p.cancelRetryLocked()
	p.mu.Unlock()

	return p.transport.Close()
}

// fanOut builds one envelope per recipient channel (plus an optional
// audit envelope) and issues all sends concurrently. Individual
// failures are logged and do not abort sibling deliveries; the
// aggregate fails only when every recipient delivery failed.
func (p *Publisher) fanOut(ctx context.Context, kind event.Kind, routingKey string, recipients []string, payload any, auditChannel string) (err error) {
	start := time.Now()
	var span o11y.Span
	if p.tracingProvider != nil {
		ctx, span = p.tracingProvider.StartSpan(ctx, "publisher.fanout")
		defer span.End()
		span.SetAttributes(
			o11y.Label{Key: "kind", Value: string(kind)},
			o11y.Label{Key: "recipients", Value: strconv.Itoa(len(recipients))},
		)
	}
	defer func() {
		if p.fanOutHistogram != nil {
			p.fanOutHistogram.Record(ctx, time.Since(start).Seconds(),
				o11y.Label{Key: "kind", Value: string(kind)},
			)
		}
		if span != nil {
			if err != nil {
				span.SetStatus(o11y.SpanStatusError, err.Error())
			} else {
				span.SetStatus(o11y.SpanStatusOK, "")
			}
		}
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.state == StateSuspended {
		p.mu.Unlock()
		p.logger.Warn("publish rejected, publisher suspended",
			zap.String("kind", string(kind)),
		)
		return ErrSuspended
	}
	p.mu.Unlock()

	category := kind.Category()
	envelopes := make([]*event.Envelope, 0, len(recipients)+1)
	for _, recipient := range recipients {
		envelopes = append(envelopes, event.NewEnvelope(kind, event.UserChannel(recipient, category), routingKey, payload))
	}
	if auditChannel != "" {
		envelopes = append(envelopes, event.NewEnvelope(kind, auditChannel, routingKey, payload))
	}

	if len(envelopes) == 0 {
		return nil
	}

	errs := make([]error, len(envelopes))
	var wg sync.WaitGroup
	for i, env := range envelopes {
		wg.Add(1)
		go func(i int, env *event.Envelope) {
			defer wg.Done()
			errs[i] = p.transport.Send(ctx, env)
		}(i, env)
	}
	wg.Wait()

	recipientFailures := 0
	for i, err := range errs {
		env := envelopes[i]
		if err != nil {
			p.logger.Error("envelope delivery failed",
				zap.String("kind", string(kind)),
				zap.String("channel", env.Channel),
				zap.String("envelope_id", env.ID),
				zap.Error(err),
			)
			if p.failedCounter != nil {
				p.failedCounter.Add(ctx, 1, o11y.Label{Key: "kind", Value: string(kind)})
			}
			if i < len(recipients) {
				recipientFailures++
			}
			continue
		}
		if p.sentCounter != nil {
			p.sentCounter.Add(ctx, 1, o11y.Label{Key: "kind", Value: string(kind)})
		}
	}

	if len(recipients) > 0 && recipientFailures == len(recipients) {
		return fmt.Errorf("publish %s: all %d recipient deliveries failed", kind, len(recipients))
	}
	return nil
}

// PublishMessageSent fans a new message out to its recipients.
func (p *Publisher) PublishMessageSent(ctx context.Context, payload event.MessagePayload) error {
	return p.publishMessage(ctx, event.KindMessageSent, payload)
}

// PublishMessageEdited fans a message edit out to its recipients.
func (p *Publisher) PublishMessageEdited(ctx context.Context, payload event.MessagePayload) error {
	return p.publishMessage(ctx, event.KindMessageEdited, payload)
}

// PublishMessageDeleted fans a message deletion out to its recipients.
func (p *Publisher) PublishMessageDeleted(ctx context.Context, payload event.MessagePayload) error {
	return p.publishMessage(ctx, event.KindMessageDeleted, payload)
}

func (p *Publisher) publishMessage(ctx context.Context, kind event.Kind, payload event.MessagePayload) error {
	return p.fanOut(ctx, kind,
		event.ConversationRoutingKey(payload.ConversationID, kind),
		payload.Recipients,
		payload,
		event.ConversationChannel(payload.ConversationID, kind),
	)
}

// PublishUserStatus fans a presence status change out to the users who
// should see it.
func (p *Publisher) PublishUserStatus(ctx context.Context, payload event.StatusPayload) error {
	return p.fanOut(ctx, event.KindUserStatus,
		event.UserRoutingKey(payload.UserID, event.KindUserStatus),
		payload.Recipients,
		payload,
		"",
	)
}

// PublishUserTyping fans a typing indicator change out to the other
// members of the conversation.
func (p *Publisher) PublishUserTyping(ctx context.Context, payload event.TypingPayload) error {
	return p.fanOut(ctx, event.KindUserTyping,
		event.UserRoutingKey(payload.UserID, event.KindUserTyping),
		payload.Recipients,
		payload,
		event.ConversationChannel(payload.ConversationID, event.KindUserTyping),
	)
}

// PublishFriendRequestSent notifies the addressee of a new friend
// request.
func (p *Publisher) PublishFriendRequestSent(ctx context.Context, payload event.FriendRequestPayload) error {
	return p.fanOut(ctx, event.KindFriendRequestSent,
		event.UserRoutingKey(payload.ToUserID, event.KindFriendRequestSent),
		payload.RecipientList(),
		payload,
		"",
	)
}

// PublishFriendRequestAccepted notifies the original requester that
// their friend request was accepted.
func (p *Publisher) PublishFriendRequestAccepted(ctx context.Context, payload event.FriendRequestPayload) error {
	return p.fanOut(ctx, event.KindFriendRequestAccepted,
		event.UserRoutingKey(payload.ToUserID, event.KindFriendRequestAccepted),
		payload.RecipientList(),
		payload,
		"",
	)
}

// PublishConversationCreated fans a new conversation out to its
// initial members.
func (p *Publisher) PublishConversationCreated(ctx context.Context, payload event.ConversationPayload) error {
	return p.publishConversation(ctx, event.KindConversationCreated, payload)
}

// PublishUserJoinedConversation fans a membership addition out to the
// conversation's members.
func (p *Publisher) PublishUserJoinedConversation(ctx context.Context, payload event.ConversationPayload) error {
	return p.publishConversation(ctx, event.KindUserJoinedConversation, payload)
}

// PublishUserLeftConversation fans a membership removal out to the
// conversation's members.
func (p *Publisher) PublishUserLeftConversation(ctx context.Context, payload event.ConversationPayload) error {
	return p.publishConversation(ctx, event.KindUserLeftConversation, payload)
}

func (p *Publisher) publishConversation(ctx context.Context, kind event.Kind, payload event.ConversationPayload) error {
	return p.fanOut(ctx, kind,
		event.ConversationRoutingKey(payload.ConversationID, kind),
		payload.Recipients,
		payload,
		event.ConversationChannel(payload.ConversationID, kind),
	)
}
