// Package bus provides the in-process topic fabric that connects the
// event publisher to gateway connections and audit consumers. All
// subscription state is owned by a single goroutine draining a typed
// message channel, so the subscription maps need no locking.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianchat/meridian/pkg/meridian/event"
	"github.com/meridianchat/meridian/pkg/meridian/o11y"
	"go.uber.org/zap"
)

// Bus routes envelopes published to slash-separated channel topics to
// subscribers whose patterns match (MQTT-style + and # wildcards).
type Bus interface {
	Start() error
	Stop() error

	Subscribe(ctx context.Context, subscriber Subscriber, pattern string) error
	Unsubscribe(ctx context.Context, subscriber Subscriber, pattern string) error
	UnsubscribeAll(ctx context.Context, subscriber Subscriber) error

	// Publish enqueues the envelope for asynchronous delivery.
	Publish(ctx context.Context, env *event.Envelope) error
	// PublishSync delivers the envelope before returning and reports
	// the first subscriber error, if any.
	PublishSync(ctx context.Context, env *event.Envelope) error
}

type messageType int

const (
	messageTypeEvent messageType = iota
	messageTypeEventSync
	messageTypeSubscribe
	messageTypeUnsubscribe
	messageTypeUnsubscribeAll
)

type busMessage struct {
	ctx     context.Context
	msgType messageType
	pattern string
	env     *event.Envelope
	req     *request
}

// request carries the response channel for operations the caller
// waits on (subscribe, unsubscribe, sync publish).
type request struct {
	subscriber Subscriber
	responseCh chan error
}

type topicBus struct {
	ch      chan busMessage
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started int32

	subscriptions map[Subscriber]map[string]matcher
	logger        *zap.Logger

	// nil unless observability is configured
	tracingProvider  o11y.TracingProvider
	deliveredCounter o11y.Counter
	droppedCounter   o11y.Counter
	subscriberGauge  o11y.Gauge
	latencyHistogram o11y.Histogram
}

// Start launches the routing goroutine. Starting a started bus is an
// error.
func (b *topicBus) Start() error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return fmt.Errorf("bus already started")
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.logger.Info("bus started")

		for {
			select {
			case msg := <-b.ch:
				b.dispatch(msg)
			case <-b.ctx.Done():
				b.logger.Info("bus stopping")
				return
			}
		}
	}()

	return nil
}

// Stop shuts the routing goroutine down. Stopping a stopped bus is an
// error.
func (b *topicBus) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.started, 1, 0) {
		return fmt.Errorf("bus not started")
	}

	b.cancel()
	b.wg.Wait()
	b.logger.Info("bus stopped")
	return nil
}

func (b *topicBus) dispatch(msg busMessage) {
	switch msg.msgType {
	case messageTypeEvent:
		b.deliver(msg.ctx, msg.env, nil)
	case messageTypeEventSync:
		msg.req.responseCh <- b.deliver(msg.ctx, msg.env, msg.req)
	case messageTypeSubscribe:
		b.doSubscribe(msg)
	case messageTypeUnsubscribe:
		b.doUnsubscribe(msg)
	case messageTypeUnsubscribeAll:
		b.doUnsubscribeAll(msg)
	}
}

// deliver routes one envelope to every matching subscriber. A
// subscriber matches at most once even if several of its patterns
// cover the channel. Returns the first subscriber error.
func (b *topicBus) deliver(ctx context.Context, env *event.Envelope, _ *request) error {
	var firstErr error
	for subscriber, patterns := range b.subscriptions {
		for _, match := range patterns {
			ok, fields := match(env.Channel)
			if !ok {
				continue
			}
			if err := subscriber.OnEvent(ctx, env, fields); err != nil {
				b.logger.Error("subscriber OnEvent failed",
					zap.String("channel", env.Channel),
					zap.String("kind", string(env.Kind)),
					zap.Error(err),
				)
				if firstErr == nil {
					firstErr = err
				}
			} else if b.deliveredCounter != nil {
				b.deliveredCounter.Add(ctx, 1, o11y.Label{Key: "channel", Value: env.Channel})
			}
			break
		}
	}
	return firstErr
}

func (b *topicBus) doSubscribe(msg busMessage) {
	req := msg.req
	patterns, ok := b.subscriptions[req.subscriber]
	if !ok {
		patterns = make(map[string]matcher)
		b.subscriptions[req.subscriber] = patterns
	}
	patterns[msg.pattern] = makeMatcher(msg.pattern)

	b.updateSubscriberGauge(msg.ctx)
	req.responseCh <- req.subscriber.OnSubscribe(msg.ctx, msg.pattern)
}

func (b *topicBus) doUnsubscribe(msg busMessage) {
	req := msg.req
	patterns, ok := b.subscriptions[req.subscriber]
	if !ok {
		req.responseCh <- nil // not subscribed, not an error
		return
	}

	delete(patterns, msg.pattern)
	if len(patterns) == 0 {
		delete(b.subscriptions, req.subscriber)
	}

	b.updateSubscriberGauge(msg.ctx)
	req.responseCh <- req.subscriber.OnUnsubscribe(msg.ctx, msg.pattern)
}

func (b *topicBus) doUnsubscribeAll(msg busMessage) {
	req := msg.req
	delete(b.subscriptions, req.subscriber)

	b.updateSubscriberGauge(msg.ctx)
	req.responseCh <- req.subscriber.OnUnsubscribe(msg.ctx, "")
}

func (b *topicBus) updateSubscriberGauge(ctx context.Context) {
	if b.subscriberGauge != nil {
		b.subscriberGauge.Set(ctx, float64(len(b.subscriptions)))
	}
}

func (b *topicBus) Publish(ctx context.Context, env *event.Envelope) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if b.tracingProvider != nil {
		var span o11y.Span
		ctx, span = b.tracingProvider.StartSpan(ctx, "bus.publish")
		defer span.End()
		span.SetAttributes(
			o11y.Label{Key: "channel", Value: env.Channel},
			o11y.Label{Key: "operation", Value: "publish"},
		)
	}

	return b.accept(busMessage{ctx: ctx, msgType: messageTypeEvent, env: env})
}

func (b *topicBus) PublishSync(ctx context.Context, env *event.Envelope) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	var span o11y.Span
	if b.tracingProvider != nil {
		ctx, span = b.tracingProvider.StartSpan(ctx, "bus.publish_sync")
		defer span.End()
		span.SetAttributes(
			o11y.Label{Key: "channel", Value: env.Channel},
			o11y.Label{Key: "operation", Value: "publish_sync"},
		)
	}

	responseCh := make(chan error, 1)
	err := b.accept(busMessage{
		ctx:     ctx,
		msgType: messageTypeEventSync,
		env:     env,
		req:     &request{responseCh: responseCh},
	})
	if err == nil {
		err = <-responseCh
	}

	if b.latencyHistogram != nil {
		b.latencyHistogram.Record(ctx, time.Since(start).Seconds(),
			o11y.Label{Key: "channel", Value: env.Channel},
		)
	}
	if span != nil {
		if err != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
		} else {
			span.SetStatus(o11y.SpanStatusOK, "")
		}
	}
	return err
}

func (b *topicBus) Subscribe(ctx context.Context, subscriber Subscriber, pattern string) error {
	return b.roundTrip(ctx, messageTypeSubscribe, subscriber, pattern)
}

func (b *topicBus) Unsubscribe(ctx context.Context, subscriber Subscriber, pattern string) error {
	return b.roundTrip(ctx, messageTypeUnsubscribe, subscriber, pattern)
}

func (b *topicBus) UnsubscribeAll(ctx context.Context, subscriber Subscriber) error {
	return b.roundTrip(ctx, messageTypeUnsubscribeAll, subscriber, "")
}

func (b *topicBus) roundTrip(ctx context.Context, msgType messageType, subscriber Subscriber, pattern string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	responseCh := make(chan error, 1)
	if err := b.accept(busMessage{
		ctx:     ctx,
		msgType: msgType,
		pattern: pattern,
		req:     &request{subscriber: subscriber, responseCh: responseCh},
	}); err != nil {
		return err
	}
	return <-responseCh
}

// accept enqueues a message onto the routing channel. Messages are
// dropped with an error when the bus is not running or the channel is
// full, never by blocking the caller indefinitely.
func (b *topicBus) accept(msg busMessage) error {
	if atomic.LoadInt32(&b.started) == 0 {
		return fmt.Errorf("bus not started")
	}

	select {
	case b.ch <- msg:
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("bus stopped")
	default:
		b.logger.Warn("bus channel full, message dropped")
		if b.droppedCounter != nil {
			b.droppedCounter.Add(msg.ctx, 1)
		}
		return fmt.Errorf("bus channel full")
	}
}
