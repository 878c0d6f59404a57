package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/meridianchat/meridian/pkg/meridian/event"
)

var (
	// ErrQueueFull is returned when an async subscriber's queue is full.
	ErrQueueFull = errors.New("subscriber queue is full")
	// ErrSubscriberClosed is returned after Close has been called.
	ErrSubscriberClosed = errors.New("subscriber is closed")
)

type asyncMessage struct {
	ctx     context.Context
	msgType messageType
	pattern string
	env     *event.Envelope
	fields  map[string]string
}

// AsyncQueueingSubscriber wraps another subscriber and hands events to
// it on a background goroutine through a buffered queue. This keeps
// slow consumers (such as audit writers) off the bus routing
// goroutine: the bus-facing methods return as soon as the message is
// queued.
type AsyncQueueingSubscriber struct {
	wrapped   Subscriber
	queue     chan asyncMessage
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAsyncQueueingSubscriber wraps the given subscriber with an async
// queue of the given size. Call Start to begin processing and Close to
// shut the background goroutine down.
func NewAsyncQueueingSubscriber(wrapped Subscriber, queueSize int) *AsyncQueueingSubscriber {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &AsyncQueueingSubscriber{
		wrapped: wrapped,
		queue:   make(chan asyncMessage, queueSize),
		done:    make(chan struct{}),
	}
}

// Start begins processing queued messages in a background goroutine
// and returns the subscriber for chaining.
func (a *AsyncQueueingSubscriber) Start() *AsyncQueueingSubscriber {
	a.wg.Add(1)
	go a.processQueue()
	return a
}

// Close stops the background goroutine after draining already-queued
// messages.
func (a *AsyncQueueingSubscriber) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

func (a *AsyncQueueingSubscriber) processQueue() {
	defer a.wg.Done()

	for {
		select {
		case msg := <-a.queue:
			a.processMessage(msg)
		case <-a.done:
			// Drain remaining messages before exiting.
			for {
				select {
				case msg := <-a.queue:
					a.processMessage(msg)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncQueueingSubscriber) processMessage(msg asyncMessage) {
	switch msg.msgType {
	case messageTypeSubscribe:
		a.wrapped.OnSubscribe(msg.ctx, msg.pattern)
	case messageTypeUnsubscribe:
		a.wrapped.OnUnsubscribe(msg.ctx, msg.pattern)
	case messageTypeEvent:
		a.wrapped.OnEvent(msg.ctx, msg.env, msg.fields)
	}
}

func (a *AsyncQueueingSubscriber) enqueue(msg asyncMessage) error {
	select {
	case <-a.done:
		return ErrSubscriberClosed
	default:
	}

	select {
	case a.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *AsyncQueueingSubscriber) OnSubscribe(ctx context.Context, pattern string) error {
	return a.enqueue(asyncMessage{ctx: ctx, msgType: messageTypeSubscribe, pattern: pattern})
}

func (a *AsyncQueueingSubscriber) OnUnsubscribe(ctx context.Context, pattern string) error {
	return a.enqueue(asyncMessage{ctx: ctx, msgType: messageTypeUnsubscribe, pattern: pattern})
}

func (a *AsyncQueueingSubscriber) OnEvent(ctx context.Context, env *event.Envelope, fields map[string]string) error {
	return a.enqueue(asyncMessage{ctx: ctx, msgType: messageTypeEvent, env: env, fields: fields})
}
