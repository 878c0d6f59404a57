// Package audit consumes the conversation-scoped channels and records
// every envelope that passes through them. It is the history-side
// consumer of the fan-out: persistence itself is out of scope, so the
// recorder keeps a bounded in-memory trail and emits structured logs.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/meridianchat/meridian/pkg/meridian/bus"
	"github.com/meridianchat/meridian/pkg/meridian/event"
	"go.uber.org/zap"
)

// Entry is one recorded envelope.
type Entry struct {
	EnvelopeID string
	Kind       event.Kind
	Channel    string
	RoutingKey string
	RecordedAt time.Time
}

// Recorder records conversation-channel envelopes into a bounded ring
// of recent entries. Attach to a bus with Attach, which wraps the
// recorder in an async queue so slow recording never stalls routing.
type Recorder struct {
	bus.BaseSubscriber
	logger *zap.Logger

	mu      sync.Mutex
	entries []Entry
	next    int
	filled  bool

	async *bus.AsyncQueueingSubscriber
}

// NewRecorder creates a Recorder holding up to capacity recent entries.
func NewRecorder(logger *zap.Logger, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		logger:  logger,
		entries: make([]Entry, capacity),
	}
}

// Attach subscribes the recorder to every conversation-scoped channel
// on the given bus.
func (r *Recorder) Attach(ctx context.Context, b bus.Bus) error {
	r.async = bus.NewAsyncQueueingSubscriber(r, cap(r.entries)).Start()
	return b.Subscribe(ctx, r.async, event.AuditPattern)
}

// Detach unsubscribes and drains the recording queue.
func (r *Recorder) Detach(ctx context.Context, b bus.Bus) error {
	if r.async == nil {
		return nil
	}
	err := b.UnsubscribeAll(ctx, r.async)
	r.async.Close()
	return err
}

// OnEvent records one envelope.
func (r *Recorder) OnEvent(ctx context.Context, env *event.Envelope, fields map[string]string) error {
	entry := Entry{
		EnvelopeID: env.ID,
		Kind:       env.Kind,
		Channel:    env.Channel,
		RoutingKey: env.RoutingKey,
		RecordedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()

	r.logger.Debug("audit entry recorded",
		zap.String("envelope_id", entry.EnvelopeID),
		zap.String("channel", entry.Channel),
		zap.String("routing_key", entry.RoutingKey),
	)
	return nil
}

// Recent returns the recorded entries, oldest first.
func (r *Recorder) Recent() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.filled {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
