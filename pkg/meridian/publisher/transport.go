package publisher

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/meridianchat/meridian/pkg/meridian/bus"
	"github.com/meridianchat/meridian/pkg/meridian/event"
)

// ErrNotConnected is returned by Send when the transport has no live
// connection.
var ErrNotConnected = errors.New("transport not connected")

// Transport is the external message fabric the publisher hands
// envelopes to. Implementations must be safe for concurrent Send
// calls: fan-out issues one Send per recipient channel concurrently.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, env *event.Envelope) error
	Close() error
}

// BusTransport delivers envelopes over the in-process bus. It is the
// transport for single-node deployments, where every gateway
// connection consumes its recipient channels from the same process.
type BusTransport struct {
	bus       bus.Bus
	connected atomic.Bool
}

// NewBusTransport creates a transport backed by the given bus.
func NewBusTransport(b bus.Bus) *BusTransport {
	return &BusTransport{bus: b}
}

func (t *BusTransport) Connect(ctx context.Context) error {
	t.connected.Store(true)
	return nil
}

func (t *BusTransport) Send(ctx context.Context, env *event.Envelope) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	return t.bus.PublishSync(ctx, env)
}

func (t *BusTransport) Close() error {
	t.connected.Store(false)
	return nil
}
