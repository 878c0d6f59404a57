package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/meridianchat/meridian/pkg/meridian/bus"
	"github.com/meridianchat/meridian/pkg/meridian/event"
	"go.uber.org/zap"
)

// relayFrame is the wire form of an envelope on the relay link.
type relayFrame struct {
	Channel  string          `json:"c"`
	Envelope *event.Envelope `json:"e"`
}

// RelayTransport delivers envelopes to a remote relay over a
// WebSocket connection. In a horizontally scaled deployment the relay
// routes each recipient-scoped channel to whichever process instance
// is consuming it; inbound frames for channels this process consumes
// are republished onto the local bus so gateway connections receive
// them.
type RelayTransport struct {
	url          string
	logger       *zap.Logger
	localBus     bus.Bus
	dialTimeout  time.Duration
	writeTimeout time.Duration
	queueSize    int
	onDisconnect func(error)

	mu      sync.Mutex
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	writeCh chan []byte
	done    chan struct{}
	started int32
}

// RelayBuilder provides a fluent interface for building a RelayTransport.
type RelayBuilder struct {
	url          string
	logger       *zap.Logger
	localBus     bus.Bus
	dialTimeout  time.Duration
	writeTimeout time.Duration
	queueSize    int
	onDisconnect func(error)
}

// NewRelay creates a RelayTransport builder.
func NewRelay() *RelayBuilder {
	return &RelayBuilder{
		dialTimeout:  30 * time.Second,
		writeTimeout: 10 * time.Second,
		queueSize:    256,
		logger:       zap.NewNop(),
	}
}

// WithURL sets the relay WebSocket URL.
func (b *RelayBuilder) WithURL(url string) *RelayBuilder {
	b.url = url
	return b
}

// WithLogger sets the transport logger.
func (b *RelayBuilder) WithLogger(logger *zap.Logger) *RelayBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithLocalBus sets the bus inbound relay frames are republished on.
// Without it the transport is send-only and inbound frames are dropped.
func (b *RelayBuilder) WithLocalBus(localBus bus.Bus) *RelayBuilder {
	b.localBus = localBus
	return b
}

// WithDialTimeout sets the timeout for establishing the connection.
func (b *RelayBuilder) WithDialTimeout(timeout time.Duration) *RelayBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithWriteTimeout sets the per-frame write timeout.
func (b *RelayBuilder) WithWriteTimeout(timeout time.Duration) *RelayBuilder {
	if timeout > 0 {
		b.writeTimeout = timeout
	}
	return b
}

// WithQueueSize sets the outbound frame queue size.
func (b *RelayBuilder) WithQueueSize(size int) *RelayBuilder {
	if size > 0 {
		b.queueSize = size
	}
	return b
}

// WithDisconnectHandler sets the callback invoked when an established
// link drops. The publisher uses it to re-enter its reconnect cycle.
func (b *RelayBuilder) WithDisconnectHandler(handler func(error)) *RelayBuilder {
	b.onDisconnect = handler
	return b
}

// Build validates the configuration and returns the transport.
func (b *RelayBuilder) Build() (*RelayTransport, error) {
	if b.url == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	return &RelayTransport{
		url:          b.url,
		logger:       b.logger,
		localBus:     b.localBus,
		dialTimeout:  b.dialTimeout,
		writeTimeout: b.writeTimeout,
		queueSize:    b.queueSize,
		onDisconnect: b.onDisconnect,
	}, nil
}

// Connect dials the relay and starts the read and write loops.
func (t *RelayTransport) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.started, 0, 1) {
		return fmt.Errorf("relay transport already connected")
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.url, nil)
	if err != nil {
		atomic.StoreInt32(&t.started, 0)
		return fmt.Errorf("failed to dial relay: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.writeCh = make(chan []byte, t.queueSize)
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.writeLoop()
	go t.readLoop()

	t.logger.Info("relay transport connected", zap.String("url", t.url))
	return nil
}

// Send queues one envelope frame for the relay.
func (t *RelayTransport) Send(ctx context.Context, env *event.Envelope) error {
	if atomic.LoadInt32(&t.started) == 0 {
		return ErrNotConnected
	}

	data, err := json.Marshal(relayFrame{Channel: env.Channel, Envelope: env})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	t.mu.Lock()
	writeCh := t.writeCh
	connCtx := t.ctx
	t.mu.Unlock()
	if writeCh == nil {
		return ErrNotConnected
	}

	select {
	case writeCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-connCtx.Done():
		return ErrNotConnected
	default:
		return fmt.Errorf("relay write queue full")
	}
}

// Close shuts the link down without invoking the disconnect handler.
func (t *RelayTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.started, 1, 0) {
		return nil
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn != nil {
		t.conn.Close(websocket.StatusNormalClosure, "transport closed")
		t.conn = nil
	}
	done := t.done
	t.mu.Unlock()

	if done != nil {
		<-done
	}
	t.logger.Info("relay transport closed")
	return nil
}

func (t *RelayTransport) writeLoop() {
	t.mu.Lock()
	conn := t.conn
	ctx := t.ctx
	writeCh := t.writeCh
	t.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		select {
		case data := <-writeCh:
			writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				t.logger.Error("relay write failed", zap.Error(err))
				t.linkLost(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop consumes relay frames. The relay sends envelopes for the
// recipient-scoped channels this process has live connections for;
// each one is republished onto the local bus. A read error means the
// link is gone.
func (t *RelayTransport) readLoop() {
	t.mu.Lock()
	conn := t.conn
	ctx := t.ctx
	done := t.done
	t.mu.Unlock()
	defer close(done)
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				// Closed locally.
			default:
				t.logger.Warn("relay connection lost", zap.Error(err))
				t.linkLost(err)
			}
			return
		}
		t.handleFrame(ctx, data)
	}
}

// handleFrame republishes one inbound relay frame onto the local bus.
func (t *RelayTransport) handleFrame(ctx context.Context, data []byte) {
	if t.localBus == nil || len(data) == 0 {
		return
	}

	var frame relayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.logger.Warn("malformed relay frame", zap.Error(err))
		return
	}
	if frame.Envelope == nil {
		return
	}
	if frame.Envelope.Channel == "" {
		frame.Envelope.Channel = frame.Channel
	}

	if err := t.localBus.Publish(ctx, frame.Envelope); err != nil {
		t.logger.Warn("failed to republish relay frame",
			zap.String("channel", frame.Envelope.Channel),
			zap.Error(err),
		)
	}
}

// linkLost tears the link state down and notifies the disconnect
// handler exactly once per established connection.
func (t *RelayTransport) linkLost(err error) {
	if !atomic.CompareAndSwapInt32(&t.started, 1, 0) {
		return
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn != nil {
		t.conn.Close(websocket.StatusInternalError, "link lost")
		t.conn = nil
	}
	t.mu.Unlock()

	if t.onDisconnect != nil {
		go t.onDisconnect(err)
	}
}
