package gateway

import (
	"fmt"
	"time"

	"github.com/meridianchat/meridian/pkg/meridian/bus"
	"github.com/meridianchat/meridian/pkg/meridian/publisher"
	"github.com/meridianchat/meridian/pkg/meridian/registry"
	"go.uber.org/zap"
)

const (
	// DefaultQueueSize is the per-connection outbound queue size.
	DefaultQueueSize = 256

	// DefaultPingInterval is how often ping frames are sent to detect
	// dead connections.
	DefaultPingInterval = 30 * time.Second

	// DefaultReadTimeout bounds each read from a client. A client that
	// sends no message within it is disconnected; ping/pong traffic
	// does not reset this deadline.
	DefaultReadTimeout = 60 * time.Second

	// DefaultWriteTimeout bounds each write to a client.
	DefaultWriteTimeout = 10 * time.Second
)

// ListenerConfig holds the configuration for building a gateway
// Listener. Use NewListenerConfig and the fluent methods, then Build.
type ListenerConfig struct {
	registry     *registry.Registry
	publisher    *publisher.Publisher
	bus          bus.Bus
	logger       *zap.Logger
	authFunc     AuthFunc
	queueSize    int
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewListenerConfig creates a ListenerConfig with defaults. The
// registry, publisher, bus, and logger are required; the handshake
// policy defaults to DenyAll.
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		authFunc:     DenyAll,
		queueSize:    DefaultQueueSize,
		pingInterval: DefaultPingInterval,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
}

// WithRegistry sets the connection registry.
func (c *ListenerConfig) WithRegistry(r *registry.Registry) *ListenerConfig {
	c.registry = r
	return c
}

// WithPublisher sets the event publisher used to relay client actions.
func (c *ListenerConfig) WithPublisher(p *publisher.Publisher) *ListenerConfig {
	c.publisher = p
	return c
}

// WithBus sets the bus connections consume their channels from.
func (c *ListenerConfig) WithBus(b bus.Bus) *ListenerConfig {
	c.bus = b
	return c
}

// WithLogger sets the gateway logger.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithAuthFunc sets the handshake authentication collaborator.
func (c *ListenerConfig) WithAuthFunc(fn AuthFunc) *ListenerConfig {
	if fn != nil {
		c.authFunc = fn
	}
	return c
}

// WithQueueSize sets the per-connection outbound queue size.
func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the ping frame interval. Zero disables pings.
func (c *ListenerConfig) WithPingInterval(interval time.Duration) *ListenerConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithReadTimeout sets the per-read client timeout.
func (c *ListenerConfig) WithReadTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.readTimeout = timeout
	}
	return c
}

// WithWriteTimeout sets the per-write client timeout.
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// IsValid reports whether all required dependencies are set.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.registry == nil {
		missing = append(missing, "Registry")
	}
	if c.publisher == nil {
		missing = append(missing, "Publisher")
	}
	if c.bus == nil {
		missing = append(missing, "Bus")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}
	return nil
}

// Build creates a Listener from the configuration.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}
	return newListener(c), nil
}
