// Package gateway is the client-facing edge of the realtime delivery
// subsystem. It accepts WebSocket connections, validates handshake
// credentials through an external collaborator, relays inbound client
// actions into the registry and publisher, and delivers fanned-out
// envelopes to the live connections that should receive them.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/meridianchat/meridian/pkg/meridian/event"
	"github.com/meridianchat/meridian/pkg/meridian/registry"
	"go.uber.org/zap"
)

// Listener accepts WebSocket connections and manages their lifecycle.
type Listener struct {
	config *ListenerConfig
	logger *zap.Logger

	connections  map[*Connection]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		config:      config,
		logger:      config.logger,
		connections: make(map[*Connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

// ServeWebsocket upgrades the request and runs the connection until it
// closes. Pluggable into any HTTP router.
//
// The handshake is validated before any session state is created: an
// authentication failure closes the connection immediately and nothing
// is registered.
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		l.logger.Error("failed to accept connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		return
	}

	select {
	case <-l.shutdown:
		conn.Close(websocket.StatusServiceRestart, "server shutting down")
		return
	default:
	}

	userID, err := l.config.authFunc(r.Context(), r)
	if err != nil {
		l.logger.Warn("handshake authentication failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	handle := registry.Handle(uuid.NewString())
	connection := newConnection(r.Context(), conn, l.config, userID, handle)

	l.config.registry.Register(userID, handle)

	ctx := r.Context()
	if err := l.config.bus.Subscribe(ctx, connection, event.UserChannelPattern(userID)); err != nil {
		l.logger.Error("failed to subscribe user channels", zap.String("user_id", userID), zap.Error(err))
	}
	if err := l.config.bus.Subscribe(ctx, connection, event.PresenceChannel); err != nil {
		l.logger.Error("failed to subscribe presence channel", zap.String("user_id", userID), zap.Error(err))
	}

	connection.enqueue(ctx, ServerMessage{
		Type: NoticeConnectionEstablished,
		Data: EstablishedData{UserID: userID, ConnectionID: string(handle)},
	})
	broadcastPresence(ctx, l.config, userID, true)

	l.track(connection, r.RemoteAddr)
	connection.Start()
	l.untrack(connection, r.RemoteAddr)
}

func (l *Listener) track(connection *Connection, remoteAddr string) {
	l.connMutex.Lock()
	l.connections[connection] = struct{}{}
	count := len(l.connections)
	l.connMutex.Unlock()

	l.logger.Debug("connection tracked",
		zap.String("remote_addr", remoteAddr),
		zap.Int("active_connections", count),
	)
}

func (l *Listener) untrack(connection *Connection, remoteAddr string) {
	l.connMutex.Lock()
	delete(l.connections, connection)
	count := len(l.connections)
	l.connMutex.Unlock()

	l.logger.Debug("connection removed",
		zap.String("remote_addr", remoteAddr),
		zap.Int("active_connections", count),
	)
}

// Shutdown stops accepting connections and closes the active ones,
// blocking until they are gone or the context expires.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("starting gateway shutdown")
		close(l.shutdown)

		l.connMutex.RLock()
		connections := make([]*Connection, 0, len(l.connections))
		for conn := range l.connections {
			connections = append(connections, conn)
		}
		l.connMutex.RUnlock()

		for _, conn := range connections {
			go conn.shutdownClose(websocket.StatusGoingAway, "server shutting down")
		}
	})

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.connMutex.RLock()
			remaining := len(l.connections)
			l.connMutex.RUnlock()
			if remaining > 0 {
				l.logger.Warn("shutdown timeout with active connections",
					zap.Int("remaining", remaining),
				)
			}
			return ctx.Err()

		case <-ticker.C:
			l.connMutex.RLock()
			remaining := len(l.connections)
			l.connMutex.RUnlock()
			if remaining == 0 {
				l.logger.Info("all connections closed")
				return nil
			}
		}
	}
}

// DisconnectUser closes every tracked connection belonging to userID.
// Used by the staleness sweep so a user announced offline stops
// receiving envelopes; the closed connection's normal cleanup then
// unsubscribes it from the bus.
func (l *Listener) DisconnectUser(userID string) {
	l.connMutex.RLock()
	var stale []*Connection
	for conn := range l.connections {
		if conn.userID == userID {
			stale = append(stale, conn)
		}
	}
	l.connMutex.RUnlock()

	for _, conn := range stale {
		l.logger.Info("disconnecting stale session",
			zap.String("user_id", userID),
		)
		conn.shutdownClose(websocket.StatusGoingAway, "session expired")
	}
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}
