package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/meridianchat/meridian/pkg/meridian/event"
	"github.com/meridianchat/meridian/pkg/meridian/registry"
	"go.uber.org/zap"
)

type outboundMessage struct {
	ctx context.Context
	msg ServerMessage
}

// Connection is one authenticated client connection. It implements
// bus.Subscriber to consume the user's recipient-scoped channels and
// the presence channel, forwarding matching envelopes to the client.
// All WebSocket writes are serialized through the sender goroutine.
type Connection struct {
	ctx      context.Context
	conn     *websocket.Conn
	config   *ListenerConfig
	logger   *zap.Logger
	userID   string
	handle   registry.Handle
	outbound chan outboundMessage
	done     chan struct{}

	cleanupOnce sync.Once
}

func newConnection(ctx context.Context, conn *websocket.Conn, config *ListenerConfig, userID string, handle registry.Handle) *Connection {
	return &Connection{
		ctx:    ctx,
		conn:   conn,
		config: config,
		logger: config.logger.With(
			zap.String("user_id", userID),
			zap.String("handle", string(handle)),
		),
		userID:   userID,
		handle:   handle,
		outbound: make(chan outboundMessage, config.queueSize),
		done:     make(chan struct{}),
	}
}

// Start runs the connection until it closes: the sender goroutine
// handles outbound notifications and pings, the reader runs in the
// calling goroutine.
func (c *Connection) Start() {
	go c.sender()
	c.reader()
	c.cleanup()
}

func (c *Connection) sender() {
	var pingChan <-chan time.Time
	if c.config.pingInterval > 0 {
		ticker := time.NewTicker(c.config.pingInterval)
		defer ticker.Stop()
		pingChan = ticker.C
	}

	for {
		select {
		case out, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.write(out.ctx, out.msg); err != nil {
				c.logger.Error("failed to send notification",
					zap.String("type", out.msg.Type),
					zap.Error(err),
				)
				if websocket.CloseStatus(err) != -1 {
					return
				}
			}

		case <-pingChan:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("ping failed, stopping sender", zap.Error(err))
				return
			}
			// An answered ping proves the client is alive, so it counts
			// toward staleness even when the client sends nothing.
			c.config.registry.Touch(c.userID)

		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) reader() {
	c.conn.SetReadLimit(32768)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		readCtx, cancel := context.WithTimeout(c.ctx, c.config.readTimeout)
		_, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Debug("connection closed by client", zap.Int("close_status", int(status)))
			} else {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		if len(data) == 0 {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed client message", zap.Error(err))
			c.sendError("invalid message format")
			continue
		}

		c.config.registry.Touch(c.userID)
		c.handleAction(c.ctx, msg)
	}
}

// handleAction mutates the registry for an inbound client action and
// relays the corresponding notification to the other members of the
// room. Redundant operations are no-ops.
func (c *Connection) handleAction(ctx context.Context, msg ClientMessage) {
	if msg.ConversationID == "" {
		c.sendError("conversationId is required")
		return
	}
	roomID := msg.ConversationID

	switch msg.Action {
	case ActionConversationJoin:
		if !c.config.registry.JoinRoom(c.userID, roomID) {
			c.sendError("failed to join conversation")
			return
		}
		if others := c.otherMembers(roomID); len(others) > 0 {
			err := c.config.publisher.PublishUserJoinedConversation(ctx, event.ConversationPayload{
				ConversationID: roomID,
				ActorID:        c.userID,
				Recipients:     others,
			})
			c.logRelayError(err, msg.Action, roomID)
		}

	case ActionConversationLeave:
		if !c.config.registry.LeaveRoom(c.userID, roomID) {
			return // not joined, idempotent no-op
		}
		if others := c.config.registry.UsersInRoom(roomID); len(others) > 0 {
			err := c.config.publisher.PublishUserLeftConversation(ctx, event.ConversationPayload{
				ConversationID: roomID,
				ActorID:        c.userID,
				Recipients:     others,
			})
			c.logRelayError(err, msg.Action, roomID)
		}

	case ActionTypingStart:
		if _, ok := c.config.registry.StartTyping(c.userID, roomID); !ok {
			c.sendError("failed to update typing state")
			return
		}
		c.relayTyping(ctx, roomID, true)

	case ActionTypingStop:
		if !c.config.registry.StopTyping(c.userID, roomID) {
			return // was not typing, idempotent no-op
		}
		c.relayTyping(ctx, roomID, false)

	default:
		c.logger.Warn("unsupported client action", zap.String("action", msg.Action))
		c.sendError("unsupported action")
	}
}

func (c *Connection) relayTyping(ctx context.Context, roomID string, isTyping bool) {
	others := c.otherMembers(roomID)
	if len(others) == 0 {
		return
	}
	err := c.config.publisher.PublishUserTyping(ctx, event.TypingPayload{
		ConversationID: roomID,
		UserID:         c.userID,
		IsTyping:       isTyping,
		Recipients:     others,
	})
	c.logRelayError(err, "typing", roomID)
}

// otherMembers returns the connected members of the room excluding
// this connection's user.
func (c *Connection) otherMembers(roomID string) []string {
	members := c.config.registry.UsersInRoom(roomID)
	others := members[:0]
	for _, id := range members {
		if id != c.userID {
			others = append(others, id)
		}
	}
	return others
}

// logRelayError logs a relay failure without surfacing transport
// details to the client.
func (c *Connection) logRelayError(err error, action, roomID string) {
	if err != nil {
		c.logger.Error("failed to relay action",
			zap.String("action", action),
			zap.String("conversation_id", roomID),
			zap.Error(err),
		)
	}
}

// OnEvent receives envelopes from the bus. Presence notices are
// translated to online/offline notifications; everything else maps
// from its delivery category to the corresponding client notification.
func (c *Connection) OnEvent(ctx context.Context, env *event.Envelope, fields map[string]string) error {
	if notice, ok := env.Payload.(PresenceNotice); ok {
		if notice.UserID == c.userID {
			return nil // don't echo a user's own presence back
		}
		noticeType := NoticeUserOffline
		if notice.Online {
			noticeType = NoticeUserOnline
		}
		c.enqueue(ctx, ServerMessage{Type: noticeType, Data: notice})
		return nil
	}

	c.enqueue(ctx, ServerMessage{Type: noticeTypeFor(env.Kind.Category()), Data: env})
	return nil
}

func (c *Connection) OnSubscribe(ctx context.Context, pattern string) error   { return nil }
func (c *Connection) OnUnsubscribe(ctx context.Context, pattern string) error { return nil }

// enqueue queues a notification for the sender goroutine. The queue
// never blocks the bus: when full, the notification is dropped.
func (c *Connection) enqueue(ctx context.Context, msg ServerMessage) {
	select {
	case c.outbound <- outboundMessage{ctx: ctx, msg: msg}:
	default:
		c.logger.Warn("outbound queue full, dropping notification",
			zap.String("type", msg.Type),
		)
	}
}

func (c *Connection) sendError(message string) {
	c.enqueue(c.ctx, ServerMessage{Type: NoticeError, Error: message})
}

// write marshals and sends one notification, stamping the delivery
// timestamp.
func (c *Connection) write(ctx context.Context, msg ServerMessage) error {
	msg.ReceivedAt = time.Now().UTC()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = c.ctx
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.config.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// cleanup tears the connection down exactly once: unregister (which
// clears the user's typing entries everywhere), unsubscribe from the
// bus, broadcast presence offline, and close the socket.
func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		select {
		case <-c.done:
		default:
			close(c.done)
		}

		if err := c.config.bus.UnsubscribeAll(c.ctx, c); err != nil {
			c.logger.Warn("failed to unsubscribe from bus", zap.Error(err))
		}

		// A newer connection for the same user may have replaced this
		// one; only the current owner broadcasts offline.
		if _, ok := c.config.registry.Unregister(c.handle); ok {
			broadcastPresence(c.ctx, c.config, c.userID, false)
		}

		err := c.conn.Close(websocket.StatusNormalClosure, "connection closed")
		if err != nil {
			c.logger.Debug("close error", zap.Error(err))
		}

		c.logger.Debug("connection cleaned up")
	})
}

// shutdownClose closes the socket with a specific code during server
// shutdown; the reader then exits and cleanup runs normally.
func (c *Connection) shutdownClose(code websocket.StatusCode, reason string) {
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("shutdown close error", zap.Error(err))
	}
}

// broadcastPresence publishes an online/offline notice on the
// process-local presence channel.
func broadcastPresence(ctx context.Context, config *ListenerConfig, userID string, online bool) {
	env := event.NewEnvelope(
		event.KindUserStatus,
		event.PresenceChannel,
		event.UserRoutingKey(userID, event.KindUserStatus),
		PresenceNotice{UserID: userID, Online: online},
	)
	if err := config.bus.Publish(ctx, env); err != nil {
		config.logger.Warn("failed to broadcast presence",
			zap.String("user_id", userID),
			zap.Bool("online", online),
			zap.Error(err),
		)
	}
}
