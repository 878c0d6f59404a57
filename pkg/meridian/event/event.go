// Package event defines the domain event model for the realtime
// delivery subsystem: event kinds, their payloads, and the immutable
// addressed Envelope handed to the transport.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies a domain event. Dispatch is always on this tag,
// never on channel or routing key substrings.
type Kind string

const (
	KindMessageSent            Kind = "message.sent"
	KindMessageEdited          Kind = "message.edited"
	KindMessageDeleted         Kind = "message.deleted"
	KindUserStatus             Kind = "user.status"
	KindUserTyping             Kind = "user.typing"
	KindFriendRequestSent      Kind = "friend.request.sent"
	KindFriendRequestAccepted  Kind = "friend.request.accepted"
	KindConversationCreated    Kind = "conversation.created"
	KindUserJoinedConversation Kind = "conversation.user.joined"
	KindUserLeftConversation   Kind = "conversation.user.left"
)

// Category groups kinds into per-user delivery channels. Each
// connected client consumes one channel per (user, category) pair.
type Category string

const (
	CategoryMessages      Category = "messages"
	CategoryStatus        Category = "status"
	CategoryTyping        Category = "typing"
	CategoryFriends       Category = "friends"
	CategoryConversations Category = "conversations"
)

// Category maps a kind to its delivery category.
func (k Kind) Category() Category {
	switch k {
	case KindMessageSent, KindMessageEdited, KindMessageDeleted:
		return CategoryMessages
	case KindUserStatus:
		return CategoryStatus
	case KindUserTyping:
		return CategoryTyping
	case KindFriendRequestSent, KindFriendRequestAccepted:
		return CategoryFriends
	case KindConversationCreated, KindUserJoinedConversation, KindUserLeftConversation:
		return CategoryConversations
	}
	return CategoryMessages
}

// Valid reports whether k is one of the defined event kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMessageSent, KindMessageEdited, KindMessageDeleted,
		KindUserStatus, KindUserTyping,
		KindFriendRequestSent, KindFriendRequestAccepted,
		KindConversationCreated, KindUserJoinedConversation, KindUserLeftConversation:
		return true
	}
	return false
}

// Envelope is the immutable, addressed, timestamped unit handed to the
// transport. Once constructed it is never mutated.
type Envelope struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Channel    string    `json:"channel"`
	RoutingKey string    `json:"routingKey"`
	Payload    any       `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEnvelope builds an envelope addressed to a single channel.
func NewEnvelope(kind Kind, channel, routingKey string, payload any) *Envelope {
	return &Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		Channel:    channel,
		RoutingKey: routingKey,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// MessagePayload carries message lifecycle events (sent/edited/deleted).
type MessagePayload struct {
	ConversationID string   `json:"conversationId"`
	MessageID      string   `json:"messageId"`
	SenderID       string   `json:"senderId"`
	Body           string   `json:"body,omitempty"`
	Recipients     []string `json:"recipients"`
}

// StatusPayload carries a user's presence status change.
type StatusPayload struct {
	UserID     string   `json:"userId"`
	Status     string   `json:"status"`
	Recipients []string `json:"recipients"`
}

// TypingPayload carries a typing indicator change inside a conversation.
type TypingPayload struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	IsTyping       bool     `json:"isTyping"`
	Recipients     []string `json:"recipients"`
}

// FriendRequestPayload carries friend request lifecycle events.
type FriendRequestPayload struct {
	RequestID  string `json:"requestId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
}

// RecipientList returns the single recipient of a friend request event.
func (p FriendRequestPayload) RecipientList() []string {
	return []string{p.ToUserID}
}

// ConversationPayload carries conversation lifecycle events.
type ConversationPayload struct {
	ConversationID string   `json:"conversationId"`
	ActorID        string   `json:"actorId"`
	Name           string   `json:"name,omitempty"`
	Recipients     []string `json:"recipients"`
}
