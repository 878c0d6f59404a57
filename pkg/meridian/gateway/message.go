package gateway

import (
	"time"

	"github.com/meridianchat/meridian/pkg/meridian/event"
)

// Client to server actions.
const (
	ActionTypingStart       = "typing:start"
	ActionTypingStop        = "typing:stop"
	ActionConversationJoin  = "conversation:join"
	ActionConversationLeave = "conversation:leave"
)

// Server to client notification types.
const (
	NoticeConnectionEstablished = "connection:established"
	NoticeUserOnline            = "user:online"
	NoticeUserOffline           = "user:offline"
	NoticeMessageReceived       = "message:received"
	NoticeUserStatus            = "user:status"
	NoticeTypingUpdate          = "typing:update"
	NoticeFriendUpdate          = "friend:update"
	NoticeConversationUpdate    = "conversation:update"
	NoticeError                 = "error"
)

// ClientMessage is an inbound client action.
type ClientMessage struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ServerMessage is an outbound notification. ReceivedAt is the
// server-assigned delivery timestamp, added at send time.
type ServerMessage struct {
	Type       string    `json:"type"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// PresenceNotice is the payload broadcast on the process-local
// presence channel when a gateway connection comes or goes.
type PresenceNotice struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// EstablishedData is the payload of the connection acknowledgment.
type EstablishedData struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// noticeTypeFor maps an envelope's delivery category to the client
// notification type. Dispatch is on the category tag, never on channel
// name contents.
func noticeTypeFor(category event.Category) string {
	switch category {
	case event.CategoryMessages:
		return NoticeMessageReceived
	case event.CategoryStatus:
		return NoticeUserStatus
	case event.CategoryTyping:
		return NoticeTypingUpdate
	case event.CategoryFriends:
		return NoticeFriendUpdate
	case event.CategoryConversations:
		return NoticeConversationUpdate
	}
	return NoticeError
}
