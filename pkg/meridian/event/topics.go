package event

import (
	"fmt"
	"strings"
)

// Channel and routing key construction. Channels are slash-separated
// topic paths consumed through the bus with MQTT-style wildcards
// (user/<id>/# subscribes one user's channels). Routing keys are the
// dotted entity.action form carried inside envelopes.

// UserChannel returns the recipient-scoped channel for one
// (user, category) pair, e.g. "user/u1/messages".
func UserChannel(userID string, category Category) string {
	return fmt.Sprintf("user/%s/%s", userID, category)
}

// UserChannelPattern returns the subscription pattern covering every
// category channel of one user.
func UserChannelPattern(userID string) string {
	return fmt.Sprintf("user/%s/#", userID)
}

// ConversationChannel returns the conversation-scoped channel used by
// audit/history consumers, e.g. "conversation/c1/message/sent".
func ConversationChannel(conversationID string, kind Kind) string {
	switch kind {
	case KindMessageSent:
		return fmt.Sprintf("conversation/%s/message/sent", conversationID)
	case KindMessageEdited:
		return fmt.Sprintf("conversation/%s/message/edited", conversationID)
	case KindMessageDeleted:
		return fmt.Sprintf("conversation/%s/message/deleted", conversationID)
	case KindUserTyping:
		return fmt.Sprintf("conversation/%s/typing", conversationID)
	case KindConversationCreated:
		return fmt.Sprintf("conversation/%s/created", conversationID)
	case KindUserJoinedConversation:
		return fmt.Sprintf("conversation/%s/member/joined", conversationID)
	case KindUserLeftConversation:
		return fmt.Sprintf("conversation/%s/member/left", conversationID)
	}
	return fmt.Sprintf("conversation/%s/event", conversationID)
}

// AuditPattern matches every conversation-scoped channel.
const AuditPattern = "conversation/#"

// PresenceChannel is the process-local broadcast channel for
// online/offline transitions of gateway connections.
const PresenceChannel = "presence/updates"

// ConversationRoutingKey builds the dotted routing key for a
// conversation-scoped event, e.g. "conversation.c1.message.sent".
func ConversationRoutingKey(conversationID string, kind Kind) string {
	action := strings.TrimPrefix(string(kind), "conversation.")
	return fmt.Sprintf("conversation.%s.%s", conversationID, action)
}

// UserRoutingKey builds the dotted routing key for a user-scoped
// event, e.g. "user.u1.typing".
func UserRoutingKey(userID string, kind Kind) string {
	action := strings.TrimPrefix(string(kind), "user.")
	return fmt.Sprintf("user.%s.%s", userID, action)
}
