package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianchat/meridian/pkg/meridian/bus"
	"github.com/meridianchat/meridian/pkg/meridian/event"
)

func auditEnvelope(conversationID string) *event.Envelope {
	return event.NewEnvelope(
		event.KindMessageSent,
		event.ConversationChannel(conversationID, event.KindMessageSent),
		event.ConversationRoutingKey(conversationID, event.KindMessageSent),
		event.MessagePayload{ConversationID: conversationID, MessageID: "m1"},
	)
}

func TestRecorderRecordsEnvelopes(t *testing.T) {
	rec := NewRecorder(zaptest.NewLogger(t), 8)

	env := auditEnvelope("c1")
	require.NoError(t, rec.OnEvent(context.Background(), env, nil))

	entries := rec.Recent()
	require.Len(t, entries, 1)
	assert.Equal(t, env.ID, entries[0].EnvelopeID)
	assert.Equal(t, event.KindMessageSent, entries[0].Kind)
	assert.Equal(t, "conversation/c1/message/sent", entries[0].Channel)
	assert.Equal(t, "conversation.c1.message.sent", entries[0].RoutingKey)
	assert.False(t, entries[0].RecordedAt.IsZero())
}

func TestRecorderRingKeepsNewestEntries(t *testing.T) {
	rec := NewRecorder(zaptest.NewLogger(t), 4)

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		env := auditEnvelope(fmt.Sprintf("c%d", i))
		ids = append(ids, env.ID)
		require.NoError(t, rec.OnEvent(context.Background(), env, nil))
	}

	entries := rec.Recent()
	require.Len(t, entries, 4)
	for i, entry := range entries {
		assert.Equal(t, ids[i+2], entry.EnvelopeID, "oldest first after wraparound")
	}
}

func TestRecorderEmptyRecent(t *testing.T) {
	rec := NewRecorder(zaptest.NewLogger(t), 4)
	assert.Empty(t, rec.Recent())
}

func TestRecorderAttachConsumesConversationChannels(t *testing.T) {
	logger := zaptest.NewLogger(t)

	b, err := bus.NewBus().WithLogger(logger).Build()
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Stop()

	rec := NewRecorder(logger, 16)
	require.NoError(t, rec.Attach(context.Background(), b))
	defer rec.Detach(context.Background(), b)

	require.NoError(t, b.Publish(context.Background(), auditEnvelope("c1")))

	// Recipient-scoped channels are not part of the audit trail.
	userEnv := event.NewEnvelope(
		event.KindMessageSent,
		event.UserChannel("u1", event.CategoryMessages),
		"conversation.c1.message.sent",
		nil,
	)
	require.NoError(t, b.Publish(context.Background(), userEnv))

	require.Eventually(t, func() bool {
		return len(rec.Recent()) == 1
	}, time.Second, 5*time.Millisecond)

	entries := rec.Recent()
	assert.Equal(t, "conversation/c1/message/sent", entries[0].Channel)
}

func TestRecorderDetachStopsRecording(t *testing.T) {
	logger := zaptest.NewLogger(t)

	b, err := bus.NewBus().WithLogger(logger).Build()
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Stop()

	rec := NewRecorder(logger, 16)
	require.NoError(t, rec.Attach(context.Background(), b))
	require.NoError(t, rec.Detach(context.Background(), b))

	require.NoError(t, b.PublishSync(context.Background(), auditEnvelope("c1")))
	assert.Empty(t, rec.Recent())
}
