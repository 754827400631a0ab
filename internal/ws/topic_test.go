package ws

import (
	"carrot/internal/models"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicDestination(t *testing.T) {
	tests := []struct {
		topic Topic
		want  string
	}{
		{TopicPresence, "/topic/user-status"},
		{RoomMessages(42), "/topic/chatroom/42"},
		{RoomTyping(42), "/topic/chatroom/42/typing"},
		{Topic("bogus"), ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.topic), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.topic.Destination())
		})
	}

	assert.Equal(t, "/app/chat.sendMessage/3", SendMessageDestination(3))
	assert.Equal(t, "/app/chat.typing/3", TypingDestination(3))
}

func TestTopicRoomID(t *testing.T) {
	id, ok := RoomTyping(17).RoomID()
	assert.True(t, ok)
	assert.Equal(t, models.RoomID(17), id)

	id, ok = RoomMessages(8).RoomID()
	assert.True(t, ok)
	assert.Equal(t, models.RoomID(8), id)

	_, ok = TopicPresence.RoomID()
	assert.False(t, ok)

	_, ok = Topic("room-typing:abc").RoomID()
	assert.False(t, ok)
}

func TestTopicDecode(t *testing.T) {
	p, err := TopicPresence.decode([]byte(`{"userId":4,"username":"dee","status":"AWAY","timestamp":"T1"}`))
	require.NoError(t, err)
	assert.Equal(t, models.PresenceSignal{UserID: 4, Username: "dee", Status: models.PresenceAway, Timestamp: "T1"}, p)

	m, err := RoomMessages(1).decode([]byte(`{"id":9,"chatRoomId":1,"senderId":4,"senderUsername":"dee","content":"hey","type":"CHAT","sentAt":"T2","isEdited":true}`))
	require.NoError(t, err)
	msg := m.(models.ChatMessage)
	assert.Equal(t, models.MessageID(9), msg.ID)
	assert.True(t, msg.Edited)
	assert.Equal(t, "dee", msg.Message().Sender.Username)

	_, err = RoomTyping(1).decode([]byte(`{"isTyping":"yes"}`))
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, RoomTyping(1), de.Topic)
}
