package ws

import (
	"carrot/internal/models"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Topic names a logical channel over the shared connection.
type Topic string

const TopicPresence Topic = "presence"

const (
	roomMessagesPrefix = "room-messages:"
	roomTypingPrefix   = "room-typing:"
)

func RoomMessages(id models.RoomID) Topic {
	return Topic(roomMessagesPrefix + strconv.FormatInt(int64(id), 10))
}

func RoomTyping(id models.RoomID) Topic {
	return Topic(roomTypingPrefix + strconv.FormatInt(int64(id), 10))
}

// RoomID returns the room a room-scoped topic belongs to.
func (t Topic) RoomID() (models.RoomID, bool) {
	s := string(t)
	for _, prefix := range []string{roomMessagesPrefix, roomTypingPrefix} {
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			id, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				return 0, false
			}
			return models.RoomID(id), true
		}
	}
	return 0, false
}

// Destination maps the topic onto the broker destination.
func (t Topic) Destination() string {
	s := string(t)
	switch {
	case t == TopicPresence:
		return "/topic/user-status"
	case strings.HasPrefix(s, roomMessagesPrefix):
		return "/topic/chatroom/" + strings.TrimPrefix(s, roomMessagesPrefix)
	case strings.HasPrefix(s, roomTypingPrefix):
		return "/topic/chatroom/" + strings.TrimPrefix(s, roomTypingPrefix) + "/typing"
	}
	return ""
}

// DecodeError means a frame body did not match the topic's shape.
type DecodeError struct {
	Topic Topic
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s frame: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// decode turns a frame body into models.ChatMessage, models.TypingSignal or
// models.PresenceSignal depending on the topic.
func (t Topic) decode(body []byte) (any, error) {
	s := string(t)
	switch {
	case t == TopicPresence:
		var p models.PresenceSignal
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, &DecodeError{Topic: t, Err: err}
		}
		return p, nil
	case strings.HasPrefix(s, roomMessagesPrefix):
		var m models.ChatMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, &DecodeError{Topic: t, Err: err}
		}
		return m, nil
	case strings.HasPrefix(s, roomTypingPrefix):
		var ts models.TypingSignal
		if err := json.Unmarshal(body, &ts); err != nil {
			return nil, &DecodeError{Topic: t, Err: err}
		}
		return ts, nil
	}
	return nil, &DecodeError{Topic: t, Err: fmt.Errorf("unknown topic")}
}

// Destinations for outbound frames.

func SendMessageDestination(id models.RoomID) string {
	return "/app/chat.sendMessage/" + strconv.FormatInt(int64(id), 10)
}

func TypingDestination(id models.RoomID) string {
	return "/app/chat.typing/" + strconv.FormatInt(int64(id), 10)
}
