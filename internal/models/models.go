package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
)

type (
	RoomID    int64
	UserID    int64
	MessageID int64
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "ONLINE"
	PresenceOffline PresenceStatus = "OFFLINE"
	PresenceAway    PresenceStatus = "AWAY"
	PresenceBusy    PresenceStatus = "BUSY"
)

// Valid reports whether s is one of the statuses the server broadcasts.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceOffline, PresenceAway, PresenceBusy:
		return true
	}
	return false
}

// User represents a user as returned by the user service.
type User struct {
	ID         UserID         `json:"id"`
	Username   string         `json:"username"`
	Email      string         `json:"email,omitempty"`
	FullName   string         `json:"fullName,omitempty"`
	AvatarURL  string         `json:"avatarUrl,omitempty"`
	Status     PresenceStatus `json:"status"`
	CreatedAt  string         `json:"createdAt,omitempty"`
	LastSeenAt string         `json:"lastSeenAt,omitempty"`
}

// DisplayName is the full name when present, the username otherwise.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

type RoomType string

const (
	RoomTypePrivate RoomType = "PRIVATE"
	RoomTypeGroup   RoomType = "GROUP"
	RoomTypeChannel RoomType = "CHANNEL"
)

// Room represents a chat room in the room list.
type Room struct {
	ID               RoomID   `json:"id"`
	Name             string   `json:"name"`
	Type             RoomType `json:"type"`
	Description      string   `json:"description,omitempty"`
	ImageURL         string   `json:"imageUrl,omitempty"`
	CreatedAt        string   `json:"createdAt,omitempty"`
	UpdatedAt        string   `json:"updatedAt,omitempty"`
	CreatedBy        *User    `json:"createdBy,omitempty"`
	Participants     []User   `json:"participants"`
	LastMessage      *Message `json:"lastMessage,omitempty"`
	ParticipantCount int      `json:"participantCount"`
	UnreadCount      int      `json:"unreadCount"`
}

type MessageKind string

const (
	MessageKindChat   MessageKind = "CHAT"
	MessageKindImage  MessageKind = "IMAGE"
	MessageKindFile   MessageKind = "FILE"
	MessageKindSystem MessageKind = "SYSTEM"
)

// Message represents a chat message held in a room's buffer.
type Message struct {
	ID       MessageID   `json:"id"`
	RoomID   RoomID      `json:"chatRoomId"`
	Sender   User        `json:"sender"`
	Content  string      `json:"content"`
	Kind     MessageKind `json:"type"`
	SentAt   string      `json:"sentAt"`
	EditedAt string      `json:"editedAt,omitempty"`
	Edited   bool        `json:"isEdited"`
}

// ChatMessage is the body of a frame on a room's message topic.
type ChatMessage struct {
	ID              MessageID   `json:"id"`
	RoomID          RoomID      `json:"chatRoomId"`
	SenderID        UserID      `json:"senderId"`
	SenderUsername  string      `json:"senderUsername"`
	SenderAvatarURL string      `json:"senderAvatarUrl,omitempty"`
	Content         string      `json:"content"`
	Kind            MessageKind `json:"type"`
	SentAt          string      `json:"sentAt"`
	Edited          bool        `json:"isEdited"`
}

// Message converts the wire shape into the buffer shape.
func (m ChatMessage) Message() Message {
	return Message{
		ID:     m.ID,
		RoomID: m.RoomID,
		Sender: User{
			ID:        m.SenderID,
			Username:  m.SenderUsername,
			AvatarURL: m.SenderAvatarURL,
		},
		Content: m.Content,
		Kind:    m.Kind,
		SentAt:  m.SentAt,
		Edited:  m.Edited,
	}
}

// TypingSignal is the body of a frame on a room's typing topic, and the
// payload sent to the typing destination.
type TypingSignal struct {
	RoomID   RoomID `json:"chatRoomId"`
	UserID   UserID `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceSignal is the body of a frame on the presence topic.
type PresenceSignal struct {
	UserID    UserID         `json:"userId"`
	Username  string         `json:"username"`
	Status    PresenceStatus `json:"status"`
	Timestamp string         `json:"timestamp"`
}

// MessageSend is the payload sent to a room's send destination.
type MessageSend struct {
	RoomID  RoomID      `json:"chatRoomId"`
	Content string      `json:"content"`
	Kind    MessageKind `json:"type"`
}

// GroupCreate is the request body for creating a group room.
type GroupCreate struct {
	Name           string   `json:"name"`
	Type           RoomType `json:"type"`
	Description    string   `json:"description,omitempty"`
	ImageURL       string   `json:"imageUrl,omitempty"`
	ParticipantIDs []UserID `json:"participantIds,omitempty"`
}

// PrivateCreate is the request body for creating or fetching a private room.
type PrivateCreate struct {
	RecipientID UserID `json:"recipientId"`
}

// LoginRequest is the request body of the login endpoint.
type LoginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail"`
	Password        string `json:"password"`
}

// Session is what the client keeps after a successful login.
type Session struct {
	Token     string `json:"token"`
	TokenType string `json:"tokenType"`
	User      User   `json:"user"`
}
