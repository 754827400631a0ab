package chat

import (
	"carrot/internal/models"
	"fmt"
	"slices"
	"strings"
	"sync"
)

const DefaultMaxMessages = 500

// Failure is a tagged error from a call to an external collaborator.
type Failure struct {
	Op  string
	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

type Config struct {
	// MaxMessages caps the selected room's buffer; the oldest messages are
	// dropped first.
	MaxMessages int
	// ChangeCallback runs after every mutation, outside the lock.
	ChangeCallback func()
}

// State is the client's view of rooms, messages and users. Only the session
// controller and the typing coordinator write to it; readers get copies.
type State struct {
	rooms       []models.Room
	selected    models.RoomID
	messages    []models.Message
	loading     bool
	onlineUsers []models.User
	allUsers    []models.User
	typingText  string
	lastError   *Failure

	maxMessages    int
	changeCallback func()

	mux sync.RWMutex
}

func New(config Config) *State {
	if config.MaxMessages <= 0 {
		config.MaxMessages = DefaultMaxMessages
	}
	return &State{
		maxMessages:    config.MaxMessages,
		changeCallback: config.ChangeCallback,
	}
}

func (s *State) changed() {
	if s.changeCallback != nil {
		s.changeCallback()
	}
}

// Rooms

func (s *State) SetRooms(rooms []models.Room) {
	s.mux.Lock()
	s.rooms = slices.Clone(rooms)
	s.mux.Unlock()
	s.changed()
}

func (s *State) Rooms() []models.Room {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return slices.Clone(s.rooms)
}

func (s *State) Room(id models.RoomID) (models.Room, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if i := s.roomIndex(id); i >= 0 {
		return s.rooms[i], true
	}
	return models.Room{}, false
}

// AddRoom puts room at the top of the list unless it is already there.
func (s *State) AddRoom(room models.Room) bool {
	s.mux.Lock()
	if s.roomIndex(room.ID) >= 0 {
		s.mux.Unlock()
		return false
	}
	s.rooms = append([]models.Room{room}, s.rooms...)
	s.mux.Unlock()
	s.changed()
	return true
}

// RemoveRoom drops a room from the list, clearing the selection if it was
// the selected one.
func (s *State) RemoveRoom(id models.RoomID) {
	s.mux.Lock()
	if i := s.roomIndex(id); i >= 0 {
		s.rooms = slices.Delete(s.rooms, i, i+1)
	}
	if s.selected == id {
		s.selected = 0
		s.messages = nil
		s.loading = false
		s.typingText = ""
	}
	s.mux.Unlock()
	s.changed()
}

func (s *State) roomIndex(id models.RoomID) int {
	return slices.IndexFunc(s.rooms, func(r models.Room) bool { return r.ID == id })
}

// Selection and messages

// Select makes id the selected room with an empty buffer in loading state.
func (s *State) Select(id models.RoomID) {
	s.mux.Lock()
	s.selected = id
	s.messages = nil
	s.loading = id != 0
	s.mux.Unlock()
	s.changed()
}

func (s *State) Selected() models.RoomID {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.selected
}

func (s *State) SelectedRoom() (models.Room, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if s.selected == 0 {
		return models.Room{}, false
	}
	if i := s.roomIndex(s.selected); i >= 0 {
		return s.rooms[i], true
	}
	return models.Room{ID: s.selected}, true
}

func (s *State) Loading() bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.loading
}

// ReplaceMessages installs a fetched page for room and ends loading. It
// reports false, leaving the state untouched, when room is no longer
// selected.
func (s *State) ReplaceMessages(room models.RoomID, msgs []models.Message) bool {
	s.mux.Lock()
	if s.selected != room {
		s.mux.Unlock()
		return false
	}
	s.messages = slices.Clone(msgs)
	s.trim()
	s.loading = false
	s.mux.Unlock()
	s.changed()
	return true
}

// FinishLoading ends loading for room without touching the buffer.
func (s *State) FinishLoading(room models.RoomID) {
	s.mux.Lock()
	if s.selected != room {
		s.mux.Unlock()
		return
	}
	s.loading = false
	s.mux.Unlock()
	s.changed()
}

// ApplyMessage reconciles one inbound message. If it belongs to the selected
// room it replaces the buffered message with the same id or is appended.
// The room's last message projection is updated in the same step whether
// or not the room is selected. It reports whether the buffer changed.
func (s *State) ApplyMessage(msg models.Message) bool {
	s.mux.Lock()

	buffered := false
	if msg.RoomID == s.selected && s.selected != 0 {
		if i := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == msg.ID }); i >= 0 {
			s.messages[i] = msg
		} else {
			s.messages = append(s.messages, msg)
			s.trim()
		}
		buffered = true
	}

	if i := s.roomIndex(msg.RoomID); i >= 0 {
		last := s.rooms[i].LastMessage
		// An edit of an older message leaves the preview alone.
		if !msg.Edited || last == nil || last.ID == msg.ID {
			m := msg
			s.rooms[i].LastMessage = &m
		}
	}

	s.mux.Unlock()
	s.changed()
	return buffered
}

func (s *State) Messages() []models.Message {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return slices.Clone(s.messages)
}

func (s *State) trim() {
	if n := len(s.messages) - s.maxMessages; n > 0 {
		s.messages = slices.Delete(s.messages, 0, n)
	}
}

// Users

func (s *State) SetOnlineUsers(users []models.User) {
	s.mux.Lock()
	s.onlineUsers = slices.Clone(users)
	s.mux.Unlock()
	s.changed()
}

func (s *State) SetAllUsers(users []models.User) {
	s.mux.Lock()
	s.allUsers = slices.Clone(users)
	s.mux.Unlock()
	s.changed()
}

func (s *State) OnlineUsers() []models.User {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return slices.Clone(s.onlineUsers)
}

func (s *State) AllUsers() []models.User {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return slices.Clone(s.allUsers)
}

// ApplyPresence sets the status of every cached copy of the user in both
// user collections under one lock, so no reader sees them disagree. It
// reports whether the user was found.
func (s *State) ApplyPresence(sig models.PresenceSignal) bool {
	s.mux.Lock()
	found := false
	for _, users := range [][]models.User{s.onlineUsers, s.allUsers} {
		for i := range users {
			if users[i].ID == sig.UserID {
				users[i].Status = sig.Status
				found = true
			}
		}
	}
	s.mux.Unlock()
	s.changed()
	return found
}

// AddUser adds a user that is not yet known, to the online users as well
// when their status is online.
func (s *State) AddUser(u models.User) {
	s.mux.Lock()
	has := func(users []models.User) bool {
		return slices.ContainsFunc(users, func(x models.User) bool { return x.ID == u.ID })
	}
	if !has(s.allUsers) {
		s.allUsers = append(s.allUsers, u)
	}
	if u.Status == models.PresenceOnline && !has(s.onlineUsers) {
		s.onlineUsers = append(s.onlineUsers, u)
	}
	s.mux.Unlock()
	s.changed()
}

// Typing display and failures

func (s *State) SetTypingText(text string) {
	s.mux.Lock()
	if s.typingText == text {
		s.mux.Unlock()
		return
	}
	s.typingText = text
	s.mux.Unlock()
	s.changed()
}

func (s *State) TypingText() string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.typingText
}

func (s *State) SetLastError(op string, err error) {
	s.mux.Lock()
	s.lastError = &Failure{Op: op, Err: err}
	s.mux.Unlock()
	s.changed()
}

// LastError returns the most recent collaborator failure, or nil.
func (s *State) LastError() *Failure {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.lastError
}

func (s *State) ClearLastError() {
	s.mux.Lock()
	s.lastError = nil
	s.mux.Unlock()
}

// Display helpers

// RoomName is the other participant's name for private rooms and the room
// name otherwise.
func RoomName(room models.Room, self models.UserID) string {
	if room.Type == models.RoomTypePrivate {
		if other, ok := OtherParticipant(room, self); ok {
			return other.DisplayName()
		}
	}
	return room.Name
}

func OtherParticipant(room models.Room, self models.UserID) (models.User, bool) {
	for _, p := range room.Participants {
		if p.ID != self {
			return p, true
		}
	}
	return models.User{}, false
}

// FilterRooms returns the rooms whose display name contains query, ignoring
// case. An empty query returns every room.
func (s *State) FilterRooms(query string, self models.UserID) []models.Room {
	rooms := s.Rooms()
	if query == "" {
		return rooms
	}
	q := strings.ToLower(query)
	return slices.DeleteFunc(rooms, func(r models.Room) bool {
		return !strings.Contains(strings.ToLower(RoomName(r, self)), q)
	})
}

// FilterUsers matches query against username and full name, ignoring case.
func (s *State) FilterUsers(query string) []models.User {
	users := s.AllUsers()
	if query == "" {
		return users
	}
	q := strings.ToLower(query)
	return slices.DeleteFunc(users, func(u models.User) bool {
		return !strings.Contains(strings.ToLower(u.Username), q) &&
			!strings.Contains(strings.ToLower(u.FullName), q)
	})
}

// Initials builds up to two capital letters from a display name.
func Initials(name string) string {
	var b strings.Builder
	for i, w := range strings.Fields(name) {
		if i == 2 {
			break
		}
		b.WriteString(strings.ToUpper(string([]rune(w)[0])))
	}
	return b.String()
}
