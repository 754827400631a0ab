// Package typing tracks who is typing in the selected room and emits the
// local user's own typing signals.
package typing

import (
	"carrot/internal/clock"
	"carrot/internal/models"
	"carrot/internal/ws"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const DefaultStopAfter = 2 * time.Second

// Sender publishes a payload to a destination.
type Sender interface {
	Send(destination string, payload any) error
}

type Config struct {
	Self      models.User
	StopAfter time.Duration
	Clock     clock.Clock
	Sender    Sender
	// OnDisplay receives the display text after every change of the
	// selected room's typing mapping.
	OnDisplay func(text string)
	Logger    *slog.Logger
}

// Entry is one remote user currently typing.
type Entry struct {
	UserID   models.UserID
	Username string
}

type localState int

const (
	idle localState = iota
	active
)

type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	room  models.RoomID
	state localState
	timer clock.Timer
	gen   uint64

	remote map[models.RoomID][]Entry
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.StopAfter <= 0 {
		cfg.StopAfter = DefaultStopAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.OnDisplay == nil {
		cfg.OnDisplay = func(string) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg,
		log:    logger.With("component", "typing"),
		remote: make(map[models.RoomID][]Entry),
	}
}

// Active reports whether the local user is marked as typing.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == active
}

// OnLocalInput handles one debounced composer change. Non-empty text starts
// typing or re-arms the stop timer.
func (c *Coordinator) OnLocalInput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.room == 0 || strings.TrimSpace(text) == "" {
		return
	}
	if c.state == idle {
		c.state = active
		c.emit(c.room, true)
	}
	c.arm()
}

// OnSend ends local typing after a message was sent.
func (c *Coordinator) OnSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop()
}

// OnRoomChange stops local typing in the old room and forgets every remote
// entry.
func (c *Coordinator) OnRoomChange(room models.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stop()
	c.room = room
	clear(c.remote)
	c.cfg.OnDisplay("")
}

// Apply records a remote typing signal. Signals from the local user are
// ignored. A start without a matching stop stays until the room changes.
func (c *Coordinator) Apply(sig models.TypingSignal) {
	if sig.UserID == c.cfg.Self.ID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.remote[sig.RoomID]
	idx := -1
	for i, e := range entries {
		if e.UserID == sig.UserID {
			idx = i
			break
		}
	}

	switch {
	case sig.IsTyping && idx < 0:
		entries = append(entries, Entry{UserID: sig.UserID, Username: sig.Username})
	case sig.IsTyping:
		entries[idx].Username = sig.Username
	case idx >= 0:
		entries = append(entries[:idx], entries[idx+1:]...)
	default:
		return
	}

	if len(entries) == 0 {
		delete(c.remote, sig.RoomID)
	} else {
		c.remote[sig.RoomID] = entries
	}
	if sig.RoomID == c.room {
		c.cfg.OnDisplay(displayText(entries))
	}
}

// Typing returns the remote entries for room.
func (c *Coordinator) Typing(room models.RoomID) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.remote[room]...)
}

// DisplayText describes who is typing in the selected room.
func (c *Coordinator) DisplayText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return displayText(c.remote[c.room])
}

// Close cancels the stop timer without emitting.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = idle
}

func displayText(entries []Entry) string {
	switch len(entries) {
	case 0:
		return ""
	case 1:
		return entries[0].Username + " is typing..."
	case 2:
		return entries[0].Username + ", " + entries[1].Username + " are typing..."
	}
	return fmt.Sprintf("%s, %s and %d more are typing...",
		entries[0].Username, entries[1].Username, len(entries)-2)
}

// arm (re)starts the stop timer. Must be called with mu held.
func (c *Coordinator) arm() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = c.cfg.Clock.AfterFunc(c.cfg.StopAfter, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			return
		}
		c.timer = nil
		c.stop()
	})
}

// stop moves to idle, emitting a stop signal if typing was active. Must be
// called with mu held.
func (c *Coordinator) stop() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.state != active {
		return
	}
	c.state = idle
	c.emit(c.room, false)
}

func (c *Coordinator) emit(room models.RoomID, typing bool) {
	if c.cfg.Sender == nil {
		return
	}
	sig := models.TypingSignal{
		RoomID:   room,
		UserID:   c.cfg.Self.ID,
		Username: c.cfg.Self.Username,
		IsTyping: typing,
	}
	if err := c.cfg.Sender.Send(ws.TypingDestination(room), sig); err != nil {
		c.log.Warn("typing signal dropped", "room_id", room, "typing", typing, "error", err)
	}
}
