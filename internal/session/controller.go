// Package session keeps the chat state in step with room selection, user
// actions and inbound frames.
package session

import (
	"carrot/internal/chat"
	"carrot/internal/clock"
	"carrot/internal/content"
	"carrot/internal/models"
	"carrot/internal/typing"
	"carrot/internal/ws"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultPageSize = 50
	inboxSize       = 256
)

var (
	ErrNoRoomSelected = errors.New("no room selected")
	ErrEmptyRoomName  = errors.New("room name is empty")
	ErrClosed         = errors.New("session closed")
)

// Transport is the shared connection.
type Transport interface {
	Connect(ctx context.Context)
	Disconnect()
	Send(destination string, payload any) error
}

// Topics hands out topic streams and tracks interest in them.
type Topics interface {
	StreamFor(topic ws.Topic) *ws.Stream
	Activate(topic ws.Topic) *ws.Stream
	Deactivate(topic ws.Topic)
}

// Service is the request/response side of the chat server.
type Service interface {
	Rooms(ctx context.Context) ([]models.Room, error)
	Room(ctx context.Context, id models.RoomID) (models.Room, error)
	RecentMessages(ctx context.Context, room models.RoomID, limit int) ([]models.Message, error)
	OnlineUsers(ctx context.Context) ([]models.User, error)
	Users(ctx context.Context) ([]models.User, error)
	User(ctx context.Context, id models.UserID) (models.User, error)
	OpenPrivate(ctx context.Context, recipient models.UserID) (models.Room, error)
	CreateGroup(ctx context.Context, req models.GroupCreate) (models.Room, error)
	LeaveRoom(ctx context.Context, id models.RoomID) error
}

type Config struct {
	Self      models.User
	Transport Transport
	Topics    Topics
	Service   Service
	State     *chat.State

	PageSize       int
	TypingDebounce time.Duration
	TypingStop     time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Controller is the single writer of the chat state. Every mutation runs on
// its own goroutine, fed by an inbox; public methods wait for their turn.
type Controller struct {
	cfg    Config
	log    *slog.Logger
	state  *chat.State
	typing *typing.Coordinator
	input  *typing.Debouncer[draft]

	ctx    context.Context
	cancel context.CancelFunc

	inbox     chan func()
	done      chan struct{}
	closeOnce sync.Once

	// owned by the run goroutine
	selected  models.RoomID
	listening map[ws.Topic]func()
	draftGen  uint64
	resolving map[models.UserID]bool
}

// draft is composer text tagged with the generation it was typed in. Sending
// or switching rooms starts a new generation.
type draft struct {
	gen  uint64
	text string
}

func New(cfg Config) *Controller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.State == nil {
		cfg.State = chat.New(chat.Config{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:       cfg,
		log:       logger.With("component", "session"),
		state:     cfg.State,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan func(), inboxSize),
		done:      make(chan struct{}),
		listening: make(map[ws.Topic]func()),
		resolving: make(map[models.UserID]bool),
	}
	c.typing = typing.NewCoordinator(typing.Config{
		Self:      cfg.Self,
		StopAfter: cfg.TypingStop,
		Clock:     cfg.Clock,
		Sender:    cfg.Transport,
		OnDisplay: c.state.SetTypingText,
		Logger:    logger,
	})
	c.input = typing.NewDebouncer(cfg.Clock, cfg.TypingDebounce, func(d draft) {
		c.post(func() {
			if d.gen != c.draftGen {
				return
			}
			c.typing.OnLocalInput(d.text)
		})
	})

	go c.run()
	return c
}

func (c *Controller) State() *chat.State {
	return c.state
}

func (c *Controller) Self() models.User {
	return c.cfg.Self
}

func (c *Controller) run() {
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.done:
			return
		}
	}
}

// post queues fn without waiting for it.
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// do runs fn on the controller goroutine and waits for it.
func (c *Controller) do(fn func()) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	ran := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(ran) }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Start connects, listens for presence and loads the room list and both
// user lists. A failed load is recorded in the state and does not stop the
// others; the joined failures are returned.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.do(func() { c.listen(ws.TopicPresence) }); err != nil {
		return err
	}
	c.cfg.Transport.Connect(c.ctx)

	var (
		mu       sync.Mutex
		failures []error
	)
	load := func(op string, fn func(context.Context) error) func() error {
		return func() error {
			if err := fn(ctx); err != nil {
				c.log.Error("load failed", "op", op, "error", err)
				c.post(func() { c.state.SetLastError(op, err) })
				mu.Lock()
				failures = append(failures, &chat.Failure{Op: op, Err: err})
				mu.Unlock()
			}
			return nil
		}
	}

	var g errgroup.Group
	g.Go(load("load rooms", func(ctx context.Context) error {
		rooms, err := c.cfg.Service.Rooms(ctx)
		if err != nil {
			return err
		}
		c.post(func() { c.state.SetRooms(rooms) })
		return nil
	}))
	g.Go(load("load online users", func(ctx context.Context) error {
		users, err := c.cfg.Service.OnlineUsers(ctx)
		if err != nil {
			return err
		}
		c.post(func() { c.state.SetOnlineUsers(users) })
		return nil
	}))
	g.Go(load("load users", func(ctx context.Context) error {
		users, err := c.cfg.Service.Users(ctx)
		if err != nil {
			return err
		}
		c.post(func() { c.state.SetAllUsers(users) })
		return nil
	}))
	_ = g.Wait()

	// Wait for the posted results to land.
	if err := c.do(func() {}); err != nil {
		return err
	}
	return errors.Join(failures...)
}

// SelectRoom switches the selected room. Selecting the current room does
// nothing. The message page is fetched in the background and discarded if
// the selection has moved on by the time it arrives.
func (c *Controller) SelectRoom(id models.RoomID) error {
	return c.do(func() { c.selectRoom(id) })
}

func (c *Controller) selectRoom(id models.RoomID) {
	if id == c.selected {
		return
	}

	c.release()
	c.typing.OnRoomChange(id)
	c.discardDraft()
	c.selected = id
	c.state.Select(id)
	if id == 0 {
		return
	}

	for _, topic := range []ws.Topic{ws.RoomMessages(id), ws.RoomTyping(id)} {
		c.listen(topic)
		c.cfg.Topics.Activate(topic)
	}

	go c.fetch(id)
}

// release drops interest in the selected room's topics.
func (c *Controller) release() {
	if c.selected == 0 {
		return
	}
	c.cfg.Topics.Deactivate(ws.RoomMessages(c.selected))
	c.cfg.Topics.Deactivate(ws.RoomTyping(c.selected))
}

func (c *Controller) fetch(id models.RoomID) {
	msgs, err := c.cfg.Service.RecentMessages(c.ctx, id, c.cfg.PageSize)
	c.post(func() {
		if c.selected != id {
			c.log.Debug("discarding stale page", "room_id", id, "selected", c.selected)
			return
		}
		if err != nil {
			c.log.Error("failed to load messages", "room_id", id, "error", err)
			c.state.FinishLoading(id)
			c.state.SetLastError("load messages", err)
			return
		}
		c.state.ReplaceMessages(id, msgs)
	})
}

// listen attaches the controller to a topic's stream once; streams outlive
// their subscriptions so the listener stays valid.
func (c *Controller) listen(topic ws.Topic) {
	if _, ok := c.listening[topic]; ok {
		return
	}
	c.listening[topic] = c.cfg.Topics.StreamFor(topic).Listen(func(ev ws.Event) {
		c.post(func() { c.handle(ev) })
	})
}

func (c *Controller) handle(ev ws.Event) {
	switch p := ev.Payload.(type) {
	case models.ChatMessage:
		msg := p.Message()
		if msg.RoomID == 0 {
			msg.RoomID, _ = ev.Topic.RoomID()
		}
		c.state.ApplyMessage(msg)
	case models.TypingSignal:
		if room, ok := ev.Topic.RoomID(); ok {
			p.RoomID = room
		}
		c.typing.Apply(p)
	case models.PresenceSignal:
		if !p.Status.Valid() {
			c.log.Warn("ignoring presence with unknown status", "user_id", p.UserID, "status", p.Status)
			return
		}
		if !c.state.ApplyPresence(p) {
			c.resolveUser(p)
		}
	default:
		c.log.Warn("unexpected event", "topic", ev.Topic, "payload", fmt.Sprintf("%T", ev.Payload))
	}
}

// SendMessage sends text to the selected room. Blank text and a missing
// selection are rejected locally without touching the network.
func (c *Controller) SendMessage(text string) error {
	var result error
	err := c.do(func() {
		body, err := content.NormalizeMessage(text)
		if err != nil {
			result = err
			return
		}
		if c.selected == 0 {
			result = ErrNoRoomSelected
			return
		}

		c.discardDraft()
		payload := models.MessageSend{RoomID: c.selected, Content: body, Kind: models.MessageKindChat}
		if err := c.cfg.Transport.Send(ws.SendMessageDestination(c.selected), payload); err != nil {
			c.log.Warn("message not sent", "room_id", c.selected, "error", err)
			result = err
		}
		c.typing.OnSend()
	})
	if err != nil {
		return err
	}
	return result
}

// OnInput reports a composer change; typing signals follow after the
// debounce window.
func (c *Controller) OnInput(text string) {
	_ = c.do(func() { c.input.Trigger(draft{gen: c.draftGen, text: text}) })
}

// discardDraft drops pending input, including a debounced draft that has
// already been queued.
func (c *Controller) discardDraft() {
	c.draftGen++
	c.input.Stop()
}

// resolveUser adds a user first seen through presence, such as one who
// registered after the user lists were loaded.
func (c *Controller) resolveUser(p models.PresenceSignal) {
	if c.resolving[p.UserID] {
		return
	}
	c.resolving[p.UserID] = true

	go func() {
		u, err := c.cfg.Service.User(c.ctx, p.UserID)
		c.post(func() {
			delete(c.resolving, p.UserID)
			if err != nil {
				c.log.Warn("failed to resolve user", "user_id", p.UserID, "error", err)
				return
			}
			u.Status = p.Status
			c.state.AddUser(u)
		})
	}()
}

// OpenRoom selects id, fetching the room first when it is not in the list,
// such as a group the user was added to after the list was loaded.
func (c *Controller) OpenRoom(ctx context.Context, id models.RoomID) (models.Room, error) {
	if room, ok := c.state.Room(id); ok {
		return room, c.SelectRoom(id)
	}
	room, err := c.cfg.Service.Room(ctx, id)
	if err != nil {
		c.post(func() { c.state.SetLastError("open room", err) })
		return models.Room{}, err
	}
	return c.adopt(room)
}

// OpenPrivateChat opens the private room with user, adding it to the list
// if new, and selects it.
func (c *Controller) OpenPrivateChat(ctx context.Context, user models.UserID) (models.Room, error) {
	room, err := c.cfg.Service.OpenPrivate(ctx, user)
	if err != nil {
		c.post(func() { c.state.SetLastError("open private chat", err) })
		return models.Room{}, err
	}
	return c.adopt(room)
}

// CreateGroup creates a group room and selects it.
func (c *Controller) CreateGroup(ctx context.Context, name, description string, participants []models.UserID) (models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Room{}, ErrEmptyRoomName
	}
	room, err := c.cfg.Service.CreateGroup(ctx, models.GroupCreate{
		Name:           name,
		Type:           models.RoomTypeGroup,
		Description:    strings.TrimSpace(description),
		ParticipantIDs: participants,
	})
	if err != nil {
		c.post(func() { c.state.SetLastError("create group", err) })
		return models.Room{}, err
	}
	return c.adopt(room)
}

func (c *Controller) adopt(room models.Room) (models.Room, error) {
	err := c.do(func() {
		c.state.AddRoom(room)
		c.selectRoom(room.ID)
	})
	return room, err
}

// LeaveRoom leaves the selected room and removes it from the list.
func (c *Controller) LeaveRoom(ctx context.Context) error {
	var id models.RoomID
	if err := c.do(func() { id = c.selected }); err != nil {
		return err
	}
	if id == 0 {
		return ErrNoRoomSelected
	}

	if err := c.cfg.Service.LeaveRoom(ctx, id); err != nil {
		c.post(func() { c.state.SetLastError("leave room", err) })
		return err
	}

	return c.do(func() {
		if c.selected == id {
			c.selectRoom(0)
		}
		c.state.RemoveRoom(id)
	})
}

// Close releases the selected room's topics, disconnects and stops the
// controller. It is idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		_ = c.do(func() {
			c.release()
			c.selected = 0
			c.discardDraft()
			c.typing.Close()
			for topic, cancel := range c.listening {
				cancel()
				delete(c.listening, topic)
			}
			c.cfg.Transport.Disconnect()
		})
		c.cancel()
		close(c.done)
	})
}
