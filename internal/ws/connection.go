package ws

import (
	"carrot/internal/clock"
	"carrot/internal/stomp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const DefaultReconnectDelay = 5 * time.Second

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoCredential = errors.New("no credential")
)

// TransportError wraps a failure of the underlying channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Conn is the subset of *websocket.Conn the connection needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// CredentialProvider supplies the bearer token. It is consulted before every
// connect attempt; an empty token suppresses the attempt.
type CredentialProvider interface {
	Token() (string, error)
}

// GorillaDialer adapts a gorilla dialer. A nil dialer means websocket.DefaultDialer.
func GorillaDialer(d *websocket.Dialer) DialFunc {
	if d == nil {
		d = websocket.DefaultDialer
	}
	return func(ctx context.Context, url string, header http.Header) (Conn, error) {
		conn, resp, err := d.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
			}
			return nil, err
		}
		return conn, nil
	}
}

type Config struct {
	URL            string
	ReconnectDelay time.Duration
	Dial           DialFunc
	Credentials    CredentialProvider
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Connection owns the single STOMP-over-WebSocket channel to the server.
// It reconnects forever with a constant delay until Disconnect is called.
type Connection struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	state        State
	conn         Conn
	cancel       context.CancelFunc
	handlers     map[string]func([]byte)
	onConnect    []func()
	onDisconnect []func()

	writeMu sync.Mutex
}

func NewConnection(cfg Config) *Connection {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dial == nil {
		cfg.Dial = GorillaDialer(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Connection{
		cfg:      cfg,
		log:      logger.With("component", "transport"),
		handlers: make(map[string]func([]byte)),
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnConnect registers a hook run after every successful (re)connect.
func (c *Connection) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers a hook run whenever an established connection is
// lost or closed. All transport subscriptions are gone by then.
func (c *Connection) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Connect starts the connection loop. It is a no-op unless the connection
// is Disconnected and a credential is available.
func (c *Connection) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisconnected {
		return
	}
	if _, err := c.token(); err != nil {
		c.log.Info("not connecting", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateConnecting
	go c.run(ctx)
}

// Disconnect tears down every transport subscription and closes the
// channel. It is idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.cancel()
	conn := c.conn
	wasConnected := c.state == StateConnected
	ids := make([]string, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	c.handlers = make(map[string]func([]byte))
	c.conn = nil
	c.state = StateDisconnected
	hooks := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()

	if conn != nil {
		if wasConnected {
			for _, id := range ids {
				_ = c.write(conn, frame.New(frame.UNSUBSCRIBE, frame.Id, id))
			}
			_ = c.write(conn, frame.New(frame.DISCONNECT))
		}
		if err := conn.Close(); err != nil {
			c.log.Debug("close failed", "error", err)
		}
	}

	if wasConnected {
		for _, h := range hooks {
			h()
		}
	}
	c.log.Info("disconnected")
}

// Send serializes payload as JSON and publishes it to destination.
// It returns ErrNotConnected when the connection is not established.
func (c *Connection) Send(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateConnected {
		c.log.Warn("dropping send", "destination", destination, "state", state)
		return ErrNotConnected
	}

	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	if err := c.write(conn, f); err != nil {
		c.log.Error("send failed", "destination", destination, "error", err)
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Subscribe opens a transport subscription and returns its id. Frames
// delivered to it are passed to handler on the read goroutine, in order.
func (c *Connection) Subscribe(destination string, handler func([]byte)) (string, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	id := uuid.NewString()
	c.handlers[id] = handler
	conn := c.conn
	c.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
	if err := c.write(conn, f); err != nil {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
		_ = conn.Close()
		return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	c.log.Debug("subscribed", "destination", destination, "id", id)
	return id, nil
}

// Unsubscribe closes a transport subscription. Unknown ids are ignored;
// ids from before a reconnect are already gone.
func (c *Connection) Unsubscribe(id string) error {
	c.mu.Lock()
	if _, ok := c.handlers[id]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.handlers, id)
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateConnected {
		return nil
	}
	return c.write(conn, frame.New(frame.UNSUBSCRIBE, frame.Id, id))
}

func (c *Connection) run(ctx context.Context) {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrNoCredential) {
			c.log.Warn("credential gone, giving up", "error", err)
			c.stop(ctx)
			return
		}

		c.log.Warn("connection lost", "error", err, "retry_in", c.cfg.ReconnectDelay)
		c.dropped(ctx)

		if !c.wait(ctx) {
			return
		}
	}
}

// session runs one connection attempt: dial, handshake, then read until
// the channel fails.
func (c *Connection) session(ctx context.Context) error {
	token, err := c.token()
	if err != nil {
		return err
	}

	target, err := withToken(c.cfg.URL, token)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, err := c.cfg.Dial(ctx, target, header)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.handshake(conn, token); err != nil {
		return err
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return ctx.Err()
	}
	c.state = StateConnected
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	c.log.Info("connected", "url", c.cfg.URL)
	for _, h := range hooks {
		h()
	}

	return c.readLoop(conn)
}

func (c *Connection) handshake(conn Conn, token string) error {
	host := ""
	if u, err := url.Parse(c.cfg.URL); err == nil {
		host = u.Hostname()
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, "0,0",
		stomp.HeaderAuthorization, "Bearer "+token,
	)
	if err := c.write(conn, connect); err != nil {
		return &TransportError{Op: "handshake", Err: err}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &TransportError{Op: "handshake", Err: err}
		}
		f, err := stomp.Unmarshal(data)
		if err != nil {
			if errors.Is(err, stomp.ErrEmptyFrame) {
				continue
			}
			return &TransportError{Op: "handshake", Err: err}
		}
		switch f.Command {
		case frame.CONNECTED:
			return nil
		case frame.ERROR:
			return &TransportError{Op: "handshake", Err: brokerError(f)}
		default:
			return &TransportError{Op: "handshake", Err: fmt.Errorf("unexpected %s frame", f.Command)}
		}
	}
}

func (c *Connection) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}

		f, err := stomp.Unmarshal(data)
		if err != nil {
			if !errors.Is(err, stomp.ErrEmptyFrame) {
				c.log.Warn("dropping malformed frame", "error", err)
			}
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			c.mu.Lock()
			h := c.handlers[f.Header.Get(frame.Subscription)]
			c.mu.Unlock()
			if h != nil {
				h(f.Body)
			}
		case frame.ERROR:
			return &TransportError{Op: "read", Err: brokerError(f)}
		case frame.RECEIPT:
		default:
			c.log.Debug("ignoring frame", "command", f.Command)
		}
	}
}

// dropped resets the connection to Connecting after a transport failure.
func (c *Connection) dropped(ctx context.Context) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	wasConnected := c.state == StateConnected
	c.handlers = make(map[string]func([]byte))
	c.state = StateConnecting
	hooks := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()

	if wasConnected {
		for _, h := range hooks {
			h()
		}
	}
}

// stop ends the loop from inside it, leaving the connection Disconnected.
func (c *Connection) stop(ctx context.Context) {
	c.dropped(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	c.cancel()
	c.state = StateDisconnected
}

func (c *Connection) wait(ctx context.Context) bool {
	fired := make(chan struct{})
	t := c.cfg.Clock.AfterFunc(c.cfg.ReconnectDelay, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

func (c *Connection) token() (string, error) {
	if c.cfg.Credentials == nil {
		return "", ErrNoCredential
	}
	token, err := c.cfg.Credentials.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

func (c *Connection) write(conn Conn, f *frame.Frame) error {
	data, err := stomp.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func brokerError(f *frame.Frame) error {
	msg := f.Header.Get(frame.Message)
	if msg == "" {
		msg = string(f.Body)
	}
	return fmt.Errorf("broker error: %s", msg)
}
