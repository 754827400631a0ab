package ws

import (
	"carrot/internal/clock"
	"carrot/internal/models"
	"carrot/internal/stomp"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	in        chan []byte
	out       chan *frame.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		in:     make(chan []byte, 16),
		out:    make(chan *frame.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.in:
		return websocket.TextMessage, data, nil
	case <-m.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-m.closed:
		return errors.New("connection closed")
	default:
	}
	f, err := stomp.Unmarshal(data)
	if err != nil {
		return err
	}
	m.out <- f
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// push sends a server frame to the client.
func (m *mockConn) push(t *testing.T, f *frame.Frame) {
	t.Helper()
	data, err := stomp.Marshal(f)
	require.NoError(t, err)
	m.in <- data
}

func (m *mockConn) expect(t *testing.T, command string) *frame.Frame {
	t.Helper()
	select {
	case f := <-m.out:
		require.Equal(t, command, f.Command, "unexpected frame %+v", f)
		return f
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s frame", command)
		return nil
	}
}

// accept completes the STOMP handshake.
func (m *mockConn) accept(t *testing.T) *frame.Frame {
	t.Helper()
	f := m.expect(t, frame.CONNECT)
	m.push(t, frame.New(frame.CONNECTED, frame.Version, "1.2"))
	return f
}

type staticToken string

func (s staticToken) Token() (string, error) {
	return string(s), nil
}

type mockDialer struct {
	mu      sync.Mutex
	conns   chan *mockConn
	errs    chan error
	urls    []string
	headers []http.Header
}

func newMockDialer() *mockDialer {
	return &mockDialer{
		conns: make(chan *mockConn, 8),
		errs:  make(chan error, 8),
	}
}

func (d *mockDialer) dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header)
	d.mu.Unlock()

	select {
	case err := <-d.errs:
		return nil, err
	default:
	}
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *mockDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func newTestConnection(d *mockDialer, clk clock.Clock, token string) *Connection {
	return NewConnection(Config{
		URL:            "ws://chat.local/ws",
		ReconnectDelay: 5 * time.Second,
		Dial:           d.dial,
		Credentials:    staticToken(token),
		Clock:          clk,
	})
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		time.Second, 5*time.Millisecond, "state never became %s", want)
}

func TestConnection_Lifecycle(t *testing.T) {
	d := newMockDialer()
	conn := newMockConn()
	d.conns <- conn

	c := newTestConnection(d, clock.Real(), "secret")
	var connects atomic.Int32
	c.OnConnect(func() { connects.Add(1) })

	c.Connect(context.Background())
	assert.Equal(t, StateConnecting, c.State())

	connect := conn.accept(t)
	assert.Equal(t, "Bearer secret", connect.Header.Get(stomp.HeaderAuthorization))
	assert.Equal(t, "chat.local", connect.Header.Get(frame.Host))
	waitState(t, c, StateConnected)
	assert.Equal(t, int32(1), connects.Load())

	d.mu.Lock()
	require.Len(t, d.urls, 1)
	assert.Equal(t, "ws://chat.local/ws?token=secret", d.urls[0])
	assert.Equal(t, "Bearer secret", d.headers[0].Get("Authorization"))
	d.mu.Unlock()

	// Connect while connected is a no-op.
	c.Connect(context.Background())
	assert.Equal(t, 1, d.attempts())

	// Subscribe and receive.
	got := make(chan []byte, 1)
	id, err := c.Subscribe("/topic/chatroom/42", func(body []byte) { got <- body })
	require.NoError(t, err)
	sub := conn.expect(t, frame.SUBSCRIBE)
	assert.Equal(t, id, sub.Header.Get(frame.Id))
	assert.Equal(t, "/topic/chatroom/42", sub.Header.Get(frame.Destination))

	msg := frame.New(frame.MESSAGE, frame.Subscription, id)
	msg.Body = []byte(`{"id":1}`)
	conn.push(t, msg)
	select {
	case body := <-got:
		assert.JSONEq(t, `{"id":1}`, string(body))
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	// Send.
	require.NoError(t, c.Send("/app/chat.sendMessage/42", map[string]string{"content": "hi"}))
	send := conn.expect(t, frame.SEND)
	assert.Equal(t, "/app/chat.sendMessage/42", send.Header.Get(frame.Destination))
	assert.Equal(t, "application/json", send.Header.Get(frame.ContentType))
	assert.JSONEq(t, `{"content":"hi"}`, string(send.Body))

	// Disconnect tears down subscriptions and closes the channel.
	var disconnects atomic.Int32
	c.OnDisconnect(func() { disconnects.Add(1) })
	c.Disconnect()
	unsub := conn.expect(t, frame.UNSUBSCRIBE)
	assert.Equal(t, id, unsub.Header.Get(frame.Id))
	conn.expect(t, frame.DISCONNECT)
	assert.True(t, conn.isClosed())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(1), disconnects.Load())

	// Idempotent.
	c.Disconnect()
	assert.Equal(t, int32(1), disconnects.Load())
}

func TestConnection_NoCredential(t *testing.T) {
	d := newMockDialer()
	c := newTestConnection(d, clock.Real(), "")

	c.Connect(context.Background())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, d.attempts())
}

func TestConnection_NotConnected(t *testing.T) {
	d := newMockDialer()
	c := newTestConnection(d, clock.Real(), "secret")

	err := c.Send("/app/chat.typing/1", models.TypingSignal{RoomID: 1})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Subscribe("/topic/user-status", func([]byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.NoError(t, c.Unsubscribe("unknown"))
}

func TestConnection_ReconnectAfterDrop(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	d := newMockDialer()
	first, second := newMockConn(), newMockConn()
	d.conns <- first
	d.conns <- second

	c := newTestConnection(d, clk, "secret")
	var connects, disconnects atomic.Int32
	c.OnConnect(func() { connects.Add(1) })
	c.OnDisconnect(func() { disconnects.Add(1) })

	c.Connect(context.Background())
	first.accept(t)
	waitState(t, c, StateConnected)

	stale, err := c.Subscribe("/topic/chatroom/1", func([]byte) {})
	require.NoError(t, err)
	first.expect(t, frame.SUBSCRIBE)

	// Server goes away.
	require.NoError(t, first.Close())
	waitState(t, c, StateConnecting)
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())

	assert.ErrorIs(t, c.Send("/app/x", "y"), ErrNotConnected)

	// Constant delay: nothing before 5s.
	clk.Advance(4 * time.Second)
	assert.Equal(t, 1, d.attempts())

	clk.Advance(time.Second)
	second.accept(t)
	waitState(t, c, StateConnected)
	assert.Equal(t, int32(2), connects.Load())
	assert.Equal(t, 2, d.attempts())

	// Subscriptions from the previous channel are gone.
	require.NoError(t, c.Unsubscribe(stale))
	select {
	case f := <-second.out:
		t.Fatalf("unexpected frame on new channel: %+v", f)
	default:
	}

	c.Disconnect()
}

func TestConnection_DialFailureRetriesForever(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	d := newMockDialer()
	for i := 0; i < 3; i++ {
		d.errs <- errors.New("connection refused")
	}
	conn := newMockConn()
	d.conns <- conn

	c := newTestConnection(d, clk, "secret")
	c.Connect(context.Background())

	for i := 1; i <= 3; i++ {
		require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, StateConnecting, c.State())
		assert.Equal(t, i, d.attempts())
		clk.Advance(5 * time.Second)
	}

	conn.accept(t)
	waitState(t, c, StateConnected)
	c.Disconnect()
}

func TestConnection_BrokerErrorDropsConnection(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	d := newMockDialer()
	conn := newMockConn()
	d.conns <- conn

	c := newTestConnection(d, clk, "secret")
	c.Connect(context.Background())
	conn.accept(t)
	waitState(t, c, StateConnected)

	conn.push(t, frame.New(frame.ERROR, frame.Message, "session expired"))
	waitState(t, c, StateConnecting)
	assert.True(t, conn.isClosed())

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnection_DisconnectWhileReconnecting(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	d := newMockDialer()
	d.errs <- errors.New("boom")

	c := newTestConnection(d, clk, "secret")
	c.Connect(context.Background())
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	require.Eventually(t, func() bool { return clk.Pending() == 0 }, time.Second, 5*time.Millisecond)

	clk.Advance(time.Minute)
	assert.Equal(t, 1, d.attempts())
}

func TestConnection_GorillaRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	sent := make(chan *frame.Frame, 4)
	var gotToken atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.URL.Query().Get("token"))
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()

		write := func(f *frame.Frame) error {
			data, err := stomp.Marshal(f)
			if err != nil {
				return err
			}
			return ws.WriteMessage(websocket.TextMessage, data)
		}

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := stomp.Unmarshal(data)
			if err != nil {
				return
			}
			switch f.Command {
			case frame.CONNECT:
				_ = write(frame.New(frame.CONNECTED, frame.Version, "1.2"))
			case frame.SUBSCRIBE:
				if f.Header.Get(frame.Destination) != "/topic/chatroom/42" {
					continue
				}
				body, _ := json.Marshal(models.ChatMessage{ID: 1, RoomID: 42, SenderID: 7, Content: "hi", Kind: models.MessageKindChat, SentAt: "T0"})
				msg := frame.New(frame.MESSAGE,
					frame.Subscription, f.Header.Get(frame.Id),
					frame.Destination, "/topic/chatroom/42",
				)
				msg.Body = body
				_ = write(msg)
			case frame.SEND:
				sent <- f
			case frame.DISCONNECT:
				return
			}
		}
	}))
	defer srv.Close()

	c := NewConnection(Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Credentials: staticToken("tok"),
	})
	m := NewMultiplexer(c, nil)

	c.Connect(context.Background())
	defer c.Disconnect()
	waitState(t, c, StateConnected)
	assert.Equal(t, "tok", gotToken.Load())
	require.Eventually(t, func() bool { return m.Subscribed(TopicPresence) }, time.Second, 5*time.Millisecond)

	events := make(chan Event, 1)
	stop := m.StreamFor(RoomMessages(42)).Listen(func(ev Event) { events <- ev })
	defer stop()
	m.Activate(RoomMessages(42))

	select {
	case ev := <-events:
		msg, ok := ev.Payload.(models.ChatMessage)
		require.True(t, ok, "payload %T", ev.Payload)
		assert.Equal(t, models.MessageID(1), msg.ID)
		assert.Equal(t, "hi", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	require.NoError(t, c.Send(SendMessageDestination(42), models.MessageSend{RoomID: 42, Content: "yo", Kind: models.MessageKindChat}))
	select {
	case f := <-sent:
		assert.Equal(t, "/app/chat.sendMessage/42", f.Header.Get(frame.Destination))
		assert.JSONEq(t, `{"chatRoomId":42,"content":"yo","type":"CHAT"}`, string(f.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive SEND")
	}
}
