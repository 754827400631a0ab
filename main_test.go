package main

import (
	"bytes"
	"carrot/internal/models"
	"carrot/internal/stomp"
	"carrot/internal/storage"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
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

var alice = models.User{ID: 1, Username: "alice", Status: models.PresenceOnline}

// chatServer fakes the REST API and the STOMP broker for one client.
type chatServer struct {
	t   *testing.T
	srv *httptest.Server

	rejectRooms atomic.Bool
	logouts     atomic.Int32

	mu      sync.Mutex
	subs    map[string]string // subscription id -> destination
	conn    *websocket.Conn
	nextMsg models.MessageID
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	s := &chatServer{t: t, subs: make(map[string]string), nextMsg: 100}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req models.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.UsernameOrEmail != "alice" || req.Password != "pw" {
			s.reply(w, http.StatusUnauthorized, false, "Bad credentials", nil)
			return
		}
		s.reply(w, http.StatusOK, true, "", models.Session{Token: "opaque-token", TokenType: "Bearer", User: alice})
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		s.logouts.Add(1)
		s.reply(w, http.StatusOK, true, "", nil)
	})
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, http.StatusOK, true, "", alice)
	})
	mux.HandleFunc("GET /api/chatrooms", func(w http.ResponseWriter, r *http.Request) {
		if s.rejectRooms.Load() {
			s.reply(w, http.StatusUnauthorized, false, "Token expired", nil)
			return
		}
		s.reply(w, http.StatusOK, true, "", []models.Room{{ID: 42, Name: "general", Type: models.RoomTypeGroup}})
	})
	mux.HandleFunc("GET /api/messages/chatroom/42/recent", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, http.StatusOK, true, "", []models.Message{{
			ID: 1, RoomID: 42, Sender: models.User{ID: 2, Username: "bob"},
			Content: "welcome", Kind: models.MessageKindChat, SentAt: "2024-05-01T09:59:00",
		}})
	})
	mux.HandleFunc("GET /api/users", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, http.StatusOK, true, "", []models.User{alice, {ID: 2, Username: "bob"}})
	})
	mux.HandleFunc("GET /api/users/online", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, http.StatusOK, true, "", []models.User{alice})
	})
	mux.HandleFunc("/ws", s.broker)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *chatServer) reply(w http.ResponseWriter, status int, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": success, "message": message, "data": data})
}

func (s *chatServer) broker(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != "opaque-token" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := stomp.Unmarshal(data)
		if err != nil {
			return
		}
		switch f.Command {
		case frame.CONNECT:
			s.write(frame.New(frame.CONNECTED, frame.Version, "1.2"))
		case frame.SUBSCRIBE:
			s.mu.Lock()
			s.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
			s.mu.Unlock()
		case frame.UNSUBSCRIBE:
			s.mu.Lock()
			delete(s.subs, f.Header.Get(frame.Id))
			s.mu.Unlock()
		case frame.SEND:
			if f.Header.Get(frame.Destination) != "/app/chat.sendMessage/42" {
				continue
			}
			var send models.MessageSend
			_ = json.Unmarshal(f.Body, &send)
			s.mu.Lock()
			s.nextMsg++
			id := s.nextMsg
			s.mu.Unlock()
			s.broadcast("/topic/chatroom/42", models.ChatMessage{
				ID: id, RoomID: 42, SenderID: alice.ID, SenderUsername: alice.Username,
				Content: send.Content, Kind: send.Kind, SentAt: "2024-05-01T10:00:00",
			})
		case frame.DISCONNECT:
			return
		}
	}
}

func (s *chatServer) subscribed(destination string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.subs {
		if d == destination {
			return true
		}
	}
	return false
}

func (s *chatServer) broadcast(destination string, payload any) {
	body, err := json.Marshal(payload)
	if !assert.NoError(s.t, err) {
		return
	}

	s.mu.Lock()
	var ids []string
	for id, d := range s.subs {
		if d == destination {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		f := frame.New(frame.MESSAGE, frame.Subscription, id, frame.Destination, destination)
		f.Body = body
		s.write(f)
	}
}

// write is only called from the broker's read loop.
func (s *chatServer) write(f *frame.Frame) {
	data, err := stomp.Marshal(f)
	if !assert.NoError(s.t, err) {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (s *chatServer) flags(db string) []string {
	return []string{
		"--api-url", s.srv.URL + "/api",
		"--ws-url", "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws",
		"--db", db,
		"--log-level", "debug",
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, ctx context.Context, in io.Reader, out io.Writer, args ...string) error {
	t.Helper()
	cmd := newRootCmd(in, out, io.Discard)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func TestLoginChatLogout(t *testing.T) {
	t.Chdir(t.TempDir())
	srv := newChatServer(t)
	db := filepath.Join(t.TempDir(), "carrot.db")
	ctx := context.Background()

	// Chat refuses to start without a login.
	err := execute(t, ctx, strings.NewReader(""), io.Discard, append([]string{"chat"}, srv.flags(db)...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrot login")

	var out bytes.Buffer
	err = execute(t, ctx, strings.NewReader("wrong\n"), &out, append([]string{"login", "alice"}, srv.flags(db)...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bad credentials")

	out.Reset()
	require.NoError(t, execute(t, ctx, strings.NewReader("pw\n"), &out, append([]string{"login", "alice"}, srv.flags(db)...)...))
	assert.Contains(t, out.String(), "Logged in successfully!")
	assert.Contains(t, out.String(), "Username:  alice")

	// Interactive session.
	inR, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })
	var chatOut syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- execute(t, ctx, inR, &chatOut, append([]string{"chat"}, srv.flags(db)...)...)
	}()

	say := func(line string) {
		_, err := io.WriteString(inW, line+"\n")
		require.NoError(t, err)
	}
	waitFor := func(text string) {
		require.Eventually(t, func() bool { return strings.Contains(chatOut.String(), text) }, 5*time.Second, 10*time.Millisecond, "waiting for %q in:\n%s", text, chatOut.String())
	}

	require.Eventually(t, func() bool {
		say("/rooms")
		return strings.Contains(chatOut.String(), "general")
	}, 5*time.Second, 50*time.Millisecond)

	say("/join 42")
	waitFor("== general ==")
	waitFor("[09:59] bob: welcome")
	require.Eventually(t, func() bool { return srv.subscribed("/topic/chatroom/42") }, 5*time.Second, 10*time.Millisecond)

	say("hello there")
	waitFor("[10:00] alice: hello there")

	say("/quit")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not exit")
	}

	out.Reset()
	require.NoError(t, execute(t, ctx, strings.NewReader(""), &out, append([]string{"logout"}, srv.flags(db)...)...))
	assert.Equal(t, "Logged out.\n", out.String())
	assert.Equal(t, int32(1), srv.logouts.Load())

	store, err := storage.NewBboltStorage(db)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	_, err = store.GetSession(srv.srv.URL + "/api")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChatEndsWhenSessionRejected(t *testing.T) {
	t.Chdir(t.TempDir())
	srv := newChatServer(t)
	srv.rejectRooms.Store(true)
	db := filepath.Join(t.TempDir(), "carrot.db")
	ctx := context.Background()

	require.NoError(t, execute(t, ctx, strings.NewReader(""), io.Discard, append([]string{"login", "alice", "--password", "pw"}, srv.flags(db)...)...))

	inR, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })

	done := make(chan error, 1)
	go func() {
		done <- execute(t, ctx, inR, io.Discard, append([]string{"chat"}, srv.flags(db)...)...)
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session rejected")
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not exit")
	}

	store, err := storage.NewBboltStorage(db)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	_, err = store.GetSession(srv.srv.URL + "/api")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
