package commands

import (
	"bufio"
	"carrot/internal/chat"
	"carrot/internal/content"
	"carrot/internal/models"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ErrQuit ends the shell.
var ErrQuit = errors.New("quit")

// Session is what the shell drives.
type Session interface {
	State() *chat.State
	Self() models.User
	OpenRoom(ctx context.Context, id models.RoomID) (models.Room, error)
	SendMessage(text string) error
	OnInput(text string)
	OpenPrivateChat(ctx context.Context, user models.UserID) (models.Room, error)
	CreateGroup(ctx context.Context, name, description string, participants []models.UserID) (models.Room, error)
	LeaveRoom(ctx context.Context) error
}

// Directory is the server side of the commands that do not touch the
// session: own status and server search.
type Directory interface {
	SetStatus(ctx context.Context, status models.PresenceStatus) (models.User, error)
	SearchRooms(ctx context.Context, query string) ([]models.Room, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)
}

type command struct {
	name  string
	usage string
	help  string
	run   func(s *Shell, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"rooms", "[query]", "list rooms", (*Shell).rooms},
		{"join", "<room-id>", "select a room", (*Shell).join},
		{"users", "[query]", "list users", (*Shell).users},
		{"online", "", "list online users", (*Shell).online},
		{"search", "<query>", "search the server for rooms and users", (*Shell).search},
		{"dm", "<user-id>", "open a private chat", (*Shell).dm},
		{"group", "<name> [user-id...]", "create a group room", (*Shell).group},
		{"leave", "", "leave the selected room", (*Shell).leave},
		{"draft", "<text>", "signal typing without sending", (*Shell).draft},
		{"status", "<ONLINE|AWAY|BUSY|OFFLINE>", "set your status", (*Shell).status},
		{"help", "", "show this help", (*Shell).help},
		{"quit", "", "exit", func(*Shell, context.Context, []string) error { return ErrQuit }},
	}
}

// Shell is a line-oriented chat front end. Plain lines are sent to the
// selected room; lines starting with / are commands.
type Shell struct {
	session     Session
	dir         Directory
	in          io.Reader
	out         io.Writer
	stripMarkup bool

	notify chan struct{}

	mu      sync.Mutex
	room    models.RoomID
	seen    map[models.MessageID]string
	typing  string
	lastErr *chat.Failure
}

// NewShell returns a shell reading in and printing to out. Server text is
// printed literally unless stripMarkup is set.
func NewShell(in io.Reader, out io.Writer, stripMarkup bool) *Shell {
	return &Shell{
		in:          in,
		out:         out,
		stripMarkup: stripMarkup,
		notify:      make(chan struct{}, 1),
		seen:        make(map[models.MessageID]string),
	}
}

// Changed schedules a redraw. It never blocks, so it is safe as the chat
// state's change callback.
func (s *Shell) Changed() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run reads lines until EOF, /quit or ctx is done. Command errors are
// printed and do not end the shell.
func (s *Shell) Run(ctx context.Context, session Session, dir Directory) error {
	s.session = session
	s.dir = dir

	lines := make(chan string)
	readErr := make(chan error, 1)
	// Reads from stdin cannot be interrupted; this goroutine ends with the
	// process.
	go func() {
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	s.printf("Type /help for commands.\n")
	s.Render()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
			s.Render()
		case err := <-readErr:
			return err
		case line := <-lines:
			err := s.Exec(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				s.printf("! %v\n", err)
			}
		}
	}
}

// Exec runs one input line.
func (s *Shell) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return s.session.SendMessage(line)
	}

	args, err := shellwords.Parse(line[1:])
	if err != nil {
		return fmt.Errorf("cannot parse command: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(s, ctx, args[1:])
		}
	}
	return fmt.Errorf("unknown command /%s, try /help", args[0])
}

func (s *Shell) rooms(_ context.Context, args []string) error {
	st := s.session.State()
	self := s.session.Self().ID
	rooms := st.FilterRooms(strings.Join(args, " "), self)
	if len(rooms) == 0 {
		s.printf("No rooms.\n")
		return nil
	}
	selected := st.Selected()
	for _, r := range rooms {
		mark := " "
		if r.ID == selected {
			mark = "*"
		}
		line := fmt.Sprintf("%s %4d  %s", mark, r.ID, s.text(chat.RoomName(r, self)))
		if r.UnreadCount > 0 {
			line += fmt.Sprintf(" (%d)", r.UnreadCount)
		}
		if m := r.LastMessage; m != nil {
			line += fmt.Sprintf("  %s: %s", s.text(m.Sender.DisplayName()), preview(s.text(m.Content)))
		}
		s.printf("%s\n", line)
	}
	return nil
}

func (s *Shell) join(ctx context.Context, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	_, err = s.session.OpenRoom(ctx, models.RoomID(id))
	return err
}

func (s *Shell) users(_ context.Context, args []string) error {
	s.printUsers(s.session.State().FilterUsers(strings.Join(args, " ")))
	return nil
}

func (s *Shell) online(context.Context, []string) error {
	s.printUsers(s.session.State().OnlineUsers())
	return nil
}

func (s *Shell) printUsers(users []models.User) {
	if len(users) == 0 {
		s.printf("No users.\n")
		return
	}
	for _, u := range users {
		s.printf("  %4d  %-3s %-20s %s\n", u.ID, chat.Initials(u.DisplayName()), s.text(u.DisplayName()), u.Status)
	}
}

func (s *Shell) dm(ctx context.Context, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	if models.UserID(id) == s.session.Self().ID {
		return errors.New("cannot open a private chat with yourself")
	}
	_, err = s.session.OpenPrivateChat(ctx, models.UserID(id))
	return err
}

func (s *Shell) group(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: /group <name> [user-id...]")
	}
	var ids []models.UserID
	for _, a := range args[1:] {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", a)
		}
		ids = append(ids, models.UserID(id))
	}
	_, err := s.session.CreateGroup(ctx, args[0], "", ids)
	return err
}

func (s *Shell) leave(ctx context.Context, _ []string) error {
	return s.session.LeaveRoom(ctx)
}

func (s *Shell) draft(_ context.Context, args []string) error {
	s.session.OnInput(strings.Join(args, " "))
	return nil
}

func (s *Shell) status(ctx context.Context, args []string) error {
	if s.dir == nil {
		return errors.New("status changes are not available")
	}
	if len(args) != 1 {
		return errors.New("usage: /status <ONLINE|AWAY|BUSY|OFFLINE>")
	}
	status := models.PresenceStatus(strings.ToUpper(args[0]))
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", args[0])
	}
	_, err := s.dir.SetStatus(ctx, status)
	return err
}

func (s *Shell) search(ctx context.Context, args []string) error {
	if s.dir == nil {
		return errors.New("search is not available")
	}
	query := strings.Join(args, " ")
	if query == "" {
		return errors.New("usage: /search <query>")
	}
	rooms, err := s.dir.SearchRooms(ctx, query)
	if err != nil {
		return fmt.Errorf("room search: %w", err)
	}
	users, err := s.dir.SearchUsers(ctx, query)
	if err != nil {
		return fmt.Errorf("user search: %w", err)
	}
	self := s.session.Self().ID
	for _, r := range rooms {
		s.printf("  room %4d  %s\n", r.ID, s.text(chat.RoomName(r, self)))
	}
	s.printUsers(users)
	return nil
}

func (s *Shell) help(context.Context, []string) error {
	for _, c := range commands {
		s.printf("  /%-8s %-28s %s\n", c.name, c.usage, c.help)
	}
	s.printf("  Anything else is sent to the selected room.\n")
	return nil
}

// Render prints what changed in the chat state since the last call: a
// header on room change, new or edited messages, the typing line and a new
// failure.
func (s *Shell) Render() {
	if s.session == nil {
		return
	}
	st := s.session.State()

	s.mu.Lock()
	defer s.mu.Unlock()

	if sel := st.Selected(); sel != s.room {
		s.room = sel
		clear(s.seen)
		s.typing = ""
		if room, ok := st.SelectedRoom(); ok {
			_, _ = fmt.Fprintf(s.out, "== %s ==\n", s.text(chat.RoomName(room, s.session.Self().ID)))
		}
	}

	for _, m := range st.Messages() {
		text := s.text(m.Content)
		prev, ok := s.seen[m.ID]
		if ok && prev == text {
			continue
		}
		s.seen[m.ID] = text
		mark := ""
		if ok || m.Edited {
			mark = " (edited)"
		}
		_, _ = fmt.Fprintf(s.out, "[%s] %s: %s%s\n", sentAt(m.SentAt), s.text(m.Sender.DisplayName()), text, mark)
	}

	if t := st.TypingText(); t != s.typing {
		s.typing = t
		if t != "" {
			_, _ = fmt.Fprintf(s.out, "  %s\n", t)
		}
	}

	if e := st.LastError(); e != nil && e != s.lastErr {
		s.lastErr = e
		_, _ = fmt.Fprintf(s.out, "! %v\n", e)
	}
}

func (s *Shell) text(raw string) string {
	return content.Display(raw, s.stripMarkup)
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, format, args...)
}

func parseID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

// sentAt shows the wall-clock part of a server timestamp, or the raw value
// when it does not parse.
func sentAt(raw string) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("15:04")
		}
	}
	return raw
}

func preview(text string) string {
	const limit = 40
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return string(r[:limit-1]) + "…"
}
