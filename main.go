package main

import (
	"bufio"
	"carrot/internal/api"
	"carrot/internal/auth"
	"carrot/internal/chat"
	"carrot/internal/commands"
	"carrot/internal/config"
	"carrot/internal/session"
	"carrot/internal/storage"
	"carrot/internal/ws"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

type app struct {
	v       *viper.Viper
	cfgFile string

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg   *config.Config
	log   *slog.Logger
	store *storage.BboltStorage
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{v: config.NewViper(), in: in, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "carrot",
		Short:         "Terminal client for the chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func() error { return a.chat(cmd.Context()) })
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("api-url", "", "REST base URL, e.g. http://localhost:8088/api")
	flags.String("ws-url", "", "WebSocket URL, e.g. ws://localhost:8088/ws")
	flags.String("db", "", "session database file")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	flags.Bool("strip-markup", false, "show HTML in messages as plain text")
	for key, name := range map[string]string{
		config.KeyAPIURL:      "api-url",
		config.KeyWSURL:       "ws-url",
		config.KeyDBFile:      "db",
		config.KeyLogLevel:    "log-level",
		config.KeyLogFormat:   "log-format",
		config.KeyStripMarkup: "strip-markup",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	login := &cobra.Command{
		Use:   "login <username-or-email>",
		Short: "Log in and store the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, _ := cmd.Flags().GetString("password")
			return a.withStore(func() error { return a.login(cmd.Context(), args[0], password) })
		},
	}
	login.Flags().String("password", "", "password (prompted when empty)")

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Log out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func() error { return a.logout(cmd.Context()) })
		},
	}

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func() error { return a.chat(cmd.Context()) })
		},
	}

	root.AddCommand(login, logout, chatCmd)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = cfg.NewLogger(a.errOut)
	slog.SetDefault(a.log)
	return nil
}

// withStore keeps the session database open for the duration of fn; bbolt
// holds a file lock while it is open.
func (a *app) withStore(fn func() error) error {
	store, err := storage.NewBboltStorage(a.cfg.DBFile)
	if err != nil {
		return err
	}
	a.store = store
	defer func() {
		if err := store.Close(); err != nil {
			a.log.Error("failed to close storage", "error", err)
		}
		a.store = nil
	}()
	return fn()
}

func (a *app) provider() *auth.Provider {
	return auth.NewProvider(a.store, a.cfg.APIURL, a.log)
}

func (a *app) client(ctx context.Context, creds api.TokenSource, unauthorized func()) *api.Client {
	return api.New(ctx, api.Config{
		BaseURL:      a.cfg.APIURL,
		Timeout:      a.cfg.RequestTimeout,
		Credentials:  creds,
		Unauthorized: unauthorized,
		Logger:       a.log,
	})
}

func (a *app) login(ctx context.Context, usernameOrEmail, password string) error {
	if password == "" {
		_, _ = fmt.Fprint(a.out, "Password: ")
		line, err := bufio.NewReader(a.in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	return commands.Login(ctx, a.client(ctx, nil, nil), a.provider(), usernameOrEmail, password, a.out)
}

func (a *app) logout(ctx context.Context) error {
	provider := a.provider()
	return commands.Logout(ctx, a.client(ctx, provider, nil), provider, a.out)
}

var errLoggedOut = errors.New("session rejected by the server")

func (a *app) chat(ctx context.Context) error {
	provider := a.provider()
	stored, err := provider.Session()
	if err != nil {
		if errors.Is(err, auth.ErrNoCredential) || errors.Is(err, auth.ErrTokenExpired) {
			return fmt.Errorf("%w; run 'carrot login' first", err)
		}
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	client := a.client(ctx, provider, func() {
		provider.Clear()
		cancel(errLoggedOut)
	})

	self := stored.User
	if me, err := client.Me(ctx); err == nil {
		self = me
	} else {
		a.log.Warn("using stored profile", "error", err)
	}

	conn := ws.NewConnection(ws.Config{
		URL:            a.cfg.WSURL,
		ReconnectDelay: a.cfg.ReconnectDelay,
		Dial:           ws.GorillaDialer(nil),
		Credentials:    provider,
		Logger:         a.log,
	})

	shell := commands.NewShell(a.in, a.out, a.cfg.StripMarkup)
	ctrl := session.New(session.Config{
		Self:           self,
		Transport:      conn,
		Topics:         ws.NewMultiplexer(conn, a.log),
		Service:        client,
		State:          chat.New(chat.Config{ChangeCallback: shell.Changed}),
		PageSize:       a.cfg.PageSize,
		TypingDebounce: a.cfg.TypingDebounce,
		TypingStop:     a.cfg.TypingStop,
		Logger:         a.log,
	})
	defer ctrl.Close()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ctrl.Start(gCtx); err != nil {
			a.log.Warn("initial load incomplete", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return shell.Run(gCtx, ctrl, client)
	})
	err = g.Wait()

	if errors.Is(context.Cause(ctx), errLoggedOut) {
		return fmt.Errorf("%w; run 'carrot login' again", errLoggedOut)
	}
	return err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
