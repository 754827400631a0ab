package commands

import (
	"carrot/internal/content"
	"carrot/internal/models"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Authenticator is the auth side of the chat server.
type Authenticator interface {
	Login(ctx context.Context, req models.LoginRequest) (models.Session, error)
	Logout(ctx context.Context) error
}

// Keeper persists the login between runs.
type Keeper interface {
	Save(session models.Session) error
	Clear()
}

func Login(ctx context.Context, client Authenticator, keeper Keeper, usernameOrEmail, password string, out io.Writer) error {
	usernameOrEmail = strings.TrimSpace(usernameOrEmail)
	if err := content.ValidateLogin(usernameOrEmail); err != nil {
		return err
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}

	session, err := client.Login(ctx, models.LoginRequest{
		UsernameOrEmail: usernameOrEmail,
		Password:        password,
	})
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := keeper.Save(session); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "\nLogged in successfully!\n")
	_, _ = fmt.Fprintf(out, "Username:  %s\n", content.Terminal(session.User.Username))
	if session.User.FullName != "" {
		_, _ = fmt.Fprintf(out, "Name:      %s\n", content.Terminal(session.User.FullName))
	}
	return nil
}

// Logout tells the server and forgets the stored login. The local session
// is cleared even when the server call fails.
func Logout(ctx context.Context, client Authenticator, keeper Keeper, out io.Writer) error {
	err := client.Logout(ctx)
	keeper.Clear()
	if err != nil {
		_, _ = fmt.Fprintf(out, "Server logout failed (%v); local session cleared.\n", err)
		return nil
	}
	_, _ = fmt.Fprintln(out, "Logged out.")
	return nil
}
