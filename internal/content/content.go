package content

import (
	"errors"
	"html"
	"net/mail"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var ErrEmptyMessage = errors.New("message is empty")

var (
	strict        = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Terminal makes server text safe to print as is. Control characters other
// than newline and tab are dropped so text cannot move the cursor or change
// colors; markup is left alone.
func Terminal(input string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)
}

// PlainText strips every tag and decodes entities.
func PlainText(input string) string {
	return html.UnescapeString(strict.Sanitize(input))
}

// Display prepares server text for the terminal. With stripMarkup, HTML
// sent by bots and bridges is reduced to its text first.
func Display(input string, stripMarkup bool) string {
	if stripMarkup {
		input = PlainText(input)
	}
	return Terminal(input)
}

// NormalizeMessage trims composer text and rejects text that is empty or
// whitespace only.
func NormalizeMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	return text, nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// ValidateLogin accepts either a username or an email address.
func ValidateLogin(usernameOrEmail string) error {
	if strings.Contains(usernameOrEmail, "@") {
		if _, err := mail.ParseAddress(usernameOrEmail); err != nil {
			return errors.New("invalid email address")
		}
		return nil
	}
	return ValidateUsername(usernameOrEmail)
}
