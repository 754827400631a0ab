// Package api is the client of the chat service's REST endpoints.
package api

import (
	"bytes"
	"carrot/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c-pro/geche"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultUserCacheTTL = time.Minute
)

var ErrUnauthorized = errors.New("unauthorized")

// Error is a failed request as reported by the service.
type Error struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// TokenSource supplies the bearer token; an empty token sends no header.
type TokenSource interface {
	Token() (string, error)
}

type Config struct {
	BaseURL      string
	Timeout      time.Duration
	UserCacheTTL time.Duration
	Credentials  TokenSource
	// Unauthorized runs when a request outside /auth/ is rejected with 401.
	Unauthorized func()
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

type Client struct {
	cfg   Config
	http  *http.Client
	log   *slog.Logger
	users geche.Geche[models.UserID, models.User]
}

// envelope wraps every response body.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// New creates a client. ctx bounds the user cache's cleanup goroutine.
func New(ctx context.Context, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserCacheTTL <= 0 {
		cfg.UserCacheTTL = DefaultUserCacheTTL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:   cfg,
		http:  hc,
		log:   logger.With("component", "api"),
		users: geche.NewMapTTLCache[models.UserID, models.User](ctx, cfg.UserCacheTTL, time.Minute),
	}
}

func do[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Credentials != nil {
		if token, err := c.cfg.Credentials.Token(); err == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var env envelope[json.RawMessage]
		_ = json.NewDecoder(resp.Body).Decode(&env)
		if resp.StatusCode == http.StatusUnauthorized && !strings.HasPrefix(path, "/auth/") {
			c.log.Warn("credential rejected", "path", path)
			if c.cfg.Unauthorized != nil {
				c.cfg.Unauthorized()
			}
		}
		return zero, &Error{Method: method, Path: path, Status: resp.StatusCode, Message: env.Message}
	}

	var env envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		return zero, fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	if !env.Success && env.Message != "" {
		return zero, &Error{Method: method, Path: path, Status: resp.StatusCode, Message: env.Message}
	}
	return env.Data, nil
}
