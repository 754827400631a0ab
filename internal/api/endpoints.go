package api

import (
	"carrot/internal/models"
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Rooms

func (c *Client) Rooms(ctx context.Context) ([]models.Room, error) {
	return do[[]models.Room](ctx, c, http.MethodGet, "/chatrooms", nil)
}

func (c *Client) Room(ctx context.Context, id models.RoomID) (models.Room, error) {
	return do[models.Room](ctx, c, http.MethodGet, fmt.Sprintf("/chatrooms/%d", id), nil)
}

func (c *Client) SearchRooms(ctx context.Context, query string) ([]models.Room, error) {
	return do[[]models.Room](ctx, c, http.MethodGet, "/chatrooms/search?query="+url.QueryEscape(query), nil)
}

func (c *Client) CreateGroup(ctx context.Context, req models.GroupCreate) (models.Room, error) {
	if req.Type == "" {
		req.Type = models.RoomTypeGroup
	}
	return do[models.Room](ctx, c, http.MethodPost, "/chatrooms/group", req)
}

// OpenPrivate creates the private room with recipient, or returns the
// existing one.
func (c *Client) OpenPrivate(ctx context.Context, recipient models.UserID) (models.Room, error) {
	return do[models.Room](ctx, c, http.MethodPost, "/chatrooms/private", models.PrivateCreate{RecipientID: recipient})
}

func (c *Client) LeaveRoom(ctx context.Context, id models.RoomID) error {
	_, err := do[struct{}](ctx, c, http.MethodPost, fmt.Sprintf("/chatrooms/%d/leave", id), struct{}{})
	return err
}

// Messages

// RecentMessages returns the latest limit messages of a room, oldest first.
func (c *Client) RecentMessages(ctx context.Context, room models.RoomID, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/messages/chatroom/%d/recent?limit=%d", room, limit)
	return do[[]models.Message](ctx, c, http.MethodGet, path, nil)
}

// Users

func (c *Client) Users(ctx context.Context) ([]models.User, error) {
	users, err := do[[]models.User](ctx, c, http.MethodGet, "/users", nil)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		c.users.Set(u.ID, u)
	}
	return users, nil
}

func (c *Client) OnlineUsers(ctx context.Context) ([]models.User, error) {
	return do[[]models.User](ctx, c, http.MethodGet, "/users/online", nil)
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	return do[[]models.User](ctx, c, http.MethodGet, "/users/search?query="+url.QueryEscape(query), nil)
}

// User returns a user, served from a short-lived cache when possible.
func (c *Client) User(ctx context.Context, id models.UserID) (models.User, error) {
	if u, err := c.users.Get(id); err == nil {
		return u, nil
	}
	u, err := do[models.User](ctx, c, http.MethodGet, fmt.Sprintf("/users/%d", id), nil)
	if err != nil {
		return models.User{}, err
	}
	c.users.Set(id, u)
	return u, nil
}

func (c *Client) SetStatus(ctx context.Context, status models.PresenceStatus) (models.User, error) {
	u, err := do[models.User](ctx, c, http.MethodPut, "/users/me/status", map[string]models.PresenceStatus{"status": status})
	if err != nil {
		return models.User{}, err
	}
	c.users.Set(u.ID, u)
	return u, nil
}

// Auth

func (c *Client) Login(ctx context.Context, req models.LoginRequest) (models.Session, error) {
	return do[models.Session](ctx, c, http.MethodPost, "/auth/login", req)
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := do[struct{}](ctx, c, http.MethodPost, "/auth/logout", nil)
	return err
}

func (c *Client) Me(ctx context.Context) (models.User, error) {
	return do[models.User](ctx, c, http.MethodGet, "/auth/me", nil)
}
