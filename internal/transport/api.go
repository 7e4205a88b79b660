package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/liliang-cn/askchat/internal/domain"
)

const (
	loginPath      = "/api/v1/auth/login"
	codePath       = "/api/v1/auth/code"
	assistantsPath = "/api/v1/assistants"
	sessionsPath   = "/api/v1/sessions"
)

// Login authenticates and installs the returned token.
func (c *Client) Login(ctx context.Context, req domain.LoginRequest) (*domain.LoginResult, error) {
	if req.Email == "" || (req.Password == "" && req.Code == "") {
		return nil, domain.ErrInvalidRequest
	}

	var res domain.LoginResult
	if err := c.Call(ctx, http.MethodPost, loginPath, req, &res); err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, errors.New("login response carried no token")
	}
	c.SetCredential(res.Token)
	return &res, nil
}

// SendVerificationCode asks the backend to mail a one-time login code.
func (c *Client) SendVerificationCode(ctx context.Context, email string) error {
	if email == "" {
		return domain.ErrInvalidRequest
	}
	return c.Call(ctx, http.MethodPost, codePath, map[string]string{"email": email}, nil)
}

// ListAssistants returns the chat assistants visible to the user
func (c *Client) ListAssistants(ctx context.Context) ([]domain.Assistant, error) {
	var out []domain.Assistant
	if err := c.Call(ctx, http.MethodGet, assistantsPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessions returns the sessions of an assistant
func (c *Client) ListSessions(ctx context.Context, assistantID string) ([]domain.Session, error) {
	endpoint := sessionsPath
	if assistantID != "" {
		endpoint += "?" + url.Values{"assistant_id": {assistantID}}.Encode()
	}
	var out []domain.Session
	if err := c.Call(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession creates a new session
func (c *Client) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.Session, error) {
	if req.AssistantID == "" {
		return nil, domain.ErrInvalidRequest
	}
	var out domain.Session
	if err := c.Call(ctx, http.MethodPost, sessionsPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenameSession changes a session's name
func (c *Client) RenameSession(ctx context.Context, sessionID, name string) error {
	if sessionID == "" || name == "" {
		return domain.ErrInvalidRequest
	}
	return c.Call(ctx, http.MethodPut, sessionPath(sessionID), map[string]string{"name": name}, nil)
}

// DeleteSession deletes a session
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return domain.ErrInvalidRequest
	}
	return c.Call(ctx, http.MethodDelete, sessionPath(sessionID), nil, nil)
}

// ListMessages returns a session's stored transcript
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidRequest
	}
	var out []domain.ChatMessage
	if err := c.Call(ctx, http.MethodGet, sessionPath(sessionID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sessionPath(id string) string {
	return sessionsPath + "/" + url.PathEscape(id)
}
