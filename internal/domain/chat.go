package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage represents one turn in a conversation
type ChatMessage struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id,omitempty"`
	Role      string     `json:"role"` // user, assistant, system
	Content   string     `json:"content"`
	IsLoading bool       `json:"is_loading,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
	Completed bool       `json:"completed,omitempty"`
	Reference *Reference `json:"reference,omitempty"`
	Timestamp int64      `json:"timestamp"`
	// Error carries the underlying failure when IsError is set.
	Error string `json:"error,omitempty"`
}

// Terminal reports whether the message reached completed or errored state.
func (m *ChatMessage) Terminal() bool {
	return m.Completed || m.IsError
}

// Clone returns a deep copy so callers can hand the message to other goroutines.
func (m ChatMessage) Clone() ChatMessage {
	if m.Reference != nil {
		ref := m.Reference.Clone()
		m.Reference = &ref
	}
	return m
}

// NewUserMessage creates a user message stamped by clock
func NewUserMessage(sessionID, content string, clock *Clock) ChatMessage {
	return ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   content,
		Completed: true,
		Timestamp: clock.Next(),
	}
}

// NewAssistantPlaceholder creates the empty, loading assistant message that a
// stream fills in.
func NewAssistantPlaceholder(sessionID string, clock *Clock) ChatMessage {
	return ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      RoleAssistant,
		IsLoading: true,
		Timestamp: clock.Next(),
	}
}

// Clock hands out strictly increasing logical timestamps.
// Values start at the wall clock in milliseconds and never repeat.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock creates a clock backed by time.Now
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns a timestamp strictly greater than any previously returned one.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	ts := now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Observe advances the clock past ts, used when history is loaded from the backend.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}

// Session represents a chat session owned by the backend
type Session struct {
	ID         string        `json:"id"`
	ChatID     string        `json:"chat_id"`
	Name       string        `json:"name"`
	CreateTime int64         `json:"create_time,omitempty"`
	UpdateTime int64         `json:"update_time,omitempty"`
	Messages   []ChatMessage `json:"messages,omitempty"`
}

// Assistant represents a chat assistant configured on the backend
type Assistant struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	DatasetIDs  []string `json:"dataset_ids,omitempty"`
	CreateTime  int64    `json:"create_time,omitempty"`
}

// User is the authenticated account
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Nickname string `json:"nickname,omitempty"`
}

// LoginRequest is the request to authenticate. Either Password or Code is set.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	Code     string `json:"code,omitempty"`
}

// LoginResult is returned by a successful login
type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// CreateSessionRequest is the request to create a session
type CreateSessionRequest struct {
	AssistantID string `json:"assistant_id"`
	Name        string `json:"name"`
}

// StreamRequest is the body of a stream-open request
type StreamRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}
