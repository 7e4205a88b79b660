package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/liliang-cn/askchat/internal/citation"
	"github.com/liliang-cn/askchat/internal/config"
	"github.com/liliang-cn/askchat/internal/domain"
	"github.com/liliang-cn/askchat/internal/repository"
	"github.com/liliang-cn/askchat/internal/session"
	"github.com/liliang-cn/askchat/internal/transport"
	"go.uber.org/zap"
)

// NewClient creates a backend client whose credential changes are mirrored
// into the credential store.
func NewClient(cfg config.BackendConfig, creds *repository.CredentialRepository, logger *zap.Logger) *transport.Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	return transport.New(transport.Config{
		BaseURL:        baseURL,
		AppID:          cfg.AppID,
		Credential:     cfg.Token,
		ConnectTimeout: cfg.ConnectTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		RequestTimeout: cfg.RequestTimeout,
		MaxRetries:     cfg.MaxRetries,
		RetryBase:      cfg.RetryBase,
		MinSpacing:     cfg.MinSpacing,
	},
		transport.WithLogger(logger.Named("transport")),
		transport.WithCredentialHook(func(token string) {
			if err := creds.UpdateToken(baseURL, token); err != nil {
				logger.Warn("Failed to persist credential", zap.Error(err))
			}
		}),
	)
}

// NewStreamer adapts the backend client to the stream controller
func NewStreamer(client *transport.Client) session.Streamer {
	return session.StreamerFunc(func(ctx context.Context, sessionID, message string) (io.ReadCloser, error) {
		s, err := client.OpenStream(ctx, sessionID, message)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// ChatService handles the chat client's operations against the backend
type ChatService struct {
	client     *transport.Client
	controller *session.Controller
	creds      *repository.CredentialRepository
	prefs      *repository.PreferenceRepository
	logger     *zap.Logger
}

// NewChatService creates a new chat service
func NewChatService(
	client *transport.Client,
	controller *session.Controller,
	creds *repository.CredentialRepository,
	prefs *repository.PreferenceRepository,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{
		client:     client,
		controller: controller,
		creds:      creds,
		prefs:      prefs,
		logger:     logger,
	}
}

// RestoreCredential loads the stored token when none is configured.
// It reports whether the client holds a credential afterwards.
func (s *ChatService) RestoreCredential() (bool, error) {
	if s.client.Credential() != "" {
		return true, nil
	}
	cred, err := s.creds.Get(s.client.BaseURL())
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load credential: %w", err)
	}
	s.client.SetCredential(cred.Token)
	return true, nil
}

// Login authenticates and stores the credential
func (s *ChatService) Login(ctx context.Context, req domain.LoginRequest) (*domain.LoginResult, error) {
	res, err := s.client.Login(ctx, req)
	if err != nil {
		return nil, err
	}
	err = s.creds.Save(&repository.Credential{
		BackendURL: s.client.BaseURL(),
		Token:      res.Token,
		Email:      res.User.Email,
		UserID:     res.User.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}
	s.logger.Info("Logged in", zap.String("email", res.User.Email))
	return res, nil
}

// SendCode requests a one-time login code
func (s *ChatService) SendCode(ctx context.Context, email string) error {
	return s.client.SendVerificationCode(ctx, email)
}

// Logout forgets the credential and local selections
func (s *ChatService) Logout() error {
	s.controller.Shutdown()
	s.client.ClearCredential()
	if err := s.creds.Delete(s.client.BaseURL()); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if err := s.prefs.Clear(s.client.BaseURL()); err != nil {
		return fmt.Errorf("failed to clear preferences: %w", err)
	}
	return nil
}

// Assistants lists the assistants
func (s *ChatService) Assistants(ctx context.Context) ([]domain.Assistant, error) {
	return s.client.ListAssistants(ctx)
}

// SelectAssistant remembers the assistant for later commands
func (s *ChatService) SelectAssistant(assistantID string) error {
	if assistantID == "" {
		return domain.ErrInvalidRequest
	}
	return s.prefs.Set(s.client.BaseURL(), repository.PrefAssistant, assistantID)
}

// CurrentAssistant returns the remembered assistant, or "" when none is set
func (s *ChatService) CurrentAssistant() string {
	return s.preference(repository.PrefAssistant)
}

// CurrentSession returns the remembered session, or "" when none is set
func (s *ChatService) CurrentSession() string {
	return s.preference(repository.PrefSession)
}

// SelectSession remembers the session for later commands
func (s *ChatService) SelectSession(sessionID string) error {
	if sessionID == "" {
		return domain.ErrInvalidRequest
	}
	return s.prefs.Set(s.client.BaseURL(), repository.PrefSession, sessionID)
}

// Sessions lists an assistant's sessions
func (s *ChatService) Sessions(ctx context.Context, assistantID string) ([]domain.Session, error) {
	return s.client.ListSessions(ctx, assistantID)
}

// CreateSession creates a session and selects it
func (s *ChatService) CreateSession(ctx context.Context, assistantID, name string) (*domain.Session, error) {
	sess, err := s.client.CreateSession(ctx, domain.CreateSessionRequest{AssistantID: assistantID, Name: name})
	if err != nil {
		return nil, err
	}
	if err := s.SelectAssistant(assistantID); err != nil {
		return nil, err
	}
	if err := s.SelectSession(sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

// RenameSession renames a session
func (s *ChatService) RenameSession(ctx context.Context, sessionID, name string) error {
	return s.client.RenameSession(ctx, sessionID, name)
}

// DeleteSession deletes a session and forgets it if it was selected
func (s *ChatService) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if s.CurrentSession() == sessionID {
		return s.prefs.Delete(s.client.BaseURL(), repository.PrefSession)
	}
	return nil
}

// History fetches a session's transcript
func (s *ChatService) History(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	msgs, err := s.client.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		s.controller.Clock().Observe(m.Timestamp)
	}
	return msgs, nil
}

// Ask streams the answer to message in the background
func (s *ChatService) Ask(ctx context.Context, sessionID, message string, cb session.Callbacks) (session.Turn, error) {
	if s.client.Credential() == "" {
		return session.Turn{}, &domain.AuthError{Reason: "run login first"}
	}
	turn, err := s.controller.Start(ctx, sessionID, message, cb)
	if err != nil {
		return session.Turn{}, err
	}
	if err := s.SelectSession(sessionID); err != nil {
		s.logger.Warn("Failed to remember session", zap.Error(err))
	}
	return turn, nil
}

// Pause stops applying answer chunks
func (s *ChatService) Pause(sessionID string) error {
	return s.controller.Pause(sessionID)
}

// Resume continues or finalizes a paused answer
func (s *ChatService) Resume(sessionID string) error {
	return s.controller.Resume(sessionID)
}

// Cancel aborts an answer
func (s *ChatService) Cancel(sessionID string) error {
	return s.controller.Cancel(sessionID)
}

// State reports the session's streaming state
func (s *ChatService) State(sessionID string) session.State {
	return s.controller.State(sessionID)
}

// Render formats a message for the terminal with resolved citations
func Render(msg domain.ChatMessage) string {
	out := citation.Render(citation.Resolve(msg.Content, msg.Reference))
	if msg.Terminal() {
		if docs := citation.Documents(msg.Reference); docs != "" {
			out += "\n\n" + docs
		}
	}
	return out
}

func (s *ChatService) preference(key string) string {
	v, err := s.prefs.Get(s.client.BaseURL(), key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("Failed to read preference", zap.String("key", key), zap.Error(err))
	}
	return v
}
