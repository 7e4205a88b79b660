package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/liliang-cn/askchat/internal/domain"
	"go.uber.org/zap"
)

// Stream is an open answer stream. Reads fail with a *domain.TimeoutError
// once no bytes arrived for the idle timeout.
type Stream struct {
	body   io.ReadCloser
	ctx    context.Context
	cancel context.CancelCauseFunc
	idle   time.Duration
	timer  *time.Timer
	once   sync.Once
}

// OpenStream posts message to the session's stream endpoint and returns the
// response body once headers arrived.
func (c *Client) OpenStream(ctx context.Context, sessionID, message string) (*Stream, error) {
	token := c.Credential()
	if token == "" {
		return nil, &domain.AuthError{Reason: "no credential configured"}
	}

	payload, err := json.Marshal(domain.StreamRequest{SessionID: sessionID, Message: message})
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/messages/stream", c.cfg.BaseURL, url.PathEscape(sessionID))

	sctx, cancel := context.WithCancelCause(ctx)
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.setHeaders(req, token)

	connect := time.AfterFunc(c.cfg.ConnectTimeout, func() {
		cancel(&domain.TimeoutError{Phase: domain.PhaseConnect, After: c.cfg.ConnectTimeout.String()})
	})
	resp, err := c.http.Do(req)
	connect.Stop()

	if err != nil {
		cause := context.Cause(sctx)
		cancel(nil)
		return nil, streamError(ctx, cause, "open stream", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp.Body)
		resp.Body.Close()
		cancel(nil)
		c.rejected(resp.StatusCode)
		return nil, &domain.HTTPError{Status: resp.StatusCode, Message: msg}
	}

	c.logger.Debug("Stream opened", zap.String("session_id", sessionID))

	s := &Stream{
		body:   resp.Body,
		ctx:    sctx,
		cancel: cancel,
		idle:   c.cfg.IdleTimeout,
	}
	if s.idle > 0 {
		s.timer = time.AfterFunc(s.idle, func() {
			cancel(&domain.TimeoutError{Phase: domain.PhaseIdle, After: s.idle.String()})
		})
	}
	return s, nil
}

// Read reads from the response body, resetting the idle watchdog on progress.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 && s.timer != nil {
		s.timer.Reset(s.idle)
	}
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	return n, streamError(nil, context.Cause(s.ctx), "read stream", err)
}

// Close releases the connection.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		err = s.body.Close()
		s.cancel(context.Canceled)
	})
	return err
}

// streamError maps a failed request or read onto the error taxonomy. A
// timeout cause wins; a cancelled parent context is returned as its cause.
func streamError(parent context.Context, cause error, op string, err error) error {
	var te *domain.TimeoutError
	if errors.As(cause, &te) {
		return te
	}
	if parent != nil && parent.Err() != nil {
		return context.Cause(parent)
	}
	if cause != nil {
		return cause
	}
	return &domain.NetworkError{Op: op, Err: err}
}

// readErrorMessage extracts a message from an error response body: the
// envelope message if there is one, the raw text otherwise.
func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return string(bytes.TrimSpace(data))
}
