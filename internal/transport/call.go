package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/liliang-cn/askchat/internal/domain"
	"go.uber.org/zap"
)

// envelope is the backend's response wrapper
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Endpoints that work without a credential
var publicEndpoints = map[string]bool{
	loginPath: true,
	codePath:  true,
}

type retryClass int

const (
	noRetry retryClass = iota
	// retryLinear covers ordinary network failures and 5xx responses.
	retryLinear
	// retryExponential covers resource exhaustion: 429, 503 and socket
	// level resets.
	retryExponential
)

// Call performs a JSON request against endpoint (a path relative to the
// base URL, optionally with a query) and decodes the envelope's data into
// out. body and out may be nil. Identical concurrent GETs share one request;
// a caller that gives up leaves the shared request running for the others.
func (c *Client) Call(ctx context.Context, method, endpoint string, body, out any) error {
	if method == http.MethodGet && body == nil {
		ch := c.group.DoChan(endpoint, func() (any, error) {
			return c.do(context.WithoutCancel(ctx), method, endpoint, nil)
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-ch:
			if res.Shared {
				c.logger.Debug("Coalesced request", zap.String("endpoint", endpoint))
			}
			if res.Err != nil {
				return res.Err
			}
			return decodeData(res.Val.(json.RawMessage), out)
		}
	}

	data, err := c.do(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	return decodeData(data, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	path, _, _ := strings.Cut(endpoint, "?")
	if !publicEndpoints[path] && c.Credential() == "" {
		return nil, &domain.AuthError{Reason: "no credential configured"}
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	limiter := c.limiter(method + " " + path)

	for attempt := 0; ; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		data, class, err := c.attempt(ctx, method, endpoint, payload)
		if err == nil {
			return data, nil
		}
		if class == noRetry || attempt >= c.cfg.MaxRetries {
			return nil, err
		}

		delay := c.backoff(class, attempt)
		c.logger.Debug("Retrying request",
			zap.String("method", method),
			zap.String("endpoint", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, payload []byte) (json.RawMessage, retryClass, error) {
	actx, cancel := context.WithTimeoutCause(ctx, c.cfg.RequestTimeout,
		&domain.TimeoutError{Phase: domain.PhaseRequest, After: c.cfg.RequestTimeout.String()})
	defer cancel()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, method, c.cfg.BaseURL+endpoint, rd)
	if err != nil {
		return nil, noRetry, fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setHeaders(req, c.Credential())

	resp, err := c.http.Do(req)
	if err != nil {
		class, err := classifyNetwork(ctx, actx, err)
		return nil, class, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.rejected(resp.StatusCode)
		httpErr := &domain.HTTPError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
		return nil, classifyStatus(resp.StatusCode), httpErr
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		class, err := classifyNetwork(ctx, actx, err)
		return nil, class, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, noRetry, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Code != 0 {
		return nil, noRetry, &domain.APIError{Code: env.Code, Message: env.Message}
	}
	return env.Data, noRetry, nil
}

func (c *Client) backoff(class retryClass, attempt int) time.Duration {
	if class == retryExponential {
		return 2 * c.cfg.RetryBase * time.Duration(1<<attempt)
	}
	return c.cfg.RetryBase * time.Duration(attempt+1)
}

func classifyNetwork(parent, actx context.Context, err error) (retryClass, error) {
	var te *domain.TimeoutError
	if errors.As(context.Cause(actx), &te) {
		return noRetry, te
	}
	if parent.Err() != nil {
		return noRetry, parent.Err()
	}
	netErr := &domain.NetworkError{Op: "request", Err: err}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.EMFILE) {
		return retryExponential, netErr
	}
	return retryLinear, netErr
}

func classifyStatus(status int) retryClass {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return retryExponential
	case status >= 500:
		return retryLinear
	default:
		return noRetry
	}
}

func decodeData(data json.RawMessage, out any) error {
	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}
