// Package transport talks to the RAG backend: authenticated JSON calls with
// throttling and retries, and the answer event stream.
package transport

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Default timeouts and retry policy
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRetries     = 2
	DefaultRetryBase      = 500 * time.Millisecond
	DefaultMinSpacing     = 200 * time.Millisecond
)

// Config holds the backend connection settings
type Config struct {
	BaseURL    string
	AppID      string
	Credential string

	// ConnectTimeout bounds the wait for response headers of a stream.
	ConnectTimeout time.Duration
	// IdleTimeout aborts a stream that delivers no bytes for this long.
	IdleTimeout time.Duration
	// RequestTimeout bounds each attempt of a JSON call.
	RequestTimeout time.Duration

	MaxRetries int
	RetryBase  time.Duration
	// MinSpacing is the minimum gap between two attempts on one endpoint.
	// Zero disables throttling.
	MinSpacing time.Duration
}

// DefaultConfig returns a config with the default timeouts and retry policy.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		ConnectTimeout: DefaultConnectTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		RequestTimeout: DefaultRequestTimeout,
		MaxRetries:     DefaultMaxRetries,
		RetryBase:      DefaultRetryBase,
		MinSpacing:     DefaultMinSpacing,
	}
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCredentialHook registers fn to observe credential changes. It receives
// the new token, or "" when the credential is cleared.
func WithCredentialHook(fn func(token string)) Option {
	return func(c *Client) { c.onCredential = fn }
}

// Client is a backend client. It is safe for concurrent use.
type Client struct {
	cfg          Config
	http         *http.Client
	logger       *zap.Logger
	onCredential func(string)

	mu         sync.RWMutex
	credential string

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	group singleflight.Group
}

// New creates a new backend client
func New(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	c := &Client{
		cfg:        cfg,
		http:       &http.Client{},
		logger:     zap.NewNop(),
		credential: cfg.Credential,
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root URL
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// Credential returns the current bearer token, or "" when signed out.
func (c *Client) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

// SetCredential installs a bearer token.
func (c *Client) SetCredential(token string) {
	c.mu.Lock()
	c.credential = token
	c.mu.Unlock()
	if c.onCredential != nil {
		c.onCredential(token)
	}
}

// ClearCredential signs the client out.
func (c *Client) ClearCredential() {
	c.mu.Lock()
	had := c.credential != ""
	c.credential = ""
	c.mu.Unlock()
	if had && c.onCredential != nil {
		c.onCredential("")
	}
}

func (c *Client) setHeaders(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.cfg.AppID != "" {
		req.Header.Set("X-App-Id", c.cfg.AppID)
	}
}

// rejected handles a 401/403 by dropping the credential.
func (c *Client) rejected(status int) {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.logger.Warn("Backend rejected credential", zap.Int("status", status))
		c.ClearCredential()
	}
}

func (c *Client) limiter(key string) *rate.Limiter {
	if c.cfg.MinSpacing <= 0 {
		return nil
	}
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()

	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.cfg.MinSpacing), 1)
		c.limiters[key] = l
	}
	return l
}
