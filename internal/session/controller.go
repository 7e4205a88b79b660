// Package session runs answer streams, at most one per chat session, and
// reports their progress through callbacks.
package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/askchat/internal/domain"
	"github.com/liliang-cn/askchat/internal/metrics"
	"github.com/liliang-cn/askchat/internal/reconcile"
	"github.com/liliang-cn/askchat/internal/stream"
	"go.uber.org/zap"
)

var (
	errPaused    = errors.New("stream paused")
	errCancelled = errors.New("stream cancelled")
	errFinished  = errors.New("stream finished")
)

// Streamer opens the answer stream for one user message
type Streamer interface {
	OpenStream(ctx context.Context, sessionID, message string) (io.ReadCloser, error)
}

// StreamerFunc adapts a function to Streamer
type StreamerFunc func(ctx context.Context, sessionID, message string) (io.ReadCloser, error)

// OpenStream calls f.
func (f StreamerFunc) OpenStream(ctx context.Context, sessionID, message string) (io.ReadCloser, error) {
	return f(ctx, sessionID, message)
}

// Callbacks receive a turn's progress. They run on a goroutine owned by the
// turn, one at a time and in order. Exactly one of OnComplete, OnError and
// OnCancel is called, and it is always the last call.
type Callbacks struct {
	OnUpdate   func(msg domain.ChatMessage)
	OnComplete func(msg domain.ChatMessage)
	OnError    func(msg domain.ChatMessage, err error)
	OnCancel   func(msg domain.ChatMessage)
}

// Turn is one question and the answer being streamed for it
type Turn struct {
	User      domain.ChatMessage
	Assistant domain.ChatMessage
	// Done is closed after the terminal callback returned.
	Done <-chan struct{}
}

// Options configures a Controller
type Options struct {
	Debounce    time.Duration
	MaxWait     time.Duration
	Placeholder string
	// KeepOpenOnPause leaves the connection open while paused. Records that
	// arrive meanwhile are still discarded. By default pausing aborts the
	// connection and Resume finalizes the answer.
	KeepOpenOnPause        bool
	PreservePartialOnError bool
	Logger                 *zap.Logger
	Metrics                *metrics.Stream
	Clock                  *domain.Clock
}

// State is the streaming state of a session
type State int

const (
	// Idle means no stream is open.
	Idle State = iota
	// Streaming means records are being applied.
	Streaming
	// Paused means records are being discarded.
	Paused
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case Paused:
		return "paused"
	default:
		return "idle"
	}
}

type streamState struct {
	sessionID string
	engine    *reconcile.Engine
	cancel    context.CancelCauseFunc
	box       *mailbox
	cb        Callbacks

	mu sync.Mutex
	// unwatch stops ending the turn when the caller's context is done.
	unwatch   func() bool
	paused    bool
	receiving bool
	// dropped is set once a pause aborted the connection.
	dropped  bool
	finished bool
}

// Controller owns the open streams
type Controller struct {
	streamer Streamer
	opts     Options
	logger   *zap.Logger
	clock    *domain.Clock

	mu      sync.Mutex
	streams map[string]*streamState
	// closing holds the done channels of released turns whose terminal
	// callback has not returned yet.
	closing map[string]<-chan struct{}
}

// NewController creates a new stream controller
func NewController(streamer Streamer, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = domain.NewClock()
	}
	return &Controller{
		streamer: streamer,
		opts:     opts,
		logger:   logger,
		clock:    clock,
		streams:  make(map[string]*streamState),
		closing:  make(map[string]<-chan struct{}),
	}
}

// Clock returns the clock stamping this controller's messages.
func (c *Controller) Clock() *domain.Clock {
	return c.clock
}

// Start sends message to sessionID and streams the answer in the background.
// Failures after Start returns are reported through cb.OnError.
func (c *Controller) Start(ctx context.Context, sessionID, message string, cb Callbacks) (Turn, error) {
	if sessionID == "" || strings.TrimSpace(message) == "" {
		return Turn{}, domain.ErrInvalidRequest
	}

	c.mu.Lock()
	if _, ok := c.streams[sessionID]; ok {
		c.mu.Unlock()
		return Turn{}, domain.ErrStreamActive
	}

	user := domain.NewUserMessage(sessionID, message, c.clock)
	placeholder := domain.NewAssistantPlaceholder(sessionID, c.clock)

	sctx, cancel := context.WithCancelCause(ctx)
	st := &streamState{
		sessionID: sessionID,
		cancel:    cancel,
		box:       newMailbox(cb.OnUpdate),
		cb:        cb,
	}
	st.engine = reconcile.NewEngine(placeholder, reconcile.Options{
		Window:                 c.opts.Debounce,
		MaxWait:                c.opts.MaxWait,
		Placeholder:            c.opts.Placeholder,
		PreservePartialOnError: c.opts.PreservePartialOnError,
		OnUpdate:               st.box.post,
		Logger:                 c.logger.With(zap.String("session_id", sessionID)),
		Metrics:                c.opts.Metrics,
	})
	c.streams[sessionID] = st
	c.mu.Unlock()

	// A pause may have closed the connection already, so ctx is watched here.
	unwatch := context.AfterFunc(ctx, func() { c.abandon(st) })
	st.mu.Lock()
	st.unwatch = unwatch
	st.mu.Unlock()

	c.logger.Info("Starting stream",
		zap.String("session_id", sessionID),
		zap.String("message_id", placeholder.ID),
	)

	go c.run(sctx, st, message)

	return Turn{User: user, Assistant: placeholder, Done: st.box.done}, nil
}

func (c *Controller) run(ctx context.Context, st *streamState, message string) {
	body, err := c.streamer.OpenStream(ctx, st.sessionID, message)
	if err != nil {
		c.settle(ctx, st, err)
		return
	}
	defer body.Close()

	st.setReceiving(true)
	defer st.setReceiving(false)

	onDrop := func(rec stream.Record) {
		c.opts.Metrics.Drop("malformed")
		c.logger.Debug("Dropped malformed record",
			zap.String("session_id", st.sessionID),
			zap.String("raw", rec.Raw),
		)
	}

	for rec, err := range stream.Records(body, onDrop) {
		if err != nil {
			c.settle(ctx, st, err)
			return
		}
		if st.engine.Apply(rec) == reconcile.OutcomeEndOfStream {
			break
		}
	}
	c.complete(st)
}

// settle decides how a stream that stopped with err ends, based on why its
// context was cancelled, if it was.
func (c *Controller) settle(ctx context.Context, st *streamState, err error) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errPaused):
		st.mu.Lock()
		st.dropped = true
		resumed := !st.paused
		st.mu.Unlock()
		c.logger.Info("Stream dropped by pause", zap.String("session_id", st.sessionID))
		if resumed {
			c.complete(st)
		}
	case errors.Is(cause, errCancelled), errors.Is(cause, errFinished):
	case cause != nil:
		// The caller's context ended the turn.
		c.abandon(st)
	default:
		c.fail(st, err)
	}
}

// Pause discards further records of the session's stream.
func (c *Controller) Pause(sessionID string) error {
	st := c.lookup(sessionID)
	if st == nil {
		return domain.ErrNoStream
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.paused || st.finished {
		return nil
	}
	st.paused = true
	st.engine.Pause()
	if !c.opts.KeepOpenOnPause {
		st.cancel(errPaused)
	}
	c.logger.Info("Stream paused",
		zap.String("session_id", sessionID),
		zap.Bool("receiving", st.receiving),
	)
	return nil
}

// Resume accepts records again. If the pause aborted the connection the
// answer is finalized with what was accepted before the pause.
func (c *Controller) Resume(sessionID string) error {
	st := c.lookup(sessionID)
	if st == nil {
		return domain.ErrNoStream
	}

	st.mu.Lock()
	if !st.paused {
		st.mu.Unlock()
		return nil
	}
	st.paused = false
	st.engine.Resume()
	dropped := st.dropped
	st.mu.Unlock()

	c.logger.Info("Stream resumed",
		zap.String("session_id", sessionID),
		zap.Bool("connection_dropped", dropped),
	)
	if dropped {
		c.complete(st)
	}
	return nil
}

// Cancel aborts the session's stream. The answer keeps the content last
// reported through OnUpdate and is handed to OnCancel.
func (c *Controller) Cancel(sessionID string) error {
	st := c.lookup(sessionID)
	if st == nil {
		return domain.ErrNoStream
	}
	c.abandon(st)
	return nil
}

// Shutdown cancels every open stream.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	open := make([]*streamState, 0, len(c.streams))
	for _, st := range c.streams {
		open = append(open, st)
	}
	c.mu.Unlock()

	for _, st := range open {
		c.abandon(st)
	}
}

// State reports the session's streaming state
func (c *Controller) State(sessionID string) State {
	st := c.lookup(sessionID)
	if st == nil {
		return Idle
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.paused {
		return Paused
	}
	return Streaming
}

// Snapshot returns the in-progress answer of the session's stream.
func (c *Controller) Snapshot(sessionID string) (domain.ChatMessage, bool) {
	st := c.lookup(sessionID)
	if st == nil {
		return domain.ChatMessage{}, false
	}
	return st.engine.Snapshot(), true
}

// Wait blocks until the session's current turn delivered its terminal
// callback, or ctx is done. It returns immediately when no stream is open.
func (c *Controller) Wait(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	done := c.closing[sessionID]
	if st := c.streams[sessionID]; st != nil {
		done = st.box.done
	}
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) lookup(sessionID string) *streamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[sessionID]
}

// release removes st from the map and reports whether the caller won the
// right to end the turn.
func (c *Controller) release(st *streamState) bool {
	c.mu.Lock()
	if c.streams[st.sessionID] == st {
		delete(c.streams, st.sessionID)
		c.closing[st.sessionID] = st.box.done
		go c.forget(st.sessionID, st.box.done)
	}
	c.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished {
		return false
	}
	st.finished = true
	if st.unwatch != nil {
		st.unwatch()
	}
	return true
}

// forget drops the session's closing entry once its terminal callback returned.
func (c *Controller) forget(sessionID string, done <-chan struct{}) {
	<-done
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing[sessionID] == done {
		delete(c.closing, sessionID)
	}
}

func (c *Controller) complete(st *streamState) {
	if !c.release(st) {
		return
	}
	st.cancel(errFinished)
	msg := st.engine.Finalize()
	c.logger.Info("Stream completed",
		zap.String("session_id", st.sessionID),
		zap.Int("length", len(msg.Content)),
	)
	st.box.finish(func() {
		if st.cb.OnComplete != nil {
			st.cb.OnComplete(msg)
		}
	})
}

func (c *Controller) fail(st *streamState, err error) {
	if !c.release(st) {
		return
	}
	st.cancel(errFinished)
	msg := st.engine.Fail(err)
	c.logger.Warn("Stream failed",
		zap.String("session_id", st.sessionID),
		zap.Error(err),
	)
	st.box.finish(func() {
		if st.cb.OnError != nil {
			st.cb.OnError(msg, err)
		}
	})
}

func (c *Controller) abandon(st *streamState) {
	if !c.release(st) {
		return
	}
	st.cancel(errCancelled)
	msg := st.engine.Abandon()
	c.logger.Info("Stream cancelled", zap.String("session_id", st.sessionID))
	st.box.finish(func() {
		if st.cb.OnCancel != nil {
			st.cb.OnCancel(msg)
		}
	})
}

func (s *streamState) setReceiving(v bool) {
	s.mu.Lock()
	s.receiving = v
	s.mu.Unlock()
}
