// Package reconcile folds streamed answer chunks into the assistant message
// under construction.
package reconcile

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/liliang-cn/askchat/internal/domain"
	"github.com/liliang-cn/askchat/internal/metrics"
	"github.com/liliang-cn/askchat/internal/stream"
	"go.uber.org/zap"
)

// Defaults
const (
	DefaultWindow      = 100 * time.Millisecond
	DefaultMaxWait     = 400 * time.Millisecond
	DefaultPlaceholder = "No answer was returned."
)

// Outcome says what Apply did with a record
type Outcome int

const (
	// OutcomeAccepted means the answer text replaced the accumulated answer.
	OutcomeAccepted Outcome = iota
	// OutcomeStale means the answer was shorter than one already accepted.
	OutcomeStale
	// OutcomeMetadata means the record carried transport markers, not text.
	OutcomeMetadata
	// OutcomeEndOfStream means the backend signalled completion.
	OutcomeEndOfStream
	// OutcomeMalformed means the record could not be used at all.
	OutcomeMalformed
	// OutcomePaused means the record arrived while paused and was discarded.
	OutcomePaused
	// OutcomeClosed means the message is already frozen.
	OutcomeClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeStale:
		return "stale"
	case OutcomeMetadata:
		return "metadata"
	case OutcomeEndOfStream:
		return "end_of_stream"
	case OutcomeMalformed:
		return "malformed"
	case OutcomePaused:
		return "paused"
	default:
		return "closed"
	}
}

// Options configures an Engine
type Options struct {
	// Window is the debounce quiescence window.
	Window time.Duration
	// MaxWait bounds how long a continuous burst can hold back an update.
	// Zero disables the bound.
	MaxWait time.Duration
	// Placeholder is the final text when no usable answer arrived.
	Placeholder string
	// PreservePartialOnError keeps the partial answer above the error text
	// instead of replacing it.
	PreservePartialOnError bool
	// OnUpdate receives debounced snapshots. It may be called from a timer
	// goroutine and must not call back into the engine synchronously.
	OnUpdate func(domain.ChatMessage)
	Logger   *zap.Logger
	Metrics  *metrics.Stream
}

// Engine holds the streaming state of one assistant message.
type Engine struct {
	opts      Options
	logger    *zap.Logger
	debouncer *Debouncer

	mu          sync.Mutex
	msg         domain.ChatMessage
	answer      string
	answerLen   int
	lastGood    string
	refs        *referenceSet
	paused      bool
	closed      bool
	lastEmitted domain.ChatMessage
}

// NewEngine creates an engine for the given assistant placeholder.
func NewEngine(placeholder domain.ChatMessage, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Placeholder == "" {
		opts.Placeholder = DefaultPlaceholder
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	placeholder.IsLoading = true
	placeholder.Completed = false
	placeholder.IsError = false
	placeholder.Reference = nil

	e := &Engine{
		opts:        opts,
		logger:      logger.With(zap.String("message_id", placeholder.ID)),
		msg:         placeholder,
		refs:        newReferenceSet(),
		lastEmitted: placeholder,
	}
	e.debouncer = NewDebouncer(opts.Window, opts.MaxWait, e.emit)
	return e
}

// Apply folds one record into the state. Records are expected in arrival
// order; the engine never reorders them.
func (e *Engine) Apply(rec stream.Record) Outcome {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return OutcomeClosed
	}
	if e.paused {
		e.mu.Unlock()
		e.opts.Metrics.Drop("paused")
		return OutcomePaused
	}

	e.opts.Metrics.Record(rec.Kind.String())

	var outcome Outcome
	changed := false

	switch rec.Kind {
	case stream.Content:
		n := utf8.RuneCountInString(rec.Answer)
		if n < e.answerLen {
			outcome = OutcomeStale
			break
		}
		outcome = OutcomeAccepted
		if rec.Answer != e.answer {
			changed = true
		}
		e.answer = rec.Answer
		e.answerLen = n
		if rec.Answer != "" {
			e.lastGood = rec.Answer
		}
	case stream.Metadata:
		outcome = OutcomeMetadata
	case stream.EndOfStream:
		outcome = OutcomeEndOfStream
	default:
		e.mu.Unlock()
		e.opts.Metrics.Drop("malformed")
		return OutcomeMalformed
	}

	if e.refs.merge(rec.Reference) {
		changed = true
	}
	accepted := e.answerLen
	e.mu.Unlock()

	if outcome == OutcomeStale {
		e.opts.Metrics.Drop("stale")
		e.logger.Debug("Dropped stale chunk",
			zap.Int("length", utf8.RuneCountInString(rec.Answer)),
			zap.Int("accepted_length", accepted),
		)
	}
	if changed {
		e.debouncer.Trigger()
	}
	return outcome
}

// Pause discards every record until Resume. Nothing is queued.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume accepts records again.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

// Paused reports the pause flag.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Closed reports whether the message is frozen.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Snapshot returns the current state, including changes not yet emitted.
func (e *Engine) Snapshot() domain.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return e.msg.Clone()
	}
	return e.current()
}

// LastEmitted returns the most recent debounced update.
func (e *Engine) LastEmitted() domain.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEmitted.Clone()
}

// Flush delivers a pending update now.
func (e *Engine) Flush() {
	e.debouncer.Flush()
}

// Finalize delivers any pending update, then freezes the message as
// completed. Calling it on a frozen message returns the frozen state
// unchanged.
func (e *Engine) Finalize() domain.ChatMessage {
	e.debouncer.Flush()

	e.mu.Lock()
	if e.closed {
		defer e.mu.Unlock()
		return e.msg.Clone()
	}
	e.closed = true

	content := e.answer
	if content == "" || stream.IsMetadata(content) {
		content = e.lastGood
	}
	if content == "" {
		content = e.opts.Placeholder
	}

	e.msg.Content = content
	e.msg.Reference = e.refs.snapshot()
	e.msg.IsLoading = false
	e.msg.Completed = true
	e.msg.IsError = false
	final := e.msg.Clone()
	e.mu.Unlock()

	e.debouncer.Stop()
	e.opts.Metrics.Outcome("completed")
	return final
}

// Fail freezes the message as errored. The accumulated reference is kept.
func (e *Engine) Fail(err error) domain.ChatMessage {
	e.mu.Lock()
	if e.closed {
		defer e.mu.Unlock()
		return e.msg.Clone()
	}
	e.closed = true

	desc := domain.Describe(err)
	content := desc
	if e.opts.PreservePartialOnError && e.lastGood != "" {
		content = e.lastGood + "\n\n" + desc
	}

	e.msg.Content = content
	e.msg.Reference = e.refs.snapshot()
	e.msg.IsLoading = false
	e.msg.Completed = false
	e.msg.IsError = true
	if err != nil {
		e.msg.Error = err.Error()
	}
	final := e.msg.Clone()
	e.mu.Unlock()

	e.debouncer.Stop()
	e.opts.Metrics.Outcome("errored")
	return final
}

// Abandon freezes the message at its last emitted content without marking
// it completed. Used when the stream is cancelled.
func (e *Engine) Abandon() domain.ChatMessage {
	e.mu.Lock()
	if e.closed {
		defer e.mu.Unlock()
		return e.msg.Clone()
	}
	e.closed = true

	e.msg = e.lastEmitted.Clone()
	e.msg.IsLoading = false
	final := e.msg.Clone()
	e.mu.Unlock()

	e.debouncer.Stop()
	e.opts.Metrics.Outcome("cancelled")
	return final
}

// current builds the in-progress view. Callers hold e.mu.
func (e *Engine) current() domain.ChatMessage {
	msg := e.msg.Clone()
	msg.Content = e.answer
	msg.Reference = e.refs.snapshot()
	return msg
}

func (e *Engine) emit() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	msg := e.current()
	e.lastEmitted = msg
	e.mu.Unlock()

	e.opts.Metrics.Emit()
	if e.opts.OnUpdate != nil {
		e.opts.OnUpdate(msg.Clone())
	}
}
