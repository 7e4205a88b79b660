package session

import (
	"sync"

	"github.com/liliang-cn/askchat/internal/domain"
)

// mailbox delivers one turn's callbacks on a dedicated goroutine, in order.
// Only the latest unread update is kept. Once finish is called later
// updates are dropped, so nothing reaches the caller after the terminal
// callback.
type mailbox struct {
	onUpdate func(domain.ChatMessage)

	mu     sync.Mutex
	update *domain.ChatMessage
	final  func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newMailbox(onUpdate func(domain.ChatMessage)) *mailbox {
	m := &mailbox{
		onUpdate: onUpdate,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) post(msg domain.ChatMessage) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.update = &msg
	m.mu.Unlock()
	m.signal()
}

// finish queues the terminal callback. Only the first call has effect.
func (m *mailbox) finish(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.final = fn
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for range m.wake {
		m.mu.Lock()
		update, final, closed := m.update, m.final, m.closed
		m.update = nil
		m.mu.Unlock()

		if update != nil && m.onUpdate != nil {
			m.onUpdate(*update)
		}
		if closed {
			if final != nil {
				final()
			}
			close(m.done)
			return
		}
	}
}
