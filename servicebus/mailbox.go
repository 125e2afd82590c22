package servicebus

import (
	"sync"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

// mailbox is an unbounded FIFO in front of a stream's output channel so a slow
// reader never blocks senders and never loses messages.
type mailbox struct {
	mu     sync.Mutex
	items  []cbus.Message
	closed bool

	wake      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
	out       chan cbus.Message
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake:  make(chan struct{}, 1),
		abort: make(chan struct{}),
		out:   make(chan cbus.Message),
	}
	go m.run()

	return m
}

func (m *mailbox) push(msg cbus.Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.items = append(m.items, msg)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// close stops accepting messages; queued ones are still handed out before out closes.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// stop discards queued messages and closes out as soon as possible.
func (m *mailbox) stop() {
	m.close()
	m.abortOnce.Do(func() { close(m.abort) })
}

func (m *mailbox) run() {
	defer close(m.out)

	for {
		m.mu.Lock()
		if len(m.items) == 0 {
			closed := m.closed
			m.mu.Unlock()

			if closed {
				return
			}

			select {
			case <-m.wake:
			case <-m.abort:
				return
			}

			continue
		}

		next := m.items[0]
		m.items[0] = cbus.Message{}
		m.items = m.items[1:]
		m.mu.Unlock()

		select {
		case m.out <- next:
		case <-m.abort:
			return
		}
	}
}
