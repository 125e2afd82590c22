package inmemory

import (
	"context"
	"sync"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

// Broker is a thread-safe in-process implementation of cbus.Broker.
// Every message sent is encoded to the wire envelope, decoded again and delivered
// synchronously to all listeners of the channel. Several buses sharing one
// Broker behave like nodes attached to the same external broker.
type Broker struct {
	name string

	mu        sync.Mutex
	record    bool
	sent      []cbus.Message
	listeners map[string]map[uint64]cbus.Deliver
	seq       uint64
	closed    bool
}

var _ cbus.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithRecording keeps every sent message for Messages. Records are never trimmed,
// so leave it off for long-running processes.
func WithRecording() Option { return func(b *Broker) { b.record = true } }

// New creates a new in-memory broker. An empty name defaults to "inmemory".
func New(name string, opts ...Option) *Broker {
	if name == "" {
		name = "inmemory"
	}

	b := &Broker{name: name, listeners: make(map[string]map[uint64]cbus.Deliver)}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}

	return b
}

func (b *Broker) Name() string { return b.name }

func (b *Broker) Send(ctx context.Context, channel string, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := cbus.Marshal(msg)
	if err != nil {
		return err
	}

	wire, err := cbus.Unmarshal(raw)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.record {
		b.sent = append(b.sent, wire)
	}

	targets := make([]cbus.Deliver, 0, len(b.listeners[channel]))
	for _, d := range b.listeners[channel] {
		targets = append(targets, d)
	}
	b.mu.Unlock()

	for _, deliver := range targets {
		deliver(ctx, wire.Clone())
	}

	return nil
}

func (b *Broker) Listen(_ context.Context, channel string, deliver cbus.Deliver) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := b.seq

	if b.listeners[channel] == nil {
		b.listeners[channel] = make(map[uint64]cbus.Deliver)
	}

	b.listeners[channel][id] = deliver

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.listeners[channel], id)

		if len(b.listeners[channel]) == 0 {
			delete(b.listeners, channel)
		}

		return nil
	}, nil
}

// Listeners returns the number of active listeners on channel.
func (b *Broker) Listeners(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.listeners[channel])
}

// Messages returns a copy of everything sent so far. It is empty unless the broker
// was built WithRecording.
func (b *Broker) Messages() []cbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]cbus.Message(nil), b.sent...)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.listeners = make(map[string]map[uint64]cbus.Deliver)

	return nil
}

// Closed reports whether Close was called.
func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}
