package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// DefaultName is the broker name used when none is configured.
const DefaultName = "nats"

// headerChannel carries the bus channel name next to the subject it was mapped to.
const headerChannel = "bus-channel"

// Client is a minimal NATS-like client interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// Subscribe registers handle for a subject. A non-empty queue joins a queue group.
	Subscribe(subject, queue string, handle func(data []byte, headers map[string]string)) (func() error, error)
	// Close drains and closes the connection.
	Close() error
}

// Broker implements cbus.Broker using an injected NATS-like Client.
type Broker struct {
	client Client
	name   string
	prefix string
	queue  string
	logger *slog.Logger
}

var _ cbus.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithName overrides the broker name used by MarkChannelAsGalactic.
func WithName(name string) Option { return func(b *Broker) { b.name = name } }

// WithSubjectPrefix prepends prefix to every subject, for example "bus.".
func WithSubjectPrefix(prefix string) Option { return func(b *Broker) { b.prefix = prefix } }

// WithQueueGroup makes listeners share deliveries with other members of the group.
func WithQueueGroup(queue string) Option { return func(b *Broker) { b.queue = queue } }

// WithLogger sets the logger for dropped inbound messages.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a new NATS broker with the provided client.
func New(c Client, opts ...Option) *Broker {
	b := &Broker{client: c, name: DefaultName, logger: slog.Default()}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}

	return b
}

func (b *Broker) Name() string { return b.name }

// Subject maps a channel name to a NATS subject. Characters NATS reserves for
// wildcards and whitespace become underscores.
func (b *Broker) Subject(channel string) string {
	return b.prefix + subjectReplacer.Replace(channel)
}

var subjectReplacer = strings.NewReplacer(" ", "_", "\t", "_", "*", "_", ">", "_")

func (b *Broker) Send(ctx context.Context, channel string, msg cbus.Message) error {
	if err := b.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	body, err := cbus.Marshal(msg)
	if err != nil {
		return fmt.Errorf("nats publish serialize: %w", err)
	}

	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}

	headers[headerChannel] = channel

	if err := b.client.Publish(b.Subject(channel), body, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish %q: %w", channel, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (b *Broker) Listen(ctx context.Context, channel string, deliver cbus.Deliver) (func() error, error) {
	if err := b.ready(ctx, berr.ErrSubscribeFailed, "subscribe"); err != nil {
		return nil, err
	}

	subject := b.Subject(channel)

	unsubscribe, err := b.client.Subscribe(subject, b.queue, func(data []byte, _ map[string]string) {
		msg, err := cbus.Unmarshal(data)
		if err != nil {
			b.logger.Warn("nats inbound message dropped", "subject", subject, "err", err)
			return
		}

		if msg.Channel != channel {
			b.logger.Warn("nats inbound message for another channel dropped",
				"subject", subject, "channel", channel, "message_channel", msg.Channel)
			return
		}

		deliver(context.Background(), msg)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %q: %w", channel, errors.Join(berr.ErrSubscribeFailed, err))
	}

	var once sync.Once

	return func() error {
		var stopErr error
		once.Do(func() { stopErr = unsubscribe() })

		return stopErr
	}, nil
}

func (b *Broker) Close() error {
	if b.client == nil {
		return nil
	}

	return b.client.Close()
}

func (b *Broker) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.client == nil {
		return fmt.Errorf("nats %s: %w", label, base)
	}

	return nil
}
