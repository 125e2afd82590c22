package kafka

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
const DefaultName = "kafka"

// Writer is a minimal Kafka-like writer interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Record is one consumed Kafka record.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Reader consumes topic from its current end and calls handle per record until stop.
type Reader interface {
	Read(ctx context.Context, topic string, handle func(Record)) (stop func() error, err error)
}

// Broker implements cbus.Broker using an injected Writer and Reader.
type Broker struct {
	Writer Writer
	Reader Reader

	name   string
	prefix string
	logger *slog.Logger
	closer func() error
}

var _ cbus.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

func WithName(name string) Option { return func(b *Broker) { b.name = name } }

// WithTopicPrefix prepends prefix to every topic, for example "bus.".
func WithTopicPrefix(prefix string) Option { return func(b *Broker) { b.prefix = prefix } }

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a new Kafka broker with the provided writer and reader.
func New(w Writer, r Reader, opts ...Option) *Broker {
	b := &Broker{Writer: w, Reader: r, name: DefaultName, logger: slog.Default()}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}

	return b
}

func (b *Broker) Name() string { return b.name }

// Topic maps a channel to a legal Kafka topic name.
func (b *Broker) Topic(channel string) string {
	return b.prefix + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, channel)
}

// Send writes msg keyed by its correlation id so a request and its replies share a partition.
func (b *Broker) Send(ctx context.Context, channel string, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.Writer == nil {
		return fmt.Errorf("kafka publish: %w", berr.ErrPublishFailed)
	}

	val, err := cbus.Marshal(msg)
	if err != nil {
		return fmt.Errorf("kafka publish serialize: %w", err)
	}

	key := msg.CorrelationID
	if key == "" {
		key = msg.ID
	}

	topic := b.Topic(channel)

	if err = b.Writer.Write(ctx, topic, []byte(key), val, msg.Headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// separate return from preceding multi-line block (wsl)
		return fmt.Errorf("kafka publish write %q: %w", topic, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (b *Broker) Listen(ctx context.Context, channel string, deliver cbus.Deliver) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if b.Reader == nil {
		return nil, fmt.Errorf("kafka consume: %w", berr.ErrSubscribeFailed)
	}

	topic := b.Topic(channel)

	stop, err := b.Reader.Read(ctx, topic, func(rec Record) {
		msg, err := cbus.Unmarshal(rec.Value)
		if err != nil {
			b.logger.Warn("kafka inbound record dropped", "topic", rec.Topic, "err", err)
			return
		}

		if msg.Channel != channel {
			b.logger.Warn("kafka inbound message for another channel dropped",
				"topic", rec.Topic, "channel", channel, "message_channel", msg.Channel)
			return
		}

		deliver(context.Background(), msg)
	})
	if err != nil {
		return nil, fmt.Errorf("kafka consume %q: %w", topic, errors.Join(berr.ErrSubscribeFailed, err))
	}

	var once sync.Once

	return func() error {
		var stopErr error
		once.Do(func() { stopErr = stop() })

		return stopErr
	}, nil
}

func (b *Broker) Close() error {
	if b.closer == nil {
		return nil
	}

	return b.closer()
}
