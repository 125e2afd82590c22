package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

const (
	// DefaultName is the broker name used when none is configured.
	DefaultName = "rabbitmq"
	// DefaultExchange is the topic exchange galactic traffic flows through.
	DefaultExchange = "galactic"
)

type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Delivery is one inbound AMQP message.
type Delivery struct {
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// Consumer binds a private queue to exchange with routingKey and calls handle for
// each delivery until stop is called.
type Consumer interface {
	Consume(ctx context.Context, exchange, routingKey string, handle func(Delivery)) (stop func() error, err error)
}

type Broker struct {
	Publisher  Publisher
	Consumer   Consumer
	Propagator cbus.HeaderPropagator // optional, for context propagation into headers

	name     string
	exchange string
	logger   *slog.Logger
	closer   func() error
}

var _ cbus.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

func WithName(name string) Option { return func(b *Broker) { b.name = name } }

func WithExchange(exchange string) Option { return func(b *Broker) { b.exchange = exchange } }

// WithPropagator configures a HeaderPropagator for context propagation.
func WithPropagator(hp cbus.HeaderPropagator) Option { return func(b *Broker) { b.Propagator = hp } }

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

func New(p Publisher, c Consumer, opts ...Option) *Broker {
	b := &Broker{
		Publisher: p,
		Consumer:  c,
		name:      DefaultName,
		exchange:  DefaultExchange,
		logger:    slog.Default(),
	}

	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}

	return b
}

func (b *Broker) Name() string     { return b.name }
func (b *Broker) Exchange() string { return b.exchange }

var routingReplacer = strings.NewReplacer("#", "_", "*", "_", " ", "_")

// RoutingKey maps a channel to a routing key without topic wildcards.
func RoutingKey(channel string) string { return routingReplacer.Replace(channel) }

func (b *Broker) Send(ctx context.Context, channel string, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.Publisher == nil {
		return fmt.Errorf("rabbitmq publish: %w", berr.ErrPublishFailed)
	}

	body, err := cbus.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rabbitmq publish serialize: %w", err)
	}

	// copy headers to avoid mutating the message
	hdrs := make(map[string]string, len(msg.Headers)+4)
	for k, v := range msg.Headers {
		hdrs[k] = v
	}

	if b.Propagator != nil {
		b.Propagator.Inject(ctx, hdrs)
	}

	pm := PubMsg{Exchange: b.exchange, RoutingKey: RoutingKey(channel), Body: body, Headers: hdrs}
	if err := b.Publisher.Publish(ctx, pm); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish %q: %w", channel, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (b *Broker) Listen(ctx context.Context, channel string, deliver cbus.Deliver) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if b.Consumer == nil {
		return nil, fmt.Errorf("rabbitmq consume: %w", berr.ErrSubscribeFailed)
	}

	key := RoutingKey(channel)

	stop, err := b.Consumer.Consume(ctx, b.exchange, key, func(d Delivery) {
		msg, err := cbus.Unmarshal(d.Body)
		if err != nil {
			b.logger.Warn("rabbitmq inbound message dropped", "routing_key", d.RoutingKey, "err", err)
			return
		}

		if msg.Channel != channel {
			b.logger.Warn("rabbitmq inbound message for another channel dropped",
				"routing_key", d.RoutingKey, "channel", channel, "message_channel", msg.Channel)
			return
		}

		deliver(context.Background(), msg)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, fmt.Errorf("rabbitmq consume %q: %w", channel, errors.Join(berr.ErrSubscribeFailed, err))
	}

	return stop, nil
}

func (b *Broker) Close() error {
	if b.closer == nil {
		return nil
	}

	return b.closer()
}

func headersToTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}

	h := amqp.Table{}
	for k, v := range headers {
		h[k] = v
	}

	return h
}

func tableToHeaders(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}

	h := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			h[k] = s
			continue
		}

		h[k] = fmt.Sprint(v)
	}

	return h
}

// consumeOn declares an exclusive auto-delete queue on ch, binds it and pumps
// deliveries into handle. With own set, stop also closes ch.
func consumeOn(ch channel, exchange, key string, own bool, handle func(Delivery)) (func() error, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, err
	}

	if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
		return nil, err
	}

	tag := "bus-" + uuid.NewString()

	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		return nil, err
	}

	go func() {
		for d := range deliveries {
			handle(Delivery{RoutingKey: d.RoutingKey, Body: d.Body, Headers: tableToHeaders(d.Headers)})
		}
	}()

	var once sync.Once

	return func() error {
		var stopErr error
		once.Do(func() {
			stopErr = ch.Cancel(tag, false)
			if own {
				stopErr = errors.Join(stopErr, ch.Close())
			}
		})

		return stopErr
	}, nil
}

type amqpChannelPublisher struct{ ch *amqp.Channel }

func (p amqpChannelPublisher) Publish(ctx context.Context, m PubMsg) error {
	return p.ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			Headers:     headersToTable(m.Headers),
			Body:        m.Body,
			ContentType: "application/json",
		},
	)
}

type amqpChannelConsumer struct{ ch *amqp.Channel }

func (c amqpChannelConsumer) Consume(
	_ context.Context,
	exchange, routingKey string,
	handle func(Delivery),
) (func() error, error) {
	return consumeOn(c.ch, exchange, routingKey, false, handle)
}

// NewWithAMQPChannel builds a Broker on an existing channel and declares the exchange.
// The caller keeps ownership of the channel.
func NewWithAMQPChannel(ch *amqp.Channel, opts ...Option) (*Broker, error) {
	b := New(amqpChannelPublisher{ch: ch}, amqpChannelConsumer{ch: ch}, opts...)

	if err := ch.ExchangeDeclare(b.exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq declare exchange %q: %w", b.exchange, errors.Join(berr.ErrSubscribeFailed, err))
	}

	return b, nil
}
