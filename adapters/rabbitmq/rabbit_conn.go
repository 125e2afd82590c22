package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Concrete AMQP connection-backed constructor and session with auto-reconnect.

const exchangeKind = "topic"

type Config struct {
	URL         string
	ConnTimeout time.Duration
	Exchange    string
}

// channel is the part of *amqp.Channel the broker uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type connection interface {
	Channel() (channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection struct{ *amqp.Connection }

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func dialAMQP(cfg Config) func() (connection, error) {
	return func() (connection, error) {
		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "scg-message-bus"},
			Dial:       amqp.DefaultDial(cfg.ConnTimeout),
		})
		if err != nil {
			return nil, err
		}

		return amqpConnection{conn}, nil
	}
}

// consumer is a listener binding that outlives connections. conn and stop describe
// the binding on the connection it is currently attached to.
type consumer struct {
	exchange string
	key      string
	handle   func(Delivery)

	conn connection
	stop func() error
}

func (c *consumer) bind(conn connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	stop, err := consumeOn(ch, c.exchange, c.key, true, c.handle)
	if err != nil {
		_ = ch.Close()
		return err
	}

	c.conn, c.stop = conn, stop

	return nil
}

func (c *consumer) unbind() error {
	if c.stop == nil {
		return nil
	}

	err := c.stop()
	c.conn, c.stop = nil, nil

	return err
}

type session struct {
	cfg    Config
	dial   func() (connection, error)
	logger *slog.Logger

	mu     sync.RWMutex
	conn   connection
	ch     channel
	closed chan struct{}
	ready  chan struct{} // closed when a channel is ready

	cmu       sync.Mutex
	consumers map[*consumer]struct{}
}

func newSession(cfg Config, logger *slog.Logger, dial func() (connection, error)) (*session, func()) {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}

	s := &session{
		cfg:       cfg,
		dial:      dial,
		logger:    logger,
		closed:    make(chan struct{}),
		ready:     make(chan struct{}),
		consumers: make(map[*consumer]struct{}),
	}
	go s.run()
	cleanup := func() { s.close() }

	return s, cleanup
}

func (s *session) current() connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn
}

// await returns the live connection and publishing channel, waiting for the first
// successful dial when necessary.
func (s *session) await(ctx context.Context) (connection, channel, error) {
	s.mu.RLock()
	conn, ch, ready := s.conn, s.ch, s.ready
	s.mu.RUnlock()

	if ch != nil {
		return conn, ch, nil
	}

	select {
	case <-ready:
	case <-s.closed:
		return nil, nil, fmt.Errorf("%w: rabbitmq session closed", berr.ErrPublishFailed)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	s.mu.RLock()
	conn, ch = s.conn, s.ch
	s.mu.RUnlock()

	if ch == nil {
		return nil, nil, fmt.Errorf("%w: rabbitmq not connected", berr.ErrPublishFailed)
	}

	return conn, ch, nil
}

func (s *session) Publish(ctx context.Context, m PubMsg) error {
	_, ch, err := s.await(ctx)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			Headers:     headersToTable(m.Headers),
			ContentType: "application/json",
			Body:        m.Body,
		},
	)
}

// Consume opens a dedicated channel per listener so a failing consumer cannot take
// the publishing channel down with it. The binding is restored after every reconnect
// until stop is called.
func (s *session) Consume(
	ctx context.Context,
	exchange, routingKey string,
	handle func(Delivery),
) (func() error, error) {
	if _, _, err := s.await(ctx); err != nil {
		return nil, err
	}

	c := &consumer{exchange: exchange, key: routingKey, handle: handle}

	s.cmu.Lock()
	// a nil connection means a reconnect is under way; rebind picks c up.
	if conn := s.current(); conn != nil {
		if err := c.bind(conn); err != nil {
			s.cmu.Unlock()
			return nil, err
		}
	}

	s.consumers[c] = struct{}{}
	s.cmu.Unlock()

	return func() error {
		s.cmu.Lock()
		defer s.cmu.Unlock()

		if _, ok := s.consumers[c]; !ok {
			return nil
		}

		delete(s.consumers, c)

		return c.unbind()
	}, nil
}

// rebind attaches every registered consumer to conn.
func (s *session) rebind(conn connection) {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	for c := range s.consumers {
		if c.conn == conn {
			continue
		}

		_ = c.unbind()

		if err := c.bind(conn); err != nil {
			s.logger.Warn("rabbitmq consumer not restored", "exchange", c.exchange, "routing_key", c.key, "err", err)
		}
	}
}

func (s *session) connect() (connection, channel, error) {
	conn, err := s.dial()
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if err := ch.ExchangeDeclare(s.cfg.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}

	return conn, ch, nil
}

func (s *session) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		conn, ch, err := s.connect()
		if err != nil {
			s.logger.Debug("rabbitmq dial failed", "err", err, "retry_in", backoff)

			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := min(backoff+jitter/2, maxBackoff)
			t := time.NewTimer(sleep)
			select {
			case <-s.closed:
				t.Stop()
				return
			case <-t.C:
			}

			backoff = min(backoff*2, maxBackoff)

			continue
		}

		backoff = time.Second
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		s.mu.Lock()
		select {
		case <-s.closed:
			s.mu.Unlock()
			_ = ch.Close()
			_ = conn.Close()
			return
		default:
		}
		s.conn = conn
		s.ch = ch
		close(s.ready)
		s.mu.Unlock()

		s.rebind(conn)

		select {
		case <-s.closed:
			return
		case reason := <-notify:
			s.logger.Warn("rabbitmq connection lost, reconnecting", "reason", reason)

			s.mu.Lock()
			s.conn, s.ch = nil, nil
			s.ready = make(chan struct{})
			s.mu.Unlock()
			_ = ch.Close()
			_ = conn.Close()
		}
	}
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
		s.ch = nil
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}
	return errors.Join(errs...)
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect, ensures the galactic exchange,
// and returns a Broker and cleanup. Closing the Broker also closes the session.
func NewWithAMQPConn(cfg Config, opts ...Option) (*Broker, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrPublishFailed)
	}

	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}

	b := New(nil, nil, append([]Option{WithExchange(cfg.Exchange)}, opts...)...)

	s, cleanup := newSession(cfg, b.logger, dialAMQP(cfg))
	b.Publisher, b.Consumer, b.closer = s, s, s.close

	return b, cleanup, nil
}
