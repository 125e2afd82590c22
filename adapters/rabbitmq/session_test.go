package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeConn is an in-process AMQP connection whose channels route publishes to the
// queues bound on the same connection.
type fakeConn struct {
	mu        sync.Mutex
	notify    chan *amqp.Error
	queues    int
	bindings  map[string]string // queue -> routing key
	consumers map[string]fakeConsumer
	dropped   bool
}

type fakeConsumer struct {
	queue string
	out   chan amqp.Delivery
}

func newFakeConn() *fakeConn {
	return &fakeConn{bindings: map[string]string{}, consumers: map[string]fakeConsumer{}}
}

func (c *fakeConn) Channel() (channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped {
		return nil, amqp.ErrClosed
	}

	return &fakeChannel{conn: c}, nil
}

func (c *fakeConn) NotifyClose(r chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	c.notify = r
	c.mu.Unlock()

	return r
}

func (c *fakeConn) Close() error { return nil }

// drop simulates the broker going away.
func (c *fakeConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropped = true
	for tag, fc := range c.consumers {
		close(fc.out)
		delete(c.consumers, tag)
	}

	c.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "forced"}
}

func (c *fakeConn) consumerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.consumers)
}

type fakeChannel struct{ conn *fakeConn }

func (*fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (ch *fakeChannel) QueueDeclare(string, bool, bool, bool, bool, amqp.Table) (amqp.Queue, error) {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()

	ch.conn.queues++

	return amqp.Queue{Name: fmt.Sprintf("q-%d", ch.conn.queues)}, nil
}

func (ch *fakeChannel) QueueBind(name, key, _ string, _ bool, _ amqp.Table) error {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()

	ch.conn.bindings[name] = key

	return nil
}

func (ch *fakeChannel) Consume(queue, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()

	if ch.conn.dropped {
		return nil, amqp.ErrClosed
	}

	out := make(chan amqp.Delivery, 16)
	ch.conn.consumers[tag] = fakeConsumer{queue: queue, out: out}

	return out, nil
}

func (ch *fakeChannel) Cancel(tag string, _ bool) error {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()

	if fc, ok := ch.conn.consumers[tag]; ok {
		close(fc.out)
		delete(ch.conn.consumers, tag)
	}

	return nil
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()

	if ch.conn.dropped {
		return amqp.ErrClosed
	}

	for _, fc := range ch.conn.consumers {
		if ch.conn.bindings[fc.queue] == key {
			fc.out <- amqp.Delivery{RoutingKey: key, Body: msg.Body, Headers: msg.Headers}
		}
	}

	return nil
}

func (*fakeChannel) Close() error { return nil }

func TestSession_ConsumersSurviveReconnect(t *testing.T) {
	dials := make(chan *fakeConn, 4)

	s, cleanup := newSession(Config{URL: "amqp://fake"}, slog.Default(), func() (connection, error) {
		c := newFakeConn()
		dials <- c

		return c, nil
	})
	defer cleanup()

	ctx := t.Context()
	got := make(chan string, 16)

	stop, err := s.Consume(ctx, DefaultExchange, "orders", func(d Delivery) { got <- string(d.Body) })
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	first := <-dials

	if err := s.Publish(ctx, PubMsg{Exchange: DefaultExchange, RoutingKey: "orders", Body: []byte("one")}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if body := receive(t, got); body != "one" {
		t.Fatalf("want one, got %s", body)
	}

	first.drop()

	var second *fakeConn
	select {
	case second = <-dials:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not reconnect")
	}

	// publishes racing the rebind may be lost; retry until the consumer is back
	deadline := time.Now().Add(2 * time.Second)
	for {
		pctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_ = s.Publish(pctx, PubMsg{Exchange: DefaultExchange, RoutingKey: "orders", Body: []byte("two")})
		cancel()

		select {
		case body := <-got:
			if body != "two" {
				t.Fatalf("want two, got %s", body)
			}
		case <-time.After(20 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatalf("consumer not restored after reconnect")
			}

			continue
		}

		break
	}

	if n := second.consumerCount(); n != 1 {
		t.Fatalf("want one consumer on the new connection, got %d", n)
	}

	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if n := second.consumerCount(); n != 0 {
		t.Fatalf("stop must cancel the consumer, got %d left", n)
	}

	if err := stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func receive(t *testing.T, got <-chan string) string {
	t.Helper()

	select {
	case body := <-got:
		return body
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery")
		return ""
	}
}
