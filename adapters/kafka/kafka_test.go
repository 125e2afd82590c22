package kafka_test

import (
	"context"
	"errors"
	"testing"

	"github.com/next-trace/scg-message-bus/adapters/kafka"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/servicebus"
)

// Unified Kafka adapter tests (single file).

type writeCall struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeWriter struct {
	calls []writeCall
	err   error
	// loop, when set, feeds written records to the reader's handlers.
	loop *fakeReader
}

func (f *fakeWriter) Write(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.calls = append(f.calls, writeCall{topic, key, value, headers})
	if f.err != nil {
		return f.err
	}

	if f.loop != nil {
		if h, ok := f.loop.topics[topic]; ok {
			h(kafka.Record{Topic: topic, Key: key, Value: value, Headers: headers})
		}
	}

	return nil
}

type fakeReader struct {
	topics map[string]func(kafka.Record)
	stops  int
	err    error
}

func newFakeReader() *fakeReader { return &fakeReader{topics: map[string]func(kafka.Record){}} }

func (f *fakeReader) Read(_ context.Context, topic string, handle func(kafka.Record)) (func() error, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.topics[topic] = handle

	return func() error {
		f.stops++
		delete(f.topics, topic)

		return nil
	}, nil
}

func TestKafka_SendTopicKeyAndHeaders(t *testing.T) {
	fw := &fakeWriter{}
	br := kafka.New(fw, nil, kafka.WithTopicPrefix("bus."))

	msg := cbus.Message{
		ID:            "m-1",
		Channel:       "stores::users",
		Type:          cbus.MessageTypeResponse,
		CorrelationID: "r-9",
		Headers:       map[string]string{"h": "v"},
	}
	if err := br.Send(t.Context(), "stores::users", msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(fw.calls) != 1 {
		t.Fatalf("want 1 write, got %d", len(fw.calls))
	}

	c := fw.calls[0]
	if c.topic != "bus.stores__users" {
		t.Fatalf("topic: %s", c.topic)
	}

	if string(c.key) != "r-9" || c.headers["h"] != "v" {
		t.Fatalf("key/headers: %q %+v", c.key, c.headers)
	}

	_ = br.Send(t.Context(), "plain", cbus.Message{ID: "m-2", Channel: "plain", Type: cbus.MessageTypeRequest})

	if string(fw.calls[1].key) != "m-2" {
		t.Fatalf("uncorrelated messages are keyed by id, got %q", fw.calls[1].key)
	}
}

func TestKafka_ListenDeliversAndStops(t *testing.T) {
	fr := newFakeReader()
	br := kafka.New(nil, fr)

	var got []cbus.Message

	stop, err := br.Listen(t.Context(), "ticks", func(_ context.Context, m cbus.Message) { got = append(got, m) })
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	val, _ := cbus.Marshal(cbus.Message{ID: "t-1", Channel: "ticks", Type: cbus.MessageTypeResponse, Payload: 1.0})
	fr.topics["ticks"](kafka.Record{Topic: "ticks", Value: val})
	fr.topics["ticks"](kafka.Record{Topic: "ticks", Value: []byte("garbage")})

	stray, _ := cbus.Marshal(cbus.Message{ID: "t-2", Channel: "ticks:other", Type: cbus.MessageTypeResponse})
	fr.topics["ticks"](kafka.Record{Topic: "ticks", Value: stray})

	if len(got) != 1 || got[0].ID != "t-1" || got[0].Payload != 1.0 {
		t.Fatalf("unexpected deliveries: %+v", got)
	}

	_ = stop()
	_ = stop()

	if fr.stops != 1 {
		t.Fatalf("want single stop, got %d", fr.stops)
	}
}

func TestKafka_Errors(t *testing.T) {
	br := kafka.New(nil, nil)
	msg := cbus.Message{Channel: "c", Type: cbus.MessageTypeRequest}

	if err := br.Send(t.Context(), "c", msg); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}

	if _, err := br.Listen(t.Context(), "c", func(context.Context, cbus.Message) {}); !errors.Is(err, berr.ErrSubscribeFailed) {
		t.Fatalf("want ErrSubscribeFailed, got %v", err)
	}

	fw := &fakeWriter{err: errors.New("leader not available")}
	fr := newFakeReader()
	fr.err = errors.New("unknown topic")
	br = kafka.New(fw, fr)

	if err := br.Send(t.Context(), "c", msg); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want wrapped ErrPublishFailed, got %v", err)
	}

	if _, err := br.Listen(t.Context(), "c", func(context.Context, cbus.Message) {}); !errors.Is(err, berr.ErrSubscribeFailed) {
		t.Fatalf("want wrapped ErrSubscribeFailed, got %v", err)
	}

	fw.err = context.Canceled
	if err := br.Send(t.Context(), "c", msg); !errors.Is(err, context.Canceled) || errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want bare context.Canceled, got %v", err)
	}

	bad := cbus.Message{Channel: "c", Type: cbus.MessageTypeRequest, Payload: func() {}}
	fw.err = nil

	if err := br.Send(t.Context(), "c", bad); !errors.Is(err, berr.ErrSerializationFailed) {
		t.Fatalf("want ErrSerializationFailed, got %v", err)
	}
}

func TestKafka_NewWithKgoValidation(t *testing.T) {
	if _, _, err := kafka.NewWithKgo(kafka.Config{}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed for missing brokers, got %v", err)
	}

	if _, _, err := kafka.NewWithKgo(kafka.Config{Brokers: []string{"localhost:9092"}, Acks: "most"}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed for bad acks, got %v", err)
	}
}

func TestKafka_GalacticRequestThroughBus(t *testing.T) {
	fr := newFakeReader()
	fw := &fakeWriter{loop: fr}
	br := kafka.New(fw, fr)
	b := servicebus.New()
	ctx := t.Context()

	_ = b.RegisterBroker(br)

	if err := b.MarkChannelAsGalactic(ctx, "pong-service", kafka.DefaultName); err != nil {
		t.Fatalf("mark galactic: %v", err)
	}

	if _, err := b.RespondOnce("pong-service", func(context.Context, cbus.Message) (any, error) { return "pong", nil }); err != nil {
		t.Fatalf("respond: %v", err)
	}

	req, err := b.RequestOnceWithID(ctx, "k-1", "pong-service", "ping")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	m, err := req.Wait(ctx)
	if err != nil || m.Payload != "pong" || m.CorrelationID != "k-1" {
		t.Fatalf("want pong, got %+v %v", m, err)
	}

	for _, c := range fw.calls {
		if string(c.key) != "k-1" {
			t.Fatalf("request and reply must share key k-1, got %q", c.key)
		}
	}
}
