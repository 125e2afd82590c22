package nats_test

import (
	"context"
	"errors"
	"testing"

	"github.com/next-trace/scg-message-bus/adapters/nats"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/servicebus"
)

type publishCall struct {
	subject string
	data    []byte
	headers map[string]string
}

// fakeClient loops published messages back to subscribers of the same subject.
type fakeClient struct {
	calls  []publishCall
	subs   map[string]func([]byte, map[string]string)
	queues map[string]string
	unsubs int
	err    error
	subErr error
	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: map[string]func([]byte, map[string]string){}, queues: map[string]string{}}
}

func (f *fakeClient) Publish(subject string, data []byte, headers map[string]string) error {
	f.calls = append(f.calls, publishCall{subject, data, headers})
	if f.err != nil {
		return f.err
	}

	if h, ok := f.subs[subject]; ok {
		h(data, headers)
	}

	return nil
}

func (f *fakeClient) Subscribe(subject, queue string, handle func([]byte, map[string]string)) (func() error, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}

	f.subs[subject] = handle
	f.queues[subject] = queue

	return func() error {
		f.unsubs++
		delete(f.subs, subject)

		return nil
	}, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestNATS_SendMapsSubjectAndHeaders(t *testing.T) {
	fc := newFakeClient()
	br := nats.New(fc, nats.WithSubjectPrefix("bus."), nats.WithName("edge"))

	if br.Name() != "edge" {
		t.Fatalf("name mismatch: %s", br.Name())
	}

	msg := cbus.Message{ID: "1", Channel: "chat room", Type: cbus.MessageTypeResponse, Payload: "hi", Headers: map[string]string{"h1": "v1"}}
	if err := br.Send(t.Context(), "chat room", msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(fc.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(fc.calls))
	}

	c := fc.calls[0]
	if c.subject != "bus.chat_room" {
		t.Fatalf("subject mismatch: %s", c.subject)
	}

	if c.headers["h1"] != "v1" || c.headers["bus-channel"] != "chat room" {
		t.Fatalf("headers missing or wrong: %+v", c.headers)
	}

	decoded, err := cbus.Unmarshal(c.data)
	if err != nil || decoded.ID != "1" || decoded.Payload != "hi" {
		t.Fatalf("body mismatch: %+v %v", decoded, err)
	}
}

func TestNATS_ListenDeliversAndStops(t *testing.T) {
	fc := newFakeClient()
	br := nats.New(fc, nats.WithQueueGroup("workers"))

	var got []cbus.Message

	stop, err := br.Listen(t.Context(), "orders.*", func(_ context.Context, m cbus.Message) { got = append(got, m) })
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	if fc.queues["orders._"] != "workers" {
		t.Fatalf("queue group not passed: %+v", fc.queues)
	}

	_ = br.Send(t.Context(), "orders.*", cbus.Message{ID: "a", Channel: "orders.*", Type: cbus.MessageTypeRequest})

	// garbage on the subject is dropped
	fc.subs["orders._"]([]byte("not json"), nil)

	// so is traffic of a different channel sharing the subject
	other, _ := cbus.Marshal(cbus.Message{ID: "b", Channel: "orders._", Type: cbus.MessageTypeRequest})
	fc.subs["orders._"](other, nil)

	if len(got) != 1 || got[0].Channel != "orders.*" || got[0].ID != "a" {
		t.Fatalf("unexpected deliveries: %+v", got)
	}

	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	_ = stop()

	if fc.unsubs != 1 {
		t.Fatalf("want one unsubscribe, got %d", fc.unsubs)
	}
}

func TestNATS_NilClientError(t *testing.T) {
	br := nats.New(nil)

	if err := br.Send(t.Context(), "c", cbus.Message{Channel: "c", Type: cbus.MessageTypeRequest}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}

	if _, err := br.Listen(t.Context(), "c", func(context.Context, cbus.Message) {}); !errors.Is(err, berr.ErrSubscribeFailed) {
		t.Fatalf("want ErrSubscribeFailed, got %v", err)
	}

	if err := br.Close(); err != nil {
		t.Fatalf("close nil client: %v", err)
	}
}

func TestNATS_Publish_ErrorWrapping_And_ContextCancel(t *testing.T) {
	// client returns generic error -> should wrap
	fc := newFakeClient()
	fc.err = errors.New("boom")
	br := nats.New(fc)

	msg := cbus.Message{Channel: "c", Type: cbus.MessageTypeRequest}
	if err := br.Send(t.Context(), "c", msg); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	// client returns context.Canceled -> propagate as-is
	fc.err = context.Canceled

	err := br.Send(t.Context(), "c", msg)
	if !errors.Is(err, context.Canceled) || errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want bare context.Canceled, got %v", err)
	}

	fc.subErr = errors.New("denied")
	if _, err := br.Listen(t.Context(), "c", func(context.Context, cbus.Message) {}); !errors.Is(err, berr.ErrSubscribeFailed) {
		t.Fatalf("want ErrSubscribeFailed, got %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := br.Send(ctx, "c", msg); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestNATS_GalacticChannelThroughBus(t *testing.T) {
	fc := newFakeClient()
	br := nats.New(fc)
	b := servicebus.New()
	ctx := t.Context()

	if err := b.RegisterBroker(br); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := b.MarkChannelAsGalactic(ctx, "pong-service", nats.DefaultName); err != nil {
		t.Fatalf("mark galactic: %v", err)
	}

	if _, err := b.RespondStream("pong-service", func(context.Context, cbus.Message) (any, error) { return "pong", nil }); err != nil {
		t.Fatalf("respond: %v", err)
	}

	m, err := b.Ask(ctx, "pong-service", "ping")
	if err != nil || m.Payload != "pong" {
		t.Fatalf("want pong over nats, got %+v %v", m, err)
	}

	if len(fc.calls) != 2 {
		t.Fatalf("want request and response published, got %d", len(fc.calls))
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !fc.closed {
		t.Fatalf("closing the bus must close the broker")
	}
}
