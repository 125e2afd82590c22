package bus_test

import (
	"errors"
	"testing"
	"time"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestCodec_RoundTripAndValidation(t *testing.T) {
	in := cbus.Message{
		ID:            "m-1",
		Channel:       "points",
		Type:          cbus.MessageTypeResponse,
		Payload:       point{X: 1, Y: 2},
		CorrelationID: "r-1",
		Headers:       map[string]string{"trace": "abc"},
		Target:        "alice",
		Timestamp:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	raw, err := cbus.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	out, err := cbus.Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if out.ID != in.ID || out.CorrelationID != "r-1" || out.Header("trace") != "abc" || out.Target != "alice" || !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("envelope mismatch: %+v", out)
	}

	p, err := cbus.DecodePayload[point](out)
	if err != nil || p != (point{X: 1, Y: 2}) {
		t.Fatalf("want decoded point, got %+v %v", p, err)
	}

	if _, err := cbus.Marshal(cbus.Message{Payload: make(chan int)}); !errors.Is(err, berr.ErrSerializationFailed) {
		t.Fatalf("want ErrSerializationFailed, got %v", err)
	}

	cases := map[string]error{
		`{`:                                    berr.ErrSerializationFailed,
		`{"id":"x","type":"request"}`:          berr.ErrInvalidChannel,
		`{"id":"x","channel":"c","type":"ok"}`: berr.ErrInvalidMessage,
	}

	for raw, want := range cases {
		if _, err := cbus.Unmarshal([]byte(raw)); !errors.Is(err, want) {
			t.Fatalf("%s: want %v, got %v", raw, want, err)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	direct := cbus.Message{Payload: point{X: 3}}
	if p, err := cbus.DecodePayload[point](direct); err != nil || p.X != 3 {
		t.Fatalf("direct: %+v %v", p, err)
	}

	if p, err := cbus.DecodePayload[point](cbus.Message{}); err != nil || p != (point{}) {
		t.Fatalf("nil payload must decode to zero, got %+v %v", p, err)
	}

	if _, err := cbus.DecodePayload[point](cbus.Message{ID: "bad", Payload: "text"}); err == nil {
		t.Fatalf("want error decoding a string into a struct")
	}
}

func TestMessage_OptionsAndClone(t *testing.T) {
	var m cbus.Message
	m.Apply(
		cbus.WithID("id-1"),
		cbus.WithCorrelationID("c-1"),
		cbus.WithHeader("a", "1"),
		cbus.WithHeaders(map[string]string{"b": "2"}),
		cbus.WithHeaders(nil),
		cbus.WithTarget("bob"),
		cbus.WithFrom("svc"),
		nil,
	)

	if m.ID != "id-1" || m.CorrelationID != "c-1" || m.Header("a") != "1" || m.Header("b") != "2" || m.Target != "bob" || m.From != "svc" {
		t.Fatalf("options not applied: %+v", m)
	}

	c := m.Clone()
	c.Headers["a"] = "changed"

	if m.Header("a") != "1" {
		t.Fatalf("clone must not share headers")
	}

	if !cbus.MessageTypeError.Valid() || cbus.MessageType("event").Valid() {
		t.Fatalf("type validity mismatch")
	}
}

func TestOptionsAndHeaders(t *testing.T) {
	all := cbus.SubscribeOptions{}
	if !all.Accepts(cbus.MessageTypeRequest) {
		t.Fatalf("empty filter accepts everything")
	}

	replies := cbus.SubscribeOptions{Types: []cbus.MessageType{cbus.MessageTypeResponse, cbus.MessageTypeError}}
	if replies.Accepts(cbus.MessageTypeRequest) || !replies.Accepts(cbus.MessageTypeError) {
		t.Fatalf("type filter mismatch")
	}

	h := map[string]string{"node": "mine"}
	cbus.StaticHeaders{"node": "default", "zone": "eu"}.Inject(t.Context(), h)

	if h["node"] != "mine" || h["zone"] != "eu" {
		t.Fatalf("static headers must not override: %v", h)
	}

	cbus.NopHeaderPropagator{}.Inject(t.Context(), h)

	if len(h) != 2 {
		t.Fatalf("nop propagator changed headers: %v", h)
	}
}
