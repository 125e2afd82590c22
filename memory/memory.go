package memory

import (
	"github.com/next-trace/scg-message-bus/adapters/inmemory"
	"github.com/next-trace/scg-message-bus/servicebus"
)

// New constructs a message bus with the in-memory broker registered, so galactic
// channels can be exercised without external infrastructure. The broker records what it
// carries. The cleanup closes the bus.
func New(opts ...servicebus.Option) (*servicebus.Bus, *inmemory.Broker, func()) {
	br := inmemory.New("", inmemory.WithRecording())
	sb := servicebus.New(opts...)
	_ = sb.RegisterBroker(br) // a fresh bus has no brokers, registration cannot collide
	cleanup := func() { _ = sb.Close() }

	return sb, br, cleanup
}
