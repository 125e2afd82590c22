package bus

import "context"

// Broker connects galactic channels to an external transport (NATS, RabbitMQ, Kafka, ...).
//
// The bus forwards every message sent on a galactic channel to Send and delivers
// whatever Listen receives to local subscribers only. Implementations must be safe
// for concurrent use.
type Broker interface {
	// Name identifies the broker when marking channels as galactic.
	Name() string

	// Send writes msg to the transport destination mapped from channel.
	Send(ctx context.Context, channel string, msg Message) error

	// Listen starts receiving messages for channel. The returned stop function
	// ends the listener; it is safe to call more than once.
	Listen(ctx context.Context, channel string, deliver Deliver) (stop func() error, err error)

	// Close releases the transport.
	Close() error
}
