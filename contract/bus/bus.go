package bus

import "context"

// Bus is the send side of the message bus, kept free of subscription types so that
// services can depend on contracts only.
//
// Subscriptions, requests and responders live on the concrete bus in the servicebus package.
type Bus interface {
	// Send delivers a prepared envelope to the subscribers of msg.Channel.
	Send(ctx context.Context, msg Message) error

	// Publish broadcasts payload as a response-type message.
	Publish(ctx context.Context, channel string, payload any, opts ...MessageOption) error
	SendRequest(ctx context.Context, channel string, payload any, opts ...MessageOption) error
	SendResponse(ctx context.Context, channel string, payload any, correlationID string, opts ...MessageOption) error
	SendError(ctx context.Context, channel string, payload any, correlationID string, opts ...MessageOption) error

	// Lifecycle
	CloseChannel(channel, from string)
	Close() error
}

// Subscription is a handle bound to one channel and owned by one caller.
type Subscription interface {
	ID() string
	Channel() string
	IsSubscribed() bool
	Unsubscribe() error
}

// Stream is a subscription that exposes its deliveries as a Go channel.
// The channel is closed when the subscription ends.
type Stream interface {
	Subscription
	Messages() <-chan Message
}
