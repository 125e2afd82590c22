package bus

import "context"

// Handler receives messages delivered to a callback subscription.
// Handlers run on the goroutine draining the channel and should not block for long.
// Messages sent to that channel from a handler are delivered after it returns, so a
// handler must not wait for a reply on it; register a callback with Request.Handle.
type Handler func(ctx context.Context, msg Message)

// Responder produces the payload answering a request. A returned error is sent
// back to the requester as an error-type message whose payload is the error text,
// or the ReplyPayload of a PayloadError.
type Responder func(ctx context.Context, req Message) (any, error)

// PayloadError is an error that supplies its own error reply payload.
type PayloadError interface {
	error
	ReplyPayload() any
}

// Deliver hands an inbound broker message to the local bus.
type Deliver func(ctx context.Context, msg Message)
