package servicebus

import (
	"context"
	"errors"
	"fmt"
	"maps"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// RespondOnce answers the next request on channel with fn's result.
func (b *Bus) RespondOnce(channel string, fn cbus.Responder, opts ...RespondOption) (*Subscription, error) {
	return b.respond(channel, fn, true, opts)
}

// RespondStream answers every request on channel until the subscription is cancelled.
func (b *Bus) RespondStream(channel string, fn cbus.Responder, opts ...RespondOption) (*Subscription, error) {
	return b.respond(channel, fn, false, opts)
}

// respond subscribes fn to requests. Replies carry the request id as correlation id
// and the request target; a returned error is sent as an error message.
func (b *Bus) respond(channel string, fn cbus.Responder, once bool, opts []RespondOption) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("respond on %q: nil responder: %w", channel, berr.ErrSubscribeFailed)
	}

	o := respondOptions{returnChannel: channel}
	for _, apply := range opts {
		if apply != nil {
			apply(&o)
		}
	}

	if o.returnChannel == "" {
		o.returnChannel = channel
	}

	o.sub.Types = []cbus.MessageType{cbus.MessageTypeRequest}
	o.sub.Once = once

	h := func(ctx context.Context, req cbus.Message) {
		payload, err := fn(ctx, req)

		corr := req.CorrelationID
		if corr == "" {
			corr = req.ID
		}

		reply := cbus.Message{
			Channel:       o.returnChannel,
			Type:          cbus.MessageTypeResponse,
			Payload:       payload,
			CorrelationID: corr,
			Headers:       maps.Clone(req.Headers),
			Target:        req.Target,
			From:          o.sub.From,
		}

		if err != nil {
			reply.Type = cbus.MessageTypeError
			reply.Payload = err.Error()

			var pe cbus.PayloadError
			if errors.As(err, &pe) {
				reply.Payload = pe.ReplyPayload()
			}
		}

		if sendErr := b.Send(ctx, reply); sendErr != nil {
			b.logger.Warn("bus responder reply failed",
				"channel", o.returnChannel, "correlation", corr, "err", sendErr)
		}
	}

	return b.subscribe(channel, o.sub, h, false, nil, false)
}
