package servicebus

import (
	"log/slog"
	"maps"
	"time"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

// DefaultRequestTimeout bounds how long a request waits for its response.
const DefaultRequestTimeout = 10 * time.Second

// Option configures a Bus instance.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures and the monitor dump.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRequestTimeout changes the default request timeout. Non-positive values are ignored.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithPropagator injects context headers into messages forwarded to brokers.
func WithPropagator(p cbus.HeaderPropagator) Option {
	return func(b *Bus) { b.propagator = p }
}

// WithMonitorDump logs every monitor event at info level.
func WithMonitorDump(on bool) Option {
	return func(b *Bus) { b.dump.Store(on) }
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*cbus.SubscribeOptions)

// WithSubscriptionID sets an explicit subscription id. Ids must be unique among live
// subscriptions and pending requests.
func WithSubscriptionID(id string) SubscribeOption {
	return func(o *cbus.SubscribeOptions) { o.ID = id }
}

// WithTypes restricts delivery to the given message types.
func WithTypes(types ...cbus.MessageType) SubscribeOption {
	return func(o *cbus.SubscribeOptions) { o.Types = types }
}

// WithSubscriber records who subscribed, for monitor events.
func WithSubscriber(from string) SubscribeOption {
	return func(o *cbus.SubscribeOptions) { o.From = from }
}

// Once ends the subscription after the first accepted message.
func Once() SubscribeOption {
	return func(o *cbus.SubscribeOptions) { o.Once = true }
}

func subscribeOptions(defaults cbus.SubscribeOptions, opts []SubscribeOption) cbus.SubscribeOptions {
	o := defaults
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	return o
}

// RequestOption configures a request.
type RequestOption func(*cbus.RequestOptions)

// WithReturnChannel listens for the response on a channel other than the request channel.
func WithReturnChannel(channel string) RequestOption {
	return func(o *cbus.RequestOptions) { o.ReturnChannel = channel }
}

// WithTimeout overrides the bus request timeout for one request.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *cbus.RequestOptions) { o.Timeout = d }
}

// WithRequestHeaders attaches headers to the request message.
func WithRequestHeaders(h map[string]string) RequestOption {
	return func(o *cbus.RequestOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string, len(h))
		}

		maps.Copy(o.Headers, h)
	}
}

// WithRequestTarget addresses the request to a single user.
func WithRequestTarget(user string) RequestOption {
	return func(o *cbus.RequestOptions) { o.Target = user }
}

// WithRequester records who sent the request.
func WithRequester(from string) RequestOption {
	return func(o *cbus.RequestOptions) { o.From = from }
}

func (b *Bus) requestOptions(channel string, opts []RequestOption) cbus.RequestOptions {
	var o cbus.RequestOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	if o.ReturnChannel == "" {
		o.ReturnChannel = channel
	}

	if o.Timeout <= 0 {
		o.Timeout = b.timeout
	}

	return o
}

// RespondOption configures a responder.
type RespondOption func(*respondOptions)

type respondOptions struct {
	returnChannel string
	sub           cbus.SubscribeOptions
}

// WithResponseChannel sends replies to a channel other than the request channel.
func WithResponseChannel(channel string) RespondOption {
	return func(o *respondOptions) { o.returnChannel = channel }
}

// WithResponderID sets an explicit id for the responder subscription.
func WithResponderID(id string) RespondOption {
	return func(o *respondOptions) { o.sub.ID = id }
}

// WithResponder records who answers, for monitor events and reply messages.
func WithResponder(from string) RespondOption {
	return func(o *respondOptions) { o.sub.From = from }
}
