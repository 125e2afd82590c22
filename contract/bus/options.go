package bus

import "time"

// RequestOptions controls a correlated request.
// A zero Timeout means the bus default; an empty ReturnChannel means the request channel.
type RequestOptions struct {
	ReturnChannel string
	Timeout       time.Duration
	Headers       map[string]string
	Target        string
	From          string
}

// SubscribeOptions controls a subscription.
// An empty Types slice accepts every message type.
type SubscribeOptions struct {
	ID    string
	Types []MessageType
	From  string
	Once  bool
}

// Accepts reports whether a message of type t passes the type filter.
func (o SubscribeOptions) Accepts(t MessageType) bool {
	if len(o.Types) == 0 {
		return true
	}

	for _, want := range o.Types {
		if want == t {
			return true
		}
	}

	return false
}
