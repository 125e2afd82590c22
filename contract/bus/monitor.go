package bus

// MonitorType identifies a kind of bus activity reported to monitors.
type MonitorType string

const (
	MonitorChannelCreated   MonitorType = "channel.created"
	MonitorChannelDestroyed MonitorType = "channel.destroyed"
	MonitorChannelClosed    MonitorType = "channel.closed"
	MonitorSubscribed       MonitorType = "subscribed"
	MonitorUnsubscribed     MonitorType = "unsubscribed"
	MonitorSent             MonitorType = "sent"
	MonitorDropped          MonitorType = "dropped"
	MonitorForwarded        MonitorType = "forwarded"
	MonitorReceived         MonitorType = "received"
	MonitorRequestCompleted MonitorType = "request.completed"
	MonitorRequestFailed    MonitorType = "request.failed"
	MonitorGalactic         MonitorType = "channel.galactic"
	MonitorLocal            MonitorType = "channel.local"
	MonitorBrokerAdded      MonitorType = "broker.registered"
	MonitorBrokerRemoved    MonitorType = "broker.unregistered"
	MonitorHandlerPanic     MonitorType = "handler.panic"
)

// MonitorEvent describes one piece of bus activity.
type MonitorEvent struct {
	Type      MonitorType
	Channel   string
	From      string
	MessageID string
	// Data carries the message type for traffic events, the error for failures
	// and the broker name for galactic events.
	Data any
}

// Monitor observes bus activity. Monitors run synchronously and must not block.
type Monitor func(ev MonitorEvent)
