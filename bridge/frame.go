package bridge

import cbus "github.com/next-trace/scg-message-bus/contract/bus"

// Frame types sent by clients.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FrameRequest     = "request"
)

// Frame types sent by the bridge.
const (
	FrameAck      = "ack"
	FrameMessage  = "message"
	FrameResponse = "response"
	FrameError    = "error"
)

// Frame is one JSON websocket frame in either direction.
//
// ID names the client's subscription or request and is echoed on every frame
// produced for it.
type Frame struct {
	Type    string            `json:"type"`
	ID      string            `json:"id,omitempty"`
	Channel string            `json:"channel,omitempty"`
	Payload any               `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	Message *cbus.Message     `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func errorFrame(id, channel string, err error) Frame {
	return Frame{Type: FrameError, ID: id, Channel: channel, Error: err.Error()}
}
