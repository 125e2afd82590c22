package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/servicebus"
)

type claimsKey struct{}

func withClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

var errForbidden = errors.New("channel not allowed")

// conn is one websocket client. Bus handlers only enqueue on out; a single
// writer goroutine owns the socket writes.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	user   string
	scopes []string

	ctx    context.Context
	cancel context.CancelFunc
	out    chan Frame
	once   sync.Once

	mu   sync.Mutex
	subs map[string]*servicebus.Subscription
}

func newConn(s *Server, ws *websocket.Conn, claims *Claims) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		srv:    s,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan Frame, sendBuffer),
		subs:   make(map[string]*servicebus.Subscription),
	}

	if claims != nil {
		c.user = claims.Subject
		c.scopes = claims.Channels
	}

	return c
}

func (c *conn) from() string {
	if c.user == "" {
		return Subscriber
	}

	return Subscriber + ":" + c.user
}

func (c *conn) run() {
	if c.srv.collector != nil {
		c.srv.collector.ConnOpened()
		defer c.srv.collector.ConnClosed()
	}

	c.srv.logger.Info("bridge client connected", "user", c.user, "remote", c.ws.RemoteAddr().String())

	go c.writeLoop()
	c.readLoop()
	c.close()

	c.srv.logger.Info("bridge client disconnected", "user", c.user)
}

func (c *conn) close() {
	c.once.Do(func() {
		c.cancel()

		c.mu.Lock()
		subs := c.subs
		c.subs = map[string]*servicebus.Subscription{}
		c.mu.Unlock()

		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}

		_ = c.ws.Close()
	})
}

// push queues f for the client. A client too slow to drain its buffer is dropped.
func (c *conn) push(f Frame) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}

	select {
	case c.out <- f:
	case <-c.ctx.Done():
	default:
		c.srv.logger.Warn("bridge client too slow, dropping connection", "user", c.user)
		go c.close()
	}
}

func (c *conn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.srv.logger.Debug("ws write error", "err", err)
				c.close()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.srv.logger.Debug("ws read ended", "err", err)
			}

			return
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.push(errorFrame("", "", fmt.Errorf("frame: %w", berr.ErrInvalidMessage)))
			continue
		}

		c.dispatch(f)
	}
}

func (c *conn) dispatch(f Frame) {
	if f.Channel == "" && f.Type != FrameUnsubscribe {
		c.push(errorFrame(f.ID, "", fmt.Errorf("%s: %w", f.Type, berr.ErrInvalidChannel)))
		return
	}

	if f.Channel != "" && !allowed(f.Channel, c.srv.prefixes, c.scopes) {
		c.push(errorFrame(f.ID, f.Channel, errForbidden))
		return
	}

	var err error

	switch f.Type {
	case FrameSubscribe:
		err = c.subscribe(f)
	case FrameUnsubscribe:
		err = c.unsubscribe(f)
	case FrameSend:
		err = c.send(f)
	case FrameRequest:
		err = c.request(f)
	default:
		err = fmt.Errorf("unknown frame type %q", f.Type)
	}

	if err != nil {
		c.push(errorFrame(f.ID, f.Channel, err))
	}
}

func (c *conn) subscribe(f Frame) error {
	id := f.ID
	if id == "" {
		id = f.Channel
	}

	c.mu.Lock()
	_, dup := c.subs[id]
	c.mu.Unlock()

	if dup {
		return fmt.Errorf("subscription %q: %w", id, berr.ErrDuplicateID)
	}

	sub, err := c.srv.bus.Listen(f.Channel, func(_ context.Context, m cbus.Message) {
		if m.Target != "" && m.Target != c.user {
			return
		}

		c.push(Frame{Type: FrameMessage, ID: id, Channel: m.Channel, Message: &m})
	}, servicebus.WithSubscriber(c.from()))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()

	c.push(Frame{Type: FrameAck, ID: id, Channel: f.Channel})

	return nil
}

func (c *conn) unsubscribe(f Frame) error {
	id := f.ID
	if id == "" {
		id = f.Channel
	}

	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("subscription %q not found", id)
	}

	if err := sub.Unsubscribe(); err != nil {
		return err
	}

	c.push(Frame{Type: FrameAck, ID: id, Channel: sub.Channel()})

	return nil
}

// send forwards a client message to the channel as a request.
func (c *conn) send(f Frame) error {
	opts := []cbus.MessageOption{cbus.WithHeaders(f.Headers), cbus.WithFrom(c.from())}
	if c.user != "" {
		opts = append(opts, cbus.WithTarget(c.user))
	}

	if f.ID != "" {
		opts = append(opts, cbus.WithID(f.ID))
	}

	return c.srv.bus.SendRequest(c.ctx, f.Channel, f.Payload, opts...)
}

func (c *conn) request(f Frame) error {
	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}

	opts := []servicebus.RequestOption{
		servicebus.WithRequester(c.from()),
		servicebus.WithRequestHeaders(f.Headers),
	}

	if c.user != "" {
		opts = append(opts, servicebus.WithRequestTarget(c.user))
	}

	if f.Timeout != "" {
		d, err := time.ParseDuration(f.Timeout)
		if err != nil {
			return fmt.Errorf("request timeout %q: %w", f.Timeout, err)
		}

		opts = append(opts, servicebus.WithTimeout(d))
	}

	req, err := c.srv.bus.RequestOnceWithID(c.ctx, id, f.Channel, f.Payload, opts...)
	if err != nil {
		return err
	}

	req.Handle(
		func(m cbus.Message) {
			c.push(Frame{Type: FrameResponse, ID: id, Channel: f.Channel, Message: &m})
		},
		func(err error) {
			var re *servicebus.ResponseError
			if errors.As(err, &re) {
				c.push(Frame{Type: FrameError, ID: id, Channel: f.Channel, Message: &re.Response, Error: err.Error()})
				return
			}

			c.push(errorFrame(id, f.Channel, err))
		},
	)

	return nil
}
