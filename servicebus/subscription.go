package servicebus

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Subscription is a live registration on a channel. It stays active until
// Unsubscribe, until a once-subscription fires, or until the channel is destroyed.
type Subscription struct {
	id      string
	channel string
	ch      *channel
	bus     *Bus
	opts    cbus.SubscribeOptions
	match   func(cbus.Message) bool
	handler cbus.Handler
	box     *mailbox
	// internal subscriptions do not occupy the id registry.
	internal bool
	active   atomic.Bool
}

var (
	_ cbus.Subscription = (*Subscription)(nil)
	_ cbus.Stream       = (*Stream)(nil)
)

func (s *Subscription) ID() string         { return s.id }
func (s *Subscription) Channel() string    { return s.channel }
func (s *Subscription) IsSubscribed() bool { return s.active.Load() }

// Unsubscribe stops further delivery. It is safe to call more than once.
// On a stream that already ended it discards what is still queued.
func (s *Subscription) Unsubscribe() error {
	if !s.active.CompareAndSwap(true, false) {
		if s.box != nil {
			s.box.stop()
		}

		return nil
	}

	s.bus.detach(s, false)

	return nil
}

// Tick sends payload as a response on the subscription's channel, from the
// subscriber. It does not require the subscription to be live.
func (s *Subscription) Tick(ctx context.Context, payload any, opts ...cbus.MessageOption) error {
	return s.emitOwn(ctx, cbus.MessageTypeResponse, payload, opts)
}

// Error sends payload as an error message on the subscription's channel.
func (s *Subscription) Error(ctx context.Context, payload any, opts ...cbus.MessageOption) error {
	return s.emitOwn(ctx, cbus.MessageTypeError, payload, opts)
}

func (s *Subscription) emitOwn(ctx context.Context, typ cbus.MessageType, payload any, opts []cbus.MessageOption) error {
	if s.opts.From != "" {
		opts = append([]cbus.MessageOption{cbus.WithFrom(s.opts.From)}, opts...)
	}

	return s.bus.sendTyped(ctx, s.channel, typ, payload, "", opts)
}

func (s *Subscription) accepts(msg cbus.Message) bool {
	if !s.opts.Accepts(msg.Type) {
		return false
	}

	return s.match == nil || s.match(msg)
}

func (s *Subscription) deliver(ctx context.Context, msg cbus.Message) {
	if !s.active.Load() || !s.accepts(msg) {
		return
	}

	if s.opts.Once {
		if !s.active.CompareAndSwap(true, false) {
			return
		}

		defer s.bus.detach(s, true)
	}

	if s.box != nil {
		s.box.push(msg)
		return
	}

	s.invoke(ctx, msg)
}

func (s *Subscription) invoke(ctx context.Context, msg cbus.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("bus handler panicked",
				"channel", s.channel, "subscription", s.id, "message", msg.ID, "panic", r)
			s.bus.emit(cbus.MonitorEvent{
				Type: cbus.MonitorHandlerPanic, Channel: s.channel, From: s.opts.From, MessageID: msg.ID, Data: r,
			})
		}
	}()

	s.handler(ctx, msg)
}

// Stream is a subscription that delivers through a channel. Messages is closed once
// the subscription ends; readers should drain it until then or call Unsubscribe.
type Stream struct {
	*Subscription
}

// Messages returns the delivery channel.
func (s *Stream) Messages() <-chan cbus.Message { return s.box.out }

func (b *Bus) subscribe(
	channel string,
	o cbus.SubscribeOptions,
	h cbus.Handler,
	stream bool,
	match func(cbus.Message) bool,
	internal bool,
) (*Subscription, error) {
	if err := b.check(channel, "subscribe"); err != nil {
		return nil, err
	}

	if h == nil && !stream {
		return nil, fmt.Errorf("subscribe %q: nil handler: %w", channel, berr.ErrSubscribeFailed)
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	s := &Subscription{
		id:       o.ID,
		channel:  channel,
		bus:      b,
		opts:     o,
		match:    match,
		handler:  h,
		internal: internal,
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, errClosed("subscribe", channel)
	}

	if !internal {
		if err := b.claimIDLocked(s.id, s); err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("subscribe %q id %q: %w", channel, s.id, err)
		}
	}

	ch, created := b.acquireLocked(channel)
	s.ch = ch
	if stream {
		s.box = newMailbox()
	}

	s.active.Store(true)
	ch.subs = append(ch.subs, s)
	b.mu.Unlock()

	if created {
		b.emit(cbus.MonitorEvent{Type: cbus.MonitorChannelCreated, Channel: channel, From: o.From})
	}

	b.emit(cbus.MonitorEvent{Type: cbus.MonitorSubscribed, Channel: channel, From: o.From, Data: s.id})

	return s, nil
}

// detach removes an inactive subscription from its channel and drops its reference.
// Graceful detaches let a stream hand out what it already queued.
func (b *Bus) detach(s *Subscription, graceful bool) {
	b.mu.Lock()
	if !s.internal {
		b.releaseIDLocked(s.id, s)
	}

	var td *teardown
	if ch := b.channels[s.channel]; ch != nil && ch == s.ch && ch.remove(s) {
		td = b.releaseLocked(ch)
	}
	b.mu.Unlock()

	if s.box != nil {
		if graceful {
			s.box.close()
		} else {
			s.box.stop()
		}
	}

	b.emit(cbus.MonitorEvent{Type: cbus.MonitorUnsubscribed, Channel: s.channel, From: s.opts.From, Data: s.id})

	if err := b.finish(td, s.opts.From); err != nil {
		b.logger.Warn("bus galactic listener stop failed", "channel", s.channel, "err", err)
	}
}

// Listen calls h for every message on channel that passes the subscription filters.
// Without WithTypes every message type is delivered.
func (b *Bus) Listen(channel string, h cbus.Handler, opts ...SubscribeOption) (*Subscription, error) {
	return b.subscribe(channel, subscribeOptions(cbus.SubscribeOptions{}, opts), h, false, nil, false)
}

// Subscribe returns a stream of messages on channel. Cancel it with Unsubscribe.
func (b *Bus) Subscribe(channel string, opts ...SubscribeOption) (*Stream, error) {
	s, err := b.subscribe(channel, subscribeOptions(cbus.SubscribeOptions{}, opts), nil, true, nil, false)
	if err != nil {
		return nil, err
	}

	return &Stream{Subscription: s}, nil
}

// ListenStream calls h for every response and error message on channel.
func (b *Bus) ListenStream(channel string, h cbus.Handler, opts ...SubscribeOption) (*Subscription, error) {
	o := subscribeOptions(cbus.SubscribeOptions{Types: replyTypes()}, opts)
	return b.subscribe(channel, o, h, false, nil, false)
}

// ListenOnce calls h for the next response or error message on channel only.
func (b *Bus) ListenOnce(channel string, h cbus.Handler, opts ...SubscribeOption) (*Subscription, error) {
	o := subscribeOptions(cbus.SubscribeOptions{Types: replyTypes()}, opts)
	o.Once = true

	return b.subscribe(channel, o, h, false, nil, false)
}

// ListenRequestStream calls h for every request message on channel.
func (b *Bus) ListenRequestStream(channel string, h cbus.Handler, opts ...SubscribeOption) (*Subscription, error) {
	o := subscribeOptions(cbus.SubscribeOptions{Types: []cbus.MessageType{cbus.MessageTypeRequest}}, opts)
	return b.subscribe(channel, o, h, false, nil, false)
}

// ListenRequestOnce calls h for the next request message on channel only.
func (b *Bus) ListenRequestOnce(channel string, h cbus.Handler, opts ...SubscribeOption) (*Subscription, error) {
	o := subscribeOptions(cbus.SubscribeOptions{Types: []cbus.MessageType{cbus.MessageTypeRequest}}, opts)
	o.Once = true

	return b.subscribe(channel, o, h, false, nil, false)
}

func replyTypes() []cbus.MessageType {
	return []cbus.MessageType{cbus.MessageTypeResponse, cbus.MessageTypeError}
}

func correlatedWith(id string) func(cbus.Message) bool {
	return func(m cbus.Message) bool { return m.CorrelationID == id }
}
