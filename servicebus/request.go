package servicebus

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// ResponseError is the failure of a request answered with an error message.
type ResponseError struct {
	Response cbus.Message
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("error response to %s on %q: %v", e.Response.CorrelationID, e.Response.Channel, e.Response.Payload)
}

func (e *ResponseError) Unwrap() error { return berr.ErrErrorResponse }

// Request is a pending correlated request. It completes exactly once: with the
// first correlated response, with an error response, on timeout, on cancellation
// or when the bus closes.
type Request struct {
	id            string
	channel       string
	returnChannel string
	bus           *Bus
	done          chan struct{}

	mu        sync.Mutex
	finished  bool
	resp      cbus.Message
	err       error
	callbacks []func(cbus.Message, error)
	listener  *Subscription
	timer     *time.Timer
	stopCtx   func() bool
}

func (r *Request) ID() string            { return r.id }
func (r *Request) Channel() string       { return r.channel }
func (r *Request) ReturnChannel() string { return r.returnChannel }

// Done is closed once the request completed.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the response and error. Both are zero until Done is closed.
func (r *Request) Result() (cbus.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.resp, r.err
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) (cbus.Message, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return cbus.Message{}, ctx.Err()
	}
}

// Handle registers callbacks for the outcome. Exactly one of them runs, once; if the
// request already completed it runs immediately on the calling goroutine.
func (r *Request) Handle(onResponse func(cbus.Message), onError func(error)) {
	cb := func(m cbus.Message, err error) {
		if err != nil {
			if onError != nil {
				onError(err)
			}

			return
		}

		if onResponse != nil {
			onResponse(m)
		}
	}

	r.mu.Lock()
	if !r.finished {
		r.callbacks = append(r.callbacks, cb)
		r.mu.Unlock()

		return
	}

	m, err := r.resp, r.err
	r.mu.Unlock()

	cb(m, err)
}

// Cancel fails the request with ErrRequestCanceled. A later response is ignored.
func (r *Request) Cancel() {
	r.complete(cbus.Message{}, fmt.Errorf("request %s: %w", r.id, berr.ErrRequestCanceled))
}

func (r *Request) onReply(_ context.Context, m cbus.Message) {
	if m.IsError() {
		r.complete(m, &ResponseError{Response: m})
		return
	}

	r.complete(m, nil)
}

func (r *Request) arm(ctx context.Context, listener *Subscription, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		r.complete(cbus.Message{}, fmt.Errorf("request %s on %q after %s: %w", r.id, r.channel, timeout, berr.ErrNoResponse))
	})
	stopCtx := context.AfterFunc(ctx, func() { r.complete(cbus.Message{}, ctx.Err()) })

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		timer.Stop()
		stopCtx()
		_ = listener.Unsubscribe()

		return
	}

	r.listener = listener
	r.timer = timer
	r.stopCtx = stopCtx
	r.mu.Unlock()
}

func (r *Request) complete(m cbus.Message, err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}

	r.finished = true
	r.resp = m
	r.err = err
	cbs := r.callbacks
	r.callbacks = nil
	listener, timer, stopCtx := r.listener, r.timer, r.stopCtx
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	if stopCtx != nil {
		stopCtx()
	}

	if listener != nil {
		_ = listener.Unsubscribe()
	}

	b := r.bus
	b.mu.Lock()
	b.releaseIDLocked(r.id, r)
	if b.pending[r.id] == r {
		delete(b.pending, r.id)
	}
	b.mu.Unlock()

	if err != nil {
		b.emit(cbus.MonitorEvent{Type: cbus.MonitorRequestFailed, Channel: r.channel, MessageID: r.id, Data: err})
	} else {
		b.emit(cbus.MonitorEvent{Type: cbus.MonitorRequestCompleted, Channel: r.returnChannel, MessageID: r.id})
	}

	close(r.done)

	for _, cb := range cbs {
		cb(m, err)
	}
}

// RequestOnceWithID sends a request with the given id and returns a handle that
// completes with the first response or error correlated with it. Responses with
// other correlation ids are ignored. While the request is pending its id cannot be
// reused; a duplicate fails with ErrDuplicateID. When nothing answers within the
// timeout the request fails with ErrNoResponse. Cancelling ctx fails the request
// with the context error.
func (b *Bus) RequestOnceWithID(
	ctx context.Context,
	id, channel string,
	payload any,
	opts ...RequestOption,
) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := b.check(channel, "request"); err != nil {
		return nil, err
	}

	if id == "" {
		id = uuid.NewString()
	}

	o := b.requestOptions(channel, opts)
	r := &Request{
		id:            id,
		channel:       channel,
		returnChannel: o.ReturnChannel,
		bus:           b,
		done:          make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, errClosed("request", channel)
	}

	if err := b.claimIDLocked(id, r); err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("request %q on %q: %w", id, channel, err)
	}

	b.pending[id] = r
	b.mu.Unlock()

	listener, err := b.subscribe(
		o.ReturnChannel,
		cbus.SubscribeOptions{ID: "reply:" + id, Types: replyTypes(), From: o.From, Once: true},
		r.onReply,
		false,
		correlatedWith(id),
		true,
	)
	if err != nil {
		r.complete(cbus.Message{}, err)
		return nil, err
	}

	r.arm(ctx, listener, o.Timeout)

	msg := cbus.Message{
		ID:            id,
		Channel:       channel,
		Type:          cbus.MessageTypeRequest,
		Payload:       payload,
		CorrelationID: id,
		Headers:       maps.Clone(o.Headers),
		Target:        o.Target,
		From:          o.From,
	}

	if err := b.Send(ctx, msg); err != nil {
		r.complete(cbus.Message{}, err)
		return nil, err
	}

	return r, nil
}

// RequestOnce is RequestOnceWithID with a generated id.
func (b *Bus) RequestOnce(ctx context.Context, channel string, payload any, opts ...RequestOption) (*Request, error) {
	return b.RequestOnceWithID(ctx, uuid.NewString(), channel, payload, opts...)
}

// Ask sends a request and waits for its response.
//
// Do not call Ask from a Handler or Responder. A reply sent on the channel the
// handler is draining is only queued until the handler returns, so Ask would block
// until it times out with ErrNoResponse. Use RequestOnce with Request.Handle there.
func (b *Bus) Ask(ctx context.Context, channel string, payload any, opts ...RequestOption) (cbus.Message, error) {
	r, err := b.RequestOnce(ctx, channel, payload, opts...)
	if err != nil {
		return cbus.Message{}, err
	}

	<-r.Done()

	return r.Result()
}

// RequestStreamWithID sends a request and calls h for every response and error
// correlated with id until the returned subscription is cancelled. The id is held
// by the subscription, so it cannot be reused while the stream is live.
func (b *Bus) RequestStreamWithID(
	ctx context.Context,
	id, channel string,
	payload any,
	h cbus.Handler,
	opts ...RequestOption,
) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if id == "" {
		id = uuid.NewString()
	}

	o := b.requestOptions(channel, opts)

	sub, err := b.subscribe(
		o.ReturnChannel,
		cbus.SubscribeOptions{ID: id, Types: replyTypes(), From: o.From},
		h,
		false,
		correlatedWith(id),
		false,
	)
	if err != nil {
		return nil, fmt.Errorf("request stream %q on %q: %w", id, channel, err)
	}

	msg := cbus.Message{
		ID:            id,
		Channel:       channel,
		Type:          cbus.MessageTypeRequest,
		Payload:       payload,
		CorrelationID: id,
		Headers:       maps.Clone(o.Headers),
		Target:        o.Target,
		From:          o.From,
	}

	if err := b.Send(ctx, msg); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	return sub, nil
}

// RequestStream is RequestStreamWithID with a generated id.
func (b *Bus) RequestStream(
	ctx context.Context,
	channel string,
	payload any,
	h cbus.Handler,
	opts ...RequestOption,
) (*Subscription, error) {
	return b.RequestStreamWithID(ctx, uuid.NewString(), channel, payload, h, opts...)
}
