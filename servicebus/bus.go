package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Bus is an in-process message bus of named channels.
//
// Delivery is synchronous on the sending goroutine unless the channel is already
// being drained, in which case the message is queued behind earlier ones. Bus is
// concurrency-safe and contains no global state.
type Bus struct {
	mu sync.RWMutex

	channels map[string]*channel
	// ids holds live subscription ids and pending request ids, mapped to their owner.
	ids     map[string]any
	pending map[string]*Request
	brokers map[string]cbus.Broker

	monMu    sync.RWMutex
	monitors []monitorEntry
	monSeq   uint64
	dump     atomic.Bool

	timeout    time.Duration
	propagator cbus.HeaderPropagator
	logger     *slog.Logger
	closed     atomic.Bool
}

var _ cbus.Bus = (*Bus)(nil)

// New constructs a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		channels: make(map[string]*channel),
		ids:      make(map[string]any),
		pending:  make(map[string]*Request),
		brokers:  make(map[string]cbus.Broker),
		timeout:  DefaultRequestTimeout,
		logger:   slog.Default(),
	}

	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}

	return b
}

// RequestTimeout returns the default request timeout.
func (b *Bus) RequestTimeout() time.Duration { return b.timeout }

func (b *Bus) check(channel, op string) error {
	if channel == "" {
		return fmt.Errorf("%s: %w", op, berr.ErrInvalidChannel)
	}

	if b.closed.Load() {
		return errClosed(op, channel)
	}

	return nil
}

func errClosed(op, channel string) error {
	return fmt.Errorf("%s %q: %w", op, channel, berr.ErrBusClosed)
}

// claimIDLocked registers id for owner. It fails while the id is held by a live
// subscription or a pending request.
func (b *Bus) claimIDLocked(id string, owner any) error {
	if _, taken := b.ids[id]; taken {
		return berr.ErrDuplicateID
	}

	b.ids[id] = owner

	return nil
}

func (b *Bus) releaseIDLocked(id string, owner any) {
	if b.ids[id] == owner {
		delete(b.ids, id)
	}
}

// Send delivers msg to every subscriber of msg.Channel, or forwards it to the broker
// when the channel is galactic. A channel without subscribers drops the message.
// Missing ids and timestamps are filled in.
func (b *Bus) Send(ctx context.Context, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.check(msg.Channel, "send"); err != nil {
		return err
	}

	if !msg.Type.Valid() {
		return fmt.Errorf("send on %q: message type %q: %w", msg.Channel, msg.Type, berr.ErrInvalidMessage)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	ch := b.channels[msg.Channel]

	var (
		broker cbus.Broker
		subs   []*Subscription
	)

	if ch != nil {
		if ch.broker != "" {
			broker = b.brokers[ch.broker]
		} else {
			subs = append(subs, ch.subs...)
		}
	}
	b.mu.RUnlock()

	if broker != nil {
		return b.forward(ctx, broker, msg)
	}

	if ch == nil || len(subs) == 0 {
		b.emit(cbus.MonitorEvent{Type: cbus.MonitorDropped, Channel: msg.Channel, From: msg.From, MessageID: msg.ID, Data: msg.Type})
		return nil
	}

	b.emit(cbus.MonitorEvent{Type: cbus.MonitorSent, Channel: msg.Channel, From: msg.From, MessageID: msg.ID, Data: msg.Type})
	ch.dispatch(delivery{ctx: ctx, msg: msg, subs: subs})

	return nil
}

func (b *Bus) forward(ctx context.Context, broker cbus.Broker, msg cbus.Message) error {
	out := msg.Clone()

	if b.propagator != nil {
		if out.Headers == nil {
			out.Headers = make(map[string]string)
		}

		b.propagator.Inject(ctx, out.Headers)
	}

	if err := broker.Send(ctx, out.Channel, out); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("forward %q to %s: %w", out.Channel, broker.Name(), errors.Join(berr.ErrPublishFailed, err))
	}

	b.emit(cbus.MonitorEvent{Type: cbus.MonitorForwarded, Channel: out.Channel, From: out.From, MessageID: out.ID, Data: broker.Name()})

	return nil
}

// deliverInbound hands a message received from a broker to local subscribers only.
func (b *Bus) deliverInbound(ctx context.Context, msg cbus.Message) {
	if b.closed.Load() {
		return
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	ch := b.channels[msg.Channel]

	var subs []*Subscription
	if ch != nil {
		subs = append(subs, ch.subs...)
	}
	b.mu.RUnlock()

	if ch == nil || len(subs) == 0 {
		b.emit(cbus.MonitorEvent{Type: cbus.MonitorDropped, Channel: msg.Channel, From: msg.From, MessageID: msg.ID, Data: msg.Type})
		return
	}

	b.emit(cbus.MonitorEvent{Type: cbus.MonitorReceived, Channel: msg.Channel, From: msg.From, MessageID: msg.ID, Data: msg.Type})
	ch.dispatch(delivery{ctx: ctx, msg: msg, subs: subs})
}

// Publish sends payload as a response-type message, the kind plain listeners receive.
func (b *Bus) Publish(ctx context.Context, channel string, payload any, opts ...cbus.MessageOption) error {
	return b.sendTyped(ctx, channel, cbus.MessageTypeResponse, payload, "", opts)
}

// SendRequest sends payload as a request-type message without waiting for an answer.
func (b *Bus) SendRequest(ctx context.Context, channel string, payload any, opts ...cbus.MessageOption) error {
	return b.sendTyped(ctx, channel, cbus.MessageTypeRequest, payload, "", opts)
}

// SendResponse sends a response correlated with an earlier request id.
func (b *Bus) SendResponse(
	ctx context.Context,
	channel string,
	payload any,
	correlationID string,
	opts ...cbus.MessageOption,
) error {
	return b.sendTyped(ctx, channel, cbus.MessageTypeResponse, payload, correlationID, opts)
}

// SendError sends an error correlated with an earlier request id.
func (b *Bus) SendError(
	ctx context.Context,
	channel string,
	payload any,
	correlationID string,
	opts ...cbus.MessageOption,
) error {
	return b.sendTyped(ctx, channel, cbus.MessageTypeError, payload, correlationID, opts)
}

func (b *Bus) sendTyped(
	ctx context.Context,
	channel string,
	typ cbus.MessageType,
	payload any,
	correlationID string,
	opts []cbus.MessageOption,
) error {
	msg := cbus.Message{Channel: channel, Type: typ, Payload: payload, CorrelationID: correlationID}
	msg.Apply(opts...)

	return b.Send(ctx, msg)
}

// Close ends every subscription and pending request, stops galactic listeners and
// closes registered brokers. Further operations fail with ErrBusClosed.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	var tds []*teardown
	for _, ch := range b.channels {
		tds = append(tds, b.destroyLocked(ch))
	}

	pending := make([]*Request, 0, len(b.pending))
	for _, r := range b.pending {
		pending = append(pending, r)
	}

	brokers := make([]cbus.Broker, 0, len(b.brokers))
	for _, br := range b.brokers {
		brokers = append(brokers, br)
	}

	b.brokers = make(map[string]cbus.Broker)
	b.mu.Unlock()

	var errs []error
	for _, td := range tds {
		if err := b.finish(td, ""); err != nil {
			errs = append(errs, err)
		}
	}

	for _, r := range pending {
		r.complete(cbus.Message{}, fmt.Errorf("request %s: %w", r.id, berr.ErrBusClosed))
	}

	for _, br := range brokers {
		if err := br.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker %s: %w", br.Name(), err))
		}
	}

	return errors.Join(errs...)
}
