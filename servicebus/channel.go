package servicebus

import (
	"context"
	"slices"
	"sort"
	"sync"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

// channel is a named stream with a reference count. Subscriptions, explicit
// Channel calls and galactic links each hold one reference.
type channel struct {
	name string
	refs int
	subs []*Subscription

	broker string
	stop   func() error

	qmu      sync.Mutex
	queue    []delivery
	draining bool
}

type delivery struct {
	ctx  context.Context
	msg  cbus.Message
	subs []*Subscription
}

// dispatch queues d and, unless another call is already draining this channel,
// delivers queued messages until the queue is empty. A handler that sends on the
// channel it is handling only enqueues, so per-channel order holds without
// deadlocking on reentrant sends.
func (c *channel) dispatch(d delivery) {
	c.qmu.Lock()
	c.queue = append(c.queue, d)

	if c.draining {
		c.qmu.Unlock()
		return
	}

	c.draining = true
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue[0] = delivery{}
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		for _, s := range next.subs {
			s.deliver(next.ctx, next.msg)
		}

		c.qmu.Lock()
	}

	c.draining = false
	c.qmu.Unlock()
}

func (c *channel) remove(s *Subscription) bool {
	i := slices.Index(c.subs, s)
	if i < 0 {
		return false
	}

	c.subs = slices.Delete(c.subs, i, i+1)

	return true
}

// teardown is the work left after a channel lost its last reference.
type teardown struct {
	ch      *channel
	victims []*Subscription
	stop    func() error
}

// acquireLocked returns the named channel, creating it when needed, and takes a reference.
func (b *Bus) acquireLocked(name string) (*channel, bool) {
	ch, ok := b.channels[name]
	if !ok {
		ch = &channel{name: name}
		b.channels[name] = ch
	}

	ch.refs++

	return ch, !ok
}

// releaseLocked drops a reference and destroys the channel when none are left.
func (b *Bus) releaseLocked(ch *channel) *teardown {
	ch.refs--
	if ch.refs > 0 {
		return nil
	}

	return b.destroyLocked(ch)
}

func (b *Bus) destroyLocked(ch *channel) *teardown {
	if b.channels[ch.name] == ch {
		delete(b.channels, ch.name)
	}

	td := &teardown{ch: ch, victims: ch.subs, stop: ch.stop}
	ch.subs = nil
	ch.stop = nil
	ch.broker = ""
	ch.refs = 0

	for _, s := range td.victims {
		b.releaseIDLocked(s.id, s)
	}

	return td
}

func (b *Bus) finish(td *teardown, from string) error {
	if td == nil {
		return nil
	}

	for _, s := range td.victims {
		live := s.active.Swap(false)
		if s.box != nil {
			s.box.close()
		}

		if !live {
			continue
		}

		b.emit(cbus.MonitorEvent{Type: cbus.MonitorUnsubscribed, Channel: s.channel, From: s.opts.From, Data: s.id})
	}

	var err error
	if td.stop != nil {
		err = td.stop()
	}

	b.emit(cbus.MonitorEvent{Type: cbus.MonitorChannelDestroyed, Channel: td.ch.name, From: from})

	return err
}

// Channel opens a channel and takes a reference on it. Balance every call with CloseChannel.
func (b *Bus) Channel(name, from string) error {
	if err := b.check(name, "open channel"); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return errClosed("open channel", name)
	}

	_, created := b.acquireLocked(name)
	b.mu.Unlock()

	if created {
		b.emit(cbus.MonitorEvent{Type: cbus.MonitorChannelCreated, Channel: name, From: from})
	}

	return nil
}

// CloseChannel releases one reference on the channel. When the count reaches zero the
// channel is destroyed, its subscriptions end and its streams close.
func (b *Bus) CloseChannel(name, from string) {
	b.mu.Lock()
	ch, ok := b.channels[name]
	if !ok {
		b.mu.Unlock()
		return
	}

	td := b.releaseLocked(ch)
	b.mu.Unlock()

	b.emit(cbus.MonitorEvent{Type: cbus.MonitorChannelClosed, Channel: name, From: from})

	if err := b.finish(td, from); err != nil {
		b.logger.Warn("bus galactic listener stop failed", "channel", name, "err", err)
	}
}

// ChannelRefCount returns the number of references held on a channel, zero if it does not exist.
func (b *Bus) ChannelRefCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ch, ok := b.channels[name]; ok {
		return ch.refs
	}

	return 0
}

// SubscriberCount returns the number of live subscriptions on a channel.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ch, ok := b.channels[name]; ok {
		return len(ch.subs)
	}

	return 0
}

// HasChannel reports whether the channel currently exists.
func (b *Bus) HasChannel(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.channels[name]

	return ok
}

// Channels lists open channel names in lexical order.
func (b *Bus) Channels() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.channels))
	for name := range b.channels {
		names = append(names, name)
	}
	b.mu.RUnlock()

	sort.Strings(names)

	return names
}
