package servicebus

import (
	"context"
	"errors"
	"fmt"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// RegisterBroker makes a broker available for galactic channels under its name.
func (b *Bus) RegisterBroker(br cbus.Broker) error {
	if br == nil {
		return fmt.Errorf("register broker: nil: %w", berr.ErrBrokerNotFound)
	}

	name := br.Name()

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return errClosed("register broker", name)
	}

	if _, exists := b.brokers[name]; exists {
		b.mu.Unlock()
		return fmt.Errorf("register broker %q: %w", name, berr.ErrBrokerExists)
	}

	b.brokers[name] = br
	b.mu.Unlock()

	b.emit(cbus.MonitorEvent{Type: cbus.MonitorBrokerAdded, Data: name})

	return nil
}

// UnregisterBroker removes a broker and turns its galactic channels local again.
// The broker itself is not closed.
func (b *Bus) UnregisterBroker(name string) error {
	b.mu.Lock()
	if _, ok := b.brokers[name]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("unregister broker %q: %w", name, berr.ErrBrokerNotFound)
	}

	delete(b.brokers, name)

	var (
		stops []func() error
		tds   []*teardown
		local []string
	)

	for _, ch := range b.channels {
		if ch.broker != name {
			continue
		}

		if ch.stop != nil {
			stops = append(stops, ch.stop)
		}

		ch.broker, ch.stop = "", nil
		local = append(local, ch.name)

		if td := b.releaseLocked(ch); td != nil {
			tds = append(tds, td)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, stop := range stops {
		if err := stop(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, ch := range local {
		b.emit(cbus.MonitorEvent{Type: cbus.MonitorLocal, Channel: ch, Data: name})
	}

	for _, td := range tds {
		if err := b.finish(td, ""); err != nil {
			errs = append(errs, err)
		}
	}

	b.emit(cbus.MonitorEvent{Type: cbus.MonitorBrokerRemoved, Data: name})

	return errors.Join(errs...)
}

// Brokers lists registered broker names.
func (b *Bus) Brokers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.brokers))
	for name := range b.brokers {
		names = append(names, name)
	}

	return names
}

// MarkChannelAsGalactic bridges channel through the named broker. From then on sends
// on the channel go to the broker only, and messages the broker receives are delivered
// to local subscribers. The link holds a reference on the channel until
// MarkChannelAsLocal.
func (b *Bus) MarkChannelAsGalactic(ctx context.Context, channel, broker string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.check(channel, "mark galactic"); err != nil {
		return err
	}

	b.mu.Lock()
	br, ok := b.brokers[broker]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("mark %q galactic: broker %q: %w", channel, broker, berr.ErrBrokerNotFound)
	}

	if ch, exists := b.channels[channel]; exists && ch.broker != "" {
		current := ch.broker
		b.mu.Unlock()

		if current == broker {
			return nil
		}

		return fmt.Errorf("mark %q galactic: already bridged by %q: %w", channel, current, berr.ErrBrokerExists)
	}

	ch, created := b.acquireLocked(channel)
	ch.broker = broker
	b.mu.Unlock()

	if created {
		b.emit(cbus.MonitorEvent{Type: cbus.MonitorChannelCreated, Channel: channel})
	}

	stop, err := br.Listen(ctx, channel, b.deliverInbound)
	if err != nil {
		b.mu.Lock()
		var td *teardown
		if ch.broker == broker {
			ch.broker = ""
			td = b.releaseLocked(ch)
		}
		b.mu.Unlock()
		_ = b.finish(td, "")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("mark %q galactic on %s: %w", channel, broker, errors.Join(berr.ErrSubscribeFailed, err))
	}

	b.mu.Lock()
	linked := b.channels[channel] == ch && ch.broker == broker
	if linked {
		ch.stop = stop
	}
	b.mu.Unlock()

	if !linked {
		return stop()
	}

	b.emit(cbus.MonitorEvent{Type: cbus.MonitorGalactic, Channel: channel, Data: broker})

	return nil
}

// MarkChannelAsLocal removes the broker link from channel. Subsequent sends are
// delivered to local subscribers again.
func (b *Bus) MarkChannelAsLocal(channel string) error {
	b.mu.Lock()
	ch, ok := b.channels[channel]
	if !ok || ch.broker == "" {
		b.mu.Unlock()
		return nil
	}

	broker, stop := ch.broker, ch.stop
	ch.broker, ch.stop = "", nil
	td := b.releaseLocked(ch)
	b.mu.Unlock()

	var errs []error
	if stop != nil {
		if err := stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %q listener on %s: %w", channel, broker, err))
		}
	}

	b.emit(cbus.MonitorEvent{Type: cbus.MonitorLocal, Channel: channel, Data: broker})

	if err := b.finish(td, ""); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// IsGalacticChannel reports whether channel is bridged through a broker.
func (b *Bus) IsGalacticChannel(channel string) bool {
	_, ok := b.GalacticBroker(channel)
	return ok
}

// GalacticBroker returns the broker bridging channel.
func (b *Bus) GalacticBroker(channel string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ch, ok := b.channels[channel]; ok && ch.broker != "" {
		return ch.broker, true
	}

	return "", false
}
