// Package store keeps named key/value stores whose changes are broadcast over
// bus channels and whose mutations travel as bus requests.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/servicebus"
)

// Well-known change states.
const (
	StateInitialized = "initialized"
	StateReset       = "reset"
	StateUpdated     = "updated"
	StateRemoved     = "removed"
)

// ChangeChannel returns the channel a store broadcasts its changes on.
func ChangeChannel(name string) string { return "stores::" + name }

// MutationChannel returns the channel mutation requests for a store are sent on.
func MutationChannel(name string) string { return ChangeChannel(name) + "::mutations" }

// Change is the payload of a store change broadcast.
type Change struct {
	Store string `json:"store"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`
	State string `json:"state"`
}

// Mutation is the payload of a mutation request.
type Mutation struct {
	Store string `json:"store"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// MutationHandler applies a mutation and returns the value sent back to the requester.
type MutationHandler func(ctx context.Context, m Mutation) (any, error)

// Store is a concurrency-safe key/value cache bound to a bus.
type Store struct {
	name   string
	bus    *servicebus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	items   map[string]any
	ready   bool
	readyCh chan struct{}
}

func newStore(name string, b *servicebus.Bus, logger *slog.Logger) *Store {
	return &Store{
		name:    name,
		bus:     b,
		logger:  logger,
		items:   make(map[string]any),
		readyCh: make(chan struct{}),
	}
}

func (s *Store) Name() string { return s.name }

// Put stores value under key and broadcasts the change with the given state.
func (s *Store) Put(ctx context.Context, key string, value any, state string) error {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()

	return s.broadcast(ctx, Change{Key: key, Value: value, State: state})
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.items[key]

	return v, ok
}

// Remove deletes key and broadcasts the change. It reports whether the key existed.
func (s *Store) Remove(ctx context.Context, key, state string) (bool, error) {
	s.mu.Lock()
	v, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()

	if !ok {
		return false, nil
	}

	return true, s.broadcast(ctx, Change{Key: key, Value: v, State: state})
}

// AllValues returns the stored values ordered by key.
func (s *Store) AllValues() []any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := slices.Sorted(maps.Keys(s.items))
	out := make([]any, 0, len(keys))

	for _, k := range keys {
		out = append(out, s.items[k])
	}

	return out
}

// AllValuesAsMap returns a copy of the store contents.
func (s *Store) AllValuesAsMap() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.items)
}

// Populate fills an empty store and marks it ready. It returns false when the
// store already holds values.
func (s *Store) Populate(ctx context.Context, items map[string]any) (bool, error) {
	s.mu.Lock()
	if len(s.items) > 0 {
		s.mu.Unlock()
		return false, nil
	}

	maps.Copy(s.items, items)
	s.mu.Unlock()

	return true, s.Initialize(ctx)
}

// Initialize marks the store ready and wakes WhenReady callers.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return nil
	}

	s.ready = true
	close(s.readyCh)
	s.mu.Unlock()

	return s.broadcast(ctx, Change{State: StateInitialized})
}

// IsReady reports whether the store was initialized since the last reset.
func (s *Store) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.ready
}

// WhenReady blocks until the store is initialized or ctx is done.
func (s *Store) WhenReady(ctx context.Context) error {
	s.mu.RLock()
	ch := s.readyCh
	s.mu.RUnlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the store and marks it not ready.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.items = make(map[string]any)
	if s.ready {
		s.ready = false
		s.readyCh = make(chan struct{})
	}
	s.mu.Unlock()

	return s.broadcast(ctx, Change{State: StateReset})
}

// OnChange calls h for every change whose state is one of states, or for every
// change when states is empty.
func (s *Store) OnChange(h func(Change), states ...string) (*servicebus.Subscription, error) {
	return s.bus.ListenStream(ChangeChannel(s.name), func(_ context.Context, m cbus.Message) {
		c, err := cbus.DecodePayload[Change](m)
		if err != nil {
			s.logger.Warn("store change undecodable", "store", s.name, "err", err)
			return
		}

		if len(states) == 0 || slices.Contains(states, c.State) {
			h(c)
		}
	})
}

// Mutate asks whoever handles mutations for this store to apply value.
func (s *Store) Mutate(ctx context.Context, value any, mutationType string, opts ...servicebus.RequestOption) (*servicebus.Request, error) {
	m := Mutation{Store: s.name, Type: mutationType, Value: value}
	return s.bus.RequestOnce(ctx, MutationChannel(s.name), m, opts...)
}

// OnMutationRequest answers mutation requests with h until the subscription is cancelled.
func (s *Store) OnMutationRequest(h MutationHandler) (*servicebus.Subscription, error) {
	return s.bus.RespondStream(MutationChannel(s.name), func(ctx context.Context, req cbus.Message) (any, error) {
		m, err := cbus.DecodePayload[Mutation](req)
		if err != nil {
			return nil, fmt.Errorf("store %s mutation: %w", s.name, err)
		}

		return h(ctx, m)
	})
}

func (s *Store) broadcast(ctx context.Context, c Change) error {
	c.Store = s.name
	if err := s.bus.Publish(ctx, ChangeChannel(s.name), c); err != nil {
		return fmt.Errorf("store %s broadcast %s: %w", s.name, c.State, err)
	}

	return nil
}
