package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/servicebus"
)

// Manager owns the stores of one bus.
type Manager struct {
	bus    *servicebus.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	stores map[string]*Store
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(b *servicebus.Bus, opts ...Option) *Manager {
	m := &Manager{bus: b, logger: slog.Default(), stores: make(map[string]*Store)}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}

	return m
}

// CreateStore returns the named store, creating it on first use.
func (m *Manager) CreateStore(name string) (*Store, error) {
	if name == "" {
		return nil, fmt.Errorf("create store: %w", berr.ErrInvalidChannel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[name]; ok {
		return s, nil
	}

	s := newStore(name, m.bus, m.logger)
	m.stores[name] = s

	return s, nil
}

// GetStore returns an existing store.
func (m *Manager) GetStore(name string) (*Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stores[name]
	if !ok {
		return nil, fmt.Errorf("get store %q: %w", name, berr.ErrStoreNotFound)
	}

	return s, nil
}

// DestroyStore forgets a store. Holders of the store keep its contents.
func (m *Manager) DestroyStore(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stores[name]; !ok {
		return false
	}

	delete(m.stores, name)

	return true
}

// Stores lists store names in lexical order.
func (m *Manager) Stores() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)

	return names
}

// ReadyJoin waits until every named store is initialized, creating missing ones.
func (m *Manager) ReadyJoin(ctx context.Context, names ...string) error {
	stores := make([]*Store, 0, len(names))
	for _, name := range names {
		s, err := m.CreateStore(name)
		if err != nil {
			return err
		}

		stores = append(stores, s)
	}

	for _, s := range stores {
		if err := s.WhenReady(ctx); err != nil {
			return fmt.Errorf("ready join %q: %w", s.name, err)
		}
	}

	return nil
}

// WipeAllStores resets every store.
func (m *Manager) WipeAllStores(ctx context.Context) error {
	m.mu.RLock()
	stores := make([]*Store, 0, len(m.stores))
	for _, s := range m.stores {
		stores = append(stores, s)
	}
	m.mu.RUnlock()

	var errs []error
	for _, s := range stores {
		if err := s.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("stores wiped", "count", len(stores))

	return errors.Join(errs...)
}
