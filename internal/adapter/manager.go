package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// AdapterFactory builds a fresh adapter for a venue.
type AdapterFactory func(Exchange) (Adapter, error)

type feedKey struct {
	Exchange Exchange
	Symbol   string
}

// Manager owns every active feed keyed by (exchange, symbol). Feeds are
// isolated: a terminal error on one never touches another.
type Manager struct {
	cfg     SupervisorConfig
	factory AdapterFactory
	pub     Publisher
	onState func(Config, State)

	mu    sync.Mutex
	feeds map[feedKey]*Supervisor
}

// NewManager creates a Manager publishing every record to pub.
func NewManager(cfg SupervisorConfig, factory AdapterFactory, pub Publisher) *Manager {
	return &Manager{
		cfg:     cfg,
		factory: factory,
		pub:     pub,
		feeds:   make(map[feedKey]*Supervisor),
	}
}

// OnState is installed on every Supervisor opened afterwards.
func (m *Manager) OnState(fn func(Config, State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// Open starts a feed. An unknown venue is rejected before any connection
// attempt. If the feed already exists it is replaced.
func (m *Manager) Open(ctx context.Context, conf Config) (*Supervisor, error) {
	ex, err := ParseExchange(string(conf.Exchange))
	if err != nil {
		return nil, err
	}
	conf.Exchange = ex

	ad, err := m.factory(ex)
	if err != nil {
		if !errors.Is(err, ErrUnsupportedVenue) {
			err = newError(ErrUnsupportedVenue, ex, "open", err)
		}
		return nil, err
	}
	sup, err := NewSupervisor(m.cfg, conf, ad, m.pub)
	if err != nil {
		return nil, fmt.Errorf("manager: open %s: %w", conf.Key(), err)
	}

	key := feedKey{Exchange: ex, Symbol: sup.conf.Symbol}
	m.mu.Lock()
	sup.OnState(m.onState)
	existing := m.feeds[key]
	m.feeds[key] = sup
	m.mu.Unlock()

	if existing != nil {
		existing.Stop()
	}
	if err := sup.Start(ctx); err != nil {
		m.mu.Lock()
		if m.feeds[key] == sup {
			delete(m.feeds, key)
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: start %s: %w", sup.conf.Key(), err)
	}
	return sup, nil
}

// Close stops and forgets one feed. It reports whether the feed existed.
func (m *Manager) Close(ex Exchange, symbol string) bool {
	key := feedKey{Exchange: ex, Symbol: strings.ToUpper(symbol)}

	m.mu.Lock()
	sup, ok := m.feeds[key]
	delete(m.feeds, key)
	m.mu.Unlock()

	if ok {
		sup.Stop()
	}
	return ok
}

// CloseAll stops every feed and waits for all of them to exit.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	feeds := m.feeds
	m.feeds = make(map[feedKey]*Supervisor)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sup := range feeds {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			s.Stop()
		}(sup)
	}
	wg.Wait()
}

// Get returns the feed for (ex, symbol), or nil.
func (m *Manager) Get(ex Exchange, symbol string) *Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feeds[feedKey{Exchange: ex, Symbol: strings.ToUpper(symbol)}]
}

// Sessions returns every feed ordered by exchange then symbol.
func (m *Manager) Sessions() []*Supervisor {
	m.mu.Lock()
	out := make([]*Supervisor, 0, len(m.feeds))
	for _, s := range m.feeds {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].conf.Key() < out[j].conf.Key()
	})
	return out
}
