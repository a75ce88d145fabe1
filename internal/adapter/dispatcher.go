package adapter

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"
)

// Filter selects records by exchange and/or symbol. Zero fields match
// everything.
type Filter struct {
	Exchange Exchange
	Symbol   string
}

// Match reports whether t passes the filter.
func (f Filter) Match(t TopOfBook) bool {
	return (f.Exchange == "" || f.Exchange == t.Exchange) &&
		(f.Symbol == "" || f.Symbol == t.Symbol)
}

// Handle identifies one registration.
type Handle uuid.UUID

func (h Handle) String() string { return uuid.UUID(h).String() }

// SubscriberStats reports delivery counters for one subscriber.
type SubscriberStats struct {
	Handle  Handle
	Filter  Filter
	Queued  uint64
	Dropped uint64
	Depth   int
}

// DispatcherConfig holds tunable parameters for a Dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds each subscriber's backlog. The oldest record is
	// dropped on overflow.
	QueueSize int
	// ChannelSize is the buffer of channels returned by Subscribe.
	ChannelSize int
}

// DefaultDispatcherConfig returns defaults sized for a handful of venues.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:   1024,
		ChannelSize: 64,
	}
}

type subscriber struct {
	handle  Handle
	filter  Filter
	q       *queue[TopOfBook]
	stop    chan struct{}
	stopped sync.Once
}

func (s *subscriber) stats() SubscriberStats {
	queued, dropped, depth := s.q.stats()
	return SubscriberStats{Handle: s.handle, Filter: s.filter, Queued: queued, Dropped: dropped, Depth: depth}
}

func (s *subscriber) close() {
	s.stopped.Do(func() {
		s.q.Close()
		close(s.stop)
	})
}

// Dispatcher fans records from every supervisor out to any number of
// subscribers. Each subscriber has its own queue and delivery goroutine,
// so a slow consumer only loses its own oldest records.
type Dispatcher struct {
	cfg DispatcherConfig

	// mu serializes registry writers. Publish reads the snapshot lock-free.
	mu     sync.Mutex
	subs   atomic.Pointer[[]*subscriber]
	closed bool

	published atomic.Uint64
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultDispatcherConfig().QueueSize
	}
	if cfg.ChannelSize < 0 {
		cfg.ChannelSize = 0
	}
	d := &Dispatcher{cfg: cfg}
	d.subs.Store(&[]*subscriber{})
	return d
}

// Register calls fn for every matching record, in publish order, from a
// goroutine owned by the subscription.
func (d *Dispatcher) Register(f Filter, fn func(TopOfBook)) Handle {
	s := d.add(f)
	go func() {
		for {
			t, ok := s.q.Pop()
			if !ok {
				return
			}
			select {
			case <-s.stop:
				return
			default:
			}
			fn(t)
		}
	}()
	return s.handle
}

// Subscribe returns a channel receiving every matching record. The channel
// is closed after Unregister or Close.
func (d *Dispatcher) Subscribe(f Filter) (Handle, <-chan TopOfBook) {
	s := d.add(f)
	ch := make(chan TopOfBook, d.cfg.ChannelSize)
	go func() {
		defer close(ch)
		for {
			t, ok := s.q.Pop()
			if !ok {
				return
			}
			select {
			case ch <- t:
			case <-s.stop:
				return
			}
		}
	}()
	return s.handle, ch
}

func (d *Dispatcher) add(f Filter) *subscriber {
	s := &subscriber{
		handle: Handle(uuid.New()),
		filter: f,
		q:      newQueue[TopOfBook](d.cfg.QueueSize),
		stop:   make(chan struct{}),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		s.close()
		return s
	}
	cur := *d.subs.Load()
	next := make([]*subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	d.subs.Store(&next)
	return s
}

// Unregister stops delivery to h. Unknown handles are ignored.
func (d *Dispatcher) Unregister(h Handle) {
	d.mu.Lock()
	cur := *d.subs.Load()
	next := make([]*subscriber, 0, len(cur))
	var gone *subscriber
	for _, s := range cur {
		if s.handle == h {
			gone = s
			continue
		}
		next = append(next, s)
	}
	d.subs.Store(&next)
	d.mu.Unlock()

	if gone != nil {
		gone.close()
	}
}

// Publish enqueues t for every matching subscriber. It never blocks.
func (d *Dispatcher) Publish(t TopOfBook) {
	d.published.Add(1)
	for _, s := range *d.subs.Load() {
		if s.filter.Match(t) {
			s.q.Push(t)
		}
	}
}

// Stats returns the counters for h.
func (d *Dispatcher) Stats(h Handle) (SubscriberStats, bool) {
	for _, s := range *d.subs.Load() {
		if s.handle == h {
			return s.stats(), true
		}
	}
	return SubscriberStats{}, false
}

// Subscribers returns the counters of every active subscriber in
// registration order.
func (d *Dispatcher) Subscribers() []SubscriberStats {
	subs := *d.subs.Load()
	out := make([]SubscriberStats, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.stats())
	}
	return out
}

// Published returns the number of records handed to Publish.
func (d *Dispatcher) Published() uint64 { return d.published.Load() }

// Len returns the number of active subscribers.
func (d *Dispatcher) Len() int { return len(*d.subs.Load()) }

// Close unregisters every subscriber. Later registrations are closed
// immediately.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	cur := *d.subs.Load()
	d.subs.Store(&[]*subscriber{})
	d.closed = true
	d.mu.Unlock()

	for _, s := range cur {
		if _, dropped, _ := s.q.stats(); dropped > 0 {
			logs.Infof("dispatcher: subscriber %s dropped %d records", s.handle, dropped)
		}
		s.close()
	}
}
