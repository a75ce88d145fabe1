package adapter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HealthConfig holds tunable parameters for the HealthMonitor.
type HealthConfig struct {
	// StaleThreshold is the longest gap between records before a feed is
	// reported unhealthy.
	StaleThreshold time.Duration

	// CoolOff is how long a feed must stream after (re)connecting before
	// it is reported healthy again.
	CoolOff time.Duration
}

// DefaultHealthConfig returns defaults for liquid spot pairs.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		StaleThreshold: 30 * time.Second,
		CoolOff:        2 * time.Second,
	}
}

// FeedStatus is a point-in-time health report for one feed.
type FeedStatus struct {
	Exchange   Exchange  `json:"exchange"`
	Symbol     string    `json:"symbol"`
	State      string    `json:"state"`
	Healthy    bool      `json:"healthy"`
	LastRecord time.Time `json:"last_record,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type feedState struct {
	State       State
	LastRecord  time.Time
	RecoveredAt time.Time
	Err         error
}

// HealthMonitor combines supervisor state transitions with record
// freshness. Install OnState on the Manager and feed Run from a Dispatcher
// subscription.
type HealthMonitor struct {
	cfg  HealthConfig
	feed <-chan TopOfBook

	mu    sync.RWMutex
	feeds map[feedKey]*feedState

	nowFunc func() time.Time // injectable clock for testing
}

// NewHealthMonitor creates a monitor reading records from feed.
func NewHealthMonitor(cfg HealthConfig, feed <-chan TopOfBook) *HealthMonitor {
	return &HealthMonitor{
		cfg:     cfg,
		feed:    feed,
		feeds:   make(map[feedKey]*feedState),
		nowFunc: time.Now,
	}
}

func (h *HealthMonitor) get(k feedKey) *feedState {
	fs, ok := h.feeds[k]
	if !ok {
		fs = &feedState{}
		h.feeds[k] = fs
	}
	return fs
}

// OnState records a supervisor transition. Its signature matches
// Manager.OnState.
func (h *HealthMonitor) OnState(conf Config, st State) {
	now := h.nowFunc()
	h.mu.Lock()
	defer h.mu.Unlock()

	fs := h.get(feedKey{Exchange: conf.Exchange, Symbol: conf.Symbol})
	fs.State = st
	switch st {
	case StateStreaming:
		fs.RecoveredAt = now
		fs.Err = nil
	case StateConnecting:
		fs.RecoveredAt = time.Time{}
	}
}

// Fail records the terminal error of a feed.
func (h *HealthMonitor) Fail(conf Config, err error) {
	h.mu.Lock()
	h.get(feedKey{Exchange: conf.Exchange, Symbol: conf.Symbol}).Err = err
	h.mu.Unlock()
}

// Run consumes records until ctx is cancelled or the feed closes.
func (h *HealthMonitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-h.feed:
			if !ok {
				return
			}
			h.record(t)
		}
	}
}

func (h *HealthMonitor) record(t TopOfBook) {
	now := h.nowFunc()
	h.mu.Lock()
	h.get(feedKey{Exchange: t.Exchange, Symbol: t.Symbol}).LastRecord = now
	h.mu.Unlock()
}

// Healthy reports whether the feed is streaming, fresh and past its
// cool-off.
func (h *HealthMonitor) Healthy(ex Exchange, symbol string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fs, ok := h.feeds[feedKey{Exchange: ex, Symbol: symbol}]
	if !ok {
		return false
	}
	return h.healthy(fs, h.nowFunc())
}

func (h *HealthMonitor) healthy(fs *feedState, now time.Time) bool {
	if fs.State != StateStreaming || fs.LastRecord.IsZero() {
		return false
	}
	if now.Sub(fs.LastRecord) > h.cfg.StaleThreshold {
		return false
	}
	return fs.RecoveredAt.IsZero() || now.Sub(fs.RecoveredAt) >= h.cfg.CoolOff
}

// Feeds returns every known feed ordered by exchange then symbol.
func (h *HealthMonitor) Feeds() []FeedStatus {
	now := h.nowFunc()
	h.mu.RLock()
	out := make([]FeedStatus, 0, len(h.feeds))
	for k, fs := range h.feeds {
		st := FeedStatus{
			Exchange:   k.Exchange,
			Symbol:     k.Symbol,
			State:      fs.State.String(),
			Healthy:    h.healthy(fs, now),
			LastRecord: fs.LastRecord,
		}
		if fs.Err != nil {
			st.Error = fs.Err.Error()
		}
		out = append(out, st)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
