package adapter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Consolidated is the cross-venue view of one symbol.
type Consolidated struct {
	Symbol          string      `json:"symbol"`
	BestBid         float64     `json:"best_bid"`
	BestBidVolume   float64     `json:"best_bid_volume"`
	BestBidExchange Exchange    `json:"best_bid_exchange,omitempty"`
	BestAsk         float64     `json:"best_ask"`
	BestAskVolume   float64     `json:"best_ask_volume"`
	BestAskExchange Exchange    `json:"best_ask_exchange,omitempty"`
	Venues          []TopOfBook `json:"venues"`
}

// Crossed reports whether the best bid on one venue is above the best ask
// on another.
func (c Consolidated) Crossed() bool {
	return c.BestBid > 0 && c.BestAsk > 0 && c.BestBid > c.BestAsk
}

// CrossedEvent is emitted when one venue bids above another venue's ask.
type CrossedEvent struct {
	Symbol      string
	BidExchange Exchange
	AskExchange Exchange
	Bid         float64
	Ask         float64
	Spread      float64 // Bid - Ask
	Timestamp   time.Time
}

// ConsolidatedBook keeps the latest record per venue for every symbol and
// detects crossed markets between venues.
type ConsolidatedBook struct {
	feed      <-chan TopOfBook
	threshold float64 // minimum spread to emit an event

	mu    sync.RWMutex
	books map[string]map[Exchange]TopOfBook

	events chan CrossedEvent

	nowFunc func() time.Time
}

// NewConsolidatedBook reads records from feed. threshold is the minimum
// positive spread before a CrossedEvent is emitted; 0 emits on any cross.
func NewConsolidatedBook(feed <-chan TopOfBook, threshold float64) *ConsolidatedBook {
	return &ConsolidatedBook{
		feed:      feed,
		threshold: threshold,
		books:     make(map[string]map[Exchange]TopOfBook),
		events:    make(chan CrossedEvent, 256),
		nowFunc:   time.Now,
	}
}

// Events returns the channel of detected crosses.
func (cb *ConsolidatedBook) Events() <-chan CrossedEvent { return cb.events }

// Run applies records until ctx is cancelled or the feed closes.
func (cb *ConsolidatedBook) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-cb.feed:
			if !ok {
				return
			}
			cb.apply(t)
		}
	}
}

func (cb *ConsolidatedBook) apply(t TopOfBook) {
	cb.mu.Lock()
	venues, ok := cb.books[t.Symbol]
	if !ok {
		venues = make(map[Exchange]TopOfBook)
		cb.books[t.Symbol] = venues
	}
	venues[t.Exchange] = t
	others := make([]TopOfBook, 0, len(venues)-1)
	for ex, q := range venues {
		if ex != t.Exchange {
			others = append(others, q)
		}
	}
	cb.mu.Unlock()

	for _, o := range others {
		cb.check(t.Symbol, t, o)
		cb.check(t.Symbol, o, t)
	}
}

// check emits an event if bid's venue bids above ask's venue ask.
func (cb *ConsolidatedBook) check(symbol string, bid, ask TopOfBook) {
	if !hasBid(bid) || !hasAsk(ask) {
		return
	}
	spread := bid.Bid - ask.Ask
	if spread <= cb.threshold {
		return
	}
	ev := CrossedEvent{
		Symbol:      symbol,
		BidExchange: bid.Exchange,
		AskExchange: ask.Exchange,
		Bid:         bid.Bid,
		Ask:         ask.Ask,
		Spread:      spread,
		Timestamp:   cb.nowFunc(),
	}
	select {
	case cb.events <- ev:
	default:
		// Events channel full; drop rather than stall the feed.
	}
}

func hasBid(t TopOfBook) bool { return t.Bid > 0 && t.Quality&BidPriceSubstituted == 0 }
func hasAsk(t TopOfBook) bool { return t.Ask > 0 && t.Quality&AskPriceSubstituted == 0 }

// Snapshot returns the consolidated view of symbol.
func (cb *ConsolidatedBook) Snapshot(symbol string) (Consolidated, bool) {
	cb.mu.RLock()
	venues, ok := cb.books[symbol]
	if !ok {
		cb.mu.RUnlock()
		return Consolidated{}, false
	}
	c := Consolidated{Symbol: symbol, Venues: make([]TopOfBook, 0, len(venues))}
	for _, q := range venues {
		c.Venues = append(c.Venues, q)
	}
	cb.mu.RUnlock()

	sort.Slice(c.Venues, func(i, j int) bool { return c.Venues[i].Exchange < c.Venues[j].Exchange })
	for _, q := range c.Venues {
		if hasBid(q) && q.Bid > c.BestBid {
			c.BestBid, c.BestBidVolume, c.BestBidExchange = q.Bid, q.BidVolume, q.Exchange
		}
		if hasAsk(q) && (c.BestAsk == 0 || q.Ask < c.BestAsk) {
			c.BestAsk, c.BestAskVolume, c.BestAskExchange = q.Ask, q.AskVolume, q.Exchange
		}
	}
	return c, true
}

// Symbols lists every symbol seen so far.
func (cb *ConsolidatedBook) Symbols() []string {
	cb.mu.RLock()
	out := make([]string, 0, len(cb.books))
	for s := range cb.books {
		out = append(out, s)
	}
	cb.mu.RUnlock()
	sort.Strings(out)
	return out
}
