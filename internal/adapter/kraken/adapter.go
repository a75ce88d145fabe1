// Package kraken adapts the Kraken spot WebSocket (v1) ticker channel.
package kraken

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"github.com/caesar-terminal/feedhub/internal/adapter"
)

// DefaultURL is the public v1 endpoint.
const DefaultURL = "wss://ws.kraken.com"

type subscription struct {
	Name string `json:"name"`
}

type request struct {
	Event        string        `json:"event"`
	ReqID        int64         `json:"reqid,omitempty"`
	Pair         []string      `json:"pair,omitempty"`
	Subscription *subscription `json:"subscription,omitempty"`
}

// Adapter speaks the Kraken v1 protocol. Events are JSON objects, market
// data arrives as arrays:
//
//	[340,{"a":["50000.2",1,"0.3"],"b":["50000.1",2,"0.5"],...},"ticker","XBT/USDT"]
//
// Each side is [price, wholeLotVolume, lotVolume]; the size is the
// decimal lot volume at index 2.
type Adapter struct {
	adapter.Protocol
	URL string

	ids atomic.Int64
}

// New returns an Adapter for the production endpoint.
func New() *Adapter {
	event := func(v string) adapter.Cond { return adapter.Cond{Path: adapter.Path{"event"}, Equals: v} }
	status := func(v string) adapter.Cond { return adapter.Cond{Path: adapter.Path{"status"}, Equals: v} }
	return &Adapter{
		URL: DefaultURL,
		Protocol: adapter.Protocol{
			Exchange: adapter.ExchangeKraken,
			Rules: []adapter.Rule{
				{When: []adapter.Cond{event("subscriptionStatus"), status("error")}, Kind: adapter.FrameError},
				{When: []adapter.Cond{event("error")}, Kind: adapter.FrameError},
				{When: []adapter.Cond{event("subscriptionStatus"), status("subscribed")}, Kind: adapter.FrameAck},
				{When: []adapter.Cond{event("subscriptionStatus"), status("unsubscribed")}, Kind: adapter.FrameControl},
				{When: []adapter.Cond{event("heartbeat")}, Kind: adapter.FrameControl},
				{When: []adapter.Cond{event("pong")}, Kind: adapter.FrameControl},
				{When: []adapter.Cond{event("systemStatus")}, Kind: adapter.FrameControl},
				{When: []adapter.Cond{{Path: adapter.Path{2}, Equals: "ticker"}}, Kind: adapter.FrameQuote},
			},
			ErrorText: []adapter.Path{{"errorMessage"}},
			Quote: adapter.QuoteLayout{
				Root:     adapter.Path{1},
				BidPrice: adapter.Path{"b", 0},
				BidSize:  adapter.Path{"b", 2},
				AskPrice: adapter.Path{"a", 0},
				AskSize:  adapter.Path{"a", 2},
			},
		},
	}
}

func (a *Adapter) Exchange() adapter.Exchange { return adapter.ExchangeKraken }

func (a *Adapter) Endpoint(context.Context) (adapter.Endpoint, error) {
	return adapter.Endpoint{URL: a.URL}, nil
}

func (a *Adapter) SubscribeMessages(native string) ([][]byte, error) {
	msg, err := sonic.Marshal(request{
		Event:        "subscribe",
		ReqID:        a.ids.Add(1),
		Pair:         []string{native},
		Subscription: &subscription{Name: "ticker"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

// Liveness sends an application ping. Kraken also emits a heartbeat every
// second on an idle subscription, which keeps the read deadline fresh.
func (a *Adapter) Liveness() adapter.Liveness {
	return adapter.Liveness{
		Interval: 15 * time.Second,
		Grace:    30 * time.Second,
		Ping: func() []byte {
			b, _ := sonic.Marshal(request{Event: "ping", ReqID: a.ids.Add(1)})
			return b
		},
	}
}
