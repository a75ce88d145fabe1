// Package okx adapts the OKX v5 public WebSocket using the tick-by-tick
// best bid/offer channel.
package okx

import (
	"context"
	"time"

	"github.com/bytedance/sonic"

	"github.com/caesar-terminal/feedhub/internal/adapter"
)

// DefaultURL is the public v5 endpoint.
const DefaultURL = "wss://ws.okx.com:8443/ws/v5/public"

// Channel is the subscribed OKX channel.
const Channel = "bbo-tbt"

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type request struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

// Adapter speaks the OKX v5 protocol. Quote frames look like
//
//	{"arg":{"channel":"bbo-tbt","instId":"BTC-USDT"},"data":[{"asks":[["50000.2","0.3","0","1"]],"bids":[["50000.1","0.5","0","2"]],"ts":"1597026383085"}]}
//
// Liveness is a bare text "ping" answered with "pong".
type Adapter struct {
	adapter.Protocol
	URL string
}

// New returns an Adapter for the production endpoint.
func New() *Adapter {
	event := func(v string) adapter.Cond { return adapter.Cond{Path: adapter.Path{"event"}, Equals: v} }
	return &Adapter{
		URL: DefaultURL,
		Protocol: adapter.Protocol{
			Exchange: adapter.ExchangeOKX,
			Text:     map[string]adapter.FrameKind{"pong": adapter.FrameControl},
			Rules: []adapter.Rule{
				{When: []adapter.Cond{event("error")}, Kind: adapter.FrameError},
				{When: []adapter.Cond{event("subscribe")}, Kind: adapter.FrameAck},
				// notice, channel-conn-count and friends
				{When: []adapter.Cond{{Path: adapter.Path{"event"}}}, Kind: adapter.FrameControl},
				{When: []adapter.Cond{{Path: adapter.Path{"arg", "channel"}, Equals: Channel}, {Path: adapter.Path{"data"}}}, Kind: adapter.FrameQuote},
			},
			ErrorText: []adapter.Path{{"msg"}},
			Quote: adapter.QuoteLayout{
				Root:     adapter.Path{"data", 0},
				Levels:   []adapter.Path{{"bids"}, {"asks"}},
				BidPrice: adapter.Path{"bids", 0, 0},
				BidSize:  adapter.Path{"bids", 0, 1},
				AskPrice: adapter.Path{"asks", 0, 0},
				AskSize:  adapter.Path{"asks", 0, 1},
			},
		},
	}
}

func (a *Adapter) Exchange() adapter.Exchange { return adapter.ExchangeOKX }

func (a *Adapter) Endpoint(context.Context) (adapter.Endpoint, error) {
	return adapter.Endpoint{URL: a.URL}, nil
}

func (a *Adapter) SubscribeMessages(native string) ([][]byte, error) {
	msg, err := sonic.Marshal(request{
		Op:   "subscribe",
		Args: []arg{{Channel: Channel, InstID: native}},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

// Liveness pings every 20s; OKX closes connections idle for 30s.
func (a *Adapter) Liveness() adapter.Liveness {
	return adapter.Liveness{
		Interval: 20 * time.Second,
		Grace:    45 * time.Second,
		Ping:     func() []byte { return []byte("ping") },
	}
}
