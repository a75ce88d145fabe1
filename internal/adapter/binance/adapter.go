// Package binance adapts the Binance spot market stream to the shared
// top-of-book model via the bookTicker channel.
package binance

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"github.com/caesar-terminal/feedhub/internal/adapter"
)

// DefaultURL is the public spot stream endpoint.
const DefaultURL = "wss://stream.binance.com:9443/ws"

// subscribeRequest is the Binance live-subscription envelope.
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Adapter speaks the Binance stream protocol. Frames look like
//
//	{"u":400900217,"s":"BTCUSDT","b":"50000.1","B":"0.5","a":"50000.2","A":"0.3"}
type Adapter struct {
	adapter.Protocol
	URL string

	ids atomic.Int64
}

// New returns an Adapter for the production endpoint.
func New() *Adapter {
	return &Adapter{
		URL: DefaultURL,
		Protocol: adapter.Protocol{
			Exchange: adapter.ExchangeBinance,
			Rules: []adapter.Rule{
				{When: []adapter.Cond{{Path: adapter.Path{"error"}}}, Kind: adapter.FrameError},
				{When: []adapter.Cond{{Path: adapter.Path{"code"}}, {Path: adapter.Path{"msg"}}}, Kind: adapter.FrameError},
				{When: []adapter.Cond{{Path: adapter.Path{"result"}}, {Path: adapter.Path{"id"}}}, Kind: adapter.FrameAck},
				{When: []adapter.Cond{{Path: adapter.Path{"b"}}, {Path: adapter.Path{"a"}}}, Kind: adapter.FrameQuote},
			},
			ErrorText: []adapter.Path{{"error", "msg"}, {"msg"}},
			Quote: adapter.QuoteLayout{
				BidPrice: adapter.Path{"b"},
				BidSize:  adapter.Path{"B"},
				AskPrice: adapter.Path{"a"},
				AskSize:  adapter.Path{"A"},
			},
		},
	}
}

func (a *Adapter) Exchange() adapter.Exchange { return adapter.ExchangeBinance }

func (a *Adapter) Endpoint(context.Context) (adapter.Endpoint, error) {
	return adapter.Endpoint{URL: a.URL}, nil
}

// SubscribeMessages requests the bookTicker stream, which pushes every
// change to the best bid or ask.
func (a *Adapter) SubscribeMessages(native string) ([][]byte, error) {
	msg, err := sonic.Marshal(subscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{strings.ToLower(native) + "@bookTicker"},
		ID:     a.ids.Add(1),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

// Liveness uses WebSocket control pings. Binance also pings the client,
// which the supervisor answers automatically.
func (a *Adapter) Liveness() adapter.Liveness {
	return adapter.Liveness{Interval: 30 * time.Second, Grace: 90 * time.Second}
}
