// Package bybit adapts the Bybit v5 public spot stream using the level-1
// order book topic.
package bybit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"github.com/caesar-terminal/feedhub/internal/adapter"
)

// DefaultURL is the public spot endpoint.
const DefaultURL = "wss://stream.bybit.com/v5/public/spot"

type request struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

// Adapter speaks the Bybit v5 protocol. Quote frames carry the best level
// as nested price/size pairs:
//
//	{"topic":"orderbook.1.BTCUSDT","type":"snapshot","data":{"s":"BTCUSDT","b":[["50000.1","0.5"]],"a":[["50000.2","0.3"]]}}
type Adapter struct {
	adapter.Protocol
	URL string

	ids atomic.Int64
}

// New returns an Adapter for the production endpoint.
func New() *Adapter {
	op := func(v string) adapter.Cond { return adapter.Cond{Path: adapter.Path{"op"}, Equals: v} }
	return &Adapter{
		URL: DefaultURL,
		Protocol: adapter.Protocol{
			Exchange: adapter.ExchangeBybit,
			Rules: []adapter.Rule{
				{When: []adapter.Cond{op("ping")}, Kind: adapter.FrameControl},
				{When: []adapter.Cond{op("pong")}, Kind: adapter.FrameControl},
				{When: []adapter.Cond{{Path: adapter.Path{"success"}, Equals: "false"}}, Kind: adapter.FrameError},
				{When: []adapter.Cond{op("subscribe"), {Path: adapter.Path{"success"}, Equals: "true"}}, Kind: adapter.FrameAck},
				{When: []adapter.Cond{{Path: adapter.Path{"topic"}}, {Path: adapter.Path{"data"}}}, Kind: adapter.FrameQuote},
			},
			ErrorText: []adapter.Path{{"ret_msg"}},
			Quote: adapter.QuoteLayout{
				Root:     adapter.Path{"data"},
				Levels:   []adapter.Path{{"b"}, {"a"}},
				BidPrice: adapter.Path{"b", 0, 0},
				BidSize:  adapter.Path{"b", 0, 1},
				AskPrice: adapter.Path{"a", 0, 0},
				AskSize:  adapter.Path{"a", 0, 1},
			},
		},
	}
}

func (a *Adapter) Exchange() adapter.Exchange { return adapter.ExchangeBybit }

func (a *Adapter) Endpoint(context.Context) (adapter.Endpoint, error) {
	return adapter.Endpoint{URL: a.URL}, nil
}

func (a *Adapter) SubscribeMessages(native string) ([][]byte, error) {
	msg, err := sonic.Marshal(request{
		ReqID: a.nextID(),
		Op:    "subscribe",
		Args:  []string{"orderbook.1." + native},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

// Liveness sends {"op":"ping"}; Bybit drops connections silent for 30s.
func (a *Adapter) Liveness() adapter.Liveness {
	return adapter.Liveness{
		Interval: 20 * time.Second,
		Grace:    45 * time.Second,
		Ping: func() []byte {
			b, _ := sonic.Marshal(request{ReqID: a.nextID(), Op: "ping"})
			return b
		},
	}
}

func (a *Adapter) nextID() string {
	return strconv.FormatInt(a.ids.Add(1), 10)
}
