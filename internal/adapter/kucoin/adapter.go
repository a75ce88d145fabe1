// Package kucoin adapts the KuCoin spot ticker stream. KuCoin hands out the
// WebSocket endpoint and a session token over HTTPS before every connect.
package kucoin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/caesar-terminal/feedhub/internal/adapter"
)

// DefaultBaseURL is the public REST base used for the token request.
const DefaultBaseURL = "https://api.kucoin.com"

const bulletPath = "/api/v1/bullet-public"

// bulletResponse is the reply to POST /api/v1/bullet-public.
type bulletResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			Protocol     string `json:"protocol"`
			PingInterval int64  `json:"pingInterval"`
			PingTimeout  int64  `json:"pingTimeout"`
		} `json:"instanceServers"`
	} `json:"data"`
}

type request struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

// Adapter speaks the KuCoin protocol. Quote frames look like
//
//	{"type":"message","topic":"/market/ticker:BTC-USDT","subject":"trade.ticker","data":{"bestBid":"50000.1","bestBidSize":"0.5","bestAsk":"50000.2","bestAskSize":"0.3",...}}
type Adapter struct {
	adapter.Protocol
	BaseURL string
	Client  *http.Client

	ids atomic.Int64
}

// New returns an Adapter for the production REST base.
func New() *Adapter {
	typ := func(v string) adapter.Cond { return adapter.Cond{Path: adapter.Path{"type"}, Equals: v} }
	return &Adapter{
		BaseURL: DefaultBaseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Protocol: adapter.Protocol{
			Exchange: adapter.ExchangeKuCoin,
			Rules: []adapter.Rule{
				{When: []adapter.Cond{typ("welcome")}, Kind: adapter.FrameControl},
				{When: []adapter.Cond{typ("pong")}, Kind: adapter.FrameControl},
				{When: []adapter.Cond{typ("ack")}, Kind: adapter.FrameAck},
				{When: []adapter.Cond{typ("error")}, Kind: adapter.FrameError},
				{When: []adapter.Cond{typ("message"), {Path: adapter.Path{"subject"}, Equals: "trade.ticker"}}, Kind: adapter.FrameQuote},
			},
			ErrorText: []adapter.Path{{"data"}},
			Quote: adapter.QuoteLayout{
				Root:     adapter.Path{"data"},
				BidPrice: adapter.Path{"bestBid"},
				BidSize:  adapter.Path{"bestBidSize"},
				AskPrice: adapter.Path{"bestAsk"},
				AskSize:  adapter.Path{"bestAskSize"},
			},
		},
	}
}

func (a *Adapter) Exchange() adapter.Exchange { return adapter.ExchangeKuCoin }

// Endpoint requests a fresh token and instance server. Tokens are single
// use, so this runs before every dial.
func (a *Adapter) Endpoint(ctx context.Context) (adapter.Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+bulletPath, nil)
	if err != nil {
		return adapter.Endpoint{}, fmt.Errorf("kucoin: bullet request: %w", err)
	}
	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return adapter.Endpoint{}, fmt.Errorf("kucoin: bullet: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return adapter.Endpoint{}, fmt.Errorf("kucoin: bullet read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return adapter.Endpoint{}, fmt.Errorf("kucoin: bullet: HTTP %d", resp.StatusCode)
	}

	var br bulletResponse
	if err := sonic.Unmarshal(body, &br); err != nil {
		return adapter.Endpoint{}, fmt.Errorf("kucoin: bullet decode: %w", err)
	}
	if br.Code != "200000" {
		return adapter.Endpoint{}, fmt.Errorf("kucoin: bullet: code %s: %s", br.Code, br.Msg)
	}
	if br.Data.Token == "" || len(br.Data.InstanceServers) == 0 {
		return adapter.Endpoint{}, fmt.Errorf("kucoin: bullet: no token or instance server")
	}

	srv := br.Data.InstanceServers[0]
	u, err := url.Parse(srv.Endpoint)
	if err != nil {
		return adapter.Endpoint{}, fmt.Errorf("kucoin: endpoint %q: %w", srv.Endpoint, err)
	}
	q := u.Query()
	q.Set("token", br.Data.Token)
	q.Set("connectId", uuid.NewString())
	u.RawQuery = q.Encode()

	return adapter.Endpoint{
		URL:          u.String(),
		PingInterval: time.Duration(srv.PingInterval) * time.Millisecond,
		PingTimeout:  time.Duration(srv.PingTimeout) * time.Millisecond,
	}, nil
}

func (a *Adapter) SubscribeMessages(native string) ([][]byte, error) {
	msg, err := sonic.Marshal(request{
		ID:       a.nextID(),
		Type:     "subscribe",
		Topic:    "/market/ticker:" + native,
		Response: true,
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

// Liveness defaults match the values KuCoin currently issues; Endpoint
// overrides them per session.
func (a *Adapter) Liveness() adapter.Liveness {
	return adapter.Liveness{
		Interval: 18 * time.Second,
		Grace:    28 * time.Second,
		Ping: func() []byte {
			b, _ := sonic.Marshal(request{ID: a.nextID(), Type: "ping"})
			return b
		},
	}
}

func (a *Adapter) nextID() string {
	return strconv.FormatInt(a.ids.Add(1), 10)
}
