package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

// Exchange identifies the venue a record came from.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeBybit   Exchange = "bybit"
	ExchangeKraken  Exchange = "kraken"
	ExchangeOKX     Exchange = "okx"
	ExchangeKuCoin  Exchange = "kucoin"
)

// Exchanges lists every configured venue in a stable order.
var Exchanges = []Exchange{
	ExchangeBinance,
	ExchangeBybit,
	ExchangeKraken,
	ExchangeOKX,
	ExchangeKuCoin,
}

// ParseExchange maps a case-insensitive venue name to an Exchange.
func ParseExchange(s string) (Exchange, error) {
	ex := Exchange(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Exchanges {
		if ex == known {
			return ex, nil
		}
	}
	return "", newError(ErrUnsupportedVenue, ex, "parse", nil)
}

// Quality records which numeric fields of a TopOfBook were substituted with
// zero because the venue sent a missing or malformed value. A genuine zero
// quote has Quality 0.
type Quality uint8

const (
	BidPriceSubstituted Quality = 1 << iota
	BidSizeSubstituted
	AskPriceSubstituted
	AskSizeSubstituted
)

// Substituted reports whether any field was filled in by the parser.
func (q Quality) Substituted() bool { return q != 0 }

func (q Quality) String() string {
	if q == 0 {
		return "ok"
	}
	var parts []string
	for _, f := range []struct {
		bit  Quality
		name string
	}{
		{BidPriceSubstituted, "bid"},
		{BidSizeSubstituted, "bid_volume"},
		{AskPriceSubstituted, "ask"},
		{AskSizeSubstituted, "ask_volume"},
	} {
		if q&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return "substituted:" + strings.Join(parts, ",")
}

// TopOfBook is the canonical best bid/ask record shared by every venue.
// Crossed or zero quotes are passed through untouched; consumers filter.
type TopOfBook struct {
	Exchange  Exchange  `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	BidVolume float64   `json:"bid_volume"`
	Ask       float64   `json:"ask"`
	AskVolume float64   `json:"ask_volume"`
	Timestamp time.Time `json:"timestamp"`
	Quality   Quality   `json:"quality"`
}

// Crossed reports whether both sides are quoted and the bid is above the ask.
func (t TopOfBook) Crossed() bool {
	return t.Bid > 0 && t.Ask > 0 && t.Bid > t.Ask
}

// Level is the subscription depth. Only L1 is served today.
type Level string

const LevelL1 Level = "L1"

// State is the connection state of a Supervisor.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Credentials are reserved for private channels and unused by public market
// data. Key material is sealed in a memguard enclave as soon as it is handed
// over.
type Credentials struct {
	key    *memguard.Enclave
	secret *memguard.Enclave
}

// NewCredentials seals key and secret. Both input slices are wiped.
func NewCredentials(key, secret []byte) *Credentials {
	if len(key) == 0 && len(secret) == 0 {
		return nil
	}
	c := &Credentials{}
	if len(key) > 0 {
		c.key = memguard.NewEnclave(key)
	}
	if len(secret) > 0 {
		c.secret = memguard.NewEnclave(secret)
	}
	return c
}

// Open decrypts the sealed pair. The caller must Destroy both buffers.
func (c *Credentials) Open() (key, secret *memguard.LockedBuffer, err error) {
	if c == nil {
		return nil, nil, fmt.Errorf("credentials: none configured")
	}
	if c.key != nil {
		if key, err = c.key.Open(); err != nil {
			return nil, nil, fmt.Errorf("credentials: open key: %w", err)
		}
	}
	if c.secret != nil {
		if secret, err = c.secret.Open(); err != nil {
			if key != nil {
				key.Destroy()
			}
			return nil, nil, fmt.Errorf("credentials: open secret: %w", err)
		}
	}
	return key, secret, nil
}

// Config is the per-feed configuration owned by one Supervisor.
type Config struct {
	Exchange    Exchange
	Symbol      string // venue-neutral, e.g. BTCUSDT
	Native      string // derived by Translate when empty
	Level       Level
	Credentials *Credentials
}

// Key returns the "exchange/SYMBOL" identifier used in logs and health.
func (c Config) Key() string {
	return string(c.Exchange) + "/" + c.Symbol
}

// Resolve fills in defaults and the native symbol.
func (c Config) Resolve() (Config, error) {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Symbol == "" {
		return c, fmt.Errorf("adapter: %s: empty symbol", c.Exchange)
	}
	if c.Level == "" {
		c.Level = LevelL1
	}
	if c.Level != LevelL1 {
		return c, fmt.Errorf("adapter: %s: unsupported level %q", c.Exchange, c.Level)
	}
	if c.Native == "" {
		native, err := Translate(c.Exchange, c.Symbol)
		if err != nil {
			return c, err
		}
		c.Native = native
	}
	return c, nil
}
