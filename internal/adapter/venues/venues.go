// Package venues maps exchange identifiers to their adapters.
package venues

import (
	"fmt"

	"github.com/caesar-terminal/feedhub/internal/adapter"
	"github.com/caesar-terminal/feedhub/internal/adapter/binance"
	"github.com/caesar-terminal/feedhub/internal/adapter/bybit"
	"github.com/caesar-terminal/feedhub/internal/adapter/kraken"
	"github.com/caesar-terminal/feedhub/internal/adapter/kucoin"
	"github.com/caesar-terminal/feedhub/internal/adapter/okx"
)

var registry = map[adapter.Exchange]func() adapter.Adapter{
	adapter.ExchangeBinance: func() adapter.Adapter { return binance.New() },
	adapter.ExchangeBybit:   func() adapter.Adapter { return bybit.New() },
	adapter.ExchangeKraken:  func() adapter.Adapter { return kraken.New() },
	adapter.ExchangeOKX:     func() adapter.Adapter { return okx.New() },
	adapter.ExchangeKuCoin:  func() adapter.Adapter { return kucoin.New() },
}

// New returns a fresh adapter for ex. Each feed gets its own instance.
func New(ex adapter.Exchange) (adapter.Adapter, error) {
	mk, ok := registry[ex]
	if !ok {
		return nil, fmt.Errorf("venues: %q: %w", ex, adapter.ErrUnsupportedVenue)
	}
	return mk(), nil
}
