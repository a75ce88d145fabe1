package adapter

import "strings"

// symbolFormat describes how a venue spells an instrument.
type symbolFormat struct {
	Separator string
	Renames   map[string]string // asset code -> venue asset code
}

// symbolFormats is the per-venue rule table. Adding a venue is a new row.
var symbolFormats = map[Exchange]symbolFormat{
	ExchangeBinance: {},
	ExchangeBybit:   {},
	ExchangeKraken: {
		Separator: "/",
		Renames:   map[string]string{"BTC": "XBT", "DOGE": "XDG"},
	},
	ExchangeOKX:    {Separator: "-"},
	ExchangeKuCoin: {Separator: "-"},
}

// quoteAssets are tried in order when splitting BASEQUOTE; longer codes that
// end in a shorter one must come first.
var quoteAssets = []string{
	"FDUSD", "USDT", "USDC", "TUSD", "DAI",
	"USD", "EUR", "GBP", "JPY", "TRY", "BRL",
	"BTC", "ETH", "BNB",
}

// Translate maps a venue-neutral symbol (BASEQUOTE, upper case) to the
// venue's native spelling. Symbols that cannot be split into a known quote
// asset pass through unchanged; the venue rejects them at subscribe time.
func Translate(ex Exchange, symbol string) (string, error) {
	format, ok := symbolFormats[ex]
	if !ok {
		return "", newError(ErrUnsupportedVenue, ex, "translate", nil)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	base, quote, ok := splitSymbol(symbol)
	if !ok {
		return symbol, nil
	}
	if r, ok := format.Renames[base]; ok {
		base = r
	}
	if r, ok := format.Renames[quote]; ok {
		quote = r
	}
	return base + format.Separator + quote, nil
}

// splitSymbol finds the quote asset suffix. Symbols carrying a separator are
// already native and are not split.
func splitSymbol(symbol string) (base, quote string, ok bool) {
	if strings.ContainsAny(symbol, "/-_:") {
		return "", "", false
	}
	for _, q := range quoteAssets {
		if len(symbol) > len(q) && strings.HasSuffix(symbol, q) {
			return strings.TrimSuffix(symbol, q), q, true
		}
	}
	return "", "", false
}
