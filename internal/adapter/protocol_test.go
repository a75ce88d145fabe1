package adapter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func nestedProtocol() *Protocol {
	return &Protocol{
		Exchange: ExchangeBybit,
		Rules: []Rule{
			{When: []Cond{{Path: Path{"success"}, Equals: "false"}}, Kind: FrameError},
			{When: []Cond{{Path: Path{"success"}, Equals: "true"}}, Kind: FrameAck},
			{When: []Cond{{Path: Path{"topic"}}}, Kind: FrameQuote},
		},
		ErrorText: []Path{{"ret_msg"}},
		Quote: QuoteLayout{
			Root:     Path{"data"},
			Levels:   []Path{{"b"}, {"a"}},
			BidPrice: Path{"b", 0, 0},
			BidSize:  Path{"b", 0, 1},
			AskPrice: Path{"a", 0, 0},
			AskSize:  Path{"a", 0, 1},
		},
		Now: fixedClock(),
	}
}

func TestProtocol_NestedQuote(t *testing.T) {
	p := nestedProtocol()
	f := p.Parse([]byte(`{"topic":"orderbook.1.BTCUSDT","data":{"s":"BTCUSDT","b":[["50000.1","0.5"]],"a":[["50000.2",0.25]]}}`), "BTCUSDT")

	require.Equal(t, FrameQuote, f.Kind)
	require.NoError(t, f.Err)
	require.Len(t, f.Quotes, 1)
	q := f.Quotes[0]
	assert.Equal(t, ExchangeBybit, q.Exchange)
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.Equal(t, 50000.1, q.Bid)
	assert.Equal(t, 0.5, q.BidVolume)
	assert.Equal(t, 50000.2, q.Ask)
	assert.Equal(t, 0.25, q.AskVolume)
	assert.Equal(t, fixedClock()(), q.Timestamp)
	assert.Equal(t, Quality(0), q.Quality)
}

func TestProtocol_EmptyLevelsYieldNoRecord(t *testing.T) {
	p := nestedProtocol()
	f := p.Parse([]byte(`{"topic":"orderbook.1.BTCUSDT","data":{"b":[],"a":[]}}`), "BTCUSDT")
	assert.Equal(t, FrameQuote, f.Kind)
	assert.NoError(t, f.Err)
	assert.Empty(t, f.Quotes)
}

func TestProtocol_SubstitutesMalformedFields(t *testing.T) {
	p := nestedProtocol()
	f := p.Parse([]byte(`{"topic":"x","data":{"b":[["abc"]],"a":[["-1","NaN"]]}}`), "BTCUSDT")

	require.Len(t, f.Quotes, 1)
	q := f.Quotes[0]
	assert.Zero(t, q.Bid)
	assert.Zero(t, q.BidVolume)
	assert.Zero(t, q.Ask)
	assert.Zero(t, q.AskVolume)
	assert.Equal(t, BidPriceSubstituted|BidSizeSubstituted|AskPriceSubstituted|AskSizeSubstituted, q.Quality)
	assert.Equal(t, "substituted:bid,bid_volume,ask,ask_volume", q.Quality.String())
}

func TestProtocol_GenuineZeroIsNotSubstituted(t *testing.T) {
	p := nestedProtocol()
	f := p.Parse([]byte(`{"topic":"x","data":{"b":[["0","0"]],"a":[["0","0"]]}}`), "BTCUSDT")
	require.Len(t, f.Quotes, 1)
	assert.Equal(t, Quality(0), f.Quotes[0].Quality)
	assert.Equal(t, "ok", f.Quotes[0].Quality.String())
}

func TestProtocol_ErrorFrame(t *testing.T) {
	p := nestedProtocol()
	f := p.Parse([]byte(`{"success":false,"ret_msg":"Invalid symbol :[orderbook.1.FOO]","op":"subscribe"}`), "FOO")

	assert.Equal(t, FrameError, f.Kind)
	var ve *VenueError
	require.True(t, errors.As(f.Err, &ve))
	assert.Equal(t, "Invalid symbol :[orderbook.1.FOO]", ve.Message)
	assert.Empty(t, f.Quotes)
}

func TestProtocol_AckAndUnknown(t *testing.T) {
	p := nestedProtocol()

	f := p.Parse([]byte(`{"success":true,"op":"subscribe"}`), "BTCUSDT")
	assert.Equal(t, FrameAck, f.Kind)
	assert.NoError(t, f.Err)

	f = p.Parse([]byte(`{"hello":"world"}`), "BTCUSDT")
	assert.Equal(t, FrameUnknown, f.Kind)
	assert.ErrorIs(t, f.Err, ErrParseFailure)

	f = p.Parse([]byte(`{{`), "BTCUSDT")
	assert.Equal(t, FrameUnknown, f.Kind)
	assert.ErrorIs(t, f.Err, ErrParseFailure)
}

func TestProtocol_TextFrames(t *testing.T) {
	p := &Protocol{Exchange: ExchangeOKX, Text: map[string]FrameKind{"pong": FrameControl}}
	f := p.Parse([]byte("pong\n"), "BTCUSDT")
	assert.Equal(t, FrameControl, f.Kind)
	assert.NoError(t, f.Err)
}

func TestProtocol_ArrayFrames(t *testing.T) {
	p := &Protocol{
		Exchange: ExchangeKraken,
		Rules: []Rule{
			{When: []Cond{{Path: Path{"event"}, Equals: "heartbeat"}}, Kind: FrameControl},
			{When: []Cond{{Path: Path{2}, Equals: "ticker"}}, Kind: FrameQuote},
		},
		Quote: QuoteLayout{
			Root:     Path{1},
			BidPrice: Path{"b", 0},
			BidSize:  Path{"b", 2},
			AskPrice: Path{"a", 0},
			AskSize:  Path{"a", 2},
		},
	}

	f := p.Parse([]byte(`[42,{"a":["50000.2",1,"0.3"],"b":["50000.1",2,"0.5"]},"ticker","XBT/USDT"]`), "BTCUSDT")
	require.Len(t, f.Quotes, 1)
	assert.Equal(t, 50000.1, f.Quotes[0].Bid)
	assert.Equal(t, 0.5, f.Quotes[0].BidVolume)
	assert.Equal(t, 0.3, f.Quotes[0].AskVolume)

	f = p.Parse([]byte(`{"event":"heartbeat"}`), "BTCUSDT")
	assert.Equal(t, FrameControl, f.Kind)
	assert.Empty(t, f.Quotes)
}

func TestLookup_OutOfRange(t *testing.T) {
	doc := map[string]any{"a": []any{"x"}}
	_, ok := lookup(doc, Path{"a", 3})
	assert.False(t, ok)
	_, ok = lookup(doc, Path{"a", "b"})
	assert.False(t, ok)
	_, ok = lookup(doc, Path{1.5})
	assert.False(t, ok)
	v, ok := lookup(doc, Path{"a", 0})
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}
