package kraken

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/feedhub/internal/adapter"
)

func TestParse_Ticker(t *testing.T) {
	a := New()
	f := a.Parse([]byte(`[340,{"a":["50000.20000",1,"0.30000000"],"b":["50000.10000",2,"0.50000000"],"c":["50000.15","0.001"],"v":["10","20"],"p":["1","2"],"t":[1,2],"l":["1","2"],"h":["1","2"],"o":["1","2"]},"ticker","XBT/USDT"]`), "BTCUSDT")

	require.Equal(t, adapter.FrameQuote, f.Kind)
	require.Len(t, f.Quotes, 1)
	q := f.Quotes[0]
	assert.Equal(t, adapter.ExchangeKraken, q.Exchange)
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.Equal(t, 50000.1, q.Bid)
	assert.Equal(t, 0.5, q.BidVolume)
	assert.Equal(t, 50000.2, q.Ask)
	assert.Equal(t, 0.3, q.AskVolume)
	assert.False(t, q.Quality.Substituted())
}

func TestParse_HeartbeatIsSilent(t *testing.T) {
	a := New()
	for _, frame := range []string{
		`{"event":"heartbeat"}`,
		`{"event":"pong","reqid":42}`,
		`{"connectionID":8628615390848610000,"event":"systemStatus","status":"online","version":"1.0.0"}`,
	} {
		f := a.Parse([]byte(frame), "BTCUSDT")
		assert.Equal(t, adapter.FrameControl, f.Kind, frame)
		assert.NoError(t, f.Err, frame)
		assert.Empty(t, f.Quotes, frame)
	}
}

func TestParse_SubscriptionStatus(t *testing.T) {
	a := New()

	f := a.Parse([]byte(`{"channelID":340,"channelName":"ticker","event":"subscriptionStatus","pair":"XBT/USDT","status":"subscribed","subscription":{"name":"ticker"}}`), "BTCUSDT")
	assert.Equal(t, adapter.FrameAck, f.Kind)

	f = a.Parse([]byte(`{"errorMessage":"Currency pair not supported FOO/BAR","event":"subscriptionStatus","pair":"FOO/BAR","status":"error","subscription":{"name":"ticker"}}`), "FOOBAR")
	assert.Equal(t, adapter.FrameError, f.Kind)
	require.Error(t, f.Err)
	assert.Contains(t, f.Err.Error(), "Currency pair not supported")
}

func TestParse_OtherChannelIsUnknown(t *testing.T) {
	f := New().Parse([]byte(`[12,[["50000.1","0.1","1534614057.321597","s","l",""]],"trade","XBT/USD"]`), "BTCUSD")
	assert.ErrorIs(t, f.Err, adapter.ErrParseFailure)
	assert.Empty(t, f.Quotes)
}

func TestSubscribeMessages(t *testing.T) {
	msgs, err := New().SubscribeMessages("XBT/USDT")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var req request
	require.NoError(t, sonic.Unmarshal(msgs[0], &req))
	assert.Equal(t, "subscribe", req.Event)
	assert.Equal(t, []string{"XBT/USDT"}, req.Pair)
	require.NotNil(t, req.Subscription)
	assert.Equal(t, "ticker", req.Subscription.Name)
}

func TestPing(t *testing.T) {
	l := New().Liveness()
	require.NotNil(t, l.Ping)
	var req request
	require.NoError(t, sonic.Unmarshal(l.Ping(), &req))
	assert.Equal(t, "ping", req.Event)
	assert.NotZero(t, req.ReqID)
}
