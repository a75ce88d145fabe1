package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsolidatedBook_Snapshot(t *testing.T) {
	feed := make(chan TopOfBook, 8)
	cb := NewConsolidatedBook(feed, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cb.Run(ctx)

	feed <- TopOfBook{Exchange: ExchangeBinance, Symbol: "BTCUSDT", Bid: 100.0, BidVolume: 1, Ask: 100.2, AskVolume: 2}
	feed <- TopOfBook{Exchange: ExchangeKraken, Symbol: "BTCUSDT", Bid: 100.1, BidVolume: 3, Ask: 100.3, AskVolume: 4}
	feed <- TopOfBook{Exchange: ExchangeOKX, Symbol: "ETHUSDT", Bid: 10, Ask: 11}

	require.Eventually(t, func() bool {
		snap, ok := cb.Snapshot("BTCUSDT")
		return ok && len(snap.Venues) == 2
	}, time.Second, 5*time.Millisecond)

	snap, _ := cb.Snapshot("BTCUSDT")
	assert.Equal(t, 100.1, snap.BestBid)
	assert.Equal(t, 3.0, snap.BestBidVolume)
	assert.Equal(t, ExchangeKraken, snap.BestBidExchange)
	assert.Equal(t, 100.2, snap.BestAsk)
	assert.Equal(t, ExchangeBinance, snap.BestAskExchange)
	assert.False(t, snap.Crossed())
	assert.Equal(t, ExchangeBinance, snap.Venues[0].Exchange)

	_, ok := cb.Snapshot("SOLUSDT")
	assert.False(t, ok)
	require.Eventually(t, func() bool { return len(cb.Symbols()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cb.Symbols())
}

func TestConsolidatedBook_CrossedEvent(t *testing.T) {
	cb := NewConsolidatedBook(nil, 0.05)

	cb.apply(TopOfBook{Exchange: ExchangeBybit, Symbol: "BTCUSDT", Bid: 99, Ask: 100})
	cb.apply(TopOfBook{Exchange: ExchangeKuCoin, Symbol: "BTCUSDT", Bid: 100.02, Ask: 101})

	select {
	case ev := <-cb.Events():
		t.Fatalf("spread under threshold emitted %+v", ev)
	default:
	}

	cb.apply(TopOfBook{Exchange: ExchangeKuCoin, Symbol: "BTCUSDT", Bid: 100.5, Ask: 101})

	select {
	case ev := <-cb.Events():
		assert.Equal(t, ExchangeKuCoin, ev.BidExchange)
		assert.Equal(t, ExchangeBybit, ev.AskExchange)
		assert.InDelta(t, 0.5, ev.Spread, 1e-9)
	default:
		t.Fatal("expected a crossed event")
	}

	snap, _ := cb.Snapshot("BTCUSDT")
	assert.True(t, snap.Crossed())
}

func TestConsolidatedBook_IgnoresSubstitutedSides(t *testing.T) {
	cb := NewConsolidatedBook(nil, 0)
	cb.apply(TopOfBook{Exchange: ExchangeBinance, Symbol: "BTCUSDT", Bid: 100, Ask: 0, Quality: AskPriceSubstituted})
	cb.apply(TopOfBook{Exchange: ExchangeOKX, Symbol: "BTCUSDT", Bid: 0, Ask: 101, Quality: BidPriceSubstituted})

	snap, ok := cb.Snapshot("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, ExchangeBinance, snap.BestBidExchange)
	assert.Equal(t, ExchangeOKX, snap.BestAskExchange)

	select {
	case ev := <-cb.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}
