package adapter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFactory serves the test protocol for every configured exchange.
func testFactory(url string, calls *atomic.Int32) AdapterFactory {
	return func(ex Exchange) (Adapter, error) {
		calls.Add(1)
		a := newTestAdapter(url)
		a.Protocol.Exchange = ex
		return &renamedAdapter{testAdapter: a, ex: ex}, nil
	}
}

// renamedAdapter lets the test protocol pose as any venue.
type renamedAdapter struct {
	*testAdapter
	ex Exchange
}

func (r *renamedAdapter) Exchange() Exchange { return r.ex }

func TestManager_OpenAndGet(t *testing.T) {
	srv, _ := newVenueServer(t, ackThenQuote)
	var calls atomic.Int32
	d := NewDispatcher(DefaultDispatcherConfig())
	defer d.Close()
	_, records := d.Subscribe(Filter{})

	m := NewManager(testSupervisorConfig(), testFactory(wsURL(srv), &calls), d)
	defer m.CloseAll()

	sup, err := m.Open(context.Background(), Config{Exchange: "Kraken", Symbol: "btcusd"})
	require.NoError(t, err)
	assert.Equal(t, "XBT/USD", sup.Config().Native)
	assert.Same(t, sup, m.Get(ExchangeKraken, "BTCUSD"))

	got := recv(t, records)
	assert.Equal(t, ExchangeKraken, got.Exchange)
	assert.Equal(t, "BTCUSD", got.Symbol)
}

func TestManager_UnsupportedVenueNeverConnects(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(testSupervisorConfig(), testFactory("ws://127.0.0.1:1", &calls), nil)

	_, err := m.Open(context.Background(), Config{Exchange: "mtgox", Symbol: "BTCUSD"})
	assert.ErrorIs(t, err, ErrUnsupportedVenue)
	assert.Zero(t, calls.Load())
	assert.Empty(t, m.Sessions())
}

func TestManager_FactoryError(t *testing.T) {
	m := NewManager(testSupervisorConfig(), func(Exchange) (Adapter, error) {
		return nil, errors.New("not wired")
	}, nil)
	_, err := m.Open(context.Background(), Config{Exchange: ExchangeOKX, Symbol: "BTCUSDT"})
	assert.ErrorIs(t, err, ErrUnsupportedVenue)
}

func TestManager_ReopenReplaces(t *testing.T) {
	srv, conns := newVenueServer(t, ackThenQuote)
	var calls atomic.Int32
	m := NewManager(testSupervisorConfig(), testFactory(wsURL(srv), &calls), nil)
	defer m.CloseAll()

	first, err := m.Open(context.Background(), Config{Exchange: ExchangeOKX, Symbol: "BTCUSDT"})
	require.NoError(t, err)
	waitFor(t, func() bool { return first.State() == StateStreaming }, "first feed")

	second, err := m.Open(context.Background(), Config{Exchange: ExchangeOKX, Symbol: "BTCUSDT"})
	require.NoError(t, err)

	assert.Equal(t, StateDisconnected, first.State())
	assert.Same(t, second, m.Get(ExchangeOKX, "btcusdt"))
	assert.Len(t, m.Sessions(), 1)
	waitFor(t, func() bool { return conns.Load() == 2 }, "second connection")
}

func TestManager_RejectedFeedIsIsolated(t *testing.T) {
	good, _ := newVenueServer(t, ackThenQuote)
	bad, _ := newVenueServer(t, func(c *websocket.Conn) {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","msg":"no such pair"}`))
		c.ReadMessage()
	})

	m := NewManager(testSupervisorConfig(), func(ex Exchange) (Adapter, error) {
		url := wsURL(good)
		if ex == ExchangeBybit {
			url = wsURL(bad)
		}
		return &renamedAdapter{testAdapter: newTestAdapter(url), ex: ex}, nil
	}, nil)
	defer m.CloseAll()

	ok, err := m.Open(context.Background(), Config{Exchange: ExchangeBinance, Symbol: "BTCUSDT"})
	require.NoError(t, err)
	rejected, err := m.Open(context.Background(), Config{Exchange: ExchangeBybit, Symbol: "FOOBAR"})
	require.NoError(t, err)

	select {
	case <-rejected.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("rejected feed kept running")
	}
	assert.ErrorIs(t, rejected.Err(), ErrSubscriptionRejected)

	waitFor(t, func() bool { return ok.State() == StateStreaming }, "healthy feed affected")
	assert.NoError(t, ok.Err())
}

func TestManager_CloseAll(t *testing.T) {
	srv, _ := newVenueServer(t, ackThenQuote)
	var calls atomic.Int32
	m := NewManager(testSupervisorConfig(), testFactory(wsURL(srv), &calls), nil)

	var states atomic.Int32
	m.OnState(func(_ Config, st State) {
		if st == StateDisconnected {
			states.Add(1)
		}
	})

	var sups []*Supervisor
	for _, ex := range Exchanges {
		s, err := m.Open(context.Background(), Config{Exchange: ex, Symbol: "ETHUSDT"})
		require.NoError(t, err)
		sups = append(sups, s)
	}
	require.Len(t, m.Sessions(), len(Exchanges))

	m.CloseAll()

	assert.Empty(t, m.Sessions())
	for _, s := range sups {
		assert.Equal(t, StateDisconnected, s.State())
	}
	assert.Equal(t, int32(len(Exchanges)), states.Load())
	assert.False(t, m.Close(ExchangeBinance, "ETHUSDT"))
}
