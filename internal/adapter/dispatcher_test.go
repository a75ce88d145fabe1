package adapter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan TopOfBook) TopOfBook {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "channel closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for record")
		return TopOfBook{}
	}
}

func TestDispatcher_MultipleVenues(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig())
	defer d.Close()

	_, all := d.Subscribe(Filter{})

	d.Publish(TopOfBook{Exchange: ExchangeBinance, Symbol: "BTCUSDT"})
	d.Publish(TopOfBook{Exchange: ExchangeKraken, Symbol: "BTCUSDT"})

	received := map[Exchange]bool{}
	for i := 0; i < 2; i++ {
		received[recv(t, all).Exchange] = true
	}
	assert.True(t, received[ExchangeBinance])
	assert.True(t, received[ExchangeKraken])
}

func TestDispatcher_FilteredSubscribers(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig())
	defer d.Close()

	_, btc := d.Subscribe(Filter{Symbol: "BTCUSDT"})
	_, okx := d.Subscribe(Filter{Exchange: ExchangeOKX})

	d.Publish(TopOfBook{Exchange: ExchangeBinance, Symbol: "BTCUSDT", Bid: 1})
	d.Publish(TopOfBook{Exchange: ExchangeOKX, Symbol: "ETHUSDT", Bid: 2})

	assert.Equal(t, 1.0, recv(t, btc).Bid)
	assert.Equal(t, 2.0, recv(t, okx).Bid)

	select {
	case u := <-btc:
		t.Fatalf("BTC subscriber got unexpected record %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcher_PreservesVenueOrder(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig())
	defer d.Close()

	var mu sync.Mutex
	var got []float64
	done := make(chan struct{})
	d.Register(Filter{Exchange: ExchangeBybit}, func(t TopOfBook) {
		mu.Lock()
		got = append(got, t.Bid)
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	})

	for i := 0; i < 100; i++ {
		d.Publish(TopOfBook{Exchange: ExchangeBybit, Bid: float64(i)})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not see every record")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, float64(i), v)
	}
}

func TestDispatcher_SlowSubscriberDoesNotBlock(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{QueueSize: 4, ChannelSize: 0})
	defer d.Close()

	block := make(chan struct{})
	slow := d.Register(Filter{}, func(TopOfBook) { <-block })
	defer close(block)
	_, fast := d.Subscribe(Filter{})

	start := time.Now()
	for i := 0; i < 50; i++ {
		d.Publish(TopOfBook{Exchange: ExchangeKuCoin, Bid: float64(i)})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "Publish blocked on a slow subscriber")

	recv(t, fast)

	st, ok := d.Stats(slow)
	require.True(t, ok)
	assert.Equal(t, uint64(50), st.Queued)
	assert.GreaterOrEqual(t, st.Dropped, uint64(45))

	all := d.Subscribers()
	require.Len(t, all, 2)
	assert.Equal(t, slow, all[0].Handle)
	assert.Equal(t, st.Queued, all[0].Queued)
	assert.Zero(t, all[1].Dropped)
}

func TestDispatcher_Unregister(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig())
	defer d.Close()

	h, ch := d.Subscribe(Filter{})
	require.Equal(t, 1, d.Len())

	d.Unregister(h)
	assert.Equal(t, 0, d.Len())

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Unregister")
	}

	_, ok := d.Stats(h)
	assert.False(t, ok)
	d.Unregister(h)
}

func TestDispatcher_CloseClosesChannels(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig())
	_, ch := d.Subscribe(Filter{})
	d.Close()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}

	_, late := d.Subscribe(Filter{})
	select {
	case _, ok := <-late:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription after Close should be closed")
	}
	d.Publish(TopOfBook{})
}

func TestDispatcher_ConcurrentRegisterAndPublish(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig())
	defer d.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			d.Publish(TopOfBook{Exchange: ExchangeBinance})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			h := d.Register(Filter{}, func(TopOfBook) {})
			d.Unregister(h)
		}
	}()
	wg.Wait()
	assert.Equal(t, uint64(200), d.Published())
	assert.Equal(t, 0, d.Len())
}
