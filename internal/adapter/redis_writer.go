package adapter

import (
	"context"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by a thin wrapper over *redis.Client; in
// tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// quoteSnapshot is the last-written quote for a key, used to skip
// duplicate writes.
type quoteSnapshot struct {
	Bid, BidVolume, Ask, AskVolume string
}

// RedisWriter persists the latest top of book per feed into Redis:
//
//	Key:    tob:{exchange}:{symbol}
//	Fields: bid, bid_volume, ask, ask_volume, ts, quality
//
// Records whose four numbers match the previous write are suppressed.
type RedisWriter struct {
	client RedisClient
	feed   <-chan TopOfBook

	mu   sync.Mutex
	last map[string]quoteSnapshot // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter reading from a Dispatcher
// subscription.
func NewRedisWriter(client RedisClient, feed <-chan TopOfBook) *RedisWriter {
	return &RedisWriter{
		client: client,
		feed:   feed,
		last:   make(map[string]quoteSnapshot),
	}
}

// RedisKey returns the hash key for a feed.
func RedisKey(ex Exchange, symbol string) string {
	return "tob:" + string(ex) + ":" + symbol
}

// Run writes records until ctx is cancelled or the feed closes.
func (rw *RedisWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-rw.feed:
			if !ok {
				return
			}
			rw.write(ctx, t)
		}
	}
}

func (rw *RedisWriter) write(ctx context.Context, t TopOfBook) {
	key := RedisKey(t.Exchange, t.Symbol)
	snap := quoteSnapshot{
		Bid:       formatNumber(t.Bid),
		BidVolume: formatNumber(t.BidVolume),
		Ask:       formatNumber(t.Ask),
		AskVolume: formatNumber(t.AskVolume),
	}

	rw.mu.Lock()
	if prev, ok := rw.last[key]; ok && prev == snap {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = snap
	rw.mu.Unlock()

	err := rw.client.HSet(ctx, key,
		"bid", snap.Bid,
		"bid_volume", snap.BidVolume,
		"ask", snap.Ask,
		"ask_volume", snap.AskVolume,
		"ts", strconv.FormatInt(t.Timestamp.UnixMilli(), 10),
		"quality", t.Quality.String(),
	)
	if err != nil && ctx.Err() == nil {
		logs.Errorf("redis: hset %s: %v", key, err)
		// Forget the snapshot so the next record retries.
		rw.mu.Lock()
		delete(rw.last, key)
		rw.mu.Unlock()
	}
}

// formatNumber renders v in its shortest exact decimal form.
func formatNumber(v float64) string {
	return decimal.NewFromFloat(v).String()
}
