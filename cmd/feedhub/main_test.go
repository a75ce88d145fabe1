package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/feedhub/internal/adapter"
	"github.com/caesar-terminal/feedhub/internal/adapter/binance"
	"github.com/caesar-terminal/feedhub/internal/adapter/kraken"
	"github.com/caesar-terminal/feedhub/internal/config"
	"github.com/caesar-terminal/feedhub/internal/export"
)

func TestLoadConfig_StartFlags(t *testing.T) {
	fs := feedFlags("start")
	fs.Bool("serve", false, "")
	cfg, err := loadConfig(fs, []string{"--exchange", "binance,kraken", "--symbol", "btcusdt", "--serve"})
	require.NoError(t, err)

	assert.Equal(t, []string{"binance", "kraken"}, cfg.Feed.Exchanges)
	assert.Equal(t, "L1", cfg.Feed.Level)
	assert.True(t, cfg.Server.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestRunStart_RejectsUnknownVenue(t *testing.T) {
	err := runStart(context.Background(), []string{"--exchange", "mtgox", "--symbol", "BTCUSD"})
	assert.ErrorContains(t, err, "unsupported venue")
}

func TestRunExport_NeedsLimit(t *testing.T) {
	out := filepath.Join(t.TempDir(), "q.csv")
	err := runExport(context.Background(), []string{"--exchange", "okx", "--symbol", "BTCUSDT", "--output", out})
	assert.ErrorContains(t, err, "count or a duration")
}

// scriptedVenue answers the subscribe request with frames and then idles.
func scriptedVenue(t *testing.T, frames ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
		for _, f := range frames {
			c.WriteMessage(websocket.TextMessage, []byte(f))
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func exportConfig(t *testing.T, exchange, symbol string) *config.Config {
	t.Helper()
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	cfg.Feed.Exchanges = []string{exchange}
	cfg.Feed.Symbol = symbol
	cfg.Supervisor.BackoffInitial = 10 * time.Millisecond
	cfg.Export.Output = filepath.Join(t.TempDir(), "quotes.csv")
	cfg.Export.Count = 2
	require.NoError(t, cfg.ValidateExport())
	return cfg
}

func TestExportFeeds_RejectedSubscriptionFails(t *testing.T) {
	url := scriptedVenue(t, `{"errorMessage":"Currency pair not supported FOO/BAR","event":"subscriptionStatus","pair":"FOO/BAR","status":"error","subscription":{"name":"ticker"}}`)
	factory := func(adapter.Exchange) (adapter.Adapter, error) {
		a := kraken.New()
		a.URL = url
		return a, nil
	}
	cfg := exportConfig(t, "kraken", "FOOBAR")

	done := make(chan error, 1)
	go func() { done <- exportFeeds(context.Background(), cfg, factory) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, adapter.ErrSubscriptionRejected)
		assert.ErrorContains(t, err, "Currency pair not supported")
	case <-time.After(5 * time.Second):
		t.Fatal("export did not return after the only feed was rejected")
	}
	_, err := os.Stat(cfg.Export.Output)
	assert.True(t, os.IsNotExist(err))
}

func TestExportFeeds_WritesRecords(t *testing.T) {
	url := scriptedVenue(t,
		`{"result":null,"id":1}`,
		`{"s":"BTCUSDT","b":"100.1","B":"1","a":"100.2","A":"2"}`,
		`{"s":"BTCUSDT","b":"100.3","B":"1","a":"100.4","A":"2"}`,
	)
	factory := func(adapter.Exchange) (adapter.Adapter, error) {
		a := binance.New()
		a.URL = url
		return a, nil
	}
	cfg := exportConfig(t, "binance", "BTCUSDT")
	cfg.Feed.APIKey = "key"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, exportFeeds(ctx, cfg, factory))

	f, err := os.Open(cfg.Export.Output)
	require.NoError(t, err)
	defer f.Close()
	got, err := export.Read(f)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 100.1, got[0].Bid)
	assert.Equal(t, 100.4, got[1].Ask)
}

func TestPipeline_PassesCredentials(t *testing.T) {
	url := scriptedVenue(t, `{"result":null,"id":1}`)
	factory := func(adapter.Exchange) (adapter.Adapter, error) {
		a := binance.New()
		a.URL = url
		return a, nil
	}
	cfg := exportConfig(t, "binance", "BTCUSDT")
	cfg.Feed.APIKey = "key"
	cfg.Feed.APISecret = "secret"

	p := newPipeline(cfg, factory)
	defer p.close()
	require.NoError(t, p.open(context.Background(), cfg))

	sup := p.manager.Get(adapter.ExchangeBinance, "BTCUSDT")
	require.NotNil(t, sup)
	key, secret, err := sup.Config().Credentials.Open()
	require.NoError(t, err)
	defer key.Destroy()
	defer secret.Destroy()
	assert.Equal(t, "key", key.String())
	assert.Equal(t, "secret", secret.String())
}
