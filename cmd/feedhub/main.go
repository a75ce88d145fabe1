package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"github.com/caesar-terminal/feedhub/internal/adapter"
	"github.com/caesar-terminal/feedhub/internal/adapter/venues"
	"github.com/caesar-terminal/feedhub/internal/config"
	"github.com/caesar-terminal/feedhub/internal/export"
	"github.com/caesar-terminal/feedhub/internal/server"
)

const usage = `usage:
  feedhub start  --exchange binance[,kraken...] --symbol BTCUSDT [--level L1] [--serve] [--redis] [--postgres]
  feedhub export --exchange binance --symbol BTCUSDT --output quotes.csv [--count N] [--duration 30s]`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(ctx, os.Args[2:])
	case "export":
		err = runExport(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		err = fmt.Errorf("unknown command %q\n%s", os.Args[1], usage)
	}
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "feedhub: %v\n", err)
		os.Exit(1)
	}
}

func feedFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringSlice("exchange", nil, "venues to ingest (binance, bybit, kraken, okx, kucoin)")
	fs.String("symbol", "", "venue-neutral symbol, e.g. BTCUSDT")
	fs.String("level", string(adapter.LevelL1), "book depth (only L1)")
	return fs
}

func loadConfig(fs *pflag.FlagSet, args []string) (*config.Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(fs)
}

// pipeline is the shared ingestion core of both commands.
type pipeline struct {
	dispatcher *adapter.Dispatcher
	manager    *adapter.Manager
	health     *adapter.HealthMonitor

	mu     sync.Mutex
	opened int
	ready  bool
	errs   []error
	// failed is closed once every opened feed has ended with a terminal
	// error.
	failed     chan struct{}
	failedOnce sync.Once
}

func newPipeline(cfg *config.Config, factory adapter.AdapterFactory) *pipeline {
	d := adapter.NewDispatcher(cfg.Dispatcher.AdapterDispatcher())
	_, healthFeed := d.Subscribe(adapter.Filter{})
	p := &pipeline{
		dispatcher: d,
		manager:    adapter.NewManager(cfg.Supervisor.AdapterSupervisor(), factory, d),
		health:     adapter.NewHealthMonitor(cfg.Supervisor.AdapterHealth(), healthFeed),
		failed:     make(chan struct{}),
	}
	p.manager.OnState(p.health.OnState)
	return p
}

// open starts one supervisor per exchange and records terminal errors in
// the health monitor.
func (p *pipeline) open(ctx context.Context, cfg *config.Config) error {
	for _, name := range cfg.Feed.Exchanges {
		ex, err := adapter.ParseExchange(name)
		if err != nil {
			return err
		}
		sup, err := p.manager.Open(ctx, adapter.Config{
			Exchange:    ex,
			Symbol:      cfg.Feed.Symbol,
			Level:       adapter.Level(strings.ToUpper(cfg.Feed.Level)),
			Credentials: cfg.Feed.Credentials(),
		})
		if err != nil {
			return err
		}
		logs.Infof("feedhub: %s subscribed as %s", sup.Config().Key(), sup.Config().Native)

		p.mu.Lock()
		p.opened++
		p.mu.Unlock()
		go func() {
			<-sup.Done()
			if err := sup.Err(); err != nil {
				p.health.Fail(sup.Config(), err)
				p.fail(err)
			}
		}()
	}

	p.mu.Lock()
	p.ready = true
	p.check()
	p.mu.Unlock()
	return nil
}

func (p *pipeline) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
	p.check()
}

// check closes failed once all feeds are open and all have failed. Caller
// holds mu.
func (p *pipeline) check() {
	if p.ready && p.opened > 0 && len(p.errs) == p.opened {
		p.failedOnce.Do(func() { close(p.failed) })
	}
}

// err joins the terminal errors seen so far.
func (p *pipeline) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

func (p *pipeline) close() {
	p.manager.CloseAll()
	p.dispatcher.Close()
}

func runStart(ctx context.Context, args []string) error {
	fs := feedFlags("start")
	fs.Bool("console", true, "log every record")
	fs.Bool("serve", false, "serve /health, /book, /ws and gRPC health")
	fs.String("http", ":8080", "HTTP listen address")
	fs.String("grpc", ":9090", "gRPC health listen address")
	fs.Bool("redis", false, "write latest quotes to Redis")
	fs.Bool("postgres", false, "append quotes to Postgres")

	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logs.Infof("feedhub: starting (env=%s, exchanges=%v, symbol=%s)", cfg.Env, cfg.Feed.Exchanges, cfg.Feed.Symbol)

	p := newPipeline(cfg, venues.New)
	defer p.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { p.health.Run(ctx); return nil })

	_, bookFeed := p.dispatcher.Subscribe(adapter.Filter{})
	book := adapter.NewConsolidatedBook(bookFeed, cfg.Feed.CrossThreshold)
	g.Go(func() error { book.Run(ctx); return nil })
	g.Go(func() error { logCrosses(ctx, book.Events()); return nil })

	if cfg.Feed.Console {
		p.dispatcher.Register(adapter.Filter{}, logRecord)
	}

	if cfg.Redis.Enabled {
		client, err := newRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		_, feed := p.dispatcher.Subscribe(adapter.Filter{})
		w := adapter.NewRedisWriter(client, feed)
		g.Go(func() error { w.Run(ctx); return nil })
	}

	if cfg.DB.Enabled {
		pool, err := newPool(ctx, cfg.DB)
		if err != nil {
			return err
		}
		defer pool.Close()
		_, feed := p.dispatcher.Subscribe(adapter.Filter{})
		w := adapter.NewPgWriter(cfg.DB.PgWriter(), pool, feed)
		if err := w.EnsureSchema(ctx); err != nil {
			return err
		}
		g.Go(func() error { w.Run(ctx); return nil })
	}

	if cfg.Server.Enabled {
		srvCfg := server.DefaultConfig()
		srvCfg.Addr = cfg.Server.HTTPAddr
		srv := server.New(srvCfg, p.health, book, p.dispatcher, p.manager)
		g.Go(func() error { return srv.ListenAndServe(ctx) })

		if cfg.Server.GRPCAddr != "" {
			hs, err := server.NewHealthServer(cfg.Server.GRPCAddr, p.health, 0)
			if err != nil {
				return err
			}
			g.Go(func() error { return hs.Run(ctx) })
		}
	}

	if err := p.open(ctx, cfg); err != nil {
		return err
	}

	var failed error
	select {
	case <-ctx.Done():
	case <-p.failed:
		failed = p.err()
		logs.Errorf("feedhub: every feed stopped: %v", failed)
	}
	logs.Info("feedhub: shutting down")
	p.close()
	gerr := g.Wait()
	if failed != nil {
		return failed
	}
	return gerr
}

func runExport(ctx context.Context, args []string) error {
	fs := feedFlags("export")
	fs.String("output", "", "CSV file to write")
	fs.Int("count", 0, "stop after this many records")
	fs.Duration("duration", 0, "stop after this long")

	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if err := cfg.ValidateExport(); err != nil {
		return err
	}

	return exportFeeds(ctx, cfg, venues.New)
}

// exportFeeds collects records into cfg.Export.Output. It fails without
// writing when every feed ends terminally before the limits are reached.
func exportFeeds(ctx context.Context, cfg *config.Config, factory adapter.AdapterFactory) error {
	p := newPipeline(cfg, factory)
	defer p.close()

	_, feed := p.dispatcher.Subscribe(adapter.Filter{})
	if err := p.open(ctx, cfg); err != nil {
		return err
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.failed:
			cancel()
		case <-cctx.Done():
		}
	}()

	records := export.Collect(cctx, feed, export.Limits{Count: cfg.Export.Count, Duration: cfg.Export.Duration})
	select {
	case <-p.failed:
		if len(records) == 0 {
			return p.err()
		}
		logs.Errorf("feedhub: every feed stopped after %d records: %v", len(records), p.err())
	default:
	}
	p.manager.CloseAll()
	return export.WriteFile(cfg.Export.Output, records)
}

func logRecord(t adapter.TopOfBook) {
	logs.Infof("%s %s bid=%v x %v ask=%v x %v quality=%s",
		t.Exchange, t.Symbol, t.Bid, t.BidVolume, t.Ask, t.AskVolume, t.Quality)
}

func logCrosses(ctx context.Context, events <-chan adapter.CrossedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			logs.Infof("feedhub: %s crossed: %s bid %v over %s ask %v (spread %v)",
				e.Symbol, e.BidExchange, e.Bid, e.AskExchange, e.Ask, e.Spread)
		}
	}
}
