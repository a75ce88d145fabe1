package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"
)

// Publisher receives every record a Supervisor parses.
type Publisher interface {
	Publish(TopOfBook)
}

// Dialer opens the WebSocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// SupervisorConfig holds tunable parameters for a Supervisor.
type SupervisorConfig struct {
	// HandshakeTimeout bounds the wait for a subscribe acknowledgment.
	HandshakeTimeout time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
	BackoffJitter  float64

	// StabilityWindow is how long a stream must stay up before the backoff
	// returns to BackoffInitial.
	StabilityWindow time.Duration

	// RetryBudget is the number of consecutive handshake timeouts tolerated
	// before the subscription is declared rejected. Zero or less means the
	// default.
	RetryBudget int

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	WriteTimeout time.Duration
}

// DefaultSupervisorConfig returns defaults suited to public market data.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		HandshakeTimeout: 10 * time.Second,
		BackoffInitial:   250 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		BackoffFactor:    2.0,
		BackoffJitter:    0.2,
		StabilityWindow:  30 * time.Second,
		RetryBudget:      3,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		WriteTimeout:     5 * time.Second,
	}
}

// SupervisorStats is a point-in-time view of one feed.
type SupervisorStats struct {
	State             State
	Connects          uint64
	Reconnects        uint64
	Records           uint64
	ParseFailures     uint64
	VenueErrors       uint64
	HandshakeTimeouts uint64
	LastRecord        time.Time
}

// Supervisor owns the socket of one (exchange, symbol) feed. It reconnects
// with backoff on any transient failure and stops only on Stop, context
// cancellation, or a terminal error.
type Supervisor struct {
	cfg     SupervisorConfig
	conf    Config
	ad      Adapter
	pub     Publisher
	backoff *Backoff
	dialer  Dialer

	state   atomic.Int32
	onState func(Config, State)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	err     error

	connects          atomic.Uint64
	reconnects        atomic.Uint64
	records           atomic.Uint64
	parseFailures     atomic.Uint64
	venueErrors       atomic.Uint64
	handshakeTimeouts atomic.Uint64
	lastRecord        atomic.Int64

	// wait sleeps between attempts (testing hook).
	wait func(ctx context.Context, d time.Duration) error
}

// NewSupervisor resolves conf and prepares a Supervisor. Call Start to run.
func NewSupervisor(cfg SupervisorConfig, conf Config, ad Adapter, pub Publisher) (*Supervisor, error) {
	if ad == nil {
		return nil, newError(ErrUnsupportedVenue, conf.Exchange, "supervise", errors.New("no adapter"))
	}
	if ad.Exchange() != conf.Exchange {
		return nil, fmt.Errorf("supervisor: adapter for %s cannot serve %s", ad.Exchange(), conf.Exchange)
	}
	conf, err := conf.Resolve()
	if err != nil {
		return nil, err
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultSupervisorConfig().RetryBudget
	}
	bo, err := NewBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffFactor, cfg.BackoffJitter)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	return &Supervisor{
		cfg:     cfg,
		conf:    conf,
		ad:      ad,
		pub:     pub,
		backoff: bo,
		dialer:  newDialer(cfg),
		wait:    sleep,
	}, nil
}

// newDialer builds a gorilla Dialer with TCP_NODELAY enabled.
func newDialer(cfg SupervisorConfig) *websocket.Dialer {
	return &websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}
}

// Config returns the resolved feed configuration.
func (s *Supervisor) Config() Config { return s.conf }

// OnState registers a callback for every state transition. Must be called
// before Start.
func (s *Supervisor) OnState(fn func(Config, State)) { s.onState = fn }

// State returns the current connection state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Start launches the supervision loop. Calling Start on a running
// Supervisor is a no-op; a stopped one starts over with a fresh backoff.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	s.err = nil
	s.backoff.Reset()

	go s.run(ctx, s.done)
	return nil
}

// Stop cancels any pending wait or read, closes the socket and returns once
// every goroutine of this Supervisor has exited.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the supervision loop exits.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Err returns the terminal error, or nil if the Supervisor is running or
// was stopped by its caller.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns the feed counters.
func (s *Supervisor) Stats() SupervisorStats {
	st := SupervisorStats{
		State:             s.State(),
		Connects:          s.connects.Load(),
		Reconnects:        s.reconnects.Load(),
		Records:           s.records.Load(),
		ParseFailures:     s.parseFailures.Load(),
		VenueErrors:       s.venueErrors.Load(),
		HandshakeTimeouts: s.handshakeTimeouts.Load(),
	}
	if ns := s.lastRecord.Load(); ns > 0 {
		st.LastRecord = time.Unix(0, ns)
	}
	return st
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	key := s.conf.Key()
	defer func() {
		s.setState(StateDisconnected)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	timeouts := 0
	for {
		streamed, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if streamed {
			timeouts = 0
		}
		if errors.Is(err, ErrHandshakeTimeout) {
			s.handshakeTimeouts.Add(1)
			timeouts++
			if timeouts >= s.cfg.RetryBudget {
				err = newError(ErrSubscriptionRejected, s.conf.Exchange, "subscribe",
					fmt.Errorf("no acknowledgment after %d attempts: %w", timeouts, err))
			}
		}
		if Terminal(err) {
			logs.Errorf("supervisor: %s: giving up: %v", key, err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}

		s.setState(StateBackoff)
		d := s.backoff.Next()
		logs.Errorf("supervisor: %s: %v (retry in %v)", key, err, d)
		if err := s.wait(ctx, d); err != nil {
			return
		}
		s.reconnects.Add(1)
	}
}

// session runs one connection from dial to failure. streamed reports
// whether the handshake completed.
func (s *Supervisor) session(ctx context.Context) (streamed bool, err error) {
	ex := s.conf.Exchange
	s.setState(StateConnecting)

	ep, err := s.ad.Endpoint(ctx)
	if err != nil {
		if errors.Is(err, ErrTransport) || Terminal(err) {
			return false, err
		}
		return false, newError(ErrTransport, ex, "endpoint", err)
	}

	conn, resp, err := s.dialer.DialContext(ctx, ep.URL, ep.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, newError(ErrTransport, ex, "dial", err)
	}
	s.connects.Add(1)
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()
	defer conn.Close()

	c := &wsConn{Conn: conn, writeTimeout: s.cfg.WriteTimeout}
	live := s.ad.Liveness().withEndpoint(ep)
	extend := func() error {
		if live.Grace <= 0 {
			return conn.SetReadDeadline(time.Time{})
		}
		return conn.SetReadDeadline(time.Now().Add(live.Grace))
	}
	touch := func() error {
		if live.Grace <= 0 {
			return nil
		}
		return extend()
	}
	conn.SetPongHandler(func(string) error { return touch() })
	conn.SetPingHandler(func(data string) error {
		if err := touch(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	s.setState(StateSubscribing)
	msgs, err := s.ad.SubscribeMessages(s.conf.Native)
	if err != nil {
		return false, newError(ErrSubscriptionRejected, ex, "subscribe", err)
	}
	for _, m := range msgs {
		if err := c.writeText(m); err != nil {
			return false, newError(ErrTransport, ex, "subscribe", err)
		}
	}
	if err := s.handshake(ctx, conn); err != nil {
		return false, err
	}

	s.setState(StateStreaming)
	stable := time.AfterFunc(s.cfg.StabilityWindow, s.backoff.Reset)
	defer stable.Stop()

	pingCtx, stopPing := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(pingCtx, c, live)
	}()
	defer func() {
		stopPing()
		wg.Wait()
	}()

	return true, s.stream(ctx, conn, extend)
}

// handshake reads until the venue acknowledges the subscription. A quote
// arriving first counts as acknowledgment.
func (s *Supervisor) handshake(ctx context.Context, conn *websocket.Conn) error {
	ex := s.conf.Exchange
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return newError(ErrTransport, ex, "subscribe", err)
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				return newError(ErrHandshakeTimeout, ex, "subscribe", err)
			}
			return newError(ErrTransport, ex, "subscribe", err)
		}

		frame := s.ad.Parse(msg, s.conf.Symbol)
		switch frame.Kind {
		case FrameAck:
			return nil
		case FrameQuote:
			s.publish(frame.Quotes)
			return nil
		case FrameError:
			s.venueErrors.Add(1)
			return newError(ErrSubscriptionRejected, ex, "subscribe", frame.Err)
		case FrameUnknown:
			s.parseFailure(frame.Err)
		}
	}
}

func (s *Supervisor) stream(ctx context.Context, conn *websocket.Conn, extend func() error) error {
	ex := s.conf.Exchange
	for {
		if err := extend(); err != nil {
			return newError(ErrTransport, ex, "read", err)
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return newError(ErrTransport, ex, "read", err)
		}

		frame := s.ad.Parse(msg, s.conf.Symbol)
		switch frame.Kind {
		case FrameQuote:
			s.publish(frame.Quotes)
		case FrameError:
			s.venueErrors.Add(1)
			logs.Errorf("supervisor: %s: %v", s.conf.Key(), frame.Err)
		case FrameUnknown:
			s.parseFailure(frame.Err)
		}
	}
}

// keepalive sends the venue ping every Interval. A failed write closes the
// socket so the read loop notices at once.
func (s *Supervisor) keepalive(ctx context.Context, c *wsConn, live Liveness) {
	if live.Interval <= 0 {
		return
	}
	t := time.NewTicker(live.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		var err error
		if live.Ping != nil {
			err = c.writeText(live.Ping())
		} else {
			err = c.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
		}
		if err != nil {
			if ctx.Err() == nil {
				logs.Errorf("supervisor: %s: ping failed: %v", s.conf.Key(), err)
				c.Close()
			}
			return
		}
	}
}

func (s *Supervisor) publish(quotes []TopOfBook) {
	for _, q := range quotes {
		s.records.Add(1)
		s.lastRecord.Store(q.Timestamp.UnixNano())
		if s.pub != nil {
			s.pub.Publish(q)
		}
	}
}

func (s *Supervisor) parseFailure(err error) {
	n := s.parseFailures.Add(1)
	// Log the first failure and then every hundredth to keep a noisy venue
	// from flooding the log.
	if n == 1 || n%100 == 0 {
		logs.Errorf("supervisor: %s: %v (%d parse failures)", s.conf.Key(), err, n)
	}
}

func (s *Supervisor) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	logs.Infof("supervisor: %s: %s", s.conf.Key(), st)
	if s.onState != nil {
		s.onState(s.conf, st)
	}
}

// wsConn serializes data-frame writes; gorilla allows one concurrent writer.
type wsConn struct {
	*websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func (c *wsConn) writeText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		c.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
