// Package server re-exposes ingested records over HTTP, WebSocket and gRPC
// health.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"github.com/caesar-terminal/feedhub/internal/adapter"
)

// FeedSource reports per-feed health. *adapter.HealthMonitor satisfies it.
type FeedSource interface {
	Feeds() []adapter.FeedStatus
}

// BookSource answers consolidated snapshots. *adapter.ConsolidatedBook
// satisfies it.
type BookSource interface {
	Snapshot(symbol string) (adapter.Consolidated, bool)
	Symbols() []string
}

// Subscriptions hands out record streams. *adapter.Dispatcher satisfies it.
type Subscriptions interface {
	Subscribe(f adapter.Filter) (adapter.Handle, <-chan adapter.TopOfBook)
	Unregister(h adapter.Handle)
	Subscribers() []adapter.SubscriberStats
	Published() uint64
}

// SessionSource lists running supervisors. *adapter.Manager satisfies it.
type SessionSource interface {
	Sessions() []*adapter.Supervisor
}

// SessionCounters is the /health view of one supervisor.
type SessionCounters struct {
	Exchange          adapter.Exchange `json:"exchange"`
	Symbol            string           `json:"symbol"`
	State             string           `json:"state"`
	Connects          uint64           `json:"connects"`
	Reconnects        uint64           `json:"reconnects"`
	Records           uint64           `json:"records"`
	ParseFailures     uint64           `json:"parse_failures"`
	VenueErrors       uint64           `json:"venue_errors"`
	HandshakeTimeouts uint64           `json:"handshake_timeouts"`
	LastRecord        time.Time        `json:"last_record,omitempty"`
}

// SubscriberCounters is the /health view of one dispatcher subscriber.
type SubscriberCounters struct {
	ID       string           `json:"id"`
	Exchange adapter.Exchange `json:"exchange,omitempty"`
	Symbol   string           `json:"symbol,omitempty"`
	Queued   uint64           `json:"queued"`
	Dropped  uint64           `json:"dropped"`
	Depth    int              `json:"depth"`
}

// HealthData is the payload of GET /health.
type HealthData struct {
	Feeds       []adapter.FeedStatus `json:"feeds"`
	Sessions    []SessionCounters    `json:"sessions"`
	Subscribers []SubscriberCounters `json:"subscribers"`
	Published   uint64               `json:"published"`
}

// Config holds tunable parameters for the HTTP server.
type Config struct {
	Addr         string
	WriteTimeout time.Duration
	// PingInterval is how often idle WebSocket clients are pinged.
	PingInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Response is the envelope of every REST reply.
type Response struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
	Error  string `json:"error,omitempty"`
}

// StreamMessage is one record pushed to a WebSocket client.
type StreamMessage struct {
	Exchange    adapter.Exchange  `json:"exchange"`
	Symbol      string            `json:"symbol"`
	MessageType string            `json:"message_type"`
	Data        adapter.TopOfBook `json:"data"`
}

// Server serves /health, /book and /ws.
type Server struct {
	cfg      Config
	feeds    FeedSource
	book     BookSource
	subs     Subscriptions
	sessions SessionSource

	upgrader websocket.Upgrader
	http     *http.Server
}

// New creates a Server. book may be nil, in which case /book returns 404;
// sessions may be nil, in which case /health lists no session counters.
func New(cfg Config, feeds FeedSource, book BookSource, subs Subscriptions, sessions SessionSource) *Server {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	s := &Server{
		cfg:      cfg,
		feeds:    feeds,
		book:     book,
		subs:     subs,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /book", s.handleBook)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// ListenAndServe blocks until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(sctx)
	})
	defer stop()

	logs.Infof("server: listening on %s", lis.Addr())
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	data := HealthData{
		Feeds:       s.feeds.Feeds(),
		Sessions:    []SessionCounters{},
		Subscribers: []SubscriberCounters{},
		Published:   s.subs.Published(),
	}
	if data.Feeds == nil {
		data.Feeds = []adapter.FeedStatus{}
	}
	if s.sessions != nil {
		for _, sup := range s.sessions.Sessions() {
			conf, st := sup.Config(), sup.Stats()
			data.Sessions = append(data.Sessions, SessionCounters{
				Exchange:          conf.Exchange,
				Symbol:            conf.Symbol,
				State:             st.State.String(),
				Connects:          st.Connects,
				Reconnects:        st.Reconnects,
				Records:           st.Records,
				ParseFailures:     st.ParseFailures,
				VenueErrors:       st.VenueErrors,
				HandshakeTimeouts: st.HandshakeTimeouts,
				LastRecord:        st.LastRecord,
			})
		}
	}
	for _, st := range s.subs.Subscribers() {
		data.Subscribers = append(data.Subscribers, SubscriberCounters{
			ID:       st.Handle.String(),
			Exchange: st.Filter.Exchange,
			Symbol:   st.Filter.Symbol,
			Queued:   st.Queued,
			Dropped:  st.Dropped,
			Depth:    st.Depth,
		})
	}
	writeJSON(w, http.StatusOK, Response{Status: "ok", Data: data})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	if s.book == nil {
		writeJSON(w, http.StatusNotFound, Response{Status: "error", Error: "consolidated book disabled"})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		writeJSON(w, http.StatusOK, Response{Status: "ok", Data: map[string]any{"symbols": s.book.Symbols()}})
		return
	}
	snap, ok := s.book.Snapshot(symbol)
	if !ok {
		writeJSON(w, http.StatusNotFound, Response{Status: "error", Error: "no quotes for " + symbol})
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "ok", Data: snap})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var f adapter.Filter
	if v := r.URL.Query().Get("exchange"); v != "" {
		ex, err := adapter.ParseExchange(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Response{Status: "error", Error: err.Error()})
			return
		}
		f.Exchange = ex
	}
	f.Symbol = strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h, records := s.subs.Subscribe(f)
	defer s.subs.Unregister(h)

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case t, ok := <-records:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(s.cfg.WriteTimeout))
				return
			}
			data, err := sonic.Marshal(StreamMessage{
				Exchange:    t.Exchange,
				Symbol:      t.Symbol,
				MessageType: "l1",
				Data:        t,
			})
			if err != nil {
				logs.Errorf("server: encode %s/%s: %v", t.Exchange, t.Symbol, err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
