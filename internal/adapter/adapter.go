package adapter

import (
	"context"
	"net/http"
	"time"
)

// Adapter is the contract every venue implements. The Supervisor owns the
// socket; an Adapter only knows where to connect, what to send and how to
// read what comes back.
type Adapter interface {
	Exchange() Exchange

	// Endpoint resolves the WebSocket URL. Venues that issue a session
	// token over HTTPS do that round trip here, so it is retried under the
	// same backoff as the dial.
	Endpoint(ctx context.Context) (Endpoint, error)

	// SubscribeMessages builds the handshake for a native symbol.
	SubscribeMessages(native string) ([][]byte, error)

	// Liveness describes the keepalive traffic the venue expects.
	Liveness() Liveness

	// Parse turns one raw frame into records, a control signal or an error.
	Parse(frame []byte, symbol string) Frame
}

// Endpoint is where and how to dial. PingInterval and PingTimeout override
// the adapter's static Liveness when the venue hands them out per session.
type Endpoint struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Liveness is a venue's keepalive policy.
type Liveness struct {
	Interval time.Duration
	// Grace is the longest silence tolerated before the connection is
	// declared dead.
	Grace time.Duration
	// Ping builds the application-level ping. Nil means a WebSocket ping
	// control frame.
	Ping func() []byte
}

// withEndpoint applies server-issued ping settings.
func (l Liveness) withEndpoint(ep Endpoint) Liveness {
	if ep.PingInterval > 0 {
		l.Interval = ep.PingInterval
		l.Grace = ep.PingInterval + ep.PingTimeout
	}
	if l.Grace <= 0 {
		l.Grace = 2 * l.Interval
	}
	return l
}
