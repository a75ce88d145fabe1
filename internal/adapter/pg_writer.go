package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/yanun0323/logs"
)

// PgConn is the subset of *pgxpool.Pool used by PgWriter.
type PgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// PgWriterConfig holds tunable parameters for a PgWriter.
type PgWriterConfig struct {
	Table string
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int
	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultPgWriterConfig returns production defaults.
func DefaultPgWriterConfig() PgWriterConfig {
	return PgWriterConfig{
		Table:         "top_of_book",
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

var pgColumns = []string{"exchange", "symbol", "bid", "bid_volume", "ask", "ask_volume", "quality", "ts"}

// PgWriter appends every record to a Postgres table using COPY.
type PgWriter struct {
	cfg  PgWriterConfig
	conn PgConn
	feed <-chan TopOfBook

	batch   [][]any
	written int64
}

// NewPgWriter creates a PgWriter reading from a Dispatcher subscription.
func NewPgWriter(cfg PgWriterConfig, conn PgConn, feed <-chan TopOfBook) *PgWriter {
	def := DefaultPgWriterConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &PgWriter{
		cfg:   cfg,
		conn:  conn,
		feed:  feed,
		batch: make([][]any, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the table if it does not exist.
func (w *PgWriter) EnsureSchema(ctx context.Context) error {
	table := pgx.Identifier{w.cfg.Table}.Sanitize()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	exchange   TEXT        NOT NULL,
	symbol     TEXT        NOT NULL,
	bid        NUMERIC     NOT NULL,
	bid_volume NUMERIC     NOT NULL,
	ask        NUMERIC     NOT NULL,
	ask_volume NUMERIC     NOT NULL,
	quality    TEXT        NOT NULL,
	ts         TIMESTAMPTZ NOT NULL
)`, table)
	if _, err := w.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

// Run batches records until ctx is cancelled or the feed closes, then
// flushes what is left.
func (w *PgWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.final()
			return
		case t, ok := <-w.feed:
			if !ok {
				w.final()
				return
			}
			w.batch = append(w.batch, pgRow(t))
			if len(w.batch) >= w.cfg.BatchSize {
				w.flush(ctx)
			}
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// Written returns the number of rows copied so far. Only safe after Run
// returns.
func (w *PgWriter) Written() int64 { return w.written }

// final flushes the remainder with a fresh deadline; on shutdown the run
// context may already be cancelled.
func (w *PgWriter) final() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flush(ctx)
}

func (w *PgWriter) flush(ctx context.Context) {
	if len(w.batch) == 0 {
		return
	}
	n, err := w.conn.CopyFrom(ctx, pgx.Identifier{w.cfg.Table}, pgColumns, pgx.CopyFromRows(w.batch))
	if err != nil {
		logs.Errorf("postgres: copy %d rows into %s: %v", len(w.batch), w.cfg.Table, err)
	}
	w.written += n
	w.batch = w.batch[:0]
}

func pgRow(t TopOfBook) []any {
	return []any{
		string(t.Exchange),
		t.Symbol,
		t.Bid,
		t.BidVolume,
		t.Ask,
		t.AskVolume,
		t.Quality.String(),
		t.Timestamp,
	}
}
