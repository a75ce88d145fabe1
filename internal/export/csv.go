// Package export writes top-of-book records to CSV files.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"github.com/caesar-terminal/feedhub/internal/adapter"
)

// Header is the fixed column order of every export.
var Header = []string{"exchange", "symbol", "bid", "bid_volume", "ask", "ask_volume", "timestamp"}

// Limits bounds a collection. Zero fields are unbounded; at least one
// should be set or Collect runs until ctx ends.
type Limits struct {
	Count    int
	Duration time.Duration
}

// Collect reads records from feed until a limit is hit, ctx ends or the
// feed closes.
func Collect(ctx context.Context, feed <-chan adapter.TopOfBook, lim Limits) []adapter.TopOfBook {
	if lim.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lim.Duration)
		defer cancel()
	}

	var out []adapter.TopOfBook
	for lim.Count <= 0 || len(out) < lim.Count {
		select {
		case <-ctx.Done():
			return out
		case t, ok := <-feed:
			if !ok {
				return out
			}
			out = append(out, t)
		}
	}
	return out
}

// Write encodes records as CSV with a header row.
func Write(w io.Writer, records []adapter.TopOfBook) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, t := range records {
		if err := cw.Write(row(t)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes records to path, replacing any existing file.
func WriteFile(path string, records []adapter.TopOfBook) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := Write(f, records); err != nil {
		f.Close()
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export: close %s: %w", path, err)
	}
	logs.Infof("export: wrote %d records to %s", len(records), path)
	return nil
}

// Read decodes a file produced by Write.
func Read(r io.Reader) ([]adapter.TopOfBook, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)

	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("export: header: %w", err)
	}
	for i, h := range Header {
		if head[i] != h {
			return nil, fmt.Errorf("export: column %d is %q, want %q", i, head[i], h)
		}
	}

	var out []adapter.TopOfBook
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		t, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("export: line %d: %w", line, err)
		}
		out = append(out, t)
	}
}

func row(t adapter.TopOfBook) []string {
	return []string{
		string(t.Exchange),
		t.Symbol,
		decimal.NewFromFloat(t.Bid).String(),
		decimal.NewFromFloat(t.BidVolume).String(),
		decimal.NewFromFloat(t.Ask).String(),
		decimal.NewFromFloat(t.AskVolume).String(),
		t.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func parseRow(rec []string) (adapter.TopOfBook, error) {
	ex, err := adapter.ParseExchange(rec[0])
	if err != nil {
		return adapter.TopOfBook{}, err
	}
	var nums [4]float64
	for i := range nums {
		d, err := decimal.NewFromString(rec[2+i])
		if err != nil {
			return adapter.TopOfBook{}, fmt.Errorf("%s: %w", Header[2+i], err)
		}
		nums[i] = d.InexactFloat64()
	}
	ts, err := time.Parse(time.RFC3339Nano, rec[6])
	if err != nil {
		return adapter.TopOfBook{}, fmt.Errorf("timestamp: %w", err)
	}
	return adapter.TopOfBook{
		Exchange:  ex,
		Symbol:    rec[1],
		Bid:       nums[0],
		BidVolume: nums[1],
		Ask:       nums[2],
		AskVolume: nums[3],
		Timestamp: ts,
	}, nil
}
