package adapter

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

// FrameKind classifies one inbound message.
type FrameKind uint8

const (
	FrameUnknown FrameKind = iota
	FrameQuote
	FrameAck
	FrameControl
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameQuote:
		return "quote"
	case FrameAck:
		return "ack"
	case FrameControl:
		return "control"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

// Frame is the result of parsing one inbound message. Quotes is only ever
// populated for FrameQuote, and may be empty when the venue sent a quote
// frame without a usable best level.
type Frame struct {
	Kind   FrameKind
	Quotes []TopOfBook
	Err    error
}

// VenueError is an error message reported by the venue itself.
type VenueError struct {
	Exchange Exchange
	Message  string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s reported: %s", e.Exchange, e.Message)
}

// Path addresses a value in a decoded frame: string steps index objects,
// int steps index arrays.
type Path []any

// Cond matches when the value at Path exists and, if Equals is set, renders
// to exactly that text. Booleans render as "true"/"false".
type Cond struct {
	Path   Path
	Equals string
}

// Rule assigns Kind to frames matching every condition.
type Rule struct {
	When []Cond
	Kind FrameKind
}

// QuoteLayout locates the best level inside a quote frame. All paths except
// Root are relative to Root.
type QuoteLayout struct {
	Root Path
	// Levels name arrays that must be non-empty; an empty side means the
	// venue has nothing to quote and no record is emitted.
	Levels   []Path
	BidPrice Path
	BidSize  Path
	AskPrice Path
	AskSize  Path
}

// Protocol is the data half of a venue adapter. Its Parse method is the
// frame-dispatch skeleton shared by every venue.
type Protocol struct {
	Exchange Exchange
	// Text maps non-JSON frames (e.g. a bare "pong") to their kind.
	Text      map[string]FrameKind
	Rules     []Rule
	ErrorText []Path
	Quote     QuoteLayout

	// Now stamps observation time. Defaults to time.Now.
	Now func() time.Time
}

var frameAPI = sonic.Config{UseNumber: true}.Froze()

// Parse classifies frame and, for quote frames, extracts the best level.
func (p *Protocol) Parse(frame []byte, symbol string) Frame {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	observed := now()

	if kind, ok := p.Text[strings.TrimSpace(string(frame))]; ok {
		return Frame{Kind: kind}
	}

	var doc any
	if err := frameAPI.Unmarshal(frame, &doc); err != nil {
		return Frame{Err: newError(ErrParseFailure, p.Exchange, "decode", err)}
	}

	switch kind := p.classify(doc); kind {
	case FrameQuote:
		return p.quote(doc, symbol, observed)
	case FrameError:
		return Frame{Kind: FrameError, Err: &VenueError{Exchange: p.Exchange, Message: p.errorText(doc, frame)}}
	case FrameUnknown:
		return Frame{Err: newError(ErrParseFailure, p.Exchange, "classify", fmt.Errorf("unrecognized frame %s", clip(frame)))}
	default:
		return Frame{Kind: kind}
	}
}

func (p *Protocol) classify(doc any) FrameKind {
	for _, r := range p.Rules {
		if r.matches(doc) {
			return r.Kind
		}
	}
	return FrameUnknown
}

func (r Rule) matches(doc any) bool {
	for _, c := range r.When {
		v, ok := lookup(doc, c.Path)
		if !ok {
			return false
		}
		if c.Equals != "" && text(v) != c.Equals {
			return false
		}
	}
	return len(r.When) > 0
}

func (p *Protocol) quote(doc any, symbol string, observed time.Time) Frame {
	root, ok := lookup(doc, p.Quote.Root)
	if !ok {
		return Frame{Err: newError(ErrParseFailure, p.Exchange, "quote", fmt.Errorf("missing quote body in %s", clip([]byte(text(doc)))))}
	}
	for _, lp := range p.Quote.Levels {
		v, ok := lookup(root, lp)
		levels, isArray := v.([]any)
		if !ok || !isArray || len(levels) == 0 {
			return Frame{Kind: FrameQuote}
		}
	}

	q := TopOfBook{
		Exchange:  p.Exchange,
		Symbol:    symbol,
		Timestamp: observed,
	}
	var sub bool
	if q.Bid, sub = number(root, p.Quote.BidPrice); sub {
		q.Quality |= BidPriceSubstituted
	}
	if q.BidVolume, sub = number(root, p.Quote.BidSize); sub {
		q.Quality |= BidSizeSubstituted
	}
	if q.Ask, sub = number(root, p.Quote.AskPrice); sub {
		q.Quality |= AskPriceSubstituted
	}
	if q.AskVolume, sub = number(root, p.Quote.AskSize); sub {
		q.Quality |= AskSizeSubstituted
	}
	return Frame{Kind: FrameQuote, Quotes: []TopOfBook{q}}
}

func (p *Protocol) errorText(doc any, frame []byte) string {
	for _, path := range p.ErrorText {
		if v, ok := lookup(doc, path); ok {
			if s := text(v); s != "" && s != "null" {
				return s
			}
		}
	}
	return clip(frame)
}

func lookup(doc any, path Path) (any, bool) {
	cur := doc
	for _, step := range path {
		switch k := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			if cur, ok = m[k]; !ok {
				return nil, false
			}
		case int:
			a, ok := cur.([]any)
			if !ok || k < 0 || k >= len(a) {
				return nil, false
			}
			cur = a[k]
		default:
			return nil, false
		}
	}
	return cur, true
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return "null"
	default:
		b, err := sonic.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// number reads a price or size. Missing, malformed, negative or non-finite
// values come back as 0 with substituted set.
func number(root any, path Path) (float64, bool) {
	v, ok := lookup(root, path)
	if !ok {
		return 0, true
	}
	var (
		d   decimal.Decimal
		err error
	)
	switch x := v.(type) {
	case string:
		d, err = decimal.NewFromString(x)
	case json.Number:
		d, err = decimal.NewFromString(x.String())
	case float64:
		d = decimal.NewFromFloat(x)
	default:
		return 0, true
	}
	if err != nil {
		return 0, true
	}
	f := d.InexactFloat64()
	if f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, true
	}
	return f, false
}

func clip(b []byte) string {
	const max = 128
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
