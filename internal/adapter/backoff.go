package adapter

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff produces exponentially growing reconnect delays with jitter.
// Consecutive calls to Next never return a smaller delay until Reset.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  float64

	mu   sync.Mutex
	base time.Duration

	// rand returns a value in [0, 1). Replaced in tests.
	rand func() float64
}

// NewBackoff validates the parameters. factor must be at least 1+jitter so
// that jitter cannot make a later delay shorter than an earlier one.
func NewBackoff(initial, max time.Duration, factor, jitter float64) (*Backoff, error) {
	switch {
	case initial <= 0:
		return nil, fmt.Errorf("backoff: initial delay must be positive, got %v", initial)
	case max < initial:
		return nil, fmt.Errorf("backoff: max %v below initial %v", max, initial)
	case jitter < 0 || jitter >= 1:
		return nil, fmt.Errorf("backoff: jitter must be in [0,1), got %v", jitter)
	case factor < 1+jitter:
		return nil, fmt.Errorf("backoff: factor %v must be at least 1+jitter", factor)
	}
	return &Backoff{
		initial: initial,
		max:     max,
		factor:  factor,
		jitter:  jitter,
		base:    initial,
		rand:    rand.Float64,
	}, nil
}

// Next returns the delay to wait before the next attempt and advances the
// sequence.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.base + time.Duration(b.rand()*b.jitter*float64(b.base))
	if d > b.max {
		d = b.max
	}
	if next := time.Duration(float64(b.base) * b.factor); next < b.max {
		b.base = next
	} else {
		b.base = b.max
	}
	return d
}

// Reset returns the sequence to the seed delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.base = b.initial
	b.mu.Unlock()
}
