package conn

import (
	"math/rand"
	"time"
)

// backoff produces the reconnect delay sequence: initial, doubling per
// failure, capped, with up to jitterMax of random jitter added on top.
// Reset returns it to the initial delay after a successful open.
type backoff struct {
	initial   time.Duration
	max       time.Duration
	jitterMax time.Duration
	current   time.Duration

	// jitter is swappable in tests; defaults to rand-based.
	jitter func(max time.Duration) time.Duration
}

func newBackoff(initial, max, jitterMax time.Duration) *backoff {
	return &backoff{
		initial:   initial,
		max:       max,
		jitterMax: jitterMax,
		current:   initial,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Next returns the delay to wait before the next attempt and advances the
// sequence.
func (b *backoff) Next() time.Duration {
	d := b.current + b.jitter(b.jitterMax)
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) Reset() {
	b.current = b.initial
}
