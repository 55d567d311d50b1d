package gateway

import (
	"math/rand"
	"time"
)

const (
	DefaultReconnectFloor   = time.Second
	DefaultReconnectCeiling = 30 * time.Second
)

// backoff is the delay before a shard without a session reconnects. Each
// scheduled reconnect grows it by a random factor in [1, 3), capped at the
// ceiling. READY and RESUMED reset it.
type backoff struct {
	Floor   time.Duration
	Ceiling time.Duration

	current time.Duration
	jitter  func() float64
}

func newBackoff() backoff {
	return backoff{
		Floor:   DefaultReconnectFloor,
		Ceiling: DefaultReconnectCeiling,
		current: DefaultReconnectFloor,
		jitter:  rand.Float64,
	}
}

// Current returns the delay for the next reconnect.
func (b *backoff) Current() time.Duration {
	return b.current
}

// Advance grows the delay after it has been used.
func (b *backoff) Advance() {
	jitter := b.jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	next := time.Duration(float64(b.current) * (1 + 2*jitter())).Round(time.Millisecond)
	if next > b.Ceiling {
		next = b.Ceiling
	}
	b.current = next
}

// Reset returns the delay to the floor.
func (b *backoff) Reset() {
	b.current = b.Floor
}
