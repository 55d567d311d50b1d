package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket admits up to limit tasks per interval. The last reserved
// tokens of every window are kept for priority tasks. Admitted tasks are
// spaced by the observed latency so a burst does not hit the wire at once.
type TokenBucket struct {
	mu sync.Mutex

	limit    int
	reserved int
	interval time.Duration
	latency  *LatencyRef
	now      func() time.Time

	tokens    int
	lastReset time.Time
	lastSend  time.Time
	queue     []*Task
	timer     *time.Timer

	ready       []admitted
	dispatching bool
	closed      bool
	done        chan struct{}
}

type admitted struct {
	task *Task
	due  time.Time
}

// TokenBucketOption configures a TokenBucket.
type TokenBucketOption func(*TokenBucket)

// WithReserved keeps n tokens per window for priority tasks.
func WithReserved(n int) TokenBucketOption {
	return func(b *TokenBucket) {
		b.reserved = n
	}
}

// WithLatency paces admissions by the given latency reference.
func WithLatency(l *LatencyRef) TokenBucketOption {
	return func(b *TokenBucket) {
		b.latency = l
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) TokenBucketOption {
	return func(b *TokenBucket) {
		b.now = now
	}
}

// NewTokenBucket creates a bucket allowing limit tasks per interval.
func NewTokenBucket(limit int, interval time.Duration, opts ...TokenBucketOption) *TokenBucket {
	b := &TokenBucket{
		limit:    limit,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.reserved >= b.limit {
		b.reserved = b.limit - 1
	}
	if b.reserved < 0 {
		b.reserved = 0
	}
	return b
}

// Queue enqueues t and runs an admission pass.
func (b *TokenBucket) Queue(t *Task, priority bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	t.Enqueued = b.now()
	b.queue = insert(b.queue, t, priority)
	b.mu.Unlock()

	b.Check()
}

// Check admits queued tasks while capacity remains. Safe to call at any time.
func (b *TokenBucket) Check() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if len(b.queue) == 0 {
		b.stopTimer()
		return
	}

	now := b.now()
	offset := b.latency.Latency()
	if b.lastReset.IsZero() {
		b.lastReset = now
		b.tokens = 0
	} else if !now.Before(b.lastReset.Add(b.interval + offset)) {
		b.lastReset = now
		b.tokens = max(0, b.tokens-b.limit)
	}

	for len(b.queue) > 0 && b.hasCapacity(b.queue[0].Priority) {
		t := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.tokens++

		due := now
		if offset > 0 {
			if next := b.lastSend.Add(offset); next.After(now) {
				due = next
			}
		}
		b.lastSend = due
		b.dispatch(t, due)
	}

	if len(b.queue) > 0 && b.timer == nil {
		wait := b.lastReset.Add(b.interval + offset).Sub(now)
		if wait < 0 {
			wait = 0
		}
		b.timer = time.AfterFunc(wait, func() {
			b.mu.Lock()
			b.timer = nil
			b.mu.Unlock()
			b.Check()
		})
	}
}

func (b *TokenBucket) hasCapacity(priority bool) bool {
	if b.tokens < b.limit-b.reserved {
		return true
	}
	return priority && b.tokens < b.limit
}

// dispatch hands t to the bucket's dispatcher. Must be called with mu held.
func (b *TokenBucket) dispatch(t *Task, due time.Time) {
	b.ready = append(b.ready, admitted{task: t, due: due})
	if b.dispatching {
		return
	}
	b.dispatching = true
	go b.runDispatcher()
}

// runDispatcher runs admitted tasks in admission order, each no earlier than
// its due time, and exits once nothing is left.
func (b *TokenBucket) runDispatcher() {
	for {
		b.mu.Lock()
		if b.closed || len(b.ready) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			return
		}
		next := b.ready[0]
		b.ready[0] = admitted{}
		b.ready = b.ready[1:]
		wait := next.due.Sub(b.now())
		b.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-b.done:
				timer.Stop()
				return
			}
		}
		next.task.run(func() {})
	}
}

func (b *TokenBucket) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Tokens returns the tokens consumed in the current window.
func (b *TokenBucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Len returns the number of tasks waiting for a token.
func (b *TokenBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Pending returns a snapshot of the waiting tasks in admission order.
func (b *TokenBucket) Pending() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot(b.queue)
}

// LatencyRef returns the reference admissions are paced by, or nil.
func (b *TokenBucket) LatencyRef() *LatencyRef {
	return b.latency
}

// Close stops the bucket. Queued and not yet dispatched tasks never run.
func (b *TokenBucket) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.stopTimer()
	b.queue = nil
	b.ready = nil
	close(b.done)
}
