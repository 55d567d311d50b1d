package ratelimit

import (
	"sync"
	"time"
)

// DefaultLimit is the limit of a bucket whose route has not answered yet.
// With it every request on the route is serialized.
const DefaultLimit = 1

// SequentialBucket mirrors the limit, remaining and reset the server
// advertises for one route. It runs at most one task at a time: the next
// task is admitted only after the current one calls release.
type SequentialBucket struct {
	mu sync.Mutex

	limit     int
	remaining int
	reset     time.Time
	latency   *LatencyRef
	now       func() time.Time

	queue      []*Task
	processing bool
	timer      *time.Timer
}

// NewSequentialBucket creates a bucket with the given initial limit.
func NewSequentialBucket(limit int, latency *LatencyRef) *SequentialBucket {
	return &SequentialBucket{
		limit:     limit,
		remaining: limit,
		latency:   latency,
		now:       time.Now,
	}
}

// Queue enqueues t, at the front when priority.
func (b *SequentialBucket) Queue(t *Task, priority bool) {
	b.mu.Lock()
	t.Enqueued = b.now()
	b.queue = insert(b.queue, t, priority)
	b.mu.Unlock()

	b.check(false)
}

func (b *SequentialBucket) check(override bool) {
	b.mu.Lock()

	if len(b.queue) == 0 {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.processing = false
		b.mu.Unlock()
		return
	}
	if b.processing && !override {
		b.mu.Unlock()
		return
	}

	now := b.now()
	offset := b.latency.Latency()
	if b.reset.IsZero() || b.reset.Before(now.Add(-offset)) {
		b.reset = now.Add(-offset)
		b.remaining = b.limit
	}

	if b.remaining <= 0 {
		wait := b.reset.Sub(now) + offset + time.Millisecond
		if wait < 0 {
			wait = 0
		}
		b.processing = true
		b.timer = time.AfterFunc(wait, func() {
			b.mu.Lock()
			b.timer = nil
			b.mu.Unlock()
			b.check(true)
		})
		b.mu.Unlock()
		return
	}

	b.remaining--
	b.processing = true
	t := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	b.mu.Unlock()

	var once sync.Once
	go t.run(func() {
		once.Do(func() { b.check(true) })
	})
}

// Update records the values advertised by the latest response. A zero
// limit leaves the limit unchanged.
func (b *SequentialBucket) Update(limit, remaining int, reset time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit > 0 {
		b.limit = limit
	}
	b.remaining = remaining
	b.reset = reset
}

// Limit returns the current limit.
func (b *SequentialBucket) Limit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

// Remaining returns the remaining requests in the current window.
func (b *SequentialBucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// Reset returns when the current window ends.
func (b *SequentialBucket) Reset() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reset
}

// Len returns the number of waiting tasks, not counting the running one.
func (b *SequentialBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Pending returns a snapshot of the waiting tasks in admission order.
func (b *SequentialBucket) Pending() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot(b.queue)
}
