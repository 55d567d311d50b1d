package ratelimit

import (
	"sync"
	"time"
)

// GlobalThrottle is the client-wide block set when the server reports a
// global rate limit. While blocked, parked tasks wait in a ready queue and
// are released in order once the block lifts.
type GlobalThrottle struct {
	mu      sync.Mutex
	blocked bool
	until   time.Time
	queue   []*Task
	timer   *time.Timer
	gen     uint64
}

// NewGlobalThrottle returns an unblocked throttle.
func NewGlobalThrottle() *GlobalThrottle {
	return &GlobalThrottle{}
}

// Block blocks the throttle for d. A later deadline extends an active
// block; an earlier one is ignored.
func (g *GlobalThrottle) Block(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	until := time.Now().Add(d)
	if g.blocked && !until.After(g.until) {
		return
	}
	g.blocked = true
	g.until = until
	if g.timer != nil {
		g.timer.Stop()
	}
	g.gen++
	gen := g.gen
	g.timer = time.AfterFunc(d, func() { g.expire(gen) })
}

// expire lifts the block armed as generation gen. A timer that fired while
// Block was extending the deadline finds a newer generation and does nothing.
func (g *GlobalThrottle) expire(gen uint64) {
	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return
	}
	g.release()
}

// Blocked reports whether the throttle is active.
func (g *GlobalThrottle) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

// Park queues t if the throttle is active and reports whether it did.
// A false return means the caller should proceed immediately.
func (g *GlobalThrottle) Park(t *Task, priority bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.blocked {
		return false
	}
	t.Enqueued = time.Now()
	g.queue = insert(g.queue, t, priority)
	return true
}

// Unblock clears the throttle and runs every parked task in order.
func (g *GlobalThrottle) Unblock() {
	g.mu.Lock()
	g.release()
}

// release is called with g.mu held and returns with it released.
func (g *GlobalThrottle) release() {
	g.gen++
	g.blocked = false
	g.until = time.Time{}
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	parked := g.queue
	g.queue = nil
	g.mu.Unlock()

	for _, t := range parked {
		t.run(func() {})
	}
}

// Len returns the number of parked tasks.
func (g *GlobalThrottle) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Pending returns a snapshot of the parked tasks.
func (g *GlobalThrottle) Pending() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return snapshot(g.queue)
}
