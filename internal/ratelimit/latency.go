package ratelimit

import (
	"sync"
	"time"
)

const (
	latencySamples     = 10
	clockCheckInterval = 5 * time.Second

	// The Date header has one second resolution; assume the server stamped
	// it half way through.
	dateHeaderSlack = 500 * time.Millisecond
)

// LatencyRef is a rolling average of observed round trips plus an estimate
// of the local clock offset versus the server. Buckets read it to pace
// admissions; a single owner writes it.
type LatencyRef struct {
	mu sync.RWMutex

	latency time.Duration
	raw     [latencySamples]time.Duration
	rawIdx  int

	timeOffset      time.Duration
	offsets         [latencySamples]time.Duration
	offsetIdx       int
	lastOffsetCheck time.Time
}

// NewLatencyRef seeds every sample with initial.
func NewLatencyRef(initial time.Duration) *LatencyRef {
	l := &LatencyRef{latency: initial}
	for i := range l.raw {
		l.raw[i] = initial
	}
	return l
}

// Latency returns the rolling average round trip.
func (l *LatencyRef) Latency() time.Duration {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latency
}

// TimeOffset returns the estimated server clock minus local clock.
func (l *LatencyRef) TimeOffset() time.Duration {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.timeOffset
}

// Observe replaces the oldest sample with sample and updates the average.
func (l *LatencyRef) Observe(sample time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latency = l.latency - l.raw[l.rawIdx]/latencySamples + sample/latencySamples
	l.raw[l.rawIdx] = sample
	l.rawIdx = (l.rawIdx + 1) % latencySamples
}

// ClockCheck is the outcome of ObserveServerTime.
type ClockCheck struct {
	// Checked is false when the previous check is less than 5s old.
	Checked bool
	// Drift is true when both the stored and the fresh offset exceed the
	// threshold after subtracting latency.
	Drift bool
	// Offset is the stored offset before this sample was folded in.
	Offset time.Duration
}

// ObserveServerTime folds the server's Date header into the offset estimate,
// at most once per 5 seconds.
func (l *LatencyRef) ObserveServerTime(serverTime, now time.Time, threshold time.Duration) ClockCheck {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.lastOffsetCheck.IsZero() && now.Sub(l.lastOffsetCheck) < clockCheckInterval {
		return ClockCheck{}
	}
	l.lastOffsetCheck = now

	fresh := serverTime.Add(dateHeaderSlack).Sub(now)
	check := ClockCheck{
		Checked: true,
		Offset:  l.timeOffset,
		Drift:   l.timeOffset-l.latency >= threshold && fresh-l.latency >= threshold,
	}

	l.timeOffset = l.timeOffset - l.offsets[l.offsetIdx]/latencySamples + fresh/latencySamples
	l.offsets[l.offsetIdx] = fresh
	l.offsetIdx = (l.offsetIdx + 1) % latencySamples
	return check
}
