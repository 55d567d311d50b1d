// Package events fans typed notifications out to subscribers and mirrors
// every one of them to the structured log.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/relaynet"
)

// Emitter delivers events to every subscriber without blocking the sender.
// A subscriber whose buffer is full misses the event; the miss is counted.
type Emitter struct {
	mu      sync.RWMutex
	subs    map[uint64]chan relaynet.Event
	next    uint64
	log     zerolog.Logger
	dropped atomic.Uint64
}

// New creates an emitter that logs through log.
func New(log zerolog.Logger) *Emitter {
	return &Emitter{
		subs: make(map[uint64]chan relaynet.Event),
		log:  log,
	}
}

// Subscribe returns a channel receiving every event emitted from now on and
// a cancel function that closes it.
func (e *Emitter) Subscribe(buffer int) (<-chan relaynet.Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan relaynet.Event, buffer)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
}

// Emit stamps ev, logs it and delivers it.
func (e *Emitter) Emit(ev relaynet.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.logEvent(ev)

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.dropped.Add(1)
		}
	}
}

// Debug emits a debug diagnostic.
func (e *Emitter) Debug(shard int, format string, args ...any) {
	e.Emit(relaynet.Event{Type: relaynet.EventDebug, ShardID: shard, Message: fmt.Sprintf(format, args...)})
}

// Warn emits a warning diagnostic.
func (e *Emitter) Warn(shard int, format string, args ...any) {
	e.Emit(relaynet.Event{Type: relaynet.EventWarn, ShardID: shard, Message: fmt.Sprintf(format, args...)})
}

// Error emits err as an error event.
func (e *Emitter) Error(shard int, err error) {
	if err == nil {
		return
	}
	e.Emit(relaynet.Event{Type: relaynet.EventError, ShardID: shard, Message: err.Error(), Err: err})
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Logger returns the emitter's logger.
func (e *Emitter) Logger() zerolog.Logger {
	return e.log
}

func (e *Emitter) logEvent(ev relaynet.Event) {
	var entry *zerolog.Event
	switch ev.Type {
	case relaynet.EventDebug, relaynet.EventRequest:
		entry = e.log.Debug()
	case relaynet.EventWarn:
		entry = e.log.Warn()
	case relaynet.EventError:
		entry = e.log.Error()
	case relaynet.EventRawDispatch:
		entry = e.log.Trace()
	default:
		entry = e.log.Info()
	}
	if entry == nil {
		return
	}

	entry = entry.Str("event", string(ev.Type))
	if ev.ShardID != relaynet.NoShard {
		entry = entry.Int("shard", ev.ShardID)
	}
	if ev.Err != nil {
		entry = entry.Err(ev.Err)
	}
	if ev.Request != nil {
		entry = entry.Str("method", ev.Request.Method).Str("path", ev.Request.Path).Str("route", ev.Request.Route)
	}
	if ev.Dispatch != nil {
		entry = entry.Str("dispatch", ev.Dispatch.Name).Int64("seq", ev.Dispatch.Sequence)
	}
	entry.Msg(ev.Message)
}
