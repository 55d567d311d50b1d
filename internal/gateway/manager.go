// Package gateway runs gateway shards: the socket, heartbeats, session
// resume and the connect queue that keeps identifies within the server's
// concurrency limit.
package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/events"
)

const (
	identifyInterval = 5 * time.Second
	connectPoll      = 500 * time.Millisecond
)

// Manager owns the shards of one client and serializes their connects.
type Manager struct {
	opts   Options
	events *events.Emitter

	mu        sync.Mutex
	shards    map[int]*Shard
	queue     []*Shard
	lastStart map[int]time.Time
	poll      *time.Timer
	ready     bool

	identify          *rate.Limiter
	identifyExhausted bool

	identifyWait time.Duration
	pollInterval time.Duration
}

var _ connector = (*Manager)(nil)

// NewManager creates a manager. Shards are created by Spawn.
func NewManager(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:         opts,
		events:       opts.Events,
		shards:       make(map[int]*Shard),
		lastStart:    make(map[int]time.Time),
		identifyWait: identifyInterval,
		pollInterval: connectPoll,
	}
}

// SetSessionStartLimit seeds the identify budget. Fresh identifies beyond
// it stay queued until the budget refills.
func (m *Manager) SetSessionStartLimit(l SessionStartLimit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.Total <= 0 {
		m.identify = nil
		return
	}
	every := rate.Inf
	if l.ResetAfter > 0 {
		every = rate.Every(time.Duration(l.ResetAfter) * time.Millisecond / time.Duration(l.Total))
	}
	m.identify = rate.NewLimiter(every, l.Total)
	// Consume what was already spent in the current window.
	if spent := l.Total - l.Remaining; spent > 0 {
		m.identify.AllowN(time.Now(), spent)
	}
	m.identifyExhausted = false
}

// Spawn creates shard id when it does not exist and queues it for
// connection when it is disconnected.
func (m *Manager) Spawn(id int) *Shard {
	m.mu.Lock()
	s, ok := m.shards[id]
	if !ok {
		s = newShard(id, &m.opts, m)
		m.shards[id] = s
	}
	m.mu.Unlock()

	if s.State() == StatusDisconnected {
		m.Connect(s)
	}
	return s
}

// Connect queues s and starts every queued shard that may start now.
func (m *Manager) Connect(s *Shard) {
	m.mu.Lock()
	queued := false
	for _, q := range m.queue {
		if q == s {
			queued = true
			break
		}
	}
	if !queued {
		m.queue = append(m.queue, s)
	}
	m.mu.Unlock()

	m.tryConnect()
}

func (m *Manager) connect(s *Shard) {
	m.Connect(s)
}

// cancel drops s from the connect queue.
func (m *Manager) cancel(s *Shard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.queue {
		if q == s {
			copy(m.queue[i:], m.queue[i+1:])
			m.queue[len(m.queue)-1] = nil
			m.queue = m.queue[:len(m.queue)-1]
			return
		}
	}
}

// queued reports whether s waits in the connect queue.
func (m *Manager) queued(s *Shard) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queue {
		if q == s {
			return true
		}
	}
	return false
}

// tryConnect starts queued shards whose rate key is free. A shard without
// a session also waits for identifyWait since the last start on its key and
// for the identify budget.
func (m *Manager) tryConnect() {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}

	busy := make(map[int]bool)
	for _, s := range m.shards {
		if s.State().connecting() {
			busy[m.rateKey(s)] = true
		}
	}

	now := time.Now()
	var start []*Shard
	remaining := m.queue[:0]
	for _, s := range m.queue {
		key := m.rateKey(s)
		fresh := s.SessionID() == ""

		if busy[key] || (fresh && now.Sub(m.lastStart[key]) < m.identifyWait) {
			remaining = append(remaining, s)
			continue
		}
		if fresh && m.identify != nil && !m.identify.Allow() {
			if !m.identifyExhausted {
				m.identifyExhausted = true
				m.events.Warn(s.ID(), "session start limit exhausted, shard stays queued")
			}
			remaining = append(remaining, s)
			continue
		}
		if fresh {
			m.identifyExhausted = false
		}

		busy[key] = true
		m.lastStart[key] = now
		start = append(start, s)
	}
	for i := len(remaining); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = remaining

	if len(m.queue) > 0 && m.poll == nil {
		m.poll = time.AfterFunc(m.pollInterval, func() {
			m.mu.Lock()
			m.poll = nil
			m.mu.Unlock()
			m.tryConnect()
		})
	}
	m.mu.Unlock()

	for _, s := range start {
		if err := s.start(); err != nil {
			m.events.Debug(s.ID(), "connect skipped: %v", err)
		}
	}
}

func (m *Manager) rateKey(s *Shard) int {
	return s.ID() % m.opts.Concurrency
}

func (m *Manager) shardReady(s *Shard) {
	m.events.Emit(relaynet.Event{Type: relaynet.EventShardReady, ShardID: s.ID()})
	m.checkReady()
	m.tryConnect()
}

func (m *Manager) shardResumed(s *Shard) {
	m.events.Emit(relaynet.Event{Type: relaynet.EventShardResume, ShardID: s.ID()})
	m.checkReady()
	m.tryConnect()
}

func (m *Manager) checkReady() {
	m.mu.Lock()
	if m.ready {
		m.mu.Unlock()
		return
	}
	for _, s := range m.shards {
		if s.State() != StatusReady {
			m.mu.Unlock()
			return
		}
	}
	m.ready = true
	m.mu.Unlock()

	m.events.Emit(relaynet.Event{Type: relaynet.EventReady, ShardID: relaynet.NoShard})
}

func (m *Manager) shardDisconnected(s *Shard, err error) {
	m.events.Emit(relaynet.Event{Type: relaynet.EventShardDisconnect, ShardID: s.ID(), Err: err})

	m.mu.Lock()
	for _, other := range m.shards {
		if other.State() == StatusReady {
			m.mu.Unlock()
			return
		}
	}
	m.ready = false
	m.mu.Unlock()

	m.events.Emit(relaynet.Event{Type: relaynet.EventDisconnect, ShardID: relaynet.NoShard, Err: err})
	m.tryConnect()
}

// Ready reports whether every shard is ready.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Shard returns shard id.
func (m *Manager) Shard(id int) (*Shard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[id]
	if !ok {
		return nil, errors.Errorf("%s: %d", relaynet.ErrUnknownShard, id)
	}
	return s, nil
}

// Shards returns every shard ordered by id.
func (m *Manager) Shards() []*Shard {
	m.mu.Lock()
	out := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// DisconnectAll drops the connect queue and disconnects every shard.
func (m *Manager) DisconnectAll(reconnect bool) {
	m.mu.Lock()
	if !reconnect {
		m.queue = nil
		if m.poll != nil {
			m.poll.Stop()
			m.poll = nil
		}
	}
	m.mu.Unlock()

	for _, s := range m.Shards() {
		s.Disconnect(reconnect)
	}
}
