package gateway

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/events"
	"github.com/luciancaetano/relaynet/internal/metrics"
	"github.com/luciancaetano/relaynet/internal/protocol"
	"github.com/luciancaetano/relaynet/internal/ratelimit"
)

const (
	DefaultConnectionTimeout = 30 * time.Second
	DefaultMaxResumeAttempts = 10
	DefaultLargeThreshold    = 250

	commandLimit    = 120
	commandInterval = time.Minute
	commandReserved = 5

	presenceLimit    = 5
	presenceInterval = 20 * time.Second
)

// Options configures every shard of a manager.
type Options struct {
	Token string

	// GatewayURL is the base gateway address; version and encoding query
	// parameters are added on connect.
	GatewayURL string

	// ShardCount is the total number of shards sent in IDENTIFY.
	ShardCount int

	// Concurrency is the number of shards that may identify in parallel.
	Concurrency int

	Intents           int
	LargeThreshold    int
	Compress          bool
	Properties        IdentifyProperties
	Presence          *Presence
	ConnectionTimeout time.Duration
	MaxResumeAttempts int
	AutoReconnect     bool

	Dialer  *websocket.Dialer
	Events  *events.Emitter
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.ShardCount <= 0 {
		o.ShardCount = 1
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LargeThreshold <= 0 {
		o.LargeThreshold = DefaultLargeThreshold
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.MaxResumeAttempts <= 0 {
		o.MaxResumeAttempts = DefaultMaxResumeAttempts
	}
	if o.Properties == (IdentifyProperties{}) {
		o.Properties = IdentifyProperties{OS: "linux", Browser: "relaynet", Device: "relaynet"}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Events == nil {
		o.Events = events.New(zerolog.Nop())
	}
}

// connector receives a shard's lifecycle notifications. It is never called
// while the shard's lock is held.
type connector interface {
	connect(s *Shard)
	cancel(s *Shard)
	shardReady(s *Shard)
	shardResumed(s *Shard)
	shardDisconnected(s *Shard, err error)
}

// Shard is one gateway session.
type Shard struct {
	id      int
	opts    *Options
	manager connector
	events  *events.Emitter
	metrics *metrics.Metrics

	mu    sync.Mutex
	after []func()

	status Status
	gen    uint64
	conn   *conn

	sessionID string
	resumeURL string
	sequence  int64

	connectAttempts int
	backoff         backoff

	lastHeartbeatAck      bool
	lastHeartbeatSent     time.Time
	lastHeartbeatReceived time.Time
	latency               time.Duration
	latencyRef            *ratelimit.LatencyRef

	presence *Presence

	heartbeatStop  chan struct{}
	connectTimer   *time.Timer
	reconnectTimer *time.Timer

	bucket         *ratelimit.TokenBucket
	presenceBucket *ratelimit.TokenBucket
}

var _ relaynet.Shard = (*Shard)(nil)

func newShard(id int, opts *Options, manager connector) *Shard {
	s := &Shard{
		id:         id,
		opts:       opts,
		manager:    manager,
		events:     opts.Events,
		metrics:    opts.Metrics,
		backoff:    newBackoff(),
		latencyRef: ratelimit.NewLatencyRef(0),
	}
	s.hardResetLocked()
	return s
}

// unlock releases the lock and runs the callbacks queued while it was held.
func (s *Shard) unlock() {
	after := s.after
	s.after = nil
	s.mu.Unlock()
	for _, fn := range after {
		fn()
	}
}

func (s *Shard) later(fn func()) {
	s.after = append(s.after, fn)
}

// ID returns the shard id.
func (s *Shard) ID() int {
	return s.id
}

// Status returns the current status name.
func (s *Shard) Status() string {
	return s.State().String()
}

// State returns the current status.
func (s *Shard) State() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Latency returns the last heartbeat round trip.
func (s *Shard) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// SessionID returns the session held by the shard, if any.
func (s *Shard) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Sequence returns the last dispatch sequence number.
func (s *Shard) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

func (s *Shard) setStatusLocked(st Status) {
	s.status = st
	s.metrics.SetShardStatus(s.id, int(st))
}

// Connect opens a socket. It fails when the shard already has one.
func (s *Shard) Connect() error {
	s.mu.Lock()
	defer s.unlock()
	err := s.connectLocked()
	if err != nil {
		s.events.Error(s.id, err)
	}
	return err
}

// start is Connect for the manager's queue, which reports an already
// connected shard itself.
func (s *Shard) start() error {
	s.mu.Lock()
	defer s.unlock()
	return s.connectLocked()
}

func (s *Shard) connectLocked() error {
	if s.status != StatusDisconnected {
		return errors.Errorf("%s (shard %d is %s)", relaynet.ErrExistingConnection, s.id, s.status)
	}

	s.connectAttempts++
	s.gen++
	gen := s.gen
	s.setStatusLocked(StatusConnecting)

	target := s.opts.GatewayURL
	if s.sessionID != "" {
		if s.resumeURL == "" {
			s.events.Warn(s.id, "resume url is missing, resuming through the gateway url")
		} else {
			target = s.resumeURL
		}
	}
	target = gatewayURL(target)

	timeout := s.opts.ConnectionTimeout
	s.connectTimer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		defer s.unlock()
		if gen != s.gen || s.connectTimer == nil {
			return
		}
		s.disconnectLocked(true, errors.New(relaynet.ErrConnectionTimeout))
	})

	s.events.Debug(s.id, "connecting to %s (attempt %d)", target, s.connectAttempts)
	go s.dial(gen, target, timeout)
	return nil
}

// gatewayURL adds the version and encoding query parameters.
func gatewayURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(relaynet.GatewayVersion))
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Shard) dial(gen uint64, target string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ws, _, err := s.opts.Dialer.DialContext(ctx, target, nil)

	s.mu.Lock()
	defer s.unlock()

	if gen != s.gen {
		if err == nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		s.disconnectLocked(true, errors.Wrapf(err, "dial %s", target))
		return
	}

	c := newConn(ws)
	s.conn = c
	s.setStatusLocked(StatusHandshaking)
	s.events.Emit(relaynet.Event{Type: relaynet.EventConnect, ShardID: s.id})

	go c.readLoop(
		func(binary bool, data []byte) { s.onFrame(gen, binary, data) },
		func(code int, reason string) { s.onClose(gen, code, reason) },
	)
}

func (s *Shard) onFrame(gen uint64, binary bool, data []byte) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen {
		return
	}

	p, err := protocol.DecodeFrame(binary, data)
	if err != nil {
		s.events.Error(s.id, errors.Wrap(err, relaynet.ErrFailedToDecode))
		return
	}
	s.handlePacketLocked(p)
}

func (s *Shard) handlePacketLocked(p *protocol.Packet) {
	switch p.Op {
	case relaynet.OpDispatch:
		if p.Sequence > 0 {
			if p.Sequence > s.sequence+1 && s.status != StatusResuming {
				s.events.Warn(s.id, "non-consecutive sequence (%d -> %d)", s.sequence, p.Sequence)
			}
			s.sequence = p.Sequence
		}
		s.dispatchLocked(p)

	case relaynet.OpHeartbeat:
		s.heartbeatLocked(false)

	case relaynet.OpHeartbeatAck:
		s.lastHeartbeatAck = true
		s.lastHeartbeatReceived = time.Now()
		if !s.lastHeartbeatSent.IsZero() {
			s.latency = s.lastHeartbeatReceived.Sub(s.lastHeartbeatSent)
			s.latencyRef.Observe(s.latency)
			s.metrics.ObserveHeartbeat(s.id, s.latency)
		}

	case relaynet.OpReconnect:
		s.events.Debug(s.id, "reconnect requested by the gateway")
		s.disconnectLocked(true, nil)

	case relaynet.OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(p.Data, &resumable)
		if resumable && s.sessionID != "" {
			s.events.Warn(s.id, "invalid session, resuming")
			s.resumeLocked()
			return
		}
		s.sequence = 0
		s.sessionID = ""
		s.resumeURL = ""
		s.events.Warn(s.id, "invalid session, reidentifying")
		s.identifyLocked()

	case relaynet.OpHello:
		var hello helloPayload
		if err := json.Unmarshal(p.Data, &hello); err != nil {
			s.events.Error(s.id, errors.Wrap(err, relaynet.ErrFailedToDecode))
			return
		}
		if hello.HeartbeatInterval > 0 {
			s.startHeartbeatLocked(time.Duration(hello.HeartbeatInterval) * time.Millisecond)
		}
		s.stopConnectTimerLocked()

		if s.sessionID != "" {
			s.resumeLocked()
		} else {
			s.identifyLocked()
			s.heartbeatLocked(false)
		}
		s.events.Emit(relaynet.Event{Type: relaynet.EventHello, ShardID: s.id})

	default:
		s.events.Debug(s.id, "unhandled opcode %d", p.Op)
	}
}

func (s *Shard) dispatchLocked(p *protocol.Packet) {
	switch p.Type {
	case "READY":
		var ready readyPayload
		if err := json.Unmarshal(p.Data, &ready); err != nil {
			s.events.Error(s.id, errors.Wrap(err, relaynet.ErrFailedToDecode))
		}
		s.sessionID = ready.SessionID
		s.resumeURL = ready.ResumeGatewayURL
		s.readyLocked()
		s.events.Emit(relaynet.Event{Type: relaynet.EventReady, ShardID: s.id})
		if s.manager != nil {
			s.later(func() { s.manager.shardReady(s) })
		}

	case "RESUMED":
		s.readyLocked()
		s.events.Emit(relaynet.Event{Type: relaynet.EventResume, ShardID: s.id})
		if s.manager != nil {
			s.later(func() { s.manager.shardResumed(s) })
		}
	}

	s.events.Emit(relaynet.Event{
		Type:    relaynet.EventRawDispatch,
		ShardID: s.id,
		Dispatch: &relaynet.Dispatch{
			Name:     p.Type,
			Sequence: p.Sequence,
			Data:     p.Data,
		},
	})
}

func (s *Shard) readyLocked() {
	s.connectAttempts = 0
	s.backoff.Reset()
	s.setStatusLocked(StatusReady)
}

func (s *Shard) identifyLocked() {
	if s.opts.Token == "" {
		s.disconnectLocked(false, errors.New(relaynet.ErrTokenNotSpecified))
		return
	}
	s.setStatusLocked(StatusIdentifying)
	s.sendLocked(relaynet.OpIdentify, identifyPayload{
		Token:          s.opts.Token,
		Properties:     s.opts.Properties,
		Compress:       s.opts.Compress,
		LargeThreshold: s.opts.LargeThreshold,
		Shard:          [2]int{s.id, s.opts.ShardCount},
		Presence:       s.presence,
		Intents:        s.opts.Intents,
	}, true)
}

func (s *Shard) resumeLocked() {
	s.setStatusLocked(StatusResuming)
	s.sendLocked(relaynet.OpResume, resumePayload{
		Token:     s.opts.Token,
		SessionID: s.sessionID,
		Sequence:  s.sequence,
	}, true)
}

// heartbeatLocked sends a heartbeat. Ticker heartbeats first check that
// the previous one was acknowledged.
func (s *Shard) heartbeatLocked(fromTicker bool) {
	if fromTicker {
		if !s.lastHeartbeatAck {
			s.events.Debug(s.id, "heartbeat timeout (last sent %s ago)", time.Since(s.lastHeartbeatSent).Round(time.Millisecond))
			s.disconnectLocked(true, errors.New(relaynet.ErrNoHeartbeatAck))
			return
		}
		s.lastHeartbeatAck = false
	}
	s.lastHeartbeatSent = time.Now()

	var seq any
	if s.sequence > 0 {
		seq = s.sequence
	}
	s.sendLocked(relaynet.OpHeartbeat, seq, true)
}

func (s *Shard) startHeartbeatLocked(interval time.Duration) {
	s.stopHeartbeatLocked()
	stop := make(chan struct{})
	s.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.tick(stop)
			}
		}
	}()
}

func (s *Shard) tick(stop chan struct{}) {
	s.mu.Lock()
	defer s.unlock()
	select {
	case <-stop:
		return
	default:
	}
	s.heartbeatLocked(true)
}

func (s *Shard) stopHeartbeatLocked() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}

func (s *Shard) stopConnectTimerLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

// Send queues a gateway command on the shard's buckets.
func (s *Shard) Send(ctx context.Context, op int, payload any, priority bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.unlock()
	if s.conn == nil {
		return errors.New(relaynet.ErrShardNotConnected)
	}
	return s.sendLocked(op, payload, priority)
}

func (s *Shard) sendLocked(op int, payload any, priority bool) error {
	data, err := protocol.Encode(op, payload)
	if err != nil {
		err = errors.Wrap(err, relaynet.ErrFailedToEncode)
		s.events.Error(s.id, err)
		return err
	}
	c := s.conn
	if c == nil {
		return errors.New(relaynet.ErrShardNotConnected)
	}

	label := "op " + strconv.Itoa(op)
	write := ratelimit.NewTask(label, func() {
		if err := c.send(context.Background(), data); err != nil {
			s.events.Debug(s.id, "dropped %s: %v", label, err)
		}
	})

	if op == relaynet.OpPresenceUpdate {
		bucket := s.bucket
		s.presenceBucket.Queue(ratelimit.NewTask(label, func() {
			bucket.Queue(write, priority)
		}), priority)
		return nil
	}
	s.bucket.Queue(write, priority)
	return nil
}

// UpdatePresence stores p, which later IDENTIFY payloads carry, and sends
// it to the gateway.
func (s *Shard) UpdatePresence(ctx context.Context, p Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.unlock()
	s.presence = p.clone()
	if s.conn == nil {
		return errors.New(relaynet.ErrShardNotConnected)
	}
	return s.sendLocked(relaynet.OpPresenceUpdate, s.presence, false)
}

func (s *Shard) onClose(gen uint64, code int, reason string) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen {
		return
	}

	action := classifyClose(code)
	kind := "unclean"
	if code == websocket.CloseNormalClosure {
		kind = "clean"
	}
	s.events.Debug(s.id, "%s socket close: %d: %s", kind, code, reason)

	if action.ClearSession {
		s.sessionID = ""
		s.resumeURL = ""
	}
	if action.ResetSequence {
		s.sequence = 0
	}

	var err error
	if !action.Quiet {
		if action.Reason != "" {
			reason = action.Reason
		}
		err = &relaynet.CloseError{Code: code, Reason: reason, Fatal: action.fatal()}
	}
	s.disconnectLocked(action.Reconnect, err)
}

// Disconnect closes the socket. With reconnect the shard reconnects on its
// own when auto reconnect is enabled; otherwise it is hard reset.
func (s *Shard) Disconnect(reconnect bool) {
	s.mu.Lock()
	defer s.unlock()
	s.disconnectLocked(reconnect, nil)
}

func (s *Shard) disconnectLocked(reconnect bool, cause error) {
	if s.status == StatusDisconnected {
		// A shard waiting out its backoff is already disconnected; shutting
		// it down still has to cancel the pending reconnect.
		if !reconnect {
			s.shutdownLocked()
		}
		return
	}

	s.stopHeartbeatLocked()
	s.stopConnectTimerLocked()
	s.gen++

	if c := s.conn; c != nil {
		code, reason := websocket.CloseNormalClosure, "normal"
		if reconnect && s.sessionID != "" {
			code, reason = relaynet.CloseReconnect, "reconnect"
		}
		if err := c.closeWithCode(code, reason); err != nil {
			s.events.Debug(s.id, "close socket: %v", err)
		}
	}
	s.resetLocked()

	if cause != nil {
		s.events.Error(s.id, cause)
	}
	s.events.Emit(relaynet.Event{Type: relaynet.EventDisconnect, ShardID: s.id, Err: cause})
	if s.manager != nil {
		s.later(func() { s.manager.shardDisconnected(s, cause) })
	}

	if s.sessionID != "" && s.connectAttempts >= s.opts.MaxResumeAttempts {
		s.events.Debug(s.id, "invalidating session after %d resume attempts", s.connectAttempts)
		s.sessionID = ""
		s.resumeURL = ""
	}

	if !reconnect {
		s.shutdownLocked()
		return
	}
	if !s.opts.AutoReconnect {
		return
	}

	s.metrics.ObserveReconnect(s.id)
	if s.sessionID != "" {
		s.events.Debug(s.id, "reconnecting immediately to resume (attempt %d)", s.connectAttempts)
		s.later(s.requeue)
		return
	}

	wait := s.backoff.Current()
	s.events.Debug(s.id, "queueing reconnect in %s (attempt %d)", wait, s.connectAttempts)
	gen := s.gen
	s.reconnectTimer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		defer s.unlock()
		if gen != s.gen || s.reconnectTimer == nil {
			return
		}
		s.reconnectTimer = nil
		s.later(s.requeue)
	})
	s.backoff.Advance()
}

// shutdownLocked hard resets the shard and drops it from the connect queue.
func (s *Shard) shutdownLocked() {
	s.hardResetLocked()
	if s.manager != nil {
		s.later(func() { s.manager.cancel(s) })
	}
}

func (s *Shard) requeue() {
	if s.manager != nil {
		s.manager.connect(s)
		return
	}
	_ = s.Connect()
}

// resetLocked clears per-connection state.
func (s *Shard) resetLocked() {
	s.conn = nil
	s.lastHeartbeatAck = true
	s.lastHeartbeatSent = time.Time{}
	s.lastHeartbeatReceived = time.Time{}
	s.setStatusLocked(StatusDisconnected)
}

// hardResetLocked clears the session and every limit.
func (s *Shard) hardResetLocked() {
	s.resetLocked()
	s.gen++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.sequence = 0
	s.sessionID = ""
	s.resumeURL = ""
	s.connectAttempts = 0
	s.backoff.Reset()

	if s.bucket != nil {
		s.bucket.Close()
	}
	if s.presenceBucket != nil {
		s.presenceBucket.Close()
	}
	s.bucket = ratelimit.NewTokenBucket(commandLimit, commandInterval,
		ratelimit.WithReserved(commandReserved), ratelimit.WithLatency(s.latencyRef))
	s.presenceBucket = ratelimit.NewTokenBucket(presenceLimit, presenceInterval, ratelimit.WithLatency(s.latencyRef))
	s.presence = s.opts.Presence.clone()
}
