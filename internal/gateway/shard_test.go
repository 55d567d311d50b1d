package gateway

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/events"
	"github.com/luciancaetano/relaynet/internal/gatewaytest"
)

const frameTimeout = 2 * time.Second

type harness struct {
	srv     *gatewaytest.Server
	conns   chan *gatewaytest.Conn
	manager *Manager
	events  <-chan relaynet.Event
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	h := &harness{conns: make(chan *gatewaytest.Conn, 8)}
	h.srv = gatewaytest.NewServer(func(c *gatewaytest.Conn) {
		h.conns <- c
		<-c.Closed()
	})
	t.Cleanup(h.srv.Close)

	emitter := events.New(zerolog.Nop())
	sub, cancel := emitter.Subscribe(1024)
	t.Cleanup(cancel)
	h.events = sub

	opts := Options{
		Token:         "Bot test-token",
		GatewayURL:    h.srv.URL(),
		Intents:       513,
		AutoReconnect: true,
		Events:        emitter,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.manager = NewManager(opts)
	h.manager.identifyWait = 0
	h.manager.pollInterval = 10 * time.Millisecond
	t.Cleanup(func() { h.manager.DisconnectAll(false) })
	return h
}

func (h *harness) accept(t *testing.T) *gatewaytest.Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(frameTimeout):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (h *harness) noConnection(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-h.conns:
		t.Fatal("unexpected reconnect")
	case <-time.After(wait):
	}
}

func (h *harness) waitEvent(t *testing.T, match func(relaynet.Event) bool) relaynet.Event {
	t.Helper()
	deadline := time.After(frameTimeout)
	for {
		select {
		case ev := <-h.events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return relaynet.Event{}
		}
	}
}

func isType(typ relaynet.EventType) func(relaynet.Event) bool {
	return func(ev relaynet.Event) bool { return ev.Type == typ }
}

func closeErrorEvent(code int) func(relaynet.Event) bool {
	return func(ev relaynet.Event) bool {
		var ce *relaynet.CloseError
		return ev.Type == relaynet.EventError && errors.As(ev.Err, &ce) && ce.Code == code
	}
}

// handshake answers HELLO with an IDENTIFY and dispatches READY.
func handshake(t *testing.T, c *gatewaytest.Conn, interval time.Duration, seq int64, session string) identifyPayload {
	t.Helper()
	require.NoError(t, c.Hello(interval))

	p, err := c.Expect(relaynet.OpIdentify, frameTimeout)
	require.NoError(t, err)
	var identify identifyPayload
	require.NoError(t, json.Unmarshal(p.Data, &identify))

	if session != "" {
		require.NoError(t, c.Ready(seq, session, ""))
	}
	return identify
}

func expectResume(t *testing.T, c *gatewaytest.Conn) resumePayload {
	t.Helper()
	require.NoError(t, c.Hello(time.Minute))
	p, err := c.Expect(relaynet.OpResume, frameTimeout)
	require.NoError(t, err)
	var resume resumePayload
	require.NoError(t, json.Unmarshal(p.Data, &resume))
	return resume
}

func TestShardIdentifyAndHeartbeat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	s := h.manager.Spawn(0)
	c := h.accept(t)

	assert.Equal(t, "10", c.Query.Get("v"))
	assert.Equal(t, "json", c.Query.Get("encoding"))
	h.waitEvent(t, isType(relaynet.EventConnect))

	require.NoError(t, c.Hello(41250*time.Millisecond))
	p, err := c.Next(frameTimeout)
	require.NoError(t, err)
	require.Equal(t, relaynet.OpIdentify, p.Op)

	var identify identifyPayload
	require.NoError(t, json.Unmarshal(p.Data, &identify))
	assert.Equal(t, "Bot test-token", identify.Token)
	assert.Equal(t, [2]int{0, 1}, identify.Shard)
	assert.Equal(t, 513, identify.Intents)
	assert.Equal(t, DefaultLargeThreshold, identify.LargeThreshold)

	// The first heartbeat follows IDENTIFY without waiting for the interval.
	p, err = c.Next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, relaynet.OpHeartbeat, p.Op)
	assert.Equal(t, "null", string(p.Data))
	assert.Equal(t, StatusIdentifying, s.State())

	require.NoError(t, c.Ready(1, "session-1", ""))
	h.waitEvent(t, isType(relaynet.EventShardReady))
	h.waitEvent(t, func(ev relaynet.Event) bool {
		return ev.Type == relaynet.EventReady && ev.ShardID == relaynet.NoShard
	})

	assert.Equal(t, StatusReady, s.State())
	assert.Equal(t, "session-1", s.SessionID())
	assert.Equal(t, int64(1), s.Sequence())
	assert.True(t, h.manager.Ready())
}

func TestShardServerHeartbeatRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	s := h.manager.Spawn(0)
	c := h.accept(t)
	handshake(t, c, time.Minute, 4, "s")

	_, err := c.Expect(relaynet.OpHeartbeat, frameTimeout)
	require.NoError(t, err)

	require.NoError(t, c.Send(relaynet.OpHeartbeat, nil))
	p, err := c.Expect(relaynet.OpHeartbeat, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "4", string(p.Data))

	require.NoError(t, c.Ack())
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.lastHeartbeatReceived.IsZero() && s.lastHeartbeatAck
	}, frameTimeout, 5*time.Millisecond)
	assert.GreaterOrEqual(t, s.Latency(), time.Duration(0))
}

func TestShardMissingAckReconnects(t *testing.T) {
	t.Parallel()

	const interval = 100 * time.Millisecond

	h := newHarness(t, nil)
	h.manager.Spawn(0)
	c := h.accept(t)

	start := time.Now()
	handshake(t, c, interval, 1, "abc")

	select {
	case <-c.Closed():
	case <-time.After(2*interval + 400*time.Millisecond):
		t.Fatal("shard did not close the socket after missed acks")
	}
	assert.Less(t, time.Since(start), 2*interval+400*time.Millisecond)

	h.waitEvent(t, func(ev relaynet.Event) bool {
		return ev.Type == relaynet.EventError && ev.Err != nil && ev.Err.Error() == relaynet.ErrNoHeartbeatAck
	})
	require.Eventually(t, func() bool { return c.ClientCloseCode() == relaynet.CloseReconnect }, frameTimeout, 5*time.Millisecond)

	resume := expectResume(t, h.accept(t))
	assert.Equal(t, "abc", resume.SessionID)
	assert.Equal(t, int64(1), resume.Sequence)
}

func TestShardCloseUnknownErrorResumes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	s := h.manager.Spawn(0)
	c := h.accept(t)
	handshake(t, c, time.Minute, 3, "s-4000")
	h.waitEvent(t, isType(relaynet.EventShardReady))

	c.Close(relaynet.CloseUnknownError, "unknown")
	ev := h.waitEvent(t, closeErrorEvent(relaynet.CloseUnknownError))
	var ce *relaynet.CloseError
	require.True(t, errors.As(ev.Err, &ce))
	assert.False(t, ce.Fatal)

	resume := expectResume(t, h.accept(t))
	assert.Equal(t, "s-4000", resume.SessionID)
	assert.Equal(t, int64(3), resume.Sequence)
	assert.Equal(t, StatusResuming, s.State())
}

func TestShardCloseAuthenticationFailedIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	s := h.manager.Spawn(0)
	c := h.accept(t)
	handshake(t, c, time.Minute, 0, "")

	c.Close(relaynet.CloseAuthenticationFailed, "Authentication failed.")
	ev := h.waitEvent(t, closeErrorEvent(relaynet.CloseAuthenticationFailed))
	var ce *relaynet.CloseError
	require.True(t, errors.As(ev.Err, &ce))
	assert.True(t, ce.Fatal)

	h.noConnection(t, 300*time.Millisecond)
	assert.Equal(t, StatusDisconnected, s.State())
	assert.Empty(t, s.SessionID())
}

func TestShardCloseInvalidSeqResetsSequence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.manager.Spawn(0)
	c := h.accept(t)
	handshake(t, c, time.Minute, 5, "s-4007")
	h.waitEvent(t, isType(relaynet.EventShardReady))

	c.Close(relaynet.CloseInvalidSeq, "Invalid seq")

	resume := expectResume(t, h.accept(t))
	assert.Equal(t, "s-4007", resume.SessionID)
	assert.Equal(t, int64(0), resume.Sequence)
}

func TestShardBackoffResetsOnReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	s := h.manager.Spawn(0)
	s.mu.Lock()
	s.backoff.jitter = func() float64 { return 0.5 }
	s.mu.Unlock()

	c := h.accept(t)
	handshake(t, c, time.Minute, 0, "")
	c.Close(relaynet.CloseNotAuthenticated, "Not authenticated.")

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.backoff.Current() == 2*time.Second
	}, frameTimeout, 5*time.Millisecond)

	start := time.Now()
	c = h.accept(t)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)

	handshake(t, c, time.Minute, 1, "fresh")
	h.waitEvent(t, isType(relaynet.EventShardReady))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, time.Second, s.backoff.Current())
	assert.Equal(t, 0, s.connectAttempts)
}

func TestShardInvalidSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	s := h.manager.Spawn(0)
	c := h.accept(t)
	handshake(t, c, time.Minute, 7, "s-op9")
	h.waitEvent(t, isType(relaynet.EventShardReady))

	require.NoError(t, c.Send(relaynet.OpInvalidSession, true))
	p, err := c.Expect(relaynet.OpResume, frameTimeout)
	require.NoError(t, err)
	var resume resumePayload
	require.NoError(t, json.Unmarshal(p.Data, &resume))
	assert.Equal(t, int64(7), resume.Sequence)

	require.NoError(t, c.Send(relaynet.OpInvalidSession, false))
	_, err = c.Expect(relaynet.OpIdentify, frameTimeout)
	require.NoError(t, err)
	assert.Empty(t, s.SessionID())
	assert.Equal(t, int64(0), s.Sequence())
}

func TestShardReconnectOpcode(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.manager.Spawn(0)
	c := h.accept(t)
	handshake(t, c, time.Minute, 2, "s-op7")
	h.waitEvent(t, isType(relaynet.EventShardReady))

	require.NoError(t, c.Send(relaynet.OpReconnect, nil))
	h.waitEvent(t, isType(relaynet.EventShardDisconnect))

	resume := expectResume(t, h.accept(t))
	assert.Equal(t, "s-op7", resume.SessionID)
}

func TestShardDispatchEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.manager.Spawn(0)
	c := h.accept(t)
	handshake(t, c, time.Minute, 1, "s")

	require.NoError(t, c.Dispatch("MESSAGE_CREATE", 2, map[string]string{"content": "hi"}))
	ev := h.waitEvent(t, func(ev relaynet.Event) bool {
		return ev.Type == relaynet.EventRawDispatch && ev.Dispatch != nil && ev.Dispatch.Name == "MESSAGE_CREATE"
	})
	assert.Equal(t, int64(2), ev.Dispatch.Sequence)
	assert.JSONEq(t, `{"content":"hi"}`, string(ev.Dispatch.Data))

	require.NoError(t, c.Dispatch("MESSAGE_CREATE", 9, map[string]string{}))
	h.waitEvent(t, isType(relaynet.EventWarn))
}

func TestShardCompressedFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) { o.Compress = true })
	h.manager.Spawn(0)
	c := h.accept(t)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write([]byte(`{"op":10,"d":{"heartbeat_interval":60000}}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.WriteRaw(websocket.BinaryMessage, buf.Bytes()))

	p, err := c.Expect(relaynet.OpIdentify, frameTimeout)
	require.NoError(t, err)
	var identify identifyPayload
	require.NoError(t, json.Unmarshal(p.Data, &identify))
	assert.True(t, identify.Compress)

	// A corrupt frame is reported and the connection stays up.
	require.NoError(t, c.WriteRaw(websocket.BinaryMessage, []byte("not zlib")))
	h.waitEvent(t, isType(relaynet.EventError))
	require.NoError(t, c.Ready(1, "s", ""))
	h.waitEvent(t, isType(relaynet.EventShardReady))
}

func TestShardSendAndPresence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	s := h.manager.Spawn(0)

	err := (&Shard{opts: &Options{}}).Send(context.Background(), relaynet.OpRequestGuildMembers, nil, false)
	assert.Error(t, err)

	c := h.accept(t)
	handshake(t, c, time.Minute, 1, "s")
	h.waitEvent(t, isType(relaynet.EventShardReady))

	require.NoError(t, s.Send(context.Background(), relaynet.OpRequestGuildMembers, map[string]any{"guild_id": "1", "limit": 0}, false))
	p, err := c.Expect(relaynet.OpRequestGuildMembers, frameTimeout)
	require.NoError(t, err)
	assert.JSONEq(t, `{"guild_id":"1","limit":0}`, string(p.Data))

	require.NoError(t, s.UpdatePresence(context.Background(), Presence{Status: "idle", Activities: []Activity{{Name: "tests"}}}))
	p, err = c.Expect(relaynet.OpPresenceUpdate, frameTimeout)
	require.NoError(t, err)
	var presence Presence
	require.NoError(t, json.Unmarshal(p.Data, &presence))
	assert.Equal(t, "idle", presence.Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, relaynet.OpHeartbeat, nil, true), context.Canceled)
}

func TestShardConnectRefusesLiveSocket(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	s := h.manager.Spawn(0)
	h.accept(t)

	err := s.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), relaynet.ErrExistingConnection)
}

func TestShardAckFeedsBucketLatency(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	s := h.manager.Spawn(0)
	c := h.accept(t)
	handshake(t, c, time.Minute, 1, "s")
	_, err := c.Expect(relaynet.OpHeartbeat, frameTimeout)
	require.NoError(t, err)

	s.mu.Lock()
	ref := s.latencyRef
	assert.Same(t, ref, s.bucket.LatencyRef())
	assert.Same(t, ref, s.presenceBucket.LatencyRef())
	s.mu.Unlock()
	require.Zero(t, ref.Latency())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Ack())
	require.Eventually(t, func() bool { return ref.Latency() > 0 }, frameTimeout, 5*time.Millisecond)

	// Ten samples are averaged, so one 20ms round trip moves it by at least 2ms.
	assert.GreaterOrEqual(t, ref.Latency(), 2*time.Millisecond)
	assert.GreaterOrEqual(t, s.Latency(), 20*time.Millisecond)

	// A hard reset rebuilds the buckets on the same reference.
	s.Disconnect(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Same(t, ref, s.bucket.LatencyRef())
	assert.Same(t, ref, s.presenceBucket.LatencyRef())
}

func TestShardInvalidatesSessionAfterResumeAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) { o.MaxResumeAttempts = 2 })
	s := h.manager.Spawn(0)
	c := h.accept(t)
	handshake(t, c, time.Minute, 3, "abc")
	h.waitEvent(t, isType(relaynet.EventShardReady))

	c.Close(relaynet.CloseUnknownError, "")
	for i := 0; i < 2; i++ {
		c = h.accept(t)
		resume := expectResume(t, c)
		assert.Equal(t, "abc", resume.SessionID, "resume %d", i+1)
		c.Close(relaynet.CloseUnknownError, "")
	}

	// The session is dropped, so the shard waits out its backoff and identifies.
	c = h.accept(t)
	require.NoError(t, c.Hello(time.Minute))
	p, err := c.Next(frameTimeout)
	require.NoError(t, err)
	assert.Equal(t, relaynet.OpIdentify, p.Op)
	assert.Empty(t, s.SessionID())
}

func TestShardShutdownCancelsBackoffReconnect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		shutdown func(h *harness, s *Shard)
	}{
		{name: "manager", shutdown: func(h *harness, _ *Shard) { h.manager.DisconnectAll(false) }},
		{name: "shard", shutdown: func(_ *harness, s *Shard) { s.Disconnect(false) }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			s := h.manager.Spawn(0)
			c := h.accept(t)
			handshake(t, c, time.Minute, 1, "abc")
			h.waitEvent(t, isType(relaynet.EventShardReady))

			// 4003 clears the session, so the reconnect waits on the backoff timer.
			c.Close(relaynet.CloseNotAuthenticated, "")
			h.waitEvent(t, isType(relaynet.EventShardDisconnect))
			require.Equal(t, StatusDisconnected, s.State())

			tt.shutdown(h, s)

			h.noConnection(t, DefaultReconnectFloor+500*time.Millisecond)
			assert.Equal(t, StatusDisconnected, s.State())
			assert.False(t, h.manager.queued(s))
			s.mu.Lock()
			assert.Nil(t, s.reconnectTimer)
			s.mu.Unlock()
		})
	}
}

func TestManagerRequeueOfLiveShardIsNotAnError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	s := h.manager.Spawn(0)
	c := h.accept(t)
	handshake(t, c, time.Minute, 1, "abc")
	h.waitEvent(t, isType(relaynet.EventShardReady))

	h.manager.Connect(s)
	ev := h.waitEvent(t, func(ev relaynet.Event) bool {
		if ev.Type == relaynet.EventError {
			t.Errorf("unexpected error event: %v", ev.Err)
		}
		return ev.Type == relaynet.EventDebug && strings.HasPrefix(ev.Message, "connect skipped")
	})
	assert.Contains(t, ev.Message, relaynet.ErrExistingConnection)
	assert.Equal(t, StatusReady, s.State())
}
