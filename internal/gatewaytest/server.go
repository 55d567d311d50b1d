// Package gatewaytest provides a scripted gateway server for tests.
package gatewaytest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/protocol"
)

// HandlerFunc scripts one accepted connection. The connection is closed
// when it returns, unless it was closed already.
type HandlerFunc func(c *Conn)

// Server accepts gateway connections and hands each one to the handler.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	handler  HandlerFunc

	mu    sync.Mutex
	conns []*Conn
}

// NewServer starts a server. Close it when done.
func NewServer(handler HandlerFunc) *Server {
	s := &Server{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close closes every connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutdown")
	}
	s.srv.Close()
}

// Connections returns every connection accepted so far, in order.
func (s *Server) Connections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Failed to upgrade connection", http.StatusBadRequest)
		return
	}

	c := &Conn{
		ws:     ws,
		Query:  r.URL.Query(),
		frames: make(chan *protocol.Packet, 64),
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	go c.readLoop()

	s.handler(c)
	c.Close(websocket.CloseNormalClosure, "")
}

// Conn is the server side of one client connection.
type Conn struct {
	ws    *websocket.Conn
	Query url.Values

	writeMu sync.Mutex
	frames  chan *protocol.Packet

	closeOnce  sync.Once
	closed     chan struct{}
	clientCode int
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.writeMu.Lock()
				c.clientCode = ce.Code
				c.writeMu.Unlock()
			}
			c.markClosed()
			return
		}
		p, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		c.frames <- p
	}
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Send writes a frame with the given opcode and data.
func (c *Conn) Send(op int, d any) error {
	return c.write(map[string]any{"op": op, "d": d})
}

// Hello sends HELLO with the given heartbeat interval.
func (c *Conn) Hello(interval time.Duration) error {
	return c.Send(relaynet.OpHello, map[string]any{"heartbeat_interval": interval.Milliseconds()})
}

// Dispatch sends a DISPATCH frame.
func (c *Conn) Dispatch(name string, seq int64, d any) error {
	return c.write(map[string]any{"op": relaynet.OpDispatch, "d": d, "s": seq, "t": name})
}

// Ready dispatches READY for the given session.
func (c *Conn) Ready(seq int64, sessionID, resumeURL string) error {
	return c.Dispatch("READY", seq, map[string]any{
		"v":                  relaynet.GatewayVersion,
		"session_id":         sessionID,
		"resume_gateway_url": resumeURL,
	})
}

// Ack sends HEARTBEAT_ACK.
func (c *Conn) Ack() error {
	return c.Send(relaynet.OpHeartbeatAck, nil)
}

// WriteRaw writes a frame as is.
func (c *Conn) WriteRaw(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(websocket.TextMessage, data)
}

// Next returns the next frame sent by the client.
func (c *Conn) Next(timeout time.Duration) (*protocol.Packet, error) {
	select {
	case p, ok := <-c.frames:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return p, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for a frame")
	}
}

// Expect returns the next frame with the given opcode, skipping others.
func (c *Conn) Expect(op int, timeout time.Duration) (*protocol.Packet, error) {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, errors.Errorf("timed out waiting for op %d", op)
		}
		p, err := c.Next(left)
		if err != nil {
			return nil, errors.Wrapf(err, "waiting for op %d", op)
		}
		if p.Op == op {
			return p, nil
		}
	}
}

// Close sends a close frame with code and drops the connection.
func (c *Conn) Close(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
	c.markClosed()
}

// Closed is closed once either side closes the connection.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// ClientCloseCode returns the close code the client sent, or 0.
func (c *Conn) ClientCloseCode() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.clientCode
}
