package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/luciancaetano/relaynet"
)

const (
	writeWait  = 10 * time.Second
	closeWait  = time.Second
	sendBuffer = 256
)

// conn wraps one gateway socket. Writes go through a single write pump;
// reads happen on the goroutine running readLoop.
type conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan []byte
	mu     sync.RWMutex
	closed bool
}

func newConn(ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		sendCh: make(chan []byte, sendBuffer),
	}

	go c.writePump()

	return c
}

// send queues an encoded frame for the write pump.
func (c *conn) send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New(relaynet.ErrShardNotConnected)
	}

	// Keep the lock while sending to prevent race with closeWithCode()
	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errors.New(relaynet.ErrShardNotConnected)
	}
}

// closeWithCode sends a close frame and tears the socket down. Calling it
// more than once is a no-op.
func (c *conn) closeWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWait))

	close(c.sendCh)
	return c.ws.Close()
}

func (c *conn) writePump() {
	defer c.ws.Close()

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// readLoop delivers frames until the socket fails, then reports the close
// code. Errors that carry no close frame are reported as 1006.
func (c *conn) readLoop(onFrame func(binary bool, data []byte), onClose func(code int, reason string)) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				onClose(ce.Code, ce.Text)
				return
			}
			onClose(websocket.CloseAbnormalClosure, err.Error())
			return
		}
		onFrame(mt == websocket.BinaryMessage, data)
	}
}
