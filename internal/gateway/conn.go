package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-chessroom/internal/room"
)

const (
	sendBuffer   = 64
	inboxBuffer  = 16
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pingTimeout  = 3 * time.Second
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// wsConn is the room.Conn of one WebSocket client. Sends are queued and
// written by run; Disconnect flushes the queue before closing. Inbound
// frames are read from the start by readPump and buffered in inbox, so a
// peer that leaves before the room accepts it is seen as disconnected.
type wsConn struct {
	ws     *websocket.Conn
	out    chan room.Event
	inbox  chan inbound
	logger *zap.Logger

	connected atomic.Bool
	quit      chan struct{}
	quitOnce  sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, logger *zap.Logger) *wsConn {
	c := &wsConn{
		ws:     ws,
		out:    make(chan room.Event, sendBuffer),
		inbox:  make(chan inbound, inboxBuffer),
		logger: logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.connected.Store(true)
	return c
}

func (c *wsConn) Send(ev room.Event) error {
	if !c.connected.Load() {
		return errConnClosed
	}
	select {
	case c.out <- ev:
		return nil
	default:
		c.logger.Warn("ws_send_overflow", zap.String("event", string(ev.Name)))
		c.Disconnect()
		return errSlowConsumer
	}
}

func (c *wsConn) Disconnect() {
	c.connected.Store(false)
	c.quitOnce.Do(func() { close(c.quit) })
}

func (c *wsConn) Connected() bool { return c.connected.Load() }

// run writes queued events and pings until Disconnect or a write failure.
func (c *wsConn) run(ctx context.Context) {
	defer close(c.done)
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	failures := 0

	for {
		select {
		case ev := <-c.out:
			if err := c.write(ctx, ev); err != nil {
				c.connected.Store(false)
				_ = c.ws.Close(websocket.StatusGoingAway, "write failure")
				return
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.connected.Store(false)
				_ = c.ws.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		case <-c.quit:
			c.flush(ctx)
			_ = c.ws.Close(websocket.StatusPolicyViolation, "disconnected")
			return
		case <-ctx.Done():
			c.connected.Store(false)
			_ = c.ws.Close(websocket.StatusGoingAway, "shutdown")
			return
		}
	}
}

func (c *wsConn) flush(ctx context.Context) {
	for {
		select {
		case ev := <-c.out:
			if err := c.write(ctx, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(ctx context.Context, ev room.Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.ws, ev)
}

// readPump reads frames until the socket fails or ctx ends. On exit the
// connection reports disconnected, gone is called and inbox is closed.
func (c *wsConn) readPump(ctx context.Context, gone func()) {
	defer close(c.inbox)
	defer gone()
	defer c.connected.Store(false)
	for {
		var msg inbound
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			c.logger.Debug("ws_read_end", zap.Error(err))
			return
		}
		select {
		case c.inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// wait blocks until the write loop has closed the socket.
func (c *wsConn) wait() { <-c.done }
