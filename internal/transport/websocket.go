package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single payload write.
	writeWait = 10 * time.Second
	// pongWait is how long a peer may stay silent before the read fails.
	pongWait = 60 * time.Second
	// pingPeriod must be under pongWait so pongs arrive in time.
	pingPeriod = (pongWait * 9) / 10
)

// WSDialer dials one websocket endpoint.
type WSDialer struct {
	URL    string
	Header http.Header

	dialer *websocket.Dialer
}

// NewWSDialer returns a Dialer for the given ws:// or wss:// URL.
func NewWSDialer(url string) *WSDialer {
	return &WSDialer{URL: url, dialer: websocket.DefaultDialer}
}

func (d *WSDialer) Dial(ctx context.Context) (Channel, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &ChannelError{Op: "dial", Err: err}
	}
	return NewWSChannel(conn), nil
}

// wsChannel adapts a websocket connection to the Channel interface. A
// background read loop feeds Receive and answers the peer's pings; a ping
// loop keeps the connection alive through idle periods.
type wsChannel struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	recv    chan []byte

	closeOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}

	errMu       sync.Mutex
	readErr     error
	localClosed bool
}

// NewWSChannel wraps an established websocket connection. Both the dialing
// client and the accepting relay use this.
func NewWSChannel(conn *websocket.Conn) Channel {
	c := &wsChannel{
		conn: conn,
		recv: make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *wsChannel) readLoop() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			c.doneOnce.Do(func() { close(c.done) })
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case c.recv <- payload:
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return &ChannelError{Op: "send", Err: err}
	}
	select {
	case <-c.done:
		return &ChannelError{Op: "send", Err: ErrClosed}
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &ChannelError{Op: "send", Err: err}
	}
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.recv:
		return payload, nil
	default:
	}
	select {
	case payload := <-c.recv:
		return payload, nil
	case <-c.done:
		// Hand out anything read before the connection ended.
		select {
		case payload := <-c.recv:
			return payload, nil
		default:
		}
		return nil, &ChannelError{Op: "receive", Err: c.closeReason()}
	case <-ctx.Done():
		return nil, &ChannelError{Op: "receive", Err: ctx.Err()}
	}
}

func (c *wsChannel) closeReason() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.localClosed || c.readErr == nil {
		return ErrClosed
	}
	if websocket.IsCloseError(c.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrClosed
	}
	return c.readErr
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.localClosed = true
		c.errMu.Unlock()
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		c.conn.Close()
		c.doneOnce.Do(func() { close(c.done) })
	})
	return nil
}
