package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established socket carrying JSON text frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a socket for a conversation reference.
type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// DialerOptions configures the websocket transport.
type DialerOptions struct {
	SocketURL        string // e.g. ws://localhost:8000/llm_chat; the target is appended as a path segment
	Header           http.Header
	Jar              http.CookieJar
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// DefaultDialerOptions mirrors the keepalive timings used by the backend.
func DefaultDialerOptions() DialerOptions {
	return DialerOptions{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// WebSocketDialer dials the chat backend with gorilla/websocket.
type WebSocketDialer struct {
	opts DialerOptions
}

// NewWebSocketDialer fills unset timings from DefaultDialerOptions.
func NewWebSocketDialer(opts DialerOptions) *WebSocketDialer {
	defaults := DefaultDialerOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	return &WebSocketDialer{opts: opts}
}

// Endpoint returns the socket URL for target.
func (d *WebSocketDialer) Endpoint(target string) string {
	return strings.TrimRight(d.opts.SocketURL, "/") + "/" + url.PathEscape(target)
}

// Dial connects to the endpoint for target and starts its ping loop.
func (d *WebSocketDialer) Dial(ctx context.Context, target string) (Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.opts.HandshakeTimeout,
		Jar:              d.opts.Jar,
	}

	endpoint := d.Endpoint(target)
	conn, resp, err := dialer.DialContext(ctx, endpoint, d.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s failed with status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s failed: %w", endpoint, err)
	}

	ws := &wsConn{
		conn: conn,
		opts: d.opts,
		done: make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))
	})
	go ws.pingLoop()

	return ws, nil
}

type wsConn struct {
	conn      *websocket.Conn
	opts      DialerOptions
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// ReadMessage returns the next text frame, skipping binary frames.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteJSON(v)
}

// Close sends a normal closure frame and releases the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.opts.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

// pingLoop 定期发送ping消息
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// the read loop observes the broken socket and reports the drop
				return
			}
		}
	}
}

// IsExpectedClose reports whether err is an orderly closure rather than a
// dropped connection.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
