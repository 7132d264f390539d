// Package transferws carries the file service over WebSocket for networks
// where UDP is blocked. Each WebSocket connection holds exactly one stream;
// writes become binary messages and reads see their concatenation.
package transferws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/sheerread/internal/transfer"
)

const (
	// DefaultReadLimit bounds a single incoming WebSocket message.
	DefaultReadLimit = 2 << 20

	pingPeriod   = 30 * time.Second
	idleTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrSingleStream is returned when a second stream is opened on a connection.
var ErrSingleStream = errors.New("transferws: connection carries a single stream")

var (
	_ transfer.Transport = (*Listener)(nil)
	_ transfer.Transport = (*Dialer)(nil)
	_ http.Handler       = (*Listener)(nil)
	_ transfer.Conn      = (*wsConn)(nil)
	_ transfer.Stream    = (*wsConn)(nil)
)

// Listener is the server side: mount it on an HTTP mux and Accept the
// connections it upgrades.
type Listener struct {
	upgrader  websocket.Upgrader
	readLimit int64
	logger    *slog.Logger
	accept    chan *wsConn

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	conns  map[*wsConn]struct{}
}

// NewListener creates a listener. readLimit <= 0 selects DefaultReadLimit.
func NewListener(readLimit int64, logger *slog.Logger) *Listener {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Listener{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		readLimit: readLimit,
		logger:    logger,
		accept:    make(chan *wsConn),
		done:      make(chan struct{}),
		conns:     make(map[*wsConn]struct{}),
	}
}

// ServeHTTP upgrades the request and hands the connection to Accept.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	c := newConn(ws, l.readLimit, l.logger)

	select {
	case l.accept <- c:
		l.mu.Lock()
		if l.conns != nil {
			l.conns[c] = struct{}{}
		}
		l.mu.Unlock()
	case <-l.done:
		c.Close()
	case <-r.Context().Done():
		c.Close()
	}
}

// Accept returns the next upgraded connection.
func (l *Listener) Accept(ctx context.Context) (transfer.Conn, error) {
	select {
	case c := <-l.accept:
		l.logger.Info("websocket connection accepted", "remote_addr", c.RemoteAddr().String())
		return c, nil
	case <-l.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial is not supported on a listener.
func (l *Listener) Dial(ctx context.Context, addr string) (transfer.Conn, error) {
	return nil, errors.New("Dial called on listener transport")
}

// Close stops accepting and closes accepted connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	conns := l.conns
	l.conns = nil
	l.mu.Unlock()

	for c := range conns {
		c.Close()
	}
	return nil
}

// Dialer is the client side.
type Dialer struct {
	dialer    websocket.Dialer
	readLimit int64
	logger    *slog.Logger
}

// NewDialer creates a dialer. readLimit <= 0 selects DefaultReadLimit.
func NewDialer(readLimit int64, logger *slog.Logger) *Dialer {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dialer{
		dialer:    websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		readLimit: readLimit,
		logger:    logger,
	}
}

// Dial connects to a ws:// or wss:// URL.
func (d *Dialer) Dial(ctx context.Context, url string) (transfer.Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	d.logger.Info("websocket connection established", "url", url)
	return newConn(ws, d.readLimit, d.logger), nil
}

// Accept is not supported on a dialer.
func (d *Dialer) Accept(ctx context.Context) (transfer.Conn, error) {
	return nil, errors.New("Accept called on dialer transport")
}

func (d *Dialer) Close() error { return nil }

// wsConn is both the connection and its only stream.
type wsConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	reader  io.Reader

	mu     sync.Mutex
	taken  bool
	closed bool
	done   chan struct{}
}

func newConn(ws *websocket.Conn, readLimit int64, logger *slog.Logger) *wsConn {
	c := &wsConn{ws: ws, logger: logger, done: make(chan struct{})}
	ws.SetReadLimit(readLimit)
	ws.SetReadDeadline(time.Now().Add(idleTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(idleTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	go c.keepalive()
	return c
}

func (c *wsConn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) take() (transfer.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, io.ErrClosedPipe
	}
	if c.taken {
		return nil, ErrSingleStream
	}
	c.taken = true
	return c, nil
}

// OpenStream returns the connection's stream the first time it is called.
func (c *wsConn) OpenStream(ctx context.Context) (transfer.Stream, error) {
	return c.take()
}

// AcceptStream returns the stream once, then blocks until the connection closes.
func (c *wsConn) AcceptStream(ctx context.Context) (transfer.Stream, error) {
	s, err := c.take()
	if !errors.Is(err, ErrSingleStream) {
		return s, err
	}
	select {
	case <-c.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// Read returns bytes from consecutive binary messages.
func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one binary message.
func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the underlying connection.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.ws.Close()
}
