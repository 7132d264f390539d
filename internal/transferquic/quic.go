// Package transferquic implements the transfer interfaces over QUIC.
package transferquic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/sheerread/internal/transfer"
)

var (
	_ transfer.Transport = (*QUICTransport)(nil)
	_ transfer.Conn      = (*QUICConn)(nil)
	_ transfer.Stream    = (*QUICStream)(nil)
)

// QUICTransport is a Transport backed by QUIC. A listener transport only
// accepts; a dialer transport only dials.
type QUICTransport struct {
	listener *quic.Listener
	udp      *quic.Transport
	udpConn  *net.UDPConn
	tlsConf  *tls.Config
	quicConf *quic.Config
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[*QUICConn]struct{}
	closed bool
}

// ListenAddr starts a listener transport on a UDP address such as ":4433"
// with DefaultTuning.
func ListenAddr(addr string, tlsConf *tls.Config, logger *slog.Logger) (*QUICTransport, error) {
	return Listen(addr, tlsConf, DefaultTuning(), logger)
}

// Listen starts a listener transport with explicit socket and flow-control tuning.
func Listen(addr string, tlsConf *tls.Config, tuning Tuning, logger *slog.Logger) (*QUICTransport, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Error("UDP listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("udp listen %s: %w", addr, err)
	}

	tune := ApplyUDPBuffers(udpConn, tuning.UDPReadBuffer, tuning.UDPWriteBuffer)
	logger.Debug("UDP buffers tuned",
		"read", tune.RequestedR, "write", tune.RequestedW, "status", tune.Status, "error", tune.Err)

	tr := &quic.Transport{Conn: udpConn}
	listener, err := tr.Listen(tlsConf, tuning.Apply(DefaultServerConfig()))
	if err != nil {
		tr.Close()
		udpConn.Close()
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	logger.Info("QUIC listener created", "local_addr", listener.Addr().String())
	return &QUICTransport{
		listener: listener,
		udp:      tr,
		udpConn:  udpConn,
		logger:   logger,
		conns:    make(map[*QUICConn]struct{}),
	}, nil
}

// NewDialer creates a dialer transport.
func NewDialer(tlsConf *tls.Config, logger *slog.Logger) *QUICTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &QUICTransport{
		tlsConf:  tlsConf,
		quicConf: DefaultClientConfig(),
		logger:   logger,
		conns:    make(map[*QUICConn]struct{}),
	}
}

// Addr returns the listening address, or nil for a dialer.
func (t *QUICTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Dial opens a new QUIC connection to addr.
func (t *QUICTransport) Dial(ctx context.Context, addr string) (transfer.Conn, error) {
	if t.listener != nil {
		return nil, errors.New("Dial called on listener transport")
	}
	if t.isClosed() {
		return nil, io.ErrClosedPipe
	}

	t.logger.Debug("QUIC dial starting", "remote_addr", addr)
	conn, err := quic.DialAddr(ctx, addr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	t.logger.Info("QUIC connection established", "remote_addr", conn.RemoteAddr().String())
	return t.track(conn)
}

// Accept waits for the next incoming QUIC connection.
func (t *QUICTransport) Accept(ctx context.Context) (transfer.Conn, error) {
	if t.listener == nil {
		return nil, errors.New("Accept called on dialer transport")
	}
	if t.isClosed() {
		return nil, io.ErrClosedPipe
	}

	conn, err := t.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}
	t.logger.Info("QUIC connection accepted", "remote_addr", conn.RemoteAddr().String())
	return t.track(conn)
}

func (t *QUICTransport) track(conn *quic.Conn) (transfer.Conn, error) {
	c := &QUICConn{conn: conn, logger: t.logger, owner: t}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.CloseWithError(0, "transport closed")
		return nil, io.ErrClosedPipe
	}
	t.conns[c] = struct{}{}
	return c, nil
}

func (t *QUICTransport) untrack(c *QUICConn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *QUICTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close closes the listener, if any, and every connection the transport made.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	for c := range conns {
		c.Close()
	}
	if t.listener != nil {
		err := t.listener.Close()
		t.udp.Close()
		t.udpConn.Close()
		if err != nil {
			return fmt.Errorf("close QUIC listener: %w", err)
		}
	}
	return nil
}

// QUICConn wraps a quic.Conn and implements transfer.Conn.
type QUICConn struct {
	conn   *quic.Conn
	logger *slog.Logger
	owner  *QUICTransport

	mu     sync.Mutex
	closed bool
}

// OpenStream opens a new bidirectional stream.
func (c *QUICConn) OpenStream(ctx context.Context) (transfer.Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}
	c.logger.Debug("QUIC stream opened", "stream_id", int64(stream.StreamID()))
	return &QUICStream{stream: stream}, nil
}

// AcceptStream waits for a stream opened by the peer.
func (c *QUICConn) AcceptStream(ctx context.Context) (transfer.Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC stream: %w", err)
	}
	c.logger.Debug("QUIC stream accepted", "stream_id", int64(stream.StreamID()))
	return &QUICStream{stream: stream}, nil
}

func (c *QUICConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection and all of its streams.
func (c *QUICConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.owner.untrack(c)
	if err := c.conn.CloseWithError(0, ""); err != nil {
		return fmt.Errorf("close QUIC connection: %w", err)
	}
	return nil
}

// QUICStream wraps a quic.Stream and implements transfer.Stream.
type QUICStream struct {
	stream *quic.Stream

	mu     sync.Mutex
	closed bool
}

func (s *QUICStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *QUICStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// StreamID returns the QUIC stream ID.
func (s *QUICStream) StreamID() int64 {
	return int64(s.stream.StreamID())
}

// Close finishes the send side and stops reading; the peer sees io.EOF.
func (s *QUICStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.stream.CancelRead(0)
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("close QUIC stream: %w", err)
	}
	return nil
}
