package transfer

import (
	"context"
	"io"
	"net"
	"sync"
)

// MockTransport is an in-memory transport for tests. Connections dialed on
// one side of a pair are accepted on the other; the address is ignored.
type MockTransport struct {
	name   string
	accept chan *mockConn
	peer   *MockTransport

	mu     sync.Mutex
	conns  map[*mockConn]struct{}
	closed bool
	done   chan struct{}
}

// NewMockPair creates two connected transports, conventionally the client
// and the server side.
func NewMockPair() (*MockTransport, *MockTransport) {
	a := newMockTransport("mock-client")
	b := newMockTransport("mock-server")
	a.peer, b.peer = b, a
	return a, b
}

func newMockTransport(name string) *MockTransport {
	return &MockTransport{
		name:   name,
		accept: make(chan *mockConn, 8),
		conns:  make(map[*mockConn]struct{}),
		done:   make(chan struct{}),
	}
}

// mockConn is one side of an in-memory connection. Both sides share link,
// so closing either ends the connection for both.
type mockConn struct {
	local    *MockTransport
	remote   *MockTransport
	peerConn *mockConn
	incoming chan *mockStream
	link     *mockLink
}

type mockLink struct {
	once sync.Once
	done chan struct{}

	mu      sync.Mutex
	streams []*mockStream
}

// mockStream is a bidirectional stream built from two io.Pipes.
type mockStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

var _ Transport = (*MockTransport)(nil)
var _ Conn = (*mockConn)(nil)
var _ Stream = (*mockStream)(nil)

type mockAddr string

func (a mockAddr) Network() string { return "mock" }
func (a mockAddr) String() string  { return string(a) }

// Dial connects to the peer transport.
func (t *MockTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	t.mu.Unlock()

	link := &mockLink{done: make(chan struct{})}
	local := &mockConn{local: t, remote: t.peer, incoming: make(chan *mockStream, 16), link: link}
	remote := &mockConn{local: t.peer, remote: t, incoming: make(chan *mockStream, 16), link: link}
	local.peerConn, remote.peerConn = remote, local

	select {
	case t.peer.accept <- remote:
	case <-t.peer.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.track(local)
	return local, nil
}

// Accept waits for a connection dialed by the peer.
func (t *MockTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-t.accept:
		t.track(c)
		return c, nil
	case <-t.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MockTransport) track(c *mockConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns != nil {
		t.conns[c] = struct{}{}
	}
}

// Close closes the transport and its connections.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	for c := range conns {
		c.Close()
	}
	return nil
}

// OpenStream opens a stream that the remote side receives from AcceptStream.
func (c *mockConn) OpenStream(ctx context.Context) (Stream, error) {
	select {
	case <-c.link.done:
		return nil, io.ErrClosedPipe
	default:
	}

	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	local := &mockStream{r: inR, w: outW}
	remote := &mockStream{r: outR, w: inW}

	select {
	case c.peerConn.incoming <- remote:
	case <-c.link.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.link.add(local, remote)
	return local, nil
}

// AcceptStream waits for a stream opened by the remote side.
func (c *mockConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-c.link.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mockConn) RemoteAddr() net.Addr {
	return mockAddr(c.remote.name)
}

// Close ends the connection for both sides and closes every stream on it.
func (c *mockConn) Close() error {
	c.link.close()
	return nil
}

func (l *mockLink) add(streams ...*mockStream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streams = append(l.streams, streams...)
}

func (l *mockLink) close() {
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		streams := l.streams
		l.streams = nil
		l.mu.Unlock()
		for _, s := range streams {
			s.Close()
		}
	})
}

func (s *mockStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *mockStream) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Close closes both directions; the peer's reads see io.EOF.
func (s *mockStream) Close() error {
	s.r.Close()
	s.w.Close()
	return nil
}
