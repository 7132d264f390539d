package transfer

import (
	"context"
	"io"
	"net"
)

// Transport carries file-service connections between a client and a server.
// A Transport can handle multiple concurrent connections.
type Transport interface {
	// Dial establishes a connection to the server at addr.
	Dial(ctx context.Context, addr string) (Conn, error)

	// Accept waits for and accepts an incoming connection.
	Accept(ctx context.Context) (Conn, error)

	// Close closes the transport and all associated connections.
	Close() error
}

// Conn is a connection that multiplexes bidirectional streams.
type Conn interface {
	// OpenStream opens a new bidirectional stream to the remote side.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for and accepts an incoming stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// Close closes the connection and all associated streams.
	Close() error
}

// Stream is a bidirectional byte stream. Reads and writes may run on
// different goroutines, but concurrent writers must serialize.
type Stream interface {
	io.Reader
	io.Writer
	// Close closes the stream. After Close is called, Read and Write operations
	// will return errors.
	Close() error
}
