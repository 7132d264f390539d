// Package remotefs is the client side of the file service protocol. A Client
// multiplexes open, read and close requests over one transport stream and
// implements pipeline.FileClient.
package remotefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sheerbytes/sheerread/internal/pipeline"
	"github.com/sheerbytes/sheerread/internal/transfer"
	"github.com/sheerbytes/sheerread/pkg/protocol"
)

// ErrClientClosed is returned for requests made after, or pending during,
// the client's shutdown.
var ErrClientClosed = errors.New("remotefs: client closed")

// Client sends requests over a single stream. Responses may arrive in any
// order and are matched to waiters by request ID.
type Client struct {
	stream transfer.Stream
	logger *slog.Logger
	nextID atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan protocol.Response
	closed  bool
	cause   error
	done    chan struct{}
}

var _ pipeline.FileClient = (*Client)(nil)

// New starts a client on an open stream. The client owns the stream.
func New(stream transfer.Stream, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		stream:  stream,
		logger:  logger,
		pending: make(map[uint64]chan protocol.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial opens a stream on conn and starts a client on it.
func Dial(ctx context.Context, conn transfer.Conn, logger *slog.Logger) (*Client, error) {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return New(stream, logger), nil
}

// Open opens path on the server. A missing path yields an error wrapping
// pipeline.ErrNameNotFound.
func (c *Client) Open(ctx context.Context, path string) (pipeline.FileHandle, error) {
	req := protocol.NewRequest(0, protocol.OpOpen)
	req.Path = path
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return pipeline.FileHandle{}, err
	}
	if err := resp.Err(); err != nil {
		if resp.Status == protocol.StatusNotFound {
			return pipeline.FileHandle{}, fmt.Errorf("open %s: %w: %w", path, pipeline.ErrNameNotFound, err)
		}
		return pipeline.FileHandle{}, fmt.Errorf("open %s: %w", path, err)
	}

	id, err := uuid.FromBytes(resp.FileID)
	if err != nil {
		return pipeline.FileHandle{}, fmt.Errorf("open %s: bad file id: %w", path, err)
	}
	return pipeline.FileHandle{ID: id, EndOfFile: resp.EndOfFile}, nil
}

// Read reads length bytes at offset from an open file.
func (c *Client) Read(ctx context.Context, id uuid.UUID, offset uint64, length uint32) ([]byte, error) {
	req := protocol.NewRequest(0, protocol.OpRead)
	req.FileID = id[:]
	req.Offset = offset
	req.Length = length
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Close releases a file handle on the server.
func (c *Client) Close(ctx context.Context, h pipeline.FileHandle) error {
	req := protocol.NewRequest(0, protocol.OpClose)
	req.FileID = h.ID[:]
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	return resp.Err()
}

// Shutdown closes the stream and fails all pending requests with
// ErrClientClosed.
func (c *Client) Shutdown() error {
	c.shutdown(ErrClientClosed)
	return nil
}

// Done is closed once the client has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) roundTrip(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan protocol.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Response{}, c.closedErr()
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := protocol.WriteMessage(c.stream, req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		c.shutdown(err)
		return protocol.Response{}, fmt.Errorf("%s request: %w", req.Op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.Response{}, c.closedErr()
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return protocol.Response{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		var resp protocol.Response
		if err := protocol.ReadMessage(c.stream, &resp); err != nil {
			c.shutdown(err)
			return
		}
		if err := resp.ValidateBasic(); err != nil {
			c.logger.Warn("invalid response", "id", resp.ID, "error", err)
			c.shutdown(fmt.Errorf("invalid response: %w", err))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping response for abandoned request", "id", resp.ID, "status", resp.Status.String())
			continue
		}
		ch <- resp
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if !errors.Is(cause, ErrClientClosed) {
		c.logger.Debug("client stopped", "error", cause)
	}
	c.stream.Close()
	close(c.done)
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	cause := c.cause
	c.mu.Unlock()
	if cause == nil || errors.Is(cause, ErrClientClosed) {
		return ErrClientClosed
	}
	return fmt.Errorf("%w: %w", ErrClientClosed, cause)
}
