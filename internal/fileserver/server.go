// Package fileserver answers file service requests from a blob bucket.
//
// Each transport stream is an independent session with its own handle
// table. Requests on a stream are served concurrently and responses are
// written as they complete, so a client may see them out of order.
package fileserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/sheerbytes/sheerread/internal/bufpool"
	"github.com/sheerbytes/sheerread/internal/plan"
	"github.com/sheerbytes/sheerread/internal/transfer"
	"github.com/sheerbytes/sheerread/pkg/protocol"
)

// Options configures a Server.
type Options struct {
	// MaxFrameSize is the largest read the server accepts (default: 64 KiB).
	MaxFrameSize uint32

	Logger *slog.Logger
}

// Stats are cumulative server counters.
type Stats struct {
	Streams     int64
	OpenHandles int64
	Opens       int64
	Reads       int64
	BytesRead   int64
}

// Server serves files from a bucket.
type Server struct {
	bucket   *blob.Bucket
	maxFrame uint32
	pool     *bufpool.Pool
	logger   *slog.Logger

	streams     atomic.Int64
	openHandles atomic.Int64
	opens       atomic.Int64
	reads       atomic.Int64
	bytesRead   atomic.Int64
}

// New creates a server over bucket. The caller keeps ownership of bucket.
func New(bucket *blob.Bucket, opts Options) *Server {
	frame := opts.MaxFrameSize
	if frame == 0 {
		frame = plan.DefaultMaxFrameSize
	}
	if frame > protocol.MaxReadLength {
		frame = protocol.MaxReadLength
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		bucket:   bucket,
		maxFrame: frame,
		pool:     bufpool.New(int(frame)),
		logger:   logger,
	}
}

// MaxFrameSize returns the largest read length the server accepts.
func (s *Server) MaxFrameSize() uint32 {
	return s.maxFrame
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Streams:     s.streams.Load(),
		OpenHandles: s.openHandles.Load(),
		Opens:       s.opens.Load(),
		Reads:       s.reads.Load(),
		BytesRead:   s.bytesRead.Load(),
	}
}

// Serve accepts connections from t until ctx is done. It returns nil when
// stopped by ctx.
func (s *Server) Serve(ctx context.Context, t transfer.Transport) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := t.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.Debug("connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// ServeConn serves every stream the peer opens on conn and closes conn when
// the peer goes away or ctx is done.
func (s *Server) ServeConn(ctx context.Context, conn transfer.Conn) error {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.logger.Debug("connection accepted", "remote", remote)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeStream(ctx, stream); err != nil {
				s.logger.Warn("stream ended with error", "remote", remote, "error", err)
			}
		}()
	}
}

// ServeStream answers requests on one stream until the client closes it.
// Handles opened on the stream are released when it ends.
func (s *Server) ServeStream(ctx context.Context, stream transfer.Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	sess := &session{
		srv:     s,
		stream:  stream,
		handles: make(map[uuid.UUID]*handle),
	}
	s.streams.Add(1)

	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer func() {
		cancel()
		stop()
		sess.wg.Wait()
		sess.releaseAll()
		stream.Close()
	}()

	for {
		var req protocol.Request
		if err := protocol.ReadMessage(stream, &req); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			sess.serve(ctx, req)
		}()
	}
}

type handle struct {
	path string
	size uint64
}

// session is the per-stream state.
type session struct {
	srv    *Server
	stream transfer.Stream
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu      sync.Mutex
	handles map[uuid.UUID]*handle
}

func (ss *session) serve(ctx context.Context, req protocol.Request) {
	var resp protocol.Response
	var buf []byte
	if err := req.ValidateBasic(); err != nil {
		resp = req.Fail(protocol.StatusInvalidRequest, "%v", err)
	} else {
		switch req.Op {
		case protocol.OpOpen:
			resp = ss.open(ctx, req)
		case protocol.OpRead:
			resp, buf = ss.read(ctx, req)
		case protocol.OpClose:
			resp = ss.close(req)
		}
	}

	ss.writeMu.Lock()
	err := protocol.WriteMessage(ss.stream, resp)
	ss.writeMu.Unlock()
	if buf != nil {
		ss.srv.pool.Put(buf)
	}
	if err != nil {
		ss.srv.logger.Debug("write response failed", "id", req.ID, "op", req.Op.String(), "error", err)
	}
}

func (ss *session) open(ctx context.Context, req protocol.Request) protocol.Response {
	attrs, err := ss.srv.bucket.Attributes(ctx, req.Path)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return req.Fail(protocol.StatusNotFound, "%s", req.Path)
		}
		ss.srv.logger.Warn("stat failed", "path", req.Path, "error", err)
		return req.Fail(protocol.StatusIOError, "%v", err)
	}

	id := uuid.New()
	size := uint64(attrs.Size)
	ss.mu.Lock()
	ss.handles[id] = &handle{path: req.Path, size: size}
	ss.mu.Unlock()
	ss.srv.opens.Add(1)
	ss.srv.openHandles.Add(1)
	ss.srv.logger.Debug("file opened", "path", req.Path, "file_id", id.String(), "size", size)

	resp := req.Reply()
	resp.FileID = id[:]
	resp.EndOfFile = protocol.EncodeLength(size)
	return resp
}

// read returns the response and the pooled buffer backing its data.
func (ss *session) read(ctx context.Context, req protocol.Request) (protocol.Response, []byte) {
	if req.Length > ss.srv.maxFrame {
		return req.Fail(protocol.StatusInvalidRequest, "length %d exceeds max frame size %d", req.Length, ss.srv.maxFrame), nil
	}
	h, ok := ss.lookup(req.FileID)
	if !ok {
		return req.Fail(protocol.StatusInvalidHandle, ""), nil
	}
	if req.Offset >= h.size {
		return req.Fail(protocol.StatusEndOfFile, "offset %d, size %d", req.Offset, h.size), nil
	}

	n := min(uint64(req.Length), h.size-req.Offset)
	buf := ss.srv.pool.Get(int(n))
	r, err := ss.srv.bucket.NewRangeReader(ctx, h.path, int64(req.Offset), int64(n), nil)
	if err != nil {
		ss.srv.pool.Put(buf)
		return ss.readFailed(req, h, err), nil
	}
	_, err = io.ReadFull(r, buf)
	r.Close()
	if err != nil {
		ss.srv.pool.Put(buf)
		return ss.readFailed(req, h, err), nil
	}

	ss.srv.reads.Add(1)
	ss.srv.bytesRead.Add(int64(n))
	resp := req.Reply()
	resp.Data = buf
	return resp, buf
}

func (ss *session) readFailed(req protocol.Request, h *handle, err error) protocol.Response {
	ss.srv.logger.Warn("read failed", "path", h.path, "offset", req.Offset, "length", req.Length, "error", err)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return req.Fail(protocol.StatusNotFound, "%s", h.path)
	}
	return req.Fail(protocol.StatusIOError, "%v", err)
}

func (ss *session) close(req protocol.Request) protocol.Response {
	id, err := uuid.FromBytes(req.FileID)
	if err != nil {
		return req.Fail(protocol.StatusInvalidHandle, "")
	}
	ss.mu.Lock()
	_, ok := ss.handles[id]
	delete(ss.handles, id)
	ss.mu.Unlock()
	if !ok {
		return req.Fail(protocol.StatusInvalidHandle, "")
	}
	ss.srv.openHandles.Add(-1)
	return req.Reply()
}

func (ss *session) lookup(fileID []byte) (*handle, bool) {
	id, err := uuid.FromBytes(fileID)
	if err != nil {
		return nil, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	h, ok := ss.handles[id]
	return h, ok
}

func (ss *session) releaseAll() {
	ss.mu.Lock()
	n := len(ss.handles)
	clear(ss.handles)
	ss.mu.Unlock()
	if n > 0 {
		ss.srv.openHandles.Add(int64(-n))
		ss.srv.logger.Debug("released handles on stream end", "count", n)
	}
}
