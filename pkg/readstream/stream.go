package readstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"syscall"

	"github.com/sheerbytes/sheerread/internal/pipeline"
	"github.com/sheerbytes/sheerread/internal/plan"
	"github.com/sheerbytes/sheerread/internal/textenc"
)

// Boundary types re-exported so callers can implement clients and match errors.
type (
	FileClient = pipeline.FileClient
	FileHandle = pipeline.FileHandle
	ReadError  = pipeline.ReadError
	CloseError = pipeline.CloseError
	Stats      = pipeline.Stats
)

var (
	// ErrNameNotFound must be wrapped by FileClient.Open for missing paths.
	ErrNameNotFound = pipeline.ErrNameNotFound
	// ErrCanceled ends a stream whose context was cancelled.
	ErrCanceled = pipeline.ErrCanceled
	// ErrClosed is returned by reads after Close.
	ErrClosed = errors.New("readstream: stream closed")
)

// DefaultHighWaterMark is the number of undelivered chunks the stream buffers
// before asking the pipeline to pause.
const DefaultHighWaterMark = 1

// Options configures Open.
type Options struct {
	// Start is the first byte to read.
	Start uint64

	// End is the last byte to read, inclusive. Nil reads to the end of the file.
	End *uint64

	// Encoding decodes each chunk to UTF-8 text (see internal/textenc).
	Encoding string

	// MaxConcurrency is the number of reads kept outstanding (default: 2).
	MaxConcurrency int

	// MaxFrameSize is the largest single read (default: 64 KiB).
	MaxFrameSize uint32

	// HighWaterMark is the number of buffered chunks that pauses delivery (default: 1).
	HighWaterMark int

	// SkipCloseOnCancel leaves the remote handle open when Close interrupts the stream.
	SkipCloseOnCancel bool

	// ReleaseOnError closes the remote handle after a read failure.
	ReleaseOnError bool

	Logger *slog.Logger
}

// Chunk is one delivered piece of the file.
type Chunk struct {
	Index  uint64
	Offset uint64
	Data   []byte
}

// Text returns the chunk as a string. With an encoding set, Data is UTF-8.
func (c Chunk) Text() string {
	return string(c.Data)
}

// Stream is a pull-based reader over a remote file range.
// Next, Read and WriteTo must not be called concurrently.
type Stream struct {
	path string
	ctx  context.Context
	ctrl *pipeline.Controller
	buf  *buffer
	cur  []byte
}

// Open opens path through client and prepares a stream over the requested
// range. A missing file is reported as an *fs.PathError wrapping ENOENT;
// other open errors are returned as the client produced them.
// ctx bounds the lifetime of the whole stream, not just the open.
func Open(ctx context.Context, client FileClient, path string, opts Options) (*Stream, error) {
	decode, err := textenc.Lookup(opts.Encoding)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	h, err := client.Open(ctx, path)
	if err != nil {
		if errors.Is(err, pipeline.ErrNameNotFound) {
			return nil, &fs.PathError{Op: "open", Path: path, Err: syscall.ENOENT}
		}
		return nil, err
	}

	size, err := h.Length()
	if err != nil {
		_ = client.Close(ctx, h)
		return nil, fmt.Errorf("readstream: %s: %w", path, err)
	}

	p := plan.Build(size, opts.Start, opts.End, opts.MaxFrameSize)
	logger.Debug("stream opened", "path", path, "file_size", size, "start", p.Start(), "end", p.End(), "chunks", p.Len())

	hwm := opts.HighWaterMark
	if hwm <= 0 {
		hwm = DefaultHighWaterMark
	}
	s := &Stream{
		path: path,
		ctx:  ctx,
		buf:  newBuffer(hwm),
	}

	var transform pipeline.Transform
	if decode != nil {
		transform = pipeline.Transform(decode)
	}
	s.ctrl = pipeline.New(ctx, client, h, p, s.buf, pipeline.Options{
		MaxConcurrency:    opts.MaxConcurrency,
		Transform:         transform,
		SkipCloseOnCancel: opts.SkipCloseOnCancel,
		ReleaseOnError:    opts.ReleaseOnError,
		Logger:            logger.With("path", path),
	})
	return s, nil
}

// Path returns the remote path the stream reads.
func (s *Stream) Path() string {
	return s.path
}

// Size returns the number of bytes the stream will deliver before decoding.
func (s *Stream) Size() uint64 {
	return s.ctrl.Plan().Size()
}

// Stats returns the pipeline counters.
func (s *Stream) Stats() Stats {
	return s.ctrl.Stats()
}

// Next returns the next chunk in offset order, io.EOF after the last one,
// or the error that ended the stream.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	for {
		d, ok, buffered, err := s.buf.pop()
		if ok {
			if buffered < s.buf.hwm {
				s.ctrl.Drive()
			}
			return Chunk{Index: d.Index, Offset: d.Offset, Data: d.Data}, nil
		}
		if err != nil {
			return Chunk{}, err
		}

		s.ctrl.Drive()
		select {
		case <-s.buf.notify:
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(s.cur) == 0 {
		c, err := s.Next(s.ctx)
		if err != nil {
			return 0, err
		}
		s.cur = c.Data
	}
	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	return n, nil
}

// WriteTo implements io.WriterTo, writing one chunk at a time.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if len(s.cur) > 0 {
		n, err := w.Write(s.cur)
		total += int64(n)
		s.cur = nil
		if err != nil {
			return total, err
		}
	}
	for {
		c, err := s.Next(s.ctx)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(c.Data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

// Close stops an unfinished stream and waits for the remote handle to be
// released. It returns a *CloseError when that release failed, whether the
// stream had finished or was interrupted.
func (s *Stream) Close() error {
	s.buf.close()
	s.ctrl.Cancel()
	<-s.ctrl.Done()
	return s.ctrl.CloseErr()
}

// buffer is the stream's side of the pipeline: it queues deliveries until
// the consumer pulls them.
type buffer struct {
	hwm    int
	notify chan struct{}

	mu     sync.Mutex
	queue  []pipeline.Delivery
	ended  bool
	closed bool
	err    error
}

var _ pipeline.Sink = (*buffer)(nil)

func newBuffer(hwm int) *buffer {
	return &buffer{hwm: hwm, notify: make(chan struct{}, 1)}
}

func (b *buffer) Deliver(d pipeline.Delivery) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, d)
	n := len(b.queue)
	b.mu.Unlock()
	b.signal()
	return n < b.hwm
}

func (b *buffer) End() {
	b.mu.Lock()
	b.ended = true
	b.mu.Unlock()
	b.signal()
}

func (b *buffer) Fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.signal()
}

func (b *buffer) Closed(err error) {
	b.signal()
}

func (b *buffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *buffer) close() {
	b.mu.Lock()
	b.closed = true
	b.queue = nil
	b.mu.Unlock()
	b.signal()
}

// pop takes the next delivery and reports how many remain buffered.
// Buffered chunks are handed out before a failure is reported.
func (b *buffer) pop() (d pipeline.Delivery, ok bool, buffered int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.closed:
		return d, false, 0, ErrClosed
	case len(b.queue) > 0:
		d = b.queue[0]
		b.queue[0] = pipeline.Delivery{}
		b.queue = b.queue[1:]
		return d, true, len(b.queue), nil
	case b.err != nil:
		return d, false, 0, b.err
	case b.ended:
		return d, false, 0, io.EOF
	}
	return d, false, 0, nil
}
