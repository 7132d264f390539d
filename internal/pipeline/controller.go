package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/sheerread/internal/plan"
)

const (
	// DefaultMaxConcurrency is the number of reads kept outstanding at once.
	DefaultMaxConcurrency = 2
	// DefaultCloseTimeout bounds the terminal close request.
	DefaultCloseTimeout = 30 * time.Second
)

// Status reports what a single Drive call achieved.
type Status int

const (
	// StatusProgressed means at least one chunk was delivered or issued.
	StatusProgressed Status = iota
	// StatusWaitingNetwork means nothing can move until a read completes.
	StatusWaitingNetwork
	// StatusWaitingConsumer means the sink declined further deliveries.
	StatusWaitingConsumer
	// StatusDone means every chunk was delivered and the close was issued.
	StatusDone
	// StatusErrored means a read failed; the stream is terminal.
	StatusErrored
	// StatusCanceled means the stream was cancelled; it is terminal.
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusProgressed:
		return "progressed"
	case StatusWaitingNetwork:
		return "waiting-network"
	case StatusWaitingConsumer:
		return "waiting-consumer"
	case StatusDone:
		return "done"
	case StatusErrored:
		return "errored"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is the controller's lifecycle position.
type State int

const (
	StateStreaming State = iota
	StateDraining        // last chunk delivered, close in flight
	StateClosed
	StateErrored
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Controller.
type Options struct {
	// MaxConcurrency bounds outstanding reads and undelivered results (default: 2).
	MaxConcurrency int

	// Transform is applied to each payload before delivery.
	Transform Transform

	// CloseTimeout bounds the terminal close request (default: 30s).
	CloseTimeout time.Duration

	// SkipCloseOnCancel leaves the remote handle open when the stream is cancelled.
	SkipCloseOnCancel bool

	// ReleaseOnError closes the remote handle after a read failure.
	ReleaseOnError bool

	Logger *slog.Logger
}

// Stats is a snapshot of the controller's counters.
type Stats struct {
	PlanLength   uint64
	Delivered    uint64
	Issued       uint64
	InFlight     int
	PeakInFlight int
	CloseCalls   int
	State        State
}

// slot holds one chunk between issuance and delivery.
type slot struct {
	index     uint64
	data      []byte
	filled    bool
	delivered bool
}

// Controller issues the reads of a plan through a sliding window and hands
// the results to a Sink strictly in plan order.
type Controller struct {
	mu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool

	client FileClient
	handle FileHandle
	plan   plan.Plan
	sink   Sink
	opts   Options
	logger *slog.Logger

	// slots is a ring addressed by index % len(slots); the window never
	// spans more chunks than it has slots.
	slots         []slot
	deliverCursor uint64
	issueCursor   uint64
	inFlight      int
	peakInFlight  int
	state         State

	// paused is set when the sink declines a delivery and cleared by the
	// next external Drive. Completions arriving meanwhile are only stored.
	paused bool

	closeIssued bool
	// closeHeld defers the close until abandoned reads have returned.
	closeHeld  bool
	closeCalls int
	closeErr   error
	err        error

	done       chan struct{}
	doneClosed bool
}

// New creates a controller for an already opened file. No request is issued
// until the first Drive. Cancelling ctx cancels the stream.
func New(ctx context.Context, client FileClient, handle FileHandle, p plan.Plan, sink Sink, opts Options) *Controller {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		ctx:    cctx,
		cancel: cancel,
		client: client,
		handle: handle,
		plan:   p,
		sink:   sink,
		opts:   opts,
		logger: logger.With("file_id", handle.ID.String()),
		slots:  make([]slot, opts.MaxConcurrency),
		done:   make(chan struct{}),
	}
	c.stopWatch = context.AfterFunc(ctx, c.Cancel)
	return c
}

// Plan returns the read plan the controller executes.
func (c *Controller) Plan() plan.Plan {
	return c.plan
}

// Drive makes whatever progress is possible without blocking: it delivers
// completed chunks at the delivery cursor, finishes the stream once every
// chunk is delivered, and tops up the window of outstanding reads.
// It is safe to call any number of times from any goroutine.
func (c *Controller) Drive() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return c.drive()
}

func (c *Controller) drive() Status {
	switch c.state {
	case StateDraining, StateClosed:
		return StatusDone
	case StateErrored:
		return StatusErrored
	case StateCanceled:
		return StatusCanceled
	}
	if c.paused {
		return StatusWaitingConsumer
	}

	total := c.plan.Len()
	ring := uint64(len(c.slots))
	progressed := false

	for c.deliverCursor < total {
		s := &c.slots[c.deliverCursor%ring]
		if s.index != c.deliverCursor || !s.filled || s.delivered {
			break
		}
		s.delivered = true
		d := Delivery{
			Index:  c.deliverCursor,
			Offset: c.plan.At(c.deliverCursor).Offset,
			Data:   s.data,
		}
		s.data = nil
		c.deliverCursor++
		progressed = true

		if !c.sink.Deliver(d) && c.deliverCursor < total {
			c.paused = true
			return StatusWaitingConsumer
		}
	}

	if c.deliverCursor == total {
		c.finish()
		return StatusDone
	}

	issued := false
	for c.inFlight < c.opts.MaxConcurrency && c.issueCursor < total && c.issueCursor-c.deliverCursor < ring {
		req := c.plan.At(c.issueCursor)
		c.slots[req.Index%ring] = slot{index: req.Index}
		c.issueCursor++
		c.inFlight++
		if c.inFlight > c.peakInFlight {
			c.peakInFlight = c.inFlight
		}
		c.logger.Debug("chunk issued", "chunk", req.Index, "offset", req.Offset, "length", req.Length, "in_flight", c.inFlight)
		go c.fetch(req)
		issued = true
	}

	if progressed || issued {
		return StatusProgressed
	}
	return StatusWaitingNetwork
}

func (c *Controller) fetch(req plan.ChunkRequest) {
	data, err := c.client.Read(c.ctx, c.handle.ID, req.Offset, req.Length)
	if err == nil && len(data) != int(req.Length) {
		err = fmt.Errorf("%w: got %d bytes, want %d", ErrShortRead, len(data), req.Length)
	}
	if err == nil && c.opts.Transform != nil {
		data, err = c.opts.Transform(data)
	}
	c.complete(req, data, err)
}

func (c *Controller) complete(req plan.ChunkRequest, data []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight--
	if c.closeHeld && c.inFlight == 0 {
		c.closeHeld = false
		go c.closeFile()
	}
	if c.state != StateStreaming {
		return
	}
	if err != nil {
		c.fail(&ReadError{Index: req.Index, Offset: req.Offset, Length: req.Length, Err: err})
		return
	}

	s := &c.slots[req.Index%uint64(len(c.slots))]
	s.data = data
	s.filled = true
	c.logger.Debug("chunk completed", "chunk", req.Index, "bytes", len(data))
	c.drive()
}

func (c *Controller) fail(err error) {
	c.state = StateErrored
	c.err = err
	c.cancel()
	c.logger.Error("stream failed", "error", err, "delivered", c.deliverCursor, "plan_length", c.plan.Len())
	c.sink.Fail(err)
	if c.opts.ReleaseOnError {
		c.release()
		return
	}
	c.markDone()
}

func (c *Controller) finish() {
	c.state = StateDraining
	c.logger.Debug("stream drained", "chunks", c.plan.Len(), "bytes", c.plan.Size())
	c.sink.End()
	c.release()
}

// release issues the close request at most once, after every outstanding
// read on the handle has returned.
func (c *Controller) release() {
	if c.closeIssued {
		return
	}
	c.closeIssued = true
	c.closeCalls++
	if c.inFlight > 0 {
		c.closeHeld = true
		return
	}
	go c.closeFile()
}

func (c *Controller) closeFile() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.opts.CloseTimeout)
	defer cancel()
	err := c.client.Close(ctx, c.handle)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.closeErr = &CloseError{Err: err}
		c.logger.Warn("close failed", "error", err)
	}
	if c.state == StateDraining {
		c.state = StateClosed
	}
	c.sink.Closed(c.closeErr)
	c.markDone()
}

func (c *Controller) markDone() {
	if c.doneClosed {
		return
	}
	c.doneClosed = true
	c.cancel()
	c.stopWatch()
	close(c.done)
}

// Cancel stops the stream: no further reads are issued, outstanding reads
// are abandoned and the sink is failed with ErrCanceled. The remote handle is
// closed unless SkipCloseOnCancel is set. A stream whose chunks were all
// delivered finishes normally instead. Cancel is a no-op on a finished stream.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return
	}
	if c.deliverCursor == c.plan.Len() {
		c.finish()
		return
	}

	c.state = StateCanceled
	c.err = ErrCanceled
	c.cancel()
	c.logger.Debug("stream canceled", "delivered", c.deliverCursor, "in_flight", c.inFlight)
	c.sink.Fail(ErrCanceled)
	if c.opts.SkipCloseOnCancel {
		c.markDone()
		return
	}
	c.release()
}

// Done is closed once the stream is terminal and the close, if any, has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// CloseErr returns the *CloseError of a failed close, whatever state the
// stream ended in, or nil.
func (c *Controller) CloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Err returns the terminal error, or the close failure of a stream that
// otherwise completed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return c.closeErr
}

// Stats returns a snapshot of the controller's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		PlanLength:   c.plan.Len(),
		Delivered:    c.deliverCursor,
		Issued:       c.issueCursor,
		InFlight:     c.inFlight,
		PeakInFlight: c.peakInFlight,
		CloseCalls:   c.closeCalls,
		State:        c.state,
	}
}
