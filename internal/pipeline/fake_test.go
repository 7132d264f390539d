package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeClient serves reads from an in-memory byte slice. When gated, every
// read parks until the test releases it, so completion order is chosen by
// the test.
type fakeClient struct {
	data  []byte
	gated bool

	mu          sync.Mutex
	pending     []*pendingRead
	reads       map[uint64]int
	inFlight    int
	maxInFlight int
	fail        map[uint64]error
	short       map[uint64]bool
	closeCalls  int
	// readsAtClose is the number of reads still running when Close arrived.
	readsAtClose int
	closeErr     error
	onClose      func()
}

type pendingRead struct {
	offset uint64
	length uint32
	reply  chan error
}

func newFakeClient(data []byte, gated bool) *fakeClient {
	return &fakeClient{
		data:  data,
		gated: gated,
		reads: make(map[uint64]int),
		fail:  make(map[uint64]error),
		short: make(map[uint64]bool),
	}
}

var _ FileClient = (*fakeClient)(nil)

func (f *fakeClient) Open(ctx context.Context, path string) (FileHandle, error) {
	return FileHandle{ID: uuid.New(), EndOfFile: encodeLE(uint64(len(f.data)))}, nil
}

func (f *fakeClient) Read(ctx context.Context, id uuid.UUID, offset uint64, length uint32) ([]byte, error) {
	f.mu.Lock()
	f.reads[offset]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	failErr := f.fail[offset]

	if !f.gated {
		f.inFlight--
		f.mu.Unlock()
		if failErr != nil {
			return nil, failErr
		}
		return f.slice(offset, length), nil
	}

	p := &pendingRead{offset: offset, length: length, reply: make(chan error, 1)}
	f.pending = append(f.pending, p)
	f.mu.Unlock()

	select {
	case err := <-p.reply:
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if failErr != nil {
			return nil, failErr
		}
		return f.slice(offset, length), nil
	case <-ctx.Done():
		f.mu.Lock()
		f.inFlight--
		for i, q := range f.pending {
			if q == p {
				f.pending = append(f.pending[:i], f.pending[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (f *fakeClient) slice(offset uint64, length uint32) []byte {
	end := offset + uint64(length)
	if end > uint64(len(f.data)) {
		end = uint64(len(f.data))
	}
	out := append([]byte(nil), f.data[offset:end]...)
	f.mu.Lock()
	short := f.short[offset]
	f.mu.Unlock()
	if short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out
}

func (f *fakeClient) Close(ctx context.Context, h FileHandle) error {
	f.mu.Lock()
	f.closeCalls++
	f.readsAtClose = f.inFlight
	err := f.closeErr
	hook := f.onClose
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeClient) pendingOffsets() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, len(f.pending))
	for _, p := range f.pending {
		out = append(out, p.offset)
	}
	return out
}

// release completes the parked read at offset.
func (f *fakeClient) release(t *testing.T, offset uint64) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pending {
		if p.offset == offset {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			p.reply <- nil
			return
		}
	}
	t.Fatalf("no pending read at offset %d", offset)
}

func (f *fakeClient) stats() (reads map[uint64]int, maxInFlight, closeCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reads = make(map[uint64]int, len(f.reads))
	for k, v := range f.reads {
		reads[k] = v
	}
	return reads, f.maxInFlight, f.closeCalls
}

// waitPending blocks until n reads are parked.
func (f *fakeClient) waitPending(t *testing.T, n int) []uint64 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		offsets := f.pendingOffsets()
		if len(offsets) >= n {
			return offsets
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending reads, have %d", n, len(offsets))
		}
		time.Sleep(time.Millisecond)
	}
}

// recordingSink records every callback. accept decides the Deliver result.
type recordingSink struct {
	mu         sync.Mutex
	deliveries []Delivery
	ends       int
	fails      []error
	closed     []error
	accept     func(n int) bool
}

var _ Sink = (*recordingSink)(nil)

func (s *recordingSink) Deliver(d Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	if s.accept == nil {
		return true
	}
	return s.accept(len(s.deliveries))
}

func (s *recordingSink) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
}

func (s *recordingSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = append(s.fails, err)
}

func (s *recordingSink) Closed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, err)
}

func (s *recordingSink) snapshot() (deliveries []Delivery, ends int, fails []error, closed []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.deliveries...), s.ends, append([]error(nil), s.fails...), append([]error(nil), s.closed...)
}

func (s *recordingSink) deliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries)
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not finish, stats=%+v", c.Stats())
	}
}

func encodeLE(n uint64) []byte {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(n >> (8 * i))
	}
	return b
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}
