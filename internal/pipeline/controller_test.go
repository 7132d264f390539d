package pipeline

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/sheerread/internal/plan"
)

func newTestController(t *testing.T, client *fakeClient, p plan.Plan, sink *recordingSink, opts Options) *Controller {
	t.Helper()
	h, err := client.Open(context.Background(), "test.bin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return New(context.Background(), client, h, p, sink, opts)
}

func concat(ds []Delivery) []byte {
	var buf bytes.Buffer
	for _, d := range ds {
		buf.Write(d.Data)
	}
	return buf.Bytes()
}

func assertOrdered(t *testing.T, p plan.Plan, ds []Delivery) {
	t.Helper()
	if uint64(len(ds)) != p.Len() {
		t.Fatalf("expected %d deliveries, got %d", p.Len(), len(ds))
	}
	for i, d := range ds {
		want := p.At(uint64(i))
		if d.Index != want.Index || d.Offset != want.Offset {
			t.Fatalf("delivery %d: got index=%d offset=%d, want index=%d offset=%d", i, d.Index, d.Offset, want.Index, want.Offset)
		}
	}
}

func TestController_ReconstructsWholeFile(t *testing.T) {
	data := testData(150000)
	client := newFakeClient(data, false)
	p := plan.Build(uint64(len(data)), 0, nil, 65536)
	sink := &recordingSink{}

	c := newTestController(t, client, p, sink, Options{})
	c.Drive()
	waitDone(t, c)

	deliveries, ends, fails, closed := sink.snapshot()
	assertOrdered(t, p, deliveries)
	if !bytes.Equal(concat(deliveries), data) {
		t.Fatal("reassembled data mismatch")
	}
	lengths := []int{len(deliveries[0].Data), len(deliveries[1].Data), len(deliveries[2].Data)}
	if lengths[0] != 65536 || lengths[1] != 65536 || lengths[2] != 18928 {
		t.Fatalf("unexpected chunk lengths %v", lengths)
	}
	if ends != 1 {
		t.Errorf("expected 1 end signal, got %d", ends)
	}
	if len(fails) != 0 {
		t.Errorf("expected no failures, got %v", fails)
	}
	if len(closed) != 1 || closed[0] != nil {
		t.Errorf("expected one clean close, got %v", closed)
	}
	if _, _, closeCalls := client.stats(); closeCalls != 1 {
		t.Errorf("expected 1 close call, got %d", closeCalls)
	}
	st := c.Stats()
	if st.State != StateClosed {
		t.Errorf("expected state closed, got %s", st.State)
	}
	if c.Err() != nil {
		t.Errorf("expected nil Err, got %v", c.Err())
	}
}

func TestController_PartialRange(t *testing.T) {
	data := testData(10000)
	end := uint64(7777)
	client := newFakeClient(data, false)
	p := plan.Build(uint64(len(data)), 1234, &end, 1000)
	sink := &recordingSink{}

	c := newTestController(t, client, p, sink, Options{MaxConcurrency: 3})
	c.Drive()
	waitDone(t, c)

	deliveries, _, _, _ := sink.snapshot()
	assertOrdered(t, p, deliveries)
	if !bytes.Equal(concat(deliveries), data[1234:7778]) {
		t.Fatal("range data mismatch")
	}
}

func TestController_SecondCompletesFirst(t *testing.T) {
	data := testData(2 * 1024)
	client := newFakeClient(data, true)
	p := plan.Build(uint64(len(data)), 0, nil, 1024)
	sink := &recordingSink{}

	c := newTestController(t, client, p, sink, Options{MaxConcurrency: 2})
	if st := c.Drive(); st != StatusProgressed {
		t.Fatalf("expected progressed, got %s", st)
	}
	client.waitPending(t, 2)

	client.release(t, 1024)
	time.Sleep(20 * time.Millisecond)
	if n := sink.deliveredCount(); n != 0 {
		t.Fatalf("chunk 1 delivered before chunk 0: %d deliveries", n)
	}
	if st := c.Drive(); st != StatusWaitingNetwork {
		t.Fatalf("expected waiting-network, got %s", st)
	}

	client.release(t, 0)
	waitDone(t, c)

	deliveries, _, _, _ := sink.snapshot()
	assertOrdered(t, p, deliveries)
	if !bytes.Equal(concat(deliveries), data) {
		t.Fatal("data mismatch")
	}
}

func TestController_InOrderUnderPermutedCompletions(t *testing.T) {
	for _, m := range []int{1, 2, 3, 5, 16} {
		for seed := uint64(1); seed <= 10; seed++ {
			data := testData(10*512 + 100)
			client := newFakeClient(data, true)
			p := plan.Build(uint64(len(data)), 0, nil, 512)
			sink := &recordingSink{}
			c := newTestController(t, client, p, sink, Options{MaxConcurrency: m})
			rng := rand.New(rand.NewPCG(seed, uint64(m)))

			c.Drive()
			for {
				if _, _, closeCalls := client.stats(); closeCalls > 0 {
					break
				}
				offsets := client.pendingOffsets()
				if len(offsets) == 0 {
					time.Sleep(time.Millisecond)
					continue
				}
				st := c.Stats()
				if st.InFlight > m || st.Issued-st.Delivered > uint64(m) {
					t.Fatalf("m=%d seed=%d: window exceeded: %+v", m, seed, st)
				}
				client.release(t, offsets[rng.IntN(len(offsets))])
			}
			waitDone(t, c)

			deliveries, _, _, _ := sink.snapshot()
			assertOrdered(t, p, deliveries)
			if !bytes.Equal(concat(deliveries), data) {
				t.Fatalf("m=%d seed=%d: data mismatch", m, seed)
			}
			reads, maxInFlight, _ := client.stats()
			if maxInFlight > m {
				t.Fatalf("m=%d seed=%d: %d reads in flight", m, seed, maxInFlight)
			}
			for off, n := range reads {
				if n != 1 {
					t.Fatalf("offset %d read %d times", off, n)
				}
			}
			if peak := c.Stats().PeakInFlight; peak > m {
				t.Fatalf("m=%d: controller peak in flight %d", m, peak)
			}
		}
	}
}

func TestController_ExtraDrivesAreIdempotent(t *testing.T) {
	data := testData(8 * 100)
	client := newFakeClient(data, true)
	p := plan.Build(uint64(len(data)), 0, nil, 100)
	sink := &recordingSink{}
	c := newTestController(t, client, p, sink, Options{MaxConcurrency: 2})

	c.Drive()
	client.waitPending(t, 2)
	for i := 0; i < 50; i++ {
		if st := c.Drive(); st != StatusWaitingNetwork {
			t.Fatalf("expected waiting-network, got %s", st)
		}
	}
	if st := c.Stats(); st.Issued != 2 || st.InFlight != 2 {
		t.Fatalf("extra drives issued work: %+v", st)
	}

	// Hammer Drive from many goroutines while completions arrive.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					c.Drive()
				}
			}
		}()
	}
	for {
		if _, _, closeCalls := client.stats(); closeCalls > 0 {
			break
		}
		for _, off := range client.pendingOffsets() {
			client.release(t, off)
		}
		time.Sleep(time.Millisecond)
	}
	waitDone(t, c)
	close(stop)
	wg.Wait()

	for i := 0; i < 10; i++ {
		if st := c.Drive(); st != StatusDone {
			t.Fatalf("expected done, got %s", st)
		}
	}

	deliveries, ends, _, closed := sink.snapshot()
	assertOrdered(t, p, deliveries)
	if ends != 1 || len(closed) != 1 {
		t.Fatalf("expected one end and one close, got %d and %d", ends, len(closed))
	}
	if _, _, closeCalls := client.stats(); closeCalls != 1 {
		t.Fatalf("expected 1 close call, got %d", closeCalls)
	}
}

func TestController_CloseAfterLastDelivery(t *testing.T) {
	data := testData(5 * 64)
	client := newFakeClient(data, false)
	p := plan.Build(uint64(len(data)), 0, nil, 64)
	sink := &recordingSink{}
	deliveredAtClose := -1
	client.onClose = func() { deliveredAtClose = sink.deliveredCount() }

	c := newTestController(t, client, p, sink, Options{})
	c.Drive()
	waitDone(t, c)

	if deliveredAtClose != 5 {
		t.Fatalf("close ran after %d deliveries, want 5", deliveredAtClose)
	}
}

func TestController_EmptyPlan(t *testing.T) {
	end := uint64(3)
	cases := map[string]plan.Plan{
		"start at eof":     plan.Build(100, 100, nil, 16),
		"end before start": plan.Build(100, 10, &end, 16),
		"empty file":       plan.Build(0, 0, nil, 16),
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			client := newFakeClient(testData(100), false)
			sink := &recordingSink{}
			c := newTestController(t, client, p, sink, Options{})

			if st := c.Drive(); st != StatusDone {
				t.Fatalf("expected done, got %s", st)
			}
			c.Drive()
			waitDone(t, c)

			deliveries, ends, _, _ := sink.snapshot()
			if len(deliveries) != 0 || ends != 1 {
				t.Fatalf("expected 0 deliveries and 1 end, got %d and %d", len(deliveries), ends)
			}
			reads, _, closeCalls := client.stats()
			if len(reads) != 0 {
				t.Fatalf("expected no reads, got %v", reads)
			}
			if closeCalls != 1 {
				t.Fatalf("expected 1 close, got %d", closeCalls)
			}
		})
	}
}

func TestController_ReadFailureIsTerminal(t *testing.T) {
	data := testData(6 * 100)
	client := newFakeClient(data, true)
	boom := errors.New("transport: connection reset")
	client.fail[200] = boom
	p := plan.Build(uint64(len(data)), 0, nil, 100)
	sink := &recordingSink{}
	c := newTestController(t, client, p, sink, Options{MaxConcurrency: 3})

	c.Drive()
	client.waitPending(t, 3)
	client.release(t, 200)
	waitDone(t, c)

	_, ends, fails, closed := sink.snapshot()
	if len(fails) != 1 {
		t.Fatalf("expected exactly one failure, got %v", fails)
	}
	var readErr *ReadError
	if !errors.As(fails[0], &readErr) {
		t.Fatalf("expected *ReadError, got %T", fails[0])
	}
	if readErr.Index != 2 || readErr.Offset != 200 || !errors.Is(readErr, boom) {
		t.Fatalf("unexpected read error %+v", readErr)
	}
	if ends != 0 || len(closed) != 0 {
		t.Fatalf("errored stream must not end or close: ends=%d closed=%v", ends, closed)
	}

	// Abandoned reads see a cancelled context.
	deadline := time.Now().Add(time.Second)
	for len(client.pendingOffsets()) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := len(client.pendingOffsets()); n != 0 {
		t.Fatalf("%d reads still parked after failure", n)
	}

	issued := c.Stats().Issued
	for i := 0; i < 5; i++ {
		if st := c.Drive(); st != StatusErrored {
			t.Fatalf("expected errored, got %s", st)
		}
	}
	if c.Stats().Issued != issued {
		t.Fatal("issued more reads after failure")
	}
	if !errors.As(c.Err(), &readErr) {
		t.Fatalf("expected Err to be the read error, got %v", c.Err())
	}
	if _, _, closeCalls := client.stats(); closeCalls != 0 {
		t.Fatalf("expected no close, got %d", closeCalls)
	}
}

func TestController_ReleaseOnError(t *testing.T) {
	data := testData(300)
	client := newFakeClient(data, false)
	client.fail[0] = errors.New("denied")
	p := plan.Build(uint64(len(data)), 0, nil, 100)
	sink := &recordingSink{}
	c := newTestController(t, client, p, sink, Options{ReleaseOnError: true})

	c.Drive()
	waitDone(t, c)

	if _, _, closeCalls := client.stats(); closeCalls != 1 {
		t.Fatalf("expected 1 close, got %d", closeCalls)
	}
	if _, _, fails, _ := sink.snapshot(); len(fails) != 1 {
		t.Fatalf("expected one failure, got %v", fails)
	}
}

func TestController_ShortReadIsAnError(t *testing.T) {
	data := testData(300)
	client := newFakeClient(data, false)
	client.short[100] = true
	p := plan.Build(uint64(len(data)), 0, nil, 100)
	sink := &recordingSink{}
	c := newTestController(t, client, p, sink, Options{MaxConcurrency: 1})

	c.Drive()
	waitDone(t, c)

	deliveries, ends, fails, _ := sink.snapshot()
	if len(deliveries) != 1 || ends != 0 {
		t.Fatalf("expected the stream to stop after chunk 0, got %d deliveries, %d ends", len(deliveries), ends)
	}
	if len(fails) != 1 || !errors.Is(fails[0], ErrShortRead) {
		t.Fatalf("expected short read failure, got %v", fails)
	}
}

func TestController_Backpressure(t *testing.T) {
	data := testData(6 * 50)
	client := newFakeClient(data, false)
	p := plan.Build(uint64(len(data)), 0, nil, 50)
	sink := &recordingSink{accept: func(int) bool { return false }}
	c := newTestController(t, client, p, sink, Options{MaxConcurrency: 2})

	c.Drive()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := c.Stats()
		if st.InFlight == 0 && st.Delivered >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stream never settled: %+v", st)
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if st := c.Stats(); st.Issued != 2 {
		t.Fatalf("declined sink must suspend issuance, stats=%+v", st)
	}

	// Each pull moves the stream forward; the window never exceeds m.
	for i := 0; i < 100; i++ {
		st := c.Drive()
		if st == StatusDone {
			break
		}
		if s := c.Stats(); s.Issued-s.Delivered > 2 {
			t.Fatalf("window exceeded under backpressure: %+v", s)
		}
		time.Sleep(2 * time.Millisecond)
	}
	waitDone(t, c)

	deliveries, _, _, _ := sink.snapshot()
	assertOrdered(t, p, deliveries)
	if !bytes.Equal(concat(deliveries), data) {
		t.Fatal("data mismatch")
	}
}

func TestController_Transform(t *testing.T) {
	data := []byte("hello pipelined world")
	client := newFakeClient(data, false)
	p := plan.Build(uint64(len(data)), 0, nil, 4)
	sink := &recordingSink{}
	upper := func(b []byte) ([]byte, error) { return bytes.ToUpper(b), nil }
	c := newTestController(t, client, p, sink, Options{Transform: upper})

	c.Drive()
	waitDone(t, c)

	deliveries, _, _, _ := sink.snapshot()
	if got := string(concat(deliveries)); got != "HELLO PIPELINED WORLD" {
		t.Fatalf("unexpected transformed output %q", got)
	}
}

func TestController_TransformFailure(t *testing.T) {
	data := testData(40)
	client := newFakeClient(data, false)
	p := plan.Build(uint64(len(data)), 0, nil, 10)
	sink := &recordingSink{}
	bad := errors.New("undecodable")
	c := newTestController(t, client, p, sink, Options{
		Transform: func([]byte) ([]byte, error) { return nil, bad },
	})

	c.Drive()
	waitDone(t, c)
	if !errors.Is(c.Err(), bad) {
		t.Fatalf("expected transform error, got %v", c.Err())
	}
}

func TestController_CloseFailureAfterEnd(t *testing.T) {
	data := testData(250)
	client := newFakeClient(data, false)
	client.closeErr = errors.New("close: network unreachable")
	p := plan.Build(uint64(len(data)), 0, nil, 100)
	sink := &recordingSink{}
	c := newTestController(t, client, p, sink, Options{})

	c.Drive()
	waitDone(t, c)

	deliveries, ends, fails, closed := sink.snapshot()
	if !bytes.Equal(concat(deliveries), data) || ends != 1 {
		t.Fatal("all data must be delivered before the close failure")
	}
	if len(fails) != 0 {
		t.Fatalf("close failure must not be reported as a stream failure: %v", fails)
	}
	var closeErr *CloseError
	if len(closed) != 1 || !errors.As(closed[0], &closeErr) {
		t.Fatalf("expected *CloseError, got %v", closed)
	}
	if !errors.As(c.Err(), &closeErr) {
		t.Fatalf("expected Err to report the close failure, got %v", c.Err())
	}
	if st := c.Stats().State; st != StateClosed {
		t.Fatalf("expected closed, got %s", st)
	}
}

func TestController_Cancel(t *testing.T) {
	for _, skip := range []bool{false, true} {
		data := testData(10 * 100)
		client := newFakeClient(data, true)
		p := plan.Build(uint64(len(data)), 0, nil, 100)
		sink := &recordingSink{}
		c := newTestController(t, client, p, sink, Options{MaxConcurrency: 4, SkipCloseOnCancel: skip})

		c.Drive()
		client.waitPending(t, 4)
		client.release(t, 0)

		deadline := time.Now().Add(time.Second)
		for sink.deliveredCount() < 1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}

		c.Cancel()
		issuedAtCancel := c.Stats().Issued
		c.Cancel()
		waitDone(t, c)

		_, ends, fails, _ := sink.snapshot()
		if len(fails) != 1 || !errors.Is(fails[0], ErrCanceled) {
			t.Fatalf("skip=%v: expected one ErrCanceled, got %v", skip, fails)
		}
		if ends != 0 {
			t.Fatalf("skip=%v: cancelled stream must not end", skip)
		}
		wantClose := 1
		if skip {
			wantClose = 0
		}
		if _, _, closeCalls := client.stats(); closeCalls != wantClose {
			t.Fatalf("skip=%v: expected %d close calls, got %d", skip, wantClose, closeCalls)
		}
		if st := c.Drive(); st != StatusCanceled {
			t.Fatalf("expected canceled, got %s", st)
		}
		if issued := c.Stats().Issued; issued != issuedAtCancel {
			t.Fatalf("expected no issuance after cancel, issued=%d, at cancel %d", issued, issuedAtCancel)
		}
	}
}

func TestController_CloseWaitsForAbandonedReads(t *testing.T) {
	data := testData(1000)
	client := newFakeClient(data, true)
	client.closeErr = errors.New("handle revoked")
	p := plan.Build(uint64(len(data)), 0, nil, 100)
	sink := &recordingSink{}
	c := newTestController(t, client, p, sink, Options{MaxConcurrency: 4})

	c.Drive()
	client.waitPending(t, 4)
	c.Cancel()
	waitDone(t, c)

	client.mu.Lock()
	readsAtClose, closeCalls := client.readsAtClose, client.closeCalls
	client.mu.Unlock()
	if closeCalls != 1 {
		t.Fatalf("expected 1 close call, got %d", closeCalls)
	}
	if readsAtClose != 0 {
		t.Fatalf("close issued with %d reads still running", readsAtClose)
	}

	// The close failure is reported even though the stream was cancelled.
	var closeErr *CloseError
	if !errors.As(c.CloseErr(), &closeErr) || !errors.Is(closeErr, client.closeErr) {
		t.Fatalf("expected CloseError wrapping the close failure, got %v", c.CloseErr())
	}
	if !errors.Is(c.Err(), ErrCanceled) {
		t.Fatalf("expected Err to stay ErrCanceled, got %v", c.Err())
	}
}

func TestController_ParentContextCancels(t *testing.T) {
	data := testData(1000)
	client := newFakeClient(data, true)
	p := plan.Build(uint64(len(data)), 0, nil, 100)
	sink := &recordingSink{}
	h, _ := client.Open(context.Background(), "x")

	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, client, h, p, sink, Options{})
	c.Drive()
	client.waitPending(t, 2)
	cancel()
	waitDone(t, c)

	if !errors.Is(c.Err(), ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", c.Err())
	}
	if st := c.Stats().State; st != StateCanceled {
		t.Fatalf("expected canceled state, got %s", st)
	}
}

func TestStatusString(t *testing.T) {
	if StatusWaitingConsumer.String() != "waiting-consumer" {
		t.Errorf("unexpected %q", StatusWaitingConsumer.String())
	}
	if Status(99).String() != "Status(99)" {
		t.Errorf("unexpected %q", Status(99).String())
	}
	if StateDraining.String() != "draining" {
		t.Errorf("unexpected %q", StateDraining.String())
	}
}
