package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock advances only inside After, simulating a scheduler that
// oversleeps every wait by a fixed amount.
type fakeClock struct {
	mu        sync.Mutex
	t         time.Time
	oversleep time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.t = c.t.Add(d + c.oversleep)
	now := c.t
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type dispatchRecord struct {
	posMS     int64
	elapsedMS int64
}

type recorder struct {
	mu      sync.Mutex
	clock   *fakeClock
	origin  time.Time
	records []dispatchRecord
}

func (r *recorder) dispatch(_ []byte, posMS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, dispatchRecord{
		posMS:     posMS,
		elapsedMS: r.clock.Now().Sub(r.origin).Milliseconds(),
	})
	return nil
}

func (r *recorder) snapshot() []dispatchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatchRecord(nil), r.records...)
}

func waitRecords(t *testing.T, r *recorder, n int) []dispatchRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d dispatches, want %d", len(r.snapshot()), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPacerOversleepDoesNotCompound(t *testing.T) {
	clock := newFakeClock()
	clock.oversleep = 7 * time.Millisecond
	rec := &recorder{clock: clock, origin: clock.Now()}

	p := NewPacer(PacerConfig{
		FrameDuration: 60 * time.Millisecond,
		WarmupFrames:  1,
		Now:           clock.Now,
		After:         clock.After,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, rec.dispatch)

	for i := 0; i < 6; i++ {
		p.EnqueueAudio([]byte{byte(i)})
	}

	got := waitRecords(t, rec, 6)
	// Each wait is computed from the fixed origin, so the 7 ms oversleep
	// shows up once per frame instead of accumulating.
	want := []dispatchRecord{
		{posMS: 0, elapsedMS: 0},
		{posMS: 60, elapsedMS: 67},
		{posMS: 120, elapsedMS: 127},
		{posMS: 180, elapsedMS: 187},
		{posMS: 240, elapsedMS: 247},
		{posMS: 300, elapsedMS: 307},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestPacerWarmupFramesAdvancePosition(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{clock: clock, origin: clock.Now()}

	p := NewPacer(PacerConfig{
		FrameDuration: 60 * time.Millisecond,
		WarmupFrames:  5,
		Now:           clock.Now,
		After:         clock.After,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, rec.dispatch)

	for i := 0; i < 6; i++ {
		p.EnqueueAudio([]byte{byte(i)})
	}

	got := waitRecords(t, rec, 6)
	for i := 0; i < 5; i++ {
		if got[i].elapsedMS != 0 {
			t.Fatalf("warm frame %d waited %dms", i, got[i].elapsedMS)
		}
		if got[i].posMS != int64(i)*60 {
			t.Fatalf("warm frame %d pos=%d, want %d", i, got[i].posMS, i*60)
		}
	}
	// The sixth frame is the first paced one and owes the full backlog.
	if got[5].posMS != 300 || got[5].elapsedMS != 300 {
		t.Fatalf("paced frame: %+v, want pos 300 at 300ms", got[5])
	}
}

func TestPacerMessagesBypassPacing(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{clock: clock, origin: clock.Now()}

	p := NewPacer(PacerConfig{
		FrameDuration: 60 * time.Millisecond,
		WarmupFrames:  5,
		Now:           clock.Now,
		After:         clock.After,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, rec.dispatch)

	var order []string
	var mu sync.Mutex
	note := func(tag string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			return nil
		}
	}

	p.EnqueueMessage(note("start"))
	p.EnqueueAudio([]byte{1})
	p.EnqueueMessage(note("mid"))
	p.EnqueueAudio([]byte{2})
	p.EnqueueMessage(note("stop"))

	got := waitRecords(t, rec, 2)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "start" || order[1] != "mid" || order[2] != "stop" {
		t.Fatalf("message order=%v", order)
	}
	// Messages consume no virtual time.
	if got[0].posMS != 0 || got[1].posMS != 60 {
		t.Fatalf("positions=%v, want 0 and 60", got)
	}
}

func TestPacerResetClearsQueueAndRearmsWarmup(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{clock: clock, origin: clock.Now()}

	p := NewPacer(PacerConfig{
		FrameDuration: 60 * time.Millisecond,
		WarmupFrames:  1,
		Now:           clock.Now,
		After:         clock.After,
	})
	for i := 0; i < 3; i++ {
		p.EnqueueAudio([]byte{byte(i)})
	}
	p.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, rec.dispatch)

	p.EnqueueAudio([]byte{9})
	got := waitRecords(t, rec, 1)

	time.Sleep(20 * time.Millisecond)
	if len(rec.snapshot()) != 1 {
		t.Fatalf("stale frames survived reset: %v", rec.snapshot())
	}
	if got[0].posMS != 0 {
		t.Fatalf("pos=%d after reset, want 0", got[0].posMS)
	}
}

func TestPacerAbortDiscardsQueue(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{clock: clock, origin: clock.Now()}
	var aborted atomic.Bool
	aborted.Store(true)

	p := NewPacer(PacerConfig{
		FrameDuration: 60 * time.Millisecond,
		WarmupFrames:  1,
		Now:           clock.Now,
		After:         clock.After,
		Aborted:       aborted.Load,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, rec.dispatch)

	for i := 0; i < 3; i++ {
		p.EnqueueAudio([]byte{byte(i)})
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("dispatched %d frames while aborted", n)
	}

	aborted.Store(false)
	p.EnqueueAudio([]byte{9})
	got := waitRecords(t, rec, 1)
	if got[0].posMS != 0 {
		t.Fatalf("pos=%d after abort reset, want 0", got[0].posMS)
	}
}

func TestPacerDispatchErrorStopsRun(t *testing.T) {
	clock := newFakeClock()
	p := NewPacer(PacerConfig{
		FrameDuration: 60 * time.Millisecond,
		WarmupFrames:  1,
		Now:           clock.Now,
		After:         clock.After,
	})
	sendErr := errors.New("transport gone")
	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background(), func([]byte, int64) error { return sendErr })
	}()

	p.EnqueueAudio([]byte{1})
	select {
	case err := <-done:
		if !errors.Is(err, sendErr) {
			t.Fatalf("err=%v, want %v", err, sendErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on dispatch error")
	}
}
