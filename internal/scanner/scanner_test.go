package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindd/internal/clock"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

type captureDispatcher struct {
	mu    sync.Mutex
	got   []store.Reminder
	errFn func(r store.Reminder) error
	block chan struct{}
}

func (d *captureDispatcher) Dispatch(ctx context.Context, r store.Reminder) error {
	if d.block != nil {
		<-d.block
	}
	if d.errFn != nil {
		if err := d.errFn(r); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.got = append(d.got, r)
	d.mu.Unlock()
	return nil
}

func (d *captureDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.got))
	for i, r := range d.got {
		out[i] = r.ID
	}
	return out
}

func newScanner(t *testing.T, cfg Config, st store.Store, disp Dispatcher, clk clock.Clock) *Service {
	t.Helper()
	return New(cfg, st, disp, nil, clk, logx.Nop())
}

func TestScanOnceLookaheadAndOrder(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	st := store.NewMemory()
	ctx := context.Background()

	late, _ := st.Create(ctx, store.CreateParams{Message: "late", DueAt: now.Add(-time.Hour)})
	soon, _ := st.Create(ctx, store.CreateParams{Message: "soon", DueAt: now.Add(20 * time.Second)})
	st.Create(ctx, store.CreateParams{Message: "future", DueAt: now.Add(10 * time.Minute)})

	disp := &captureDispatcher{}
	s := newScanner(t, Config{Lookahead: 30 * time.Second}, st, disp, clk)

	n, err := s.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("enqueued = %d, want 2", n)
	}
	ids := disp.ids()
	if len(ids) != 2 || ids[0] != late.ID || ids[1] != soon.ID {
		t.Fatalf("dispatch order = %v, want [%s %s]", ids, late.ID, soon.ID)
	}
}

func TestScanOnceSkipsWhileScanInProgress(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	ctx := context.Background()
	st.Create(ctx, store.CreateParams{Message: "x", DueAt: now.Add(-time.Minute)})

	disp := &captureDispatcher{block: make(chan struct{})}
	s := newScanner(t, Config{}, st, disp, clock.NewFake(now))

	firstDone := make(chan int, 1)
	go func() {
		n, _ := s.ScanOnce(ctx)
		firstDone <- n
	}()

	// Wait for the first scan to take the guard, then run a second one.
	deadline := time.After(2 * time.Second)
	for !s.scanning.Load() {
		select {
		case <-deadline:
			t.Fatal("first scan never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if n, err := s.ScanOnce(ctx); err != nil || n != 0 {
		t.Fatalf("overlapping scan = (%d, %v), want (0, nil)", n, err)
	}

	close(disp.block)
	if n := <-firstDone; n != 1 {
		t.Fatalf("first scan enqueued = %d, want 1", n)
	}
}

func TestScanOnceRecoversStuckReminders(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	ctx := context.Background()

	r, _ := st.Create(ctx, store.CreateParams{Message: "stuck", DueAt: now.Add(-time.Hour)})
	if _, err := st.TryMarkDispatched(ctx, r.ID, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("TryMarkDispatched: %v", err)
	}

	disp := &captureDispatcher{}
	s := newScanner(t, Config{StuckTimeout: 5 * time.Minute}, st, disp, clock.NewFake(now))

	n, err := s.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("enqueued = %d, want 1 (recovered reminder re-dispatched)", n)
	}
	if ids := disp.ids(); len(ids) != 1 || ids[0] != r.ID {
		t.Fatalf("dispatched %v, want [%s]", ids, r.ID)
	}
}

func TestScanOnceContinuesPastDispatchError(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	ctx := context.Background()

	bad, _ := st.Create(ctx, store.CreateParams{Message: "bad", DueAt: now.Add(-2 * time.Minute)})
	good, _ := st.Create(ctx, store.CreateParams{Message: "good", DueAt: now.Add(-time.Minute)})

	disp := &captureDispatcher{errFn: func(r store.Reminder) error {
		if r.ID == bad.ID {
			return errors.New("queue full")
		}
		return nil
	}}
	s := newScanner(t, Config{}, st, disp, clock.NewFake(now))

	n, err := s.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("enqueued = %d, want 1", n)
	}
	if ids := disp.ids(); len(ids) != 1 || ids[0] != good.ID {
		t.Fatalf("dispatched %v, want only %s", ids, good.ID)
	}
}

func TestScanOnceBatchLimit(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		st.Create(ctx, store.CreateParams{Message: "x", DueAt: now.Add(-time.Duration(i+1) * time.Minute)})
	}

	disp := &captureDispatcher{}
	s := newScanner(t, Config{BatchLimit: 3}, st, disp, clock.NewFake(now))

	n, err := s.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 3 {
		t.Fatalf("enqueued = %d, want 3", n)
	}
}
