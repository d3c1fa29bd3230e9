package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindd/internal/clock"
	"remindd/internal/delivery"
	"remindd/internal/recurrence"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

type stubSender struct {
	mu    sync.Mutex
	sent  []delivery.Notification
	errFn   func(n delivery.Notification) error
	started chan struct{} // when non-nil, signalled once on first Send entry
	gate    chan struct{} // when non-nil, Send blocks until closed

	startOnce sync.Once
}

func (s *stubSender) Send(ctx context.Context, n delivery.Notification) error {
	if s.started != nil {
		s.startOnce.Do(func() { close(s.started) })
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.errFn != nil {
		if err := s.errFn(n); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()
	return nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newService(t *testing.T, cfg Config, st store.Store, sender delivery.Sender, clk clock.Clock) *Service {
	t.Helper()
	eng := recurrence.NewEngine(st, nil, time.UTC, logx.Nop())
	s := New(cfg, st, eng, sender, nil, clk, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return s
}

func waitStatus(t *testing.T, st store.Store, id string, want store.Status) store.Reminder {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		r, err := st.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if r.Status == want {
			return r
		}
		if time.Now().After(deadline) {
			t.Fatalf("reminder %s status = %s, want %s", id, r.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchExactlyOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	ctx := context.Background()

	r, _ := st.Create(ctx, store.CreateParams{Message: "once", DueAt: now})

	sender := &stubSender{}
	s := newService(t, Config{Workers: 4, RetryMax: 0}, st, sender, clock.NewFake(now))

	// Many concurrent hand-offs of the same occurrence, as overlapping scans
	// or multiple replicas would produce.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Dispatch(ctx, r); err != nil {
				t.Errorf("Dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	waitStatus(t, st, r.ID, store.StatusCompleted)
	if n := sender.count(); n != 1 {
		t.Fatalf("sent %d notifications, want exactly 1", n)
	}
}

func TestDispatchRecurringAdvances(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	ctx := context.Background()

	r, _ := st.Create(ctx, store.CreateParams{
		Message:        "standup",
		DueAt:          now,
		RecurrenceRule: "0 9 * * *",
	})

	sender := &stubSender{}
	s := newService(t, Config{}, st, sender, clock.NewFake(now))

	if err := s.Dispatch(ctx, r); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := waitStatus(t, st, r.ID, store.StatusPending)
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if !got.DueAt.Equal(want) {
		t.Fatalf("advanced due_at = %v, want %v", got.DueAt, want)
	}
	if sender.count() != 1 {
		t.Fatalf("sent %d notifications, want 1", sender.count())
	}
}

func TestDispatchRetryExhaustionFailsTerminally(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	ctx := context.Background()

	r, _ := st.Create(ctx, store.CreateParams{Message: "x", DueAt: now})

	var attempts int
	var mu sync.Mutex
	sender := &stubSender{errFn: func(delivery.Notification) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("channel down")
	}}
	s := newService(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, st, sender, clock.NewFake(now))

	if err := s.Dispatch(ctx, r); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := waitStatus(t, st, r.ID, store.StatusFailed)
	if got.FailReason == "" {
		t.Fatal("expected a failure reason to be recorded")
	}
	mu.Lock()
	n := attempts
	mu.Unlock()
	if n != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + 2 retries)", n)
	}
}

func TestDispatchRetryExhaustionRequeues(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	ctx := context.Background()

	r, _ := st.Create(ctx, store.CreateParams{Message: "x", DueAt: now})

	sender := &stubSender{errFn: func(delivery.Notification) error {
		return errors.New("channel down")
	}}
	cfg := Config{RetryMax: 1, RetryBase: time.Millisecond, RequeueOnFailure: true}
	s := newService(t, cfg, st, sender, clock.NewFake(now))

	if err := s.Dispatch(ctx, r); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := waitStatus(t, st, r.ID, store.StatusPending)
	if !got.DueAt.Equal(now) {
		t.Fatalf("requeue changed due_at: %v, want %v", got.DueAt, now)
	}
}

func TestDispatchLostCASDoesNothing(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	ctx := context.Background()

	r, _ := st.Create(ctx, store.CreateParams{Message: "x", DueAt: now})
	// Another replica already owns this occurrence.
	if _, err := st.TryMarkDispatched(ctx, r.ID, now); err != nil {
		t.Fatalf("TryMarkDispatched: %v", err)
	}

	sender := &stubSender{}
	s := newService(t, Config{}, st, sender, clock.NewFake(now))

	if err := s.Dispatch(ctx, r); err != nil {
		t.Fatalf("Dispatch after lost CAS = %v, want nil", err)
	}
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("sent %d notifications after lost CAS, want 0", sender.count())
	}
}

func TestStaleTaskDroppedAtDeadline(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	ctx := context.Background()

	first, _ := st.Create(ctx, store.CreateParams{Message: "first", DueAt: now})
	stale, _ := st.Create(ctx, store.CreateParams{Message: "stale", DueAt: now})

	clk := clock.NewFake(now)
	gate := make(chan struct{})
	sender := &stubSender{gate: gate, started: make(chan struct{})}
	// One worker: the second task queues behind the first.
	s := newService(t, Config{Workers: 1, DeliveryTimeout: time.Minute}, st, sender, clk)

	if err := s.Dispatch(ctx, first); err != nil {
		t.Fatalf("Dispatch first: %v", err)
	}
	if err := s.Dispatch(ctx, stale); err != nil {
		t.Fatalf("Dispatch stale: %v", err)
	}

	// While the worker is blocked on the first send, the second task's
	// deadline passes.
	select {
	case <-sender.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first delivery never started")
	}
	clk.Advance(2 * time.Minute)
	close(gate)

	waitStatus(t, st, first.ID, store.StatusCompleted)
	// The stale task is dropped without a send; the occurrence stays
	// dispatched until stuck recovery returns it to pending.
	waitStatus(t, st, stale.ID, store.StatusDispatched)
	if sender.count() != 1 {
		t.Fatalf("sent %d notifications, want 1 (stale task dropped)", sender.count())
	}
}

func TestDispatchAfterStopReturnsError(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	ctx := context.Background()
	r, _ := st.Create(ctx, store.CreateParams{Message: "x", DueAt: now})

	s := New(Config{}, st, nil, &stubSender{}, nil, clock.NewFake(now), logx.Nop())
	s.Start(ctx)
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	s.Stop(stopCtx)
	cancel()

	if err := s.Dispatch(ctx, r); !errors.Is(err, ErrStopped) {
		t.Fatalf("Dispatch after Stop = %v, want ErrStopped", err)
	}
}
