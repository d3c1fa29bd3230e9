// Package dispatch converts due reminders into exactly one delivery task per
// occurrence and runs the worker pool that sends them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindd/internal/clock"
	"remindd/internal/delivery"
	"remindd/internal/eventbus"
	"remindd/internal/recurrence"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

// Service owns the delivery queue, worker pool, rate limiting and retries.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	store  store.Store
	engine *recurrence.Engine
	sender delivery.Sender
	bus    eventbus.Bus
	clk    clock.Clock

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup

	queue    chan Task
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, st store.Store, engine *recurrence.Engine, sender delivery.Sender, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System()
	}
	s := &Service{
		log:    log,
		store:  st,
		engine: engine,
		sender: sender,
		bus:    bus,
		clk:    clk,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Task, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		// worker failures must not take down the process.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("dispatch worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue_size", s.cfg.QueueSize))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	// Block new dispatches.
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
		s.enqueueWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
		return
	}
}

// Dispatch attempts the pending->dispatched transition for one due reminder
// and, only when this process wins it, enqueues the delivery task.
//
// Outcomes:
//   - CAS lost (another replica or an earlier scan got it): nil, nothing done.
//   - store error: returned; the reminder stays pending and is retried on the
//     next scan.
//   - enqueue failure after a won CAS: returned; the occurrence sits in
//     dispatched until stuck recovery resets it.
func (s *Service) Dispatch(ctx context.Context, r store.Reminder) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	deliveryTimeout := s.cfg.DeliveryTimeout
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	now := s.clk.Now()
	won, err := s.store.TryMarkDispatched(ctx, r.ID, now)
	if err != nil {
		return fmt.Errorf("mark dispatched %s: %w", r.ID, err)
	}
	if !won {
		// Expected under concurrent scanners; the winner owns the occurrence.
		s.log.Debug("dispatch CAS lost", logx.String("id", r.ID))
		return nil
	}

	t := Task{Reminder: r, Deadline: now.Add(deliveryTimeout)}
	select {
	case q <- t:
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchEnqueued, Data: eventbus.ReminderEvent{ReminderID: r.ID, DueAt: r.DueAt}})
		}
		return nil
	default:
		// Status already flipped; recovery will requeue this occurrence.
		s.log.Error("delivery queue full after dispatch", logx.String("id", r.ID))
		return fmt.Errorf("reminder %s: %w", r.ID, ErrQueueFull)
	}
}
