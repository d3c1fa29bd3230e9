package dispatch

import (
	"context"
	"math/rand"
	"time"

	"remindd/internal/delivery"
	"remindd/internal/eventbus"
	logx "remindd/pkg/logx"
)

func (s *Service) workerLoop(ctx context.Context, q <-chan Task) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q:
			if !ok {
				return
			}
			s.process(ctx, t)
		}
	}
}

func (s *Service) process(runCtx context.Context, t Task) {
	// config snapshot for this send
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	id := t.Reminder.ID
	log := s.log.With(logx.String("id", id))

	// A task past its deadline is stale: the occurrence either already went
	// through stuck recovery or is about to. Sending now could duplicate it.
	if !t.Deadline.IsZero() && s.clk.Now().After(t.Deadline) {
		log.Warn("delivery task past deadline; dropping", logx.Time("deadline", t.Deadline))
		return
	}

	n := delivery.Notification{
		ReminderID: id,
		Message:    t.Reminder.Message,
		Recipient:  t.Reminder.Recipient,
		DueAt:      t.Reminder.DueAt,
	}

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Rate limit (honor cancellation).
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		// Bound per-send call by what remains of the occurrence deadline.
		callCtx, cancel := context.WithTimeout(runCtx, t.Deadline.Sub(s.clk.Now()))
		err := s.sender.Send(callCtx, n)
		cancel()
		if err == nil {
			s.delivered(runCtx, t)
			return
		}
		lastErr = err
		log.Debug("delivery attempt failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		if s.clk.Now().After(t.Deadline) {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-runCtx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		}
	}

	s.failed(runCtx, t, lastErr, cfg.RequeueOnFailure)
}

// delivered runs the success completion callback: event, then recurrence
// write-back (advance or complete).
func (s *Service) delivered(ctx context.Context, t Task) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverySent, Data: eventbus.ReminderEvent{ReminderID: t.Reminder.ID, DueAt: t.Reminder.DueAt}})
	}
	if s.engine == nil {
		return
	}
	if err := s.engine.OnDelivered(ctx, t.Reminder.ID); err != nil {
		// Terminal rule problems and store hiccups are both logged here; the
		// engine has already updated status where it could.
		s.log.Error("completion callback failed", logx.String("id", t.Reminder.ID), logx.Err(err))
	}
}

func (s *Service) failed(ctx context.Context, t Task, cause error, requeue bool) {
	if s.bus != nil {
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Data: eventbus.ReminderEvent{ReminderID: t.Reminder.ID, DueAt: t.Reminder.DueAt, Error: msg}})
	}
	if s.engine == nil {
		return
	}
	if err := s.engine.OnFailed(ctx, t.Reminder.ID, cause, requeue); err != nil {
		s.log.Error("failure callback failed", logx.String("id", t.Reminder.ID), logx.Err(err))
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
