package scanner

import (
	"context"
	"time"

	"remindd/internal/eventbus"
	logx "remindd/pkg/logx"
)

// ScanOnce performs one scan cycle:
//
//  1. reset reminders stuck in dispatched past the stuck timeout,
//  2. list pending reminders due within the lookahead window (due_at asc),
//  3. hand each one to the dispatcher.
//
// It returns the number of reminders enqueued. Overlapping invocations are
// skipped: if a previous scan is still running, ScanOnce returns immediately.
//
// A store failure is returned (and retried next interval); a single
// reminder's dispatch failure never blocks the rest of the batch.
func (s *Service) ScanOnce(ctx context.Context) (int, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		s.log.Debug("scan already in progress; skipping")
		return 0, nil
	}
	defer s.scanning.Store(false)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	now := s.clk.Now()

	recovered, err := s.store.ResetStuck(ctx, now.Add(-cfg.StuckTimeout))
	if err != nil {
		// Recovery is best-effort; stuck rows stay put until a later scan.
		s.log.Warn("stuck-dispatch recovery failed", logx.Err(err))
	} else if recovered > 0 {
		s.log.Warn("reset stuck reminders to pending", logx.Int64("count", recovered))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeRecoveryReset, Data: eventbus.ScanEvent{Recovered: recovered}})
		}
	}

	due, err := s.store.ListDue(ctx, now.Add(cfg.Lookahead), cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.disp.Dispatch(ctx, r); err != nil {
			// This occurrence stays pending (or dispatched, if the enqueue
			// failed after the CAS) and is picked up again later.
			s.log.Warn("dispatch failed", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		enqueued++
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScanCompleted, Data: eventbus.ScanEvent{
			Due:       len(due),
			Enqueued:  enqueued,
			Recovered: recovered,
			Took:      time.Since(start),
		}})
	}
	if len(due) > 0 {
		s.log.Debug("scan completed", logx.Int("due", len(due)), logx.Int("enqueued", enqueued), logx.Duration("took", time.Since(start)))
	}
	return enqueued, nil
}
