// Package scanner periodically selects due reminders from the store and hands
// them to the dispatcher, earliest first.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"remindd/internal/clock"
	"remindd/internal/eventbus"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

// Dispatcher receives each due reminder. Implementations own the exactly-once
// CAS; the scanner may hand the same reminder over more than once.
type Dispatcher interface {
	Dispatch(ctx context.Context, r store.Reminder) error
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store store.Store
	disp  Dispatcher
	bus   eventbus.Bus
	clk   clock.Clock
	log   logx.Logger

	// scanning serializes scan invocations: a tick that fires while a scan is
	// still running is skipped, never queued.
	scanning atomic.Bool

	sup      *rtsup.Supervisor
	stopDone chan struct{}
	// reapply wakes the loop so a new interval takes effect without waiting
	// out the old one.
	reapply chan struct{}
}

func New(cfg Config, st store.Store, disp Dispatcher, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   st,
		disp:    disp,
		bus:     bus,
		clk:     clk,
		log:     log,
		reapply: make(chan struct{}, 1),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	select {
	case s.reapply <- struct{}{}:
	default:
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scanner"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("scan.loop", func(c context.Context) error {
		s.loop(c)
		return c.Err()
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("scanner started", logx.Duration("interval", s.interval()))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = sup.Stop(context.Background())
		s.mu.Lock()
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) interval() time.Duration {
	s.mu.Lock()
	d := s.cfg.Interval
	s.mu.Unlock()
	return d
}

// loop runs one scan per interval. The scan loop never exits on a scan error;
// a failed scan is simply retried on the next tick.
func (s *Service) loop(ctx context.Context) {
	// First scan right away so restarts don't delay overdue reminders by a
	// full interval.
	s.runScan(ctx)

	timer := time.NewTimer(s.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reapply:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.interval())
		case <-timer.C:
			s.runScan(ctx)
			timer.Reset(s.interval())
		}
	}
}

func (s *Service) runScan(ctx context.Context) {
	if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("scan failed; will retry next interval", logx.Err(err))
	}
}
