// Package app wires config, storage, delivery, dispatcher and scanner into
// one process lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"remindd/internal/clock"
	"remindd/internal/config"
	"remindd/internal/delivery"
	"remindd/internal/dispatch"
	"remindd/internal/eventbus"
	"remindd/internal/recurrence"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/internal/scanner"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	sender delivery.Sender
	engine *recurrence.Engine
	disp   *dispatch.Service
	scan   *scanner.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, _, err := mapCoreConfig(c)
		return err
	})

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sender, err := delivery.New(delivery.Config{
		Channel: cfg.Delivery.Channel,
		Telegram: delivery.TelegramConfig{
			Token:    cfg.Delivery.Telegram.Token,
			ChatID:   cfg.Delivery.Telegram.ChatID,
			ThreadID: cfg.Delivery.Telegram.ThreadID,
		},
	}, log.With(logx.String("comp", "delivery")))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("delivery channel: %w", err)
	}

	scanCfg, dispCfg, err := mapCoreConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	loc, err := loadLocation(cfg.Scanner.Timezone)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	clk := clock.System()
	engine := recurrence.NewEngine(st, bus, loc, log.With(logx.String("comp", "recurrence")))
	disp := dispatch.New(dispCfg, st, engine, sender, bus, clk, log.With(logx.String("comp", "dispatch")))
	scan := scanner.New(scanCfg, st, disp, bus, clk, log.With(logx.String("comp", "scanner")))

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		st:     st,
		sender: sender,
		engine: engine,
		disp:   disp,
		scan:   scan,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.disp.Start(ctx)
	a.scan.Start(ctx)

	// Config hot reload.
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	updates := a.cfgm.Subscribe(1)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(c, cfg)
			}
		}
	})

	// Surface core lifecycle events in the debug log.
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("events.log", func(c context.Context) {
		defer unsub()
		elog := a.log.With(logx.String("comp", "events"))
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				elog.Debug(e.Type, logx.Any("data", e.Data))
			}
		}
	})

	a.log.Info("remindd started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Stop intake first, then drain delivery, then release everything else.
	a.scan.Stop(ctx)
	a.disp.Stop(ctx)
	if a.sup != nil {
		a.sup.Cancel()
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.sup.Wait(wctx)
		cancel()
	}
	if a.st != nil {
		_ = a.st.Close()
	}
	a.log.Info("remindd stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// applyConfig hot-applies the reloadable subset: logging, scanner and
// dispatch tunables. Storage driver and delivery channel changes require a
// restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	scanCfg, dispCfg, err := mapCoreConfig(cfg)
	if err != nil {
		// Watch() validates before publishing, so this should not happen.
		a.log.Warn("reloaded config rejected", logx.Err(err))
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.disp.Apply(dispCfg)

	wasEnabled := a.scan.Enabled()
	a.scan.Apply(scanCfg)
	switch {
	case scanCfg.Enabled && !wasEnabled:
		a.scan.Start(ctx)
	case !scanCfg.Enabled && wasEnabled:
		a.scan.Stop(ctx)
	}

	a.log.Info("config reloaded",
		logx.Bool("scanner.enabled", scanCfg.Enabled),
		logx.Duration("scanner.interval", scanCfg.Interval),
		logx.Int("dispatch.workers", dispCfg.Workers),
	)
}

func mapCoreConfig(cfg *config.Config) (scanner.Config, dispatch.Config, error) {
	interval, err := config.ParseDurationOrDefault("scanner.interval", cfg.Scanner.Interval, 60*time.Second)
	if err != nil {
		return scanner.Config{}, dispatch.Config{}, err
	}
	lookahead, err := config.ParseDurationOrDefault("scanner.lookahead", cfg.Scanner.Lookahead, 30*time.Second)
	if err != nil {
		return scanner.Config{}, dispatch.Config{}, err
	}
	stuck, err := config.ParseDurationOrDefault("scanner.stuck_timeout", cfg.Scanner.StuckTimeout, 5*time.Minute)
	if err != nil {
		return scanner.Config{}, dispatch.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("dispatch.retry_base", cfg.Dispatch.RetryBase, 500*time.Millisecond)
	if err != nil {
		return scanner.Config{}, dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return scanner.Config{}, dispatch.Config{}, err
	}
	deliveryTimeout, err := config.ParseDurationOrDefault("dispatch.delivery_timeout", cfg.Dispatch.DeliveryTimeout, 30*time.Second)
	if err != nil {
		return scanner.Config{}, dispatch.Config{}, err
	}
	if _, err := loadLocation(cfg.Scanner.Timezone); err != nil {
		return scanner.Config{}, dispatch.Config{}, err
	}

	batch := cfg.Scanner.BatchLimit
	if batch == 0 {
		batch = 500
	}

	scanCfg := scanner.Config{
		Enabled:      cfg.Scanner.Enabled,
		Interval:     interval,
		Lookahead:    lookahead,
		BatchLimit:   batch,
		StuckTimeout: stuck,
	}
	dispCfg := dispatch.Config{
		Workers:          cfg.Dispatch.Workers,
		QueueSize:        cfg.Dispatch.QueueSize,
		RatePerSec:       cfg.Dispatch.RatePerSec,
		RetryMax:         cfg.Dispatch.RetryMax,
		RetryBase:        retryBase,
		RetryMaxDelay:    retryMaxDelay,
		DeliveryTimeout:  deliveryTimeout,
		RequeueOnFailure: cfg.Dispatch.RequeueOnFailure,
	}
	return scanCfg, dispCfg, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scanner.timezone: %w", err)
	}
	return loc, nil
}
