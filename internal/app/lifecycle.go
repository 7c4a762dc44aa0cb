package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"funnelbot/internal/config"
	rtsup "funnelbot/internal/runtime/supervisor"
	"funnelbot/internal/storage"
	"funnelbot/internal/transport"
	logx "funnelbot/pkg/logx"
	"funnelbot/pkg/systemd"
)

const (
	tickTimeout     = 30 * time.Second
	maintainTimeout = 2 * time.Minute
)

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return CheckConfig(cfg) })

	// Audit first so no early event is missed.
	a.startAudit()

	cfg := a.cfgm.Get()
	for _, id := range a.order {
		if err := a.startInstance(sctx, a.bots[id]); err != nil {
			return fmt.Errorf("bot %s: %w", id, err)
		}
	}
	if err := a.registerJobs(cfg); err != nil {
		return err
	}
	a.sched.Start(sctx)

	if a.api != nil {
		if err := a.api.Start(sctx); err != nil {
			return fmt.Errorf("admin api: %w", err)
		}
	}

	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	_, _ = systemd.Status(fmt.Sprintf("running %d bot(s)", len(a.order)))
	a.log.Info("app started", logx.Int("bots", len(a.order)))
	return nil
}

func (a *App) startInstance(ctx context.Context, inst *instance) error {
	if err := inst.bot.Load(ctx); err != nil {
		return err
	}
	if err := inst.ch.Start(ctx, inst.in, inst.ops); err != nil {
		return err
	}
	a.sup.Go(inst.id+".queue", inst.bot.Run)
	a.sup.Go(inst.id+".panel", func(c context.Context) error { return inst.panel.Run(c, inst.ops) })
	a.sup.Go0(inst.id+".inbound", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case m := <-inst.in:
				if err := inst.bot.HandleInbound(c, m); err != nil {
					a.log.Warn("inbound failed", logx.String("bot", inst.id), logx.Handle(m.Handle), logx.Err(err))
				}
			}
		}
	})
	if mu, ok := inst.ch.(transport.CommandMenuUpdater); ok {
		a.sup.Go0(inst.id+".menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, inst.panel.Menu()); err != nil {
				a.log.Warn("command menu update failed", logx.String("bot", inst.id), logx.Err(err))
			}
		})
	}
	a.log.Info("bot started", logx.String("bot", inst.id), logx.Bool("enabled", inst.bot.Enabled()))
	return nil
}

// registerJobs (re)installs the cron schedules. Names are stable so a
// reload replaces them in place.
func (a *App) registerJobs(cfg *config.Config) error {
	every, err := tickInterval(cfg)
	if err != nil {
		return err
	}
	spec := maintenanceSpec(cfg)
	for _, id := range a.order {
		b := a.bots[id].bot
		if err := a.sched.AddInterval(id+".tick", every, tickTimeout, b.Tick); err != nil {
			return err
		}
		if err := a.sched.AddSchedule(id+".prune", spec, maintainTimeout, b.Maintain); err != nil {
			return fmt.Errorf("scheduler.maintenance: %w", err)
		}
	}
	if wd := systemd.WatchdogInterval(); wd > 0 {
		err := a.sched.AddInterval("systemd.watchdog", wd, 5*time.Second, func(context.Context) error {
			_, err := systemd.Watchdog()
			return err
		})
		if err != nil {
			return err
		}
		a.log.Info("systemd watchdog enabled", logx.Duration("every", wd))
	}
	return nil
}

// startAudit appends every bus event to the audit log.
func (a *App) startAudit() {
	events, unsub := a.bus.Subscribe(512)
	a.sup.Go0("audit", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				entry := storage.AuditEntry{
					ID:     storage.NewAuditID(e.Time),
					At:     e.Time,
					Bot:    e.Bot,
					Action: e.Type,
					Handle: e.Handle,
					Detail: e.Data,
				}
				wctx, cancel := context.WithTimeout(c, 5*time.Second)
				err := a.store.AppendAudit(wctx, entry)
				cancel()
				if err != nil && !errors.Is(err, context.Canceled) {
					a.log.Warn("audit append failed", logx.String("action", e.Type), logx.Err(err))
				}
			}
		}
	})
}

// Stop shuts down in dependency order: admin API and scheduler first so no
// new work arrives, then channels, then a final flush of every bot.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := withTimeout(ctx, max)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("api", 3*time.Second, func(c context.Context) error {
		if a.api == nil {
			return nil
		}
		return a.api.Stop(c)
	})
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("channels", 3*time.Second, func(c context.Context) error {
		g, gctx := errgroup.WithContext(c)
		for _, id := range a.order {
			inst := a.bots[id]
			g.Go(func() error {
				if err := inst.ch.Stop(gctx); err != nil {
					return fmt.Errorf("%s: %w", inst.id, err)
				}
				return nil
			})
		}
		return g.Wait()
	})

	// The queue workers finish their in-flight send once the context is gone.
	a.sup.Cancel()
	step("supervisor", 3*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	step("flush", 3*time.Second, func(c context.Context) error {
		var g errgroup.Group
		for _, id := range a.order {
			b := a.bots[id].bot
			g.Go(func() error { return b.Flush(c) })
		}
		return g.Wait()
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
