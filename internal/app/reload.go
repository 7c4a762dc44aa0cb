package app

import (
	"context"
	"slices"
	"strings"

	"funnelbot/internal/config"
	logx "funnelbot/pkg/logx"
	"funnelbot/pkg/systemd"
)

// restartOnly lists sections a running process cannot apply.
var restartOnly = []string{"storage", "http"}

type ownerSetter interface{ SetOwners(ids []int64) }

// startReload fans committed config reloads out to the live components.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, bots := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if a.botSetChanged(next) {
		a.log.Warn("bot list changed; restart required to add or remove bots", logx.Strings("bots", bots))
	}

	a.logs.Apply(mapLogConfig(next))
	a.sched.Apply(mapSchedulerConfig(next))

	if strings.TrimSpace(prev.Engagement.Timezone) != strings.TrimSpace(next.Engagement.Timezone) {
		a.log.Warn("engagement.timezone changed; restart required for window and counters")
	}
	base, qcfg, err := mapEngagement(next)
	if err != nil {
		a.log.Warn("invalid engagement config; keeping previous", logx.Err(err))
	} else {
		for _, id := range a.order {
			if err := a.bots[id].bot.Reconfigure(base, qcfg); err != nil {
				a.log.Warn("bot rejected new settings; keeping previous", logx.String("bot", id), logx.Err(err))
			}
		}
	}

	for _, bc := range next.Bots {
		inst, ok := a.bots[bc.ID]
		if !ok {
			continue
		}
		if s, ok := inst.ch.(ownerSetter); ok {
			s.SetOwners(bc.Telegram.OwnerUserIDs)
		}
	}

	if err := a.registerJobs(next); err != nil {
		a.log.Warn("schedules not updated", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// botSetChanged reports whether the enabled bot ids differ from the running set.
func (a *App) botSetChanged(next *config.Config) bool {
	var ids []string
	for _, bc := range next.Bots {
		if !bc.Disabled {
			ids = append(ids, bc.ID)
		}
	}
	return !slices.Equal(ids, a.order)
}
