// Package app wires config, logging, storage, channels, bots, the cron
// scheduler and the admin API into one process.
package app

import (
	"context"
	"fmt"
	"time"

	"funnelbot/internal/config"
	"funnelbot/internal/engage"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/httpapi"
	"funnelbot/internal/panel"
	rtsup "funnelbot/internal/runtime/supervisor"
	"funnelbot/internal/scheduler"
	"funnelbot/internal/sendqueue"
	"funnelbot/internal/storage"
	"funnelbot/internal/transport"
	"funnelbot/internal/transport/telegram"
	logx "funnelbot/pkg/logx"
)

// ChannelFactory builds the channel of one bot.
type ChannelFactory func(bc config.BotConfig, log logx.Logger) (transport.Channel, error)

type Option func(*App)

// WithChannelFactory replaces the Telegram channel (tests, other platforms).
func WithChannelFactory(f ChannelFactory) Option { return func(a *App) { a.newChannel = f } }

// WithClock replaces time.Now for every bot.
func WithClock(now func() time.Time) Option { return func(a *App) { a.now = now } }

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sched *scheduler.Service
	api   *httpapi.Server

	newChannel ChannelFactory
	now        func() time.Time

	// bots is fixed after NewApp; adding or removing bots needs a restart.
	bots  map[string]*instance
	order []string
}

// instance is one bot with its channel and operator panel.
type instance struct {
	id    string
	bot   *engage.Bot
	ch    transport.Channel
	panel *panel.Panel
	in    chan transport.Inbound
	ops   chan transport.Command
}

func telegramChannel(bc config.BotConfig, log logx.Logger) (transport.Channel, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", bc.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return telegram.New(telegram.Config{
		Token:       bc.Telegram.Token,
		PollTimeout: timeout,
		Owners:      bc.Telegram.OwnerUserIDs,
	}, log)
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, newChannel: telegramChannel, bots: map[string]*instance{}}
	for _, o := range opts {
		o(a)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a.logs = logSvc
	a.log = log.With(logx.Comp("app"))
	cfgm.SetLogger(log.With(logx.Comp("config")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.Comp("storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.bus = eventbus.New()
	a.sched = scheduler.New(mapSchedulerConfig(cfg), log.With(logx.Comp("scheduler")))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	loc, err := location(cfg)
	if err != nil {
		return fail(err)
	}
	base, qcfg, err := mapEngagement(cfg)
	if err != nil {
		return fail(err)
	}

	for _, bc := range cfg.Bots {
		if bc.Disabled {
			a.log.Info("bot disabled in config", logx.String("bot", bc.ID))
			continue
		}
		inst, err := a.newInstance(bc, loc, base, qcfg, log)
		if err != nil {
			return fail(fmt.Errorf("bot %s: %w", bc.ID, err))
		}
		a.bots[inst.id] = inst
		a.order = append(a.order, inst.id)
	}
	a.installAlertSender(cfg)

	if cfg.HTTP.Enabled {
		h := cfg.HTTP
		rt, _ := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second)
		wt, _ := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 2*time.Minute)
		a.api = httpapi.New(httpapi.Config{
			Addr:         h.Addr,
			Token:        h.Token,
			ReadTimeout:  rt,
			WriteTimeout: wt,
			Pprof:        h.Pprof.Enabled,
			Profile: httpapi.ProfileRates{
				MutexFraction: h.Pprof.MutexProfileFraction,
				BlockRate:     h.Pprof.BlockProfileRate,
				MemRate:       h.Pprof.MemProfileRate,
			},
		}, a, log)
	}
	return a, nil
}

func (a *App) newInstance(bc config.BotConfig, loc *time.Location, base engage.Settings, qcfg sendqueue.Config, log logx.Logger) (*instance, error) {
	blog := log.With(logx.String("bot", bc.ID))
	ch, err := a.newChannel(bc, blog.With(logx.Comp("channel")))
	if err != nil {
		return nil, err
	}
	opts := []engage.Option{engage.WithLogger(log), engage.WithBus(a.bus)}
	if a.now != nil {
		opts = append(opts, engage.WithClock(a.now))
	}
	bot := engage.New(engage.Config{ID: bc.ID, Location: loc, Settings: base, Queue: qcfg},
		ch, storage.Prefixed(a.store, bc.ID), opts...)
	return &instance{
		id:    bc.ID,
		bot:   bot,
		ch:    ch,
		panel: panel.New(bot, ch, blog.With(logx.Comp("panel"))),
		in:    make(chan transport.Inbound, 256),
		ops:   make(chan transport.Command, 32),
	}, nil
}

// installAlertSender routes operator alerts through the first bot whose
// channel can deliver them.
func (a *App) installAlertSender(cfg *config.Config) {
	if !cfg.Logging.Alerts.Enabled {
		return
	}
	for _, id := range a.order {
		if s, ok := a.bots[id].ch.(logx.AlertSender); ok {
			a.logs.SetAlertSender(s)
			a.log.Debug("alerts routed", logx.String("bot", id))
			return
		}
	}
	a.log.Warn("alerts enabled but no channel can deliver them")
}

// Bot implements httpapi.Registry.
func (a *App) Bot(id string) (*engage.Bot, bool) {
	inst, ok := a.bots[id]
	if !ok {
		return nil, false
	}
	return inst.bot, true
}

func (a *App) Bots() []*engage.Bot {
	out := make([]*engage.Bot, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.bots[id].bot)
	}
	return out
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

var (
	_ httpapi.Registry        = (*App)(nil)
	_ httpapi.SchedulerSource = (*App)(nil)
)

func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := parent.Deadline(); ok && time.Until(dl) < d {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
