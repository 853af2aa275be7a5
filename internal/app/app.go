package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"rolecast/internal/broadcast"
	"rolecast/internal/config"
	"rolecast/internal/eventbus"
	"rolecast/internal/httpapi"
	"rolecast/internal/notifier"
	"rolecast/internal/observability/metrics"
	rtsup "rolecast/internal/runtime/supervisor"
	"rolecast/internal/storage"
	"rolecast/internal/subscriber"
	"rolecast/internal/task/scheduler"
	kit "rolecast/internal/transport"
	"rolecast/internal/transport/discord/adapter"
	"rolecast/internal/transport/discord/router"
	"rolecast/internal/transport/telegram"
	logx "rolecast/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	stop context.CancelFunc
	regs *rtsup.Registry

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	ad        *adapter.Adapter
	dir       *broadcast.RecipientDirectory
	engine    *broadcast.DeliveryEngine
	registry  *scheduler.Registry
	coord     *broadcast.Coordinator
	recurring *scheduler.Recurring
	subs      *subscriber.Service
	router    *router.Router
	metrics   *metrics.Metrics
	notif     *notifier.Service
	api       *httpapi.Server

	alertToken string

	updates chan kit.Update
}

// New loads the config at cfgPath and wires every component. Nothing connects until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	sender, err := newAlertSender(cfg.Telegram.Token)
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(mapLogConfig(cfg), sender)
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	bus := eventbus.New()
	clock := clockwork.NewRealClock()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		octx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = storage.Open(octx, sc, comp("storage"))
		cancel()
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ad, err := adapter.New(adapter.Config{
		Token:    cfg.Discord.Token,
		ClientID: cfg.Discord.ClientID,
		GuildID:  cfg.Discord.GuildID,
	}, comp("discord"))
	if err != nil {
		return nil, err
	}

	names, err := mapRoleNames(cfg)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Broadcast.Location()
	if err != nil {
		return nil, err
	}
	dir := broadcast.NewRecipientDirectory(ad, cfg.Discord.GuildID, names, comp("directory"))
	engine := broadcast.NewDeliveryEngine(ad, dir, cfg.Broadcast.DeliveryInterval(broadcast.DefaultInterval), clock, comp("delivery"))
	registry := scheduler.NewRegistry(engine, clock, bus, comp("scheduler"))
	coord := broadcast.NewCoordinator(broadcast.NewMessageResolver(ad, comp("resolver")), engine, registry, clock, bus, comp("broadcast"))
	coord.SetLocation(loc)

	defs, err := mapRecurring(cfg)
	if err != nil {
		return nil, err
	}
	recurring := scheduler.NewRecurring(coord, comp("recurring"))
	if err := recurring.Apply(defs, loc); err != nil {
		return nil, err
	}

	regs := rtsup.NewRegistry()
	timeout, err := commandTimeout(cfg)
	if err != nil {
		return nil, err
	}
	workers := cfg.Discord.Workers
	if workers == 0 {
		workers = defaultWorkers
	}
	rd := router.Deps{
		Replier:        ad,
		Broadcasts:     coord,
		Roles:          dir,
		Log:            comp("commands"),
		Workers:        workers,
		CommandTimeout: timeout,
		Supervisors:    regs,
	}
	var subs *subscriber.Service
	if store != nil {
		subs = subscriber.New(store, engine, clock, comp("subscribers"))
		rd.Subscribers = subs
	}
	rt := router.New(rd)
	rt.SetOperators(cfg.Discord.OperatorUserIDs, cfg.Discord.OperatorRoleIDs)

	m := metrics.New(metrics.Sources{
		Pending:       registry.Len,
		BusDropped:    bus.Dropped,
		UpdateDropped: ad.DroppedUpdates,
	})

	var notif *notifier.Service
	if ncfg := mapNotifierConfig(cfg); ncfg.Enabled {
		pub, err := notifier.NewAMQPPublisher(ncfg.URL, ncfg.Exchange, comp("amqp"))
		if err != nil {
			return nil, err
		}
		notif = notifier.New(ncfg, pub, comp("notifier"))
	}

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		d := httpapi.Deps{Broadcasts: coord, Audit: store, Health: regs, Metrics: m.Handler()}
		if subs != nil {
			d.Subscribers = subs
		}
		api = httpapi.New(hcfg, d, log)
	}

	return &App{
		cfgm:       cfgm,
		regs:       regs,
		log:        comp("app"),
		logs:       logs,
		bus:        bus,
		store:      store,
		ad:         ad,
		dir:        dir,
		engine:     engine,
		registry:   registry,
		coord:      coord,
		recurring:  recurring,
		subs:       subs,
		router:     rt,
		metrics:    m,
		notif:      notif,
		api:        api,
		alertToken: strings.TrimSpace(cfg.Telegram.Token),
		updates:    make(chan kit.Update, 256),
	}, nil
}

// newAlertSender returns nil without a token so logx sees a nil interface.
func newAlertSender(token string) (logx.AlertSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	s, err := telegram.NewAlertSender(token)
	if err != nil {
		return nil, fmt.Errorf("telegram alert sender: %w", err)
	}
	return s, nil
}

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

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.stop = cancel
	a.sup = rtsup.New(runCtx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.regs.Set("app", a.sup)
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.registry.Start(c)
	a.recurring.Start(c)

	if a.store != nil {
		a.sup.Go0("audit.sink", func(c context.Context) {
			storage.RunAuditSink(c, a.bus, a.store, a.log.With(logx.String("comp", "audit")))
		})
	}
	a.sup.Go0("metrics.observe", func(c context.Context) { a.metrics.Run(c, a.bus) })
	if a.notif != nil {
		a.notif.Start(c, a.bus)
		a.regs.Set("notifier", a.notif.Supervisor())
	}

	if err := a.ad.Start(c, a.updates); err != nil {
		return err
	}
	a.regs.Set("discord.adapter", a.ad.Supervisor())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("commands.register", func(c context.Context) {
		select {
		case <-c.Done():
			return
		case <-a.ad.Ready():
		}
		rctx, cancel := context.WithTimeout(c, 30*time.Second)
		defer cancel()
		if err := a.ad.RegisterCommands(rctx, a.router.Specs()); err != nil {
			a.log.Error("slash command registration failed", logx.Err(err))
		}
	})

	if a.api != nil {
		a.api.Start(c)
		a.regs.Set("http", a.api.Supervisor())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		eventbus.Consume(c, events, func(e eventbus.Event) {
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		})
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("guild", a.cfgm.Get().Discord.GuildID),
		logx.Bool("storage", a.store != nil),
		logx.Bool("http", a.api != nil),
		logx.Bool("amqp", a.notif != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.stop()

	a.step(ctx, "recurring", time.Second, func(c context.Context) error { a.recurring.Stop(c); return nil })
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.registry.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	a.step(ctx, "adapter", 2*time.Second, a.ad.Stop)
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs fn bounded by limit and the caller's deadline. A step that overruns is logged
// and left running.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
