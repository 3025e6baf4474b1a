package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"globalchat/internal/commands"
	"globalchat/internal/config"
	"globalchat/internal/eventbus"
	"globalchat/internal/maintenance"
	"globalchat/internal/registry"
	"globalchat/internal/relay"
	"globalchat/internal/runtime/supervisor"
	"globalchat/internal/storage"
	"globalchat/internal/transport"
	"globalchat/internal/transport/discord/adapter"
	"globalchat/internal/transport/discord/router"
	logx "globalchat/pkg/logx"
)

const eventQueueCap = 256

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	registry  *registry.Registry
	adapter   transport.Adapter
	endpoints *relay.EndpointCache
	relay     *relay.Service
	maint     *maintenance.Service
	router    *router.Dispatcher

	events chan transport.Event
}

// NewApp loads the config and builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The Discord sink has no sender until the adapter exists.
	logSvc, log := logx.New(mapLoggingConfig(cfg), nil)

	ad, err := adapter.New(adapter.Config{Token: cfg.Discord.Token}, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	logSvc.SetSender(ad)

	a, err := build(ctx, cfgm, cfg, logSvc, log, ad)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires the app around an already constructed adapter.
func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, log logx.Logger, ad transport.Adapter) (*App, error) {
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.With(logx.String("comp", "app")).Info("storage opened", logx.String("driver", sc.Driver))

	rcfg, err := mapRelayConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	reg := registry.New(store, log.With(logx.String("comp", "registry")), bus)

	endpoints := relay.NewEndpointCache(ad, rcfg.EndpointName, log, bus)
	// The HTTP client timeout is fixed at build; fetch_timeout needs a restart.
	fetchTimeout := rcfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = relay.DefaultConfig().FetchTimeout
	}
	fetcher := relay.NewTranscoder(nil, fetchTimeout, rcfg.MaxAttachmentBytes, log)
	b := relay.NewBroadcaster(rcfg, reg, ad, endpoints, fetcher, log)
	relaySvc := relay.NewService(rcfg, b, log, bus)

	maint := maintenance.New(mcfg, maintenance.Targets{
		Endpoints: endpoints,
		Orphans:   reg,
		Status:    relaySvc,
	}, log, bus)

	a := &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		bus:       bus,
		store:     store,
		registry:  reg,
		adapter:   ad,
		endpoints: endpoints,
		relay:     relaySvc,
		maint:     maint,
		events:    make(chan transport.Event, eventQueueCap),
	}

	d := router.NewDispatcher(log, ad)
	d.OnReady(a.onReady)
	d.OnMessage(a.onMessage)
	for _, c := range commands.New(reg, log).Commands() {
		d.Command(c)
	}
	a.router = d
	return a, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
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
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapRelayConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMaintenanceConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	// Relay finishes in-flight jobs on Stop; it must outlive the supervisor context.
	a.relay.Start(context.WithoutCancel(ctx))
	if err := a.maint.Start(runCtx); err != nil {
		return err
	}

	a.sup.Go("discord.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.events)
	})
	if err := a.adapter.Start(runCtx, a.events); err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	a.startEventLog()
	a.startReload()
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

// onReady registers the command table. It runs off the dispatch goroutine
// since registration is a REST round trip.
func (a *App) onReady(_ context.Context, ev transport.Ready) {
	cfg := a.cfgm.Get()
	if !registerCommands(cfg) {
		a.log.Info("command registration disabled", logx.Snowflake("self_id", ev.SelfID))
		return
	}
	guild := config.ParseSnowflake(cfg.Discord.GuildID)
	specs := a.router.Specs()
	a.sup.Go0("commands.register", func(c context.Context) {
		rctx, cancel := context.WithTimeout(c, 30*time.Second)
		defer cancel()
		if err := a.adapter.RegisterCommands(rctx, guild, specs); err != nil {
			a.log.Error("command registration failed", logx.Snowflake("guild_id", guild), logx.Err(err))
		}
	})
}

func (a *App) onMessage(_ context.Context, ev transport.MessageCreate) {
	if ev.Author.Bot || ev.Author.System || ev.WebhookID != 0 {
		return
	}
	if id, ok := a.relay.Submit(ev); ok {
		a.log.Trace("relay queued", logx.String("job_id", id), logx.Snowflake("channel_id", ev.ChannelID))
	}
}

// startEventLog mirrors bus events at debug level.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}

	a.sup.Cancel()

	// Adapter first so no new events arrive, then drain relay before storage closes.
	a.step(ctx, "adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.step(ctx, "relay", 5*time.Second, func(c context.Context) error { a.relay.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	err := a.store.Close()
	if err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("stopped", logx.Uint64("relay_dropped", a.relay.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// step runs one shutdown stage bounded by max and the caller's deadline.
// A stage that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
