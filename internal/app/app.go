// Package app wires configuration, storage, the send pipeline and the
// local API server into one runnable daemon.
package app

import (
	"context"
	"strings"

	"chatrelay/internal/breaker"
	"chatrelay/internal/config"
	"chatrelay/internal/connectivity"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/gateway"
	"chatrelay/internal/httpapi"
	"chatrelay/internal/limiter"
	"chatrelay/internal/maintenance"
	"chatrelay/internal/notifier"
	"chatrelay/internal/queue"
	"chatrelay/internal/runtime/supervisor"
	logx "chatrelay/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store queue.Store
	queue *queue.Queue // nil when storage is disabled

	limiter *limiter.Limiter
	breaker *breaker.Breaker
	monitor *connectivity.Monitor
	notif   *notifier.Service
	gateway *gateway.Gateway
	api     *httpapi.Server
	maint   *maintenance.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	notifCfg, notifEnabled, _ := mapNotifierConfig(cfg)
	var notif *notifier.Service
	if notifEnabled {
		notif = notifier.New(notifCfg, log.With(logx.String("comp", "notifier")))
	}

	upstreamCfg, _ := mapUpstreamConfig(cfg)
	upstream := gateway.NewUpstream(upstreamCfg)

	// Storage + offline queue (optional)
	var (
		store queue.Store
		q     *queue.Queue
	)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := queue.OpenStore(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		qc, _ := mapQueueConfig(cfg)
		gwCfg, _ := mapGatewayConfig(cfg)
		sender := gateway.NewReplaySender(upstream, gwCfg.RequestTimeout)
		q = queue.New(qc, st, sender, log.With(logx.String("comp", "queue")), bus, notif)
		log.Info("offline queue enabled", logx.String("driver", sc.Driver))
	} else {
		log.Info("offline queue disabled; failures will surface immediately")
	}

	limCfg, _ := mapLimiterConfig(cfg)
	lim := limiter.New(limCfg)

	brkCfg, _ := mapBreakerConfig(cfg)
	brk := breaker.New(brkCfg, bus)

	connCfg, _ := mapConnectivityConfig(cfg)
	monitor := connectivity.New(connCfg, log.With(logx.String("comp", "connectivity")), bus)

	gwCfg, _ := mapGatewayConfig(cfg)
	retryPolicy, _ := mapRetryPolicy(cfg)
	gwCfg.Retry = retryPolicy
	gw := gateway.New(gwCfg, lim, brk, monitor, q, notif, upstream,
		log.With(logx.String("comp", "gateway")))

	apiCfg, _ := mapHTTPConfig(cfg)
	api := httpapi.New(apiCfg, gw, q, lim, brk, monitor, notif,
		log.With(logx.String("comp", "api")))

	maintCfg, _ := mapMaintenanceConfig(cfg)
	maint := maintenance.New(maintCfg, lim, q, log.With(logx.String("comp", "maintenance")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		queue:   q,
		limiter: lim,
		breaker: brk,
		monitor: monitor,
		notif:   notif,
		gateway: gw,
		api:     api,
		maint:   maint,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.maint.Start(); err != nil {
		return err
	}

	a.sup.GoRestart("connectivity.monitor", a.monitor.Run)
	a.sup.Go("api.server", a.api.Run)
	a.sup.Go0("config.watch", func(c context.Context) { _ = a.cfgm.Watch(c) })

	a.watchReloads()
	a.watchConnectivity()

	// Startup drain: pending work left over from the previous run is
	// replayed as soon as we know we are online.
	if a.queue != nil && a.monitor.Online() {
		a.sup.Go0("queue.startup-drain", func(c context.Context) {
			counts, err := a.queue.Counts(c)
			if err != nil || counts[queue.StatusPending] == 0 {
				return
			}
			a.drain(c, "startup")
		})
	}

	a.log.Info("started")
	return nil
}

// watchConnectivity replays the offline queue whenever connectivity
// comes back.
func (a *App) watchConnectivity() {
	if a.queue == nil || a.bus == nil {
		return
	}
	events, unsub := a.bus.Subscribe(32)
	a.sup.Go0("queue.online-drain", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == eventbus.TypeNetOnline {
					a.drain(c, "online")
				}
			}
		}
	})
}

func (a *App) drain(ctx context.Context, trigger string) {
	rep, err := a.queue.ProcessPending(ctx)
	if err != nil {
		// An in-flight drain already covers this trigger.
		a.log.Debug("drain skipped", logx.String("trigger", trigger), logx.Any("err", err))
		return
	}
	if rep.Processed > 0 {
		a.log.Info("queue drained",
			logx.String("trigger", trigger),
			logx.Int("processed", rep.Processed),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
			logx.Int("deferred", rep.Deferred),
		)
	}
}

// watchReloads applies hot config changes: logging always, everything
// else is flagged restart-required.
func (a *App) watchReloads() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Debug("config change summary", fields...)
				lastApplied = newCfg

				for _, s := range sections {
					switch s {
					case "logging":
						a.logs.Apply(mapLoggingConfig(newCfg))
					default:
						a.log.Warn("config changed; restart required for changes to take effect",
							logx.String("section", s))
					}
				}
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	a.maint.Stop()
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}
