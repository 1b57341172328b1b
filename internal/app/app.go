package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"yinchabot/internal/config"
	"yinchabot/internal/dispatch"
	"yinchabot/internal/eventbus"
	"yinchabot/internal/listener"
	"yinchabot/internal/media"
	"yinchabot/internal/runtime/supervisor"
	"yinchabot/internal/storage"
	"yinchabot/internal/subscriber"
	telegram "yinchabot/internal/transport/telegram/adapter"
	"yinchabot/internal/trigger"
	logx "yinchabot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	adapter *telegram.Adapter
	subs    *subscriber.Store
	store   storage.Store
	clock   *clockRef
	disp    *dispatch.Dispatcher
	lst     *listener.Listener
	lstCfg  listener.Config
	token   listener.StopToken
	sd      *sdNotifier

	stopOnce sync.Once
}

// NewApp loads the config (file plus environment), builds every component
// and connects to Telegram. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	return newApp(cfgPath, os.Getenv)
}

func newApp(cfgPath string, getenv func(string) string) (a *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	var envApplied []string
	cfgm.SetOverlay(func(c *config.Config) { envApplied = config.ApplyEnv(c, getenv) })

	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)

	logs, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	if len(envApplied) > 0 {
		log.Info("environment overrides applied", logx.Strings("vars", envApplied))
	}

	var closers []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		_ = logs.Close()
	}()

	lstCfg, err := mapListenerConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:         cfg.Telegram.Token,
		URL:           cfg.Telegram.APIURL,
		PollTimeout:   lstCfg.Timeout,
		RemoveWebhook: cfg.Telegram.RemoveWebhook,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ad.Close(ctx)
	})
	logs.SetSender(ad)

	me := ad.Me()
	log.Info("bot identity",
		logx.Int64("id", me.ID),
		logx.String("name", me.FirstName),
		logx.String("username", me.Username),
		logx.Bool("can_join_groups", me.CanJoinGroups),
	)
	if !me.CanJoinGroups {
		log.Warn("bot cannot be added to groups; enable it with @BotFather")
	}

	subsPath := strings.TrimSpace(cfg.Subscribers.Path)
	if subsPath == "" {
		if subsPath, err = subscriber.DefaultPath(); err != nil {
			return nil, err
		}
	}
	subs, err := subscriber.Open(subsPath, log)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { _ = subs.Close() })
	log.Info("subscribers loaded", logx.String("path", subs.Path()), logx.Int("count", subs.Len()))

	tcfg, err := mapTriggerConfig(cfg)
	if err != nil {
		return nil, err
	}
	clk, err := trigger.New(tcfg)
	if err != nil {
		return nil, err
	}
	warnWindow(log, clk, lstCfg.Timeout)

	lib, err := media.New(cfg.Media.VoiceDir, cfg.Media.Extensions)
	if err != nil {
		return nil, err
	}
	if files, ferr := lib.Files(); ferr != nil || len(files) == 0 {
		log.Warn("voice directory has no usable files yet", logx.String("dir", lib.Dir()), logx.Err(ferr))
	}

	var store storage.Store
	if sc, enabled, serr := mapStorageConfig(cfg); serr != nil {
		return nil, serr
	} else if enabled {
		if store, err = storage.Open(sc, log); err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = store.Close() })
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	bus := eventbus.New()
	disp, err := dispatch.New(dispatch.Config{
		BotUsername:      me.Username,
		SubscribeCommand: cfg.Commands.Subscribe,
		Debug:            cfg.Commands.Debug,
		RatePerSec:       cfg.Media.RatePerSec,
	}, dispatch.Deps{
		Sender:        ad,
		Subscriptions: subs,
		Voices:        lib,
		Store:         store,
		Bus:           bus,
		Log:           log,
	})
	if err != nil {
		return nil, err
	}

	clock := newClockRef(clk)
	token, flag := listener.NewStopPair()
	lst, err := listener.New(lstCfg, listener.Deps{
		Poller:      ad,
		Subscribers: subs,
		Trigger:     clock,
		Flag:        flag,
		Bus:         bus,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		adapter: ad,
		subs:    subs,
		store:   store,
		clock:   clock,
		disp:    disp,
		lst:     lst,
		lstCfg:  lstCfg,
		token:   token,
		sd:      newSdNotifier(cfg.Systemd.Notify, log),
	}, nil
}

// validate runs the static checks plus the ones that need other packages.
func validate(cfg *config.Config) error {
	errs := []error{cfg.Validate()}
	if tcfg, err := mapTriggerConfig(cfg); err == nil {
		if _, err := trigger.New(tcfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// warnWindow flags a firing window that a single long poll can span: the
// occurrence is only injected by an iteration that starts inside it.
func warnWindow(log logx.Logger, clk *trigger.Clock, pollTimeout time.Duration) {
	if clk.Window() <= pollTimeout {
		log.Warn("trigger window is not longer than the poll timeout; occurrences may be missed",
			logx.Duration("window", clk.Window()),
			logx.Duration("poll_timeout", pollTimeout),
		)
	}
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// ListenerDone is closed once the listener has reached its terminal state.
func (a *App) ListenerDone() <-chan struct{} { return a.token.Done() }

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.adapter.Prepare(ctx); err != nil {
		return err
	}

	a.sup.Go("listener.run", func(c context.Context) error {
		return a.lst.Run(c, a.disp)
	})

	if a.cfgm.Get().Subscribers.Watch {
		a.sup.GoRestart("subscribers.watch", a.subs.Watch, supervisor.RestartOptions{})
	}
	if a.cfgm.Path() != "" {
		a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.RestartOptions{})
	}
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("systemd.watchdog", a.sd.watchdog)

	a.sd.send(daemon.SdNotifyReady)
	clk := a.clock.Load()
	a.log.Info("app started",
		logx.String("trigger", clk.String()),
		logx.Time("next_fire", clk.Next(time.Now())),
		logx.Duration("poll_timeout", a.lstCfg.Timeout),
	)
	return nil
}

// logEvents mirrors bus events at debug level.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

// Stop asks the listener to finish gracefully, waits up to the poll timeout
// plus slack, then cancels everything and releases resources in order.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.send(daemon.SdNotifyStopping)

	a.token.Stop()
	if a.sup != nil {
		stopStep(ctx, a.log, "listener", stopGrace(a.lstCfg), a.token.Wait)
		a.sup.Cancel()
		stopStep(ctx, a.log, "supervisor", 3*time.Second, a.sup.Wait)
	}
	stopStep(ctx, a.log, "subscribers", time.Second, func(context.Context) error { return a.subs.Close() })
	stopStep(ctx, a.log, "storage", 2*time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	stopStep(ctx, a.log, "adapter", 3*time.Second, a.adapter.Close)

	stats := a.bus.Stats()
	a.log.Info("stopped",
		logx.String("reason", string(reason)),
		logx.Uint64("events_published", stats.Published),
		logx.Int("cursor", int(a.lst.Cursor())),
	)
	var err error
	if a.sup != nil {
		err = a.sup.Err()
	}
	if cerr := a.logs.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("log close: %w", cerr))
	}
	return err
}
