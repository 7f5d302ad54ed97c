package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"ankibot/internal/broadcast"
	"ankibot/internal/chatbot"
	"ankibot/internal/config"
	"ankibot/internal/eventbus"
	"ankibot/internal/httpapi"
	"ankibot/internal/reminder"
	rtsup "ankibot/internal/runtime/supervisor"
	"ankibot/internal/storage"
	kit "ankibot/internal/transport"
	"ankibot/internal/transport/messenger"
	"ankibot/internal/transport/telegram"
	logx "ankibot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	router *kit.Router
	tg     *telegram.Adapter
	fb     *messenger.Client

	engine   *broadcast.Engine
	reminder *reminder.Service
	bot      *chatbot.Bot
	api      *httpapi.Server
	apiAddr  string

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	router := kit.NewRouter()

	var tg *telegram.Adapter
	if cfg.Telegram.Enabled {
		bootLog := logx.NewConsole("INFO")
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, err
		}
		router.Register(kit.Telegram, tg)
	}

	// Alerts go to the admin chat; the sender reads the current config so a
	// hot-reloaded chat id takes effect.
	var alert logx.AlertSender
	if tg != nil {
		alert = func(ctx context.Context, text string) error {
			id := cfgm.Get().Telegram.AdminChatID
			if id == 0 {
				return nil
			}
			return tg.Send(ctx, kit.Recipient{Channel: kit.Telegram, ChatID: strconv.FormatInt(id, 10)}, kit.Message{Text: text})
		}
	}
	logSvc, root := logx.New(mapLogConfig(cfg), alert)
	log := root.With(logx.String("comp", "app"))

	var fb *messenger.Client
	if cfg.Messenger.Enabled {
		timeout, err := config.ParseDurationOrDefault("messenger.timeout", cfg.Messenger.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		fb, err = messenger.New(messenger.Config{
			PageAccessToken: cfg.Messenger.PageAccessToken,
			VerifyToken:     cfg.Messenger.VerifyToken,
			AppSecret:       cfg.Messenger.AppSecret,
			GraphVersion:    cfg.Messenger.GraphVersion,
			Timeout:         timeout,
		}, root)
		if err != nil {
			return nil, err
		}
		router.Register(kit.Messenger, fb)
	}
	if len(router.Channels()) == 0 {
		log.Warn("no chat channel enabled; broadcasts will fail for every target")
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine := broadcast.New(router, store, bcfg, broadcast.WithLogger(root))

	loc, err := config.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	bus := eventbus.New()
	ropts := reminder.Options{
		Location: loc,
		Defaults: mapSlots(cfg),
		Audit:    store,
		Bus:      bus,
		Log:      root,
	}
	if cfg.Scheduler.Persist {
		ropts.Store = store
	}
	rem := reminder.New(store, engine, ropts)

	updates := make(chan kit.Update, 256)
	bot := chatbot.New(store, engine, router, root)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		router:   router,
		tg:       tg,
		fb:       fb,
		engine:   engine,
		reminder: rem,
		bot:      bot,
		updates:  updates,
	}

	if cfg.HTTP.Enabled {
		ttl, err := config.ParseDurationOrDefault("http.token_ttl", cfg.HTTP.TokenTTL, 24*time.Hour)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		opts := httpapi.Options{
			Scheduler: rem,
			Targets:   store,
			Cards:     engine,
			Library:   store,
			Auth: httpapi.AuthConfig{
				Secret:       cfg.HTTP.JWTSecret,
				TTL:          ttl,
				Username:     cfg.HTTP.AdminUsername,
				PasswordHash: cfg.HTTP.AdminPasswordHash,
			},
			Updates: updates,
			Log:     root,
		}
		if fb != nil {
			opts.Webhook = fb
		}
		api, err := httpapi.New(opts)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.api, a.apiAddr = api, cfg.HTTP.Addr
	}
	return a, nil
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := mapBroadcastConfig(c); err != nil {
			return err
		}
		_, err := mapStorageConfig(c)
		return err
	})

	if a.tg != nil {
		if err := a.tg.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		menu := make([]tele.Command, 0, len(chatbot.Commands()))
		for _, c := range chatbot.Commands() {
			menu = append(menu, tele.Command{Text: c.Name, Description: c.Description})
		}
		if err := a.tg.UpdateMenuCommands(menu); err != nil {
			a.log.Warn("set telegram menu failed", logx.Err(err))
		}
	}

	if cfg.Scheduler.Enabled {
		if err := a.reminder.Init(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled; reminder slots not armed")
	}

	a.sup.Go("chatbot", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})

	if a.api != nil {
		a.sup.Go("http.api", func(context.Context) error {
			return a.api.Start(a.apiAddr)
		})
	}

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
				a.logEvent(e)
			}
		}
	})

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
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Strings("channels", a.router.Channels()),
		logx.Bool("http", a.api != nil),
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
	)
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	rep, ok := e.Data.(reminder.RunReport)
	if !ok {
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	fields := []logx.Field{
		logx.String("run", rep.RunID),
		logx.String("trigger", rep.Trigger),
		logx.Int("total", rep.Result.Total),
		logx.Int("ok", rep.Result.Success),
		logx.Int("fail", rep.Result.Failed),
		logx.Duration("took", rep.Result.Duration),
	}
	switch {
	case e.Type == eventbus.TypeBroadcastFailed:
		a.log.Error("broadcast failed", append(fields, logx.String("err", rep.Error))...)
	case rep.Result.Failed > 0:
		a.log.Warn("broadcast finished with failures", fields...)
	default:
		a.log.Info("broadcast finished", fields...)
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections := changedSections(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if bcfg, err := mapBroadcastConfig(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(bcfg)
	}

	if oldCfg != nil && oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled {
		if newCfg.Scheduler.Enabled {
			if err := a.reminder.Init(ctx); err != nil {
				a.log.Warn("scheduler enable failed", logx.Err(err))
			} else {
				a.log.Info("scheduler enabled via config")
			}
		} else {
			a.reminder.Destroy()
			a.log.Info("scheduler disabled via config")
		}
	}

	var restart []string
	for _, s := range sections {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	if oldCfg != nil && (oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone || !slotsEqual(oldCfg, newCfg)) {
		restart = append(restart, "scheduler")
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func slotsEqual(a, b *config.Config) bool {
	if len(a.Scheduler.Slots) != len(b.Scheduler.Slots) {
		return false
	}
	for i := range a.Scheduler.Slots {
		if a.Scheduler.Slots[i] != b.Scheduler.Slots[i] {
			return false
		}
	}
	return true
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown action with an upper bound so one component
	// cannot stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.api == nil {
			return nil
		}
		return a.api.Shutdown(c)
	})
	step("reminder", time.Second, func(context.Context) error { a.reminder.Destroy(); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg == nil {
			return nil
		}
		return a.tg.Stop(c)
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	err := a.sup.Err()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
