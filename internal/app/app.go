package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"massdm/internal/audience"
	"massdm/internal/config"
	"massdm/internal/eventbus"
	"massdm/internal/massdm"
	"massdm/internal/notifier/broadcast"
	"massdm/internal/runtime/supervisor"
	"massdm/internal/storage"
	kit "massdm/internal/transport"
	telegram "massdm/internal/transport/telegram/adapter"
	"massdm/internal/transport/telegram/router"
	logx "massdm/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	members *audience.Registry
	pruner  *audience.Pruner
	disp    *broadcast.Service
	cmds    *massdm.Commands
	cmdm    *router.CommandManager

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(true); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := cfg.Telegram.PollTimeoutOrDefault()
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off, set the target, then enable it.
	// Apply() warns when the sink is on without a target.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	log = log.With(logx.String("comp", "app"))
	if chatID, _ := cfg.Telegram.GroupLogID(); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)

	bus := eventbus.New()

	sc, pc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	members := audience.NewRegistry(store, log.With(logx.String("comp", "audience")))
	pruner := audience.NewPruner(members, pc, log.With(logx.String("comp", "audience.prune")))

	bc, _, err := mapMassDM(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	disp := broadcast.New(bc, ad, log.With(logx.String("comp", "massdm")),
		broadcast.WithBus(bus),
		broadcast.WithAudit(store),
	)

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)
	cmds := massdm.New(disp, members, ad.Self, log.With(logx.String("comp", "massdm.commands")))

	self := ad.Self()
	log.Info(fmt.Sprintf("Logged in as %s (%d)", self.Label(), self.UserID))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		members: members,
		pruner:  pruner,
		disp:    disp,
		cmds:    cmds,
		cmdm:    cmdm,
		updates: make(chan kit.Update, 256),
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
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(true); err != nil {
			return err
		}
		_, pc, err := mapStorage(cfg)
		if err != nil {
			return err
		}
		return a.pruner.Validate(pc)
	})

	cfg := a.cfgm.Get()
	_, ownerOnly, err := mapMassDM(cfg)
	if err != nil {
		return err
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 && ownerOnly {
		a.log.Warn("massdm.owner_only is set but telegram.owner_user_ids is empty; nobody can run commands")
	}

	a.cmdm.SetTap(func(c context.Context, up kit.Update) {
		if err := a.members.Observe(c, up); err != nil {
			a.log.Warn("member tracking failed", logx.Int64("chat_id", up.Chat.ID), logx.Err(err))
		}
	})
	a.cmdm.SetCommands(a.sup.Context(), a.cmds.Commands(ownerOnly))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.pruner.Start(); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128, "massdm.")
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
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if st, ok := e.Data.(broadcast.JobStatus); ok {
					fields = append(fields, logx.String("run_id", st.ID), logx.Int64("chat_id", st.ChatID),
						logx.Int("ok", st.Success), logx.Int("fail", st.Failure))
				}
				a.log.Debug("event", fields...)
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
				// coalesce bursts: keep only the latest config
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
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

	a.log.Info("bot is ready; add it to a group and send /massdm <message>")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a single component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Runs are canceled before the adapter goes away so their summaries still reach the chat.
	step("massdm", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("audience.prune", 2*time.Second, func(c context.Context) error { a.pruner.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("still running %v: %w", a.sup.Running(), err)
		}
		return err
	})
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	if n := a.bus.Dropped(); n > 0 {
		a.log.Debug("event deliveries dropped", logx.Uint64("count", n))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// applyConfig fans a reloaded config out to the live components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range config.RequiresRestart(oldCfg, newCfg) {
		a.log.Warn("config change requires restart", logx.String("section", s))
	}

	// update log target first so Apply() doesn't warn when the Telegram sink is enabled
	chatID, _ := newCfg.Telegram.GroupLogID()
	a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogging(newCfg))

	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if bc, ownerOnly, err := mapMassDM(newCfg); err != nil {
		a.log.Warn("invalid massdm config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(bc)
		a.cmdm.SetCommands(ctx, a.cmds.Commands(ownerOnly))
	}

	if _, pc, err := mapStorage(newCfg); err != nil {
		a.log.Warn("invalid storage config; keeping previous", logx.Err(err))
	} else if err := a.pruner.Apply(pc); err != nil {
		a.log.Warn("member prune schedule rejected", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
