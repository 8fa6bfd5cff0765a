// Package app assembles the bot: configuration, logging, the Telegram
// gateway, the campaign engine, and the operator surfaces. It owns the
// lifecycle of every component.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dripbot/internal/campaign"
	"dripbot/internal/config"
	"dripbot/internal/eventbus"
	"dripbot/internal/notifier"
	rtsup "dripbot/internal/runtime/supervisor"
	"dripbot/internal/sequence"
	"dripbot/internal/store"
	"dripbot/internal/transport"
	"dripbot/internal/transport/telegram/adapter"
	"dripbot/internal/transport/telegram/router"
	"dripbot/messages"
	logx "dripbot/pkg/logx"
)

type App struct {
	cfgm   *config.Manager
	logsvc *logx.Service
	log    logx.Logger

	gw     *adapter.Adapter
	st     *store.Store
	bus    eventbus.Bus
	notif  *notifier.Service
	router *router.Router

	sup     *rtsup.Supervisor
	updates chan transport.Update
}

// New loads and validates the configuration and sets up logging. The
// heavier components come up in Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	logsvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("component", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return Validate(c)
	})

	return &App{
		cfgm:   cfgm,
		logsvc: logsvc,
		log:    log,
	}, nil
}

// Validate rejects configs the bot cannot run with. It is also used as
// the hot-reload gate.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	if cfg.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if cfg.Telegram.CommunityChat == 0 {
		return errors.New("telegram.community_chat is required")
	}
	if cfg.Storage.Dir == "" {
		return errors.New("storage.dir is required")
	}
	if len(cfg.Delivery.Links) == 0 || cfg.Delivery.Links["default"] == "" {
		return errors.New("delivery.links.default is required")
	}
	switch cfg.Delivery.OnContentError {
	case "", campaign.PolicySkip, campaign.PolicyCancel:
	default:
		return fmt.Errorf("delivery.on_content_error: unknown policy %q", cfg.Delivery.OnContentError)
	}

	for _, ref := range [][2]string{
		{"roles.trigger", cfg.Roles.Trigger},
		{"roles.member", cfg.Roles.Member},
		{"roles.former_member", cfg.Roles.FormerMember},
	} {
		if ref[1] == "" {
			continue
		}
		if _, ok := cfg.Roles.Chats[ref[1]]; !ok {
			return fmt.Errorf("%s: role %q has no chat mapping", ref[0], ref[1])
		}
	}
	for _, r := range append(append([]string(nil), cfg.Roles.Cancel...), cfg.Roles.Checked...) {
		if _, ok := cfg.Roles.Chats[r]; !ok {
			return fmt.Errorf("roles: role %q has no chat mapping", r)
		}
	}

	if _, err := durations(cfg); err != nil {
		return err
	}
	return nil
}

// intervals carries every parsed duration knob.
type intervals struct {
	pollTimeout   time.Duration
	tick          time.Duration
	stepGap       time.Duration
	finalGap      time.Duration
	settle        time.Duration
	formerDelay   time.Duration
	startupNudge  time.Duration
	relocateDelay time.Duration
	testSpacing   time.Duration
	spacing       time.Duration
}

func durations(cfg *config.Config) (intervals, error) {
	var iv intervals
	var err error
	if iv.pollTimeout, err = config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return iv, err
	}
	if iv.tick, err = config.ParseDurationOrDefault("campaign.tick_interval", cfg.Campaign.TickInterval, 10*time.Second); err != nil {
		return iv, err
	}
	if iv.stepGap, err = config.ParseDurationOrDefault("campaign.step_gap", cfg.Campaign.StepGap, 24*time.Hour); err != nil {
		return iv, err
	}
	if iv.finalGap, err = config.ParseDurationOrDefault("campaign.final_gap", cfg.Campaign.FinalGap, iv.stepGap); err != nil {
		return iv, err
	}
	if iv.settle, err = config.ParseDurationOrDefault("campaign.settle_delay", cfg.Campaign.SettleDelay, 60*time.Second); err != nil {
		return iv, err
	}
	if iv.formerDelay, err = config.ParseDurationOrDefault("campaign.former_member_delay", cfg.Campaign.FormerMemberDelay, 60*time.Second); err != nil {
		return iv, err
	}
	if iv.startupNudge, err = config.ParseDurationOrDefault("campaign.startup_nudge", cfg.Campaign.StartupNudge, 5*time.Second); err != nil {
		return iv, err
	}
	if iv.relocateDelay, err = config.ParseDurationOrDefault("campaign.relocate_delay", cfg.Campaign.RelocateDelay, 5*time.Second); err != nil {
		return iv, err
	}
	if iv.testSpacing, err = config.ParseDurationOrDefault("campaign.test_spacing", cfg.Campaign.TestSpacing, 10*time.Second); err != nil {
		return iv, err
	}
	if iv.spacing, err = config.ParseDurationOrDefault("delivery.spacing", cfg.Delivery.Spacing, 30*time.Second); err != nil {
		return iv, err
	}
	return iv, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	iv, err := durations(cfg)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Storage.Dir, a.log.With(logx.String("component", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.st = st

	def, err := sequence.Default(iv.stepGap, iv.finalGap)
	if err != nil {
		return err
	}
	content := sequence.NewRegistry()
	messages.Register(content)
	if missing := content.Verify(def); len(missing) > 0 {
		return fmt.Errorf("steps without content: %v", missing)
	}

	gw, err := adapter.New(adapter.Config{
		Token:           cfg.Telegram.Token,
		PollTimeout:     iv.pollTimeout,
		CommunityChatID: cfg.Telegram.CommunityChat,
		RoleChats:       cfg.Roles.Chats,
	}, a.log.With(logx.String("component", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	a.gw = gw

	a.bus = eventbus.New()
	pipe := campaign.NewPipeline(gw, content, cfg.Delivery.Links, iv.spacing, cfg.Delivery.OnContentError, a.log)

	sched := campaign.NewScheduler(st, def, pipe, gw, a.bus, cfg.Roles.Cancel, iv.tick, a.log)
	reactor := campaign.NewReactor(campaign.ReactorConfig{
		Trigger:           cfg.Roles.Trigger,
		Cancel:            cfg.Roles.Cancel,
		Member:            cfg.Roles.Member,
		FormerMember:      cfg.Roles.FormerMember,
		Checked:           cfg.Roles.Checked,
		SettleDelay:       iv.settle,
		FormerMemberDelay: iv.formerDelay,
	}, st, def, gw, a.bus, a.log)

	cmds := campaign.NewCommands(campaign.CommandConfig{
		TriggerRole:   cfg.Roles.Trigger,
		AllowRestart:  cfg.Campaign.AllowRestart,
		RelocateDelay: iv.relocateDelay,
		TestSpacing:   iv.testSpacing,
		Links:         cfg.Delivery.Links,
	}, st, def, pipe, gw, a.bus, a.log)

	rt := router.New(gw, cfg.Telegram.OwnerUserIDs, a.log)
	rt.Register(cmds.Routes()...)
	rt.Register(router.Command{
		Route:       "help",
		Description: "list commands",
		Handle: func(hctx context.Context, req *router.Request) error {
			return req.Reply(hctx, rt.HelpText())
		},
	})
	a.router = rt

	ncfg := notifier.Config{Enabled: true}
	if cfg.Notifier != nil {
		ncfg = notifier.Config{
			Enabled:    cfg.Notifier.Enabled,
			Workers:    cfg.Notifier.Workers,
			QueueSize:  cfg.Notifier.QueueSize,
			RatePerSec: cfg.Notifier.RatePerSec,
		}
	}
	ncfg.FirstStep = transport.ChatTarget{ChatID: cfg.Telegram.FirstStepChannel}
	ncfg.Events = transport.ChatTarget{ChatID: cfg.Telegram.EventsChannel}
	ncfg.OpeningStep = def.First()
	a.notif = notifier.New(ncfg, gw, a.bus, a.log)

	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("component", "app"))),
		rtsup.WithCancelOnError(false),
	)

	a.updates = make(chan transport.Update, 256)
	if err := gw.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}

	// Entries that came due while the bot was down get a short grace
	// period instead of all firing on the first tick.
	if moved, err := st.NudgeDue(time.Now(), iv.startupNudge); err != nil {
		a.log.Warn("startup nudge failed", logx.Err(err))
	} else if moved > 0 {
		a.log.Info("rescheduled overdue entries", logx.Int("count", moved), logx.Duration("nudge", iv.startupNudge))
	}

	a.notif.Start(a.sup.Context())

	if cfg.Campaign.Enabled {
		a.sup.GoRestart("scheduler", sched.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	} else {
		a.log.Warn("campaign disabled; scheduler not started")
	}

	a.sup.GoRestart("updates.dispatch", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case up, ok := <-a.updates:
				if !ok {
					return nil
				}
				a.dispatch(c, reactor, up)
			}
		}
	}, rtsup.WithStopOnCleanExit(true))

	a.sup.Go("config.watch", a.cfgm.Watch)

	reload := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(reload)
		for {
			select {
			case <-c.Done():
				return
			case nc, ok := <-reload:
				if !ok {
					return
				}
				a.applyReload(nc)
			}
		}
	})

	a.log.Info("bot started")
	return nil
}

func (a *App) dispatch(ctx context.Context, reactor *campaign.Reactor, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			a.router.HandleMessage(ctx, *up.Message)
		}
	case transport.UpdateRoleChange:
		if up.RoleChange != nil {
			reactor.HandleRoleChange(ctx, *up.RoleChange)
		}
	case transport.UpdateMemberJoin:
		if up.Member != nil {
			reactor.HandleJoin(ctx, *up.Member)
		}
	case transport.UpdateMemberLeave:
		if up.Member != nil {
			reactor.HandleLeave(ctx, *up.Member)
		}
	}
}

// applyReload applies the hot-reloadable subset of the config: log
// sinks/levels and the owner list. Everything else needs a restart.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logsvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	if a.gw != nil {
		_ = a.gw.Stop(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.notif != nil {
		a.notif.Stop(ctx)
	}
	if a.router != nil {
		a.router.Wait()
	}
	if a.logsvc != nil {
		_ = a.logsvc.Close()
	}
	return nil
}

// Err surfaces the first fatal error from the supervised tasks.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}
