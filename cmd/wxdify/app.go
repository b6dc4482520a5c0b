package main

import (
	"fmt"

	"github.com/HKUDS/wxdify/pkg/agent"
	"github.com/HKUDS/wxdify/pkg/bus"
	"github.com/HKUDS/wxdify/pkg/channels"
	"github.com/HKUDS/wxdify/pkg/config"
	"github.com/HKUDS/wxdify/pkg/cron"
	"github.com/HKUDS/wxdify/pkg/providers"
	"github.com/HKUDS/wxdify/pkg/session"
	"github.com/HKUDS/wxdify/pkg/utils"
	"go.uber.org/zap"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	bus      *bus.MessageBus
	sessions *session.Manager
	client   *agent.Client
	relay    *agent.Relay
	wechat   *channels.WeChatChannel
	server   *channels.Server
	cron     *cron.Service
}

type buildOptions struct {
	configPath string
	withServer bool
}

func buildApp(opts buildOptions) (*app, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Server.Debug {
		cfg.Logging.Level = "debug"
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	sessionOpts := []session.Option{session.WithLogger(logger.Named("session"))}
	if cfg.Session.StorePath != "" {
		p, err := session.OpenBolt(cfg.Session.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		sessionOpts = append(sessionOpts, session.WithPersister(p))
	}
	sessions, err := session.NewManager(sessionOpts...)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      bus.NewMessageBus(),
		sessions: sessions,
	}

	router := providers.NewRouter(cfg, logger.Named("dify"))
	a.client = agent.NewClient(router, sessions, cfg.Messages, logger.Named("client"))

	a.cron = cron.NewService(cron.Options{
		Bus:            a.bus,
		Channel:        "wechat",
		BotID:          cfg.BotWxid,
		Converser:      a.client,
		Location:       cfg.Location(),
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		Logger:         logger.Named("cron"),
	})

	if opts.withServer {
		a.relay = agent.NewRelay(a.bus, a.client, cfg, "wechat", logger.Named("relay"))
		a.server = channels.NewServer(channels.ServerOptions{
			Addr:          cfg.Server.Addr(),
			BotConfigured: cfg.BotWxid != "",
			Handler:       a.relay,
			Stats: func() channels.Stats {
				return channels.Stats{
					Sessions:      a.sessions.Len(),
					Conversations: len(a.sessions.Snapshot()),
					Jobs:          a.cron.Len(),
				}
			},
			Logger: logger.Named("http"),
		})
	}

	a.wechat = channels.NewWeChatChannel(&cfg.Weixin, a.server, logger.Named("wechat"))
	a.bus.SubscribeOutbound(a.wechat.Name(), a.wechat.Send)
	return a, nil
}

func (a *app) close() {
	if err := a.sessions.Close(); err != nil {
		a.logger.Warn("closing session store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
