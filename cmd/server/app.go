package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskrelay/backend/internal/ai"
	"github.com/deskrelay/backend/internal/compliance"
	"github.com/deskrelay/backend/internal/config"
	"github.com/deskrelay/backend/internal/db"
	"github.com/deskrelay/backend/internal/db/memstore"
	"github.com/deskrelay/backend/internal/kafka"
	"github.com/deskrelay/backend/internal/presence"
	"github.com/deskrelay/backend/internal/service"
	"github.com/deskrelay/backend/internal/tenant"
)

const memoryURL = "memory://"

type appStore interface {
	service.Store
	tenant.Store
	compliance.AllowlistStore
	Ping(ctx context.Context) error
	Close()
}

type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	store    appStore
	events   *kafka.Producer
	presence *presence.Manager
	resolver *tenant.Resolver
	router   *service.Router
	disp     *service.Dispatcher
	sweeper  *service.Sweeper
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "deskrelay").Logger()
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (appStore, error) {
	if strings.HasPrefix(cfg.DatabaseURL, memoryURL) {
		store := memstore.New()
		if cfg.Env == "dev" {
			store.SeedDemo()
			logger.Info().
				Str("agent_token", memstore.DemoAgentToken).
				Str("client_token", memstore.DemoClientToken).
				Msg("using in-memory store with demo data")
		} else {
			logger.Warn().Msg("using empty in-memory store")
		}
		return store, nil
	}
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return store, nil
}

func newGenerators(cfg config.Config, logger zerolog.Logger) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("mock", ai.MockGenerator{})
	if cfg.AIWebhookURL != "" {
		reg.Register("webhook", ai.WebhookGenerator{
			BaseURL: cfg.AIWebhookURL,
			Client:  &http.Client{Timeout: cfg.AIDeadline},
		})
	}
	if cfg.OpenAIAPIKey != "" {
		reg.Register("openai", &ai.OpenAIGenerator{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL})
	} else {
		logger.Info().Msg("OPENAI_API_KEY not set, openai agents will fall back to humans")
	}
	return reg
}

// newApp wires the engine. The caller owns close.
func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	events := kafka.NewProducer(cfg.KafkaBrokerList(), cfg.KafkaTopicTickets, logger)
	if events.Enabled() {
		logger.Info().Str("topic", cfg.KafkaTopicTickets).Msg("publishing ticket events")
	}
	pm := presence.NewManager(logger)

	disp := &service.Dispatcher{
		Store:             store,
		Presence:          pm,
		Generator:         newGenerators(cfg, logger),
		Events:            events,
		Logger:            logger.With().Str("component", "dispatcher").Logger(),
		Deadline:          cfg.AIDeadline,
		DisableFor:        cfg.AIFallbackDisable,
		HistoryLimit:      cfg.AIHistoryLimit,
		MaxChars:          cfg.AIMessageMaxChars,
		DefaultReplyDelay: cfg.AIDefaultReplyDelay,
		MasterAIEnabled:   cfg.MasterAIEnabled,
	}
	router := &service.Router{
		Store:      store,
		Presence:   pm,
		Compliance: &compliance.Filter{Store: store, Logger: logger},
		Dispatcher: disp,
		Events:     events,
		Logger:     logger.With().Str("component", "router").Logger(),
	}
	sweeper := &service.Sweeper{
		Router:             router,
		Store:              store,
		Logger:             logger.With().Str("component", "sweeper").Logger(),
		DefaultTimeout:     cfg.DefaultDepartmentTimeout,
		DepartmentInterval: cfg.DepartmentSweepInterval,
		AIInterval:         cfg.AISweepInterval,
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		events:   events,
		presence: pm,
		resolver: tenant.NewResolver(store, cfg.MasterDomainList(), logger),
		router:   router,
		disp:     disp,
		sweeper:  sweeper,
	}, nil
}

func (a *app) close() {
	if err := a.events.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close kafka producer")
	}
	a.store.Close()
}
