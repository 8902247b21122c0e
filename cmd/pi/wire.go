package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"planepi/internal/actions"
	"planepi/internal/chat"
	"planepi/internal/clarify"
	"planepi/internal/config"
	"planepi/internal/dupes"
	"planepi/internal/features"
	"planepi/internal/httpapi"
	"planepi/internal/llm"
	"planepi/internal/llm/registry"
	"planepi/internal/metrics"
	"planepi/internal/orchestrator"
	"planepi/internal/pipeline"
	"planepi/internal/planeapi"
	"planepi/internal/planner"
	"planepi/internal/queue"
	"planepi/internal/secrets"
	"planepi/internal/storage"
	"planepi/internal/telegram"
	"planepi/internal/tokens"
	"planepi/internal/worker"
)

// app holds everything built once per process.
type app struct {
	cfg      *config.Config
	store    *storage.Store
	rdb      *redis.Client
	sealer   *secrets.Sealer
	chats    *chat.Manager
	gate     *features.Gate
	pipeline *pipeline.Pipeline
	engine   *orchestrator.Engine
	dupes    *dupes.Service
	queue    *queue.StreamQueue
	codes    *queue.LinkCodes
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	sealer, err := secrets.NewSealer(cfg.Secrets.CurrentKeyID, cfg.Secrets.Keys)
	if err != nil {
		_ = store.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("init sealer: %w", err)
	}

	set, err := registry.BuildSet(cfg.LLM, cfg.HTTP)
	if err != nil {
		_ = store.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("build llm providers: %w", err)
	}
	set = set.Map(func(_ string, p llm.Provider) llm.Provider {
		return tokens.Wrap(p, tokens.Config{Store: store, Log: log.Logger})
	})
	log.Info().
		Bool("chat", set.Chat.Configured()).
		Bool("router", set.Router.Configured()).
		Bool("title", set.Title.Configured()).
		Bool("dupes", set.Dupes.Configured()).
		Msg("llm providers bound")

	plane := planeapi.New(planeapi.Config{
		BaseURL: cfg.Plane.APIURL,
		WebURL:  cfg.App.WebURL,
		Tokens: planeapi.WorkspaceTokens{
			Store:    store,
			Sealer:   sealer,
			Fallback: cfg.Plane.APIToken,
		},
		HTTPClient:  &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
		Log:         log.Logger,
	})

	chats := chat.New(chat.Config{Store: store, Title: set.Title, Log: log.Logger})
	gate := features.New(features.Config{
		Env:        features.EnvFromConfig(cfg),
		ServerURL:  cfg.Features.FlagServerURL,
		LicenseKey: cfg.Features.LicenseKey,
		HTTPClient: &http.Client{Timeout: cfg.Features.Timeout},
		Redis:      rdb,
		CacheTTL:   cfg.Redis.FlagCacheTTL,
		Log:        log.Logger,
	})
	pipe := pipeline.New(pipeline.Config{
		Executor:  actions.NewExecutor(plane, log.Logger),
		Reader:    plane,
		Links:     plane,
		Artifacts: store,
		Log:       log.Logger,
	})
	engine := orchestrator.New(orchestrator.Config{
		Gate:     gate,
		Chats:    chats,
		Clarify:  clarify.New(clarify.Config{Store: store, Log: log.Logger}),
		Planner:  planner.New(planner.Config{Router: set.Router, Actions: set.Chat, Log: log.Logger}),
		Pipeline: pipe,
		Answer:   set.Chat,
		Log:      log.Logger,
	})

	return &app{
		cfg:      cfg,
		store:    store,
		rdb:      rdb,
		sealer:   sealer,
		chats:    chats,
		gate:     gate,
		pipeline: pipe,
		engine:   engine,
		dupes:    dupes.New(dupes.Config{Search: plane, Store: store, Model: set.Dupes, Log: log.Logger}),
		queue:    queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock),
		codes:    queue.NewLinkCodes(rdb, cfg.Redis.LinkCodeTTL),
	}, nil
}

func (a *app) close() {
	_ = a.rdb.Close()
	_ = a.store.Close()
}

func migrate(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, false)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := storage.Migrate(ctx, store.DB(), store.Driver()); err != nil {
		return err
	}
	log.Info().Str("driver", store.Driver()).Msg("migrations applied")
	return nil
}

func serve(ctx context.Context, cfg *config.Config, mode string) error {
	log.Info().Str("mode", mode).Bool("telegram", cfg.TelegramEnabled()).Msg("starting pi")

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	runAPI := mode == config.ModeAll || mode == config.ModeAPI
	runWorker := mode == config.ModeAll || mode == config.ModeWorker
	m := metrics.Global()
	errCh := make(chan error, 4)

	var bot *gotgbot.Bot
	if cfg.TelegramEnabled() {
		bot, err = gotgbot.NewBot(cfg.Telegram.BotToken, nil)
		if err != nil {
			return fmt.Errorf("create telegram bot: %s", sanitizeTelegramErr(err, cfg.Telegram.BotToken))
		}
		log.Info().Str("bot_username", bot.User.Username).Msg("telegram bot initialized")
	}

	var api *httpapi.Server
	var updater *ext.Updater
	if runAPI {
		api = httpapi.New(httpapi.Config{
			Turns:       a.engine,
			Chats:       a.chats,
			Gate:        a.gate,
			Artifacts:   a.pipeline,
			Store:       a.store,
			Sealer:      a.sealer,
			Duplicates:  a.dupes,
			LinkCodes:   a.codes,
			Log:         log.Logger,
			HealthPath:  cfg.HTTP.HealthPath,
			MetricsPath: cfg.HTTP.MetricsPath,
		})
		if bot != nil {
			updater, err = startTelegram(a, bot, api, m)
			if err != nil {
				return err
			}
		}
		go func() {
			log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
			if err := api.Start(cfg.HTTP.ListenAddr); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if runWorker {
		if bot == nil {
			log.Warn().Msg("worker not started: no integration to reply through")
		} else {
			w := worker.New(worker.Config{
				Engine:        a.engine,
				Replier:       worker.TelegramReplier{Bot: bot},
				Queue:         a.queue,
				MaxJobRetries: cfg.Worker.MaxRetries,
				Logger:        log.Logger,
				Metrics:       m,
			})
			go func() {
				if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
					errCh <- fmt.Errorf("worker failed: %w", err)
				}
			}()
			log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}
	log.Info().Msg("stopped")
	return runErr
}

// startTelegram wires the app-integration channel: polling in development,
// otherwise a webhook served by the API server.
func startTelegram(a *app, bot *gotgbot.Bot, api *httpapi.Server, m *metrics.Metrics) (*ext.Updater, error) {
	cfg := a.cfg
	logErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.Telegram.BotToken))
	}
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logErr,
		Processor: telegram.Processor{
			Dedupe:  queue.NewDeduplicator(a.rdb, cfg.Redis.DedupeTTL),
			Metrics: m,
			Logger:  log.Logger,
		},
	})
	telegram.NewService(telegram.Config{
		Links:       a.store,
		Codes:       a.codes,
		Queue:       a.queue,
		RateLimiter: queue.NewRateLimiter(a.rdb, cfg.Rate.TurnsPerHour),
		Logger:      log.Logger,
		Metrics:     m,
	}).Register(dispatcher)
	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{UnhandledErrFunc: logErr})

	if cfg.Telegram.DevPolling {
		if err := updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout: 50,
				RequestOpts: &gotgbot.RequestOpts{
					Timeout: 60 * time.Second,
				},
			},
		}); err != nil {
			return nil, fmt.Errorf("start polling: %w", err)
		}
		log.Info().Msg("telegram polling started")
		return updater, nil
	}

	if cfg.Telegram.WebhookURL == "" {
		return nil, fmt.Errorf("TELEGRAM_WEBHOOK_URL is required unless TELEGRAM_DEV_POLLING is set")
	}
	path := strings.Trim(cfg.Telegram.SecretPath, "/")
	if path == "" {
		path = "telegram"
	}
	if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Telegram.SecretToken}); err != nil {
		return nil, fmt.Errorf("configure webhook: %w", err)
	}
	webhookURL := strings.TrimSuffix(cfg.Telegram.WebhookURL, "/") + "/" + path
	if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{SecretToken: cfg.Telegram.SecretToken}); err != nil {
		return nil, fmt.Errorf("set webhook: %s", sanitizeTelegramErr(err, cfg.Telegram.BotToken))
	}
	api.Mount("/"+path, updater.GetHandlerFunc("/"))
	log.Info().Str("webhook_url", webhookURL).Msg("telegram webhook registered")
	return updater, nil
}
