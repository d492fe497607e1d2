// cmd/bot/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"pulse-bot/internal/bot"
	"pulse-bot/internal/config"
	"pulse-bot/internal/db"
	"pulse-bot/internal/extract"
	"pulse-bot/internal/gpt"
	"pulse-bot/internal/ledger"
	"pulse-bot/internal/payment"
	"pulse-bot/internal/ratelimit"
	"pulse-bot/internal/scheduler"
	"pulse-bot/internal/server"
	"pulse-bot/internal/session"
	"pulse-bot/pkg/logger"
)

const (
	dbConnectAttempts  = 5
	rateLimitWindow    = time.Minute
	rateLimitIdleAfter = 10 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Fatal("Failed to load config", "error", err)
	}

	l := logger.For(cfg.Env)
	defer func() { _ = l.Sync() }()
	l.Info("Starting Pulse bot...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Errorw("Bot stopped with error", "error", err)
		os.Exit(1)
	}
	l.Info("Bot stopped successfully")
}

func run(ctx context.Context, cfg *config.Config, l *logger.Logger) error {
	database, err := db.Connect(ctx, cfg.DB, dbConnectAttempts, func(attempt int, err error) {
		l.Errorw("Failed to connect to database, retrying...", "attempt", attempt, "error", err)
	})
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	rdb, err := newRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		l.Warnw("Redis unavailable at startup, sessions use in-process fallback", "error", err)
	}

	sessions := session.NewStore(session.NewRedisBackend(rdb, cfg.Redis.OpTimeout), cfg.Redis.SessionTTL, l)
	limiter := ratelimit.New(rdb, rateLimitWindow, l)
	led := ledger.New(database, l)

	gptClient := gpt.NewClient(cfg.GPT.APIKey).
		WithModel(cfg.GPT.Model).
		WithPremiumModel(cfg.GPT.PremiumModel)

	stripeClient := payment.NewStripeClient(cfg.Stripe)
	checkout := payment.NewService(database, stripeClient, cfg.Stripe.Currency, l)

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return err
	}
	l.Infow("Authorized on Telegram", "username", api.Self.UserName)
	if _, err := api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		l.Warnw("Failed to delete Telegram webhook", "error", err)
	}

	telegramBot := bot.NewTelegramBot(api, bot.Deps{
		Store:     database,
		Ledger:    led,
		Sessions:  sessions,
		Limiter:   limiter,
		LLM:       gptClient,
		Extractor: extract.New(gptClient),
		Checkout:  checkout,
		Payments:  stripeClient,
		Config:    cfg,
		Logger:    l,
	})

	sched, err := scheduler.New(cfg.Scheduler, led, database, telegramBot, l.With("component", "scheduler"))
	if err != nil {
		return err
	}

	httpServer := server.NewServer(server.Options{
		Port:       cfg.Server.Port,
		AdminToken: cfg.Server.AdminToken,
		Webhook:    telegramBot.HandlePaymentWebhook,
		Admin:      database,
		Checks: map[string]server.Check{
			"database": database.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	}, l.With("component", "http"))

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := api.GetUpdatesChan(updateConfig)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return telegramBot.Run(ctx, updates)
	})
	g.Go(func() error {
		<-ctx.Done()
		l.Info("Shutting down bot...")
		api.StopReceivingUpdates()
		return nil
	})
	g.Go(func() error {
		return httpServer.Run(ctx, cfg.ShutdownTimeout)
	})
	g.Go(func() error {
		return sched.Run(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(rateLimitIdleAfter)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				limiter.Cleanup(rateLimitIdleAfter)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		opts.DialTimeout = cfg.DialTimeout
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}), nil
}
