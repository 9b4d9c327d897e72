package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-autoreply-bot/internal/adapters/bot"
	"tg-autoreply-bot/internal/adapters/repo"
	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/infra/config"
	"tg-autoreply-bot/internal/infra/db"
	"tg-autoreply-bot/internal/infra/log"
	"tg-autoreply-bot/internal/infra/metrics"
	events "tg-autoreply-bot/internal/infra/queue"
	"tg-autoreply-bot/internal/usecase/queue"
	"tg-autoreply-bot/internal/usecase/ratelimit"
)

// worker — процесс доставки: выбирает подошедшие задачи из очереди,
// пропускает их через ограничитель и отправляет в Telegram.
func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var notifier domain.Notifier
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		notifier = events.NewRedisEventStream(redisClient, cfg.Events.StreamKey, cfg.Events.MaxLen, logger)
	}

	limiter := ratelimit.New(ratelimit.Config{
		GlobalPerMinute:  cfg.Limits.GlobalPerMinute,
		GlobalPerHour:    cfg.Limits.GlobalPerHour,
		GlobalPerDay:     cfg.Limits.GlobalPerDay,
		AccountPerMinute: cfg.Limits.AccountPerMinute,
		ChatPerMinute:    cfg.Limits.ChatPerMinute,
		ChatPerHour:      cfg.Limits.ChatPerHour,
		BurstLimit:       cfg.Limits.BurstLimit,
		BurstWindow:      cfg.Limits.BurstWindow,
		Cooldown:         cfg.Limits.Cooldown,
		JitterMin:        100 * time.Millisecond,
		JitterMax:        600 * time.Millisecond,
	}, logger.With().Str("component", "ratelimit").Logger(), notifier)
	limiter.StartSweeper(ctx, time.Minute)

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("worker: TG_BOT_TOKEN обязателен")
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось создать бота")
	}
	sender := bot.NewSender(botAPI, logger.With().Str("component", "sender").Logger())

	queueSvc := queue.NewService(queue.Config{
		Tick:            cfg.Queue.Tick,
		BatchLimit:      cfg.Queue.BatchLimit,
		MaxRetries:      cfg.Queue.MaxRetries,
		RetryDelay:      cfg.Queue.RetryDelay,
		RateLimitDelay:  cfg.Queue.RateLimitDelay,
		SendTimeout:     cfg.Queue.SendTimeout,
		ShutdownTimeout: cfg.Queue.ShutdownTimeout,
	}, repoAdapter, repoAdapter, sender, limiter, notifier, logger.With().Str("component", "queue").Logger())
	queueSvc.Start()

	// Уборка завершённых задач старше TTL.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := queueSvc.PurgeCompleted(cfg.Queue.CompletedTTL)
				if err != nil {
					logger.Error().Err(err).Msg("worker: уборка завершённых задач не удалась")
				} else if n > 0 {
					logger.Info().Int64("tasks", n).Msg("worker: завершённые задачи удалены")
				}
			}
		}
	}()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)
	logger.Info().Msg("worker: старт")

	<-ctx.Done()
	logger.Info().Msg("worker: остановка")
	queueSvc.Stop()
}
