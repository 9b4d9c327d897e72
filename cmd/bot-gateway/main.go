package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-autoreply-bot/internal/adapters/bot"
	"tg-autoreply-bot/internal/adapters/repo"
	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/infra/cache"
	"tg-autoreply-bot/internal/infra/config"
	"tg-autoreply-bot/internal/infra/db"
	httpinfra "tg-autoreply-bot/internal/infra/http"
	"tg-autoreply-bot/internal/infra/log"
	"tg-autoreply-bot/internal/infra/metrics"
	events "tg-autoreply-bot/internal/infra/queue"
	"tg-autoreply-bot/internal/usecase/actions"
	"tg-autoreply-bot/internal/usecase/queue"
	"tg-autoreply-bot/internal/usecase/rules"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var (
		dedup    domain.DedupStore
		notifier domain.Notifier
	)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		dedup = cache.NewRedisDedup(redisClient, "")
		notifier = events.NewRedisEventStream(redisClient, cfg.Events.StreamKey, cfg.Events.MaxLen, logger)
	} else {
		dedup = actions.NewMemoryDedup(cfg.Dedup.MaxSize)
	}

	queueSvc := queue.NewService(queueConfig(cfg), repoAdapter, repoAdapter, nil, nil, notifier, logger.With().Str("component", "queue").Logger())
	builder := actions.NewBuilder(queueSvc, dedup, notifier, logger.With().Str("component", "actions").Logger(), cfg.Dedup.TTL)
	engine := rules.NewEngine(repoAdapter, builder, logger.With().Str("component", "rules").Logger())
	engine.Start()
	defer engine.Stop()

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("gateway: TG_BOT_TOKEN обязателен")
	}
	_, err = tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway: не удалось создать бота")
	}
	h := bot.NewHandler(engine, logger.With().Str("component", "bot").Logger(), cfg.Telegram.AccountID)

	server := httpinfra.NewServer(logger)
	server.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := server.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("gateway: HTTP сервер остановлен")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("gateway: остановка")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

func queueConfig(cfg config.AppConfig) queue.Config {
	return queue.Config{
		Tick:            cfg.Queue.Tick,
		BatchLimit:      cfg.Queue.BatchLimit,
		MaxRetries:      cfg.Queue.MaxRetries,
		RetryDelay:      cfg.Queue.RetryDelay,
		RateLimitDelay:  cfg.Queue.RateLimitDelay,
		SendTimeout:     cfg.Queue.SendTimeout,
		ShutdownTimeout: cfg.Queue.ShutdownTimeout,
	}
}

var (
	_ domain.RuleRepo       = (*repo.Postgres)(nil)
	_ domain.TaskRepo       = (*repo.Postgres)(nil)
	_ domain.DeadLetterRepo = (*repo.Postgres)(nil)
)
