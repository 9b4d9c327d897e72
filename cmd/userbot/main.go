package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-autoreply-bot/internal/adapters/mtproto"
	"tg-autoreply-bot/internal/adapters/repo"
	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/infra/cache"
	"tg-autoreply-bot/internal/infra/config"
	"tg-autoreply-bot/internal/infra/db"
	"tg-autoreply-bot/internal/infra/log"
	"tg-autoreply-bot/internal/infra/metrics"
	events "tg-autoreply-bot/internal/infra/queue"
	"tg-autoreply-bot/internal/usecase/actions"
	"tg-autoreply-bot/internal/usecase/queue"
	"tg-autoreply-bot/internal/usecase/rules"
)

// userbot — ингест со стороны аккаунта: слушает входящие сообщения через
// MTProto и прогоняет их через движок правил.
func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		logger.Fatal().Msg("userbot: TG_API_ID и TG_API_HASH обязательны")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("userbot: нет подключения к БД")
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

	queueSvc := queue.NewService(queue.Config{MaxRetries: cfg.Queue.MaxRetries}, repoAdapter, repoAdapter, nil, nil, notifier, logger.With().Str("component", "queue").Logger())
	builder := actions.NewBuilder(queueSvc, dedup, notifier, logger.With().Str("component", "actions").Logger(), cfg.Dedup.TTL)
	engine := rules.NewEngine(repoAdapter, builder, logger.With().Str("component", "rules").Logger())
	engine.Start()
	defer engine.Stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	listener := mtproto.NewListener(
		cfg.Telegram.APIID,
		cfg.Telegram.APIHash,
		cfg.MTProto.SessionFile,
		cfg.Telegram.AccountID,
		engine,
		logger.With().Str("component", "mtproto").Logger(),
	)

	logger.Info().Msg("userbot: старт")
	if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("userbot: слушатель завершился с ошибкой")
	}
	logger.Info().Msg("userbot: остановка")
}
