package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/infra/metrics"
)

// RedisEventStream публикует события конвейера в ограниченный Redis list.
// Поток читают внешние дашборды; сбои публикации логируются и не
// распространяются на конвейер.
type RedisEventStream struct {
	client *redis.Client
	key    string
	maxLen int64
	log    zerolog.Logger
}

// NewRedisEventStream создаёт поток событий по указанному ключу.
func NewRedisEventStream(client *redis.Client, key string, maxLen int64, log zerolog.Logger) *RedisEventStream {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisEventStream{client: client, key: key, maxLen: maxLen, log: log}
}

var _ domain.Notifier = (*RedisEventStream)(nil)

// Notify публикует событие. Никогда не возвращает ошибку вызывающему.
func (s *RedisEventStream) Notify(event domain.PipelineEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Warn().Err(err).Str("type", string(event.Type)).Msg("события: не удалось сериализовать")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, payload)
	pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
	_, err = pipe.Exec(ctx)
	metrics.ObserveNetworkRequest("redis", "publish", s.key, start, err)
	if err != nil {
		s.log.Warn().Err(err).Str("type", string(event.Type)).Msg("события: публикация не удалась")
	}
}
