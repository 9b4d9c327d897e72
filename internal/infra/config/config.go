package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	TZ          string `envconfig:"TZ" default:"Europe/Amsterdam"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
		APIID      int    `envconfig:"TG_API_ID"`
		APIHash    string `envconfig:"TG_API_HASH"`
		AccountID  int64  `envconfig:"TG_ACCOUNT_ID"`
	} `envconfig:""`

	MTProto struct {
		SessionFile string `envconfig:"MTPROTO_SESSION_FILE" default:"session.json"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Queue struct {
		Tick            time.Duration `envconfig:"QUEUE_TICK" default:"1s"`
		BatchLimit      int           `envconfig:"QUEUE_BATCH_LIMIT" default:"50"`
		MaxRetries      int           `envconfig:"QUEUE_MAX_RETRIES" default:"3"`
		RetryDelay      time.Duration `envconfig:"QUEUE_RETRY_DELAY" default:"30s"`
		RateLimitDelay  time.Duration `envconfig:"QUEUE_RATE_LIMIT_DELAY" default:"60s"`
		SendTimeout     time.Duration `envconfig:"QUEUE_SEND_TIMEOUT" default:"30s"`
		ShutdownTimeout time.Duration `envconfig:"QUEUE_SHUTDOWN_TIMEOUT" default:"30s"`
		CompletedTTL    time.Duration `envconfig:"QUEUE_COMPLETED_TTL" default:"72h"`
	} `envconfig:""`

	Limits struct {
		GlobalPerMinute  int           `envconfig:"LIMIT_GLOBAL_PER_MINUTE" default:"20"`
		GlobalPerHour    int           `envconfig:"LIMIT_GLOBAL_PER_HOUR" default:"300"`
		GlobalPerDay     int           `envconfig:"LIMIT_GLOBAL_PER_DAY" default:"2000"`
		AccountPerMinute int           `envconfig:"LIMIT_ACCOUNT_PER_MINUTE" default:"10"`
		ChatPerMinute    int           `envconfig:"LIMIT_CHAT_PER_MINUTE" default:"4"`
		ChatPerHour      int           `envconfig:"LIMIT_CHAT_PER_HOUR" default:"30"`
		BurstLimit       int           `envconfig:"LIMIT_BURST" default:"3"`
		BurstWindow      time.Duration `envconfig:"LIMIT_BURST_WINDOW" default:"5s"`
		Cooldown         time.Duration `envconfig:"LIMIT_COOLDOWN" default:"5m"`
	} `envconfig:""`

	Dedup struct {
		TTL     time.Duration `envconfig:"DEDUP_TTL" default:"10m"`
		MaxSize int           `envconfig:"DEDUP_MAX_SIZE" default:"10000"`
	} `envconfig:""`

	Events struct {
		StreamKey string `envconfig:"EVENT_STREAM_KEY" default:"autoreply_events"`
		MaxLen    int64  `envconfig:"EVENT_STREAM_MAX_LEN" default:"10000"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
