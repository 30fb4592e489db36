package config

import (
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"America/Sao_Paulo"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Telegram struct {
		APIID   int    `envconfig:"TG_API_ID"`
		APIHash string `envconfig:"TG_API_HASH"`
		// Session — экспортированная MTProto-сессия (gotd JSON, Telethon
		// string session или JSON); пустое значение требует интерактивной
		// авторизации.
		Session string `envconfig:"TG_SESSION"`
		// Channels — стартовый список каналов; коллектор создаёт их в
		// хранилище на первом же обновлении метаданных.
		Channels []string `envconfig:"TG_CHANNELS"`
	} `envconfig:""`

	Geocode struct {
		BaseURL string        `envconfig:"GEOCODE_BASE_URL"`
		Timeout time.Duration `envconfig:"GEOCODE_TIMEOUT" default:"5s"`
		TTL     time.Duration `envconfig:"GEOCODE_TTL" default:"168h"`
	} `envconfig:""`

	Reports struct {
		// Timeframes — окна, которые обслуживает планировщик.
		Timeframes []string `envconfig:"REPORT_TIMEFRAMES" default:"2h,6h,24h"`
		// ContextBudget задаёт долю повествования, отводимую контексту
		// предыдущего отчёта, в формате "2h:0.3,6h:0.4,24h:0.5".
		ContextBudget string        `envconfig:"REPORT_CONTEXT_BUDGET" default:"2h:0.30,6h:0.40,24h:0.50"`
		CacheTTL      time.Duration `envconfig:"REPORT_CACHE_TTL" default:"30m"`
		Retention     time.Duration `envconfig:"REPORT_RETENTION" default:"720h"`
	} `envconfig:""`

	Messages struct {
		// TTL сообщений в эфемерном ярусе.
		TTL time.Duration `envconfig:"MESSAGE_TTL" default:"72h"`
	} `envconfig:""`

	Migration struct {
		BatchSize        int           `envconfig:"MIGRATION_BATCH_SIZE" default:"50"`
		BatchConcurrency int           `envconfig:"MIGRATION_BATCH_CONCURRENCY" default:"8"`
		BatchDelay       time.Duration `envconfig:"MIGRATION_BATCH_DELAY" default:"250ms"`
		ValidationSample int           `envconfig:"MIGRATION_VALIDATION_SAMPLE" default:"20"`
	} `envconfig:""`

	Status struct {
		RoutingTTL     time.Duration `envconfig:"ROUTING_CACHE_TTL" default:"60s"`
		EntryTTL       time.Duration `envconfig:"STATUS_ENTRY_TTL" default:"168h"`
		ReadTimeout    time.Duration `envconfig:"STATUS_READ_TIMEOUT" default:"2s"`
		StreamInterval time.Duration `envconfig:"STATUS_STREAM_INTERVAL" default:"5s"`
		StreamLifetime time.Duration `envconfig:"STATUS_STREAM_LIFETIME" default:"5m"`
	} `envconfig:""`

	Queues struct {
		Reports string `envconfig:"REPORT_QUEUE_KEY" default:"report_jobs"`
		Driver  string `envconfig:"QUEUE_DRIVER" default:"redis"`
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

// ContextBudgets разбирает строку бюджета контекста в таблицу timeframe → доля.
// Некорректные пары пропускаются.
func (c AppConfig) ContextBudgets() map[string]float64 {
	out := make(map[string]float64)
	for _, pair := range strings.Split(c.Reports.ContextBudget, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		share, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || share < 0 || share > 1 {
			continue
		}
		out[parts[0]] = share
	}
	return out
}
