package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"newsline/internal/adapters/kvstore"
	"newsline/internal/adapters/repo"
	"newsline/internal/domain"
	"newsline/internal/infra/config"
	"newsline/internal/infra/db"
	applog "newsline/internal/infra/log"
	"newsline/internal/infra/metrics"
	"newsline/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv).With().Str("component", "scheduler").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	jobs, err := buildQueue(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: не удалось создать очередь")
	}

	for _, timeframe := range cfg.Reports.Timeframes {
		interval, err := time.ParseDuration(timeframe)
		if err != nil {
			logger.Error().Str("timeframe", timeframe).Err(err).Msg("scheduler: непонятный интервал, пропускаю")
			continue
		}
		go runTimeframe(ctx, logger, repoAdapter, jobs, timeframe, interval)
	}

	go runRetention(ctx, logger, repoAdapter, cfg.Reports.Retention)

	logger.Info().Strs("timeframes", cfg.Reports.Timeframes).Msg("scheduler: старт")
	<-ctx.Done()
	logger.Info().Msg("scheduler: остановка")
}

func buildQueue(cfg config.AppConfig) (domain.ReportQueue, error) {
	if cfg.Queues.Driver == "rabbitmq" {
		return queue.NewRabbitReportQueue(cfg.RabbitURL, cfg.Queues.Reports)
	}
	return queue.NewRedisReportQueue(kvstore.NewClient(cfg.RedisAddr), cfg.Queues.Reports), nil
}

// runTimeframe раз в период ставит в очередь задачу отчёта для каждого
// активного канала. Сбой на одном канале не мешает остальным.
func runTimeframe(ctx context.Context, logger zerolog.Logger, channels domain.ChannelRepo, jobs domain.ReportQueue, timeframe string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			enqueueAll(ctx, logger, channels, jobs, timeframe)
		}
	}
}

func enqueueAll(ctx context.Context, logger zerolog.Logger, channels domain.ChannelRepo, jobs domain.ReportQueue, timeframe string) {
	list, err := channels.ListActiveChannels(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("scheduler: не удалось получить каналы")
		return
	}
	enqueued := 0
	for _, ch := range list {
		job := domain.ReportJob{
			ID:         uuid.NewString(),
			ChannelID:  ch.ID,
			Timeframe:  timeframe,
			Trigger:    domain.TriggerScheduled,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := jobs.Enqueue(ctx, job); err != nil {
			logger.Error().Str("channel_id", ch.ID).Str("timeframe", timeframe).Err(err).Msg("scheduler: не удалось поставить задачу")
			continue
		}
		enqueued++
	}
	logger.Info().Str("timeframe", timeframe).Int("enqueued", enqueued).Msg("scheduler: задачи поставлены")
}

// runRetention раз в сутки удаляет отчёты старше горизонта хранения.
func runRetention(ctx context.Context, logger zerolog.Logger, reports domain.ReportRepo, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			pruned, err := reports.PruneReportsBefore(ctx, cutoff)
			if err != nil {
				logger.Error().Err(err).Msg("scheduler: очистка отчётов не удалась")
				continue
			}
			if pruned > 0 {
				logger.Info().Int("pruned", pruned).Time("cutoff", cutoff).Msg("scheduler: старые отчёты удалены")
			}
		}
	}
}
