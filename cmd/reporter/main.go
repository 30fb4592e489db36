package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"newsline/internal/adapters/generator"
	"newsline/internal/adapters/geocode"
	"newsline/internal/adapters/kvstore"
	"newsline/internal/adapters/repo"
	"newsline/internal/domain"
	"newsline/internal/infra/config"
	"newsline/internal/infra/db"
	applog "newsline/internal/infra/log"
	"newsline/internal/infra/metrics"
	"newsline/internal/infra/openai"
	"newsline/internal/infra/queue"
	"newsline/internal/usecase/hybridcache"
	reportusecase "newsline/internal/usecase/report"
	"newsline/internal/usecase/status"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv).With().Str("component", "reporter").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("reporter: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	kv := kvstore.NewRedis(kvstore.NewClient(cfg.RedisAddr))
	msgStore := kvstore.NewMessageStore(kv, cfg.Messages.TTL)
	cacheManager := hybridcache.NewManager(kv, msgStore, repoAdapter, repoAdapter, cfg.Status.RoutingTTL, logger.With().Str("component", "hybridcache").Logger())

	var textGenerator domain.Generator
	if cfg.OpenAI.APIKey != "" {
		openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		textGenerator = generator.NewOpenAI(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
	} else {
		logger.Warn().Msg("reporter: ключ OpenAI не задан, используется эвристический генератор")
		textGenerator = generator.NewSimple()
	}
	geocoder := geocode.NewClient(cfg.Geocode.BaseURL, cfg.Geocode.Timeout)

	reportService := reportusecase.NewService(
		cacheManager, repoAdapter, textGenerator, geocoder,
		reportusecase.NewContextBudgetPolicy(cfg.ContextBudgets()),
		cfg.Reports.CacheTTL, cfg.Geocode.TTL,
		logger.With().Str("component", "report").Logger(),
	)
	tracker := status.NewTracker(kv, cfg.Status.EntryTTL, cfg.Status.ReadTimeout, logger.With().Str("component", "status").Logger())

	jobs, err := buildQueue(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("reporter: не удалось создать очередь")
	}

	logger.Info().Msg("reporter: старт")
	runWorker(ctx, logger, jobs, reportService, tracker)
	logger.Info().Msg("reporter: остановка")
}

func buildQueue(cfg config.AppConfig) (domain.ReportQueue, error) {
	if cfg.Queues.Driver == "rabbitmq" {
		return queue.NewRabbitReportQueue(cfg.RabbitURL, cfg.Queues.Reports)
	}
	return queue.NewRedisReportQueue(kvstore.NewClient(cfg.RedisAddr), cfg.Queues.Reports), nil
}

func runWorker(ctx context.Context, logger zerolog.Logger, jobs domain.ReportQueue, reports *reportusecase.Service, tracker *status.Tracker) {
	for {
		job, err := jobs.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("reporter: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}
		processJob(ctx, logger, job, reports, tracker)
	}
}

func processJob(ctx context.Context, logger zerolog.Logger, job domain.ReportJob, reports *reportusecase.Service, tracker *status.Tracker) {
	started := time.Now()
	cpuStart := cpuTime()

	result, err := reports.GenerateForTimeframe(ctx, job.ChannelID, job.Timeframe, job.Trigger, "")

	st := domain.ExecutionStatus{
		JobType:    job.JobType(),
		Outcome:    domain.OutcomeOK,
		StartedAt:  started.UTC(),
		DurationMs: time.Since(started).Milliseconds(),
		CPUTimeMs:  (cpuTime() - cpuStart).Milliseconds(),
		TaskDetail: map[string]any{"channel_id": job.ChannelID, "timeframe": job.Timeframe},
	}
	switch {
	case err == nil:
		st.TaskDetail["report_id"] = result.Report.ReportID
		st.TaskDetail["message_count"] = len(result.Messages)
		logger.Info().Str("channel_id", job.ChannelID).Str("timeframe", job.Timeframe).Str("report_id", result.Report.ReportID).Msg("reporter: отчёт построен")
	case errors.Is(err, domain.ErrNoMessagesInWindow):
		// Пустое окно — это нормальный итог, а не падение задачи.
		st.TaskDetail["skipped"] = "no_messages"
		logger.Info().Str("channel_id", job.ChannelID).Str("timeframe", job.Timeframe).Msg("reporter: окно пустое, отчёт не создан")
	default:
		st.Outcome = domain.OutcomeException
		st.ErrorCount = 1
		st.TaskDetail["error"] = err.Error()
		logger.Error().Str("channel_id", job.ChannelID).Str("timeframe", job.Timeframe).Err(err).Msg("reporter: задача упала")
	}

	if err := tracker.RecordExecution(ctx, st); err != nil {
		logger.Error().Err(err).Msg("reporter: не удалось записать статус задачи")
	}
}

// cpuTime возвращает суммарное процессорное время процесса (user + system).
func cpuTime() time.Duration {
	var usage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &usage); err != nil {
		return 0
	}
	return time.Duration(usage.Utime.Nano() + usage.Stime.Nano())
}
