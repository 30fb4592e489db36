package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"newsline/internal/adapters/kvstore"
	"newsline/internal/adapters/mtproto"
	"newsline/internal/adapters/repo"
	"newsline/internal/domain"
	"newsline/internal/infra/config"
	"newsline/internal/infra/db"
	applog "newsline/internal/infra/log"
	"newsline/internal/infra/metrics"
	"newsline/internal/usecase/ingest"
	"newsline/internal/usecase/status"
)

// collectInterval — период опроса источников. Источник отдаёт историю с
// запасом, дедупликация по id убирает пересечения между проходами.
const collectInterval = 5 * time.Minute

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv).With().Str("component", "collector").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("collector: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	kv := kvstore.NewRedis(kvstore.NewClient(cfg.RedisAddr))
	msgStore := kvstore.NewMessageStore(kv, cfg.Messages.TTL)
	tracker := status.NewTracker(kv, cfg.Status.EntryTTL, cfg.Status.ReadTimeout, logger.With().Str("component", "status").Logger())

	session := &mtproto.SessionInMemory{}
	if cfg.Telegram.Session != "" {
		session, err = mtproto.NewSessionFromBytes([]byte(cfg.Telegram.Session))
		if err != nil {
			log.Fatal().Err(err).Msg("collector: не удалось разобрать MTProto-сессию")
		}
	}
	source := mtproto.NewSource(cfg.Telegram.APIID, cfg.Telegram.APIHash, session, logger.With().Str("component", "mtproto").Logger())
	ingestService := ingest.NewService(source, msgStore, repoAdapter, logger.With().Str("component", "ingest").Logger())

	logger.Info().Dur("interval", collectInterval).Strs("seed", cfg.Telegram.Channels).Msg("collector: старт")
	runLoop(ctx, logger, ingestService, tracker, cfg.Telegram.Channels)
	logger.Info().Msg("collector: остановка")
}

func runLoop(ctx context.Context, logger zerolog.Logger, svc *ingest.Service, tracker *status.Tracker, seed []string) {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	collectOnce(ctx, logger, svc, tracker, seed)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collectOnce(ctx, logger, svc, tracker, seed)
		}
	}
}

func collectOnce(ctx context.Context, logger zerolog.Logger, svc *ingest.Service, tracker *status.Tracker, seed []string) {
	started := time.Now()
	since := started.Add(-2 * collectInterval)

	refreshed, err := svc.RefreshChannels(ctx, seed)
	if err != nil {
		logger.Warn().Err(err).Msg("collector: обновление каналов не удалось")
	}

	result, err := svc.CollectAll(ctx, since)

	st := domain.ExecutionStatus{
		JobType:    domain.JobTypeCollector,
		Outcome:    domain.OutcomeOK,
		StartedAt:  started.UTC(),
		DurationMs: time.Since(started).Milliseconds(),
		ErrorCount: result.Errors,
		TaskDetail: map[string]any{
			"channels":  result.ChannelsProcessed,
			"accepted":  result.Accepted,
			"rejected":  len(result.Rejected),
			"refreshed": refreshed,
		},
	}
	if err != nil {
		st.Outcome = domain.OutcomeException
		st.ErrorCount++
		st.TaskDetail["error"] = err.Error()
		logger.Error().Err(err).Msg("collector: проход не удался")
	} else {
		logger.Info().
			Int("channels", result.ChannelsProcessed).
			Int("accepted", result.Accepted).
			Int("rejected", len(result.Rejected)).
			Int("errors", result.Errors).
			Msg("collector: проход завершён")
	}

	if err := tracker.RecordExecution(ctx, st); err != nil {
		logger.Error().Err(err).Msg("collector: не удалось записать статус задачи")
	}
}
