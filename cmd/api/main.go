package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
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
	"newsline/internal/usecase/hybridcache"
	"newsline/internal/usecase/migrate"
	reportusecase "newsline/internal/usecase/report"
	"newsline/internal/usecase/status"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
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
		logger.Warn().Msg("api: ключ OpenAI не задан, используется эвристический генератор")
		textGenerator = generator.NewSimple()
	}
	geocoder := geocode.NewClient(cfg.Geocode.BaseURL, cfg.Geocode.Timeout)

	reportService := reportusecase.NewService(
		cacheManager, repoAdapter, textGenerator, geocoder,
		reportusecase.NewContextBudgetPolicy(cfg.ContextBudgets()),
		cfg.Reports.CacheTTL, cfg.Geocode.TTL,
		logger.With().Str("component", "report").Logger(),
	)
	migrateService := migrate.NewService(msgStore, repoAdapter, repoAdapter, repoAdapter, cacheManager, migrate.BatchConfig{
		Size:             cfg.Migration.BatchSize,
		Concurrency:      cfg.Migration.BatchConcurrency,
		InterBatchDelay:  cfg.Migration.BatchDelay,
		ValidationSample: cfg.Migration.ValidationSample,
	}, logger.With().Str("component", "migrate").Logger())
	tracker := status.NewTracker(kv, cfg.Status.EntryTTL, cfg.Status.ReadTimeout, logger.With().Str("component", "status").Logger())

	h := &handlers{
		reports:  reportService,
		migrate:  migrateService,
		tracker:  tracker,
		cache:    cacheManager,
		geocoder: geocoder,
		streamCfg: status.StreamConfig{
			Interval: cfg.Status.StreamInterval,
			Lifetime: cfg.Status.StreamLifetime,
		},
		geoTTL: cfg.Geocode.TTL,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/reports", h.listReportsInRange)
		r.Get("/channels/{channelID}/reports", h.listReports)
		r.Get("/channels/{channelID}/reports/latest", h.latestReport)
		r.Get("/channels/{channelID}/reports/{reportID}", h.getReport)
		r.Post("/channels/{channelID}/reports", h.createDynamicReport)

		r.Get("/channels/{channelID}/migration", h.migrationHistory)
		r.Post("/channels/{channelID}/migration/dry-run", h.migrationDryRun)
		r.Post("/channels/{channelID}/migration", h.migrateChannel)
		r.Post("/channels/{channelID}/migration/validate", h.validateMigration)
		r.Post("/channels/{channelID}/migration/rollback", h.rollbackMigration)

		r.Get("/jobs/status", h.aggregatedStatuses)
		r.Get("/jobs/status/stream", h.streamStatuses)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		// Долгоживущий SSE-поток ограничен временем жизни подписки, не сервером.
		WriteTimeout: cfg.Status.StreamLifetime + 30*time.Second,
	}
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("api: старт")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type handlers struct {
	reports   *reportusecase.Service
	migrate   *migrate.Service
	tracker   *status.Tracker
	cache     *hybridcache.Manager
	geocoder  domain.Geocoder
	streamCfg status.StreamConfig
	geoTTL    time.Duration
}

func (h *handlers) listReports(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	reports, err := h.reports.List(r.Context(), channelID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось получить отчёты")
		return
	}
	writeJSON(w, map[string]any{"reports": reports, "geo": h.geoPoints(r.Context(), reports)})
}

// listReportsInRange отдаёт отчёты всех каналов за интервал [start, end).
func (h *handlers) listReportsInRange(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный start, ожидается RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный end, ожидается RFC3339")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	reports, err := h.reports.ListRange(r.Context(), start, end, limit)
	if err != nil {
		if !end.After(start) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "не удалось получить отчёты")
		return
	}
	writeJSON(w, map[string]any{"reports": reports, "geo": h.geoPoints(r.Context(), reports)})
}

// geoPoints обогащает выдачу координатами городов из кэша одним batch-чтением.
// Отсутствие координат не мешает ответу; промахи догреваются в фоне.
func (h *handlers) geoPoints(ctx context.Context, reports []domain.Report) map[string]domain.GeoPoint {
	keys := make([]string, 0, len(reports))
	seen := make(map[string]struct{}, len(reports))
	for _, rep := range reports {
		city := strings.ToLower(strings.TrimSpace(rep.City))
		if city == "" {
			continue
		}
		if _, ok := seen[city]; ok {
			continue
		}
		seen[city] = struct{}{}
		keys = append(keys, city)
	}
	if len(keys) == 0 {
		return nil
	}
	cached := h.cache.BatchGet(ctx, "geocode", keys)
	out := make(map[string]domain.GeoPoint, len(cached))
	for city, payload := range cached {
		var point domain.GeoPoint
		if json.Unmarshal(payload, &point) == nil {
			out[city] = point
		}
	}
	for _, city := range keys {
		if _, ok := out[city]; ok {
			continue
		}
		city := city
		h.cache.RefreshInBackground("geocode", city, h.geoTTL, func(ctx context.Context) ([]byte, error) {
			point, err := h.geocoder.Lookup(ctx, city)
			if err != nil {
				return nil, err
			}
			return json.Marshal(point)
		})
	}
	return out
}

func (h *handlers) latestReport(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "2h"
	}
	report, err := h.reports.Latest(r.Context(), channelID, timeframe)
	if err != nil {
		if errors.Is(err, domain.ErrReportNotFound) {
			writeError(w, http.StatusNotFound, "отчёт не найден")
			return
		}
		writeError(w, http.StatusInternalServerError, "не удалось получить отчёт")
		return
	}
	writeJSON(w, report)
}

func (h *handlers) getReport(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	reportID := chi.URLParam(r, "reportID")
	report, err := h.reports.Get(r.Context(), channelID, reportID)
	if err != nil {
		if errors.Is(err, domain.ErrReportNotFound) {
			writeError(w, http.StatusNotFound, "отчёт не найден")
			return
		}
		writeError(w, http.StatusInternalServerError, "не удалось получить отчёт")
		return
	}
	writeJSON(w, report)
}

type dynamicReportRequest struct {
	Start     *time.Time `json:"start"`
	End       *time.Time `json:"end"`
	Timeframe string     `json:"timeframe"`
	Model     string     `json:"model"`
}

// createDynamicReport строит отчёт по запросу. Пустое окно — это не ошибка
// транспорта: клиент получает явный признак "no_messages" со статусом 200,
// чтобы UI отличал «ничего не произошло» от «система сломана».
func (h *handlers) createDynamicReport(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	defer r.Body.Close()
	var req dynamicReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}

	var window domain.Window
	var err error
	switch {
	case req.Start != nil && req.End != nil:
		window, err = reportusecase.ExplicitWindow(*req.Start, *req.End)
	case req.Timeframe != "":
		window, err = reportusecase.ResolveWindow(req.Timeframe, time.Now())
	default:
		writeError(w, http.StatusBadRequest, "нужны start/end или timeframe")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.reports.Generate(r.Context(), channelID, window, domain.TriggerManual, req.Model)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNoMessagesInWindow):
			writeJSON(w, map[string]any{"status": "no_messages"})
		case errors.Is(err, domain.ErrChannelNotFound):
			writeError(w, http.StatusNotFound, "канал не найден")
		case errors.Is(err, domain.ErrGenerationFailed):
			writeError(w, http.StatusBadGateway, "генерация отчёта не удалась")
		default:
			writeError(w, http.StatusInternalServerError, "не удалось построить отчёт")
		}
		return
	}
	writeJSON(w, map[string]any{
		"status":   "ok",
		"report":   result.Report,
		"messages": result.Messages,
	})
}

func (h *handlers) migrationHistory(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	results, err := h.migrate.History(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, domain.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "канал не найден")
			return
		}
		writeError(w, http.StatusInternalServerError, "не удалось получить историю миграций")
		return
	}
	writeJSON(w, map[string]any{"migrations": results})
}

func (h *handlers) migrationDryRun(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	result, err := h.migrate.DryRun(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, domain.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "канал не найден")
			return
		}
		writeError(w, http.StatusInternalServerError, "оценка миграции не удалась")
		return
	}
	writeJSON(w, result)
}

type migrateRequest struct {
	BatchSize   int `json:"batch_size"`
	Concurrency int `json:"concurrency"`
	DelayMs     int `json:"delay_ms"`
}

func (h *handlers) migrateChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	defer r.Body.Close()
	var req migrateRequest
	// Тело необязательно: без него работают значения из конфигурации.
	_ = json.NewDecoder(r.Body).Decode(&req)
	result, err := h.migrate.MigrateChannel(r.Context(), channelID, migrate.BatchConfig{
		Size:            req.BatchSize,
		Concurrency:     req.Concurrency,
		InterBatchDelay: time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		if errors.Is(err, domain.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "канал не найден")
			return
		}
		writeError(w, http.StatusInternalServerError, "миграция не удалась")
		return
	}
	writeJSON(w, result)
}

func (h *handlers) validateMigration(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	result, err := h.migrate.ValidateMigration(r.Context(), channelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "сверка миграции не удалась")
		return
	}
	writeJSON(w, result)
}

func (h *handlers) rollbackMigration(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if err := h.migrate.Rollback(r.Context(), channelID); err != nil {
		if errors.Is(err, domain.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "канал не найден")
			return
		}
		writeError(w, http.StatusInternalServerError, "откат не удался")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func parseJobTypes(r *http.Request) []string {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return []string{domain.JobTypeReport2h, domain.JobTypeReport6h, domain.JobTypeReport24h, domain.JobTypeCollector, domain.JobTypeMigration}
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (h *handlers) aggregatedStatuses(w http.ResponseWriter, r *http.Request) {
	statuses := h.tracker.AggregatedStatuses(r.Context(), parseJobTypes(r))
	writeJSON(w, statuses)
}

// streamStatuses отдаёт снимки статусов как Server-Sent Events.
// Поток закрывается при отключении клиента или по лимиту времени жизни.
func (h *handlers) streamStatuses(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "стриминг не поддерживается")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	metrics.StatusStreamConnections.Inc()
	sub := h.tracker.Stream(r.Context(), parseJobTypes(r), h.streamCfg, func() {
		metrics.StatusStreamConnections.Dec()
	})
	defer sub.Close()

	for snapshot := range sub.Updates() {
		payload, err := json.Marshal(snapshot)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
