package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"newsline/internal/domain"
	"newsline/internal/infra/metrics"
	"newsline/internal/usecase/hybridcache"
)

// Этапы одного построения отчёта.
type stage string

const (
	stageWindowSelected   stage = "WINDOW_SELECTED"
	stageMessagesFetched  stage = "MESSAGES_FETCHED"
	stageContextAssembled stage = "CONTEXT_ASSEMBLED"
	stageGenerated        stage = "GENERATED"
	stagePersisted        stage = "PERSISTED"
	stageAborted          stage = "ABORTED"
)

// Result содержит построенный отчёт и точный набор использованных сообщений,
// чтобы вызывающая сторона могла детерминированно показать исходники.
type Result struct {
	Report   domain.Report
	Messages []domain.Message
}

// Service реализует построение отчётов по окнам.
type Service struct {
	cache     *hybridcache.Manager
	reports   domain.ReportRepo
	generator domain.Generator
	geocoder  domain.Geocoder
	budget    ContextBudgetPolicy
	cacheTTL  time.Duration
	geoTTL    time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewService создаёт сервис отчётов.
func NewService(cache *hybridcache.Manager, reports domain.ReportRepo, generator domain.Generator, geocoder domain.Geocoder, budget ContextBudgetPolicy, cacheTTL, geoTTL time.Duration, log zerolog.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Minute
	}
	if geoTTL <= 0 {
		geoTTL = 7 * 24 * time.Hour
	}
	return &Service{
		cache:     cache,
		reports:   reports,
		generator: generator,
		geocoder:  geocoder,
		budget:    budget,
		cacheTTL:  cacheTTL,
		geoTTL:    geoTTL,
		log:       log,
		now:       time.Now,
	}
}

// GenerateForTimeframe строит отчёт за именованный таймфрейм относительно сейчас.
func (s *Service) GenerateForTimeframe(ctx context.Context, channelID, timeframe string, trigger domain.ReportTrigger, modelOverride string) (Result, error) {
	window, err := ResolveWindow(timeframe, s.now())
	if err != nil {
		return Result{}, err
	}
	return s.Generate(ctx, channelID, window, trigger, modelOverride)
}

// Generate проводит одно построение отчёта через этапы
// WINDOW_SELECTED → MESSAGES_FETCHED → CONTEXT_ASSEMBLED → GENERATED → PERSISTED.
// Пустое окно завершается ABORTED с domain.ErrNoMessagesInWindow —
// это сигнал «нет данных», а не сбой. Частичные отчёты не сохраняются.
func (s *Service) Generate(ctx context.Context, channelID string, window domain.Window, trigger domain.ReportTrigger, modelOverride string) (Result, error) {
	buildStart := time.Now()
	logger := s.log.With().Str("channel", channelID).Str("timeframe", window.Timeframe).Logger()
	logger.Debug().Time("start", window.Start).Time("end", window.End).Str("stage", string(stageWindowSelected)).Msg("report: окно выбрано")

	scope := s.cache.Scope()
	messages, err := s.cache.MessagesInWindow(ctx, scope, channelID, window.Start, window.End)
	if err != nil {
		return Result{}, fmt.Errorf("чтение сообщений окна: %w", err)
	}
	messages = dedupeAndSort(messages)
	if len(messages) == 0 {
		metrics.ReportsEmptyWindowTotal.Inc()
		logger.Info().Str("stage", string(stageAborted)).Msg("report: пустое окно, отчёт не создаётся")
		return Result{}, domain.ErrNoMessagesInWindow
	}
	logger.Debug().Int("messages", len(messages)).Str("stage", string(stageMessagesFetched)).Msg("report: сообщения получены")

	previousContext, previousID := s.assembleContext(ctx, channelID, window)
	logger.Debug().Bool("has_context", previousContext != "").Str("stage", string(stageContextAssembled)).Msg("report: контекст собран")

	generated, err := s.generator.Generate(ctx, domain.GenerationInput{
		Messages:        messages,
		PreviousContext: previousContext,
		Window:          window,
		ContextBudget:   s.budget.Share(window),
		ModelOverride:   modelOverride,
	})
	if err != nil {
		logger.Error().Err(err).Str("stage", string(stageAborted)).Msg("report: генерация не удалась")
		return Result{}, fmt.Errorf("%w: %w", domain.ErrGenerationFailed, err)
	}
	logger.Debug().Str("stage", string(stageGenerated)).Msg("report: текст получен")

	messageIDs := make([]string, 0, len(messages))
	for _, msg := range messages {
		messageIDs = append(messageIDs, msg.ID)
	}
	rep := domain.Report{
		ReportID:         uuid.NewString(),
		ChannelID:        channelID,
		Headline:         strings.TrimSpace(generated.Headline),
		City:             strings.TrimSpace(generated.City),
		Body:             strings.TrimSpace(generated.Body),
		GeneratedAt:      s.now().UTC(),
		WindowStart:      window.Start,
		WindowEnd:        window.End,
		MessageIDs:       messageIDs,
		Trigger:          trigger,
		PreviousReportID: previousID,
	}
	if err := s.reports.SaveReport(ctx, rep); err != nil {
		return Result{}, fmt.Errorf("сохранение отчёта: %w", err)
	}
	logger.Info().Str("report", rep.ReportID).Str("stage", string(stagePersisted)).Msg("report: отчёт сохранён")

	if window.Timeframe != "" {
		s.cache.PutJSON(ctx, hybridcache.NamespaceReports, cacheKey(channelID, window.Timeframe), rep, s.cacheTTL)
	}
	s.warmGeocode(rep.City)
	go s.enrichEntities(rep)

	metrics.ReportBuildSeconds.WithLabelValues(window.Timeframe).Observe(time.Since(buildStart).Seconds())
	metrics.ReportsGeneratedTotal.WithLabelValues(window.Timeframe, string(trigger)).Inc()
	return Result{Report: rep, Messages: messages}, nil
}

// assembleContext находит предыдущий отчёт канала для связности повествования.
// Отсутствие предыдущего отчёта — штатная ситуация.
func (s *Service) assembleContext(ctx context.Context, channelID string, window domain.Window) (string, string) {
	prev, err := s.reports.LatestReportBefore(ctx, channelID, window.End)
	if err != nil {
		if !errors.Is(err, domain.ErrReportNotFound) {
			s.log.Warn().Err(err).Str("channel", channelID).Msg("report: предыдущий отчёт недоступен")
		}
		return "", ""
	}
	var b strings.Builder
	b.WriteString(prev.Headline)
	if prev.Body != "" {
		b.WriteString("\n")
		b.WriteString(prev.Body)
	}
	return b.String(), prev.ReportID
}

// enrichEntities асинхронно дописывает упоминания к уже сохранённому отчёту.
// Обогащение никогда не трогает заголовок, текст и набор сообщений.
func (s *Service) enrichEntities(rep domain.Report) {
	entities := extractEntities(rep.Headline + " " + rep.Body)
	if len(entities) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.reports.AttachEntities(ctx, rep.ReportID, entities); err != nil {
		s.log.Warn().Err(err).Str("report", rep.ReportID).Msg("report: не удалось дописать упоминания")
	}
}

// extractEntities выделяет кандидатов в упоминания: слова с заглавной буквы,
// без knowledge-графа и внешних вызовов.
func extractEntities(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, ".,!?:;«»\"'()—-")
		runes := []rune(word)
		if len(runes) < 4 || !unicode.IsUpper(runes[0]) {
			continue
		}
		key := strings.ToLower(word)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, word)
		if len(out) == 8 {
			break
		}
	}
	return out
}

func (s *Service) warmGeocode(city string) {
	if city == "" || s.geocoder == nil {
		return
	}
	s.cache.RefreshInBackground("geocode", strings.ToLower(city), s.geoTTL, func(ctx context.Context) ([]byte, error) {
		point, err := s.geocoder.Lookup(ctx, city)
		if err != nil {
			return nil, err
		}
		return json.Marshal(point)
	})
}

// Latest возвращает свежий отчёт канала за таймфрейм: сначала кэш, затем БД.
func (s *Service) Latest(ctx context.Context, channelID, timeframe string) (domain.Report, error) {
	scope := s.cache.Scope()
	var cached domain.Report
	if s.cache.GetJSON(ctx, scope, hybridcache.NamespaceReports, cacheKey(channelID, timeframe), &cached) {
		return cached, nil
	}
	reports, err := s.reports.ListReports(ctx, channelID, 1)
	if err != nil {
		return domain.Report{}, err
	}
	if len(reports) == 0 {
		return domain.Report{}, domain.ErrReportNotFound
	}
	return reports[0], nil
}

// Get возвращает отчёт канала по id.
func (s *Service) Get(ctx context.Context, channelID, reportID string) (domain.Report, error) {
	return s.reports.GetReport(ctx, channelID, reportID)
}

// List возвращает отчёты канала, новые первыми; при равном generated_at
// порядок стабилен по report_id. Порядок гарантируется здесь, а не только
// хранилищем.
func (s *Service) List(ctx context.Context, channelID string, limit int) ([]domain.Report, error) {
	reports, err := s.reports.ListReports(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	sortReports(reports)
	return reports, nil
}

// ListRange возвращает отчёты всех каналов за интервал [start, end),
// новые первыми.
func (s *Service) ListRange(ctx context.Context, start, end time.Time, limit int) ([]domain.Report, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("начало интервала %s не раньше конца %s", start, end)
	}
	reports, err := s.reports.ListReportsInRange(ctx, start, end, limit)
	if err != nil {
		return nil, err
	}
	sortReports(reports)
	return reports, nil
}

func sortReports(reports []domain.Report) {
	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].GeneratedAt.Equal(reports[j].GeneratedAt) {
			return reports[i].GeneratedAt.After(reports[j].GeneratedAt)
		}
		return reports[i].ReportID > reports[j].ReportID
	})
}

func cacheKey(channelID, timeframe string) string {
	return channelID + ":" + timeframe
}

// dedupeAndSort убирает дубликаты id (источник может отдавать повторы)
// и сортирует сообщения по возрастанию времени.
func dedupeAndSort(messages []domain.Message) []domain.Message {
	seen := make(map[string]struct{}, len(messages))
	out := make([]domain.Message, 0, len(messages))
	for _, msg := range messages {
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
