package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"newsline/internal/domain"
	"newsline/internal/infra/metrics"
	"newsline/internal/usecase/hybridcache"
	"newsline/internal/usecase/ingest"
)

// EphemeralMessages — чтение сообщений канала из эфемерного яруса.
// Миграция никогда не удаляет данные этого яруса; зачистка — отдельная
// операция после успешной сверки.
type EphemeralMessages interface {
	ListRaw(ctx context.Context, channelID string) ([][]byte, error)
	CountChannel(ctx context.Context, channelID string) (int, error)
}

// BatchConfig задаёт параметры пакетной записи в долговременный ярус.
type BatchConfig struct {
	Size             int
	Concurrency      int
	InterBatchDelay  time.Duration
	ValidationSample int
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.Size <= 0 {
		c.Size = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.InterBatchDelay < 0 {
		c.InterBatchDelay = 0
	}
	if c.ValidationSample <= 0 {
		c.ValidationSample = 20
	}
	return c
}

// Service переносит историю канала из эфемерного яруса в долговременный.
type Service struct {
	ephemeral  EphemeralMessages
	durable    domain.MessageRepo
	channels   domain.ChannelRepo
	migrations domain.MigrationRepo
	cache      *hybridcache.Manager
	defaults   BatchConfig
	log        zerolog.Logger
}

// NewService создаёт движок миграции.
func NewService(ephemeral EphemeralMessages, durable domain.MessageRepo, channels domain.ChannelRepo, migrations domain.MigrationRepo, cache *hybridcache.Manager, defaults BatchConfig, log zerolog.Logger) *Service {
	return &Service{
		ephemeral:  ephemeral,
		durable:    durable,
		channels:   channels,
		migrations: migrations,
		cache:      cache,
		defaults:   defaults.withDefaults(),
		log:        log,
	}
}

// DryRun оценивает объём миграции, ничего не записывая.
// Повторный вызов без промежуточных записей даёт тот же результат.
func (s *Service) DryRun(ctx context.Context, channelID string) (domain.DryRunResult, error) {
	if _, err := s.channels.GetChannel(ctx, channelID); err != nil {
		return domain.DryRunResult{}, err
	}
	raws, err := s.ephemeral.ListRaw(ctx, channelID)
	if err != nil {
		return domain.DryRunResult{}, fmt.Errorf("чтение эфемерного яруса: %w", err)
	}
	var bytes int64
	for _, raw := range raws {
		bytes += int64(len(raw))
	}
	accepted, _ := ingest.Partition(raws, channelID)
	return domain.DryRunResult{
		ChannelID:      channelID,
		MessageCount:   len(raws),
		EstimatedBytes: bytes,
		EstimatedRows:  len(accepted),
	}, nil
}

// MigrateChannel переносит сообщения канала пакетами с ограниченной
// конкурентностью. Сбой одного сообщения не прерывает пакет: ошибки
// накапливаются в MigrationResult, при failed > 0 канал помечается
// частично мигрированным. Эфемерные данные не удаляются.
func (s *Service) MigrateChannel(ctx context.Context, channelID string, cfg BatchConfig) (domain.MigrationResult, error) {
	if _, err := s.channels.GetChannel(ctx, channelID); err != nil {
		return domain.MigrationResult{}, err
	}
	cfg = mergeConfig(s.defaults, cfg)
	startedAt := time.Now().UTC()

	raws, err := s.ephemeral.ListRaw(ctx, channelID)
	if err != nil {
		return domain.MigrationResult{}, fmt.Errorf("чтение эфемерного яруса: %w", err)
	}

	result := domain.MigrationResult{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		StartedAt: startedAt,
	}

	batches := splitBatches(raws, cfg.Size)
	for i, batch := range batches {
		succeeded, failed, errs := s.migrateBatch(ctx, channelID, batch, cfg.Concurrency)
		result.MessagesProcessed += len(batch)
		result.MessagesSuccessful += succeeded
		result.MessagesFailed += failed
		result.Errors = append(result.Errors, errs...)
		// Пауза между пакетами бережёт лимиты записи долговременного яруса.
		if i < len(batches)-1 && cfg.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return domain.MigrationResult{}, ctx.Err()
			case <-time.After(cfg.InterBatchDelay):
			}
		}
	}

	result.Duration = time.Since(startedAt)
	result.Success = result.MessagesFailed == 0

	metrics.MigrationMessagesTotal.WithLabelValues("succeeded").Add(float64(result.MessagesSuccessful))
	metrics.MigrationMessagesTotal.WithLabelValues("failed").Add(float64(result.MessagesFailed))

	if err := s.migrations.SaveMigrationResult(ctx, result); err != nil {
		return domain.MigrationResult{}, fmt.Errorf("сохранение результата миграции: %w", err)
	}

	// Маршрутизация переключается только если хоть что-то перенесено.
	if result.MessagesSuccessful > 0 || result.MessagesProcessed == 0 {
		if err := s.channels.SetMigrated(ctx, channelID, result.MessagesFailed > 0); err != nil {
			return domain.MigrationResult{}, fmt.Errorf("переключение маршрутизации: %w", err)
		}
		s.cache.InvalidateRouting(ctx, channelID)
	}

	s.log.Info().Str("channel", channelID).
		Int("processed", result.MessagesProcessed).
		Int("succeeded", result.MessagesSuccessful).
		Int("failed", result.MessagesFailed).
		Bool("success", result.Success).
		Msg("migrate: миграция завершена")
	return result, nil
}

func (s *Service) migrateBatch(ctx context.Context, channelID string, batch [][]byte, concurrency int) (int, int, []domain.MigrationError) {
	var mu sync.Mutex
	var succeeded, failed int
	var errs []domain.MigrationError

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, payload := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(payload []byte) {
			defer wg.Done()
			defer func() { <-sem }()

			msg, err := ingest.ParseMessage(payload, channelID)
			msgID := msg.ID
			if err == nil {
				err = s.durable.SaveMessage(ctx, msg)
				if err != nil {
					err = fmt.Errorf("запись в долговременный ярус: %w", err)
				}
			} else {
				msgID = ingest.ExtractID(payload)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				errs = append(errs, domain.MigrationError{MessageID: msgID, Reason: err.Error()})
				return
			}
			succeeded++
		}(payload)
	}
	wg.Wait()
	return succeeded, failed, errs
}

// ValidateMigration сверяет ярусы: количество сообщений и выборку хэшей
// существенной проекции. Возвращает вердикт и список расхождений.
func (s *Service) ValidateMigration(ctx context.Context, channelID string) (domain.ValidationResult, error) {
	raws, err := s.ephemeral.ListRaw(ctx, channelID)
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("чтение эфемерного яруса: %w", err)
	}
	accepted, rejected := ingest.Partition(raws, channelID)

	durableCount, err := s.durable.CountMessages(ctx, channelID)
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("подсчёт долговременного яруса: %w", err)
	}

	result := domain.ValidationResult{
		ChannelID:      channelID,
		EphemeralCount: len(accepted),
		DurableCount:   durableCount,
	}
	if len(rejected) > 0 {
		result.Discrepancies = append(result.Discrepancies, domain.ValidationDiscrepancy{
			Detail: fmt.Sprintf("эфемерный ярус содержит %d нечитаемых записей", len(rejected)),
		})
	}
	if durableCount != len(accepted) {
		result.Discrepancies = append(result.Discrepancies, domain.ValidationDiscrepancy{
			Detail: fmt.Sprintf("количество не совпадает: эфемерный %d, долговременный %d", len(accepted), durableCount),
		})
	}

	sample := sampleMessages(accepted, s.defaults.ValidationSample)
	for _, msg := range sample {
		stored, err := s.durable.GetMessage(ctx, channelID, msg.ID)
		if err != nil {
			result.Discrepancies = append(result.Discrepancies, domain.ValidationDiscrepancy{
				MessageID: msg.ID,
				Detail:    "сообщение отсутствует в долговременном ярусе",
			})
			continue
		}
		if contentHash(msg.Essential()) != contentHash(stored.Essential()) {
			result.Discrepancies = append(result.Discrepancies, domain.ValidationDiscrepancy{
				MessageID: msg.ID,
				Detail:    "хэш содержимого не совпадает",
			})
		}
	}

	result.Passed = len(result.Discrepancies) == 0
	return result, nil
}

// Rollback возвращает маршрутизацию канала на эфемерный ярус.
// Долговременные строки не удаляются: откат — дешёвая обратимая
// смена маршрута, а не удаление данных.
func (s *Service) Rollback(ctx context.Context, channelID string) error {
	if err := s.channels.ClearMigrated(ctx, channelID); err != nil {
		return err
	}
	s.cache.InvalidateRouting(ctx, channelID)
	s.log.Info().Str("channel", channelID).Msg("migrate: маршрутизация возвращена на эфемерный ярус")
	return nil
}

// History возвращает результаты прошлых миграций канала, новые первыми.
func (s *Service) History(ctx context.Context, channelID string) ([]domain.MigrationResult, error) {
	if _, err := s.channels.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}
	return s.migrations.ListMigrationResults(ctx, channelID)
}

func mergeConfig(base, override BatchConfig) BatchConfig {
	if override.Size > 0 {
		base.Size = override.Size
	}
	if override.Concurrency > 0 {
		base.Concurrency = override.Concurrency
	}
	if override.InterBatchDelay > 0 {
		base.InterBatchDelay = override.InterBatchDelay
	}
	if override.ValidationSample > 0 {
		base.ValidationSample = override.ValidationSample
	}
	return base
}

func splitBatches(raws [][]byte, size int) [][][]byte {
	if len(raws) == 0 {
		return nil
	}
	var out [][][]byte
	for start := 0; start < len(raws); start += size {
		end := start + size
		if end > len(raws) {
			end = len(raws)
		}
		out = append(out, raws[start:end])
	}
	return out
}

func sampleMessages(messages []domain.Message, limit int) []domain.Message {
	if len(messages) <= limit {
		return messages
	}
	step := len(messages) / limit
	out := make([]domain.Message, 0, limit)
	for i := 0; i < len(messages) && len(out) < limit; i += step {
		out = append(out, messages[i])
	}
	return out
}

func contentHash(msg domain.Message) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s", msg.ID, msg.Timestamp.UnixMilli(), msg.Author, msg.Text)
	return hex.EncodeToString(h.Sum(nil))
}
