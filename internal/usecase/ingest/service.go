package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"newsline/internal/domain"
	"newsline/internal/infra/metrics"
)

// EphemeralWriter кладёт принятые сообщения в эфемерный ярус.
type EphemeralWriter interface {
	SaveMessage(ctx context.Context, msg domain.Message) error
}

// Service принимает сообщения из внешнего источника в эфемерный ярус.
type Service struct {
	source   domain.MessageSource
	store    EphemeralWriter
	channels domain.ChannelRepo
	log      zerolog.Logger
}

// NewService создаёт сервис приёма.
func NewService(source domain.MessageSource, store EphemeralWriter, channels domain.ChannelRepo, log zerolog.Logger) *Service {
	return &Service{source: source, store: store, channels: channels, log: log}
}

// CollectResult содержит итог одного прохода приёма.
type CollectResult struct {
	ChannelsProcessed int
	Accepted          int
	Rejected          []Rejection
	Errors            int
}

// ValidateMessage проверяет обязательные поля уже типизированного сообщения.
// Правила те же, что у ParseMessage для сырых payload.
func ValidateMessage(msg domain.Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return fmt.Errorf("отсутствует id сообщения")
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("сообщение %s: отсутствует timestamp", msg.ID)
	}
	if strings.TrimSpace(msg.Text) == "" {
		return fmt.Errorf("сообщение %s: пустой текст", msg.ID)
	}
	return nil
}

// CollectChannel принимает сообщения одного канала начиная с since.
// Дубликаты отбрасываются по id, некорректные сообщения попадают в Rejected.
func (s *Service) CollectChannel(ctx context.Context, channel domain.Channel, since time.Time) (CollectResult, error) {
	messages, err := s.source.ListMessages(ctx, channel, since)
	if err != nil {
		metrics.CollectorErrors.Inc()
		return CollectResult{}, fmt.Errorf("источник %s: %w", channel.ID, err)
	}

	result := CollectResult{ChannelsProcessed: 1}
	seen := make(map[string]struct{}, len(messages))
	for _, msg := range messages {
		if err := ValidateMessage(msg); err != nil {
			result.Rejected = append(result.Rejected, Rejection{MessageID: msg.ID, Reason: err.Error()})
			continue
		}
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		seen[msg.ID] = struct{}{}
		if msg.ChannelID == "" {
			msg.ChannelID = channel.ID
		}
		if err := s.store.SaveMessage(ctx, msg); err != nil {
			s.log.Warn().Err(err).Str("channel", channel.ID).Str("message", msg.ID).Msg("ingest: не удалось сохранить сообщение")
			result.Errors++
			continue
		}
		result.Accepted++
	}
	return result, nil
}

// RefreshChannels обновляет метаданные каналов из источника: имя и признак
// доступности. Помимо уже известных активных каналов обрабатываются seed —
// так новый канал попадает в систему без ручной правки хранилища.
// Флаги маршрутизации каналов при обновлении не затрагиваются.
func (s *Service) RefreshChannels(ctx context.Context, seed []string) (int, error) {
	known, err := s.channels.ListActiveChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("список каналов: %w", err)
	}
	seen := make(map[string]struct{}, len(known)+len(seed))
	ids := make([]string, 0, len(known)+len(seed))
	for _, id := range seed {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, ch := range known {
		if _, ok := seen[ch.ID]; ok {
			continue
		}
		seen[ch.ID] = struct{}{}
		ids = append(ids, ch.ID)
	}

	refreshed := 0
	for _, id := range ids {
		meta, err := s.source.GetChannelMetadata(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("channel", id).Msg("ingest: не удалось получить метаданные канала")
			continue
		}
		if _, err := s.channels.UpsertChannel(ctx, meta); err != nil {
			s.log.Warn().Err(err).Str("channel", id).Msg("ingest: не удалось сохранить канал")
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// CollectAll принимает сообщения всех активных каналов.
// Сбой одного канала не прерывает остальные.
func (s *Service) CollectAll(ctx context.Context, since time.Time) (CollectResult, error) {
	channels, err := s.channels.ListActiveChannels(ctx)
	if err != nil {
		return CollectResult{}, fmt.Errorf("список каналов: %w", err)
	}
	var total CollectResult
	for _, ch := range channels {
		res, err := s.CollectChannel(ctx, ch, since)
		if err != nil {
			s.log.Error().Err(err).Str("channel", ch.ID).Msg("ingest: сбор канала не удался")
			total.Errors++
			continue
		}
		total.ChannelsProcessed += res.ChannelsProcessed
		total.Accepted += res.Accepted
		total.Rejected = append(total.Rejected, res.Rejected...)
		total.Errors += res.Errors
	}
	return total, nil
}
