package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"newsline/internal/domain"
)

type stubSource struct {
	byChannel map[string][]domain.Message
	meta      map[string]domain.Channel
	metaErr   map[string]error
	err       error
}

func (s *stubSource) ListMessages(_ context.Context, channel domain.Channel, _ time.Time) ([]domain.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byChannel[channel.ID], nil
}

func (s *stubSource) GetChannelMetadata(_ context.Context, channelID string) (domain.Channel, error) {
	if err := s.metaErr[channelID]; err != nil {
		return domain.Channel{}, err
	}
	if meta, ok := s.meta[channelID]; ok {
		return meta, nil
	}
	return domain.Channel{ID: channelID}, nil
}

type stubWriter struct {
	saved   []domain.Message
	failIDs map[string]bool
}

func (s *stubWriter) SaveMessage(_ context.Context, msg domain.Message) error {
	if s.failIDs[msg.ID] {
		return errors.New("ярус недоступен")
	}
	s.saved = append(s.saved, msg)
	return nil
}

type stubChannelRepo struct {
	channels []domain.Channel
	upserted []domain.Channel
	err      error
}

func (s *stubChannelRepo) UpsertChannel(_ context.Context, ch domain.Channel) (domain.Channel, error) {
	s.upserted = append(s.upserted, ch)
	return ch, nil
}

func (s *stubChannelRepo) GetChannel(_ context.Context, id string) (domain.Channel, error) {
	return domain.Channel{ID: id}, nil
}

func (s *stubChannelRepo) ListActiveChannels(context.Context) ([]domain.Channel, error) {
	return s.channels, s.err
}

func (s *stubChannelRepo) SetMigrated(context.Context, string, bool) error { return nil }
func (s *stubChannelRepo) ClearMigrated(context.Context, string) error     { return nil }

func validMessage(id string) domain.Message {
	return domain.Message{ID: id, Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Text: "событие " + id}
}

func TestCollectChannelAcceptsAndRejects(t *testing.T) {
	source := &stubSource{byChannel: map[string][]domain.Message{
		"ch1": {
			validMessage("m1"),
			{ID: "m2", Timestamp: time.Now()}, // пустой текст
			validMessage("m1"),                // дубликат
			validMessage("m3"),
		},
	}}
	writer := &stubWriter{}
	service := NewService(source, writer, &stubChannelRepo{}, zerolog.Nop())

	result, err := service.CollectChannel(context.Background(), domain.Channel{ID: "ch1"}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Accepted != 2 {
		t.Fatalf("ожидали 2 принятых, получили %d", result.Accepted)
	}
	if len(result.Rejected) != 1 || result.Rejected[0].MessageID != "m2" {
		t.Fatalf("m2 должен отклоняться: %+v", result.Rejected)
	}
	if len(writer.saved) != 2 {
		t.Fatalf("в ярус должны попасть 2 сообщения, попало %d", len(writer.saved))
	}
	for _, msg := range writer.saved {
		if msg.ChannelID != "ch1" {
			t.Fatalf("канал должен проставляться при сохранении")
		}
	}
}

func TestCollectChannelToleratesStoreErrors(t *testing.T) {
	source := &stubSource{byChannel: map[string][]domain.Message{
		"ch1": {validMessage("m1"), validMessage("m2")},
	}}
	writer := &stubWriter{failIDs: map[string]bool{"m1": true}}
	service := NewService(source, writer, &stubChannelRepo{}, zerolog.Nop())

	result, err := service.CollectChannel(context.Background(), domain.Channel{ID: "ch1"}, time.Now())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Accepted != 1 || result.Errors != 1 {
		t.Fatalf("ожидали 1 принятое и 1 ошибку, получили %d/%d", result.Accepted, result.Errors)
	}
}

func TestCollectAllSurvivesChannelFailure(t *testing.T) {
	source := &stubSource{byChannel: map[string][]domain.Message{
		"ok": {validMessage("m1")},
	}}
	channels := &stubChannelRepo{channels: []domain.Channel{{ID: "ok"}, {ID: "broken"}}}
	// Второй канал падает на источнике.
	brokenSource := &switchSource{inner: source, failFor: "broken"}
	service := NewService(brokenSource, &stubWriter{}, channels, zerolog.Nop())

	result, err := service.CollectAll(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("сбой одного канала не должен прерывать проход: %v", err)
	}
	if result.Accepted != 1 {
		t.Fatalf("ожидали 1 принятое, получили %d", result.Accepted)
	}
	if result.Errors != 1 {
		t.Fatalf("сбой канала должен учитываться, ошибок %d", result.Errors)
	}
}

type switchSource struct {
	inner   *stubSource
	failFor string
}

func (s *switchSource) ListMessages(ctx context.Context, channel domain.Channel, since time.Time) ([]domain.Message, error) {
	if channel.ID == s.failFor {
		return nil, errors.New("источник недоступен")
	}
	return s.inner.ListMessages(ctx, channel, since)
}

func (s *switchSource) GetChannelMetadata(ctx context.Context, channelID string) (domain.Channel, error) {
	return s.inner.GetChannelMetadata(ctx, channelID)
}

func TestValidateMessage(t *testing.T) {
	if err := ValidateMessage(validMessage("m1")); err != nil {
		t.Fatalf("валидное сообщение не должно отклоняться: %v", err)
	}
	broken := []domain.Message{
		{Timestamp: time.Now(), Text: "без id"},
		{ID: "m1", Text: "без времени"},
		{ID: "m1", Timestamp: time.Now(), Text: "  "},
	}
	for _, msg := range broken {
		if err := ValidateMessage(msg); err == nil {
			t.Fatalf("сообщение %+v должно отклоняться", msg)
		}
	}
}

func TestRefreshChannelsUpsertsSeedAndKnown(t *testing.T) {
	source := &stubSource{meta: map[string]domain.Channel{
		"ch1": {ID: "ch1", Name: "news_ch1", Active: true},
		"ch2": {ID: "ch2", Name: "news_ch2", Active: false},
	}}
	repo := &stubChannelRepo{channels: []domain.Channel{{ID: "ch1", Name: "устаревшее"}}}
	service := NewService(source, &stubWriter{}, repo, zerolog.Nop())

	refreshed, err := service.RefreshChannels(context.Background(), []string{"ch2", " ", "ch2"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if refreshed != 2 {
		t.Fatalf("ожидали 2 обновления, получили %d", refreshed)
	}
	byID := map[string]domain.Channel{}
	for _, ch := range repo.upserted {
		byID[ch.ID] = ch
	}
	if len(byID) != 2 {
		t.Fatalf("в хранилище должны попасть ch1 и ch2: %+v", repo.upserted)
	}
	if byID["ch1"].Name != "news_ch1" || !byID["ch1"].Active {
		t.Fatalf("метаданные ch1 не обновились: %+v", byID["ch1"])
	}
	if byID["ch2"].Active {
		t.Fatalf("ch2 должен стать неактивным: %+v", byID["ch2"])
	}
}

func TestRefreshChannelsToleratesSourceFailure(t *testing.T) {
	source := &stubSource{
		meta:    map[string]domain.Channel{"ch2": {ID: "ch2", Name: "news_ch2", Active: true}},
		metaErr: map[string]error{"ch1": errors.New("flood wait")},
	}
	repo := &stubChannelRepo{}
	service := NewService(source, &stubWriter{}, repo, zerolog.Nop())

	refreshed, err := service.RefreshChannels(context.Background(), []string{"ch1", "ch2"})
	if err != nil {
		t.Fatalf("сбой одного канала не должен ронять обновление: %v", err)
	}
	if refreshed != 1 || len(repo.upserted) != 1 || repo.upserted[0].ID != "ch2" {
		t.Fatalf("должен обновиться только ch2: refreshed=%d, upserted=%+v", refreshed, repo.upserted)
	}
}
