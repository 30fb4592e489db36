package mtproto

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"newsline/internal/domain"
	"newsline/internal/infra/metrics"
)

const historyPageSize = 100

// Source реализует domain.MessageSource через gotd.
type Source struct {
	client *telegram.Client
	log    zerolog.Logger
}

var _ domain.MessageSource = (*Source)(nil)

// NewSource создаёт MTProto клиент на базе токенов приложения.
func NewSource(apiID int, apiHash string, session telegram.SessionStorage, log zerolog.Logger) *Source {
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: session})
	return &Source{client: client, log: log}
}

// ListMessages выгружает историю канала начиная с момента since.
// Источник может отдавать дубликаты; здесь они не фильтруются.
func (s *Source) ListMessages(ctx context.Context, channel domain.Channel, since time.Time) ([]domain.Message, error) {
	var out []domain.Message
	err := s.client.Run(ctx, func(ctx context.Context) error {
		api := s.client.API()
		peer, err := resolvePeer(ctx, api, channel.Name)
		if err != nil {
			return err
		}
		offsetID := 0
		for {
			start := time.Now()
			raw, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
				Peer:     peer,
				OffsetID: offsetID,
				Limit:    historyPageSize,
			})
			metrics.ObserveNetworkRequest("mtproto", "get_history", channel.Name, start, err)
			if err != nil {
				return fmt.Errorf("история %s: %w", channel.Name, err)
			}
			page, ok := raw.(*tg.MessagesChannelMessages)
			if !ok {
				return fmt.Errorf("история %s: неожиданный ответ %T", channel.Name, raw)
			}
			if len(page.Messages) == 0 {
				return nil
			}
			batch, next, done := collectPage(page.Messages, channel, since)
			out = append(out, batch...)
			if done || next == offsetID {
				return nil
			}
			offsetID = next
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// collectPage разбирает страницу истории: возвращает принятые сообщения,
// id последнего просмотренного элемента и признак достижения границы since.
// Курсор двигается по каждому элементу страницы, включая служебные записи и
// посты без текста: страница из одних таких элементов тоже должна листаться.
func collectPage(items []tg.MessageClass, channel domain.Channel, since time.Time) ([]domain.Message, int, bool) {
	var out []domain.Message
	last := 0
	for _, item := range items {
		last = item.GetID()
		msg, ok := item.(*tg.Message)
		if !ok {
			continue
		}
		ts := time.Unix(int64(msg.Date), 0).UTC()
		if ts.Before(since) {
			return out, last, true
		}
		if msg.Message == "" {
			continue
		}
		out = append(out, domain.Message{
			ID:        strconv.Itoa(msg.ID),
			ChannelID: channel.ID,
			Timestamp: ts,
			Author:    postAuthor(msg),
			Text:      msg.Message,
		})
	}
	return out, last, false
}

// GetChannelMetadata возвращает метаданные канала из источника.
func (s *Source) GetChannelMetadata(ctx context.Context, channelID string) (domain.Channel, error) {
	out := domain.Channel{ID: channelID}
	err := s.client.Run(ctx, func(ctx context.Context) error {
		api := s.client.API()
		start := time.Now()
		resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: channelID})
		metrics.ObserveNetworkRequest("mtproto", "resolve_username", channelID, start, err)
		if err != nil {
			return fmt.Errorf("резолв %s: %w", channelID, err)
		}
		for _, chat := range resolved.Chats {
			if ch, ok := chat.(*tg.Channel); ok {
				out.Name = ch.Username
				out.Active = !ch.Left
				return nil
			}
		}
		return domain.ErrChannelNotFound
	})
	if err != nil {
		return domain.Channel{}, err
	}
	return out, nil
}

func resolvePeer(ctx context.Context, api *tg.Client, username string) (tg.InputPeerClass, error) {
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return nil, fmt.Errorf("резолв %s: %w", username, err)
	}
	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
		}
	}
	return nil, domain.ErrChannelNotFound
}

func postAuthor(msg *tg.Message) string {
	if msg.PostAuthor != "" {
		return msg.PostAuthor
	}
	return ""
}

// SessionInMemory хранит сессию в памяти.
type SessionInMemory struct {
	data []byte
}

// LoadSession загружает сессию.
func (s *SessionInMemory) LoadSession(_ context.Context) ([]byte, error) {
	return s.data, nil
}

// StoreSession сохраняет сессию.
func (s *SessionInMemory) StoreSession(_ context.Context, data []byte) error {
	s.data = data
	return nil
}

var _ telegram.SessionStorage = (*SessionInMemory)(nil)
