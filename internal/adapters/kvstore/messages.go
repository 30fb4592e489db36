package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"newsline/internal/domain"
)

// NamespaceMessages — пространство ключей сообщений эфемерного яруса.
const NamespaceMessages = "messages"

// MessageStore хранит сообщения каналов в эфемерном ярусе.
// Ключ "{channelID}:{unixMilli}_{msgID}" даёт хронологический порядок при List.
type MessageStore struct {
	kv  domain.KV
	ttl time.Duration
}

// NewMessageStore создаёт хранилище сообщений с TTL хранения.
func NewMessageStore(kv domain.KV, ttl time.Duration) *MessageStore {
	return &MessageStore{kv: kv, ttl: ttl}
}

// MessageKey собирает ключ сообщения.
func MessageKey(msg domain.Message) string {
	return fmt.Sprintf("%s:%013d_%s", msg.ChannelID, msg.Timestamp.UnixMilli(), msg.ID)
}

// SaveMessage кладёт сообщение в эфемерный ярус.
func (s *MessageStore) SaveMessage(ctx context.Context, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.kv.Set(ctx, NamespaceMessages, MessageKey(msg), payload, s.ttl)
}

// ListWindow возвращает сообщения канала с timestamp в [start, end),
// дедуплицированные по id.
func (s *MessageStore) ListWindow(ctx context.Context, channelID string, start, end time.Time) ([]domain.Message, error) {
	raw, err := s.ListRaw(ctx, channelID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(raw))
	var out []domain.Message
	for _, payload := range raw {
		var msg domain.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Timestamp.Before(start) || !msg.Timestamp.Before(end) {
			continue
		}
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	return out, nil
}

// ListRaw возвращает сырые записи сообщений канала в порядке ключей.
func (s *MessageStore) ListRaw(ctx context.Context, channelID string) ([][]byte, error) {
	return s.kv.List(ctx, NamespaceMessages, channelID+":")
}

// CountChannel возвращает число сообщений канала в эфемерном ярусе.
func (s *MessageStore) CountChannel(ctx context.Context, channelID string) (int, error) {
	return s.kv.Count(ctx, NamespaceMessages, channelID+":")
}
