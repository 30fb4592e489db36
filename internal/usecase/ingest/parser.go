package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"newsline/internal/domain"
)

// Rejection описывает отклонённый входной элемент и причину.
type Rejection struct {
	MessageID string `json:"message_id,omitempty"`
	Reason    string `json:"reason"`
}

// rawMessage принимает слабо структурированный внешний payload.
// Поля-синонимы источников сводятся к одной схеме.
type rawMessage struct {
	ID          string              `json:"id"`
	MessageID   string              `json:"message_id"`
	ChannelID   string              `json:"channel_id"`
	Timestamp   json.RawMessage     `json:"timestamp"`
	Author      string              `json:"author"`
	Sender      string              `json:"sender"`
	Text        string              `json:"text"`
	Body        string              `json:"body"`
	Attachments []domain.Attachment `json:"attachments"`
}

// ParseMessage проверяет обязательные поля сырого payload и возвращает либо
// типизированное сообщение, либо причину отклонения.
func ParseMessage(payload []byte, channelID string) (domain.Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.Message{}, fmt.Errorf("некорректный JSON: %w", err)
	}

	id := raw.ID
	if id == "" {
		id = raw.MessageID
	}
	if strings.TrimSpace(id) == "" {
		return domain.Message{}, fmt.Errorf("отсутствует id сообщения")
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return domain.Message{}, fmt.Errorf("сообщение %s: %w", id, err)
	}

	text := raw.Text
	if text == "" {
		text = raw.Body
	}
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, fmt.Errorf("сообщение %s: пустой текст", id)
	}

	author := raw.Author
	if author == "" {
		author = raw.Sender
	}

	ch := raw.ChannelID
	if ch == "" {
		ch = channelID
	}

	return domain.Message{
		ID:          id,
		ChannelID:   ch,
		Timestamp:   ts,
		Author:      author,
		Text:        text,
		Attachments: raw.Attachments,
	}, nil
}

// parseTimestamp принимает RFC3339-строку либо unix-время (секунды или миллисекунды).
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("отсутствует timestamp")
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		ts, err := time.Parse(time.RFC3339, asString)
		if err != nil {
			return time.Time{}, fmt.Errorf("нечитаемый timestamp %q", asString)
		}
		return ts.UTC(), nil
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil && asNumber > 0 {
		// Значения от 1e12 трактуются как миллисекунды.
		if asNumber >= 1_000_000_000_000 {
			return time.UnixMilli(asNumber).UTC(), nil
		}
		return time.Unix(asNumber, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("нечитаемый timestamp")
}

// Partition разбирает набор сырых записей на принятые сообщения и отклонения,
// дедуплицируя принятые по id.
func Partition(payloads [][]byte, channelID string) ([]domain.Message, []Rejection) {
	accepted := make([]domain.Message, 0, len(payloads))
	var rejected []Rejection
	seen := make(map[string]struct{}, len(payloads))
	for _, payload := range payloads {
		msg, err := ParseMessage(payload, channelID)
		if err != nil {
			rejected = append(rejected, Rejection{MessageID: ExtractID(payload), Reason: err.Error()})
			continue
		}
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		seen[msg.ID] = struct{}{}
		accepted = append(accepted, msg)
	}
	return accepted, rejected
}

// ExtractID достаёт id из сырого payload, не проверяя остальные поля.
func ExtractID(payload []byte) string {
	var head struct {
		ID        string `json:"id"`
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	if head.ID != "" {
		return head.ID
	}
	return head.MessageID
}
