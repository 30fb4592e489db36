package ingest

import (
	"testing"
	"time"
)

func TestParseMessageCanonicalFields(t *testing.T) {
	payload := []byte(`{"id":"m1","channel_id":"ch1","timestamp":"2026-03-01T12:00:00Z","author":"репортёр","text":"авария на мосту"}`)
	msg, err := ParseMessage(payload, "fallback")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if msg.ID != "m1" || msg.ChannelID != "ch1" || msg.Author != "репортёр" {
		t.Fatalf("поля разобраны неверно: %+v", msg)
	}
	if !msg.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp разобран неверно: %v", msg.Timestamp)
	}
}

func TestParseMessageSynonymFields(t *testing.T) {
	payload := []byte(`{"message_id":"m2","timestamp":1767268800,"sender":"очевидец","body":"пожар в центре"}`)
	msg, err := ParseMessage(payload, "ch1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if msg.ID != "m2" {
		t.Fatalf("message_id должен приниматься как id")
	}
	if msg.Author != "очевидец" {
		t.Fatalf("sender должен приниматься как author")
	}
	if msg.Text != "пожар в центре" {
		t.Fatalf("body должен приниматься как text")
	}
	if msg.ChannelID != "ch1" {
		t.Fatalf("канал должен браться из параметра при отсутствии в payload")
	}
}

func TestParseTimestampVariants(t *testing.T) {
	cases := []struct {
		payload string
		want    time.Time
	}{
		{`{"id":"a","text":"т","timestamp":"2026-03-01T12:00:00Z"}`, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{`{"id":"b","text":"т","timestamp":1767268800}`, time.Unix(1767268800, 0).UTC()},
		{`{"id":"c","text":"т","timestamp":1767268800000}`, time.UnixMilli(1767268800000).UTC()},
	}
	for _, tc := range cases {
		msg, err := ParseMessage([]byte(tc.payload), "ch1")
		if err != nil {
			t.Fatalf("%s: не ожидали ошибку: %v", tc.payload, err)
		}
		if !msg.Timestamp.Equal(tc.want) {
			t.Fatalf("%s: ожидали %v, получили %v", tc.payload, tc.want, msg.Timestamp)
		}
	}
}

func TestParseMessageRejects(t *testing.T) {
	cases := []string{
		`{мусор`,
		`{"timestamp":"2026-03-01T12:00:00Z","text":"без id"}`,
		`{"id":"m1","text":"без времени"}`,
		`{"id":"m1","timestamp":"вчера","text":"т"}`,
		`{"id":"m1","timestamp":"2026-03-01T12:00:00Z","text":"   "}`,
	}
	for _, payload := range cases {
		if _, err := ParseMessage([]byte(payload), "ch1"); err == nil {
			t.Fatalf("payload %s должен отклоняться", payload)
		}
	}
}

func TestPartitionSeparatesAndDeduplicates(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"id":"m1","timestamp":"2026-03-01T12:00:00Z","text":"первое"}`),
		[]byte(`{"id":"m1","timestamp":"2026-03-01T12:01:00Z","text":"дубликат"}`),
		[]byte(`{"id":"m2","timestamp":"сломано","text":"т"}`),
		[]byte(`{"id":"m3","timestamp":"2026-03-01T12:02:00Z","text":"третье"}`),
	}
	accepted, rejected := Partition(payloads, "ch1")
	if len(accepted) != 2 {
		t.Fatalf("ожидали 2 принятых, получили %d", len(accepted))
	}
	if len(rejected) != 1 {
		t.Fatalf("ожидали 1 отклонённый, получили %d", len(rejected))
	}
	if rejected[0].MessageID != "m2" {
		t.Fatalf("отклонение должно указывать на m2, получили %+v", rejected[0])
	}
}

func TestExtractID(t *testing.T) {
	if id := ExtractID([]byte(`{"id":"m1"}`)); id != "m1" {
		t.Fatalf("ожидали m1, получили %q", id)
	}
	if id := ExtractID([]byte(`{"message_id":"m2"}`)); id != "m2" {
		t.Fatalf("ожидали m2, получили %q", id)
	}
	if id := ExtractID([]byte(`{мусор`)); id != "" {
		t.Fatalf("нечитаемый payload должен давать пустой id")
	}
}
