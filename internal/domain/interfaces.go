package domain

import (
	"context"
	"time"
)

// KV описывает эфемерный ярус: key-value хранилище с TTL на запись.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, namespace, key string) error
	// List возвращает значения по префиксу ключа, отсортированные по ключу.
	List(ctx context.Context, namespace, prefix string) ([][]byte, error)
	Count(ctx context.Context, namespace, prefix string) (int, error)
}

// MessageRepo управляет сообщениями в долговременном ярусе.
type MessageRepo interface {
	SaveMessage(ctx context.Context, msg Message) error
	ListMessagesInWindow(ctx context.Context, channelID string, start, end time.Time) ([]Message, error)
	CountMessages(ctx context.Context, channelID string) (int, error)
	GetMessage(ctx context.Context, channelID, messageID string) (Message, error)
}

// ReportRepo сохраняет и возвращает отчёты. Долговременный ярус — источник истины.
type ReportRepo interface {
	SaveReport(ctx context.Context, report Report) error
	GetReport(ctx context.Context, channelID, reportID string) (Report, error)
	// ListReports возвращает отчёты канала по убыванию generated_at;
	// при равенстве времени порядок стабилен по report_id.
	ListReports(ctx context.Context, channelID string, limit int) ([]Report, error)
	// ListReportsInRange возвращает отчёты всех каналов с generated_at
	// в интервале [start, end), в том же порядке.
	ListReportsInRange(ctx context.Context, start, end time.Time, limit int) ([]Report, error)
	// LatestReportBefore возвращает последний отчёт канала, созданный до момента t.
	LatestReportBefore(ctx context.Context, channelID string, t time.Time) (Report, error)
	AttachEntities(ctx context.Context, reportID string, entities []string) error
	// PruneReportsBefore удаляет отчёты старше горизонта хранения.
	PruneReportsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ChannelRepo управляет каналами и их маршрутизацией между ярусами.
type ChannelRepo interface {
	UpsertChannel(ctx context.Context, ch Channel) (Channel, error)
	GetChannel(ctx context.Context, channelID string) (Channel, error)
	ListActiveChannels(ctx context.Context) ([]Channel, error)
	// SetMigrated переключает маршрутизацию канала на долговременный ярус.
	SetMigrated(ctx context.Context, channelID string, partially bool) error
	// ClearMigrated возвращает маршрутизацию на эфемерный ярус (откат).
	ClearMigrated(ctx context.Context, channelID string) error
}

// MigrationRepo сохраняет результаты миграций.
type MigrationRepo interface {
	SaveMigrationResult(ctx context.Context, result MigrationResult) error
	ListMigrationResults(ctx context.Context, channelID string) ([]MigrationResult, error)
}

// Generator — внешний генеративный коллаборатор.
type Generator interface {
	Generate(ctx context.Context, input GenerationInput) (GeneratedText, error)
}

// GenerationInput содержит всё необходимое для одной генерации.
// Переопределение модели передаётся явно, а не через окружение.
type GenerationInput struct {
	Messages        []Message
	PreviousContext string
	Window          Window
	ContextBudget   float64
	ModelOverride   string
}

// GeoPoint описывает координаты города.
type GeoPoint struct {
	City string  `json:"city"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// Geocoder возвращает координаты городов. Отсутствие данных не блокирует отчёты.
type Geocoder interface {
	Lookup(ctx context.Context, city string) (GeoPoint, error)
	BatchLookup(ctx context.Context, cities []string) (map[string]GeoPoint, error)
}

// MessageSource — внешний источник сообщений канала.
// Источник отдаёт события как есть; дедупликация по id — на принимающей стороне.
type MessageSource interface {
	ListMessages(ctx context.Context, channel Channel, since time.Time) ([]Message, error)
	GetChannelMetadata(ctx context.Context, channelID string) (Channel, error)
}
