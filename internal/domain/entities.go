package domain

import "time"

// Channel описывает источник сообщений.
type Channel struct {
	ID                string
	Name              string
	Active            bool
	Migrated          bool
	PartiallyMigrated bool
	MigratedAt        *time.Time
	CreatedAt         time.Time
}

// Attachment описывает вложение сообщения.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

// Message представляет сообщение канала. После приёма не изменяется.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	Timestamp   time.Time    `json:"timestamp"`
	Author      string       `json:"author"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	RawMetaJSON []byte       `json:"raw_meta,omitempty"`
}

// Essential возвращает проекцию сообщения для долговременного яруса:
// только поля, которые читают генерация и отображение отчётов.
func (m Message) Essential() Message {
	return Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Timestamp: m.Timestamp,
		Author:    m.Author,
		Text:      m.Text,
	}
}

// ReportTrigger описывает источник запроса на отчёт.
type ReportTrigger string

const (
	// TriggerScheduled — отчёт построен планировщиком.
	TriggerScheduled ReportTrigger = "scheduled"
	// TriggerManual — отчёт запрошен вручную через API.
	TriggerManual ReportTrigger = "manual"
)

// Window задаёт полуинтервал [Start, End) агрегации сообщений.
type Window struct {
	Start     time.Time
	End       time.Time
	Timeframe string
}

// Contains сообщает, попадает ли момент времени в окно.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// Report представляет сводку по окну одного канала.
// После генерации неизменяем, кроме асинхронного обогащения Entities.
type Report struct {
	ReportID         string        `json:"report_id"`
	ChannelID        string        `json:"channel_id"`
	Headline         string        `json:"headline"`
	City             string        `json:"city"`
	Body             string        `json:"body"`
	GeneratedAt      time.Time     `json:"generated_at"`
	WindowStart      time.Time     `json:"window_start"`
	WindowEnd        time.Time     `json:"window_end"`
	MessageIDs       []string      `json:"message_ids"`
	Trigger          ReportTrigger `json:"trigger"`
	PreviousReportID string        `json:"previous_report_id,omitempty"`
	Entities         []string      `json:"entities,omitempty"`
}

// GeneratedText содержит структурированный ответ генеративного коллаборатора.
type GeneratedText struct {
	Headline string `json:"headline"`
	City     string `json:"city"`
	Body     string `json:"body"`
}

// ExecutionOutcome описывает итог запуска фоновой задачи.
type ExecutionOutcome string

const (
	// OutcomeOK — задача завершилась успешно.
	OutcomeOK ExecutionOutcome = "ok"
	// OutcomeException — задача упала с ошибкой.
	OutcomeException ExecutionOutcome = "exception"
	// OutcomeUnknown — итог неизвестен.
	OutcomeUnknown ExecutionOutcome = "unknown"
	// OutcomeError — статус недоступен (таймаут чтения одного типа задачи).
	OutcomeError ExecutionOutcome = "error"
)

// ExecutionStatus фиксирует итог одного запуска фоновой задачи.
type ExecutionStatus struct {
	JobType    string           `json:"job_type"`
	Outcome    ExecutionOutcome `json:"outcome"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMs int64            `json:"duration_ms"`
	CPUTimeMs  int64            `json:"cpu_time_ms"`
	ErrorCount int              `json:"error_count"`
	TaskDetail map[string]any   `json:"task_detail,omitempty"`
}

// AggregatedStatus — последний известный статус по типу задачи.
// Перезаписывается на каждом запуске и восстанавливается из
// индивидуальных записей при холодном старте.
type AggregatedStatus struct {
	JobType    string           `json:"job_type"`
	Outcome    ExecutionOutcome `json:"outcome"`
	Timestamp  string           `json:"timestamp"`
	DurationMs int64            `json:"duration_ms,omitempty"`
	ErrorCount int              `json:"error_count,omitempty"`
}

// AggregatedNeverRun возвращает заглушку для задачи без единого запуска.
func AggregatedNeverRun(jobType string) AggregatedStatus {
	return AggregatedStatus{JobType: jobType, Outcome: OutcomeUnknown, Timestamp: "Never run"}
}

// MigrationError описывает ошибку переноса одного сообщения.
type MigrationError struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
}

// MigrationResult фиксирует итог одной попытки миграции канала.
// Запись не изменяется; повторная миграция создаёт новую запись.
type MigrationResult struct {
	ID                 string           `json:"id"`
	ChannelID          string           `json:"channel_id"`
	MessagesProcessed  int              `json:"messages_processed"`
	MessagesSuccessful int              `json:"messages_successful"`
	MessagesFailed     int              `json:"messages_failed"`
	Errors             []MigrationError `json:"errors,omitempty"`
	Duration           time.Duration    `json:"duration"`
	Success            bool             `json:"success"`
	StartedAt          time.Time        `json:"started_at"`
}

// DryRunResult содержит оценку объёма миграции без записи.
type DryRunResult struct {
	ChannelID      string `json:"channel_id"`
	MessageCount   int    `json:"message_count"`
	EstimatedBytes int64  `json:"estimated_bytes"`
	EstimatedRows  int    `json:"estimated_rows"`
}

// ValidationDiscrepancy описывает расхождение между ярусами хранения.
type ValidationDiscrepancy struct {
	MessageID string `json:"message_id,omitempty"`
	Detail    string `json:"detail"`
}

// ValidationResult содержит вердикт сверки миграции.
type ValidationResult struct {
	ChannelID      string                  `json:"channel_id"`
	Passed         bool                    `json:"passed"`
	EphemeralCount int                     `json:"ephemeral_count"`
	DurableCount   int                     `json:"durable_count"`
	Discrepancies  []ValidationDiscrepancy `json:"discrepancies,omitempty"`
}
