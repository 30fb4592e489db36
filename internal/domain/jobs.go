package domain

import (
	"context"
	"time"
)

// Известные типы фоновых задач.
const (
	JobTypeReport2h  = "report_2h"
	JobTypeReport6h  = "report_6h"
	JobTypeReport24h = "report_24h"
	JobTypeCollector = "collector"
	JobTypeMigration = "migration"
)

// ReportJob содержит информацию о задаче построения отчёта.
type ReportJob struct {
	ID         string        `json:"job_id,omitempty"`
	ChannelID  string        `json:"channel_id"`
	Timeframe  string        `json:"timeframe"`
	Trigger    ReportTrigger `json:"trigger"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// JobType возвращает тип задачи для трекера статусов.
func (j ReportJob) JobType() string {
	return "report_" + j.Timeframe
}

// ReportQueue описывает очередь задач на построение отчётов.
type ReportQueue interface {
	Enqueue(ctx context.Context, job ReportJob) error
	Pop(ctx context.Context) (ReportJob, error)
}
