package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"newsline/internal/domain"
)

// Namespace — пространство ключей статусов в эфемерном ярусе.
const Namespace = "status"

// Tracker фиксирует итоги запусков фоновых задач и отдаёт агрегированный
// статус для быстрого опроса. Внедряется явно, а не через синглтон.
type Tracker struct {
	kv          domain.KV
	entryTTL    time.Duration
	readTimeout time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// NewTracker создаёт трекер статусов.
func NewTracker(kv domain.KV, entryTTL, readTimeout time.Duration, log zerolog.Logger) *Tracker {
	if entryTTL <= 0 {
		entryTTL = 7 * 24 * time.Hour
	}
	if readTimeout <= 0 {
		readTimeout = 2 * time.Second
	}
	return &Tracker{kv: kv, entryTTL: entryTTL, readTimeout: readTimeout, log: log, now: time.Now}
}

func executionKey(jobType string, startedAt time.Time) string {
	// Нули в ширине метки сохраняют лексикографический порядок ключей.
	return fmt.Sprintf("execution_%s_%013d", jobType, startedAt.UnixMilli())
}

func executionPrefix(jobType string) string {
	return "execution_" + jobType + "_"
}

func aggregatedKey(jobType string) string {
	return "aggregated_" + jobType
}

// RecordExecution дописывает индивидуальную запись запуска и перезаписывает
// агрегированную запись типа задачи (последний выигрывает).
func (t *Tracker) RecordExecution(ctx context.Context, st domain.ExecutionStatus) error {
	if st.StartedAt.IsZero() {
		st.StartedAt = t.now().UTC()
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if err := t.kv.Set(ctx, Namespace, executionKey(st.JobType, st.StartedAt), payload, t.entryTTL); err != nil {
		return fmt.Errorf("запись статуса запуска: %w", err)
	}
	agg := aggregateFrom(st)
	aggPayload, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("marshal aggregated: %w", err)
	}
	if err := t.kv.Set(ctx, Namespace, aggregatedKey(st.JobType), aggPayload, 0); err != nil {
		return fmt.Errorf("запись агрегированного статуса: %w", err)
	}
	return nil
}

func aggregateFrom(st domain.ExecutionStatus) domain.AggregatedStatus {
	return domain.AggregatedStatus{
		JobType:    st.JobType,
		Outcome:    st.Outcome,
		Timestamp:  st.StartedAt.UTC().Format(time.RFC3339),
		DurationMs: st.DurationMs,
		ErrorCount: st.ErrorCount,
	}
}

// AggregatedStatuses возвращает последний известный статус каждого типа задачи.
// Чтение каждого типа независимо и ограничено по времени: один медленный
// тип деградирует до записи "error", не задерживая остальные. При холодном
// старте агрегат восстанавливается из индивидуальных записей (bootstrap)
// и записывается обратно, чтобы последующие чтения были O(1).
func (t *Tracker) AggregatedStatuses(ctx context.Context, jobTypes []string) map[string]domain.AggregatedStatus {
	out := make(map[string]domain.AggregatedStatus, len(jobTypes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, jobType := range jobTypes {
		wg.Add(1)
		go func(jobType string) {
			defer wg.Done()
			readCtx, cancel := context.WithTimeout(ctx, t.readTimeout)
			defer cancel()
			agg := t.readOne(readCtx, jobType)
			mu.Lock()
			out[jobType] = agg
			mu.Unlock()
		}(jobType)
	}
	wg.Wait()
	return out
}

func (t *Tracker) readOne(ctx context.Context, jobType string) domain.AggregatedStatus {
	payload, err := t.kv.Get(ctx, Namespace, aggregatedKey(jobType))
	if err == nil && payload != nil {
		var agg domain.AggregatedStatus
		if json.Unmarshal(payload, &agg) == nil {
			return agg
		}
	}
	if ctx.Err() != nil {
		return domain.AggregatedStatus{JobType: jobType, Outcome: domain.OutcomeError, Timestamp: t.now().UTC().Format(time.RFC3339)}
	}
	return t.bootstrap(ctx, jobType)
}

// bootstrap восстанавливает агрегат из последней индивидуальной записи.
// Отсутствие записей даёт заглушку «Never run»; ошибка чтения — "error".
func (t *Tracker) bootstrap(ctx context.Context, jobType string) domain.AggregatedStatus {
	entries, err := t.kv.List(ctx, Namespace, executionPrefix(jobType))
	if err != nil {
		if ctx.Err() != nil {
			return domain.AggregatedStatus{JobType: jobType, Outcome: domain.OutcomeError, Timestamp: t.now().UTC().Format(time.RFC3339)}
		}
		t.log.Warn().Err(err).Str("job_type", jobType).Msg("status: bootstrap не удался")
		return domain.AggregatedNeverRun(jobType)
	}
	if len(entries) == 0 {
		return domain.AggregatedNeverRun(jobType)
	}

	statuses := make([]domain.ExecutionStatus, 0, len(entries))
	for _, entry := range entries {
		var st domain.ExecutionStatus
		if json.Unmarshal(entry, &st) == nil {
			statuses = append(statuses, st)
		}
	}
	if len(statuses) == 0 {
		return domain.AggregatedNeverRun(jobType)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].StartedAt.Before(statuses[j].StartedAt) })
	agg := aggregateFrom(statuses[len(statuses)-1])

	// Пишем восстановленный агрегат обратно; неудача не мешает ответу.
	if payload, err := json.Marshal(agg); err == nil {
		if err := t.kv.Set(ctx, Namespace, aggregatedKey(jobType), payload, 0); err != nil {
			t.log.Debug().Err(err).Str("job_type", jobType).Msg("status: не удалось сохранить bootstrap-агрегат")
		}
	}
	return agg
}
