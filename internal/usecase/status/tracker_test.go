package status

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"newsline/internal/domain"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(_ context.Context, ns, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[ns+":"+key]
	if !ok {
		return nil, errors.New("не найдено")
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, ns, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ns+":"+key] = value
	return nil
}

func (m *memKV) Delete(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ns+":"+key)
	return nil
}

func (m *memKV) List(_ context.Context, ns, prefix string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	full := ns + ":" + prefix
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, full) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.data[k])
	}
	return out, nil
}

func (m *memKV) Count(ctx context.Context, ns, prefix string) (int, error) {
	entries, err := m.List(ctx, ns, prefix)
	return len(entries), err
}

// slowKV блокирует чтения до отмены контекста.
type slowKV struct{ *memKV }

func (s slowKV) Get(ctx context.Context, ns, key string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s slowKV) List(ctx context.Context, ns, prefix string) ([][]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestTracker(kv domain.KV) *Tracker {
	return NewTracker(kv, time.Hour, 200*time.Millisecond, zerolog.Nop())
}

func execAt(jobType string, startedAt time.Time, outcome domain.ExecutionOutcome) domain.ExecutionStatus {
	return domain.ExecutionStatus{
		JobType:    jobType,
		Outcome:    outcome,
		StartedAt:  startedAt,
		DurationMs: 1500,
	}
}

func TestRecordExecutionWritesBothKeys(t *testing.T) {
	kv := newMemKV()
	tracker := newTestTracker(kv)
	startedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := tracker.RecordExecution(context.Background(), execAt("report_2h", startedAt, domain.OutcomeOK)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, ok := kv.data["status:"+executionKey("report_2h", startedAt)]; !ok {
		t.Fatalf("индивидуальная запись запуска должна создаваться")
	}
	payload, ok := kv.data["status:aggregated_report_2h"]
	if !ok {
		t.Fatalf("агрегированная запись должна создаваться")
	}
	var agg domain.AggregatedStatus
	if err := json.Unmarshal(payload, &agg); err != nil {
		t.Fatalf("агрегат должен быть читаемым JSON: %v", err)
	}
	if agg.Outcome != domain.OutcomeOK || agg.DurationMs != 1500 {
		t.Fatalf("агрегат должен повторять последний запуск, получили %+v", agg)
	}
}

func TestRecordExecutionLastWins(t *testing.T) {
	kv := newMemKV()
	tracker := newTestTracker(kv)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = tracker.RecordExecution(context.Background(), execAt("collector", base, domain.OutcomeOK))
	_ = tracker.RecordExecution(context.Background(), execAt("collector", base.Add(time.Hour), domain.OutcomeException))

	statuses := tracker.AggregatedStatuses(context.Background(), []string{"collector"})
	if statuses["collector"].Outcome != domain.OutcomeException {
		t.Fatalf("последний запуск должен побеждать, получили %+v", statuses["collector"])
	}
}

func TestAggregatedStatusesColdBootstrap(t *testing.T) {
	kv := newMemKV()
	tracker := newTestTracker(kv)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Индивидуальные записи есть, агрегата нет: холодный старт.
	for i, outcome := range []domain.ExecutionOutcome{domain.OutcomeException, domain.OutcomeOK} {
		payload, _ := json.Marshal(execAt("report_6h", base.Add(time.Duration(i)*time.Hour), outcome))
		kv.data["status:"+executionKey("report_6h", base.Add(time.Duration(i)*time.Hour))] = payload
	}

	statuses := tracker.AggregatedStatuses(context.Background(), []string{"report_6h", "report_24h"})
	if statuses["report_6h"].Outcome != domain.OutcomeOK {
		t.Fatalf("bootstrap должен брать самый свежий запуск, получили %+v", statuses["report_6h"])
	}
	if statuses["report_24h"].Timestamp != "Never run" {
		t.Fatalf("тип без запусков должен давать заглушку, получили %+v", statuses["report_24h"])
	}
	// Восстановленный агрегат пишется обратно для последующих чтений.
	if _, ok := kv.data["status:aggregated_report_6h"]; !ok {
		t.Fatalf("bootstrap должен сохранять агрегат")
	}
}

func TestAggregatedStatusesReadTimeout(t *testing.T) {
	tracker := newTestTracker(slowKV{newMemKV()})

	start := time.Now()
	statuses := tracker.AggregatedStatuses(context.Background(), []string{"migration"})
	if time.Since(start) > time.Second {
		t.Fatalf("медленное хранилище не должно задерживать ответ")
	}
	if statuses["migration"].Outcome != domain.OutcomeError {
		t.Fatalf("таймаут чтения должен давать запись error, получили %+v", statuses["migration"])
	}
}

func TestExecutionKeyLexicographicOrder(t *testing.T) {
	earlier := executionKey("collector", time.UnixMilli(999))
	later := executionKey("collector", time.UnixMilli(1_000_000_000_000))
	if !(earlier < later) {
		t.Fatalf("ключи должны сортироваться по времени: %q, %q", earlier, later)
	}
}
