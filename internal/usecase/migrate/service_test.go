package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"newsline/internal/domain"
	"newsline/internal/usecase/hybridcache"
)

type memKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	deleted []string
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
	m.deleted = append(m.deleted, ns+":"+key)
	delete(m.data, ns+":"+key)
	return nil
}

func (m *memKV) List(context.Context, string, string) ([][]byte, error) { return nil, nil }
func (m *memKV) Count(context.Context, string, string) (int, error)    { return 0, nil }

type fakeEphemeral struct {
	raws [][]byte
	err  error
}

func (f *fakeEphemeral) ListRaw(context.Context, string) ([][]byte, error) {
	return f.raws, f.err
}

func (f *fakeEphemeral) CountChannel(context.Context, string) (int, error) {
	return len(f.raws), f.err
}

func (f *fakeEphemeral) ListWindow(context.Context, string, time.Time, time.Time) ([]domain.Message, error) {
	return nil, nil
}

type fakeDurable struct {
	mu        sync.Mutex
	saved     map[string]domain.Message
	failIDs   map[string]bool
	failEvery bool
	count     int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{saved: make(map[string]domain.Message), failIDs: make(map[string]bool)}
}

func (f *fakeDurable) SaveMessage(_ context.Context, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEvery || f.failIDs[msg.ID] {
		return errors.New("запись отклонена")
	}
	f.saved[msg.ID] = msg
	return nil
}

func (f *fakeDurable) ListMessagesInWindow(context.Context, string, time.Time, time.Time) ([]domain.Message, error) {
	return nil, nil
}

func (f *fakeDurable) CountMessages(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count > 0 {
		return f.count, nil
	}
	return len(f.saved), nil
}

func (f *fakeDurable) GetMessage(_ context.Context, _, id string) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.saved[id]
	if !ok {
		return domain.Message{}, domain.ErrMessageNotFound
	}
	return msg, nil
}

type fakeChannels struct {
	channel      domain.Channel
	getErr       error
	migratedSet  bool
	partiallyArg bool
	cleared      bool
}

func (f *fakeChannels) UpsertChannel(_ context.Context, ch domain.Channel) (domain.Channel, error) {
	return ch, nil
}

func (f *fakeChannels) GetChannel(context.Context, string) (domain.Channel, error) {
	return f.channel, f.getErr
}

func (f *fakeChannels) ListActiveChannels(context.Context) ([]domain.Channel, error) {
	return []domain.Channel{f.channel}, nil
}

func (f *fakeChannels) SetMigrated(_ context.Context, _ string, partially bool) error {
	f.migratedSet = true
	f.partiallyArg = partially
	return nil
}

func (f *fakeChannels) ClearMigrated(context.Context, string) error {
	f.cleared = true
	return nil
}

type fakeMigrations struct {
	saved []domain.MigrationResult
}

func (f *fakeMigrations) SaveMigrationResult(_ context.Context, result domain.MigrationResult) error {
	f.saved = append(f.saved, result)
	return nil
}

func (f *fakeMigrations) ListMigrationResults(context.Context, string) ([]domain.MigrationResult, error) {
	return f.saved, nil
}

func rawMessage(id string, minute int) []byte {
	payload, _ := json.Marshal(map[string]any{
		"id":        id,
		"timestamp": time.Date(2026, 3, 1, 12, minute, 0, 0, time.UTC).Format(time.RFC3339),
		"author":    "репортёр",
		"text":      "текст " + id,
	})
	return payload
}

func newTestService(eph *fakeEphemeral, durable *fakeDurable, channels *fakeChannels, migrations *fakeMigrations, kv *memKV) *Service {
	cache := hybridcache.NewManager(kv, eph, durable, channels, time.Minute, zerolog.Nop())
	cfg := BatchConfig{Size: 4, Concurrency: 2, InterBatchDelay: 0, ValidationSample: 20}
	return NewService(eph, durable, channels, migrations, cache, cfg, zerolog.Nop())
}

func TestDryRunCountsWithoutWriting(t *testing.T) {
	raws := [][]byte{rawMessage("m1", 1), rawMessage("m2", 2), []byte("{мусор")}
	eph := &fakeEphemeral{raws: raws}
	durable := newFakeDurable()
	service := newTestService(eph, durable, &fakeChannels{channel: domain.Channel{ID: "ch1"}}, &fakeMigrations{}, newMemKV())

	first, err := service.DryRun(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if first.MessageCount != 3 || first.EstimatedRows != 2 {
		t.Fatalf("ожидали 3 записи и 2 валидные, получили %d/%d", first.MessageCount, first.EstimatedRows)
	}
	if first.EstimatedBytes <= 0 {
		t.Fatalf("оценка объёма должна быть положительной")
	}
	if len(durable.saved) != 0 {
		t.Fatalf("dry-run не должен писать в долговременный ярус")
	}

	second, err := service.DryRun(context.Background(), "ch1")
	if err != nil || first != second {
		t.Fatalf("повторный dry-run должен давать тот же результат")
	}
}

func TestDryRunUnknownChannel(t *testing.T) {
	service := newTestService(&fakeEphemeral{}, newFakeDurable(), &fakeChannels{getErr: domain.ErrChannelNotFound}, &fakeMigrations{}, newMemKV())
	if _, err := service.DryRun(context.Background(), "нет"); !errors.Is(err, domain.ErrChannelNotFound) {
		t.Fatalf("ожидали ErrChannelNotFound, получили %v", err)
	}
}

func TestMigrateChannelPartialFailure(t *testing.T) {
	raws := make([][]byte, 0, 10)
	for i := 1; i <= 10; i++ {
		if i == 7 {
			raws = append(raws, []byte(`{"id":"m7","timestamp":"мусор","text":"x"}`))
			continue
		}
		raws = append(raws, rawMessage(fmt.Sprintf("m%d", i), i))
	}
	eph := &fakeEphemeral{raws: raws}
	durable := newFakeDurable()
	channels := &fakeChannels{channel: domain.Channel{ID: "ch1"}}
	migrations := &fakeMigrations{}
	kv := newMemKV()
	service := newTestService(eph, durable, channels, migrations, kv)

	result, err := service.MigrateChannel(context.Background(), "ch1", BatchConfig{})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.MessagesProcessed != 10 || result.MessagesSuccessful != 9 || result.MessagesFailed != 1 {
		t.Fatalf("ожидали 10/9/1, получили %d/%d/%d", result.MessagesProcessed, result.MessagesSuccessful, result.MessagesFailed)
	}
	if result.Success {
		t.Fatalf("миграция с ошибками не может быть успешной")
	}
	if len(result.Errors) != 1 || result.Errors[0].MessageID != "m7" {
		t.Fatalf("ошибка должна указывать на m7, получили %+v", result.Errors)
	}
	if len(durable.saved) != 9 {
		t.Fatalf("остальные 9 сообщений должны перенестись, перенесено %d", len(durable.saved))
	}
	if !channels.migratedSet || !channels.partiallyArg {
		t.Fatalf("канал должен помечаться частично мигрированным")
	}
	if len(migrations.saved) != 1 {
		t.Fatalf("результат миграции должен сохраняться")
	}
	if len(kv.deleted) == 0 {
		t.Fatalf("кэш маршрутизации должен сбрасываться после миграции")
	}
}

func TestMigrateChannelAllSuccessful(t *testing.T) {
	eph := &fakeEphemeral{raws: [][]byte{rawMessage("m1", 1), rawMessage("m2", 2)}}
	channels := &fakeChannels{channel: domain.Channel{ID: "ch1"}}
	service := newTestService(eph, newFakeDurable(), channels, &fakeMigrations{}, newMemKV())

	result, err := service.MigrateChannel(context.Background(), "ch1", BatchConfig{})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !result.Success {
		t.Fatalf("ожидали успешную миграцию")
	}
	if !channels.migratedSet || channels.partiallyArg {
		t.Fatalf("канал должен помечаться полностью мигрированным")
	}
}

func TestMigrateChannelWhollyFailedKeepsRouting(t *testing.T) {
	eph := &fakeEphemeral{raws: [][]byte{rawMessage("m1", 1), rawMessage("m2", 2)}}
	durable := newFakeDurable()
	durable.failEvery = true
	channels := &fakeChannels{channel: domain.Channel{ID: "ch1"}}
	service := newTestService(eph, durable, channels, &fakeMigrations{}, newMemKV())

	result, err := service.MigrateChannel(context.Background(), "ch1", BatchConfig{})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.MessagesSuccessful != 0 || result.Success {
		t.Fatalf("ожидали полностью неудачную миграцию")
	}
	if channels.migratedSet {
		t.Fatalf("маршрутизация не должна переключаться, если ничего не перенесено")
	}
}

func TestValidateMigrationPasses(t *testing.T) {
	eph := &fakeEphemeral{raws: [][]byte{rawMessage("m1", 1), rawMessage("m2", 2)}}
	durable := newFakeDurable()
	channels := &fakeChannels{channel: domain.Channel{ID: "ch1"}}
	service := newTestService(eph, durable, channels, &fakeMigrations{}, newMemKV())

	if _, err := service.MigrateChannel(context.Background(), "ch1", BatchConfig{}); err != nil {
		t.Fatalf("не ожидали ошибку миграции: %v", err)
	}
	result, err := service.ValidateMigration(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !result.Passed {
		t.Fatalf("сверка должна проходить, расхождения: %+v", result.Discrepancies)
	}
	if result.EphemeralCount != 2 || result.DurableCount != 2 {
		t.Fatalf("ожидали 2/2, получили %d/%d", result.EphemeralCount, result.DurableCount)
	}
}

func TestValidateMigrationCountMismatch(t *testing.T) {
	eph := &fakeEphemeral{raws: [][]byte{rawMessage("m1", 1), rawMessage("m2", 2)}}
	durable := newFakeDurable()
	durable.count = 5
	service := newTestService(eph, durable, &fakeChannels{channel: domain.Channel{ID: "ch1"}}, &fakeMigrations{}, newMemKV())

	result, err := service.ValidateMigration(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Passed {
		t.Fatalf("расхождение количества должно проваливать сверку")
	}
}

func TestValidateMigrationHashMismatch(t *testing.T) {
	eph := &fakeEphemeral{raws: [][]byte{rawMessage("m1", 1)}}
	durable := newFakeDurable()
	durable.saved["m1"] = domain.Message{ID: "m1", ChannelID: "ch1", Timestamp: time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), Author: "репортёр", Text: "подменённый текст"}
	service := newTestService(eph, durable, &fakeChannels{channel: domain.Channel{ID: "ch1"}}, &fakeMigrations{}, newMemKV())

	result, err := service.ValidateMigration(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Passed {
		t.Fatalf("расхождение содержимого должно проваливать сверку")
	}
	found := false
	for _, d := range result.Discrepancies {
		if d.MessageID == "m1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("расхождение должно указывать на m1, получили %+v", result.Discrepancies)
	}
}

func TestRollbackFlipsRoutingOnly(t *testing.T) {
	channels := &fakeChannels{channel: domain.Channel{ID: "ch1", Migrated: true}}
	durable := newFakeDurable()
	durable.saved["m1"] = domain.Message{ID: "m1"}
	kv := newMemKV()
	service := newTestService(&fakeEphemeral{}, durable, channels, &fakeMigrations{}, kv)

	if err := service.Rollback(context.Background(), "ch1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !channels.cleared {
		t.Fatalf("откат должен сбрасывать признак миграции")
	}
	if len(durable.saved) != 1 {
		t.Fatalf("откат не должен удалять данные долговременного яруса")
	}
	if len(kv.deleted) == 0 {
		t.Fatalf("кэш маршрутизации должен сбрасываться при откате")
	}
}

func TestHistoryReturnsMigrationResults(t *testing.T) {
	migrations := &fakeMigrations{saved: []domain.MigrationResult{
		{ID: "mig-2", ChannelID: "ch1", Success: true},
		{ID: "mig-1", ChannelID: "ch1", Success: false},
	}}
	service := newTestService(&fakeEphemeral{}, newFakeDurable(), &fakeChannels{}, migrations, newMemKV())

	results, err := service.History(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(results) != 2 || results[0].ID != "mig-2" {
		t.Fatalf("ожидали сохранённые результаты в исходном порядке: %+v", results)
	}
}

func TestHistoryUnknownChannel(t *testing.T) {
	service := newTestService(&fakeEphemeral{}, newFakeDurable(), &fakeChannels{getErr: domain.ErrChannelNotFound}, &fakeMigrations{}, newMemKV())
	if _, err := service.History(context.Background(), "нет"); !errors.Is(err, domain.ErrChannelNotFound) {
		t.Fatalf("ожидали ErrChannelNotFound, получили %v", err)
	}
}
