package hybridcache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"newsline/internal/domain"
	"newsline/internal/infra/metrics"
)

// NamespaceRouting — пространство ключей кэша маршрутизации каналов.
const NamespaceRouting = "routing"

// NamespaceReports — пространство ключей кэшированных отчётов.
const NamespaceReports = "reports"

// EphemeralMessages читает сообщения из эфемерного яруса.
type EphemeralMessages interface {
	ListWindow(ctx context.Context, channelID string, start, end time.Time) ([]domain.Message, error)
}

// DurableMessages читает сообщения из долговременного яруса.
type DurableMessages interface {
	ListMessagesInWindow(ctx context.Context, channelID string, start, end time.Time) ([]domain.Message, error)
}

// ChannelReader возвращает канал для решения о маршрутизации.
type ChannelReader interface {
	GetChannel(ctx context.Context, channelID string) (domain.Channel, error)
}

// Manager — гибридный кэш поверх двух ярусов хранения.
// Ошибки эфемерного яруса никогда не поднимаются выше: отсутствие кэша
// не должно блокировать построение отчёта.
type Manager struct {
	kv         domain.KV
	ephemeral  EphemeralMessages
	durable    DurableMessages
	channels   ChannelReader
	routingTTL time.Duration
	log        zerolog.Logger
}

// NewManager создаёт менеджер гибридного кэша.
func NewManager(kv domain.KV, ephemeral EphemeralMessages, durable DurableMessages, channels ChannelReader, routingTTL time.Duration, log zerolog.Logger) *Manager {
	if routingTTL <= 0 {
		routingTTL = time.Minute
	}
	return &Manager{kv: kv, ephemeral: ephemeral, durable: durable, channels: channels, routingTTL: routingTTL, log: log}
}

// Scope — мемоизация в рамках одной логической операции.
// Область видимости не разделяется между конкурентными операциями
// и отбрасывается после завершения.
type Scope struct {
	mu   sync.Mutex
	memo map[string][]byte
}

// Scope создаёт новую область мемоизации.
func (m *Manager) Scope() *Scope {
	return &Scope{memo: make(map[string][]byte)}
}

func (s *Scope) lookup(ns, key string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.memo[ns+":"+key]
	return v, ok
}

func (s *Scope) store(ns, key string, value []byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memo[ns+":"+key] = value
}

// Get читает значение: сначала мемо текущей операции, затем эфемерный ярус.
// Возвращает nil при промахе; ошибки яруса деградируют до промаха.
func (m *Manager) Get(ctx context.Context, scope *Scope, namespace, key string) []byte {
	if v, ok := scope.lookup(namespace, key); ok {
		metrics.ObserveCacheRead(namespace, v != nil)
		return v
	}
	value, err := m.kv.Get(ctx, namespace, key)
	if err != nil {
		value = nil
	}
	scope.store(namespace, key, value)
	metrics.ObserveCacheRead(namespace, value != nil)
	return value
}

// Put пишет значение в эфемерный ярус. Ошибки записи логируются и гасятся:
// кэш не является источником истины.
func (m *Manager) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) {
	if err := m.kv.Set(ctx, namespace, key, value, ttl); err != nil {
		m.log.Warn().Err(err).Str("namespace", namespace).Str("key", key).Msg("hybridcache: запись в кэш не удалась")
	}
}

// BatchGet читает набор ключей конкурентно. Промахи и ошибки
// отдельных ключей просто отсутствуют в результате.
func (m *Manager) BatchGet(ctx context.Context, namespace string, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			value, err := m.kv.Get(ctx, namespace, key)
			metrics.ObserveCacheRead(namespace, err == nil)
			if err != nil {
				return
			}
			mu.Lock()
			out[key] = value
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return out
}

// RefreshInBackground вызывает fetch и кладёт результат в кэш, не блокируя
// вызывающего. Ошибки fetch гасятся: это прогрев, а не чтение.
func (m *Manager) RefreshInBackground(namespace, key string, ttl time.Duration, fetch func(ctx context.Context) ([]byte, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		value, err := fetch(ctx)
		if err != nil {
			m.log.Debug().Err(err).Str("namespace", namespace).Str("key", key).Msg("hybridcache: фоновый прогрев не удался")
			return
		}
		m.Put(ctx, namespace, key, value, ttl)
	}()
}

// IsMigrated сообщает, переключён ли канал на долговременный ярус.
// Решение кэшируется с коротким TTL, чтобы не ходить в БД на каждый запрос.
func (m *Manager) IsMigrated(ctx context.Context, scope *Scope, channelID string) (bool, error) {
	if cached := m.Get(ctx, scope, NamespaceRouting, channelID); cached != nil {
		migrated, err := strconv.ParseBool(string(cached))
		if err == nil {
			return migrated, nil
		}
	}
	ch, err := m.channels.GetChannel(ctx, channelID)
	if err != nil {
		return false, err
	}
	m.Put(ctx, NamespaceRouting, channelID, []byte(strconv.FormatBool(ch.Migrated)), m.routingTTL)
	scope.store(NamespaceRouting, channelID, []byte(strconv.FormatBool(ch.Migrated)))
	return ch.Migrated, nil
}

// InvalidateRouting сбрасывает кэш маршрутизации канала (миграция, откат).
func (m *Manager) InvalidateRouting(ctx context.Context, channelID string) {
	if err := m.kv.Delete(ctx, NamespaceRouting, channelID); err != nil {
		m.log.Warn().Err(err).Str("channel", channelID).Msg("hybridcache: сброс маршрутизации не удался")
	}
}

// MessagesInWindow возвращает сообщения канала за окно с учётом маршрутизации:
// мигрированные каналы читаются из долговременного яруса (ошибки поднимаются,
// запасного пути нет), остальные — из эфемерного (ошибки деградируют до пусто).
func (m *Manager) MessagesInWindow(ctx context.Context, scope *Scope, channelID string, start, end time.Time) ([]domain.Message, error) {
	migrated, err := m.IsMigrated(ctx, scope, channelID)
	if err != nil {
		return nil, err
	}
	if migrated {
		return m.durable.ListMessagesInWindow(ctx, channelID, start, end)
	}
	msgs, err := m.ephemeral.ListWindow(ctx, channelID, start, end)
	if err != nil {
		m.log.Warn().Err(err).Str("channel", channelID).Msg("hybridcache: эфемерный ярус недоступен, считаем окно пустым")
		return nil, nil
	}
	return msgs, nil
}

// GetJSON читает значение и декодирует его в out. Возвращает false при промахе.
func (m *Manager) GetJSON(ctx context.Context, scope *Scope, namespace, key string, out any) bool {
	value := m.Get(ctx, scope, namespace, key)
	if value == nil {
		return false
	}
	if err := json.Unmarshal(value, out); err != nil {
		return false
	}
	return true
}

// PutJSON кодирует значение и пишет его в кэш.
func (m *Manager) PutJSON(ctx context.Context, namespace, key string, value any, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err != nil {
		m.log.Warn().Err(err).Str("namespace", namespace).Str("key", key).Msg("hybridcache: не удалось сериализовать значение")
		return
	}
	m.Put(ctx, namespace, key, payload, ttl)
}
