package kvstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"newsline/internal/domain"
	"newsline/internal/infra/metrics"
)

// ErrNotFound возвращается при отсутствии ключа.
var ErrNotFound = errors.New("kvstore: ключ не найден")

const scanBatch = 200

// RedisKV реализует domain.KV через Redis. Ключи складываются как "ns:key",
// поэтому List по префиксу канала возвращает записи в порядке ключей.
type RedisKV struct {
	client *redis.Client
}

var _ domain.KV = (*RedisKV)(nil)

// NewClient создаёт redis-клиент по адресу.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// NewRedis создаёт адаптер эфемерного яруса.
func NewRedis(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func fullKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get возвращает значение ключа.
func (s *RedisKV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.client.Get(ctx, fullKey(namespace, key)).Bytes()
	metrics.ObserveNetworkRequest("redis", "get", namespace, start, err)
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

// Set задаёт значение с TTL.
func (s *RedisKV) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.client.Set(ctx, fullKey(namespace, key), value, ttl).Err()
	metrics.ObserveNetworkRequest("redis", "set", namespace, start, err)
	return err
}

// Delete удаляет ключ.
func (s *RedisKV) Delete(ctx context.Context, namespace, key string) error {
	start := time.Now()
	err := s.client.Del(ctx, fullKey(namespace, key)).Err()
	metrics.ObserveNetworkRequest("redis", "del", namespace, start, err)
	return err
}

// List возвращает значения по префиксу ключа, отсортированные по ключу.
func (s *RedisKV) List(ctx context.Context, namespace, prefix string) ([][]byte, error) {
	keys, err := s.scanKeys(ctx, namespace, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	start := time.Now()
	values, err := s.client.MGet(ctx, keys...).Result()
	metrics.ObserveNetworkRequest("redis", "mget", namespace, start, err)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		// MGET возвращает nil для ключей, истёкших между SCAN и чтением.
		switch val := v.(type) {
		case string:
			out = append(out, []byte(val))
		case []byte:
			out = append(out, val)
		}
	}
	return out, nil
}

// Count возвращает число ключей по префиксу.
func (s *RedisKV) Count(ctx context.Context, namespace, prefix string) (int, error) {
	keys, err := s.scanKeys(ctx, namespace, prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *RedisKV) scanKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	pattern := fullKey(namespace, prefix) + "*"
	var keys []string
	var cursor uint64
	start := time.Now()
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			metrics.ObserveNetworkRequest("redis", "scan", namespace, start, err)
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	metrics.ObserveNetworkRequest("redis", "scan", namespace, start, nil)
	return keys, nil
}
