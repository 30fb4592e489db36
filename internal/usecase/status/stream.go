package status

import (
	"context"
	"sync"
	"time"

	"newsline/internal/domain"
)

// Snapshot — агрегированный срез статусов на момент отправки.
type Snapshot map[string]domain.AggregatedStatus

// Subscription — отменяемая подписка на поток статусов.
// Закрывается потребителем, отменой контекста или по истечении
// максимального времени жизни — что наступит раньше.
type Subscription struct {
	ch     chan Snapshot
	done   chan struct{}
	once   sync.Once
	onStop func()
}

// Updates возвращает канал срезов. Канал закрывается при завершении подписки.
func (s *Subscription) Updates() <-chan Snapshot {
	return s.ch
}

// Close завершает подписку. Повторные вызовы безопасны.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// StreamConfig задаёт период и предельное время жизни подписки.
type StreamConfig struct {
	Interval time.Duration
	Lifetime time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Lifetime <= 0 {
		c.Lifetime = 5 * time.Minute
	}
	return c
}

// Stream запускает пуш-ленту статусов: срез сразу при подключении, затем
// каждый Interval. По истечении Lifetime поток принудительно закрывается,
// чтобы ограничить ресурсы. Тикер и канал освобождаются в любом исходе.
func (t *Tracker) Stream(ctx context.Context, jobTypes []string, cfg StreamConfig, onStop func()) *Subscription {
	cfg = cfg.withDefaults()
	sub := &Subscription{
		ch:     make(chan Snapshot, 1),
		done:   make(chan struct{}),
		onStop: onStop,
	}

	go func() {
		defer close(sub.ch)
		defer sub.Close()

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		deadline := time.NewTimer(cfg.Lifetime)
		defer deadline.Stop()

		emit := func() {
			snap := t.AggregatedStatuses(ctx, jobTypes)
			select {
			case sub.ch <- snap:
			default:
				// Потребитель не успел забрать прошлый срез — заменяем его свежим.
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- snap:
				default:
				}
			}
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				emit()
			}
		}
	}()

	return sub
}
