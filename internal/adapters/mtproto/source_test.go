package mtproto

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"newsline/internal/domain"
)

func pageTime(minute int) time.Time {
	return time.Date(2026, 3, 1, 12, minute, 0, 0, time.UTC)
}

func TestCollectPageAcceptsTextMessages(t *testing.T) {
	since := pageTime(0)
	items := []tg.MessageClass{
		&tg.Message{ID: 12, Date: int(pageTime(10).Unix()), Message: "второе событие"},
		&tg.Message{ID: 11, Date: int(pageTime(5).Unix()), Message: "первое событие", PostAuthor: "редакция"},
	}

	out, last, done := collectPage(items, domain.Channel{ID: "ch1", Name: "news"}, since)
	if done {
		t.Fatalf("граница since не достигнута, done быть не должно")
	}
	if last != 11 {
		t.Fatalf("курсор должен стоять на последнем элементе страницы, получили %d", last)
	}
	if len(out) != 2 {
		t.Fatalf("ожидали 2 сообщения, получили %d", len(out))
	}
	if out[1].ID != "11" || out[1].ChannelID != "ch1" || out[1].Author != "редакция" {
		t.Fatalf("поля сообщения собраны неверно: %+v", out[1])
	}
}

// Страница из одних служебных записей и постов без текста всё равно должна
// сдвигать курсор, иначе следующий запрос вернёт ту же страницу.
func TestCollectPageAdvancesCursorWithoutTextMessages(t *testing.T) {
	since := pageTime(0)
	items := []tg.MessageClass{
		&tg.MessageService{ID: 30, Date: int(pageTime(9).Unix())},
		&tg.Message{ID: 29, Date: int(pageTime(8).Unix())}, // медиа без подписи
		&tg.MessageEmpty{ID: 28},
	}

	out, last, done := collectPage(items, domain.Channel{ID: "ch1"}, since)
	if done {
		t.Fatalf("done не должен выставляться без достижения since")
	}
	if len(out) != 0 {
		t.Fatalf("текстовых сообщений на странице нет, получили %d", len(out))
	}
	if last != 28 {
		t.Fatalf("курсор должен дойти до конца страницы, получили %d", last)
	}
}

func TestCollectPageStopsAtSinceBoundary(t *testing.T) {
	since := pageTime(5)
	items := []tg.MessageClass{
		&tg.Message{ID: 22, Date: int(pageTime(10).Unix()), Message: "свежее"},
		&tg.Message{ID: 21, Date: int(pageTime(1).Unix()), Message: "устаревшее"},
		&tg.Message{ID: 20, Date: int(pageTime(0).Unix()), Message: "совсем старое"},
	}

	out, _, done := collectPage(items, domain.Channel{ID: "ch1"}, since)
	if !done {
		t.Fatalf("элемент старше since должен останавливать листание")
	}
	if len(out) != 1 || out[0].ID != "22" {
		t.Fatalf("до границы должно пройти одно сообщение: %+v", out)
	}
}
