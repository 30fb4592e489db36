package generator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"newsline/internal/domain"
	openai "newsline/internal/infra/openai"
)

type fakeChat struct {
	content  string
	err      error
	captured openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.captured = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatMessage{Role: "assistant", Content: f.content}}},
	}, nil
}

func sampleInput() domain.GenerationInput {
	return domain.GenerationInput{
		Messages: []domain.Message{
			{ID: "m1", Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Author: "репортёр", Text: "авария на мосту"},
		},
		Window: domain.Window{
			Start:     time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
			End:       time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
			Timeframe: "2h",
		},
		ContextBudget: 0.30,
	}
}

func TestGenerateParsesResponse(t *testing.T) {
	client := &fakeChat{content: `{"headline":"Авария на мосту","city":"Рио-де-Жанейро","body":"Движение перекрыто."}`}
	gen := NewOpenAI(client, "gpt-4.1-mini", time.Minute)

	got, err := gen.Generate(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got.Headline != "Авария на мосту" || got.City != "Рио-де-Жанейро" {
		t.Fatalf("ответ разобран неверно: %+v", got)
	}
	if client.captured.Model != "gpt-4.1-mini" {
		t.Fatalf("ожидали модель по умолчанию, получили %s", client.captured.Model)
	}
	if client.captured.ResponseFormat == nil || client.captured.ResponseFormat.Type != openai.ResponseFormatTypeJSONObject {
		t.Fatalf("ожидали формат ответа json_object")
	}
}

func TestGenerateModelOverride(t *testing.T) {
	client := &fakeChat{content: `{"headline":"З","city":"","body":"Т"}`}
	gen := NewOpenAI(client, "gpt-4.1-mini", time.Minute)

	input := sampleInput()
	input.ModelOverride = "gpt-4o"
	if _, err := gen.Generate(context.Background(), input); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if client.captured.Model != "gpt-4o" {
		t.Fatalf("переопределение модели должно побеждать, получили %s", client.captured.Model)
	}
}

func TestGeneratePassesPreviousContext(t *testing.T) {
	client := &fakeChat{content: `{"headline":"З","city":"","body":"Т"}`}
	gen := NewOpenAI(client, "", time.Minute)

	input := sampleInput()
	input.PreviousContext = "Прошлая сводка: наводнение."
	input.ContextBudget = 0.40
	if _, err := gen.Generate(context.Background(), input); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(client.captured.Messages) != 3 {
		t.Fatalf("ожидали system + контекст + сообщения, получили %d", len(client.captured.Messages))
	}
	if !strings.Contains(client.captured.Messages[0].Content, "40%") {
		t.Fatalf("системная инструкция должна содержать долю контекста")
	}
	if !strings.Contains(client.captured.Messages[1].Content, "наводнение") {
		t.Fatalf("контекст предыдущей сводки должен передаваться отдельным сообщением")
	}
}

func TestGenerateRejectsEmptyInput(t *testing.T) {
	gen := NewOpenAI(&fakeChat{}, "", time.Minute)
	if _, err := gen.Generate(context.Background(), domain.GenerationInput{}); err == nil {
		t.Fatalf("пустой набор сообщений должен отклоняться")
	}
}

func TestGenerateRejectsEmptyHeadline(t *testing.T) {
	client := &fakeChat{content: `{"headline":"","city":"Рио","body":"Т"}`}
	gen := NewOpenAI(client, "", time.Minute)
	if _, err := gen.Generate(context.Background(), sampleInput()); err == nil {
		t.Fatalf("ответ без заголовка должен отклоняться")
	}
}

func TestGeneratePropagatesClientError(t *testing.T) {
	client := &fakeChat{err: errors.New("сеть недоступна")}
	gen := NewOpenAI(client, "", time.Minute)
	if _, err := gen.Generate(context.Background(), sampleInput()); err == nil {
		t.Fatalf("ошибка клиента должна подниматься")
	}
}

func TestClipRunes(t *testing.T) {
	if got := clipRunes("привет", 3); got != "при" {
		t.Fatalf("ожидали обрезку по рунам, получили %q", got)
	}
	if got := clipRunes("ok", 10); got != "ok" {
		t.Fatalf("короткий текст не должен меняться")
	}
}
