package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"newsline/internal/domain"
	openai "newsline/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI реализует domain.Generator через OpenAI Chat Completions.
type OpenAI struct {
	client  chatClient
	model   string
	timeout time.Duration
}

var _ domain.Generator = (*OpenAI)(nil)

// NewOpenAI создаёт генератор отчётов.
func NewOpenAI(client chatClient, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout}
}

type reportPayload struct {
	Headline string `json:"headline"`
	City     string `json:"city"`
	Body     string `json:"body"`
}

type promptMessage struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Author    string `json:"author,omitempty"`
	Text      string `json:"text"`
}

// Generate строит сводку окна. Модель из input.ModelOverride имеет приоритет
// над моделью по умолчанию; окружение при этом не трогается.
func (g *OpenAI) Generate(ctx context.Context, input domain.GenerationInput) (domain.GeneratedText, error) {
	if len(input.Messages) == 0 {
		return domain.GeneratedText{}, fmt.Errorf("generator: пустой набор сообщений")
	}
	model := g.model
	if input.ModelOverride != "" {
		model = input.ModelOverride
	}

	payload := make([]promptMessage, 0, len(input.Messages))
	for _, msg := range input.Messages {
		payload = append(payload, promptMessage{
			ID:        msg.ID,
			Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
			Author:    msg.Author,
			Text:      clipRunes(msg.Text, 2000),
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.GeneratedText{}, fmt.Errorf("marshal messages: %w", err)
	}

	userPrompt := fmt.Sprintf(`Составь новостную сводку по сообщениям канала за окно %s — %s.
Верни JSON формата {"headline": "...", "city": "...", "body": "..."} без пояснений:
заголовок, город события и связный текст сводки.
Сообщения в JSON:
%s`,
		input.Window.Start.UTC().Format(time.RFC3339),
		input.Window.End.UTC().Format(time.RFC3339),
		string(body))

	messages := []openai.ChatMessage{
		{
			Role:    openai.RoleSystem,
			Content: systemPrompt(input.ContextBudget, input.PreviousContext != ""),
		},
	}
	if input.PreviousContext != "" {
		messages = append(messages, openai.ChatMessage{
			Role:    openai.RoleUser,
			Content: "Контекст предыдущей сводки (для связности, не пересказывай целиком):\n" + clipRunes(input.PreviousContext, 3000),
		})
	}
	messages = append(messages, openai.ChatMessage{Role: openai.RoleUser, Content: userPrompt})

	req := openai.ChatCompletionRequest{
		Model:          model,
		Temperature:    0.3,
		MaxTokens:      1200,
		Messages:       messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	}

	genCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(genCtx, req)
	if err != nil {
		return domain.GeneratedText{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.GeneratedText{}, fmt.Errorf("openai completion: пустой ответ")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var parsed reportPayload
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return domain.GeneratedText{}, fmt.Errorf("распаковка ответа LLM: %w", err)
	}
	if strings.TrimSpace(parsed.Headline) == "" || strings.TrimSpace(parsed.Body) == "" {
		return domain.GeneratedText{}, fmt.Errorf("ответ LLM без заголовка или текста")
	}
	return domain.GeneratedText{
		Headline: strings.TrimSpace(parsed.Headline),
		City:     strings.TrimSpace(parsed.City),
		Body:     strings.TrimSpace(parsed.Body),
	}, nil
}

func systemPrompt(contextBudget float64, hasContext bool) string {
	base := "Ты редактор городской новостной ленты. Пиши только факты из переданных сообщений и не выдумывай ничего нового."
	if !hasContext {
		return base
	}
	percent := int(contextBudget * 100)
	return fmt.Sprintf("%s Не более %d%% текста может опираться на контекст предыдущей сводки; остальное — новые события окна.", base, percent)
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
