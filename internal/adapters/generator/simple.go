package generator

import (
	"context"
	"strings"
	"unicode/utf8"

	"newsline/internal/domain"
)

// SimpleGenerator реализует domain.Generator эвристикой без внешних вызовов.
// Используется в dev-окружении и тестах.
type SimpleGenerator struct{}

var _ domain.Generator = (*SimpleGenerator)(nil)

// NewSimple создаёт генератор.
func NewSimple() *SimpleGenerator {
	return &SimpleGenerator{}
}

// Generate строит заголовок из первого сообщения и сшивает тексты в сводку.
func (g *SimpleGenerator) Generate(_ context.Context, input domain.GenerationInput) (domain.GeneratedText, error) {
	if len(input.Messages) == 0 {
		return domain.GeneratedText{Headline: "Пустое окно"}, nil
	}
	first := strings.TrimSpace(input.Messages[0].Text)
	words := strings.Fields(first)
	headline := strings.Join(words[:min(len(words), 12)], " ")
	headline = truncate(headline, 80)

	var b strings.Builder
	for i, msg := range input.Messages {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(truncate(strings.TrimSpace(msg.Text), 200))
	}
	return domain.GeneratedText{
		Headline: headline,
		Body:     truncate(b.String(), 2000),
	}, nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
