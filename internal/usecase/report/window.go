package report

import (
	"fmt"
	"time"

	"newsline/internal/domain"
)

// ResolveWindow строит окно [now-d, now) по имени таймфрейма ("2h", "6h", "24h").
func ResolveWindow(timeframe string, now time.Time) (domain.Window, error) {
	d, err := time.ParseDuration(timeframe)
	if err != nil || d <= 0 {
		return domain.Window{}, fmt.Errorf("некорректный таймфрейм %q", timeframe)
	}
	now = now.UTC()
	return domain.Window{Start: now.Add(-d), End: now, Timeframe: timeframe}, nil
}

// ExplicitWindow строит окно по явным границам [start, end).
func ExplicitWindow(start, end time.Time) (domain.Window, error) {
	if !start.Before(end) {
		return domain.Window{}, fmt.Errorf("начало окна %s не раньше конца %s", start, end)
	}
	return domain.Window{Start: start.UTC(), End: end.UTC()}, nil
}

// ContextBudgetPolicy задаёт долю повествования, которую новый отчёт может
// отводить контексту предыдущего. Короткие окна делают упор на новое,
// поэтому их доля меньше. Значения настраиваемые, не константа.
type ContextBudgetPolicy struct {
	shares   map[string]float64
	fallback float64
}

// DefaultContextBudget — политика по умолчанию (2h→0.30, 6h→0.40, 24h→0.50).
func DefaultContextBudget() ContextBudgetPolicy {
	return NewContextBudgetPolicy(map[string]float64{"2h": 0.30, "6h": 0.40, "24h": 0.50})
}

// NewContextBudgetPolicy создаёт политику из таблицы timeframe → доля.
func NewContextBudgetPolicy(shares map[string]float64) ContextBudgetPolicy {
	cleaned := make(map[string]float64, len(shares))
	for tf, share := range shares {
		if share < 0 || share > 1 {
			continue
		}
		cleaned[tf] = share
	}
	return ContextBudgetPolicy{shares: cleaned, fallback: 0.30}
}

// Share возвращает долю контекста для окна. Для окна без известного
// таймфрейма доля интерполируется по длительности.
func (p ContextBudgetPolicy) Share(w domain.Window) float64 {
	if share, ok := p.shares[w.Timeframe]; ok {
		return share
	}
	length := w.End.Sub(w.Start)
	switch {
	case length <= 3*time.Hour:
		return p.shareOr("2h")
	case length <= 12*time.Hour:
		return p.shareOr("6h")
	default:
		return p.shareOr("24h")
	}
}

func (p ContextBudgetPolicy) shareOr(tf string) float64 {
	if share, ok := p.shares[tf]; ok {
		return share
	}
	return p.fallback
}
