package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"newsline/internal/domain"
	"newsline/internal/infra/metrics"
)

// Client ходит в внешний геокодер. Отсутствие координат никогда не блокирует
// выдачу отчётов: вызывающая сторона обязана переживать ошибки этого клиента.
type Client struct {
	http    *http.Client
	baseURL string
}

var _ domain.Geocoder = (*Client)(nil)

// NewClient создаёт клиента геокодера.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type lookupResponse struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Lookup возвращает координаты города.
func (c *Client) Lookup(ctx context.Context, city string) (domain.GeoPoint, error) {
	if c.baseURL == "" {
		return domain.GeoPoint{}, fmt.Errorf("geocode: не задан адрес сервиса")
	}
	endpoint := c.baseURL + "/geocode?city=" + url.QueryEscape(city)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.GeoPoint{}, fmt.Errorf("geocode: build request: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("geocode", "lookup", "geocode", start, err)
	if err != nil {
		return domain.GeoPoint{}, fmt.Errorf("geocode: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.GeoPoint{}, fmt.Errorf("geocode: unexpected status %d", resp.StatusCode)
	}
	var parsed lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.GeoPoint{}, fmt.Errorf("geocode: decode response: %w", err)
	}
	return domain.GeoPoint{City: city, Lat: parsed.Lat, Lng: parsed.Lng}, nil
}

// BatchLookup запрашивает координаты набора городов конкурентно.
// Города без результата просто отсутствуют в ответе.
func (c *Client) BatchLookup(ctx context.Context, cities []string) (map[string]domain.GeoPoint, error) {
	out := make(map[string]domain.GeoPoint, len(cities))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, city := range cities {
		if strings.TrimSpace(city) == "" {
			continue
		}
		wg.Add(1)
		go func(city string) {
			defer wg.Done()
			point, err := c.Lookup(ctx, city)
			if err != nil {
				return
			}
			mu.Lock()
			out[city] = point
			mu.Unlock()
		}(city)
	}
	wg.Wait()
	return out, nil
}
