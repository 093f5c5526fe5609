package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
	"github.com/shestoi/GoBigTech/services/inventory/internal/service"
)

// GeocoderClient адаптирует HTTP геокодер (Nominatim-совместимый /search) к service.Geocoder
type GeocoderClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewGeocoderClient создаёт клиента геокодера. timeout ограничивает каждый запрос.
func NewGeocoderClient(baseURL, userAgent string, timeout time.Duration, logger *zap.Logger) *GeocoderClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GeocoderClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Resolve реализует service.Geocoder
func (c *GeocoderClient) Resolve(ctx context.Context, dest service.Destination) (repository.GeoPoint, error) {
	q := Query(dest)
	if q == "" {
		return repository.GeoPoint{}, service.ErrGeocodeUnresolved
	}

	params := url.Values{}
	params.Set("format", "json")
	params.Set("limit", "1")
	params.Set("q", q)
	if dest.Country != "" {
		params.Set("countrycodes", strings.ToLower(dest.Country))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return repository.GeoPoint{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return repository.GeoPoint{}, fmt.Errorf("geocoder request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return repository.GeoPoint{}, fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return repository.GeoPoint{}, fmt.Errorf("decode geocoder response: %w", err)
	}
	if len(results) == 0 {
		return repository.GeoPoint{}, service.ErrGeocodeUnresolved
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return repository.GeoPoint{}, fmt.Errorf("parse lat: %w", err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return repository.GeoPoint{}, fmt.Errorf("parse lon: %w", err)
	}

	c.logger.Debug("destination geocoded", zap.String("query", q), zap.Float64("lat", lat), zap.Float64("lon", lon))
	return repository.GeoPoint{Lat: lat, Lon: lon}, nil
}

// Query строка поиска "street, city, country" без пустых частей
func Query(dest service.Destination) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{dest.Street, dest.City, dest.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
