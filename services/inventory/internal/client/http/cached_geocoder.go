package httpclient

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
	"github.com/shestoi/GoBigTech/services/inventory/internal/service"
)

// GeocodeCache кэш координат по строке адреса
type GeocodeCache interface {
	Get(ctx context.Context, key string) (repository.GeoPoint, bool, error)
	Set(ctx context.Context, key string, p repository.GeoPoint, ttl time.Duration) error
}

// CachedGeocoder оборачивает Geocoder кэшем. Ошибки кэша не ломают геокодинг.
type CachedGeocoder struct {
	next   service.Geocoder
	cache  GeocodeCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedGeocoder создаёт геокодер с кэшем
func NewCachedGeocoder(next service.Geocoder, cache GeocodeCache, ttl time.Duration, logger *zap.Logger) *CachedGeocoder {
	return &CachedGeocoder{next: next, cache: cache, ttl: ttl, logger: logger}
}

// Resolve реализует service.Geocoder
func (g *CachedGeocoder) Resolve(ctx context.Context, dest service.Destination) (repository.GeoPoint, error) {
	key := strings.ToLower(Query(dest))

	if key != "" {
		p, ok, err := g.cache.Get(ctx, key)
		if err != nil {
			g.logger.Warn("geocode cache get failed", zap.Error(err))
		} else if ok {
			return p, nil
		}
	}

	p, err := g.next.Resolve(ctx, dest)
	if err != nil {
		return repository.GeoPoint{}, err
	}

	if key != "" {
		if err := g.cache.Set(ctx, key, p, g.ttl); err != nil {
			g.logger.Warn("geocode cache set failed", zap.Error(err))
		}
	}
	return p, nil
}
