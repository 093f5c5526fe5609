package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

const (
	hashFieldLat = "lat" // hashFieldLat - широта в hash
	hashFieldLon = "lon" // hashFieldLon - долгота в hash
)

// GeocodeCache кэширует координаты адресов доставки в Redis hash
type GeocodeCache struct {
	client redis.Cmdable
	logger *zap.Logger
}

// NewGeocodeCache создаёт Redis кэш геокодинга
func NewGeocodeCache(client redis.Cmdable, logger *zap.Logger) *GeocodeCache {
	return &GeocodeCache{
		client: client,
		logger: logger,
	}
}

func geocodeKey(address string) string {
	return fmt.Sprintf("geocode:%s", address)
}

// Get возвращает координаты адреса; ok=false если записи нет
func (c *GeocodeCache) Get(ctx context.Context, address string) (repository.GeoPoint, bool, error) {
	key := geocodeKey(address)

	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Error("failed to get geocode hash from redis", zap.Error(err), zap.String("key", key))
		return repository.GeoPoint{}, false, fmt.Errorf("failed to get geocode: %w", err)
	}
	// HGETALL на отсутствующем ключе отдаёт пустой hash
	if len(fields) == 0 {
		return repository.GeoPoint{}, false, nil
	}

	lat, err := strconv.ParseFloat(fields[hashFieldLat], 64)
	if err != nil {
		return repository.GeoPoint{}, false, fmt.Errorf("corrupt geocode lat: %w", err)
	}
	lon, err := strconv.ParseFloat(fields[hashFieldLon], 64)
	if err != nil {
		return repository.GeoPoint{}, false, fmt.Errorf("corrupt geocode lon: %w", err)
	}

	c.logger.Debug("geocode cache hit", zap.String("key", key))
	return repository.GeoPoint{Lat: lat, Lon: lon}, true, nil
}

// Set сохраняет координаты адреса с TTL
func (c *GeocodeCache) Set(ctx context.Context, address string, p repository.GeoPoint, ttl time.Duration) error {
	key := geocodeKey(address)

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key,
		hashFieldLat, strconv.FormatFloat(p.Lat, 'f', -1, 64),
		hashFieldLon, strconv.FormatFloat(p.Lon, 'f', -1, 64),
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("failed to store geocode hash in redis", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("failed to store geocode: %w", err)
	}
	return nil
}
