package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	platformobservability "github.com/shestoi/GoBigTech/platform/observability"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

const earthRadiusKm = 6371.0

// WarehouseLister источник активных складов
type WarehouseLister interface {
	ListActiveWarehouses(ctx context.Context) ([]repository.Warehouse, error)
}

// ProximityRanker упорядочивает склады по расстоянию до адреса доставки.
// Если координаты адреса определить не удалось, возвращает склады в порядке хранилища.
type ProximityRanker struct {
	warehouses WarehouseLister
	geocoder   Geocoder
	timeout    time.Duration
	logger     *zap.Logger
}

// NewProximityRanker создаёт ranker. geocoder может быть nil (тогда используются только lat/lon адреса).
func NewProximityRanker(warehouses WarehouseLister, geocoder Geocoder, timeout time.Duration, logger *zap.Logger) *ProximityRanker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProximityRanker{
		warehouses: warehouses,
		geocoder:   geocoder,
		timeout:    timeout,
		logger:     logger,
	}
}

// Rank возвращает активные склады, ближайшие первыми.
// Склады без координат идут в конце в порядке хранилища.
func (r *ProximityRanker) Rank(ctx context.Context, dest Destination) ([]repository.Warehouse, error) {
	warehouses, err := r.warehouses.ListActiveWarehouses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active warehouses: %w", err)
	}

	origin, ok := r.resolve(ctx, dest)
	if !ok {
		return warehouses, nil
	}

	distances := make(map[string]float64, len(warehouses))
	for _, w := range warehouses {
		if w.Location == nil {
			distances[w.ID] = math.Inf(1)
			continue
		}
		distances[w.ID] = Haversine(origin, *w.Location)
	}

	ranked := make([]repository.Warehouse, len(warehouses))
	copy(ranked, warehouses)
	sort.SliceStable(ranked, func(i, j int) bool {
		return distances[ranked[i].ID] < distances[ranked[j].ID]
	})
	return ranked, nil
}

func (r *ProximityRanker) resolve(ctx context.Context, dest Destination) (repository.GeoPoint, bool) {
	if p, ok := dest.Point(); ok {
		return p, true
	}
	if r.geocoder == nil {
		return repository.GeoPoint{}, false
	}

	gctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.geocoder.Resolve(gctx, dest)
	if err != nil {
		platformobservability.L(ctx, r.logger).Warn("geocoding failed, using unranked warehouse list",
			zap.Error(err),
			zap.String("city", dest.City),
			zap.String("country", dest.Country),
		)
		return repository.GeoPoint{}, false
	}
	return p, true
}

// Haversine расстояние по дуге большого круга в километрах
func Haversine(a, b repository.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}
