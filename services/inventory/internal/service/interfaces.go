package service

import (
	"context"
	"time"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

// Destination адрес доставки. Если Lat/Lon заданы, геокодер не вызывается.
type Destination struct {
	Street  string
	City    string
	Country string
	Lat     *float64
	Lon     *float64
}

// Point возвращает координаты, если они указаны в адресе
func (d Destination) Point() (repository.GeoPoint, bool) {
	if d.Lat == nil || d.Lon == nil {
		return repository.GeoPoint{}, false
	}
	return repository.GeoPoint{Lat: *d.Lat, Lon: *d.Lon}, true
}

// Geocoder определяет координаты адреса.
// Возвращает ErrGeocodeUnresolved, если адрес не найден.
type Geocoder interface {
	Resolve(ctx context.Context, dest Destination) (repository.GeoPoint, error)
}

// EventSink получатель событий жизненного цикла резервов (Kafka, журнал в MongoDB).
// Ошибка sink не откатывает состояние резерва.
type EventSink interface {
	Publish(ctx context.Context, event ReservationEvent) error
}

// Clock источник времени (подменяется в тестах)
type Clock func() time.Time
