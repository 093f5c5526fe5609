package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

// EventType тип события жизненного цикла резерва
type EventType string

const (
	EventReserved    EventType = "inventory.reservation.reserved"
	EventConfirmed   EventType = "inventory.reservation.confirmed"
	EventReleased    EventType = "inventory.reservation.released"
	EventExpired     EventType = "inventory.reservation.expired"
	EventTransferred EventType = "inventory.reservation.transferred"
	EventCommitted   EventType = "inventory.allocation.committed"
)

// ReservationEvent событие по одной сессии
type ReservationEvent struct {
	EventID           string
	Type              EventType
	SessionID         string
	PreviousSessionID string // только для transferred
	OccurredAt        time.Time
	Lines             []EventLine
}

// EventLine одна партия в событии
type EventLine struct {
	BatchID     string
	WarehouseID string
	ItemName    string
	Quantity    int
}

// TotalQuantity сумма по строкам
func (e ReservationEvent) TotalQuantity() int {
	total := 0
	for _, l := range e.Lines {
		total += l.Quantity
	}
	return total
}

func newEvent(t EventType, sessionID string, at time.Time, reservations []repository.Reservation) ReservationEvent {
	lines := make([]EventLine, 0, len(reservations))
	for _, r := range reservations {
		lines = append(lines, EventLine{
			BatchID:     r.BatchID,
			WarehouseID: r.WarehouseID,
			ItemName:    r.ItemName,
			Quantity:    r.LockedQuantity,
		})
	}
	return ReservationEvent{
		EventID:    uuid.New().String(),
		Type:       t,
		SessionID:  sessionID,
		OccurredAt: at.UTC(),
		Lines:      lines,
	}
}

// MultiSink рассылает событие во все sinks, ошибки объединяются
type MultiSink []EventSink

// Publish отправляет событие в каждый sink, даже если предыдущий вернул ошибку
func (m MultiSink) Publish(ctx context.Context, event ReservationEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopSink ничего не делает (Kafka и журнал выключены)
type NopSink struct{}

// Publish ничего не делает
func (NopSink) Publish(context.Context, ReservationEvent) error { return nil }
