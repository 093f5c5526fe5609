package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

var (
	// ErrInvalidInput некорректный запрос (пустой список, quantity <= 0 и т.п.)
	ErrInvalidInput = errors.New("invalid input")
	// ErrSessionConflict целевая сессия уже держит резервы
	ErrSessionConflict = errors.New("target session already holds reservations")
	// ErrGeocodeUnresolved геокодер не смог определить координаты адреса
	ErrGeocodeUnresolved = errors.New("destination could not be geocoded")
)

// StockNotFoundError нет Stock для (item, warehouse). Не ретраится.
type StockNotFoundError struct {
	Item        repository.ItemRef
	WarehouseID string
}

func (e *StockNotFoundError) Error() string {
	return fmt.Sprintf("stock not found: item=%s warehouse=%s", e.Item, e.WarehouseID)
}

// Unwrap позволяет errors.Is(err, repository.ErrStockNotFound)
func (e *StockNotFoundError) Unwrap() error {
	return repository.ErrStockNotFound
}

// InsufficientStockError не хватает количества. Partial содержит то, что удалось спланировать.
type InsufficientStockError struct {
	Item      repository.ItemRef
	Requested int
	Shortfall int
	Partial   []BatchAllocation
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: item=%s requested=%d shortfall=%d", e.Item, e.Requested, e.Shortfall)
}

// OverAllocationError списание увело бы партию в минус (план устарел)
type OverAllocationError struct {
	BatchID   string
	Available int
	Requested int
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("over-allocation on batch %s: available=%d requested=%d", e.BatchID, e.Available, e.Requested)
}

// ReservationConflictError повторная проверка при резервировании нашла меньше, чем в плане.
// Всё, что было списано в этом вызове, откатывается до возврата ошибки.
type ReservationConflictError struct {
	SessionID string
	BatchID   string
	Available int
	Requested int
}

func (e *ReservationConflictError) Error() string {
	return fmt.Sprintf("reservation conflict: session=%s batch=%s available=%d requested=%d",
		e.SessionID, e.BatchID, e.Available, e.Requested)
}

// AllocationError одна или несколько позиций не были покрыты ни одной комбинацией складов
type AllocationError struct {
	Failures []ItemFailure
}

// ItemFailure причина неудачи по одной позиции
type ItemFailure struct {
	Item      repository.ItemRef
	Requested int
	Shortfall int
}

func (e *AllocationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (requested %d, short %d)", f.Item, f.Requested, f.Shortfall))
	}
	return "allocation failed: " + strings.Join(parts, ", ")
}

// TotalShortfall суммарная нехватка по всем позициям
func (e *AllocationError) TotalShortfall() int {
	total := 0
	for _, f := range e.Failures {
		total += f.Shortfall
	}
	return total
}
