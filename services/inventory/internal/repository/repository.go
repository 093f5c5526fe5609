package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ItemKind тип позиции: товар или его вариант
type ItemKind string

const (
	ItemProduct ItemKind = "PRODUCT"
	ItemVariant ItemKind = "VARIANT"
)

// Valid проверяет, что тип позиции известен
func (k ItemKind) Valid() bool {
	return k == ItemProduct || k == ItemVariant
}

// ItemRef ссылка на товар или вариант
type ItemRef struct {
	Kind ItemKind
	ID   string
}

func (r ItemRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// GeoPoint координаты в градусах
type GeoPoint struct {
	Lat float64
	Lon float64
}

// Warehouse склад. Во время аллокации только читается.
type Warehouse struct {
	ID       string
	Name     string
	Location *GeoPoint // nil, если координаты склада неизвестны
	Country  string
	Active   bool
}

// Stock пара (товар/вариант, склад). Владеет партиями.
// Quantity - кэш, источником истины служит сумма по партиям.
type Stock struct {
	ID                string
	Item              ItemRef
	ItemName          string
	WarehouseID       string
	LowStockThreshold int
	Quantity          int
}

// BatchStatus статус партии
type BatchStatus string

const (
	BatchActive   BatchStatus = "ACTIVE"
	BatchEmpty    BatchStatus = "EMPTY"
	BatchExpired  BatchStatus = "EXPIRED"
	BatchRecalled BatchStatus = "RECALLED"
	BatchInactive BatchStatus = "INACTIVE"
)

// Allocatable партии в этих статусах участвуют в аллокации
func (s BatchStatus) Allocatable() bool {
	return s == BatchActive || s == BatchEmpty
}

// Batch партия товара на складе
type Batch struct {
	ID              string
	StockID         string
	Quantity        int
	Status          BatchStatus
	ExpiryDate      *time.Time
	ManufactureDate *time.Time
}

// ExpiredAt true, если срок годности партии закончился к дате now (сравнение по календарным дням UTC).
// Партия со сроком "сегодня" ещё годна.
func (b Batch) ExpiredAt(now time.Time) bool {
	if b.ExpiryDate == nil {
		return false
	}
	return DateOf(*b.ExpiryDate).Before(DateOf(now))
}

// DateOf обрезает время до полуночи UTC
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Reservation запись блокировки: сколько единиц партии удерживает сессия чекаута.
// Имена склада и товара денормализованы для аудита.
type Reservation struct {
	ID             string
	SessionID      string
	BatchID        string
	LockedQuantity int
	WarehouseID    string
	WarehouseName  string
	ItemName       string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Store хранилище складов, партий и резервов.
// Service слой зависит от этого интерфейса, а не от конкретной реализации.
type Store interface {
	// ListActiveWarehouses возвращает активные склады в порядке id
	ListActiveWarehouses(ctx context.Context) ([]Warehouse, error)

	// GetStock возвращает Stock для (item, warehouse) или ErrStockNotFound
	GetStock(ctx context.Context, item ItemRef, warehouseID string) (Stock, error)

	// ListStocks возвращает все Stock позиции по всем складам
	ListStocks(ctx context.Context, item ItemRef) ([]Stock, error)

	// ListBatches возвращает партии Stock в порядке id
	ListBatches(ctx context.Context, stockID string) ([]Batch, error)

	// MarkBatchesExpired переводит перечисленные партии в EXPIRED (только из ACTIVE/EMPTY)
	MarkBatchesExpired(ctx context.Context, batchIDs []string) error

	// ExpireBatches переводит в EXPIRED все ACTIVE/EMPTY партии со сроком раньше даты asOf.
	// Возвращает количество изменённых партий.
	ExpireBatches(ctx context.Context, asOf time.Time) (int64, error)

	// ListReservations возвращает живые резервы сессии
	ListReservations(ctx context.Context, sessionID string) ([]Reservation, error)

	// ListExpiredReservations возвращает до limit резервов с expires_at < now, самые старые первыми
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)

	// InTx выполняет fn в одной транзакции. Ошибка fn откатывает все изменения.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Ping проверка доступности хранилища (readiness)
	Ping(ctx context.Context) error
}

// Tx операции внутри транзакции. Чтение партии через GetBatchForUpdate
// блокирует строку до конца транзакции.
type Tx interface {
	// LockSession сериализует транзакции одной сессии
	LockSession(ctx context.Context, sessionID string) error

	// GetBatchForUpdate читает партию с блокировкой строки или возвращает ErrBatchNotFound
	GetBatchForUpdate(ctx context.Context, batchID string) (Batch, error)

	// UpdateBatch записывает новое количество и статус партии
	UpdateBatch(ctx context.Context, batchID string, quantity int, status BatchStatus) error

	// InsertReservation сохраняет запись блокировки
	InsertReservation(ctx context.Context, r Reservation) error

	// SessionReservations возвращает резервы сессии внутри транзакции
	SessionReservations(ctx context.Context, sessionID string) ([]Reservation, error)

	// DeleteReservation удаляет резерв и возвращает его состояние на момент удаления.
	// false, если его уже удалил кто-то другой.
	DeleteReservation(ctx context.Context, reservationID string) (Reservation, bool, error)

	// ReassignSession переносит резервы from -> to, возвращает количество перенесённых
	ReassignSession(ctx context.Context, from, to string) (int64, error)
}

// Seeder загрузка справочных данных (склады, Stock, партии)
type Seeder interface {
	UpsertWarehouse(ctx context.Context, w Warehouse) error
	UpsertStock(ctx context.Context, st Stock) error
	UpsertBatch(ctx context.Context, b Batch) error
}

var (
	// ErrNotFound общая ошибка "не найдено"
	ErrNotFound = errors.New("not found")
	// ErrStockNotFound нет Stock для (item, warehouse)
	ErrStockNotFound = fmt.Errorf("stock %w", ErrNotFound)
	// ErrBatchNotFound партия не найдена
	ErrBatchNotFound = fmt.Errorf("batch %w", ErrNotFound)
)
