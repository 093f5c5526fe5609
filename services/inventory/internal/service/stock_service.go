package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	platformobservability "github.com/shestoi/GoBigTech/platform/observability"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

// TempSessionPrefix префикс временного id сессии, который позже заменяется через Transfer
const TempSessionPrefix = "tmp-"

// StockReader чтение стока для подсчёта доступного количества
type StockReader interface {
	ListStocks(ctx context.Context, item repository.ItemRef) ([]repository.Stock, error)
	ListBatches(ctx context.Context, stockID string) ([]repository.Batch, error)
}

// ReserveItemsInput запрос "спланировать и зарезервировать"
type ReserveItemsInput struct {
	// SessionID если пустой, генерируется временный tmp-<uuid>
	SessionID   string
	Items       []LineItem
	Destination Destination
	// AllowPartial резервировать покрытые позиции, даже если часть позиций не покрыта
	AllowPartial bool
}

// ReserveItemsResult результат ReserveItems
type ReserveItemsResult struct {
	SessionID       string
	AlreadyReserved bool
	Plan            Plan
	Info            ReservationInfo
}

// Availability доступное количество товара по складам (сумма годных партий)
type Availability struct {
	Item       repository.ItemRef
	Total      int
	Warehouses []WarehouseAvailability
}

// WarehouseAvailability доступное количество на одном складе
type WarehouseAvailability struct {
	WarehouseID       string
	Quantity          int
	LowStockThreshold int
	LowStock          bool
}

// StockService содержит бизнес-логику, которую вызывают внешние сервисы (checkout, payment):
// планирование, резервирование, подтверждение и освобождение.
type StockService struct {
	allocator *Allocator
	locks     *LockManager
	stocks    StockReader
	now       Clock
	logger    *zap.Logger
}

// NewStockService создаёт StockService
func NewStockService(allocator *Allocator, locks *LockManager, stocks StockReader, now Clock, logger *zap.Logger) *StockService {
	if now == nil {
		now = time.Now
	}
	return &StockService{
		allocator: allocator,
		locks:     locks,
		stocks:    stocks,
		now:       now,
		logger:    logger,
	}
}

// Plan только планирует. При непокрытых позициях вместе с планом возвращается *AllocationError.
func (s *StockService) Plan(ctx context.Context, items []LineItem, dest Destination) (Plan, error) {
	return s.allocator.AllocateAcrossWarehouses(ctx, items, dest)
}

// ReserveItems планирует и резервирует одной операцией.
// Если сессия уже держит резервы, возвращает их без повторного планирования.
func (s *StockService) ReserveItems(ctx context.Context, in ReserveItemsInput) (ReserveItemsResult, error) {
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = TempSessionPrefix + uuid.New().String()
	}
	log := platformobservability.L(ctx, s.logger).With(zap.String("session_id", sessionID))

	existing, err := s.locks.ReservationInfo(ctx, sessionID)
	if err != nil {
		return ReserveItemsResult{}, err
	}
	if existing.TotalLocked > 0 {
		log.Info("session already reserved, returning existing reservations")
		return ReserveItemsResult{SessionID: sessionID, AlreadyReserved: true, Info: existing}, nil
	}

	plan, err := s.allocator.AllocateAcrossWarehouses(ctx, in.Items, in.Destination)
	if err != nil {
		var allocErr *AllocationError
		if !errors.As(err, &allocErr) || !in.AllowPartial || len(plan.Allocations()) == 0 {
			return ReserveItemsResult{SessionID: sessionID, Plan: plan}, err
		}
		log.Info("reserving partial plan", zap.Int("shortfall", allocErr.TotalShortfall()))
	}

	res, err := s.locks.Reserve(ctx, sessionID, plan.Allocations())
	if err != nil {
		return ReserveItemsResult{SessionID: sessionID, Plan: plan}, err
	}

	return ReserveItemsResult{
		SessionID:       sessionID,
		AlreadyReserved: res.AlreadyReserved,
		Plan:            plan,
		Info:            buildInfo(sessionID, res.Reservations),
	}, nil
}

// Reserve резервирует готовый план
func (s *StockService) Reserve(ctx context.Context, sessionID string, allocations []BatchAllocation) (ReserveResult, error) {
	return s.locks.Reserve(ctx, sessionID, allocations)
}

// Confirm подтверждает резервы сессии (оплата прошла)
func (s *StockService) Confirm(ctx context.Context, sessionID string) (int, error) {
	return s.locks.Confirm(ctx, sessionID)
}

// Release освобождает резервы сессии (оплата не прошла, чекаут отменён)
func (s *StockService) Release(ctx context.Context, sessionID string) (int, error) {
	return s.locks.Release(ctx, sessionID)
}

// Transfer переносит резервы на новый id сессии
func (s *StockService) Transfer(ctx context.Context, from, to string) (int, error) {
	return s.locks.Transfer(ctx, from, to)
}

// ReservationInfo сводка по резервам сессии
func (s *StockService) ReservationInfo(ctx context.Context, sessionID string) (ReservationInfo, error) {
	return s.locks.ReservationInfo(ctx, sessionID)
}

// CommitAllocation списывает план без резерва
func (s *StockService) CommitAllocation(ctx context.Context, allocations []BatchAllocation) error {
	return s.locks.CommitAllocation(ctx, allocations)
}

// BatchQuantity количество к списанию с одной партии
type BatchQuantity struct {
	BatchID  string
	Quantity int
}

// CommitBatches списывает количество с партий по id (прямая продажа по готовому плану от клиента)
func (s *StockService) CommitBatches(ctx context.Context, lines []BatchQuantity) error {
	allocations := make([]BatchAllocation, 0, len(lines))
	for _, l := range lines {
		if l.BatchID == "" {
			return fmt.Errorf("%w: batch id is required", ErrInvalidInput)
		}
		allocations = append(allocations, BatchAllocation{
			Batch:    repository.Batch{ID: l.BatchID},
			Quantity: l.Quantity,
		})
	}
	return s.locks.CommitAllocation(ctx, allocations)
}

// Availability считает доступное количество по партиям (ACTIVE/EMPTY, не просроченные).
// Stock.Quantity не используется.
func (s *StockService) Availability(ctx context.Context, item repository.ItemRef) (Availability, error) {
	if !item.Kind.Valid() || item.ID == "" {
		return Availability{}, fmt.Errorf("%w: invalid item reference", ErrInvalidInput)
	}

	stocks, err := s.stocks.ListStocks(ctx, item)
	if err != nil {
		return Availability{}, fmt.Errorf("list stocks: %w", err)
	}
	if len(stocks) == 0 {
		return Availability{}, repository.ErrStockNotFound
	}

	now := s.now()
	out := Availability{Item: item}
	for _, st := range stocks {
		batches, err := s.stocks.ListBatches(ctx, st.ID)
		if err != nil {
			return Availability{}, fmt.Errorf("list batches: %w", err)
		}
		qty := 0
		for _, b := range batches {
			if b.Quantity > 0 && b.Status.Allocatable() && !b.ExpiredAt(now) {
				qty += b.Quantity
			}
		}
		out.Total += qty
		out.Warehouses = append(out.Warehouses, WarehouseAvailability{
			WarehouseID:       st.WarehouseID,
			Quantity:          qty,
			LowStockThreshold: st.LowStockThreshold,
			LowStock:          qty <= st.LowStockThreshold,
		})
	}
	return out, nil
}
