package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	platformobservability "github.com/shestoi/GoBigTech/platform/observability"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

// BatchSource чтение Stock и партий для планирования
type BatchSource interface {
	GetStock(ctx context.Context, item repository.ItemRef, warehouseID string) (repository.Stock, error)
	ListBatches(ctx context.Context, stockID string) ([]repository.Batch, error)
	MarkBatchesExpired(ctx context.Context, batchIDs []string) error
}

// BatchAllocation сколько единиц взять из партии. Не сохраняется:
// либо списывается через CommitAllocation, либо превращается в резерв.
type BatchAllocation struct {
	Batch     repository.Batch
	Stock     repository.Stock
	Warehouse repository.Warehouse
	Quantity  int
}

// FEFOAllocator подбирает партии одного склада в порядке First-Expired-First-Out.
// Только планирует, количество партий не меняет.
type FEFOAllocator struct {
	batches BatchSource
	now     Clock
	logger  *zap.Logger
}

// NewFEFOAllocator создаёт FEFO аллокатор
func NewFEFOAllocator(batches BatchSource, now Clock, logger *zap.Logger) *FEFOAllocator {
	if now == nil {
		now = time.Now
	}
	return &FEFOAllocator{
		batches: batches,
		now:     now,
		logger:  logger,
	}
}

// Allocate планирует requested единиц item на складе warehouse.
// Ошибки: *StockNotFoundError, *InsufficientStockError (с частичным планом в Partial).
func (a *FEFOAllocator) Allocate(ctx context.Context, item repository.ItemRef, requested int, warehouse repository.Warehouse) ([]BatchAllocation, error) {
	if requested <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}

	allocations, shortfall, err := a.plan(ctx, item, requested, warehouse, nil)
	if err != nil {
		return nil, err
	}
	if shortfall > 0 {
		return nil, &InsufficientStockError{
			Item:      item,
			Requested: requested,
			Shortfall: shortfall,
			Partial:   allocations,
		}
	}
	return allocations, nil
}

// plan возвращает сколько получилось набрать и недостачу.
// held - единицы партий, уже отданные другим позициям этого же запроса.
func (a *FEFOAllocator) plan(
	ctx context.Context,
	item repository.ItemRef,
	requested int,
	warehouse repository.Warehouse,
	held map[string]int,
) ([]BatchAllocation, int, error) {
	stock, err := a.batches.GetStock(ctx, item, warehouse.ID)
	if err != nil {
		if errors.Is(err, repository.ErrStockNotFound) {
			return nil, requested, &StockNotFoundError{Item: item, WarehouseID: warehouse.ID}
		}
		return nil, requested, fmt.Errorf("get stock: %w", err)
	}

	batches, err := a.batches.ListBatches(ctx, stock.ID)
	if err != nil {
		return nil, requested, fmt.Errorf("list batches: %w", err)
	}

	now := a.now()
	eligible := make([]repository.Batch, 0, len(batches))
	var expired []string
	for _, b := range batches {
		if b.Quantity-held[b.ID] <= 0 || !b.Status.Allocatable() {
			continue
		}
		if b.ExpiredAt(now) {
			expired = append(expired, b.ID)
			continue
		}
		eligible = append(eligible, b)
	}

	if len(expired) > 0 {
		if err := a.batches.MarkBatchesExpired(ctx, expired); err != nil {
			platformobservability.L(ctx, a.logger).Warn("failed to mark batches expired",
				zap.Error(err),
				zap.Strings("batch_ids", expired),
			)
		}
	}

	SortFEFO(eligible)

	remaining := requested
	var out []BatchAllocation
	for _, b := range eligible {
		if remaining == 0 {
			break
		}
		take := min(remaining, b.Quantity-held[b.ID])
		out = append(out, BatchAllocation{
			Batch:     b,
			Stock:     stock,
			Warehouse: warehouse,
			Quantity:  take,
		})
		remaining -= take
	}

	return out, remaining, nil
}

// SortFEFO сортирует партии: срок годности по возрастанию (без срока в конце),
// затем дата производства (без даты в конце), затем id.
func SortFEFO(batches []repository.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if c := compareDates(batches[i].ExpiryDate, batches[j].ExpiryDate); c != 0 {
			return c < 0
		}
		if c := compareDates(batches[i].ManufactureDate, batches[j].ManufactureDate); c != 0 {
			return c < 0
		}
		return batches[i].ID < batches[j].ID
	})
}

// compareDates nil считается больше любой даты
func compareDates(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case b.Before(*a):
		return 1
	default:
		return 0
	}
}
