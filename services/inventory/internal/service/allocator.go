package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	platformobservability "github.com/shestoi/GoBigTech/platform/observability"
	"github.com/shestoi/GoBigTech/services/inventory/internal/metrics"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

var tracer = otel.Tracer("github.com/shestoi/GoBigTech/services/inventory/internal/service")

// LineItem позиция запроса
type LineItem struct {
	Item     repository.ItemRef
	Quantity int
}

// ItemPlan результат планирования одной позиции.
// При Err != nil Allocations содержит частичный план, который не учитывается в Plan.Allocations.
type ItemPlan struct {
	Item        LineItem
	Allocations []BatchAllocation
	Shortfall   int
	Err         error
}

// Plan план по всем позициям запроса в порядке запроса
type Plan struct {
	Items []ItemPlan
}

// Allocations все аллокации успешно спланированных позиций
func (p Plan) Allocations() []BatchAllocation {
	var out []BatchAllocation
	for _, it := range p.Items {
		if it.Err != nil {
			continue
		}
		out = append(out, it.Allocations...)
	}
	return out
}

// Complete true, если все позиции покрыты полностью
func (p Plan) Complete() bool {
	for _, it := range p.Items {
		if it.Err != nil {
			return false
		}
	}
	return true
}

// Allocator распределяет позиции по складам: ближайший склад первым,
// у каждого берётся столько, сколько он может дать по FEFO.
type Allocator struct {
	ranker  *ProximityRanker
	fefo    *FEFOAllocator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAllocator создаёт multi-warehouse аллокатор
func NewAllocator(ranker *ProximityRanker, fefo *FEFOAllocator, m *metrics.Metrics, logger *zap.Logger) *Allocator {
	return &Allocator{
		ranker:  ranker,
		fefo:    fefo,
		metrics: m,
		logger:  logger,
	}
}

// AllocateAcrossWarehouses планирует все позиции независимо, в порядке запроса.
// Ранние позиции могут забрать сток ближайшего склада у поздних (first-come-first-served).
// Если какую-то позицию покрыть не удалось, вместе с планом возвращается *AllocationError.
// Ошибки хранилища прерывают планирование целиком.
func (a *Allocator) AllocateAcrossWarehouses(ctx context.Context, items []LineItem, dest Destination) (Plan, error) {
	ctx, span := tracer.Start(ctx, "Allocator.AllocateAcrossWarehouses")
	defer span.End()
	span.SetAttributes(attribute.Int("items.count", len(items)))

	start := time.Now()
	defer func() { a.metrics.ObservePlan(time.Since(start)) }()

	if len(items) == 0 {
		return Plan{}, fmt.Errorf("%w: no items", ErrInvalidInput)
	}
	for i, it := range items {
		if it.Quantity <= 0 {
			return Plan{}, fmt.Errorf("%w: items[%d] quantity must be positive", ErrInvalidInput, i)
		}
		if !it.Item.Kind.Valid() || it.Item.ID == "" {
			return Plan{}, fmt.Errorf("%w: items[%d] has invalid item reference", ErrInvalidInput, i)
		}
	}

	warehouses, err := a.ranker.Rank(ctx, dest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Plan{}, err
	}

	log := platformobservability.L(ctx, a.logger)
	held := make(map[string]int)
	plan := Plan{Items: make([]ItemPlan, 0, len(items))}
	var failures []ItemFailure

	for _, it := range items {
		ip, err := a.allocateItem(ctx, it, warehouses, held)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Plan{}, err
		}
		if ip.Shortfall > 0 {
			ip.Err = &InsufficientStockError{
				Item:      it.Item,
				Requested: it.Quantity,
				Shortfall: ip.Shortfall,
				Partial:   ip.Allocations,
			}
			failures = append(failures, ItemFailure{Item: it.Item, Requested: it.Quantity, Shortfall: ip.Shortfall})
			a.metrics.Shortfall(ip.Shortfall)
			log.Info("item could not be fully allocated",
				zap.String("item", it.Item.String()),
				zap.Int("requested", it.Quantity),
				zap.Int("shortfall", ip.Shortfall),
			)
		} else {
			for _, al := range ip.Allocations {
				held[al.Batch.ID] += al.Quantity
			}
		}
		plan.Items = append(plan.Items, ip)
	}

	if len(failures) > 0 {
		allocErr := &AllocationError{Failures: failures}
		span.SetStatus(codes.Error, allocErr.Error())
		return plan, allocErr
	}
	return plan, nil
}

func (a *Allocator) allocateItem(ctx context.Context, it LineItem, warehouses []repository.Warehouse, held map[string]int) (ItemPlan, error) {
	ip := ItemPlan{Item: it}
	remaining := it.Quantity

	for _, w := range warehouses {
		if remaining == 0 {
			break
		}
		allocs, shortfall, err := a.fefo.plan(ctx, it.Item, remaining, w, held)
		if err != nil {
			var notFound *StockNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return ItemPlan{}, err
		}
		// частичное покрытие складом нормально, остаток ищем дальше
		ip.Allocations = append(ip.Allocations, allocs...)
		remaining = shortfall
	}

	ip.Shortfall = remaining
	return ip, nil
}
