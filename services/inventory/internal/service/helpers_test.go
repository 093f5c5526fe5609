package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository/memory"
)

var testNow = time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func product(id string) repository.ItemRef {
	return repository.ItemRef{Kind: repository.ItemProduct, ID: id}
}

// kmNorth точка на заданном расстоянии к северу от (0,0)
func kmNorth(km float64) *repository.GeoPoint {
	return &repository.GeoPoint{Lat: km / 111.195, Lon: 0}
}

func origin() Destination {
	lat, lon := 0.0, 0.0
	return Destination{Country: "XX", Lat: &lat, Lon: &lon}
}

// recordingSink запоминает опубликованные события
type recordingSink struct {
	mu     sync.Mutex
	events []ReservationEvent
	err    error
}

func (s *recordingSink) Publish(ctx context.Context, ev ReservationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

// geocoderMock testify mock для Geocoder
type geocoderMock struct {
	mock.Mock
}

func (m *geocoderMock) Resolve(ctx context.Context, dest Destination) (repository.GeoPoint, error) {
	args := m.Called(ctx, dest)
	return args.Get(0).(repository.GeoPoint), args.Error(1)
}

type fixture struct {
	store *memory.Store
	sink  *recordingSink
	fefo  *FEFOAllocator
	alloc *Allocator
	locks *LockManager
	svc   *StockService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore()
	sink := &recordingSink{}
	clock := fixedClock(testNow)

	ranker := NewProximityRanker(store, nil, time.Second, logger)
	fefo := NewFEFOAllocator(store, clock, logger)
	alloc := NewAllocator(ranker, fefo, nil, logger)
	locks := NewLockManager(store, 0, clock, sink, nil, logger)

	return &fixture{
		store: store,
		sink:  sink,
		fefo:  fefo,
		alloc: alloc,
		locks: locks,
		svc:   NewStockService(alloc, locks, store, clock, logger),
	}
}

func (f *fixture) warehouse(id string, loc *repository.GeoPoint) repository.Warehouse {
	w := repository.Warehouse{ID: id, Name: "Warehouse " + id, Location: loc, Country: "XX", Active: true}
	f.store.AddWarehouse(w)
	return w
}

func (f *fixture) stock(id string, item repository.ItemRef, warehouseID string) repository.Stock {
	st := repository.Stock{ID: id, Item: item, ItemName: "Item " + item.ID, WarehouseID: warehouseID, LowStockThreshold: 2}
	f.store.AddStock(st)
	return st
}

func (f *fixture) batch(id, stockID string, qty int, expiry *time.Time) repository.Batch {
	b := repository.Batch{ID: id, StockID: stockID, Quantity: qty, Status: repository.BatchActive, ExpiryDate: expiry}
	f.store.AddBatch(b)
	return b
}

func (f *fixture) qty(t *testing.T, batchID string) int {
	t.Helper()
	b, ok := f.store.Batch(batchID)
	require.True(t, ok, "batch %s not found", batchID)
	return b.Quantity
}

func (f *fixture) status(t *testing.T, batchID string) repository.BatchStatus {
	t.Helper()
	b, ok := f.store.Batch(batchID)
	require.True(t, ok, "batch %s not found", batchID)
	return b.Status
}

// lockedOn сумма живых блокировок на партию по всем сессиям
func (f *fixture) lockedOn(t *testing.T, batchID string, sessions ...string) int {
	t.Helper()
	total := 0
	for _, s := range sessions {
		rs, err := f.store.ListReservations(context.Background(), s)
		require.NoError(t, err)
		for _, r := range rs {
			if r.BatchID == batchID {
				total += r.LockedQuantity
			}
		}
	}
	return total
}

// twoWarehouses склад A в 5 км (3 шт до 2024-01-10), склад B в 20 км (10 шт до 2024-02-01)
func (f *fixture) twoWarehouses() {
	f.warehouse("A", kmNorth(5))
	f.warehouse("B", kmNorth(20))
	f.stock("sA", product("p1"), "A")
	f.stock("sB", product("p1"), "B")
	f.batch("bA", "sA", 3, date(2024, 1, 10))
	f.batch("bB", "sB", 10, date(2024, 2, 1))
}
