//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // драйвер pgx для goose

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
	"github.com/shestoi/GoBigTech/services/inventory/internal/service"
	"github.com/shestoi/GoBigTech/services/inventory/migrations"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("inventory"),
		postgres.WithUsername("inventory_user"),
		postgres.WithPassword("inventory_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.UpContext(ctx, db, "."), "Failed to run migrations")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewStore(pool), pool
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	expA := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	expB := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertWarehouse(ctx, repository.Warehouse{ID: "A", Name: "Near", Location: &repository.GeoPoint{Lat: 0.045, Lon: 0}, Country: "XX", Active: true}))
	require.NoError(t, s.UpsertWarehouse(ctx, repository.Warehouse{ID: "B", Name: "Far", Location: &repository.GeoPoint{Lat: 0.18, Lon: 0}, Country: "XX", Active: true}))
	require.NoError(t, s.UpsertWarehouse(ctx, repository.Warehouse{ID: "Z", Name: "Closed", Country: "XX", Active: false}))
	p1 := repository.ItemRef{Kind: repository.ItemProduct, ID: "p1"}
	require.NoError(t, s.UpsertStock(ctx, repository.Stock{ID: "sA", Item: p1, ItemName: "Milk", WarehouseID: "A"}))
	require.NoError(t, s.UpsertStock(ctx, repository.Stock{ID: "sB", Item: p1, ItemName: "Milk", WarehouseID: "B"}))
	require.NoError(t, s.UpsertBatch(ctx, repository.Batch{ID: "bA", StockID: "sA", Quantity: 3, Status: repository.BatchActive, ExpiryDate: &expA}))
	require.NoError(t, s.UpsertBatch(ctx, repository.Batch{ID: "bB", StockID: "sB", Quantity: 10, Status: repository.BatchActive, ExpiryDate: &expB}))
}

func TestStore_Integration(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t)
	seed(t, store)

	now := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := zap.NewNop()

	ranker := service.NewProximityRanker(store, nil, time.Second, logger)
	fefo := service.NewFEFOAllocator(store, clock, logger)
	alloc := service.NewAllocator(ranker, fefo, nil, logger)
	locks := service.NewLockManager(store, 0, clock, nil, nil, logger)

	lat, lon := 0.0, 0.0
	dest := service.Destination{Country: "XX", Lat: &lat, Lon: &lon}
	items := []service.LineItem{{Item: repository.ItemRef{Kind: repository.ItemProduct, ID: "p1"}, Quantity: 5}}

	t.Run("warehouses and batches round-trip", func(t *testing.T) {
		ws, err := store.ListActiveWarehouses(ctx)
		require.NoError(t, err)
		require.Len(t, ws, 2)
		require.NotNil(t, ws[0].Location)

		bs, err := store.ListBatches(ctx, "sA")
		require.NoError(t, err)
		require.Len(t, bs, 1)
		require.Equal(t, "2024-01-10", bs[0].ExpiryDate.Format("2006-01-02"))
		require.Nil(t, bs[0].ManufactureDate)

		_, err = store.GetStock(ctx, repository.ItemRef{Kind: repository.ItemVariant, ID: "p1"}, "A")
		require.ErrorIs(t, err, repository.ErrStockNotFound)
	})

	t.Run("reserve then release restores quantities", func(t *testing.T) {
		plan, err := alloc.AllocateAcrossWarehouses(ctx, items, dest)
		require.NoError(t, err)

		res, err := locks.Reserve(ctx, "s1", plan.Allocations())
		require.NoError(t, err)
		require.Len(t, res.Reservations, 2)

		bA := batch(t, store, "bA")
		require.Equal(t, 0, bA.Quantity)
		require.Equal(t, repository.BatchEmpty, bA.Status)
		require.Equal(t, 8, batch(t, store, "bB").Quantity)

		again, err := locks.Reserve(ctx, "s1", plan.Allocations())
		require.NoError(t, err)
		require.True(t, again.AlreadyReserved)

		n, err := locks.Release(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, 3, batch(t, store, "bA").Quantity)
		require.Equal(t, repository.BatchActive, batch(t, store, "bA").Status)
		require.Equal(t, 10, batch(t, store, "bB").Quantity)
	})

	t.Run("conflict rolls back", func(t *testing.T) {
		plan, err := alloc.AllocateAcrossWarehouses(ctx, items, dest)
		require.NoError(t, err)
		require.NoError(t, store.UpsertBatch(ctx, repository.Batch{ID: "bB", StockID: "sB", Quantity: 1, Status: repository.BatchActive}))

		_, err = locks.Reserve(ctx, "s2", plan.Allocations())
		var conflict *service.ReservationConflictError
		require.True(t, errors.As(err, &conflict))
		require.Equal(t, 3, batch(t, store, "bA").Quantity)

		require.NoError(t, store.UpsertBatch(ctx, repository.Batch{ID: "bB", StockID: "sB", Quantity: 10, Status: repository.BatchActive}))
	})

	t.Run("transfer and sweep", func(t *testing.T) {
		plan, err := alloc.AllocateAcrossWarehouses(ctx, items, dest)
		require.NoError(t, err)
		_, err = locks.Reserve(ctx, "tmp-1", plan.Allocations())
		require.NoError(t, err)

		n, err := locks.Transfer(ctx, "tmp-1", "cs_1")
		require.NoError(t, err)
		require.Equal(t, 2, n)

		released, err := locks.ReleaseExpired(ctx, now.Add(3*time.Hour), 100)
		require.NoError(t, err)
		require.Equal(t, 2, released)
		require.Equal(t, 3, batch(t, store, "bA").Quantity)
		require.Equal(t, 10, batch(t, store, "bB").Quantity)

		rs, err := store.ListReservations(ctx, "cs_1")
		require.NoError(t, err)
		require.Empty(t, rs)
	})

	t.Run("concurrent reserves never oversell", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p, err := alloc.AllocateAcrossWarehouses(ctx, []service.LineItem{{Item: items[0].Item, Quantity: 1}}, dest)
				if err != nil {
					return
				}
				_, _ = locks.Reserve(ctx, fmt.Sprintf("c%d", i), p.Allocations())
			}(i)
		}
		wg.Wait()

		locked := 0
		for i := 0; i < 20; i++ {
			rs, err := store.ListReservations(ctx, fmt.Sprintf("c%d", i))
			require.NoError(t, err)
			for _, r := range rs {
				locked += r.LockedQuantity
			}
		}
		require.Equal(t, 13, batch(t, store, "bA").Quantity+batch(t, store, "bB").Quantity+locked)
	})

	t.Run("expire batches", func(t *testing.T) {
		n, err := store.ExpireBatches(ctx, time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
		require.Equal(t, repository.BatchExpired, batch(t, store, "bA").Status)
	})
}

func batch(t *testing.T, s *Store, id string) repository.Batch {
	t.Helper()
	var out repository.Batch
	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.GetBatchForUpdate(ctx, id)
		return err
	})
	require.NoError(t, err)
	return out
}
