package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

// Store реализует repository.Store в памяти процесса.
// Используется для разработки и unit-тестов движка резервирования.
// Транзакция работает на копии состояния и подменяет его только при успехе,
// все транзакции сериализуются одним мьютексом.
type Store struct {
	mu    sync.RWMutex
	state state
}

type state struct {
	warehouses   map[string]repository.Warehouse
	stocks       map[string]repository.Stock
	batches      map[string]repository.Batch
	reservations map[string]repository.Reservation
}

// NewStore создаёт пустое in-memory хранилище
func NewStore() *Store {
	return &Store{
		state: state{
			warehouses:   make(map[string]repository.Warehouse),
			stocks:       make(map[string]repository.Stock),
			batches:      make(map[string]repository.Batch),
			reservations: make(map[string]repository.Reservation),
		},
	}
}

// AddWarehouse добавляет или заменяет склад
func (s *Store) AddWarehouse(w repository.Warehouse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.warehouses[w.ID] = w
}

// AddStock добавляет или заменяет Stock
func (s *Store) AddStock(st repository.Stock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.stocks[st.ID] = st
}

// AddBatch добавляет или заменяет партию
func (s *Store) AddBatch(b repository.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.batches[b.ID] = b
}

// AddReservation добавляет резерв напрямую, минуя движок (для тестов и сидов)
func (s *Store) AddReservation(r repository.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.reservations[r.ID] = r
}

// UpsertWarehouse реализует repository.Seeder
func (s *Store) UpsertWarehouse(ctx context.Context, w repository.Warehouse) error {
	s.AddWarehouse(w)
	return nil
}

// UpsertStock реализует repository.Seeder
func (s *Store) UpsertStock(ctx context.Context, st repository.Stock) error {
	s.AddStock(st)
	return nil
}

// UpsertBatch реализует repository.Seeder
func (s *Store) UpsertBatch(ctx context.Context, b repository.Batch) error {
	s.AddBatch(b)
	return nil
}

// Batch возвращает текущее состояние партии
func (s *Store) Batch(id string) (repository.Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.state.batches[id]
	return b, ok
}

// ListActiveWarehouses возвращает активные склады в порядке id
func (s *Store) ListActiveWarehouses(ctx context.Context) ([]repository.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]repository.Warehouse, 0, len(s.state.warehouses))
	for _, w := range s.state.warehouses {
		if w.Active {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetStock возвращает Stock для (item, warehouse)
func (s *Store) GetStock(ctx context.Context, item repository.ItemRef, warehouseID string) (repository.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.state.stocks {
		if st.Item == item && st.WarehouseID == warehouseID {
			return st, nil
		}
	}
	return repository.Stock{}, repository.ErrStockNotFound
}

// ListStocks возвращает Stock позиции товара по всем складам в порядке id
func (s *Store) ListStocks(ctx context.Context, item repository.ItemRef) ([]repository.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []repository.Stock
	for _, st := range s.state.stocks {
		if st.Item == item {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListBatches возвращает партии Stock в порядке id
func (s *Store) ListBatches(ctx context.Context, stockID string) ([]repository.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []repository.Batch
	for _, b := range s.state.batches {
		if b.StockID == stockID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkBatchesExpired переводит партии в EXPIRED
func (s *Store) MarkBatchesExpired(ctx context.Context, batchIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range batchIDs {
		b, ok := s.state.batches[id]
		if !ok || !b.Status.Allocatable() {
			continue
		}
		b.Status = repository.BatchExpired
		s.state.batches[id] = b
	}
	return nil
}

// ExpireBatches переводит просроченные ACTIVE/EMPTY партии в EXPIRED
func (s *Store) ExpireBatches(ctx context.Context, asOf time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, b := range s.state.batches {
		if b.Status.Allocatable() && b.ExpiredAt(asOf) {
			b.Status = repository.BatchExpired
			s.state.batches[id] = b
			n++
		}
	}
	return n, nil
}

// ListReservations возвращает резервы сессии
func (s *Store) ListReservations(ctx context.Context, sessionID string) ([]repository.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.sessionReservations(sessionID), nil
}

// ListExpiredReservations возвращает до limit просроченных резервов, самые старые первыми
func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]repository.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []repository.Reservation
	for _, r := range s.state.reservations {
		if r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InTx выполняет fn на копии состояния и применяет её при успехе
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{state: s.state.clone()}
	if err := fn(ctx, t); err != nil {
		return err
	}
	s.state = t.state
	return nil
}

// Ping всегда успешен
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (st state) clone() state {
	c := state{
		warehouses:   st.warehouses,
		stocks:       st.stocks,
		batches:      make(map[string]repository.Batch, len(st.batches)),
		reservations: make(map[string]repository.Reservation, len(st.reservations)),
	}
	for k, v := range st.batches {
		c.batches[k] = v
	}
	for k, v := range st.reservations {
		c.reservations[k] = v
	}
	return c
}

func (st state) sessionReservations(sessionID string) []repository.Reservation {
	var out []repository.Reservation
	for _, r := range st.reservations {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// tx транзакция поверх копии состояния.
// Склады и Stock в транзакции не меняются, поэтому не копируются.
type tx struct {
	state state
}

func (t *tx) LockSession(ctx context.Context, sessionID string) error {
	return nil
}

func (t *tx) GetBatchForUpdate(ctx context.Context, batchID string) (repository.Batch, error) {
	b, ok := t.state.batches[batchID]
	if !ok {
		return repository.Batch{}, repository.ErrBatchNotFound
	}
	return b, nil
}

func (t *tx) UpdateBatch(ctx context.Context, batchID string, quantity int, status repository.BatchStatus) error {
	b, ok := t.state.batches[batchID]
	if !ok {
		return repository.ErrBatchNotFound
	}
	b.Quantity = quantity
	b.Status = status
	t.state.batches[batchID] = b
	return nil
}

func (t *tx) InsertReservation(ctx context.Context, r repository.Reservation) error {
	t.state.reservations[r.ID] = r
	return nil
}

func (t *tx) SessionReservations(ctx context.Context, sessionID string) ([]repository.Reservation, error) {
	return t.state.sessionReservations(sessionID), nil
}

func (t *tx) DeleteReservation(ctx context.Context, reservationID string) (repository.Reservation, bool, error) {
	r, ok := t.state.reservations[reservationID]
	if !ok {
		return repository.Reservation{}, false, nil
	}
	delete(t.state.reservations, reservationID)
	return r, true, nil
}

func (t *tx) ReassignSession(ctx context.Context, from, to string) (int64, error) {
	var n int64
	for id, r := range t.state.reservations {
		if r.SessionID == from {
			r.SessionID = to
			t.state.reservations[id] = r
			n++
		}
	}
	return n, nil
}
