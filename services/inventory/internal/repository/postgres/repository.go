package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

// querier общее подмножество pgxpool.Pool и pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store реализует repository.Store используя PostgreSQL.
// Изменения партий идут через SELECT ... FOR UPDATE, транзакции одной сессии
// сериализуются pg_advisory_xact_lock.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore создаёт PostgreSQL хранилище
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const batchColumns = `id, stock_id, quantity, status, expiry_date, manufacture_date`

const reservationColumns = `id, session_id, batch_id, locked_quantity, warehouse_id, warehouse_name, item_name, created_at, expires_at`

// ListActiveWarehouses возвращает активные склады в порядке id
func (s *Store) ListActiveWarehouses(ctx context.Context) ([]repository.Warehouse, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, lat, lon, country, active
		 FROM warehouses
		 WHERE active
		 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.Warehouse
	for rows.Next() {
		var w repository.Warehouse
		var lat, lon *float64
		if err := rows.Scan(&w.ID, &w.Name, &lat, &lon, &w.Country, &w.Active); err != nil {
			return nil, err
		}
		if lat != nil && lon != nil {
			w.Location = &repository.GeoPoint{Lat: *lat, Lon: *lon}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetStock возвращает Stock для (item, warehouse)
func (s *Store) GetStock(ctx context.Context, item repository.ItemRef, warehouseID string) (repository.Stock, error) {
	var st repository.Stock
	var kind string
	err := s.pool.QueryRow(ctx,
		`SELECT id, item_kind, item_id, item_name, warehouse_id, low_stock_threshold, quantity
		 FROM stocks
		 WHERE item_kind = $1 AND item_id = $2 AND warehouse_id = $3`,
		string(item.Kind), item.ID, warehouseID,
	).Scan(&st.ID, &kind, &st.Item.ID, &st.ItemName, &st.WarehouseID, &st.LowStockThreshold, &st.Quantity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Stock{}, repository.ErrStockNotFound
		}
		return repository.Stock{}, err
	}
	st.Item.Kind = repository.ItemKind(kind)
	return st, nil
}

// ListStocks возвращает Stock позиции товара по всем складам
func (s *Store) ListStocks(ctx context.Context, item repository.ItemRef) ([]repository.Stock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, item_kind, item_id, item_name, warehouse_id, low_stock_threshold, quantity
		 FROM stocks
		 WHERE item_kind = $1 AND item_id = $2
		 ORDER BY id`,
		string(item.Kind), item.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.Stock
	for rows.Next() {
		var st repository.Stock
		var kind string
		if err := rows.Scan(&st.ID, &kind, &st.Item.ID, &st.ItemName, &st.WarehouseID, &st.LowStockThreshold, &st.Quantity); err != nil {
			return nil, err
		}
		st.Item.Kind = repository.ItemKind(kind)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListBatches возвращает партии Stock
func (s *Store) ListBatches(ctx context.Context, stockID string) ([]repository.Batch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+`
		 FROM stock_batches
		 WHERE stock_id = $1
		 ORDER BY id`,
		stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkBatchesExpired переводит партии в EXPIRED (только из ACTIVE/EMPTY)
func (s *Store) MarkBatchesExpired(ctx context.Context, batchIDs []string) error {
	if len(batchIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE stock_batches
		 SET status = 'EXPIRED'
		 WHERE id = ANY($1) AND status IN ('ACTIVE', 'EMPTY')`,
		batchIDs)
	return err
}

// ExpireBatches переводит в EXPIRED все ACTIVE/EMPTY партии со сроком раньше даты asOf
func (s *Store) ExpireBatches(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stock_batches
		 SET status = 'EXPIRED'
		 WHERE status IN ('ACTIVE', 'EMPTY') AND expiry_date < $1`,
		dateParam(asOf))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListReservations возвращает резервы сессии
func (s *Store) ListReservations(ctx context.Context, sessionID string) ([]repository.Reservation, error) {
	return listSessionReservations(ctx, s.pool, sessionID, false)
}

// ListExpiredReservations возвращает до limit резервов с expires_at < now (limit 0 - без ограничения)
func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]repository.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reservationColumns+`
		 FROM stock_reservations
		 WHERE expires_at < $1
		 ORDER BY expires_at, id
		 LIMIT NULLIF($2::bigint, 0)`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReservations(rows)
}

// InTx выполняет fn в транзакции; ошибка fn откатывает транзакцию
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	// Rollback после Commit ничего не делает
	defer pgTx.Rollback(ctx)

	if err := fn(ctx, &tx{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping проверяет соединение с БД
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertWarehouse создаёт или обновляет склад
func (s *Store) UpsertWarehouse(ctx context.Context, w repository.Warehouse) error {
	var lat, lon *float64
	if w.Location != nil {
		lat, lon = &w.Location.Lat, &w.Location.Lon
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO warehouses (id, name, lat, lon, country, active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   lat = EXCLUDED.lat,
		   lon = EXCLUDED.lon,
		   country = EXCLUDED.country,
		   active = EXCLUDED.active`,
		w.ID, w.Name, lat, lon, w.Country, w.Active)
	return err
}

// UpsertStock создаёт или обновляет Stock
func (s *Store) UpsertStock(ctx context.Context, st repository.Stock) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stocks (id, item_kind, item_id, item_name, warehouse_id, low_stock_threshold, quantity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   item_name = EXCLUDED.item_name,
		   low_stock_threshold = EXCLUDED.low_stock_threshold,
		   quantity = EXCLUDED.quantity`,
		st.ID, string(st.Item.Kind), st.Item.ID, st.ItemName, st.WarehouseID, st.LowStockThreshold, st.Quantity)
	return err
}

// UpsertBatch создаёт или обновляет партию
func (s *Store) UpsertBatch(ctx context.Context, b repository.Batch) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stock_batches (id, stock_id, quantity, status, expiry_date, manufacture_date)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   quantity = EXCLUDED.quantity,
		   status = EXCLUDED.status,
		   expiry_date = EXCLUDED.expiry_date,
		   manufacture_date = EXCLUDED.manufacture_date`,
		b.ID, b.StockID, b.Quantity, string(b.Status), nullableDate(b.ExpiryDate), nullableDate(b.ManufactureDate))
	return err
}

// tx реализует repository.Tx поверх pgx.Tx
type tx struct {
	q querier
}

func (t *tx) LockSession(ctx context.Context, sessionID string) error {
	_, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID)
	return err
}

func (t *tx) GetBatchForUpdate(ctx context.Context, batchID string) (repository.Batch, error) {
	row := t.q.QueryRow(ctx,
		`SELECT `+batchColumns+`
		 FROM stock_batches
		 WHERE id = $1
		 FOR UPDATE`,
		batchID)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Batch{}, repository.ErrBatchNotFound
		}
		return repository.Batch{}, err
	}
	return b, nil
}

func (t *tx) UpdateBatch(ctx context.Context, batchID string, quantity int, status repository.BatchStatus) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE stock_batches SET quantity = $2, status = $3 WHERE id = $1`,
		batchID, quantity, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrBatchNotFound
	}
	return nil
}

func (t *tx) InsertReservation(ctx context.Context, r repository.Reservation) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO stock_reservations (`+reservationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.SessionID, r.BatchID, r.LockedQuantity, r.WarehouseID, r.WarehouseName, r.ItemName, r.CreatedAt, r.ExpiresAt)
	return err
}

func (t *tx) SessionReservations(ctx context.Context, sessionID string) ([]repository.Reservation, error) {
	return listSessionReservations(ctx, t.q, sessionID, true)
}

func (t *tx) DeleteReservation(ctx context.Context, reservationID string) (repository.Reservation, bool, error) {
	var r repository.Reservation
	err := t.q.QueryRow(ctx,
		`DELETE FROM stock_reservations
		 WHERE id = $1
		 RETURNING `+reservationColumns,
		reservationID,
	).Scan(&r.ID, &r.SessionID, &r.BatchID, &r.LockedQuantity, &r.WarehouseID,
		&r.WarehouseName, &r.ItemName, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Reservation{}, false, nil
		}
		return repository.Reservation{}, false, err
	}
	return r, true, nil
}

func (t *tx) ReassignSession(ctx context.Context, from, to string) (int64, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE stock_reservations SET session_id = $2 WHERE session_id = $1`,
		from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func listSessionReservations(ctx context.Context, q querier, sessionID string, forUpdate bool) ([]repository.Reservation, error) {
	sql := `SELECT ` + reservationColumns + `
		 FROM stock_reservations
		 WHERE session_id = $1
		 ORDER BY created_at, id`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReservations(rows)
}

func collectReservations(rows pgx.Rows) ([]repository.Reservation, error) {
	var out []repository.Reservation
	for rows.Next() {
		var r repository.Reservation
		if err := rows.Scan(&r.ID, &r.SessionID, &r.BatchID, &r.LockedQuantity, &r.WarehouseID,
			&r.WarehouseName, &r.ItemName, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (repository.Batch, error) {
	var b repository.Batch
	var status string
	var expiry, manufactured pgtype.Date
	if err := row.Scan(&b.ID, &b.StockID, &b.Quantity, &status, &expiry, &manufactured); err != nil {
		return repository.Batch{}, err
	}
	b.Status = repository.BatchStatus(status)
	b.ExpiryDate = fromDate(expiry)
	b.ManufactureDate = fromDate(manufactured)
	return b, nil
}

func fromDate(d pgtype.Date) *time.Time {
	if !d.Valid {
		return nil
	}
	t := repository.DateOf(d.Time)
	return &t
}

func nullableDate(t *time.Time) pgtype.Date {
	if t == nil {
		return pgtype.Date{}
	}
	return dateParam(*t)
}

func dateParam(t time.Time) pgtype.Date {
	return pgtype.Date{Time: repository.DateOf(t), Valid: true}
}
