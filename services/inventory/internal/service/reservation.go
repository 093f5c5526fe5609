package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	platformobservability "github.com/shestoi/GoBigTech/platform/observability"
	"github.com/shestoi/GoBigTech/services/inventory/internal/metrics"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

// DefaultReservationTTL время жизни резерва по умолчанию
const DefaultReservationTTL = 120 * time.Minute

// ReserveResult результат Reserve
type ReserveResult struct {
	SessionID string
	// AlreadyReserved сессия уже держала резервы, повторного списания не было
	AlreadyReserved bool
	Reservations    []repository.Reservation
}

// ReservationInfo сводка по резервам сессии
type ReservationInfo struct {
	SessionID   string
	TotalLocked int
	ExpiresAt   *time.Time // ближайший expires_at, nil если резервов нет
	Warehouses  []WarehouseBreakdown
}

// WarehouseBreakdown резервы сессии на одном складе
type WarehouseBreakdown struct {
	WarehouseID   string
	WarehouseName string
	Locked        int
	Lines         []ReservationLine
}

// ReservationLine одна запись блокировки
type ReservationLine struct {
	ReservationID string
	BatchID       string
	ItemName      string
	Quantity      int
	ExpiresAt     time.Time
}

// LockManager превращает план в записи блокировок и сразу списывает количество партий.
// Все изменения одной операции выполняются в одной транзакции: либо всё, либо ничего.
type LockManager struct {
	store   repository.Store
	ttl     time.Duration
	now     Clock
	sink    EventSink
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewLockManager создаёт LockManager. sink может быть nil.
func NewLockManager(store repository.Store, ttl time.Duration, now Clock, sink EventSink, m *metrics.Metrics, logger *zap.Logger) *LockManager {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	if now == nil {
		now = time.Now
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &LockManager{
		store:   store,
		ttl:     ttl,
		now:     now,
		sink:    sink,
		metrics: m,
		logger:  logger,
	}
}

// TTL время жизни резерва
func (m *LockManager) TTL() time.Duration {
	return m.ttl
}

// Reserve создаёт по одной записи блокировки на партию плана и списывает количество.
// Если сессия уже держит резервы, возвращает их с AlreadyReserved (повторное списание невозможно).
// Если у какой-то партии количества меньше, чем в плане, возвращает *ReservationConflictError,
// все изменения этого вызова откатываются.
func (m *LockManager) Reserve(ctx context.Context, sessionID string, allocations []BatchAllocation) (ReserveResult, error) {
	ctx, span := tracer.Start(ctx, "LockManager.Reserve", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if sessionID == "" {
		return ReserveResult{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	lines, err := mergeByBatch(allocations)
	if err != nil {
		return ReserveResult{}, err
	}

	log := platformobservability.L(ctx, m.logger).With(zap.String("session_id", sessionID))
	now := m.now()
	expiresAt := now.Add(m.ttl)
	result := ReserveResult{SessionID: sessionID}

	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.LockSession(ctx, sessionID); err != nil {
			return fmt.Errorf("lock session: %w", err)
		}

		existing, err := tx.SessionReservations(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session reservations: %w", err)
		}
		if len(existing) > 0 {
			result.AlreadyReserved = true
			result.Reservations = existing
			return nil
		}

		created := make([]repository.Reservation, 0, len(lines))
		for _, l := range lines {
			batch, err := tx.GetBatchForUpdate(ctx, l.Batch.ID)
			if err != nil {
				if errors.Is(err, repository.ErrBatchNotFound) {
					return &ReservationConflictError{SessionID: sessionID, BatchID: l.Batch.ID, Requested: l.Quantity}
				}
				return fmt.Errorf("get batch %s: %w", l.Batch.ID, err)
			}
			unusable := !batch.Status.Allocatable() || batch.ExpiredAt(now)
			if unusable || batch.Quantity < l.Quantity {
				available := batch.Quantity
				if unusable {
					available = 0
				}
				return &ReservationConflictError{
					SessionID: sessionID,
					BatchID:   batch.ID,
					Available: available,
					Requested: l.Quantity,
				}
			}

			left := batch.Quantity - l.Quantity
			status := batch.Status
			if left == 0 {
				status = repository.BatchEmpty
			}
			if err := tx.UpdateBatch(ctx, batch.ID, left, status); err != nil {
				return fmt.Errorf("update batch %s: %w", batch.ID, err)
			}

			r := repository.Reservation{
				ID:             uuid.New().String(),
				SessionID:      sessionID,
				BatchID:        batch.ID,
				LockedQuantity: l.Quantity,
				WarehouseID:    l.Warehouse.ID,
				WarehouseName:  l.Warehouse.Name,
				ItemName:       l.Stock.ItemName,
				CreatedAt:      now,
				ExpiresAt:      expiresAt,
			}
			if err := tx.InsertReservation(ctx, r); err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
			created = append(created, r)
		}

		result.Reservations = created
		return nil
	})
	if err != nil {
		var conflict *ReservationConflictError
		if errors.As(err, &conflict) {
			m.metrics.Reservation("conflict")
			log.Warn("reservation conflict, nothing reserved",
				zap.String("batch_id", conflict.BatchID),
				zap.Int("available", conflict.Available),
				zap.Int("requested", conflict.Requested),
			)
		} else {
			m.metrics.Reservation("error")
			log.Error("reservation failed", zap.Error(err))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ReserveResult{}, err
	}

	if result.AlreadyReserved {
		m.metrics.Reservation("already_reserved")
		log.Info("session already holds reservations, skipping",
			zap.Int("reservations", len(result.Reservations)),
		)
		return result, nil
	}

	m.metrics.Reservation("reserved")
	log.Info("stock reserved",
		zap.Int("batches", len(result.Reservations)),
		zap.Time("expires_at", expiresAt),
	)
	m.publish(ctx, newEvent(EventReserved, sessionID, now, result.Reservations))
	return result, nil
}

// Release возвращает заблокированное количество на партии и удаляет записи сессии.
// Повторный вызов для сессии без резервов ничего не делает.
func (m *LockManager) Release(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "LockManager.Release", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	released, err := m.releaseSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if len(released) == 0 {
		return 0, nil
	}

	m.metrics.LocksRemoved("released", len(released))
	platformobservability.L(ctx, m.logger).Info("reservations released",
		zap.String("session_id", sessionID),
		zap.Int("reservations", len(released)),
	)
	m.publish(ctx, newEvent(EventReleased, sessionID, m.now(), released))
	return len(released), nil
}

func (m *LockManager) releaseSession(ctx context.Context, sessionID string) ([]repository.Reservation, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	var released []repository.Reservation
	err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		released = nil
		if err := tx.LockSession(ctx, sessionID); err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		reservations, err := tx.SessionReservations(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session reservations: %w", err)
		}
		for _, r := range reservations {
			deleted, ok, err := restore(ctx, tx, r.ID)
			if err != nil {
				return err
			}
			if ok {
				released = append(released, deleted)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// restore удаляет запись и возвращает её количество на партию.
// Возвращает запись в том виде, в каком она была удалена (сессия могла смениться после transfer).
// false, если запись уже удалена другим путём (confirm, release или sweeper).
func restore(ctx context.Context, tx repository.Tx, reservationID string) (repository.Reservation, bool, error) {
	r, deleted, err := tx.DeleteReservation(ctx, reservationID)
	if err != nil {
		return repository.Reservation{}, false, fmt.Errorf("delete reservation %s: %w", reservationID, err)
	}
	if !deleted {
		return repository.Reservation{}, false, nil
	}

	batch, err := tx.GetBatchForUpdate(ctx, r.BatchID)
	if err != nil {
		return repository.Reservation{}, false, fmt.Errorf("get batch %s: %w", r.BatchID, err)
	}
	qty := batch.Quantity + r.LockedQuantity
	status := batch.Status
	if status == repository.BatchEmpty && qty > 0 {
		status = repository.BatchActive
	}
	if err := tx.UpdateBatch(ctx, batch.ID, qty, status); err != nil {
		return repository.Reservation{}, false, fmt.Errorf("update batch %s: %w", batch.ID, err)
	}
	return r, true, nil
}

// Confirm удаляет записи блокировок сессии, списание становится окончательным.
// Идемпотентен.
func (m *LockManager) Confirm(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "LockManager.Confirm", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if sessionID == "" {
		return 0, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	var confirmed []repository.Reservation
	err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		confirmed = nil
		if err := tx.LockSession(ctx, sessionID); err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		reservations, err := tx.SessionReservations(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session reservations: %w", err)
		}
		for _, r := range reservations {
			deleted, ok, err := tx.DeleteReservation(ctx, r.ID)
			if err != nil {
				return fmt.Errorf("delete reservation %s: %w", r.ID, err)
			}
			if ok {
				confirmed = append(confirmed, deleted)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if len(confirmed) == 0 {
		return 0, nil
	}

	m.metrics.LocksRemoved("confirmed", len(confirmed))
	platformobservability.L(ctx, m.logger).Info("reservations confirmed",
		zap.String("session_id", sessionID),
		zap.Int("reservations", len(confirmed)),
	)
	m.publish(ctx, newEvent(EventConfirmed, sessionID, m.now(), confirmed))
	return len(confirmed), nil
}

// Transfer переносит резервы from -> to (временный id заменяется id платёжной сессии).
// expires_at не меняется. Если у from нет резервов, ничего не делает.
// Если to уже держит резервы, возвращает ErrSessionConflict.
func (m *LockManager) Transfer(ctx context.Context, from, to string) (int, error) {
	ctx, span := tracer.Start(ctx, "LockManager.Transfer", trace.WithAttributes(
		attribute.String("session_id", from),
		attribute.String("to_session_id", to),
	))
	defer span.End()

	if from == "" || to == "" {
		return 0, fmt.Errorf("%w: both session ids are required", ErrInvalidInput)
	}
	if from == to {
		return 0, nil
	}

	var moved []repository.Reservation
	err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		moved = nil
		// фиксированный порядок блокировок, чтобы встречные transfer не ждали друг друга
		first, second := from, to
		if second < first {
			first, second = second, first
		}
		if err := tx.LockSession(ctx, first); err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if err := tx.LockSession(ctx, second); err != nil {
			return fmt.Errorf("lock session: %w", err)
		}

		source, err := tx.SessionReservations(ctx, from)
		if err != nil {
			return fmt.Errorf("load session reservations: %w", err)
		}
		if len(source) == 0 {
			return nil
		}
		target, err := tx.SessionReservations(ctx, to)
		if err != nil {
			return fmt.Errorf("load session reservations: %w", err)
		}
		if len(target) > 0 {
			return ErrSessionConflict
		}
		if _, err := tx.ReassignSession(ctx, from, to); err != nil {
			return fmt.Errorf("reassign session: %w", err)
		}
		moved = source
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if len(moved) == 0 {
		return 0, nil
	}

	platformobservability.L(ctx, m.logger).Info("reservations transferred",
		zap.String("session_id", from),
		zap.String("to_session_id", to),
		zap.Int("reservations", len(moved)),
	)
	ev := newEvent(EventTransferred, to, m.now(), moved)
	ev.PreviousSessionID = from
	m.publish(ctx, ev)
	return len(moved), nil
}

// ReservationInfo сводка по живым резервам сессии с разбивкой по складам
func (m *LockManager) ReservationInfo(ctx context.Context, sessionID string) (ReservationInfo, error) {
	if sessionID == "" {
		return ReservationInfo{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	reservations, err := m.store.ListReservations(ctx, sessionID)
	if err != nil {
		return ReservationInfo{}, fmt.Errorf("list reservations: %w", err)
	}
	return buildInfo(sessionID, reservations), nil
}

func buildInfo(sessionID string, reservations []repository.Reservation) ReservationInfo {
	info := ReservationInfo{SessionID: sessionID}
	index := make(map[string]int)

	for _, r := range reservations {
		info.TotalLocked += r.LockedQuantity
		if info.ExpiresAt == nil || r.ExpiresAt.Before(*info.ExpiresAt) {
			exp := r.ExpiresAt
			info.ExpiresAt = &exp
		}

		i, ok := index[r.WarehouseID]
		if !ok {
			i = len(info.Warehouses)
			index[r.WarehouseID] = i
			info.Warehouses = append(info.Warehouses, WarehouseBreakdown{
				WarehouseID:   r.WarehouseID,
				WarehouseName: r.WarehouseName,
			})
		}
		wb := &info.Warehouses[i]
		wb.Locked += r.LockedQuantity
		wb.Lines = append(wb.Lines, ReservationLine{
			ReservationID: r.ID,
			BatchID:       r.BatchID,
			ItemName:      r.ItemName,
			Quantity:      r.LockedQuantity,
			ExpiresAt:     r.ExpiresAt,
		})
	}
	return info
}

// CommitAllocation списывает план без резерва (прямая продажа).
// Если у партии меньше, чем в плане, или она не годна к продаже (статус, срок),
// возвращает *OverAllocationError и ничего не списывает.
func (m *LockManager) CommitAllocation(ctx context.Context, allocations []BatchAllocation) error {
	ctx, span := tracer.Start(ctx, "LockManager.CommitAllocation")
	defer span.End()

	lines, err := mergeByBatch(allocations)
	if err != nil {
		return err
	}
	now := m.now()

	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		for _, l := range lines {
			batch, err := tx.GetBatchForUpdate(ctx, l.Batch.ID)
			if err != nil {
				return fmt.Errorf("get batch %s: %w", l.Batch.ID, err)
			}
			if !batch.Status.Allocatable() || batch.ExpiredAt(now) {
				return &OverAllocationError{BatchID: batch.ID, Available: 0, Requested: l.Quantity}
			}
			if batch.Quantity < l.Quantity {
				return &OverAllocationError{BatchID: batch.ID, Available: batch.Quantity, Requested: l.Quantity}
			}
			left := batch.Quantity - l.Quantity
			status := batch.Status
			if left == 0 {
				status = repository.BatchEmpty
			}
			if err := tx.UpdateBatch(ctx, batch.ID, left, status); err != nil {
				return fmt.Errorf("update batch %s: %w", batch.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		platformobservability.L(ctx, m.logger).Error("commit allocation failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	ev := ReservationEvent{
		EventID:    uuid.New().String(),
		Type:       EventCommitted,
		OccurredAt: now.UTC(),
	}
	for _, l := range lines {
		ev.Lines = append(ev.Lines, EventLine{
			BatchID:     l.Batch.ID,
			WarehouseID: l.Warehouse.ID,
			ItemName:    l.Stock.ItemName,
			Quantity:    l.Quantity,
		})
	}
	m.publish(ctx, ev)
	return nil
}

// ReleaseExpired освобождает до limit резервов с expires_at < now.
// Каждая запись обрабатывается в своей транзакции; если её уже удалил confirm/release, она пропускается.
// Возвращает количество освобождённых записей.
func (m *LockManager) ReleaseExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "LockManager.ReleaseExpired")
	defer span.End()

	expired, err := m.store.ListExpiredReservations(ctx, now, limit)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	log := platformobservability.L(ctx, m.logger)
	bySession := make(map[string][]repository.Reservation)
	var order []string
	var firstErr error

	for _, r := range expired {
		var (
			ok      bool
			deleted repository.Reservation
		)
		err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			if err := tx.LockSession(ctx, r.SessionID); err != nil {
				return fmt.Errorf("lock session: %w", err)
			}
			var err error
			deleted, ok, err = restore(ctx, tx, r.ID)
			return err
		})
		if err != nil {
			log.Error("failed to release expired reservation",
				zap.Error(err),
				zap.String("reservation_id", r.ID),
				zap.String("session_id", r.SessionID),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}
		// сессия берётся из удалённой строки: между выборкой и транзакцией мог пройти transfer
		if _, seen := bySession[deleted.SessionID]; !seen {
			order = append(order, deleted.SessionID)
		}
		bySession[deleted.SessionID] = append(bySession[deleted.SessionID], deleted)
	}

	released := 0
	for _, sessionID := range order {
		rs := bySession[sessionID]
		released += len(rs)
		log.Info("expired reservations released",
			zap.String("session_id", sessionID),
			zap.Int("reservations", len(rs)),
		)
		m.publish(ctx, newEvent(EventExpired, sessionID, now, rs))
	}
	m.metrics.LocksRemoved("expired", released)
	span.SetAttributes(attribute.Int("released", released))

	if firstErr != nil {
		span.SetStatus(codes.Error, firstErr.Error())
	}
	return released, firstErr
}

func (m *LockManager) publish(ctx context.Context, ev ReservationEvent) {
	if err := m.sink.Publish(ctx, ev); err != nil {
		platformobservability.L(ctx, m.logger).Warn("failed to publish reservation event",
			zap.Error(err),
			zap.String("event_type", string(ev.Type)),
			zap.String("session_id", ev.SessionID),
		)
	}
}

// mergeByBatch сводит строки плана по партии, сохраняя порядок первого появления
func mergeByBatch(allocations []BatchAllocation) ([]BatchAllocation, error) {
	if len(allocations) == 0 {
		return nil, fmt.Errorf("%w: empty allocation plan", ErrInvalidInput)
	}
	index := make(map[string]int, len(allocations))
	out := make([]BatchAllocation, 0, len(allocations))
	for _, a := range allocations {
		if a.Quantity <= 0 {
			return nil, fmt.Errorf("%w: batch %s quantity must be positive", ErrInvalidInput, a.Batch.ID)
		}
		if a.Quantity > math.MaxInt32 {
			return nil, fmt.Errorf("%w: batch %s quantity is too large", ErrInvalidInput, a.Batch.ID)
		}
		if i, ok := index[a.Batch.ID]; ok {
			if out[i].Quantity > math.MaxInt32-a.Quantity {
				return nil, fmt.Errorf("%w: batch %s quantity is too large", ErrInvalidInput, a.Batch.ID)
			}
			out[i].Quantity += a.Quantity
			continue
		}
		index[a.Batch.ID] = len(out)
		out = append(out, a)
	}
	return out, nil
}
