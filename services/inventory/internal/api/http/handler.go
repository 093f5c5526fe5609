package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	platformobservability "github.com/shestoi/GoBigTech/platform/observability"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
	mongorepo "github.com/shestoi/GoBigTech/services/inventory/internal/repository/mongo"
	"github.com/shestoi/GoBigTech/services/inventory/internal/service"
)

const historyLimit = 200

// HistoryReader чтение журнала событий сессии (MongoDB)
type HistoryReader interface {
	History(ctx context.Context, sessionID string, limit int64) ([]mongorepo.JournalEntry, error)
}

// Handler содержит HTTP-обработчики сервиса резервирования.
// Зависит от service слоя, но не знает о хранилище.
type Handler struct {
	stockService *service.StockService
	history      HistoryReader
	logger       *zap.Logger
}

// NewHandler создаёт HTTP handler. history может быть nil (журнал выключен).
func NewHandler(stockService *service.StockService, history HistoryReader, logger *zap.Logger) *Handler {
	return &Handler{
		stockService: stockService,
		history:      history,
		logger:       logger,
	}
}

// PostAllocations обрабатывает POST /allocations - только планирование, без резерва
func (h *Handler) PostAllocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AllocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	items, err := toLineItems(req.Items)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	dest, err := toDestination(req.Destination)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	plan, err := h.stockService.Plan(ctx, items, dest)
	if err != nil {
		var allocErr *service.AllocationError
		if !errors.As(err, &allocErr) || !req.AllowPartial {
			h.writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, fromPlan(plan))
}

// PostAllocationsCommit обрабатывает POST /allocations/commit - прямое списание без резерва
func (h *Handler) PostAllocationsCommit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if !h.decode(w, r, &req) {
		return
	}
	lines, err := toCommitLines(req.Allocations)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	if err := h.stockService.CommitBatches(r.Context(), lines); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PostReservations обрабатывает POST /reservations - планирование и резерв одной операцией
func (h *Handler) PostReservations(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !h.decode(w, r, &req) {
		return
	}
	items, err := toLineItems(req.Items)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	dest, err := toDestination(req.Destination)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	res, err := h.stockService.ReserveItems(r.Context(), service.ReserveItemsInput{
		SessionID:    req.SessionID,
		Items:        items,
		Destination:  dest,
		AllowPartial: req.AllowPartial,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := ReserveResponse{
		SessionID:       res.SessionID,
		AlreadyReserved: res.AlreadyReserved,
		Reservation:     fromInfo(res.Info),
	}
	status := http.StatusOK
	if !res.AlreadyReserved {
		plan := fromPlan(res.Plan)
		resp.Plan = &plan
		status = http.StatusCreated
	}

	platformobservability.L(r.Context(), h.logger).Info("reservation request handled",
		zap.String("session_id", res.SessionID),
		zap.Bool("already_reserved", res.AlreadyReserved),
		zap.Int("locked", res.Info.TotalLocked),
	)
	writeJSON(w, status, resp)
}

// GetReservation обрабатывает GET /reservations/{sessionID}
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request, sessionID string) {
	info, err := h.stockService.ReservationInfo(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fromInfo(info))
}

// PostConfirm обрабатывает POST /reservations/{sessionID}/confirm
func (h *Handler) PostConfirm(w http.ResponseWriter, r *http.Request, sessionID string) {
	n, err := h.stockService.Confirm(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LocksResponse{SessionID: sessionID, Locks: n})
}

// PostRelease обрабатывает POST /reservations/{sessionID}/release
func (h *Handler) PostRelease(w http.ResponseWriter, r *http.Request, sessionID string) {
	n, err := h.stockService.Release(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LocksResponse{SessionID: sessionID, Locks: n})
}

// PostTransfer обрабатывает POST /reservations/{sessionID}/transfer
func (h *Handler) PostTransfer(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ToSessionID == nil || *req.ToSessionID == "" {
		h.badRequest(w, r, fmt.Errorf("to_session_id is required"))
		return
	}

	n, err := h.stockService.Transfer(r.Context(), sessionID, *req.ToSessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LocksResponse{SessionID: *req.ToSessionID, Locks: n})
}

// GetHistory обрабатывает GET /reservations/{sessionID}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request, sessionID string) {
	if h.history == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "reservation journal is disabled"})
		return
	}

	entries, err := h.history.History(r.Context(), sessionID, historyLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]JournalEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, JournalEntryDTO{
			EventID:           e.EventID,
			EventType:         e.EventType,
			SessionID:         e.SessionID,
			PreviousSessionID: e.PreviousSessionID,
			TotalQuantity:     e.TotalQuantity,
			OccurredAt:        e.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAvailability обрабатывает GET /stock/{kind}/{itemID}/availability
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request, kind, itemID string) {
	k, err := parseKind(kind)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	av, err := h.stockService.Availability(r.Context(), repository.ItemRef{Kind: k, ID: itemID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fromAvailability(av))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.badRequest(w, r, fmt.Errorf("invalid JSON: %w", err))
		return false
	}
	return true
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	platformobservability.L(r.Context(), h.logger).Debug("bad request", zap.Error(err))
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid payload: " + err.Error()})
}

// writeError переводит ошибку service слоя в HTTP статус
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		allocErr    *service.AllocationError
		conflictErr *service.ReservationConflictError
		overErr     *service.OverAllocationError
	)

	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.As(err, &allocErr):
		resp := ErrorResponse{Error: err.Error()}
		for _, f := range allocErr.Failures {
			resp.Failures = append(resp.Failures, FailureDTO{
				Kind:      string(f.Item.Kind),
				ItemID:    f.Item.ID,
				Requested: f.Requested,
				Shortfall: f.Shortfall,
			})
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.As(err, &conflictErr), errors.As(err, &overErr), errors.Is(err, service.ErrSessionConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	default:
		platformobservability.L(r.Context(), h.logger).Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
