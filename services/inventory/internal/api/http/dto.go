package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
	"github.com/shestoi/GoBigTech/services/inventory/internal/service"
)

// ItemDTO позиция запроса
type ItemDTO struct {
	Kind     *string `json:"kind"`
	ItemID   *string `json:"item_id"`
	Quantity *int    `json:"quantity"`
}

// DestinationDTO адрес доставки; lat/lon опциональны
type DestinationDTO struct {
	Street  string   `json:"street"`
	City    string   `json:"city"`
	Country string   `json:"country"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

// AllocationRequest тело POST /allocations
type AllocationRequest struct {
	Items        *[]ItemDTO      `json:"items"`
	Destination  *DestinationDTO `json:"destination"`
	AllowPartial bool            `json:"allow_partial"`
}

// ReserveRequest тело POST /reservations
type ReserveRequest struct {
	SessionID    string          `json:"session_id"`
	Items        *[]ItemDTO      `json:"items"`
	Destination  *DestinationDTO `json:"destination"`
	AllowPartial bool            `json:"allow_partial"`
}

// CommitLineDTO строка прямого списания
type CommitLineDTO struct {
	BatchID  *string `json:"batch_id"`
	Quantity *int    `json:"quantity"`
}

// CommitRequest тело POST /allocations/commit
type CommitRequest struct {
	Allocations *[]CommitLineDTO `json:"allocations"`
}

// TransferRequest тело POST /reservations/{sessionID}/transfer
type TransferRequest struct {
	ToSessionID *string `json:"to_session_id"`
}

// AllocationDTO одна строка плана
type AllocationDTO struct {
	BatchID       string  `json:"batch_id"`
	StockID       string  `json:"stock_id"`
	WarehouseID   string  `json:"warehouse_id"`
	WarehouseName string  `json:"warehouse_name"`
	ExpiryDate    *string `json:"expiry_date,omitempty"`
	Quantity      int     `json:"quantity"`
}

// ItemPlanDTO план по одной позиции
type ItemPlanDTO struct {
	Kind        string          `json:"kind"`
	ItemID      string          `json:"item_id"`
	Requested   int             `json:"requested"`
	Shortfall   int             `json:"shortfall"`
	Error       string          `json:"error,omitempty"`
	Allocations []AllocationDTO `json:"allocations"`
}

// PlanResponse ответ POST /allocations
type PlanResponse struct {
	Complete bool          `json:"complete"`
	Items    []ItemPlanDTO `json:"items"`
}

// ReservationLineDTO одна блокировка
type ReservationLineDTO struct {
	ReservationID string    `json:"reservation_id"`
	BatchID       string    `json:"batch_id"`
	ItemName      string    `json:"item_name"`
	Quantity      int       `json:"quantity"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// WarehouseReservationsDTO блокировки на одном складе
type WarehouseReservationsDTO struct {
	WarehouseID   string               `json:"warehouse_id"`
	WarehouseName string               `json:"warehouse_name"`
	Locked        int                  `json:"locked"`
	Lines         []ReservationLineDTO `json:"lines"`
}

// ReservationInfoResponse ответ GET /reservations/{sessionID}
type ReservationInfoResponse struct {
	SessionID   string                     `json:"session_id"`
	TotalLocked int                        `json:"total_locked"`
	ExpiresAt   *time.Time                 `json:"expires_at,omitempty"`
	Warehouses  []WarehouseReservationsDTO `json:"warehouses"`
}

// ReserveResponse ответ POST /reservations
type ReserveResponse struct {
	SessionID       string                  `json:"session_id"`
	AlreadyReserved bool                    `json:"already_reserved"`
	Reservation     ReservationInfoResponse `json:"reservation"`
	Plan            *PlanResponse           `json:"plan,omitempty"`
}

// LocksResponse ответ confirm/release/transfer
type LocksResponse struct {
	SessionID string `json:"session_id"`
	Locks     int    `json:"locks"`
}

// WarehouseAvailabilityDTO доступное количество на складе
type WarehouseAvailabilityDTO struct {
	WarehouseID       string `json:"warehouse_id"`
	Quantity          int    `json:"quantity"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	LowStock          bool   `json:"low_stock"`
}

// AvailabilityResponse ответ GET /stock/{kind}/{itemID}/availability
type AvailabilityResponse struct {
	Kind       string                     `json:"kind"`
	ItemID     string                     `json:"item_id"`
	Total      int                        `json:"total"`
	Warehouses []WarehouseAvailabilityDTO `json:"warehouses"`
}

// JournalEntryDTO запись журнала событий сессии
type JournalEntryDTO struct {
	EventID           string    `json:"event_id"`
	EventType         string    `json:"event_type"`
	SessionID         string    `json:"session_id"`
	PreviousSessionID string    `json:"previous_session_id,omitempty"`
	TotalQuantity     int       `json:"total_quantity"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// ErrorResponse тело ответа с ошибкой
type ErrorResponse struct {
	Error    string       `json:"error"`
	Failures []FailureDTO `json:"failures,omitempty"`
}

// FailureDTO непокрытая позиция
type FailureDTO struct {
	Kind      string `json:"kind"`
	ItemID    string `json:"item_id"`
	Requested int    `json:"requested"`
	Shortfall int    `json:"shortfall"`
}

func parseKind(s string) (repository.ItemKind, error) {
	kind := repository.ItemKind(strings.ToUpper(strings.TrimSpace(s)))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown item kind %q", s)
	}
	return kind, nil
}

func toLineItems(items *[]ItemDTO) ([]service.LineItem, error) {
	if items == nil || len(*items) == 0 {
		return nil, fmt.Errorf("items are required")
	}
	out := make([]service.LineItem, 0, len(*items))
	for i, it := range *items {
		if it.Kind == nil || it.ItemID == nil || *it.ItemID == "" {
			return nil, fmt.Errorf("kind and item_id are required in items[%d]", i)
		}
		kind, err := parseKind(*it.Kind)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		if it.Quantity == nil || *it.Quantity <= 0 {
			return nil, fmt.Errorf("quantity must be > 0 in items[%d]", i)
		}
		out = append(out, service.LineItem{
			Item:     repository.ItemRef{Kind: kind, ID: *it.ItemID},
			Quantity: *it.Quantity,
		})
	}
	return out, nil
}

func toDestination(d *DestinationDTO) (service.Destination, error) {
	if d == nil {
		return service.Destination{}, fmt.Errorf("destination is required")
	}
	if (d.Lat == nil) != (d.Lon == nil) {
		return service.Destination{}, fmt.Errorf("lat and lon must be set together")
	}
	return service.Destination{
		Street:  d.Street,
		City:    d.City,
		Country: d.Country,
		Lat:     d.Lat,
		Lon:     d.Lon,
	}, nil
}

func toCommitLines(lines *[]CommitLineDTO) ([]service.BatchQuantity, error) {
	if lines == nil || len(*lines) == 0 {
		return nil, fmt.Errorf("allocations are required")
	}
	out := make([]service.BatchQuantity, 0, len(*lines))
	for i, l := range *lines {
		if l.BatchID == nil || *l.BatchID == "" {
			return nil, fmt.Errorf("batch_id is required in allocations[%d]", i)
		}
		if l.Quantity == nil || *l.Quantity <= 0 {
			return nil, fmt.Errorf("quantity must be > 0 in allocations[%d]", i)
		}
		out = append(out, service.BatchQuantity{BatchID: *l.BatchID, Quantity: *l.Quantity})
	}
	return out, nil
}

func fromPlan(p service.Plan) PlanResponse {
	resp := PlanResponse{Complete: p.Complete(), Items: make([]ItemPlanDTO, 0, len(p.Items))}
	for _, it := range p.Items {
		dto := ItemPlanDTO{
			Kind:        string(it.Item.Item.Kind),
			ItemID:      it.Item.Item.ID,
			Requested:   it.Item.Quantity,
			Shortfall:   it.Shortfall,
			Allocations: make([]AllocationDTO, 0, len(it.Allocations)),
		}
		if it.Err != nil {
			dto.Error = it.Err.Error()
		}
		for _, a := range it.Allocations {
			ad := AllocationDTO{
				BatchID:       a.Batch.ID,
				StockID:       a.Stock.ID,
				WarehouseID:   a.Warehouse.ID,
				WarehouseName: a.Warehouse.Name,
				Quantity:      a.Quantity,
			}
			if a.Batch.ExpiryDate != nil {
				s := a.Batch.ExpiryDate.Format("2006-01-02")
				ad.ExpiryDate = &s
			}
			dto.Allocations = append(dto.Allocations, ad)
		}
		resp.Items = append(resp.Items, dto)
	}
	return resp
}

func fromInfo(info service.ReservationInfo) ReservationInfoResponse {
	resp := ReservationInfoResponse{
		SessionID:   info.SessionID,
		TotalLocked: info.TotalLocked,
		ExpiresAt:   info.ExpiresAt,
		Warehouses:  make([]WarehouseReservationsDTO, 0, len(info.Warehouses)),
	}
	for _, w := range info.Warehouses {
		wd := WarehouseReservationsDTO{
			WarehouseID:   w.WarehouseID,
			WarehouseName: w.WarehouseName,
			Locked:        w.Locked,
			Lines:         make([]ReservationLineDTO, 0, len(w.Lines)),
		}
		for _, l := range w.Lines {
			wd.Lines = append(wd.Lines, ReservationLineDTO{
				ReservationID: l.ReservationID,
				BatchID:       l.BatchID,
				ItemName:      l.ItemName,
				Quantity:      l.Quantity,
				ExpiresAt:     l.ExpiresAt,
			})
		}
		resp.Warehouses = append(resp.Warehouses, wd)
	}
	return resp
}

func fromAvailability(a service.Availability) AvailabilityResponse {
	resp := AvailabilityResponse{
		Kind:       string(a.Item.Kind),
		ItemID:     a.Item.ID,
		Total:      a.Total,
		Warehouses: make([]WarehouseAvailabilityDTO, 0, len(a.Warehouses)),
	}
	for _, w := range a.Warehouses {
		resp.Warehouses = append(resp.Warehouses, WarehouseAvailabilityDTO{
			WarehouseID:       w.WarehouseID,
			Quantity:          w.Quantity,
			LowStockThreshold: w.LowStockThreshold,
			LowStock:          w.LowStock,
		})
	}
	return resp
}
