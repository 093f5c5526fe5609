package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
)

const dateLayout = "2006-01-02"

// File формат JSON файла начальных данных
type File struct {
	Warehouses []Warehouse `json:"warehouses"`
	Stocks     []Stock     `json:"stocks"`
	Batches    []Batch     `json:"batches"`
}

// Warehouse склад; lat/lon опциональны
type Warehouse struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Country string   `json:"country"`
	Active  *bool    `json:"active"`
}

// Stock позиция товара на складе
type Stock struct {
	ID                string `json:"id"`
	Kind              string `json:"kind"`
	ItemID            string `json:"item_id"`
	ItemName          string `json:"item_name"`
	WarehouseID       string `json:"warehouse_id"`
	LowStockThreshold int    `json:"low_stock_threshold"`
}

// Batch партия; даты в формате YYYY-MM-DD
type Batch struct {
	ID              string `json:"id"`
	StockID         string `json:"stock_id"`
	Quantity        int    `json:"quantity"`
	Status          string `json:"status"`
	ExpiryDate      string `json:"expiry_date"`
	ManufactureDate string `json:"manufacture_date"`
}

// LoadFile читает и применяет файл начальных данных
func LoadFile(ctx context.Context, path string, target repository.Seeder, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	data, err := Decode(f)
	if err != nil {
		return err
	}
	if err := Apply(ctx, data, target); err != nil {
		return err
	}

	logger.Info("seed data applied",
		zap.String("path", path),
		zap.Int("warehouses", len(data.Warehouses)),
		zap.Int("stocks", len(data.Stocks)),
		zap.Int("batches", len(data.Batches)),
	)
	return nil
}

// Decode разбирает JSON файл начальных данных
func Decode(r io.Reader) (File, error) {
	var data File
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		return File{}, fmt.Errorf("decode seed file: %w", err)
	}
	return data, nil
}

// Apply записывает склады, сток и партии (upsert). Порядок важен для внешних ключей.
func Apply(ctx context.Context, data File, target repository.Seeder) error {
	for _, w := range data.Warehouses {
		wh, err := w.toRepository()
		if err != nil {
			return err
		}
		if err := target.UpsertWarehouse(ctx, wh); err != nil {
			return fmt.Errorf("upsert warehouse %s: %w", w.ID, err)
		}
	}
	for _, s := range data.Stocks {
		st, err := s.toRepository()
		if err != nil {
			return err
		}
		if err := target.UpsertStock(ctx, st); err != nil {
			return fmt.Errorf("upsert stock %s: %w", s.ID, err)
		}
	}
	for _, b := range data.Batches {
		batch, err := b.toRepository()
		if err != nil {
			return err
		}
		if err := target.UpsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("upsert batch %s: %w", b.ID, err)
		}
	}
	return nil
}

func (w Warehouse) toRepository() (repository.Warehouse, error) {
	if w.ID == "" {
		return repository.Warehouse{}, fmt.Errorf("warehouse id is required")
	}
	if (w.Lat == nil) != (w.Lon == nil) {
		return repository.Warehouse{}, fmt.Errorf("warehouse %s: lat and lon must be set together", w.ID)
	}
	out := repository.Warehouse{
		ID:      w.ID,
		Name:    w.Name,
		Country: w.Country,
		Active:  w.Active == nil || *w.Active,
	}
	if w.Lat != nil {
		out.Location = &repository.GeoPoint{Lat: *w.Lat, Lon: *w.Lon}
	}
	return out, nil
}

func (s Stock) toRepository() (repository.Stock, error) {
	kind := repository.ItemKind(s.Kind)
	if s.ID == "" || s.ItemID == "" || s.WarehouseID == "" || !kind.Valid() {
		return repository.Stock{}, fmt.Errorf("stock %q: id, item_id, warehouse_id and a valid kind are required", s.ID)
	}
	return repository.Stock{
		ID:                s.ID,
		Item:              repository.ItemRef{Kind: kind, ID: s.ItemID},
		ItemName:          s.ItemName,
		WarehouseID:       s.WarehouseID,
		LowStockThreshold: s.LowStockThreshold,
	}, nil
}

func (b Batch) toRepository() (repository.Batch, error) {
	if b.ID == "" || b.StockID == "" {
		return repository.Batch{}, fmt.Errorf("batch %q: id and stock_id are required", b.ID)
	}
	if b.Quantity < 0 {
		return repository.Batch{}, fmt.Errorf("batch %s: quantity must be >= 0", b.ID)
	}
	status := repository.BatchStatus(b.Status)
	if status == "" {
		status = repository.BatchActive
	}
	expiry, err := parseDate(b.ExpiryDate)
	if err != nil {
		return repository.Batch{}, fmt.Errorf("batch %s expiry_date: %w", b.ID, err)
	}
	manufactured, err := parseDate(b.ManufactureDate)
	if err != nil {
		return repository.Batch{}, fmt.Errorf("batch %s manufacture_date: %w", b.ID, err)
	}
	return repository.Batch{
		ID:              b.ID,
		StockID:         b.StockID,
		Quantity:        b.Quantity,
		Status:          status,
		ExpiryDate:      expiry,
		ManufactureDate: manufactured,
	}, nil
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
