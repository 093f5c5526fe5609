package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	platformhealth "github.com/shestoi/GoBigTech/platform/health/http"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository/memory"
	mongorepo "github.com/shestoi/GoBigTech/services/inventory/internal/repository/mongo"
	"github.com/shestoi/GoBigTech/services/inventory/internal/service"
)

var testNow = time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)

type stubHistory struct {
	entries []mongorepo.JournalEntry
	err     error
}

func (s stubHistory) History(ctx context.Context, sessionID string, limit int64) ([]mongorepo.JournalEntry, error) {
	return s.entries, s.err
}

type testServer struct {
	store  *memory.Store
	router http.Handler
}

func newTestServer(t *testing.T, history HistoryReader, checks ...platformhealth.Check) *testServer {
	t.Helper()
	logger := zap.NewNop()
	clock := func() time.Time { return testNow }

	store := memory.NewStore()
	store.AddWarehouse(repository.Warehouse{ID: "A", Name: "Near", Location: &repository.GeoPoint{Lat: 0.045}, Active: true})
	store.AddWarehouse(repository.Warehouse{ID: "B", Name: "Far", Location: &repository.GeoPoint{Lat: 0.18}, Active: true})
	p1 := repository.ItemRef{Kind: repository.ItemProduct, ID: "p1"}
	store.AddStock(repository.Stock{ID: "sA", Item: p1, ItemName: "Milk", WarehouseID: "A", LowStockThreshold: 2})
	store.AddStock(repository.Stock{ID: "sB", Item: p1, ItemName: "Milk", WarehouseID: "B", LowStockThreshold: 2})
	expA := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	expB := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	store.AddBatch(repository.Batch{ID: "bA", StockID: "sA", Quantity: 3, Status: repository.BatchActive, ExpiryDate: &expA})
	store.AddBatch(repository.Batch{ID: "bB", StockID: "sB", Quantity: 10, Status: repository.BatchActive, ExpiryDate: &expB})

	ranker := service.NewProximityRanker(store, nil, time.Second, logger)
	fefo := service.NewFEFOAllocator(store, clock, logger)
	alloc := service.NewAllocator(ranker, fefo, nil, logger)
	locks := service.NewLockManager(store, 0, clock, nil, nil, logger)
	svc := service.NewStockService(alloc, locks, store, clock, logger)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})

	return &testServer{
		store:  store,
		router: NewRouter(NewHandler(svc, history, logger), checks, metrics, logger),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) qty(t *testing.T, id string) int {
	t.Helper()
	b, ok := s.store.Batch(id)
	require.True(t, ok)
	return b.Quantity
}

func reserveBody(sessionID string, qty int) map[string]interface{} {
	return map[string]interface{}{
		"session_id":  sessionID,
		"items":       []map[string]interface{}{{"kind": "product", "item_id": "p1", "quantity": qty}},
		"destination": map[string]interface{}{"country": "XX", "lat": 0, "lon": 0},
	}
}

func TestPostAllocations(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
	}{
		{
			name:       "plan across warehouses",
			body:       reserveBody("", 5),
			wantStatus: http.StatusOK,
		},
		{
			name:       "shortfall",
			body:       reserveBody("", 20),
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name: "shortfall with allow_partial",
			body: map[string]interface{}{
				"items":         []map[string]interface{}{{"kind": "PRODUCT", "item_id": "p1", "quantity": 20}},
				"destination":   map[string]interface{}{"lat": 0, "lon": 0},
				"allow_partial": true,
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid json",
			body:       "{",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing items",
			body:       map[string]interface{}{"destination": map[string]interface{}{}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown kind",
			body: map[string]interface{}{
				"items":       []map[string]interface{}{{"kind": "bundle", "item_id": "p1", "quantity": 1}},
				"destination": map[string]interface{}{},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "zero quantity",
			body: map[string]interface{}{
				"items":       []map[string]interface{}{{"kind": "product", "item_id": "p1", "quantity": 0}},
				"destination": map[string]interface{}{},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "lat without lon",
			body: map[string]interface{}{
				"items":       []map[string]interface{}{{"kind": "product", "item_id": "p1", "quantity": 1}},
				"destination": map[string]interface{}{"lat": 1},
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			rec := s.do(t, http.MethodPost, "/allocations", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			require.Equal(t, 3, s.qty(t, "bA"), "planning must not change stock")
		})
	}
}

func TestPostAllocations_PlanBody(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/allocations", reserveBody("", 5))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PlanResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Complete)
	require.Len(t, resp.Items, 1)
	allocs := resp.Items[0].Allocations
	require.Len(t, allocs, 2)
	require.Equal(t, "bA", allocs[0].BatchID)
	require.Equal(t, 3, allocs[0].Quantity)
	require.Equal(t, "2024-01-10", *allocs[0].ExpiryDate)
	require.Equal(t, "bB", allocs[1].BatchID)
	require.Equal(t, 2, allocs[1].Quantity)
}

func TestReservationLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/reservations", reserveBody("", 5))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reserved ReserveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reserved))
	require.NotEmpty(t, reserved.SessionID)
	require.Equal(t, 5, reserved.Reservation.TotalLocked)
	require.Len(t, reserved.Reservation.Warehouses, 2)
	require.NotNil(t, reserved.Plan)
	require.Equal(t, 0, s.qty(t, "bA"))

	rec = s.do(t, http.MethodPost, "/reservations/"+reserved.SessionID+"/transfer", map[string]string{"to_session_id": "cs_1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/reservations/cs_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info ReservationInfoResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	require.Equal(t, 5, info.TotalLocked)
	require.NotNil(t, info.ExpiresAt)
	require.Equal(t, testNow.Add(service.DefaultReservationTTL), info.ExpiresAt.UTC())

	rec = s.do(t, http.MethodPost, "/reservations/cs_1/release", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var locks LocksResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&locks))
	require.Equal(t, 2, locks.Locks)
	require.Equal(t, 3, s.qty(t, "bA"))
	require.Equal(t, 10, s.qty(t, "bB"))

	rec = s.do(t, http.MethodPost, "/reservations/cs_1/release", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&locks))
	require.Zero(t, locks.Locks)
}

func TestPostReservations_Idempotent(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/reservations", reserveBody("cs_1", 2))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/reservations", reserveBody("cs_1", 2))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ReserveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.AlreadyReserved)
	require.Nil(t, resp.Plan)
	require.Equal(t, 1, s.qty(t, "bA"))
}

func TestPostConfirm(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/reservations", reserveBody("cs_1", 1)).Code)

	rec := s.do(t, http.MethodPost, "/reservations/cs_1/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, s.qty(t, "bA"))

	rec = s.do(t, http.MethodGet, "/reservations/cs_1", nil)
	var info ReservationInfoResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	require.Zero(t, info.TotalLocked)
}

func TestPostTransfer_Errors(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/reservations", reserveBody("a", 1)).Code)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/reservations", reserveBody("b", 1)).Code)

	rec := s.do(t, http.MethodPost, "/reservations/a/transfer", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/reservations/a/transfer", map[string]string{"to_session_id": "b"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPostAllocationsCommit(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/allocations/commit", map[string]interface{}{
		"allocations": []map[string]interface{}{{"batch_id": "bB", "quantity": 4}},
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.Equal(t, 6, s.qty(t, "bB"))

	rec = s.do(t, http.MethodPost, "/allocations/commit", map[string]interface{}{
		"allocations": []map[string]interface{}{{"batch_id": "bB", "quantity": 7}},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, 6, s.qty(t, "bB"))

	rec = s.do(t, http.MethodPost, "/allocations/commit", map[string]interface{}{
		"allocations": []map[string]interface{}{{"batch_id": "nope", "quantity": 1}},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/allocations/commit", map[string]interface{}{"allocations": []interface{}{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAvailability(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/stock/product/p1/availability", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AvailabilityResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 13, resp.Total)
	require.Equal(t, "PRODUCT", resp.Kind)
	require.Len(t, resp.Warehouses, 2)

	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/stock/product/missing/availability", nil).Code)
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/stock/bundle/p1/availability", nil).Code)
}

func TestGetHistory(t *testing.T) {
	t.Run("journal disabled", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/reservations/cs_1/history", nil).Code)
	})

	t.Run("entries", func(t *testing.T) {
		s := newTestServer(t, stubHistory{entries: []mongorepo.JournalEntry{
			{EventID: "e1", EventType: string(service.EventReserved), SessionID: "cs_1", TotalQuantity: 5, OccurredAt: testNow},
		}})
		rec := s.do(t, http.MethodGet, "/reservations/cs_1/history", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out []JournalEntryDTO
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
		require.Len(t, out, 1)
		require.Equal(t, "e1", out[0].EventID)
	})

	t.Run("journal error", func(t *testing.T) {
		s := newTestServer(t, stubHistory{err: errors.New("mongo down")})
		require.Equal(t, http.StatusInternalServerError, s.do(t, http.MethodGet, "/reservations/cs_1/history", nil).Code)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil, platformhealth.Check{Name: "store", Fn: func(ctx context.Context) error { return nil }})
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", nil).Code)

	down := newTestServer(t, nil, platformhealth.Check{Name: "store", Fn: func(ctx context.Context) error { return errors.New("down") }})
	require.Equal(t, http.StatusServiceUnavailable, down.do(t, http.MethodGet, "/health", nil).Code)
}
