package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository/memory"
)

func ids(ws []repository.Warehouse) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.ID)
	}
	return out
}

func seedWarehouses() *memory.Store {
	store := memory.NewStore()
	store.AddWarehouse(repository.Warehouse{ID: "w1", Location: kmNorth(30), Active: true})
	store.AddWarehouse(repository.Warehouse{ID: "w2", Location: kmNorth(5), Active: true})
	store.AddWarehouse(repository.Warehouse{ID: "w3", Location: nil, Active: true})
	store.AddWarehouse(repository.Warehouse{ID: "w4", Location: kmNorth(10), Active: true})
	store.AddWarehouse(repository.Warehouse{ID: "w5", Location: kmNorth(1), Active: false})
	return store
}

func TestProximityRanker_Rank(t *testing.T) {
	ctx := context.Background()
	resolved := repository.GeoPoint{Lat: 0, Lon: 0}

	tests := []struct {
		name     string
		dest     Destination
		geocoder func() *geocoderMock
		want     []string
	}{
		{
			name: "coordinates in destination skip geocoder",
			dest: origin(),
			want: []string{"w2", "w4", "w1", "w3"},
		},
		{
			name: "geocoder resolves address",
			dest: Destination{City: "Somewhere", Country: "XX"},
			geocoder: func() *geocoderMock {
				g := &geocoderMock{}
				g.On("Resolve", mock.Anything, mock.Anything).Return(resolved, nil).Once()
				return g
			},
			want: []string{"w2", "w4", "w1", "w3"},
		},
		{
			name: "geocoder failure falls back to storage order",
			dest: Destination{City: "Nowhere", Country: "XX"},
			geocoder: func() *geocoderMock {
				g := &geocoderMock{}
				g.On("Resolve", mock.Anything, mock.Anything).Return(repository.GeoPoint{}, errors.New("timeout")).Once()
				return g
			},
			want: []string{"w1", "w2", "w3", "w4"},
		},
		{
			name: "no geocoder and no coordinates",
			dest: Destination{Country: "XX"},
			want: []string{"w1", "w2", "w3", "w4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var geocoder Geocoder
			var g *geocoderMock
			if tt.geocoder != nil {
				g = tt.geocoder()
				geocoder = g
			}
			ranker := NewProximityRanker(seedWarehouses(), geocoder, time.Second, zap.NewNop())

			got, err := ranker.Rank(ctx, tt.dest)
			require.NoError(t, err)
			require.Equal(t, tt.want, ids(got))
			if g != nil {
				g.AssertExpectations(t)
			}
		})
	}
}

func TestProximityRanker_TiesKeepStorageOrder(t *testing.T) {
	store := memory.NewStore()
	store.AddWarehouse(repository.Warehouse{ID: "b", Location: kmNorth(7), Active: true})
	store.AddWarehouse(repository.Warehouse{ID: "a", Location: kmNorth(7), Active: true})
	store.AddWarehouse(repository.Warehouse{ID: "c", Location: kmNorth(2), Active: true})

	got, err := NewProximityRanker(store, nil, 0, zap.NewNop()).Rank(context.Background(), origin())
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, ids(got))
}

func TestHaversine(t *testing.T) {
	paris := repository.GeoPoint{Lat: 48.8566, Lon: 2.3522}
	london := repository.GeoPoint{Lat: 51.5074, Lon: -0.1278}

	require.InDelta(t, 343.5, Haversine(paris, london), 1.0)
	require.InDelta(t, 0, Haversine(paris, paris), 1e-9)
	require.InDelta(t, 5.0, Haversine(repository.GeoPoint{}, *kmNorth(5)), 0.01)
}
