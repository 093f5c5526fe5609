package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type expirerMock struct {
	mock.Mock
}

func (m *expirerMock) ExpireBatches(ctx context.Context, asOf time.Time) (int64, error) {
	args := m.Called(ctx, asOf)
	return args.Get(0).(int64), args.Error(1)
}

type releaserMock struct {
	mock.Mock
}

func (m *releaserMock) ReleaseExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	args := m.Called(ctx, now, limit)
	return args.Int(0), args.Error(1)
}

func TestSweeper_SweepOnceDrainsInBatches(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)

	expirer := &expirerMock{}
	releaser := &releaserMock{}
	expirer.On("ExpireBatches", ctx, now).Return(int64(2), nil).Once()
	releaser.On("ReleaseExpired", ctx, now, 10).Return(10, nil).Twice()
	releaser.On("ReleaseExpired", ctx, now, 10).Return(3, nil).Once()

	s := NewSweeper(expirer, releaser, time.Minute, 10, nil, zap.NewNop())
	s.now = func() time.Time { return now }

	res, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{ExpiredBatches: 2, Released: 23}, res)
	expirer.AssertExpectations(t)
	releaser.AssertExpectations(t)
}

func TestSweeper_SweepOnceContinuesAfterBatchExpiryError(t *testing.T) {
	ctx := context.Background()

	expirer := &expirerMock{}
	releaser := &releaserMock{}
	expirer.On("ExpireBatches", ctx, mock.Anything).Return(int64(0), errors.New("db down")).Once()
	releaser.On("ReleaseExpired", ctx, mock.Anything, DefaultSweepBatchSize).Return(1, nil).Once()

	s := NewSweeper(expirer, releaser, 0, 0, nil, zap.NewNop())

	res, err := s.SweepOnce(ctx)
	require.Error(t, err)
	require.Equal(t, 1, res.Released)
	releaser.AssertExpectations(t)
}

// failingReleaser всегда возвращает ошибку и считает вызовы
type failingReleaser struct {
	calls atomic.Int32
}

func (r *failingReleaser) ReleaseExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	r.calls.Add(1)
	return 0, errors.New("db down")
}

type failingExpirer struct{}

func (failingExpirer) ExpireBatches(ctx context.Context, asOf time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func TestSweeper_StartSurvivesErrorsAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	releaser := &failingReleaser{}

	s := NewSweeper(failingExpirer{}, releaser, 10*time.Millisecond, 5, nil, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		return releaser.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
