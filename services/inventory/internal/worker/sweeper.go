package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/GoBigTech/services/inventory/internal/metrics"
)

const (
	// DefaultSweepInterval период sweeper по умолчанию
	DefaultSweepInterval = 5 * time.Minute
	// DefaultSweepBatchSize сколько резервов освобождать за один проход
	DefaultSweepBatchSize = 500
	// maxRoundsPerSweep ограничение проходов за один тик, остаток доберёт следующий тик
	maxRoundsPerSweep = 100
)

// BatchExpirer переводит просроченные партии в EXPIRED
type BatchExpirer interface {
	ExpireBatches(ctx context.Context, asOf time.Time) (int64, error)
}

// ExpiredReleaser освобождает просроченные резервы
type ExpiredReleaser interface {
	ReleaseExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// SweepResult итог одного прогона
type SweepResult struct {
	ExpiredBatches int64
	Released       int
}

// Sweeper периодически освобождает резервы с истёкшим expires_at
// и переводит партии с прошедшим сроком годности в EXPIRED.
// Ошибка одного прогона логируется, следующий тик повторит работу.
type Sweeper struct {
	batches   BatchExpirer
	releaser  ExpiredReleaser
	interval  time.Duration
	batchSize int
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewSweeper создаёт sweeper
func NewSweeper(batches BatchExpirer, releaser ExpiredReleaser, interval time.Duration, batchSize int, m *metrics.Metrics, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &Sweeper{
		batches:   batches,
		releaser:  releaser,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
		metrics:   m,
		logger:    logger,
	}
}

// Start запускает цикл sweeper. Блокируется до отмены контекста.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("starting reservation sweeper",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reservation sweeper stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("sweep failed, will retry on next tick",
			zap.Error(err),
			zap.Int64("expired_batches", res.ExpiredBatches),
			zap.Int("released", res.Released),
		)
		return
	}
	if res.ExpiredBatches > 0 || res.Released > 0 {
		s.logger.Info("sweep completed",
			zap.Int64("expired_batches", res.ExpiredBatches),
			zap.Int("released", res.Released),
		)
	}
}

// SweepOnce один прогон: сначала партии, затем резервы пачками по batchSize
func (s *Sweeper) SweepOnce(ctx context.Context) (res SweepResult, err error) {
	defer func() { s.metrics.SweepRun(err == nil, res.ExpiredBatches) }()

	now := s.now()

	var errs []error
	n, err := s.batches.ExpireBatches(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	res.ExpiredBatches = n

	for round := 0; round < maxRoundsPerSweep; round++ {
		released, err := s.releaser.ReleaseExpired(ctx, now, s.batchSize)
		res.Released += released
		if err != nil {
			errs = append(errs, err)
			break
		}
		if released < s.batchSize {
			break
		}
	}

	return res, errors.Join(errs...)
}
