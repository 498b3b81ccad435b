package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/store2door/store2door-api/pkg/config"
)

type expiredTokenStore interface {
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenCleanupJob periodically removes refresh token rows that expired past
// the retention window. Expired rows are already unusable; this reclaims
// storage only.
type TokenCleanupJob struct {
	store   expiredTokenStore
	metrics *MetricsService
	logger  *zap.Logger
	cfg     config.SessionConfig
}

// NewTokenCleanupJob builds the cleanup job. Metrics may be nil.
func NewTokenCleanupJob(store expiredTokenStore, metrics *MetricsService, logger *zap.Logger, cfg config.SessionConfig) *TokenCleanupJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenCleanupJob{store: store, metrics: metrics, logger: logger, cfg: cfg}
}

// Run blocks until the context is cancelled, sweeping on the configured
// interval. Call it from its own goroutine.
func (j *TokenCleanupJob) Run(ctx context.Context) {
	interval := j.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("token cleanup job started", zap.Duration("interval", interval))
	j.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("token cleanup job stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *TokenCleanupJob) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.cfg.CleanupRetain)
	deleted, err := j.store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to delete expired refresh tokens", zap.Error(err))
		return
	}
	if j.metrics != nil {
		j.metrics.AddTokensPruned(deleted)
	}
	if deleted > 0 {
		j.logger.Debug("expired refresh tokens removed", zap.Int64("deleted", deleted))
	}
}
