package transcript

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// StartCleaner removes turns older than retain every interval until ctx is done.
func (s *Store) StartCleaner(ctx context.Context, retain, interval time.Duration, logger *zap.Logger) {
	if retain <= 0 {
		retain = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go s.cleanupLoop(ctx, retain, interval, logger)
}

func (s *Store) cleanupLoop(ctx context.Context, retain, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.cleanupExpired(ctx, time.Now().UTC().Add(-retain))
			if err != nil {
				logger.Warn("cleanup transcripts failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired transcript turns removed", zap.Int64("count", n))
			}
		}
	}
}

func (s *Store) cleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE created_at <= ?`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired turns: %w", err)
	}
	return res.RowsAffected()
}
