package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTokenCleanupInterval is how often expired tokens are purged.
const DefaultTokenCleanupInterval = time.Hour

// StartTokenCleaner purges expired tokens every interval until ctx is done.
func (s *Service) StartTokenCleaner(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultTokenCleanupInterval
	}
	go s.cleanupLoop(ctx, interval, logger)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purge expired tokens failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged expired tokens", "count", n)
			}
		}
	}
}

// PurgeExpired deletes tokens past their expiry. Cached copies expire on
// their own TTL.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	return res.RowsAffected()
}
