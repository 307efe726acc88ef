package dispatch

import (
	"context"
	"time"

	"ridedispatch/internal/metrics"
	"ridedispatch/internal/modules/events"
)

// RunExpirySweeper expires stale open rides every SweepInterval until ctx is done.
func (s *Service) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.WithError(err).Warn("expiry sweep failed")
			}
		}
	}
}

// SweepOnce runs a single expiry pass and returns how many rides expired.
func (s *Service) SweepOnce(ctx context.Context) (int, error) {
	expired, err := s.ledger.ExpireDue(ctx)
	for _, r := range expired {
		metrics.RidesExpired.Inc()
		s.emit(ctx, events.RideExpired, r, "")
	}
	if len(expired) > 0 {
		s.log.WithField("expired", len(expired)).Info("expired stale rides")
	}
	return len(expired), err
}
