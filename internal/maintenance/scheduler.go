// Package maintenance runs periodic housekeeping alongside the API server.
package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/agrilink/internal/logging"
)

type PayloadPruner interface {
	CleanupOldWeatherPayloads(ctx context.Context, retentionDays int) (int64, error)
}

type Scheduler struct {
	pruner        PayloadPruner
	interval      time.Duration
	retentionDays int
	log           zerolog.Logger
}

// NewScheduler prunes weather payloads older than retentionDays every interval.
func NewScheduler(pruner PayloadPruner, retentionDays int, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{
		pruner:        pruner,
		interval:      interval,
		retentionDays: retentionDays,
		log:           logging.With("maintenance"),
	}
}

// Run prunes immediately, then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.PruneOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler: shutting down")
			return
		case <-ticker.C:
			s.PruneOnce(ctx)
		}
	}
}

func (s *Scheduler) PruneOnce(ctx context.Context) int64 {
	n, err := s.pruner.CleanupOldWeatherPayloads(ctx, s.retentionDays)
	if err != nil {
		s.log.Error().Err(err).Msg("prune weather payloads")
		return 0
	}
	if n > 0 {
		s.log.Info().Int64("removed", n).Int("retention_days", s.retentionDays).Msg("pruned weather payloads")
	}
	return n
}
