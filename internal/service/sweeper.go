package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/refundops/internal/correlation"
	"github.com/punchamoorthee/refundops/internal/idempotency"
	"github.com/punchamoorthee/refundops/internal/logging"
)

// SweepPrincipal initiates the periodic batch.
const SweepPrincipal = "system:sweeper"

// Sweeper periodically reconciles stalled refunds, auto-approves and
// processes new ones, drops expired idempotency records and prunes old
// correlation contexts.
type Sweeper struct {
	proc      *Processor
	idem      *idempotency.Manager
	corr      *correlation.Manager
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

func NewSweeper(proc *Processor, idem *idempotency.Manager, corr *correlation.Manager, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		proc:      proc,
		idem:      idem,
		corr:      corr,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		logger:    logging.WithComponent("sweeper"),
	}
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables sweeping and Run returns immediately.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info().Msg("sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Errors are logged; the next tick tries again.
func (s *Sweeper) Sweep(ctx context.Context) {
	if _, err := s.proc.ReconcileStale(ctx, SweepPrincipal); err != nil {
		s.logger.Error().Err(err).Msg("stale refund reconciliation failed")
	}

	batch, err := s.proc.AutoProcessEligible(ctx, SweepPrincipal)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep batch failed")
	} else if len(batch.Results) > 0 || len(batch.AutoApproved) > 0 {
		s.logger.Info().
			Int("auto_approved", len(batch.AutoApproved)).
			Int("succeeded", batch.Succeeded).
			Int("failed", batch.Failed).
			Int("retried", batch.Retried).
			Msg("sweep processed refunds")
	}

	if n, err := s.idem.Cleanup(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("idempotency cleanup failed")
	} else if n > 0 {
		s.logger.Debug().Int64("removed", n).Msg("expired idempotency records removed")
	}

	if s.retention > 0 {
		if n := s.corr.Prune(s.now().Add(-s.retention)); n > 0 {
			s.logger.Debug().Int("pruned", n).Msg("correlation contexts pruned")
		}
	}
}
